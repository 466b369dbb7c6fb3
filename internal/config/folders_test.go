package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadFolders_YAML(t *testing.T) {
	path := writeFile(t, "folders.yaml", `
folders:
  - id: docs
    label: Documents
    path: synced/docs
    peers:
      - `+peerA.String()+`
      - `+peerB.String()+`
  - id: archive
    watch: false
`)

	cfg := &Config{FoldersFile: path, EnableWatch: true}

	folders, err := cfg.LoadFolders()
	require.NoError(t, err)
	require.Len(t, folders, 2)

	assert.Equal(t, Folder{
		ID:    "docs",
		Label: "Documents",
		Path:  filepath.Join(filepath.Dir(path), "synced", "docs"),
		Peers: []protocol.DeviceID{peerA, peerB},
		Watch: true,
	}, folders[0])

	assert.Equal(t, "archive", folders[1].ID)
	assert.Equal(t, "archive", folders[1].Label)
	assert.Empty(t, folders[1].Path)
	assert.False(t, folders[1].Watch)
}

func TestLoadFolders_TOML(t *testing.T) {
	abs := t.TempDir()
	path := writeFile(t, "folders.toml", `
[[folders]]
id = "photos"
path = "`+filepath.ToSlash(abs)+`"
peers = ["`+peerA.String()+`"]
watch = true
`)

	folders, err := (&Config{FoldersFile: path}).LoadFolders()
	require.NoError(t, err)
	require.Len(t, folders, 1)

	assert.Equal(t, "photos", folders[0].ID)
	assert.Equal(t, abs, folders[0].Path)
	assert.Equal(t, []protocol.DeviceID{peerA}, folders[0].Peers)
	assert.True(t, folders[0].Watch)
}

func TestLoadFolders_HomePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	folders, err := parseFolders(strings.NewReader("folders:\n  - id: a\n    path: ~/sync/a\n"), ".yml", "/ignored", false)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, filepath.Join(home, "sync", "a"), folders[0].Path)
}

func TestLoadFolders_Unset(t *testing.T) {
	folders, err := (&Config{}).LoadFolders()
	require.NoError(t, err)
	assert.Empty(t, folders)
}

func TestLoadFolders_EmptyYAML(t *testing.T) {
	folders, err := parseFolders(strings.NewReader(""), ".yaml", "/", false)
	require.NoError(t, err)
	assert.Empty(t, folders)
}

func TestLoadFolders_MissingFile(t *testing.T) {
	_, err := (&Config{FoldersFile: filepath.Join(t.TempDir(), "nope.yaml")}).LoadFolders()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening folders file")
}

func TestLoadFolders_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		ext     string
		content string
		want    string
	}{
		{"unknown extension", ".json", `{}`, "unsupported folders file extension"},
		{"bad yaml", ".yaml", "folders: [", "parsing folders file"},
		{"bad toml", ".toml", "[[folders]\nid=", "parsing folders file"},
		{"missing id", ".yaml", "folders:\n  - label: x\n", "has no id"},
		{"duplicate id", ".yaml", "folders:\n  - id: a\n  - id: a\n", "duplicate folder id"},
		{"bad peer", ".yaml", "folders:\n  - id: a\n    peers: [nope]\n", "invalid peer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFolders(strings.NewReader(tt.content), tt.ext, "/", false)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
