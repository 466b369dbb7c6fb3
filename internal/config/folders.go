package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"gopkg.in/yaml.v3"
)

// Folder is one shared folder from the folders file.
type Folder struct {
	ID    string
	Label string
	// Path is absolute, or empty for a folder kept in the state database
	// only.
	Path  string
	Peers []protocol.DeviceID
	Watch bool
}

type folderEntry struct {
	ID    string   `yaml:"id" toml:"id"`
	Label string   `yaml:"label" toml:"label"`
	Path  string   `yaml:"path" toml:"path"`
	Peers []string `yaml:"peers" toml:"peers"`
	Watch *bool    `yaml:"watch" toml:"watch"`
}

type foldersFile struct {
	Folders []folderEntry `yaml:"folders" toml:"folders"`
}

// LoadFolders reads FOLDERS_FILE. A missing setting yields no folders.
// Relative folder paths are resolved against the file's directory and a
// folder without a watch setting follows ENABLE_WATCH.
func (c *Config) LoadFolders() ([]Folder, error) {
	if c.FoldersFile == "" {
		return nil, nil
	}

	f, err := os.Open(c.FoldersFile)
	if err != nil {
		return nil, fmt.Errorf("opening folders file: %w", err)
	}
	defer f.Close()

	return parseFolders(f, filepath.Ext(c.FoldersFile), filepath.Dir(c.FoldersFile), c.EnableWatch)
}

func parseFolders(r io.Reader, ext, baseDir string, watch bool) ([]Folder, error) {
	var file foldersFile

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
			return nil, fmt.Errorf("parsing folders file: %w", err)
		}
	case ".toml":
		if _, err := toml.NewDecoder(r).Decode(&file); err != nil {
			return nil, fmt.Errorf("parsing folders file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported folders file extension %q (want .yaml, .yml or .toml)", ext)
	}

	seen := make(map[string]struct{}, len(file.Folders))
	out := make([]Folder, 0, len(file.Folders))

	for i, e := range file.Folders {
		if e.ID == "" {
			return nil, fmt.Errorf("folder %d has no id", i+1)
		}

		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("duplicate folder id %q", e.ID)
		}

		seen[e.ID] = struct{}{}

		folder := Folder{ID: e.ID, Label: e.Label, Watch: watch}
		if folder.Label == "" {
			folder.Label = e.ID
		}

		if e.Watch != nil {
			folder.Watch = *e.Watch
		}

		if e.Path != "" {
			path, err := resolvePath(e.Path, baseDir)
			if err != nil {
				return nil, fmt.Errorf("folder %q: %w", e.ID, err)
			}

			folder.Path = path
		}

		for _, p := range e.Peers {
			id, err := protocol.ParseDeviceID(p)
			if err != nil {
				return nil, fmt.Errorf("folder %q: invalid peer %q: %w", e.ID, p, err)
			}

			folder.Peers = append(folder.Peers, id)
		}

		out = append(out, folder)
	}

	return out, nil
}

func resolvePath(path, baseDir string) (string, error) {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}

		path = filepath.Join(home, rest)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	return abs, nil
}
