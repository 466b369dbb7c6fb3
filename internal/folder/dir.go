// Package folder binds a shared folder to a local directory: pulled
// records are written to disk and local edits are pushed to peers.
package folder

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	dirPerm = fs.FileMode(0o755)

	// tempPrefix marks partially written files. The watcher ignores them.
	tempPrefix = ".bep-tmp-"
)

// Peers may announce any modification time; files on disk are clamped to
// a sane range.
var (
	mtimeMin = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	mtimeMax = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Dir provides serialized file access below one root directory. Paths are
// folder-relative with forward slashes.
type Dir struct {
	root string
	mu   sync.RWMutex
}

// NewDir creates the root if needed. root must be absolute.
func NewDir(root string) (*Dir, error) {
	if root == "" || !filepath.IsAbs(root) {
		return nil, fmt.Errorf("folder path %q must be absolute", root)
	}

	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("creating folder directory %s: %w", root, err)
	}

	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", root, err)
	}

	return &Dir{root: resolved}, nil
}

func (d *Dir) Root() string { return d.root }

// Open opens a file for reading.
func (d *Dir) Open(rel string) (*os.File, error) {
	abs, err := d.resolve(rel)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	return os.Open(abs) //nolint:gosec // G304: abs validated by resolve
}

// Stat returns file info without following a final symlink.
func (d *Dir) Stat(rel string) (os.FileInfo, error) {
	abs, err := d.resolve(rel)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	return os.Lstat(abs)
}

// WriteAtomic replaces rel with the content of r. The data is written to a
// temporary file in the same directory and renamed into place, so readers
// never see a partial file. A non-zero mtime is applied after the rename.
func (d *Dir) WriteAtomic(rel string, r io.Reader, mtime time.Time, perm fs.FileMode) error {
	abs, err := d.resolve(rel)
	if err != nil {
		return err
	}

	if perm == 0 {
		perm = 0o644
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", rel, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", rel, err)
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing %s: %w", rel, err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing %s: %w", rel, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", rel, err)
	}

	if err := os.Chmod(tmpName, perm.Perm()); err != nil {
		return fmt.Errorf("setting mode of %s: %w", rel, err)
	}

	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("renaming into %s: %w", rel, err)
	}

	if !mtime.IsZero() {
		mtime = clampMtime(mtime)
		if err := os.Chtimes(abs, mtime, mtime); err != nil {
			return fmt.Errorf("setting mtime for %s: %w", rel, err)
		}
	}

	return nil
}

// MkdirAll creates a directory and its parents.
func (d *Dir) MkdirAll(rel string) error {
	abs, err := d.resolve(rel)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return os.MkdirAll(abs, dirPerm)
}

// Remove deletes a file or an empty directory. A missing path is not an
// error.
func (d *Dir) Remove(rel string) error {
	abs, err := d.resolve(rel)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", rel, err)
	}

	return nil
}

// Rel converts an absolute path below the root into a folder path.
func (d *Dir) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(d.root, abs)
	if err != nil {
		return "", err
	}

	if rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside %s", abs, d.root)
	}

	return normalizePath(rel), nil
}

// resolve converts a folder path to an absolute path, rejecting anything
// that would escape the root, including through symlinks.
func (d *Dir) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}

	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("path contains null byte: %q", rel)
	}

	rel = strings.ReplaceAll(rel, "\\", "/")

	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path contains ..: %q", rel)
		}
	}

	abs := filepath.Join(d.root, filepath.FromSlash(rel))
	if !strings.HasPrefix(abs, d.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q resolves outside the folder", rel)
	}

	// The deepest existing ancestor must still be inside the root.
	existing := abs
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			if resolved != d.root && !strings.HasPrefix(resolved, d.root+string(os.PathSeparator)) {
				return "", fmt.Errorf("symlink traversal blocked: %q resolves to %q", rel, resolved)
			}

			return abs, nil
		}

		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolving symlinks for %q: %w", rel, err)
		}

		existing = filepath.Dir(existing)
		if existing == d.root {
			return abs, nil
		}
	}
}

func clampMtime(t time.Time) time.Time {
	if t.Before(mtimeMin) {
		return mtimeMin
	}

	if t.After(mtimeMax) {
		return mtimeMax
	}

	return t
}

// normalizePath converts OS separators to slashes, collapses repeated
// slashes and applies NFC, matching how paths are stored.
func normalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")

	parts := strings.Split(path, "/")
	kept := parts[:0]

	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}

	return norm.NFC.String(strings.Join(kept, "/"))
}
