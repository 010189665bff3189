package embed

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/frederic-klein/pyembed/internal/dist"
)

// ErrDuplicatePath is returned when two files claim the same manifest path.
var ErrDuplicatePath = errors.New("path already in file manifest")

// FileEntry is one file to install next to the binary.
type FileEntry struct {
	Data       dist.FileData
	Executable bool
}

// FileManifest maps slash-separated relative paths to file entries.
type FileManifest struct {
	files map[string]FileEntry
}

// NewFileManifest returns an empty manifest.
func NewFileManifest() *FileManifest {
	return &FileManifest{files: make(map[string]FileEntry)}
}

func cleanRelative(p string) (string, error) {
	p = filepath.ToSlash(p)
	if p == "" || path.IsAbs(p) || filepath.IsAbs(p) {
		return "", fmt.Errorf("file manifest path %q must be relative", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("file manifest path %q escapes the destination", p)
	}
	return clean, nil
}

// AddFile records entry at p. Paths are compared after cleaning.
func (m *FileManifest) AddFile(p string, entry FileEntry) error {
	clean, err := cleanRelative(p)
	if err != nil {
		return err
	}
	if _, ok := m.files[clean]; ok {
		return fmt.Errorf("adding %s: %w", clean, ErrDuplicatePath)
	}
	m.files[clean] = entry
	return nil
}

// AddManifest merges other into m. It stops at the first path m already has.
func (m *FileManifest) AddManifest(other *FileManifest) error {
	for _, p := range other.Paths() {
		if err := m.AddFile(p, other.files[p]); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the entry at p.
func (m *FileManifest) Get(p string) (FileEntry, bool) {
	e, ok := m.files[p]
	return e, ok
}

// Paths returns every path in sorted order.
func (m *FileManifest) Paths() []string {
	return slices.Sorted(maps.Keys(m.files))
}

// Len is the number of entries.
func (m *FileManifest) Len() int { return len(m.files) }

// Materialize writes every entry under dir, reading deferred data only now.
func (m *FileManifest) Materialize(dir string) ([]string, error) {
	var written []string
	for _, p := range m.Paths() {
		entry := m.files[p]
		data, err := entry.Data.Resolve()
		if err != nil {
			return written, fmt.Errorf("reading content for %s: %w", p, err)
		}
		dest := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return written, fmt.Errorf("creating directory for %s: %w", p, err)
		}
		mode := os.FileMode(0644)
		if entry.Executable {
			mode = 0755
		}
		if err := os.WriteFile(dest, data, mode); err != nil {
			return written, fmt.Errorf("writing %s: %w", dest, err)
		}
		if err := os.Chmod(dest, mode); err != nil {
			return written, fmt.Errorf("setting mode on %s: %w", dest, err)
		}
		written = append(written, dest)
	}
	return written, nil
}
