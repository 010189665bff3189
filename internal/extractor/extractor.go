// Package extractor unpacks interpreter distribution archives.
package extractor

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"
)

// ErrUnsupportedFormat is returned for archives with an unknown extension.
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// Extractor unpacks distribution archives into directories.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor creates a new extractor. A nil logger discards output.
func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// IsExtracted reports whether dir already holds an extracted distribution.
func IsExtracted(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "python", "PYTHON.json"))
	return err == nil
}

// Extract unpacks archivePath into destDir. An already extracted
// distribution is left alone. The archive is unpacked into a staging
// directory first so a failed run leaves nothing behind.
func (e *Extractor) Extract(archivePath, destDir string) error {
	if IsExtracted(destDir) {
		e.logger.Debug("distribution already extracted", zap.String("dir", destDir))
		return nil
	}
	if _, err := os.Stat(destDir); err == nil {
		return fmt.Errorf("destination %s exists but holds no distribution", destDir)
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer file.Close()

	stream, err := decompressor(archivePath, file)
	if err != nil {
		return err
	}
	defer stream.Close()

	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", parent, err)
	}
	staging, err := os.MkdirTemp(parent, ".extract-*")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	if err := e.unpack(tar.NewReader(stream), staging); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("extracting %s: %w", filepath.Base(archivePath), err)
	}
	if err := os.Rename(staging, destDir); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("moving extracted distribution into place: %w", err)
	}

	e.logger.Info("extracted distribution", zap.String("archive", archivePath), zap.String("dir", destDir))
	return nil
}

func decompressor(name string, r io.Reader) (io.ReadCloser, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("decompressing zstd archive: %w", err)
		}
		return dec.IOReadCloser(), nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("decompressing gzip archive: %w", err)
		}
		return gz, nil
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		xzr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("decompressing xz archive: %w", err)
		}
		return io.NopCloser(xzr), nil
	case strings.HasSuffix(lower, ".tar"):
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), ErrUnsupportedFormat)
	}
}

// entryPath validates an archive entry name and returns it cleaned and
// slash separated.
func entryPath(name string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(filepath.ToSlash(name), "./"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("archive entry %q escapes the destination", name)
	}
	return clean, nil
}

func within(rel string) bool {
	return rel != ".." && !strings.HasPrefix(rel, "../") && !path.IsAbs(rel)
}

func (e *Extractor) unpack(tr *tar.Reader, root string) error {
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		rel, err := entryPath(header.Name)
		if err != nil {
			return err
		}
		if rel == "." {
			continue
		}
		target := filepath.Join(root, filepath.FromSlash(rel))

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, header.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			resolved := path.Clean(path.Join(path.Dir(rel), header.Linkname))
			if path.IsAbs(header.Linkname) || !within(resolved) {
				return fmt.Errorf("symlink %s points outside the archive: %s", rel, header.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			linked, err := entryPath(header.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Link(filepath.Join(root, filepath.FromSlash(linked)), target); err != nil {
				return err
			}
		default:
			e.logger.Debug("skipping archive entry", zap.String("name", header.Name), zap.Uint8("type", header.Typeflag))
		}
	}
}

// writeFile writes an entry, keeping the executable bits but always
// leaving the file writable by its owner.
func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	perm := mode.Perm() | 0200
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(target, perm)
}
