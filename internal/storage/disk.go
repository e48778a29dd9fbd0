package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/bimingest/internal/guid"
)

// FileStore keeps uploaded model files on disk, named by content hash.
type FileStore struct {
	dir string
}

// StoredFile describes a file written by FileStore.Save.
type StoredFile struct {
	Ref         string
	ContentHash string
	Size        int64
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory.
func (fs *FileStore) Dir() string { return fs.dir }

// Save copies r into the store. The returned Ref is the file name relative to
// the store root; saving identical content twice yields the same Ref.
func (fs *FileStore) Save(r io.Reader, filename string) (*StoredFile, error) {
	tmp, err := os.CreateTemp(fs.dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash, n, err := guid.HashReader(io.TeeReader(r, tmp))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", filename, err)
	}

	ref := hash + fileExt(filename)
	if err := os.Rename(tmp.Name(), filepath.Join(fs.dir, ref)); err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", filename, err)
	}
	return &StoredFile{Ref: ref, ContentHash: hash, Size: n}, nil
}

// Open opens a stored file by ref.
func (fs *FileStore) Open(ref string) (*os.File, error) {
	path, err := fs.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("file %s: %w", ref, ErrNotFound)
	}
	return f, err
}

// Remove deletes a stored file. A missing file is not an error.
func (fs *FileStore) Remove(ref string) error {
	path, err := fs.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Usage returns the bytes held by the store.
func (fs *FileStore) Usage() (int64, error) {
	return DiskUsageBytes(fs.dir)
}

func (fs *FileStore) path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("invalid file ref %q", ref)
	}
	return filepath.Join(fs.dir, ref), nil
}

// fileExt keeps the model extensions the opener distinguishes.
func fileExt(name string) string {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".ifc", ".ifczip", ".ifcxml":
		return ext
	}
	return ".ifc"
}

// DiskUsageBytes returns the total size in bytes of the given paths.
// Each path may be a file or a directory (recursively summed).
// Missing paths are skipped.
func DiskUsageBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		if !info.IsDir() {
			total += info.Size()
			continue
		}
		err = filepath.Walk(p, func(_ string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !fi.IsDir() {
				total += fi.Size()
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}
