// Package cachestore implements artifact caches: a directory of artifact
// files, an optional SQLite index describing them, and the HTTP service
// that workers, controllers and the shared cache talk to.
package cachestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrBadFilename is returned for names that are not plain cache file names.
var ErrBadFilename = errors.New("invalid artifact filename")

// Dir is a flat directory of artifact files named "<cache-key>.<suffix>".
type Dir struct {
	root string
}

// OpenDir opens root, creating it if needed.
func OpenDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the directory path.
func (d *Dir) Root() string {
	return d.root
}

// ValidFilename reports whether name can be stored in a Dir.
func ValidFilename(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

// CacheKeyOf returns the cache key part of a cache file name.
func CacheKeyOf(filename string) string {
	key, _, _ := strings.Cut(filename, ".")
	return key
}

func (d *Dir) path(name string) (string, error) {
	if !ValidFilename(name) {
		return "", fmt.Errorf("%w: %q", ErrBadFilename, name)
	}
	return filepath.Join(d.root, name), nil
}

// Has reports whether name is present.
func (d *Dir) Has(name string) bool {
	p, err := d.path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Open opens name for reading.
func (d *Dir) Open(name string) (*os.File, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// PutResult describes a stored file.
type PutResult struct {
	Size   int64
	SHA256 string
}

// Put stores the contents of r as name. The file appears atomically; a
// failed write leaves any previous version in place.
func (d *Dir) Put(name string, r io.Reader) (PutResult, error) {
	p, err := d.path(name)
	if err != nil {
		return PutResult{}, err
	}

	tmp, err := os.CreateTemp(d.root, ".incoming-*")
	if err != nil {
		return PutResult{}, fmt.Errorf("store %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return PutResult{}, fmt.Errorf("store %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return PutResult{}, fmt.Errorf("store %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return PutResult{}, fmt.Errorf("store %s: %w", name, err)
	}
	return PutResult{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// PutFile moves or copies the file at src into the cache as name.
func (d *Dir) PutFile(name, src string) (PutResult, error) {
	f, err := os.Open(src)
	if err != nil {
		return PutResult{}, fmt.Errorf("store %s: %w", name, err)
	}
	defer f.Close()
	return d.Put(name, f)
}
