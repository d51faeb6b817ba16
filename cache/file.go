package cache

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

const tempPrefix = ".tmp-"

// FileCache stores every entry as one file at <root>/<key>.
// File contents are the verbatim response bytes.
type FileCache struct {
	root string
}

// NewFileCache creates the root directory if needed.
func NewFileCache(root string) (*FileCache, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, ioFailure("open", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, ioFailure("open", root, err)
	}
	return &FileCache{root: abs}, nil
}

// Root returns the absolute cache directory.
func (f *FileCache) Root() string {
	return f.root
}

// Path returns the file path for the given key.
// Keys that would resolve outside of the root are rejected.
func (f *FileCache) Path(key string) (string, error) {
	p := filepath.Join(f.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(f.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ioFailure("resolve", key, errors.New("location is outside of the cache root"))
	}
	return p, nil
}

func (f *FileCache) Read(key string) ([]byte, bool, error) {
	p, err := f.Path(key)
	if err != nil {
		return nil, false, err
	}
	info, err := os.Stat(p)
	if isNotFound(err) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, ioFailure("stat", key, err)
	}
	// a directory means only longer paths below this one are stored
	if info.IsDir() {
		return nil, false, nil
	}
	bytes, err := os.ReadFile(p)
	if isNotFound(err) {
		// deleted by another worker in the meantime
		return nil, false, nil
	} else if err != nil {
		return nil, false, ioFailure("read", key, err)
	}
	return bytes, true, nil
}

// Write creates missing directories and replaces the entry atomically,
// so concurrent writers of one key never leave a mixed file behind.
func (f *FileCache) Write(key string, bytes []byte) error {
	p, err := f.Path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioFailure("mkdir", key, err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return ioFailure("create", key, err)
	}
	_, err = tmp.Write(bytes)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0o644)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), p)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return ioFailure("write", key, err)
	}
	return nil
}

func (f *FileCache) Delete(key string) error {
	p, err := f.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !isNotFound(err) {
		return ioFailure("delete", key, err)
	}
	return nil
}

func (f *FileCache) Keys(cb func(string)) error {
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		cb(filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return ioFailure("walk", f.root, err)
	}
	return nil
}

func (f *FileCache) Close() error {
	return nil
}

// isNotFound also covers a path component being a regular file,
// e.g. "host/a/b" when "host/a" is a stored entry.
func isNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
