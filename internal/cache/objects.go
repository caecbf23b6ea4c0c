package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

const objectSuffix = ".body"

// objectStore keeps entry bodies as individual files. Every write goes to a fresh
// file name, so replacing an entry never touches the file a reader may hold.
type objectStore struct {
	dir    string
	tmpDir string
}

func newObjectStore(root string) (*objectStore, error) {
	o := &objectStore{
		dir:    filepath.Join(root, "objects"),
		tmpDir: filepath.Join(root, "tmp"),
	}
	for _, d := range []string{o.dir, o.tmpDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}
	// Leftovers from writes interrupted by a crash.
	leftovers, err := os.ReadDir(o.tmpDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read temp directory: %w", err)
	}
	for _, e := range leftovers {
		if err := os.RemoveAll(filepath.Join(o.tmpDir, e.Name())); err != nil {
			logrus.Warnf("Failed to remove leftover temp file %s: %v", e.Name(), err)
		}
	}
	return o, nil
}

// write stores data under a new object name and returns its slash-separated
// path relative to the objects directory.
func (o *objectStore) write(id Identity, data []byte) (string, error) {
	rel := string(id[:2]) + "/" + string(id) + "-" + xid.New().String() + objectSuffix
	final := o.abs(rel)

	tmp, err := os.CreateTemp(o.tmpDir, "write-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to move object into place: %w", err)
	}
	return rel, nil
}

func (o *objectStore) read(rel string) ([]byte, error) {
	return os.ReadFile(o.abs(rel))
}

// remove deletes an object; a missing object is not an error.
func (o *objectStore) remove(rel string) error {
	if err := os.Remove(o.abs(rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// walk calls fn with the relative path of every object file.
func (o *objectStore) walk(fn func(rel string) error) error {
	return filepath.WalkDir(o.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), objectSuffix) {
			return nil
		}
		rel, err := filepath.Rel(o.dir, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel))
	})
}

func (o *objectStore) abs(rel string) string {
	return filepath.Join(o.dir, filepath.FromSlash(rel))
}
