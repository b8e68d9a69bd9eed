package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Bucket holds immutable objects under slash-separated keys
type Bucket interface {
	// Exists reports whether an object is stored under key
	Exists(ctx context.Context, key string) (bool, error)

	// Put stores body under key. Readers never observe a partial object.
	Put(ctx context.Context, key string, body []byte, contentType string) error

	Get(ctx context.Context, key string) ([]byte, error)

	// Location names an object in logs and provisioning output
	Location(key string) string
}

// FilesystemBucket keeps objects as files below a root directory
type FilesystemBucket struct {
	root string
}

var _ Bucket = (*FilesystemBucket)(nil)

// NewFilesystemBucket creates the root directory when missing
func NewFilesystemBucket(root string) (*FilesystemBucket, error) {
	if root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object root %s: %w", root, err)
	}
	return &FilesystemBucket{root: root}, nil
}

// Path returns the file an object key maps to
func (b *FilesystemBucket) Path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *FilesystemBucket) Location(key string) string {
	return b.Path(key)
}

func (b *FilesystemBucket) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(b.Path(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (b *FilesystemBucket) Put(ctx context.Context, key string, body []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(b.Path(key), body)
}

func (b *FilesystemBucket) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(b.Path(key))
}

// writeAtomic writes to a temp file in the target directory and renames it
// into place
func writeAtomic(path string, body []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
