package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"imagestore/internal/models"
)

// BlobStore saves raw payloads under slash separated relative paths.
type BlobStore interface {
	Save(ctx context.Context, path string, data []byte) error
	// Read returns models.ErrNotFound when nothing is stored at path.
	Read(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) (bool, error)
}

// FileBlobs stores payloads on the local filesystem below root.
type FileBlobs struct {
	root string
}

func NewFileBlobs(root string) (*FileBlobs, error) {
	const op = "storage.NewFileBlobs"

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &FileBlobs{root: root}, nil
}

// resolve maps a relative path to a file below root; ".." segments cannot
// climb out of it.
func (b *FileBlobs) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + strings.ReplaceAll(path, "\\", "/"))
	if clean == "/" {
		return "", fmt.Errorf("empty blob path %q", path)
	}
	return filepath.Join(b.root, filepath.FromSlash(clean)), nil
}

func (b *FileBlobs) Save(_ context.Context, path string, data []byte) error {
	const op = "storage.FileBlobs.Save"

	full, err := b.resolve(path)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (b *FileBlobs) Read(_ context.Context, path string) ([]byte, error) {
	const op = "storage.FileBlobs.Read"

	full, err := b.resolve(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %s: %w", op, path, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return data, nil
}

func (b *FileBlobs) Delete(_ context.Context, path string) (bool, error) {
	const op = "storage.FileBlobs.Delete"

	full, err := b.resolve(path)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	err = os.Remove(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}
