package storage

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var blobDir = flag.String("blob_dir", "./data", "Directory used by the file blob store.")

// validNamespace restricts namespaces to names that are safe as file names.
var validNamespace = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// FileBlobStore stores each namespace as a file under a directory. Writes go to a temporary file that is renamed
// into place, so a crash mid-write leaves the previous blob intact.
type FileBlobStore struct { // Implements BlobStore.
	dir string
}

var _ BlobStore = (*FileBlobStore)(nil)

// NewFileBlobStore creates `dir` if needed.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if dir == "" {
		return nil, errors.New("expected a non-empty blob directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory %s: %w", dir, err)
	}
	return &FileBlobStore{dir: dir}, nil
}

func (f *FileBlobStore) path(namespace string) (string, error) {
	if !validNamespace.MatchString(namespace) {
		return "", fmt.Errorf("invalid blob namespace %q", namespace)
	}
	return filepath.Join(f.dir, namespace+".blob"), nil
}

func (f *FileBlobStore) ReadBlob(_ context.Context, namespace string) ([]byte, error) {
	path, err := f.path(namespace)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, namespace)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", path, err)
	}
	return data, nil
}

func (f *FileBlobStore) WriteBlob(_ context.Context, namespace string, data []byte) error {
	path, err := f.path(namespace)
	if err != nil {
		return err
	}
	file, err := os.CreateTemp(f.dir, namespace+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary blob file: %w", err)
	}
	temporaryPath := file.Name()
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(temporaryPath)
		return fmt.Errorf("failed to write temporary blob file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(temporaryPath)
		return fmt.Errorf("failed to sync temporary blob file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(temporaryPath)
		return fmt.Errorf("failed to close temporary blob file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		_ = os.Remove(temporaryPath)
		return fmt.Errorf("failed to move blob file into place: %w", err)
	}
	// Sync the directory so the rename itself survives a power loss.
	if dir, err := os.Open(f.dir); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

func (f *FileBlobStore) Close() error { return nil }
