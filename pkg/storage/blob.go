// The cold cache tier persists one snapshot blob per namespace in a durable store. Stores only need point reads and
// whole-blob overwrites; they never see partial updates.

package storage

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"maps"
	"slices"
	"sync"
)

var ErrKeyNotFound = errors.New("key was not found")

var blobStoreKind = flag.String("blob_store", "file",
	"Durable store backing the cold cache tier: none/memory/file/redis/s3.")

// BlobStore is a durable key-value surface holding opaque blobs by namespace.
type BlobStore interface {
	// ReadBlob returns the blob stored under `namespace`, or an error wrapping ErrKeyNotFound if absent.
	ReadBlob(ctx context.Context, namespace string) ([]byte, error)
	// WriteBlob replaces the blob stored under `namespace`.
	WriteBlob(ctx context.Context, namespace string, data []byte) error
	Close() error
}

// NewBlobStoreFromFlags builds the store selected by --blob_store. A nil store means the cold tier is disabled.
func NewBlobStoreFromFlags(ctx context.Context) (BlobStore, error) {
	switch *blobStoreKind {
	case "none", "":
		return nil, nil
	case "memory":
		return NewInMemoryBlobStore(), nil
	case "file":
		return NewFileBlobStore(*blobDir)
	case "redis":
		return NewRedisBlobStore(ctx, RedisOptionsFromFlags())
	case "s3":
		return NewS3BlobStore(ctx, S3OptionsFromFlags())
	default:
		return nil, fmt.Errorf("unknown --blob_store %q", *blobStoreKind)
	}
}

var _ BlobStore = (*InMemoryBlobStore)(nil)

// InMemoryBlobStore keeps blobs in process memory. It does not survive restarts; useful in tests and when
// a durable store is not available.
type InMemoryBlobStore struct { // Implements BlobStore.
	mux  sync.RWMutex
	data map[string][]byte
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{data: make(map[string][]byte)}
}

func (i *InMemoryBlobStore) ReadBlob(_ context.Context, namespace string) ([]byte, error) {
	i.mux.RLock()
	defer i.mux.RUnlock()
	if value, exists := i.data[namespace]; exists {
		return slices.Clone(value), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, namespace)
}

func (i *InMemoryBlobStore) WriteBlob(_ context.Context, namespace string, data []byte) error {
	i.mux.Lock()
	defer i.mux.Unlock()
	i.data[namespace] = slices.Clone(data)
	return nil
}

// Namespaces returns the stored namespaces in sorted order.
func (i *InMemoryBlobStore) Namespaces() []string {
	i.mux.RLock()
	defer i.mux.RUnlock()
	return slices.Sorted(maps.Keys(i.data))
}

func (i *InMemoryBlobStore) Close() error { return nil }
