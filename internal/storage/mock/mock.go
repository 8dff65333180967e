// Package mock provides an in-memory BlobStore for tests.
package mock

import (
	"context"
	"fmt"
	"os"
	"sync"

	"soundline/internal/storage"
)

// BlobStore keeps blobs in a map keyed by object key. Safe for concurrent
// use so GPU-worker race tests can share one instance.
type BlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// Error hooks: when set, the matching operation fails
	DownloadErr error
	UploadErr   error
	DeleteErr   error
}

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string][]byte)}
}

// Seed stores raw bytes under key.
func (m *BlobStore) Seed(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}

// Object returns the stored bytes and whether the key exists.
func (m *BlobStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// Keys returns all stored object keys.
func (m *BlobStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

func (m *BlobStore) UploadArchive(ctx context.Context, localPath, batchID string) (string, error) {
	if m.UploadErr != nil {
		return "", m.UploadErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	key := storage.ArchiveKey(batchID)
	m.Seed(key, data)
	return key, nil
}

func (m *BlobStore) DownloadArchive(ctx context.Context, s3Key, localPath string) error {
	if m.DownloadErr != nil {
		return m.DownloadErr
	}
	data, ok := m.Object(s3Key)
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, s3Key)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (m *BlobStore) UploadOpus(ctx context.Context, localPath string, audioID int64, dateStr string) (string, error) {
	if m.UploadErr != nil {
		return "", m.UploadErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	key := storage.OpusKey(audioID, dateStr)
	m.Seed(key, data)
	return key, nil
}

func (m *BlobStore) Delete(ctx context.Context, key string) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *BlobStore) Head(ctx context.Context, key string) (int64, error) {
	data, ok := m.Object(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return int64(len(data)), nil
}

func (m *BlobStore) CheckConnection(ctx context.Context) error {
	return nil
}
