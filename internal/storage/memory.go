package storage

import (
	"context"
	"os"
	"sync"
)

var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage keeps uploaded objects in memory. Used by tests and local
// development without an object store.
type MemoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte

	// UploadErr and DeleteErr, when set, are returned for matching keys.
	UploadErr func(key string) error
	DeleteErr func(key string) error
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (m *MemoryStorage) Upload(_ context.Context, path, key string) (string, error) {
	if m.UploadErr != nil {
		if err := m.UploadErr(key); err != nil {
			return "", &Error{Op: "upload", Key: key, Err: err}
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &Error{Op: "upload", Key: key, Err: err}
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return "memory://" + key, nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	if m.DeleteErr != nil {
		if err := m.DeleteErr(key); err != nil {
			return &Error{Op: "delete", Key: key, Err: err}
		}
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStorage) Ping(_ context.Context) error { return nil }

// Put stores data under key directly.
func (m *MemoryStorage) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}

// Keys returns the stored object keys.
func (m *MemoryStorage) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
