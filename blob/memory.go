package blob

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryScheme prefixes URLs returned by MemoryStore.
const MemoryScheme = "mem://"

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Upload implements Store.
func (m *MemoryStore) Upload(ctx context.Context, path string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.objects[p] = append([]byte(nil), data...)
	m.mu.Unlock()
	return MemoryScheme + p, nil
}

// Download implements Store.
func (m *MemoryStore) Download(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(url, MemoryScheme) {
		return nil, fmt.Errorf("%w: unsupported url %q", ErrNotFound, url)
	}
	p, err := cleanPath(strings.TrimPrefix(url, MemoryScheme))
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[p]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, p)
	m.mu.Unlock()
	return nil
}

// Has reports whether an object exists at path.
func (m *MemoryStore) Has(path string) bool {
	p, err := cleanPath(path)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[p]
	return ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
