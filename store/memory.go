package store

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	subs   map[*memorySub]struct{}
	closed bool
}

var _ Store = (*MemoryStore)(nil)

type memorySub struct {
	store  *MemoryStore
	prefix string
	d      *dispatcher
	once   sync.Once
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
		subs:   make(map[*memorySub]struct{}),
	}
}

// Set stores value at path, or deletes it when value is nil, and notifies
// matching subscribers.
func (m *MemoryStore) Set(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := normalize(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	var stored []byte
	if value == nil {
		if _, ok := m.values[p]; !ok {
			return nil
		}
		delete(m.values, p)
	} else {
		stored = append(make([]byte, 0, len(value)), value...)
		m.values[p] = stored
	}

	// Notifying under the write lock keeps per-subscriber order identical to
	// the order writes were applied.
	for sub := range m.subs {
		if under(p, sub.prefix) {
			sub.d.push(Event{Path: p, Value: cloneBytes(stored)})
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "MemoryStore.Set",
		"path":     p,
		"deleted":  value == nil,
		"size":     len(value),
	}).Debug("Store value updated")

	return nil
}

// Get returns the value at path.
func (m *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := normalize(path)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.values[p]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(v), nil
}

// Keys returns every stored path under prefix, sorted.
func (m *MemoryStore) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := trimPrefix(prefix)
	var keys []string
	for k := range m.values {
		if p == "" || under(k, p) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Subscribe replays current values under prefix and then streams writes.
func (m *MemoryStore) Subscribe(ctx context.Context, prefix string, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := normalize(prefix)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{store: m, prefix: p, d: newDispatcher(handler)}

	keys := make([]string, 0)
	for k := range m.values {
		if under(k, p) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		sub.d.push(Event{Path: k, Value: cloneBytes(m.values[k])})
	}

	m.subs[sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of attached subscriptions.
func (m *MemoryStore) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Close detaches all subscribers. Further calls fail with ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		sub.d.stop()
	}
	m.subs = make(map[*memorySub]struct{})
	return nil
}

func (s *memorySub) Unsubscribe() {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
		s.d.stop()
	})
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}

func trimPrefix(prefix string) string {
	p, err := normalize(prefix)
	if err != nil {
		return ""
	}
	return p
}
