package localfs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/p2psync/crypto"
	"github.com/opd-ai/p2psync/interfaces"
)

type memFile struct {
	data    []byte
	modTime time.Time
}

// MemoryFS is an in-memory FileSystem for tests and demos.
// Paths use forward slashes.
type MemoryFS struct {
	mu     sync.RWMutex
	files  map[string]memFile
	writes int
	now    func() time.Time
}

var _ interfaces.FileSystem = (*MemoryFS)(nil)

// NewMemoryFS creates an empty in-memory filesystem.
func NewMemoryFS() *MemoryFS {
	return &MemoryFS{
		files: make(map[string]memFile),
		now:   time.Now,
	}
}

// Put stores a file with an explicit modification time.
func (m *MemoryFS) Put(p string, data []byte, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[memKey(p)] = memFile{data: append([]byte(nil), data...), modTime: modTime}
}

// Get returns a stored file.
func (m *MemoryFS) Get(p string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[memKey(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// Writes returns the number of WriteFile calls that changed content.
func (m *MemoryFS) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// ScanFolder returns files stored under dir, sorted by path.
func (m *MemoryFS) ScanFolder(ctx context.Context, dir string, types []string) ([]interfaces.FileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := strings.TrimSuffix(memKey(dir), "/") + "/"

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []interfaces.FileMetadata
	for p, f := range m.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		mt := DetectType(f.data)
		name := path.Base(p)
		if !MatchesTypes(name, mt, types) {
			continue
		}
		out = append(out, interfaces.FileMetadata{
			ID:           Fingerprint(p, int64(len(f.data)), f.modTime),
			Name:         name,
			Path:         p,
			Size:         int64(len(f.data)),
			Type:         mt,
			ContentHash:  crypto.ContentHash(f.data),
			ModifiedTime: f.modTime,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ReadFile returns a copy of a stored file.
func (m *MemoryFS) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := m.Get(p)
	if !ok {
		return nil, fmt.Errorf("read %s: %w", p, os.ErrNotExist)
	}
	return data, nil
}

// WriteFile stores data under a validated path. Identical content is a no-op.
func (m *MemoryFS) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := ValidatePath(p)
	if err != nil {
		return err
	}
	key := memKey(strings.ReplaceAll(rel, "\\", "/"))

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.files[key]; ok && bytes.Equal(existing.data, data) {
		return nil
	}
	m.files[key] = memFile{data: append([]byte(nil), data...), modTime: m.now()}
	m.writes++
	return nil
}

// memKey roots p so "dst/a.txt" and "/dst/a.txt" name the same file.
func memKey(p string) string {
	return path.Clean("/" + p)
}
