package p2psync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrFolderNotFound indicates an unknown sync folder id.
var ErrFolderNotFound = errors.New("sync folder not found")

// SyncFolder is a local directory mirrored to one remote device.
type SyncFolder struct {
	ID         string
	LocalPath  string
	RemotePath string
	DeviceID   string
	AutoSync   bool
	SyncTypes  []string
	LastSync   time.Time
}

// FolderConfig describes a folder to add.
type FolderConfig struct {
	LocalPath string
	// RemotePath is the directory on the remote device, relative to its
	// receive root. Empty uses the base name of LocalPath.
	RemotePath string
	DeviceID   string
	AutoSync   bool
	SyncTypes  []string
}

// FolderStore persists sync folders.
type FolderStore interface {
	LoadFolders(ctx context.Context) ([]SyncFolder, error)
	SaveFolder(ctx context.Context, folder SyncFolder) error
	DeleteFolder(ctx context.Context, id string) error
}

// MemoryFolderStore keeps folders in memory.
type MemoryFolderStore struct {
	mu      sync.Mutex
	folders map[string]SyncFolder
	order   []string
}

// NewMemoryFolderStore creates an empty store.
func NewMemoryFolderStore() *MemoryFolderStore {
	return &MemoryFolderStore{folders: make(map[string]SyncFolder)}
}

// LoadFolders implements FolderStore.
func (m *MemoryFolderStore) LoadFolders(ctx context.Context) ([]SyncFolder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SyncFolder, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, cloneFolder(m.folders[id]))
	}
	return out, nil
}

// SaveFolder implements FolderStore.
func (m *MemoryFolderStore) SaveFolder(ctx context.Context, folder SyncFolder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[folder.ID]; !ok {
		m.order = append(m.order, folder.ID)
	}
	m.folders[folder.ID] = cloneFolder(folder)
	return nil
}

// DeleteFolder implements FolderStore.
func (m *MemoryFolderStore) DeleteFolder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[id]; !ok {
		return nil
	}
	delete(m.folders, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func cloneFolder(f SyncFolder) SyncFolder {
	f.SyncTypes = append([]string(nil), f.SyncTypes...)
	return f
}

func sortFolders(folders []SyncFolder) {
	sort.Slice(folders, func(i, j int) bool { return folders[i].ID < folders[j].ID })
}
