package storage

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/p2psync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) (*FolderDB, string) {
	t.Helper()

	dataDir := t.TempDir()
	fdb, _, err := Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, fdb.Close())
	})
	return fdb, dataDir
}

func TestFolderDBRoundTrip(t *testing.T) {
	fdb, _ := newTestDB(t)
	ctx := context.Background()

	last := time.UnixMilli(1760000000000)
	folder := p2psync.SyncFolder{
		ID:         "folder-1",
		LocalPath:  "/home/u/Photos",
		RemotePath: "Photos",
		DeviceID:   "device-b",
		AutoSync:   true,
		SyncTypes:  []string{"image", ".pdf"},
		LastSync:   last,
	}
	require.NoError(t, fdb.SaveFolder(ctx, folder))

	folders, err := fdb.LoadFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, folder.ID, folders[0].ID)
	assert.Equal(t, folder.LocalPath, folders[0].LocalPath)
	assert.Equal(t, folder.RemotePath, folders[0].RemotePath)
	assert.Equal(t, folder.DeviceID, folders[0].DeviceID)
	assert.True(t, folders[0].AutoSync)
	assert.Equal(t, folder.SyncTypes, folders[0].SyncTypes)
	assert.True(t, last.Equal(folders[0].LastSync))
}

func TestFolderDBUpsertAndDelete(t *testing.T) {
	fdb, _ := newTestDB(t)
	ctx := context.Background()

	folder := p2psync.SyncFolder{ID: "f", LocalPath: "/a", DeviceID: "d"}
	require.NoError(t, fdb.SaveFolder(ctx, folder))

	folders, err := fdb.LoadFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.True(t, folders[0].LastSync.IsZero())
	assert.Empty(t, folders[0].SyncTypes)

	folder.LastSync = time.UnixMilli(1760000000000)
	require.NoError(t, fdb.SaveFolder(ctx, folder))
	folders, err = fdb.LoadFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.False(t, folders[0].LastSync.IsZero())

	require.NoError(t, fdb.DeleteFolder(ctx, "f"))
	require.NoError(t, fdb.DeleteFolder(ctx, "f"))
	folders, err = fdb.LoadFolders(ctx)
	require.NoError(t, err)
	assert.Empty(t, folders)
}

func TestFolderDBValidation(t *testing.T) {
	fdb, _ := newTestDB(t)
	ctx := context.Background()

	assert.Error(t, fdb.SaveFolder(ctx, p2psync.SyncFolder{LocalPath: "/a", DeviceID: "d"}))
	assert.Error(t, fdb.SaveFolder(ctx, p2psync.SyncFolder{ID: "f", DeviceID: "d"}))
	assert.Error(t, fdb.SaveFolder(ctx, p2psync.SyncFolder{ID: "f", LocalPath: "/a"}))
}

func TestFolderDBPersistsAcrossReopen(t *testing.T) {
	dataDir := t.TempDir()
	ctx := context.Background()

	fdb, dbPath, err := Open(dataDir)
	require.NoError(t, err)
	require.NoError(t, fdb.SaveFolder(ctx, p2psync.SyncFolder{ID: "f", LocalPath: "/a", DeviceID: "d"}))
	require.NoError(t, fdb.Close())

	reopened, err := OpenPath(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	folders, err := reopened.LoadFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "f", folders[0].ID)
}

func TestFolderDBClosed(t *testing.T) {
	fdb, _, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fdb.Close())
	require.NoError(t, fdb.Close())

	_, err = fdb.LoadFolders(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, fdb.SaveFolder(context.Background(), p2psync.SyncFolder{ID: "f", LocalPath: "/a", DeviceID: "d"}), ErrClosed)
}

var _ p2psync.FolderStore = (*FolderDB)(nil)
