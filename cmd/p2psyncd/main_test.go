package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/p2psync"
	"github.com/opd-ai/p2psync/blob"
	"github.com/opd-ai/p2psync/config"
	"github.com/opd-ai/p2psync/identity"
	"github.com/opd-ai/p2psync/localfs"
	"github.com/opd-ai/p2psync/storage"
	"github.com/opd-ai/p2psync/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)
	defer logrus.SetFormatter(&logrus.TextFormatter{})

	require.NoError(t, setupLogging("debug", true))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	assert.Error(t, setupLogging("loud", false))
	assert.NoError(t, setupLogging("", false))
}

func TestFoldersCommands(t *testing.T) {
	t.Setenv(config.EnvDataDir, "")
	t.Setenv(config.EnvPassphrase, "")
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	local := filepath.Join(dir, "Photos")

	app := newApp()
	require.NoError(t, app.Run([]string{"p2psyncd", "folders", "add",
		"--config", cfgPath, "--path", local, "--device", "phone", "--auto", "--type", "image"}))
	require.NoError(t, app.Run([]string{"p2psyncd", "folders", "list", "--config", cfgPath}))

	db, _, err := storage.Open(dir)
	require.NoError(t, err)
	folders, err := db.LoadFolders(context.Background())
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, local, folders[0].LocalPath)
	assert.Equal(t, "Photos", folders[0].RemotePath)
	assert.Equal(t, []string{"image"}, folders[0].SyncTypes)
	assert.True(t, folders[0].AutoSync)
	id := folders[0].ID
	require.NoError(t, db.Close())

	require.NoError(t, app.Run([]string{"p2psyncd", "folders", "remove", "--config", cfgPath, "--id", id}))

	db, _, err = storage.Open(dir)
	require.NoError(t, err)
	defer db.Close()
	folders, err = db.LoadFolders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, folders)
}

func TestAddConfiguredFoldersSkipsExisting(t *testing.T) {
	opts := p2psync.NewOptions()
	opts.DeviceID = "laptop"
	svc, err := p2psync.New(opts, p2psync.Dependencies{
		Identity: identity.StaticProvider{UserID: "alice"},
		Mailbox:  store.NewMemoryStore(),
		Blobs:    blob.NewMemoryStore(),
		FS:       localfs.NewMemoryFS(),
	})
	require.NoError(t, err)
	defer svc.Close()

	folders := []config.Folder{
		{LocalPath: "/data/photos", DeviceID: "phone"},
		{LocalPath: "/data/docs/", DeviceID: "phone"},
	}
	ctx := context.Background()
	require.NoError(t, addConfiguredFolders(ctx, svc, folders))
	require.NoError(t, addConfiguredFolders(ctx, svc, folders))
	assert.Len(t, svc.GetSyncFolders(), 2)
}

func TestIdentityProvider(t *testing.T) {
	p, err := identityProvider(config.Identity{UserID: "alice"})
	require.NoError(t, err)
	user, err := p.Ready(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	token, err := identity.IssueToken([]byte("s3cret"), "bob", time.Hour)
	require.NoError(t, err)
	p, err = identityProvider(config.Identity{Token: token, Secret: "s3cret"})
	require.NoError(t, err)
	user, err = p.Ready(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bob", user)

	_, err = identityProvider(config.Identity{Token: token, Secret: "other"})
	assert.Error(t, err)
}
