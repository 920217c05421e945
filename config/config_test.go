package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateWritesDefault(t *testing.T) {
	t.Setenv(EnvPassphrase, "")
	t.Setenv(EnvDataDir, "")
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, gotPath, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, path, gotPath)
	assert.NotEmpty(t, cfg.DeviceID)
	assert.Equal(t, 20*time.Second, cfg.NegotiationTimeout)
	assert.Equal(t, BlobMemory, cfg.Blob.Kind)

	again, _, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.DeviceID, again.DeviceID, "device id must be stable")
}

func TestLoadParsesYAML(t *testing.T) {
	t.Setenv(EnvPassphrase, "")
	t.Setenv(EnvDataDir, "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
deviceId: laptop
identity:
  userId: alice
mailbox:
  url: ws://localhost:8089/v1/mailbox
  token: hub-secret
blob:
  kind: minio
  minio:
    endpoint: localhost:9000
    bucket: relay
negotiationTimeout: 15s
folders:
  - localPath: /home/alice/Photos
    remotePath: Photos
    deviceId: phone
    autoSync: true
    syncTypes: [image]
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "laptop", cfg.DeviceID)
	assert.Equal(t, "alice", cfg.Identity.UserID)
	assert.Equal(t, "hub-secret", cfg.Mailbox.Token)
	assert.Equal(t, "relay", cfg.Blob.Minio.Bucket)
	assert.Equal(t, 15*time.Second, cfg.NegotiationTimeout)
	assert.Equal(t, 16*1024, cfg.ChunkSize)
	require.Len(t, cfg.Folders, 1)
	assert.Equal(t, []string{"image"}, cfg.Folders[0].SyncTypes)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvPassphrase, "from-env")
	t.Setenv(EnvDataDir, "/tmp/p2psync-env")
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default(filepath.Dir(path))
	cfg.Passphrase = "from-file"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", loaded.Passphrase)
	assert.Equal(t, "/tmp/p2psync-env", loaded.DataDir)

	// Saving does not write the environment passphrase to disk.
	require.NoError(t, Save(path, loaded))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "from-env")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default(t.TempDir())
		c.Identity.UserID = "alice"
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no device", func(c *Config) { c.DeviceID = "" }},
		{"no identity", func(c *Config) { c.Identity.UserID = "" }},
		{"token without secret", func(c *Config) { c.Identity.Token = "t" }},
		{"one ice server", func(c *Config) { c.ICEServers = c.ICEServers[:1] }},
		{"chunk too large", func(c *Config) { c.ChunkSize = 1 << 20 }},
		{"zero timeout", func(c *Config) { c.NegotiationTimeout = 0 }},
		{"unknown blob", func(c *Config) { c.Blob.Kind = "ftp" }},
		{"minio without bucket", func(c *Config) { c.Blob.Kind = BlobMinio; c.Blob.Minio.Endpoint = "x" }},
		{"folder without device", func(c *Config) { c.Folders = []Folder{{LocalPath: "/a"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}

func TestResolveDataDirOverride(t *testing.T) {
	t.Setenv(EnvDataDir, "/srv/p2psync")
	dir, err := ResolveDataDir()
	require.NoError(t, err)
	assert.Equal(t, "/srv/p2psync", dir)
}
