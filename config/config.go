// Package config loads and saves the p2psyncd YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/p2psync/blob"
	"github.com/opd-ai/p2psync/limits"
	"gopkg.in/yaml.v2"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "p2psync"
	// configFileName is the persisted configuration file.
	configFileName = "config.yaml"

	// EnvPassphrase overrides Config.Passphrase.
	EnvPassphrase = "P2PSYNC_PASSPHRASE"
	// EnvDataDir overrides the data directory.
	EnvDataDir = "P2PSYNC_DATA_DIR"
)

// Blob backends.
const (
	BlobMemory = "memory"
	BlobMinio  = "minio"
)

var (
	// ErrInvalidConfig indicates a configuration that cannot be used.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Identity selects how the service learns its user id.
type Identity struct {
	// UserID is used as-is when Token is empty.
	UserID string `yaml:"userId"`
	// Token is a signed identity token validated with Secret.
	Token  string `yaml:"token,omitempty"`
	Secret string `yaml:"secret,omitempty"`
}

// Mailbox points at the real-time store. An empty URL selects an
// in-process store, useful only for single-process demos.
type Mailbox struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Blob selects the relay blob backend.
type Blob struct {
	Kind  string           `yaml:"kind"`
	Minio blob.MinioConfig `yaml:"minio"`
}

// Folder is a sync folder declared in the configuration file.
type Folder struct {
	LocalPath  string   `yaml:"localPath"`
	RemotePath string   `yaml:"remotePath"`
	DeviceID   string   `yaml:"deviceId"`
	AutoSync   bool     `yaml:"autoSync"`
	SyncTypes  []string `yaml:"syncTypes"`
}

// Log configures logrus.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the on-disk configuration of one device.
type Config struct {
	DeviceID           string        `yaml:"deviceId"`
	DeviceName         string        `yaml:"deviceName"`
	DataDir            string        `yaml:"dataDir"`
	ReceiveRoot        string        `yaml:"receiveRoot"`
	Passphrase         string        `yaml:"passphrase,omitempty"`
	Identity           Identity      `yaml:"identity"`
	Mailbox            Mailbox       `yaml:"mailbox"`
	Blob               Blob          `yaml:"blob"`
	ICEServers         []string      `yaml:"iceServers"`
	NegotiationTimeout time.Duration `yaml:"negotiationTimeout"`
	ChunkSize          int           `yaml:"chunkSize"`
	AutoSyncInterval   time.Duration `yaml:"autoSyncInterval"`
	Folders            []Folder      `yaml:"folders"`
	Log                Log           `yaml:"log"`
}

// ResolveDataDir returns the data directory. P2PSYNC_DATA_DIR wins over the
// per-user config directory.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, AppDirectoryName), nil
}

// Path returns the configuration file path inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Default returns a configuration with a fresh device id.
func Default(dataDir string) *Config {
	name := "p2psync device"
	if host, err := os.Hostname(); err == nil && host != "" {
		name = host
	}
	return &Config{
		DeviceID:           uuid.NewString(),
		DeviceName:         name,
		DataDir:            dataDir,
		ReceiveRoot:        filepath.Join(dataDir, "received"),
		Blob:               Blob{Kind: BlobMemory},
		ICEServers:         []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		NegotiationTimeout: 20 * time.Second,
		ChunkSize:          limits.DefaultChunkSize,
		AutoSyncInterval:   5 * time.Minute,
		Log:                Log{Level: "info"},
	}
}

// Load reads path and applies environment overrides.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.fillDefaults(filepath.Dir(path))
	cfg.ApplyEnv()
	return cfg, nil
}

// Save writes cfg to path. The passphrase is never persisted when it came
// from the environment.
func Save(path string, cfg *Config) error {
	out := *cfg
	if env := os.Getenv(EnvPassphrase); env != "" && env == out.Passphrase {
		out.Passphrase = ""
	}
	raw, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate loads path, writing a default configuration first when the
// file does not exist. An empty path resolves to the data directory.
func LoadOrCreate(path string) (*Config, string, error) {
	if path == "" {
		dataDir, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		path = Path(dataDir)
	}

	cfg, err := Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, "", err
	}

	cfg = Default(filepath.Dir(path))
	if err := Save(path, cfg); err != nil {
		return nil, "", err
	}
	cfg.ApplyEnv()
	return cfg, path, nil
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvPassphrase); v != "" {
		c.Passphrase = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
}

// Validate reports the first problem that prevents the service from
// starting.
func (c *Config) Validate() error {
	switch {
	case c.DeviceID == "":
		return fmt.Errorf("%w: deviceId is required", ErrInvalidConfig)
	case c.Identity.UserID == "" && c.Identity.Token == "":
		return fmt.Errorf("%w: identity.userId or identity.token is required", ErrInvalidConfig)
	case c.Identity.Token != "" && c.Identity.Secret == "":
		return fmt.Errorf("%w: identity.secret is required with identity.token", ErrInvalidConfig)
	case len(c.ICEServers) < 2:
		return fmt.Errorf("%w: at least two iceServers are required", ErrInvalidConfig)
	case c.ChunkSize <= 0 || c.ChunkSize > limits.MaxChunkSize:
		return fmt.Errorf("%w: chunkSize must be in (0, %d]", ErrInvalidConfig, limits.MaxChunkSize)
	case c.NegotiationTimeout <= 0:
		return fmt.Errorf("%w: negotiationTimeout must be positive", ErrInvalidConfig)
	}

	switch c.Blob.Kind {
	case BlobMemory:
	case BlobMinio:
		if c.Blob.Minio.Endpoint == "" || c.Blob.Minio.Bucket == "" {
			return fmt.Errorf("%w: blob.minio endpoint and bucket are required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown blob kind %q", ErrInvalidConfig, c.Blob.Kind)
	}

	for i, f := range c.Folders {
		if f.LocalPath == "" || f.DeviceID == "" {
			return fmt.Errorf("%w: folders[%d] needs localPath and deviceId", ErrInvalidConfig, i)
		}
	}
	return nil
}

// fillDefaults sets zero fields to their defaults.
func (c *Config) fillDefaults(dataDir string) {
	d := Default(dataDir)
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.ReceiveRoot == "" {
		c.ReceiveRoot = filepath.Join(c.DataDir, "received")
	}
	if c.Blob.Kind == "" {
		c.Blob.Kind = d.Blob.Kind
	}
	if len(c.ICEServers) == 0 {
		c.ICEServers = d.ICEServers
	}
	if c.NegotiationTimeout == 0 {
		c.NegotiationTimeout = d.NegotiationTimeout
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.AutoSyncInterval == 0 {
		c.AutoSyncInterval = d.AutoSyncInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}
