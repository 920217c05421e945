package p2psync

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/p2psync/blob"
	"github.com/opd-ai/p2psync/identity"
	"github.com/opd-ai/p2psync/interfaces"
	"github.com/opd-ai/p2psync/limits"
	"github.com/opd-ai/p2psync/peer"
	"github.com/opd-ai/p2psync/store"
)

// Options contains configuration options for creating a Service.
type Options struct {
	// DeviceID identifies this device within the user's account.
	DeviceID string
	// Passphrase seals relayed files. Without it the relay is disabled and
	// files that cannot be sent directly fail.
	Passphrase string
	// ICEServers lists at least two STUN/TURN URLs.
	ICEServers []string
	// NegotiationTimeout bounds how long a sync waits for a direct link
	// before falling back to the relay.
	NegotiationTimeout time.Duration
	// ChunkSize is the data channel chunk size.
	ChunkSize int
	// AutoSyncInterval re-syncs folders with AutoSync set. Zero disables it.
	AutoSyncInterval time.Duration
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		ICEServers:         append([]string(nil), peer.DefaultSTUNServers...),
		NegotiationTimeout: 20 * time.Second,
		ChunkSize:          limits.DefaultChunkSize,
		AutoSyncInterval:   5 * time.Minute,
		EventBuffer:        256,
	}
}

func (o *Options) validate() error {
	switch {
	case o.DeviceID == "":
		return errors.New("device id is required")
	case len(o.ICEServers) < 2:
		return peer.ErrTooFewICEServers
	case o.NegotiationTimeout <= 0:
		return errors.New("negotiation timeout must be positive")
	case o.ChunkSize < 0 || o.ChunkSize > limits.MaxChunkSize:
		return fmt.Errorf("chunk size %d outside (0, %d]", o.ChunkSize, limits.MaxChunkSize)
	}
	return nil
}

// Dependencies are the collaborators a Service is built from.
type Dependencies struct {
	// Identity yields the signed-in user id.
	Identity identity.Provider
	// Mailbox is the real-time store shared by all of the user's devices.
	Mailbox store.Store
	// Blobs keeps relayed ciphertext.
	Blobs blob.Store
	// FS scans and reads local folders and writes received files.
	FS interfaces.FileSystem
	// Folders persists sync folders. Nil keeps them in memory.
	Folders FolderStore
}

func (d *Dependencies) validate() error {
	switch {
	case d.Identity == nil:
		return errors.New("identity provider is required")
	case d.Mailbox == nil:
		return errors.New("mailbox store is required")
	case d.Blobs == nil:
		return errors.New("blob store is required")
	case d.FS == nil:
		return errors.New("file system is required")
	}
	return nil
}
