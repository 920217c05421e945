package main

import (
	"context"
	"fmt"

	"github.com/opd-ai/p2psync"
	"github.com/opd-ai/p2psync/blob"
	"github.com/opd-ai/p2psync/config"
	"github.com/opd-ai/p2psync/identity"
	"github.com/opd-ai/p2psync/localfs"
	"github.com/opd-ai/p2psync/storage"
	"github.com/opd-ai/p2psync/store"
	"github.com/sirupsen/logrus"
)

// node is a configured service plus the resources it owns.
type node struct {
	svc     *p2psync.Service
	folders *storage.FolderDB
	mailbox store.Store
}

func (n *node) Close() {
	if n.svc != nil {
		_ = n.svc.Close()
	}
	if n.mailbox != nil {
		_ = n.mailbox.Close()
	}
	if n.folders != nil {
		_ = n.folders.Close()
	}
}

func buildNode(ctx context.Context, cfg *config.Config) (*node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &node{}
	ok := false
	defer func() {
		if !ok {
			n.Close()
		}
	}()

	folders, _, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	n.folders = folders

	provider, err := identityProvider(cfg.Identity)
	if err != nil {
		return nil, err
	}

	if cfg.Mailbox.URL == "" {
		logrus.WithFields(logrus.Fields{
			"function": "buildNode",
		}).Warn("No mailbox URL configured, using an in-process mailbox that no other device can reach")
		n.mailbox = store.NewMemoryStore()
	} else {
		remote, err := store.DialRemote(ctx, cfg.Mailbox.URL, cfg.Mailbox.Token)
		if err != nil {
			return nil, err
		}
		n.mailbox = remote
	}

	blobs, err := blobStore(ctx, cfg.Blob)
	if err != nil {
		return nil, err
	}

	fsys, err := localfs.NewLocalFS(cfg.ReceiveRoot)
	if err != nil {
		return nil, err
	}

	opts := p2psync.NewOptions()
	opts.DeviceID = cfg.DeviceID
	opts.Passphrase = cfg.Passphrase
	opts.ICEServers = cfg.ICEServers
	opts.NegotiationTimeout = cfg.NegotiationTimeout
	opts.ChunkSize = cfg.ChunkSize
	opts.AutoSyncInterval = cfg.AutoSyncInterval

	svc, err := p2psync.New(opts, p2psync.Dependencies{
		Identity: provider,
		Mailbox:  n.mailbox,
		Blobs:    blobs,
		FS:       fsys,
		Folders:  folders,
	})
	if err != nil {
		return nil, err
	}
	n.svc = svc
	ok = true
	return n, nil
}

func identityProvider(id config.Identity) (identity.Provider, error) {
	if id.Token == "" {
		return identity.StaticProvider{UserID: id.UserID}, nil
	}
	p := identity.NewTokenProvider(id.Secret)
	if _, err := p.SignIn(id.Token); err != nil {
		return nil, fmt.Errorf("identity token rejected: %w", err)
	}
	return p, nil
}

func blobStore(ctx context.Context, cfg config.Blob) (blob.Store, error) {
	switch cfg.Kind {
	case config.BlobMinio:
		return blob.NewMinioStore(ctx, cfg.Minio)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "blobStore",
		}).Warn("Using in-memory blob store, relayed files do not survive a restart")
		return blob.NewMemoryStore(), nil
	}
}
