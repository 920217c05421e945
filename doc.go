// Package p2psync keeps folders in sync between a user's devices.
//
// Files travel over a direct WebRTC data channel when both devices are
// online. When no direct link can be established, or a direct transfer
// fails, each affected file is sealed with the user's sync passphrase and
// queued on a relay (a blob store plus a metadata record in the shared
// mailbox) until the destination device picks it up.
//
// # Getting Started
//
// Build a Service from its collaborators and start it:
//
//	options := p2psync.NewOptions()
//	options.DeviceID = "laptop"
//	options.Passphrase = os.Getenv("P2PSYNC_PASSPHRASE")
//
//	fsys, err := localfs.NewLocalFS(receiveDir)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	svc, err := p2psync.New(options, p2psync.Dependencies{
//	    Identity: identity.StaticProvider{UserID: "alice"},
//	    Mailbox:  mailbox, // store.Store shared by all devices
//	    Blobs:    blobs,   // blob.Store for relayed ciphertext
//	    FS:       fsys,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	if err := svc.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	id, _ := svc.AddSyncFolder(ctx, p2psync.FolderConfig{
//	    LocalPath: "/home/alice/Photos",
//	    DeviceID:  "phone",
//	    SyncTypes: []string{"image"},
//	})
//	res, _ := svc.SyncFolder(ctx, id)
//
// # Events
//
// [Service.Events] delivers typed [Event] values: signaling-ready,
// connected, disconnected, folder-added, folder-removed, sync-started,
// sync-progress, sync-completed, relay-queued, file-relayed and
// file-received. Emission never blocks the service; a consumer that falls
// behind loses events.
//
// # Fallback
//
// A sync that cannot reach the target device within
// [Options.NegotiationTimeout] relays every file and emits relay-queued
// instead of sync-completed. A direct transfer that fails midway relays
// that file and every remaining one; files already delivered directly are
// not uploaded again.
//
// # Subpackages
//
//   - crypto: passphrase envelopes
//   - signaling: offer/answer/candidate mailbox
//   - peer: WebRTC links
//   - transfer: chunked file transfer with backpressure
//   - relay: encrypted store-and-forward
//   - store, blob, localfs, identity, storage, config: collaborators
package p2psync
