// Package store implements the real-time key-value mailbox used for WebRTC
// signaling and relay metadata.
//
// # Semantics
//
// A Store maps slash-separated paths to opaque byte values:
//
//	err := s.Set(ctx, "signaling/user-1/device-b", payload)
//	err = s.Set(ctx, "signaling/user-1/device-b", nil) // delete
//
// Subscribe observes a path and all of its descendants. On attach, the
// current values under the prefix are replayed in path order; afterwards every
// write (including deletions, delivered with a nil Value) is delivered in the
// order it was applied. Handlers run on a per-subscription goroutine, so a
// handler may call back into the store (for example to clear a consumed
// mailbox entry) without deadlocking.
//
// # Implementations
//
//   - MemoryStore: in-process store for tests and single-process setups.
//   - Hub: an HTTP/websocket server exposing a MemoryStore to remote devices.
//   - RemoteStore: the websocket client of a Hub.
package store
