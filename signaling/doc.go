// Package signaling exchanges WebRTC session descriptions and ICE candidates
// between two devices of the same user through a shared mailbox store.
//
// Each device owns one mailbox at signaling/<userId>/<deviceId>. A sender
// writes a versioned record there; the owner consumes it and clears the
// entry so a reconnecting subscriber does not see it again. Router fans the
// single mailbox subscription out to per-peer handlers.
package signaling
