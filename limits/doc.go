// Package limits provides centralized size constants and validation functions
// for the sync subsystem. This package ensures consistent size enforcement
// across the transfer, relay and signaling components.
//
// # Size Hierarchy
//
//   - DefaultChunkSize (16 KiB): the size of each binary frame written to a
//     data channel. This matches the practical message limit of WebRTC data
//     channels across browser and native implementations.
//
//   - MaxChunkSize (64 KiB): the largest binary frame a receiver accepts.
//
//   - MaxControlMessage (64 KiB): the largest JSON control frame or signaling
//     record accepted from a peer.
//
//   - MaxTransferFile (512 MiB): the largest file reassembled in memory by a
//     receiver.
//
//   - MaxRelayPayload (128 MiB): the largest file accepted by the relay.
//
// # Validation Functions
//
//	if err := limits.ValidateChunk(chunk); err != nil {
//	    // errors.Is(err, limits.ErrTooLarge)
//	}
package limits
