package limits

import (
	"errors"
	"fmt"
)

const (
	// DefaultChunkSize is the size of each binary data-channel frame.
	DefaultChunkSize = 16 * 1024

	// MaxChunkSize is the largest binary frame accepted from a peer.
	MaxChunkSize = 64 * 1024

	// DefaultBufferedFactor is the number of chunks that may sit in a data
	// channel's outbound buffer before the sender pauses.
	DefaultBufferedFactor = 4

	// MaxControlMessage bounds JSON control frames and signaling records.
	MaxControlMessage = 64 * 1024

	// MaxTransferFile bounds a file reassembled in memory by a receiver.
	MaxTransferFile = 512 * 1024 * 1024

	// MaxRelayPayload bounds a file routed through the relay.
	MaxRelayPayload = 128 * 1024 * 1024
)

var (
	// ErrEmpty indicates an empty payload was provided where data is required.
	ErrEmpty = errors.New("empty payload")

	// ErrTooLarge indicates a payload exceeds its limit.
	ErrTooLarge = errors.New("payload too large")
)

// ValidateSize validates a payload length against maxSize.
// Zero-length payloads are allowed; use ValidateNonEmpty where they are not.
func ValidateSize(size int64, maxSize int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrTooLarge, size)
	}
	if size > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrTooLarge, size, maxSize)
	}
	return nil
}

// ValidateNonEmpty validates that data is present and within maxSize.
func ValidateNonEmpty(data []byte, maxSize int) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	return ValidateSize(int64(len(data)), int64(maxSize))
}

// ValidateChunk validates a binary frame received from a peer.
func ValidateChunk(chunk []byte) error {
	if len(chunk) > MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d exceeds limit %d", ErrTooLarge, len(chunk), MaxChunkSize)
	}
	return nil
}

// ValidateControlMessage validates a JSON control frame or signaling record.
func ValidateControlMessage(data []byte) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > MaxControlMessage {
		return fmt.Errorf("%w: control message size %d exceeds limit %d", ErrTooLarge, len(data), MaxControlMessage)
	}
	return nil
}

// ValidateTransferFile validates the declared size of an incoming P2P file.
func ValidateTransferFile(size int64) error {
	return ValidateSize(size, MaxTransferFile)
}

// ValidateRelayPayload validates the size of a file about to be relayed.
func ValidateRelayPayload(size int64) error {
	return ValidateSize(size, MaxRelayPayload)
}

// BufferedThreshold returns the outbound buffer threshold for a chunk size.
// Non-positive chunk sizes fall back to DefaultChunkSize.
func BufferedThreshold(chunkSize int) uint64 {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return uint64(chunkSize) * DefaultBufferedFactor
}
