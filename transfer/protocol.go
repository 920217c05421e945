package transfer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/p2psync/interfaces"
	"github.com/opd-ai/p2psync/limits"
)

// ControlType names a control frame.
type ControlType string

const (
	ControlStart    ControlType = "file-transfer-start"
	ControlComplete ControlType = "file-transfer-complete"
	ControlAbort    ControlType = "file-transfer-abort"
)

// ErrInvalidControl indicates a malformed control frame.
var ErrInvalidControl = errors.New("invalid control message")

// Control is a text frame exchanged around the binary chunks.
type Control struct {
	Type     ControlType              `json:"type"`
	Metadata *interfaces.FileMetadata `json:"metadata,omitempty"`
	FileID   string                   `json:"fileId,omitempty"`
	Reason   string                   `json:"reason,omitempty"`
}

func startControl(meta interfaces.FileMetadata) Control {
	return Control{Type: ControlStart, Metadata: &meta}
}

func completeControl(fileID string) Control {
	return Control{Type: ControlComplete, FileID: fileID}
}

func abortControl(fileID, reason string) Control {
	return Control{Type: ControlAbort, FileID: fileID, Reason: reason}
}

// Encode renders the frame as JSON text.
func (c Control) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode control message: %w", err)
	}
	return string(data), nil
}

// DecodeControl parses and validates a text frame.
func DecodeControl(data []byte) (Control, error) {
	if err := limits.ValidateControlMessage(data); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}

	switch c.Type {
	case ControlStart:
		if c.Metadata == nil || c.Metadata.ID == "" {
			return Control{}, fmt.Errorf("%w: start without metadata", ErrInvalidControl)
		}
		if c.Metadata.Size < 0 {
			return Control{}, fmt.Errorf("%w: negative size", ErrInvalidControl)
		}
	case ControlComplete, ControlAbort:
		if c.FileID == "" {
			return Control{}, fmt.Errorf("%w: %s without fileId", ErrInvalidControl, c.Type)
		}
	default:
		return Control{}, fmt.Errorf("%w: unknown type %q", ErrInvalidControl, c.Type)
	}
	return c, nil
}
