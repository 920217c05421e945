package p2psync

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// EventType names a Service event.
type EventType string

// Service events.
const (
	EventSignalingReady EventType = "signaling-ready"
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventFolderAdded    EventType = "folder-added"
	EventFolderRemoved  EventType = "folder-removed"
	EventSyncStarted    EventType = "sync-started"
	EventSyncProgress   EventType = "sync-progress"
	EventSyncCompleted  EventType = "sync-completed"
	EventRelayQueued    EventType = "relay-queued"
	EventFileRelayed    EventType = "file-relayed"
	EventFileReceived   EventType = "file-received"
)

// Delivery routes for EventFileReceived.
const (
	ViaPeer  = "p2p"
	ViaRelay = "relay"
)

// Event is one notification from the Service. Only the fields relevant to
// Type are set.
type Event struct {
	Type EventType

	// UserID is set for EventSignalingReady.
	UserID string
	// DeviceID is the remote device for connection events and the sender
	// for received files.
	DeviceID string

	FolderID string
	FileID   string
	Path     string
	Via      string

	// Current and Total report EventSyncProgress.
	Current int
	Total   int
	// FileCount is the number of scanned files for EventSyncStarted.
	FileCount int
	// FilesSynced is set for EventSyncCompleted.
	FilesSynced int
	// Count is the number of files queued for EventRelayQueued.
	Count int
}

// emitter fans events into a buffered channel without ever blocking the
// caller.
type emitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newEmitter(size int) *emitter {
	if size <= 0 {
		size = 1
	}
	return &emitter{ch: make(chan Event, size)}
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "emitter.emit",
			"type":     string(ev.Type),
		}).Warn("Event consumer stalled, dropping event")
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
