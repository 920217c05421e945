package store

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound indicates no value is stored at a path.
	ErrNotFound = errors.New("path not found")
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store closed")
	// ErrDisconnected indicates a remote store is between connections.
	// The call may be retried once the store has reconnected.
	ErrDisconnected = errors.New("store disconnected")
	// ErrInvalidPath indicates an empty or malformed path.
	ErrInvalidPath = errors.New("invalid path")
)

// Event is a single observed write. A nil Value means the path was deleted.
type Event struct {
	Path  string `json:"path"`
	Value []byte `json:"value,omitempty"`
}

// Deleted reports whether the event is a deletion.
func (e Event) Deleted() bool {
	return e.Value == nil
}

// Handler receives events for a subscription.
type Handler func(Event)

// Subscription is an attached observer.
type Subscription interface {
	// Unsubscribe stops delivery and drops queued events. A handler call
	// already in progress may finish. It is safe to call more than once.
	Unsubscribe()
}

// Store is the real-time mailbox contract.
type Store interface {
	Set(ctx context.Context, path string, value []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Subscribe(ctx context.Context, prefix string, handler Handler) (Subscription, error)
	Close() error
}

// Join builds a store path from non-empty segments.
func Join(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(clean, "/")
}

// Base returns the last segment of a path.
func Base(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// normalize validates a path and strips surrounding slashes.
func normalize(path string) (string, error) {
	p := strings.Trim(path, "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalidPath
		}
	}
	return p, nil
}

// under reports whether path is prefix or one of its descendants.
func under(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
