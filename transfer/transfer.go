package transfer

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrTransferAborted indicates a file did not make it across the channel.
	ErrTransferAborted = errors.New("transfer aborted")
	// ErrIntegrity indicates reassembled bytes do not match the announced file.
	ErrIntegrity = errors.New("transfer integrity check failed")
)

// Direction indicates whether a transfer is incoming or outgoing.
type Direction uint8

const (
	// DirectionIncoming represents a file being received.
	DirectionIncoming Direction = iota
	// DirectionOutgoing represents a file being sent.
	DirectionOutgoing
)

func (d Direction) String() string {
	if d == DirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// State represents the current state of a transfer.
type State uint8

const (
	// StatePending indicates the transfer is waiting to start.
	StatePending State = iota
	// StateRunning indicates chunks are moving.
	StateRunning
	// StateCompleted indicates the whole file arrived or was sent.
	StateCompleted
	// StateAborted indicates the transfer failed.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// Transfer tracks the progress of one file across a channel.
type Transfer struct {
	FileID    string
	FileName  string
	FileSize  int64
	Direction Direction

	mu            sync.Mutex
	state         State
	transferred   int64
	chunks        int
	startTime     time.Time
	lastChunkTime time.Time
	speed         float64 // bytes per second
	err           error
	timeProvider  TimeProvider

	progressCallback func(transferred int64)
}

func newTransfer(fileID, name string, size int64, dir Direction, tp TimeProvider) *Transfer {
	if tp == nil {
		tp = defaultTimeProvider
	}
	return &Transfer{
		FileID:       fileID,
		FileName:     name,
		FileSize:     size,
		Direction:    dir,
		state:        StatePending,
		timeProvider: tp,
	}
}

// OnProgress sets a callback invoked after each chunk.
func (t *Transfer) OnProgress(callback func(transferred int64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressCallback = callback
}

func (t *Transfer) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.timeProvider.Now()
	t.state = StateRunning
	t.startTime = now
	t.lastChunkTime = now
}

func (t *Transfer) addChunk(n int) {
	t.mu.Lock()
	t.transferred += int64(n)
	t.chunks++
	t.updateSpeed(n)
	cb := t.progressCallback
	transferred := t.transferred
	t.mu.Unlock()

	if cb != nil {
		cb(transferred)
	}
}

// updateSpeed keeps an exponential moving average with alpha = 0.3.
func (t *Transfer) updateSpeed(n int) {
	now := t.timeProvider.Now()
	elapsed := t.timeProvider.Since(t.lastChunkTime).Seconds()
	if elapsed > 0 {
		instant := float64(n) / elapsed
		if t.speed == 0 {
			t.speed = instant
		} else {
			t.speed = 0.7*t.speed + 0.3*instant
		}
	}
	t.lastChunkTime = now
}

func (t *Transfer) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCompleted || t.state == StateAborted {
		return
	}
	if err != nil {
		t.state = StateAborted
		t.err = err
	} else {
		t.state = StateCompleted
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Transfer.finish",
		"file_id":     t.FileID,
		"direction":   t.Direction.String(),
		"state":       t.state.String(),
		"transferred": t.transferred,
		"chunks":      t.chunks,
	}).Debug("Transfer finished")
}

// State returns the current state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure of an aborted transfer.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Transferred returns the bytes moved so far.
func (t *Transfer) Transferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// Chunks returns the number of chunk frames moved so far.
func (t *Transfer) Chunks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunks
}

// GetProgress returns the progress as a percentage.
func (t *Transfer) GetProgress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FileSize == 0 {
		if t.state == StateCompleted {
			return 100.0
		}
		return 0.0
	}
	return float64(t.transferred) / float64(t.FileSize) * 100.0
}

// GetSpeed returns the current speed in bytes per second.
func (t *Transfer) GetSpeed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speed
}

// GetEstimatedTimeRemaining estimates the time left for a running transfer.
func (t *Transfer) GetEstimatedTimeRemaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning || t.speed <= 0 {
		return 0
	}
	remaining := float64(t.FileSize-t.transferred) / t.speed
	return time.Duration(remaining * float64(time.Second))
}
