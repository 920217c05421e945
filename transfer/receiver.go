package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/p2psync/crypto"
	"github.com/opd-ai/p2psync/interfaces"
	"github.com/opd-ai/p2psync/limits"
	"github.com/sirupsen/logrus"
)

// writeTimeout bounds a single local write of a received file.
const writeTimeout = 2 * time.Minute

// incoming is the file currently being reassembled.
type incoming struct {
	meta     interfaces.FileMetadata
	buf      []byte
	transfer *Transfer
}

// Receiver reassembles files arriving on one channel and hands them to a
// FileWriter.
type Receiver struct {
	writer interfaces.FileWriter
	tp     TimeProvider

	mu         sync.Mutex
	current    *incoming
	onReceived func(meta interfaces.FileMetadata, t *Transfer)
	onFailed   func(fileID string, err error)
}

// NewReceiver creates a receiver that writes completed files to w.
func NewReceiver(w interfaces.FileWriter) *Receiver {
	return &Receiver{writer: w, tp: defaultTimeProvider}
}

// SetTimeProvider sets the time source for testing.
func (r *Receiver) SetTimeProvider(tp TimeProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tp = tp
}

// OnReceived sets a callback invoked after a file has been written.
func (r *Receiver) OnReceived(f func(meta interfaces.FileMetadata, t *Transfer)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReceived = f
}

// OnFailed sets a callback invoked when a file is dropped.
func (r *Receiver) OnFailed(f func(fileID string, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFailed = f
}

// InProgress returns the transfer being reassembled, if any.
func (r *Receiver) InProgress() (*Transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil, false
	}
	return r.current.transfer, true
}

// Handle consumes one data channel message. Text messages are control
// frames and binary messages are chunks of the current file.
func (r *Receiver) Handle(text bool, data []byte) error {
	if !text {
		return r.handleChunk(data)
	}
	c, err := DecodeControl(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.Handle",
			"error":    err.Error(),
		}).Warn("Dropping malformed control message")
		return err
	}

	switch c.Type {
	case ControlStart:
		return r.handleStart(*c.Metadata)
	case ControlComplete:
		return r.handleComplete(c.FileID)
	default:
		return r.handleAbort(c.FileID, c.Reason)
	}
}

// Reset drops any partially received file, for example after the channel
// closed.
func (r *Receiver) Reset() {
	r.mu.Lock()
	cur := r.current
	r.current = nil
	r.mu.Unlock()
	if cur != nil {
		r.fail(cur, fmt.Errorf("%w: channel closed", ErrTransferAborted))
	}
}

func (r *Receiver) handleStart(meta interfaces.FileMetadata) error {
	if err := limits.ValidateTransferFile(meta.Size); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleStart",
			"file_id":  meta.ID,
			"error":    err.Error(),
		}).Warn("Refusing oversized file")
		return err
	}

	r.mu.Lock()
	prev := r.current
	t := newTransfer(meta.ID, meta.Name, meta.Size, DirectionIncoming, r.tp)
	t.start()
	r.current = &incoming{
		meta:     meta,
		buf:      make([]byte, 0, meta.Size),
		transfer: t,
	}
	r.mu.Unlock()

	if prev != nil {
		// The sender never starts a file before finishing the previous one,
		// so a half-built buffer here is unrecoverable.
		r.fail(prev, fmt.Errorf("%w: superseded by %s", ErrTransferAborted, meta.ID))
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Receiver.handleStart",
		"file_id":   meta.ID,
		"file_name": meta.Name,
		"file_size": meta.Size,
	}).Info("Receiving file over peer link")

	return nil
}

func (r *Receiver) handleChunk(chunk []byte) error {
	if err := limits.ValidateChunk(chunk); err != nil {
		return err
	}

	r.mu.Lock()
	cur := r.current
	if cur == nil {
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleChunk",
			"size":     len(chunk),
		}).Debug("Dropping chunk outside a transfer")
		return nil
	}
	if int64(len(cur.buf)+len(chunk)) > cur.meta.Size {
		r.current = nil
		r.mu.Unlock()
		err := fmt.Errorf("%w: %s exceeds announced size %d", ErrIntegrity, cur.meta.ID, cur.meta.Size)
		r.fail(cur, err)
		return err
	}
	cur.buf = append(cur.buf, chunk...)
	r.mu.Unlock()

	cur.transfer.addChunk(len(chunk))
	return nil
}

func (r *Receiver) handleComplete(fileID string) error {
	r.mu.Lock()
	cur := r.current
	if cur == nil || cur.meta.ID != fileID {
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.handleComplete",
			"file_id":  fileID,
		}).Warn("Completion for a file that is not being received")
		return nil
	}
	r.current = nil
	r.mu.Unlock()

	if err := verify(cur.meta, cur.buf); err != nil {
		r.fail(cur, err)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.writer.WriteFile(ctx, cur.meta.Path, cur.buf); err != nil {
		err = fmt.Errorf("failed to write %s: %w", cur.meta.Path, err)
		r.fail(cur, err)
		return err
	}

	cur.transfer.finish(nil)

	logrus.WithFields(logrus.Fields{
		"function":  "Receiver.handleComplete",
		"file_id":   fileID,
		"path":      cur.meta.Path,
		"file_size": len(cur.buf),
	}).Info("File received")

	r.mu.Lock()
	cb := r.onReceived
	r.mu.Unlock()
	if cb != nil {
		cb(cur.meta, cur.transfer)
	}
	return nil
}

func (r *Receiver) handleAbort(fileID, reason string) error {
	r.mu.Lock()
	cur := r.current
	if cur == nil || cur.meta.ID != fileID {
		r.mu.Unlock()
		return nil
	}
	r.current = nil
	r.mu.Unlock()

	r.fail(cur, fmt.Errorf("%w: sender: %s", ErrTransferAborted, reason))
	return nil
}

func (r *Receiver) fail(cur *incoming, err error) {
	cur.transfer.finish(err)

	logrus.WithFields(logrus.Fields{
		"function": "Receiver.fail",
		"file_id":  cur.meta.ID,
		"received": len(cur.buf),
		"error":    err.Error(),
	}).Warn("Dropped incoming file")

	r.mu.Lock()
	cb := r.onFailed
	r.mu.Unlock()
	if cb != nil {
		cb(cur.meta.ID, err)
	}
}

// verify checks the reassembled bytes against the announced metadata.
func verify(meta interfaces.FileMetadata, data []byte) error {
	if int64(len(data)) != meta.Size {
		return fmt.Errorf("%w: %s got %d bytes, expected %d", ErrIntegrity, meta.ID, len(data), meta.Size)
	}
	if meta.ContentHash != "" && !crypto.HashesEqual(crypto.ContentHash(data), meta.ContentHash) {
		return fmt.Errorf("%w: %s content hash mismatch", ErrIntegrity, meta.ID)
	}
	return nil
}
