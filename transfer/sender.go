package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/p2psync/interfaces"
	"github.com/opd-ai/p2psync/limits"
	"github.com/sirupsen/logrus"
)

// drainPoll re-checks the buffered amount in case a low-water callback was
// missed between the check and the wait.
const drainPoll = 50 * time.Millisecond

// Channel is the outbound side of a data channel. peer.Link implements it.
type Channel interface {
	Send(data []byte) error
	SendText(s string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	Done() <-chan struct{}
}

// SenderOptions tunes a Sender. Zero values pick the defaults.
type SenderOptions struct {
	ChunkSize         int
	BufferedThreshold uint64
	TimeProvider      TimeProvider
}

// Sender writes files to one channel, one file at a time.
type Sender struct {
	ch        Channel
	chunkSize int
	threshold uint64
	tp        TimeProvider

	sendMu sync.Mutex
	low    chan struct{}
}

// NewSender prepares ch for chunked sends.
func NewSender(ch Channel, opts SenderOptions) *Sender {
	chunk := opts.ChunkSize
	if chunk <= 0 || chunk > limits.MaxChunkSize {
		chunk = limits.DefaultChunkSize
	}
	threshold := opts.BufferedThreshold
	if threshold == 0 {
		threshold = limits.BufferedThreshold(chunk)
	}

	s := &Sender{
		ch:        ch,
		chunkSize: chunk,
		threshold: threshold,
		tp:        opts.TimeProvider,
		low:       make(chan struct{}, 1),
	}
	ch.SetBufferedAmountLowThreshold(threshold)
	ch.OnBufferedAmountLow(func() {
		select {
		case s.low <- struct{}{}:
		default:
		}
	})
	return s
}

// ChunkSize returns the chunk size in use.
func (s *Sender) ChunkSize() int {
	return s.chunkSize
}

// Threshold returns the buffered amount above which sending pauses.
func (s *Sender) Threshold() uint64 {
	return s.threshold
}

// Send streams data as meta. Concurrent calls are serialized so only one
// file is ever open on the channel. Any failure returns an error wrapping
// ErrTransferAborted and makes a best effort to tell the receiver.
func (s *Sender) Send(ctx context.Context, meta interfaces.FileMetadata, data []byte) (*Transfer, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	t := newTransfer(meta.ID, meta.Name, int64(len(data)), DirectionOutgoing, s.tp)
	meta.Size = int64(len(data))

	logrus.WithFields(logrus.Fields{
		"function":  "Sender.Send",
		"file_id":   meta.ID,
		"file_name": meta.Name,
		"file_size": meta.Size,
	}).Info("Sending file over peer link")

	if err := s.send(ctx, t, meta, data); err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrTransferAborted, meta.ID, err)
		t.finish(err)
		s.abort(meta.ID, err)
		return t, err
	}
	t.finish(nil)
	return t, nil
}

func (s *Sender) send(ctx context.Context, t *Transfer, meta interfaces.FileMetadata, data []byte) error {
	if err := limits.ValidateTransferFile(int64(len(data))); err != nil {
		return err
	}
	if err := s.sendControl(startControl(meta)); err != nil {
		return err
	}
	t.start()

	for off := 0; off < len(data); off += s.chunkSize {
		end := off + s.chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := s.waitForDrain(ctx); err != nil {
			return err
		}
		if err := s.ch.Send(data[off:end]); err != nil {
			return fmt.Errorf("chunk at offset %d: %w", off, err)
		}
		t.addChunk(end - off)
	}

	return s.sendControl(completeControl(meta.ID))
}

// waitForDrain blocks while the channel holds more than the threshold.
func (s *Sender) waitForDrain(ctx context.Context) error {
	for s.ch.BufferedAmount() > s.threshold {
		select {
		case <-s.low:
		case <-time.After(drainPoll):
		case <-s.ch.Done():
			return fmt.Errorf("channel closed while draining")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-s.ch.Done():
		return fmt.Errorf("channel closed")
	default:
	}
	return ctx.Err()
}

func (s *Sender) sendControl(c Control) error {
	text, err := c.Encode()
	if err != nil {
		return err
	}
	if err := s.ch.SendText(text); err != nil {
		return fmt.Errorf("%s: %w", c.Type, err)
	}
	return nil
}

func (s *Sender) abort(fileID string, cause error) {
	if err := s.sendControl(abortControl(fileID, cause.Error())); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sender.abort",
			"file_id":  fileID,
			"error":    err.Error(),
		}).Debug("Could not notify receiver of abort")
	}
}
