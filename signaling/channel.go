package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opd-ai/p2psync/store"
	"github.com/sirupsen/logrus"
)

// DefaultMaxAge drops mailbox records left behind by an earlier session.
const DefaultMaxAge = 2 * time.Minute

// TimeProvider abstracts time for testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the system clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// SignalHandler receives a signal together with the sending device id.
type SignalHandler func(sender string, sig Signal)

// Channel reads and writes signaling mailboxes on a store.
type Channel struct {
	store        store.Store
	maxAge       time.Duration
	timeProvider TimeProvider
}

// NewChannel creates a channel over s.
func NewChannel(s store.Store) *Channel {
	return &Channel{
		store:        s,
		maxAge:       DefaultMaxAge,
		timeProvider: DefaultTimeProvider{},
	}
}

// SetMaxAge changes how old a record may be before it is discarded unread.
// Zero disables the check.
func (c *Channel) SetMaxAge(d time.Duration) {
	c.maxAge = d
}

// SetTimeProvider sets the time source for testing.
func (c *Channel) SetTimeProvider(tp TimeProvider) {
	c.timeProvider = tp
}

// MailboxPath returns the mailbox owned by (user, device).
func MailboxPath(user, device string) string {
	return store.Join("signaling", user, device)
}

// Send writes sig into the mailbox of (toUser, toDevice).
func (c *Channel) Send(ctx context.Context, sig Signal, fromDevice, toUser, toDevice string) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(Record{
		Version:   RecordVersion,
		Signal:    sig,
		Sender:    fromDevice,
		Timestamp: c.timeProvider.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}

	if err := c.store.Set(ctx, MailboxPath(toUser, toDevice), data); err != nil {
		return fmt.Errorf("failed to send %s signal to %s: %w", sig.Type, toDevice, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Channel.Send",
		"type":     sig.Type,
		"from":     fromDevice,
		"to":       toDevice,
	}).Debug("Signal sent")

	return nil
}

// Subscribe observes the mailbox of (user, selfDevice). Records from other
// devices are delivered to handler and then cleared; records that carry
// selfDevice as sender are left alone.
func (c *Channel) Subscribe(ctx context.Context, user, selfDevice string, handler SignalHandler) (store.Subscription, error) {
	path := MailboxPath(user, selfDevice)

	sub, err := c.store.Subscribe(ctx, path, func(ev store.Event) {
		if ev.Deleted() || ev.Path != path {
			return
		}
		c.consume(path, selfDevice, ev.Value, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to signaling mailbox: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Channel.Subscribe",
		"user_id":  user,
		"device":   selfDevice,
	}).Info("Listening for signals")

	return sub, nil
}

func (c *Channel) consume(path, selfDevice string, data []byte, handler SignalHandler) {
	rec, err := decodeRecord(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Channel.consume",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Discarding unreadable signal")
		c.clear(path)
		return
	}

	if rec.Sender == selfDevice {
		return
	}

	if c.maxAge > 0 {
		age := c.timeProvider.Now().Sub(time.UnixMilli(rec.Timestamp))
		if age > c.maxAge {
			logrus.WithFields(logrus.Fields{
				"function": "Channel.consume",
				"sender":   rec.Sender,
				"type":     rec.Signal.Type,
				"age":      age.String(),
			}).Debug("Discarding stale signal")
			c.clear(path)
			return
		}
	}

	handler(rec.Sender, rec.Signal)
	c.clear(path)
}

func (c *Channel) clear(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.Set(ctx, path, nil); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Channel.clear",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Failed to clear signaling mailbox")
	}
}
