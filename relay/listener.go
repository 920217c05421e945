package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/p2psync/blob"
	"github.com/opd-ai/p2psync/crypto"
	"github.com/opd-ai/p2psync/interfaces"
	"github.com/opd-ai/p2psync/store"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

const (
	// seenExpiration is how long a processed record id is remembered so a
	// replayed event does not trigger a second download.
	seenExpiration = 10 * time.Minute

	// processTimeout bounds downloading, opening and writing one record.
	processTimeout = 5 * time.Minute
)

// Listener receives relayed files addressed to one device.
type Listener struct {
	store      store.Store
	blobs      blob.Store
	writer     interfaces.FileWriter
	user       string
	selfDevice string
	passphrase string

	// seen holds record paths that are being processed or were delivered.
	seen *cache.Cache

	mu        sync.Mutex
	sub       store.Subscription
	running   bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
	onRelayed func(rec Record)
	onFailed  func(rec Record, err error)
}

// NewListener creates a listener for (user, selfDevice) that opens payloads
// with passphrase and writes them through w.
func NewListener(s store.Store, b blob.Store, w interfaces.FileWriter, user, selfDevice, passphrase string) *Listener {
	return &Listener{
		store:      s,
		blobs:      b,
		writer:     w,
		user:       user,
		selfDevice: selfDevice,
		passphrase: passphrase,
		seen:       cache.New(seenExpiration, 2*seenExpiration),
	}
}

// OnRelayed sets the callback for files delivered through the relay.
func (l *Listener) OnRelayed(f func(rec Record)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRelayed = f
}

// OnFailed sets the callback for records that could not be processed.
func (l *Listener) OnFailed(f func(rec Record, err error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFailed = f
}

// Start subscribes to the device's relay prefix. Records already waiting
// are processed first.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}
	if l.passphrase == "" {
		return ErrPassphraseRequired
	}

	l.stopChan = make(chan struct{})
	sub, err := l.store.Subscribe(ctx, Prefix(l.user, l.selfDevice), l.handleEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to relay prefix: %w", err)
	}
	l.sub = sub
	l.running = true

	logrus.WithFields(logrus.Fields{
		"function": "Listener.Start",
		"user_id":  l.user,
		"device":   l.selfDevice,
	}).Info("Relay listener started")

	return nil
}

// Stop detaches the listener and waits for in-flight records.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopChan)
	sub := l.sub
	l.sub = nil
	l.mu.Unlock()

	sub.Unsubscribe()
	l.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Listener.Stop",
		"device":   l.selfDevice,
	}).Info("Relay listener stopped")
}

// Retry forgets failed records and re-attaches so they are processed
// again, for example after the passphrase was corrected.
func (l *Listener) Retry(ctx context.Context, passphrase string) error {
	l.Stop()
	l.mu.Lock()
	if passphrase != "" {
		l.passphrase = passphrase
	}
	l.mu.Unlock()
	return l.Start(ctx)
}

func (l *Listener) handleEvent(ev store.Event) {
	if ev.Deleted() {
		l.seen.Delete(ev.Path)
		return
	}
	// Only direct children of the prefix are records.
	rest := strings.TrimPrefix(ev.Path, Prefix(l.user, l.selfDevice)+"/")
	if rest == ev.Path || rest == "" || strings.Contains(rest, "/") {
		return
	}
	if err := l.seen.Add(ev.Path, true, cache.DefaultExpiration); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Listener.handleEvent",
			"path":     ev.Path,
		}).Debug("Relay record already in flight")
		return
	}

	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		l.seen.Delete(ev.Path)
		return
	}
	stop := l.stopChan
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		l.process(ctx, ev.Path, ev.Value)
	}()
}

func (l *Listener) process(ctx context.Context, path string, raw []byte) {
	rec, err := decodeRecord(raw)
	if err != nil {
		l.seen.Delete(path)
		logrus.WithFields(logrus.Fields{
			"function": "Listener.process",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Ignoring malformed relay record")
		return
	}

	data, err := l.open(ctx, rec)
	if errors.Is(err, ErrContentMismatch) {
		// The passphrase was right, so no retry can make this payload verify.
		l.discard(ctx, path, rec)
		l.report(*rec, err)
		return
	}
	if err != nil {
		// Keep the record so nothing is lost; a later attach retries.
		l.seen.Delete(path)
		l.report(*rec, err)
		return
	}

	if err := l.writer.WriteFile(ctx, rec.Path, data); err != nil {
		l.seen.Delete(path)
		l.report(*rec, fmt.Errorf("failed to write %s: %w", rec.Path, err))
		return
	}

	if err := l.store.Set(ctx, path, nil); err != nil {
		l.seen.Delete(path)
		l.report(*rec, fmt.Errorf("failed to delete relay record: %w", err))
		return
	}
	if err := l.blobs.Delete(ctx, rec.StoragePath); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Listener.process",
			"blob":     rec.StoragePath,
			"error":    err.Error(),
		}).Warn("Failed to delete relay blob")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Listener.process",
		"file_id":  rec.ID,
		"path":     rec.Path,
		"sender":   rec.SenderDeviceID,
	}).Info("Relayed file received")

	l.mu.Lock()
	cb := l.onRelayed
	l.mu.Unlock()
	if cb != nil {
		cb(*rec)
	}
}

// open downloads and decrypts the payload of rec.
func (l *Listener) open(ctx context.Context, rec *Record) ([]byte, error) {
	ciphertext, err := l.blobs.Download(ctx, rec.DownloadURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDownloadFailed, rec.ID, err)
	}

	env, err := rec.envelope(ciphertext)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	passphrase := l.passphrase
	l.mu.Unlock()

	data, err := env.Open(passphrase)
	if err != nil {
		return nil, err
	}
	if rec.ContentHash != "" && !crypto.HashesEqual(crypto.ContentHash(data), rec.ContentHash) {
		crypto.ZeroBytes(data)
		return nil, fmt.Errorf("%w: %s", ErrContentMismatch, rec.ID)
	}
	return data, nil
}

// discard removes a record and its blob without delivering the file.
func (l *Listener) discard(ctx context.Context, path string, rec *Record) {
	log := logrus.WithFields(logrus.Fields{
		"function": "Listener.discard",
		"file_id":  rec.ID,
	})
	if err := l.store.Set(ctx, path, nil); err != nil {
		l.seen.Delete(path)
		log.WithField("error", err.Error()).Warn("Failed to delete relay record")
		return
	}
	if err := l.blobs.Delete(ctx, rec.StoragePath); err != nil {
		log.WithField("error", err.Error()).Warn("Failed to delete relay blob")
	}
}

func (l *Listener) report(rec Record, err error) {
	fields := logrus.Fields{
		"function": "Listener.report",
		"file_id":  rec.ID,
		"sender":   rec.SenderDeviceID,
		"error":    err.Error(),
	}
	switch {
	case errors.Is(err, ErrContentMismatch):
		logrus.WithFields(fields).Error("Relayed file failed its integrity check, record discarded")
	case errors.Is(err, crypto.ErrDecryption):
		logrus.WithFields(fields).Error("Relayed file could not be decrypted, record kept")
	default:
		logrus.WithFields(fields).Warn("Relayed file not delivered, record kept")
	}

	l.mu.Lock()
	cb := l.onFailed
	l.mu.Unlock()
	if cb != nil {
		cb(rec, err)
	}
}
