package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Delay before the first reconnect attempt. It doubles per failed
	// attempt up to reconnectMaxDelay.
	reconnectMinDelay = 250 * time.Millisecond
	reconnectMaxDelay = 15 * time.Second

	// Time allowed for a single redial.
	dialTimeout = 10 * time.Second
)

// RemoteStore is a Store backed by a Hub reached over a websocket.
//
// When the connection drops, RemoteStore redials with exponential backoff
// and re-issues every active subscription on the new connection. The hub
// replays existing values on subscribe, so subscribers observe the current
// state again after a reconnect. Calls made while disconnected fail with
// ErrDisconnected.
type RemoteStore struct {
	url   string
	token string

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame
	subs    map[string]*remoteSub
	closed  bool
	done    chan struct{}
}

var _ Store = (*RemoteStore)(nil)

type remoteSub struct {
	store  *RemoteStore
	id     string
	prefix string
	d      *dispatcher
	once   sync.Once
}

// DialRemote connects to a Hub. url is the websocket URL of the mailbox
// endpoint, e.g. ws://host:8089/v1/mailbox.
func DialRemote(ctx context.Context, url, token string) (*RemoteStore, error) {
	conn, err := dialHub(ctx, url, token)
	if err != nil {
		return nil, err
	}

	r := &RemoteStore{
		url:     url,
		token:   token,
		conn:    conn,
		pending: make(map[string]chan frame),
		subs:    make(map[string]*remoteSub),
		done:    make(chan struct{}),
	}
	go r.run(conn)

	logrus.WithFields(logrus.Fields{
		"function": "DialRemote",
		"url":      url,
	}).Info("Connected to mailbox hub")

	return r, nil
}

func dialHub(ctx context.Context, url, token string) (*websocket.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial mailbox (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial mailbox: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// Connected reports whether the store currently holds a live connection.
func (r *RemoteStore) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil && !r.closed
}

// Set implements Store.
func (r *RemoteStore) Set(ctx context.Context, path string, value []byte) error {
	p, err := normalize(path)
	if err != nil {
		return err
	}
	f := frame{Op: opSet, Path: p, Value: value, Deleted: value == nil}
	resp, err := r.call(ctx, f)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

// Get implements Store.
func (r *RemoteStore) Get(ctx context.Context, path string) ([]byte, error) {
	p, err := normalize(path)
	if err != nil {
		return nil, err
	}
	resp, err := r.call(ctx, frame{Op: opGet, Path: p})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	if !resp.Found {
		return nil, ErrNotFound
	}
	if resp.Value == nil {
		return []byte{}, nil
	}
	return resp.Value, nil
}

// Subscribe implements Store. The subscription survives reconnects.
func (r *RemoteStore) Subscribe(ctx context.Context, prefix string, handler Handler) (Subscription, error) {
	p, err := normalize(prefix)
	if err != nil {
		return nil, err
	}

	sub := &remoteSub{store: r, id: uuid.New().String(), prefix: p, d: newDispatcher(handler)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.d.stop()
		return nil, ErrClosed
	}
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		sub.d.stop()
		return nil, ErrDisconnected
	}
	r.subs[sub.id] = sub
	r.mu.Unlock()

	resp, err := r.callOn(ctx, conn, sub.id, frame{Op: opSubscribe, Path: p})
	if err == nil && resp.Error != "" {
		err = errors.New(resp.Error)
	}
	if err != nil {
		r.mu.Lock()
		delete(r.subs, sub.id)
		r.mu.Unlock()
		sub.d.stop()
		// A reconnect may have re-issued the subscription already.
		r.writeCurrent(frame{Op: opUnsubscribe, ID: sub.id})
		return nil, err
	}
	return sub, nil
}

// Close closes the connection, stops reconnecting and fails pending calls.
func (r *RemoteStore) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	r.shutdown()
	if conn == nil {
		return nil
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return conn.Close()
}

func (r *RemoteStore) shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.conn = nil
	close(r.done)
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	for id, sub := range r.subs {
		sub.d.stop()
		delete(r.subs, id)
	}
}

func (r *RemoteStore) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// run owns the connection lifecycle: read until the connection fails, then
// redial and re-issue subscriptions until the store is closed.
func (r *RemoteStore) run(conn *websocket.Conn) {
	for {
		err := r.readPump(conn)
		r.dropConn(conn)
		if r.isClosed() {
			return
		}

		logrus.WithFields(logrus.Fields{
			"function": "RemoteStore.run",
			"url":      r.url,
			"error":    err.Error(),
		}).Warn("Mailbox connection lost, reconnecting")

		conn = r.redial()
		if conn == nil {
			return
		}
	}
}

// dropConn detaches conn and fails every call waiting on it.
func (r *RemoteStore) dropConn(conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	r.mu.Unlock()
	conn.Close()
}

func (r *RemoteStore) redial() *websocket.Conn {
	delay := reconnectMinDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-r.done:
			return nil
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, err := dialHub(ctx, r.url, r.token)
		cancel()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RemoteStore.redial",
				"attempt":  attempt,
				"delay":    delay.String(),
				"error":    err.Error(),
			}).Debug("Reconnect attempt failed")

			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		if !r.attach(conn) {
			conn.Close()
			return nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "RemoteStore.redial",
			"url":      r.url,
			"attempt":  attempt,
		}).Info("Reconnected to mailbox hub")
		return conn
	}
}

// attach installs conn and re-issues every active subscription on it under
// its existing id. The acks are not awaited.
func (r *RemoteStore) attach(conn *websocket.Conn) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.conn = conn
	frames := make([]frame, 0, len(r.subs))
	for id, sub := range r.subs {
		frames = append(frames, frame{Op: opSubscribe, ID: id, Path: sub.prefix})
	}
	r.mu.Unlock()

	for _, f := range frames {
		if err := r.write(conn, f); err != nil {
			// readPump on conn fails too and triggers another redial.
			break
		}
	}
	return true
}

func (r *RemoteStore) call(ctx context.Context, f frame) (frame, error) {
	r.mu.Lock()
	closed, conn := r.closed, r.conn
	r.mu.Unlock()
	if closed {
		return frame{}, ErrClosed
	}
	if conn == nil {
		return frame{}, ErrDisconnected
	}
	return r.callOn(ctx, conn, uuid.New().String(), f)
}

// callOn sends f on conn and waits for the matching response. It fails
// with ErrDisconnected when conn is replaced before the response arrives.
func (r *RemoteStore) callOn(ctx context.Context, conn *websocket.Conn, id string, f frame) (frame, error) {
	f.ID = id
	ch := make(chan frame, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return frame{}, ErrClosed
	}
	if r.conn != conn {
		r.mu.Unlock()
		return frame{}, ErrDisconnected
	}
	r.pending[id] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	if err := r.write(conn, f); err != nil {
		return frame{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			if r.isClosed() {
				return frame{}, ErrClosed
			}
			return frame{}, ErrDisconnected
		}
		return resp, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-r.done:
		return frame{}, ErrClosed
	}
}

func (r *RemoteStore) write(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// writeCurrent sends f on the live connection, if any, ignoring errors.
func (r *RemoteStore) writeCurrent(f frame) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		_ = r.write(conn, f)
	}
}

func (r *RemoteStore) readPump(conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			continue
		}

		r.mu.Lock()
		switch f.Op {
		case opEvent:
			if sub, ok := r.subs[f.ID]; ok {
				ev := Event{Path: f.Path}
				if !f.Deleted {
					ev.Value = f.Value
					if ev.Value == nil {
						ev.Value = []byte{}
					}
				}
				sub.d.push(ev)
			}
		default:
			if ch, ok := r.pending[f.ID]; ok {
				ch <- f
				delete(r.pending, f.ID)
			}
		}
		r.mu.Unlock()
	}
}

func (s *remoteSub) Unsubscribe() {
	s.once.Do(func() {
		s.d.stop()
		s.store.mu.Lock()
		_, live := s.store.subs[s.id]
		delete(s.store.subs, s.id)
		s.store.mu.Unlock()
		if live {
			s.store.writeCurrent(frame{Op: opUnsubscribe, ID: s.id})
		}
	})
}
