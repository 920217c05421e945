package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Hub serves a MemoryStore to remote devices over websockets.
type Hub struct {
	store    *MemoryStore
	token    string
	upgrader websocket.Upgrader
	router   *mux.Router

	mu     sync.Mutex
	conns  map[*hubConn]struct{}
	closed bool
}

type hubConn struct {
	hub  *Hub
	id   string
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]Subscription
	done chan struct{}
	once sync.Once
}

// NewHub creates a hub. When token is non-empty, clients must present it as
// a bearer token.
func NewHub(token string) *Hub {
	h := &Hub{
		store: NewMemoryStore(),
		token: token,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*hubConn]struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc(MailboxPath, h.serveWs).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.serveHealth).Methods(http.MethodGet)
	h.router = r

	return h
}

// ServeHTTP implements http.Handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Store exposes the backing store, mainly for tests and local inspection.
func (h *Hub) Store() *MemoryStore {
	return h.store
}

// Connections returns the number of attached clients.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects all clients and closes the backing store.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return h.store.Close()
}

func (h *Hub) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"connections": h.Connections(),
	})
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+h.token
}

func (h *Hub) serveWs(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Hub.serveWs",
			"remote":   r.RemoteAddr,
			"error":    err.Error(),
		}).Warn("Websocket upgrade failed")
		return
	}

	c := &hubConn{
		hub:  h,
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 256),
		subs: make(map[string]Subscription),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Hub.serveWs",
		"client":   c.id,
		"remote":   r.RemoteAddr,
	}).Info("Mailbox client connected")

	go c.writePump()
	go c.readPump()
}

func (c *hubConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for id, sub := range c.subs {
			sub.Unsubscribe()
			delete(c.subs, id)
		}
		c.mu.Unlock()

		c.hub.mu.Lock()
		delete(c.hub.conns, c)
		c.hub.mu.Unlock()

		c.conn.Close()

		logrus.WithFields(logrus.Fields{
			"function": "hubConn.close",
			"client":   c.id,
		}).Info("Mailbox client disconnected")
	})
}

func (c *hubConn) enqueue(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *hubConn) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function": "hubConn.readPump",
					"client":   c.id,
					"error":    err.Error(),
				}).Warn("Unexpected websocket close")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.enqueue(frame{Op: opAck, Error: "malformed frame"})
			continue
		}
		c.handle(f)
	}
}

func (c *hubConn) handle(f frame) {
	ctx := context.Background()

	switch f.Op {
	case opSet:
		value := f.Value
		if f.Deleted {
			value = nil
		} else if value == nil {
			value = []byte{}
		}
		err := c.hub.store.Set(ctx, f.Path, value)
		c.enqueue(frame{Op: opAck, ID: f.ID, Error: errString(err)})

	case opGet:
		v, err := c.hub.store.Get(ctx, f.Path)
		if errors.Is(err, ErrNotFound) {
			c.enqueue(frame{Op: opValue, ID: f.ID, Found: false})
			return
		}
		c.enqueue(frame{Op: opValue, ID: f.ID, Value: v, Found: err == nil, Error: errString(err)})

	case opSubscribe:
		subID := f.ID
		sub, err := c.hub.store.Subscribe(ctx, f.Path, func(ev Event) {
			c.enqueue(frame{Op: opEvent, ID: subID, Path: ev.Path, Value: ev.Value, Deleted: ev.Deleted()})
		})
		if err == nil {
			c.mu.Lock()
			prev, dup := c.subs[subID]
			c.subs[subID] = sub
			c.mu.Unlock()
			if dup {
				prev.Unsubscribe()
			}
		}
		c.enqueue(frame{Op: opAck, ID: f.ID, Error: errString(err)})

	case opUnsubscribe:
		c.mu.Lock()
		sub, ok := c.subs[f.ID]
		delete(c.subs, f.ID)
		c.mu.Unlock()
		if ok {
			sub.Unsubscribe()
		}

	default:
		c.enqueue(frame{Op: opAck, ID: f.ID, Error: "unknown op " + f.Op})
	}
}

func (c *hubConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
