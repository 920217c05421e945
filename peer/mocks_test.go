package peer

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/p2psync/signaling"
)

type fakeRegistration struct {
	fn func(signaling.Signal)
}

type sentSignal struct {
	to  string
	sig signaling.Signal
}

// fakeRouter records outgoing signals and lets tests inject incoming ones.
type fakeRouter struct {
	mu       sync.Mutex
	handlers map[string]*fakeRegistration
	unknown  signaling.SignalHandler
	sent     chan sentSignal
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		handlers: make(map[string]*fakeRegistration),
		sent:     make(chan sentSignal, 256),
	}
}

func (r *fakeRouter) Register(remote string, h func(signaling.Signal)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := &fakeRegistration{fn: h}
	r.handlers[remote] = reg
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.handlers[remote] == reg {
			delete(r.handlers, remote)
		}
	}
}

func (r *fakeRouter) Send(ctx context.Context, remote string, sig signaling.Signal) error {
	r.sent <- sentSignal{to: remote, sig: sig}
	return nil
}

func (r *fakeRouter) OnUnknown(h signaling.SignalHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unknown = h
}

func (r *fakeRouter) registered(remote string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[remote]
	return ok
}

func (r *fakeRouter) deliver(sender string, sig signaling.Signal) {
	r.mu.Lock()
	reg, ok := r.handlers[sender]
	unknown := r.unknown
	r.mu.Unlock()
	if ok {
		reg.fn(sig)
		return
	}
	if unknown != nil {
		unknown(sender, sig)
	}
}

// waitFor returns the first sent signal of type t.
func (r *fakeRouter) waitFor(t signaling.Type, timeout time.Duration) (sentSignal, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case s := <-r.sent:
			if s.sig.Type == t {
				return s, true
			}
		case <-deadline:
			return sentSignal{}, false
		}
	}
}

type eventLog struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
}

func (e *eventLog) callbacks() Callbacks {
	return Callbacks{
		OnConnected: func(remote string) {
			e.mu.Lock()
			e.connected = append(e.connected, remote)
			e.mu.Unlock()
		},
		OnDisconnected: func(remote string) {
			e.mu.Lock()
			e.disconnected = append(e.disconnected, remote)
			e.mu.Unlock()
		},
	}
}

func (e *eventLog) disconnects() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.disconnected)
}
