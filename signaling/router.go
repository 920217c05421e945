package signaling

import (
	"context"
	"sync"

	"github.com/opd-ai/p2psync/store"
	"github.com/sirupsen/logrus"
)

// Router multiplexes one mailbox subscription across peer links.
type Router struct {
	channel    *Channel
	user       string
	selfDevice string

	mu       sync.RWMutex
	handlers map[string]*registration
	unknown  SignalHandler
	sub      store.Subscription
}

type registration struct {
	fn func(Signal)
}

// NewRouter creates a router for the mailbox of (user, selfDevice).
func NewRouter(channel *Channel, user, selfDevice string) *Router {
	return &Router{
		channel:    channel,
		user:       user,
		selfDevice: selfDevice,
		handlers:   make(map[string]*registration),
	}
}

// OnUnknown sets the handler for signals from devices with no registered
// handler, typically an incoming offer.
func (r *Router) OnUnknown(h SignalHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unknown = h
}

// Start attaches the mailbox subscription.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}
	sub, err := r.channel.Subscribe(ctx, r.user, r.selfDevice, r.route)
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// Stop detaches the mailbox subscription.
func (r *Router) Stop() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Register routes signals from remoteDevice to h until the returned
// function is called.
func (r *Router) Register(remoteDevice string, h func(Signal)) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &registration{fn: h}
	r.handlers[remoteDevice] = reg

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		// A newer link for the same device may have replaced this one.
		if r.handlers[remoteDevice] == reg {
			delete(r.handlers, remoteDevice)
		}
	}
}

// Send writes sig to the mailbox of remoteDevice.
func (r *Router) Send(ctx context.Context, remoteDevice string, sig Signal) error {
	return r.channel.Send(ctx, sig, r.selfDevice, r.user, remoteDevice)
}

// SelfDevice returns the local device id.
func (r *Router) SelfDevice() string {
	return r.selfDevice
}

func (r *Router) route(sender string, sig Signal) {
	r.mu.RLock()
	reg, ok := r.handlers[sender]
	unknown := r.unknown
	r.mu.RUnlock()

	switch {
	case ok:
		reg.fn(sig)
	case unknown != nil:
		unknown(sender, sig)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Router.route",
			"sender":   sender,
			"type":     sig.Type,
		}).Debug("Dropping signal from unregistered device")
	}
}
