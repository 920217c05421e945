package peer

import (
	"context"
	"sort"
	"sync"

	"github.com/opd-ai/p2psync/signaling"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSTUNServers are public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Router is a Signaler that also reports signals from devices with no
// registered link.
type Router interface {
	Signaler
	OnUnknown(h signaling.SignalHandler)
}

// Config configures a Manager.
type Config struct {
	SelfDevice string
	ICEServers []string
}

// Manager keeps one Link per remote device.
type Manager struct {
	selfDevice string
	config     webrtc.Configuration
	router     Router
	cb         Callbacks

	mu     sync.Mutex
	links  map[string]*Link
	closed bool
}

// NewManager creates a manager and starts answering incoming offers.
func NewManager(cfg Config, router Router, cb Callbacks) (*Manager, error) {
	if len(cfg.ICEServers) < 2 {
		return nil, ErrTooFewICEServers
	}

	m := &Manager{
		selfDevice: cfg.SelfDevice,
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: append([]string(nil), cfg.ICEServers...)}},
		},
		router: router,
		cb:     cb,
		links:  make(map[string]*Link),
	}
	router.OnUnknown(m.handleUnknown)
	return m, nil
}

// Connect starts negotiating with remote. When a live link already exists
// it is left alone and its state is returned.
func (m *Manager) Connect(remote string) (State, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return StateClosed, ErrLinkClosed
	}
	if l, ok := m.links[remote]; ok {
		if st := l.State(); st != StateClosed {
			m.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "Manager.Connect",
				"remote":   remote,
				"state":    st.String(),
			}).Debug("Link already exists")
			return st, nil
		}
	}
	l := m.newLinkLocked(remote, roleOfferer)
	m.mu.Unlock()

	if err := l.Connect(); err != nil {
		return l.State(), err
	}
	return l.State(), nil
}

// WaitConnected blocks until the link to remote is CONNECTED. A link that
// was replaced while waiting, for example after an offer collision, is
// followed to its replacement.
func (m *Manager) WaitConnected(ctx context.Context, remote string) error {
	for {
		m.mu.Lock()
		l, ok := m.links[remote]
		m.mu.Unlock()
		if !ok {
			return ErrNoLink
		}

		err := l.WaitConnected(ctx)
		if err != ErrLinkClosed {
			return err
		}

		m.mu.Lock()
		cur, ok := m.links[remote]
		m.mu.Unlock()
		if !ok || cur == l {
			return ErrLinkClosed
		}
	}
}

// Link returns the current link to remote.
func (m *Manager) Link(remote string) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[remote]
	return l, ok
}

// Connected returns the link to remote when it is CONNECTED.
func (m *Manager) Connected(remote string) (*Link, bool) {
	l, ok := m.Link(remote)
	if !ok || l.State() != StateConnected {
		return nil, false
	}
	return l, true
}

// State returns the state of the link to remote, StateIdle when none exists.
func (m *Manager) State(remote string) State {
	l, ok := m.Link(remote)
	if !ok {
		return StateIdle
	}
	return l.State()
}

// ConnectedDevices lists remote devices with a CONNECTED link, sorted.
func (m *Manager) ConnectedDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, l := range m.links {
		if l.State() == StateConnected {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Disconnect closes the link to remote.
func (m *Manager) Disconnect(remote string) {
	m.mu.Lock()
	l, ok := m.links[remote]
	delete(m.links, remote)
	m.mu.Unlock()
	if ok {
		l.Disconnect()
	}
}

// DisconnectAll closes every link.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for id, l := range m.links {
		links = append(links, l)
		delete(m.links, id)
	}
	m.mu.Unlock()

	for _, l := range links {
		l.Disconnect()
	}
}

// Close disconnects everything and stops answering offers.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.DisconnectAll()
}

func (m *Manager) newLinkLocked(remote string, r role) *Link {
	l := newLink(remote, r, m.config, m.router, m.cb)
	l.polite = m.selfDevice > remote
	l.onReplace = func(offer signaling.Signal) {
		m.accept(remote, offer)
	}
	l.register()
	m.links[remote] = l
	return l
}

func (m *Manager) handleUnknown(sender string, sig signaling.Signal) {
	if sig.Type != signaling.TypeOffer {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.handleUnknown",
			"sender":   sender,
			"type":     sig.Type,
		}).Debug("Dropping signal for unknown link")
		return
	}
	m.accept(sender, sig)
}

func (m *Manager) accept(remote string, offer signaling.Signal) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	prev := m.links[remote]
	l := m.newLinkLocked(remote, roleAnswerer)
	m.mu.Unlock()

	// A replaced link has usually closed itself already.
	if prev != nil {
		prev.Disconnect()
	}

	if err := l.accept(offer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.accept",
			"remote":   remote,
			"error":    err.Error(),
		}).Warn("Failed to answer offer")
	}
}
