package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/p2psync/signaling"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// DataChannelLabel names the single data channel of a link.
const DataChannelLabel = "p2psync"

// signalTimeout bounds one mailbox write issued from a WebRTC callback.
const signalTimeout = 10 * time.Second

// maxEarlySignals caps signals held while a link is still being set up.
const maxEarlySignals = 64

// Signaler carries signals to and from one remote device.
type Signaler interface {
	Register(remoteDevice string, h func(signaling.Signal)) (unregister func())
	Send(ctx context.Context, remoteDevice string, sig signaling.Signal) error
}

type role int

const (
	roleOfferer role = iota
	roleAnswerer
)

func (r role) String() string {
	if r == roleOfferer {
		return "offerer"
	}
	return "answerer"
}

// Link is one WebRTC connection plus data channel to a remote device.
type Link struct {
	remote   string
	role     role
	config   webrtc.Configuration
	signaler Signaler
	cb       Callbacks

	// onReplace is set by Manager. It is called after the link closed itself
	// to make way for a new remote offer.
	onReplace func(offer signaling.Signal)
	polite    bool

	mu            sync.Mutex
	state         State
	pc            *webrtc.PeerConnection
	dc            *webrtc.DataChannel
	remoteDescSet bool
	pendingRemote []webrtc.ICECandidateInit
	localReady    bool
	pendingLocal  []webrtc.ICECandidateInit
	unregister    func()
	// early holds signals that arrived before setup finished. They are
	// dispatched in arrival order once ready is set.
	early         []signaling.Signal
	ready         bool

	connected chan struct{}
	done      chan struct{}
}

// NewLink creates an idle link that will offer a connection to remote.
func NewLink(remote string, config webrtc.Configuration, signaler Signaler, cb Callbacks) *Link {
	return newLink(remote, roleOfferer, config, signaler, cb)
}

func newLink(remote string, r role, config webrtc.Configuration, signaler Signaler, cb Callbacks) *Link {
	return &Link{
		remote:    remote,
		role:      r,
		config:    config,
		signaler:  signaler,
		cb:        cb,
		state:     StateIdle,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Remote returns the remote device id.
func (l *Link) Remote() string {
	return l.remote
}

// State returns the current state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Done is closed once the link reaches CLOSED.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Connect starts negotiation as the offering side. The offer itself is sent
// from the negotiation-needed callback once the data channel exists.
func (l *Link) Connect() error {
	l.mu.Lock()
	if l.state != StateIdle {
		st := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: connect in state %s", ErrInvalidState, st)
	}
	l.state = StateNegotiating
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Link.Connect",
		"remote":   l.remote,
	}).Info("Starting negotiation")

	pc, err := l.open()
	if err != nil {
		return err
	}

	pc.OnNegotiationNeeded(func() {
		go l.negotiate()
	})

	ordered := true
	dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		l.fail(fmt.Errorf("failed to create data channel: %w", err))
		return err
	}
	l.setupDataChannel(dc)
	l.flushEarly()
	return nil
}

// accept starts the link as the answering side of offer.
func (l *Link) accept(offer signaling.Signal) error {
	l.mu.Lock()
	if l.state != StateIdle {
		st := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: accept in state %s", ErrInvalidState, st)
	}
	l.state = StateNegotiating
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Link.accept",
		"remote":   l.remote,
	}).Info("Answering incoming offer")

	pc, err := l.open()
	if err != nil {
		return err
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			return
		}
		l.setupDataChannel(dc)
	})

	l.dispatch(offer)
	l.flushEarly()
	return nil
}

// open creates the peer connection and attaches signaling.
func (l *Link) open() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(l.config)
	if err != nil {
		err = fmt.Errorf("failed to create peer connection: %w", err)
		l.fail(err)
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		l.sendCandidate(c.ToJSON())
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function": "Link.OnConnectionStateChange",
			"remote":   l.remote,
			"state":    s.String(),
		}).Debug("Peer connection state changed")

		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			go l.close(true)
		}
	})

	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		pc.Close()
		return nil, ErrLinkClosed
	}
	l.pc = pc
	l.mu.Unlock()

	l.mu.Lock()
	registered := l.unregister != nil
	l.mu.Unlock()
	if !registered {
		l.register()
	}
	return pc, nil
}

// register attaches the link to its signaler. Manager calls it when the
// link is created so no remote signal can reach the unknown handler while
// the link is being set up.
func (l *Link) register() {
	unregister := l.signaler.Register(l.remote, l.handleSignal)
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		unregister()
		return
	}
	l.unregister = unregister
	l.mu.Unlock()
}

// flushEarly dispatches the signals held during setup and then lets new
// signals through directly.
func (l *Link) flushEarly() {
	for {
		l.mu.Lock()
		batch := l.early
		l.early = nil
		if len(batch) == 0 {
			l.ready = true
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		for _, sig := range batch {
			l.dispatch(sig)
		}
	}
}

func (l *Link) negotiate() {
	l.mu.Lock()
	pc := l.pc
	closed := l.state == StateClosed
	l.mu.Unlock()
	if pc == nil || closed || pc.SignalingState() != webrtc.SignalingStateStable {
		return
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		l.fail(fmt.Errorf("failed to create offer: %w", err))
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		l.fail(fmt.Errorf("failed to set local description: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := l.signaler.Send(ctx, l.remote, signaling.Offer(offer)); err != nil {
		// The mailbox may come back; the caller's timeout decides.
		logrus.WithFields(logrus.Fields{
			"function": "Link.negotiate",
			"remote":   l.remote,
			"error":    err.Error(),
		}).Warn("Failed to send offer")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Link.negotiate",
		"remote":   l.remote,
	}).Debug("Offer sent")

	l.flushLocal()
}

func (l *Link) handleSignal(sig signaling.Signal) {
	l.mu.Lock()
	if l.state != StateClosed && !l.ready {
		if len(l.early) < maxEarlySignals {
			l.early = append(l.early, sig)
		}
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.dispatch(sig)
}

func (l *Link) dispatch(sig signaling.Signal) {
	l.mu.Lock()
	pc := l.pc
	st := l.state
	l.mu.Unlock()
	if pc == nil || st == StateClosed {
		return
	}

	switch sig.Type {
	case signaling.TypeOffer:
		l.handleOffer(pc, sig)
	case signaling.TypeAnswer:
		l.handleAnswer(pc, sig)
	case signaling.TypeCandidate:
		l.addRemoteCandidate(pc, *sig.Candidate)
	}
}

func (l *Link) handleOffer(pc *webrtc.PeerConnection, sig signaling.Signal) {
	l.mu.Lock()
	st, remoteSet := l.state, l.remoteDescSet
	l.mu.Unlock()

	switch {
	case st == StateConnected || (l.role == roleAnswerer && remoteSet):
		// The remote restarted and is offering a new session.
		logrus.WithFields(logrus.Fields{
			"function": "Link.handleOffer",
			"remote":   l.remote,
		}).Info("Remote offered a new session, replacing link")
		l.close(true)
		if l.onReplace != nil {
			l.onReplace(sig)
		}
		return
	case l.role == roleOfferer:
		// Both sides offered at once. The polite side yields and answers.
		if !l.polite || l.onReplace == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Link.handleOffer",
				"remote":   l.remote,
			}).Debug("Ignoring colliding offer")
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "Link.handleOffer",
			"remote":   l.remote,
		}).Info("Offer collision, yielding to remote offer")
		l.close(false)
		l.onReplace(sig)
		return
	}

	desc, _ := sig.Description()
	if err := pc.SetRemoteDescription(desc); err != nil {
		l.fail(fmt.Errorf("failed to set remote offer: %w", err))
		return
	}
	l.remoteDescriptionSet(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		l.fail(fmt.Errorf("failed to create answer: %w", err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		l.fail(fmt.Errorf("failed to set local answer: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := l.signaler.Send(ctx, l.remote, signaling.Answer(answer)); err != nil {
		l.fail(fmt.Errorf("failed to send answer: %w", err))
		return
	}
	l.flushLocal()
}

func (l *Link) handleAnswer(pc *webrtc.PeerConnection, sig signaling.Signal) {
	if l.role != roleOfferer || pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		logrus.WithFields(logrus.Fields{
			"function": "Link.handleAnswer",
			"remote":   l.remote,
			"state":    pc.SignalingState().String(),
		}).Debug("Ignoring unexpected answer")
		return
	}

	desc, _ := sig.Description()
	if err := pc.SetRemoteDescription(desc); err != nil {
		l.fail(fmt.Errorf("failed to set remote answer: %w", err))
		return
	}
	l.remoteDescriptionSet(pc)
}

// remoteDescriptionSet applies candidates that arrived before the remote
// description.
func (l *Link) remoteDescriptionSet(pc *webrtc.PeerConnection) {
	l.mu.Lock()
	l.remoteDescSet = true
	pending := l.pendingRemote
	l.pendingRemote = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Link.remoteDescriptionSet",
				"remote":   l.remote,
				"error":    err.Error(),
			}).Warn("Failed to add buffered ICE candidate")
		}
	}
}

func (l *Link) addRemoteCandidate(pc *webrtc.PeerConnection, c webrtc.ICECandidateInit) {
	l.mu.Lock()
	if !l.remoteDescSet {
		l.pendingRemote = append(l.pendingRemote, c)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Link.addRemoteCandidate",
			"remote":   l.remote,
			"error":    err.Error(),
		}).Warn("Failed to add ICE candidate")
	}
}

// sendCandidate forwards a local candidate, holding it back until the
// offer or answer that it belongs to has been sent.
func (l *Link) sendCandidate(c webrtc.ICECandidateInit) {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	if !l.localReady {
		l.pendingLocal = append(l.pendingLocal, c)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := l.signaler.Send(ctx, l.remote, signaling.Candidate(c)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Link.sendCandidate",
			"remote":   l.remote,
			"error":    err.Error(),
		}).Warn("Failed to send ICE candidate")
	}
}

func (l *Link) flushLocal() {
	l.mu.Lock()
	l.localReady = true
	pending := l.pendingLocal
	l.pendingLocal = nil
	l.mu.Unlock()

	for _, c := range pending {
		l.sendCandidate(c)
	}
}

func (l *Link) setupDataChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		if l.state != StateNegotiating {
			l.mu.Unlock()
			return
		}
		l.state = StateConnected
		close(l.connected)
		l.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Link.OnOpen",
			"remote":   l.remote,
			"role":     l.role.String(),
		}).Info("Peer link connected")

		if l.cb.OnConnected != nil {
			l.cb.OnConnected(l.remote)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if l.State() != StateConnected || l.cb.OnMessage == nil {
			return
		}
		l.cb.OnMessage(l.remote, Message{Text: msg.IsString, Data: msg.Data})
	})

	dc.OnClose(func() {
		go l.close(true)
	})
}

// WaitConnected blocks until the link is CONNECTED. It returns
// ErrNegotiationTimeout when ctx expires first and ErrLinkClosed when the
// link closes.
func (l *Link) WaitConnected(ctx context.Context) error {
	select {
	case <-l.connected:
		return nil
	default:
	}

	select {
	case <-l.connected:
		return nil
	case <-l.done:
		return ErrLinkClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrNegotiationTimeout
		}
		return ctx.Err()
	}
}

// Disconnect closes the link. Disconnected is emitted only for a link that
// had reached CONNECTED. Calling it again, or on a link that never
// connected, is safe.
func (l *Link) Disconnect() {
	l.close(true)
}

func (l *Link) fail(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Link.fail",
		"remote":   l.remote,
		"error":    err.Error(),
	}).Warn("Peer link failed")
	l.close(true)
}

func (l *Link) close(emit bool) {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	prev := l.state
	l.state = StateClosed
	pc, dc, unregister := l.pc, l.dc, l.unregister
	l.unregister = nil
	l.pendingLocal = nil
	l.pendingRemote = nil
	l.early = nil
	close(l.done)
	l.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	if dc != nil {
		dc.Close()
	}
	if pc != nil {
		pc.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Link.close",
		"remote":   l.remote,
		"previous": prev.String(),
	}).Info("Peer link closed")

	if emit && prev == StateConnected && l.cb.OnDisconnected != nil {
		l.cb.OnDisconnected(l.remote)
	}
}

// Send writes a binary message.
func (l *Link) Send(data []byte) error {
	dc, err := l.channel()
	if err != nil {
		return err
	}
	return dc.Send(data)
}

// SendText writes a text message.
func (l *Link) SendText(s string) error {
	dc, err := l.channel()
	if err != nil {
		return err
	}
	return dc.SendText(s)
}

// BufferedAmount returns the bytes queued but not yet sent.
func (l *Link) BufferedAmount() uint64 {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil {
		return 0
	}
	return dc.BufferedAmount()
}

// SetBufferedAmountLowThreshold sets the level that fires OnBufferedAmountLow.
func (l *Link) SetBufferedAmountLowThreshold(th uint64) {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc != nil {
		dc.SetBufferedAmountLowThreshold(th)
	}
}

// OnBufferedAmountLow registers the drain callback.
func (l *Link) OnBufferedAmountLow(f func()) {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc != nil {
		dc.OnBufferedAmountLow(f)
	}
}

func (l *Link) channel() (*webrtc.DataChannel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateConnected || l.dc == nil {
		return nil, ErrLinkClosed
	}
	if l.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil, fmt.Errorf("%w: data channel %s", ErrLinkClosed, l.dc.ReadyState().String())
	}
	return l.dc, nil
}
