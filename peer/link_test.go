package peer

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/p2psync/signaling"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "NEGOTIATING", StateNegotiating.String())
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestLinkConnectSendsOffer(t *testing.T) {
	router := newFakeRouter()
	l := NewLink("dev-b", webrtc.Configuration{}, router, Callbacks{})
	defer l.Disconnect()

	assert.Equal(t, StateIdle, l.State())
	require.NoError(t, l.Connect())
	assert.Equal(t, StateNegotiating, l.State())
	assert.True(t, router.registered("dev-b"))

	sent, ok := router.waitFor(signaling.TypeOffer, 5*time.Second)
	require.True(t, ok, "offer was not sent")
	assert.Equal(t, "dev-b", sent.to)
	assert.NotEmpty(t, sent.sig.SDP)
}

func TestLinkConnectTwiceFails(t *testing.T) {
	l := NewLink("dev-b", webrtc.Configuration{}, newFakeRouter(), Callbacks{})
	defer l.Disconnect()

	require.NoError(t, l.Connect())
	assert.ErrorIs(t, l.Connect(), ErrInvalidState)
}

func TestLinkDisconnectIsIdempotent(t *testing.T) {
	router := newFakeRouter()
	events := &eventLog{}
	l := NewLink("dev-b", webrtc.Configuration{}, router, events.callbacks())

	require.NoError(t, l.Connect())
	l.Disconnect()
	l.Disconnect()

	assert.Equal(t, StateClosed, l.State())
	assert.Zero(t, events.disconnects(), "a link that never connected has nothing to report")
	assert.False(t, router.registered("dev-b"), "signaling handler must be removed")

	select {
	case <-l.Done():
	default:
		t.Fatal("Done not closed")
	}

	assert.ErrorIs(t, l.Connect(), ErrInvalidState)
	assert.ErrorIs(t, l.Send([]byte("x")), ErrLinkClosed)
	assert.ErrorIs(t, l.SendText("x"), ErrLinkClosed)
	assert.Zero(t, l.BufferedAmount())
}

func TestLinkDisconnectWhileIdle(t *testing.T) {
	events := &eventLog{}
	l := NewLink("dev-b", webrtc.Configuration{}, newFakeRouter(), events.callbacks())
	l.Disconnect()
	assert.Equal(t, StateClosed, l.State())
	assert.Zero(t, events.disconnects(), "a link that never started has nothing to report")
}

func TestLinkWaitConnectedTimesOut(t *testing.T) {
	l := NewLink("dev-b", webrtc.Configuration{}, newFakeRouter(), Callbacks{})
	defer l.Disconnect()
	require.NoError(t, l.Connect())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.WaitConnected(ctx), ErrNegotiationTimeout)
}

func TestLinkWaitConnectedObservesClose(t *testing.T) {
	l := NewLink("dev-b", webrtc.Configuration{}, newFakeRouter(), Callbacks{})
	require.NoError(t, l.Connect())

	errc := make(chan error, 1)
	go func() { errc <- l.WaitConnected(context.Background()) }()

	l.Disconnect()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrLinkClosed)
	case <-time.After(time.Second):
		t.Fatal("WaitConnected did not return after disconnect")
	}
}

func TestLinkBuffersEarlyCandidates(t *testing.T) {
	router := newFakeRouter()
	l := NewLink("dev-b", webrtc.Configuration{}, router, Callbacks{})
	defer l.Disconnect()
	require.NoError(t, l.Connect())

	router.deliver("dev-b", signaling.Candidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.pendingRemote, 1)
	assert.False(t, l.remoteDescSet)
}

func TestLinkHoldsLocalCandidatesUntilOfferSent(t *testing.T) {
	router := newFakeRouter()
	l := NewLink("dev-b", webrtc.Configuration{}, router, Callbacks{})
	defer l.Disconnect()

	l.mu.Lock()
	l.state = StateNegotiating
	l.mu.Unlock()

	l.sendCandidate(webrtc.ICECandidateInit{Candidate: "early"})
	select {
	case s := <-router.sent:
		t.Fatalf("candidate leaked before offer: %+v", s)
	default:
	}

	l.flushLocal()
	s, ok := router.waitFor(signaling.TypeCandidate, time.Second)
	require.True(t, ok)
	assert.Equal(t, "early", s.sig.Candidate.Candidate)
}

func TestLinkReportsDisconnectOnlyAfterConnect(t *testing.T) {
	events := &eventLog{}
	l := NewLink("dev-b", webrtc.Configuration{}, newFakeRouter(), events.callbacks())
	require.NoError(t, l.Connect())

	l.mu.Lock()
	l.state = StateConnected
	l.mu.Unlock()

	l.Disconnect()
	l.Disconnect()
	assert.Equal(t, 1, events.disconnects())
}

func TestLinkFailureWhileNegotiatingIsSilent(t *testing.T) {
	events := &eventLog{}
	l := NewLink("dev-b", webrtc.Configuration{}, newFakeRouter(), events.callbacks())
	require.NoError(t, l.Connect())

	l.fail(assert.AnError)
	assert.Equal(t, StateClosed, l.State())
	assert.Zero(t, events.disconnects())
}

func TestLinkHoldsSignalsUntilSetupFinishes(t *testing.T) {
	router := newFakeRouter()
	l := NewLink("dev-b", webrtc.Configuration{}, router, Callbacks{})
	defer l.Disconnect()

	l.register()
	router.deliver("dev-b", signaling.Candidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}))

	l.mu.Lock()
	assert.Len(t, l.early, 1)
	l.mu.Unlock()

	require.NoError(t, l.Connect())

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.early)
	assert.True(t, l.ready)
	assert.Len(t, l.pendingRemote, 1, "held candidate is applied once the peer connection exists")
}
