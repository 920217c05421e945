package signaling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opd-ai/p2psync/store"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T) (*Channel, *store.MemoryStore, *mockTimeProvider) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	c := NewChannel(s)
	tp := newMockTimeProvider()
	c.SetTimeProvider(tp)
	return c, s, tp
}

func TestSendWritesVersionedRecord(t *testing.T) {
	c, s, tp := newTestChannel(t)
	ctx := context.Background()

	sig := Signal{Type: TypeOffer, SDP: "v=0"}
	require.NoError(t, c.Send(ctx, sig, "dev-a", "alice", "dev-b"))

	raw, err := s.Get(ctx, "signaling/alice/dev-b")
	require.NoError(t, err)

	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, RecordVersion, rec.Version)
	assert.Equal(t, "dev-a", rec.Sender)
	assert.Equal(t, tp.Now().UnixMilli(), rec.Timestamp)
	assert.Equal(t, sig, rec.Signal)
}

func TestSendRejectsInvalidSignal(t *testing.T) {
	c, _, _ := newTestChannel(t)
	ctx := context.Background()

	assert.ErrorIs(t, c.Send(ctx, Signal{Type: TypeOffer}, "a", "u", "b"), ErrInvalidSignal)
	assert.ErrorIs(t, c.Send(ctx, Signal{Type: TypeCandidate}, "a", "u", "b"), ErrInvalidSignal)
	assert.ErrorIs(t, c.Send(ctx, Signal{Type: "bogus", SDP: "x"}, "a", "u", "b"), ErrInvalidSignal)
}

func TestSubscribeDeliversAndClears(t *testing.T) {
	c, s, _ := newTestChannel(t)
	ctx := context.Background()

	rec := newSignalRecorder()
	sub, err := c.Subscribe(ctx, "alice", "dev-b", rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, c.Send(ctx, Signal{Type: TypeAnswer, SDP: "answer-sdp"}, "dev-a", "alice", "dev-b"))

	got, ok := rec.next(time.Second)
	require.True(t, ok)
	assert.Equal(t, "dev-a", got.sender)
	assert.Equal(t, TypeAnswer, got.sig.Type)

	assert.Eventually(t, func() bool {
		_, err := s.Get(ctx, MailboxPath("alice", "dev-b"))
		return err == store.ErrNotFound
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeDeliversCandidateBurstInOrder(t *testing.T) {
	c, _, _ := newTestChannel(t)
	ctx := context.Background()

	rec := newSignalRecorder()
	sub, err := c.Subscribe(ctx, "alice", "dev-b", rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for _, cand := range []string{"c1", "c2", "c3", "c4"} {
		require.NoError(t, c.Send(ctx, Candidate(webrtc.ICECandidateInit{Candidate: cand}), "dev-a", "alice", "dev-b"))
	}

	for _, want := range []string{"c1", "c2", "c3", "c4"} {
		got, ok := rec.next(time.Second)
		require.True(t, ok, "missing candidate %s", want)
		require.NotNil(t, got.sig.Candidate)
		assert.Equal(t, want, got.sig.Candidate.Candidate)
	}
}

func TestSubscribeReplaysPendingSignal(t *testing.T) {
	c, _, _ := newTestChannel(t)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, Signal{Type: TypeOffer, SDP: "early"}, "dev-a", "alice", "dev-b"))

	rec := newSignalRecorder()
	sub, err := c.Subscribe(ctx, "alice", "dev-b", rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	got, ok := rec.next(time.Second)
	require.True(t, ok)
	assert.Equal(t, "early", got.sig.SDP)
}

func TestSubscribeIgnoresOwnSignals(t *testing.T) {
	c, s, _ := newTestChannel(t)
	ctx := context.Background()

	rec := newSignalRecorder()
	sub, err := c.Subscribe(ctx, "alice", "dev-b", rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, c.Send(ctx, Signal{Type: TypeOffer, SDP: "loop"}, "dev-b", "alice", "dev-b"))

	_, ok := rec.next(50 * time.Millisecond)
	assert.False(t, ok)

	_, err = s.Get(ctx, MailboxPath("alice", "dev-b"))
	assert.NoError(t, err, "own record is not consumed")
}

func TestSubscribeDiscardsStaleAndMalformed(t *testing.T) {
	c, s, tp := newTestChannel(t)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, Signal{Type: TypeOffer, SDP: "old"}, "dev-a", "alice", "dev-b"))
	tp.Advance(DefaultMaxAge + time.Second)

	rec := newSignalRecorder()
	sub, err := c.Subscribe(ctx, "alice", "dev-b", rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, ok := rec.next(50 * time.Millisecond)
	assert.False(t, ok, "stale offer must not be delivered")

	require.NoError(t, s.Set(ctx, MailboxPath("alice", "dev-b"), []byte(`{"v":99}`)))
	_, ok = rec.next(50 * time.Millisecond)
	assert.False(t, ok)

	assert.Eventually(t, func() bool {
		_, err := s.Get(ctx, MailboxPath("alice", "dev-b"))
		return err == store.ErrNotFound
	}, time.Second, 5*time.Millisecond)
}

func TestSignalDescription(t *testing.T) {
	d, ok := Signal{Type: TypeOffer, SDP: "x"}.Description()
	assert.True(t, ok)
	assert.Equal(t, webrtc.SDPTypeOffer, d.Type)

	d, ok = Signal{Type: TypeAnswer, SDP: "y"}.Description()
	assert.True(t, ok)
	assert.Equal(t, webrtc.SDPTypeAnswer, d.Type)

	_, ok = Candidate(webrtc.ICECandidateInit{Candidate: "c"}).Description()
	assert.False(t, ok)
}
