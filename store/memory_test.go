package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "a/b")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "a/b", []byte("v1")))
	v, err := s.Get(ctx, "/a/b/")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))

	require.NoError(t, s.Set(ctx, "a/b", nil))
	_, err = s.Get(ctx, "a/b")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Set(ctx, "", []byte("x")), ErrInvalidPath)
	assert.ErrorIs(t, s.Set(ctx, "a/../b", []byte("x")), ErrInvalidPath)
}

func TestMemoryStoreSubscribeReplayAndOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "relay/u/dev/f1", []byte("one")))
	require.NoError(t, s.Set(ctx, "relay/u/other/f9", []byte("elsewhere")))

	rec := newRecorder()
	sub, err := s.Subscribe(ctx, "relay/u/dev", rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, s.Set(ctx, "relay/u/dev/f2", []byte("two")))
	require.NoError(t, s.Set(ctx, "relay/u/dev/f1", nil))
	require.NoError(t, s.Set(ctx, "relay/u/device-other/f3", []byte("sibling prefix")))

	events := rec.waitFor(3, time.Second)
	require.Len(t, events, 3)
	assert.Equal(t, Event{Path: "relay/u/dev/f1", Value: []byte("one")}, events[0], "existing value replayed first")
	assert.Equal(t, "relay/u/dev/f2", events[1].Path)
	assert.True(t, events[2].Deleted())

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 3, "writes outside the prefix must not be delivered")
}

func TestMemoryStoreHandlerMayWrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	consumed := make(chan string, 1)
	sub, err := s.Subscribe(ctx, "mailbox/dev", func(ev Event) {
		if ev.Deleted() {
			return
		}
		assert.NoError(t, s.Set(ctx, ev.Path, nil))
		consumed <- string(ev.Value)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, s.Set(ctx, "mailbox/dev", []byte("signal")))

	select {
	case v := <-consumed:
		assert.Equal(t, "signal", v)
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	assert.Eventually(t, func() bool {
		_, err := s.Get(ctx, "mailbox/dev")
		return err == ErrNotFound
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryStoreUnsubscribe(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := newRecorder()
	sub, err := s.Subscribe(ctx, "p", rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Subscribers())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, s.Subscribers())

	require.NoError(t, s.Set(ctx, "p/x", []byte("late")))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestMemoryStoreClose(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Set(context.Background(), "a", []byte("x")), ErrClosed)
	_, err := s.Subscribe(context.Background(), "a", func(Event) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestJoinAndBase(t *testing.T) {
	assert.Equal(t, "relay/u/d/f", Join("relay", "/u/", "", "d", "f"))
	assert.Equal(t, "f", Base("relay/u/d/f"))
	assert.Equal(t, "single", Base("single"))
}
