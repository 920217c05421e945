package signaling

import (
	"sync"
	"time"
)

type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{now: time.Unix(1700000000, 0)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

type received struct {
	sender string
	sig    Signal
}

type signalRecorder struct {
	ch chan received
}

func newSignalRecorder() *signalRecorder {
	return &signalRecorder{ch: make(chan received, 64)}
}

func (r *signalRecorder) handle(sender string, sig Signal) {
	r.ch <- received{sender: sender, sig: sig}
}

func (r *signalRecorder) next(timeout time.Duration) (received, bool) {
	select {
	case v := <-r.ch:
		return v, true
	case <-time.After(timeout):
		return received{}, false
	}
}
