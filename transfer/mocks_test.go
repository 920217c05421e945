package transfer

import (
	"context"
	"errors"
	"sync"
	"time"
)

type frame struct {
	text bool
	data []byte
}

// mockChannel records frames and optionally simulates a slowly draining
// outbound buffer.
type mockChannel struct {
	mu        sync.Mutex
	frames    []frame
	buffered  uint64
	threshold uint64
	onLow     func()
	done      chan struct{}
	closeOnce sync.Once
	failAfter int // fail binary sends after this many chunks; 0 disables

	// maxBeforeSend is the largest buffered amount seen at the moment a
	// chunk was handed to the channel.
	maxBeforeSend uint64
	chunkSends    int
}

func newMockChannel() *mockChannel {
	return &mockChannel{done: make(chan struct{})}
}

func (m *mockChannel) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAfter > 0 && m.chunkSends >= m.failAfter {
		return errors.New("send failed")
	}
	if m.buffered > m.maxBeforeSend {
		m.maxBeforeSend = m.buffered
	}
	m.chunkSends++
	m.buffered += uint64(len(data))
	m.frames = append(m.frames, frame{data: append([]byte(nil), data...)})
	return nil
}

func (m *mockChannel) SendText(s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
		return errors.New("closed")
	default:
	}
	m.frames = append(m.frames, frame{text: true, data: []byte(s)})
	return nil
}

func (m *mockChannel) BufferedAmount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffered
}

func (m *mockChannel) SetBufferedAmountLowThreshold(th uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = th
}

func (m *mockChannel) OnBufferedAmountLow(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLow = f
}

func (m *mockChannel) Done() <-chan struct{} {
	return m.done
}

func (m *mockChannel) close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// drainInstantly keeps the buffer empty.
func (m *mockChannel) drainInstantly(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
				m.drain(1 << 30)
			}
		}
	}()
}

// drainSlowly removes n bytes every interval.
func (m *mockChannel) drainSlowly(ctx context.Context, n uint64, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.drain(n)
			}
		}
	}()
}

func (m *mockChannel) drain(n uint64) {
	m.mu.Lock()
	before := m.buffered
	if n > m.buffered {
		m.buffered = 0
	} else {
		m.buffered -= n
	}
	crossed := before > m.threshold && m.buffered <= m.threshold
	cb := m.onLow
	m.mu.Unlock()
	if crossed && cb != nil {
		cb()
	}
}

func (m *mockChannel) snapshot() []frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]frame(nil), m.frames...)
}

func (m *mockChannel) binaryFrames() []frame {
	var out []frame
	for _, f := range m.snapshot() {
		if !f.text {
			out = append(out, f)
		}
	}
	return out
}

// memWriter is an in-memory FileWriter.
type memWriter struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func newMemWriter() *memWriter {
	return &memWriter{files: make(map[string][]byte)}
}

func (w *memWriter) WriteFile(ctx context.Context, path string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.files[path] = append([]byte(nil), data...)
	return nil
}

func (w *memWriter) get(path string) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.files[path]
	return d, ok
}

type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	m.currentTime = m.currentTime.Add(d)
	m.mu.Unlock()
}
