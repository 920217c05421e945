package p2psync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/p2psync/blob"
	"github.com/opd-ai/p2psync/identity"
	"github.com/opd-ai/p2psync/interfaces"
	"github.com/opd-ai/p2psync/localfs"
	"github.com/opd-ai/p2psync/peer"
	"github.com/opd-ai/p2psync/signaling"
	"github.com/opd-ai/p2psync/store"
	"github.com/opd-ai/p2psync/transfer"
	"github.com/stretchr/testify/require"
)

const (
	testUser       = "alice"
	testPassphrase = "correct-horse"
)

// MockTimeProvider is a deterministic time provider for testing.
type MockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

// Now returns the mock time.
func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

// NewTicker returns a real ticker; tests that need ticks use short intervals.
func (m *MockTimeProvider) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}

// loopChannel hands every frame straight to a receiving function, like an
// ordered data channel with an always-empty buffer.
type loopChannel struct {
	mu        sync.Mutex
	deliver   func(text bool, data []byte)
	sends     int
	failAfter int // fail every send after this many; zero never fails
	done      chan struct{}
}

func newLoopChannel(deliver func(text bool, data []byte)) *loopChannel {
	return &loopChannel{deliver: deliver, done: make(chan struct{})}
}

func (c *loopChannel) send(text bool, data []byte) error {
	c.mu.Lock()
	c.sends++
	if c.failAfter > 0 && c.sends > c.failAfter {
		c.mu.Unlock()
		return errors.New("data channel closed")
	}
	c.mu.Unlock()
	c.deliver(text, append([]byte(nil), data...))
	return nil
}

func (c *loopChannel) Send(data []byte) error { return c.send(false, data) }
func (c *loopChannel) SendText(s string) error { return c.send(true, []byte(s)) }
func (c *loopChannel) BufferedAmount() uint64 { return 0 }
func (c *loopChannel) SetBufferedAmountLowThreshold(uint64) {}
func (c *loopChannel) OnBufferedAmountLow(func()) {}
func (c *loopChannel) Done() <-chan struct{} { return c.done }

// gatedFolderStore pauses SaveFolder once armed until release is closed.
type gatedFolderStore struct {
	*MemoryFolderStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedFolderStore() *gatedFolderStore {
	return &gatedFolderStore{
		MemoryFolderStore: NewMemoryFolderStore(),
		entered:           make(chan struct{}, 1),
		release:           make(chan struct{}),
	}
}

func (g *gatedFolderStore) SaveFolder(ctx context.Context, folder SyncFolder) error {
	if g.armed.Load() {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.MemoryFolderStore.SaveFolder(ctx, folder)
}

// fakeLinks is a linkSet whose reachable devices connect instantly and
// whose unreachable devices never answer.
type fakeLinks struct {
	mu          sync.Mutex
	channels    map[string]transfer.Channel
	connected   map[string]bool
	connects    []string
	disconnects []string
	closed      bool
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{
		channels:  make(map[string]transfer.Channel),
		connected: make(map[string]bool),
	}
}

func (f *fakeLinks) reachable(remote string, ch transfer.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[remote] = ch
}

func (f *fakeLinks) Connect(remote string) (peer.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, remote)
	if _, ok := f.channels[remote]; ok {
		f.connected[remote] = true
		return peer.StateConnected, nil
	}
	return peer.StateNegotiating, nil
}

func (f *fakeLinks) WaitConnected(ctx context.Context, remote string) error {
	f.mu.Lock()
	ok := f.connected[remote]
	f.mu.Unlock()
	if ok {
		return nil
	}
	<-ctx.Done()
	return peer.ErrNegotiationTimeout
}

func (f *fakeLinks) Channel(remote string) (transfer.Channel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[remote] {
		return nil, false
	}
	return f.channels[remote], true
}

func (f *fakeLinks) ConnectedDevices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, ok := range f.connected {
		if ok {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeLinks) Disconnect(remote string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, remote)
	delete(f.connected, remote)
}

func (f *fakeLinks) DisconnectAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.connected {
		f.disconnects = append(f.disconnects, id)
	}
	f.connected = make(map[string]bool)
}

func (f *fakeLinks) Close() {
	f.DisconnectAll()
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// world is the shared infrastructure of one user's devices.
type world struct {
	mailbox *store.MemoryStore
	blobs   *blob.MemoryStore
}

func newWorld() *world {
	return &world{mailbox: store.NewMemoryStore(), blobs: blob.NewMemoryStore()}
}

type device struct {
	svc   *Service
	fs    *localfs.MemoryFS
	links *fakeLinks
	clock *MockTimeProvider
}

// editingFS serves scans from the underlying MemoryFS but returns the
// edited bytes on read, as if the file changed between scan and read.
type editingFS struct {
	*localfs.MemoryFS
	mu    sync.Mutex
	edits map[string][]byte
}

func (e *editingFS) edit(path string, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.edits[path] = data
}

func (e *editingFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	e.mu.Lock()
	data, ok := e.edits[path]
	e.mu.Unlock()
	if ok {
		return append([]byte(nil), data...), nil
	}
	return e.MemoryFS.ReadFile(ctx, path)
}

// newDevice builds an unstarted service on w.
func (w *world) newDevice(t *testing.T, id, passphrase string) *device {
	t.Helper()
	return w.newDeviceWithFS(t, id, passphrase, nil)
}

// newEditingDevice builds an unstarted service whose file reads can be
// made to differ from its scans.
func (w *world) newEditingDevice(t *testing.T, id, passphrase string) (*device, *editingFS) {
	t.Helper()
	var efs *editingFS
	d := w.newDeviceWithFS(t, id, passphrase, func(m *localfs.MemoryFS) interfaces.FileSystem {
		efs = &editingFS{MemoryFS: m, edits: make(map[string][]byte)}
		return efs
	})
	return d, efs
}

func (w *world) newDeviceWithFS(t *testing.T, id, passphrase string, wrap func(*localfs.MemoryFS) interfaces.FileSystem) *device {
	t.Helper()

	opts := NewOptions()
	opts.DeviceID = id
	opts.Passphrase = passphrase
	opts.NegotiationTimeout = 100 * time.Millisecond
	opts.AutoSyncInterval = 0

	fs := localfs.NewMemoryFS()
	var fsys interfaces.FileSystem = fs
	if wrap != nil {
		fsys = wrap(fs)
	}
	svc, err := New(opts, Dependencies{
		Identity: identity.StaticProvider{UserID: testUser},
		Mailbox:  w.mailbox,
		Blobs:    w.blobs,
		FS:       fsys,
	})
	require.NoError(t, err)

	links := newFakeLinks()
	svc.newLinks = func(*signaling.Router, peer.Callbacks) (linkSet, error) {
		return links, nil
	}
	clock := &MockTimeProvider{currentTime: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	svc.SetTimeProvider(clock)

	t.Cleanup(func() { _ = svc.Close() })
	return &device{svc: svc, fs: fs, links: links, clock: clock}
}

// connectDirect makes from reach to over a loop channel.
func connectDirect(from, to *device) *loopChannel {
	ch := newLoopChannel(func(text bool, data []byte) {
		to.svc.handleMessage(from.svc.options.DeviceID, peer.Message{Text: text, Data: data})
	})
	from.links.reachable(to.svc.options.DeviceID, ch)
	return ch
}

// drainEvents returns every event currently buffered.
func drainEvents(s *Service) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// waitEvents reads events until n of type want arrived or the timeout
// expires, returning everything read.
func waitEvents(s *Service, want EventType, n int, timeout time.Duration) []Event {
	var out []Event
	seen := 0
	deadline := time.After(timeout)
	for seen < n {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
			if ev.Type == want {
				seen++
			}
		case <-deadline:
			return out
		}
	}
	return out
}

func eventsOfType(events []Event, t EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
