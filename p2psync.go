package p2psync

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/opd-ai/p2psync/peer"
	"github.com/opd-ai/p2psync/relay"
	"github.com/opd-ai/p2psync/signaling"
	"github.com/opd-ai/p2psync/transfer"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotStarted indicates an operation that needs Start to have run.
	ErrNotStarted = errors.New("service not started")
	// ErrClosed indicates the service has been closed.
	ErrClosed = errors.New("service closed")
	// ErrInvalidFolder indicates an incomplete folder configuration.
	ErrInvalidFolder = errors.New("invalid sync folder")
)

// Status is a snapshot returned by GetStatus.
type Status struct {
	// Connected reports whether any direct link is up.
	Connected        bool
	DeviceID         string
	UserID           string
	ConnectedDevices []string
	SyncFolderCount  int
}

// senderEntry pins a Sender to the channel it was built for.
type senderEntry struct {
	ch     transfer.Channel
	sender *transfer.Sender
}

// Service keeps local folders in sync with the user's other devices.
type Service struct {
	options *Options
	deps    Dependencies
	events  *emitter
	time    TimeProvider

	newLinks linkFactory

	// persistMu orders FolderStore writes for existing folders against
	// their removal.
	persistMu sync.Mutex

	mu        sync.Mutex
	started   bool
	closed    bool
	userID    string
	folders   map[string]*SyncFolder
	router    *signaling.Router
	links     linkSet
	uploader  *relay.Uploader
	listener  *relay.Listener
	senders   map[string]senderEntry
	receivers map[string]*transfer.Receiver
	syncing   map[string]bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a Service. Nothing touches the network until Start.
func New(options *Options, deps Dependencies) (*Service, error) {
	if options == nil {
		options = NewOptions()
	}
	opts := *options
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	if deps.Folders == nil {
		deps.Folders = NewMemoryFolderStore()
	}

	s := &Service{
		options:   &opts,
		deps:      deps,
		events:    newEmitter(opts.EventBuffer),
		time:      RealTimeProvider{},
		folders:   make(map[string]*SyncFolder),
		senders:   make(map[string]senderEntry),
		receivers: make(map[string]*transfer.Receiver),
		syncing:   make(map[string]bool),
		stopChan:  make(chan struct{}),
	}
	s.newLinks = s.peerLinks
	return s, nil
}

// SetTimeProvider sets the time source for testing.
func (s *Service) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.time = tp
}

// Events returns the event stream. It is closed by Close. Events are
// dropped rather than blocking the service when the consumer falls behind.
func (s *Service) Events() <-chan Event {
	return s.events.ch
}

// Start waits for the identity provider, then attaches signaling and the
// relay listener, loads persisted folders and starts the auto-sync loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	userID, err := s.deps.Identity.Ready(ctx)
	if err != nil {
		return fmt.Errorf("identity not ready: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Service.Start",
		"user_id":   userID,
		"device_id": s.options.DeviceID,
	}).Info("Identity ready")

	router := signaling.NewRouter(signaling.NewChannel(s.deps.Mailbox), userID, s.options.DeviceID)
	links, err := s.newLinks(router, peer.Callbacks{
		OnConnected:    s.handleConnected,
		OnDisconnected: s.handleDisconnected,
		OnMessage:      s.handleMessage,
	})
	if err != nil {
		return fmt.Errorf("failed to create peer manager: %w", err)
	}
	if err := router.Start(ctx); err != nil {
		links.Close()
		return fmt.Errorf("failed to attach signaling: %w", err)
	}

	uploader := relay.NewUploader(s.deps.Mailbox, s.deps.Blobs, userID, s.options.DeviceID)
	var listener *relay.Listener
	if s.options.Passphrase != "" {
		listener = relay.NewListener(s.deps.Mailbox, s.deps.Blobs, s.deps.FS, userID, s.options.DeviceID, s.options.Passphrase)
		listener.OnRelayed(s.handleRelayed)
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "Service.Start",
		}).Warn("No sync passphrase configured, relay fallback disabled")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		router.Stop()
		links.Close()
		return ErrClosed
	}
	s.userID = userID
	s.router = router
	s.links = links
	s.uploader = uploader
	s.listener = listener
	s.started = true
	s.mu.Unlock()

	s.events.emit(Event{Type: EventSignalingReady, UserID: userID})

	if listener != nil {
		if err := listener.Start(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Service.Start",
				"error":    err.Error(),
			}).Error("Failed to start relay listener")
		}
	}

	if err := s.loadFolders(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Service.Start",
			"error":    err.Error(),
		}).Warn("Failed to load persisted sync folders")
	}

	if s.options.AutoSyncInterval > 0 {
		s.wg.Add(1)
		go s.autoSyncLoop()
	}
	return nil
}

// ConnectToRemoteDevice opens a direct link to remote and waits up to the
// negotiation timeout for it. An existing live link is reused.
func (s *Service) ConnectToRemoteDevice(ctx context.Context, remote string) bool {
	links, err := s.activeLinks()
	if err != nil {
		return false
	}
	if err := s.connect(ctx, links, remote); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Service.ConnectToRemoteDevice",
			"remote":   remote,
			"error":    err.Error(),
		}).Warn("Direct link not established")
		return false
	}
	return true
}

// DisconnectDevice closes the direct link to remote.
func (s *Service) DisconnectDevice(remote string) {
	if links, err := s.activeLinks(); err == nil {
		links.Disconnect(remote)
	}
}

// Disconnect closes every direct link. Signaling and the relay listener
// stay attached, so remote devices can reconnect.
func (s *Service) Disconnect() {
	if links, err := s.activeLinks(); err == nil {
		links.DisconnectAll()
	}
}

// GetStatus reports the current connection state.
func (s *Service) GetStatus() Status {
	s.mu.Lock()
	st := Status{
		DeviceID:        s.options.DeviceID,
		UserID:          s.userID,
		SyncFolderCount: len(s.folders),
	}
	links := s.links
	s.mu.Unlock()

	if links != nil {
		st.ConnectedDevices = links.ConnectedDevices()
		st.Connected = len(st.ConnectedDevices) > 0
	}
	return st
}

// AddSyncFolder registers a folder and persists it.
func (s *Service) AddSyncFolder(ctx context.Context, cfg FolderConfig) (string, error) {
	if cfg.LocalPath == "" || cfg.DeviceID == "" {
		return "", fmt.Errorf("%w: local path and device id are required", ErrInvalidFolder)
	}
	if cfg.DeviceID == s.options.DeviceID {
		return "", fmt.Errorf("%w: cannot sync to this device", ErrInvalidFolder)
	}
	remotePath := cfg.RemotePath
	if remotePath == "" {
		remotePath = filepath.Base(filepath.Clean(cfg.LocalPath))
	}

	folder := SyncFolder{
		ID:         uuid.NewString(),
		LocalPath:  cfg.LocalPath,
		RemotePath: remotePath,
		DeviceID:   cfg.DeviceID,
		AutoSync:   cfg.AutoSync,
		SyncTypes:  append([]string(nil), cfg.SyncTypes...),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.mu.Unlock()

	if err := s.deps.Folders.SaveFolder(ctx, folder); err != nil {
		return "", fmt.Errorf("failed to persist sync folder: %w", err)
	}

	s.mu.Lock()
	s.folders[folder.ID] = &folder
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Service.AddSyncFolder",
		"folder_id":  folder.ID,
		"local_path": folder.LocalPath,
		"device_id":  folder.DeviceID,
	}).Info("Sync folder added")

	s.events.emit(Event{Type: EventFolderAdded, FolderID: folder.ID, DeviceID: folder.DeviceID})
	return folder.ID, nil
}

// RemoveSyncFolder forgets a folder. It reports whether the folder existed.
func (s *Service) RemoveSyncFolder(ctx context.Context, id string) bool {
	s.persistMu.Lock()
	s.mu.Lock()
	_, ok := s.folders[id]
	delete(s.folders, id)
	s.mu.Unlock()
	if !ok {
		s.persistMu.Unlock()
		return false
	}

	if err := s.deps.Folders.DeleteFolder(ctx, id); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Service.RemoveSyncFolder",
			"folder_id": id,
			"error":     err.Error(),
		}).Warn("Failed to delete persisted sync folder")
	}
	s.persistMu.Unlock()

	s.events.emit(Event{Type: EventFolderRemoved, FolderID: id})
	return true
}

// GetSyncFolders returns copies of every configured folder sorted by id.
func (s *Service) GetSyncFolders() []SyncFolder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncFolder, 0, len(s.folders))
	for _, f := range s.folders {
		out = append(out, cloneFolder(*f))
	}
	sortFolders(out)
	return out
}

// Close stops every component. It is safe to call more than once.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopChan)
	router, links, listener := s.router, s.links, s.listener
	s.mu.Unlock()

	s.wg.Wait()
	if listener != nil {
		listener.Stop()
	}
	if router != nil {
		router.Stop()
	}
	if links != nil {
		links.Close()
	}

	s.mu.Lock()
	for remote, r := range s.receivers {
		r.Reset()
		delete(s.receivers, remote)
	}
	s.mu.Unlock()

	s.events.close()

	logrus.WithFields(logrus.Fields{
		"function":  "Service.Close",
		"device_id": s.options.DeviceID,
	}).Info("Service closed")
	return nil
}

func (s *Service) activeLinks() (linkSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.links, nil
}

// connect starts or reuses a link to remote and waits for it within the
// negotiation timeout.
func (s *Service) connect(ctx context.Context, links linkSet, remote string) error {
	if _, ok := links.Channel(remote); ok {
		return nil
	}
	if _, err := links.Connect(remote); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.options.NegotiationTimeout)
	defer cancel()
	if err := links.WaitConnected(waitCtx, remote); err != nil {
		if errors.Is(err, peer.ErrNegotiationTimeout) {
			// Stop offering so the remote does not answer a link nobody waits on.
			links.Disconnect(remote)
		}
		return err
	}
	return nil
}

func (s *Service) loadFolders(ctx context.Context) error {
	folders, err := s.deps.Folders.LoadFolders(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range folders {
		f := folders[i]
		if _, ok := s.folders[f.ID]; !ok {
			s.folders[f.ID] = &f
		}
	}
	return nil
}

func (s *Service) autoSyncLoop() {
	defer s.wg.Done()

	s.mu.Lock()
	ticker := s.time.NewTicker(s.options.AutoSyncInterval)
	s.mu.Unlock()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runAutoSync()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Service) runAutoSync() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for _, f := range s.GetSyncFolders() {
		if !f.AutoSync {
			continue
		}
		res, err := s.SyncFolder(ctx, f.ID)
		if err != nil {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function":     "Service.runAutoSync",
			"folder_id":    f.ID,
			"success":      res.Success,
			"files_synced": res.FilesSynced,
		}).Debug("Auto-sync finished")
	}
}

// remoteFilePath maps a file under localRoot to its path on the remote
// device.
func remoteFilePath(localRoot, remoteRoot, file string) string {
	rel, err := filepath.Rel(filepath.Clean(localRoot), filepath.Clean(file))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		rel = filepath.Base(file)
	}
	return path.Join(filepath.ToSlash(remoteRoot), filepath.ToSlash(rel))
}
