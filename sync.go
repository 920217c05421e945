package p2psync

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/opd-ai/p2psync/crypto"
	"github.com/opd-ai/p2psync/interfaces"
	"github.com/opd-ai/p2psync/relay"
	"github.com/opd-ai/p2psync/transfer"
	"github.com/sirupsen/logrus"
)

// ErrSyncInProgress indicates the folder is already being synced.
var ErrSyncInProgress = errors.New("sync already in progress")

// SyncResult reports one SyncFolder call.
type SyncResult struct {
	FolderID string
	// Success is true when every scanned file was either sent directly or
	// queued on the relay.
	Success bool
	// FilesSynced counts files sent directly plus files queued on the relay.
	FilesSynced int
	// FilesRelayed counts the files that went through the relay.
	FilesRelayed int
	// Err aggregates per-file failures.
	Err error
}

// SyncFolder pushes every file of the folder to its target device. Files
// go over the direct link when one can be established within the
// negotiation timeout. A file that cannot be sent directly, and every file
// after a direct transfer failed, is queued on the relay instead.
//
// Per-file problems never surface as the returned error: they are
// collected in SyncResult.Err. The error return is reserved for calls that
// could not start, such as an unknown folder id.
func (s *Service) SyncFolder(ctx context.Context, id string) (SyncResult, error) {
	res := SyncResult{FolderID: id}

	links, err := s.activeLinks()
	if err != nil {
		return res, err
	}

	s.mu.Lock()
	f, ok := s.folders[id]
	if !ok {
		s.mu.Unlock()
		return res, fmt.Errorf("%w: %s", ErrFolderNotFound, id)
	}
	if s.syncing[id] {
		s.mu.Unlock()
		return res, fmt.Errorf("%w: %s", ErrSyncInProgress, id)
	}
	s.syncing[id] = true
	folder := cloneFolder(*f)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.syncing, id)
		s.mu.Unlock()
	}()

	log := logrus.WithFields(logrus.Fields{
		"function":  "Service.SyncFolder",
		"folder_id": id,
		"device_id": folder.DeviceID,
	})

	files, err := s.deps.FS.ScanFolder(ctx, folder.LocalPath, folder.SyncTypes)
	if err != nil {
		log.WithField("error", err.Error()).Error("Folder scan failed")
		res.Err = fmt.Errorf("scan %s: %w", folder.LocalPath, err)
		return res, nil
	}

	s.events.emit(Event{Type: EventSyncStarted, FolderID: id, DeviceID: folder.DeviceID, FileCount: len(files)})
	log.WithField("file_count", len(files)).Info("Sync started")

	var sender *transfer.Sender
	if len(files) > 0 {
		if err := s.connect(ctx, links, folder.DeviceID); err != nil {
			log.WithField("error", err.Error()).Info("No direct link, using relay")
		} else {
			sender = s.senderFor(links, folder.DeviceID)
		}
	}

	var (
		errs    *multierror.Error
		direct  int
		relayed int
	)
	for i, file := range files {
		s.events.emit(Event{Type: EventSyncProgress, FolderID: id, FileID: file.ID, Current: i + 1, Total: len(files)})

		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}

		data, err := s.deps.FS.ReadFile(ctx, file.Path)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("read %s: %w", file.Path, err))
			continue
		}

		meta := file
		meta.Path = remoteFilePath(folder.LocalPath, folder.RemotePath, file.Path)
		// The file may have changed since the scan; describe what is sent.
		meta.Size = int64(len(data))
		meta.ContentHash = crypto.ContentHash(data)

		if sender != nil {
			_, err := sender.Send(ctx, meta, data)
			if err == nil {
				direct++
				continue
			}
			// Direct transfer is not retried within this call.
			log.WithFields(logrus.Fields{
				"file_id": file.ID,
				"error":   err.Error(),
			}).Warn("Direct transfer failed, falling back to relay")
			sender = nil
		}

		if err := s.relayFile(ctx, folder.DeviceID, meta, data); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		relayed++
	}

	res.FilesSynced = direct + relayed
	res.FilesRelayed = relayed
	res.Err = errs.ErrorOrNil()
	res.Success = res.Err == nil

	if relayed > 0 {
		s.events.emit(Event{Type: EventRelayQueued, FolderID: id, DeviceID: folder.DeviceID, Count: relayed})
	}

	if res.Success {
		s.markSynced(ctx, id)
		if relayed == 0 {
			s.events.emit(Event{Type: EventSyncCompleted, FolderID: id, DeviceID: folder.DeviceID, FilesSynced: direct})
		}
	}

	log.WithFields(logrus.Fields{
		"direct":  direct,
		"relayed": relayed,
		"success": res.Success,
	}).Info("Sync finished")

	return res, nil
}

func (s *Service) relayFile(ctx context.Context, dest string, meta interfaces.FileMetadata, data []byte) error {
	if s.options.Passphrase == "" {
		return fmt.Errorf("relay %s: %w", meta.ID, relay.ErrPassphraseRequired)
	}
	s.mu.Lock()
	uploader := s.uploader
	s.mu.Unlock()

	if _, err := uploader.Upload(ctx, meta, data, dest, s.options.Passphrase); err != nil {
		return fmt.Errorf("relay %s: %w", meta.ID, err)
	}
	return nil
}

// senderFor returns the Sender bound to the current link to remote. A
// Sender is shared by every sync targeting the same link so files never
// interleave on the channel.
func (s *Service) senderFor(links linkSet, remote string) *transfer.Sender {
	ch, ok := links.Channel(remote)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.senders[remote]; ok && e.ch == ch {
		return e.sender
	}
	sender := transfer.NewSender(ch, transfer.SenderOptions{ChunkSize: s.options.ChunkSize})
	s.senders[remote] = senderEntry{ch: ch, sender: sender}
	return sender
}

// markSynced records the sync time. A folder removed meanwhile is not
// written back.
func (s *Service) markSynced(ctx context.Context, id string) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	f, ok := s.folders[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	f.LastSync = s.time.Now()
	snapshot := cloneFolder(*f)
	s.mu.Unlock()

	if err := s.deps.Folders.SaveFolder(ctx, snapshot); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Service.markSynced",
			"folder_id": id,
			"error":     err.Error(),
		}).Warn("Failed to persist last sync time")
	}
}
