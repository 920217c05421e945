package p2psync

import (
	"github.com/opd-ai/p2psync/interfaces"
	"github.com/opd-ai/p2psync/peer"
	"github.com/opd-ai/p2psync/relay"
	"github.com/opd-ai/p2psync/transfer"
	"github.com/sirupsen/logrus"
)

func (s *Service) handleConnected(remote string) {
	logrus.WithFields(logrus.Fields{
		"function": "Service.handleConnected",
		"remote":   remote,
	}).Info("Direct link connected")
	s.events.emit(Event{Type: EventConnected, DeviceID: remote})
}

func (s *Service) handleDisconnected(remote string) {
	s.mu.Lock()
	r, ok := s.receivers[remote]
	delete(s.receivers, remote)
	delete(s.senders, remote)
	s.mu.Unlock()
	if ok {
		r.Reset()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Service.handleDisconnected",
		"remote":   remote,
	}).Info("Direct link closed")
	s.events.emit(Event{Type: EventDisconnected, DeviceID: remote})
}

func (s *Service) handleMessage(remote string, msg peer.Message) {
	r := s.receiverFor(remote)
	if r == nil {
		return
	}
	if err := r.Handle(msg.Text, msg.Data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Service.handleMessage",
			"remote":   remote,
			"error":    err.Error(),
		}).Debug("Data channel message rejected")
	}
}

// receiverFor returns the reassembly state for remote, creating it on the
// first message.
func (s *Service) receiverFor(remote string) *transfer.Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if r, ok := s.receivers[remote]; ok {
		return r
	}

	r := transfer.NewReceiver(s.deps.FS)
	r.OnReceived(func(meta interfaces.FileMetadata, t *transfer.Transfer) {
		s.events.emit(Event{
			Type:     EventFileReceived,
			DeviceID: remote,
			FileID:   meta.ID,
			Path:     meta.Path,
			Via:      ViaPeer,
		})
	})
	r.OnFailed(func(fileID string, err error) {
		logrus.WithFields(logrus.Fields{
			"function": "Service.receiverFor",
			"remote":   remote,
			"file_id":  fileID,
			"error":    err.Error(),
		}).Warn("Incoming transfer failed")
	})
	s.receivers[remote] = r
	return r
}

func (s *Service) handleRelayed(rec relay.Record) {
	s.events.emit(Event{
		Type:     EventFileRelayed,
		DeviceID: rec.SenderDeviceID,
		FileID:   rec.ID,
		Path:     rec.Path,
		Via:      ViaRelay,
	})
	s.events.emit(Event{
		Type:     EventFileReceived,
		DeviceID: rec.SenderDeviceID,
		FileID:   rec.ID,
		Path:     rec.Path,
		Via:      ViaRelay,
	})
}
