package p2psync

import (
	"context"

	"github.com/opd-ai/p2psync/peer"
	"github.com/opd-ai/p2psync/signaling"
	"github.com/opd-ai/p2psync/transfer"
)

// linkSet is the part of peer.Manager the Service drives.
type linkSet interface {
	Connect(remote string) (peer.State, error)
	WaitConnected(ctx context.Context, remote string) error
	Channel(remote string) (transfer.Channel, bool)
	ConnectedDevices() []string
	Disconnect(remote string)
	DisconnectAll()
	Close()
}

// linkFactory builds the link set once the user id is known.
type linkFactory func(router *signaling.Router, cb peer.Callbacks) (linkSet, error)

// managerLinks adapts peer.Manager to linkSet.
type managerLinks struct {
	*peer.Manager
}

// Channel returns the connected link to remote as a transfer channel.
func (m managerLinks) Channel(remote string) (transfer.Channel, bool) {
	l, ok := m.Connected(remote)
	if !ok {
		return nil, false
	}
	return l, true
}

func (s *Service) peerLinks(router *signaling.Router, cb peer.Callbacks) (linkSet, error) {
	m, err := peer.NewManager(peer.Config{
		SelfDevice: s.options.DeviceID,
		ICEServers: s.options.ICEServers,
	}, router, cb)
	if err != nil {
		return nil, err
	}
	return managerLinks{m}, nil
}
