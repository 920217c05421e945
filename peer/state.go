package peer

import "errors"

// State is the lifecycle position of a Link.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrNegotiationTimeout indicates the link did not connect in time.
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	// ErrLinkClosed indicates the link is closed or was never opened.
	ErrLinkClosed = errors.New("peer link closed")
	// ErrNoLink indicates no link exists for a device.
	ErrNoLink = errors.New("no peer link")
	// ErrInvalidState indicates an operation not allowed in the current state.
	ErrInvalidState = errors.New("invalid link state")
	// ErrTooFewICEServers indicates fewer STUN servers than required.
	ErrTooFewICEServers = errors.New("at least two ICE servers are required")
)

// Message is one data channel message.
type Message struct {
	Text bool
	Data []byte
}

// Callbacks receive link events. Any field may be nil.
type Callbacks struct {
	OnConnected    func(remote string)
	OnDisconnected func(remote string)
	OnMessage      func(remote string, msg Message)
}
