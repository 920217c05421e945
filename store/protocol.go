package store

import "time"

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from a peer. Relay records and signaling
	// payloads are small; blobs never travel through the mailbox.
	maxFrameSize = 512 * 1024

	// MailboxPath is the websocket endpoint served by Hub.
	MailboxPath = "/v1/mailbox"
)

// Frame operations.
const (
	opSet         = "set"
	opGet         = "get"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opAck         = "ack"
	opValue       = "value"
	opEvent       = "event"
)

// frame is the JSON message exchanged between RemoteStore and Hub.
type frame struct {
	Op      string `json:"op"`
	ID      string `json:"id,omitempty"`
	Path    string `json:"path,omitempty"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Found   bool   `json:"found,omitempty"`
	Error   string `json:"error,omitempty"`
}
