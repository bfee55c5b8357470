// Package transport carries control messages and tunnel frames between the
// gateway and its nodes. Everything above this package talks to a Conn and a
// Handler; the websocket implementation is the only networking code here.
package transport

import (
	"errors"

	"github.com/resi-gateway/pkg/protocol"
)

var ErrClosed = errors.New("transport closed")

// Conn is a live, bidirectional node connection.
type Conn interface {
	Send(msg *protocol.Message) error
	SendFrame(streamID string, payload []byte, eof bool) error
	Close() error
	RemoteAddr() string
}

// Handler receives inbound traffic. Callbacks run on the connection's read loop.
type Handler struct {
	OnMessage func(msg *protocol.Message)
	OnFrame   func(streamID string, payload []byte, eof bool)
	OnClose   func(err error)
}
