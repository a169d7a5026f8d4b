// Package transport defines how protocol frames travel between processes.
//
// A transport delivers opaque frames to named peers and hands frames received from any peer to a single inbound channel.
// Each connection delivers frames in order and without duplicates; end to end reliability is left to the protocol.
package transport

import (
	"context"

	"github.com/cockroachdb/errors"

	"rmcast/message"
)

var (
	// No connection to a process with the id is known, e.g. because the handshake has not completed yet
	ErrUnknownPeer = errors.New("transport: unknown peer")
	// The peer is known but currently not connected
	ErrPeerUnavailable = errors.New("transport: peer unavailable")
	// Too many frames are waiting to be written to the peer
	ErrOutboxFull = errors.New("transport: outbox full")
	// The transport has been closed
	ErrClosed = errors.New("transport: closed")
	// The frame is larger than the peers accept
	ErrFrameTooLarge = errors.New("transport: frame too large")
)

// A configured peer.
//
// The id is empty until the peer has identified itself, unless it is configured.
type Peer struct {
	ID   message.ProcessID
	Addr string
}

// A frame received from a peer
type Inbound struct {
	// The id announced by the peer when the connection was established
	From  message.ProcessID
	Frame []byte
}

type Transport interface {
	// Send a frame to the process with the id.
	//
	// Send does not wait for the frame to be written. It fails fast if the peer is unknown or unavailable.
	Send(ctx context.Context, to message.ProcessID, frame []byte) error

	// Send a frame to every configured peer.
	//
	// Returns the failures keyed by peer address. A failure to reach one peer does not affect the others.
	Broadcast(ctx context.Context, frame []byte) map[string]error

	// The configured peers
	Peers() []Peer

	// Frames received from any peer.
	// The channel is closed when the transport is closed.
	Inbound() <-chan Inbound

	Close() error
}
