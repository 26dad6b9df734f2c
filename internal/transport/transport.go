// Package transport defines how nodes exchange encoded frames.
//
// A transport delivers opaque byte messages between nodes identified by their
// rank and reports membership changes. Implementations live in sub-packages:
// mem for in-process clusters and ws for websocket links between processes.
// Delivery is reliable and ordered per pair of nodes while both are members.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by a closed transport.
	ErrClosed = errors.New("transport closed")
	// ErrUnknownPeer is returned when sending to a node that is not a member.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Message is one received payload.
type Message struct {
	From uint32
	Data []byte
}

// EventKind distinguishes membership events.
type EventKind uint8

const (
	// Joined reports a node that became reachable.
	Joined EventKind = iota + 1
	// Left reports a node that is no longer reachable.
	Left
)

func (k EventKind) String() string {
	switch k {
	case Joined:
		return "joined"
	case Left:
		return "left"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is a membership change.
type Event struct {
	Kind EventKind
	Node uint32
}

// Transport moves messages between nodes.
type Transport interface {
	// Self returns the rank of the local node.
	Self() uint32
	// Send delivers data to node to. It does not wait for the receiver to
	// process the message.
	Send(ctx context.Context, to uint32, data []byte) error
	// Receive returns the channel of inbound messages. It is closed by Close.
	Receive() <-chan Message
	// Events returns the channel of membership events. It is closed by Close.
	Events() <-chan Event
	// Members returns the ranks of the reachable peers, excluding Self.
	Members() []uint32
	// Close leaves the cluster.
	Close() error
}
