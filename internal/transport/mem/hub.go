// Package mem is an in-process transport: every node of a cluster is an
// Endpoint of one Hub. It is used by tests and by single-process runs of a
// distributed configuration.
package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/constellation/internal/transport"
)

// SendHook can fail a send before it is delivered.
type SendHook func(from, to uint32, data []byte) error

// Hub connects endpoints.
type Hub struct {
	mu    sync.RWMutex
	nodes map[uint32]*Endpoint
	next  uint32
	hook  SendHook
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[uint32]*Endpoint)}
}

// SetSendHook installs a hook consulted before every send. Nil removes it.
func (h *Hub) SetSendHook(hook SendHook) {
	h.mu.Lock()
	h.hook = hook
	h.mu.Unlock()
}

// Join adds a node with the next free rank, starting at 0.
func (h *Hub) Join() *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	e := &Endpoint{
		hub:    h,
		rank:   h.next,
		inbox:  transport.NewInbox[transport.Message](),
		events: transport.NewInbox[transport.Event](),
	}
	h.next++
	for rank, peer := range h.nodes {
		peer.events.Put(transport.Event{Kind: transport.Joined, Node: e.rank})
		e.events.Put(transport.Event{Kind: transport.Joined, Node: rank})
	}
	h.nodes[e.rank] = e
	return e
}

// Size returns the number of joined endpoints.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nodes[e.rank] != e {
		return
	}
	delete(h.nodes, e.rank)
	for _, peer := range h.nodes {
		peer.events.Put(transport.Event{Kind: transport.Left, Node: e.rank})
	}
}

func (h *Hub) deliver(from, to uint32, data []byte) error {
	h.mu.RLock()
	peer, ok := h.nodes[to]
	hook := h.hook
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send to node %d: %w", to, transport.ErrUnknownPeer)
	}
	if hook != nil {
		if err := hook(from, to, data); err != nil {
			return err
		}
	}
	// Receivers must not observe later writes by the sender.
	msg := transport.Message{From: from, Data: append([]byte(nil), data...)}
	if !peer.inbox.Put(msg) {
		return fmt.Errorf("send to node %d: %w", to, transport.ErrUnknownPeer)
	}
	return nil
}

// Endpoint is one node's view of a Hub.
type Endpoint struct {
	hub    *Hub
	rank   uint32
	inbox  *transport.Inbox[transport.Message]
	events *transport.Inbox[transport.Event]
	once   sync.Once
}

var _ transport.Transport = (*Endpoint)(nil)

// Self returns the endpoint's rank.
func (e *Endpoint) Self() uint32 { return e.rank }

// Send delivers data to node to.
func (e *Endpoint) Send(ctx context.Context, to uint32, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.hub.deliver(e.rank, to, data)
}

// Receive returns inbound messages.
func (e *Endpoint) Receive() <-chan transport.Message { return e.inbox.Out() }

// Events returns membership events.
func (e *Endpoint) Events() <-chan transport.Event { return e.events.Out() }

// Members returns the ranks of the other endpoints.
func (e *Endpoint) Members() []uint32 {
	e.hub.mu.RLock()
	defer e.hub.mu.RUnlock()
	out := make([]uint32, 0, len(e.hub.nodes))
	for rank := range e.hub.nodes {
		if rank != e.rank {
			out = append(out, rank)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close leaves the hub. Peers receive a Left event.
func (e *Endpoint) Close() error {
	e.once.Do(func() {
		e.hub.leave(e)
		e.inbox.Close()
		e.events.Close()
	})
	return nil
}
