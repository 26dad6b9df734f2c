// Package ws connects nodes over websockets. Every node serves Handler; a node
// dials each peer with a lower rank, so every pair shares one connection.
package ws

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"github.com/roach88/constellation/internal/transport"
)

const (
	// DefaultRedial is the pause between dial attempts to an absent peer.
	DefaultRedial = 200 * time.Millisecond
	// DefaultHandshakeTimeout bounds the websocket handshake.
	DefaultHandshakeTimeout = 5 * time.Second
	// DefaultMaxMessageSize bounds an inbound message.
	DefaultMaxMessageSize = 64 << 20
	// DefaultWriteTimeout bounds one outbound message.
	DefaultWriteTimeout = 10 * time.Second
)

// Config describes the local node and where its peers listen.
type Config struct {
	Self             uint32
	Peers            map[uint32]string
	Redial           time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	WriteTimeout     time.Duration
	Logger           *slog.Logger
}

type conn struct {
	peer uint32
	ws   *websocket.Conn
	wmu  sync.Mutex
}

// write sends one message. The write fails once ctx is done or timeout
// elapses, whichever comes first, so a stalled peer cannot hold wmu.
func (c *conn) write(ctx context.Context, data []byte, timeout time.Duration) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Transport is a websocket mesh.
type Transport struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	inbox    *transport.Inbox[transport.Message]
	events   *transport.Inbox[transport.Event]
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.RWMutex
	conns  map[uint32]*conn
	closed bool
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport. Call Start to dial peers and mount Handler to
// accept them.
func New(cfg Config) *Transport {
	if cfg.Redial <= 0 {
		cfg.Redial = DefaultRedial
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("transport", "ws", "node", cfg.Self)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		inbox:  transport.NewInbox[transport.Message](),
		events: transport.NewInbox[transport.Event](),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[uint32]*conn),
	}
}

// Start dials every configured peer with a lower rank, redialing for as long
// as the transport is open.
func (t *Transport) Start() {
	for rank, url := range t.cfg.Peers {
		if rank >= t.cfg.Self {
			continue
		}
		t.wg.Add(1)
		go t.dialLoop(rank, url)
	}
}

func (t *Transport) dialLoop(rank uint32, url string) {
	defer t.wg.Done()
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	for {
		ws, _, err := dialer.DialContext(t.ctx, url, nil)
		if err == nil {
			err = t.hello(ws)
			if err == nil {
				t.serve(rank, ws)
			} else {
				_ = ws.Close()
			}
		}
		if err != nil && t.ctx.Err() == nil {
			t.logger.Debug("dial failed", "peer", rank, "url", url, "error", err)
		}
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(t.cfg.Redial):
		}
	}
}

// hello announces the local rank on a fresh connection.
func (t *Transport) hello(ws *websocket.Conn) error {
	_ = ws.SetWriteDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], t.cfg.Self)
	return ws.WriteMessage(websocket.BinaryMessage, b[:])
}

// Handler accepts connections from peers with a higher rank.
func (t *Transport) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
		_, msg, err := ws.ReadMessage()
		if err != nil || len(msg) != 4 {
			t.logger.Warn("bad hello", "remote", r.RemoteAddr, "error", err)
			_ = ws.Close()
			return
		}
		_ = ws.SetReadDeadline(time.Time{})
		peer := binary.BigEndian.Uint32(msg)
		if peer == t.cfg.Self {
			_ = ws.Close()
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serve(peer, ws)
		}()
	})
}

// serve registers the connection and reads from it until it fails.
func (t *Transport) serve(peer uint32, ws *websocket.Conn) {
	ws.SetReadLimit(t.cfg.MaxMessageSize)
	c := &conn{peer: peer, ws: ws}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ws.Close()
		return
	}
	if old, ok := t.conns[peer]; ok {
		_ = old.ws.Close()
	}
	t.conns[peer] = c
	t.mu.Unlock()

	t.logger.Info("peer connected", "peer", peer)
	t.events.Put(transport.Event{Kind: transport.Joined, Node: peer})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		t.inbox.Put(transport.Message{From: peer, Data: data})
	}

	t.mu.Lock()
	current := t.conns[peer] == c
	if current {
		delete(t.conns, peer)
	}
	closed := t.closed
	t.mu.Unlock()
	_ = ws.Close()

	if current && !closed {
		t.logger.Warn("peer disconnected", "peer", peer)
		t.events.Put(transport.Event{Kind: transport.Left, Node: peer})
	}
}

// Self returns the local rank.
func (t *Transport) Self() uint32 { return t.cfg.Self }

// Send writes data to the connection of node to.
func (t *Transport) Send(ctx context.Context, to uint32, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	c, ok := t.conns[to]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}
	if !ok {
		return fmt.Errorf("send to node %d: %w", to, transport.ErrUnknownPeer)
	}
	if err := c.write(ctx, data, t.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("send to node %d: %w", to, err)
	}
	return nil
}

// Receive returns inbound messages.
func (t *Transport) Receive() <-chan transport.Message { return t.inbox.Out() }

// Events returns membership events.
func (t *Transport) Events() <-chan transport.Event { return t.events.Out() }

// Members returns the connected peers.
func (t *Transport) Members() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint32, 0, len(t.conns))
	for rank := range t.conns {
		out = append(out, rank)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close drops every connection and stops dialing.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var errs error
	for _, c := range t.conns {
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		errs = multierr.Append(errs, c.ws.Close())
	}
	t.conns = make(map[uint32]*conn)
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	t.inbox.Close()
	t.events.Close()
	return errs
}
