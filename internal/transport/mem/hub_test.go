package mem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/constellation/internal/transport"
)

func recv(t *testing.T, e *Endpoint) transport.Message {
	t.Helper()
	select {
	case m := <-e.Receive():
		return m
	case <-time.After(time.Second):
		t.Fatal("no message")
		return transport.Message{}
	}
}

func event(t *testing.T, e *Endpoint) transport.Event {
	t.Helper()
	select {
	case ev := <-e.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return transport.Event{}
	}
}

func TestHub_JoinAssignsRanks(t *testing.T) {
	h := NewHub()
	a, b, c := h.Join(), h.Join(), h.Join()

	assert.Equal(t, uint32(0), a.Self())
	assert.Equal(t, uint32(1), b.Self())
	assert.Equal(t, uint32(2), c.Self())
	assert.Equal(t, []uint32{0, 2}, b.Members())
	assert.Equal(t, 3, h.Size())

	assert.Equal(t, transport.Event{Kind: transport.Joined, Node: 1}, event(t, a))
	assert.Equal(t, transport.Event{Kind: transport.Joined, Node: 2}, event(t, a))
}

func TestEndpoint_SendIsOrderedAndCopied(t *testing.T) {
	h := NewHub()
	a, b := h.Join(), h.Join()

	data := []byte("one")
	require.NoError(t, a.Send(context.Background(), b.Self(), data))
	data[0] = 'X'
	require.NoError(t, a.Send(context.Background(), b.Self(), []byte("two")))

	m := recv(t, b)
	assert.Equal(t, uint32(0), m.From)
	assert.Equal(t, "one", string(m.Data))
	assert.Equal(t, "two", string(recv(t, b).Data))
}

func TestEndpoint_SendErrors(t *testing.T) {
	h := NewHub()
	a := h.Join()

	err := a.Send(context.Background(), 42, []byte("x"))
	assert.ErrorIs(t, err, transport.ErrUnknownPeer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.Send(ctx, 0, nil), context.Canceled)

	b := h.Join()
	boom := errors.New("link down")
	h.SetSendHook(func(from, to uint32, _ []byte) error {
		if to == b.Self() {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, a.Send(context.Background(), b.Self(), []byte("x")), boom)
	h.SetSendHook(nil)
	assert.NoError(t, a.Send(context.Background(), b.Self(), []byte("x")))
}

func TestEndpoint_CloseNotifiesPeers(t *testing.T) {
	h := NewHub()
	a, b := h.Join(), h.Join()
	assert.Equal(t, transport.Joined, event(t, a).Kind)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.Equal(t, transport.Event{Kind: transport.Left, Node: 1}, event(t, a))
	assert.Empty(t, a.Members())
	assert.ErrorIs(t, a.Send(context.Background(), 1, []byte("x")), transport.ErrUnknownPeer)
}
