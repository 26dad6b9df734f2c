package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInbox_PutNeverBlocks(t *testing.T) {
	in := NewInbox[int]()
	defer in.Close()

	for i := 0; i < 1000; i++ {
		require.True(t, in.Put(i))
	}
	for i := 0; i < 1000; i++ {
		select {
		case v := <-in.Out():
			assert.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("item %d not delivered", i)
		}
	}
}

func TestInbox_Close(t *testing.T) {
	in := NewInbox[string]()
	in.Put("dropped")
	in.Close()
	in.Close()

	assert.False(t, in.Put("late"))
	for range in.Out() {
		// Drain whatever the pump handed over before seeing done.
	}
	_, ok := <-in.Out()
	assert.False(t, ok)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "joined", Joined.String())
	assert.Equal(t, "left", Left.String())
	assert.Equal(t, "EventKind(9)", EventKind(9).String())
}
