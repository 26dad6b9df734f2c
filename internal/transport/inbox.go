package transport

import "sync"

// Inbox is an unbounded FIFO feeding a channel. Put never blocks, so a node
// handling one message can always send another.
type Inbox[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	out    chan T
	done   chan struct{}
	closed bool
}

// NewInbox starts the goroutine moving items to Out.
func NewInbox[T any]() *Inbox[T] {
	in := &Inbox[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go in.pump()
	return in
}

// Put appends v. It reports false once the inbox is closed.
func (in *Inbox[T]) Put(v T) bool {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return false
	}
	in.items = append(in.items, v)
	in.mu.Unlock()

	select {
	case in.signal <- struct{}{}:
	default:
	}
	return true
}

// Out returns the receiving end. It is closed after Close.
func (in *Inbox[T]) Out() <-chan T { return in.out }

// Close drops queued items and closes Out.
func (in *Inbox[T]) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	in.items = nil
	in.mu.Unlock()
	close(in.done)
}

func (in *Inbox[T]) pump() {
	defer close(in.out)
	for {
		in.mu.Lock()
		if len(in.items) == 0 {
			in.mu.Unlock()
			select {
			case <-in.signal:
				continue
			case <-in.done:
				return
			}
		}
		v := in.items[0]
		var zero T
		in.items[0] = zero
		in.items = in.items[1:]
		in.mu.Unlock()

		select {
		case in.out <- v:
		case <-in.done:
			return
		}
	}
}
