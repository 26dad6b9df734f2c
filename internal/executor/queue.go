package executor

import "github.com/roach88/constellation/internal/activity"

// recordQueue is an arrival-ordered list of records. The executor lock guards it.
type recordQueue struct {
	items []*activity.Record
}

func (q *recordQueue) push(r *activity.Record) {
	q.items = append(q.items, r)
}

func (q *recordQueue) len() int {
	return len(q.items)
}

func (q *recordQueue) at(i int) *activity.Record {
	return q.items[i]
}

// popFront removes the oldest record.
func (q *recordQueue) popFront() *activity.Record {
	if len(q.items) == 0 {
		return nil
	}
	return q.removeAt(0)
}

// removeAt removes the record at i, keeping the order of the others.
func (q *recordQueue) removeAt(i int) *activity.Record {
	r := q.items[i]
	copy(q.items[i:], q.items[i+1:])
	// Nil out the vacated slot so the backing array does not pin the record.
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return r
}

// removeAll removes the records at the given indices, returned in index order.
func (q *recordQueue) removeAll(indices []int) []*activity.Record {
	if len(indices) == 0 {
		return nil
	}
	take := make(map[int]bool, len(indices))
	for _, i := range indices {
		take[i] = true
	}
	out := make([]*activity.Record, 0, len(indices))
	kept := q.items[:0]
	for i, r := range q.items {
		if take[i] {
			out = append(out, r)
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return out
}

// drain removes every record.
func (q *recordQueue) drain() []*activity.Record {
	out := q.items
	q.items = nil
	return out
}

// wakeup coalesces notifications into a 1-buffered channel.
type wakeup struct {
	ch chan struct{}
}

func newWakeup() wakeup {
	return wakeup{ch: make(chan struct{}, 1)}
}

// notify never blocks; several notifications before a wait collapse into one.
func (w wakeup) notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w wakeup) wait() <-chan struct{} {
	return w.ch
}
