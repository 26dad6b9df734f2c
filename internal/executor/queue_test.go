package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/ident"
)

func rec(seq int64) *activity.Record {
	return activity.NewRecord(ident.ActivityID{Origin: 1, Seq: seq}, nil)
}

func seqs(recs []*activity.Record) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.ID.Seq
	}
	return out
}

func TestRecordQueue_FIFO(t *testing.T) {
	var q recordQueue
	q.push(rec(1))
	q.push(rec(2))
	q.push(rec(3))

	assert.Equal(t, int64(1), q.popFront().ID.Seq)
	assert.Equal(t, int64(2), q.popFront().ID.Seq)
	assert.Equal(t, 1, q.len())
	assert.Equal(t, int64(3), q.popFront().ID.Seq)
	assert.Nil(t, q.popFront())
}

func TestRecordQueue_RemoveAtKeepsOrder(t *testing.T) {
	var q recordQueue
	for i := int64(1); i <= 4; i++ {
		q.push(rec(i))
	}
	assert.Equal(t, int64(2), q.removeAt(1).ID.Seq)
	assert.Equal(t, []int64{1, 3, 4}, seqs(q.items))
}

func TestRecordQueue_RemoveAll(t *testing.T) {
	var q recordQueue
	for i := int64(1); i <= 5; i++ {
		q.push(rec(i))
	}
	got := q.removeAll([]int{3, 0})
	assert.Equal(t, []int64{1, 4}, seqs(got))
	assert.Equal(t, []int64{2, 3, 5}, seqs(q.items))
	assert.Nil(t, q.removeAll(nil))
}

func TestWakeup_Coalesces(t *testing.T) {
	w := newWakeup()
	w.notify()
	w.notify()

	select {
	case <-w.wait():
	default:
		t.Fatal("expected a pending notification")
	}
	select {
	case <-w.wait():
		t.Fatal("notifications should coalesce")
	default:
	}
}
