package queue

import (
	"testing"

	"github.com/provingbroker/broker/pkg/types"
	"github.com/stretchr/testify/assert"
)

func job(id string, epoch uint64) types.Job {
	return types.Job{ID: types.JobID(id), Class: types.ProofClassMergeRollup, Epoch: epoch}
}

func TestPopNonBlockingOnEmpty(t *testing.T) {
	q := New()
	_, ok := q.PopNonBlocking()
	assert.False(t, ok)
}

func TestEpochOrdering(t *testing.T) {
	q := New()
	q.Push(job("1", 7))
	q.Push(job("2", 3))

	first, ok := q.PopNonBlocking()
	assert.True(t, ok)
	assert.Equal(t, types.JobID("2"), first.ID)

	second, ok := q.PopNonBlocking()
	assert.True(t, ok)
	assert.Equal(t, types.JobID("1"), second.ID)

	_, ok = q.PopNonBlocking()
	assert.False(t, ok)
}

func TestFIFOWithinSameEpoch(t *testing.T) {
	q := New()
	q.Push(job("a", 5))
	q.Push(job("b", 5))
	q.Push(job("c", 5))

	var order []types.JobID
	for {
		j, ok := q.PopNonBlocking()
		if !ok {
			break
		}
		order = append(order, j.ID)
	}
	assert.Equal(t, []types.JobID{"a", "b", "c"}, order)
}

func TestRequeueGoesBehindSiblings(t *testing.T) {
	q := New()
	q.Push(job("a", 1))
	q.Push(job("b", 1))

	j, ok := q.PopNonBlocking()
	assert.True(t, ok)
	assert.Equal(t, types.JobID("a"), j.ID)

	// a timeout or retry re-push at the same epoch must not jump the queue
	q.Push(j)

	next, ok := q.PopNonBlocking()
	assert.True(t, ok)
	assert.Equal(t, types.JobID("b"), next.ID)
}

func TestRemove(t *testing.T) {
	q := New()
	q.Push(job("a", 1))
	q.Push(job("b", 2))

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.Equal(t, 1, q.Len())

	j, ok := q.PopNonBlocking()
	assert.True(t, ok)
	assert.Equal(t, types.JobID("b"), j.ID)
}
