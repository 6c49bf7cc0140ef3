// Package queue implements the per-class priority queue the broker dispatches
// from: jobs are ordered by (epoch ascending, insertion order ascending).
// A pop never blocks; callers get a job or they don't.
package queue

import (
	"container/heap"

	"github.com/provingbroker/broker/pkg/types"
)

type entry struct {
	job   types.Job
	epoch uint64
	seq   uint64
}

// heapSlice is a container/heap.Interface ordered by (epoch, seq) ascending.
type heapSlice []*entry

func (h heapSlice) Len() int { return len(h) }
func (h heapSlice) Less(i, j int) bool {
	if h[i].epoch != h[j].epoch {
		return h[i].epoch < h[j].epoch
	}
	return h[i].seq < h[j].seq
}
func (h heapSlice) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *heapSlice) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue holds the jobs of a single ProofClass. It is not safe for concurrent
// use; callers serialize access the same way the broker serializes
// everything else in its single mutual-exclusion domain.
type Queue struct {
	h       heapSlice
	nextSeq uint64
}

// New returns an empty queue.
func New() *Queue {
	q := &Queue{}
	heap.Init(&q.h)
	return q
}

// Push inserts a job, breaking ties by insertion order: a job re-pushed after
// a timeout or a retry gets a fresh, later sequence number, so it does not
// jump ahead of jobs already waiting at the same epoch.
func (q *Queue) Push(job types.Job) {
	e := &entry{job: job, epoch: job.Epoch, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.h, e)
}

// PopNonBlocking removes and returns the highest-priority job, or false if
// the queue is empty.
func (q *Queue) PopNonBlocking() (types.Job, bool) {
	if q.h.Len() == 0 {
		return types.Job{}, false
	}
	e := heap.Pop(&q.h).(*entry)
	return e.job, true
}

// Len reports the number of jobs currently queued.
func (q *Queue) Len() int { return q.h.Len() }

// Remove deletes the job with the given id, if present, used by Cancel to
// pull a job out of its owning queue before it is ever dispatched. Returns
// true if a job was removed.
func (q *Queue) Remove(id types.JobID) bool {
	for i, e := range q.h {
		if e.job.ID == id {
			heap.Remove(&q.h, i)
			return true
		}
	}
	return false
}
