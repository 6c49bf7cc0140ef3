// ============================================================================
// Proving Job Broker - Core Coordinator
// ============================================================================
//
// Package: internal/broker
// File: broker.go
// Purpose: Admission, priority dispatch, lease tracking, timeout reclamation,
// bounded retries, and crash recovery for proof-generation jobs.
//
// Architecture:
//   A single mutual-exclusion domain (mu) guards four in-memory structures:
//   - jobs     (Job Index)    every admitted job, by id
//   - results  (Result Index) terminal outcomes, by id (subset of jobs)
//   - leases   (Lease Table)  jobs currently assigned to a worker
//   - retries  (Retry Counter) failed-attempt counts, by id
//   plus one priority queue per ProofClass. Every façade method is short and
//   non-blocking except where it calls the durable store, and those calls
//   are made outside the lock wherever the ordering requirement allows it.
//
// Recovery:
//   Start() replays the store's IterateAll into jobs/results/queues before
//   launching the timeout sweeper. Leases and retry counts do not survive a
//   restart. Every job with no stored result is requeued from scratch.
// ============================================================================

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/provingbroker/broker/internal/queue"
	"github.com/provingbroker/broker/internal/store"
	"github.com/provingbroker/broker/pkg/types"
)

var log = slog.Default()

var (
	// ErrDuplicateIdConflict is returned by Enqueue when id already exists
	// with a record that differs from the one being submitted. Enqueuing
	// the same record twice is not an error, it is a no-op.
	ErrDuplicateIdConflict = errors.New("broker: job id exists with a different record")

	// ErrStoreUnavailable wraps any durable-store failure surfaced to a
	// caller; it is never returned for conditions the broker itself
	// considers normal (unknown job, missing lease, duplicate success).
	ErrStoreUnavailable = errors.New("broker: durable store unavailable")
)

// Metrics is the observability surface the broker calls into. Every method
// may be called with a nil receiver-safe Metrics (Broker checks for nil
// before every call), so a caller that does not want metrics can pass nil.
type Metrics interface {
	ObserveEnqueue(class types.ProofClass)
	ObserveDispatch(class types.ProofClass)
	ObserveDispatchLatency(seconds float64)
	ObserveCompleted(class types.ProofClass)
	ObserveFailed(class types.ProofClass)
	ObserveDead(class types.ProofClass)
	ObserveTimedOut(class types.ProofClass)
	SetQueueDepth(class types.ProofClass, depth int)
	SetInFlight(class types.ProofClass, count int)
}

// Config holds the broker's tunables. Field names mirror the configuration
// keys a YAML config file exposes them under.
type Config struct {
	JobTimeout    time.Duration
	SweepInterval time.Duration
	MaxRetries    int
}

// DefaultConfig returns the broker's baseline tunables.
func DefaultConfig() Config {
	return Config{
		JobTimeout:    30 * time.Second,
		SweepInterval: 10 * time.Second,
		MaxRetries:    3,
	}
}

// HeartbeatResult is the outcome of Heartbeat. Acquired is non-nil only
// when the caller's id was idle (no lease) and an allow-list was supplied,
// in which case Heartbeat doubles as an acquire poll.
type HeartbeatResult struct {
	Acquired *types.Job
}

// Broker is the job broker façade.
type Broker struct {
	cfg     Config
	store   store.Store
	metrics Metrics

	mu      sync.Mutex
	jobs    map[types.JobID]types.Job
	results map[types.JobID]types.Outcome
	leases  map[types.JobID]types.Lease
	retries map[types.JobID]int
	queues  map[types.ProofClass]*queue.Queue

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New constructs a Broker around a durable store. Call Start before serving
// any façade operation. metrics may be nil.
func New(st store.Store, cfg Config, metrics Metrics) *Broker {
	queues := make(map[types.ProofClass]*queue.Queue, len(types.AllProofClasses))
	for _, c := range types.AllProofClasses {
		queues[c] = queue.New()
	}
	return &Broker{
		cfg:     cfg,
		store:   st,
		metrics: metrics,
		jobs:    make(map[types.JobID]types.Job),
		results: make(map[types.JobID]types.Outcome),
		leases:  make(map[types.JobID]types.Lease),
		retries: make(map[types.JobID]int),
		queues:  queues,
		stopCh:  make(chan struct{}),
	}
}

// Start enumerates the durable store, rebuilds the job index / result
// index / queues from it, and launches the timeout sweeper. Prior lease and
// retry state does not survive the crash this recovers from.
func (b *Broker) Start(ctx context.Context) error {
	records, err := b.store.IterateAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	b.mu.Lock()
	for _, rec := range records {
		b.jobs[rec.Job.ID] = rec.Job
		if rec.HasResult {
			b.results[rec.Job.ID] = rec.Outcome
			continue
		}
		b.queues[rec.Job.Class].Push(rec.Job)
	}
	b.mu.Unlock()

	log.Info("broker: recovered from store", "records", len(records))

	b.wg.Add(1)
	go b.sweepLoop()
	return nil
}

// Stop halts the timeout sweeper and waits for it to exit. Safe to call
// more than once.
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()
}

// Enqueue admits job. Re-submitting a byte-equal job under the same id is a
// no-op; submitting a different record under an id already in use is
// ErrDuplicateIdConflict. Enqueue only returns once the store write has
// succeeded, so a Status call immediately after never sees NotFound.
func (b *Broker) Enqueue(ctx context.Context, job types.Job) error {
	b.mu.Lock()
	if existing, ok := b.jobs[job.ID]; ok {
		b.mu.Unlock()
		if existing.Equal(job) {
			return nil
		}
		return ErrDuplicateIdConflict
	}
	b.mu.Unlock()

	if err := b.store.AddJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateIdConflict) {
			return ErrDuplicateIdConflict
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	b.mu.Lock()
	if existing, ok := b.jobs[job.ID]; ok {
		b.mu.Unlock()
		if existing.Equal(job) {
			return nil
		}
		return ErrDuplicateIdConflict
	}
	b.jobs[job.ID] = job
	b.queues[job.Class].Push(job)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ObserveEnqueue(job.Class)
	}
	return nil
}

// Cancel unconditionally removes id from every in-memory structure and its
// owning queue, then from the store. Cancel is a no-op on an unknown id.
// Memory is updated first and the store delete is best-effort: if it fails
// the next startup recovery self-heals, since memory is always a subset of
// committed store state.
func (b *Broker) Cancel(ctx context.Context, id types.JobID) error {
	b.mu.Lock()
	job, ok := b.jobs[id]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.jobs, id)
	delete(b.results, id)
	delete(b.leases, id)
	delete(b.retries, id)
	b.queues[job.Class].Remove(id)
	b.mu.Unlock()

	if err := b.store.DeleteJobAndResult(ctx, id); err != nil {
		log.Warn("broker: cancel store delete failed, memory already updated", "job_id", id, "error", err)
	}
	return nil
}

// Status answers a point-in-time status query for id.
func (b *Broker) Status(_ context.Context, id types.JobID) types.StatusResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if outcome, ok := b.results[id]; ok {
		if outcome.IsFailure {
			return types.StatusResult{Status: types.StatusRejected, Outcome: outcome}
		}
		return types.StatusResult{Status: types.StatusResolved, Outcome: outcome}
	}
	if _, ok := b.jobs[id]; !ok {
		return types.StatusResult{Status: types.StatusNotFound}
	}
	if _, ok := b.leases[id]; ok {
		return types.StatusResult{Status: types.StatusInProgress}
	}
	return types.StatusResult{Status: types.StatusQueued}
}

// Acquire is the non-blocking dispatch primitive: it sorts allowList by
// static rank (nil means every class is eligible) and returns the first
// job found, installing a fresh lease on it. Returns false when every
// eligible class is empty.
func (b *Broker) Acquire(_ context.Context, allowList []types.ProofClass) (types.Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acquireLocked(allowList)
}

func (b *Broker) acquireLocked(allowList []types.ProofClass) (types.Job, bool) {
	start := time.Now()
	for _, class := range sortByRank(resolveClasses(allowList)) {
		q, ok := b.queues[class]
		if !ok {
			continue
		}
		job, ok := q.PopNonBlocking()
		if !ok {
			continue
		}
		now := types.NowMillis()
		b.leases[job.ID] = types.Lease{JobID: job.ID, StartedAt: now, LastHeartbeatAt: now}
		if b.metrics != nil {
			b.metrics.ObserveDispatch(job.Class)
			b.metrics.ObserveDispatchLatency(time.Since(start).Seconds())
		}
		return job, true
	}
	return types.Job{}, false
}

func resolveClasses(allowList []types.ProofClass) []types.ProofClass {
	if allowList == nil {
		return types.AllProofClasses
	}
	return allowList
}

// Heartbeat keeps a leased job alive. If id has no lease, a non-nil
// allowList is treated as an idle worker polling for work and Heartbeat
// behaves like Acquire; with a nil allowList it simply returns nothing.
func (b *Broker) Heartbeat(_ context.Context, id types.JobID, allowList []types.ProofClass) HeartbeatResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if lease, ok := b.leases[id]; ok {
		lease.LastHeartbeatAt = types.NowMillis()
		b.leases[id] = lease
		return HeartbeatResult{}
	}

	if allowList == nil {
		return HeartbeatResult{}
	}

	if job, ok := b.acquireLocked(allowList); ok {
		return HeartbeatResult{Acquired: &job}
	}
	return HeartbeatResult{}
}

// ReportSuccess records a successful terminal outcome. A report for an
// unknown or already-settled id is dropped (logged, not an error). This
// is what makes duplicate delivery from an at-least-once transport safe.
func (b *Broker) ReportSuccess(ctx context.Context, id types.JobID, value []byte) error {
	b.mu.Lock()
	job, ok := b.jobs[id]
	if !ok {
		b.mu.Unlock()
		log.Warn("broker: dropping success report for unknown job", "job_id", id)
		return nil
	}
	if _, settled := b.results[id]; settled {
		b.mu.Unlock()
		log.Warn("broker: dropping success report for already-settled job", "job_id", id)
		return nil
	}
	b.mu.Unlock()

	outcome := types.Success(value)
	if err := b.store.SetResult(ctx, id, outcome); err != nil {
		if errors.Is(err, store.ErrUnknownJob) {
			log.Warn("broker: dropping success report, job cancelled concurrently", "job_id", id)
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	b.mu.Lock()
	if _, ok := b.jobs[id]; !ok {
		// Cancelled while the store write was in flight: a delete
		// tombstone follows this result record in the journal, so leave
		// memory alone rather than resurrect a cancelled job.
		b.mu.Unlock()
		return nil
	}
	delete(b.leases, id)
	b.results[id] = outcome
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ObserveCompleted(job.Class)
	}
	return nil
}

// ReportFailure records a failed attempt. If retryRequested and the retry
// budget is not yet exhausted, the job is silently requeued. There is no
// store write, since this is not a terminal state, and the retry counter
// does not survive a crash on purpose. Otherwise the failure is terminal.
func (b *Broker) ReportFailure(ctx context.Context, id types.JobID, reason string, retryRequested bool) error {
	b.mu.Lock()
	job, ok := b.jobs[id]
	if !ok {
		b.mu.Unlock()
		log.Warn("broker: dropping failure report for unknown job", "job_id", id)
		return nil
	}
	if _, settled := b.results[id]; settled {
		b.mu.Unlock()
		log.Warn("broker: dropping failure report for already-settled job", "job_id", id)
		return nil
	}

	attempts := b.retries[id]
	if retryRequested && attempts+1 < b.cfg.MaxRetries {
		b.retries[id] = attempts + 1
		delete(b.leases, id)
		b.queues[job.Class].Push(job)
		b.mu.Unlock()

		if b.metrics != nil {
			b.metrics.ObserveFailed(job.Class)
		}
		return nil
	}
	b.mu.Unlock()

	outcome := types.Failure(reason)
	if err := b.store.SetResult(ctx, id, outcome); err != nil {
		if errors.Is(err, store.ErrUnknownJob) {
			log.Warn("broker: dropping failure report, job cancelled concurrently", "job_id", id)
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	b.mu.Lock()
	if _, ok := b.jobs[id]; !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.leases, id)
	b.results[id] = outcome
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ObserveDead(job.Class)
	}
	return nil
}

// sweepLoop fires every cfg.SweepInterval until Stop is called.
func (b *Broker) sweepLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweepOnce()
		}
	}
}

// sweepOnce reclaims leases whose heartbeat has gone stale. It never
// touches the store: a timed-out job is simply re-pushed onto its class
// queue, and the retry counter is left untouched. Timeout reclamation is
// deliberately distinct from a reported, retry-consuming failure.
func (b *Broker) sweepOnce() {
	now := types.NowMillis()
	timeoutMs := b.cfg.JobTimeout.Milliseconds()

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, lease := range b.leases {
		job, ok := b.jobs[id]
		if !ok {
			delete(b.leases, id)
			continue
		}
		if now-lease.LastHeartbeatAt >= timeoutMs {
			delete(b.leases, id)
			b.queues[job.Class].Push(job)
			log.Info("broker: reclaimed timed-out lease", "job_id", id, "class", job.Class)
			if b.metrics != nil {
				b.metrics.ObserveTimedOut(job.Class)
			}
		}
	}

	b.updateGaugesLocked()
}

func (b *Broker) updateGaugesLocked() {
	if b.metrics == nil {
		return
	}
	inFlight := make(map[types.ProofClass]int, len(types.AllProofClasses))
	for _, lease := range b.leases {
		if job, ok := b.jobs[lease.JobID]; ok {
			inFlight[job.Class]++
		}
	}
	for _, class := range types.AllProofClasses {
		b.metrics.SetQueueDepth(class, b.queues[class].Len())
		b.metrics.SetInFlight(class, inFlight[class])
	}
}
