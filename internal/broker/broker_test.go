package broker

// ============================================================================
// Broker scenario tests, S1 through S6 from the producer/worker contract,
// plus the cross-cutting invariants the façade must never violate.
// ============================================================================

import (
	"context"
	"testing"
	"time"

	"github.com/provingbroker/broker/internal/store"
	"github.com/provingbroker/broker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, cfg Config) (*Broker, store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := New(st, cfg, nil)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return b, st
}

// S1: priority across classes beats epoch.
func TestS1_PriorityAcrossClasses(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, DefaultConfig())

	a := types.Job{ID: "1", Class: types.ProofClassPublicVM, Epoch: 5}
	bj := types.Job{ID: "2", Class: types.ProofClassBlockRootRollup, Epoch: 9}
	require.NoError(t, b.Enqueue(ctx, a))
	require.NoError(t, b.Enqueue(ctx, bj))

	got, ok := b.Acquire(ctx, nil)
	require.True(t, ok)
	assert.Equal(t, types.JobID("2"), got.ID)
}

// S2: within a class, lower epoch dispatches first.
func TestS2_EpochWithinClass(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, DefaultConfig())

	first := types.Job{ID: "1", Class: types.ProofClassMergeRollup, Epoch: 7}
	second := types.Job{ID: "2", Class: types.ProofClassMergeRollup, Epoch: 3}
	require.NoError(t, b.Enqueue(ctx, first))
	require.NoError(t, b.Enqueue(ctx, second))

	allow := []types.ProofClass{types.ProofClassMergeRollup}
	got1, ok := b.Acquire(ctx, allow)
	require.True(t, ok)
	assert.Equal(t, types.JobID("2"), got1.ID)

	got2, ok := b.Acquire(ctx, allow)
	require.True(t, ok)
	assert.Equal(t, types.JobID("1"), got2.ID)
}

// S3: a timed-out lease is reclaimed and redispatched without consuming a
// retry.
func TestS3_TimeoutReclamation(t *testing.T) {
	ctx := context.Background()
	cfg := Config{JobTimeout: 20 * time.Millisecond, SweepInterval: 5 * time.Millisecond, MaxRetries: 3}
	b, _ := newTestBroker(t, cfg)

	job := types.Job{ID: "1", Class: types.ProofClassTubeProof, Epoch: 1}
	require.NoError(t, b.Enqueue(ctx, job))

	_, ok := b.Acquire(ctx, nil)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		got, ok := b.Acquire(ctx, nil)
		return ok && got.ID == job.ID
	}, time.Second, 5*time.Millisecond)

	b.mu.Lock()
	retries := b.retries[job.ID]
	b.mu.Unlock()
	assert.Equal(t, 0, retries)
}

// S4: bounded retries, the max_retries-th failure is terminal.
func TestS4_BoundedRetries(t *testing.T) {
	ctx := context.Background()
	cfg := Config{JobTimeout: time.Minute, SweepInterval: time.Minute, MaxRetries: 3}
	b, _ := newTestBroker(t, cfg)

	job := types.Job{ID: "1", Class: types.ProofClassBaseParity, Epoch: 1}
	require.NoError(t, b.Enqueue(ctx, job))

	for i := 0; i < 3; i++ {
		_, ok := b.Acquire(ctx, nil)
		require.True(t, ok)
		require.NoError(t, b.ReportFailure(ctx, job.ID, "boom", true))
	}

	result := b.Status(ctx, job.ID)
	assert.Equal(t, types.StatusRejected, result.Status)
	assert.Equal(t, "boom", result.Outcome.Reason)

	_, ok := b.Acquire(ctx, nil)
	assert.False(t, ok)
}

// S5: a success reported after cancellation is dropped; the job stays gone.
func TestS5_DuplicateSuccessAfterCancel(t *testing.T) {
	ctx := context.Background()
	b, st := newTestBroker(t, DefaultConfig())

	job := types.Job{ID: "1", Class: types.ProofClassRootParity, Epoch: 1}
	require.NoError(t, b.Enqueue(ctx, job))

	_, ok := b.Acquire(ctx, nil)
	require.True(t, ok)

	require.NoError(t, b.Cancel(ctx, job.ID))
	require.NoError(t, b.ReportSuccess(ctx, job.ID, []byte("v")))

	result := b.Status(ctx, job.ID)
	assert.Equal(t, types.StatusNotFound, result.Status)

	records, err := st.IterateAll(ctx)
	require.NoError(t, err)
	for _, rec := range records {
		assert.NotEqual(t, job.ID, rec.Job.ID)
	}
}

// S6: startup recovery reconstructs status from the store and requeues
// unsettled jobs.
func TestS6_Recovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	seed, err := store.Open(dir)
	require.NoError(t, err)
	require.NoError(t, seed.AddJob(ctx, types.Job{ID: "J1", Class: types.ProofClassTubeProof, Epoch: 1}))
	require.NoError(t, seed.SetResult(ctx, "J1", types.Success([]byte("ok"))))
	require.NoError(t, seed.AddJob(ctx, types.Job{ID: "J2", Class: types.ProofClassTubeProof, Epoch: 1}))
	require.NoError(t, seed.AddJob(ctx, types.Job{ID: "J3", Class: types.ProofClassTubeProof, Epoch: 1}))
	require.NoError(t, seed.SetResult(ctx, "J3", types.Failure("nope")))
	require.NoError(t, seed.Close())

	st, err := store.Open(dir)
	require.NoError(t, err)
	defer st.Close()

	b := New(st, DefaultConfig(), nil)
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	assert.Equal(t, types.StatusResolved, b.Status(ctx, "J1").Status)
	assert.Equal(t, types.StatusRejected, b.Status(ctx, "J3").Status)

	got, ok := b.Acquire(ctx, nil)
	require.True(t, ok)
	assert.Equal(t, types.JobID("J2"), got.ID)

	_, ok = b.Acquire(ctx, nil)
	assert.False(t, ok)
}

func TestEnqueueDuplicateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, DefaultConfig())

	job := types.Job{ID: "1", Class: types.ProofClassTubeProof, Epoch: 1, Payload: []byte("p")}
	require.NoError(t, b.Enqueue(ctx, job))
	require.NoError(t, b.Enqueue(ctx, job))

	conflicting := job
	conflicting.Epoch = 99
	err := b.Enqueue(ctx, conflicting)
	assert.ErrorIs(t, err, ErrDuplicateIdConflict)
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	ctx := context.Background()
	cfg := Config{JobTimeout: 30 * time.Millisecond, SweepInterval: 5 * time.Millisecond, MaxRetries: 3}
	b, _ := newTestBroker(t, cfg)

	job := types.Job{ID: "1", Class: types.ProofClassTubeProof, Epoch: 1}
	require.NoError(t, b.Enqueue(ctx, job))
	_, ok := b.Acquire(ctx, nil)
	require.True(t, ok)

	deadline := time.Now().Add(80 * time.Millisecond)
	for time.Now().Before(deadline) {
		b.Heartbeat(ctx, job.ID, nil)
		time.Sleep(5 * time.Millisecond)
	}

	result := b.Status(ctx, job.ID)
	assert.Equal(t, types.StatusInProgress, result.Status)
}

func TestHeartbeatIdleActsAsAcquire(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, DefaultConfig())

	job := types.Job{ID: "1", Class: types.ProofClassTubeProof, Epoch: 1}
	require.NoError(t, b.Enqueue(ctx, job))

	result := b.Heartbeat(ctx, "worker-not-leased-anything", []types.ProofClass{types.ProofClassTubeProof})
	require.NotNil(t, result.Acquired)
	assert.Equal(t, job.ID, result.Acquired.ID)
}

func TestCancelUnknownIsNoOp(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, DefaultConfig())
	assert.NoError(t, b.Cancel(ctx, "nonexistent"))
}

func TestReportFailureWithoutRetryIsTerminal(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, DefaultConfig())

	job := types.Job{ID: "1", Class: types.ProofClassTubeProof, Epoch: 1}
	require.NoError(t, b.Enqueue(ctx, job))
	_, ok := b.Acquire(ctx, nil)
	require.True(t, ok)

	require.NoError(t, b.ReportFailure(ctx, job.ID, "fatal", false))
	assert.Equal(t, types.StatusRejected, b.Status(ctx, job.ID).Status)
}

func TestResultIndexIsSubsetOfJobIndexAfterCancel(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, DefaultConfig())

	job := types.Job{ID: "1", Class: types.ProofClassTubeProof, Epoch: 1}
	require.NoError(t, b.Enqueue(ctx, job))
	_, ok := b.Acquire(ctx, nil)
	require.True(t, ok)
	require.NoError(t, b.ReportSuccess(ctx, job.ID, []byte("v")))
	require.NoError(t, b.Cancel(ctx, job.ID))

	b.mu.Lock()
	_, inResults := b.results[job.ID]
	_, inJobs := b.jobs[job.ID]
	b.mu.Unlock()
	assert.False(t, inResults)
	assert.False(t, inJobs)
}
