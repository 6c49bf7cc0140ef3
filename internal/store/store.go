// Package store defines the broker's durable-store collaborator contract
// and a concrete file-backed implementation of it.
package store

import (
	"context"
	"errors"

	"github.com/provingbroker/broker/pkg/types"
)

// ErrDuplicateIdConflict is returned by AddJob when the given id already
// exists with a different job record.
var ErrDuplicateIdConflict = errors.New("store: job id exists with a different record")

// ErrUnknownJob is returned by SetResult when id has no job record. Either
// it was never added, or it was concurrently deleted by Cancel.
var ErrUnknownJob = errors.New("store: unknown job")

// Record is one (job, result?) pair as returned by IterateAll.
type Record struct {
	Job       types.Job
	HasResult bool
	Outcome   types.Outcome
}

// Store is the durable-store collaborator the broker depends on. Every
// method is expected to either succeed or return an error the broker
// surfaces to its caller as StoreUnavailable, except a failed
// DeleteJobAndResult during Cancel, which the broker only logs; Store
// implementations do not themselves decide what is or isn't an
// application-level error beyond ErrDuplicateIdConflict and ErrUnknownJob.
type Store interface {
	// AddJob persists job. Idempotent: adding the same (byte-equal) job
	// twice succeeds silently. Adding a different job under an id that
	// already exists returns ErrDuplicateIdConflict.
	AddJob(ctx context.Context, job types.Job) error

	// SetResult records the terminal outcome of job id. Idempotent under
	// a value that matches an already-stored outcome.
	SetResult(ctx context.Context, id types.JobID, outcome types.Outcome) error

	// DeleteJobAndResult removes every trace of id. No-op if id is unknown.
	DeleteJobAndResult(ctx context.Context, id types.JobID) error

	// IterateAll returns every (job, result?) pair currently stored, for
	// startup recovery only.
	IterateAll(ctx context.Context) ([]Record, error)

	// Close releases the store's open files. A compactor started with
	// JournalStore.StartCompactor is not stopped by Close; it stops when
	// its context is cancelled.
	Close() error
}
