// Package types defines the core domain model of the proving job broker:
// proof classes, jobs, outcomes, and leases. Timestamps are Unix
// milliseconds throughout, matching the rest of the broker, for
// cross-process portability and cheap JSON round-tripping.
package types

import "time"

// ProofClass is a closed enumeration of proof kinds. The set is fixed at
// design time; each class has a dispatch rank (see internal/broker/rank.go).
type ProofClass string

const (
	ProofClassPublicVM             ProofClass = "PUBLIC_VM"
	ProofClassTubeProof            ProofClass = "TUBE_PROOF"
	ProofClassPrivateKernelEmpty   ProofClass = "PRIVATE_KERNEL_EMPTY"
	ProofClassPrivateBaseRollup    ProofClass = "PRIVATE_BASE_ROLLUP"
	ProofClassPublicBaseRollup     ProofClass = "PUBLIC_BASE_ROLLUP"
	ProofClassMergeRollup          ProofClass = "MERGE_ROLLUP"
	ProofClassRootRollup           ProofClass = "ROOT_ROLLUP"
	ProofClassBlockMergeRollup     ProofClass = "BLOCK_MERGE_ROLLUP"
	ProofClassBlockRootRollup      ProofClass = "BLOCK_ROOT_ROLLUP"
	ProofClassEmptyBlockRootRollup ProofClass = "EMPTY_BLOCK_ROOT_ROLLUP"
	ProofClassBaseParity           ProofClass = "BASE_PARITY"
	ProofClassRootParity           ProofClass = "ROOT_PARITY"
)

// AllProofClasses lists every known class, in no particular order. Used as
// the default allow-list for Acquire/Heartbeat when the caller does not
// restrict to a subset.
var AllProofClasses = []ProofClass{
	ProofClassPublicVM,
	ProofClassTubeProof,
	ProofClassPrivateKernelEmpty,
	ProofClassPrivateBaseRollup,
	ProofClassPublicBaseRollup,
	ProofClassMergeRollup,
	ProofClassRootRollup,
	ProofClassBlockMergeRollup,
	ProofClassBlockRootRollup,
	ProofClassEmptyBlockRootRollup,
	ProofClassBaseParity,
	ProofClassRootParity,
}

// JobID uniquely identifies a job. Ids are opaque and content-addressed:
// two jobs with the same id are expected to be byte-equal records.
type JobID string

// Job is the immutable record a producer enqueues. Equality of a Job is
// whole-record equality, and Enqueue uses it to detect duplicate
// submission versus a genuine id conflict.
type Job struct {
	ID      JobID      `json:"id"`
	Class   ProofClass `json:"class"`
	Epoch   uint64     `json:"epoch"`   // lower epoch is higher priority within a class
	Payload []byte     `json:"payload"` // opaque, producer-supplied
}

// Equal reports whether two jobs are the same record field-by-field.
func (j Job) Equal(other Job) bool {
	if j.ID != other.ID || j.Class != other.Class || j.Epoch != other.Epoch {
		return false
	}
	if len(j.Payload) != len(other.Payload) {
		return false
	}
	for i := range j.Payload {
		if j.Payload[i] != other.Payload[i] {
			return false
		}
	}
	return true
}

// Outcome is the terminal result of a job: exactly one of Value or Reason
// is meaningful, discriminated by IsFailure.
type Outcome struct {
	IsFailure bool   `json:"is_failure"`
	Value     []byte `json:"value,omitempty"`  // set when IsFailure is false
	Reason    string `json:"reason,omitempty"` // set when IsFailure is true
}

// Success builds a successful Outcome.
func Success(value []byte) Outcome { return Outcome{IsFailure: false, Value: value} }

// Failure builds a failed Outcome.
func Failure(reason string) Outcome { return Outcome{IsFailure: true, Reason: reason} }

// Lease tracks a job currently assigned to a worker.
type Lease struct {
	JobID           JobID `json:"job_id"`
	StartedAt       int64 `json:"started_at_ms"`
	LastHeartbeatAt int64 `json:"last_heartbeat_at_ms"`
}

// Status is the externally observable state of a job, returned by
// Broker.Status.
type Status int

const (
	StatusNotFound Status = iota
	StatusQueued
	StatusInProgress
	StatusResolved
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusNotFound:
		return "NotFound"
	case StatusQueued:
		return "Queued"
	case StatusInProgress:
		return "InProgress"
	case StatusResolved:
		return "Resolved"
	case StatusRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// StatusResult is the full answer to a status query: Status plus whatever
// outcome applies to Resolved/Rejected.
type StatusResult struct {
	Status  Status
	Outcome Outcome // only meaningful when Status is StatusResolved or StatusRejected
}

// NowMillis returns the current time as Unix milliseconds, centralized so
// production code never inlines time.Now() conversions inconsistently.
func NowMillis() int64 { return time.Now().UnixMilli() }
