package chrono

import (
	"context"
	"errors"
	"time"
)

// ErrTaskNotFound is returned by store operations that require an existing
// task (Retry, Complete, Fail, and Delete without WithForce) when no task
// matches.
var ErrTaskNotFound = errors.New("chrono: task not found")

// ErrDeleteNotAllowed is returned by Delete when a non-PENDING task is
// deleted without WithForce.
var ErrDeleteNotAllowed = errors.New("chrono: only pending tasks can be deleted without force")

// Store is the durability boundary the processor relies on. Implementations
// must provide the atomicity guarantees documented on each method; the
// engine's correctness depends on them.
//
// storage/memory and storage/sql ship concrete implementations.
type Store interface {
	// Schedule creates a PENDING task. If input.IdempotencyKey is set and a
	// live task with that key already exists for input.Kind, the existing
	// task is returned unchanged (no mutation). Concurrent Schedule calls
	// with the same key must be serialized so exactly one task is created.
	Schedule(ctx context.Context, input ScheduleInput) (*Task, error)

	// Claim atomically selects at most one eligible task for kind and
	// transitions it Pending->Claimed (or re-claims a stale Claimed task),
	// returning nil if none is eligible.
	//
	// Eligibility: kind matches, ScheduledAt <= now, and either
	// Status == Pending, or Status == Claimed and
	// ClaimedAt <= now - claimStaleTimeout.
	//
	// Group FIFO: if GroupID is set, the task is only eligible when no
	// older task (by OriginalScheduleDate) in the same group is in a
	// non-terminal state (Pending, Claimed, or Failed).
	//
	// Ordering among eligible tasks: priority DESC, then ScheduledAt ASC,
	// then a deterministic tie-break (e.g. ID).
	//
	// Concurrent claimers for the same kind must return distinct tasks, or
	// nil.
	Claim(ctx context.Context, kind string, claimStaleTimeout time.Duration) (*Task, error)

	// Retry transitions a Claimed task back to Pending: sets ScheduledAt to
	// nextScheduledAt, clears ClaimedAt, sets LastExecutedAt to now, and
	// increments RetryCount. Returns ErrTaskNotFound if the task does not
	// exist.
	Retry(ctx context.Context, id string, nextScheduledAt time.Time) (*Task, error)

	// Complete transitions a task to Completed, setting CompletedAt and
	// LastExecutedAt. Returns ErrTaskNotFound if the task does not exist.
	Complete(ctx context.Context, id string) (*Task, error)

	// Fail transitions a task to Failed, setting LastExecutedAt. Returns
	// ErrTaskNotFound if the task does not exist.
	Fail(ctx context.Context, id string) (*Task, error)

	// Delete removes a task. Without WithForce, only a Pending task may be
	// deleted; deleting any other status returns ErrDeleteNotAllowed. With
	// WithForce, any status may be removed and a miss returns (nil, nil)
	// instead of an error.
	Delete(ctx context.Context, key TaskKey, opts ...DeleteOption) (*Task, error)

	// ClaimStaleTimeout returns the upper bound this store will honor
	// before re-offering a claimed task for claim. The processor validates
	// handler timeouts against this ceiling at registration.
	ClaimStaleTimeout() time.Duration
}

// DeleteOption configures a Store.Delete call.
type DeleteOption func(*DeleteConfig)

// DeleteConfig holds the resolved options for a Store.Delete call. Store
// implementations living outside this package use ResolveDeleteOptions to
// build one from the variadic options passed to Delete.
type DeleteConfig struct {
	Force bool
}

// WithForce allows Delete to remove a task of any status. A miss then
// returns (nil, nil) rather than an error.
func WithForce() DeleteOption {
	return func(c *DeleteConfig) { c.Force = true }
}

// ResolveDeleteOptions applies opts to a zero-valued DeleteConfig and
// returns the result. Store implementations call this at the top of
// Delete.
func ResolveDeleteOptions(opts ...DeleteOption) DeleteConfig {
	var c DeleteConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
