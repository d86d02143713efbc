package chrono

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Task.
//
// Lifecycle: Pending -> Claimed -> {Completed | (retry) -> Pending | Failed}.
// Retry reuses the same ID. Completed and Failed are terminal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusClaimed   Status = "CLAIMED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Task is the durable unit of work a Store persists and a Processor executes.
type Task struct {
	// ID is opaque, store-assigned, and globally unique.
	ID string

	// Kind selects which processor handles this task.
	Kind string

	Status Status

	// Data is an opaque structured payload associated with Kind.
	Data json.RawMessage

	// Priority is claimed highest-first. Default 0.
	Priority int

	// IdempotencyKey, if set, is unique across non-completed tasks for a
	// given Kind. Scheduling with a duplicate key returns the existing task
	// unchanged.
	IdempotencyKey string

	// GroupID, if set, places this task in a FIFO group: tasks sharing a
	// GroupID are claimed in order of OriginalScheduleDate.
	GroupID string

	// OriginalScheduleDate is the wall-clock time the task was first
	// scheduled. It never changes after creation.
	OriginalScheduleDate time.Time

	// ScheduledAt is the current eligible execution time; advanced on retry.
	ScheduledAt time.Time

	// ClaimedAt is the time of the current claim. Cleared on retry.
	ClaimedAt time.Time

	CompletedAt    time.Time
	LastExecutedAt time.Time

	// RetryCount is the number of failed attempts already made; 0 on the
	// first attempt. It increases only on a Claimed->Pending retry
	// transition.
	RetryCount int
}

// ScheduleInput describes a task to be created via Store.Schedule.
type ScheduleInput struct {
	Kind           string
	Data           json.RawMessage
	Priority       int
	IdempotencyKey string
	GroupID        string

	// ScheduledAt is when the task becomes eligible for claim. The zero
	// value means "now" (immediate scheduling).
	ScheduledAt time.Time
}

// TaskKey identifies a task for deletion: either by its ID, or by the
// (Kind, IdempotencyKey) pair that uniquely selects a live task.
type TaskKey struct {
	id             string
	kind           string
	idempotencyKey string
	byKey          bool
}

// ByID builds a TaskKey that selects a task by its store-assigned ID.
func ByID(id string) TaskKey {
	return TaskKey{id: id}
}

// ByIdempotencyKey builds a TaskKey that selects the live task with the
// given kind and idempotency key.
func ByIdempotencyKey(kind, key string) TaskKey {
	return TaskKey{kind: kind, idempotencyKey: key, byKey: true}
}

// ID returns the (id, ok) pair: ok is false if the key addresses by
// idempotency key instead.
func (k TaskKey) ID() (string, bool) {
	if k.byKey {
		return "", false
	}
	return k.id, true
}

// IdempotencyKey returns the (kind, key, ok) triple: ok is false if the key
// addresses by ID instead.
func (k TaskKey) IdempotencyKey() (kind, key string, ok bool) {
	if !k.byKey {
		return "", "", false
	}
	return k.kind, k.idempotencyKey, true
}
