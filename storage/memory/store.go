// Package memory provides a transient, single-process chrono.Store backed
// by a mutex-guarded map. It is suitable for tests and single-instance
// deployments where durability across restarts is not required.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chronotask/chrono"
)

// timeNow is a seam for deterministic tests.
var timeNow = time.Now

// Option configures a Store at construction.
type Option func(*Store)

// WithClaimStaleTimeoutCeiling sets the value ClaimStaleTimeout reports,
// i.e. the upper bound a registering processor's own claim-stale timeout is
// validated against. The default, zero, means no ceiling is enforced.
func WithClaimStaleTimeoutCeiling(d time.Duration) Option {
	return func(s *Store) { s.claimStaleCeiling = d }
}

// Store is an in-memory chrono.Store. The zero value is not usable; build
// one with NewStore.
type Store struct {
	mu                sync.Mutex
	tasks             map[string]*chrono.Task
	leases            map[string]*lease
	claimStaleCeiling time.Duration
}

// NewStore builds an empty in-memory Store.
func NewStore(opts ...Option) *Store {
	s := &Store{tasks: make(map[string]*chrono.Task)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule implements chrono.Store.
func (s *Store) Schedule(_ context.Context, input chrono.ScheduleInput) (*chrono.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.IdempotencyKey != "" {
		if existing := s.findLiveByIdempotencyKey(input.Kind, input.IdempotencyKey); existing != nil {
			cp := *existing
			return &cp, nil
		}
	}

	now := timeNow()
	scheduledAt := input.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	task := &chrono.Task{
		ID:                   uuid.NewString(),
		Kind:                 input.Kind,
		Status:               chrono.StatusPending,
		Data:                 input.Data,
		Priority:             input.Priority,
		IdempotencyKey:       input.IdempotencyKey,
		GroupID:              input.GroupID,
		OriginalScheduleDate: now,
		ScheduledAt:          scheduledAt,
	}
	s.tasks[task.ID] = task

	cp := *task
	return &cp, nil
}

// Claim implements chrono.Store.
func (s *Store) Claim(_ context.Context, kind string, claimStaleTimeout time.Duration) (*chrono.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := timeNow()
	var best *chrono.Task
	for _, t := range s.tasks {
		if t.Kind != kind || !s.isClaimable(t, now, claimStaleTimeout) {
			continue
		}
		if t.GroupID != "" && s.hasBlockingSibling(t) {
			continue
		}
		if best == nil || precedes(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = chrono.StatusClaimed
	best.ClaimedAt = now
	cp := *best
	return &cp, nil
}

func (s *Store) isClaimable(t *chrono.Task, now time.Time, claimStaleTimeout time.Duration) bool {
	switch t.Status {
	case chrono.StatusPending:
		return !t.ScheduledAt.After(now)
	case chrono.StatusClaimed:
		return !t.ClaimedAt.IsZero() && now.Sub(t.ClaimedAt) >= claimStaleTimeout
	default:
		return false
	}
}

// hasBlockingSibling reports whether an older task in t's group is still
// non-terminal (Pending, Claimed, or Failed), which per the group-FIFO
// invariant makes t ineligible for claim until that sibling clears.
func (s *Store) hasBlockingSibling(t *chrono.Task) bool {
	for _, u := range s.tasks {
		if u.ID == t.ID || u.GroupID != t.GroupID {
			continue
		}
		if !u.OriginalScheduleDate.Before(t.OriginalScheduleDate) {
			continue
		}
		if u.Status == chrono.StatusPending || u.Status == chrono.StatusClaimed || u.Status == chrono.StatusFailed {
			return true
		}
	}
	return false
}

// precedes reports whether a should be claimed before b: priority DESC,
// then ScheduledAt ASC, then ID as a deterministic tie-break.
func precedes(a, b *chrono.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.ID < b.ID
}

// Retry implements chrono.Store.
func (s *Store) Retry(_ context.Context, id string, nextScheduledAt time.Time) (*chrono.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, chrono.ErrTaskNotFound
	}
	now := timeNow()
	t.Status = chrono.StatusPending
	t.ScheduledAt = nextScheduledAt
	t.ClaimedAt = time.Time{}
	t.LastExecutedAt = now
	t.RetryCount++

	cp := *t
	return &cp, nil
}

// Complete implements chrono.Store.
func (s *Store) Complete(_ context.Context, id string) (*chrono.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, chrono.ErrTaskNotFound
	}
	now := timeNow()
	t.Status = chrono.StatusCompleted
	t.CompletedAt = now
	t.LastExecutedAt = now

	cp := *t
	return &cp, nil
}

// Fail implements chrono.Store.
func (s *Store) Fail(_ context.Context, id string) (*chrono.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, chrono.ErrTaskNotFound
	}
	t.Status = chrono.StatusFailed
	t.LastExecutedAt = timeNow()

	cp := *t
	return &cp, nil
}

// Delete implements chrono.Store.
func (s *Store) Delete(_ context.Context, key chrono.TaskKey, opts ...chrono.DeleteOption) (*chrono.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := chrono.ResolveDeleteOptions(opts...)
	t := s.resolve(key)
	if t == nil {
		if cfg.Force {
			return nil, nil
		}
		return nil, chrono.ErrTaskNotFound
	}
	if !cfg.Force && t.Status != chrono.StatusPending {
		return nil, chrono.ErrDeleteNotAllowed
	}

	delete(s.tasks, t.ID)
	cp := *t
	return &cp, nil
}

// ClaimStaleTimeout implements chrono.Store.
func (s *Store) ClaimStaleTimeout() time.Duration {
	return s.claimStaleCeiling
}

func (s *Store) resolve(key chrono.TaskKey) *chrono.Task {
	if id, ok := key.ID(); ok {
		return s.tasks[id]
	}
	kind, idemKey, _ := key.IdempotencyKey()
	return s.findLiveByIdempotencyKey(kind, idemKey)
}

// findLiveByIdempotencyKey returns the non-completed task with the given
// kind and idempotency key, or nil. Caller must hold s.mu.
func (s *Store) findLiveByIdempotencyKey(kind, key string) *chrono.Task {
	for _, t := range s.tasks {
		if t.Kind == kind && t.IdempotencyKey == key && t.Status != chrono.StatusCompleted {
			return t
		}
	}
	return nil
}
