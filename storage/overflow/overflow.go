// Package overflow decorates a chrono.Store so that any ScheduleInput.Data
// above a configured threshold is offloaded to a BlobStore (see
// storage/blob for a GCS-backed one) instead of being persisted inline by
// the primary store. A small JSON pointer takes its place in the primary
// store's row; Store transparently rehydrates the real payload on every
// read and releases the blob once a task reaches a terminal state.
package overflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chronotask/chrono"
)

// BlobStore is the collaborator a Store offloads large payloads to.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// blobPointer replaces an offloaded payload in the primary store. Its
// field is namespaced so it cannot collide with a caller's own payload
// shape.
type blobPointer struct {
	Ref string `json:"$chronoBlobRef"`
}

// Store decorates an inner chrono.Store. The zero value is not usable;
// build one with New.
type Store struct {
	chrono.Store
	blob      BlobStore
	threshold int
}

// New wraps inner so that any Data longer than threshold bytes is offloaded
// to blob. A threshold of 0 offloads every non-empty payload.
func New(inner chrono.Store, blob BlobStore, threshold int) *Store {
	return &Store{Store: inner, blob: blob, threshold: threshold}
}

func (s *Store) Schedule(ctx context.Context, input chrono.ScheduleInput) (*chrono.Task, error) {
	offloaded, err := s.offload(ctx, input.Kind, input.Data)
	if err != nil {
		return nil, err
	}
	input.Data = offloaded

	task, err := s.Store.Schedule(ctx, input)
	if err != nil {
		return nil, err
	}
	return s.withRehydratedData(ctx, task)
}

func (s *Store) Claim(ctx context.Context, kind string, claimStaleTimeout time.Duration) (*chrono.Task, error) {
	task, err := s.Store.Claim(ctx, kind, claimStaleTimeout)
	if err != nil || task == nil {
		return task, err
	}
	return s.withRehydratedData(ctx, task)
}

func (s *Store) Retry(ctx context.Context, id string, nextScheduledAt time.Time) (*chrono.Task, error) {
	task, err := s.Store.Retry(ctx, id, nextScheduledAt)
	if err != nil {
		return nil, err
	}
	return s.withRehydratedData(ctx, task)
}

// Complete rehydrates Data for the caller's benefit, then releases the
// blob: the task is terminal, so nothing will read it from the primary
// store again.
func (s *Store) Complete(ctx context.Context, id string) (*chrono.Task, error) {
	task, err := s.Store.Complete(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withRehydratedDataAndRelease(ctx, task)
}

// Fail rehydrates and releases, for the same reason as Complete.
func (s *Store) Fail(ctx context.Context, id string) (*chrono.Task, error) {
	task, err := s.Store.Fail(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withRehydratedDataAndRelease(ctx, task)
}

// Delete rehydrates and releases a removed task's blob, if any.
func (s *Store) Delete(ctx context.Context, key chrono.TaskKey, opts ...chrono.DeleteOption) (*chrono.Task, error) {
	task, err := s.Store.Delete(ctx, key, opts...)
	if err != nil || task == nil {
		return task, err
	}
	return s.withRehydratedDataAndRelease(ctx, task)
}

// offload moves data into the blob store and returns a pointer in its
// place when data exceeds threshold; small payloads pass through
// unchanged.
func (s *Store) offload(ctx context.Context, kind string, data json.RawMessage) (json.RawMessage, error) {
	if len(data) <= s.threshold {
		return data, nil
	}

	key := fmt.Sprintf("%s/%s", kind, uuid.NewString())
	ref, err := s.blob.Put(ctx, key, data)
	if err != nil {
		return nil, fmt.Errorf("overflow: offload payload for kind %q: %w", kind, err)
	}

	pointer, err := json.Marshal(blobPointer{Ref: ref})
	if err != nil {
		return nil, fmt.Errorf("overflow: marshal blob pointer: %w", err)
	}
	return pointer, nil
}

// rehydrate resolves data back to the original payload if it is a blob
// pointer, and returns data unchanged otherwise.
func (s *Store) rehydrate(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	ref, ok := blobRef(data)
	if !ok {
		return data, nil
	}
	raw, err := s.blob.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("overflow: rehydrate blob %q: %w", ref, err)
	}
	return raw, nil
}

func (s *Store) withRehydratedData(ctx context.Context, task *chrono.Task) (*chrono.Task, error) {
	data, err := s.rehydrate(ctx, task.Data)
	if err != nil {
		return nil, err
	}
	task.Data = data
	return task, nil
}

func (s *Store) withRehydratedDataAndRelease(ctx context.Context, task *chrono.Task) (*chrono.Task, error) {
	pointer := task.Data
	task, err := s.withRehydratedData(ctx, task)
	if err != nil {
		return nil, err
	}
	if ref, ok := blobRef(pointer); ok {
		_ = s.blob.Delete(ctx, ref)
	}
	return task, nil
}

func blobRef(data json.RawMessage) (string, bool) {
	var ptr blobPointer
	if err := json.Unmarshal(data, &ptr); err != nil || ptr.Ref == "" {
		return "", false
	}
	return ptr.Ref, true
}
