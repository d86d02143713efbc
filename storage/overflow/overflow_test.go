package overflow_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronotask/chrono"
	"github.com/chronotask/chrono/storage/memory"
	"github.com/chronotask/chrono/storage/overflow"
)

// fakeBlobStore is an in-memory overflow.BlobStore for tests that never
// touch a real GCS bucket.
type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	deletes int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (b *fakeBlobStore) Put(_ context.Context, key string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	cp := append([]byte(nil), data...)
	b.objects[key] = cp
	return key, nil
}

func (b *fakeBlobStore) Get(_ context.Context, ref string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[ref]
	if !ok {
		return nil, assert.AnError
	}
	return data, nil
}

func (b *fakeBlobStore) Delete(_ context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes++
	delete(b.objects, ref)
	return nil
}

func TestStore_Schedule_SmallPayloadBypassesBlobStore(t *testing.T) {
	blob := newFakeBlobStore()
	s := overflow.New(memory.NewStore(), blob, 1024)

	task, err := s.Schedule(context.Background(), chrono.ScheduleInput{
		Kind: "k", Data: json.RawMessage(`{"a":1}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(task.Data))
	assert.Zero(t, blob.puts)
}

func TestStore_Schedule_LargePayloadOffloadsAndRehydrates(t *testing.T) {
	blob := newFakeBlobStore()
	s := overflow.New(memory.NewStore(), blob, 8)

	large := json.RawMessage(`{"message":"this payload is well over the threshold"}`)
	task, err := s.Schedule(context.Background(), chrono.ScheduleInput{Kind: "k", Data: large})
	require.NoError(t, err)
	assert.Equal(t, 1, blob.puts)
	assert.JSONEq(t, string(large), string(task.Data))

	claimed, err := s.Claim(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.JSONEq(t, string(large), string(claimed.Data))
}

func TestStore_Complete_ReleasesBlobAfterRehydrating(t *testing.T) {
	blob := newFakeBlobStore()
	s := overflow.New(memory.NewStore(), blob, 4)

	large := json.RawMessage(`{"message":"large enough to offload"}`)
	task, err := s.Schedule(context.Background(), chrono.ScheduleInput{Kind: "k", Data: large})
	require.NoError(t, err)

	claimed, err := s.Claim(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	completed, err := s.Complete(context.Background(), task.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(large), string(completed.Data))
	assert.Equal(t, 1, blob.deletes)
	assert.Empty(t, blob.objects)
}

func TestStore_Fail_ReleasesBlob(t *testing.T) {
	blob := newFakeBlobStore()
	s := overflow.New(memory.NewStore(), blob, 4)

	large := json.RawMessage(`{"message":"large enough to offload"}`)
	task, err := s.Schedule(context.Background(), chrono.ScheduleInput{Kind: "k", Data: large})
	require.NoError(t, err)

	_, err = s.Claim(context.Background(), "k", time.Minute)
	require.NoError(t, err)

	failed, err := s.Fail(context.Background(), task.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(large), string(failed.Data))
	assert.Equal(t, 1, blob.deletes)
}
