package singleflight_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronotask/chrono"
	"github.com/chronotask/chrono/plugins/singleflight"
	"github.com/chronotask/chrono/storage/memory"
)

func TestPlugin_HoldsLeaseWhileStarted(t *testing.T) {
	store := memory.NewStore()
	s := chrono.New(store)

	api, err := s.Use(context.Background(), singleflight.New(singleflight.Config{
		Name:     "nightly-report",
		HolderID: "worker-a",
	}))
	require.NoError(t, err)
	require.NotNil(t, api)

	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()

	acquired, err := store.TryAcquireLease(context.Background(), "nightly-report", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired, "worker-a should still hold the lease")
}

func TestPlugin_ReleaseAllowsAnotherHolderToAcquire(t *testing.T) {
	store := memory.NewStore()
	s := chrono.New(store)

	_, err := s.Use(context.Background(), singleflight.New(singleflight.Config{
		Name:     "nightly-report",
		HolderID: "worker-a",
	}))
	require.NoError(t, err)

	s.Start()
	require.NoError(t, s.Stop(context.Background()))

	acquired, err := store.TryAcquireLease(context.Background(), "nightly-report", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "lease should be free after worker-a released it on stop")
}

func TestPlugin_RegisterFailsWhenStoreLacksLeaseSupport(t *testing.T) {
	s := chrono.New(&noLeaseStore{})

	_, err := s.Use(context.Background(), singleflight.New(singleflight.Config{
		Name:     "nightly-report",
		HolderID: "worker-a",
	}))
	require.Error(t, err)
}

// noLeaseStore implements chrono.Store with no LeaseStore capability.
type noLeaseStore struct{}

func (noLeaseStore) Schedule(context.Context, chrono.ScheduleInput) (*chrono.Task, error) {
	return nil, nil
}
func (noLeaseStore) Claim(context.Context, string, time.Duration) (*chrono.Task, error) {
	return nil, nil
}
func (noLeaseStore) Retry(context.Context, string, time.Time) (*chrono.Task, error) { return nil, nil }
func (noLeaseStore) Complete(context.Context, string) (*chrono.Task, error)         { return nil, nil }
func (noLeaseStore) Fail(context.Context, string) (*chrono.Task, error)             { return nil, nil }
func (noLeaseStore) Delete(context.Context, chrono.TaskKey, ...chrono.DeleteOption) (*chrono.Task, error) {
	return nil, nil
}
func (noLeaseStore) ClaimStaleTimeout() time.Duration { return 0 }
