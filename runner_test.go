package chrono

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRunner_DeliversNilOnCleanReturn(t *testing.T) {
	r := newTaskRunner(func(ctx context.Context) error { return nil })
	r.start(context.Background())

	select {
	case err := <-r.Done():
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for runner")
	}
}

func TestTaskRunner_DeliversErrorFromFn(t *testing.T) {
	boom := errors.New("boom")
	r := newTaskRunner(func(ctx context.Context) error { return boom })
	r.start(context.Background())

	select {
	case err := <-r.Done():
		require.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for runner")
	}
}
