package chrono

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RegisterTaskHandler_DuplicateKindIsConfigError(t *testing.T) {
	s := New(newFakeStore())
	cfg := HandlerConfig{Kind: "k", Handler: func(context.Context, *Task) error { return nil }}
	require.NoError(t, s.RegisterTaskHandler(cfg))

	err := s.RegisterTaskHandler(cfg)
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestScheduler_RegisterTaskHandler_AfterStartIsConfigError(t *testing.T) {
	s := New(newFakeStore())
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	err := s.RegisterTaskHandler(HandlerConfig{Kind: "k", Handler: func(context.Context, *Task) error { return nil }})
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestScheduler_StartStopIsIdempotentAndEmitsLifecycleEvents(t *testing.T) {
	s := New(newFakeStore())
	events := s.Subscribe()

	require.NoError(t, s.Start())
	require.NoError(t, s.Start()) // no-op

	started := drainEvent(t, events, time.Second)
	assert.Equal(t, EventStarted, started.Name)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx)) // no-op

	stopped := drainEvent(t, events, time.Second)
	assert.Equal(t, EventStopped, stopped.Name)

	closed := drainEvent(t, events, time.Second)
	assert.Equal(t, EventClose, closed.Name)
}

func TestScheduler_Use_AfterStartIsConfigError(t *testing.T) {
	s := New(newFakeStore())
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	_, err := s.Use(context.Background(), &fakePlugin{name: "p"})
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestScheduler_Use_ReturnsPluginAPI(t *testing.T) {
	s := New(newFakeStore())
	api, err := s.Use(context.Background(), &fakePlugin{name: "p", api: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", api)
}

func TestScheduler_PluginHooksRunFIFOStartLIFOStop(t *testing.T) {
	s := New(newFakeStore())

	var order []string
	mk := func(name string) *fakePlugin {
		return &fakePlugin{
			name:    name,
			onStart: func() { order = append(order, "start:"+name) },
			onStop:  func() { order = append(order, "stop:"+name) },
		}
	}

	_, err := s.Use(context.Background(), mk("a"))
	require.NoError(t, err)
	_, err = s.Use(context.Background(), mk("b"))
	require.NoError(t, err)

	// Hooks only fire on Start/Stop, not at registration time.
	assert.Empty(t, order)

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, order)
}

func TestScheduler_Start_AbortsAndRollsBackOnStartHookError(t *testing.T) {
	s := New(newFakeStore())

	failingHook := fmt.Errorf("lease already held")
	guardCalls := 0
	_, err := s.Use(context.Background(), &fakePlugin{
		name: "guard",
		registerFn: func(pctx *PluginContext) {
			pctx.OnStart(func(context.Context) error {
				guardCalls++
				if guardCalls == 1 {
					return failingHook
				}
				return nil
			})
		},
	})
	require.NoError(t, err)

	err = s.Start()
	require.Error(t, err)
	require.ErrorIs(t, err, failingHook)

	// Start rolled back to not-started, so a subsequent call retries
	// the hook rather than treating the scheduler as already running.
	var secondAttempt bool
	_, err = s.Use(context.Background(), &fakePlugin{
		name: "guard2",
		registerFn: func(pctx *PluginContext) {
			pctx.OnStart(func(context.Context) error { secondAttempt = true; return nil })
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Equal(t, 2, guardCalls)
	assert.True(t, secondAttempt)
	require.NoError(t, s.Stop(context.Background()))
}

// fakePlugin is a minimal Plugin for scheduler-level lifecycle tests.
type fakePlugin struct {
	name       string
	api        any
	onStart    func()
	onStop     func()
	registerFn func(pctx *PluginContext)
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) Register(ctx context.Context, pctx *PluginContext) (any, error) {
	if p.onStart != nil {
		pctx.OnStart(func(context.Context) error {
			p.onStart()
			return nil
		})
	}
	if p.onStop != nil {
		pctx.OnStop(func(context.Context) error {
			p.onStop()
			return nil
		})
	}
	if p.registerFn != nil {
		p.registerFn(pctx)
	}
	return p.api, nil
}
