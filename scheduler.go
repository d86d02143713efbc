package chrono

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// HandlerConfig registers a handler for a task kind with its own processor
// and backoff configuration.
type HandlerConfig struct {
	// Kind is the task kind this handler processes. Registering the same
	// Kind twice on one Scheduler is a ConfigError.
	Kind string

	Handler HandlerFunc

	// Processor configures the per-kind processor; zero fields fall back to
	// DefaultProcessorConfig.
	Processor ProcessorConfig

	// Backoff is the retry delay strategy used between failed attempts. A
	// nil value falls back to NoBackoff.
	Backoff Strategy
}

// SchedulerOption configures a Scheduler at construction.
type SchedulerOption func(*Scheduler)

// WithExitTimeout overrides the default 60s bound on Scheduler.Stop.
func WithExitTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.exitTimeout = d }
}

const defaultExitTimeout = 60 * time.Second

// Scheduler is the top-level façade: it owns a Store, a processor per
// registered task kind, and the ordered plugin hook lists, and exposes
// scheduling, deletion, and lifecycle operations over them.
type Scheduler struct {
	store       Store
	bus         *EventBus
	exitTimeout time.Duration

	mu         sync.Mutex
	started    bool
	processors map[string]*Processor
	startHooks []HookFunc
	stopHooks  []HookFunc
}

// New constructs a Scheduler backed by store. It does not start any
// processors; call RegisterTaskHandler for each kind, then Start.
func New(store Store, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:       store,
		bus:         NewEventBus(),
		exitTimeout: defaultExitTimeout,
		processors:  make(map[string]*Processor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe returns a channel receiving scheduler-level events (the
// task.scheduled/task.deleted family, started, stopped, close, stopAborted).
func (s *Scheduler) Subscribe() <-chan Event {
	return s.bus.Subscribe()
}

// RegisterTaskHandler attaches a processor for cfg.Kind. It must be called
// before Start; registering a kind twice, or registering after Start, is a
// ConfigError.
func (s *Scheduler) RegisterTaskHandler(cfg HandlerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return &ConfigError{Reason: fmt.Sprintf("cannot register kind %q after Start", cfg.Kind)}
	}
	if _, exists := s.processors[cfg.Kind]; exists {
		return &ConfigError{Reason: fmt.Sprintf("kind %q already has a registered handler", cfg.Kind)}
	}

	p, err := NewProcessor(cfg.Kind, cfg.Handler, s.store, cfg.Backoff, cfg.Processor)
	if err != nil {
		return err
	}
	s.processors[cfg.Kind] = p
	return nil
}

// Use registers plugin by calling its Register method synchronously, which
// typically wires OnStart/OnStop hooks through the returned PluginContext.
// Use must be called before Start; the hooks it registers run FIFO (start)
// and LIFO (stop) alongside every other plugin's hooks.
func (s *Scheduler) Use(ctx context.Context, plugin Plugin) (any, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, &ConfigError{Reason: fmt.Sprintf("cannot register plugin %q after Start", plugin.Name())}
	}
	s.mu.Unlock()

	pctx := newPluginContext(
		s.store, s.registeredKinds, s.processorEvents, s.Schedule,
		func(fn HookFunc) {
			s.mu.Lock()
			s.startHooks = append(s.startHooks, fn)
			s.mu.Unlock()
		},
		func(fn HookFunc) {
			s.mu.Lock()
			s.stopHooks = append(s.stopHooks, fn)
			s.mu.Unlock()
		},
	)

	api, err := plugin.Register(ctx, pctx)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: %w", plugin.Name(), err)
	}
	return api, nil
}

func (s *Scheduler) registeredKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, 0, len(s.processors))
	for k := range s.processors {
		kinds = append(kinds, k)
	}
	return kinds
}

func (s *Scheduler) processorEvents(kind string) (<-chan Event, bool) {
	s.mu.Lock()
	p, ok := s.processors[kind]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return p.Subscribe(), true
}

// Schedule creates a new task via the underlying Store and emits
// task.scheduled on success or task.schedule.failed on error.
func (s *Scheduler) Schedule(ctx context.Context, input ScheduleInput) (*Task, error) {
	task, err := s.store.Schedule(ctx, input)
	if err != nil {
		s.bus.Publish(EventTaskScheduleFailed, TaskScheduleFailedPayload{Error: err, Input: input})
		return nil, err
	}
	s.bus.Publish(EventTaskScheduled, TaskScheduledPayload{Task: task})
	return task, nil
}

// Delete removes a task via the underlying Store and emits task.deleted on
// success or task.delete.failed on error.
func (s *Scheduler) Delete(ctx context.Context, key TaskKey, opts ...DeleteOption) (*Task, error) {
	task, err := s.store.Delete(ctx, key, opts...)
	if err != nil {
		s.bus.Publish(EventTaskDeleteFailed, TaskDeleteFailedPayload{Error: err, Key: key})
		return nil, err
	}
	s.bus.Publish(EventTaskDeleted, TaskDeletedPayload{Task: task})
	return task, nil
}

// Start runs every start hook in FIFO registration order, then starts every
// registered processor, then emits started. If a start hook returns an
// error, Start aborts before starting any processor, rolls back to not
// started (a later Start call tries again from the top), and returns that
// error wrapped. Start is idempotent once it succeeds.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	hooks := append([]HookFunc(nil), s.startHooks...)
	processors := make([]*Processor, 0, len(s.processors))
	for _, p := range s.processors {
		processors = append(processors, p)
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			s.mu.Lock()
			s.started = false
			s.mu.Unlock()
			return fmt.Errorf("chrono: start hook failed: %w", err)
		}
	}
	for _, p := range processors {
		p.Start()
	}
	s.bus.Publish(EventStarted, nil)
	return nil
}

// Stop stops every registered processor in parallel, bounded by the
// scheduler's exit timeout (see WithExitTimeout). If every processor stops
// in time, Stop emits stopped, then runs every stop hook in LIFO order
// (reverse of OnStop registration), then emits close and returns nil. If
// the deadline elapses first, Stop emits stopAborted with a
// *ShutdownAbortedError, still makes a best-effort attempt at the stop
// hooks and close, and returns that error. Stop is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	hooks := append([]HookFunc(nil), s.stopHooks...)
	processors := make([]*Processor, 0, len(s.processors))
	for _, p := range s.processors {
		processors = append(processors, p)
	}
	s.mu.Unlock()

	deadlineCtx, cancel := context.WithTimeout(ctx, s.exitTimeout)
	defer cancel()

	stopErr := s.stopProcessors(deadlineCtx, processors)

	var result error
	if stopErr == errProcessorStopDeadline {
		aborted := &ShutdownAbortedError{Err: deadlineCtx.Err()}
		s.bus.Publish(EventStopAborted, StopAbortedPayload{Error: aborted})
		result = aborted
	} else if stopErr != nil {
		aborted := &ShutdownAbortedError{Err: stopErr}
		s.bus.Publish(EventStopAborted, StopAbortedPayload{Error: aborted})
		result = aborted
	} else {
		s.bus.Publish(EventStopped, nil)
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		_ = hooks[i](ctx)
	}
	s.bus.Publish(EventClose, nil)
	return result
}

var errProcessorStopDeadline = fmt.Errorf("chrono: processor stop deadline exceeded")

func (s *Scheduler) stopProcessors(ctx context.Context, processors []*Processor) error {
	done := make(chan error, 1)
	go func() {
		var mu sync.Mutex
		var errs error
		var wg sync.WaitGroup
		for _, p := range processors {
			wg.Add(1)
			go func(p *Processor) {
				defer wg.Done()
				if err := p.Stop(ctx); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, fmt.Errorf("processor %q: %w", p.Kind(), err))
					mu.Unlock()
				}
			}(p)
		}
		wg.Wait()
		done <- errs
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errProcessorStopDeadline
	}
}
