package chrono

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HandlerFunc executes the business work for one task. Returning a non-nil
// error (or not returning before the processor's handler timeout) counts as
// a failed attempt.
type HandlerFunc func(ctx context.Context, task *Task) error

// ProcessorConfig configures a Processor. Zero-valued fields are replaced
// with their documented defaults by DefaultProcessorConfig / withDefaults.
type ProcessorConfig struct {
	// MaxConcurrency is the number of parallel claim loops. Default 1.
	MaxConcurrency int
	// ClaimInterval is the pause after a successful claim+handle, before
	// the next claim. Default 50ms.
	ClaimInterval time.Duration
	// IdleInterval is the pause after an empty claim. Default 5s.
	IdleInterval time.Duration
	// ClaimStaleTimeout is passed to the store on every claim, and is
	// validated against TaskHandlerTimeout at registration. Default 10s.
	ClaimStaleTimeout time.Duration
	// TaskHandlerTimeout is the hard timeout around one handler
	// invocation. Must be strictly less than ClaimStaleTimeout. Default 5s.
	TaskHandlerTimeout time.Duration
	// TaskHandlerMaxRetries is the highest retryCount at which a failed
	// attempt is still retried: retryCount 0..TaskHandlerMaxRetries all
	// retry on failure, and only retryCount > TaskHandlerMaxRetries fails
	// terminally. Default 5 (seven total executions: the first attempt plus
	// six retries).
	TaskHandlerMaxRetries int
	// ProcessLoopRetryInterval is the cooldown after an unexpected loop
	// error before restarting a runner. Default 20s.
	ProcessLoopRetryInterval time.Duration
}

// DefaultProcessorConfig returns the documented default configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		MaxConcurrency:           1,
		ClaimInterval:            50 * time.Millisecond,
		IdleInterval:             5 * time.Second,
		ClaimStaleTimeout:        10 * time.Second,
		TaskHandlerTimeout:       5 * time.Second,
		TaskHandlerMaxRetries:    5,
		ProcessLoopRetryInterval: 20 * time.Second,
	}
}

// withDefaults returns a copy of cfg with every zero-valued field replaced
// by DefaultProcessorConfig's value for that field.
func (cfg ProcessorConfig) withDefaults() ProcessorConfig {
	d := DefaultProcessorConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = d.MaxConcurrency
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = d.ClaimInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = d.IdleInterval
	}
	if cfg.ClaimStaleTimeout <= 0 {
		cfg.ClaimStaleTimeout = d.ClaimStaleTimeout
	}
	if cfg.TaskHandlerTimeout <= 0 {
		cfg.TaskHandlerTimeout = d.TaskHandlerTimeout
	}
	if cfg.TaskHandlerMaxRetries <= 0 {
		cfg.TaskHandlerMaxRetries = d.TaskHandlerMaxRetries
	}
	if cfg.ProcessLoopRetryInterval <= 0 {
		cfg.ProcessLoopRetryInterval = d.ProcessLoopRetryInterval
	}
	return cfg
}

// validate checks the timeout-ordering invariant between the handler
// timeout and the claim-stale timeout, plus the latter against the store's
// ceiling.
func (cfg ProcessorConfig) validate(storeClaimStaleCeiling time.Duration) error {
	if cfg.TaskHandlerTimeout >= cfg.ClaimStaleTimeout {
		return &ConfigError{Reason: fmt.Sprintf(
			"taskHandlerTimeout (%s) must be strictly less than claimStaleTimeout (%s)",
			cfg.TaskHandlerTimeout, cfg.ClaimStaleTimeout)}
	}
	if storeClaimStaleCeiling > 0 && cfg.ClaimStaleTimeout > storeClaimStaleCeiling {
		return &ConfigError{Reason: fmt.Sprintf(
			"claimStaleTimeout (%s) exceeds the store's ceiling (%s)",
			cfg.ClaimStaleTimeout, storeClaimStaleCeiling)}
	}
	return nil
}

// Processor is the per-kind supervisor owning N task runners. It converts
// the store's claim primitive plus a user handler into a durable,
// bounded-concurrency execution service for one kind.
type Processor struct {
	kind    string
	store   Store
	handler HandlerFunc
	backoff Strategy
	cfg     ProcessorConfig
	bus     *EventBus

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	eg      *errgroup.Group
}

// NewProcessor constructs a Processor for kind. It does not start it.
func NewProcessor(kind string, handler HandlerFunc, store Store, backoff Strategy, cfg ProcessorConfig) (*Processor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(store.ClaimStaleTimeout()); err != nil {
		return nil, err
	}
	if backoff == nil {
		backoff = NoBackoff()
	}
	return &Processor{
		kind:    kind,
		store:   store,
		handler: handler,
		backoff: backoff,
		cfg:     cfg,
		bus:     NewEventBus(),
	}, nil
}

// Kind returns the task kind this processor handles.
func (p *Processor) Kind() string { return p.kind }

// Subscribe returns a channel receiving this processor's lifecycle events
// (taskClaimed, taskCompleted, taskRetryScheduled, taskFailed,
// taskCompletionFailure, unknownProcessingError).
func (p *Processor) Subscribe() <-chan Event {
	return p.bus.Subscribe()
}

// Start is idempotent: if stop was not requested and no runners exist, it
// spawns MaxConcurrency runners. Calling Start again while already running
// is a no-op.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.eg = &errgroup.Group{}
	for i := 0; i < p.cfg.MaxConcurrency; i++ {
		p.eg.Go(func() error {
			p.supervise()
			return nil
		})
	}
}

// Stop is idempotent: it requests all runners to exit at their next loop
// boundary and waits for them, bounded by ctx. If ctx is done first, Stop
// returns ctx.Err() and any still-running runners are abandoned (they will
// still observe the stop signal and exit on their own).
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	eg := p.eg
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// supervise owns one of MaxConcurrency slots: it runs the process loop in
// a taskRunner, and if that loop returns an unexpected error (rather than
// exiting because stop was requested), it emits unknownProcessingError,
// cools down, and respawns a fresh runner in its place.
func (p *Processor) supervise() {
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		r := newTaskRunner(p.processLoop)
		r.start(context.Background())

		err := <-r.Done()
		if err == nil {
			// processLoop only returns nil when stop was requested.
			return
		}

		p.bus.Publish(EventUnknownProcessingError, UnknownProcessingErrorPayload{Error: err})
		if !p.interruptibleSleep(p.cfg.ProcessLoopRetryInterval) {
			return
		}
	}
}

// processLoop is the body of a single task runner: claim, handle, settle,
// repeat, until stop is requested. It returns nil on a clean stop, or a
// non-nil error when claim or a store transition in handle fails
// unexpectedly.
func (p *Processor) processLoop(ctx context.Context) error {
	for {
		select {
		case <-p.stopCh:
			return nil
		default:
		}

		task, err := p.store.Claim(ctx, p.kind, p.cfg.ClaimStaleTimeout)
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		if task == nil {
			if !p.interruptibleSleep(p.cfg.IdleInterval) {
				return nil
			}
			continue
		}

		p.bus.Publish(EventTaskClaimed, TaskClaimedPayload{Task: task, ClaimedAt: task.ClaimedAt})

		if err := p.handle(ctx, task); err != nil {
			return err
		}

		if !p.interruptibleSleep(p.cfg.ClaimInterval) {
			return nil
		}
	}
}

// handle runs the claim-to-outcome state machine for one claimed task: a
// successful Complete, a failed attempt retried with backoff, or a
// terminal Fail once TaskHandlerMaxRetries is exhausted. It returns a
// non-nil error only when a store-side Fail or Retry
// call itself fails unexpectedly; all other outcomes (including a failed
// Complete call) are resolved via events without propagating an error.
func (p *Processor) handle(ctx context.Context, task *Task) error {
	startedAt := timeNow()

	hctx, cancel := context.WithTimeout(ctx, p.cfg.TaskHandlerTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- p.handler(hctx, task)
	}()

	var handlerErr error
	select {
	case handlerErr = <-result:
	case <-hctx.Done():
		handlerErr = fmt.Errorf("handler timed out after %s: %w", p.cfg.TaskHandlerTimeout, hctx.Err())
	}

	if handlerErr == nil {
		completed, err := p.store.Complete(ctx, task.ID)
		if err != nil {
			p.bus.Publish(EventTaskCompletionFailure, TaskCompletionFailurePayload{Task: task, Error: err})
			return nil
		}
		p.bus.Publish(EventTaskCompleted, TaskCompletedPayload{
			Task: completed, CompletedAt: completed.CompletedAt, StartedAt: startedAt,
		})
		return nil
	}

	if task.RetryCount > p.cfg.TaskHandlerMaxRetries {
		failed, err := p.store.Fail(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("fail: %w", err)
		}
		p.bus.Publish(EventTaskFailed, TaskFailedPayload{Task: failed, Error: handlerErr})
		return nil
	}

	delay := p.backoff.Delay(task.RetryCount)
	next := timeNow().Add(delay)
	retried, err := p.store.Retry(ctx, task.ID, next)
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	p.bus.Publish(EventTaskRetryScheduled, TaskRetryScheduledPayload{
		Task: retried, Error: handlerErr, RetryScheduledAt: next,
	})
	return nil
}

// interruptibleSleep waits for d or the stop signal, whichever comes first.
// It returns true if d elapsed, false if stop was requested.
func (p *Processor) interruptibleSleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-p.stopCh:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.stopCh:
		return false
	}
}
