package chrono

import "context"

// HookFunc is a scheduler lifecycle hook registered by a plugin via
// PluginContext.OnStart / OnStop. Hooks are awaited sequentially, not
// concurrently, so a plugin can rely on the hooks before and after it
// having already run.
type HookFunc func(ctx context.Context) error

// Plugin extends a Scheduler with cross-cutting behavior (e.g. a leader
// election guard, a metrics bridge) without the scheduler knowing about it.
// Register is called once, synchronously, when the plugin is added via
// Scheduler.Use — before the scheduler starts. A plugin that needs to do
// work when the scheduler starts or stops registers hooks on pctx rather
// than doing that work inline in Register.
type Plugin interface {
	// Name identifies the plugin in ConfigError messages and logs.
	Name() string

	// Register wires the plugin into pctx (typically by calling OnStart
	// and/or OnStop) and returns an API value handed back to the Use
	// caller, typed per plugin.
	Register(ctx context.Context, pctx *PluginContext) (api any, err error)
}

// PluginContext is the view of a Scheduler exposed to a Plugin at
// registration time: enough to register start/stop hooks, observe
// registered kinds and processor events, and reach the store, without
// exposing the scheduler's own control surface (Start/Stop/Use).
type PluginContext struct {
	store Store

	kindsFn      func() []string
	eventsFn     func(kind string) (<-chan Event, bool)
	schedFn      func(ctx context.Context, input ScheduleInput) (*Task, error)
	addStartHook func(HookFunc)
	addStopHook  func(HookFunc)
}

func newPluginContext(
	store Store,
	kindsFn func() []string,
	eventsFn func(kind string) (<-chan Event, bool),
	schedFn func(ctx context.Context, input ScheduleInput) (*Task, error),
	addStartHook func(HookFunc),
	addStopHook func(HookFunc),
) *PluginContext {
	return &PluginContext{
		store: store, kindsFn: kindsFn, eventsFn: eventsFn, schedFn: schedFn,
		addStartHook: addStartHook, addStopHook: addStopHook,
	}
}

// OnStart registers fn to run when the scheduler starts, in the order
// plugins called OnStart (FIFO across all plugins).
func (c *PluginContext) OnStart(fn HookFunc) { c.addStartHook(fn) }

// OnStop registers fn to run after every processor has stopped, in the
// reverse of the order plugins called OnStop (LIFO across all plugins) —
// so a resource opened in OnStart is torn down last in OnStop.
func (c *PluginContext) OnStop(fn HookFunc) { c.addStopHook(fn) }

// Store returns the scheduler's read-and-write durability backend. Plugins
// that need a separate collaborator (e.g. a leasing store for a
// single-flight guard) type-assert the returned Store for an optional
// interface; see plugins/singleflight for an example.
func (c *PluginContext) Store() Store { return c.store }

// RegisteredKinds returns the task kinds with a processor registered at the
// time of the call.
func (c *PluginContext) RegisteredKinds() []string { return c.kindsFn() }

// ProcessorEvents subscribes to the named kind's processor event stream. ok
// is false if no processor is registered for kind.
func (c *PluginContext) ProcessorEvents(kind string) (events <-chan Event, ok bool) {
	return c.eventsFn(kind)
}

// Schedule lets a plugin enqueue tasks on the scheduler it is attached to
// (e.g. a watchdog plugin that reschedules work of its own kind).
func (c *PluginContext) Schedule(ctx context.Context, input ScheduleInput) (*Task, error) {
	return c.schedFn(ctx, input)
}
