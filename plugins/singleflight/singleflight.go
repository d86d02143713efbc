// Package singleflight is a reference chrono.Plugin demonstrating the
// plugin surface: it coordinates an optional, store-backed advisory lease so
// that at most one scheduler instance across a fleet runs a named piece of
// work at a time. This is the narrow, in-scope descendant of a cron-adjacent
// reconciliation lease pattern; it is deliberately not part of the chrono
// core, which has no notion of fleet-wide leader election.
package singleflight

import (
	"context"
	"fmt"
	"time"

	"github.com/chronotask/chrono"
)

// LeaseStore is an optional collaborator a chrono.Store may additionally
// implement. A store that doesn't implement it simply can't back this
// plugin; Use returns an error in that case rather than silently no-opping.
type LeaseStore interface {
	// TryAcquireLease attempts to take the named lease for holderID, valid
	// for duration. acquired is false if another holder currently owns it.
	TryAcquireLease(ctx context.Context, name, holderID string, duration time.Duration) (acquired bool, err error)

	// ReleaseLease releases name if holderID currently holds it; releasing a
	// lease this holder does not hold is a no-op.
	ReleaseLease(ctx context.Context, name, holderID string) error
}

// Config configures the plugin.
type Config struct {
	// Name identifies the lease. Required.
	Name string
	// HolderID identifies this scheduler instance. Required.
	HolderID string
	// Duration is how long an acquired lease is valid before it is
	// considered abandoned by a crashed holder. Default 5 minutes.
	Duration time.Duration
}

func (c Config) withDefaults() Config {
	if c.Duration <= 0 {
		c.Duration = 5 * time.Minute
	}
	return c
}

// Plugin acquires cfg.Name on OnStart and releases it on OnStop, so that the
// scheduler instance holding the lease is the only one that should treat
// itself as the active singleton for whatever purpose the caller assigns to
// that name. If another holder has the lease, the start hook returns an
// error and Scheduler.Start fails. The plugin does not gate individual
// tasks, and it has no method reporting whether the lease is held.
type Plugin struct {
	cfg   Config
	store LeaseStore
}

// New constructs the plugin. store is resolved against the scheduler's
// chrono.Store at Register time instead, via PluginContext.Store(); this
// constructor exists only to hold cfg ahead of that.
func New(cfg Config) *Plugin {
	return &Plugin{cfg: cfg.withDefaults()}
}

func (p *Plugin) Name() string { return "singleflight" }

// Register type-asserts the scheduler's store for LeaseStore and registers
// acquire/release hooks. It returns an error (not a degraded no-op) if the
// store does not implement LeaseStore, since a caller that explicitly wired
// this plugin clearly expects leasing to work.
func (p *Plugin) Register(ctx context.Context, pctx *chrono.PluginContext) (any, error) {
	store, ok := pctx.Store().(LeaseStore)
	if !ok {
		return nil, fmt.Errorf("singleflight: store %T does not implement LeaseStore", pctx.Store())
	}
	p.store = store

	pctx.OnStart(func(ctx context.Context) error {
		acquired, err := p.store.TryAcquireLease(ctx, p.cfg.Name, p.cfg.HolderID, p.cfg.Duration)
		if err != nil {
			return fmt.Errorf("singleflight: acquire %q: %w", p.cfg.Name, err)
		}
		if !acquired {
			return fmt.Errorf("singleflight: lease %q already held by another instance", p.cfg.Name)
		}
		return nil
	})

	pctx.OnStop(func(ctx context.Context) error {
		if err := p.store.ReleaseLease(ctx, p.cfg.Name, p.cfg.HolderID); err != nil {
			return fmt.Errorf("singleflight: release %q: %w", p.cfg.Name, err)
		}
		return nil
	})

	return p, nil
}
