// Package chrono is a durable background-task scheduler.
//
// Producers schedule typed jobs for future (or immediate) execution; one or
// more worker processes claim and execute them with at-least-once semantics,
// configurable retry backoff, idempotency, priority ordering, and optional
// FIFO grouping. Durability is delegated to a pluggable Store (see the
// storage/memory and storage/sql subpackages); the scheduler itself
// is storage-agnostic.
//
// A minimal producer/worker looks like:
//
//	sched := chrono.New(memory.NewStore())
//	sched.RegisterTaskHandler(chrono.HandlerConfig{
//		Kind: "send-email",
//		Handler: func(ctx context.Context, task *chrono.Task) error {
//			return sendEmail(ctx, task.Data)
//		},
//	})
//	sched.Start()
//	defer sched.Stop(context.Background())
//
//	sched.Schedule(ctx, chrono.ScheduleInput{Kind: "send-email", Data: payload})
package chrono
