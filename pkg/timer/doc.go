// Package timer provides the timer engine and ordered work queues used by
// device drivers to run I/O outside of change handlers.
//
// # Engine
//
// An Engine keeps a pool of worker goroutines. Set takes an idle worker (or
// spawns one), arms it and returns a Ref. The worker sleeps until the
// wall-clock deadline, re-validating it on every wake, and invokes the
// callback at most once per arming:
//
//	var exposure timer.Ref
//	engine.Set(dev, 5*time.Second, func(ctx context.Context) {
//	    // read out the frame, then update the property
//	}, &exposure)
//
//	engine.Reschedule(&exposure, time.Second)
//	engine.CancelSync(ctx, &exposure)
//
// Canceling a timer guarantees the callback will not start afterwards.
// CancelSync additionally waits for a callback that has already started.
//
// # Queue
//
// A Queue runs callbacks one at a time in deadline order on a single worker.
// Drivers use it to serialize access to one hardware port.
package timer
