package watchduty

import (
	"context"
	"time"
)

// coordinator owns the background sweep lifecycle.
type coordinator struct {
	sweeper *sweeper
	options options
	cancel  context.CancelFunc
}

// newCoordinator creates a new coordinator.
func newCoordinator(sweeper *sweeper, opts options) *coordinator {
	return &coordinator{
		sweeper: sweeper,
		options: opts,
	}
}

// start launches the sweep worker.
//
// Context handling: the worker runs with a separate context.Background() so
// it continues independently of the caller's context and is stopped via the
// internal cancel function when stop() is called.
func (c *coordinator) start() {
	var workerCtx context.Context
	workerCtx, c.cancel = context.WithCancel(context.Background())

	go c.sweepWorker(workerCtx)
}

// stop cancels the background workers.
func (c *coordinator) stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// sweepWorker periodically expires stale leases and reassigns their orders.
// Failures are logged and the next tick retries; the trigger is a plain
// ticker so it can be swapped for push-based timers without touching Sweep.
func (c *coordinator) sweepWorker(ctx context.Context) {
	var ticker = time.NewTicker(c.options.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var swept, err = c.sweeper.Sweep(ctx)
			if err != nil {
				c.options.logger.Error("sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				c.options.logger.Info("expired stale leases", "count", swept)
			}
		}
	}
}
