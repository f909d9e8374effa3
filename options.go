package watchduty

import (
	"io"
	"log/slog"
	"time"
)

// options configures Station behavior (internal only).
type options struct {
	leaseTTL      time.Duration
	sweepInterval time.Duration
	poolCapacity  int
	storeTimeout  time.Duration
	logger        *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		leaseTTL:      300 * time.Second,
		sweepInterval: 45 * time.Second,
		poolCapacity:  5,
		storeTimeout:  5 * time.Second,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring a Station.
type Option func(*options)

// WithLeaseTTL sets how long a lease may stay assigned before it is
// eligible for expiry.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.leaseTTL = ttl
	}
}

// WithSweepInterval sets how often the background sweeper runs.
// The interval is independent of any individual lease's TTL.
func WithSweepInterval(interval time.Duration) Option {
	return func(o *options) {
		o.sweepInterval = interval
	}
}

// WithPoolCapacity sets the size of the worker id space (ids 1..capacity).
func WithPoolCapacity(capacity int) Option {
	return func(o *options) {
		o.poolCapacity = capacity
	}
}

// WithStoreTimeout bounds every individual store call.
func WithStoreTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.storeTimeout = timeout
	}
}

// WithLogger sets the logger for the station.
// If the logger is nil, the station will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
