package watchduty

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"go-watchduty/database"
)

var (
	// ErrInvalidStationID is returned when the stationID contains invalid characters
	ErrInvalidStationID = errors.New("stationID must contain only lowercase letters, numbers, and underscores, and start with a letter")

	// validStationIDPattern validates PostgreSQL-safe identifiers
	validStationIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// NewStation creates a Station backed by the given Postgres handle.
// The stationID must be a valid PostgreSQL identifier (lowercase letters,
// numbers, underscores, starting with a letter); it prefixes every table
// the station owns, so several stations can share a database.
func NewStation(db *sql.DB, stationID string, opts ...Option) *Station {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Station{
		stationID: stationID,
		db:        db,
		options:   options,
	}
}

// NewStationWithStores creates a Station over explicit store
// implementations instead of the built-in Postgres ones. Intended for
// embedders with their own storage and for tests running on MemoryStore.
func NewStationWithStores(stationID string, stores Stores, opts ...Option) *Station {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Station{
		stationID: stationID,
		leases:    stores.Leases,
		stats:     stores.Stats,
		directory: stores.Directory,
		orders:    stores.Orders,
		options:   options,
	}
}

// Start prepares the station and launches the background expiry sweep.
// With a Postgres handle this validates the stationID, runs the schema
// migration and wires the built-in stores first.
func (s *Station) Start(ctx context.Context) error {
	if s.db != nil {
		// Validate stationID before using it in database operations
		if err := ValidateStationID(s.stationID); err != nil {
			return fmt.Errorf("invalid stationID: %w", err)
		}

		if err := database.Migrate(s.db, s.stationID); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}

		var queries = database.NewQueries(s.db, s.stationID)
		s.leases = &pgLeaseStore{queries: queries, timeout: s.options.storeTimeout}
		s.stats = &pgStatStore{queries: queries, timeout: s.options.storeTimeout}
		s.directory = &pgDirectory{queries: queries, timeout: s.options.storeTimeout}
		s.orders = &pgOrders{queries: queries, timeout: s.options.storeTimeout}
	}

	if s.leases == nil || s.stats == nil || s.directory == nil {
		return fmt.Errorf("station %q has no stores wired", s.stationID)
	}

	s.dispatcher = &dispatcher{
		directory: s.directory,
		leases:    s.leases,
		stats:     s.stats,
		orders:    s.orders,
		options:   s.options,
	}
	s.sweeper = &sweeper{
		leases:     s.leases,
		stats:      s.stats,
		dispatcher: s.dispatcher,
		options:    s.options,
	}
	s.confirmer = &confirmer{
		directory: s.directory,
		leases:    s.leases,
		stats:     s.stats,
		orders:    s.orders,
		sweeper:   s.sweeper,
		options:   s.options,
	}
	s.reporter = &reporter{
		directory: s.directory,
		leases:    s.leases,
		stats:     s.stats,
		options:   s.options,
	}

	s.coordinator = newCoordinator(s.sweeper, s.options)
	s.coordinator.start()

	s.options.logger.Info("station started",
		"station_id", s.stationID,
		"lease_ttl", s.options.leaseTTL,
		"sweep_interval", s.options.sweepInterval,
		"pool_capacity", s.options.poolCapacity)

	return nil
}

// Stop cancels the background sweep. Lease and stat state stays in the
// store untouched.
func (s *Station) Stop() error {
	if s.coordinator == nil {
		return fmt.Errorf("station not started")
	}

	s.coordinator.stop()
	return nil
}

// Assign selects a worker for the completed order and opens a lease.
func (s *Station) Assign(ctx context.Context, orderRef string) (*Lease, error) {
	if s.dispatcher == nil {
		return nil, fmt.Errorf("station not started")
	}
	return s.dispatcher.Assign(ctx, orderRef)
}

// Confirm validates a worker's confirmation attempt against the order's
// active lease and returns the elapsed seconds on success.
func (s *Station) Confirm(ctx context.Context, orderRef string, workerID WorkerID, workerName string) (int, error) {
	if s.confirmer == nil {
		return 0, fmt.Errorf("station not started")
	}
	return s.confirmer.Confirm(ctx, orderRef, workerID, workerName)
}

// Sweep expires stale leases and reassigns their orders immediately,
// independent of the background ticker.
func (s *Station) Sweep(ctx context.Context) (int, error) {
	if s.sweeper == nil {
		return 0, fmt.Errorf("station not started")
	}
	return s.sweeper.Sweep(ctx)
}

// StatsFor returns the worker's stat snapshot with live pending count and
// recomputed efficiency.
func (s *Station) StatsFor(ctx context.Context, workerID WorkerID) (*WorkerStat, error) {
	if s.reporter == nil {
		return nil, fmt.Errorf("station not started")
	}
	return s.reporter.StatsFor(ctx, workerID)
}

// Report returns one summary per active worker.
func (s *Station) Report(ctx context.Context) ([]WorkerReport, error) {
	if s.reporter == nil {
		return nil, fmt.Errorf("station not started")
	}
	return s.reporter.Report(ctx)
}

// ValidateStationID checks if the stationID is valid for use as a PostgreSQL identifier.
func ValidateStationID(stationID string) error {
	if stationID == "" {
		return errors.New("stationID cannot be empty")
	}

	if len(stationID) > 63 {
		return errors.New("stationID must be 63 characters or less")
	}

	if !validStationIDPattern.MatchString(stationID) {
		return ErrInvalidStationID
	}

	return nil
}
