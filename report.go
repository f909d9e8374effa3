package watchduty

import (
	"context"
	"fmt"
	"time"
)

// reporter derives point-in-time views from the lease and stat stores.
// It never mutates stored state.
type reporter struct {
	directory WorkerDirectory
	leases    LeaseStore
	stats     StatStore
	options   options
}

// StatsFor merges a worker's stored counters with a freshly computed
// pending count and recomputed efficiency.
func (r *reporter) StatsFor(ctx context.Context, workerID WorkerID) (*WorkerStat, error) {
	var stat, err = r.stats.Snapshot(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot stats for worker %d: %w", workerID, err)
	}

	pending, err := r.leases.CountActiveFor(ctx, workerID, r.options.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending leases for worker %d: %w", workerID, err)
	}

	stat.Pending = pending
	stat.Efficiency = Efficiency(stat.TotalConfirmed, stat.TotalAssigned)
	return stat, nil
}

// Report aggregates one summary per active worker: the stat snapshot plus
// the number of confirmations since local midnight, sourced from the
// append-only lease history.
func (r *reporter) Report(ctx context.Context) ([]WorkerReport, error) {
	var workers, err = r.directory.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active workers: %w", err)
	}

	var (
		now      = time.Now()
		midnight = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		reports  = make([]WorkerReport, 0, len(workers))
	)

	for _, worker := range workers {
		stat, err := r.StatsFor(ctx, worker.ID)
		if err != nil {
			return nil, err
		}

		today, err := r.leases.CountConfirmedSince(ctx, worker.ID, midnight)
		if err != nil {
			return nil, fmt.Errorf("failed to count today's confirmations for worker %d: %w", worker.ID, err)
		}

		reports = append(reports, WorkerReport{
			Worker:         worker,
			Stat:           *stat,
			CompletedToday: today,
		})
	}

	return reports, nil
}
