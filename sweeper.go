package watchduty

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// sweeper expires stale leases and hands the affected orders back to the
// dispatcher's selection logic.
type sweeper struct {
	leases     LeaseStore
	stats      StatStore
	dispatcher *dispatcher
	options    options
}

// Sweep expires every assigned lease older than the TTL and reassigns each
// affected order, excluding the worker that let the lease lapse. Returns
// the number of leases this invocation transitioned.
//
// Re-entrant: the transition out of assigned is first-writer-wins, so a
// racing sweep (or a late confirmation taking its own expiry path) observes
// the lease already moved and skips it. An exhausted worker pool leaves the
// order unassigned; that is a logged steady-state condition, not an error.
func (s *sweeper) Sweep(ctx context.Context) (int, error) {
	var stale, err = s.leases.FindExpiredPastTTL(ctx, s.options.leaseTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale leases: %w", err)
	}

	var swept = 0
	for _, lease := range stale {
		var now = time.Now().UTC()
		moved, err := s.leases.Transition(ctx, lease.ID, LeaseAssigned, LeaseExpired, TransitionFields{ExpiredAt: &now})
		if err != nil {
			s.options.logger.Error("failed to expire stale lease",
				"lease_id", lease.ID,
				"order_ref", lease.OrderRef,
				"error", err)
			continue
		}
		if !moved {
			// Another actor transitioned it first.
			continue
		}
		swept++

		if err := s.stats.Increment(ctx, lease.WorkerID, StatExpired); err != nil {
			s.options.logger.Warn("expiry counter increment failed, needs reconciliation",
				"worker_id", lease.WorkerID,
				"lease_id", lease.ID,
				"error", err)
		}

		if _, err := s.Reassign(ctx, lease); err != nil {
			if errors.Is(err, ErrNoWorkersAvailable) {
				s.options.logger.Warn("no workers available to take over order, leaving it unassigned",
					"order_ref", lease.OrderRef,
					"excluded_worker", lease.WorkerID)
				continue
			}
			s.options.logger.Error("failed to reassign order after expiry",
				"order_ref", lease.OrderRef,
				"error", err)
		}
	}

	return swept, nil
}

// Reassign opens a successor lease for an expired lease's order under the
// same selection policy, excluding the worker whose lease just expired. The
// successor carries a back-reference to its predecessor, extending the
// order's reassignment chain.
func (s *sweeper) Reassign(ctx context.Context, expired *Lease) (*Lease, error) {
	return s.dispatcher.createLease(ctx, expired.OrderRef, expired.WorkerID, expired.ID)
}
