package watchduty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// confirmer validates confirmation attempts against their active lease.
type confirmer struct {
	directory WorkerDirectory
	leases    LeaseStore
	stats     StatStore
	orders    OrderService
	sweeper   *sweeper
	options   options
}

// Confirm transitions the order's assigned lease to confirmed and returns
// the elapsed seconds (floored) between assignment and confirmation.
//
// The claimed name must match the worker's registered name under
// case-insensitive, whitespace-trimmed comparison; this guards against a
// stale or spoofed client-held id. A confirmation arriving past the TTL is
// rejected and handled exactly like a sweep expiry: the server clock is
// authoritative, not the client's view of "in time".
//
// Safe to retry: a repeat call finds no assigned lease and fails with
// LeaseNotFound instead of double-counting.
func (c *confirmer) Confirm(ctx context.Context, orderRef string, workerID WorkerID, workerName string) (int, error) {
	var worker, err = c.directory.Resolve(ctx, workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve worker %d: %w", workerID, err)
	}
	if worker == nil || !worker.Active {
		return 0, newError(KindWorkerNotFound, "worker %d is not an active watchman", workerID)
	}

	if !strings.EqualFold(strings.TrimSpace(workerName), strings.TrimSpace(worker.Name)) {
		return 0, newError(KindIdentityMismatch, "claimed name %q does not match the registered name of worker %d", workerName, workerID)
	}

	lease, err := c.leases.FindActiveFor(ctx, orderRef, workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to look up lease: %w", err)
	}
	if lease == nil {
		return 0, newError(KindLeaseNotFound, "no assigned lease for order %q held by worker %d", orderRef, workerID)
	}

	var (
		now     = time.Now().UTC()
		elapsed = now.Sub(lease.CreatedAt)
	)

	if elapsed > c.options.leaseTTL {
		return 0, c.expireLate(ctx, lease, now, elapsed)
	}

	var seconds = int(elapsed.Seconds())
	moved, err := c.leases.Transition(ctx, lease.ID, LeaseAssigned, LeaseConfirmed, TransitionFields{
		WorkerName:     worker.Name,
		ConfirmedAt:    &now,
		ElapsedSeconds: &seconds,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to confirm lease: %w", err)
	}
	if !moved {
		// Lost the race against a concurrent sweep or retry.
		return 0, newError(KindLeaseNotFound, "lease for order %q was already transitioned", orderRef)
	}

	if err := c.stats.Increment(ctx, workerID, StatConfirmed); err != nil {
		c.options.logger.Warn("confirmation counter increment failed, needs reconciliation",
			"worker_id", workerID,
			"lease_id", lease.ID,
			"error", err)
	}

	if c.orders != nil {
		if err := c.orders.MarkVerified(ctx, orderRef, worker.Name, now); err != nil {
			c.options.logger.Warn("failed to mark order verified, needs reconciliation",
				"order_ref", orderRef,
				"error", err)
		}
	}

	c.options.logger.Info("order confirmed",
		"order_ref", orderRef,
		"worker_id", workerID,
		"elapsed_seconds", seconds)

	return seconds, nil
}

// expireLate handles a confirmation that arrived past the TTL: expire the
// lease, hand the order to another worker, and reject the attempt. If a
// concurrent sweep already expired the lease, only the rejection remains.
func (c *confirmer) expireLate(ctx context.Context, lease *Lease, now time.Time, elapsed time.Duration) error {
	var moved, err = c.leases.Transition(ctx, lease.ID, LeaseAssigned, LeaseExpired, TransitionFields{ExpiredAt: &now})
	if err != nil {
		return fmt.Errorf("failed to expire overdue lease: %w", err)
	}

	if moved {
		if err := c.stats.Increment(ctx, lease.WorkerID, StatExpired); err != nil {
			c.options.logger.Warn("expiry counter increment failed, needs reconciliation",
				"worker_id", lease.WorkerID,
				"lease_id", lease.ID,
				"error", err)
		}

		if _, err := c.sweeper.Reassign(ctx, lease); err != nil {
			if errors.Is(err, ErrNoWorkersAvailable) {
				c.options.logger.Warn("no workers available to take over order after late confirmation",
					"order_ref", lease.OrderRef,
					"excluded_worker", lease.WorkerID)
			} else {
				c.options.logger.Error("failed to reassign order after late confirmation",
					"order_ref", lease.OrderRef,
					"error", err)
			}
		}
	}

	return newError(KindLeaseExpired, "lease for order %q expired after %ds (ttl %ds)",
		lease.OrderRef, int(elapsed.Seconds()), int(c.options.leaseTTL.Seconds()))
}
