package watchduty

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// dispatcher picks a worker for a completed order and opens the lease.
//
// Selection policy: least-loaded. The chosen worker is the active worker
// holding the fewest assigned leases inside the TTL window, ties broken by
// ascending worker id. Least-loaded self-corrects for the skew that
// expirations introduce, which strict round-robin cannot detect.
type dispatcher struct {
	directory WorkerDirectory
	leases    LeaseStore
	stats     StatStore
	orders    OrderService
	options   options
}

// Assign creates an assigned lease for the order and returns it.
// At most one lease per order may be assigned at any time.
func (d *dispatcher) Assign(ctx context.Context, orderRef string) (*Lease, error) {
	if d.orders != nil {
		var exists, err = d.orders.Exists(ctx, orderRef)
		if err != nil {
			return nil, fmt.Errorf("failed to check order existence: %w", err)
		}
		if !exists {
			return nil, newError(KindOrderNotFound, "order %q does not exist", orderRef)
		}
	}

	var existing, err = d.leases.FindActive(ctx, orderRef)
	if err != nil {
		return nil, fmt.Errorf("failed to check for an active lease: %w", err)
	}
	if existing != nil {
		return nil, newError(KindAlreadyAssigned, "order %q is already assigned to worker %d", orderRef, existing.WorkerID)
	}

	return d.createLease(ctx, orderRef, 0, "")
}

// createLease runs worker selection and inserts the lease, incrementing the
// chosen worker's assignment counter. exclude=0 means no exclusion;
// reassignedFrom carries the expired predecessor's id on reassignment.
func (d *dispatcher) createLease(ctx context.Context, orderRef string, exclude WorkerID, reassignedFrom string) (*Lease, error) {
	var workers, err = d.directory.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active workers: %w", err)
	}

	var candidates = make([]Worker, 0, len(workers))
	for _, worker := range workers {
		if worker.ID == exclude {
			continue
		}
		if !worker.ID.Valid(d.options.poolCapacity) {
			d.options.logger.Warn("directory returned worker id outside the pool capacity, skipping",
				"worker_id", worker.ID,
				"capacity", d.options.poolCapacity)
			continue
		}
		candidates = append(candidates, worker)
	}

	if len(candidates) == 0 {
		return nil, newError(KindNoWorkersAvailable, "no active workers eligible for order %q", orderRef)
	}

	chosen, err := d.selectLeastLoaded(ctx, candidates)
	if err != nil {
		return nil, err
	}

	var lease = &Lease{
		ID:        uuid.NewString(),
		OrderRef:  orderRef,
		WorkerID:  chosen.ID,
		Status:    LeaseAssigned,
		CreatedAt: time.Now().UTC(),
	}
	if reassignedFrom != "" {
		lease.ReassignedFrom = &reassignedFrom
	}

	if err := d.leases.Insert(ctx, lease); err != nil {
		return nil, fmt.Errorf("failed to insert lease: %w", err)
	}

	// Lease state is authoritative: a failed increment is logged for
	// reconciliation rather than rolling back the insert.
	if err := d.stats.Increment(ctx, chosen.ID, StatAssigned); err != nil {
		d.options.logger.Warn("assignment counter increment failed, needs reconciliation",
			"worker_id", chosen.ID,
			"lease_id", lease.ID,
			"error", err)
	}

	d.options.logger.Info("order assigned",
		"order_ref", orderRef,
		"worker_id", chosen.ID,
		"lease_id", lease.ID)

	return lease, nil
}

// selectLeastLoaded returns the candidate with the fewest assigned leases
// inside the TTL window. Candidates arrive ordered by ascending id, so a
// strict less-than comparison breaks ties toward the lowest id.
func (d *dispatcher) selectLeastLoaded(ctx context.Context, candidates []Worker) (Worker, error) {
	var (
		chosen   Worker
		bestLoad = -1
	)

	for _, candidate := range candidates {
		var load, err = d.leases.CountActiveFor(ctx, candidate.ID, d.options.leaseTTL)
		if err != nil {
			return Worker{}, fmt.Errorf("failed to count active leases for worker %d: %w", candidate.ID, err)
		}

		if bestLoad == -1 || load < bestLoad {
			chosen = candidate
			bestLoad = load
		}
	}

	return chosen, nil
}
