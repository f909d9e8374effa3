package watchduty

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory LeaseStore and StatStore with the same
// conditional-transition semantics as the Postgres store: the move out of
// assigned is a compare-and-swap under one mutex, first writer wins.
// Intended for tests and embedders that bring no database.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]*Lease
	order  []string // insertion order, for deterministic listings
	stats  map[WorkerID]*WorkerStat
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: make(map[string]*Lease),
		stats:  make(map[WorkerID]*WorkerStat),
	}
}

// Insert stores the lease, rejecting a second assigned lease for the same
// order the way the Postgres partial unique index does.
func (m *MemoryStore) Insert(ctx context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		var existing = m.leases[id]
		if existing.OrderRef == lease.OrderRef && existing.Status == LeaseAssigned {
			return newError(KindAlreadyAssigned, "order %q already has an assigned lease", lease.OrderRef)
		}
	}

	var stored = *lease
	m.leases[lease.ID] = &stored
	m.order = append(m.order, lease.ID)
	return nil
}

// FindActive returns the order's assigned lease, or nil.
func (m *MemoryStore) FindActive(ctx context.Context, orderRef string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		var lease = m.leases[id]
		if lease.OrderRef == orderRef && lease.Status == LeaseAssigned {
			var copied = *lease
			return &copied, nil
		}
	}
	return nil, nil
}

// FindActiveFor returns the assigned lease for the order/worker pair, or nil.
func (m *MemoryStore) FindActiveFor(ctx context.Context, orderRef string, workerID WorkerID) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		var lease = m.leases[id]
		if lease.OrderRef == orderRef && lease.WorkerID == workerID && lease.Status == LeaseAssigned {
			var copied = *lease
			return &copied, nil
		}
	}
	return nil, nil
}

// Transition applies the status change only if the lease is still in the
// expected status, reporting whether this call won the transition.
func (m *MemoryStore) Transition(ctx context.Context, leaseID string, from, to LeaseStatus, fields TransitionFields) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lease, exists = m.leases[leaseID]
	if !exists || lease.Status != from {
		return false, nil
	}

	lease.Status = to
	if fields.WorkerName != "" {
		lease.WorkerName = fields.WorkerName
	}
	if fields.ConfirmedAt != nil {
		var t = *fields.ConfirmedAt
		lease.ConfirmedAt = &t
	}
	if fields.ExpiredAt != nil {
		var t = *fields.ExpiredAt
		lease.ExpiredAt = &t
	}
	if fields.ElapsedSeconds != nil {
		var n = *fields.ElapsedSeconds
		lease.ElapsedSeconds = &n
	}
	return true, nil
}

// FindExpiredPastTTL returns assigned leases created before now-ttl, oldest
// first.
func (m *MemoryStore) FindExpiredPastTTL(ctx context.Context, ttl time.Duration) ([]*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		cutoff = time.Now().Add(-ttl)
		stale  []*Lease
	)
	for _, id := range m.order {
		var lease = m.leases[id]
		if lease.Status == LeaseAssigned && lease.CreatedAt.Before(cutoff) {
			var copied = *lease
			stale = append(stale, &copied)
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	return stale, nil
}

// CountActiveFor counts the worker's assigned leases inside the window.
func (m *MemoryStore) CountActiveFor(ctx context.Context, workerID WorkerID, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		cutoff = time.Now().Add(-window)
		count  = 0
	)
	for _, id := range m.order {
		var lease = m.leases[id]
		if lease.WorkerID == workerID && lease.Status == LeaseAssigned && lease.CreatedAt.After(cutoff) {
			count++
		}
	}
	return count, nil
}

// CountConfirmedSince counts the worker's confirmations at or after since.
func (m *MemoryStore) CountConfirmedSince(ctx context.Context, workerID WorkerID, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count = 0
	for _, id := range m.order {
		var lease = m.leases[id]
		if lease.WorkerID == workerID && lease.Status == LeaseConfirmed &&
			lease.ConfirmedAt != nil && !lease.ConfirmedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// Increment bumps one counter for the worker, creating the stat record
// lazily on first assignment.
func (m *MemoryStore) Increment(ctx context.Context, workerID WorkerID, field StatField) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stat, exists = m.stats[workerID]
	if !exists {
		stat = &WorkerStat{WorkerID: workerID}
		m.stats[workerID] = stat
	}

	switch field {
	case StatAssigned:
		stat.TotalAssigned++
	case StatConfirmed:
		stat.TotalConfirmed++
	case StatExpired:
		stat.TotalExpired++
	}
	stat.LastUpdated = time.Now().UTC()
	return nil
}

// Snapshot returns a copy of the worker's counters; unknown workers get a
// zero-valued stat.
func (m *MemoryStore) Snapshot(ctx context.Context, workerID WorkerID) (*WorkerStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stat, exists = m.stats[workerID]
	if !exists {
		return &WorkerStat{WorkerID: workerID}, nil
	}
	var copied = *stat
	return &copied, nil
}

// StaticDirectory is a fixed WorkerDirectory over an in-memory pool.
type StaticDirectory struct {
	mu      sync.Mutex
	workers []Worker
}

// NewStaticDirectory creates a directory over the given workers.
func NewStaticDirectory(workers ...Worker) *StaticDirectory {
	var pool = make([]Worker, len(workers))
	copy(pool, workers)
	sort.Slice(pool, func(i, j int) bool {
		return pool[i].ID < pool[j].ID
	})
	return &StaticDirectory{workers: pool}
}

// ListActive returns the active workers ordered by ascending id.
func (d *StaticDirectory) ListActive(ctx context.Context) ([]Worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var active []Worker
	for _, worker := range d.workers {
		if worker.Active {
			active = append(active, worker)
		}
	}
	return active, nil
}

// Resolve returns the worker with the given id, or nil when unknown.
func (d *StaticDirectory) Resolve(ctx context.Context, id WorkerID) (*Worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, worker := range d.workers {
		if worker.ID == id {
			var copied = worker
			return &copied, nil
		}
	}
	return nil, nil
}

// SetActive flips a worker's activity status.
func (d *StaticDirectory) SetActive(id WorkerID, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.workers {
		if d.workers[i].ID == id {
			d.workers[i].Active = active
		}
	}
}

// MemoryOrders is an in-memory OrderService for tests and demos.
type MemoryOrders struct {
	mu     sync.Mutex
	orders map[string]*verifiedOrder
}

type verifiedOrder struct {
	verified   bool
	verifiedBy string
	verifiedAt time.Time
}

// NewMemoryOrders creates an empty MemoryOrders.
func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{orders: make(map[string]*verifiedOrder)}
}

// Add registers an order so Exists reports it.
func (o *MemoryOrders) Add(orderRef string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.orders[orderRef]; !exists {
		o.orders[orderRef] = &verifiedOrder{}
	}
}

// Exists reports whether the order is known.
func (o *MemoryOrders) Exists(ctx context.Context, orderRef string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var _, exists = o.orders[orderRef]
	return exists, nil
}

// MarkVerified records the verification outcome for a known order.
func (o *MemoryOrders) MarkVerified(ctx context.Context, orderRef, verifierLabel string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var order, exists = o.orders[orderRef]
	if !exists {
		return newError(KindOrderNotFound, "order %q does not exist", orderRef)
	}
	order.verified = true
	order.verifiedBy = verifierLabel
	order.verifiedAt = at
	return nil
}

// Verified reports the verification state recorded for the order.
func (o *MemoryOrders) Verified(orderRef string) (bool, string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var order, exists = o.orders[orderRef]
	if !exists {
		return false, ""
	}
	return order.verified, order.verifiedBy
}
