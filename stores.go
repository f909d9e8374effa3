package watchduty

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"go-watchduty/database"

	"github.com/lib/pq"
)

// LeaseStore is the durable, append-only table of assignment leases.
// Transition is a compare-and-swap on status: it reports false when the
// lease was already moved out of the expected status by another actor.
type LeaseStore interface {
	Insert(ctx context.Context, lease *Lease) error
	FindActive(ctx context.Context, orderRef string) (*Lease, error)
	FindActiveFor(ctx context.Context, orderRef string, workerID WorkerID) (*Lease, error)
	Transition(ctx context.Context, leaseID string, from, to LeaseStatus, fields TransitionFields) (bool, error)
	FindExpiredPastTTL(ctx context.Context, ttl time.Duration) ([]*Lease, error)
	CountActiveFor(ctx context.Context, workerID WorkerID, window time.Duration) (int, error)
	CountConfirmedSince(ctx context.Context, workerID WorkerID, since time.Time) (int, error)
}

// TransitionFields carries the columns written alongside a status change.
type TransitionFields struct {
	WorkerName     string
	ConfirmedAt    *time.Time
	ExpiredAt      *time.Time
	ElapsedSeconds *int
}

// StatField names one of the per-worker counters.
type StatField string

const (
	StatAssigned  StatField = "total_assigned"
	StatConfirmed StatField = "total_confirmed"
	StatExpired   StatField = "total_expired"
)

// StatStore holds the per-worker counters. Increment must be atomic.
type StatStore interface {
	Increment(ctx context.Context, workerID WorkerID, field StatField) error
	Snapshot(ctx context.Context, workerID WorkerID) (*WorkerStat, error)
}

// WorkerDirectory is the read-only view of the on-duty pool.
// ListActive returns active workers ordered by ascending id; Resolve
// returns nil (no error) for an unknown id.
type WorkerDirectory interface {
	ListActive(ctx context.Context) ([]Worker, error)
	Resolve(ctx context.Context, id WorkerID) (*Worker, error)
}

// OrderService is the external order collaborator.
type OrderService interface {
	Exists(ctx context.Context, orderRef string) (bool, error)
	MarkVerified(ctx context.Context, orderRef, verifierLabel string, at time.Time) error
}

// Stores bundles the collaborator implementations injected into a Station.
// Orders may be nil, in which case order existence stays the caller's
// responsibility and verification is not propagated anywhere.
type Stores struct {
	Leases    LeaseStore
	Stats     StatStore
	Directory WorkerDirectory
	Orders    OrderService
}

// callStore runs op under the given timeout and retries once when the
// failure looks transient; the sql pool re-establishes the connection
// between attempts. A second failure surfaces as StoreUnavailable.
func callStore(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	var attempt = func() error {
		var opCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		return op(opCtx)
	}

	var err = attempt()
	if err == nil || !isTransient(err) {
		return err
	}

	if err = attempt(); err == nil {
		return nil
	}
	return newError(KindStoreUnavailable, "store unreachable after retry: %v", err)
}

// isTransient reports whether the error is a connection-level failure worth
// one retry, as opposed to a terminal outcome of the statement itself.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Class 08 = connection exceptions, class 57 = server shutdown.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		var code = string(pqErr.Code)
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57")
	}

	return false
}

// isUniqueViolation reports whether the error is a Postgres unique
// constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// pgLeaseStore backs LeaseStore with the station's Postgres tables.
type pgLeaseStore struct {
	queries *database.Queries
	timeout time.Duration
}

func (s *pgLeaseStore) Insert(ctx context.Context, lease *Lease) error {
	var err = callStore(ctx, s.timeout, func(ctx context.Context) error {
		return s.queries.InsertLease(ctx, leaseToRecord(lease))
	})
	if isUniqueViolation(err) {
		// The partial unique index on (order_ref) WHERE status = 'assigned'
		// caught a concurrent dispatch for the same order.
		return newError(KindAlreadyAssigned, "order %q already has an assigned lease", lease.OrderRef)
	}
	return err
}

func (s *pgLeaseStore) FindActive(ctx context.Context, orderRef string) (*Lease, error) {
	var record *database.LeaseRecord
	var err = callStore(ctx, s.timeout, func(ctx context.Context) error {
		var findErr error
		record, findErr = s.queries.GetActiveLease(ctx, orderRef)
		return findErr
	})
	if err != nil || record == nil {
		return nil, err
	}
	return leaseFromRecord(record), nil
}

func (s *pgLeaseStore) FindActiveFor(ctx context.Context, orderRef string, workerID WorkerID) (*Lease, error) {
	var record *database.LeaseRecord
	var err = callStore(ctx, s.timeout, func(ctx context.Context) error {
		var findErr error
		record, findErr = s.queries.GetActiveLeaseForWorker(ctx, orderRef, int(workerID))
		return findErr
	})
	if err != nil || record == nil {
		return nil, err
	}
	return leaseFromRecord(record), nil
}

func (s *pgLeaseStore) Transition(ctx context.Context, leaseID string, from, to LeaseStatus, fields TransitionFields) (bool, error) {
	var moved bool
	var err = callStore(ctx, s.timeout, func(ctx context.Context) error {
		var transitionErr error
		moved, transitionErr = s.queries.TransitionLease(ctx, leaseID, string(from), string(to), transitionToRecord(fields))
		return transitionErr
	})
	return moved, err
}

func (s *pgLeaseStore) FindExpiredPastTTL(ctx context.Context, ttl time.Duration) ([]*Lease, error) {
	var records []*database.LeaseRecord
	var err = callStore(ctx, s.timeout, func(ctx context.Context) error {
		var listErr error
		records, listErr = s.queries.ListStaleLeases(ctx, time.Now().Add(-ttl))
		return listErr
	})
	if err != nil {
		return nil, err
	}

	var leases = make([]*Lease, len(records))
	for i, record := range records {
		leases[i] = leaseFromRecord(record)
	}
	return leases, nil
}

func (s *pgLeaseStore) CountActiveFor(ctx context.Context, workerID WorkerID, window time.Duration) (int, error) {
	var count int
	var err = callStore(ctx, s.timeout, func(ctx context.Context) error {
		var countErr error
		count, countErr = s.queries.CountActiveLeases(ctx, int(workerID), time.Now().Add(-window))
		return countErr
	})
	return count, err
}

func (s *pgLeaseStore) CountConfirmedSince(ctx context.Context, workerID WorkerID, since time.Time) (int, error) {
	var count int
	var err = callStore(ctx, s.timeout, func(ctx context.Context) error {
		var countErr error
		count, countErr = s.queries.CountConfirmedSince(ctx, int(workerID), since)
		return countErr
	})
	return count, err
}

// pgStatStore backs StatStore with the station's worker_stats table.
type pgStatStore struct {
	queries *database.Queries
	timeout time.Duration
}

func (s *pgStatStore) Increment(ctx context.Context, workerID WorkerID, field StatField) error {
	var dAssigned, dConfirmed, dExpired int
	switch field {
	case StatAssigned:
		dAssigned = 1
	case StatConfirmed:
		dConfirmed = 1
	case StatExpired:
		dExpired = 1
	}

	return callStore(ctx, s.timeout, func(ctx context.Context) error {
		return s.queries.IncrementStat(ctx, int(workerID), dAssigned, dConfirmed, dExpired)
	})
}

func (s *pgStatStore) Snapshot(ctx context.Context, workerID WorkerID) (*WorkerStat, error) {
	var record *database.StatRecord
	var err = callStore(ctx, s.timeout, func(ctx context.Context) error {
		var getErr error
		record, getErr = s.queries.GetStat(ctx, int(workerID))
		return getErr
	})
	if err != nil {
		return nil, err
	}

	if record == nil {
		// Stats are created lazily on first assignment.
		return &WorkerStat{WorkerID: workerID}, nil
	}
	return &WorkerStat{
		WorkerID:       WorkerID(record.WorkerID),
		TotalAssigned:  record.TotalAssigned,
		TotalConfirmed: record.TotalConfirmed,
		TotalExpired:   record.TotalExpired,
		LastUpdated:    record.LastUpdated,
	}, nil
}

// pgDirectory backs WorkerDirectory with the station's workers table.
type pgDirectory struct {
	queries *database.Queries
	timeout time.Duration
}

func (d *pgDirectory) ListActive(ctx context.Context) ([]Worker, error) {
	var records []*database.WorkerRecord
	var err = callStore(ctx, d.timeout, func(ctx context.Context) error {
		var listErr error
		records, listErr = d.queries.ListActiveWorkers(ctx)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	var workers = make([]Worker, len(records))
	for i, record := range records {
		workers[i] = Worker{ID: WorkerID(record.WorkerID), Name: record.Name, Active: record.Active}
	}
	return workers, nil
}

func (d *pgDirectory) Resolve(ctx context.Context, id WorkerID) (*Worker, error) {
	var record *database.WorkerRecord
	var err = callStore(ctx, d.timeout, func(ctx context.Context) error {
		var getErr error
		record, getErr = d.queries.GetWorker(ctx, int(id))
		return getErr
	})
	if err != nil || record == nil {
		return nil, err
	}
	return &Worker{ID: WorkerID(record.WorkerID), Name: record.Name, Active: record.Active}, nil
}

// pgOrders backs OrderService with the station's orders table.
type pgOrders struct {
	queries *database.Queries
	timeout time.Duration
}

func (o *pgOrders) Exists(ctx context.Context, orderRef string) (bool, error) {
	var exists bool
	var err = callStore(ctx, o.timeout, func(ctx context.Context) error {
		var existsErr error
		exists, existsErr = o.queries.OrderExists(ctx, orderRef)
		return existsErr
	})
	return exists, err
}

func (o *pgOrders) MarkVerified(ctx context.Context, orderRef, verifierLabel string, at time.Time) error {
	return callStore(ctx, o.timeout, func(ctx context.Context) error {
		return o.queries.MarkOrderVerified(ctx, orderRef, verifierLabel, at)
	})
}

func leaseToRecord(lease *Lease) *database.LeaseRecord {
	var record = &database.LeaseRecord{
		ID:        lease.ID,
		OrderRef:  lease.OrderRef,
		WorkerID:  int(lease.WorkerID),
		Status:    string(lease.Status),
		CreatedAt: lease.CreatedAt,
	}
	if lease.ReassignedFrom != nil {
		record.ReassignedFrom = sql.NullString{String: *lease.ReassignedFrom, Valid: true}
	}
	return record
}

func leaseFromRecord(record *database.LeaseRecord) *Lease {
	var lease = &Lease{
		ID:        record.ID,
		OrderRef:  record.OrderRef,
		WorkerID:  WorkerID(record.WorkerID),
		Status:    LeaseStatus(record.Status),
		CreatedAt: record.CreatedAt,
	}
	if record.WorkerName.Valid {
		lease.WorkerName = record.WorkerName.String
	}
	if record.ConfirmedAt.Valid {
		var t = record.ConfirmedAt.Time
		lease.ConfirmedAt = &t
	}
	if record.ExpiredAt.Valid {
		var t = record.ExpiredAt.Time
		lease.ExpiredAt = &t
	}
	if record.ElapsedSeconds.Valid {
		var n = int(record.ElapsedSeconds.Int64)
		lease.ElapsedSeconds = &n
	}
	if record.ReassignedFrom.Valid {
		var from = record.ReassignedFrom.String
		lease.ReassignedFrom = &from
	}
	return lease
}

func transitionToRecord(fields TransitionFields) database.TransitionRecord {
	var record = database.TransitionRecord{}
	if fields.WorkerName != "" {
		record.WorkerName = sql.NullString{String: fields.WorkerName, Valid: true}
	}
	if fields.ConfirmedAt != nil {
		record.ConfirmedAt = sql.NullTime{Time: *fields.ConfirmedAt, Valid: true}
	}
	if fields.ExpiredAt != nil {
		record.ExpiredAt = sql.NullTime{Time: *fields.ExpiredAt, Valid: true}
	}
	if fields.ElapsedSeconds != nil {
		record.ElapsedSeconds = sql.NullInt64{Int64: int64(*fields.ElapsedSeconds), Valid: true}
	}
	return record
}
