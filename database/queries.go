package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db        DBTX
	tableName string
}

// NewQueries creates a new Queries instance with the given table name.
func NewQueries(db DBTX, tableName string) *Queries {
	return &Queries{
		db:        db,
		tableName: tableName,
	}
}

var (
	leaseColumns = `id, order_ref, worker_id, status, worker_name, created_at, confirmed_at, expired_at, elapsed_seconds, reassigned_from`

	insertLeaseSQL = `
INSERT INTO %s_leases (id, order_ref, worker_id, status, created_at, reassigned_from)
VALUES ($1, $2, $3, $4, $5, $6);`

	getActiveLeaseSQL = `
SELECT ` + "%[2]s" + `
FROM %[1]s_leases
WHERE order_ref = $1 AND status = 'assigned';`

	getActiveLeaseForWorkerSQL = `
SELECT ` + "%[2]s" + `
FROM %[1]s_leases
WHERE order_ref = $1 AND worker_id = $2 AND status = 'assigned';`

	// The status precondition makes the transition first-writer-wins: a
	// racing actor sees zero rows affected and takes no action.
	transitionLeaseSQL = `
UPDATE %s_leases
SET status = $3,
    worker_name = COALESCE($4, worker_name),
    confirmed_at = COALESCE($5, confirmed_at),
    expired_at = COALESCE($6, expired_at),
    elapsed_seconds = COALESCE($7, elapsed_seconds)
WHERE id = $1 AND status = $2;`

	listStaleLeasesSQL = `
SELECT ` + "%[2]s" + `
FROM %[1]s_leases
WHERE status = 'assigned' AND created_at < $1
ORDER BY created_at ASC;`

	countActiveLeasesSQL = `
SELECT COUNT(*)
FROM %s_leases
WHERE worker_id = $1 AND status = 'assigned' AND created_at > $2;`

	countConfirmedSinceSQL = `
SELECT COUNT(*)
FROM %s_leases
WHERE worker_id = $1 AND status = 'confirmed' AND confirmed_at >= $2;`

	incrementStatSQL = `
INSERT INTO %[1]s_worker_stats (worker_id, total_assigned, total_confirmed, total_expired, last_updated)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (worker_id)
DO UPDATE SET
    total_assigned  = %[1]s_worker_stats.total_assigned  + EXCLUDED.total_assigned,
    total_confirmed = %[1]s_worker_stats.total_confirmed + EXCLUDED.total_confirmed,
    total_expired   = %[1]s_worker_stats.total_expired   + EXCLUDED.total_expired,
    last_updated    = NOW();`

	getStatSQL = `
SELECT worker_id, total_assigned, total_confirmed, total_expired, last_updated
FROM %s_worker_stats
WHERE worker_id = $1;`

	listActiveWorkersSQL = `
SELECT worker_id, name, active
FROM %s_workers
WHERE active
ORDER BY worker_id ASC;`

	getWorkerSQL = `
SELECT worker_id, name, active
FROM %s_workers
WHERE worker_id = $1;`

	upsertWorkerSQL = `
INSERT INTO %s_workers (worker_id, name, active)
VALUES ($1, $2, $3)
ON CONFLICT (worker_id)
DO UPDATE SET
    name = EXCLUDED.name,
    active = EXCLUDED.active;`

	setWorkerActiveSQL = `
UPDATE %s_workers
SET active = $2
WHERE worker_id = $1;`

	createOrderSQL = `
INSERT INTO %s_orders (order_ref)
VALUES ($1)
ON CONFLICT (order_ref) DO NOTHING;`

	orderExistsSQL = `
SELECT EXISTS(SELECT 1 FROM %s_orders WHERE order_ref = $1);`

	markOrderVerifiedSQL = `
UPDATE %s_orders
SET verified = TRUE, verified_by = $2, verified_at = $3
WHERE order_ref = $1;`
)

// InsertLease appends a new lease row.
func (q *Queries) InsertLease(ctx context.Context, lease *LeaseRecord) error {
	var query = fmt.Sprintf(insertLeaseSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query,
		lease.ID, lease.OrderRef, lease.WorkerID, lease.Status, lease.CreatedAt, lease.ReassignedFrom,
	)
	if err != nil {
		return fmt.Errorf("failed to insert lease: %w", err)
	}
	return nil
}

// GetActiveLease retrieves the order's assigned lease, or nil.
func (q *Queries) GetActiveLease(ctx context.Context, orderRef string) (*LeaseRecord, error) {
	var query = fmt.Sprintf(getActiveLeaseSQL, q.tableName, leaseColumns)
	return q.scanLease(q.db.QueryRowContext(ctx, query, orderRef))
}

// GetActiveLeaseForWorker retrieves the assigned lease for the order/worker
// pair, or nil.
func (q *Queries) GetActiveLeaseForWorker(ctx context.Context, orderRef string, workerID int) (*LeaseRecord, error) {
	var query = fmt.Sprintf(getActiveLeaseForWorkerSQL, q.tableName, leaseColumns)
	return q.scanLease(q.db.QueryRowContext(ctx, query, orderRef, workerID))
}

// TransitionLease moves a lease from one status to another only if it is
// still in the expected status, reporting whether a row was updated.
func (q *Queries) TransitionLease(ctx context.Context, leaseID, fromStatus, toStatus string, fields TransitionRecord) (bool, error) {
	var query = fmt.Sprintf(transitionLeaseSQL, q.tableName)
	result, err := q.db.ExecContext(ctx, query,
		leaseID, fromStatus, toStatus,
		fields.WorkerName, fields.ConfirmedAt, fields.ExpiredAt, fields.ElapsedSeconds,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition lease: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// ListStaleLeases returns assigned leases created before the cutoff, oldest
// first.
func (q *Queries) ListStaleLeases(ctx context.Context, cutoff time.Time) ([]*LeaseRecord, error) {
	var (
		query     = fmt.Sprintf(listStaleLeasesSQL, q.tableName, leaseColumns)
		rows, err = q.db.QueryContext(ctx, query, cutoff)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale leases: %w", err)
	}
	defer rows.Close()

	var leases []*LeaseRecord
	for rows.Next() {
		var lease LeaseRecord
		if err := rows.Scan(&lease.ID, &lease.OrderRef, &lease.WorkerID, &lease.Status, &lease.WorkerName,
			&lease.CreatedAt, &lease.ConfirmedAt, &lease.ExpiredAt, &lease.ElapsedSeconds, &lease.ReassignedFrom); err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		leases = append(leases, &lease)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return leases, nil
}

// CountActiveLeases counts a worker's assigned leases created after the cutoff.
func (q *Queries) CountActiveLeases(ctx context.Context, workerID int, cutoff time.Time) (int, error) {
	var (
		query = fmt.Sprintf(countActiveLeasesSQL, q.tableName)
		count int
		err   = q.db.QueryRowContext(ctx, query, workerID, cutoff).Scan(&count)
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count active leases: %w", err)
	}
	return count, nil
}

// CountConfirmedSince counts a worker's confirmations at or after the cutoff.
func (q *Queries) CountConfirmedSince(ctx context.Context, workerID int, since time.Time) (int, error) {
	var (
		query = fmt.Sprintf(countConfirmedSinceSQL, q.tableName)
		count int
		err   = q.db.QueryRowContext(ctx, query, workerID, since).Scan(&count)
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count confirmed leases: %w", err)
	}
	return count, nil
}

// IncrementStat atomically adds the deltas to a worker's counters, creating
// the row on first use.
func (q *Queries) IncrementStat(ctx context.Context, workerID, dAssigned, dConfirmed, dExpired int) error {
	var query = fmt.Sprintf(incrementStatSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, workerID, dAssigned, dConfirmed, dExpired)
	if err != nil {
		return fmt.Errorf("failed to increment stat: %w", err)
	}
	return nil
}

// GetStat retrieves a worker's counter row, or nil if none exists yet.
func (q *Queries) GetStat(ctx context.Context, workerID int) (*StatRecord, error) {
	var (
		query = fmt.Sprintf(getStatSQL, q.tableName)
		stat  StatRecord
		err   = q.db.QueryRowContext(ctx, query, workerID).Scan(
			&stat.WorkerID, &stat.TotalAssigned, &stat.TotalConfirmed, &stat.TotalExpired, &stat.LastUpdated,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stat: %w", err)
	}

	return &stat, nil
}

// ListActiveWorkers returns all active workers, ordered by id.
func (q *Queries) ListActiveWorkers(ctx context.Context) ([]*WorkerRecord, error) {
	var (
		query     = fmt.Sprintf(listActiveWorkersSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active workers: %w", err)
	}
	defer rows.Close()

	var workers []*WorkerRecord
	for rows.Next() {
		var worker WorkerRecord
		if err := rows.Scan(&worker.WorkerID, &worker.Name, &worker.Active); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, &worker)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return workers, nil
}

// GetWorker retrieves a single worker by id, or nil.
func (q *Queries) GetWorker(ctx context.Context, workerID int) (*WorkerRecord, error) {
	var (
		query  = fmt.Sprintf(getWorkerSQL, q.tableName)
		worker WorkerRecord
		err    = q.db.QueryRowContext(ctx, query, workerID).Scan(&worker.WorkerID, &worker.Name, &worker.Active)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}

	return &worker, nil
}

// UpsertWorker inserts or updates a worker row.
func (q *Queries) UpsertWorker(ctx context.Context, worker *WorkerRecord) error {
	var query = fmt.Sprintf(upsertWorkerSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, worker.WorkerID, worker.Name, worker.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}
	return nil
}

// SetWorkerActive flips a worker's activity status.
func (q *Queries) SetWorkerActive(ctx context.Context, workerID int, active bool) error {
	var query = fmt.Sprintf(setWorkerActiveSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, workerID, active)
	if err != nil {
		return fmt.Errorf("failed to set worker activity: %w", err)
	}
	return nil
}

// CreateOrder registers an order ref if it is not already known.
func (q *Queries) CreateOrder(ctx context.Context, orderRef string) error {
	var query = fmt.Sprintf(createOrderSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, orderRef)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// OrderExists reports whether the order ref is known.
func (q *Queries) OrderExists(ctx context.Context, orderRef string) (bool, error) {
	var (
		query  = fmt.Sprintf(orderExistsSQL, q.tableName)
		exists bool
		err    = q.db.QueryRowContext(ctx, query, orderRef).Scan(&exists)
	)
	if err != nil {
		return false, fmt.Errorf("failed to check order existence: %w", err)
	}
	return exists, nil
}

// MarkOrderVerified records the verification outcome on the order row.
func (q *Queries) MarkOrderVerified(ctx context.Context, orderRef, verifiedBy string, at time.Time) error {
	var query = fmt.Sprintf(markOrderVerifiedSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, orderRef, verifiedBy, at)
	if err != nil {
		return fmt.Errorf("failed to mark order verified: %w", err)
	}
	return nil
}

// scanLease scans one lease row, mapping no-rows to nil.
func (q *Queries) scanLease(row *sql.Row) (*LeaseRecord, error) {
	var lease LeaseRecord
	var err = row.Scan(&lease.ID, &lease.OrderRef, &lease.WorkerID, &lease.Status, &lease.WorkerName,
		&lease.CreatedAt, &lease.ConfirmedAt, &lease.ExpiredAt, &lease.ElapsedSeconds, &lease.ReassignedFrom)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan lease: %w", err)
	}

	return &lease, nil
}
