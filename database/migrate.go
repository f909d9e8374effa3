package database

import (
	"database/sql"
	"fmt"
)

var (
	createLeasesTableSQL = `
CREATE TABLE IF NOT EXISTS %s_leases (
    id                UUID          PRIMARY KEY,
    order_ref         VARCHAR       NOT NULL,
    worker_id         INTEGER       NOT NULL,
    status            VARCHAR       NOT NULL,
    worker_name       VARCHAR,
    created_at        TIMESTAMPTZ   NOT NULL,
    confirmed_at      TIMESTAMPTZ,
    expired_at        TIMESTAMPTZ,
    elapsed_seconds   INTEGER,
    reassigned_from   UUID
);`

	// At most one assigned lease per order, enforced by the store itself.
	createActiveOrderIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS %s_leases_active_order_idx
ON %s_leases (order_ref) WHERE status = 'assigned';`

	createSweepIndexSQL = `
CREATE INDEX IF NOT EXISTS %s_leases_sweep_idx
ON %s_leases (status, created_at);`

	createStatsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_worker_stats (
    worker_id         INTEGER       PRIMARY KEY,
    total_assigned    INTEGER       NOT NULL DEFAULT 0,
    total_confirmed   INTEGER       NOT NULL DEFAULT 0,
    total_expired     INTEGER       NOT NULL DEFAULT 0,
    last_updated      TIMESTAMPTZ   NOT NULL
);`

	createWorkersTableSQL = `
CREATE TABLE IF NOT EXISTS %s_workers (
    worker_id   INTEGER   PRIMARY KEY,
    name        VARCHAR   NOT NULL,
    active      BOOLEAN   NOT NULL DEFAULT TRUE
);`

	createWorkersNameIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS %s_workers_name_idx
ON %s_workers (LOWER(name));`

	createOrdersTableSQL = `
CREATE TABLE IF NOT EXISTS %s_orders (
    order_ref     VARCHAR       PRIMARY KEY,
    verified      BOOLEAN       NOT NULL DEFAULT FALSE,
    verified_by   VARCHAR,
    verified_at   TIMESTAMPTZ
);`
)

// Migrate creates the leases, worker_stats, workers and orders tables with
// their indexes.
func Migrate(db *sql.DB, tableName string) error {
	var statements = []string{
		fmt.Sprintf(createLeasesTableSQL, tableName),
		fmt.Sprintf(createActiveOrderIndexSQL, tableName, tableName),
		fmt.Sprintf(createSweepIndexSQL, tableName, tableName),
		fmt.Sprintf(createStatsTableSQL, tableName),
		fmt.Sprintf(createWorkersTableSQL, tableName),
		fmt.Sprintf(createWorkersNameIndexSQL, tableName, tableName),
		fmt.Sprintf(createOrdersTableSQL, tableName),
	}

	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	return nil
}
