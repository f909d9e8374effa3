package watchduty

import (
	"database/sql"
	"math"
	"time"
)

// WorkerID identifies a watchman within the fixed on-duty pool.
// Valid ids run from 1 to the configured pool capacity.
type WorkerID int

// Valid reports whether the id falls inside a pool of the given capacity.
func (id WorkerID) Valid(capacity int) bool {
	return id >= 1 && int(id) <= capacity
}

// Worker is the directory's view of one watchman.
type Worker struct {
	ID     WorkerID
	Name   string
	Active bool
}

// LeaseStatus enumerates the lease lifecycle states.
// Confirmed and expired are terminal.
type LeaseStatus string

const (
	LeaseAssigned  LeaseStatus = "assigned"
	LeaseConfirmed LeaseStatus = "confirmed"
	LeaseExpired   LeaseStatus = "expired"
)

// Lease is one worker's time-bounded claim on one order.
// Leases are append-only: an expired lease is superseded by a new lease
// carrying ReassignedFrom, forming the order's reassignment chain.
type Lease struct {
	ID             string
	OrderRef       string
	WorkerID       WorkerID
	Status         LeaseStatus
	WorkerName     string // recorded at confirmation time
	CreatedAt      time.Time
	ConfirmedAt    *time.Time
	ExpiredAt      *time.Time
	ElapsedSeconds *int
	ReassignedFrom *string // prior expired lease this one supersedes
}

// WorkerStat holds the per-worker performance counters.
// Pending and Efficiency are derived at read time and never stored.
type WorkerStat struct {
	WorkerID       WorkerID
	TotalAssigned  int
	TotalConfirmed int
	TotalExpired   int
	Pending        int
	Efficiency     int
	LastUpdated    time.Time
}

// WorkerReport is one row of the station report.
type WorkerReport struct {
	Worker         Worker
	Stat           WorkerStat
	CompletedToday int
}

// Efficiency computes the confirmation percentage, rounded to the nearest
// integer. Zero assignments yield zero, not a division error.
func Efficiency(confirmed, assigned int) int {
	if assigned <= 0 {
		return 0
	}
	return int(math.Round(float64(confirmed) / float64(assigned) * 100))
}

// Station is the assignment engine: it dispatches completed orders to the
// on-duty pool, tracks each lease through its TTL, expires and reassigns
// stale leases on a background sweep, and keeps per-worker accounting.
type Station struct {
	stationID   string
	db          *sql.DB // nil when stores are injected directly
	leases      LeaseStore
	stats       StatStore
	directory   WorkerDirectory
	orders      OrderService
	options     options
	dispatcher  *dispatcher
	confirmer   *confirmer
	sweeper     *sweeper
	reporter    *reporter
	coordinator *coordinator
}
