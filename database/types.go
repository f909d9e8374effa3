package database

import (
	"database/sql"
	"time"
)

// LeaseRecord represents a lease row in the database.
type LeaseRecord struct {
	ID             string
	OrderRef       string
	WorkerID       int
	Status         string
	WorkerName     sql.NullString
	CreatedAt      time.Time
	ConfirmedAt    sql.NullTime
	ExpiredAt      sql.NullTime
	ElapsedSeconds sql.NullInt64
	ReassignedFrom sql.NullString
}

// TransitionRecord carries the columns written alongside a status change.
type TransitionRecord struct {
	WorkerName     sql.NullString
	ConfirmedAt    sql.NullTime
	ExpiredAt      sql.NullTime
	ElapsedSeconds sql.NullInt64
}

// StatRecord represents a per-worker counter row in the database.
type StatRecord struct {
	WorkerID       int
	TotalAssigned  int
	TotalConfirmed int
	TotalExpired   int
	LastUpdated    time.Time
}

// WorkerRecord represents a worker row in the database.
type WorkerRecord struct {
	WorkerID int
	Name     string
	Active   bool
}

// OrderRecord represents an order row in the database.
type OrderRecord struct {
	OrderRef   string
	Verified   bool
	VerifiedBy sql.NullString
	VerifiedAt sql.NullTime
}
