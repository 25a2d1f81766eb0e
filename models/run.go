package models

import "time"

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// ScrapeRun is the bookkeeping record of one ingestion cycle. Status is
// "running", "completed" or "failed: <reason>".
type ScrapeRun struct {
	ID             int64      `db:"id" json:"id"`
	StartedAt      time.Time  `db:"started_at" json:"started_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ListingsFound  int        `db:"listings_found" json:"listings_found"`
	NewListings    int        `db:"new_listings" json:"new_listings"`
	ClosedListings int        `db:"closed_listings" json:"closed_listings"`
	Status         string     `db:"status" json:"status"`
}

// CycleResult summarises what one reconciliation did.
type CycleResult struct {
	RunID      int64     `json:"run_id"`
	CapturedAt time.Time `json:"captured_at"`
	Found      int       `json:"found"`
	New        int       `json:"new"`
	Closed     int       `json:"closed"`
	Duplicates int       `json:"duplicates"`
	MissingID  int       `json:"missing_id"`
}
