package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"willhaben-tracker/models"
)

// ErrRunFinished is returned when completing or failing a run that is no
// longer running.
var ErrRunFinished = errors.New("storage: scrape run already finished")

const maxFailReason = 200

// RunTracker records scrape cycle executions.
type RunTracker struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewRunTracker creates a RunTracker over an opened database.
func NewRunTracker(db *sqlx.DB) *RunTracker {
	return &RunTracker{db: db, now: time.Now}
}

// WithClock replaces the clock used for run timestamps.
func (r *RunTracker) WithClock(now func() time.Time) *RunTracker {
	r.now = now
	return r
}

// Start opens a new run in the running state and returns its id.
func (r *RunTracker) Start(ctx context.Context) (int64, error) {
	var id int64
	err := r.db.QueryRowxContext(ctx,
		r.db.Rebind(`INSERT INTO scrape_runs (started_at, status) VALUES (?, ?) RETURNING id`),
		dbTime(r.now()), models.RunStatusRunning,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("runs: start: %w", err)
	}
	return id, nil
}

// Complete finishes a running run with its counts.
func (r *RunTracker) Complete(ctx context.Context, runID int64, found, newCount, closedCount int) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE scrape_runs
		SET completed_at = ?, listings_found = ?, new_listings = ?, closed_listings = ?, status = ?
		WHERE id = ? AND status = ?
	`), dbTime(r.now()), found, newCount, closedCount, models.RunStatusCompleted, runID, models.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("runs: complete %d: %w", runID, err)
	}
	return checkFinished(res, runID)
}

// Fail finishes a running run with status "failed: <reason>". The reason is
// cut to 200 characters.
func (r *RunTracker) Fail(ctx context.Context, runID int64, reason string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE scrape_runs
		SET completed_at = ?, status = ?
		WHERE id = ? AND status = ?
	`), dbTime(r.now()), FailedStatus(reason), runID, models.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("runs: fail %d: %w", runID, err)
	}
	return checkFinished(res, runID)
}

// FailedStatus renders the stored status of a failed run.
func FailedStatus(reason string) string {
	if runes := []rune(reason); len(runes) > maxFailReason {
		reason = string(runes[:maxFailReason])
	}
	return models.RunStatusFailed + ": " + reason
}

func checkFinished(res sql.Result, runID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("runs: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: run %d", ErrRunFinished, runID)
	}
	return nil
}

// Get returns one run, or nil when it does not exist.
func (r *RunTracker) Get(ctx context.Context, runID int64) (*models.ScrapeRun, error) {
	var run models.ScrapeRun
	err := r.db.GetContext(ctx, &run, r.db.Rebind(`SELECT `+runColumns+` FROM scrape_runs WHERE id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runs: fetch %d: %w", runID, err)
	}
	return &run, nil
}

const runColumns = `id, started_at, completed_at, listings_found, new_listings, closed_listings, status`

// Recent returns up to limit runs, newest first.
func (r *RunTracker) Recent(ctx context.Context, limit int) ([]models.ScrapeRun, error) {
	if limit <= 0 {
		return []models.ScrapeRun{}, nil
	}
	runs := []models.ScrapeRun{}
	err := r.db.SelectContext(ctx, &runs,
		r.db.Rebind(`SELECT `+runColumns+` FROM scrape_runs ORDER BY started_at DESC, id DESC LIMIT ?`),
		limit)
	if err != nil {
		return nil, fmt.Errorf("runs: fetch recent: %w", err)
	}
	return runs, nil
}

// CompletedRuns returns every completed run, newest first.
func (r *RunTracker) CompletedRuns(ctx context.Context) ([]models.ScrapeRun, error) {
	runs := []models.ScrapeRun{}
	err := r.db.SelectContext(ctx, &runs,
		r.db.Rebind(`SELECT `+runColumns+` FROM scrape_runs WHERE status = ? ORDER BY started_at DESC, id DESC`),
		models.RunStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("runs: fetch completed: %w", err)
	}
	return runs, nil
}
