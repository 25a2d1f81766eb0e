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

// ErrDuplicateSnapshot is returned when a snapshot for the same listing and
// capture time already exists.
var ErrDuplicateSnapshot = errors.New("storage: duplicate snapshot")

// markClosedChunk keeps IN lists well below driver parameter limits.
const markClosedChunk = 500

// ListingStore persists listings, their snapshot history and open/closed
// status.
type ListingStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewListingStore creates a ListingStore over an opened database.
func NewListingStore(db *sqlx.DB) *ListingStore {
	return &ListingStore{db: db, now: time.Now}
}

// WithClock replaces the clock used for first-seen timestamps.
func (s *ListingStore) WithClock(now func() time.Time) *ListingStore {
	s.now = now
	return s
}

// InTx runs fn in a single transaction. Everything fn did is rolled back when
// it returns an error.
func (s *ListingStore) InTx(ctx context.Context, fn func(ListingWriter) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("listings: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&listingTx{tx: tx, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("listings: commit: %w", err)
	}
	return nil
}

// GetOrCreate returns the listing id for adID, creating the listing and its
// open status row together when it does not exist yet.
func (s *ListingStore) GetOrCreate(ctx context.Context, adID, url string) (int64, error) {
	var id int64
	err := s.InTx(ctx, func(w ListingWriter) error {
		var err error
		id, err = w.GetOrCreate(ctx, adID, url)
		return err
	})
	return id, err
}

// AppendSnapshot stores one snapshot in its own transaction.
func (s *ListingStore) AppendSnapshot(ctx context.Context, snap *models.Snapshot) error {
	return s.InTx(ctx, func(w ListingWriter) error {
		return w.AppendSnapshot(ctx, snap)
	})
}

// ListOpenAdIDs returns the ad ids of every open listing.
func (s *ListingStore) ListOpenAdIDs(ctx context.Context) (map[string]struct{}, error) {
	return listOpenAdIDs(ctx, s.db)
}

// MarkClosed closes the open listings among adIDs at the given time and
// returns how many changed.
func (s *ListingStore) MarkClosed(ctx context.Context, adIDs []string, at time.Time) (int, error) {
	var n int
	err := s.InTx(ctx, func(w ListingWriter) error {
		var err error
		n, err = w.MarkClosed(ctx, adIDs, at)
		return err
	})
	return n, err
}

// ListingRecords returns every listing with its status, ordered by id.
func (s *ListingStore) ListingRecords(ctx context.Context) ([]models.ListingRecord, error) {
	var recs []models.ListingRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT l.id, l.ad_id, l.url, l.first_seen_at, ls.status, ls.closed_at
		FROM listings l
		JOIN listing_status ls ON ls.listing_id = l.id
		ORDER BY l.id
	`)
	if err != nil {
		return nil, fmt.Errorf("listings: fetch all: %w", err)
	}
	return recs, nil
}

// ListingRecord returns one listing with its status, or nil when id is
// unknown.
func (s *ListingStore) ListingRecord(ctx context.Context, id int64) (*models.ListingRecord, error) {
	var rec models.ListingRecord
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(`
		SELECT l.id, l.ad_id, l.url, l.first_seen_at, ls.status, ls.closed_at
		FROM listings l
		JOIN listing_status ls ON ls.listing_id = l.id
		WHERE l.id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listings: fetch %d: %w", id, err)
	}
	return &rec, nil
}

const snapshotColumns = `id, listing_id, scraped_at, title, price, price_value, location, rooms, size_sqm, size_sqm_value, price_per_sqm`

// Snapshots returns the whole snapshot history.
func (s *ListingStore) Snapshots(ctx context.Context) ([]models.Snapshot, error) {
	var snaps []models.Snapshot
	err := s.db.SelectContext(ctx, &snaps, `SELECT `+snapshotColumns+` FROM snapshots ORDER BY listing_id, scraped_at, id`)
	if err != nil {
		return nil, fmt.Errorf("snapshots: fetch all: %w", err)
	}
	return snaps, nil
}

// ListingSnapshots returns the history of one listing.
func (s *ListingStore) ListingSnapshots(ctx context.Context, listingID int64) ([]models.Snapshot, error) {
	var snaps []models.Snapshot
	err := s.db.SelectContext(ctx, &snaps,
		s.db.Rebind(`SELECT `+snapshotColumns+` FROM snapshots WHERE listing_id = ? ORDER BY scraped_at, id`),
		listingID)
	if err != nil {
		return nil, fmt.Errorf("snapshots: fetch listing %d: %w", listingID, err)
	}
	return snaps, nil
}

type listingTx struct {
	tx  *sqlx.Tx
	now func() time.Time
}

func (t *listingTx) GetOrCreate(ctx context.Context, adID, url string) (int64, error) {
	var id int64
	err := t.tx.GetContext(ctx, &id, t.tx.Rebind(`SELECT id FROM listings WHERE ad_id = ?`), adID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("listings: lookup %s: %w", adID, err)
	}

	err = t.tx.QueryRowxContext(ctx,
		t.tx.Rebind(`INSERT INTO listings (ad_id, url, first_seen_at) VALUES (?, ?, ?) RETURNING id`),
		adID, url, dbTime(t.now()),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("listings: insert %s: %w", adID, err)
	}

	if _, err := t.tx.ExecContext(ctx,
		t.tx.Rebind(`INSERT INTO listing_status (listing_id, status) VALUES (?, ?)`),
		id, string(models.StatusOpen),
	); err != nil {
		return 0, fmt.Errorf("listings: insert status for %s: %w", adID, err)
	}
	return id, nil
}

func (t *listingTx) AppendSnapshot(ctx context.Context, snap *models.Snapshot) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		INSERT INTO snapshots
			(listing_id, scraped_at, title, price, price_value, location, rooms, size_sqm, size_sqm_value, price_per_sqm)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (listing_id, scraped_at) DO NOTHING
	`),
		snap.ListingID, dbTime(snap.ScrapedAt), snap.Title, snap.PriceDisplay, snap.Price,
		snap.Location, snap.Rooms, snap.SizeDisplay, snap.Size, snap.PricePerArea,
	)
	if err != nil {
		return fmt.Errorf("snapshots: insert for listing %d: %w", snap.ListingID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("snapshots: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: listing %d at %s", ErrDuplicateSnapshot,
			snap.ListingID, snap.ScrapedAt.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

func (t *listingTx) ListOpenAdIDs(ctx context.Context) (map[string]struct{}, error) {
	return listOpenAdIDs(ctx, t.tx)
}

func (t *listingTx) MarkClosed(ctx context.Context, adIDs []string, at time.Time) (int, error) {
	if len(adIDs) == 0 {
		return 0, nil
	}

	closedAt := dbTime(at)
	total := 0
	for start := 0; start < len(adIDs); start += markClosedChunk {
		end := start + markClosedChunk
		if end > len(adIDs) {
			end = len(adIDs)
		}

		query, args, err := sqlx.In(`
			UPDATE listing_status
			SET status = ?, closed_at = ?
			WHERE status = ?
			  AND listing_id IN (SELECT id FROM listings WHERE ad_id IN (?))
		`, string(models.StatusClosed), closedAt, string(models.StatusOpen), adIDs[start:end])
		if err != nil {
			return total, fmt.Errorf("listings: build close query: %w", err)
		}

		res, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
		if err != nil {
			return total, fmt.Errorf("listings: mark closed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("listings: rows affected: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

// selecter is satisfied by both *sqlx.DB and *sqlx.Tx.
type selecter interface {
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
}

func listOpenAdIDs(ctx context.Context, q selecter) (map[string]struct{}, error) {
	var ids []string
	err := q.SelectContext(ctx, &ids, q.Rebind(`
		SELECT l.ad_id
		FROM listings l
		JOIN listing_status ls ON ls.listing_id = l.id
		WHERE ls.status = ?
	`), string(models.StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("listings: fetch open ad ids: %w", err)
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}
