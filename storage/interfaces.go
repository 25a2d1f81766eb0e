package storage

import (
	"context"
	"time"

	"willhaben-tracker/models"
)

// ListingWriter is the set of listing mutations a reconciliation needs. Both
// the store and a transaction handle satisfy it.
type ListingWriter interface {
	GetOrCreate(ctx context.Context, adID, url string) (int64, error)
	AppendSnapshot(ctx context.Context, snap *models.Snapshot) error
	ListOpenAdIDs(ctx context.Context) (map[string]struct{}, error)
	MarkClosed(ctx context.Context, adIDs []string, at time.Time) (int, error)
}

// ListingTxRunner runs fn inside one transaction; fn's error rolls it back.
type ListingTxRunner interface {
	InTx(ctx context.Context, fn func(ListingWriter) error) error
}

// RunRecorder is the write side of the run tracker.
type RunRecorder interface {
	Start(ctx context.Context) (int64, error)
	Complete(ctx context.Context, runID int64, found, newCount, closedCount int) error
	Fail(ctx context.Context, runID int64, reason string) error
}

// RawListingWriter is the interface for archiving unprocessed scraped data.
type RawListingWriter interface {
	WriteRaw(listings []*models.RawListing) error
	Close() error
}

// ListingReader is the read path over listings and their history.
type ListingReader interface {
	ListingRecords(ctx context.Context) ([]models.ListingRecord, error)
	ListingRecord(ctx context.Context, id int64) (*models.ListingRecord, error)
	Snapshots(ctx context.Context) ([]models.Snapshot, error)
	ListingSnapshots(ctx context.Context, listingID int64) ([]models.Snapshot, error)
}

// RunReader is the read side of the run tracker.
type RunReader interface {
	Recent(ctx context.Context, limit int) ([]models.ScrapeRun, error)
	CompletedRuns(ctx context.Context) ([]models.ScrapeRun, error)
}
