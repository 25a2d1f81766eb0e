package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"willhaben-tracker/models"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := Open(context.Background(), Options{Driver: "sqlite", DSN: ":memory:", PingAttempts: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func int64p(v int64) *int64       { return &v }
func float64p(v float64) *float64 { return &v }

func TestGetOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewListingStore(openTestDB(t))

	first, err := s.GetOrCreate(ctx, "123", "https://example.test/123")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := s.GetOrCreate(ctx, "123", "https://example.test/other")
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if first != second {
		t.Errorf("ids differ: %d vs %d", first, second)
	}

	recs, err := s.ListingRecords(ctx)
	if err != nil {
		t.Fatalf("ListingRecords: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d listings, want 1", len(recs))
	}
	if recs[0].Status != models.StatusOpen || recs[0].ClosedAt != nil {
		t.Errorf("new listing should be open without closed_at, got %+v", recs[0])
	}
	if recs[0].URL != "https://example.test/123" {
		t.Errorf("url should be kept from first sighting, got %q", recs[0].URL)
	}
}

func TestAppendSnapshotDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewListingStore(openTestDB(t))
	id, err := s.GetOrCreate(ctx, "1", "u")
	if err != nil {
		t.Fatal(err)
	}

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := &models.Snapshot{
		ListingID: id, ScrapedAt: at, Title: "Wohnung", PriceDisplay: "€ 448.400",
		Price: int64p(448400), Size: float64p(80), PricePerArea: float64p(5605),
	}
	if err := s.AppendSnapshot(ctx, snap); err != nil {
		t.Fatalf("AppendSnapshot: %v", err)
	}
	err = s.AppendSnapshot(ctx, snap)
	if !errors.Is(err, ErrDuplicateSnapshot) {
		t.Fatalf("second append: got %v, want ErrDuplicateSnapshot", err)
	}

	snaps, err := s.ListingSnapshots(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
	got := snaps[0]
	if !got.ScrapedAt.Equal(at) {
		t.Errorf("ScrapedAt: got %v, want %v", got.ScrapedAt, at)
	}
	if got.Price == nil || *got.Price != 448400 {
		t.Errorf("Price: got %v", got.Price)
	}
	if got.PricePerArea == nil || *got.PricePerArea != 5605 {
		t.Errorf("PricePerArea: got %v", got.PricePerArea)
	}
	if got.Rooms != "" || got.SizeDisplay != "" {
		t.Errorf("absent text fields should read back empty, got %+v", got)
	}
}

func TestDuplicateInsideTxDoesNotAbortIt(t *testing.T) {
	ctx := context.Background()
	s := NewListingStore(openTestDB(t))
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	err := s.InTx(ctx, func(w ListingWriter) error {
		id, err := w.GetOrCreate(ctx, "1", "u")
		if err != nil {
			return err
		}
		if err := w.AppendSnapshot(ctx, &models.Snapshot{ListingID: id, ScrapedAt: at}); err != nil {
			return err
		}
		if err := w.AppendSnapshot(ctx, &models.Snapshot{ListingID: id, ScrapedAt: at}); !errors.Is(err, ErrDuplicateSnapshot) {
			t.Errorf("got %v, want ErrDuplicateSnapshot", err)
		}
		_, err = w.GetOrCreate(ctx, "2", "u2")
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	open, err := s.ListOpenAdIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Errorf("got %d open listings, want 2", len(open))
	}
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewListingStore(openTestDB(t))
	boom := errors.New("boom")

	err := s.InTx(ctx, func(w ListingWriter) error {
		if _, err := w.GetOrCreate(ctx, "1", "u"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	recs, err := s.ListingRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("rolled back listing is visible: %+v", recs)
	}
}

func TestMarkClosed(t *testing.T) {
	ctx := context.Background()
	s := NewListingStore(openTestDB(t))
	for _, ad := range []string{"a", "b", "c"} {
		if _, err := s.GetOrCreate(ctx, ad, ""); err != nil {
			t.Fatal(err)
		}
	}

	if n, err := s.MarkClosed(ctx, nil, time.Now()); err != nil || n != 0 {
		t.Fatalf("empty MarkClosed = (%d, %v); want (0, nil)", n, err)
	}

	first := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	n, err := s.MarkClosed(ctx, []string{"a", "b", "unknown"}, first)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("closed %d, want 2", n)
	}

	// Closing again must leave closed_at untouched.
	n, err = s.MarkClosed(ctx, []string{"a"}, first.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("re-close changed %d rows, want 0", n)
	}

	recs, err := s.ListingRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		switch r.AdID {
		case "a", "b":
			if r.Status != models.StatusClosed || r.ClosedAt == nil || !r.ClosedAt.Equal(first) {
				t.Errorf("%s: got status %s closed_at %v", r.AdID, r.Status, r.ClosedAt)
			}
		case "c":
			if r.Status != models.StatusOpen {
				t.Errorf("c should stay open, got %s", r.Status)
			}
		}
	}

	open, err := s.ListOpenAdIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := open["c"]; !ok || len(open) != 1 {
		t.Errorf("open ids: got %v, want only c", open)
	}
}

func TestListingRecordMissing(t *testing.T) {
	s := NewListingStore(openTestDB(t))
	rec, err := s.ListingRecord(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("got %+v, want nil", rec)
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r := NewRunTracker(openTestDB(t)).WithClock(fixedClock(start))

	id, err := r.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := r.Get(ctx, id)
	if err != nil || run == nil {
		t.Fatalf("Get: %v %v", run, err)
	}
	if run.Status != models.RunStatusRunning || run.CompletedAt != nil {
		t.Errorf("fresh run: %+v", run)
	}

	if err := r.Complete(ctx, id, 10, 3, 1); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := r.Complete(ctx, id, 1, 1, 1); !errors.Is(err, ErrRunFinished) {
		t.Errorf("second Complete: got %v, want ErrRunFinished", err)
	}
	if err := r.Fail(ctx, id, "late"); !errors.Is(err, ErrRunFinished) {
		t.Errorf("Fail after Complete: got %v, want ErrRunFinished", err)
	}

	run, err = r.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunStatusCompleted || run.ListingsFound != 10 || run.NewListings != 3 || run.ClosedListings != 1 {
		t.Errorf("completed run: %+v", run)
	}
	if run.CompletedAt == nil || !run.CompletedAt.Equal(start) {
		t.Errorf("CompletedAt: %v", run.CompletedAt)
	}
}

func TestRunFailTruncatesReason(t *testing.T) {
	ctx := context.Background()
	r := NewRunTracker(openTestDB(t))

	id, err := r.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Fail(ctx, id, strings.Repeat("x", 500)); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	run, err := r.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	want := "failed: " + strings.Repeat("x", 200)
	if run.Status != want {
		t.Errorf("status length %d, want %d", len(run.Status), len(want))
	}
}

func TestRecentAndCompletedRuns(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	db := openTestDB(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		r := NewRunTracker(db).WithClock(fixedClock(base.Add(time.Duration(i) * time.Hour)))
		id, err := r.Start(ctx)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
		if i < 2 {
			if err := r.Complete(ctx, id, 1, 1, 0); err != nil {
				t.Fatal(err)
			}
		} else if err := r.Fail(ctx, id, "scrape error"); err != nil {
			t.Fatal(err)
		}
	}

	r := NewRunTracker(db)
	recent, err := r.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != ids[2] || recent[1].ID != ids[1] {
		t.Errorf("Recent(2): %+v", recent)
	}

	done, err := r.CompletedRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 2 || done[0].ID != ids[1] || done[1].ID != ids[0] {
		t.Errorf("CompletedRuns: %+v", done)
	}
}

func TestCSVWriterAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "raw.csv")
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		w, err := NewCSVWriter(path)
		if err != nil {
			t.Fatalf("NewCSVWriter: %v", err)
		}
		err = w.WriteRaw([]*models.RawListing{{AdID: "1", Title: "Wohnung, hell", FetchedAt: at}})
		if err != nil {
			t.Fatalf("WriteRaw: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2 rows:\n%s", len(lines), data)
	}
	if !strings.HasPrefix(lines[0], "ad_id,") {
		t.Errorf("header: %q", lines[0])
	}
	if !strings.Contains(lines[1], `"Wohnung, hell"`) || !strings.HasSuffix(lines[1], "2024-03-01T10:00:00Z") {
		t.Errorf("row: %q", lines[1])
	}
}

func TestOpenSQLiteFileUsesWAL(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "listings.db")
	db, err := Open(ctx, Options{Driver: "sqlite", DSN: path, PingAttempts: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.GetContext(ctx, &mode, "PRAGMA journal_mode"); err != nil {
		t.Fatal(err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Errorf("journal_mode = %q; want wal", mode)
	}

	var fk, timeout int
	if err := db.GetContext(ctx, &fk, "PRAGMA foreign_keys"); err != nil {
		t.Fatal(err)
	}
	if err := db.GetContext(ctx, &timeout, "PRAGMA busy_timeout"); err != nil {
		t.Fatal(err)
	}
	if fk != 1 || timeout != 10000 {
		t.Errorf("foreign_keys = %d, busy_timeout = %d", fk, timeout)
	}
}
