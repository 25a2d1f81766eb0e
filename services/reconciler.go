package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"willhaben-tracker/models"
	"willhaben-tracker/notify"
	"willhaben-tracker/storage"
)

// ErrEmptyScrape is returned when a scrape yields no listing with an ad id.
// Reconciling it would close every open listing.
var ErrEmptyScrape = errors.New("reconciler: scrape returned no identifiable listings")

// Source produces one complete scrape of the marketplace.
type Source interface {
	Scrape(ctx context.Context) ([]*models.RawListing, error)
}

// Reconciler merges scrapes into the listing history and keeps the run log.
type Reconciler struct {
	listings   storage.ListingTxRunner
	runs       storage.RunRecorder
	normalizer *Normalizer
	archive    storage.RawListingWriter
	notifier   notify.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

func NewReconciler(listings storage.ListingTxRunner, runs storage.RunRecorder, n *Normalizer, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		listings:   listings,
		runs:       runs,
		normalizer: n,
		logger:     logger.With("component", "reconciler"),
		now:        time.Now,
	}
}

// WithArchive makes every successful scrape also go to w.
func (r *Reconciler) WithArchive(w storage.RawListingWriter) *Reconciler {
	r.archive = w
	return r
}

// WithNotifier publishes a summary after every cycle, successful or not.
func (r *Reconciler) WithNotifier(p notify.Publisher) *Reconciler {
	r.notifier = p
	return r
}

// WithClock replaces the clock that stamps capture times.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Run executes one full cycle: start a run, scrape, reconcile, and finish the
// run as completed or failed. A failed cycle is recorded even when ctx has
// been cancelled.
func (r *Reconciler) Run(ctx context.Context, src Source) (*models.CycleResult, error) {
	traceID := uuid.NewString()
	log := r.logger.With("trace_id", traceID)

	runID, err := r.runs.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciler: start run: %w", err)
	}
	log = log.With("run_id", runID)
	log.Info("scrape run started")

	res, err := r.cycle(ctx, log, src)
	if err != nil {
		failCtx := context.WithoutCancel(ctx)
		if ferr := r.runs.Fail(failCtx, runID, err.Error()); ferr != nil {
			log.Error("could not record run failure", "error", ferr)
		}
		log.Error("scrape run failed", "error", err)
		r.publish(failCtx, log, notify.RunSummary{
			TraceID: traceID, RunID: runID, Status: storage.FailedStatus(err.Error()),
			CapturedAt: r.now().UTC(), Error: err.Error(),
		})
		return nil, err
	}
	res.RunID = runID

	// The reconciliation is committed; the run must reach a terminal state
	// even if ctx is cancelled now.
	doneCtx := context.WithoutCancel(ctx)
	if err := r.runs.Complete(doneCtx, runID, res.Found, res.New, res.Closed); err != nil {
		if !errors.Is(err, storage.ErrRunFinished) {
			if ferr := r.runs.Fail(doneCtx, runID, "complete: "+err.Error()); ferr != nil {
				log.Error("could not record run failure", "error", ferr)
			}
		}
		return res, fmt.Errorf("reconciler: complete run %d: %w", runID, err)
	}
	log.Info("scrape run completed",
		"found", res.Found, "new", res.New, "closed", res.Closed,
		"duplicates", res.Duplicates, "missing_id", res.MissingID)

	r.publish(doneCtx, log, notify.RunSummary{
		TraceID: traceID, RunID: runID, Status: models.RunStatusCompleted,
		CapturedAt: res.CapturedAt, Found: res.Found, New: res.New, Closed: res.Closed,
		Duplicates: res.Duplicates, MissingID: res.MissingID,
	})
	return res, nil
}

func (r *Reconciler) cycle(ctx context.Context, log *slog.Logger, src Source) (*models.CycleResult, error) {
	scraped, err := src.Scrape(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciler: scrape: %w", err)
	}
	log.Info("scrape finished", "listings", len(scraped))

	if r.archive != nil && len(scraped) > 0 {
		if err := r.archive.WriteRaw(scraped); err != nil {
			log.Warn("could not archive raw listings", "error", err)
		}
	}

	return r.reconcile(ctx, log, scraped, r.now())
}

// Reconcile merges one complete scrape captured at capturedAt. Listings open
// before the scrape and absent from it are closed. Nothing is changed when
// the scrape holds no listing with an ad id.
func (r *Reconciler) Reconcile(ctx context.Context, scraped []*models.RawListing, capturedAt time.Time) (*models.CycleResult, error) {
	return r.reconcile(ctx, r.logger, scraped, capturedAt)
}

func (r *Reconciler) reconcile(ctx context.Context, log *slog.Logger, scraped []*models.RawListing, capturedAt time.Time) (*models.CycleResult, error) {
	normalized := make([]NormalizedListing, 0, len(scraped))
	missing := 0
	for _, raw := range scraped {
		if raw == nil {
			continue
		}
		n := r.normalizer.Normalize(raw)
		if n.AdID == "" {
			missing++
			log.Debug("listing without ad id skipped", "title", n.Snapshot.Title)
			continue
		}
		normalized = append(normalized, n)
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w (%d entries scraped)", ErrEmptyScrape, len(scraped))
	}

	res := &models.CycleResult{CapturedAt: capturedAt, Found: len(scraped), MissingID: missing}
	err := r.listings.InTx(ctx, func(w storage.ListingWriter) error {
		openBefore, err := w.ListOpenAdIDs(ctx)
		if err != nil {
			return err
		}
		log.Info("open listings before reconciliation", "count", len(openBefore))

		seen := make(map[string]struct{}, len(normalized))
		for _, n := range normalized {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, repeated := seen[n.AdID]
			seen[n.AdID] = struct{}{}

			id, err := w.GetOrCreate(ctx, n.AdID, n.URL)
			if err != nil {
				return err
			}

			snap := n.Snapshot
			snap.ListingID = id
			snap.ScrapedAt = capturedAt
			if err := w.AppendSnapshot(ctx, &snap); err != nil {
				if errors.Is(err, storage.ErrDuplicateSnapshot) {
					res.Duplicates++
					log.Warn("duplicate snapshot skipped", "ad_id", n.AdID, "error", err)
					continue
				}
				return err
			}

			if _, wasOpen := openBefore[n.AdID]; !wasOpen && !repeated {
				res.New++
			}
		}

		var gone []string
		for adID := range openBefore {
			if _, ok := seen[adID]; !ok {
				gone = append(gone, adID)
			}
		}
		sort.Strings(gone)

		closed, err := w.MarkClosed(ctx, gone, capturedAt)
		if err != nil {
			return err
		}
		res.Closed = closed
		if closed > 0 {
			log.Info("listings closed", "count", closed, "ad_ids", describeAdIDs(gone, 10))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconciler: reconcile: %w", err)
	}
	return res, nil
}

func (r *Reconciler) publish(ctx context.Context, log *slog.Logger, summary notify.RunSummary) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Publish(ctx, summary); err != nil {
		log.Warn("could not publish run summary", "error", err)
	}
}

// describeAdIDs renders a short list of ad ids for log lines.
func describeAdIDs(ids []string, max int) string {
	if len(ids) <= max {
		return strings.Join(ids, ",")
	}
	return fmt.Sprintf("%s,... (+%d)", strings.Join(ids[:max], ","), len(ids)-max)
}
