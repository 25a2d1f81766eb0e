package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"willhaben-tracker/models"
)

// Dashboard is the analytics surface the API serves.
type Dashboard interface {
	Summary(ctx context.Context, bestLimit int, bucketSize int64) (*models.DashboardSummary, error)
	Listings(ctx context.Context) ([]models.ListingView, error)
	ListingDetails(ctx context.Context, listingID int64) (*models.ListingView, error)
	ListingHistory(ctx context.Context, listingID int64) ([]models.Snapshot, error)
	MarketTrends(ctx context.Context) (models.MarketTrends, error)
	BestValue(ctx context.Context, limit int) ([]models.ListingView, error)
	BestValueByDistrict(ctx context.Context) ([]models.ListingView, error)
	PriceHistogram(ctx context.Context, bucketSize int64) ([]models.HistogramBucket, error)
	RecentRuns(ctx context.Context, limit int) ([]models.ScrapeRun, error)
}

const defaultRunsLimit = 20

// Handlers serves the dashboard endpoints.
type Handlers struct {
	dashboard  Dashboard
	bestLimit  int
	bucketSize int64
	logger     *slog.Logger
}

// NewHandlers creates the handlers. bestLimit and bucketSize are the defaults
// used when a request does not override them.
func NewHandlers(d Dashboard, bestLimit int, bucketSize int64, logger *slog.Logger) *Handlers {
	return &Handlers{dashboard: d, bestLimit: bestLimit, bucketSize: bucketSize, logger: logger}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Stats handles GET /api/stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	summary, err := h.dashboard.Summary(r.Context(), h.bestLimit, h.bucketSize)
	if err != nil {
		h.fail(w, r, "Stats", err)
		return
	}
	RespondWithJSON(w, http.StatusOK, summary)
}

// Listings handles GET /api/listings.
func (h *Handlers) Listings(w http.ResponseWriter, r *http.Request) {
	listings, err := h.dashboard.Listings(r.Context())
	if err != nil {
		h.fail(w, r, "Listings", err)
		return
	}
	RespondWithJSON(w, http.StatusOK, listings)
}

// ListingDetails handles GET /api/listings/{id}.
func (h *Handlers) ListingDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(w, r)
	if !ok {
		return
	}
	view, err := h.dashboard.ListingDetails(r.Context(), id)
	if err != nil {
		h.fail(w, r, "ListingDetails", err)
		return
	}
	if view == nil {
		WriteJSONError(w, http.StatusNotFound, "Listing not found")
		return
	}
	RespondWithJSON(w, http.StatusOK, view)
}

// ListingHistory handles GET /api/listings/{id}/history. An unknown listing
// has an empty history.
func (h *Handlers) ListingHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(w, r)
	if !ok {
		return
	}
	history, err := h.dashboard.ListingHistory(r.Context(), id)
	if err != nil {
		h.fail(w, r, "ListingHistory", err)
		return
	}
	RespondWithJSON(w, http.StatusOK, history)
}

func (h *Handlers) Trends(w http.ResponseWriter, r *http.Request) {
	trends, err := h.dashboard.MarketTrends(r.Context())
	if err != nil {
		h.fail(w, r, "Trends", err)
		return
	}
	RespondWithJSON(w, http.StatusOK, trends)
}

// BestValue handles GET /api/best-value?limit=N.
func (h *Handlers) BestValue(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", int64(h.bestLimit))
	if !ok {
		return
	}
	best, err := h.dashboard.BestValue(r.Context(), int(limit))
	if err != nil {
		h.fail(w, r, "BestValue", err)
		return
	}
	RespondWithJSON(w, http.StatusOK, best)
}

func (h *Handlers) BestValueByDistrict(w http.ResponseWriter, r *http.Request) {
	best, err := h.dashboard.BestValueByDistrict(r.Context())
	if err != nil {
		h.fail(w, r, "BestValueByDistrict", err)
		return
	}
	RespondWithJSON(w, http.StatusOK, best)
}

// Histogram handles GET /api/histogram?bucket=N.
func (h *Handlers) Histogram(w http.ResponseWriter, r *http.Request) {
	bucket, ok := queryInt(w, r, "bucket", h.bucketSize)
	if !ok {
		return
	}
	buckets, err := h.dashboard.PriceHistogram(r.Context(), bucket)
	if err != nil {
		h.fail(w, r, "Histogram", err)
		return
	}
	RespondWithJSON(w, http.StatusOK, buckets)
}

// Runs handles GET /api/runs?limit=N.
func (h *Handlers) Runs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", defaultRunsLimit)
	if !ok {
		return
	}
	runs, err := h.dashboard.RecentRuns(r.Context(), int(limit))
	if err != nil {
		h.fail(w, r, "Runs", err)
		return
	}
	RespondWithJSON(w, http.StatusOK, runs)
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, handler string, err error) {
	loggerFrom(r.Context(), h.logger).Error("handler failed", "handler", handler, "error", err)
	WriteJSONError(w, http.StatusInternalServerError, "Internal server error")
}

func listingID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		WriteJSONError(w, http.StatusBadRequest, "Invalid listing id")
		return 0, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int64) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "Invalid "+name+" parameter")
		return 0, false
	}
	return n, true
}

// RespondWithJSON writes payload as the JSON response body.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func WriteJSONError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, map[string]string{"error": message})
}
