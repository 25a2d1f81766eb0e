package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"willhaben-tracker/models"
	"willhaben-tracker/storage"
)

const (
	// DefaultBucketSize is the histogram width used for non-positive sizes.
	DefaultBucketSize int64 = 50000
	// DefaultBestValueLimit applies when a non-positive limit is requested.
	DefaultBestValueLimit = 10
	// DefaultRecentRuns is how many runs the dashboard summary lists.
	DefaultRecentRuns = 10
)

// Analytics answers read-only questions over the accumulated history. It
// never writes and returns zero values rather than errors when there is no
// data.
type Analytics struct {
	listings storage.ListingReader
	runs     storage.RunReader
	logger   *slog.Logger
}

func NewAnalytics(listings storage.ListingReader, runs storage.RunReader, logger *slog.Logger) *Analytics {
	return &Analytics{listings: listings, runs: runs, logger: logger.With("component", "analytics")}
}

// market is one consistent load of listings and history.
type market struct {
	records   []models.ListingRecord
	snapshots []models.Snapshot
	latest    map[int64]models.Snapshot
}

func (a *Analytics) load(ctx context.Context) (*market, error) {
	recs, err := a.listings.ListingRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}
	snaps, err := a.listings.Snapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}
	return &market{records: recs, snapshots: snaps, latest: latestSnapshots(snaps)}, nil
}

// view is the latest-snapshot projection: every listing that has at least
// one snapshot, by listing id.
func (m *market) view() []models.ListingView {
	out := make([]models.ListingView, 0, len(m.latest))
	for _, rec := range m.records {
		if snap, ok := m.latest[rec.ID]; ok {
			out = append(out, models.NewListingView(rec, &snap))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func latestSnapshots(snaps []models.Snapshot) map[int64]models.Snapshot {
	latest := make(map[int64]models.Snapshot)
	for _, s := range snaps {
		cur, ok := latest[s.ListingID]
		if !ok || s.ScrapedAt.After(cur.ScrapedAt) || (s.ScrapedAt.Equal(cur.ScrapedAt) && s.ID > cur.ID) {
			latest[s.ListingID] = s
		}
	}
	return latest
}

func (a *Analytics) StatusCounts(ctx context.Context) (models.StatusCounts, error) {
	recs, err := a.listings.ListingRecords(ctx)
	if err != nil {
		return models.StatusCounts{}, fmt.Errorf("analytics: %w", err)
	}
	return statusCounts(recs), nil
}

func statusCounts(recs []models.ListingRecord) models.StatusCounts {
	var c models.StatusCounts
	for _, r := range recs {
		switch r.Status {
		case models.StatusOpen:
			c.Open++
		case models.StatusClosed:
			c.Closed++
		}
	}
	return c
}

// PriceTimeSeries aggregates every priced snapshot per UTC calendar day.
func (a *Analytics) PriceTimeSeries(ctx context.Context) ([]models.PricePoint, error) {
	snaps, err := a.listings.Snapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}
	return priceTimeSeries(snaps), nil
}

func priceTimeSeries(snaps []models.Snapshot) []models.PricePoint {
	type acc struct {
		sum      float64
		min, max int64
		count    int
	}
	days := make(map[string]*acc)
	for _, s := range snaps {
		if s.Price == nil {
			continue
		}
		p := *s.Price
		day := s.ScrapedAt.UTC().Format(time.DateOnly)
		d, ok := days[day]
		if !ok {
			d = &acc{min: p, max: p}
			days[day] = d
		}
		d.sum += float64(p)
		d.count++
		d.min = min(d.min, p)
		d.max = max(d.max, p)
	}

	out := make([]models.PricePoint, 0, len(days))
	for day, d := range days {
		out = append(out, models.PricePoint{
			Date:     day,
			AvgPrice: roundUnit(d.sum / float64(d.count)),
			MinPrice: d.min,
			MaxPrice: d.max,
			Count:    d.count,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func (a *Analytics) PriceByDistrict(ctx context.Context) ([]models.DistrictPrice, error) {
	m, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	return priceByDistrict(m.view()), nil
}

func priceByDistrict(view []models.ListingView) []models.DistrictPrice {
	groups := groupByLocation(view, func(v models.ListingView) (float64, bool) {
		if v.Price == nil {
			return 0, false
		}
		return float64(*v.Price), true
	})
	out := make([]models.DistrictPrice, 0, len(groups))
	for _, g := range groups {
		out = append(out, models.DistrictPrice{Location: g.location, AvgPrice: roundUnit(g.avg()), Count: g.count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgPrice != out[j].AvgPrice {
			return out[i].AvgPrice > out[j].AvgPrice
		}
		return out[i].Location < out[j].Location
	})
	return out
}

func (a *Analytics) PricePerAreaByDistrict(ctx context.Context) ([]models.DistrictPricePerArea, error) {
	m, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	return pricePerAreaByDistrict(m.view()), nil
}

func pricePerAreaByDistrict(view []models.ListingView) []models.DistrictPricePerArea {
	groups := groupByLocation(view, func(v models.ListingView) (float64, bool) {
		if v.PricePerArea == nil {
			return 0, false
		}
		return *v.PricePerArea, true
	})
	out := make([]models.DistrictPricePerArea, 0, len(groups))
	for _, g := range groups {
		out = append(out, models.DistrictPricePerArea{Location: g.location, AvgPricePerArea: roundUnit(g.avg()), Count: g.count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgPricePerArea != out[j].AvgPricePerArea {
			return out[i].AvgPricePerArea > out[j].AvgPricePerArea
		}
		return out[i].Location < out[j].Location
	})
	return out
}

type locationGroup struct {
	location string
	sum      float64
	count    int
}

func (g *locationGroup) avg() float64 { return g.sum / float64(g.count) }

func groupByLocation(view []models.ListingView, value func(models.ListingView) (float64, bool)) []*locationGroup {
	index := make(map[string]*locationGroup)
	var groups []*locationGroup
	for _, v := range view {
		x, ok := value(v)
		if !ok {
			continue
		}
		g, ok := index[v.Location]
		if !ok {
			g = &locationGroup{location: v.Location}
			index[v.Location] = g
			groups = append(groups, g)
		}
		g.sum += x
		g.count++
	}
	return groups
}

// OverallStats summarises the current price level. Only priced listings
// count; the price-per-area average skips listings without an area.
func (a *Analytics) OverallStats(ctx context.Context) (models.OverallStats, error) {
	m, err := a.load(ctx)
	if err != nil {
		return models.OverallStats{}, err
	}
	return overallStats(m.view()), nil
}

func overallStats(view []models.ListingView) models.OverallStats {
	var prices []int64
	var ppaSum float64
	ppaCount := 0
	for _, v := range view {
		if v.Price == nil {
			continue
		}
		prices = append(prices, *v.Price)
		if v.PricePerArea != nil && *v.PricePerArea != 0 {
			ppaSum += *v.PricePerArea
			ppaCount++
		}
	}
	if len(prices) == 0 {
		return models.OverallStats{}
	}

	var sum float64
	for _, p := range prices {
		sum += float64(p)
	}
	stats := models.OverallStats{
		MedianPrice: roundUnit(median(prices)),
		AvgPrice:    roundUnit(sum / float64(len(prices))),
		Count:       len(prices),
	}
	if ppaCount > 0 {
		stats.AvgPricePerArea = roundUnit(ppaSum / float64(ppaCount))
	}
	return stats
}

// median sorts prices in place.
func median(prices []int64) float64 {
	sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	n := len(prices)
	if n%2 == 1 {
		return float64(prices[n/2])
	}
	return (float64(prices[n/2-1]) + float64(prices[n/2])) / 2
}

// PriceHistogram counts current prices per bucket of bucketSize.
func (a *Analytics) PriceHistogram(ctx context.Context, bucketSize int64) ([]models.HistogramBucket, error) {
	m, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	return priceHistogram(m.view(), bucketSize), nil
}

func priceHistogram(view []models.ListingView, bucketSize int64) []models.HistogramBucket {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	counts := make(map[int64]int)
	for _, v := range view {
		if v.Price == nil {
			continue
		}
		start := int64(math.Floor(float64(*v.Price)/float64(bucketSize))) * bucketSize
		counts[start]++
	}

	out := make([]models.HistogramBucket, 0, len(counts))
	for start, n := range counts {
		out = append(out, models.HistogramBucket{BucketStart: start, BucketEnd: start + bucketSize, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart < out[j].BucketStart })
	return out
}

// BestValue returns open listings with the lowest price per area.
func (a *Analytics) BestValue(ctx context.Context, limit int) ([]models.ListingView, error) {
	m, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	return bestValue(m.view(), limit), nil
}

func bestValue(view []models.ListingView, limit int) []models.ListingView {
	if limit <= 0 {
		limit = DefaultBestValueLimit
	}
	out := valueCandidates(view)
	sort.SliceStable(out, func(i, j int) bool { return lessValue(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// BestValueByDistrict returns, per district, the open listing with the
// lowest price per area. Ties go to the lower listing id.
func (a *Analytics) BestValueByDistrict(ctx context.Context) ([]models.ListingView, error) {
	m, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	return bestValueByDistrict(m.view()), nil
}

func bestValueByDistrict(view []models.ListingView) []models.ListingView {
	best := make(map[string]models.ListingView)
	for _, v := range valueCandidates(view) {
		cur, ok := best[v.Location]
		if !ok || lessValue(v, cur) {
			best[v.Location] = v
		}
	}

	out := make([]models.ListingView, 0, len(best))
	for _, v := range best {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out
}

func valueCandidates(view []models.ListingView) []models.ListingView {
	out := make([]models.ListingView, 0, len(view))
	for _, v := range view {
		if v.Status == models.StatusOpen && v.PricePerArea != nil && *v.PricePerArea > 0 {
			out = append(out, v)
		}
	}
	return out
}

func lessValue(a, b models.ListingView) bool {
	if *a.PricePerArea != *b.PricePerArea {
		return *a.PricePerArea < *b.PricePerArea
	}
	return a.ID < b.ID
}

// MarketTrends compares the current market with the one before the
// second-most-recent completed run. With fewer than two completed runs both
// sides are the current market.
func (a *Analytics) MarketTrends(ctx context.Context) (models.MarketTrends, error) {
	m, err := a.load(ctx)
	if err != nil {
		return models.MarketTrends{}, err
	}
	runs, err := a.runs.CompletedRuns(ctx)
	if err != nil {
		return models.MarketTrends{}, fmt.Errorf("analytics: %w", err)
	}
	return marketTrends(m.view(), m.snapshots, runs), nil
}

func marketTrends(view []models.ListingView, snaps []models.Snapshot, completed []models.ScrapeRun) models.MarketTrends {
	current := currentAggregate(view)
	if len(completed) < 2 {
		return models.MarketTrends{Current: current, Previous: current}
	}

	runs := append([]models.ScrapeRun(nil), completed...)
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	cutoff := runs[1].StartedAt

	previous := aggregateBefore(snaps, cutoff)
	return models.MarketTrends{
		Current:               current,
		Previous:              previous,
		Cutoff:                &cutoff,
		PriceChangePct:        pctChange(float64(current.AvgPrice), float64(previous.AvgPrice)),
		PricePerAreaChangePct: pctChange(current.AvgPricePerArea, previous.AvgPricePerArea),
		CountChangePct:        pctChange(float64(current.Count), float64(previous.Count)),
	}
}

func currentAggregate(view []models.ListingView) models.TrendAggregate {
	var prices, ppas []float64
	for _, v := range view {
		if v.Price == nil {
			continue
		}
		prices = append(prices, float64(*v.Price))
		if v.PricePerArea != nil {
			ppas = append(ppas, *v.PricePerArea)
		}
	}
	return models.TrendAggregate{
		AvgPrice:        roundUnit(mean(prices)),
		AvgPricePerArea: round2(mean(ppas)),
		Count:           len(prices),
	}
}

// aggregateBefore averages each listing's priced snapshots taken before
// cutoff, then averages across listings.
func aggregateBefore(snaps []models.Snapshot, cutoff time.Time) models.TrendAggregate {
	type acc struct {
		prices, ppas []float64
	}
	per := make(map[int64]*acc)
	for _, s := range snaps {
		if s.Price == nil || !s.ScrapedAt.Before(cutoff) {
			continue
		}
		a, ok := per[s.ListingID]
		if !ok {
			a = &acc{}
			per[s.ListingID] = a
		}
		a.prices = append(a.prices, float64(*s.Price))
		if s.PricePerArea != nil {
			a.ppas = append(a.ppas, *s.PricePerArea)
		}
	}

	var prices, ppas []float64
	for _, a := range per {
		prices = append(prices, mean(a.prices))
		if len(a.ppas) > 0 {
			ppas = append(ppas, mean(a.ppas))
		}
	}
	return models.TrendAggregate{
		AvgPrice:        roundUnit(mean(prices)),
		AvgPricePerArea: round2(mean(ppas)),
		Count:           len(prices),
	}
}

func pctChange(current, previous float64) float64 {
	if previous <= 0 {
		return 0
	}
	return round2((current - previous) / previous * 100)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func roundUnit(f float64) int64 {
	return int64(math.Round(f))
}

// ListingHistory returns every snapshot of one listing, oldest first.
func (a *Analytics) ListingHistory(ctx context.Context, listingID int64) ([]models.Snapshot, error) {
	snaps, err := a.listings.ListingSnapshots(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}
	if snaps == nil {
		snaps = []models.Snapshot{}
	}
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].ScrapedAt.Before(snaps[j].ScrapedAt) })
	return snaps, nil
}

// ListingDetails returns the current view of one listing, or nil when the id
// is unknown.
func (a *Analytics) ListingDetails(ctx context.Context, listingID int64) (*models.ListingView, error) {
	rec, err := a.listings.ListingRecord(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	snaps, err := a.listings.ListingSnapshots(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}

	var latest *models.Snapshot
	if l, ok := latestSnapshots(snaps)[listingID]; ok {
		latest = &l
	}
	v := models.NewListingView(*rec, latest)
	return &v, nil
}

// Listings returns every listing with its latest snapshot, most recently
// captured first. Listings without snapshots come last.
func (a *Analytics) Listings(ctx context.Context) ([]models.ListingView, error) {
	m, err := a.load(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.ListingView, 0, len(m.records))
	for _, rec := range m.records {
		var latest *models.Snapshot
		if s, ok := m.latest[rec.ID]; ok {
			latest = &s
		}
		out = append(out, models.NewListingView(rec, latest))
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].ScrapedAt, out[j].ScrapedAt
		switch {
		case ti == nil && tj == nil:
			return out[i].ID > out[j].ID
		case ti == nil:
			return false
		case tj == nil:
			return true
		case !ti.Equal(*tj):
			return ti.After(*tj)
		default:
			return out[i].ID > out[j].ID
		}
	})
	return out, nil
}

func (a *Analytics) RecentRuns(ctx context.Context, limit int) ([]models.ScrapeRun, error) {
	runs, err := a.runs.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}
	return runs, nil
}

// Summary computes the whole dashboard payload from a single load.
func (a *Analytics) Summary(ctx context.Context, bestLimit int, bucketSize int64) (*models.DashboardSummary, error) {
	m, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	completed, err := a.runs.CompletedRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}
	recent, err := a.runs.Recent(ctx, DefaultRecentRuns)
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}

	view := m.view()
	a.logger.Debug("computing dashboard summary",
		"listings", len(m.records), "snapshots", len(m.snapshots), "completed_runs", len(completed))
	return &models.DashboardSummary{
		StatusCounts:           statusCounts(m.records),
		Overall:                overallStats(view),
		PriceOverTime:          priceTimeSeries(m.snapshots),
		PriceByDistrict:        priceByDistrict(view),
		PricePerAreaByDistrict: pricePerAreaByDistrict(view),
		PriceDistribution:      priceHistogram(view, bucketSize),
		BestValue:              bestValue(view, bestLimit),
		BestByDistrict:         bestValueByDistrict(view),
		Trends:                 marketTrends(view, m.snapshots, completed),
		RecentRuns:             recent,
	}, nil
}
