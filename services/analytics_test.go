package services

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"willhaben-tracker/models"
)

func priced(id int64, location string, price int64, ppa float64, status models.ListingState) models.ListingView {
	v := models.ListingView{ID: id, Location: location, Status: status, Price: &price}
	if ppa != 0 {
		v.PricePerArea = &ppa
	}
	return v
}

func TestOverallStatsMedian(t *testing.T) {
	tests := []struct {
		name   string
		prices []int64
		want   int64
	}{
		{"odd", []int64{300000, 100000, 200000}, 200000},
		{"even", []int64{400000, 100000, 300000, 200000}, 250000},
		{"single", []int64{123456}, 123456},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var view []models.ListingView
			for i, p := range tt.prices {
				view = append(view, priced(int64(i+1), "Wien", p, 0, models.StatusOpen))
			}
			got := overallStats(view)
			if got.MedianPrice != tt.want {
				t.Errorf("median: got %d, want %d", got.MedianPrice, tt.want)
			}
			if got.Count != len(tt.prices) {
				t.Errorf("count: got %d", got.Count)
			}
		})
	}
}

func TestOverallStatsEmpty(t *testing.T) {
	unpriced := models.ListingView{ID: 1, Location: "Wien"}
	if got := overallStats([]models.ListingView{unpriced}); got != (models.OverallStats{}) {
		t.Errorf("got %+v, want zero stats", got)
	}
}

func TestOverallStatsAverages(t *testing.T) {
	view := []models.ListingView{
		priced(1, "a", 100000, 2000, models.StatusOpen),
		priced(2, "b", 200001, 0, models.StatusOpen),
		priced(3, "c", 300000, 4001, models.StatusClosed),
	}
	got := overallStats(view)
	if got.AvgPrice != 200000 {
		t.Errorf("AvgPrice: got %d", got.AvgPrice)
	}
	if got.AvgPricePerArea != 3001 {
		t.Errorf("AvgPricePerArea should skip listings without area, got %d", got.AvgPricePerArea)
	}
}

func TestPriceHistogram(t *testing.T) {
	view := []models.ListingView{
		priced(1, "a", 120000, 0, models.StatusOpen),
		priced(2, "a", 149999, 0, models.StatusOpen),
		priced(3, "a", 150000, 0, models.StatusOpen),
		priced(4, "a", 420000, 0, models.StatusClosed),
		{ID: 5, Location: "a"},
	}

	got := priceHistogram(view, 0)
	want := []models.HistogramBucket{
		{BucketStart: 100000, BucketEnd: 150000, Count: 2},
		{BucketStart: 150000, BucketEnd: 200000, Count: 1},
		{BucketStart: 400000, BucketEnd: 450000, Count: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("got %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("bucket %d: got %+v, want %+v", i, got[i], want[i])
		}
	}

	if got := priceHistogram(view, 1000000); len(got) != 1 || got[0].Count != 4 {
		t.Errorf("wide buckets: %+v", got)
	}
}

func TestBestValue(t *testing.T) {
	view := []models.ListingView{
		priced(1, "Favoriten", 300000, 5000, models.StatusOpen),
		priced(2, "Favoriten", 200000, 4000, models.StatusOpen),
		priced(3, "Neubau", 500000, 3000, models.StatusClosed),
		priced(4, "Neubau", 450000, 7000, models.StatusOpen),
		priced(5, "Neubau", 450000, 7000, models.StatusOpen),
		priced(6, "Ottakring", 100000, 0, models.StatusOpen),
	}

	got := bestValue(view, 2)
	if len(got) != 2 || got[0].ID != 2 || got[1].ID != 1 {
		t.Errorf("BestValue(2): %+v", ids(got))
	}
	if got := bestValue(view, 0); len(got) != 4 {
		t.Errorf("default limit should include all 4 candidates, got %v", ids(got))
	}

	byDistrict := bestValueByDistrict(view)
	if len(byDistrict) != 2 {
		t.Fatalf("got %v", ids(byDistrict))
	}
	if byDistrict[0].Location != "Favoriten" || byDistrict[0].ID != 2 {
		t.Errorf("Favoriten best: %+v", byDistrict[0])
	}
	if byDistrict[1].Location != "Neubau" || byDistrict[1].ID != 4 {
		t.Errorf("Neubau best should be the open listing with the lower id: %+v", byDistrict[1])
	}
}

func ids(v []models.ListingView) []int64 {
	out := make([]int64, len(v))
	for i, l := range v {
		out[i] = l.ID
	}
	return out
}

func TestDistrictAverages(t *testing.T) {
	view := []models.ListingView{
		priced(1, "Favoriten", 200000, 4000, models.StatusOpen),
		priced(2, "Favoriten", 300000, 5000, models.StatusOpen),
		priced(3, "Innere Stadt", 900000, 15000, models.StatusClosed),
	}

	prices := priceByDistrict(view)
	if len(prices) != 2 || prices[0].Location != "Innere Stadt" || prices[1].AvgPrice != 250000 || prices[1].Count != 2 {
		t.Errorf("priceByDistrict: %+v", prices)
	}
	ppa := pricePerAreaByDistrict(view)
	if len(ppa) != 2 || ppa[0].AvgPricePerArea != 15000 || ppa[1].AvgPricePerArea != 4500 {
		t.Errorf("pricePerAreaByDistrict: %+v", ppa)
	}
}

func TestPriceTimeSeriesUsesAllSnapshots(t *testing.T) {
	p := func(v int64) *int64 { return &v }
	day1 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	snaps := []models.Snapshot{
		{ListingID: 1, ScrapedAt: day1, Price: p(100000)},
		{ListingID: 2, ScrapedAt: day1, Price: p(200001)},
		{ListingID: 1, ScrapedAt: day2, Price: p(90000)},
		{ListingID: 3, ScrapedAt: day2},
	}

	got := priceTimeSeries(snaps)
	if len(got) != 2 {
		t.Fatalf("got %+v", got)
	}
	if got[0].Date != "2024-03-01" || got[0].AvgPrice != 150001 || got[0].MinPrice != 100000 || got[0].MaxPrice != 200001 || got[0].Count != 2 {
		t.Errorf("day 1: %+v", got[0])
	}
	if got[1].Date != "2024-03-02" || got[1].Count != 1 {
		t.Errorf("day 2: %+v", got[1])
	}
}

func TestMarketTrendsNeedsTwoCompletedRuns(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	trends, err := env.analytics.MarketTrends(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if trends.PriceChangePct != 0 || trends.CountChangePct != 0 || trends.Cutoff != nil {
		t.Errorf("no runs: %+v", trends)
	}

	src := &fakeSource{listings: []*models.RawListing{raw("A", "€ 300.000", "60", "1020 Wien")}}
	if _, err := env.reconciler.Run(ctx, src); err != nil {
		t.Fatal(err)
	}
	trends, err = env.analytics.MarketTrends(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if trends.PriceChangePct != 0 || trends.PricePerAreaChangePct != 0 || trends.CountChangePct != 0 {
		t.Errorf("one run: %+v", trends)
	}
	if trends.Current != trends.Previous || trends.Current.AvgPrice != 300000 {
		t.Errorf("one run should compare current with itself: %+v", trends)
	}
}

func TestMarketTrendsComparesWithEarlierRuns(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	cycles := [][]*models.RawListing{
		{raw("A", "€ 300.000", "60", "1020 Wien"), raw("B", "€ 200.000", "50", "1100 Wien")},
		{raw("A", "€ 310.000", "60", "1020 Wien")},
		{raw("A", "€ 330.000", "60", "1020 Wien")},
	}
	var runIDs []int64
	for _, c := range cycles {
		res, err := env.reconciler.Run(ctx, &fakeSource{listings: c})
		if err != nil {
			t.Fatal(err)
		}
		runIDs = append(runIDs, res.RunID)
	}

	trends, err := env.analytics.MarketTrends(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.runs.Get(ctx, runIDs[1])
	if err != nil {
		t.Fatal(err)
	}
	if trends.Cutoff == nil || !trends.Cutoff.Equal(second.StartedAt) {
		t.Fatalf("cutoff: got %v, want %v", trends.Cutoff, second.StartedAt)
	}

	// Current: A at 330000 (5500/m²) and B's last snapshot at 200000 (4000/m²).
	if trends.Current.AvgPrice != 265000 || trends.Current.Count != 2 || trends.Current.AvgPricePerArea != 4750 {
		t.Errorf("current: %+v", trends.Current)
	}
	// Previous: only the first cycle is before the cutoff.
	if trends.Previous.AvgPrice != 250000 || trends.Previous.Count != 2 || trends.Previous.AvgPricePerArea != 4500 {
		t.Errorf("previous: %+v", trends.Previous)
	}
	if trends.PriceChangePct != 6 {
		t.Errorf("price change: got %v, want 6", trends.PriceChangePct)
	}
	if trends.PricePerAreaChangePct != 5.56 {
		t.Errorf("price per area change: got %v, want 5.56", trends.PricePerAreaChangePct)
	}
	if trends.CountChangePct != 0 {
		t.Errorf("count change: got %v", trends.CountChangePct)
	}
}

func TestAnalyticsEmptyStore(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	s, err := env.analytics.Summary(ctx, 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if s.Overall != (models.OverallStats{}) || s.StatusCounts != (models.StatusCounts{}) {
		t.Errorf("empty summary: %+v", s)
	}
	if len(s.BestValue) != 0 || len(s.PriceDistribution) != 0 || len(s.PriceOverTime) != 0 {
		t.Errorf("empty summary slices: %+v", s)
	}

	v, err := env.analytics.ListingDetails(ctx, 99)
	if err != nil || v != nil {
		t.Errorf("ListingDetails(99) = %v, %v; want nil, nil", v, err)
	}
	h, err := env.analytics.ListingHistory(ctx, 99)
	if err != nil || h == nil || len(h) != 0 {
		t.Errorf("ListingHistory(99) = %v, %v; want empty", h, err)
	}
}

func TestListingsAndDetails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	if _, err := env.reconciler.Run(ctx, &fakeSource{listings: []*models.RawListing{raw("A", "€ 300.000", "60", "1020 Wien")}}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.reconciler.Run(ctx, &fakeSource{listings: []*models.RawListing{raw("B", "€ 200.000", "50", "1100 Wien")}}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.listings.GetOrCreate(ctx, "C", ""); err != nil {
		t.Fatal(err)
	}

	all, err := env.analytics.Listings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].AdID != "B" || all[1].AdID != "A" || all[2].AdID != "C" {
		t.Errorf("Listings order: %+v", all)
	}
	if all[1].Status != models.StatusClosed || all[2].ScrapedAt != nil {
		t.Errorf("Listings content: %+v", all)
	}

	d, err := env.analytics.ListingDetails(ctx, all[0].ID)
	if err != nil || d == nil {
		t.Fatalf("ListingDetails: %v %v", d, err)
	}
	if d.AdID != "B" || d.Price == nil || *d.Price != 200000 || d.Status != models.StatusOpen {
		t.Errorf("details: %+v", d)
	}

	counts, err := env.analytics.StatusCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Open != 2 || counts.Closed != 1 {
		t.Errorf("StatusCounts: %+v", counts)
	}
}

func TestPrintReport(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.reconciler.Run(ctx, &fakeSource{listings: []*models.RawListing{
		raw("A", "€ 448.400", "80", "1020 Wien, Leopoldstadt"),
	}})
	if err != nil {
		t.Fatal(err)
	}
	s, err := env.analytics.Summary(ctx, 5, 0)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	PrintReport(&buf, s, res)
	out := buf.String()
	for _, want := range []string{"448.400", "5.605", "Leopoldstadt", "Listings found"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestFormatEuro(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1.000"},
		{448400, "448.400"},
		{1234567, "1.234.567"},
		{-5000, "-5.000"},
	}
	for _, tt := range tests {
		if got := formatEuro(tt.in); got != tt.want {
			t.Errorf("formatEuro(%d) = %q; want %q", tt.in, got, tt.want)
		}
	}
}
