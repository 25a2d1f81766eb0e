package models

import "time"

type StatusCounts struct {
	Open   int `json:"open"`
	Closed int `json:"closed"`
}

// PricePoint is one calendar day of the historical price curve.
type PricePoint struct {
	Date     string `json:"date"`
	AvgPrice int64  `json:"avg_price"`
	MinPrice int64  `json:"min_price"`
	MaxPrice int64  `json:"max_price"`
	Count    int    `json:"count"`
}

type DistrictPrice struct {
	Location string `json:"location"`
	AvgPrice int64  `json:"avg_price"`
	Count    int    `json:"count"`
}

type DistrictPricePerArea struct {
	Location        string `json:"location"`
	AvgPricePerArea int64  `json:"avg_price_per_sqm"`
	Count           int    `json:"count"`
}

type OverallStats struct {
	MedianPrice     int64 `json:"median_price"`
	AvgPrice        int64 `json:"avg_price"`
	AvgPricePerArea int64 `json:"avg_price_per_sqm"`
	Count           int   `json:"count"`
}

type HistogramBucket struct {
	BucketStart int64 `json:"bucket_start"`
	BucketEnd   int64 `json:"bucket_end"`
	Count       int   `json:"count"`
}

// TrendAggregate is the average market state at one point in time.
type TrendAggregate struct {
	AvgPrice        int64   `json:"avg_price"`
	AvgPricePerArea float64 `json:"avg_price_per_sqm"`
	Count           int     `json:"count"`
}

type MarketTrends struct {
	Current               TrendAggregate `json:"current"`
	Previous              TrendAggregate `json:"previous"`
	Cutoff                *time.Time     `json:"cutoff,omitempty"`
	PriceChangePct        float64        `json:"price_change_pct"`
	PricePerAreaChangePct float64        `json:"price_per_sqm_change_pct"`
	CountChangePct        float64        `json:"count_change_pct"`
}

// DashboardSummary bundles what the dashboard landing page shows.
type DashboardSummary struct {
	StatusCounts           StatusCounts           `json:"status_counts"`
	Overall                OverallStats           `json:"overall"`
	PriceOverTime          []PricePoint           `json:"price_over_time"`
	PriceByDistrict        []DistrictPrice        `json:"price_by_district"`
	PricePerAreaByDistrict []DistrictPricePerArea `json:"price_per_sqm_by_district"`
	PriceDistribution      []HistogramBucket      `json:"price_distribution"`
	BestValue              []ListingView          `json:"best_value"`
	BestByDistrict         []ListingView          `json:"best_by_district"`
	Trends                 MarketTrends           `json:"market_trends"`
	RecentRuns             []ScrapeRun            `json:"recent_runs"`
}
