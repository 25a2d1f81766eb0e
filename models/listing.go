package models

import "time"

// RawListing holds one unprocessed search-result entry as extracted from the
// marketplace page. Nothing here is parsed yet; it is also what the raw CSV
// archive records.
type RawListing struct {
	AdID         string
	Title        string
	PriceDisplay string
	Price        string
	Location     string
	Rooms        string
	Size         string
	SEOURL       string
	FetchedAt    time.Time
}

// Listing is the immutable identity of one marketplace ad.
type Listing struct {
	ID          int64     `db:"id" json:"id"`
	AdID        string    `db:"ad_id" json:"ad_id"`
	URL         string    `db:"url" json:"url"`
	FirstSeenAt time.Time `db:"first_seen_at" json:"first_seen_at"`
}

type ListingState string

const (
	StatusOpen   ListingState = "open"
	StatusClosed ListingState = "closed"
)

// ListingRecord is a listing joined with its current status row.
type ListingRecord struct {
	Listing
	Status   ListingState `db:"status" json:"status"`
	ClosedAt *time.Time   `db:"closed_at" json:"closed_at,omitempty"`
}

// Snapshot is one timestamped observation of a listing. Snapshots are never
// updated once written.
type Snapshot struct {
	ID           int64     `db:"id" json:"-"`
	ListingID    int64     `db:"listing_id" json:"listing_id"`
	ScrapedAt    time.Time `db:"scraped_at" json:"scraped_at"`
	Title        string    `db:"title" json:"title"`
	PriceDisplay string    `db:"price" json:"price"`
	Price        *int64    `db:"price_value" json:"price_value"`
	Location     string    `db:"location" json:"location"`
	Rooms        string    `db:"rooms" json:"rooms"`
	SizeDisplay  string    `db:"size_sqm" json:"size_sqm"`
	Size         *float64  `db:"size_sqm_value" json:"size_sqm_value"`
	PricePerArea *float64  `db:"price_per_sqm" json:"price_per_sqm"`
}

// ListingView is the "current" projection of a listing: identity, status and
// the fields of its latest snapshot (zero when it has none).
type ListingView struct {
	ID           int64        `json:"id"`
	AdID         string       `json:"ad_id"`
	URL          string       `json:"url"`
	FirstSeenAt  time.Time    `json:"first_seen_at"`
	Status       ListingState `json:"status"`
	ClosedAt     *time.Time   `json:"closed_at,omitempty"`
	ScrapedAt    *time.Time   `json:"scraped_at,omitempty"`
	Title        string       `json:"title"`
	PriceDisplay string       `json:"price"`
	Price        *int64       `json:"price_value"`
	Location     string       `json:"location"`
	Rooms        string       `json:"rooms"`
	SizeDisplay  string       `json:"size_sqm"`
	Size         *float64     `json:"size_sqm_value"`
	PricePerArea *float64     `json:"price_per_sqm"`
}

// NewListingView combines a listing record with its latest snapshot, which
// may be nil.
func NewListingView(rec ListingRecord, latest *Snapshot) ListingView {
	v := ListingView{
		ID:          rec.ID,
		AdID:        rec.AdID,
		URL:         rec.URL,
		FirstSeenAt: rec.FirstSeenAt,
		Status:      rec.Status,
		ClosedAt:    rec.ClosedAt,
	}
	if latest != nil {
		at := latest.ScrapedAt
		v.ScrapedAt = &at
		v.Title = latest.Title
		v.PriceDisplay = latest.PriceDisplay
		v.Price = latest.Price
		v.Location = latest.Location
		v.Rooms = latest.Rooms
		v.SizeDisplay = latest.SizeDisplay
		v.Size = latest.Size
		v.PricePerArea = latest.PricePerArea
	}
	return v
}
