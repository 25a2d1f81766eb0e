package services

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"willhaben-tracker/models"
)

// sizeSuffixes are stripped from size strings, longest first.
var sizeSuffixes = []string{"m²", "m2", "qm"}

// sizePattern is a plain decimal number with at most one separator.
var sizePattern = regexp.MustCompile(`^[0-9]+([.,][0-9]+)?$`)

// NormalizedListing is a raw listing turned into store-ready values.
// Snapshot carries everything but ListingID and ScrapedAt.
type NormalizedListing struct {
	AdID     string
	URL      string
	Snapshot models.Snapshot
}

// Normalizer transforms RawListings into typed snapshot fields.
type Normalizer struct {
	base *url.URL
}

// NewNormalizer creates a Normalizer that resolves seo paths against baseURL.
func NewNormalizer(baseURL string) (*Normalizer, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("normalizer: parse base url %q: %w", baseURL, err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("normalizer: base url %q is not absolute", baseURL)
	}
	return &Normalizer{base: base}, nil
}

// Normalize parses the numeric fields of raw and cleans its text. The raw
// PRICE attribute wins over the display string when both parse.
func (n *Normalizer) Normalize(raw *models.RawListing) NormalizedListing {
	price := ParsePrice(raw.Price)
	if price == nil {
		price = ParsePrice(raw.PriceDisplay)
	}
	size := ParseSize(raw.Size)

	display := normaliseText(raw.PriceDisplay)
	if display == "" {
		display = normaliseText(raw.Price)
	}

	return NormalizedListing{
		AdID: strings.TrimSpace(raw.AdID),
		URL:  n.resolveURL(raw.SEOURL),
		Snapshot: models.Snapshot{
			Title:        normaliseText(raw.Title),
			PriceDisplay: display,
			Price:        price,
			Location:     normaliseText(raw.Location),
			Rooms:        normaliseText(raw.Rooms),
			SizeDisplay:  normaliseText(raw.Size),
			Size:         size,
			PricePerArea: DerivePricePerArea(price, size),
		},
	}
}

func (n *Normalizer) resolveURL(seo string) string {
	seo = strings.TrimSpace(seo)
	if seo == "" {
		return ""
	}
	ref, err := url.Parse(seo)
	if err != nil {
		return ""
	}
	return n.base.ResolveReference(ref).String()
}

// ParsePrice reads a whole-currency amount from strings like "€ 448.400" or
// "EUR 1.250,50". Dots group thousands, a comma starts the dropped decimal
// part. Anything else yields nil.
func ParsePrice(raw string) *int64 {
	raw = strings.ReplaceAll(raw, "EUR", "")

	var b strings.Builder
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.Is(unicode.Sc, r) {
			continue
		}
		b.WriteRune(r)
	}
	s := b.String()
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, ".", "")
	if s == "" {
		return nil
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil
		}
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

// ParseSize reads a living area such as "80", "80,5" or "72 m²".
func ParseSize(raw string) *float64 {
	s := strings.Join(strings.FieldsFunc(raw, unicode.IsSpace), "")
	lower := strings.ToLower(s)
	for _, suffix := range sizeSuffixes {
		if strings.HasSuffix(lower, suffix) {
			s = s[:len(s)-len(suffix)]
			break
		}
	}
	if !sizePattern.MatchString(s) {
		return nil
	}

	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return nil
	}
	return &v
}

// DerivePricePerArea is price/size rounded to two decimals, or nil unless
// both are known and size is positive.
func DerivePricePerArea(price *int64, size *float64) *float64 {
	if price == nil || size == nil || *size <= 0 {
		return nil
	}
	v := round2(float64(*price) / *size)
	return &v
}

// normaliseText applies NFC and collapses internal whitespace.
func normaliseText(s string) string {
	return strings.Join(strings.FieldsFunc(norm.NFC.String(s), unicode.IsSpace), " ")
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
