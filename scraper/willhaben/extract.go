package willhaben

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"willhaben-tracker/models"
)

//go:embed search_result.schema.json
var searchResultSchemaJSON string

const searchResultSchemaURL = "search_result.schema.json"

var searchResultSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(searchResultSchemaURL, bytes.NewReader([]byte(searchResultSchemaJSON))); err != nil {
		panic(fmt.Sprintf("willhaben: add schema resource: %v", err))
	}
	return compiler.MustCompile(searchResultSchemaURL)
}

// searchResult mirrors window.__NEXT_DATA__.props.pageProps.searchResult.
type searchResult struct {
	RowsFound         flexInt `json:"rowsFound"`
	RowsRequested     flexInt `json:"rowsRequested"`
	AdvertSummaryList struct {
		AdvertSummary []advertSummary `json:"advertSummary"`
	} `json:"advertSummaryList"`
}

type advertSummary struct {
	ID         flexString `json:"id"`
	Attributes struct {
		Attribute []attribute `json:"attribute"`
	} `json:"attributes"`
}

type attribute struct {
	Name   string       `json:"name"`
	Values []flexString `json:"values"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("willhaben: expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(string(s))
	if err != nil {
		return fmt.Errorf("willhaben: not an integer: %q", s)
	}
	*f = flexInt(n)
	return nil
}

// decodeSearchResult validates data against the search result schema and
// decodes it.
func decodeSearchResult(data []byte) (*searchResult, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("willhaben: search result is not valid JSON: %w", err)
	}
	if err := searchResultSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("willhaben: search result schema validation failed: %w", err)
	}

	var sr searchResult
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("willhaben: decode search result: %w", err)
	}
	return &sr, nil
}

// totalPages is ceil(rowsFound / rowsRequested), or fallbackRows per page
// when the result does not say.
func (sr *searchResult) totalPages(fallbackRows int) int {
	perPage := int(sr.RowsRequested)
	if perPage <= 0 {
		perPage = fallbackRows
	}
	if perPage <= 0 || sr.RowsFound <= 0 {
		return 0
	}
	return int(math.Ceil(float64(sr.RowsFound) / float64(perPage)))
}

// listings flattens the adverts into raw listings. Attributes fall back to
// alternative names the site uses for some property types.
func (sr *searchResult) listings(fetchedAt time.Time) []*models.RawListing {
	out := make([]*models.RawListing, 0, len(sr.AdvertSummaryList.AdvertSummary))
	for _, ad := range sr.AdvertSummaryList.AdvertSummary {
		attrs := make(map[string]string, len(ad.Attributes.Attribute))
		for _, a := range ad.Attributes.Attribute {
			if a.Name != "" && len(a.Values) > 0 {
				attrs[a.Name] = string(a.Values[0])
			}
		}

		out = append(out, &models.RawListing{
			AdID:         string(ad.ID),
			Title:        firstOf(attrs, "HEADING", "UNIT_TITLE"),
			PriceDisplay: attrs["PRICE_FOR_DISPLAY"],
			Price:        attrs["PRICE"],
			Location:     firstOf(attrs, "LOCATION", "ADDRESS"),
			Rooms:        firstOf(attrs, "NUMBER_OF_ROOMS", "ROOMS"),
			Size:         firstOf(attrs, "ESTATE_SIZE", "LIVING_AREA"),
			SEOURL:       attrs["SEO_URL"],
			FetchedAt:    fetchedAt,
		})
	}
	return out
}

func firstOf(attrs map[string]string, names ...string) string {
	for _, n := range names {
		if v := attrs[n]; v != "" {
			return v
		}
	}
	return ""
}

// buildPageURL sets the page query parameter. Page 1 is the base URL itself.
func buildPageURL(base string, page int) (string, error) {
	if page <= 1 {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("willhaben: parse scrape url: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
