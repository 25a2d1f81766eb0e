package services

import (
	"fmt"
	"io"
	"strings"

	"willhaben-tracker/models"
)

const maxReportBar = 40

// PrintReport writes a terminal overview of the market. cycle may be nil
// when no ingestion ran just before.
func PrintReport(w io.Writer, s *models.DashboardSummary, cycle *models.CycleResult) {
	sep := strings.Repeat("═", 58)
	thin := strings.Repeat("─", 58)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  VIENNA APARTMENT MARKET\033[0m\n")
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	if cycle != nil {
		fmt.Fprintf(w, "\033[1;33m  Last Scrape (run %d)\033[0m\n", cycle.RunID)
		fmt.Fprintf(w, "  %s\n", thin)
		fmt.Fprintf(w, "  Listings found : \033[1m%d\033[0m\n", cycle.Found)
		fmt.Fprintf(w, "  New listings   : \033[1;32m%d\033[0m\n", cycle.New)
		fmt.Fprintf(w, "  Closed         : \033[1;31m%d\033[0m\n", cycle.Closed)
		if cycle.Duplicates > 0 || cycle.MissingID > 0 {
			fmt.Fprintf(w, "  Skipped        : %d duplicate, %d without id\n", cycle.Duplicates, cycle.MissingID)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Open listings   : \033[1m%d\033[0m\n", s.StatusCounts.Open)
	fmt.Fprintf(w, "  Closed listings : \033[1m%d\033[0m\n", s.StatusCounts.Closed)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Price Statistics\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if s.Overall.Count > 0 {
		fmt.Fprintf(w, "  Median price    : \033[1;32m€ %s\033[0m\n", formatEuro(s.Overall.MedianPrice))
		fmt.Fprintf(w, "  Average price   : \033[1;32m€ %s\033[0m\n", formatEuro(s.Overall.AvgPrice))
		fmt.Fprintf(w, "  Average per m²  : \033[1;32m€ %s\033[0m\n", formatEuro(s.Overall.AvgPricePerArea))
		fmt.Fprintf(w, "  Priced listings : %d\n", s.Overall.Count)
	} else {
		fmt.Fprintf(w, "  No price data available\n")
	}
	fmt.Fprintln(w)

	t := s.Trends
	if t.Cutoff != nil {
		fmt.Fprintf(w, "\033[1;33m  Market Trend (since %s)\033[0m\n", t.Cutoff.UTC().Format("2006-01-02 15:04"))
		fmt.Fprintf(w, "  %s\n", thin)
		fmt.Fprintf(w, "  Average price   : %s\n", formatChange(t.PriceChangePct))
		fmt.Fprintf(w, "  Average per m²  : %s\n", formatChange(t.PricePerAreaChangePct))
		fmt.Fprintf(w, "  Listing count   : %s\n", formatChange(t.CountChangePct))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\033[1;33m  Best Value (lowest € per m²)\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(s.BestValue) == 0 {
		fmt.Fprintf(w, "  No open listings with a known area\n")
	} else {
		for i, l := range s.BestValue {
			fmt.Fprintf(w, "  \033[1m%2d.\033[0m %-36s %-18s \033[1;32m€ %s/m²\033[0m\n",
				i+1, truncate(l.Title, 34), truncate(l.Location, 16), formatEuro(roundUnit(*l.PricePerArea)))
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Average Price by District\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(s.PriceByDistrict) == 0 {
		fmt.Fprintf(w, "  No district data\n")
	} else {
		top := s.PriceByDistrict[0].AvgPrice
		for _, d := range s.PriceByDistrict {
			fmt.Fprintf(w, "  %-30s %-*s € %s (%d)\n",
				truncate(d.Location, 28), maxReportBar, bar(d.AvgPrice, top), formatEuro(d.AvgPrice), d.Count)
		}
	}

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

func bar(v, top int64) string {
	if top <= 0 || v <= 0 {
		return ""
	}
	n := int(v * maxReportBar / top)
	if n < 1 {
		n = 1
	}
	return strings.Repeat("█", n)
}

func formatChange(pct float64) string {
	switch {
	case pct > 0:
		return fmt.Sprintf("\033[1;31m+%.2f%%\033[0m", pct)
	case pct < 0:
		return fmt.Sprintf("\033[1;32m%.2f%%\033[0m", pct)
	default:
		return "±0.00%"
	}
}

// formatEuro groups thousands with dots, as prices are shown on the site.
func formatEuro(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	digits := fmt.Sprintf("%d", v)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
