package willhaben

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"willhaben-tracker/config"
	"willhaben-tracker/models"
	"willhaben-tracker/utils"
)

const (
	defaultRowsPerPage = 30
	pageTimeout        = 120 * time.Second
	readyTimeout       = 60 * time.Second
	settleDelay        = 1500 * time.Millisecond

	readyExpr = `!!(window.__NEXT_DATA__ && window.__NEXT_DATA__.props &&
		window.__NEXT_DATA__.props.pageProps &&
		window.__NEXT_DATA__.props.pageProps.searchResult)`
	searchResultExpr = `JSON.stringify(window.__NEXT_DATA__.props.pageProps.searchResult)`

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"
)

// Scraper collects the complete result list of one willhaben search.
type Scraper struct {
	cfg    *config.Config
	logger *slog.Logger
	retry  *utils.RetryConfig
}

// New creates a ready-to-use willhaben Scraper.
func New(cfg *config.Config, logger *slog.Logger) *Scraper {
	logger = logger.With("component", "willhaben_scraper")
	return &Scraper{
		cfg:    cfg,
		logger: logger,
		retry: &utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   2 * time.Second,
			Logger:      logger,
		},
	}
}

type pageResult struct {
	listings []*models.RawListing
	err      error
}

// Scrape reads every result page of the configured search. The first page
// decides how many pages exist; the rest are fetched concurrently. Any page
// that still fails after retries fails the whole scrape, since a partial
// result would wrongly close listings.
func (s *Scraper) Scrape(ctx context.Context) ([]*models.RawListing, error) {
	chromeBin := s.cfg.ChromeBin
	if chromeBin == "" {
		chromeBin = findChromeBinary()
	}
	s.logger.Info("starting scrape", "url", s.cfg.ScrapeURL, "max_pages", s.cfg.MaxPages, "browser", chromeBin)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.UserAgent(userAgent),
	)
	if chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(chromeBin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	// Suppress chromedp log noise
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelBrowser()

	// Start the browser once so every page opens as a tab in it.
	if err := chromedp.Run(browserCtx); err != nil {
		return nil, fmt.Errorf("willhaben: start browser: %w", err)
	}

	first, err := s.fetchPage(browserCtx, 1)
	if err != nil {
		return nil, err
	}

	pages := first.totalPages(defaultRowsPerPage)
	if pages < 1 {
		pages = 1
	}
	if s.cfg.MaxPages > 0 && pages > s.cfg.MaxPages {
		pages = s.cfg.MaxPages
	}
	s.logger.Info("search result", "rows_found", int(first.RowsFound), "pages", pages)

	results := make([]pageResult, pages+1)
	results[1] = pageResult{listings: first.listings(time.Now())}

	if pages > 1 {
		pool := utils.NewWorkerPool(s.cfg.MaxConcurrency, s.cfg.RateLimitMs)
		var mu sync.Mutex
		for page := 2; page <= pages; page++ {
			pool.Submit(func() {
				var res pageResult
				if sr, err := s.fetchPage(browserCtx, page); err != nil {
					res.err = err
				} else {
					res.listings = sr.listings(time.Now())
				}
				mu.Lock()
				results[page] = res
				mu.Unlock()
			})
		}
		pool.Wait()
	}

	seen := utils.NewStringSet()
	var all []*models.RawListing
	for page := 1; page <= pages; page++ {
		r := results[page]
		if r.err != nil {
			return nil, fmt.Errorf("willhaben: page %d: %w", page, r.err)
		}
		for _, l := range r.listings {
			if l.AdID != "" && !seen.Add(l.AdID) {
				s.logger.Debug("skipping ad repeated across pages", "ad_id", l.AdID, "page", page)
				continue
			}
			all = append(all, l)
		}
		s.logger.Debug("page collected", "page", page, "listings", len(r.listings))
	}

	s.logger.Info("scrape complete", "listings", len(all), "unique_ads", seen.Size())
	return all, nil
}

// fetchPage loads one result page in its own tab and returns the decoded
// search result.
func (s *Scraper) fetchPage(browserCtx context.Context, page int) (*searchResult, error) {
	pageURL, err := buildPageURL(s.cfg.ScrapeURL, page)
	if err != nil {
		return nil, err
	}

	var sr *searchResult
	err = s.retry.Do(browserCtx, fmt.Sprintf("scrape-page-%d", page), func() error {
		tabCtx, cancel := chromedp.NewContext(browserCtx)
		defer cancel()

		tabCtx, cancelTimeout := context.WithTimeout(tabCtx, pageTimeout)
		defer cancelTimeout()

		var ready bool
		var payload string
		err := chromedp.Run(tabCtx,
			chromedp.Navigate(pageURL),
			chromedp.Poll(readyExpr, &ready, chromedp.WithPollingTimeout(readyTimeout)),
			chromedp.Sleep(settleDelay),
			chromedp.Evaluate(searchResultExpr, &payload),
		)
		if err != nil {
			return fmt.Errorf("chromedp page %d: %w", page, err)
		}

		decoded, err := decodeSearchResult([]byte(payload))
		if err != nil {
			return err
		}
		sr = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("page loaded", "page", page, "url", pageURL, "adverts", len(sr.AdvertSummaryList.AdvertSummary))
	return sr, nil
}

// findChromeBinary locates Chrome/Chromium binary.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
