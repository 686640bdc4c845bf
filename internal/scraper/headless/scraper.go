// Package headless implements fleet.Scraper with a headless Chrome session
// driven by chromedp. Rendered result pages are parsed with goquery.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
)

// Config controls the browser session.
type Config struct {
	// MaxParallel bounds concurrent browser tabs; zero means unbounded.
	MaxParallel int
	UserAgent   string
	// NavigationTimeout bounds one whole scrape (default 3m).
	NavigationTimeout time.Duration
	// SearchURL is the listing search endpoint; the query is appended escaped.
	SearchURL string
	// ScrollRounds is how many times the result feed is scrolled to load more.
	ScrollRounds int
	// ScrollPause is the wait after each scroll (default 1.5s).
	ScrollPause time.Duration
	// Headless can be disabled to watch the browser while debugging.
	Headless bool
}

const (
	defaultSearchURL    = "https://www.google.com/maps/search/"
	defaultNavTimeout   = 3 * time.Minute
	defaultScrollRounds = 8
	defaultScrollPause  = 1500 * time.Millisecond
	feedSelector        = `div[role="feed"]`
)

// Scraper renders search result pages and extracts business listings.
type Scraper struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ fleet.Scraper = (*Scraper)(nil)

// New creates a Scraper backed by a shared Chrome allocator.
func New(cfg Config) (*Scraper, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.SearchURL == "" {
		cfg.SearchURL = defaultSearchURL
	}
	if cfg.ScrollRounds <= 0 {
		cfg.ScrollRounds = defaultScrollRounds
	}
	if cfg.ScrollPause <= 0 {
		cfg.ScrollPause = defaultScrollPause
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	headlessFlag := any(false)
	if cfg.Headless {
		headlessFlag = "new"
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headlessFlag),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("lang", "en-US"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Scraper{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (s *Scraper) Close() {
	s.allocCancel()
}

// Scrape searches for req.Query() and returns up to req.MaxResults listings.
func (s *Scraper) Scrape(ctx context.Context, req fleet.ScrapeRequest) ([]fleet.BusinessRecord, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	html, err := s.render(taskCtx, s.searchURL(req.Query()))
	if err != nil {
		return nil, err
	}
	records, err := ParseListings(html, req.MaxResults)
	if err != nil {
		return nil, fmt.Errorf("parse listings for job %d: %w", req.JobID, err)
	}
	return records, nil
}

func (s *Scraper) searchURL(query string) string {
	return s.cfg.SearchURL + url.PathEscape(query)
}

func (s *Scraper) render(ctx context.Context, target string) (string, error) {
	var html string
	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		s.scrollFeedAction(),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (s *Scraper) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// scrollFeedAction scrolls the lazy-loading result list. Pages without a
// feed (a single direct hit) are left as rendered.
func (s *Scraper) scrollFeedAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		script := fmt.Sprintf(`(() => {
			const feed = document.querySelector(%q);
			if (!feed) { return false; }
			feed.scrollBy(0, feed.scrollHeight);
			return true;
		})()`, feedSelector)
		for round := 0; round < s.cfg.ScrollRounds; round++ {
			var scrolled bool
			if err := chromedp.Evaluate(script, &scrolled).Do(ctx); err != nil {
				return fmt.Errorf("scroll results: %w", err)
			}
			if !scrolled {
				return nil
			}
			if err := chromedp.Sleep(s.cfg.ScrollPause).Do(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Scraper) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (s *Scraper) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}
