package crawler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-monitor/internal/procurement"
	"github.com/JakeFAU/pncp-monitor/internal/upstream"
)

// AllRegions is the region code used when the upstream shape has no region
// filter; the whole window is crawled as a single partition.
const AllRegions = ""

// PageSource fetches one upstream page.
type PageSource interface {
	FetchPage(ctx context.Context, q upstream.PageQuery) (upstream.Page, error)
}

// Config bounds one crawl.
type Config struct {
	DateRangeDays     int
	Regions           []string
	PageSize          int
	MaxPagesPerRegion int
}

// Validate checks the crawl bounds.
func (c Config) Validate() error {
	if c.DateRangeDays <= 0 {
		return fmt.Errorf("date range must be > 0 days, got %d", c.DateRangeDays)
	}
	if len(c.Regions) == 0 {
		return errors.New("at least one region is required")
	}
	if c.PageSize < 0 {
		return fmt.Errorf("page size must be >= 0, got %d", c.PageSize)
	}
	if c.MaxPagesPerRegion <= 0 {
		return fmt.Errorf("max pages per region must be > 0, got %d", c.MaxPagesPerRegion)
	}
	return nil
}

// Window is the publication date range requested from the upstream.
type Window struct {
	From time.Time
	To   time.Time
}

// WindowAt returns [now - DateRangeDays, now].
func (c Config) WindowAt(now time.Time) Window {
	return Window{From: now.AddDate(0, 0, -c.DateRangeDays), To: now}
}

// Batch is one fetched page, or the error that ended a region. A batch with
// Err set is always the last batch of its region.
type Batch struct {
	Region   string
	Page     int
	Items    []procurement.RawProcurement
	Invalid  int
	Body     []byte
	Duration time.Duration
	Err      error
}

// Scanned is the number of raw payloads in the batch.
func (b Batch) Scanned() int {
	return len(b.Items) + b.Invalid
}

// Crawler drives a PageSource.
type Crawler struct {
	source         PageSource
	requestTimeout time.Duration
	retry          RetryPolicy
	logger         *zap.Logger
}

// Option customizes a Crawler.
type Option func(*Crawler)

// WithRequestTimeout sets the fixed per-request budget. A timeout is a page
// failure like any other.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Crawler) { c.requestTimeout = d }
}

// WithRetryPolicy sets the page retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Crawler) {
		if p != nil {
			c.retry = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Crawler) {
		if l != nil {
			c.logger = l
		}
	}
}

// New constructs a Crawler with a 30s request timeout and no retries.
func New(source PageSource, opts ...Option) *Crawler {
	c := &Crawler{
		source:         source,
		requestTimeout: 30 * time.Second,
		retry:          NoRetry{},
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Crawl yields the batches of every region in cfg.Regions order. A region
// failure is yielded as an error batch and the crawl moves on; cancellation
// of ctx stops the crawl after the current region.
func (c *Crawler) Crawl(ctx context.Context, cfg Config, window Window) iter.Seq[Batch] {
	return func(yield func(Batch) bool) {
		for _, region := range cfg.Regions {
			if ctx.Err() != nil {
				return
			}
			for b := range c.Region(ctx, cfg, window, region) {
				if !yield(b) {
					return
				}
			}
		}
	}
}

// Region yields the pages of one region, starting at page 1. Page N+1 is only
// requested after page N has been yielded.
func (c *Crawler) Region(ctx context.Context, cfg Config, window Window, region string) iter.Seq[Batch] {
	return func(yield func(Batch) bool) {
		logger := c.logger.With(zap.String("region", region))
		for page := 1; page <= cfg.MaxPagesPerRegion; page++ {
			q := upstream.PageQuery{
				DateInitial: window.From,
				DateFinal:   window.To,
				Page:        page,
				PageSize:    cfg.PageSize,
				Region:      region,
			}
			start := time.Now()
			result, err := c.fetch(ctx, q)
			dur := time.Since(start)
			if err != nil {
				logger.Warn("region aborted", zap.Int("page", page), zap.Error(err))
				yield(Batch{Region: region, Page: page, Duration: dur, Err: err})
				return
			}
			if result.Len() == 0 {
				logger.Debug("region exhausted", zap.Int("pages", page-1))
				return
			}
			if !yield(Batch{
				Region:   region,
				Page:     page,
				Items:    result.Items,
				Invalid:  result.Invalid,
				Body:     result.Body,
				Duration: dur,
			}) {
				return
			}
		}
		logger.Info("page bound reached", zap.Int("max_pages", cfg.MaxPagesPerRegion))
	}
}

func (c *Crawler) fetch(ctx context.Context, q upstream.PageQuery) (upstream.Page, error) {
	for attempt := 1; ; attempt++ {
		page, err := c.fetchOnce(ctx, q)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil || !c.retry.ShouldRetry(err, attempt) {
			return upstream.Page{}, fmt.Errorf("fetch %s page %d: %w", regionLabel(q.Region), q.Page, err)
		}
		wait := c.retry.Backoff(attempt)
		c.logger.Debug("retrying page",
			zap.String("region", q.Region),
			zap.Int("page", q.Page),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return upstream.Page{}, fmt.Errorf("fetch %s page %d: %w", regionLabel(q.Region), q.Page, ctx.Err())
		case <-timer.C:
		}
	}
}

func (c *Crawler) fetchOnce(ctx context.Context, q upstream.PageQuery) (upstream.Page, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	page, err := c.source.FetchPage(reqCtx, q)
	if err != nil {
		return upstream.Page{}, err
	}
	return page, nil
}

func regionLabel(region string) string {
	if region == AllRegions {
		return "all regions"
	}
	return "region " + region
}
