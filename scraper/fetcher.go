package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-ingest-books/config"
	"github.com/gocolly/colly/v2"
)

const (
	maxBodySize = 10 << 20

	phaseCatalog = "catalog"
	phaseDetail  = "detail"
)

// Page is a successfully fetched document, decoded to UTF-8.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Attempts   int
}

// Fetcher issues GET requests through a colly collector and retries
// transient failures with exponential backoff. Each attempt runs on a
// synchronous clone bound to the caller's context; clones share the HTTP
// backend and the robots.txt cache.
type Fetcher struct {
	collector  *colly.Collector
	maxRetries int
	backoff    time.Duration
	backoffMax time.Duration
	metrics    *Metrics

	requests atomic.Int64
	retries  atomic.Int64
}

// FetcherOption customises a Fetcher.
type FetcherOption func(*Fetcher)

// WithTransport replaces the HTTP transport, mainly for tests.
func WithTransport(rt http.RoundTripper) FetcherOption {
	return func(f *Fetcher) {
		f.collector.WithTransport(rt)
	}
}

// WithMetrics records request metrics on m.
func WithMetrics(m *Metrics) FetcherOption {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// NewFetcher builds a fetcher from the request settings in cfg. The
// per-request timeout also bounds robots.txt lookups.
func NewFetcher(cfg *config.Config, opts ...FetcherOption) *Fetcher {
	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.MaxBodySize(maxBodySize),
		colly.DetectCharset(),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: max(cfg.Concurrency, 2),
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	f := &Fetcher{
		collector:  collector,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		backoffMax: cfg.RetryBackoffMax,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves rawURL. Network errors, timeouts and 5xx responses are
// retried up to the configured budget; 4xx responses and robots denials are
// returned immediately. Cancellation of ctx stops retrying at once.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, phase string) (*Page, error) {
	if ctx.Err() != nil {
		return nil, canceledError(ctx, rawURL)
	}

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("invalid url %q: missing host", rawURL)
	}

	var lastErr error
	for attempt := 1; attempt <= f.maxRetries+1; attempt++ {
		if attempt > 1 {
			f.retries.Add(1)
			f.metrics.IncRetries()
			delay := f.backoffFor(attempt - 1)
			slog.Debug("retrying request",
				slog.String("url", rawURL),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", lastErr),
			)
			if err := sleepContext(ctx, delay); err != nil {
				return nil, canceledError(ctx, rawURL)
			}
		}

		page, err := f.do(ctx, rawURL, phase)
		if err == nil {
			page.Attempts = attempt
			return page, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func (f *Fetcher) do(ctx context.Context, rawURL, phase string) (*Page, error) {
	c := f.collector.Clone()
	c.Context = ctx

	var (
		page   *Page
		status int
		start  time.Time
	)
	c.OnRequest(func(r *colly.Request) {
		current := f.requests.Add(1)
		f.metrics.IncRequest(phase)
		if current%50 == 0 {
			slog.Debug("request progress",
				slog.Int64("requests", current),
				slog.String("url", r.URL.String()),
			)
		}
		start = time.Now()
	})
	c.OnResponse(func(r *colly.Response) {
		page = &Page{URL: r.Request.URL.String(), StatusCode: r.StatusCode, Body: r.Body}
	})
	c.OnError(func(r *colly.Response, _ error) {
		status = r.StatusCode
	})

	err := c.Visit(rawURL)
	if !start.IsZero() {
		f.metrics.ObserveDuration(phase, time.Since(start))
	}

	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return nil, ErrDisallowed{URL: rawURL}
	case status > 0:
		slog.Debug("non-2xx response",
			slog.Int("status", status),
			slog.String("url", rawURL),
		)
		return nil, HTTPStatusError{URL: rawURL, StatusCode: status}
	case err != nil:
		return nil, classifyTransportError(ctx, rawURL, err)
	case page == nil:
		return nil, ErrNetwork{URL: rawURL, Err: errors.New("no response received")}
	}
	return page, nil
}

// backoffFor returns base * 2^(retry-1), capped at the configured maximum.
func (f *Fetcher) backoffFor(retry int) time.Duration {
	if retry <= 0 {
		retry = 1
	}
	base := f.backoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base * time.Duration(1<<(retry-1))
	if f.backoffMax > 0 && delay > f.backoffMax {
		delay = f.backoffMax
	}
	return delay
}

// Requests returns the number of HTTP requests issued so far.
func (f *Fetcher) Requests() int {
	return int(f.requests.Load())
}

// Retries returns the number of retry attempts made so far.
func (f *Fetcher) Retries() int {
	return int(f.retries.Load())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
