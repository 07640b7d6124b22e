package scraper

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/aluiziolira/go-ingest-books/models"
	"github.com/aluiziolira/go-ingest-books/parser"
)

// PageFetcher retrieves a single document.
type PageFetcher interface {
	Fetch(ctx context.Context, url, phase string) (*Page, error)
}

// PageError reports a catalog page that could not be fetched or parsed.
type PageError struct {
	URL   string
	Index int
	Err   error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("catalog page %d (%s): %v", e.Index, e.URL, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// Walker follows next-page links through the catalog.
type Walker struct {
	fetcher  PageFetcher
	maxPages int
	metrics  *Metrics
}

// NewWalker returns a walker that stops after maxPages pages; zero means no limit.
func NewWalker(fetcher PageFetcher, maxPages int, metrics *Metrics) *Walker {
	return &Walker{fetcher: fetcher, maxPages: maxPages, metrics: metrics}
}

// Walk lazily yields catalog pages starting at startURL. Each range over the
// returned sequence starts a fresh walk. The walk ends when a page has no
// next link, yields no items, repeats an earlier URL or exceeds the page
// limit. A page that cannot be fetched or parsed, or that is still pending
// when ctx ends, is yielded once as a *PageError and ends the walk.
func (w *Walker) Walk(ctx context.Context, startURL string) iter.Seq2[*models.CatalogPage, error] {
	return func(yield func(*models.CatalogPage, error) bool) {
		seen := make(map[string]struct{})
		next := startURL

		for index := 1; next != ""; index++ {
			if w.maxPages > 0 && index > w.maxPages {
				slog.Debug("page limit reached", slog.Int("max_pages", w.maxPages))
				return
			}
			if _, ok := seen[next]; ok {
				slog.Warn("pagination cycle detected", slog.String("url", next))
				return
			}
			seen[next] = struct{}{}
			if ctx.Err() != nil {
				yield(nil, &PageError{URL: next, Index: index, Err: canceledError(ctx, next)})
				return
			}

			page, err := w.fetcher.Fetch(ctx, next, phaseCatalog)
			if err != nil {
				yield(nil, &PageError{URL: next, Index: index, Err: err})
				return
			}

			catalog, err := parser.ExtractCatalog(page.URL, page.Body)
			if catalog == nil {
				yield(nil, &PageError{URL: next, Index: index, Err: err})
				return
			}
			if err != nil {
				slog.Warn("malformed catalog cards",
					slog.String("url", next),
					slog.Int("malformed", catalog.Malformed),
					slog.Any("error", err),
				)
			}
			catalog.Index = index
			w.metrics.IncPages()

			if len(catalog.Items) == 0 {
				slog.Debug("catalog page without items, stopping", slog.String("url", next))
				if catalog.Malformed > 0 {
					yield(catalog, nil)
				}
				return
			}
			if !yield(catalog, nil) {
				return
			}
			next = catalog.NextURL
		}
	}
}
