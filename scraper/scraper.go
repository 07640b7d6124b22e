package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-ingest-books/config"
	"github.com/aluiziolira/go-ingest-books/models"
	"github.com/aluiziolira/go-ingest-books/pipeline"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Scraper runs one ingestion pass over the catalog.
type Scraper struct {
	cfg         *config.Config
	runID       string
	fetcher     *Fetcher
	walker      *Walker
	coordinator *Coordinator
	Metrics     *Metrics
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config, opts ...FetcherOption) (*Scraper, error) {
	parsed, err := url.Parse(cfg.StartURL)
	if err != nil {
		return nil, fmt.Errorf("parse start url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("start url must include a host")
	}

	metrics := NewMetrics()
	fetcher := NewFetcher(cfg, append([]FetcherOption{WithMetrics(metrics)}, opts...)...)

	return &Scraper{
		cfg:         cfg,
		runID:       uuid.NewString(),
		fetcher:     fetcher,
		walker:      NewWalker(fetcher, cfg.MaxPages, metrics),
		coordinator: NewCoordinator(fetcher, metrics),
		Metrics:     metrics,
	}, nil
}

// RunID identifies this run in logs and the summary.
func (s *Scraper) RunID() string {
	return s.runID
}

// Run walks the catalog, ingests every discovered item and hands records to
// p, which must already be started. Run closes p once every record has been
// handed over, so the returned summary includes the writer's counts.
// An unreachable first catalog page is returned as an error.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.RunSummary, error) {
	logger := slog.With(slog.String("run_id", s.runID))
	summary := &models.RunSummary{
		RunID:          s.runID,
		StartTime:      time.Now(),
		FailuresByKind: make(map[string]int),
	}

	stubs := make(chan models.ItemStub, max(s.cfg.QueueSize, 1))
	var (
		records atomic.Int64
		lost    atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(stubs)
		for page, err := range s.walker.Walk(gctx, s.cfg.StartURL) {
			if err != nil {
				var pageErr *PageError
				if errors.As(err, &pageErr) && pageErr.Index == 1 && ErrorKind(err) != KindCanceled {
					return fmt.Errorf("first catalog page unreachable: %w", err)
				}
				summary.PageErrors = append(summary.PageErrors, err.Error())
				logger.Error("catalog walk stopped", slog.Any("error", err))
				return nil
			}

			summary.PageCount++
			summary.Malformed += page.Malformed
			logger.Debug("catalog page walked",
				slog.Int("page", page.Index),
				slog.Int("items", len(page.Items)),
				slog.String("url", page.URL),
			)
			for _, stub := range page.Items {
				summary.StubCount++
				stubs <- stub
			}
		}
		return nil
	})

	var failures []models.Failure
	g.Go(func() error {
		failures = s.coordinator.Stream(gctx, stubs, s.cfg.Concurrency, func(record *models.ItemRecord) {
			records.Add(1)
			if err := p.Process(record); err != nil {
				lost.Add(1)
				logger.Error("pipeline process error",
					slog.String("url", record.DetailURL),
					slog.Any("error", err),
				)
			}
		})
		return nil
	})

	runErr := g.Wait()
	closeErr := p.Close()
	if closeErr != nil {
		logger.Error("pipeline shutdown failed", slog.Any("error", closeErr))
	}

	stats := p.Stats()
	summary.EndTime = time.Now()
	summary.RecordCount = int(records.Load())
	summary.Failures = failures
	summary.Written = stats.Written
	summary.Unwritten = stats.Unwritten + int(lost.Load())
	summary.Unchanged = stats.Unchanged
	summary.RetryCount = s.fetcher.Retries()
	summary.RequestCount = s.fetcher.Requests()
	sort.Slice(summary.Failures, func(i, j int) bool {
		return summary.Failures[i].Stub.DetailURL < summary.Failures[j].Stub.DetailURL
	})
	for _, failure := range summary.Failures {
		summary.FailuresByKind[failure.Kind]++
	}
	summary.Canceled = ctx.Err() != nil || summary.FailuresByKind[KindCanceled] > 0
	if summary.Canceled {
		logger.Warn("run canceled before completion",
			slog.Int("pages", summary.PageCount),
			slog.Int("stubs", summary.StubCount),
			slog.Any("cause", context.Cause(ctx)),
		)
	}

	if closeErr != nil && errors.Is(closeErr, pipeline.ErrPipelineCloseTimeout) {
		// Records still queued when the drain gave up never reached the store.
		queued := summary.RecordCount - int(lost.Load()) - stats.Written - stats.Unwritten - stats.Unchanged
		summary.Unwritten += max(queued, 0)
	}

	if runErr != nil {
		return summary, runErr
	}
	if closeErr != nil {
		return summary, fmt.Errorf("close pipeline: %w", closeErr)
	}
	return summary, nil
}
