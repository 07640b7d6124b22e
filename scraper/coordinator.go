package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aluiziolira/go-ingest-books/models"
	"github.com/aluiziolira/go-ingest-books/parser"
)

// Coordinator turns item stubs into records using a bounded worker pool.
type Coordinator struct {
	fetcher PageFetcher
	metrics *Metrics
}

func NewCoordinator(fetcher PageFetcher, metrics *Metrics) *Coordinator {
	return &Coordinator{fetcher: fetcher, metrics: metrics}
}

// Ingest processes stubs with up to concurrency workers. Every stub ends up
// exactly once in either Records or Failures; order is not preserved.
func (c *Coordinator) Ingest(ctx context.Context, stubs []models.ItemStub, concurrency int) *models.IngestResult {
	in := make(chan models.ItemStub, len(stubs))
	for _, stub := range stubs {
		in <- stub
	}
	close(in)

	result := &models.IngestResult{}
	var mu sync.Mutex
	result.Failures = c.Stream(ctx, in, concurrency, func(record *models.ItemRecord) {
		mu.Lock()
		result.Records = append(result.Records, record)
		mu.Unlock()
	})
	return result
}

// Stream consumes in until it is closed, calling emit for every record and
// returning the failures. emit is called from several goroutines. Once ctx is
// done, stubs still arriving on in are recorded as canceled without being
// fetched, so the caller only has to close in for Stream to return.
func (c *Coordinator) Stream(ctx context.Context, in <-chan models.ItemStub, concurrency int, emit func(*models.ItemRecord)) []models.Failure {
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []models.Failure
	)
	fail := func(stub models.ItemStub, err error) {
		failure := c.failure(stub, err)
		mu.Lock()
		failures = append(failures, failure)
		mu.Unlock()
	}

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for stub := range in {
				if ctx.Err() != nil {
					fail(stub, canceledError(ctx, stub.DetailURL))
					continue
				}
				record, err := c.ingestOne(ctx, stub)
				if err != nil {
					fail(stub, err)
					continue
				}
				c.metrics.IncRecords()
				emit(record)
			}
		}()
	}

	wg.Wait()
	return failures
}

func (c *Coordinator) ingestOne(ctx context.Context, stub models.ItemStub) (*models.ItemRecord, error) {
	page, err := c.fetcher.Fetch(ctx, stub.DetailURL, phaseDetail)
	if err != nil {
		return nil, err
	}
	detail, err := parser.ExtractDetail(page.URL, page.Body)
	if err != nil {
		return nil, err
	}

	record := &models.ItemRecord{
		Title:       stub.Title,
		Price:       stub.Price,
		DetailURL:   stub.DetailURL,
		Description: detail.Description,
		Attributes:  detail.Attributes,
	}
	if err := parser.ValidateRecord(record); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	return record, nil
}

func (c *Coordinator) failure(stub models.ItemStub, err error) models.Failure {
	kind := ErrorKind(err)
	c.metrics.IncFailure(kind)
	if kind != KindCanceled {
		slog.Warn("item failed",
			slog.String("url", stub.DetailURL),
			slog.String("kind", kind),
			slog.Any("error", err),
		)
	}
	return models.Failure{
		Stub:       stub,
		Kind:       kind,
		StatusCode: StatusCode(err),
		Reason:     err.Error(),
		Err:        err,
	}
}
