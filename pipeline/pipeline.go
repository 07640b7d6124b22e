package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aluiziolira/go-ingest-books/config"
	"github.com/aluiziolira/go-ingest-books/models"
	"github.com/aluiziolira/go-ingest-books/parser"
	"github.com/aluiziolira/go-ingest-books/storage"
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when queued records could not be
	// drained before the drain timeout.
	ErrPipelineCloseTimeout = errors.New("pipeline: timed out draining records")
)

const defaultDrainTimeout = 2 * time.Minute

// BatchObserver receives the outcome of every writer flush.
type BatchObserver interface {
	ObserveBatch(written, unwritten, unchanged int, d time.Duration)
}

// Stats counts what the writer did with the records it received. Every
// received record ends up in exactly one of Written, Unwritten or Unchanged.
type Stats struct {
	Received      int
	Written       int
	Unwritten     int
	Unchanged     int
	Invalid       int
	Batches       int
	FailedBatches int
	ExportErrors  int
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithExporter mirrors every persisted batch to e. The pipeline closes e.
func WithExporter(e Exporter) Option {
	return func(p *Pipeline) {
		p.exporter = e
	}
}

// WithObserver reports batch results to o.
func WithObserver(o BatchObserver) Option {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// WithDrainTimeout bounds how long Close waits for queued records.
func WithDrainTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.drainTimeout = d
	}
}

// Pipeline is the single writer between the coordinator and the store. It
// owns the store exclusively while running.
type Pipeline struct {
	store    storage.Store
	exporter Exporter
	observer BatchObserver
	recordCh chan *models.ItemRecord
	dedupe   *lru.Cache[string, uint64]

	batchSize     int
	flushInterval time.Duration
	storeTimeout  time.Duration
	drainTimeout  time.Duration

	startOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex // guards closed
	closed bool

	closeOnce    sync.Once
	closeErr     error
	shutdown     chan struct{}
	shutdownOnce sync.Once

	statsMu sync.Mutex
	stats   Stats
}

// NewPipeline builds a writer for store using the batching settings in cfg.
func NewPipeline(store storage.Store, cfg *config.Config, opts ...Option) (*Pipeline, error) {
	dedupeSize := cfg.DedupeMaxSize
	if dedupeSize <= 0 {
		dedupeSize = 1
	}
	cache, err := lru.New[string, uint64](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}

	p := &Pipeline{
		store:         store,
		recordCh:      make(chan *models.ItemRecord, max(cfg.QueueSize, 1)),
		dedupe:        cache,
		batchSize:     max(cfg.BatchSize, 1),
		flushInterval: cfg.FlushInterval,
		storeTimeout:  cfg.StoreTimeout,
		drainTimeout:  defaultDrainTimeout,
		done:          make(chan struct{}),
		shutdown:      make(chan struct{}),
	}
	if p.flushInterval <= 0 {
		p.flushInterval = time.Second
	}
	if p.storeTimeout <= 0 {
		p.storeTimeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the writer goroutine. Calling it more than once is a no-op.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		go p.run()
	})
}

// Process queues a record for writing, blocking while the queue is full.
func (p *Pipeline) Process(record *models.ItemRecord) error {
	if record == nil {
		return nil
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPipelineClosed
	}
	return p.enqueue(record)
}

// Close stops accepting records and waits for queued ones to be written.
// It returns ErrPipelineCloseTimeout if draining takes longer than the
// drain timeout. The exporter is closed in either case; batches the writer
// still flushes after a timeout fail to export and are counted as export
// errors.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.Start()

		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.signalShutdown()
		close(p.recordCh)

		timer := time.NewTimer(p.drainTimeout)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			p.closeErr = ErrPipelineCloseTimeout
		}

		if p.exporter != nil {
			if err := p.exporter.Close(); err != nil {
				p.closeErr = errors.Join(p.closeErr, fmt.Errorf("close exporter: %w", err))
			}
		}
	})
	return p.closeErr
}

// Stats returns a snapshot of the writer counters.
func (p *Pipeline) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// StartMetricsReporting emits periodic progress logs until Close.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := p.Stats()
				slog.Info("writer progress",
					slog.Int("received", stats.Received),
					slog.Int("written", stats.Written),
					slog.Int("unchanged", stats.Unchanged),
					slog.Int("unwritten", stats.Unwritten),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	var (
		batch     = make([]*models.ItemRecord, 0, p.batchSize)
		unchanged int
		invalid   int
	)
	flush := func() {
		p.flush(batch, unchanged, invalid)
		batch = make([]*models.ItemRecord, 0, p.batchSize)
		unchanged, invalid = 0, 0
	}

	for {
		select {
		case record, ok := <-p.recordCh:
			if !ok {
				flush()
				return
			}
			switch p.prepare(record) {
			case recordInvalid:
				invalid++
			case recordUnchanged:
				unchanged++
			default:
				batch = append(batch, record)
			}
			if len(batch) >= p.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type verdict int

const (
	recordChanged verdict = iota
	recordUnchanged
	recordInvalid
)

func (p *Pipeline) prepare(record *models.ItemRecord) verdict {
	p.statsMu.Lock()
	p.stats.Received++
	p.statsMu.Unlock()

	if err := parser.ValidateRecord(record); err != nil {
		slog.Warn("dropping invalid record", slog.Any("error", err))
		return recordInvalid
	}
	if prev, ok := p.dedupe.Get(record.DetailURL); ok && prev == fingerprint(record) {
		return recordUnchanged
	}
	return recordChanged
}

func (p *Pipeline) flush(batch []*models.ItemRecord, unchanged, invalid int) {
	if len(batch) == 0 && unchanged == 0 && invalid == 0 {
		return
	}

	var (
		written, failed int
		elapsed         time.Duration
	)
	if len(batch) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), p.storeTimeout)
		start := time.Now()
		rows, err := p.store.Persist(ctx, batch)
		elapsed = time.Since(start)
		cancel()

		if err != nil {
			failed = len(batch)
			slog.Error("persist batch failed",
				slog.Int("records", len(batch)),
				slog.Any("error", err),
			)
		} else {
			written = len(batch)
			for _, record := range batch {
				p.dedupe.Add(record.DetailURL, fingerprint(record))
			}
			slog.Debug("batch persisted",
				slog.Int("records", len(batch)),
				slog.Int("rows", rows),
				slog.Duration("elapsed", elapsed),
			)
			p.export(batch)
		}
	}

	p.statsMu.Lock()
	p.stats.Written += written
	p.stats.Unwritten += failed + invalid
	p.stats.Unchanged += unchanged
	p.stats.Invalid += invalid
	if len(batch) > 0 {
		if failed > 0 {
			p.stats.FailedBatches++
		} else {
			p.stats.Batches++
		}
	}
	p.statsMu.Unlock()

	if p.observer != nil {
		p.observer.ObserveBatch(written, failed+invalid, unchanged, elapsed)
	}
}

func (p *Pipeline) export(batch []*models.ItemRecord) {
	if p.exporter == nil {
		return
	}
	if err := p.exporter.Write(batch); err != nil {
		slog.Warn("export batch failed", slog.Any("error", err))
		p.statsMu.Lock()
		p.stats.ExportErrors++
		p.statsMu.Unlock()
	}
}

func (p *Pipeline) enqueue(record *models.ItemRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.recordCh <- record:
		return nil
	}
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

// fingerprint hashes every stored field of record, attributes in key order.
func fingerprint(record *models.ItemRecord) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(record.Title)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(record.Price)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(record.Description)
	_, _ = d.Write([]byte{0})

	keys := make([]string, 0, len(record.Attributes))
	for k := range record.Attributes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		_, _ = d.WriteString(k)
		_, _ = d.Write([]byte{'='})
		_, _ = d.WriteString(record.Attributes[k])
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}
