package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-ingest-books/config"
	"github.com/aluiziolira/go-ingest-books/models"
	"github.com/aluiziolira/go-ingest-books/pipeline"
	"github.com/aluiziolira/go-ingest-books/scraper"
	"github.com/aluiziolira/go-ingest-books/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	exitOK        = 0
	exitTolerance = 1
	exitFatal     = 2
	exitCanceled  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Optional YAML configuration file")
	startURL := flag.String("start-url", "", "First catalog page to walk")
	maxPages := flag.Int("pages", 0, "Maximum catalog pages to walk")
	concurrency := flag.Int("concurrency", 0, "Number of concurrent detail fetches")
	timeoutMs := flag.Int("timeout-ms", 0, "Per-request timeout (milliseconds)")
	maxRetries := flag.Int("max-retries", -1, "Maximum retry attempts per URL")
	retryBackoffMs := flag.Int("retry-backoff", 0, "Initial retry backoff (milliseconds)")
	retryBackoffMaxMs := flag.Int("retry-backoff-max", 0, "Maximum retry backoff (milliseconds)")
	respectRobots := flag.Bool("respect-robots", false, "Respect robots.txt directives")
	deadline := flag.Duration("deadline", 0, "Overall run deadline (e.g. 10m)")
	storeBackend := flag.String("store", "", "Store backend: postgres or memory")
	databaseURL := flag.String("database-url", "", "Postgres connection string")
	table := flag.String("table", "", "Destination table name")
	batchSize := flag.Int("batch-size", 0, "Records per store batch")
	exportFile := flag.String("export", "", "Optional export file path")
	exportFormat := flag.String("format", "", "Export format: csv, json, or dual")
	tolerance := flag.Float64("tolerance", -1, "Acceptable failure rate before exiting non-zero")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		return exitFatal
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["start-url"] {
		cfg.StartURL = *startURL
	}
	if set["pages"] {
		cfg.MaxPages = *maxPages
	}
	if set["concurrency"] {
		cfg.Concurrency = *concurrency
	}
	if set["timeout-ms"] {
		cfg.Timeout = time.Duration(*timeoutMs) * time.Millisecond
	}
	if set["max-retries"] {
		cfg.MaxRetries = *maxRetries
	}
	if set["retry-backoff"] {
		cfg.RetryBackoff = time.Duration(*retryBackoffMs) * time.Millisecond
	}
	if set["retry-backoff-max"] {
		cfg.RetryBackoffMax = time.Duration(*retryBackoffMaxMs) * time.Millisecond
	}
	if set["respect-robots"] {
		cfg.RespectRobotsTxt = *respectRobots
	}
	if set["deadline"] {
		cfg.Deadline = *deadline
	}
	if set["store"] {
		cfg.StoreBackend = strings.ToLower(*storeBackend)
	}
	if set["database-url"] {
		cfg.DatabaseURL = *databaseURL
	}
	if set["table"] {
		cfg.StoreTable = *table
	}
	if set["batch-size"] {
		cfg.BatchSize = *batchSize
	}
	if set["export"] {
		cfg.ExportFile = *exportFile
	}
	if set["format"] {
		cfg.ExportFormat = strings.ToLower(*exportFormat)
	}
	if set["tolerance"] {
		cfg.FailureTolerance = *tolerance
	}
	if set["metrics-addr"] {
		cfg.MetricsAddr = *metricsAddr
	}
	if set["v"] {
		cfg.Verbose = *verbose
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return exitFatal
	}

	s, err := scraper.NewScraper(cfg)
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		return exitFatal
	}
	logger = logger.With(slog.String("run_id", s.RunID()))
	slog.SetDefault(logger)

	logger.Info("starting ingest",
		slog.String("start_url", cfg.StartURL),
		slog.Int("pages", cfg.MaxPages),
		slog.Int("workers", cfg.Concurrency),
		slog.String("store", cfg.StoreBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Deadline)
		defer cancel()
	}
	go func() {
		<-ctx.Done()
		logger.Info("run cancelled, waiting for in-flight work to finish", slog.Any("cause", context.Cause(ctx)))
	}()

	store, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.Error("opening store", slog.Any("error", err))
		return exitFatal
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close store", slog.Any("error", err))
		}
	}()

	opts := []pipeline.Option{pipeline.WithObserver(s.Metrics)}
	var exporter pipeline.Exporter
	if cfg.ExportFile != "" {
		exporter, err = pipeline.NewExporter(cfg.ExportFormat, cfg.ExportFile)
		if err != nil {
			logger.Error("creating exporter", slog.Any("error", err))
			return exitFatal
		}
		opts = append(opts, pipeline.WithExporter(exporter))
	}

	p, err := pipeline.NewPipeline(store, cfg, opts...)
	if err != nil {
		logger.Error("creating pipeline", slog.Any("error", err))
		return exitFatal
	}
	p.Start()
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" && s.Metrics != nil {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		logger.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	summary, runErr := s.Run(ctx, p)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if summary != nil {
		printSummary(os.Stderr, summary, cfg)
	}
	if runErr != nil {
		logger.Error("ingest failed", slog.Any("error", runErr))
		return exitFatal
	}

	if exporter != nil {
		if err := exporter.Validate(); err != nil {
			logger.Warn("export validation failed", slog.Any("error", err))
		}
	}

	code := exitStatus(summary, cfg.FailureTolerance)
	switch code {
	case exitCanceled:
		logger.Error("run canceled before completion, results are partial")
	case exitTolerance:
		logger.Error("failure rate exceeds tolerance",
			slog.Float64("rate", summary.FailureRate()),
			slog.Float64("tolerance", cfg.FailureTolerance),
		)
	}
	return code
}

// exitStatus maps a finished run to the process exit code. Only a complete
// run within tolerance exits 0.
func exitStatus(summary *models.RunSummary, tolerance float64) int {
	switch {
	case summary == nil:
		return exitFatal
	case summary.Canceled:
		return exitCanceled
	case summary.ExceedsTolerance(tolerance):
		return exitTolerance
	default:
		return exitOK
	}
}

func printSummary(w io.Writer, summary *models.RunSummary, cfg *config.Config) {
	separator := "--------------------------------------------------"
	duration := summary.EndTime.Sub(summary.StartTime)

	fmt.Fprintln(w, "\n"+separator)
	if summary.Canceled {
		fmt.Fprintln(w, "Ingest canceled (partial results)")
	} else {
		fmt.Fprintln(w, "Ingest complete")
	}
	fmt.Fprintf(w, "  Run ID:        %s\n", summary.RunID)
	fmt.Fprintf(w, "  Pages:         %d\n", summary.PageCount)
	fmt.Fprintf(w, "  Items found:   %d\n", summary.StubCount)
	if summary.Malformed > 0 {
		fmt.Fprintf(w, "  Malformed:     %d\n", summary.Malformed)
	}
	fmt.Fprintf(w, "  Records:       %d\n", summary.RecordCount)
	fmt.Fprintf(w, "  Written:       %d\n", summary.Written)
	fmt.Fprintf(w, "  Unchanged:     %d\n", summary.Unchanged)
	fmt.Fprintf(w, "  Unwritten:     %d\n", summary.Unwritten)
	fmt.Fprintf(w, "  Failures:      %d\n", len(summary.Failures))
	if len(summary.FailuresByKind) > 0 {
		kinds := make([]string, 0, len(summary.FailuresByKind))
		for kind := range summary.FailuresByKind {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Fprintf(w, "    %-20s %d\n", kind, summary.FailuresByKind[kind])
		}
	}
	fmt.Fprintf(w, "  Failure rate:  %.2f%% (tolerance %.2f%%)\n", summary.FailureRate()*100, cfg.FailureTolerance*100)
	fmt.Fprintf(w, "  Requests:      %d\n", summary.RequestCount)
	fmt.Fprintf(w, "  Retries:       %d\n", summary.RetryCount)
	for _, pageErr := range summary.PageErrors {
		fmt.Fprintf(w, "  Page error:    %s\n", pageErr)
	}
	fmt.Fprintf(w, "  Duration:      %v\n", duration.Round(time.Millisecond))
	if duration.Seconds() > 0 {
		fmt.Fprintf(w, "  Items/sec:     %.2f\n", float64(summary.RecordCount)/duration.Seconds())
	}
	if cfg.ExportFile != "" {
		fmt.Fprintf(w, "  Export file:   %s\n", cfg.ExportFile)
	}

	const maxReasons = 10
	for i, failure := range summary.Failures {
		if i == maxReasons {
			fmt.Fprintf(w, "  ... %d more failures\n", len(summary.Failures)-maxReasons)
			break
		}
		fmt.Fprintf(w, "  [%s] %s: %s\n", failure.Kind, failure.Stub.DetailURL, failure.Reason)
	}
	fmt.Fprintln(w, separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
