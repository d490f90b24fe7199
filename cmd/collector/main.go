package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/rxprice-collector/auth"
	"github.com/aluiziolira/rxprice-collector/config"
	"github.com/aluiziolira/rxprice-collector/geocode"
	"github.com/aluiziolira/rxprice-collector/inputs"
	"github.com/aluiziolira/rxprice-collector/models"
	"github.com/aluiziolira/rxprice-collector/pipeline"
	"github.com/aluiziolira/rxprice-collector/progress"
	"github.com/aluiziolira/rxprice-collector/scraper"
	"github.com/aluiziolira/rxprice-collector/server"
)

const (
	exitOK         = 0
	exitIncomplete = 1
	exitConfig     = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		return exitConfig
	}

	cfg, err := parseConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitConfig
	}

	logger, closeLog, err := newLogger(cfg.Verbose, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
		return exitConfig
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing the current pair")
	}()

	geocoder, err := geocode.New(geocode.Options{
		BaseURL:   cfg.GeocodeURL,
		CacheFile: filepath.Join(cfg.ResultsDir, "geocoding_cache.json"),
		Delay:     cfg.GeocodeDelay,
		Timeout:   cfg.Timeout,
		Logger:    logger.With("component", "geocode"),
	})
	if err != nil {
		slog.Error("initialising geocoder", slog.Any("error", err))
		return exitConfig
	}

	loader := inputs.NewLoader(inputs.Options{
		DrugFile:     cfg.DrugFile,
		UUIDCache:    cfg.UUIDCache,
		ZipDir:       cfg.ZipDir,
		Batch:        cfg.Batch,
		TotalBatches: cfg.TotalBatches,
		TestMode:     cfg.TestMode,
	}, geocoder, logger.With("component", "inputs"))

	plan, err := loader.Load(ctx, cfg.States)
	if err != nil {
		var cfgErr *inputs.ConfigurationError
		if errors.As(err, &cfgErr) {
			slog.Error("input configuration is incomplete", slog.Any("problems", cfgErr.Problems))
			return exitConfig
		}
		slog.Error("loading inputs", slog.Any("error", err))
		return exitIncomplete
	}

	slog.Info("starting collection",
		slog.Any("states", plan.States),
		slog.Int("drugs", len(plan.Drugs)),
		slog.Int("pairs", plan.TotalPairs()),
		slog.Duration("delay", cfg.RequestDelay),
		slog.Bool("test_mode", cfg.TestMode),
		slog.String("output", cfg.OutputFile),
	)

	metrics := scraper.NewMetrics()
	client, err := scraper.NewClient(cfg, metrics, logger.With("component", "client"))
	if err != nil {
		slog.Error("initialising client", slog.Any("error", err))
		return exitConfig
	}

	writer, err := createWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		return exitConfig
	}
	p, err := pipeline.NewPipeline(writer, pipeline.DefaultDedupeSize)
	if err != nil {
		_ = writer.Close()
		slog.Error("creating pipeline", slog.Any("error", err))
		return exitConfig
	}
	if cfg.Verbose {
		p.StartMetricsReporting(logger, 30*time.Second)
	}

	tokens := auth.NewProvider(cfg.TokenCommand, logger.With("component", "auth"))
	runner := scraper.NewRunner(scraper.OptionsFromConfig(cfg), client, tokens, p, progress.NewStore(cfg.ResultsDir), metrics, logger)

	var statusServer *server.Server
	if cfg.MetricsAddr != "" {
		statusServer = server.New(cfg.MetricsAddr, metrics.Registry, runner.State(), logger.With("component", "server"))
		go func() {
			if err := statusServer.Start(); err != nil {
				slog.Error("status server failed", slog.Any("error", err))
			}
		}()
	}

	startTime := time.Now()
	result, runErr := runner.Run(ctx, plan)

	if err := p.Close(); err != nil {
		slog.Error("pipeline shutdown failed", slog.Any("error", err))
		runErr = errors.Join(runErr, err)
	}
	if err := p.Validate(); err != nil {
		slog.Error("output validation failed", slog.Any("error", err))
		runErr = errors.Join(runErr, err)
	}
	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("status server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(os.Stdout, result, time.Since(startTime), cfg.OutputFile, p.GetMetrics())

	if runErr != nil {
		slog.Error("collection aborted", slog.Any("error", runErr))
		return exitIncomplete
	}
	if !result.Success() {
		return exitIncomplete
	}
	return exitOK
}

// parseConfig layers defaults, environment overrides and flags.
func parseConfig(args []string) (*config.Config, error) {
	cfg := config.DefaultConfig()

	statesDefault := strings.Join(cfg.States, ",")
	if value, ok := config.EnvString("COLLECTOR_STATES"); ok {
		statesDefault = value
	}
	delayDefault := cfg.RequestDelay
	if value, ok, err := config.EnvDuration("COLLECTOR_DELAY"); err != nil {
		return nil, fmt.Errorf("invalid COLLECTOR_DELAY: %w", err)
	} else if ok {
		delayDefault = value
	}
	outputDefault := ""
	if value, ok := config.EnvString("COLLECTOR_OUTPUT"); ok {
		outputDefault = value
	}
	metricsDefault := cfg.MetricsAddr
	if value, ok := config.EnvString("COLLECTOR_METRICS_ADDR"); ok {
		metricsDefault = value
	}

	fs := flag.NewFlagSet("collector", flag.ContinueOnError)
	states := fs.String("states", statesDefault, "Comma separated states to collect (FL, GA, OH)")
	fs.IntVar(&cfg.Batch, "batch", 0, "Batch number to process (1-based, requires -total-batches)")
	fs.IntVar(&cfg.TotalBatches, "total-batches", 0, "Number of batches the zip list is split into")
	fs.BoolVar(&cfg.TestMode, "test", false, "Test mode: first 10 drugs and 2 zip codes per state")
	fs.BoolVar(&cfg.RetryFailed, "retry-failed", false, "Re-issue pairs recorded as failed")
	fs.StringVar(&cfg.DrugFile, "csv-file", cfg.DrugFile, "Drug list (CSV or XLSX)")
	fs.StringVar(&cfg.UUIDCache, "uuid-cache", cfg.UUIDCache, "Procedure code to care UUID cache")
	fs.StringVar(&cfg.ZipDir, "zip-dir", cfg.ZipDir, "Directory holding zipcode_<state>.txt files")
	fs.StringVar(&cfg.ResultsDir, "results-dir", cfg.ResultsDir, "Directory for progress files and default output")
	output := fs.String("output", outputDefault, "Output CSV path (default derived from the run selection)")
	format := fs.String("format", cfg.OutputFormat, "Output format: csv or dual")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also write logs to this file")
	fs.DurationVar(&cfg.RequestDelay, "delay", delayDefault, "Minimum interval between API requests")
	fs.DurationVar(&cfg.MaxRequestDelay, "max-delay", cfg.MaxRequestDelay, "Upper bound for the interval after rate limiting")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Attempts per pair for transient failures")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "Pause between transient retries")
	fs.DurationVar(&cfg.RateLimitBackoff, "rate-limit-backoff", cfg.RateLimitBackoff, "Minimum pause after HTTP 429")
	fs.IntVar(&cfg.MaxRateLimitRetries, "max-rate-limit-retries", cfg.MaxRateLimitRetries, "Rate-limited retries per pair")
	fs.IntVar(&cfg.MaxConsecutiveFailures, "max-consecutive-failures", cfg.MaxConsecutiveFailures, "Stop after this many failed pairs in a row (0 disables)")
	fs.DurationVar(&cfg.GeocodeDelay, "geocode-delay", cfg.GeocodeDelay, "Minimum interval between geocoding requests")
	fs.StringVar(&cfg.SearchRadius, "search-radius", cfg.SearchRadius, "Pharmacy search radius in miles")
	fs.StringVar(&cfg.TokenCommand, "token-command", cfg.TokenCommand, "Command printing TOKEN= and MEMBERUUID= lines")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Pricing API endpoint")
	fs.StringVar(&cfg.GeocodeURL, "geocode-url", cfg.GeocodeURL, "Geocoding search endpoint")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", metricsDefault, "Status and metrics listen address (e.g. :9090)")
	fs.BoolVar(&cfg.Verbose, "v", false, "Enable verbose logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.States = config.ParseStates(*states)
	cfg.OutputFormat = strings.ToLower(*format)
	cfg.OutputFile = *output
	if cfg.OutputFile == "" {
		cfg.OutputFile = defaultOutputFile(cfg)
	}
	return cfg, nil
}

// defaultOutputFile names the CSV after the run selection so that separate
// batches never share a file and a resumed batch appends to its own.
func defaultOutputFile(cfg *config.Config) string {
	var b strings.Builder
	b.WriteString("pharmacy_data")
	if cfg.TestMode {
		b.WriteString("_test")
	}
	if len(cfg.States) > 0 && !slices.Equal(cfg.States, config.SupportedStates) {
		b.WriteString("_" + strings.Join(cfg.States, "_"))
	}
	if cfg.Batched() {
		fmt.Fprintf(&b, "_batch%dof%d", cfg.Batch, cfg.TotalBatches)
	}
	b.WriteString(".csv")
	return filepath.Join(cfg.ResultsDir, b.String())
}

func createWriter(format, filename string) (pipeline.OutputWriter, error) {
	switch format {
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".jsonl"
		return pipeline.NewDualWriter(filename, jsonFilename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(w io.Writer, result *models.CollectionResult, duration time.Duration, outputFile string, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	switch {
	case result.AutoStopped:
		fmt.Fprintln(w, "Collection auto-stopped")
	case result.Interrupted:
		fmt.Fprintln(w, "Collection interrupted")
	case result.Success():
		fmt.Fprintln(w, "Collection complete")
	default:
		fmt.Fprintln(w, "Collection finished with outstanding pairs")
	}

	fmt.Fprintf(w, "  Keys:          %s\n", strings.Join(result.Keys, ", "))
	fmt.Fprintf(w, "  Pairs:         %d\n", result.TotalPairs)
	fmt.Fprintf(w, "  Completed:     %d\n", result.Completed)
	fmt.Fprintf(w, "  Failed:        %d\n", result.Failed)
	fmt.Fprintf(w, "  Skipped:       %d\n", result.Skipped)
	fmt.Fprintf(w, "  Outstanding:   %d\n", result.Outstanding)
	fmt.Fprintf(w, "  Rows written:  %d\n", result.RowsWritten)
	fmt.Fprintf(w, "  Requests:      %d\n", result.RequestCount)
	fmt.Fprintf(w, "  Retries:       %d\n", result.RetryCount)
	fmt.Fprintf(w, "  Token refresh: %d\n", result.TokenRefreshes)
	if len(result.ErrorsByType) > 0 {
		fmt.Fprintf(w, "  Error types:   %v\n", result.ErrorsByType)
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Fprintf(w, "  Validation:    %v\n", valErrors)
	}
	if n := len(result.FailedPairs); n > 0 {
		shown := result.FailedPairs[:min(n, 10)]
		fmt.Fprintf(w, "  Failed pairs:  %s", strings.Join(shown, ", "))
		if n > len(shown) {
			fmt.Fprintf(w, " (+%d more)", n-len(shown))
		}
		fmt.Fprintln(w)
	}
	if n := len(result.UnresolvedZips); n > 0 {
		shown := result.UnresolvedZips[:min(n, 10)]
		fmt.Fprintf(w, "  Not geocoded:  %d zip codes skipped: %s", n, strings.Join(shown, ", "))
		if n > len(shown) {
			fmt.Fprintf(w, " (+%d more)", n-len(shown))
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Output file:   %s\n", outputFile)
	fmt.Fprintln(w, separator)
}

// newLogger writes to stdout, and also to logFile when it is set.
func newLogger(verbose bool, logFile string) (*slog.Logger, func(), error) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
		closeFn = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler), closeFn, nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
