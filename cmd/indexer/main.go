// Package main is the entry point for the session indexer. It follows the
// ledger's event stream and maintains the Postgres projection.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/onnwee/diverge/internal/config"
	"github.com/onnwee/diverge/internal/health"
	"github.com/onnwee/diverge/internal/indexer"
	"github.com/onnwee/diverge/internal/middleware"
	"github.com/onnwee/diverge/internal/tracing"
	"github.com/onnwee/diverge/migrations"
)

const (
	serviceName     = "diverge-indexer"
	shutdownTimeout = 10 * time.Second
	startupTimeout  = 30 * time.Second
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("Diverge Session Indexer")
		fmt.Println()
		fmt.Println("Usage: indexer [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if cfg != nil {
		errs = append(errs, cfg.ValidateIndexer()...)
	}
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("indexer error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.OTLPExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: cfg.Env != "production",
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := health.NewDBChecker(db).HealthCheck(startCtx); err != nil {
		return err
	}
	if err := migrations.Up(startCtx, db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// The API being down is not fatal; the client keeps reconnecting.
	if err := health.NewHTTPChecker(strings.TrimRight(cfg.APIURL, "/") + "/health").HealthCheck(startCtx); err != nil {
		logger.Warn("ledger api not reachable yet", "error", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := indexer.NewMetrics()
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	repo := indexer.NewPostgresRepository(db, logger)
	processor := indexer.NewProcessor(repo, indexer.NewHTTPSessionSource(cfg.APIURL, nil), metrics, logger)
	client, err := indexer.NewClient(indexer.DefaultConfig(cfg.EventsURL), processor.HandleMessage, logger,
		indexer.WithConnectHook(processor.ConnectHook()),
		indexer.WithClientMetrics(metrics),
	)
	if err != nil {
		return err
	}

	var handler http.Handler = indexer.NewRouter(repo, reg, cfg.InternalToken)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	if cfg.TracingEnabled {
		handler = middleware.Tracing(serviceName)(handler)
	}
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", server.Addr)
		serveErr <- server.ListenAndServe()
	}()

	clientCtx, stopClient := context.WithCancel(ctx)
	defer stopClient()
	clientDone := make(chan error, 1)
	go func() {
		logger.Info("subscribing to ledger events", "url", cfg.EventsURL)
		clientDone <- client.Run(clientCtx)
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down indexer...")
	stopClient()
	<-clientDone

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := server.Shutdown(sctx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("server forced to shutdown: %w", err))
	}

	logger.Info("indexer stopped")
	return runErr
}
