// Command runstats aggregates run events published by scoresrv.
//
// It consumes the run-event topic, keeps totals and latency percentiles in
// memory, snapshots them to PostgreSQL and serves them at
// GET /api/v1/runs/stats. The latest snapshot seeds the counters on start.
//
// Usage:
//
//	go run ./cmd/runstats [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/citescore/internal/runlog"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/postgres"
)

const snapshotInterval = time.Minute

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting run statistics service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	aggregator := runlog.NewAggregator()

	// Snapshots are optional: without PostgreSQL the counters start at zero
	// and live only in memory.
	var store *runlog.Store
	db, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		slog.Warn("postgres unavailable, snapshots disabled", "error", err)
		db = nil
	} else {
		defer db.Close()
		store = runlog.NewStore(db)
		if err := store.Migrate(ctx); err != nil {
			slog.Error("snapshot schema migration failed", "error", err)
			os.Exit(1)
		}
		latest, err := store.LatestSnapshot(ctx)
		if err != nil {
			slog.Warn("could not load latest snapshot", "error", err)
		} else if latest != nil {
			aggregator.Restore(*latest)
			slog.Info("restored run statistics", "total_runs", latest.TotalRuns)
		}
		saved := store.StartPeriodicSave(ctx, aggregator, snapshotInterval)
		defer func() { <-saved }()
	}

	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.RunEvents, aggregator.HandleMessage())
	go func() {
		if err := consumer.Start(ctx); err != nil {
			slog.Error("run event consumer error", "error", err)
		}
	}()
	slog.Info("run event consumer started", "topic", cfg.Kafka.Topics.RunEvents, "group", cfg.Kafka.ConsumerGroup)

	m := metrics.New(nil)
	if cfg.Metrics.Enabled {
		shutdownMetrics := m.StartServer(cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownMetrics(shutdownCtx)
		}()
	}

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if db == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		return health.PingCheck(db.Ping, true)(ctx)
	})

	h := runlog.NewHandler(aggregator, store)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/runs/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/runs/snapshots", h.Snapshots)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("run statistics service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("run statistics service stopped")
}
