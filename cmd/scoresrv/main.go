// Command scoresrv serves scoring and counting runs over HTTP.
//
// Streams are named by file under stream.dataDir. Results are cached in Redis
// when it is reachable, and every run is reported to Kafka for the runstats
// service.
//
// Usage:
//
//	go run ./cmd/scoresrv [-config configs/development.yaml]
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

	"github.com/Adithya-Monish-Kumar-K/citescore/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/runlog"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/service/cache"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/service/handler"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/service/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/middleware"
	pkgredis "github.com/Adithya-Monish-Kumar-K/citescore/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting scoring service",
		"port", cfg.Server.Port,
		"data_dir", cfg.Stream.DataDir,
		"encoding", cfg.Engine.Encoding,
		"feature_width", cfg.Engine.FeatureWidth,
		"workers", cfg.Engine.Workers,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(cfg.Engine)
	if err != nil {
		slog.Error("invalid engine configuration", "error", err)
		os.Exit(1)
	}

	m := metrics.New(nil)
	if cfg.Metrics.Enabled {
		shutdownMetrics := m.StartServer(cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownMetrics(shutdownCtx)
		}()
	}

	var resultCache *cache.Cache
	redisClient, err := pkgredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, result caching disabled", "error", err)
		redisClient = nil
	} else {
		defer redisClient.Close()
		resultCache = cache.New(redisClient, cfg.Redis.CacheTTL, m)
		slog.Info("result cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	}

	// The tracker stays a nil interface when Kafka is not configured.
	var tracker handler.Tracker
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.RunEvents)
		defer producer.Close()
		collector := runlog.NewCollector(producer, 100, 5*time.Second)
		collector.Start(ctx)
		defer collector.Close()
		tracker = collector
		slog.Info("run collector started", "topic", cfg.Kafka.Topics.RunEvents)
	}

	checker := health.NewChecker()
	checker.Register("data_dir", health.DirCheck(cfg.Stream.DataDir))
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		return health.PingCheck(redisClient.Ping, true)(ctx)
	})

	h := handler.New(eng, resultCache, tracker, m, cfg.Service, cfg.Stream)
	if cfg.Tracing.Enabled {
		h.EnableTracing()
	}

	runs := func(next http.HandlerFunc) http.Handler { return next }
	if cfg.Service.RateLimit > 0 {
		limiter := ratelimit.New(cfg.Service.RateLimit, time.Minute)
		limiter.Start(ctx)
		runs = func(next http.HandlerFunc) http.Handler { return ratelimit.Middleware(limiter)(next) }
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/score", runs(h.Score))
	mux.Handle("POST /api/v1/count", runs(h.Count))
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout + 5*time.Second,
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

	slog.Info("scoring service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("scoring service stopped")
}
