package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scancore/crawler/internal/config"
	"github.com/scancore/crawler/internal/observability"
	"github.com/scancore/crawler/internal/orchestration"
	"github.com/scancore/crawler/internal/persistence"
	"github.com/scancore/crawler/internal/scanfunc"
	"github.com/scancore/crawler/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg := config.LoadWorker()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(context.Background(), "crawler-worker", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("otel init failed: %v", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(observability.NewTraceHandler(base))
	slog.SetDefault(logger)

	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		slog.Default().ErrorContext(ctx, "db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	if err := orchestration.EnsureSchema(ctx, pool); err != nil {
		slog.Default().ErrorContext(ctx, "orchestration schema setup failed", "err", err)
		os.Exit(1)
	}
	if err := persistence.EnsureCatalog(ctx, pool); err != nil {
		slog.Default().ErrorContext(ctx, "persistence catalog setup failed", "err", err)
		os.Exit(1)
	}

	orch := orchestration.NewPostgresProvider(pool, prom)
	store := persistence.NewPostgresProvider(pool, prom)

	h := worker.NewHandler(worker.Config{
		WorkerID:        cfg.WorkerID,
		PollInterval:    cfg.PollInterval,
		Prefetch:        cfg.JobPrefetch,
		Concurrency:     cfg.Concurrency,
		BulkScanIdleTTL: cfg.BulkScanWorkerIdleTTL,
		LockTTL:         cfg.LockTTL,
	}, orch, store, func() scanfunc.ScanFunction { return scanfunc.NewTCPConnect() })

	go requeueStaleClaimsLoop(ctx, orch, cfg.LockTTL)

	mux := http.NewServeMux()
	mux.Handle("/", worker.HealthHandler())
	mux.Handle("/readyz", worker.ReadyHandler(pingPool{pool}, func() bool { return !h.Ready() }))

	srv := &http.Server{Addr: cfg.HealthAddr, Handler: mux}
	go func() {
		slog.Default().InfoContext(ctx, "worker.health_listen", "addr", cfg.HealthAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Default().ErrorContext(ctx, "worker.health_server_error", "err", err)
		}
	}()

	slog.Default().InfoContext(ctx, "worker.start", "worker_id", cfg.WorkerID, "health_addr", cfg.HealthAddr)

	h.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	slog.Default().InfoContext(context.Background(), "worker.shutdown_complete")
}

func requeueStaleClaimsLoop(ctx context.Context, orch orchestration.Provider, lockTTL time.Duration) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			n, err := orch.RequeueStaleClaims(hctx, lockTTL)
			cancel()

			if err != nil {
				slog.Default().ErrorContext(ctx, "worker.requeue_stale_error", "err", err)
				continue
			}
			if n > 0 {
				slog.Default().InfoContext(ctx, "worker.requeue_stale", "count", n)
			}
		}
	}
}

type pingPool struct{ pool *pgxpool.Pool }

func (p pingPool) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }
