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
	"github.com/scancore/crawler/internal/controller"
	"github.com/scancore/crawler/internal/denylist"
	"github.com/scancore/crawler/internal/domain/scan"
	"github.com/scancore/crawler/internal/notifications"
	"github.com/scancore/crawler/internal/observability"
	"github.com/scancore/crawler/internal/orchestration"
	"github.com/scancore/crawler/internal/persistence"
	queueworker "github.com/scancore/crawler/internal/queue/worker"
	"github.com/scancore/crawler/internal/repo/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.LoadController()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(context.Background(), "crawler-controller", cfg.OTELEndpoint)
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

	alertDeliveries := postgres.NewAlertDeliveriesRepo(pool)
	if err := alertDeliveries.EnsureSchema(ctx); err != nil {
		slog.Default().ErrorContext(ctx, "alert deliveries schema setup failed", "err", err)
		os.Exit(1)
	}

	orch := orchestration.NewPostgresProvider(pool, prom)
	store := persistence.NewPostgresProvider(pool, prom)

	deny, err := denylist.Load(cfg.DenylistPath)
	if err != nil {
		slog.Default().ErrorContext(ctx, "denylist load failed", "path", cfg.DenylistPath, "err", err)
		os.Exit(1)
	}

	var seen controller.SeenSet
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		seen = controller.NewRedisSeenSet(rdb, cfg.SeenIDSetTTL)
	} else {
		seen = controller.NewLocalSeenSet(cfg.SeenIDSetTTL)
	}

	consumerID, _ := os.Hostname()
	ctrl := controller.New(orch, store, seen, "controller-"+consumerID, cfg.DoneNotificationPrefetch)

	notifier := notifications.NewProtectedNotifier(notifications.NewLogNotifier(), notifications.ProtectedNotifierConfig{})
	alerter := controller.NewStalledScanAlerter(alertDeliveries, notifier, cfg.AdminEmail)
	ctrl = ctrl.WithProgressMonitor(controller.NewProgressMonitor(store, 15*time.Second, alerter))

	adminOps := controller.NewAdminOps(ctrl, cfg.DefaultTargetListPath, cfg.DefaultResultCollection, deny)

	sched, err := controller.NewScheduler(ctrl, cfg.Schedule, cfg.ScheduleDelay, func() (controller.Config, error) {
		return controller.NewFileTargetsConfig("scheduled-scan", cfg.DefaultTargetListPath, deny, func() controller.Config {
			return controller.Config{
				ScanConfig: scan.ScanConfig{ResultCollection: cfg.DefaultResultCollection},
			}
		}), nil
	})
	if err != nil {
		slog.Default().ErrorContext(ctx, "scheduler init failed", "err", err)
		os.Exit(1)
	}
	sched.Start()

	go ctrl.ConsumeDone(ctx, 2*time.Second)

	// control-plane maintenance job queue: admin-triggered bulk scan
	// triggers and dead-job reprocessing run through the same at-least-once
	// job loop the teacher used for background work, repointed at
	// ControlPlaneOps instead of event publishing.
	jobsRepo := postgres.NewJobsRepo(pool, prom)
	cpWorker := queueworker.New(queueworker.Config{
		PollInterval: 2 * time.Second,
		WorkerID:     "controller-" + consumerID,
		Concurrency:  2,
		HealthAddr:   ":8082",
	}, jobsRepo, adminOps)

	go func() {
		if err := cpWorker.Run(ctx); err != nil {
			slog.Default().ErrorContext(ctx, "control_plane_worker.stopped", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		rctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := pool.Ping(rctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: ":8090", Handler: mux}
	go func() {
		slog.Default().InfoContext(ctx, "controller.health_listen", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Default().ErrorContext(ctx, "controller.health_server_error", "err", err)
		}
	}()

	slog.Default().InfoContext(ctx, "controller.start", "schedule", cfg.Schedule)

	<-ctx.Done()

	slog.Default().InfoContext(context.Background(), "controller.shutdown_signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = sched.Shutdown(shutdownCtx)
	_ = srv.Shutdown(shutdownCtx)

	slog.Default().InfoContext(context.Background(), "controller.shutdown_complete")
}
