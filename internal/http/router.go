package http

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/scancore/crawler/internal/auth"
	"github.com/scancore/crawler/internal/config"
	"github.com/scancore/crawler/internal/http/handlers"
	"github.com/scancore/crawler/internal/http/middlewares"
	"github.com/scancore/crawler/internal/observability"
	"github.com/scancore/crawler/internal/persistence"
	"github.com/scancore/crawler/internal/queue/redisclient"
	"github.com/scancore/crawler/internal/repo/postgres"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func NewRouter(log *slog.Logger, pool *pgxpool.Pool, cfg config.Config, store persistence.Provider, prom *observability.Prom) *gin.Engine {
	cfgEnv := os.Getenv("APP_ENV")

	if cfgEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	redis := redisclient.New(redisclient.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	r := gin.New()

	// middleware

	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("crawler-api"))
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger())
	r.Use(middlewares.CORSMiddleware([]string{
		"http://localhost:3000",
	}))
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.MaxBodyBytes(1 << 20)) //1MB max body
	r.Use(middlewares.RequireJSON())         // Require JSON content type for post and put requests.

	readyCheck := func() error {
		// postgres ping
		if pool != nil {

			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			err := pool.Ping(ctx)

			if err != nil {
				return err
			}
		}

		// Redis ping

		{
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()

			err := redis.Ping(ctx)

			if err != nil {
				return err
			}
		}

		return nil
	}

	// health
	h := handlers.NewHealthHandler(readyCheck)

	// wire up repositories
	usersRepo := postgres.NewUsersRepo(pool)
	refreshTokensRepo := postgres.NewRefreshTokensRepo(pool)
	jobsRepo := postgres.NewJobsRepo(pool, prom)

	// JWT Manager
	jwtManager := auth.NewManager(
		cfg.JWTSecret,
		time.Duration(cfg.JWTAccessTTLMinutes)*time.Minute, // 60mins
		time.Duration(cfg.JWTRefreshTTLDays)*24*time.Hour,
	)
	// Wire up more handler
	jobsHandler := handlers.NewJobsHandler(jobsRepo)
	adminJobsHandler := handlers.NewAdminJobsHandler(jobsRepo)
	bulkScansHandler := handlers.NewBulkScansHandler(store)
	authHandler := handlers.NewAuthHandler(usersRepo, usersRepo, jwtManager, refreshTokensRepo, cfg)
	authMiddleware := middlewares.NewAuthMiddleware(jwtManager)

	// rate limiter middleware

	loginLimiter := middlewares.NewRateLimiter(5, 1*time.Minute)
	signupLimiter := middlewares.NewRateLimiter(3, 1*time.Minute)
	refreshLimiter := middlewares.NewRateLimiter(10, 1*time.Minute)
	triggerLimiter := middlewares.NewRateLimiter(10, 1*time.Minute)

	// public routes
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	r.GET("/docs", handlers.SwaggerUI)

	r.POST("/signup", signupLimiter.RateLimiterMiddleware(middlewares.KeyByIP), authHandler.SignUp)
	r.POST("/login", loginLimiter.RateLimiterMiddleware(middlewares.KeyByIP), authHandler.Login)
	r.POST("/auth/refresh", refreshLimiter.RateLimiterMiddleware(middlewares.KeyByIP), authHandler.Refresh)
	r.POST("/auth/logout", authHandler.Logout)

	// authenticated routes - any signed-in user can read bulk scan progress.

	authed := r.Group("/")

	authed.Use(authMiddleware.RequireAuth())

	{
		authed.GET("/bulk-scans", bulkScansHandler.List)
		authed.GET("/bulk-scans/:id", bulkScansHandler.GetByID)
		authed.GET("/bulk-scans/:id/results", bulkScansHandler.ListResults)
	}

	// admin-only route set: triggering scans and control-plane job ops.

	admin := authed.Group("/")
	admin.Use(authMiddleware.RequireRole(cfg.AdminRole))

	{
		admin.POST("/bulk-scans", triggerLimiter.RateLimiterMiddleware(middlewares.KeyByUserOrIP), jobsHandler.TriggerBulkScan)
		admin.POST("/bulk-scans/:id/reprocess-dead", triggerLimiter.RateLimiterMiddleware(middlewares.KeyByUserOrIP), jobsHandler.ReprocessDeadScanJobs)

		admin.GET("/admin/jobs", adminJobsHandler.List)
		admin.GET("/admin/jobs/:id", adminJobsHandler.GetByID)
		admin.POST("/admin/jobs/:id/retry", adminJobsHandler.Retry)
		admin.POST("/admin/jobs/reprocess-dead", adminJobsHandler.ReprocessDead)
	}

	return r
}
