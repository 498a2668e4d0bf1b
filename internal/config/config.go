package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings shared by both the controller and worker
// binaries: database connectivity, the redis-backed dedupe set, JWT
// signing for the admin API, and the bootstrap operator account.
type Config struct {
	Env string
	Port int
	DBURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret           string
	JWTAccessTTLMinutes int
	JWTRefreshTTLDays   int

	AdminEmail    string
	AdminPassword string
	AdminName     string
	AdminRole     string

	OTELEndpoint string
}

// ControllerConfig adds the settings specific to `cmd/controller`.
type ControllerConfig struct {
	Config

	DenylistPath          string
	DefaultTargetListPath string
	DefaultResultCollection string

	// DoneNotificationPrefetch bounds how many done notifications the
	// controller's own done-notification consumer claims in one round trip.
	DoneNotificationPrefetch int

	// Schedule is a standard 5-field cron expression controlling when the
	// scheduler fires an automatic bulk scan; empty disables it (bulk
	// scans can still be triggered on demand through the admin API).
	Schedule string

	// ScheduleDelay fires one automatic bulk scan after this delay from
	// startup, when Schedule is empty. Zero disables it too. Schedule
	// takes precedence if both are set.
	ScheduleDelay time.Duration

	SeenIDSetTTL time.Duration
}

// WorkerConfig adds the settings specific to `cmd/worker`.
type WorkerConfig struct {
	Config

	WorkerID      string
	Concurrency   int
	PollInterval  time.Duration
	LockTTL       time.Duration
	ShutdownGrace time.Duration
	HealthAddr    string

	// BulkScanWorkerIdleTTL controls how long an idle per-bulk-scan
	// BulkScanWorker is kept warm before its pool is torn down.
	BulkScanWorkerIdleTTL time.Duration

	// JobPrefetch bounds how many ScanJobDescriptions are claimed from
	// the orchestration bus in one round trip (backpressure).
	JobPrefetch int
}

func Load() Config {
	env := getEnv("APP_ENV", "dev")
	port := getEnvInt("PORT", 8080)
	dbURL := buildDBURL()

	return Config{
		Env:   env,
		Port:  port,
		DBURL: dbURL,

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JWTSecret:           getEnv("JWT_SECRET", "dev-secret-change-me"),
		JWTAccessTTLMinutes: getEnvInt("JWT_ACCESS_TTL_MINUTES", 15),
		JWTRefreshTTLDays:   getEnvInt("JWT_REFRESH_TTL_DAYS", 14),

		AdminEmail:    getEnv("ADMIN_EMAIL", ""),
		AdminPassword: resolvePassword("ADMIN_PASSWORD", "ADMIN_PASSWORD_FILE"),
		AdminName:     getEnv("ADMIN_NAME", "operator"),
		AdminRole:     getEnv("ADMIN_ROLE", "admin"),

		OTELEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
}

func LoadController() ControllerConfig {
	return ControllerConfig{
		Config:                   Load(),
		DenylistPath:             getEnv("DENYLIST_PATH", ""),
		DefaultTargetListPath:    getEnv("TARGET_LIST_PATH", ""),
		DefaultResultCollection:  getEnv("RESULT_COLLECTION", "results"),
		DoneNotificationPrefetch: getEnvInt("DONE_NOTIFICATION_PREFETCH", 32),
		Schedule:                 getEnv("SCAN_SCHEDULE", ""),
		ScheduleDelay:            getEnvDuration("SCAN_SCHEDULE_DELAY", 0),
		SeenIDSetTTL:             getEnvDuration("SEEN_ID_SET_TTL", 24*time.Hour),
	}
}

func LoadWorker() WorkerConfig {
	host, _ := os.Hostname()

	return WorkerConfig{
		Config:                Load(),
		WorkerID:              getEnv("WORKER_ID", host+"-"+strconv.Itoa(os.Getpid())),
		Concurrency:           getEnvInt("WORKER_CONCURRENCY", 4),
		PollInterval:          getEnvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
		LockTTL:               getEnvDuration("WORKER_LOCK_TTL", 30*time.Second),
		ShutdownGrace:         getEnvDuration("WORKER_SHUTDOWN_GRACE", 10*time.Second),
		HealthAddr:            getEnv("WORKER_HEALTH_ADDR", ":8081"),
		BulkScanWorkerIdleTTL: getEnvDuration("BULK_SCAN_WORKER_IDLE_TTL", 5*time.Minute),
		JobPrefetch:           getEnvInt("WORKER_JOB_PREFETCH", 8),
	}
}

func buildDBURL() string {
	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "crawler")
	pass := resolvePassword("DB_PASSWORD", "DB_PASSWORD_FILE")
	if pass == "" {
		pass = "crawler"
	}
	name := getEnv("DB_NAME", "crawler")
	ssl := getEnv("DB_SSLMODE", "disable")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + name + "?sslmode=" + ssl
}

// resolvePassword gives the *_FILE variable (e.g. DB_PASSWORD_FILE)
// precedence over the plain one (DB_PASSWORD), reading the secret from disk
// when a *_FILE variable is set rather than trusting it in plaintext in the
// process environment.
func resolvePassword(envKey, fileEnvKey string) string {
	if path := getEnv(fileEnvKey, ""); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			fmt.Printf("config: failed to read %s=%s: %v\n", fileEnvKey, path, err)
			return getEnv(envKey, "")
		}
		return strings.TrimSpace(string(b))
	}
	return getEnv(envKey, "")
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)

		if err != nil {
			fmt.Println(err)
			return fallback
		}

		return num
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Println(err)
			return fallback
		}
		return d
	}
	return fallback
}
