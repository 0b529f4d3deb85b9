package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Job store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv             string
	Port               string
	JobStoreDriver     string
	DatabaseURL        string
	SQLitePath         string
	RedisURL           string
	JWTSecret          string
	CORSAllowedOrigins []string
	RateLimitPerMin    int
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration

	MaxConcurrentJobs    int
	MaxQueueSize         int
	MaxActiveJobsPerUser int
	RetryAttempts        int
	RetryDelay           time.Duration
	JobTimeout           time.Duration
	PollInterval         time.Duration
	WorkerHealthInterval time.Duration
	StaleJobThreshold    time.Duration
	QueueStaleAfter      time.Duration
	ShutdownTimeout      time.Duration

	BreakerFailureThreshold  float64
	BreakerResetTimeout      time.Duration
	BreakerMonitoringPeriod  time.Duration
	BreakerMinimumThroughput int

	TrackerMaxStatusHistory    int
	TrackerNotificationTimeout time.Duration
	TrackerStaleJobTimeout     time.Duration
	TrackerStaleCheckInterval  time.Duration
	TrackerHealthCheckInterval time.Duration

	WebhookTimeout         time.Duration
	WebhookRetryAttempts   int
	WebhookMaxPayloadBytes int64
	WebhookProcessInterval time.Duration
	WebhookBatchSize       int
	WebhookInboundSecret   string
	WebhooksConfigPath     string

	ProviderAPIKey   string
	ProviderBaseURL  string
	ProviderModel    string
	StorageHealthURL string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
// A .env file in the working directory is read first when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               getEnv("PORT", "8080"),
		JobStoreDriver:     strings.ToLower(getEnv("JOB_STORE_DRIVER", StoreMemory)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SQLitePath:         getEnv("SQLITE_PATH", "./jobs.db"),
		RedisURL:           os.Getenv("REDIS_URL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),

		MaxConcurrentJobs:    getEnvInt("MAX_CONCURRENT_JOBS", 4),
		MaxQueueSize:         getEnvInt("MAX_QUEUE_SIZE", 100),
		MaxActiveJobsPerUser: getEnvInt("MAX_ACTIVE_JOBS_PER_USER", 10),
		RetryAttempts:        getEnvInt("RETRY_ATTEMPTS", 3),
		RetryDelay:           getEnvDuration("RETRY_DELAY_MS", 5000),
		JobTimeout:           getEnvDuration("JOB_TIMEOUT_MS", 300000),
		PollInterval:         getEnvDuration("POLL_INTERVAL_MS", 5000),
		WorkerHealthInterval: getEnvDuration("WORKER_HEALTH_CHECK_INTERVAL_MS", 30000),
		StaleJobThreshold:    getEnvDuration("STALE_JOB_THRESHOLD_MS", 300000),
		QueueStaleAfter:      getEnvDuration("QUEUE_STALE_AFTER_MS", 1800000),
		ShutdownTimeout:      getEnvDuration("SHUTDOWN_TIMEOUT_MS", 30000),

		BreakerFailureThreshold:  getEnvFloat("BREAKER_FAILURE_THRESHOLD", 50),
		BreakerResetTimeout:      getEnvDuration("BREAKER_RESET_TIMEOUT_MS", 60000),
		BreakerMonitoringPeriod:  getEnvDuration("BREAKER_MONITORING_PERIOD_MS", 120000),
		BreakerMinimumThroughput: getEnvInt("BREAKER_MINIMUM_THROUGHPUT", 5),

		TrackerMaxStatusHistory:    getEnvInt("TRACKER_MAX_STATUS_HISTORY", 100),
		TrackerNotificationTimeout: getEnvDuration("TRACKER_NOTIFICATION_TIMEOUT_MS", 5000),
		TrackerStaleJobTimeout:     getEnvDuration("TRACKER_STALE_JOB_TIMEOUT_MS", 300000),
		TrackerStaleCheckInterval:  getEnvDuration("TRACKER_STALE_CHECK_INTERVAL_MS", 1000),
		TrackerHealthCheckInterval: getEnvDuration("TRACKER_HEALTH_CHECK_INTERVAL_MS", 30000),

		WebhookTimeout:         getEnvDuration("WEBHOOK_TIMEOUT_MS", 10000),
		WebhookRetryAttempts:   getEnvInt("WEBHOOK_RETRY_ATTEMPTS", 3),
		WebhookMaxPayloadBytes: int64(getEnvInt("WEBHOOK_MAX_PAYLOAD_BYTES", 1<<20)),
		WebhookProcessInterval: getEnvDuration("WEBHOOK_PROCESS_INTERVAL_MS", 1000),
		WebhookBatchSize:       getEnvInt("WEBHOOK_BATCH_SIZE", 10),
		WebhookInboundSecret:   os.Getenv("WEBHOOK_INBOUND_SECRET"),
		WebhooksConfigPath:     os.Getenv("WEBHOOKS_CONFIG_PATH"),

		ProviderAPIKey:   os.Getenv("PROVIDER_API_KEY"),
		ProviderBaseURL:  getEnv("PROVIDER_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
		ProviderModel:    getEnv("PROVIDER_MODEL", "qwen-image-plus"),
		StorageHealthURL: os.Getenv("STORAGE_HEALTH_URL"),
	}

	switch cfg.JobStoreDriver {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when JOB_STORE_DRIVER=postgres")
		}
	default:
		return nil, fmt.Errorf("JOB_STORE_DRIVER %q is not supported", cfg.JobStoreDriver)
	}
	if cfg.MaxConcurrentJobs <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_JOBS must be positive")
	}
	if cfg.BreakerFailureThreshold <= 0 || cfg.BreakerFailureThreshold > 100 {
		return nil, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be within (0, 100]")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback int) time.Duration {
	return time.Millisecond * time.Duration(getEnvInt(key, fallback))
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
