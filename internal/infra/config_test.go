package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JOB_STORE_DRIVER", "")
	t.Setenv("MAX_CONCURRENT_JOBS", "")
	t.Setenv("RETRY_DELAY_MS", "")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "")
	t.Setenv("QUEUE_STALE_AFTER_MS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.JobStoreDriver != StoreMemory {
		t.Fatalf("JobStoreDriver mismatch: got %q want %q", cfg.JobStoreDriver, StoreMemory)
	}
	if cfg.MaxConcurrentJobs != 4 {
		t.Fatalf("MaxConcurrentJobs mismatch: got %d want 4", cfg.MaxConcurrentJobs)
	}
	if cfg.RetryDelay != 5*time.Second {
		t.Fatalf("RetryDelay mismatch: got %s", cfg.RetryDelay)
	}
	if cfg.BreakerFailureThreshold != 50 {
		t.Fatalf("BreakerFailureThreshold mismatch: got %v", cfg.BreakerFailureThreshold)
	}
	if cfg.QueueStaleAfter != 30*time.Minute {
		t.Fatalf("QueueStaleAfter mismatch: got %s want 30m", cfg.QueueStaleAfter)
	}
	if cfg.WebhookMaxPayloadBytes != 1<<20 {
		t.Fatalf("WebhookMaxPayloadBytes mismatch: got %d", cfg.WebhookMaxPayloadBytes)
	}
}

func TestLoadConfigPostgresRequiresDatabaseURL(t *testing.T) {
	t.Setenv("JOB_STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error when DATABASE_URL is missing")
	}

	t.Setenv("DATABASE_URL", "postgres://example")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.JobStoreDriver != StorePostgres {
		t.Fatalf("JobStoreDriver mismatch: got %q", cfg.JobStoreDriver)
	}
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	t.Setenv("JOB_STORE_DRIVER", "mongo")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("JOB_STORE_DRIVER", "SQLite")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("TRACKER_NOTIFICATION_TIMEOUT_MS", "250")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "62.5")
	t.Setenv("MAX_QUEUE_SIZE", "not-a-number")
	t.Setenv("QUEUE_STALE_AFTER_MS", "600000")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.JobStoreDriver != StoreSQLite {
		t.Fatalf("JobStoreDriver mismatch: got %q", cfg.JobStoreDriver)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("CORSAllowedOrigins mismatch: %#v", cfg.CORSAllowedOrigins)
	}
	if cfg.TrackerNotificationTimeout != 250*time.Millisecond {
		t.Fatalf("TrackerNotificationTimeout mismatch: got %s", cfg.TrackerNotificationTimeout)
	}
	if cfg.BreakerFailureThreshold != 62.5 {
		t.Fatalf("BreakerFailureThreshold mismatch: got %v", cfg.BreakerFailureThreshold)
	}
	if cfg.QueueStaleAfter != 10*time.Minute {
		t.Fatalf("QueueStaleAfter mismatch: got %s", cfg.QueueStaleAfter)
	}
	if cfg.MaxQueueSize != 100 {
		t.Fatalf("MaxQueueSize should fall back to default, got %d", cfg.MaxQueueSize)
	}
}
