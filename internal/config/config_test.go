package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTP.Addr != defaultHTTPAddr {
		t.Fatalf("http addr = %q", cfg.HTTP.Addr)
	}
	if cfg.SQLite.Path != defaultSQLitePath {
		t.Fatalf("sqlite path = %q", cfg.SQLite.Path)
	}
	if cfg.Archive.BatchSize != defaultBatchSize || cfg.Archive.OverflowMultiple != defaultOverflow {
		t.Fatalf("archive = %+v", cfg.Archive)
	}
	if cfg.RateWindow() != time.Minute {
		t.Fatalf("rate window = %s", cfg.RateWindow())
	}
	if cfg.Webhook.Retries != defaultRetries {
		t.Fatalf("retries = %d", cfg.Webhook.Retries)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SPOUT_HTTP_ADDR", " :9090 ")
	t.Setenv("SPOUT_SQLITE_PATH", "/data/events.db")
	t.Setenv("SPOUT_ARCHIVE_BATCH_SIZE", "200")
	t.Setenv("SPOUT_RATE_ANON_RPM", "5")
	t.Setenv("SPOUT_HTTP_ORIGINS", "https://a.example, https://b.example,https://a.example")
	t.Setenv("SPOUT_TRACE", "true")

	cfg := Load()
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.SQLite.Path != "/data/events.db" {
		t.Fatalf("sqlite = %q", cfg.SQLite.Path)
	}
	if cfg.Archive.BatchSize != 200 {
		t.Fatalf("batch = %d", cfg.Archive.BatchSize)
	}
	if cfg.Rate.AnonCeiling != 5 {
		t.Fatalf("anon = %d", cfg.Rate.AnonCeiling)
	}
	if len(cfg.HTTP.AllowedOrigins) != 2 {
		t.Fatalf("origins = %v", cfg.HTTP.AllowedOrigins)
	}
	if !cfg.Trace {
		t.Fatalf("trace not enabled")
	}
}

func TestBadIntFallsBackToDefault(t *testing.T) {
	t.Setenv("SPOUT_ARCHIVE_BATCH_SIZE", "not-a-number")
	t.Setenv("SPOUT_RATE_WINDOW_MS", "-5")

	cfg := Load()
	if cfg.Archive.BatchSize != defaultBatchSize {
		t.Fatalf("batch = %d", cfg.Archive.BatchSize)
	}
	if cfg.Rate.WindowMS != defaultWindowMS {
		t.Fatalf("window = %d", cfg.Rate.WindowMS)
	}
}

func TestSummaryRedactsAdminToken(t *testing.T) {
	t.Setenv("SPOUT_ADMIN_TOKEN", "super-secret-token")

	cfg := Load()
	summary := cfg.Summary()
	if strings.Contains(summary["admin_token"], "super-secret") {
		t.Fatalf("token leaked: %q", summary["admin_token"])
	}
	if summary["admin_token"] == "" {
		t.Fatalf("token should be marked redacted, not empty")
	}

	raw := string(cfg.RedactedJSON())
	if strings.Contains(raw, "super-secret") {
		t.Fatalf("token leaked in redacted JSON")
	}
}
