package config

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTP    HTTPConfig
	Archive ArchiveConfig
	Rate    RateConfig
	Webhook WebhookConfig
	Hub     HubConfig
	SQLite  SQLiteConfig
	Trace   bool
}

type HTTPConfig struct {
	Addr           string
	AdminAddr      string
	AllowedOrigins []string
	AdminToken     string
}

type SQLiteConfig struct {
	Path string
}

type ArchiveConfig struct {
	BatchSize        int
	FlushMaxMS       int
	OverflowMultiple int
}

type RateConfig struct {
	WindowMS    int
	AnonCeiling int
	BasicRPM    int
	ProRPM      int
	SweepMS     int
}

type WebhookConfig struct {
	SeedPath       string
	Retries        int
	QueueDepth     int
	TimeoutMS      int
	OutboundPerSec int
}

type HubConfig struct {
	ClientBuffer   int
	RateIntervalMS int
}

const (
	defaultHTTPAddr   = ":8080"
	defaultAdminAddr  = ":8081"
	defaultSQLitePath = "spout.db"
	defaultBatchSize  = 50
	defaultFlushMS    = 2000
	defaultOverflow   = 3
	defaultWindowMS   = 60000
	defaultAnonRPM    = 60
	defaultBasicRPM   = 120
	defaultProRPM     = 1200
	defaultSweepMS    = 60000
	defaultRetries    = 2
	defaultQueueDepth = 1024
	defaultTimeoutMS  = 5000
	defaultHubBuffer  = 256
	defaultRateMS     = 10000
)

func Load() Config {
	cfg := Config{}

	cfg.HTTP.Addr = readString("SPOUT_HTTP_ADDR", defaultHTTPAddr)
	cfg.HTTP.AdminAddr = readString("SPOUT_ADMIN_ADDR", defaultAdminAddr)
	cfg.HTTP.AllowedOrigins = splitList(os.Getenv("SPOUT_HTTP_ORIGINS"))
	cfg.HTTP.AdminToken = strings.TrimSpace(os.Getenv("SPOUT_ADMIN_TOKEN"))

	cfg.SQLite.Path = readString("SPOUT_SQLITE_PATH", defaultSQLitePath)

	cfg.Archive.BatchSize = readInt("SPOUT_ARCHIVE_BATCH_SIZE", defaultBatchSize)
	cfg.Archive.FlushMaxMS = readInt("SPOUT_ARCHIVE_FLUSH_MAX_MS", defaultFlushMS)
	cfg.Archive.OverflowMultiple = readInt("SPOUT_ARCHIVE_OVERFLOW_MULTIPLE", defaultOverflow)

	cfg.Rate.WindowMS = readInt("SPOUT_RATE_WINDOW_MS", defaultWindowMS)
	cfg.Rate.AnonCeiling = readInt("SPOUT_RATE_ANON_RPM", defaultAnonRPM)
	cfg.Rate.BasicRPM = readInt("SPOUT_RATE_BASIC_RPM", defaultBasicRPM)
	cfg.Rate.ProRPM = readInt("SPOUT_RATE_PRO_RPM", defaultProRPM)
	cfg.Rate.SweepMS = readInt("SPOUT_RATE_SWEEP_MS", defaultSweepMS)

	cfg.Webhook.SeedPath = strings.TrimSpace(os.Getenv("SPOUT_WEBHOOK_SEED_FILE"))
	cfg.Webhook.Retries = readInt("SPOUT_WEBHOOK_RETRIES", defaultRetries)
	cfg.Webhook.QueueDepth = readInt("SPOUT_WEBHOOK_QUEUE_DEPTH", defaultQueueDepth)
	cfg.Webhook.TimeoutMS = readInt("SPOUT_WEBHOOK_TIMEOUT_MS", defaultTimeoutMS)
	cfg.Webhook.OutboundPerSec = readInt("SPOUT_WEBHOOK_OUTBOUND_PER_SEC", 0)

	cfg.Hub.ClientBuffer = readInt("SPOUT_HUB_CLIENT_BUFFER", defaultHubBuffer)
	cfg.Hub.RateIntervalMS = readInt("SPOUT_HUB_RATE_INTERVAL_MS", defaultRateMS)

	cfg.Trace = readBool("SPOUT_TRACE", false)

	return cfg
}

func readString(name, def string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	return raw
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (c Config) FlushInterval() time.Duration {
	if c.Archive.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Archive.FlushMaxMS) * time.Millisecond
}

func (c Config) RateWindow() time.Duration {
	if c.Rate.WindowMS <= 0 {
		return time.Duration(defaultWindowMS) * time.Millisecond
	}
	return time.Duration(c.Rate.WindowMS) * time.Millisecond
}

func (c Config) SweepInterval() time.Duration {
	if c.Rate.SweepMS <= 0 {
		return time.Duration(defaultSweepMS) * time.Millisecond
	}
	return time.Duration(c.Rate.SweepMS) * time.Millisecond
}

func (c Config) WebhookTimeout() time.Duration {
	if c.Webhook.TimeoutMS <= 0 {
		return time.Duration(defaultTimeoutMS) * time.Millisecond
	}
	return time.Duration(c.Webhook.TimeoutMS) * time.Millisecond
}

func (c Config) HubRateInterval() time.Duration {
	if c.Hub.RateIntervalMS <= 0 {
		return time.Duration(defaultRateMS) * time.Millisecond
	}
	return time.Duration(c.Hub.RateIntervalMS) * time.Millisecond
}

// Summary is the redacted flat snapshot shown on /info.
func (c Config) Summary() map[string]string {
	return map[string]string{
		"http_addr":         c.HTTP.Addr,
		"admin_addr":        c.HTTP.AdminAddr,
		"origins":           strings.Join(c.HTTP.AllowedOrigins, ","),
		"admin_token":       redactString(c.HTTP.AdminToken),
		"sqlite_path":       c.SQLite.Path,
		"archive_batch":     strconv.Itoa(c.Archive.BatchSize),
		"archive_flush_ms":  strconv.Itoa(c.Archive.FlushMaxMS),
		"archive_overflow":  strconv.Itoa(c.Archive.OverflowMultiple),
		"rate_window_ms":    strconv.Itoa(c.Rate.WindowMS),
		"rate_anon_rpm":     strconv.Itoa(c.Rate.AnonCeiling),
		"rate_basic_rpm":    strconv.Itoa(c.Rate.BasicRPM),
		"rate_pro_rpm":      strconv.Itoa(c.Rate.ProRPM),
		"webhook_seed":      c.Webhook.SeedPath,
		"webhook_retries":   strconv.Itoa(c.Webhook.Retries),
		"webhook_queue":     strconv.Itoa(c.Webhook.QueueDepth),
		"hub_client_buffer": strconv.Itoa(c.Hub.ClientBuffer),
		"trace":             strconv.FormatBool(c.Trace),
	}
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"http": map[string]any{
			"addr":        c.HTTP.Addr,
			"admin_addr":  c.HTTP.AdminAddr,
			"origins":     append([]string(nil), c.HTTP.AllowedOrigins...),
			"admin_token": redactString(c.HTTP.AdminToken),
		},
		"sqlite": map[string]any{"path": c.SQLite.Path},
		"archive": map[string]any{
			"batch_size":        c.Archive.BatchSize,
			"flush_ms":          c.Archive.FlushMaxMS,
			"overflow_multiple": c.Archive.OverflowMultiple,
		},
		"rate": map[string]any{
			"window_ms": c.Rate.WindowMS,
			"anon_rpm":  c.Rate.AnonCeiling,
			"basic_rpm": c.Rate.BasicRPM,
			"pro_rpm":   c.Rate.ProRPM,
			"sweep_ms":  c.Rate.SweepMS,
		},
		"webhook": map[string]any{
			"seed_file":        c.Webhook.SeedPath,
			"retries":          c.Webhook.Retries,
			"queue_depth":      c.Webhook.QueueDepth,
			"timeout_ms":       c.Webhook.TimeoutMS,
			"outbound_per_sec": c.Webhook.OutboundPerSec,
		},
		"hub": map[string]any{
			"client_buffer":    c.Hub.ClientBuffer,
			"rate_interval_ms": c.Hub.RateIntervalMS,
		},
		"trace": c.Trace,
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
