// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	CORSOrigins []string
	CatalogDir  string
	DB          DBConfig
	Advisory    AdvisoryConfig
	Session     SessionConfig
	Recovery    RecoveryConfig
	Transcript  TranscriptConfig
	Telemetry   TelemetryConfig
}

// DBConfig selects the storage backend.
type DBConfig struct {
	Driver      string // "sqlite", "postgres" or "memory"
	Path        string
	PostgresDSN string
}

// AdvisoryConfig points at the advisory gRPC service. An empty Addr
// disables advisory calls and every task takes its fallback path.
type AdvisoryConfig struct {
	Addr            string
	Timeout         time.Duration
	ContextMessages int
	Concurrency     int
}

// SessionConfig tunes the coordinator.
type SessionConfig struct {
	SnapshotInterval int
	ConflictRetries  int
}

// RecoveryConfig controls the pending-task recovery worker.
type RecoveryConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// TranscriptConfig controls NDJSON advisory transcripts.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// MaxAdvisoryTimeout is the ceiling for ADVISORY_TIMEOUT.
const MaxAdvisoryTimeout = 30 * time.Second

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		CatalogDir:  getEnv("CATALOG_DIR", "./challenges"),
		DB: DBConfig{
			Driver:      strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			Path:        getEnv("DB_PATH", "./data/lore.db"),
			PostgresDSN: getEnv("DATABASE_URL", ""),
		},
		Advisory: AdvisoryConfig{
			Addr:            getEnv("ADVISORY_ADDR", ""),
			Timeout:         getEnvDuration("ADVISORY_TIMEOUT", MaxAdvisoryTimeout),
			ContextMessages: getEnvInt("ADVISORY_CONTEXT_MESSAGES", 6),
			Concurrency:     getEnvInt("ADVISORY_CONCURRENCY", 4),
		},
		Session: SessionConfig{
			SnapshotInterval: getEnvInt("SNAPSHOT_INTERVAL", 5),
			ConflictRetries:  getEnvInt("CONFLICT_RETRIES", 3),
		},
		Recovery: RecoveryConfig{
			Interval:   getEnvDuration("RECOVERY_INTERVAL", time.Minute),
			StaleAfter: getEnvDuration("RECOVERY_STALE_AFTER", 2*time.Minute),
		},
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_LOG_ENABLED", false),
			Dir:       getEnv("TRANSCRIPT_LOG_DIR", "./data/logs/transcripts"),
			QueueSize: queueSize,
		},
		Telemetry: TelemetryConfig{
			Enabled:     getEnvBool("OTEL_ENABLED", false),
			Endpoint:    getEnv("OTEL_ENDPOINT", ""),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "lore-engine"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.DB.PostgresDSN == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver)
	}
	if c.CatalogDir == "" {
		return fmt.Errorf("CATALOG_DIR cannot be empty")
	}
	if c.Advisory.Timeout <= 0 || c.Advisory.Timeout > MaxAdvisoryTimeout {
		return fmt.Errorf("ADVISORY_TIMEOUT must be in (0, %s]", MaxAdvisoryTimeout)
	}
	if c.Advisory.ContextMessages <= 0 {
		return fmt.Errorf("ADVISORY_CONTEXT_MESSAGES must be > 0")
	}
	if c.Advisory.Concurrency <= 0 {
		return fmt.Errorf("ADVISORY_CONCURRENCY must be > 0")
	}
	if c.Session.SnapshotInterval <= 0 {
		return fmt.Errorf("SNAPSHOT_INTERVAL must be > 0")
	}
	if c.Session.ConflictRetries < 0 {
		return fmt.Errorf("CONFLICT_RETRIES cannot be negative")
	}
	if c.Recovery.Interval <= 0 {
		return fmt.Errorf("RECOVERY_INTERVAL must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_DIR cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
