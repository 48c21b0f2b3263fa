package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.SnapshotInterval != 5 || cfg.Session.ConflictRetries != 3 {
		t.Errorf("session defaults = %+v", cfg.Session)
	}
	if cfg.Advisory.Timeout != MaxAdvisoryTimeout || cfg.Advisory.ContextMessages != 6 {
		t.Errorf("advisory defaults = %+v", cfg.Advisory)
	}
	if cfg.Recovery.Interval != time.Minute || cfg.Recovery.StaleAfter != 2*time.Minute {
		t.Errorf("recovery defaults = %+v", cfg.Recovery)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/lore")
	t.Setenv("ADVISORY_TIMEOUT", "5s")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test ,")
	t.Setenv("TRANSCRIPT_LOG_ENABLED", "yes")
	t.Setenv("SNAPSHOT_INTERVAL", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.Driver != "postgres" {
		t.Errorf("driver = %q", cfg.DB.Driver)
	}
	if cfg.Advisory.Timeout != 5*time.Second {
		t.Errorf("timeout = %s", cfg.Advisory.Timeout)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Errorf("origins = %v", cfg.CORSOrigins)
	}
	if !cfg.Transcript.Enabled {
		t.Error("transcripts should be enabled")
	}
	if cfg.Session.SnapshotInterval != 5 {
		t.Errorf("bad int should fall back, got %d", cfg.Session.SnapshotInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"postgres without dsn", map[string]string{"DB_DRIVER": "postgres", "DATABASE_URL": ""}, "DATABASE_URL"},
		{"timeout above ceiling", map[string]string{"ADVISORY_TIMEOUT": "45s"}, "ADVISORY_TIMEOUT"},
		{"zero snapshot interval", map[string]string{"SNAPSHOT_INTERVAL": "0"}, "SNAPSHOT_INTERVAL"},
		{"negative retries", map[string]string{"CONFLICT_RETRIES": "-1"}, "CONFLICT_RETRIES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DB_DRIVER", "sqlite")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}
