package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Redis.TTL != 1800*time.Second {
		t.Errorf("Redis.TTL = %v, want 1800s", cfg.Redis.TTL)
	}
	if cfg.Build.BatchSize != 5 {
		t.Errorf("Build.BatchSize = %d, want 5", cfg.Build.BatchSize)
	}
	if cfg.Build.ChunkTokens != 1000 || cfg.Build.ChunkOverlap != 100 {
		t.Errorf("chunking = (%d,%d), want (1000,100)", cfg.Build.ChunkTokens, cfg.Build.ChunkOverlap)
	}
	if cfg.Build.FetchTimeout != 300*time.Second {
		t.Errorf("FetchTimeout = %v, want 300s", cfg.Build.FetchTimeout)
	}
	if cfg.RetentionInterval != time.Hour {
		t.Errorf("RetentionInterval = %v, want 1h", cfg.RetentionInterval)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_PREFIX", "stage_")
	t.Setenv("CORS_ALLOW_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CACHE_TTL", "600")
	t.Setenv("DEFAULT_VECTOR_STORE", "ann")

	cfg := Load()

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Mongo.Prefix != "stage_" {
		t.Errorf("Mongo.Prefix = %q, want %q", cfg.Mongo.Prefix, "stage_")
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v, want two trimmed origins", cfg.CORSOrigins)
	}
	if cfg.Redis.TTL != 600*time.Second {
		t.Errorf("Redis.TTL = %v, want 600s (bare seconds accepted)", cfg.Redis.TTL)
	}
	if cfg.VectorDefault != "ann" {
		t.Errorf("VectorDefault = %q, want %q", cfg.VectorDefault, "ann")
	}
}

func TestPostgresURL(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5433, DBName: "kb", User: "svc", Password: "pw"}
	want := "postgres://svc:pw@db:5433/kb"
	if got := p.URL(); got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
}
