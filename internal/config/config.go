package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the knowledge-plane service.
type Config struct {
	Port          int
	Version       string
	ProjectID     string
	CORSOrigins   []string
	Mongo         MongoConfig
	Postgres      PostgresConfig
	Redis         RedisConfig
	Identity      IdentityConfig
	ObjectStore   ObjectStoreConfig
	Share         ShareConfig
	LLM           LLMConfig
	Embedding     EmbeddingConfig
	Build         BuildConfig
	VectorDefault string
	Telemetry     TelemetryConfig

	// ToolWebhookURL, when set, receives plan steps for execution.
	ToolWebhookURL string

	// RetentionInterval is how often the retention janitor sweeps.
	RetentionInterval time.Duration
}

type MongoConfig struct {
	URI    string
	DBName string
	// Prefix is prepended to every collection name.
	Prefix string
}

type PostgresConfig struct {
	Host     string
	Port     int
	DBName   string
	User     string
	Password string
}

// URL renders a pgx-compatible connection string.
func (p PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", p.User, p.Password, p.Host, p.Port, p.DBName)
}

type RedisConfig struct {
	Host     string
	Password string
	TTL      time.Duration
}

type IdentityConfig struct {
	// BaseURL of the identity collaborator that verifies tokens and
	// issues/refreshes them.
	BaseURL string
	// RequireLocalUser demands a matching record in the users collection.
	RequireLocalUser bool
	// AutoCreateIfWhitelisted creates the local record on first sight
	// when the email is on the whitelist.
	AutoCreateIfWhitelisted bool
	// Whitelist is a comma-separated email list from USER_WHITELIST.
	Whitelist []string
}

type ObjectStoreConfig struct {
	// StagingBucket receives crawled and downloaded source files.
	StagingBucket string
}

type ShareConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

type LLMConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

type EmbeddingConfig struct {
	// OpenAIKey enables the OpenAI text driver when set.
	OpenAIKey string
	// OllamaEndpoint enables the local Ollama driver when set.
	OllamaEndpoint string
	// MultimodalEndpoint is the prediction endpoint of the multimodal
	// embedding model (text + image, shared space).
	MultimodalEndpoint string
}

type BuildConfig struct {
	BatchSize      int
	Workers        int
	RatePerSec     float64
	ChunkTokens    int
	ChunkOverlap   int
	MaxFailureFrac float64
	FetchTimeout   time.Duration
	EmbedTimeout   time.Duration
	VectorTimeout  time.Duration
	ANNEndpoint    string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:        envInt("PORT", 8080),
		Version:     envStr("SERVICE_VERSION", "0.4.0"),
		ProjectID:   envStr("PROJECT_ID", ""),
		CORSOrigins: envList("CORS_ALLOW_ORIGINS", []string{"*"}),
		Mongo: MongoConfig{
			URI:    envStr("MONGO_URI", "mongodb://localhost:27017"),
			DBName: envStr("MONGO_DBNAME", "groundplane"),
			Prefix: envStr("DATABASE_PREFIX", ""),
		},
		Postgres: PostgresConfig{
			Host:     envStr("PG_HOST", "localhost"),
			Port:     envInt("PG_PORT", 5432),
			DBName:   envStr("PG_DBNAME", "groundplane"),
			User:     envStr("PG_USER", "groundplane"),
			Password: envStr("PG_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Host:     envStr("REDIS_HOST", "localhost:6379"),
			Password: envStr("REDIS_PASSWORD", ""),
			TTL:      envDuration("CACHE_TTL", 1800*time.Second),
		},
		Identity: IdentityConfig{
			BaseURL:                 envStr("API_BASE_URL", ""),
			RequireLocalUser:        envBool("AUTH_REQUIRE_LOCAL_USER", true),
			AutoCreateIfWhitelisted: envBool("AUTH_AUTO_CREATE_WHITELISTED", true),
			Whitelist:               envList("USER_WHITELIST", nil),
		},
		ObjectStore: ObjectStoreConfig{
			StagingBucket: envStr("STAGING_BUCKET", ""),
		},
		Share: ShareConfig{
			ClientID:     envStr("SHARE_CLIENT_ID", ""),
			ClientSecret: envStr("SHARE_CLIENT_SECRET", ""),
			TokenURL:     envStr("SHARE_TOKEN_URL", ""),
		},
		LLM: LLMConfig{
			APIKey:  envStr("GENAI_API_KEY", ""),
			Model:   envStr("LLM_MODEL", "gemini-2.0-flash"),
			BaseURL: envStr("LLM_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
			Timeout: envDuration("LLM_TIMEOUT", 60*time.Second),
		},
		Embedding: EmbeddingConfig{
			OpenAIKey:          envStr("OPENAI_API_KEY", ""),
			OllamaEndpoint:     envStr("OLLAMA_ENDPOINT", ""),
			MultimodalEndpoint: envStr("MULTIMODAL_EMBED_ENDPOINT", ""),
		},
		Build: BuildConfig{
			BatchSize:      envInt("EMBED_BATCH_SIZE", 5),
			Workers:        envInt("EMBED_WORKERS", 4),
			RatePerSec:     envFloat("EMBED_RATE_PER_SEC", 10),
			ChunkTokens:    envInt("CHUNK_MAX_TOKENS", 1000),
			ChunkOverlap:   envInt("CHUNK_OVERLAP_TOKENS", 100),
			MaxFailureFrac: envFloat("BUILD_MAX_FAILURE_FRAC", 0.05),
			FetchTimeout:   envDuration("FETCH_TIMEOUT", 300*time.Second),
			EmbedTimeout:   envDuration("EMBED_TIMEOUT", 30*time.Second),
			VectorTimeout:  envDuration("VECTOR_TIMEOUT", 30*time.Second),
			ANNEndpoint:    envStr("ANN_ENDPOINT", ""),
		},
		VectorDefault: envStr("DEFAULT_VECTOR_STORE", "pgvector"),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "groundplane"),
		},
		ToolWebhookURL:    envStr("TOOL_WEBHOOK_URL", ""),
		RetentionInterval: envDuration("RETENTION_INTERVAL", time.Hour),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
