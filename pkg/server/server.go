// Package server assembles the groundplane service: configuration, stores,
// embedding and vector drivers, the agent runtime, background workers and
// the HTTP API.
//
// Every external backend degrades independently. Mongo falls back to the
// in-memory store, Redis to the in-memory cache, GCS to the in-memory
// object store, and a missing GENAI_API_KEY swaps in the stub LLM client.
// The service always comes up; what varies is durability.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"

	"github.com/groundplane/groundplane/internal/agents"
	"github.com/groundplane/groundplane/internal/api"
	"github.com/groundplane/groundplane/internal/api/handlers"
	"github.com/groundplane/groundplane/internal/auth"
	"github.com/groundplane/groundplane/internal/build"
	"github.com/groundplane/groundplane/internal/cache"
	"github.com/groundplane/groundplane/internal/chats"
	"github.com/groundplane/groundplane/internal/config"
	"github.com/groundplane/groundplane/internal/embeddings"
	"github.com/groundplane/groundplane/internal/ingest"
	"github.com/groundplane/groundplane/internal/llm"
	"github.com/groundplane/groundplane/internal/objectstore"
	"github.com/groundplane/groundplane/internal/query"
	"github.com/groundplane/groundplane/internal/retention"
	"github.com/groundplane/groundplane/internal/store"
	"github.com/groundplane/groundplane/internal/telemetry"
	"github.com/groundplane/groundplane/internal/vectorstore"
	"github.com/groundplane/groundplane/pkg/contracts"
)

// Server holds the initialized groundplane service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (Mongo or in-memory).
	Store store.Store

	// Builds is the build coordinator, exposed for CLI embedding.
	Builds *build.Coordinator

	// Config is the effective configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc stops background workers, closes backends and flushes
	// telemetry. Call it on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes the service from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the service with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := openStore(ctx, cfg)
	tokenCache := openCache(ctx, cfg)
	objects := openObjectStore(ctx, cfg)

	vectors := buildVectorRegistry(ctx, cfg)
	embedders := buildEmbeddingRegistry(ctx, cfg)
	llmClient := openLLM(ctx, cfg)

	// Identity & auth
	idp := auth.NewIdentityClient(cfg.Identity.BaseURL)
	verifier := auth.NewVerifier(cfg.Identity, dataStore, tokenCache, idp)

	// Build pipeline & query runtime
	coordinator := build.NewCoordinator(cfg, dataStore, vectors, embedders, ingest.Deps{
		Objects: objects,
		GCS:     openGCSClient(ctx),
	})
	executor := query.NewExecutor(dataStore, tokenCache, vectors, embedders, llmClient)

	// Agent runtime
	agentSvc := buildAgents(ctx, cfg, dataStore, objects, llmClient, executor)
	chatSvc := chats.NewService(dataStore, agentSvc)

	// Retention janitor
	janitor := retention.NewJanitor(dataStore, vectors, objects, cfg.RetentionInterval)
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go janitor.Start(janitorCtx)

	h := handlers.New(dataStore, coordinator, coordinator, executor, agentSvc, chatSvc, idp, verifier)
	router := api.NewRouter(cfg, h, verifier)

	shutdown := func(ctx context.Context) error {
		stopJanitor()
		coordinator.Close()
		if err := tokenCache.Close(); err != nil {
			log.Warn().Err(err).Msg("cache close failed")
		}
		if err := dataStore.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Builds:       coordinator,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// openStore connects to Mongo, falling back to the in-memory store when
// the database is unreachable.
func openStore(ctx context.Context, cfg *config.Config) store.Store {
	if cfg.Mongo.URI != "" {
		st, err := store.NewMongoStore(ctx, cfg.Mongo.URI, cfg.Mongo.DBName, cfg.Mongo.Prefix)
		if err == nil {
			if merr := st.Migrate(ctx); merr != nil {
				log.Warn().Err(merr).Msg("store migration failed")
			}
			log.Info().Str("db", cfg.Mongo.DBName).Msg("✅ Mongo store ready")
			return st
		}
		log.Warn().Err(err).Msg("Mongo unreachable; using in-memory store")
	}
	log.Info().Msg("✅ In-memory store initialized")
	return store.NewMemoryStore()
}

// openCache connects to Redis, falling back to the in-memory cache.
func openCache(ctx context.Context, cfg *config.Config) cache.Cache {
	if cfg.Redis.Host != "" {
		c, err := cache.NewRedis(ctx, cfg.Redis.Host, cfg.Redis.Password)
		if err == nil {
			log.Info().Str("addr", cfg.Redis.Host).Msg("✅ Redis cache ready")
			return c
		}
		log.Warn().Err(err).Msg("Redis unreachable; using in-memory cache")
	}
	return cache.NewMemory()
}

// openObjectStore opens the staging bucket, falling back to the in-memory
// object store.
func openObjectStore(ctx context.Context, cfg *config.Config) contracts.ObjectStore {
	if cfg.ObjectStore.StagingBucket != "" {
		s, err := objectstore.NewGCS(ctx, cfg.ObjectStore.StagingBucket)
		if err == nil {
			return s
		}
		log.Warn().Err(err).Msg("GCS unreachable; using in-memory object store")
	}
	return objectstore.NewMemory()
}

// openGCSClient returns a storage client for gs:// source ingestion, or
// nil when credentials are absent. Builds against bucket sources fail with
// SOURCE_UNREACHABLE in that case; everything else works.
func openGCSClient(ctx context.Context) *storage.Client {
	client, err := storage.NewClient(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("no GCS credentials; gs:// sources disabled")
		return nil
	}
	return client
}

// buildVectorRegistry registers every reachable vector backend. The memory
// driver is always present so development builds work out of the box.
func buildVectorRegistry(ctx context.Context, cfg *config.Config) *vectorstore.Registry {
	vectors := vectorstore.NewRegistry()
	vectors.Register("memory", vectorstore.NewMemoryStore())

	pg, err := vectorstore.NewPgvectorStore(ctx, cfg.Postgres.URL())
	if err == nil {
		vectors.Register("pgvector", pg)
	} else {
		log.Warn().Err(err).Msg("pgvector unreachable; driver not registered")
	}

	if cfg.Build.ANNEndpoint != "" {
		vectors.Register("ann", vectorstore.NewANNStore(cfg.Build.ANNEndpoint))
	}
	return vectors
}

// buildEmbeddingRegistry registers the configured embedding providers and
// binds model-name prefixes onto them. Longer prefixes win, so the OpenAI
// text-embedding-3 family takes precedence over the Gemini text-embedding
// default.
func buildEmbeddingRegistry(ctx context.Context, cfg *config.Config) *embeddings.Registry {
	embedders := embeddings.NewRegistry()

	if cfg.LLM.APIKey != "" {
		gem, err := embeddings.NewGeminiDriver(ctx, cfg.LLM.APIKey)
		if err == nil {
			embedders.Register("gemini", gem)
			embedders.Bind("text-embedding-", "gemini")
			embedders.Bind("gemini-embedding-", "gemini")
		} else {
			log.Warn().Err(err).Msg("Gemini embedding driver unavailable")
		}
	}

	if cfg.Embedding.OpenAIKey != "" {
		embedders.Register("openai", embeddings.NewOpenAIDriver(cfg.Embedding.OpenAIKey))
		embedders.Bind("text-embedding-3-", "openai")
		embedders.Bind("text-embedding-ada-", "openai")
	}

	if cfg.Embedding.OllamaEndpoint != "" {
		embedders.Register("ollama", embeddings.NewOllamaDriver(cfg.Embedding.OllamaEndpoint))
		embedders.Bind("nomic-embed-text", "ollama")
		embedders.Bind("mxbai-embed-large", "ollama")
		embedders.Bind("all-minilm", "ollama")
	}

	if cfg.Embedding.MultimodalEndpoint != "" {
		embedders.Register("multimodal", embeddings.NewMultimodalDriver(cfg.Embedding.MultimodalEndpoint))
		embedders.Bind("multimodalembedding", "multimodal")
	}

	return embedders
}

// openLLM returns the Gemini client, or the stub when no key is
// configured.
func openLLM(ctx context.Context, cfg *config.Config) contracts.LLMClient {
	if cfg.LLM.APIKey != "" {
		client, err := llm.NewGeminiClient(ctx, cfg.LLM)
		if err == nil {
			return client
		}
		log.Warn().Err(err).Msg("Gemini client init failed; using stub")
	} else {
		log.Warn().Msg("no GENAI_API_KEY; using stub LLM client")
	}
	return &llm.Stub{}
}

// buildAgents mounts the agent catalog and one variant per class. The db
// agent mounts only when Postgres answers; the others always do.
func buildAgents(ctx context.Context, cfg *config.Config, dataStore store.Store, objects contracts.ObjectStore, llmClient contracts.LLMClient, executor *query.Executor) *agents.Service {
	catalog := agents.NewCatalog()
	svc := agents.NewService(catalog, dataStore, llmClient, cfg.LLM.Model)

	if decl, ok := catalog.Get("chat"); ok {
		svc.RegisterVariant(agents.NewChatAgent(decl, llmClient, cfg.LLM.Model))
	}

	if decl, ok := catalog.Get("planner"); ok {
		planner := agents.NewPlanner(decl, llmClient, dataStore, cfg.LLM.Model)
		if cfg.ToolWebhookURL != "" {
			for _, tool := range decl.Tools {
				planner.RegisterHandler(tool.Name, agents.WebhookToolHandler(cfg.ToolWebhookURL))
			}
			log.Info().Str("url", cfg.ToolWebhookURL).Msg("plan steps dispatch to tool webhook")
		}
		svc.RegisterVariant(planner)
	}

	if decl, ok := catalog.Get("db"); ok {
		querier, err := agents.NewPgxQuerier(ctx, cfg.Postgres.URL())
		if err == nil {
			svc.RegisterVariant(agents.NewDBQueryAgent(decl, llmClient, querier, objects, cfg.LLM.Model))
		} else {
			log.Warn().Err(err).Msg("Postgres unreachable; db agent not mounted")
		}
	}

	if decl, ok := catalog.Get("rag"); ok {
		svc.RegisterVariant(agents.NewRAGAgent(decl, dataStore, executor))
	}

	return svc
}
