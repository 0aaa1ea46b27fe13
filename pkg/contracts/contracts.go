// Package contracts defines the service interfaces for the platform.
//
// These interfaces form the boundary between the HTTP layer and the
// pipeline/runtime services. The Handlers struct in internal/api depends on
// them, so swapping an implementation (memory vector store for pgvector,
// Gemini for a remote embedder) is a single line change in the wiring code
// (main.go).
package contracts

import (
	"context"
	"io"

	"github.com/groundplane/groundplane/internal/store"
	"github.com/groundplane/groundplane/pkg/models"
)

// Store is a type alias for the internal Store interface.
// Exposed in pkg/ so embedders and extensions can reference it without
// importing internal/ directly.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Vector Store Driver ─────────────────────────────────────

// VectorStoreDriver is the interface for vector index backends.
// Shipped drivers: memory (brute-force), pgvector, remote ANN service.
//
// Drivers are registered in the vectorstore Registry under the name an
// engine selects at build time.
type VectorStoreDriver interface {
	// Kind returns the driver identifier (e.g. "memory", "pgvector").
	Kind() string

	// CreateIndex provisions an index able to hold vectors of the given
	// dimension, scored by the given metric (zero value means cosine).
	// Creating an existing index with the same dimension and metric is a
	// no-op; with a different dimension or metric it fails.
	CreateIndex(ctx context.Context, index string, dimension int, metric models.DistanceMetric) error

	// Upsert writes records into the index. Records whose IDs already
	// exist are replaced.
	Upsert(ctx context.Context, index string, records []models.VectorRecord) error

	// Query returns the k nearest records, best score first.
	Query(ctx context.Context, index string, vector []float32, k int) ([]models.VectorHit, error)

	// DeleteIndex removes the index and everything in it.
	DeleteIndex(ctx context.Context, index string) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// ── Embedding Driver ────────────────────────────────────────

// EmbeddingDriver is the interface for embedding model integrations.
// Shipped drivers: Gemini (genai SDK), OpenAI, Ollama, and the
// multimodal prediction endpoint.
type EmbeddingDriver interface {
	// Kind returns the driver identifier (e.g. "gemini", "openai").
	Kind() string

	// Embed embeds document texts for indexing, one vector per input, in
	// input order.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)

	// EmbedQuery embeds one retrieval query.
	EmbedQuery(ctx context.Context, model string, text string) ([]float32, error)

	// Dimension returns the vector width the model produces.
	Dimension(model string) int
}

// ImageEmbedder is implemented by drivers that can embed images for
// multimodal engines. Build code type-asserts for it when an engine is
// flagged multimodal.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, model string, image []byte) ([]float32, error)
}

// ── LLM Client ──────────────────────────────────────────────

// LLMClient sends generation requests to a language model.
type LLMClient interface {
	// Kind returns the client identifier (e.g. "gemini").
	Kind() string

	// Generate runs one completion to the end.
	Generate(ctx context.Context, req *models.GenRequest) (*models.GenResponse, error)

	// GenerateStream runs one completion, invoking onDelta for each text
	// fragment as it arrives, and returns the assembled response.
	GenerateStream(ctx context.Context, req *models.GenRequest, onDelta func(string) error) (*models.GenResponse, error)
}

// ── Object Store ────────────────────────────────────────────

// ObjectStore persists source payloads and generated exports.
// Shipped implementations: GCS bucket, in-memory (tests).
type ObjectStore interface {
	// Put writes the object and returns its canonical URL.
	Put(ctx context.Context, key, contentType string, r io.Reader) (string, error)

	// Get opens the object for reading. Callers must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns the keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes one object.
	Delete(ctx context.Context, key string) error

	// DeleteAll removes every object under prefix and reports how many.
	DeleteAll(ctx context.Context, prefix string) (int, error)
}

// ── Build Service ───────────────────────────────────────────

// BuildService runs the ingest→chunk→embed→index pipeline.
type BuildService interface {
	// StartBuild creates (or resumes) an engine build and returns the job
	// immediately; the pipeline runs in the background.
	StartBuild(ctx context.Context, params *models.BuildParams) (*models.BuildJob, error)

	// CancelBuild cancels a running build job.
	CancelBuild(jobID string) error
}

// ── Query Service ───────────────────────────────────────────

// QueryService answers grounded queries against a ready engine.
type QueryService interface {
	Query(ctx context.Context, engineID string, req *models.QueryRequest) (*models.QueryResponse, error)
}

// ── Agent Service ───────────────────────────────────────────

// AgentService dispatches prompts to named agents. The caller's verified
// identity travels in ctx (set by the auth middleware).
type AgentService interface {
	// Run invokes the named agent; "router" selects one by class.
	Run(ctx context.Context, agentName string, req *models.AgentRunRequest) (*models.AgentRunResponse, error)

	// List returns the declared agents.
	List() []models.Agent
}

// ── Chat Service ────────────────────────────────────────────

// ChatService owns chat lifecycles and turn generation.
type ChatService interface {
	Create(ctx context.Context, req *models.CreateChatRequest) (*models.UserChat, error)
	Get(ctx context.Context, chatID string) (*models.UserChat, error)
	ListForUser(ctx context.Context, limit int) ([]models.UserChat, error)

	// Generate appends the user's prompt to the chat, produces the
	// assistant turn, and appends it too.
	Generate(ctx context.Context, chatID string, req *models.GenerateRequest) (*models.AgentRunResponse, error)

	Delete(ctx context.Context, chatID string) error
}
