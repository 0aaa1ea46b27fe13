package models

import (
	"time"
)

// ── Query Engine ─────────────────────────────────────────────

// EngineState is the lifecycle state of a QueryEngine.
type EngineState string

const (
	EngineCreated  EngineState = "CREATED"
	EngineBuilding EngineState = "BUILDING"
	EngineReady    EngineState = "READY"
	EngineFailed   EngineState = "FAILED"
	EngineArchived EngineState = "ARCHIVED"
)

// QueryEngine is a named logical index: one corpus, one embedding model,
// one vector-store backend. Immutable after the build completes except for
// its lifecycle state.
type QueryEngine struct {
	ID             string      `json:"id" bson:"_id"`
	Name           string      `json:"name" bson:"name"`
	Description    string      `json:"description,omitempty" bson:"description,omitempty"`
	EmbeddingModel string      `json:"embedding_model" bson:"embedding_model"`
	VectorStore    string      `json:"vector_store" bson:"vector_store"`
	Multimodal     bool        `json:"multimodal,omitempty" bson:"multimodal,omitempty"`
	OwnerID        string      `json:"owner_id" bson:"owner_id"`
	State          EngineState `json:"state" bson:"state"`
	Depth          int         `json:"depth,omitempty" bson:"depth,omitempty"`
	SourceURL      string      `json:"source_url" bson:"source_url"`

	// Dimension is pinned when the index is created; every vector upserted
	// afterwards must match it.
	Dimension int `json:"dimension,omitempty" bson:"dimension,omitempty"`

	// EmptyIndex marks an engine whose build succeeded with zero chunks.
	// Queries against it return no references.
	EmptyIndex bool `json:"empty_index,omitempty" bson:"empty_index,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// ── Source File ──────────────────────────────────────────────

// SourceFile is one discovered document within a build. ContentHash
// identifies the payload; duplicate hashes within a build are dropped.
type SourceFile struct {
	ID          string    `json:"id" bson:"_id"`
	EngineID    string    `json:"engine_id" bson:"engine_id"`
	Name        string    `json:"name" bson:"name"`
	SourceURL   string    `json:"source_url" bson:"source_url"`
	StagingPath string    `json:"staging_path,omitempty" bson:"staging_path,omitempty"`
	ObjectPath  string    `json:"object_path,omitempty" bson:"object_path,omitempty"`
	MimeType    string    `json:"mime_type" bson:"mime_type"`
	ContentHash string    `json:"content_hash" bson:"content_hash"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// ── Chunk ────────────────────────────────────────────────────

// Chunk is the unit of retrieval: a bounded fragment of one source with
// its provenance. Ordinals are contiguous within a source.
type Chunk struct {
	ID          string    `json:"id" bson:"_id"`
	EngineID    string    `json:"engine_id" bson:"engine_id"`
	SourceID    string    `json:"source_id" bson:"source_id"`
	Ordinal     int       `json:"ordinal" bson:"ordinal"`
	Text        string    `json:"text" bson:"text"`
	ImagePath   string    `json:"image_path,omitempty" bson:"image_path,omitempty"`
	StartOffset int       `json:"start_offset" bson:"start_offset"`
	EndOffset   int       `json:"end_offset" bson:"end_offset"`
	TokenCount  int       `json:"token_count,omitempty" bson:"token_count,omitempty"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// ── Embedding ────────────────────────────────────────────────

// Embedding is the current vector for one chunk under one model.
type Embedding struct {
	ChunkID   string    `json:"chunk_id" bson:"chunk_id"`
	Model     string    `json:"model" bson:"model"`
	Dimension int       `json:"dimension" bson:"dimension"`
	Values    []float32 `json:"values" bson:"values"`
}

// MultiVector carries the paired vectors of one multimodal input.
type MultiVector struct {
	Text  []float32 `json:"text,omitempty"`
	Image []float32 `json:"image,omitempty"`
}

// DistanceMetric selects how an index scores similarity. Whatever the
// metric, drivers normalize scores so higher is better (l2 distances
// are negated).
type DistanceMetric string

const (
	MetricCosine       DistanceMetric = "cosine"
	MetricInnerProduct DistanceMetric = "inner-product"
	MetricL2           DistanceMetric = "l2"
)

// Normalize maps the zero value to the default metric, cosine.
func (m DistanceMetric) Normalize() DistanceMetric {
	if m == "" {
		return MetricCosine
	}
	return m
}

// Valid reports whether the metric is one the drivers support.
func (m DistanceMetric) Valid() bool {
	switch m.Normalize() {
	case MetricCosine, MetricInnerProduct, MetricL2:
		return true
	}
	return false
}

// VectorRecord is one vector written to an index, keyed by the chunk facet
// it represents (a multimodal chunk contributes one record per facet).
type VectorRecord struct {
	ID     string    `json:"id"`
	Values []float32 `json:"values"`
}

// VectorHit is one similarity match returned by an index, best first.
type VectorHit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// ── Chat ─────────────────────────────────────────────────────

// EntryKind is the discriminator tag of a chat entry. Consumers skip
// entries whose kind they do not recognize.
type EntryKind string

const (
	EntryHumanText EntryKind = "human_text"
	EntryAIText    EntryKind = "ai_text"
	EntryHumanFile EntryKind = "human_file"
	EntryAIFile    EntryKind = "ai_file"
	EntryPlanRef   EntryKind = "plan_ref"
	EntryQueryRefs EntryKind = "query_refs"
	EntryDBResult  EntryKind = "db_result"
)

// ChatEntry is one immutable element of a chat history. Exactly the
// payload fields implied by Kind are set; the rest stay zero.
type ChatEntry struct {
	Kind       EntryKind        `json:"kind" bson:"kind"`
	Text       string           `json:"text,omitempty" bson:"text,omitempty"`
	FileURL    string           `json:"file_url,omitempty" bson:"file_url,omitempty"`
	PlanID     string           `json:"plan_id,omitempty" bson:"plan_id,omitempty"`
	References []QueryReference `json:"references,omitempty" bson:"references,omitempty"`
	Table      *TableResult     `json:"table,omitempty" bson:"table,omitempty"`
	Timestamp  time.Time        `json:"timestamp" bson:"timestamp"`
}

// Known reports whether the entry kind is one this build understands.
func (e ChatEntry) Known() bool {
	switch e.Kind {
	case EntryHumanText, EntryAIText, EntryHumanFile, EntryAIFile,
		EntryPlanRef, EntryQueryRefs, EntryDBResult:
		return true
	}
	return false
}

// HumanText builds a human text entry stamped now.
func HumanText(text string) ChatEntry {
	return ChatEntry{Kind: EntryHumanText, Text: text, Timestamp: time.Now().UTC()}
}

// AIText builds an assistant text entry stamped now.
func AIText(text string) ChatEntry {
	return ChatEntry{Kind: EntryAIText, Text: text, Timestamp: time.Now().UTC()}
}

// UserChat is an append-only entry log owned by one user.
type UserChat struct {
	ID        string      `json:"id" bson:"_id"`
	UserID    string      `json:"user_id" bson:"user_id"`
	AgentName string      `json:"agent_name" bson:"agent_name"`
	Title     string      `json:"title,omitempty" bson:"title,omitempty"`
	Entries   []ChatEntry `json:"entries" bson:"entries"`
	CreatedAt time.Time   `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" bson:"updated_at"`
}

// ── Query Reference ──────────────────────────────────────────

// QueryReference is the citation returned alongside an answer.
type QueryReference struct {
	ChunkID   string  `json:"chunk_id" bson:"chunk_id"`
	SourceURL string  `json:"source_url" bson:"source_url"`
	Excerpt   string  `json:"excerpt" bson:"excerpt"`
	ImageURL  string  `json:"image_url,omitempty" bson:"image_url,omitempty"`
	Score     float64 `json:"score" bson:"score"`
}

// ── Plan ─────────────────────────────────────────────────────

type StepStatus string

const (
	StepPending StepStatus = "PENDING"
	StepRunning StepStatus = "RUNNING"
	StepDone    StepStatus = "DONE"
	StepFailed  StepStatus = "FAILED"
)

// PlanStep is one action of a plan: "Use [tool] to [action]". Undeclared
// marks a tool the agent does not actually carry.
type PlanStep struct {
	Ordinal     int        `json:"ordinal" bson:"ordinal"`
	Description string     `json:"description" bson:"description"`
	Tool        string     `json:"tool" bson:"tool"`
	Undeclared  bool       `json:"undeclared,omitempty" bson:"undeclared,omitempty"`
	Skippable   bool       `json:"skippable,omitempty" bson:"skippable,omitempty"`
	Status      StepStatus `json:"status" bson:"status"`
	Error       string     `json:"error,omitempty" bson:"error,omitempty"`
}

// Plan is immutable once generated; only step statuses mutate.
type Plan struct {
	ID        string     `json:"id" bson:"_id"`
	UserID    string     `json:"user_id" bson:"user_id"`
	ChatID    string     `json:"chat_id,omitempty" bson:"chat_id,omitempty"`
	Prompt    string     `json:"prompt" bson:"prompt"`
	Steps     []PlanStep `json:"steps" bson:"steps"`
	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
}

// ── Build Job ────────────────────────────────────────────────

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transition.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// BuildParams are the inputs of one build request.
type BuildParams struct {
	EngineName     string `json:"engine_name" bson:"engine_name"`
	SourceURL      string `json:"source_url" bson:"source_url"`
	EmbeddingModel string `json:"embedding_model" bson:"embedding_model"`
	VectorStore    string `json:"vector_store" bson:"vector_store"`
	Depth          int    `json:"depth,omitempty" bson:"depth,omitempty"`
	Description    string `json:"description,omitempty" bson:"description,omitempty"`
	Multimodal     bool   `json:"multimodal,omitempty" bson:"multimodal,omitempty"`
	OwnerID        string `json:"owner_id,omitempty" bson:"owner_id,omitempty"`
}

// ManifestEntry records one source's outcome inside a build.
type ManifestEntry struct {
	SourceID    string `json:"source_id" bson:"source_id"`
	SourceURL   string `json:"source_url" bson:"source_url"`
	ContentHash string `json:"content_hash" bson:"content_hash"`
	Chunks      int    `json:"chunks" bson:"chunks"`
	Status      string `json:"status" bson:"status"` // ok, skipped, failed
}

// BuildJob is the lifecycle record of one pipeline execution.
type BuildJob struct {
	ID       string      `json:"id" bson:"_id"`
	EngineID string      `json:"engine_id" bson:"engine_id"`
	Params   BuildParams `json:"params" bson:"params"`
	Status   JobStatus   `json:"status" bson:"status"`

	Error     string `json:"error,omitempty" bson:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty" bson:"error_code,omitempty"`

	Manifest []ManifestEntry `json:"manifest,omitempty" bson:"manifest,omitempty"`

	SourcesSeen  int `json:"sources_seen" bson:"sources_seen"`
	ChunksTotal  int `json:"chunks_total" bson:"chunks_total"`
	ChunksFailed int `json:"chunks_failed" bson:"chunks_failed"`
	VectorsSaved int `json:"vectors_saved" bson:"vectors_saved"`

	CreatedAt  time.Time  `json:"created_at" bson:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
}

// ── Agent ────────────────────────────────────────────────────

// AgentClass tags an agent with the dispatch class the router selects by.
type AgentClass string

const (
	ClassRouter  AgentClass = "router"
	ClassChat    AgentClass = "chat"
	ClassPlanner AgentClass = "planner"
	ClassDB      AgentClass = "db"
	ClassRAG     AgentClass = "rag"
)

// Tool is a declared capability with an invocation contract.
type Tool struct {
	Name         string                 `json:"name" bson:"name"`
	Description  string                 `json:"description" bson:"description"`
	InputSchema  map[string]interface{} `json:"input_schema,omitempty" bson:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty" bson:"output_schema,omitempty"`
}

// Agent is a named capability set, loaded from static configuration.
type Agent struct {
	Name         string     `json:"name" bson:"_id"`
	Class        AgentClass `json:"class" bson:"class"`
	Description  string     `json:"description,omitempty" bson:"description,omitempty"`
	Model        string     `json:"model,omitempty" bson:"model,omitempty"`
	Tools        []Tool     `json:"tools,omitempty" bson:"tools,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty" bson:"capabilities,omitempty"`
}

// ── LLM Exchange ─────────────────────────────────────────────

// GenRequest is one text-generation request routed to an LLM driver.
type GenRequest struct {
	Model       string      `json:"model"`
	System      string      `json:"system,omitempty"`
	Prompt      string      `json:"prompt"`
	History     []ChatEntry `json:"history,omitempty"`
	Temperature float64     `json:"temperature,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
}

// GenResponse is the completed generation.
type GenResponse struct {
	Text      string `json:"text"`
	TokensIn  int    `json:"tokens_in,omitempty"`
	TokensOut int    `json:"tokens_out,omitempty"`
}

// ── User & Identity ──────────────────────────────────────────

type User struct {
	ID            string    `json:"id" bson:"_id"`
	Email         string    `json:"email" bson:"email"`
	Status        string    `json:"status" bson:"status"` // active, inactive
	UserType      string    `json:"user_type,omitempty" bson:"user_type,omitempty"`
	AccessAPIDocs bool      `json:"access_api_docs,omitempty" bson:"access_api_docs,omitempty"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" bson:"updated_at"`
}

// VerifiedIdentity is the structure the identity collaborator returns for
// a bearer token. It is what gets cached under token:<raw>.
type VerifiedIdentity struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	Status        string `json:"status"`
	UserType      string `json:"user_type,omitempty"`
	AccessAPIDocs bool   `json:"access_api_docs,omitempty"`
}

// Active reports whether the identity may use protected routes.
func (v VerifiedIdentity) Active() bool { return v.Status == "active" }

// ── DB Query Results ─────────────────────────────────────────

// TableResult is the columnar output of the DB-query agent, plus the
// spreadsheet export written to the object store.
type TableResult struct {
	Columns        []string   `json:"columns" bson:"columns"`
	Rows           [][]string `json:"rows" bson:"rows"`
	SQL            string     `json:"sql,omitempty" bson:"sql,omitempty"`
	SpreadsheetURL string     `json:"spreadsheet_url,omitempty" bson:"spreadsheet_url,omitempty"`
}

// ── API Shapes ───────────────────────────────────────────────

// BuildRequest is the body of POST /engines.
type BuildRequest struct {
	EngineName     string `json:"engine_name"`
	SourceURL      string `json:"source_url"`
	EmbeddingModel string `json:"embedding_model"`
	VectorStore    string `json:"vector_store,omitempty"`
	Depth          int    `json:"depth,omitempty"`
	Description    string `json:"description,omitempty"`
	Multimodal     bool   `json:"multimodal,omitempty"`
}

// QueryRequest is the body of POST /engines/{id}/query.
type QueryRequest struct {
	Prompt string `json:"prompt"`
	K      *int   `json:"k,omitempty"`
	ChatID string `json:"chat_id,omitempty"`
	Model  string `json:"model,omitempty"`
}

// QueryResponse is the result of a RAG query.
type QueryResponse struct {
	Text       string           `json:"text"`
	References []QueryReference `json:"references"`
}

// CreateChatRequest is the body of POST /chats.
type CreateChatRequest struct {
	AgentName string `json:"agent_name"`
	Prompt    string `json:"prompt,omitempty"`
}

// GenerateRequest is the body of POST /chats/{id}/generate.
type GenerateRequest struct {
	Prompt  string `json:"prompt"`
	LLMType string `json:"llm_type,omitempty"`
}

// AgentRunRequest is the body of POST /agents/{name}/run.
type AgentRunRequest struct {
	Prompt string `json:"prompt"`
	ChatID string `json:"chat_id,omitempty"`

	// Model overrides the agent's default model for this run.
	Model string `json:"model,omitempty"`
}

// AgentRunResponse is the result of an agent invocation.
type AgentRunResponse struct {
	Text       string           `json:"text,omitempty"`
	PlanID     string           `json:"plan_id,omitempty"`
	References []QueryReference `json:"references,omitempty"`
	Table      *TableResult     `json:"table,omitempty"`
	Agent      string           `json:"agent"`
}

// SignInRequest is the body of POST /auth/sign-in/credentials.
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse is returned by sign-in and token refresh.
type TokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	ExpiresIn    int    `json:"expires_in"`
}
