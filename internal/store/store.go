// Package store provides the storage interface and implementations for the
// query-engine platform. The in-memory store backs local development and
// tests; MongoDB backs production deployments.
package store

import (
	"context"
	"time"

	"github.com/groundplane/groundplane/pkg/models"
)

// Store is the primary storage interface for the platform. All handler and
// pipeline code depends on this interface, making it easy to swap between
// in-memory (tests) and MongoDB (production) implementations.
type Store interface {
	EngineStore
	SourceStore
	ChunkStore
	ChatStore
	PlanStore
	JobStore
	UserStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates collections and indexes.
	Migrate(ctx context.Context) error
}

// ── Engine Store ────────────────────────────────────────────

type EngineStore interface {
	// ListEngines returns engines owned by ownerID; empty ownerID lists all.
	ListEngines(ctx context.Context, ownerID string) ([]models.QueryEngine, error)

	// ListEnginesByState returns engines in the given state whose last
	// update is older than before. Used by the retention janitor.
	ListEnginesByState(ctx context.Context, state models.EngineState, before time.Time) ([]models.QueryEngine, error)

	GetEngine(ctx context.Context, id string) (*models.QueryEngine, error)
	GetEngineByName(ctx context.Context, name string) (*models.QueryEngine, error)
	CreateEngine(ctx context.Context, engine *models.QueryEngine) error
	UpdateEngine(ctx context.Context, engine *models.QueryEngine) error
	DeleteEngine(ctx context.Context, id string) error
}

// ── Source Store ────────────────────────────────────────────

type SourceStore interface {
	ListSources(ctx context.Context, engineID string) ([]models.SourceFile, error)
	GetSource(ctx context.Context, id string) (*models.SourceFile, error)

	// GetSourcesByIDs returns the sources matching ids; missing IDs are
	// silently skipped.
	GetSourcesByIDs(ctx context.Context, ids []string) ([]models.SourceFile, error)

	CreateSource(ctx context.Context, src *models.SourceFile) error
	DeleteSourcesByEngine(ctx context.Context, engineID string) (int64, error)
}

// ── Chunk Store ─────────────────────────────────────────────

type ChunkStore interface {
	// CreateChunks bulk-inserts chunks. A nil or empty slice is a no-op.
	CreateChunks(ctx context.Context, chunks []models.Chunk) error

	// GetChunksByIDs returns chunks in the order of ids; missing IDs are
	// silently skipped.
	GetChunksByIDs(ctx context.Context, ids []string) ([]models.Chunk, error)

	CountChunks(ctx context.Context, engineID string) (int64, error)
	DeleteChunksByEngine(ctx context.Context, engineID string) (int64, error)
}

// ── Chat Store ──────────────────────────────────────────────

type ChatStore interface {
	ListChatsByUser(ctx context.Context, userID string, limit int) ([]models.UserChat, error)
	GetChat(ctx context.Context, id string) (*models.UserChat, error)
	CreateChat(ctx context.Context, chat *models.UserChat) error

	// AppendChatEntries atomically appends entries to a chat's log.
	// Concurrent appends interleave but never lose entries.
	AppendChatEntries(ctx context.Context, chatID string, entries []models.ChatEntry) error

	DeleteChat(ctx context.Context, id string) error
}

// ── Plan Store ──────────────────────────────────────────────

type PlanStore interface {
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	CreatePlan(ctx context.Context, plan *models.Plan) error

	// UpdatePlanStep sets the status (and optional error message) of one
	// step. Plans are immutable apart from step statuses.
	UpdatePlanStep(ctx context.Context, planID string, ordinal int, status models.StepStatus, stepErr string) error
}

// ── Job Store ───────────────────────────────────────────────

type JobStore interface {
	// ListJobs returns jobs for an engine, newest first; empty engineID
	// lists across all engines.
	ListJobs(ctx context.Context, engineID string, limit int) ([]models.BuildJob, error)

	GetJob(ctx context.Context, id string) (*models.BuildJob, error)
	CreateJob(ctx context.Context, job *models.BuildJob) error
	UpdateJob(ctx context.Context, job *models.BuildJob) error

	// GetActiveJob returns the non-terminal job for an engine, if any.
	GetActiveJob(ctx context.Context, engineID string) (*models.BuildJob, error)

	// ListActiveJobs returns all non-terminal jobs, oldest first. Used by
	// the retention janitor to reap jobs orphaned by a crash.
	ListActiveJobs(ctx context.Context) ([]models.BuildJob, error)
}

// ── User Store ──────────────────────────────────────────────

type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	UpdateUser(ctx context.Context, user *models.User) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
