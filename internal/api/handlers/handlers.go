// Package handlers implements the HTTP handlers for the groundplane API.
// Every response uses the uniform envelope {success, message, data}; error
// statuses come from the fault-code taxonomy.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/groundplane/groundplane/internal/api/middleware"
	"github.com/groundplane/groundplane/internal/auth"
	"github.com/groundplane/groundplane/internal/build"
	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/store"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// BuildLogSource exposes the in-memory build event log kept by the
// coordinator.
type BuildLogSource interface {
	RecentLog(jobID string, n int) []build.Event
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Builds   contracts.BuildService
	BuildLog BuildLogSource
	Queries  contracts.QueryService
	Agents   contracts.AgentService
	Chats    contracts.ChatService
	Identity contracts.IdentityProvider
	Auth     *auth.Verifier
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, builds contracts.BuildService, buildLog BuildLogSource, queries contracts.QueryService, agents contracts.AgentService, chats contracts.ChatService, identity contracts.IdentityProvider, verifier *auth.Verifier) *Handlers {
	return &Handlers{
		Store:    s,
		Builds:   builds,
		BuildLog: buildLog,
		Queries:  queries,
		Agents:   agents,
		Chats:    chats,
		Identity: identity,
		Auth:     verifier,
	}
}

// jobEvents is how many recent build events ride along on a job status
// response.
const jobEvents = 50

// ══════════════════════════════════════════════════════════════
// ── Auth Handlers ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) SignIn(w http.ResponseWriter, r *http.Request) {
	var req models.SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	tokens, err := h.Identity.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		respondFault(w, err)
		return
	}
	log.Info().Str("user_id", tokens.UserID).Msg("user signed in")
	respondJSON(w, http.StatusOK, tokens)
}

func (h *Handlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	tokens, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tokens)
}

// ValidateToken returns the identity the auth middleware already resolved.
func (h *Handlers) ValidateToken(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.IdentityFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "no verified identity")
		return
	}
	respondJSON(w, http.StatusOK, ident)
}

// SignOut drops the caller's token from the verification cache.
func (h *Handlers) SignOut(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r.Header.Get("Authorization"))
	h.Auth.SignOut(r.Context(), token)
	respondJSON(w, http.StatusOK, map[string]string{"status": "signed out"})
}

// ══════════════════════════════════════════════════════════════
// ── Engine & Build Handlers ───────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListEngines(w http.ResponseWriter, r *http.Request) {
	engines, err := h.Store.ListEngines(r.Context(), "")
	if err != nil {
		respondFault(w, err)
		return
	}
	if engines == nil {
		engines = []models.QueryEngine{}
	}
	respondJSON(w, http.StatusOK, engines)
}

func (h *Handlers) GetEngine(w http.ResponseWriter, r *http.Request) {
	engine, err := h.Store.GetEngine(r.Context(), chi.URLParam(r, "engineID"))
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, "engine not found")
			return
		}
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, engine)
}

// StartBuild creates or resumes a query-engine build. The pipeline runs in
// the background; the response is the job handle to poll.
func (h *Handlers) StartBuild(w http.ResponseWriter, r *http.Request) {
	var req models.BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.EngineName) == "" || strings.TrimSpace(req.SourceURL) == "" {
		respondError(w, http.StatusBadRequest, "engine_name and source_url are required")
		return
	}
	if strings.TrimSpace(req.EmbeddingModel) == "" {
		respondError(w, http.StatusBadRequest, "embedding_model is required")
		return
	}

	job, err := h.Builds.StartBuild(r.Context(), &models.BuildParams{
		EngineName:     req.EngineName,
		SourceURL:      req.SourceURL,
		EmbeddingModel: req.EmbeddingModel,
		VectorStore:    req.VectorStore,
		Depth:          req.Depth,
		Description:    req.Description,
		Multimodal:     req.Multimodal,
		OwnerID:        auth.UserIDFrom(r.Context()),
	})
	if err != nil {
		respondFault(w, err)
		return
	}

	log.Info().
		Str("job_id", job.ID).
		Str("engine", req.EngineName).
		Str("source_url", req.SourceURL).
		Msg("build accepted")
	respondJSON(w, http.StatusAccepted, job)
}

// jobView is a BuildJob plus the tail of its event log.
type jobView struct {
	*models.BuildJob
	Events []build.Event `json:"events,omitempty"`
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.Store.GetJob(r.Context(), jobID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, "job not found")
			return
		}
		respondFault(w, err)
		return
	}

	view := jobView{BuildJob: job}
	if h.BuildLog != nil {
		view.Events = h.BuildLog.RecentLog(jobID, jobEvents)
	}
	respondJSON(w, http.StatusOK, view)
}

func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.Builds.CancelBuild(jobID); err != nil {
		respondFault(w, err)
		return
	}
	log.Info().Str("job_id", jobID).Msg("build cancel requested")
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// ArchiveEngine marks an engine for deletion. The retention janitor
// completes the cascade (chunks, sources, vectors, staged objects)
// asynchronously, so the response acknowledges intent, not completion.
func (h *Handlers) ArchiveEngine(w http.ResponseWriter, r *http.Request) {
	engine, err := h.Store.GetEngine(r.Context(), chi.URLParam(r, "engineID"))
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, "engine not found")
			return
		}
		respondFault(w, err)
		return
	}

	// A build still running would race the cascade; stop it first.
	if job, err := h.Store.GetActiveJob(r.Context(), engine.ID); err == nil {
		if err := h.Builds.CancelBuild(job.ID); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("cancel active build before archive")
		}
	}

	engine.State = models.EngineArchived
	engine.UpdatedAt = time.Now().UTC()
	if err := h.Store.UpdateEngine(r.Context(), engine); err != nil {
		respondFault(w, err)
		return
	}

	log.Info().Str("engine_id", engine.ID).Str("name", engine.Name).Msg("engine archived")
	respondJSON(w, http.StatusAccepted, map[string]string{"id": engine.ID, "state": string(models.EngineArchived)})
}

// ══════════════════════════════════════════════════════════════
// ── Query Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) QueryEngine(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	resp, err := h.Queries.Query(r.Context(), chi.URLParam(r, "engineID"), &req)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ══════════════════════════════════════════════════════════════
// ── Chat Handlers ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CreateChat(w http.ResponseWriter, r *http.Request) {
	var req models.CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	chat, err := h.Chats.Create(r.Context(), &req)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, chat)
}

func (h *Handlers) ListChats(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	chats, err := h.Chats.ListForUser(r.Context(), limit)
	if err != nil {
		respondFault(w, err)
		return
	}
	if chats == nil {
		chats = []models.UserChat{}
	}
	respondJSON(w, http.StatusOK, chats)
}

func (h *Handlers) GetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.Chats.Get(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chat)
}

func (h *Handlers) GenerateChat(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.Chats.Generate(r.Context(), chi.URLParam(r, "chatID"), &req)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) DeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := h.Chats.Delete(r.Context(), chi.URLParam(r, "chatID")); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ══════════════════════════════════════════════════════════════
// ── Agent Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Agents.List())
}

func (h *Handlers) RunAgent(w http.ResponseWriter, r *http.Request) {
	var req models.AgentRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.Agents.Run(r.Context(), chi.URLParam(r, "agentName"), &req)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ══════════════════════════════════════════════════════════════
// ── Response Helpers ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// envelope is the uniform response shape for every API endpoint.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Message: message, Data: map[string]interface{}{}})
}

// respondFault maps a fault code to its HTTP status and caller-facing
// message.
func respondFault(w http.ResponseWriter, err error) {
	respondError(w, faults.HTTPStatus(faults.CodeOf(err)), faults.MessageOf(err))
}
