// Package query answers grounded queries: embed the prompt, search the
// engine's vector index, hydrate the hits into references and ask the LLM
// to answer from that context.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groundplane/groundplane/internal/cache"
	"github.com/groundplane/groundplane/internal/embeddings"
	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/normalize"
	"github.com/groundplane/groundplane/internal/store"
	"github.com/groundplane/groundplane/internal/vectorstore"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
)

const (
	// MaxPromptTokens bounds the user prompt. Anything longer is rejected
	// before any model call.
	MaxPromptTokens = 8192

	// DefaultK is the reference count when the request leaves k unset.
	DefaultK = 5
)

// groundedTemplate is the fixed RAG prompt. The three slots are the
// retrieved context, the serialized chat history and the user's question.
const groundedTemplate = `You are a helpful and truthful AI Assistant.
Use the following pieces of context and the chat history
to answer the question at the end. If you don't know the
answer, just say that you don't know.

Context:
%s

Chat History:
%s

Question: %s
Helpful Answer:`

// Executor implements contracts.QueryService.
type Executor struct {
	store     store.Store
	cache     cache.Cache
	vectors   *vectorstore.Registry
	embedders *embeddings.Registry
	llm       contracts.LLMClient
}

// NewExecutor wires a query executor.
func NewExecutor(st store.Store, ca cache.Cache, vectors *vectorstore.Registry, embedders *embeddings.Registry, llm contracts.LLMClient) *Executor {
	return &Executor{
		store:     st,
		cache:     ca,
		vectors:   vectors,
		embedders: embedders,
		llm:       llm,
	}
}

// Query answers a prompt against a READY engine. With a chat_id the
// exchange is appended to the chat history and prior entries feed the
// prompt's history slot.
func (e *Executor) Query(ctx context.Context, engineID string, req *models.QueryRequest) (*models.QueryResponse, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, faults.New(faults.Validation, "prompt is required")
	}
	if tokens := normalize.EstimateTokens(req.Prompt); tokens > MaxPromptTokens {
		return nil, faults.Errorf(faults.Validation, "prompt is %d tokens, above the %d limit", tokens, MaxPromptTokens)
	}

	engine, err := e.store.GetEngine(ctx, engineID)
	var nf *store.ErrNotFound
	switch {
	case errors.As(err, &nf):
		return nil, faults.Errorf(faults.NotFound, "engine %s not found", engineID)
	case err != nil:
		return nil, faults.Wrap(faults.Internal, "look up engine", err)
	}
	if engine.State != models.EngineReady {
		return nil, faults.Errorf(faults.QueryEngineUnavailable, "engine %q is %s, not READY", engine.Name, engine.State)
	}

	k := DefaultK
	if req.K != nil {
		k = *req.K
	}
	if k < 0 {
		return nil, faults.New(faults.Validation, "k must not be negative")
	}

	var history []models.ChatEntry
	if req.ChatID != "" {
		chat, err := e.store.GetChat(ctx, req.ChatID)
		switch {
		case errors.As(err, &nf):
			return nil, faults.Errorf(faults.NotFound, "chat %s not found", req.ChatID)
		case err != nil:
			return nil, faults.Wrap(faults.Internal, "load chat history", err)
		}
		history = chat.Entries
	}

	refs, err := e.retrieve(ctx, engine, req.Prompt, k)
	if err != nil {
		return nil, err
	}

	resp, err := e.llm.Generate(ctx, &models.GenRequest{
		Model:  req.Model,
		Prompt: GroundedPrompt(refs, history, req.Prompt),
	})
	if err != nil {
		return nil, err
	}

	if req.ChatID != "" {
		entries := []models.ChatEntry{
			models.HumanText(req.Prompt),
			models.AIText(resp.Text),
			{Kind: models.EntryQueryRefs, References: refs, Timestamp: time.Now().UTC()},
		}
		// The answer already exists; a history write failure degrades the
		// chat but not the response.
		if err := e.store.AppendChatEntries(ctx, req.ChatID, entries); err != nil {
			log.Warn().Err(err).Str("chat_id", req.ChatID).Msg("append query exchange to chat")
		}
	}

	return &models.QueryResponse{Text: resp.Text, References: refs}, nil
}

// retrieve embeds the prompt, searches the engine's index and hydrates the
// hits into references ordered best-first. Facet suffixes ("#img") collapse
// onto their chunk, keeping the best-scoring facet.
func (e *Executor) retrieve(ctx context.Context, engine *models.QueryEngine, prompt string, k int) ([]models.QueryReference, error) {
	if k == 0 || engine.EmptyIndex {
		return nil, nil
	}

	vec, err := e.queryVector(ctx, engine, prompt)
	if err != nil {
		return nil, err
	}
	driver, err := e.vectors.Get(engine.VectorStore)
	if err != nil {
		return nil, err
	}

	// A multimodal chunk holds up to two facet records, so fetch double
	// before deduplicating to keep k distinct chunks reachable.
	fetch := k
	if engine.Multimodal {
		fetch = 2 * k
	}
	hits, err := driver.Query(ctx, engine.ID, vec, fetch)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(hits))
	score := make(map[string]float64, len(hits))
	for _, h := range hits {
		id, _, _ := strings.Cut(h.ID, "#")
		if _, ok := score[id]; ok {
			continue
		}
		ids = append(ids, id)
		score[id] = h.Score
	}

	chunks, err := e.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "hydrate chunks", err)
	}

	// Equal scores settle on source id, then ordinal, so the order is
	// stable across runs.
	sort.SliceStable(chunks, func(i, j int) bool {
		si, sj := score[chunks[i].ID], score[chunks[j].ID]
		if si != sj {
			return si > sj
		}
		if chunks[i].SourceID != chunks[j].SourceID {
			return chunks[i].SourceID < chunks[j].SourceID
		}
		return chunks[i].Ordinal < chunks[j].Ordinal
	})
	if len(chunks) > k {
		chunks = chunks[:k]
	}

	srcIDs := make([]string, 0, len(chunks))
	seen := make(map[string]bool, len(chunks))
	for _, ch := range chunks {
		if !seen[ch.SourceID] {
			seen[ch.SourceID] = true
			srcIDs = append(srcIDs, ch.SourceID)
		}
	}
	sources, err := e.store.GetSourcesByIDs(ctx, srcIDs)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "hydrate sources", err)
	}
	urls := make(map[string]string, len(sources))
	for _, s := range sources {
		urls[s.ID] = s.SourceURL
	}

	refs := make([]models.QueryReference, 0, len(chunks))
	for _, ch := range chunks {
		refs = append(refs, models.QueryReference{
			ChunkID:   ch.ID,
			SourceURL: urls[ch.SourceID],
			Excerpt:   ch.Text,
			ImageURL:  ch.ImagePath,
			Score:     score[ch.ID],
		})
	}
	return refs, nil
}

// queryVector embeds the prompt with the engine's model, reading through
// the embedding cache.
func (e *Executor) queryVector(ctx context.Context, engine *models.QueryEngine, prompt string) ([]float32, error) {
	key := cache.EmbeddingKey(engine.EmbeddingModel, prompt)
	var vec []float32
	if cache.GetJSON(ctx, e.cache, key, &vec) && len(vec) > 0 {
		return vec, nil
	}

	driver, err := e.embedders.ForModel(engine.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	vec, err = driver.EmbedQuery(ctx, engine.EmbeddingModel, prompt)
	if err != nil {
		return nil, err
	}
	cache.PutJSON(ctx, e.cache, key, vec, cache.DefaultTTL)
	return vec, nil
}

// GroundedPrompt composes the fixed RAG template from the retrieved
// references, the prior conversation and the user's question.
func GroundedPrompt(refs []models.QueryReference, history []models.ChatEntry, question string) string {
	excerpts := make([]string, 0, len(refs))
	for _, r := range refs {
		excerpts = append(excerpts, r.Excerpt)
	}
	return fmt.Sprintf(groundedTemplate,
		strings.Join(excerpts, "\n\n"),
		historyText(history),
		question)
}

// historyText serializes prior text entries with their roles labeled.
// Non-text entries (plans, references, tables) are skipped.
func historyText(entries []models.ChatEntry) string {
	var b strings.Builder
	for _, entry := range entries {
		switch entry.Kind {
		case models.EntryHumanText:
			b.WriteString("Human: ")
		case models.EntryAIText:
			b.WriteString("AI: ")
		default:
			continue
		}
		b.WriteString(entry.Text)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

var _ contracts.QueryService = (*Executor)(nil)
