package query

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/groundplane/groundplane/internal/cache"
	"github.com/groundplane/groundplane/internal/embeddings"
	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/llm"
	"github.com/groundplane/groundplane/internal/store"
	"github.com/groundplane/groundplane/internal/vectorstore"
	"github.com/groundplane/groundplane/pkg/models"
)

// queryEmbedder returns a fixed query vector and counts invocations.
type queryEmbedder struct {
	mu    sync.Mutex
	calls int
	vec   []float32
}

func (s *queryEmbedder) Kind() string         { return "stub" }
func (s *queryEmbedder) Dimension(string) int { return 3 }

func (s *queryEmbedder) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = s.vec
	}
	return out, nil
}

func (s *queryEmbedder) EmbedQuery(context.Context, string, string) ([]float32, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.vec, nil
}

func (s *queryEmbedder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type qfix struct {
	ex      *Executor
	store   *store.MemoryStore
	vectors *vectorstore.MemoryStore
	emb     *queryEmbedder
	llm     *llm.Stub
	prompts *[]string
}

func newQueryFixture(t *testing.T) *qfix {
	t.Helper()

	emb := &queryEmbedder{vec: []float32{1, 0, 0}}
	reg := embeddings.NewRegistry()
	reg.Register("stub", emb)
	reg.Bind("test-", "stub")

	vmem := vectorstore.NewMemoryStore()
	vreg := vectorstore.NewRegistry()
	vreg.Register("memory", vmem)

	prompts := &[]string{}
	stub := &llm.Stub{Reply: func(req *models.GenRequest) (string, error) {
		*prompts = append(*prompts, req.Prompt)
		return "the answer", nil
	}}

	st := store.NewMemoryStore()
	return &qfix{
		ex:      NewExecutor(st, cache.NewMemory(), vreg, reg, stub),
		store:   st,
		vectors: vmem,
		emb:     emb,
		llm:     stub,
		prompts: prompts,
	}
}

func (f *qfix) seedEngine(t *testing.T, multimodal bool) *models.QueryEngine {
	t.Helper()
	now := time.Now().UTC()
	engine := &models.QueryEngine{
		ID:             "eng-1",
		Name:           "docs",
		EmbeddingModel: "test-embed",
		VectorStore:    "memory",
		Multimodal:     multimodal,
		State:          models.EngineReady,
		Dimension:      3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := f.store.CreateEngine(context.Background(), engine); err != nil {
		t.Fatalf("create engine: %v", err)
	}
	if err := f.vectors.CreateIndex(context.Background(), engine.ID, 3, models.MetricCosine); err != nil {
		t.Fatalf("create index: %v", err)
	}
	return engine
}

func (f *qfix) seedSource(t *testing.T, id, url string) {
	t.Helper()
	err := f.store.CreateSource(context.Background(), &models.SourceFile{
		ID:        id,
		EngineID:  "eng-1",
		Name:      id,
		SourceURL: url,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create source: %v", err)
	}
}

func (f *qfix) seedChunk(t *testing.T, chunk models.Chunk, vec []float32) {
	t.Helper()
	chunk.EngineID = "eng-1"
	chunk.CreatedAt = time.Now().UTC()
	if err := f.store.CreateChunks(context.Background(), []models.Chunk{chunk}); err != nil {
		t.Fatalf("create chunk: %v", err)
	}
	if vec != nil {
		rec := []models.VectorRecord{{ID: chunk.ID, Values: vec}}
		if err := f.vectors.Upsert(context.Background(), "eng-1", rec); err != nil {
			t.Fatalf("upsert vector: %v", err)
		}
	}
}

// seedCorpus installs three chunks across two sources with descending
// similarity to the fixed query vector [1,0,0].
func (f *qfix) seedCorpus(t *testing.T) {
	t.Helper()
	f.seedSource(t, "src-a", "https://example.com/a")
	f.seedSource(t, "src-b", "https://example.com/b")
	f.seedChunk(t, models.Chunk{ID: "c1", SourceID: "src-a", Ordinal: 0, Text: "alpha facts"}, []float32{1, 0, 0})
	f.seedChunk(t, models.Chunk{ID: "c2", SourceID: "src-a", Ordinal: 1, Text: "beta facts"}, []float32{1, 1, 0})
	f.seedChunk(t, models.Chunk{ID: "c3", SourceID: "src-b", Ordinal: 0, Text: "gamma facts"}, []float32{0, 1, 0})
}

func intp(v int) *int { return &v }

func TestQueryReturnsGroundedAnswer(t *testing.T) {
	f := newQueryFixture(t)
	f.seedEngine(t, false)
	f.seedCorpus(t)

	resp, err := f.ex.Query(context.Background(), "eng-1", &models.QueryRequest{
		Prompt: "What are the alpha facts?",
		K:      intp(2),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Text != "the answer" {
		t.Errorf("got text %q, want %q", resp.Text, "the answer")
	}
	if len(resp.References) != 2 {
		t.Fatalf("got %d references, want 2", len(resp.References))
	}
	if resp.References[0].ChunkID != "c1" || resp.References[1].ChunkID != "c2" {
		t.Errorf("got reference order %s, %s; want c1, c2", resp.References[0].ChunkID, resp.References[1].ChunkID)
	}
	if resp.References[0].Score <= resp.References[1].Score {
		t.Errorf("scores not descending: %v then %v", resp.References[0].Score, resp.References[1].Score)
	}
	if resp.References[0].SourceURL != "https://example.com/a" {
		t.Errorf("got source url %q", resp.References[0].SourceURL)
	}

	if len(*f.prompts) != 1 {
		t.Fatalf("llm called %d times, want 1", len(*f.prompts))
	}
	sent := (*f.prompts)[0]
	if !strings.Contains(sent, "alpha facts") || !strings.Contains(sent, "beta facts") {
		t.Errorf("grounded prompt missing excerpts:\n%s", sent)
	}
	if strings.Contains(sent, "gamma facts") {
		t.Errorf("grounded prompt includes chunk beyond k:\n%s", sent)
	}
}

func TestGroundedPromptTemplate(t *testing.T) {
	refs := []models.QueryReference{
		{Excerpt: "First excerpt."},
		{Excerpt: "Second excerpt."},
	}
	history := []models.ChatEntry{
		models.HumanText("Hi"),
		models.AIText("Hello"),
		{Kind: models.EntryPlanRef, PlanID: "p1"}, // skipped: not a text entry
	}

	got := GroundedPrompt(refs, history, "What is new?")
	want := `You are a helpful and truthful AI Assistant.
Use the following pieces of context and the chat history
to answer the question at the end. If you don't know the
answer, just say that you don't know.

Context:
First excerpt.

Second excerpt.

Chat History:
Human: Hi
AI: Hello

Question: What is new?
Helpful Answer:`
	if got != want {
		t.Errorf("grounded prompt mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestQueryEngineStates(t *testing.T) {
	f := newQueryFixture(t)
	engine := f.seedEngine(t, false)

	_, err := f.ex.Query(context.Background(), "missing", &models.QueryRequest{Prompt: "hi"})
	if !faults.IsCode(err, faults.NotFound) {
		t.Errorf("got %v, want NOT_FOUND", err)
	}

	engine.State = models.EngineBuilding
	if err := f.store.UpdateEngine(context.Background(), engine); err != nil {
		t.Fatalf("update engine: %v", err)
	}
	_, err = f.ex.Query(context.Background(), "eng-1", &models.QueryRequest{Prompt: "hi"})
	if !faults.IsCode(err, faults.QueryEngineUnavailable) {
		t.Errorf("got %v, want QUERY_ENGINE_UNAVAILABLE", err)
	}
}

func TestQueryKSemantics(t *testing.T) {
	f := newQueryFixture(t)
	f.seedEngine(t, false)
	f.seedCorpus(t)

	// k=0 answers from empty context without touching the embedder.
	resp, err := f.ex.Query(context.Background(), "eng-1", &models.QueryRequest{Prompt: "hi", K: intp(0)})
	if err != nil {
		t.Fatalf("Query k=0: %v", err)
	}
	if len(resp.References) != 0 {
		t.Errorf("k=0 returned %d references", len(resp.References))
	}
	if f.emb.callCount() != 0 {
		t.Errorf("k=0 embedded the prompt %d times", f.emb.callCount())
	}

	// k beyond the index size returns everything.
	resp, err = f.ex.Query(context.Background(), "eng-1", &models.QueryRequest{Prompt: "hi", K: intp(10)})
	if err != nil {
		t.Fatalf("Query k=10: %v", err)
	}
	if len(resp.References) != 3 {
		t.Errorf("got %d references, want all 3", len(resp.References))
	}

	// Negative k is rejected.
	_, err = f.ex.Query(context.Background(), "eng-1", &models.QueryRequest{Prompt: "hi", K: intp(-1)})
	if !faults.IsCode(err, faults.Validation) {
		t.Errorf("got %v, want VALIDATION", err)
	}
}

func TestQueryTieBreaks(t *testing.T) {
	f := newQueryFixture(t)
	f.seedEngine(t, false)
	f.seedSource(t, "s0", "https://example.com/s0")
	f.seedSource(t, "s1", "https://example.com/s1")

	// All vectors identical: every hit scores 1.0. IDs are chosen so the
	// store's own ordering disagrees with the documented tie-break.
	f.seedChunk(t, models.Chunk{ID: "z1", SourceID: "s1", Ordinal: 0, Text: "z"}, []float32{1, 0, 0})
	f.seedChunk(t, models.Chunk{ID: "a1", SourceID: "s1", Ordinal: 1, Text: "a"}, []float32{1, 0, 0})
	f.seedChunk(t, models.Chunk{ID: "m1", SourceID: "s0", Ordinal: 5, Text: "m"}, []float32{1, 0, 0})

	resp, err := f.ex.Query(context.Background(), "eng-1", &models.QueryRequest{Prompt: "hi", K: intp(3)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	got := []string{resp.References[0].ChunkID, resp.References[1].ChunkID, resp.References[2].ChunkID}
	want := []string{"m1", "z1", "a1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got order %v, want %v", got, want)
		}
	}
}

func TestQueryAppendsChatExchange(t *testing.T) {
	f := newQueryFixture(t)
	f.seedEngine(t, false)
	f.seedCorpus(t)

	chat := &models.UserChat{
		ID:     "chat-1",
		UserID: "u1",
		Entries: []models.ChatEntry{
			models.HumanText("Earlier question"),
			models.AIText("Earlier answer"),
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := f.store.CreateChat(context.Background(), chat); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	resp, err := f.ex.Query(context.Background(), "eng-1", &models.QueryRequest{
		Prompt: "What changed?",
		K:      intp(1),
		ChatID: "chat-1",
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	sent := (*f.prompts)[0]
	if !strings.Contains(sent, "Human: Earlier question\nAI: Earlier answer") {
		t.Errorf("prompt missing labeled history:\n%s", sent)
	}

	updated, err := f.store.GetChat(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if len(updated.Entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(updated.Entries))
	}
	tail := updated.Entries[2:]
	if tail[0].Kind != models.EntryHumanText || tail[0].Text != "What changed?" {
		t.Errorf("entry 3 = %+v, want the human prompt", tail[0])
	}
	if tail[1].Kind != models.EntryAIText || tail[1].Text != resp.Text {
		t.Errorf("entry 4 = %+v, want the assistant answer", tail[1])
	}
	if tail[2].Kind != models.EntryQueryRefs || len(tail[2].References) != len(resp.References) {
		t.Errorf("entry 5 = %+v, want the references", tail[2])
	}
}

func TestQueryEmbeddingCache(t *testing.T) {
	f := newQueryFixture(t)
	f.seedEngine(t, false)
	f.seedCorpus(t)

	for i := 0; i < 3; i++ {
		if _, err := f.ex.Query(context.Background(), "eng-1", &models.QueryRequest{Prompt: "same prompt"}); err != nil {
			t.Fatalf("Query %d: %v", i, err)
		}
	}
	if got := f.emb.callCount(); got != 1 {
		t.Errorf("embedder called %d times, want 1 (cache hits after)", got)
	}
}

func TestQueryEmptyEngine(t *testing.T) {
	f := newQueryFixture(t)
	engine := f.seedEngine(t, false)
	engine.EmptyIndex = true
	if err := f.store.UpdateEngine(context.Background(), engine); err != nil {
		t.Fatalf("update engine: %v", err)
	}

	resp, err := f.ex.Query(context.Background(), "eng-1", &models.QueryRequest{Prompt: "anything there?"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(resp.References) != 0 {
		t.Errorf("empty engine returned %d references", len(resp.References))
	}
	if f.emb.callCount() != 0 {
		t.Error("empty engine still embedded the prompt")
	}
	if resp.Text != "the answer" {
		t.Errorf("got %q, want the llm answer", resp.Text)
	}
}

func TestQueryPromptBudget(t *testing.T) {
	f := newQueryFixture(t)
	f.seedEngine(t, false)
	f.seedCorpus(t)

	// Exactly the budget is accepted.
	atLimit := strings.Repeat("a", MaxPromptTokens*4)
	if _, err := f.ex.Query(context.Background(), "eng-1", &models.QueryRequest{Prompt: atLimit, K: intp(0)}); err != nil {
		t.Fatalf("prompt at limit rejected: %v", err)
	}

	over := strings.Repeat("a", MaxPromptTokens*4+4)
	_, err := f.ex.Query(context.Background(), "eng-1", &models.QueryRequest{Prompt: over, K: intp(0)})
	if !faults.IsCode(err, faults.Validation) {
		t.Fatalf("got %v, want VALIDATION", err)
	}

	_, err = f.ex.Query(context.Background(), "eng-1", &models.QueryRequest{Prompt: "   "})
	if !faults.IsCode(err, faults.Validation) {
		t.Fatalf("blank prompt: got %v, want VALIDATION", err)
	}
}

func TestQueryMultimodalFacetDedup(t *testing.T) {
	f := newQueryFixture(t)
	f.seedEngine(t, true)
	f.seedSource(t, "src-a", "https://example.com/a")

	f.seedChunk(t, models.Chunk{ID: "c1", SourceID: "src-a", Ordinal: 0, Text: "diagram", ImagePath: "eng-1/abc-diagram.png"}, []float32{1, 0, 0})
	rec := []models.VectorRecord{{ID: "c1#img", Values: []float32{1, 0.1, 0}}}
	if err := f.vectors.Upsert(context.Background(), "eng-1", rec); err != nil {
		t.Fatalf("upsert image facet: %v", err)
	}

	resp, err := f.ex.Query(context.Background(), "eng-1", &models.QueryRequest{Prompt: "show the diagram", K: intp(1)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(resp.References) != 1 {
		t.Fatalf("got %d references, want 1 after facet dedup", len(resp.References))
	}
	ref := resp.References[0]
	if ref.ChunkID != "c1" {
		t.Errorf("got chunk %s, want c1", ref.ChunkID)
	}
	if ref.ImageURL == "" {
		t.Error("image reference missing image url")
	}
	if ref.Score != 1.0 {
		t.Errorf("got score %v, want the best facet's 1.0", ref.Score)
	}
}
