package retention

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/groundplane/groundplane/internal/objectstore"
	"github.com/groundplane/groundplane/internal/store"
	"github.com/groundplane/groundplane/internal/vectorstore"
	"github.com/groundplane/groundplane/pkg/models"
)

type fixture struct {
	st      *store.MemoryStore
	vectors *vectorstore.Registry
	vdriver *vectorstore.MemoryStore
	objects *objectstore.MemoryStore
	janitor *Janitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	vdriver := vectorstore.NewMemoryStore()
	vectors := vectorstore.NewRegistry()
	vectors.Register("memory", vdriver)
	objects := objectstore.NewMemory()

	return &fixture{
		st:      st,
		vectors: vectors,
		vdriver: vdriver,
		objects: objects,
		janitor: NewJanitor(st, vectors, objects, time.Hour),
	}
}

// seedEngine creates an engine with one source, two chunks, a vector index
// and one staged object.
func (f *fixture) seedEngine(t *testing.T, id string, state models.EngineState) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	err := f.st.CreateEngine(ctx, &models.QueryEngine{
		ID: id, Name: id, EmbeddingModel: "text-embedding-004", VectorStore: "memory",
		State: state, SourceURL: "https://example.com", CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed engine: %v", err)
	}

	err = f.st.CreateSource(ctx, &models.SourceFile{
		ID: id + "-src", EngineID: id, Name: "page.html",
		SourceURL: "https://example.com", ContentHash: "abc", CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}

	err = f.st.CreateChunks(ctx, []models.Chunk{
		{ID: id + "-c1", EngineID: id, SourceID: id + "-src", Ordinal: 0, Text: "one", CreatedAt: now},
		{ID: id + "-c2", EngineID: id, SourceID: id + "-src", Ordinal: 1, Text: "two", CreatedAt: now},
	})
	if err != nil {
		t.Fatalf("seed chunks: %v", err)
	}

	if err := f.vdriver.CreateIndex(ctx, id, 3, models.MetricCosine); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	err = f.vdriver.Upsert(ctx, id, []models.VectorRecord{
		{ID: id + "-c1", Values: []float32{1, 0, 0}},
		{ID: id + "-c2", Values: []float32{0, 1, 0}},
	})
	if err != nil {
		t.Fatalf("seed vectors: %v", err)
	}

	key := objectstore.StagingKey(id, "abc", "page.html")
	if _, err := f.objects.Put(ctx, key, "text/html", strings.NewReader("<html/>")); err != nil {
		t.Fatalf("seed object: %v", err)
	}
}

func TestSweepPurgesArchivedEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEngine(t, "eng-old", models.EngineArchived)
	f.seedEngine(t, "eng-live", models.EngineReady)

	stats := f.janitor.Sweep(ctx)

	if len(stats.Errors) != 0 {
		t.Fatalf("errors = %v, want none", stats.Errors)
	}
	if stats.EnginesPurged != 1 {
		t.Fatalf("engines purged = %d, want 1", stats.EnginesPurged)
	}
	if stats.ChunksPurged != 2 || stats.SourcesPurged != 1 {
		t.Fatalf("purged chunks=%d sources=%d, want 2 and 1", stats.ChunksPurged, stats.SourcesPurged)
	}

	if _, err := f.st.GetEngine(ctx, "eng-old"); err == nil {
		t.Fatal("archived engine record should be gone")
	}
	if n := f.vdriver.Count("eng-old"); n != 0 {
		t.Fatalf("vector index still holds %d records", n)
	}
	keys, err := f.objects.List(ctx, objectstore.EnginePrefix("eng-old"))
	if err != nil {
		t.Fatalf("list objects: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("staged objects remain: %v", keys)
	}

	// The live engine is untouched.
	if _, err := f.st.GetEngine(ctx, "eng-live"); err != nil {
		t.Fatalf("live engine should survive: %v", err)
	}
	if n, _ := f.st.CountChunks(ctx, "eng-live"); n != 2 {
		t.Fatalf("live engine chunks = %d, want 2", n)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEngine(t, "eng-old", models.EngineArchived)

	f.janitor.Sweep(ctx)
	stats := f.janitor.Sweep(ctx)

	if len(stats.Errors) != 0 {
		t.Fatalf("errors = %v, want none", stats.Errors)
	}
	if stats.EnginesPurged != 0 || stats.ChunksPurged != 0 {
		t.Fatalf("second sweep purged engines=%d chunks=%d, want zero", stats.EnginesPurged, stats.ChunksPurged)
	}
}

func TestSweepKeepsEngineWhenBackendMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := f.st.CreateEngine(ctx, &models.QueryEngine{
		ID: "eng-ghost", Name: "ghost", EmbeddingModel: "text-embedding-004",
		VectorStore: "pinecone", State: models.EngineArchived,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed engine: %v", err)
	}

	stats := f.janitor.Sweep(ctx)

	if len(stats.Errors) == 0 {
		t.Fatal("want an error for the missing backend")
	}
	if stats.EnginesPurged != 0 {
		t.Fatalf("engines purged = %d, want 0", stats.EnginesPurged)
	}
	// Fail-safe: the record survives for the next cycle.
	if _, err := f.st.GetEngine(ctx, "eng-ghost"); err != nil {
		t.Fatalf("engine record should survive a failed cascade: %v", err)
	}
}

func TestSweepAbandonsStaleJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-48 * time.Hour)
	err := f.st.CreateJob(ctx, &models.BuildJob{
		ID: "job-stale", EngineID: "eng-1", Status: models.JobRunning, CreatedAt: stale,
	})
	if err != nil {
		t.Fatalf("seed stale job: %v", err)
	}
	err = f.st.CreateJob(ctx, &models.BuildJob{
		ID: "job-fresh", EngineID: "eng-2", Status: models.JobRunning, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed fresh job: %v", err)
	}

	stats := f.janitor.Sweep(ctx)

	if stats.JobsAbandoned != 1 {
		t.Fatalf("jobs abandoned = %d, want 1", stats.JobsAbandoned)
	}

	job, err := f.st.GetJob(ctx, "job-stale")
	if err != nil {
		t.Fatalf("get stale job: %v", err)
	}
	if job.Status != models.JobFailed {
		t.Fatalf("status = %q, want %q", job.Status, models.JobFailed)
	}
	if job.Error != "abandoned" {
		t.Fatalf("error = %q, want %q", job.Error, "abandoned")
	}
	if job.FinishedAt == nil {
		t.Fatal("finished_at should be set")
	}

	fresh, err := f.st.GetJob(ctx, "job-fresh")
	if err != nil {
		t.Fatalf("get fresh job: %v", err)
	}
	if fresh.Status != models.JobRunning {
		t.Fatalf("fresh job status = %q, want %q", fresh.Status, models.JobRunning)
	}
}
