package vectorstore

import (
	"context"
	"math"
	"testing"

	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/pkg/models"
)

func TestMemoryUpsertAndQuery(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateIndex(ctx, "idx", 3, models.MetricCosine); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	err := s.Upsert(ctx, "idx", []models.VectorRecord{
		{ID: "a", Values: []float32{1, 0, 0}},
		{ID: "b", Values: []float32{0, 1, 0}},
		{ID: "c", Values: []float32{0.9, 0.1, 0}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits, err := s.Query(ctx, "idx", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ID != "a" || hits[1].ID != "c" {
		t.Errorf("hit order = %s, %s, want a, c", hits[0].ID, hits[1].ID)
	}
	if math.Abs(hits[0].Score-1.0) > 1e-6 {
		t.Errorf("exact match score = %v, want 1.0", hits[0].Score)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("scores not descending: %v then %v", hits[0].Score, hits[1].Score)
	}
}

func TestMemoryMetricScoring(t *testing.T) {
	ctx := context.Background()

	// Inner product favors magnitude: "big" points the same way as
	// "small" but scores higher. Cosine would tie them.
	s := NewMemoryStore()
	if err := s.CreateIndex(ctx, "ip", 2, models.MetricInnerProduct); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	err := s.Upsert(ctx, "ip", []models.VectorRecord{
		{ID: "small", Values: []float32{1, 0}},
		{ID: "big", Values: []float32{3, 0}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	hits, err := s.Query(ctx, "ip", []float32{2, 0}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if hits[0].ID != "big" || hits[1].ID != "small" {
		t.Errorf("inner-product order = %s, %s, want big, small", hits[0].ID, hits[1].ID)
	}
	if math.Abs(hits[0].Score-6.0) > 1e-6 {
		t.Errorf("inner-product score = %v, want 6.0", hits[0].Score)
	}

	// L2 scores are negated distances: exact match scores 0, everything
	// else negative, still sorted higher first.
	if err := s.CreateIndex(ctx, "l2", 2, models.MetricL2); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	err = s.Upsert(ctx, "l2", []models.VectorRecord{
		{ID: "near", Values: []float32{1, 1}},
		{ID: "far", Values: []float32{5, 5}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	hits, err = s.Query(ctx, "l2", []float32{1, 1}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if hits[0].ID != "near" || hits[1].ID != "far" {
		t.Errorf("l2 order = %s, %s, want near, far", hits[0].ID, hits[1].ID)
	}
	if math.Abs(hits[0].Score) > 1e-6 {
		t.Errorf("l2 exact match score = %v, want 0", hits[0].Score)
	}
	if hits[1].Score >= 0 {
		t.Errorf("l2 non-match score = %v, want negative", hits[1].Score)
	}
}

func TestMemoryQueryTieBreaksOnID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateIndex(ctx, "idx", 2, models.MetricCosine); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	err := s.Upsert(ctx, "idx", []models.VectorRecord{
		{ID: "b", Values: []float32{1, 1}},
		{ID: "a", Values: []float32{1, 1}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits, err := s.Query(ctx, "idx", []float32{1, 1}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if hits[0].ID != "a" || hits[1].ID != "b" {
		t.Errorf("tied hits = %s, %s, want a, b", hits[0].ID, hits[1].ID)
	}
}

func TestMemoryKLargerThanIndex(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateIndex(ctx, "idx", 2, models.MetricCosine); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	err := s.Upsert(ctx, "idx", []models.VectorRecord{
		{ID: "only", Values: []float32{1, 0}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits, err := s.Query(ctx, "idx", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("got %d hits, want 1", len(hits))
	}
}

func TestMemoryUpsertOverwrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateIndex(ctx, "idx", 2, models.MetricCosine); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := s.Upsert(ctx, "idx", []models.VectorRecord{{ID: "x", Values: []float32{1, 0}}}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.Upsert(ctx, "idx", []models.VectorRecord{{ID: "x", Values: []float32{0, 1}}}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if got := s.Count("idx"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	hits, err := s.Query(ctx, "idx", []float32{0, 1}, 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if math.Abs(hits[0].Score-1.0) > 1e-6 {
		t.Errorf("overwritten vector score = %v, want 1.0", hits[0].Score)
	}
}

func TestMemoryMissingIndex(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.Upsert(ctx, "nope", []models.VectorRecord{{ID: "x", Values: []float32{1}}})
	if !faults.IsCode(err, faults.VectorStoreIndexMissing) {
		t.Errorf("upsert err = %v, want VECTOR_STORE_INDEX_MISSING", err)
	}
	if _, err := s.Query(ctx, "nope", []float32{1}, 1); !faults.IsCode(err, faults.VectorStoreIndexMissing) {
		t.Errorf("query err = %v, want VECTOR_STORE_INDEX_MISSING", err)
	}
}

func TestMemoryCreateIndexConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateIndex(ctx, "idx", 3, models.MetricCosine); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := s.CreateIndex(ctx, "idx", 3, models.MetricCosine); err != nil {
		t.Errorf("same dimension recreate err = %v, want nil", err)
	}
	if err := s.CreateIndex(ctx, "idx", 3, ""); err != nil {
		t.Errorf("empty metric recreate err = %v, want nil (defaults to cosine)", err)
	}
	if err := s.CreateIndex(ctx, "idx", 4, models.MetricCosine); !faults.IsCode(err, faults.Conflict) {
		t.Errorf("different dimension err = %v, want CONFLICT", err)
	}
	if err := s.CreateIndex(ctx, "idx", 3, models.MetricL2); !faults.IsCode(err, faults.Conflict) {
		t.Errorf("different metric err = %v, want CONFLICT", err)
	}
	if err := s.CreateIndex(ctx, "other", 3, "hamming"); !faults.IsCode(err, faults.Validation) {
		t.Errorf("unknown metric err = %v, want VALIDATION", err)
	}
}

func TestMemoryDimensionMismatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateIndex(ctx, "idx", 3, models.MetricCosine); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	err := s.Upsert(ctx, "idx", []models.VectorRecord{{ID: "x", Values: []float32{1, 2}}})
	if !faults.IsCode(err, faults.Validation) {
		t.Errorf("err = %v, want VALIDATION", err)
	}
}

func TestMemoryDeleteIndex(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateIndex(ctx, "idx", 2, models.MetricCosine); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := s.DeleteIndex(ctx, "idx"); err != nil {
		t.Fatalf("DeleteIndex: %v", err)
	}
	if err := s.DeleteIndex(ctx, "idx"); err != nil {
		t.Errorf("second delete err = %v, want nil", err)
	}
	if _, err := s.Query(ctx, "idx", []float32{1, 0}, 1); !faults.IsCode(err, faults.VectorStoreIndexMissing) {
		t.Errorf("query after delete err = %v, want VECTOR_STORE_INDEX_MISSING", err)
	}
}
