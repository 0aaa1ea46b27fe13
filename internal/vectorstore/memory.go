package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/pkg/models"
)

// DefaultMaxVectors caps the memory store at 50K vectors across all
// indexes. Exceeding it triggers an error nudging users to a real
// backend.
const DefaultMaxVectors = 50_000

// MemoryStore is an in-memory vector store using brute-force scoring.
// Suitable for development and small corpora; production engines should
// build on pgvector or the ANN service.
type MemoryStore struct {
	mu         sync.RWMutex
	indexes    map[string]*memIndex
	maxVectors int
}

type memIndex struct {
	dimension int
	metric    models.DistanceMetric
	recs      map[string][]float32
}

// MemoryOption configures the memory store.
type MemoryOption func(*MemoryStore)

// WithMaxVectors sets the total vector cap (default 50K).
func WithMaxVectors(max int) MemoryOption {
	return func(s *MemoryStore) { s.maxVectors = max }
}

// NewMemoryStore creates an in-memory vector store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		indexes:    make(map[string]*memIndex),
		maxVectors: DefaultMaxVectors,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Kind() string { return "memory" }

func (s *MemoryStore) CreateIndex(_ context.Context, index string, dimension int, metric models.DistanceMetric) error {
	if dimension <= 0 {
		return faults.Errorf(faults.Validation, "index %s: dimension %d", index, dimension)
	}
	if !metric.Valid() {
		return faults.Errorf(faults.Validation, "index %s: unknown metric %q", index, metric)
	}
	metric = metric.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.indexes[index]; ok {
		if existing.dimension != dimension {
			return faults.Errorf(faults.Conflict, "index %s exists with dimension %d, requested %d", index, existing.dimension, dimension)
		}
		if existing.metric != metric {
			return faults.Errorf(faults.Conflict, "index %s exists with metric %s, requested %s", index, existing.metric, metric)
		}
		return nil
	}
	s.indexes[index] = &memIndex{
		dimension: dimension,
		metric:    metric,
		recs:      make(map[string][]float32),
	}
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, index string, records []models.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[index]
	if !ok {
		return faults.Errorf(faults.VectorStoreIndexMissing, "index %s does not exist", index)
	}

	newCount := 0
	for _, rec := range records {
		if _, exists := idx.recs[rec.ID]; !exists {
			newCount++
		}
	}
	total := s.count() + newCount
	if total > s.maxVectors {
		return faults.Errorf(faults.VectorStoreUnavailable, "memory vector store capacity exceeded: %d > %d", total, s.maxVectors)
	}
	if total > int(float64(s.maxVectors)*0.9) {
		log.Warn().Int("count", total).Int("max", s.maxVectors).Msg("memory vector store nearing capacity")
	}

	for _, rec := range records {
		if len(rec.Values) != idx.dimension {
			return faults.Errorf(faults.Validation, "record %s has %d dimensions, index %s wants %d", rec.ID, len(rec.Values), index, idx.dimension)
		}
		cp := make([]float32, len(rec.Values))
		copy(cp, rec.Values)
		idx.recs[rec.ID] = cp
	}
	return nil
}

// Query returns the k best-scoring records under the index's metric,
// higher score first. Ties break on id for stable output.
func (s *MemoryStore) Query(_ context.Context, index string, vector []float32, k int) ([]models.VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[index]
	if !ok {
		return nil, faults.Errorf(faults.VectorStoreIndexMissing, "index %s does not exist", index)
	}
	if k <= 0 {
		return nil, nil
	}

	hits := make([]models.VectorHit, 0, len(idx.recs))
	for id, values := range idx.recs {
		if len(values) != len(vector) {
			continue
		}
		hits = append(hits, models.VectorHit{ID: id, Score: score(idx.metric, vector, values)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k], nil
}

func (s *MemoryStore) DeleteIndex(_ context.Context, index string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indexes, index)
	return nil
}

func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil // always healthy, it's in-memory
}

// Count reports how many vectors an index holds.
func (s *MemoryStore) Count(index string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx, ok := s.indexes[index]; ok {
		return len(idx.recs)
	}
	return 0
}

// count sums vectors across indexes. Caller holds the lock.
func (s *MemoryStore) count() int {
	total := 0
	for _, idx := range s.indexes {
		total += len(idx.recs)
	}
	return total
}

// score applies the index metric, higher is better. L2 distance is
// negated so the convention holds across metrics.
func score(metric models.DistanceMetric, a, b []float32) float64 {
	switch metric {
	case models.MetricInnerProduct:
		return dotProduct(a, b)
	case models.MetricL2:
		return -l2Distance(a, b)
	default:
		return cosineSimilarity(a, b)
	}
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func dotProduct(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
