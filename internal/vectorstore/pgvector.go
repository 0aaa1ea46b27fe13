package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/pkg/models"
)

// PgvectorStore keeps vectors in PostgreSQL with the pgvector extension.
// Each index gets its own table, vec_<index>, because vector columns are
// fixed-width and engines choose their embedding model (and thus their
// dimension) independently. A catalogue table records which indexes
// exist and at what dimension.
type PgvectorStore struct {
	pool *pgxpool.Pool
}

// NewPgvectorStore connects to PostgreSQL and prepares the extension and
// the index catalogue.
func NewPgvectorStore(ctx context.Context, connURL string) (*PgvectorStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &PgvectorStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Msg("pgvector store initialized")
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS vector_indexes (
			index_name TEXT PRIMARY KEY,
			dimension  INT NOT NULL,
			metric     TEXT NOT NULL DEFAULT 'cosine',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorStore) Kind() string { return "pgvector" }

// CreateIndex registers the index and creates its vector table. Creating
// an existing index at the same dimension and metric is a no-op; any
// mismatch is a conflict.
func (s *PgvectorStore) CreateIndex(ctx context.Context, index string, dimension int, metric models.DistanceMetric) error {
	if dimension <= 0 {
		return faults.Errorf(faults.Validation, "index %s: dimension %d", index, dimension)
	}
	if !metric.Valid() {
		return faults.Errorf(faults.Validation, "index %s: unknown metric %q", index, metric)
	}
	metric = metric.Normalize()

	var (
		existingDim    int
		existingMetric string
	)
	err := s.pool.QueryRow(ctx, `SELECT dimension, metric FROM vector_indexes WHERE index_name = $1`, index).Scan(&existingDim, &existingMetric)
	switch {
	case err == nil:
		if existingDim != dimension {
			return faults.Errorf(faults.Conflict, "index %s exists with dimension %d, requested %d", index, existingDim, dimension)
		}
		if existingMetric != string(metric) {
			return faults.Errorf(faults.Conflict, "index %s exists with metric %s, requested %s", index, existingMetric, metric)
		}
		return nil
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return mapPgErr("inspect index", err)
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`, tableName(index), dimension)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return mapPgErr("create index table", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO vector_indexes (index_name, dimension, metric) VALUES ($1, $2, $3) ON CONFLICT (index_name) DO NOTHING`,
		index, dimension, string(metric)); err != nil {
		return mapPgErr("register index", err)
	}
	return nil
}

// Upsert writes records idempotently by id, overwriting prior vectors.
func (s *PgvectorStore) Upsert(ctx context.Context, index string, records []models.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s (id, embedding) VALUES `, tableName(index))
	args := make([]interface{}, 0, len(records)*2)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*2 + 1
		fmt.Fprintf(&sb, "($%d, $%d)", base, base+1)
		args = append(args, rec.ID, vectorLiteral(rec.Values))
	}
	sb.WriteString(` ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding`)

	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return mapPgErr("pgvector upsert", err)
	}
	return nil
}

// Query returns the k nearest records under the metric the index was
// created with, scores normalized so higher is better. Ties break on id
// for stable output.
func (s *PgvectorStore) Query(ctx context.Context, index string, vector []float32, k int) ([]models.VectorHit, error) {
	if k <= 0 {
		return nil, nil
	}

	var metric string
	err := s.pool.QueryRow(ctx, `SELECT metric FROM vector_indexes WHERE index_name = $1`, index).Scan(&metric)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.Errorf(faults.VectorStoreIndexMissing, "index %s does not exist", index)
	}
	if err != nil {
		return nil, mapPgErr("inspect index", err)
	}

	scoreExpr, distExpr := metricSQL(models.DistanceMetric(metric))
	query := fmt.Sprintf(`
		SELECT id, %s AS score
		FROM %s
		ORDER BY %s, id
		LIMIT $2
	`, scoreExpr, tableName(index), distExpr)

	rows, err := s.pool.Query(ctx, query, vectorLiteral(vector), k)
	if err != nil {
		return nil, mapPgErr("pgvector query", err)
	}
	defer rows.Close()

	var hits []models.VectorHit
	for rows.Next() {
		var h models.VectorHit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, mapPgErr("pgvector scan", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgErr("pgvector rows", err)
	}
	return hits, nil
}

// DeleteIndex drops the index table and its catalogue row. Deleting an
// unknown index is a no-op.
func (s *PgvectorStore) DeleteIndex(ctx context.Context, index string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableName(index))); err != nil {
		return mapPgErr("drop index table", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM vector_indexes WHERE index_name = $1`, index); err != nil {
		return mapPgErr("deregister index", err)
	}
	return nil
}

func (s *PgvectorStore) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return faults.Wrap(faults.VectorStoreUnavailable, "pgvector ping", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PgvectorStore) Close() {
	s.pool.Close()
}

// metricSQL returns the score expression and the raw distance expression
// pgvector orders by. <#> yields negative inner product and <-> raw l2
// distance, so both already sort ascending; the score expression flips
// each to higher-is-better.
func metricSQL(metric models.DistanceMetric) (scoreExpr, distExpr string) {
	switch metric.Normalize() {
	case models.MetricInnerProduct:
		return `-(embedding <#> $1)`, `embedding <#> $1`
	case models.MetricL2:
		return `-(embedding <-> $1)`, `embedding <-> $1`
	default:
		return `1 - (embedding <=> $1)`, `embedding <=> $1`
	}
}

// tableName derives a safe table identifier from an index name. Index
// names are engine ids (uuids), so this only normalizes hyphens.
func tableName(index string) string {
	var sb strings.Builder
	sb.WriteString("vec_")
	for _, r := range strings.ToLower(index) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// vectorLiteral renders pgvector's text format: [0.1,0.2,0.3].
func vectorLiteral(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// mapPgErr folds pg failures into the fault taxonomy. A missing vec_*
// table means the index was never created (or already deleted).
func mapPgErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return faults.Wrap(faults.VectorStoreIndexMissing, op, err)
	}
	return faults.Wrap(faults.VectorStoreUnavailable, op, err)
}
