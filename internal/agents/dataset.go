package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/groundplane/groundplane/pkg/models"
)

// maxResultRows bounds what one dataset query may return.
const maxResultRows = 1000

// DataQuerier executes read-only SQL against the configured dataset.
type DataQuerier interface {
	// Schema describes the queryable tables for prompt assembly.
	Schema(ctx context.Context) (string, error)

	// Query runs one statement and returns the columnar result, capped
	// at maxResultRows.
	Query(ctx context.Context, sql string) (*models.TableResult, error)
}

// PgxQuerier runs dataset queries on a PostgreSQL pool. Every query
// executes inside a read-only transaction, so even a statement that
// slipped past validation cannot write.
type PgxQuerier struct {
	pool *pgxpool.Pool
}

// NewPgxQuerier connects to the dataset.
func NewPgxQuerier(ctx context.Context, connURL string) (*PgxQuerier, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("dataset connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dataset ping: %w", err)
	}
	log.Info().Msg("dataset querier initialized")
	return &PgxQuerier{pool: pool}, nil
}

// Schema renders the public tables as "table(column type, ...)" lines.
func (q *PgxQuerier) Schema(ctx context.Context) (string, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return "", fmt.Errorf("introspect schema: %w", err)
	}
	defer rows.Close()

	var (
		b       strings.Builder
		current string
		first   bool
	)
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return "", fmt.Errorf("scan schema row: %w", err)
		}
		if table != current {
			if current != "" {
				b.WriteString(")\n")
			}
			b.WriteString(table)
			b.WriteString("(")
			current = table
			first = true
		}
		if !first {
			b.WriteString(", ")
		}
		b.WriteString(column)
		b.WriteString(" ")
		b.WriteString(dataType)
		first = false
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("read schema rows: %w", err)
	}
	if current != "" {
		b.WriteString(")")
	}
	return b.String(), nil
}

func (q *PgxQuerier) Query(ctx context.Context, sql string) (*models.TableResult, error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("run dataset query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	result := &models.TableResult{Columns: columns}
	for rows.Next() {
		if len(result.Rows) >= maxResultRows {
			log.Warn().Int("cap", maxResultRows).Msg("dataset result truncated")
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan dataset row: %w", err)
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read dataset rows: %w", err)
	}
	return result, nil
}

// Close releases the pool.
func (q *PgxQuerier) Close() {
	q.pool.Close()
}

// formatValue renders a scanned value for the string table.
func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

var _ DataQuerier = (*PgxQuerier)(nil)
