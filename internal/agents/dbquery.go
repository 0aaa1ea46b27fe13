package agents

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/objectstore"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
)

const sqlSystem = `You are an agent that answers questions by querying a PostgreSQL
dataset. Given the schema and a question, reply with exactly one SQL
SELECT statement and nothing else. Rules:
  - one statement, SELECT only
  - never modify data or schema
  - select only the columns the question needs
  - return at most 1000 rows`

// DBQueryAgent translates a question into one read-only SQL statement,
// runs it, and exports the result as a spreadsheet.
type DBQueryAgent struct {
	decl
	llm     contracts.LLMClient
	data    DataQuerier
	objects contracts.ObjectStore
	model   string
}

// NewDBQueryAgent builds the db variant.
func NewDBQueryAgent(d models.Agent, llm contracts.LLMClient, data DataQuerier, objects contracts.ObjectStore, model string) *DBQueryAgent {
	if d.Model != "" {
		model = d.Model
	}
	return &DBQueryAgent{decl: decl{d}, llm: llm, data: data, objects: objects, model: model}
}

func (a *DBQueryAgent) Run(ctx context.Context, in Input) (*Output, error) {
	schema, err := a.data.Schema(ctx)
	if err != nil {
		// The model can still guess table names from the question.
		log.Warn().Err(err).Msg("dataset schema introspection failed")
	}

	model := a.model
	if in.Model != "" {
		model = in.Model
	}
	resp, err := a.llm.Generate(ctx, &models.GenRequest{
		Model:  model,
		System: sqlSystem,
		Prompt: fmt.Sprintf("Schema:\n%s\n\nQuestion: %s\nSQL:", schema, in.Prompt),
	})
	if err != nil {
		return nil, err
	}

	sqlText := extractSQL(resp.Text)
	if err := validateSQL(sqlText); err != nil {
		return nil, err
	}

	table, err := a.data.Query(ctx, sqlText)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "execute dataset query", err)
	}
	table.SQL = sqlText
	a.export(ctx, table)

	return &Output{Table: table}, nil
}

// export writes the result as CSV and records its URL on the table. The
// spreadsheet is a side-effect; losing it keeps the tabular answer intact.
func (a *DBQueryAgent) export(ctx context.Context, table *models.TableResult) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(table.Columns); err != nil {
		log.Warn().Err(err).Msg("render csv export")
		return
	}
	if err := w.WriteAll(table.Rows); err != nil {
		log.Warn().Err(err).Msg("render csv export")
		return
	}

	url, err := a.objects.Put(ctx, objectstore.ExportKey(uuid.NewString()), "text/csv", &buf)
	if err != nil {
		log.Warn().Err(err).Msg("upload csv export")
		return
	}
	table.SpreadsheetURL = url
}

// ── SQL guardrails ──────────────────────────────────────────

var (
	codeFence = regexp.MustCompile("(?s)```(?:sql)?\\s*(.*?)```")

	// Statements that touch data or session state. Word-boundary match,
	// case-insensitive, applied to the whole statement.
	forbiddenSQL = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|grant|revoke|copy|merge|vacuum|lock|call|do|execute|set|reset|listen|notify|prepare|deallocate)\b`)
)

// extractSQL pulls the statement out of a model reply, unwrapping a code
// fence when present.
func extractSQL(reply string) string {
	if m := codeFence.FindStringSubmatch(reply); m != nil {
		reply = m[1]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(reply), ";"))
}

// validateSQL admits exactly one read-only SELECT statement.
func validateSQL(sqlText string) error {
	if sqlText == "" {
		return faults.New(faults.LLMContentRejected, "model did not produce a SQL statement")
	}
	if strings.Contains(sqlText, ";") {
		return faults.New(faults.Validation, "generated SQL rejected: multiple statements")
	}
	if strings.Contains(sqlText, "--") || strings.Contains(sqlText, "/*") {
		return faults.New(faults.Validation, "generated SQL rejected: comments are not allowed")
	}
	head := strings.ToLower(strings.Fields(sqlText)[0])
	if head != "select" && head != "with" {
		return faults.Errorf(faults.Validation, "generated SQL rejected: %s is not a SELECT", strings.ToUpper(head))
	}
	if m := forbiddenSQL.FindString(sqlText); m != "" {
		return faults.Errorf(faults.Validation, "generated SQL rejected: forbidden keyword %s", strings.ToUpper(m))
	}
	return nil
}
