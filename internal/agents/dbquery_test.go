package agents

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/llm"
	"github.com/groundplane/groundplane/internal/objectstore"
	"github.com/groundplane/groundplane/pkg/models"
)

// stubQuerier returns a canned table and records the SQL it was given.
type stubQuerier struct {
	schema string
	result *models.TableResult
	gotSQL string
}

func (s *stubQuerier) Schema(context.Context) (string, error) { return s.schema, nil }

func (s *stubQuerier) Query(_ context.Context, sql string) (*models.TableResult, error) {
	s.gotSQL = sql
	out := *s.result
	return &out, nil
}

func newDBAgent(t *testing.T, reply string, q DataQuerier) *DBQueryAgent {
	t.Helper()
	stub := &llm.Stub{Reply: func(*models.GenRequest) (string, error) { return reply, nil }}
	d, ok := NewCatalog().Get("db")
	if !ok {
		t.Fatalf("db agent not in catalog")
	}
	return NewDBQueryAgent(d, stub, q, objectstore.NewMemory(), "test-model")
}

func dbInput(prompt string) Input {
	d, _ := NewCatalog().Get("db")
	return Input{Prompt: prompt, UserID: "u-1", Decl: d}
}

func TestDBQueryRunsSelect(t *testing.T) {
	q := &stubQuerier{
		schema: "orders(id integer, total numeric)",
		result: &models.TableResult{
			Columns: []string{"id", "total"},
			Rows:    [][]string{{"1", "9.50"}, {"2", "12.00"}},
		},
	}
	a := newDBAgent(t, "```sql\nSELECT id, total FROM orders;\n```", q)

	out, err := a.Run(context.Background(), dbInput("List the orders with totals"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if q.gotSQL != "SELECT id, total FROM orders" {
		t.Fatalf("executed SQL = %q, want unfenced statement without semicolon", q.gotSQL)
	}
	if out.Table == nil || len(out.Table.Rows) != 2 {
		t.Fatalf("table = %+v, want 2 rows", out.Table)
	}
	if out.Table.SQL != q.gotSQL {
		t.Fatalf("Table.SQL = %q, want %q", out.Table.SQL, q.gotSQL)
	}
	if !strings.HasPrefix(out.Table.SpreadsheetURL, "mem://exports/") {
		t.Fatalf("SpreadsheetURL = %q, want an exports object", out.Table.SpreadsheetURL)
	}
}

func TestDBQueryExportSurvivesObjectStoreLoss(t *testing.T) {
	// Unreachable object store: the table still comes back, without a URL.
	q := &stubQuerier{result: &models.TableResult{Columns: []string{"n"}, Rows: [][]string{{"1"}}}}
	stub := &llm.Stub{Reply: func(*models.GenRequest) (string, error) { return "SELECT n FROM t", nil }}
	d, _ := NewCatalog().Get("db")
	a := NewDBQueryAgent(d, stub, q, failingObjects{}, "test-model")

	out, err := a.Run(context.Background(), dbInput("count"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Table == nil || out.Table.SpreadsheetURL != "" {
		t.Fatalf("table = %+v, want result without spreadsheet URL", out.Table)
	}
}

func TestDBQueryRejectsUnsafeSQL(t *testing.T) {
	cases := []struct {
		name  string
		reply string
	}{
		{"delete", "DELETE FROM orders"},
		{"drop", "DROP TABLE orders"},
		{"multiple statements", "SELECT 1; SELECT 2"},
		{"comment smuggling", "SELECT 1 -- AND more"},
		{"block comment", "SELECT /* hidden */ 1"},
		{"locking select", "SELECT * FROM orders FOR UPDATE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := &stubQuerier{result: &models.TableResult{}}
			a := newDBAgent(t, tc.reply, q)

			_, err := a.Run(context.Background(), dbInput("anything"))
			if !faults.IsCode(err, faults.Validation) {
				t.Fatalf("code = %v, want %v", faults.CodeOf(err), faults.Validation)
			}
			if q.gotSQL != "" {
				t.Fatalf("rejected SQL reached the dataset: %q", q.gotSQL)
			}
		})
	}
}

func TestDBQueryAcceptsCTE(t *testing.T) {
	q := &stubQuerier{result: &models.TableResult{Columns: []string{"n"}}}
	a := newDBAgent(t, "WITH recent AS (SELECT 1 AS n) SELECT n FROM recent", q)

	if _, err := a.Run(context.Background(), dbInput("anything")); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestDBQueryEmptyReply(t *testing.T) {
	a := newDBAgent(t, "   ", &stubQuerier{result: &models.TableResult{}})

	_, err := a.Run(context.Background(), dbInput("anything"))
	if !faults.IsCode(err, faults.LLMContentRejected) {
		t.Fatalf("code = %v, want %v", faults.CodeOf(err), faults.LLMContentRejected)
	}
}

func TestExtractSQL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT 1;", "SELECT 1"},
		{"```sql\nSELECT a FROM b\n```", "SELECT a FROM b"},
		{"```\nSELECT a FROM b;\n```", "SELECT a FROM b"},
		{"  SELECT a\nFROM b  ", "SELECT a\nFROM b"},
	}
	for _, tc := range cases {
		if got := extractSQL(tc.in); got != tc.want {
			t.Fatalf("extractSQL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// failingObjects rejects every operation.
type failingObjects struct{}

func (failingObjects) Put(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("object store down")
}

func (failingObjects) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("object store down")
}

func (failingObjects) List(context.Context, string) ([]string, error) {
	return nil, errors.New("object store down")
}

func (failingObjects) Delete(context.Context, string) error { return errors.New("object store down") }

func (failingObjects) DeleteAll(context.Context, string) (int, error) {
	return 0, errors.New("object store down")
}
