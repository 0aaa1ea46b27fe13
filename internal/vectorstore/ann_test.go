package vectorstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/pkg/models"
)

func TestANNRoundTrip(t *testing.T) {
	var createBody, upsertBody, queryBody []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/indexes", func(w http.ResponseWriter, r *http.Request) {
		createBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/indexes/eng-1/upsert", func(w http.ResponseWriter, r *http.Request) {
		upsertBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/indexes/eng-1/query", func(w http.ResponseWriter, r *http.Request) {
		queryBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"hits":[{"id":"c1","score":0.97},{"id":"c2","score":0.91}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewANNStore(srv.URL).WithHTTPClient(srv.Client())
	ctx := context.Background()

	if err := s.CreateIndex(ctx, "eng-1", 768, ""); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	var created annCreateRequest
	if err := json.Unmarshal(createBody, &created); err != nil {
		t.Fatalf("unmarshal create body: %v", err)
	}
	if created.Name != "eng-1" || created.Dimension != 768 || created.Metric != "cosine" {
		t.Errorf("create request = %+v", created)
	}

	err := s.Upsert(ctx, "eng-1", []models.VectorRecord{{ID: "c1", Values: []float32{0.5, 0.5}}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	var upserted annUpsertRequest
	if err := json.Unmarshal(upsertBody, &upserted); err != nil {
		t.Fatalf("unmarshal upsert body: %v", err)
	}
	if len(upserted.Records) != 1 || upserted.Records[0].ID != "c1" {
		t.Errorf("upsert request = %+v", upserted)
	}

	hits, err := s.Query(ctx, "eng-1", []float32{0.5, 0.5}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	var queried annQueryRequest
	if err := json.Unmarshal(queryBody, &queried); err != nil {
		t.Fatalf("unmarshal query body: %v", err)
	}
	if queried.K != 2 || len(queried.Vector) != 2 {
		t.Errorf("query request = %+v", queried)
	}
	if len(hits) != 2 || hits[0].ID != "c1" || hits[0].Score != 0.97 {
		t.Errorf("hits = %+v", hits)
	}
}

func TestANNIndexMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := NewANNStore(srv.URL).WithHTTPClient(srv.Client())
	ctx := context.Background()

	err := s.Upsert(ctx, "ghost", []models.VectorRecord{{ID: "x", Values: []float32{1}}})
	if !faults.IsCode(err, faults.VectorStoreIndexMissing) {
		t.Errorf("upsert err = %v, want VECTOR_STORE_INDEX_MISSING", err)
	}
	if _, err := s.Query(ctx, "ghost", []float32{1}, 1); !faults.IsCode(err, faults.VectorStoreIndexMissing) {
		t.Errorf("query err = %v, want VECTOR_STORE_INDEX_MISSING", err)
	}

	// Deleting an index that is already gone is not an error.
	if err := s.DeleteIndex(ctx, "ghost"); err != nil {
		t.Errorf("DeleteIndex err = %v, want nil", err)
	}
}

func TestANNServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewANNStore(srv.URL).WithHTTPClient(srv.Client())
	if err := s.HealthCheck(context.Background()); !faults.IsCode(err, faults.VectorStoreUnavailable) {
		t.Errorf("err = %v, want VECTOR_STORE_UNAVAILABLE", err)
	}
}

func TestANNCreateConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	s := NewANNStore(srv.URL).WithHTTPClient(srv.Client())
	if err := s.CreateIndex(context.Background(), "dup", 8, models.MetricCosine); !faults.IsCode(err, faults.Conflict) {
		t.Errorf("err = %v, want CONFLICT", err)
	}
}
