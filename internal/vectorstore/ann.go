package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/pkg/models"
)

// ANNStore talks to an external approximate-nearest-neighbor service
// over REST: index provisioning, upsert, query and teardown. The service
// owns recall/latency tuning; this client only moves vectors.
type ANNStore struct {
	baseURL string
	client  *http.Client
}

// NewANNStore creates a client for the ANN service at baseURL.
func NewANNStore(baseURL string) *ANNStore {
	return &ANNStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient replaces the transport, e.g. for tests.
func (s *ANNStore) WithHTTPClient(client *http.Client) *ANNStore {
	s.client = client
	return s
}

func (s *ANNStore) Kind() string { return "ann" }

type annCreateRequest struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
}

type annUpsertRequest struct {
	Records []models.VectorRecord `json:"records"`
}

type annQueryRequest struct {
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
}

type annQueryResponse struct {
	Hits []models.VectorHit `json:"hits"`
}

// CreateIndex provisions a remote index. The service records the metric
// and returns scores already normalized higher-is-better.
func (s *ANNStore) CreateIndex(ctx context.Context, index string, dimension int, metric models.DistanceMetric) error {
	if dimension <= 0 {
		return faults.Errorf(faults.Validation, "index %s: dimension %d", index, dimension)
	}
	if !metric.Valid() {
		return faults.Errorf(faults.Validation, "index %s: unknown metric %q", index, metric)
	}
	req := annCreateRequest{Name: index, Dimension: dimension, Metric: string(metric.Normalize())}
	return s.do(ctx, http.MethodPost, "/indexes", req, nil)
}

func (s *ANNStore) Upsert(ctx context.Context, index string, records []models.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.do(ctx, http.MethodPost, "/indexes/"+url.PathEscape(index)+"/upsert", annUpsertRequest{Records: records}, nil)
}

func (s *ANNStore) Query(ctx context.Context, index string, vector []float32, k int) ([]models.VectorHit, error) {
	if k <= 0 {
		return nil, nil
	}
	var resp annQueryResponse
	err := s.do(ctx, http.MethodPost, "/indexes/"+url.PathEscape(index)+"/query", annQueryRequest{Vector: vector, K: k}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Hits, nil
}

// DeleteIndex removes the index. Deleting an unknown index is a no-op.
func (s *ANNStore) DeleteIndex(ctx context.Context, index string) error {
	err := s.do(ctx, http.MethodDelete, "/indexes/"+url.PathEscape(index), nil, nil)
	if faults.IsCode(err, faults.VectorStoreIndexMissing) {
		return nil
	}
	return err
}

func (s *ANNStore) HealthCheck(ctx context.Context) error {
	return s.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (s *ANNStore) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return faults.Wrap(faults.VectorStoreUnavailable, "ann "+method+" "+path, err)
	}
	defer resp.Body.Close()

	if err := annStatus(method+" "+path, resp.StatusCode); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return faults.Wrap(faults.VectorStoreUnavailable, "decode ann response", err)
		}
	}
	return nil
}

func annStatus(op string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return faults.Errorf(faults.VectorStoreIndexMissing, "ann %s: status %d", op, code)
	case code == http.StatusConflict:
		return faults.Errorf(faults.Conflict, "ann %s: status %d", op, code)
	case code == http.StatusBadRequest:
		return faults.Errorf(faults.Validation, "ann %s: status %d", op, code)
	default:
		return faults.Errorf(faults.VectorStoreUnavailable, "ann %s: status %d", op, code)
	}
}
