package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/groundplane/groundplane/internal/faults"
)

// OpenAIDriver embeds text through OpenAI's embeddings API. Supports
// text-embedding-3-small (1536d), text-embedding-3-large (3072d) and
// text-embedding-ada-002 (1536d).
type OpenAIDriver struct {
	apiKey   string
	endpoint string // defaults to https://api.openai.com/v1/embeddings
	client   *http.Client
}

// OpenAIOption configures the OpenAI driver.
type OpenAIOption func(*OpenAIDriver)

// WithOpenAIEndpoint sets a custom API endpoint (e.g. for proxies).
func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(d *OpenAIDriver) { d.endpoint = endpoint }
}

// WithOpenAIHTTPClient replaces the transport.
func WithOpenAIHTTPClient(client *http.Client) OpenAIOption {
	return func(d *OpenAIDriver) { d.client = client }
}

// NewOpenAIDriver creates an OpenAI embedding driver.
func NewOpenAIDriver(apiKey string, opts ...OpenAIOption) *OpenAIDriver {
	d := &OpenAIDriver{
		apiKey:   apiKey,
		endpoint: "https://api.openai.com/v1/embeddings",
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *OpenAIDriver) Kind() string { return "openai" }

func (d *OpenAIDriver) Dimension(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

type openAIEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIEmbedResponse struct {
	Data  []openAIEmbedData `json:"data"`
	Error *openAIError      `json:"error,omitempty"`
}

type openAIEmbedData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Embed generates vectors for a batch of texts, aligned 1:1 with the
// input. The API may answer out of order; entries are re-seated by index.
func (d *OpenAIDriver) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(openAIEmbedRequest{Input: texts, Model: model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.EmbeddingUnavailable, "openai embeddings request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.EmbeddingUnavailable, "read openai response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, faults.Errorf(faults.EmbeddingRateLimited, "openai embeddings API returned 429")
	case resp.StatusCode == http.StatusBadRequest:
		return nil, faults.Errorf(faults.EmbeddingInvalidInput, "openai embeddings API returned 400: %s", respBody)
	default:
		return nil, faults.Errorf(faults.EmbeddingUnavailable, "openai embeddings API returned %d: %s", resp.StatusCode, respBody)
	}

	var result openAIEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, faults.Wrap(faults.EmbeddingUnavailable, "unmarshal openai response", err)
	}
	if result.Error != nil {
		return nil, faults.Errorf(faults.EmbeddingUnavailable, "openai error: %s (%s)", result.Error.Message, result.Error.Type)
	}
	if len(result.Data) != len(texts) {
		return nil, faults.Errorf(faults.EmbeddingUnavailable, "openai returned %d embeddings for %d texts", len(result.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range result.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, faults.Errorf(faults.EmbeddingUnavailable, "openai returned out-of-range index %d", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

// EmbedQuery vectors a single search prompt.
func (d *OpenAIDriver) EmbedQuery(ctx context.Context, model, text string) ([]float32, error) {
	vecs, err := d.Embed(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
