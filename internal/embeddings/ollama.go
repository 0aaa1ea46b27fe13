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

// OllamaDriver embeds text through a local Ollama instance. Supports
// nomic-embed-text (768d), mxbai-embed-large (1024d), all-minilm (384d).
type OllamaDriver struct {
	endpoint string // e.g. http://localhost:11434
	client   *http.Client
}

// NewOllamaDriver creates an Ollama embedding driver.
func NewOllamaDriver(endpoint string) *OllamaDriver {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &OllamaDriver{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (d *OllamaDriver) Kind() string { return "ollama" }

func (d *OllamaDriver) Dimension(model string) int {
	switch model {
	case "mxbai-embed-large":
		return 1024
	case "all-minilm", "all-minilm:l6-v2":
		return 384
	default:
		return 768
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed generates vectors via /api/embed, which batches natively.
func (d *OllamaDriver) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.EmbeddingUnavailable, "ollama embed request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.EmbeddingUnavailable, "read ollama response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, faults.Errorf(faults.EmbeddingUnavailable, "ollama embed API returned %d: %s", resp.StatusCode, respBody)
	}

	var result ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, faults.Wrap(faults.EmbeddingUnavailable, "unmarshal ollama response", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, faults.Errorf(faults.EmbeddingUnavailable, "ollama returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

// EmbedQuery vectors a single search prompt.
func (d *OllamaDriver) EmbedQuery(ctx context.Context, model, text string) ([]float32, error) {
	vecs, err := d.Embed(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
