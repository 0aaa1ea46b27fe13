package embeddings

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/groundplane/groundplane/internal/faults"
)

// multimodalDims is the width of the shared text/image space.
const multimodalDims = 1408

// MultimodalDriver embeds text and images into one vector space through
// a prediction endpoint (instances in, predictions out). The model is
// part of the endpoint URL, so the model argument only selects the
// dimension here.
type MultimodalDriver struct {
	endpoint string
	client   *http.Client
}

func NewMultimodalDriver(endpoint string) *MultimodalDriver {
	return &MultimodalDriver{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

// WithHTTPClient replaces the transport, e.g. for tests.
func (d *MultimodalDriver) WithHTTPClient(client *http.Client) *MultimodalDriver {
	d.client = client
	return d
}

func (d *MultimodalDriver) Kind() string { return "multimodal" }

func (d *MultimodalDriver) Dimension(string) int { return multimodalDims }

type mmInstance struct {
	Text  string   `json:"text,omitempty"`
	Image *mmImage `json:"image,omitempty"`
}

type mmImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
}

type mmRequest struct {
	Instances []mmInstance `json:"instances"`
}

type mmPrediction struct {
	TextEmbedding  []float32 `json:"textEmbedding"`
	ImageEmbedding []float32 `json:"imageEmbedding"`
}

type mmResponse struct {
	Predictions []mmPrediction `json:"predictions"`
}

// Embed vectors a batch of texts through the text facet.
func (d *MultimodalDriver) Embed(ctx context.Context, _ string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	instances := make([]mmInstance, len(texts))
	for i, t := range texts {
		instances[i] = mmInstance{Text: t}
	}
	preds, err := d.predict(ctx, instances)
	if err != nil {
		return nil, err
	}
	vecs := make([][]float32, len(texts))
	for i, p := range preds {
		if len(p.TextEmbedding) == 0 {
			return nil, faults.Errorf(faults.EmbeddingInvalidInput, "multimodal endpoint returned no text embedding at index %d", i)
		}
		vecs[i] = p.TextEmbedding
	}
	return vecs, nil
}

// EmbedQuery vectors a search prompt in the shared space.
func (d *MultimodalDriver) EmbedQuery(ctx context.Context, model, text string) ([]float32, error) {
	vecs, err := d.Embed(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedImage vectors raw image bytes through the image facet.
func (d *MultimodalDriver) EmbedImage(ctx context.Context, _ string, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, faults.New(faults.EmbeddingInvalidInput, "empty image payload")
	}
	preds, err := d.predict(ctx, []mmInstance{{
		Image: &mmImage{BytesBase64Encoded: base64.StdEncoding.EncodeToString(image)},
	}})
	if err != nil {
		return nil, err
	}
	if len(preds[0].ImageEmbedding) == 0 {
		return nil, faults.New(faults.EmbeddingInvalidInput, "multimodal endpoint returned no image embedding")
	}
	return preds[0].ImageEmbedding, nil
}

func (d *MultimodalDriver) predict(ctx context.Context, instances []mmInstance) ([]mmPrediction, error) {
	body, err := json.Marshal(mmRequest{Instances: instances})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.EmbeddingUnavailable, "multimodal predict request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.EmbeddingUnavailable, "read multimodal response", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, faults.Errorf(faults.EmbeddingRateLimited, "multimodal endpoint returned 429")
	case resp.StatusCode == http.StatusBadRequest:
		return nil, faults.Errorf(faults.EmbeddingInvalidInput, "multimodal endpoint returned 400: %s", respBody)
	default:
		return nil, faults.Errorf(faults.EmbeddingUnavailable, "multimodal endpoint returned %d: %s", resp.StatusCode, respBody)
	}

	var result mmResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, faults.Wrap(faults.EmbeddingUnavailable, "unmarshal multimodal response", err)
	}
	if len(result.Predictions) != len(instances) {
		return nil, faults.Errorf(faults.EmbeddingUnavailable, "multimodal endpoint returned %d predictions for %d instances", len(result.Predictions), len(instances))
	}
	return result.Predictions, nil
}
