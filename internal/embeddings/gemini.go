package embeddings

import (
	"context"
	"strings"

	"google.golang.org/genai"

	"github.com/groundplane/groundplane/internal/faults"
)

// geminiDims maps model names to their vector width. Unknown models get
// the 768 default shared by the text-embedding family.
var geminiDims = map[string]int{
	"gemini-embedding-001": 3072,
	"text-embedding-005":   768,
	"text-embedding-004":   768,
	"embedding-001":        768,
}

// GeminiDriver embeds text through the Gemini API. Documents and queries
// use distinct task types so the model optimizes each side of retrieval.
type GeminiDriver struct {
	client *genai.Client
}

func NewGeminiDriver(ctx context.Context, apiKey string) (*GeminiDriver, error) {
	if apiKey == "" {
		return nil, faults.New(faults.EmbeddingUnavailable, "gemini api key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, faults.Wrap(faults.EmbeddingUnavailable, "create gemini client", err)
	}
	return &GeminiDriver{client: client}, nil
}

func (d *GeminiDriver) Kind() string { return "gemini" }

func (d *GeminiDriver) Dimension(model string) int {
	if dims, ok := geminiDims[model]; ok {
		return dims
	}
	return 768
}

// Embed vectors a batch of document texts. Output is aligned 1:1 with
// the input.
func (d *GeminiDriver) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return d.embed(ctx, model, texts, genai.TaskTypeRetrievalDocument)
}

// EmbedQuery vectors a search prompt.
func (d *GeminiDriver) EmbedQuery(ctx context.Context, model, text string) ([]float32, error) {
	vecs, err := d.embed(ctx, model, []string{text}, genai.TaskTypeRetrievalQuery)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (d *GeminiDriver) embed(ctx context.Context, model string, texts []string, task genai.TaskType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := d.client.Models.EmbedContent(ctx, model, contents, &genai.EmbedContentRequest{
		TaskType: task,
	})
	if err != nil {
		return nil, mapGeminiErr(err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, faults.Errorf(faults.EmbeddingUnavailable, "gemini returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, faults.Errorf(faults.EmbeddingInvalidInput, "gemini returned an empty embedding at index %d", i)
		}
		vecs[i] = emb.Values
	}
	return vecs, nil
}

func (d *GeminiDriver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// mapGeminiErr folds SDK errors into the embedding fault taxonomy. Rate
// pressure backs off at the call edge; everything else waits for the
// end-of-build retry pass.
func mapGeminiErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") {
		return faults.Wrap(faults.EmbeddingRateLimited, "gemini embed", err)
	}
	return faults.Wrap(faults.EmbeddingUnavailable, "gemini embed", err)
}
