// Package llm adapts text-generation providers to one client contract:
// a blocking Generate and a delta-streaming GenerateStream, both fed by
// the prompt, optional system instruction and prior chat turns.
package llm

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"

	"github.com/groundplane/groundplane/internal/config"
	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/pkg/models"
)

// GeminiClient generates text through the Gemini API.
type GeminiClient struct {
	client       *genai.Client
	defaultModel string
}

func NewGeminiClient(ctx context.Context, cfg config.LLMConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, faults.New(faults.LLMUnavailable, "llm api key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, faults.Wrap(faults.LLMUnavailable, "create gemini client", err)
	}
	return &GeminiClient{client: client, defaultModel: cfg.Model}, nil
}

func (c *GeminiClient) Kind() string { return "gemini" }

// Generate runs one blocking completion.
func (c *GeminiClient) Generate(ctx context.Context, req *models.GenRequest) (*models.GenResponse, error) {
	model, contents, cfg := c.prepare(req)

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, mapGenErr(ctx, err)
	}

	out := &models.GenResponse{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		out.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if out.Text == "" {
		if stoppedForSafety(resp) {
			return nil, faults.New(faults.LLMContentRejected, "model declined the prompt")
		}
		return nil, faults.New(faults.LLMUnavailable, "model returned no candidates")
	}
	return out, nil
}

// GenerateStream runs a completion and forwards each text delta to
// onDelta as it arrives. A non-nil error from onDelta aborts the stream
// and is returned unchanged.
func (c *GeminiClient) GenerateStream(ctx context.Context, req *models.GenRequest, onDelta func(string) error) (*models.GenResponse, error) {
	model, contents, cfg := c.prepare(req)

	var sb strings.Builder
	var tokensIn, tokensOut int
	safety := false
	for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return nil, mapGenErr(ctx, err)
		}
		if delta := resp.Text(); delta != "" {
			sb.WriteString(delta)
			if onDelta != nil {
				if err := onDelta(delta); err != nil {
					return nil, err
				}
			}
		}
		if resp.UsageMetadata != nil {
			tokensIn = int(resp.UsageMetadata.PromptTokenCount)
			tokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		if stoppedForSafety(resp) {
			safety = true
		}
	}

	if sb.Len() == 0 {
		if safety {
			return nil, faults.New(faults.LLMContentRejected, "model declined the prompt")
		}
		return nil, faults.New(faults.LLMUnavailable, "model returned no candidates")
	}
	return &models.GenResponse{Text: sb.String(), TokensIn: tokensIn, TokensOut: tokensOut}, nil
}

// Close releases the client. The genai SDK client holds no closeable
// resources, so there is nothing to release.
func (c *GeminiClient) Close() error {
	return nil
}

// prepare maps the request onto the SDK's shapes. Non-text history
// entries (plans, references, files) carry no conversational text and
// are skipped.
func (c *GeminiClient) prepare(req *models.GenRequest) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	var contents []*genai.Content
	for _, e := range req.History {
		switch e.Kind {
		case models.EntryHumanText:
			contents = append(contents, genai.NewContentFromText(e.Text, genai.RoleUser))
		case models.EntryAIText:
			contents = append(contents, genai.NewContentFromText(e.Text, genai.RoleModel))
		}
	}
	contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return model, contents, cfg
}

func stoppedForSafety(resp *genai.GenerateContentResponse) bool {
	for _, cand := range resp.Candidates {
		if cand != nil && cand.FinishReason == genai.FinishReasonSafety {
			return true
		}
	}
	return false
}

func mapGenErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return faults.Wrap(faults.LLMTimeout, "gemini generate", err)
	}
	msg := err.Error()
	if strings.Contains(msg, "SAFETY") || strings.Contains(msg, "PROHIBITED_CONTENT") {
		return faults.Wrap(faults.LLMContentRejected, "gemini generate", err)
	}
	return faults.Wrap(faults.LLMUnavailable, "gemini generate", err)
}
