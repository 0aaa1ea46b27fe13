package agents

import (
	"context"
	"strings"

	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
)

const chatSystem = `You are a helpful and truthful AI Assistant. Use the chat history for
context. If you don't know the answer, just say that you don't know.`

// ChatAgent answers directly from the model with chat-history context.
type ChatAgent struct {
	decl
	llm   contracts.LLMClient
	model string
}

// NewChatAgent builds the chat variant for the given declaration.
func NewChatAgent(d models.Agent, llm contracts.LLMClient, model string) *ChatAgent {
	if d.Model != "" {
		model = d.Model
	}
	return &ChatAgent{decl: decl{d}, llm: llm, model: model}
}

func (a *ChatAgent) Run(ctx context.Context, in Input) (*Output, error) {
	model := a.model
	if in.Model != "" {
		model = in.Model
	}
	resp, err := a.llm.Generate(ctx, &models.GenRequest{
		Model:   model,
		System:  chatSystem,
		Prompt:  in.Prompt,
		History: textHistory(in.History),
	})
	if err != nil {
		return nil, err
	}
	return &Output{Text: resp.Text}, nil
}

// textHistory keeps the entries a completion model can consume: the human
// and assistant text turns. Everything else, including kinds this build
// does not know, is skipped.
func textHistory(entries []models.ChatEntry) []models.ChatEntry {
	var out []models.ChatEntry
	for _, e := range entries {
		switch e.Kind {
		case models.EntryHumanText, models.EntryAIText:
			if strings.TrimSpace(e.Text) != "" {
				out = append(out, e)
			}
		}
	}
	return out
}
