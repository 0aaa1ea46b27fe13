package llm

import (
	"context"
	"unicode/utf8"

	"github.com/groundplane/groundplane/pkg/models"
)

// Stub is an in-process LLM client for tests and offline development.
// Reply sees the full request, so tests can branch on the prompt or the
// system instruction.
type Stub struct {
	Reply func(req *models.GenRequest) (string, error)
}

func (s *Stub) Kind() string { return "stub" }

func (s *Stub) Generate(_ context.Context, req *models.GenRequest) (*models.GenResponse, error) {
	text := "ok"
	if s.Reply != nil {
		var err error
		text, err = s.Reply(req)
		if err != nil {
			return nil, err
		}
	}
	return &models.GenResponse{
		Text:      text,
		TokensIn:  utf8.RuneCountInString(req.Prompt) / 4,
		TokensOut: utf8.RuneCountInString(text) / 4,
	}, nil
}

// GenerateStream emits the reply as a single delta.
func (s *Stub) GenerateStream(ctx context.Context, req *models.GenRequest, onDelta func(string) error) (*models.GenResponse, error) {
	resp, err := s.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if onDelta != nil {
		if err := onDelta(resp.Text); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
