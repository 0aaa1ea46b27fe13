package agents

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groundplane/groundplane/internal/auth"
	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/store"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
)

// Input is what a variant receives: the prompt plus the ambient request
// state the service resolved for it.
type Input struct {
	Prompt  string
	ChatID  string
	UserID  string
	History []models.ChatEntry

	// Model overrides the variant's default model when set.
	Model string

	// Decl is the catalog entry the variant runs as.
	Decl models.Agent
}

// Output is a variant's result. The service folds it into the API response
// and, when a chat is attached, into the chat history.
type Output struct {
	Text       string
	PlanID     string
	References []models.QueryReference
	Table      *models.TableResult

	// appended is set by variants that already wrote the chat turn.
	appended bool
}

// Agent is one runtime variant. Name, class, capabilities and tools come
// from the catalog declaration the variant was constructed with.
type Agent interface {
	Name() string
	Class() models.AgentClass
	Run(ctx context.Context, in Input) (*Output, error)
	Capabilities() []string
	Tools() []models.Tool
}

// decl supplies the declaration-backed half of the Agent interface.
type decl struct {
	d models.Agent
}

func (a decl) Name() string             { return a.d.Name }
func (a decl) Class() models.AgentClass { return a.d.Class }
func (a decl) Capabilities() []string   { return a.d.Capabilities }
func (a decl) Tools() []models.Tool     { return a.d.Tools }

// Service dispatches prompts to agents and owns the routing step.
type Service struct {
	catalog  *Catalog
	store    store.Store
	llm      contracts.LLMClient
	model    string
	variants map[models.AgentClass]Agent
}

// NewService builds the dispatcher. Variants are registered separately so
// deployments can run without optional backends (a db agent needs a
// dataset; rag needs a ready engine).
func NewService(catalog *Catalog, st store.Store, llm contracts.LLMClient, model string) *Service {
	return &Service{
		catalog:  catalog,
		store:    st,
		llm:      llm,
		model:    model,
		variants: make(map[models.AgentClass]Agent),
	}
}

// RegisterVariant mounts a variant under its class. Later registrations
// replace earlier ones. Register everything before serving requests; the
// variant map is read without locking afterwards.
func (s *Service) RegisterVariant(a Agent) {
	s.variants[a.Class()] = a
}

// List returns the declared agents.
func (s *Service) List() []models.Agent {
	return s.catalog.List()
}

// Run resolves the named agent and executes it. The router agent classifies
// the prompt first and runs the variant for the selected class.
func (s *Service) Run(ctx context.Context, agentName string, req *models.AgentRunRequest) (*models.AgentRunResponse, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, faults.New(faults.Validation, "prompt is required")
	}
	name := strings.TrimSpace(agentName)
	if name == "" {
		return nil, faults.New(faults.Validation, "agent name is required")
	}
	d, ok := s.catalog.Get(name)
	if !ok {
		return nil, faults.Errorf(faults.NotFound, "agent %q not found", name)
	}

	in := Input{
		Prompt: strings.TrimSpace(req.Prompt),
		ChatID: strings.TrimSpace(req.ChatID),
		UserID: auth.UserIDFrom(ctx),
		Model:  strings.TrimSpace(req.Model),
		Decl:   d,
	}
	if in.ChatID != "" {
		history, err := s.loadHistory(ctx, in.ChatID, in.UserID)
		if err != nil {
			return nil, err
		}
		in.History = history
	}

	class := d.Class
	if class == models.ClassRouter {
		class = s.classify(ctx, in.Prompt)
		if routed, ok := s.catalog.ByClass(class); ok {
			in.Decl = routed
		}
	}
	variant, ok := s.variants[class]
	if !ok {
		return nil, faults.Errorf(faults.NotFound, "no %s agent is configured", class)
	}

	started := time.Now()
	out, err := variant.Run(ctx, in)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("agent", variant.Name()).
		Str("class", string(class)).
		Dur("duration", time.Since(started)).
		Msg("agent run completed")

	if in.ChatID != "" && !out.appended {
		s.appendTurn(ctx, in.ChatID, in.Prompt, out)
	}

	return &models.AgentRunResponse{
		Text:       out.Text,
		PlanID:     out.PlanID,
		References: out.References,
		Table:      out.Table,
		Agent:      variant.Name(),
	}, nil
}

// loadHistory fetches the chat's entries for prompt context. Another
// user's chat reads as absent. Entries with unknown kinds are kept;
// consumers skip what they do not understand.
func (s *Service) loadHistory(ctx context.Context, chatID, userID string) ([]models.ChatEntry, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	var nf *store.ErrNotFound
	switch {
	case errors.As(err, &nf):
		return nil, faults.Errorf(faults.NotFound, "chat %s not found", chatID)
	case err != nil:
		return nil, faults.Wrap(faults.Internal, "load chat history", err)
	}
	if userID != "" && chat.UserID != userID {
		return nil, faults.Errorf(faults.NotFound, "chat %s not found", chatID)
	}
	return chat.Entries, nil
}

// appendTurn writes the exchange into the chat as one atomic batch.
func (s *Service) appendTurn(ctx context.Context, chatID, prompt string, out *Output) {
	entries := []models.ChatEntry{models.HumanText(prompt)}
	if out.Text != "" {
		entries = append(entries, models.AIText(out.Text))
	}
	if out.PlanID != "" {
		entries = append(entries, models.ChatEntry{
			Kind: models.EntryPlanRef, PlanID: out.PlanID, Timestamp: time.Now().UTC(),
		})
	}
	if len(out.References) > 0 {
		entries = append(entries, models.ChatEntry{
			Kind: models.EntryQueryRefs, References: out.References, Timestamp: time.Now().UTC(),
		})
	}
	if out.Table != nil {
		entries = append(entries, models.ChatEntry{
			Kind: models.EntryDBResult, Table: out.Table, Timestamp: time.Now().UTC(),
		})
	}
	// The run already produced its result; losing the transcript entry
	// must not fail the request.
	if err := s.store.AppendChatEntries(ctx, chatID, entries); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("append agent exchange to chat")
	}
}

// ── Routing ─────────────────────────────────────────────────

const routerSystem = `You are a request router. Classify the user's request into exactly one
of these categories and reply with that single word:

  chat  - general conversation or a question you can answer directly
  plan  - the user wants a multi-step task broken into actions
  query - the user asks about indexed documents or a knowledge base
  db    - the user asks for data, counts, or reports from the database

Reply with one word: chat, plan, query, or db.`

// classify selects the agent class for a prompt. The model is asked for a
// single word; an unusable reply falls back to keyword rules.
func (s *Service) classify(ctx context.Context, prompt string) models.AgentClass {
	resp, err := s.llm.Generate(ctx, &models.GenRequest{
		Model:  s.model,
		System: routerSystem,
		Prompt: prompt,
	})
	if err != nil {
		log.Warn().Err(err).Msg("router classification failed, using keyword rules")
		return keywordClass(prompt)
	}
	if class, ok := parseClass(resp.Text); ok {
		return class
	}
	log.Debug().Str("reply", resp.Text).Msg("router reply not a class, using keyword rules")
	return keywordClass(prompt)
}

// parseClass extracts a class tag from a model reply.
func parseClass(reply string) (models.AgentClass, bool) {
	word := strings.ToLower(strings.Trim(strings.TrimSpace(reply), ".!\"'`"))
	switch word {
	case "chat":
		return models.ClassChat, true
	case "plan", "planner":
		return models.ClassPlanner, true
	case "query", "rag":
		return models.ClassRAG, true
	case "db", "database", "sql":
		return models.ClassDB, true
	}
	return "", false
}

// classKeywords are checked in order; the first hit wins.
var classKeywords = []struct {
	class    models.AgentClass
	keywords []string
}{
	{models.ClassPlanner, []string{"plan ", "a plan", "step by step", "organize", "arrange", "schedule"}},
	{models.ClassDB, []string{"how many", "count ", "average", "total ", "rows", "sql", "report from"}},
	{models.ClassRAG, []string{"document", "docs", "knowledge base", "indexed", "according to the"}},
}

// keywordClass is the offline fallback classifier.
func keywordClass(prompt string) models.AgentClass {
	lower := strings.ToLower(prompt)
	for _, rule := range classKeywords {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.class
			}
		}
	}
	return models.ClassChat
}

var _ contracts.AgentService = (*Service)(nil)
