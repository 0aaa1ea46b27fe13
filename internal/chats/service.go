// Package chats owns chat lifecycles: create, read, list, delete, and
// turn generation through the agent runtime.
//
// Histories are append-only. Turn generation is serialized per chat so
// concurrent generates on one chat cannot interleave their entries;
// different chats proceed in parallel.
package chats

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/groundplane/groundplane/internal/auth"
	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/store"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
)

// titleRunes caps the chat title derived from the first prompt.
const titleRunes = 60

// Service implements the chat lifecycle on the metadata store, delegating
// turn generation to the agent runtime.
type Service struct {
	store  store.Store
	agents contracts.AgentService

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService wires the chat service.
func NewService(st store.Store, agents contracts.AgentService) *Service {
	return &Service{store: st, agents: agents, locks: make(map[string]*sync.Mutex)}
}

// Create opens a chat for the verified user. A first prompt, when given,
// runs as the opening turn before the chat is returned.
func (s *Service) Create(ctx context.Context, req *models.CreateChatRequest) (*models.UserChat, error) {
	userID := auth.UserIDFrom(ctx)
	if userID == "" {
		return nil, faults.New(faults.AuthUnauthenticated, "no verified identity")
	}
	if req == nil || strings.TrimSpace(req.AgentName) == "" {
		return nil, faults.New(faults.Validation, "agent_name is required")
	}
	agentName := strings.TrimSpace(req.AgentName)
	if !s.knownAgent(agentName) {
		return nil, faults.Errorf(faults.Validation, "unknown agent %q", agentName)
	}

	now := time.Now().UTC()
	chat := &models.UserChat{
		ID:        uuid.NewString(),
		UserID:    userID,
		AgentName: agentName,
		Title:     deriveTitle(req.Prompt),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateChat(ctx, chat); err != nil {
		return nil, faults.Wrap(faults.Internal, "create chat", err)
	}
	log.Info().Str("chat_id", chat.ID).Str("agent", agentName).Msg("chat created")

	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		if _, err := s.Generate(ctx, chat.ID, &models.GenerateRequest{Prompt: prompt}); err != nil {
			// The chat exists; the caller sees it plus the turn failure.
			return nil, err
		}
	}
	return s.Get(ctx, chat.ID)
}

// Get returns the chat with entries this build understands. Chats owned
// by other users read as absent.
func (s *Service) Get(ctx context.Context, chatID string) (*models.UserChat, error) {
	chat, err := s.load(ctx, chatID)
	if err != nil {
		return nil, err
	}
	chat.Entries = knownEntries(chat.Entries)
	return chat, nil
}

// ListForUser returns the verified user's chats, most recent first.
func (s *Service) ListForUser(ctx context.Context, limit int) ([]models.UserChat, error) {
	userID := auth.UserIDFrom(ctx)
	if userID == "" {
		return nil, faults.New(faults.AuthUnauthenticated, "no verified identity")
	}
	chats, err := s.store.ListChatsByUser(ctx, userID, limit)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "list chats", err)
	}
	for i := range chats {
		chats[i].Entries = knownEntries(chats[i].Entries)
	}
	return chats, nil
}

// Generate runs one turn: the chat's agent sees the prompt plus history,
// and the exchange lands in the log. Turns on one chat are serialized.
func (s *Service) Generate(ctx context.Context, chatID string, req *models.GenerateRequest) (*models.AgentRunResponse, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, faults.New(faults.Validation, "prompt is required")
	}
	chat, err := s.load(ctx, chatID)
	if err != nil {
		return nil, err
	}

	lock := s.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	return s.agents.Run(ctx, chat.AgentName, &models.AgentRunRequest{
		Prompt: strings.TrimSpace(req.Prompt),
		ChatID: chatID,
		Model:  strings.TrimSpace(req.LLMType),
	})
}

// Delete removes the chat and its history.
func (s *Service) Delete(ctx context.Context, chatID string) error {
	if _, err := s.load(ctx, chatID); err != nil {
		return err
	}
	if err := s.store.DeleteChat(ctx, chatID); err != nil {
		return faults.Wrap(faults.Internal, "delete chat", err)
	}

	s.mu.Lock()
	delete(s.locks, chatID)
	s.mu.Unlock()

	log.Info().Str("chat_id", chatID).Msg("chat deleted")
	return nil
}

// load fetches a chat and enforces ownership when an identity is present.
func (s *Service) load(ctx context.Context, chatID string) (*models.UserChat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	var nf *store.ErrNotFound
	switch {
	case errors.As(err, &nf):
		return nil, faults.Errorf(faults.NotFound, "chat %s not found", chatID)
	case err != nil:
		return nil, faults.Wrap(faults.Internal, "load chat", err)
	}
	if userID := auth.UserIDFrom(ctx); userID != "" && chat.UserID != userID {
		return nil, faults.Errorf(faults.NotFound, "chat %s not found", chatID)
	}
	return chat, nil
}

func (s *Service) lockFor(chatID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chatID] = l
	}
	return l
}

func (s *Service) knownAgent(name string) bool {
	for _, a := range s.agents.List() {
		if strings.EqualFold(a.Name, name) {
			return true
		}
	}
	return false
}

// knownEntries drops entries whose kind this build does not understand.
// Newer builds may append kinds this one cannot render.
func knownEntries(entries []models.ChatEntry) []models.ChatEntry {
	kept := make([]models.ChatEntry, 0, len(entries))
	for _, e := range entries {
		if e.Known() {
			kept = append(kept, e)
		}
	}
	return kept
}

// deriveTitle trims the first prompt into a list-view title.
func deriveTitle(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if utf8.RuneCountInString(prompt) <= titleRunes {
		return prompt
	}
	runes := []rune(prompt)
	return strings.TrimSpace(string(runes[:titleRunes])) + "..."
}

var _ contracts.ChatService = (*Service)(nil)
