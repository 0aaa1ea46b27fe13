package chats

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/groundplane/groundplane/internal/auth"
	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/store"
	"github.com/groundplane/groundplane/pkg/models"
)

// stubAgents mimics the runtime: it answers with a fixed reply and, like
// the real dispatcher, writes the exchange into the chat itself.
type stubAgents struct {
	st    store.Store
	reply string
	runs  int
}

func (s *stubAgents) Run(ctx context.Context, agentName string, req *models.AgentRunRequest) (*models.AgentRunResponse, error) {
	s.runs++
	if req.ChatID != "" {
		entries := []models.ChatEntry{models.HumanText(req.Prompt), models.AIText(s.reply)}
		if err := s.st.AppendChatEntries(ctx, req.ChatID, entries); err != nil {
			return nil, err
		}
	}
	return &models.AgentRunResponse{Text: s.reply, Agent: agentName}, nil
}

func (s *stubAgents) List() []models.Agent {
	return []models.Agent{
		{Name: "router", Class: models.ClassRouter},
		{Name: "chat", Class: models.ClassChat},
	}
}

func newChatFixture(t *testing.T) (*Service, store.Store, *stubAgents) {
	t.Helper()
	st := store.NewMemoryStore()
	agents := &stubAgents{st: st, reply: "sure thing"}
	return NewService(st, agents), st, agents
}

func asUser(userID string) context.Context {
	return auth.WithIdentity(context.Background(), &models.VerifiedIdentity{
		UserID: userID, Email: userID + "@example.com", Status: "active",
	})
}

func TestCreateChat(t *testing.T) {
	svc, _, agents := newChatFixture(t)

	chat, err := svc.Create(asUser("u-1"), &models.CreateChatRequest{AgentName: "chat"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if chat.UserID != "u-1" || chat.AgentName != "chat" {
		t.Fatalf("chat = %+v, want owner u-1 agent chat", chat)
	}
	if len(chat.Entries) != 0 {
		t.Fatalf("entries = %d, want 0 without a first prompt", len(chat.Entries))
	}
	if agents.runs != 0 {
		t.Fatalf("agent ran %d times, want 0", agents.runs)
	}
}

func TestCreateChatWithFirstPrompt(t *testing.T) {
	svc, _, agents := newChatFixture(t)

	chat, err := svc.Create(asUser("u-1"), &models.CreateChatRequest{
		AgentName: "chat", Prompt: "Hello there",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if agents.runs != 1 {
		t.Fatalf("agent ran %d times, want 1", agents.runs)
	}
	if len(chat.Entries) != 2 {
		t.Fatalf("entries = %d, want 2 (opening turn)", len(chat.Entries))
	}
	if chat.Title != "Hello there" {
		t.Fatalf("Title = %q, want the first prompt", chat.Title)
	}
}

func TestCreateChatUnknownAgent(t *testing.T) {
	svc, _, _ := newChatFixture(t)

	_, err := svc.Create(asUser("u-1"), &models.CreateChatRequest{AgentName: "oracle"})
	if !faults.IsCode(err, faults.Validation) {
		t.Fatalf("code = %v, want %v", faults.CodeOf(err), faults.Validation)
	}
}

func TestCreateChatRequiresIdentity(t *testing.T) {
	svc, _, _ := newChatFixture(t)

	_, err := svc.Create(context.Background(), &models.CreateChatRequest{AgentName: "chat"})
	if !faults.IsCode(err, faults.AuthUnauthenticated) {
		t.Fatalf("code = %v, want %v", faults.CodeOf(err), faults.AuthUnauthenticated)
	}
}

func TestGenerateAppendsTurn(t *testing.T) {
	svc, _, _ := newChatFixture(t)
	ctx := asUser("u-1")

	chat, err := svc.Create(ctx, &models.CreateChatRequest{AgentName: "chat"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp, err := svc.Generate(ctx, chat.ID, &models.GenerateRequest{Prompt: "How are you?"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "sure thing" {
		t.Fatalf("Text = %q, want %q", resp.Text, "sure thing")
	}

	got, err := svc.Get(ctx, chat.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(got.Entries))
	}
	if got.Entries[0].Text != "How are you?" || got.Entries[1].Text != "sure thing" {
		t.Fatalf("entries = %+v, want the exchange", got.Entries)
	}
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	svc, _, _ := newChatFixture(t)
	ctx := asUser("u-1")

	chat, _ := svc.Create(ctx, &models.CreateChatRequest{AgentName: "chat"})
	_, err := svc.Generate(ctx, chat.ID, &models.GenerateRequest{Prompt: " "})
	if !faults.IsCode(err, faults.Validation) {
		t.Fatalf("code = %v, want %v", faults.CodeOf(err), faults.Validation)
	}
}

func TestGenerateUnknownChat(t *testing.T) {
	svc, _, _ := newChatFixture(t)

	_, err := svc.Generate(asUser("u-1"), "chat-missing", &models.GenerateRequest{Prompt: "hi"})
	if !faults.IsCode(err, faults.NotFound) {
		t.Fatalf("code = %v, want %v", faults.CodeOf(err), faults.NotFound)
	}
}

func TestGetSkipsUnknownEntryKinds(t *testing.T) {
	svc, st, _ := newChatFixture(t)
	ctx := asUser("u-1")

	chat, _ := svc.Create(ctx, &models.CreateChatRequest{AgentName: "chat"})
	entries := []models.ChatEntry{
		models.HumanText("hi"),
		{Kind: "hologram", Text: "from a future build", Timestamp: time.Now().UTC()},
		models.AIText("hello"),
	}
	if err := st.AppendChatEntries(ctx, chat.ID, entries); err != nil {
		t.Fatalf("AppendChatEntries: %v", err)
	}

	got, err := svc.Get(ctx, chat.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Entries) != 2 {
		t.Fatalf("entries = %d, want 2 (unknown kind skipped)", len(got.Entries))
	}
	for _, e := range got.Entries {
		if !e.Known() {
			t.Fatalf("unknown entry survived: %+v", e)
		}
	}
}

func TestForeignChatReadsAsAbsent(t *testing.T) {
	svc, _, _ := newChatFixture(t)

	chat, err := svc.Create(asUser("u-2"), &models.CreateChatRequest{AgentName: "chat"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.Get(asUser("u-1"), chat.ID); !faults.IsCode(err, faults.NotFound) {
		t.Fatalf("Get code = %v, want %v", faults.CodeOf(err), faults.NotFound)
	}
	if err := svc.Delete(asUser("u-1"), chat.ID); !faults.IsCode(err, faults.NotFound) {
		t.Fatalf("Delete code = %v, want %v", faults.CodeOf(err), faults.NotFound)
	}

	// The owner still sees it.
	if _, err := svc.Get(asUser("u-2"), chat.ID); err != nil {
		t.Fatalf("owner Get: %v", err)
	}
}

func TestListForUser(t *testing.T) {
	svc, _, _ := newChatFixture(t)

	for i := 0; i < 2; i++ {
		if _, err := svc.Create(asUser("u-1"), &models.CreateChatRequest{AgentName: "chat"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := svc.Create(asUser("u-2"), &models.CreateChatRequest{AgentName: "chat"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	chats, err := svc.ListForUser(asUser("u-1"), 10)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("chats = %d, want 2", len(chats))
	}
	for _, c := range chats {
		if c.UserID != "u-1" {
			t.Fatalf("foreign chat in listing: %+v", c)
		}
	}
}

func TestDeleteChat(t *testing.T) {
	svc, _, _ := newChatFixture(t)
	ctx := asUser("u-1")

	chat, _ := svc.Create(ctx, &models.CreateChatRequest{AgentName: "chat"})
	if err := svc.Delete(ctx, chat.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(ctx, chat.ID); !faults.IsCode(err, faults.NotFound) {
		t.Fatalf("Get after delete code = %v, want %v", faults.CodeOf(err), faults.NotFound)
	}
}

func TestDeriveTitle(t *testing.T) {
	long := strings.Repeat("report ", 20)
	title := deriveTitle(long)
	if len([]rune(title)) > titleRunes+3 {
		t.Fatalf("title %q longer than the cap", title)
	}
	if !strings.HasSuffix(title, "...") {
		t.Fatalf("title %q misses the ellipsis", title)
	}
	if got := deriveTitle("short"); got != "short" {
		t.Fatalf("deriveTitle(short) = %q", got)
	}
}
