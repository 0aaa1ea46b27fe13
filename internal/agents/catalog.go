// Package agents implements the agent runtime: a dispatcher over the
// routing, chat, planner, DB-query and RAG variants.
//
// Agents are declared in a static catalog. The router is itself an agent;
// it classifies the prompt into a class and hands off to the variant
// registered for that class.
package agents

import (
	"sort"
	"strings"
	"sync"

	"github.com/groundplane/groundplane/pkg/models"
)

// Catalog holds the declared agents, keyed by lowercase name.
type Catalog struct {
	mu     sync.RWMutex
	agents map[string]models.Agent
}

// NewCatalog returns a catalog preloaded with the built-in agents.
func NewCatalog() *Catalog {
	c := &Catalog{agents: make(map[string]models.Agent)}
	for _, a := range builtinAgents() {
		c.agents[strings.ToLower(a.Name)] = a
	}
	return c
}

// Get looks an agent up by name, case-insensitively.
func (c *Catalog) Get(name string) (models.Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

// ByClass returns the first agent declared with the class.
func (c *Catalog) ByClass(class models.AgentClass) (models.Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.agents {
		if a.Class == class {
			return a, true
		}
	}
	return models.Agent{}, false
}

// List returns the declared agents sorted by name.
func (c *Catalog) List() []models.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Register adds or replaces an agent declaration.
func (c *Catalog) Register(a models.Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[strings.ToLower(a.Name)] = a
}

// builtinAgents declares the agents every deployment carries. The router
// and the concrete variants are listed distinctly; routing is a dispatch
// mode, not a capability of the variants.
func builtinAgents() []models.Agent {
	return []models.Agent{
		{
			Name:         "router",
			Class:        models.ClassRouter,
			Description:  "Classifies the prompt and dispatches the matching agent.",
			Capabilities: []string{"route"},
		},
		{
			Name:         "chat",
			Class:        models.ClassChat,
			Description:  "Answers directly from the model with chat-history context.",
			Capabilities: []string{"converse"},
		},
		{
			Name:        "planner",
			Class:       models.ClassPlanner,
			Description: "Breaks a request into a numbered plan of tool actions.",
			Tools: []models.Tool{
				{
					Name:        "gmail tool",
					Description: "Sends email on the user's behalf.",
					InputSchema: map[string]interface{}{
						"type":     "object",
						"required": []interface{}{"to", "subject", "body"},
					},
				},
				{
					Name:        "calendar tool",
					Description: "Creates and updates calendar events and reminders.",
					InputSchema: map[string]interface{}{
						"type":     "object",
						"required": []interface{}{"title", "when"},
					},
				},
				{
					Name:        "drive tool",
					Description: "Reads and shares files from the user's drive.",
					InputSchema: map[string]interface{}{
						"type":     "object",
						"required": []interface{}{"path"},
					},
				},
			},
			Capabilities: []string{"plan", "execute"},
		},
		{
			Name:         "db",
			Class:        models.ClassDB,
			Description:  "Answers data questions with a single read-only SQL query against the configured dataset.",
			Capabilities: []string{"sql", "export"},
		},
		{
			Name:         "rag",
			Class:        models.ClassRAG,
			Description:  "Answers from indexed documents through a ready query engine.",
			Capabilities: []string{"retrieve", "ground"},
		},
	}
}
