package agents

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/store"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
)

const planSystem = `You are a planning assistant. Break the user's request into a short
numbered list of steps. Every step must have exactly this form:

  1. Use [tool] to [action]

Pick tools from this list when one fits:
%s
When no listed tool fits a step, invent a short lowercase tool name
anyway. Reply with the numbered list and nothing else.`

// ToolHandler executes one plan step and returns a short outcome note.
type ToolHandler func(ctx context.Context, step models.PlanStep) (string, error)

// Planner turns a request into a numbered plan, persists it, and steps
// through the actions it has handlers for.
type Planner struct {
	decl
	llm      contracts.LLMClient
	store    store.Store
	model    string
	handlers map[string]ToolHandler
}

// NewPlanner builds the planner variant. Without registered handlers it
// only produces and persists plans.
func NewPlanner(d models.Agent, llm contracts.LLMClient, st store.Store, model string) *Planner {
	if d.Model != "" {
		model = d.Model
	}
	return &Planner{
		decl:     decl{d},
		llm:      llm,
		store:    st,
		model:    model,
		handlers: make(map[string]ToolHandler),
	}
}

// RegisterHandler mounts an executor for a tool. Register before serving
// requests.
func (p *Planner) RegisterHandler(tool string, h ToolHandler) {
	p.handlers[strings.ToLower(strings.TrimSpace(tool))] = h
}

func (p *Planner) Run(ctx context.Context, in Input) (*Output, error) {
	model := p.model
	if in.Model != "" {
		model = in.Model
	}
	resp, err := p.llm.Generate(ctx, &models.GenRequest{
		Model:  model,
		System: fmt.Sprintf(planSystem, toolList(in.Decl.Tools)),
		Prompt: in.Prompt,
	})
	if err != nil {
		return nil, err
	}

	steps := parsePlan(resp.Text, in.Decl.Tools)
	if len(steps) == 0 {
		return nil, faults.New(faults.LLMContentRejected, "model did not produce a numbered plan")
	}

	plan := &models.Plan{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		ChatID:    in.ChatID,
		Prompt:    in.Prompt,
		Steps:     steps,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.CreatePlan(ctx, plan); err != nil {
		return nil, faults.Wrap(faults.Internal, "persist plan", err)
	}

	if len(p.handlers) > 0 {
		p.runSteps(ctx, plan)
	}

	return &Output{Text: renderPlan(steps), PlanID: plan.ID}, nil
}

// runSteps executes the plan in order. A failed step halts execution
// unless it is marked skippable.
func (p *Planner) runSteps(ctx context.Context, plan *models.Plan) {
	for i := range plan.Steps {
		step := &plan.Steps[i]
		handler, ok := p.handlers[strings.ToLower(step.Tool)]
		if !ok {
			if step.Skippable {
				continue
			}
			p.setStep(ctx, plan.ID, step, models.StepFailed, "no handler for tool "+step.Tool)
			log.Warn().
				Str("plan_id", plan.ID).
				Int("step", step.Ordinal).
				Str("tool", step.Tool).
				Msg("plan halted: step has no handler")
			return
		}

		p.setStep(ctx, plan.ID, step, models.StepRunning, "")
		started := time.Now()
		outcome, err := handler(ctx, *step)
		duration := time.Since(started)

		if err != nil {
			p.setStep(ctx, plan.ID, step, models.StepFailed, err.Error())
			log.Warn().Err(err).
				Str("plan_id", plan.ID).
				Int("step", step.Ordinal).
				Str("tool", step.Tool).
				Str("input_digest", inputDigest(step.Description)).
				Str("outcome", "failed").
				Dur("duration", duration).
				Msg("plan step executed")
			if !step.Skippable {
				return
			}
			continue
		}

		if outcome == "" {
			outcome = "done"
		}
		p.setStep(ctx, plan.ID, step, models.StepDone, "")
		log.Info().
			Str("plan_id", plan.ID).
			Int("step", step.Ordinal).
			Str("tool", step.Tool).
			Str("input_digest", inputDigest(step.Description)).
			Str("outcome", outcome).
			Dur("duration", duration).
			Msg("plan step executed")
	}
}

// setStep records a status transition. Bookkeeping failures are logged;
// they do not halt the run.
func (p *Planner) setStep(ctx context.Context, planID string, step *models.PlanStep, status models.StepStatus, stepErr string) {
	step.Status = status
	step.Error = stepErr
	if err := p.store.UpdatePlanStep(ctx, planID, step.Ordinal, status, stepErr); err != nil {
		log.Warn().Err(err).Str("plan_id", planID).Int("step", step.Ordinal).Msg("persist step status")
	}
}

// ── Plan text ───────────────────────────────────────────────

var (
	numberedLine = regexp.MustCompile(`^\s*(\d+)[.)]\s+(.+?)\s*$`)
	stepForm     = regexp.MustCompile(`(?i)^use\s+\[\*?([^\]]+)\]\s+to\s+\[?(.+?)\]?\.?$`)
)

// parsePlan extracts the numbered steps from a model reply. Tools not in
// declared get the undeclared mark; those steps are also skippable, since
// the agent knows it cannot run them.
func parsePlan(reply string, declared []models.Tool) []models.PlanStep {
	var steps []models.PlanStep
	for _, line := range strings.Split(reply, "\n") {
		m := numberedLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		f := stepForm.FindStringSubmatch(m[2])
		if f == nil {
			log.Debug().Str("line", line).Msg("plan line does not match the step form, skipped")
			continue
		}
		tool := strings.TrimSpace(f[1])
		action := strings.TrimSpace(f[2])
		if tool == "" || action == "" {
			continue
		}

		undeclared := !declaredTool(declared, tool)
		shown := tool
		if undeclared {
			shown = "*" + tool
		}
		steps = append(steps, models.PlanStep{
			Ordinal:     len(steps) + 1,
			Description: fmt.Sprintf("Use [%s] to [%s]", shown, action),
			Tool:        tool,
			Undeclared:  undeclared,
			Skippable:   undeclared,
			Status:      models.StepPending,
		})
	}
	return steps
}

func declaredTool(declared []models.Tool, name string) bool {
	for _, t := range declared {
		if strings.EqualFold(t.Name, name) {
			return true
		}
	}
	return false
}

// renderPlan emits the numbered list the caller sees.
func renderPlan(steps []models.PlanStep) string {
	var b strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&b, "%d. %s\n", s.Ordinal, s.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// toolList renders the declared tools for the planning prompt.
func toolList(tools []models.Tool) string {
	if len(tools) == 0 {
		return "  (none)"
	}
	var b strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&b, "  - %s: %s\n", t.Name, t.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// inputDigest is the short fingerprint of a step's input used in logs.
func inputDigest(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:4])
}

// ── Tool handlers ───────────────────────────────────────────

// WebhookToolHandler posts steps to an operator-configured endpoint and
// treats any 2xx as success. One endpoint serves every tool; the payload
// names the tool so the receiver can fan out.
func WebhookToolHandler(url string) ToolHandler {
	client := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context, step models.PlanStep) (string, error) {
		body, err := json.Marshal(map[string]interface{}{
			"tool":        step.Tool,
			"ordinal":     step.Ordinal,
			"description": step.Description,
		})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
		}
		reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return strings.TrimSpace(string(reply)), nil
	}
}
