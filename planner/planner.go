// Package planner turns a user message into a routing plan: answer directly
// or delegate tasks to worker agents. It owns the defensive parsing of the
// supervisor model's plan output.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/crewmesh/core"
	"github.com/hupe1980/crewmesh/crew"
	"github.com/hupe1980/crewmesh/logging"
	"github.com/hupe1980/crewmesh/model"
)

// planEnvelope is the JSON shape the supervisor model is asked to produce.
type planEnvelope struct {
	Kind  string     `json:"kind"`
	Goal  string     `json:"goal,omitempty"`
	Tasks []planTask `json:"tasks,omitempty"`
}

type planTask struct {
	Worker      string `json:"worker"`
	Instruction string `json:"instruction"`
	Group       string `json:"group,omitempty"`
	Order       int    `json:"order,omitempty"`
}

// Options configure a Builder.
type Options struct {
	Logger logging.Logger
}

// Builder produces plans with exactly one model call per attempt and at most
// one retry, which only happens when the first output could not be parsed.
// Parseable plans that violate roster constraints are rejected without retry.
type Builder struct {
	model model.Model
	opts  Options
}

// NewBuilder creates a plan builder on the supervisor's model.
func NewBuilder(m model.Model, optFns ...func(o *Options)) *Builder {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Builder{model: m, opts: opts}
}

// BuildPlan decides how to handle the user message given the available
// workers. An empty roster short-circuits to a direct plan without calling
// the backend.
func (b *Builder) BuildPlan(ctx context.Context, history []core.Message, userMsg string, workers []crew.AgentProfile) (*core.Plan, error) {
	if len(workers) == 0 {
		return &core.Plan{Kind: core.PlanDirect}, nil
	}

	raw, err := b.requestPlan(ctx, history, userMsg, workers, false)
	if err != nil {
		return nil, err
	}

	plan, perr := parsePlan(raw)
	if perr != nil {
		var parseErr *core.PlanParseError
		if !errors.As(perr, &parseErr) {
			return nil, perr
		}

		b.opts.Logger.Warn("Plan output unparseable, retrying with strict prompt", "reason", parseErr.Reason)

		raw, err = b.requestPlan(ctx, history, userMsg, workers, true)
		if err != nil {
			return nil, err
		}
		plan, perr = parsePlan(raw)
		if perr != nil {
			return nil, perr
		}
	}

	if verr := validatePlan(plan, workers); verr != nil {
		return nil, verr
	}

	return plan, nil
}

// requestPlan makes a single non-streaming backend call and returns the raw
// model output.
func (b *Builder) requestPlan(ctx context.Context, history []core.Message, userMsg string, workers []crew.AgentProfile, strict bool) (string, error) {
	turns := model.TurnsFromMessages(history)
	turns = append(turns, model.Turn{Role: "user", Text: userMsg})

	respCh, errCh := b.model.Generate(ctx, model.Request{
		Instructions: buildPrompt(workers, strict),
		Turns:        turns,
	})

	var raw string
	for resp := range respCh {
		if !resp.Partial {
			raw = resp.Text
		}
	}
	if err := <-errCh; err != nil {
		return "", &core.BackendUnavailableError{Op: "plan", Err: err}
	}

	return raw, nil
}

// buildPrompt renders the planning instructions including the worker roster.
func buildPrompt(workers []crew.AgentProfile, strict bool) string {
	var sb strings.Builder
	sb.WriteString("You are the supervisor of a team of worker agents. ")
	sb.WriteString("Decide whether to answer the user directly or delegate tasks to workers.\n\n")
	sb.WriteString("Available workers:\n")
	for _, w := range workers {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", w.ID, w.Instructions))
	}
	sb.WriteString("\nRespond with a single JSON object, no other text:\n")
	sb.WriteString(`{"kind": "direct"}` + "\n")
	sb.WriteString("or\n")
	sb.WriteString(`{"kind": "delegate", "goal": "<overall goal>", "tasks": [{"worker": "<worker id>", "instruction": "<task>", "group": "<chain name, optional>", "order": <position in chain, optional>}]}` + "\n")
	sb.WriteString("\nTasks sharing a group run sequentially in ascending order; ungrouped tasks run concurrently.")
	if strict {
		sb.WriteString("\n\nIMPORTANT: your previous reply was not valid JSON. ")
		sb.WriteString("Output ONLY the raw JSON object. No markdown, no code fences, no explanation.")
	}
	return sb.String()
}

// parsePlan decodes model output into a plan, tolerating surrounding prose
// and markdown code fences.
func parsePlan(raw string) (*core.Plan, error) {
	jsonText := extractJSON(raw)
	if jsonText == "" {
		return nil, &core.PlanParseError{Raw: raw, Reason: "no JSON object found in output"}
	}

	var env planEnvelope
	if err := json.Unmarshal([]byte(jsonText), &env); err != nil {
		return nil, &core.PlanParseError{Raw: raw, Reason: err.Error()}
	}

	switch env.Kind {
	case string(core.PlanDirect):
		return &core.Plan{Kind: core.PlanDirect, Goal: env.Goal}, nil
	case string(core.PlanDelegate):
		plan := &core.Plan{Kind: core.PlanDelegate, Goal: env.Goal}
		for _, t := range env.Tasks {
			plan.Tasks = append(plan.Tasks, core.Task{
				ID:          core.NewID(),
				Worker:      t.Worker,
				Instruction: t.Instruction,
				Group:       t.Group,
				Order:       t.Order,
			})
		}
		return plan, nil
	default:
		return nil, &core.PlanParseError{Raw: raw, Reason: fmt.Sprintf("unknown plan kind %q", env.Kind)}
	}
}

// extractJSON pulls the JSON object out of model output that may wrap it in
// markdown fences or surrounding prose.
func extractJSON(raw string) string {
	text := strings.TrimSpace(raw)

	if start := strings.Index(text, "```"); start >= 0 {
		rest := text[start+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			// Drop a language tag like ```json on the fence line.
			if fenceTag := strings.TrimSpace(rest[:nl]); fenceTag == "" || isFenceTag(fenceTag) {
				rest = rest[nl+1:]
			}
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func isFenceTag(tag string) bool {
	for _, r := range tag {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// validatePlan enforces roster and structural constraints on a parsed plan.
func validatePlan(plan *core.Plan, workers []crew.AgentProfile) error {
	if plan.Kind == core.PlanDirect {
		return nil
	}

	if len(plan.Tasks) == 0 {
		return &core.InvalidPlanError{Reason: "delegate plan contains no tasks"}
	}

	known := map[string]bool{}
	for _, w := range workers {
		known[w.ID] = true
	}

	seenOrder := map[string]map[int]bool{}
	for _, t := range plan.Tasks {
		if !known[t.Worker] {
			return &core.InvalidPlanError{Reason: fmt.Sprintf("task references unknown worker %q", t.Worker)}
		}
		if t.Instruction == "" {
			return &core.InvalidPlanError{Reason: fmt.Sprintf("task for worker %q has an empty instruction", t.Worker)}
		}
		if t.Group == "" {
			continue
		}
		if seenOrder[t.Group] == nil {
			seenOrder[t.Group] = map[int]bool{}
		}
		if seenOrder[t.Group][t.Order] {
			return &core.InvalidPlanError{Reason: fmt.Sprintf("group %q has duplicate order %d", t.Group, t.Order)}
		}
		seenOrder[t.Group][t.Order] = true
	}

	return nil
}
