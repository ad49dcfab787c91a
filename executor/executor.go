// Package executor runs a single delegated task on a worker agent: a bounded
// reason/act loop where each step is one model call optionally followed by
// concurrent tool invocations.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hupe1980/crewmesh/core"
	"github.com/hupe1980/crewmesh/crew"
	"github.com/hupe1980/crewmesh/logging"
	"github.com/hupe1980/crewmesh/model"
	"github.com/hupe1980/crewmesh/tool"
)

const (
	// DefaultStepBudget is the number of model steps a task may consume.
	DefaultStepBudget = 8
	minStepBudget     = 6
	maxStepBudget     = 10
)

// Options configure an Executor.
type Options struct {
	// StepBudget bounds the reason/act loop per task. Values outside the
	// supported range are clamped.
	StepBudget int

	// MaxParallelTools limits concurrent tool invocations within one step.
	// 0 or negative means no explicit limit.
	MaxParallelTools int

	Logger logging.Logger
}

// Executor drives worker agents through delegated tasks. It is stateless
// across tasks and safe for concurrent use.
type Executor struct {
	resolver model.Resolver
	invoker  *tool.Invoker
	opts     Options
}

// NewExecutor creates an executor resolving worker models through resolver
// and routing tool calls through invoker.
func NewExecutor(resolver model.Resolver, invoker *tool.Invoker, optFns ...func(o *Options)) *Executor {
	opts := Options{
		StepBudget: DefaultStepBudget,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.StepBudget < minStepBudget {
		opts.StepBudget = minStepBudget
	}
	if opts.StepBudget > maxStepBudget {
		opts.StepBudget = maxStepBudget
	}
	return &Executor{resolver: resolver, invoker: invoker, opts: opts}
}

// ExecuteTask runs one task to completion on the given worker profile. Prior
// carries context from earlier chain members. The returned string is the
// worker's final text; errors follow the orchestration taxonomy.
func (e *Executor) ExecuteTask(ctx context.Context, profile crew.AgentProfile, instruction string, prior []core.Message) (string, error) {
	m, err := e.resolver.Resolve(profile.Model)
	if err != nil {
		return "", &core.BackendUnavailableError{Op: "execute", Err: err}
	}

	refs := map[string]crew.ToolReference{}
	defs := make([]model.ToolDefinition, 0, len(profile.Tools))
	for _, tr := range profile.Tools {
		refs[tr.Name] = tr
		defs = append(defs, model.ToolDefinition{
			Name:        tr.Name,
			Description: tr.Description,
			Parameters:  tr.InputSchema,
		})
	}

	turns := model.TurnsFromMessages(prior)
	turns = append(turns, model.Turn{Role: "user", Text: instruction})

	prevStepFailed := false
	for step := 1; step <= e.opts.StepBudget; step++ {
		resp, err := e.generate(ctx, m, model.Request{
			Instructions: profile.Instructions,
			Turns:        turns,
			Tools:        defs,
			Temperature:  profile.Temperature,
		})
		if err != nil {
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			e.opts.Logger.Debug("Task finished", "agent", profile.ID, "steps", step)
			return resp.Text, nil
		}

		turns = append(turns, model.Turn{Role: "assistant", Text: resp.Text, ToolCalls: resp.ToolCalls})

		results := e.runToolCalls(ctx, profile, refs, resp.ToolCalls)
		turns = append(turns, model.Turn{Role: "tool", ToolResults: results})

		failed, failedErr := firstFailure(resp.ToolCalls, results)
		if failed != "" && prevStepFailed {
			return "", &core.ToolInvocationError{Tool: failed, Err: failedErr}
		}
		prevStepFailed = failed != ""
	}

	return "", &core.StepBudgetExceededError{Agent: profile.ID, Budget: e.opts.StepBudget}
}

// generate performs one non-streaming model call and returns the final
// response.
func (e *Executor) generate(ctx context.Context, m model.Model, req model.Request) (model.Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var final model.Response
	for resp := range respCh {
		if !resp.Partial {
			final = resp
		}
	}
	if err := <-errCh; err != nil {
		return model.Response{}, &core.BackendUnavailableError{Op: "execute", Err: err}
	}

	return final, nil
}

// runToolCalls executes a step's tool calls concurrently, buffering results
// so they are reported in call order.
func (e *Executor) runToolCalls(ctx context.Context, profile crew.AgentProfile, refs map[string]crew.ToolReference, calls []model.ToolCall) []model.ToolResult {
	n := len(calls)
	results := make([]model.ToolResult, n)

	// Fast path: single call, execute inline.
	if n == 1 {
		results[0] = e.runToolCall(ctx, profile, refs, calls[0])
		return results
	}

	maxPar := e.opts.MaxParallelTools
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxPar)

	for i := range calls {
		if ctx.Err() != nil {
			results[i] = model.ToolResult{
				CallID:  calls[i].ID,
				Name:    calls[i].Name,
				Content: ctx.Err().Error(),
				IsError: true,
			}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, tc model.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()

			results[idx] = e.runToolCall(ctx, profile, refs, tc)
		}(i, calls[i])
	}

	wg.Wait()

	return results
}

// runToolCall executes one tool call with panic safety, mapping failures into
// error-flagged results the model can react to.
func (e *Executor) runToolCall(ctx context.Context, profile crew.AgentProfile, refs map[string]crew.ToolReference, tc model.ToolCall) model.ToolResult {
	result := model.ToolResult{CallID: tc.ID, Name: tc.Name}

	ref, ok := refs[tc.Name]
	if !ok {
		result.IsError = true
		result.Content = fmt.Sprintf("tool %s is not available to this agent", tc.Name)
		return result
	}

	args := map[string]any{}
	if tc.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			result.IsError = true
			result.Content = fmt.Sprintf("arguments are not valid JSON: %v", err)
			return result
		}
	}

	start := time.Now()
	var (
		content string
		err     error
	)
	func() { // panic safety
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic during tool invocation: %v", r)
				e.opts.Logger.Error("Tool invocation panicked", "agent", profile.ID, "tool", tc.Name, "stack", string(debug.Stack()))
			}
		}()
		content, err = e.invoker.Invoke(ctx, ref, args)
	}()

	e.opts.Logger.Debug("Tool call executed",
		"agent", profile.ID,
		"tool", tc.Name,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err != nil,
	)

	if err != nil {
		result.IsError = true
		result.Content = err.Error()
		return result
	}
	result.Content = content

	return result
}

// firstFailure returns the name and error of the first failed call in a
// step, or empty when all succeeded.
func firstFailure(calls []model.ToolCall, results []model.ToolResult) (string, error) {
	for i, r := range results {
		if r.IsError {
			return calls[i].Name, fmt.Errorf("%s", r.Content)
		}
	}
	return "", nil
}
