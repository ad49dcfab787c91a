package executor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/crewmesh/core"
	"github.com/hupe1980/crewmesh/crew"
	"github.com/hupe1980/crewmesh/model"
	"github.com/hupe1980/crewmesh/tool"
)

func testProfile() crew.AgentProfile {
	return crew.AgentProfile{
		ID:           "researcher",
		Role:         crew.RoleWorker,
		Model:        "mock:worker",
		Instructions: "Find facts.",
		Tools: []crew.ToolReference{{
			ServerID: "srv-1",
			Name:     "lookup",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"q": map[string]any{"type": "string"}},
				"required":   []any{"q"},
			},
		}},
	}
}

func setup(t *testing.T, caller tool.Caller, optFns ...func(o *Options)) (*Executor, *model.MockModel) {
	t.Helper()

	registry := crew.NewServerRegistry()
	registry.Register(crew.ServerProfile{ID: "srv-1", Endpoint: "http://localhost:8001/mcp", Active: true})

	mock := model.NewMockModel("worker", "mock")
	models := model.NewRegistry()
	models.RegisterModel("mock:worker", mock)

	inv := tool.NewInvoker(registry, caller)
	return NewExecutor(models, inv, optFns...), mock
}

func TestExecuteTaskTerminalAnswer(t *testing.T) {
	exec, mock := setup(t, nil)
	mock.Enqueue(model.Response{Text: "Paris is the capital of France."})

	result, err := exec.ExecuteTask(context.Background(), testProfile(), "capital of France?", nil)
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", result)
}

func TestExecuteTaskToolLoop(t *testing.T) {
	caller := tool.CallerFunc(func(_ context.Context, _, toolName string, args map[string]any) (any, error) {
		assert.Equal(t, "lookup", toolName)
		assert.Equal(t, "weather hanoi", args["q"])
		return "32C, sunny", nil
	})
	exec, mock := setup(t, caller)
	mock.Enqueue(model.Response{
		ToolCalls:    []model.ToolCall{{ID: "c1", Name: "lookup", Arguments: `{"q":"weather hanoi"}`}},
		FinishReason: "tool_calls",
	})
	mock.Enqueue(model.Response{Text: "It is 32C and sunny in Hanoi."})

	result, err := exec.ExecuteTask(context.Background(), testProfile(), "weather in hanoi", nil)
	require.NoError(t, err)
	assert.Equal(t, "It is 32C and sunny in Hanoi.", result)
}

func TestExecuteTaskConcurrentToolCalls(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	caller := tool.CallerFunc(func(_ context.Context, _, _ string, args map[string]any) (any, error) {
		mu.Lock()
		seen[args["q"].(string)] = true
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return "result for " + args["q"].(string), nil
	})
	exec, mock := setup(t, caller)
	mock.Enqueue(model.Response{
		ToolCalls: []model.ToolCall{
			{ID: "c1", Name: "lookup", Arguments: `{"q":"a"}`},
			{ID: "c2", Name: "lookup", Arguments: `{"q":"b"}`},
			{ID: "c3", Name: "lookup", Arguments: `{"q":"c"}`},
		},
		FinishReason: "tool_calls",
	})
	mock.Enqueue(model.Response{Text: "combined"})

	result, err := exec.ExecuteTask(context.Background(), testProfile(), "gather a b c", nil)
	require.NoError(t, err)
	assert.Equal(t, "combined", result)
	assert.Len(t, seen, 3)
}

func TestExecuteTaskStepBudgetExceeded(t *testing.T) {
	caller := tool.CallerFunc(func(context.Context, string, string, map[string]any) (any, error) {
		return "more data", nil
	})
	exec, mock := setup(t, caller, func(o *Options) { o.StepBudget = 6 })
	for i := 0; i < 10; i++ { // model keeps calling tools, never answers
		mock.Enqueue(model.Response{
			ToolCalls:    []model.ToolCall{{ID: "c", Name: "lookup", Arguments: `{"q":"again"}`}},
			FinishReason: "tool_calls",
		})
	}

	_, err := exec.ExecuteTask(context.Background(), testProfile(), "dig forever", nil)

	var berr *core.StepBudgetExceededError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "researcher", berr.Agent)
	assert.Equal(t, 6, berr.Budget)
}

func TestExecuteTaskRecoversFromSingleToolFailure(t *testing.T) {
	var calls int32
	caller := tool.CallerFunc(func(context.Context, string, string, map[string]any) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &tool.RemoteError{Detail: "rate limited"}
		}
		return "ok", nil
	})
	exec, mock := setup(t, caller)
	mock.Enqueue(model.Response{
		ToolCalls:    []model.ToolCall{{ID: "c1", Name: "lookup", Arguments: `{"q":"x"}`}},
		FinishReason: "tool_calls",
	})
	mock.Enqueue(model.Response{ // recovery attempt succeeds
		ToolCalls:    []model.ToolCall{{ID: "c2", Name: "lookup", Arguments: `{"q":"x"}`}},
		FinishReason: "tool_calls",
	})
	mock.Enqueue(model.Response{Text: "recovered"})

	result, err := exec.ExecuteTask(context.Background(), testProfile(), "try", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
}

func TestExecuteTaskToolInvocationErrorAfterFailedRecovery(t *testing.T) {
	caller := tool.CallerFunc(func(context.Context, string, string, map[string]any) (any, error) {
		return nil, &tool.RemoteError{Detail: "always broken"}
	})
	exec, mock := setup(t, caller)
	for i := 0; i < 3; i++ {
		mock.Enqueue(model.Response{
			ToolCalls:    []model.ToolCall{{ID: "c", Name: "lookup", Arguments: `{"q":"x"}`}},
			FinishReason: "tool_calls",
		})
	}

	_, err := exec.ExecuteTask(context.Background(), testProfile(), "try", nil)

	var terr *core.ToolInvocationError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "lookup", terr.Tool)
}

func TestExecuteTaskFeedsErrorBackToModel(t *testing.T) {
	caller := tool.CallerFunc(func(context.Context, string, string, map[string]any) (any, error) {
		return nil, &tool.RemoteError{Detail: "no such city"}
	})
	exec, mock := setup(t, caller)
	mock.Enqueue(model.Response{
		ToolCalls:    []model.ToolCall{{ID: "c1", Name: "lookup", Arguments: `{"q":"atlantis"}`}},
		FinishReason: "tool_calls",
	})
	mock.Enqueue(model.Response{Text: "I could not find that city."})

	result, err := exec.ExecuteTask(context.Background(), testProfile(), "weather in atlantis", nil)
	require.NoError(t, err, "a failed tool call the model recovers from is not an error")
	assert.Equal(t, "I could not find that city.", result)
}

func TestExecuteTaskUnknownToolIsFedBack(t *testing.T) {
	exec, mock := setup(t, nil)
	mock.Enqueue(model.Response{
		ToolCalls:    []model.ToolCall{{ID: "c1", Name: "teleport", Arguments: `{}`}},
		FinishReason: "tool_calls",
	})
	mock.Enqueue(model.Response{Text: "fallback answer"})

	result, err := exec.ExecuteTask(context.Background(), testProfile(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", result)
}

func TestExecuteTaskPriorContext(t *testing.T) {
	exec, mock := setup(t, nil)
	mock.Enqueue(model.Response{Text: "built on prior work"})

	prior := []core.Message{core.NewWorkerMessage("researcher", "t1", "the sky is blue")}

	result, err := exec.ExecuteTask(context.Background(), testProfile(), "continue", prior)
	require.NoError(t, err)
	assert.Equal(t, "built on prior work", result)
}

func TestStepBudgetClamped(t *testing.T) {
	exec, _ := setup(t, nil, func(o *Options) { o.StepBudget = 100 })
	assert.Equal(t, maxStepBudget, exec.opts.StepBudget)

	exec2, _ := setup(t, nil, func(o *Options) { o.StepBudget = 1 })
	assert.Equal(t, minStepBudget, exec2.opts.StepBudget)
}

func TestToolResultsPreserveCallOrder(t *testing.T) {
	caller := tool.CallerFunc(func(_ context.Context, _, _ string, args map[string]any) (any, error) {
		if args["q"] == "slow" {
			time.Sleep(30 * time.Millisecond)
		}
		return args["q"], nil
	})
	exec, _ := setup(t, caller)

	calls := []model.ToolCall{
		{ID: "c1", Name: "lookup", Arguments: mustArgs(t, "slow")},
		{ID: "c2", Name: "lookup", Arguments: mustArgs(t, "fast")},
	}
	results := exec.runToolCalls(context.Background(), testProfile(), map[string]crew.ToolReference{"lookup": testProfile().Tools[0]}, calls)

	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].CallID)
	assert.Equal(t, "slow", results[0].Content)
	assert.Equal(t, "c2", results[1].CallID)
}

func mustArgs(t *testing.T, q string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"q": q})
	require.NoError(t, err)
	return string(b)
}
