package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/crewmesh/core"
)

// ToolCall represents a tool invocation request surfaced by a model provider.
// Unified across vendors so downstream logic does not need per-provider
// branching. Arguments is the raw JSON argument string.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult carries the outcome of an executed tool call back to the model
// on the next step. IsError marks results that describe a failure so the
// model can attempt recovery.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolDefinition declaratively exposes a callable tool to the model.
// Parameters is a JSON Schema object (minimal subset: type, properties,
// required).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Turn is one entry of the normalized transcript sent to a provider. A turn
// has exactly one of: text (user/assistant), tool calls (assistant), or tool
// results (tool role). Assistant turns may combine text and tool calls.
type Turn struct {
	Role        string       `json:"role"` // "user", "assistant" or "tool"
	Text        string       `json:"text,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Request captures the normalized model input produced by the orchestration
// layers. Instructions is the system prompt. A zero Temperature defers to the
// adapter's configured default.
type Request struct {
	Instructions string           `json:"instructions"`
	Turns        []Turn           `json:"turns"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Temperature  float64          `json:"temperature,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model. Partial
// responses carry text deltas; the final response carries the full text and
// any tool calls.
type Response struct {
	ID           string      `json:"id,omitempty"`
	Partial      bool        `json:"partial"`
	Text         string      `json:"text,omitempty"`
	ToolCalls    []ToolCall  `json:"tool_calls,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required to drive generation. Generate
// returns a response channel and an error channel; both are closed when the
// call completes. At most one error is sent.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// TurnsFromMessages converts a conversation transcript into normalized turns.
// Supervisor and worker messages map to assistant turns; worker results are
// prefixed with the producing agent so the model can attribute them.
func TurnsFromMessages(msgs []core.Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case core.RoleUser:
			turns = append(turns, Turn{Role: "user", Text: m.Content})
		case core.RoleSupervisor:
			turns = append(turns, Turn{Role: "assistant", Text: m.Content})
		case core.RoleWorker:
			text := m.Content
			if m.AgentID != "" {
				text = fmt.Sprintf("[%s] %s", m.AgentID, m.Content)
			}
			turns = append(turns, Turn{Role: "assistant", Text: text})
		case core.RoleSystem, core.RoleTool:
			turns = append(turns, Turn{Role: "user", Text: m.Content})
		}
	}
	return turns
}

// MockModel is a lightweight in-memory Model useful for tests and examples.
// Scripted responses enqueued via Enqueue are served first in FIFO order;
// otherwise canned completions registered with AddResponse are matched
// against the last turn's text, falling back to a deterministic echo.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	responses map[string]string
	queue     []Response
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Enqueue appends a scripted response served before any canned completions.
// Useful for driving multi-step tool loops in tests.
func (m *MockModel) Enqueue(resp Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, resp)
}

func (m *MockModel) next(req Request) Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) > 0 {
		resp := m.queue[0]
		m.queue = m.queue[1:]
		return resp
	}

	var inputText string
	for i := len(req.Turns) - 1; i >= 0; i-- {
		if req.Turns[i].Text != "" {
			inputText = req.Turns[i].Text
			break
		}
	}

	full := m.responses[inputText]
	if full == "" {
		full = fmt.Sprintf("Mock response to: %s", inputText)
	}
	return Response{Text: full, FinishReason: "stop"}
}

// Generate implements Model; emits optional streaming char chunks then the
// final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		final := m.next(req)
		if req.Stream && len(final.ToolCalls) == 0 {
			for _, r := range final.Text {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: string(r)}:
				}
			}
		}
		final.Partial = false
		if final.FinishReason == "" {
			final.FinishReason = "stop"
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- final:
		}
	}()

	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
