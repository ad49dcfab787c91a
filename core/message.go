package core

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author category of a message within a conversation.
type Role string

const (
	// RoleUser marks messages authored by the end user.
	RoleUser Role = "user"
	// RoleSupervisor marks messages authored by the supervisor agent
	// (plans, final synthesized answers).
	RoleSupervisor Role = "supervisor"
	// RoleWorker marks result messages produced by worker agents.
	RoleWorker Role = "worker"
	// RoleTool marks tool invocation results surfaced into a transcript.
	RoleTool Role = "tool"
	// RoleSystem marks injected instructions and orchestration notices.
	RoleSystem Role = "system"
)

// Message is a single entry in a conversation transcript. After creation it
// should be treated as immutable. AgentID and TaskID are optional correlation
// fields: AgentID names the worker that produced the message, TaskID links a
// worker result back to the plan task it fulfilled.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	AgentID   string    `json:"agent_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates a message with a fresh id and UTC timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewWorkerMessage creates a worker result message correlated to the agent
// and task that produced it.
func NewWorkerMessage(agentID, taskID, content string) Message {
	m := NewMessage(RoleWorker, content)
	m.AgentID = agentID
	m.TaskID = taskID
	return m
}

// NewID generates a new unique identifier for runs, tasks and messages.
//
// Returns a string representation of a new UUID.
func NewID() string { return uuid.NewString() }
