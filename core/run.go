package core

import (
	"context"
	"time"
)

// TransitionType labels a single step in a run's lifecycle as recorded by the
// ledger.
type TransitionType string

const (
	// TransitionPlanDecided is recorded once per run after planning.
	TransitionPlanDecided TransitionType = "plan_decided"
	// TransitionTaskDispatched is recorded when a task starts executing.
	TransitionTaskDispatched TransitionType = "task_dispatched"
	// TransitionTaskCompleted is recorded when a task finishes normally.
	TransitionTaskCompleted TransitionType = "task_completed"
	// TransitionTaskFailed is recorded when a task fails.
	TransitionTaskFailed TransitionType = "task_failed"
	// TransitionTaskTimedOut is recorded when a task exceeds its deadline.
	TransitionTaskTimedOut TransitionType = "task_timed_out"
	// TransitionAnswerEmitted is recorded once the final answer stream
	// completed.
	TransitionAnswerEmitted TransitionType = "answer_emitted"
	// TransitionRunFailed is recorded when a run aborts before an answer.
	TransitionRunFailed TransitionType = "run_failed"
)

// Transition is one append-only ledger entry. Seq is assigned by the ledger
// and increases monotonically within a run.
type Transition struct {
	RunID  string         `json:"run_id"`
	Seq    int            `json:"seq"`
	Type   TransitionType `json:"type"`
	Detail string         `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// RunRecord is the durable summary of one orchestration round: the plan that
// was decided, the per-task outcomes, and either a final answer or a failure
// description.
type RunRecord struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Seq            int           `json:"seq"`
	Plan           *Plan         `json:"plan,omitempty"`
	Outcomes       []TaskOutcome `json:"outcomes,omitempty"`
	FinalAnswer    string        `json:"final_answer,omitempty"`
	Failure        string        `json:"failure,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        time.Time     `json:"ended_at,omitempty"`
}

// AnswerChunk is one fragment of the streamed final answer. The terminal
// chunk has Done set and carries no text.
type AnswerChunk struct {
	Text string `json:"text,omitempty"`
	Done bool   `json:"done"`
}

// ConversationStore persists conversation transcripts. Implementations must
// be safe for concurrent use.
type ConversationStore interface {
	// AppendMessage appends a message to the conversation, creating the
	// conversation on first use.
	AppendMessage(ctx context.Context, conversationID string, msg Message) error

	// Messages returns the conversation transcript in append order.
	Messages(ctx context.Context, conversationID string) ([]Message, error)
}

// Ledger records run lifecycle transitions and run summaries. Ledger writes
// are observational: implementations must never propagate storage failures
// into the orchestration path, only report them via logging.
type Ledger interface {
	// StartRun opens a run record and returns it with ID and Seq assigned.
	StartRun(ctx context.Context, conversationID string) (*RunRecord, error)

	// Record appends a transition to the run. Errors are swallowed by
	// implementations; the method exists on the interface so in-memory
	// test doubles can assert ordering.
	Record(ctx context.Context, runID string, t TransitionType, detail string)

	// CloseRun finalizes the run record with its plan, outcomes and
	// either a final answer or a failure description.
	CloseRun(ctx context.Context, rec *RunRecord) error
}
