package core

import "fmt"

// InvalidPlanError indicates the backend produced syntactically valid plan
// JSON that violates roster or structural constraints (unknown worker, no
// tasks for a delegate plan, duplicate chain positions). It is not retried.
type InvalidPlanError struct {
	Reason string
}

// Error implements the error interface.
func (e *InvalidPlanError) Error() string {
	return fmt.Sprintf("invalid plan: %s", e.Reason)
}

// PlanParseError indicates the backend output could not be decoded into a
// plan at all. The planner retries exactly once with a stricter prompt before
// surfacing this error.
type PlanParseError struct {
	Raw    string
	Reason string
}

// Error implements the error interface.
func (e *PlanParseError) Error() string {
	return fmt.Sprintf("plan parse error: %s", e.Reason)
}

// StepBudgetExceededError indicates a worker agent consumed its full
// reasoning step budget without producing a terminal answer.
type StepBudgetExceededError struct {
	Agent  string
	Budget int
}

// Error implements the error interface.
func (e *StepBudgetExceededError) Error() string {
	return fmt.Sprintf("agent %s exceeded step budget of %d", e.Agent, e.Budget)
}

// ToolInvocationError indicates a tool call failed and the agent's one
// recovery attempt also failed, making the task unrecoverable.
type ToolInvocationError struct {
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %s failed without recovery: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying tool error.
func (e *ToolInvocationError) Unwrap() error { return e.Err }

// BackendUnavailableError indicates the language model backend could not be
// reached or returned a transport-level failure for the named operation.
type BackendUnavailableError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("model backend unavailable during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying backend error.
func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// TaskTimeoutError indicates a dispatched task exceeded its deadline. It is
// recorded in the task outcome rather than aborting the round.
type TaskTimeoutError struct {
	TaskID string
}

// Error implements the error interface.
func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s exceeded its deadline", e.TaskID)
}
