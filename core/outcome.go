package core

import "time"

// OutcomeStatus is the terminal disposition of a dispatched task.
type OutcomeStatus string

const (
	// OutcomeCompleted means the worker produced a result within budget.
	OutcomeCompleted OutcomeStatus = "completed"
	// OutcomeFailed means the worker hit an unrecoverable error.
	OutcomeFailed OutcomeStatus = "failed"
	// OutcomeTimedOut means the task's deadline (per-task or round-wide)
	// expired before a result was accepted.
	OutcomeTimedOut OutcomeStatus = "timed_out"
)

// TaskOutcome records how a single plan task ended. Every dispatched task
// yields exactly one outcome; failures and timeouts are reported here rather
// than as errors so a round always produces a full outcome set.
type TaskOutcome struct {
	TaskID    string        `json:"task_id"`
	Worker    string        `json:"worker"`
	Status    OutcomeStatus `json:"status"`
	Result    string        `json:"result,omitempty"`
	ErrDetail string        `json:"err_detail,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Succeeded reports whether the task completed normally.
func (o TaskOutcome) Succeeded() bool { return o.Status == OutcomeCompleted }
