// Package dispatch fans a plan's tasks out to worker agents: independent
// tasks run concurrently, chain groups run sequentially, and every task
// terminates with exactly one outcome inside the round's deadline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/crewmesh/core"
	"github.com/hupe1980/crewmesh/crew"
	"github.com/hupe1980/crewmesh/logging"
)

// TaskRunner executes one delegated task on a worker profile. Satisfied by
// *executor.Executor.
type TaskRunner interface {
	ExecuteTask(ctx context.Context, profile crew.AgentProfile, instruction string, prior []core.Message) (string, error)
}

// Options configure a Coordinator.
type Options struct {
	// MaxConcurrent bounds how many tasks or chains execute at once.
	MaxConcurrent int

	// TaskTimeoutMin and TaskTimeoutMax clamp the per-task deadline derived
	// from the time remaining in the round.
	TaskTimeoutMin time.Duration
	TaskTimeoutMax time.Duration

	Logger logging.Logger
}

// Round carries the per-round inputs to RunRound.
type Round struct {
	// Profiles maps worker ids to their profiles. Plans are validated
	// against the roster before dispatch, so lookups must succeed.
	Profiles map[string]crew.AgentProfile

	// History is the conversation context passed to every task.
	History []core.Message

	// Notify receives lifecycle transitions as they happen. May be nil.
	Notify func(t core.TransitionType, detail string)
}

// Coordinator executes plans. It is stateless across rounds and safe for
// concurrent use.
type Coordinator struct {
	exec TaskRunner
	opts Options
}

// NewCoordinator creates a coordinator running tasks on exec.
func NewCoordinator(exec TaskRunner, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		MaxConcurrent:  4,
		TaskTimeoutMin: 10 * time.Second,
		TaskTimeoutMax: 2 * time.Minute,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Coordinator{exec: exec, opts: opts}
}

// RunRound executes all tasks of a delegate plan and returns one outcome per
// task in plan declaration order. Direct plans return nil immediately. The
// round is bounded by ctx's deadline: tasks still unfinished when it expires
// are reported as timed out rather than blocking the caller.
func (c *Coordinator) RunRound(ctx context.Context, plan *core.Plan, round Round) []core.TaskOutcome {
	if plan.IsDirect() || len(plan.Tasks) == 0 {
		return nil
	}

	start := time.Now()

	indexByID := make(map[string]int, len(plan.Tasks))
	for i, t := range plan.Tasks {
		indexByID[t.ID] = i
	}

	var mu sync.Mutex
	closed := false
	outcomes := make([]core.TaskOutcome, len(plan.Tasks))

	record := func(o core.TaskOutcome) {
		mu.Lock()
		if closed { // round already reported, discard stragglers
			mu.Unlock()
			return
		}
		outcomes[indexByID[o.TaskID]] = o
		mu.Unlock()
		c.notify(round, o)
	}

	g := new(errgroup.Group)
	g.SetLimit(c.opts.MaxConcurrent)

	for _, unit := range buildUnits(plan) {
		unit := unit
		g.Go(func() error {
			c.runChain(ctx, unit, round, record)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Round deadline reached: close the books without waiting for
		// stragglers. Their contexts are already cancelled; late results
		// are discarded because the outcome slot is taken.
	}

	mu.Lock()
	closed = true
	for i, t := range plan.Tasks {
		if outcomes[i].TaskID == "" {
			outcomes[i] = core.TaskOutcome{
				TaskID:    t.ID,
				Worker:    t.Worker,
				Status:    core.OutcomeTimedOut,
				ErrDetail: "round deadline exceeded",
			}
			c.notify(round, outcomes[i])
		}
	}
	result := make([]core.TaskOutcome, len(outcomes))
	copy(result, outcomes)
	mu.Unlock()

	c.logRound(result, time.Since(start))

	return result
}

// buildUnits groups tasks into execution units: one unit per chain group
// (members sorted by ascending order) and one single-task unit per ungrouped
// task. Unit order follows plan declaration order.
func buildUnits(plan *core.Plan) [][]core.Task {
	var units [][]core.Task
	for _, t := range plan.Tasks {
		if t.Group == "" {
			units = append(units, []core.Task{t})
		}
	}
	for _, group := range plan.Groups() {
		chain := plan.TasksInGroup(group)
		sort.SliceStable(chain, func(i, j int) bool { return chain[i].Order < chain[j].Order })
		units = append(units, chain)
	}
	return units
}

// runChain executes a unit's tasks sequentially. Later chain members see the
// outcomes of earlier ones appended to their context.
func (c *Coordinator) runChain(ctx context.Context, chain []core.Task, round Round, record func(core.TaskOutcome)) {
	history := round.History

	for _, task := range chain {
		if ctx.Err() != nil {
			record(core.TaskOutcome{
				TaskID:    task.ID,
				Worker:    task.Worker,
				Status:    core.OutcomeTimedOut,
				ErrDetail: "round deadline exceeded",
			})
			continue
		}

		outcome := c.runTask(ctx, task, round.Profiles[task.Worker], history, round)
		record(outcome)

		switch outcome.Status {
		case core.OutcomeCompleted:
			history = append(history, core.NewWorkerMessage(task.Worker, task.ID, outcome.Result))
		default:
			note := fmt.Sprintf("An earlier task assigned to %s did not complete (%s): %s",
				task.Worker, outcome.Status, outcome.ErrDetail)
			history = append(history, core.NewMessage(core.RoleSystem, note))
		}
	}
}

// runTask executes one task under its clamped deadline and maps the result
// onto an outcome. A result arriving after the deadline expired counts as
// timed out.
func (c *Coordinator) runTask(ctx context.Context, task core.Task, profile crew.AgentProfile, history []core.Message, round Round) core.TaskOutcome {
	if round.Notify != nil {
		round.Notify(core.TransitionTaskDispatched, task.Worker+": "+task.Instruction)
	}

	taskCtx, cancel := context.WithTimeout(ctx, c.taskTimeout(ctx))
	defer cancel()

	start := time.Now()

	type taskResult struct {
		text string
		err  error
	}
	resCh := make(chan taskResult, 1)
	go func() {
		text, err := c.exec.ExecuteTask(taskCtx, profile, task.Instruction, history)
		resCh <- taskResult{text: text, err: err}
	}()

	outcome := core.TaskOutcome{TaskID: task.ID, Worker: task.Worker}

	select {
	case res := <-resCh:
		outcome.Duration = time.Since(start)
		// A deadline that fired while the result was in flight still
		// counts as a timeout, keeping the boundary deterministic.
		if taskCtx.Err() != nil {
			outcome.Status = core.OutcomeTimedOut
			outcome.ErrDetail = (&core.TaskTimeoutError{TaskID: task.ID}).Error()
			return outcome
		}
		if res.err != nil {
			outcome.Status = core.OutcomeFailed
			outcome.ErrDetail = res.err.Error()
			return outcome
		}
		outcome.Status = core.OutcomeCompleted
		outcome.Result = res.text
		return outcome

	case <-taskCtx.Done():
		outcome.Duration = time.Since(start)
		outcome.Status = core.OutcomeTimedOut
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			outcome.ErrDetail = "round cancelled"
		case ctx.Err() != nil:
			outcome.ErrDetail = "round deadline exceeded"
		default:
			outcome.ErrDetail = (&core.TaskTimeoutError{TaskID: task.ID}).Error()
		}
		return outcome
	}
}

// taskTimeout derives the per-task deadline: the time remaining in the round
// clamped into [TaskTimeoutMin, TaskTimeoutMax].
func (c *Coordinator) taskTimeout(ctx context.Context) time.Duration {
	timeout := c.opts.TaskTimeoutMax
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining < timeout {
			timeout = remaining
		}
	}
	if timeout < c.opts.TaskTimeoutMin {
		timeout = c.opts.TaskTimeoutMin
	}
	return timeout
}

func (c *Coordinator) notify(round Round, o core.TaskOutcome) {
	if round.Notify == nil {
		return
	}
	switch o.Status {
	case core.OutcomeCompleted:
		round.Notify(core.TransitionTaskCompleted, o.Worker)
	case core.OutcomeFailed:
		round.Notify(core.TransitionTaskFailed, o.Worker+": "+o.ErrDetail)
	case core.OutcomeTimedOut:
		round.Notify(core.TransitionTaskTimedOut, o.Worker+": "+o.ErrDetail)
	}
}

func (c *Coordinator) logRound(outcomes []core.TaskOutcome, dur time.Duration) {
	var completed, failed, timedOut int
	for _, o := range outcomes {
		switch o.Status {
		case core.OutcomeCompleted:
			completed++
		case core.OutcomeFailed:
			failed++
		case core.OutcomeTimedOut:
			timedOut++
		}
	}
	c.opts.Logger.Info("Dispatch round completed",
		"tasks", len(outcomes),
		"completed", completed,
		"failed", failed,
		"timed_out", timedOut,
		"duration_ms", dur.Milliseconds(),
	)
}
