package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/crewmesh/core"
	"github.com/hupe1980/crewmesh/crew"
)

// fakeRunner scripts per-worker behavior for coordinator tests.
type fakeRunner struct {
	mu      sync.Mutex
	history map[string][]core.Message // instruction -> prior context seen
	run     func(ctx context.Context, worker, instruction string) (string, error)
}

func newFakeRunner(run func(ctx context.Context, worker, instruction string) (string, error)) *fakeRunner {
	return &fakeRunner{history: map[string][]core.Message{}, run: run}
}

func (f *fakeRunner) ExecuteTask(ctx context.Context, profile crew.AgentProfile, instruction string, prior []core.Message) (string, error) {
	f.mu.Lock()
	f.history[instruction] = append([]core.Message{}, prior...)
	f.mu.Unlock()
	return f.run(ctx, profile.ID, instruction)
}

func (f *fakeRunner) priorFor(instruction string) []core.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[instruction]
}

func profiles(ids ...string) map[string]crew.AgentProfile {
	m := map[string]crew.AgentProfile{}
	for _, id := range ids {
		m[id] = crew.AgentProfile{ID: id, Role: crew.RoleWorker, Model: "mock:w"}
	}
	return m
}

func delegatePlan(tasks ...core.Task) *core.Plan {
	return &core.Plan{Kind: core.PlanDelegate, Tasks: tasks}
}

func TestRunRoundDirectPlanIsEmpty(t *testing.T) {
	c := NewCoordinator(newFakeRunner(nil))
	outcomes := c.RunRound(context.Background(), &core.Plan{Kind: core.PlanDirect}, Round{})
	assert.Nil(t, outcomes)
}

func TestRunRoundDeclarationOrderWithScrambledCompletion(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, worker, instruction string) (string, error) {
		if worker == "w1" {
			time.Sleep(50 * time.Millisecond) // first declared finishes last
		}
		return "done by " + worker, nil
	})
	c := NewCoordinator(runner)

	plan := delegatePlan(
		core.Task{ID: "t1", Worker: "w1", Instruction: "slow"},
		core.Task{ID: "t2", Worker: "w2", Instruction: "fast"},
		core.Task{ID: "t3", Worker: "w3", Instruction: "faster"},
	)
	outcomes := c.RunRound(context.Background(), plan, Round{Profiles: profiles("w1", "w2", "w3")})

	require.Len(t, outcomes, 3)
	assert.Equal(t, "t1", outcomes[0].TaskID)
	assert.Equal(t, "t2", outcomes[1].TaskID)
	assert.Equal(t, "t3", outcomes[2].TaskID)
	for _, o := range outcomes {
		assert.Equal(t, core.OutcomeCompleted, o.Status)
	}
}

func TestRunRoundChainSequentialWithPriorOutcomes(t *testing.T) {
	var order []string
	var mu sync.Mutex
	runner := newFakeRunner(func(ctx context.Context, worker, instruction string) (string, error) {
		mu.Lock()
		order = append(order, instruction)
		mu.Unlock()
		return "result of " + instruction, nil
	})
	c := NewCoordinator(runner)

	plan := delegatePlan(
		core.Task{ID: "t1", Worker: "w1", Instruction: "research", Group: "chain", Order: 1},
		core.Task{ID: "t2", Worker: "w2", Instruction: "write", Group: "chain", Order: 2},
	)
	outcomes := c.RunRound(context.Background(), plan, Round{Profiles: profiles("w1", "w2")})

	require.Len(t, outcomes, 2)
	assert.Equal(t, []string{"research", "write"}, order)

	// The second chain member saw the first member's result.
	prior := runner.priorFor("write")
	require.NotEmpty(t, prior)
	last := prior[len(prior)-1]
	assert.Equal(t, core.RoleWorker, last.Role)
	assert.Equal(t, "result of research", last.Content)
	assert.Equal(t, "t1", last.TaskID)
}

func TestRunRoundChainRespectsOrderFieldNotDeclaration(t *testing.T) {
	var order []string
	var mu sync.Mutex
	runner := newFakeRunner(func(ctx context.Context, worker, instruction string) (string, error) {
		mu.Lock()
		order = append(order, instruction)
		mu.Unlock()
		return "ok", nil
	})
	c := NewCoordinator(runner)

	plan := delegatePlan(
		core.Task{ID: "t1", Worker: "w1", Instruction: "second", Group: "g", Order: 2},
		core.Task{ID: "t2", Worker: "w2", Instruction: "first", Group: "g", Order: 1},
	)
	outcomes := c.RunRound(context.Background(), plan, Round{Profiles: profiles("w1", "w2")})

	assert.Equal(t, []string{"first", "second"}, order)
	// Outcomes still report in declaration order.
	assert.Equal(t, "t1", outcomes[0].TaskID)
	assert.Equal(t, "t2", outcomes[1].TaskID)
}

func TestRunRoundFailureIsContained(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, worker, instruction string) (string, error) {
		if worker == "w1" {
			return "", errors.New("model exploded")
		}
		return "fine", nil
	})
	c := NewCoordinator(runner)

	plan := delegatePlan(
		core.Task{ID: "t1", Worker: "w1", Instruction: "a"},
		core.Task{ID: "t2", Worker: "w2", Instruction: "b"},
	)
	outcomes := c.RunRound(context.Background(), plan, Round{Profiles: profiles("w1", "w2")})

	assert.Equal(t, core.OutcomeFailed, outcomes[0].Status)
	assert.Contains(t, outcomes[0].ErrDetail, "model exploded")
	assert.Equal(t, core.OutcomeCompleted, outcomes[1].Status)
}

func TestRunRoundChainContinuesAfterFailure(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, worker, instruction string) (string, error) {
		if instruction == "research" {
			return "", errors.New("no sources found")
		}
		return "wrote it anyway", nil
	})
	c := NewCoordinator(runner)

	plan := delegatePlan(
		core.Task{ID: "t1", Worker: "w1", Instruction: "research", Group: "g", Order: 1},
		core.Task{ID: "t2", Worker: "w2", Instruction: "write", Group: "g", Order: 2},
	)
	outcomes := c.RunRound(context.Background(), plan, Round{Profiles: profiles("w1", "w2")})

	assert.Equal(t, core.OutcomeFailed, outcomes[0].Status)
	assert.Equal(t, core.OutcomeCompleted, outcomes[1].Status)

	// The failure was surfaced to the next chain member.
	prior := runner.priorFor("write")
	require.NotEmpty(t, prior)
	last := prior[len(prior)-1]
	assert.Equal(t, core.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "did not complete")
}

func TestRunRoundPerTaskTimeout(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, worker, instruction string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	c := NewCoordinator(runner, func(o *Options) {
		o.TaskTimeoutMin = 10 * time.Millisecond
		o.TaskTimeoutMax = 20 * time.Millisecond
	})

	plan := delegatePlan(core.Task{ID: "t1", Worker: "w1", Instruction: "hang"})
	outcomes := c.RunRound(context.Background(), plan, Round{Profiles: profiles("w1")})

	require.Len(t, outcomes, 1)
	assert.Equal(t, core.OutcomeTimedOut, outcomes[0].Status)
	assert.Contains(t, outcomes[0].ErrDetail, "deadline")
}

func TestRunRoundLateResultCountsAsTimeout(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, worker, instruction string) (string, error) {
		<-ctx.Done() // deadline fires
		return "too late", nil // but a result still arrives
	})
	c := NewCoordinator(runner, func(o *Options) {
		o.TaskTimeoutMin = 10 * time.Millisecond
		o.TaskTimeoutMax = 20 * time.Millisecond
	})

	plan := delegatePlan(core.Task{ID: "t1", Worker: "w1", Instruction: "slow"})
	outcomes := c.RunRound(context.Background(), plan, Round{Profiles: profiles("w1")})

	assert.Equal(t, core.OutcomeTimedOut, outcomes[0].Status)
	assert.Empty(t, outcomes[0].Result)
}

func TestRunRoundGlobalDeadlineForcesClose(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	runner := newFakeRunner(func(ctx context.Context, worker, instruction string) (string, error) {
		if worker == "w2" {
			<-block // ignores cancellation entirely
			return "never", nil
		}
		return "quick", nil
	})
	c := NewCoordinator(runner, func(o *Options) {
		o.TaskTimeoutMin = time.Second // larger than the round budget
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	plan := delegatePlan(
		core.Task{ID: "t1", Worker: "w1", Instruction: "a"},
		core.Task{ID: "t2", Worker: "w2", Instruction: "b"},
	)

	start := time.Now()
	outcomes := c.RunRound(ctx, plan, Round{Profiles: profiles("w1", "w2")})

	assert.Less(t, time.Since(start), 500*time.Millisecond, "round must not block on stragglers")
	require.Len(t, outcomes, 2)
	assert.Equal(t, core.OutcomeCompleted, outcomes[0].Status)
	assert.Equal(t, core.OutcomeTimedOut, outcomes[1].Status)
	assert.Equal(t, "round deadline exceeded", outcomes[1].ErrDetail)
}

func TestRunRoundNotifyTransitions(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, worker, instruction string) (string, error) {
		return "ok", nil
	})
	c := NewCoordinator(runner)

	var mu sync.Mutex
	var events []core.TransitionType
	notify := func(tt core.TransitionType, detail string) {
		mu.Lock()
		events = append(events, tt)
		mu.Unlock()
	}

	plan := delegatePlan(core.Task{ID: "t1", Worker: "w1", Instruction: "a"})
	c.RunRound(context.Background(), plan, Round{Profiles: profiles("w1"), Notify: notify})

	require.Len(t, events, 2)
	assert.Equal(t, core.TransitionTaskDispatched, events[0])
	assert.Equal(t, core.TransitionTaskCompleted, events[1])
}

func TestRunRoundConcurrencyLimit(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	runner := newFakeRunner(func(ctx context.Context, worker, instruction string) (string, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return "ok", nil
	})
	c := NewCoordinator(runner, func(o *Options) { o.MaxConcurrent = 2 })

	var tasks []core.Task
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		tasks = append(tasks, core.Task{ID: id, Worker: "w1", Instruction: "task " + id})
	}
	outcomes := c.RunRound(context.Background(), delegatePlan(tasks...), Round{Profiles: profiles("w1")})

	assert.Len(t, outcomes, 5)
	assert.LessOrEqual(t, peak, 2)
}

func TestTaskTimeoutClamping(t *testing.T) {
	c := NewCoordinator(newFakeRunner(nil), func(o *Options) {
		o.TaskTimeoutMin = 10 * time.Second
		o.TaskTimeoutMax = time.Minute
	})

	// No round deadline: the max applies.
	assert.Equal(t, time.Minute, c.taskTimeout(context.Background()))

	// Plenty of time left: still capped at max.
	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()
	assert.Equal(t, time.Minute, c.taskTimeout(ctx))

	// Round nearly over: floor applies.
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.Equal(t, 10*time.Second, c.taskTimeout(ctx2))

	// In between: remaining round time wins.
	ctx3, cancel3 := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel3()
	got := c.taskTimeout(ctx3)
	assert.True(t, got > 10*time.Second && got <= 30*time.Second, "got %v", got)
}

func TestRunRoundChainSkipsAfterRoundDeadline(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, worker, instruction string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	c := NewCoordinator(runner, func(o *Options) {
		o.TaskTimeoutMin = 10 * time.Millisecond
		o.TaskTimeoutMax = 10 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	plan := delegatePlan(
		core.Task{ID: "t1", Worker: "w1", Instruction: "a", Group: "g", Order: 1},
		core.Task{ID: "t2", Worker: "w1", Instruction: "b", Group: "g", Order: 2},
		core.Task{ID: "t3", Worker: "w1", Instruction: "c", Group: "g", Order: 3},
		core.Task{ID: "t4", Worker: "w1", Instruction: "d", Group: "g", Order: 4},
	)
	outcomes := c.RunRound(ctx, plan, Round{Profiles: profiles("w1")})

	require.Len(t, outcomes, 4)
	for _, o := range outcomes {
		assert.Equal(t, core.OutcomeTimedOut, o.Status)
		assert.True(t, strings.Contains(o.ErrDetail, "deadline") || strings.Contains(o.ErrDetail, "cancelled"),
			"unexpected detail %q", o.ErrDetail)
	}
}
