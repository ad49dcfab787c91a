package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/crewmesh/conversation"
	"github.com/hupe1980/crewmesh/core"
	"github.com/hupe1980/crewmesh/crew"
	"github.com/hupe1980/crewmesh/dispatch"
	"github.com/hupe1980/crewmesh/executor"
	"github.com/hupe1980/crewmesh/ledger"
	"github.com/hupe1980/crewmesh/logging"
	"github.com/hupe1980/crewmesh/model"
	"github.com/hupe1980/crewmesh/planner"
	"github.com/hupe1980/crewmesh/synth"
	"github.com/hupe1980/crewmesh/tool"
)

// Config defines tuning parameters for round orchestration.
type Config struct {
	// RoundTimeout bounds a whole round from planning to final answer.
	RoundTimeout time.Duration

	// MaxConcurrentTasks bounds parallel task execution per round.
	MaxConcurrentTasks int

	// TaskTimeoutMin and TaskTimeoutMax clamp per-task deadlines derived
	// from the time remaining in the round.
	TaskTimeoutMin time.Duration
	TaskTimeoutMax time.Duration

	// StepBudget bounds a worker's reason/act loop per task.
	StepBudget int

	// AnswerBufferSize sets the answer chunk channel buffer.
	AnswerBufferSize int
}

// DefaultConfig provides production-ready default configuration values.
var DefaultConfig = Config{
	RoundTimeout:       5 * time.Minute,
	MaxConcurrentTasks: 4,
	TaskTimeoutMin:     10 * time.Second,
	TaskTimeoutMax:     2 * time.Minute,
	StepBudget:         executor.DefaultStepBudget,
	AnswerBufferSize:   64,
}

// Options configures an Engine instance using the functional options pattern.
// All stores default to in-memory implementations suitable for development
// and testing.
type Options struct {
	// Config contains operational parameters for round orchestration.
	Config Config

	// Conversations persists transcripts. Defaults to in-memory.
	Conversations core.ConversationStore

	// Ledger records run lifecycles. Defaults to in-memory.
	Ledger core.Ledger

	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Engine coordinates crews through complete conversation rounds.
//
// A round is: plan the user turn on the supervisor's model, dispatch any
// delegated tasks, synthesize the final answer from the outcomes and persist
// everything. Rounds are isolated; the Engine itself only holds immutable
// collaborators plus the table of in-flight rounds for cancellation.
type Engine struct {
	models  model.Resolver
	invoker *tool.Invoker

	conversations core.ConversationStore
	runs          core.Ledger
	logger        logging.Logger
	config        Config

	coordinator *dispatch.Coordinator

	// Active round tracking for StopRound.
	roundsMu     sync.Mutex
	activeRounds map[string]context.CancelFunc
}

// New creates an Engine resolving agent models through models and routing
// tool calls through invoker.
//
// Example:
//
//	eng := engine.New(models, invoker,
//	    engine.WithLedger(store),
//	    engine.WithConversationStore(store),
//	    engine.WithLogger(logger),
//	)
func New(models model.Resolver, invoker *tool.Invoker, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config:        DefaultConfig,
		Conversations: conversation.NewInMemoryStore(),
		Ledger:        ledger.NewInMemoryLedger(),
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	exec := executor.NewExecutor(models, invoker, func(o *executor.Options) {
		o.StepBudget = opts.Config.StepBudget
		o.Logger = opts.Logger
	})
	coordinator := dispatch.NewCoordinator(exec, func(o *dispatch.Options) {
		o.MaxConcurrent = opts.Config.MaxConcurrentTasks
		o.TaskTimeoutMin = opts.Config.TaskTimeoutMin
		o.TaskTimeoutMax = opts.Config.TaskTimeoutMax
		o.Logger = opts.Logger
	})

	return &Engine{
		models:        models,
		invoker:       invoker,
		conversations: opts.Conversations,
		runs:          opts.Ledger,
		logger:        opts.Logger,
		config:        opts.Config,
		coordinator:   coordinator,
		activeRounds:  make(map[string]context.CancelFunc),
	}
}

// WithConfig overrides the orchestration configuration.
func WithConfig(cfg Config) func(o *Options) {
	return func(o *Options) { o.Config = cfg }
}

// WithConversationStore overrides the conversation store.
func WithConversationStore(s core.ConversationStore) func(o *Options) {
	return func(o *Options) { o.Conversations = s }
}

// WithLedger overrides the run ledger.
func WithLedger(l core.Ledger) func(o *Options) {
	return func(o *Options) { o.Ledger = l }
}

// WithLogger overrides the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// RespondStream runs one conversation round asynchronously and streams the
// final answer.
//
// Returns the run id, a chunk channel that ends with a terminal Done chunk,
// and an error channel carrying at most one terminal error. Both channels
// are closed when the round ends. An immediate error means the round never
// started and nothing was recorded.
func (e *Engine) RespondStream(ctx context.Context, c *crew.Crew, conversationID, userMsg string) (string, <-chan core.AnswerChunk, <-chan error, error) {
	if err := c.Validate(); err != nil {
		return "", nil, nil, fmt.Errorf("invalid crew: %w", err)
	}
	if !c.IsActive() {
		return "", nil, nil, fmt.Errorf("crew %s is %s and cannot serve rounds", c.ID, c.Status)
	}

	supModel, err := e.models.Resolve(c.Supervisor().Model)
	if err != nil {
		return "", nil, nil, fmt.Errorf("resolve supervisor model: %w", err)
	}

	history, err := e.conversations.Messages(ctx, conversationID)
	if err != nil {
		return "", nil, nil, fmt.Errorf("load conversation: %w", err)
	}

	if err := e.conversations.AppendMessage(ctx, conversationID, core.NewMessage(core.RoleUser, userMsg)); err != nil {
		return "", nil, nil, fmt.Errorf("append user message: %w", err)
	}

	rec, err := e.runs.StartRun(ctx, conversationID)
	if err != nil {
		return "", nil, nil, fmt.Errorf("start run: %w", err)
	}

	roundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.RoundTimeout)
	e.roundsMu.Lock()
	e.activeRounds[rec.ID] = cancel
	e.roundsMu.Unlock()

	out := make(chan core.AnswerChunk, e.config.AnswerBufferSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		defer func() {
			cancel()
			e.roundsMu.Lock()
			delete(e.activeRounds, rec.ID)
			e.roundsMu.Unlock()
		}()

		e.runRound(roundCtx, c, supModel, rec, history, userMsg, out, errCh)
	}()

	return rec.ID, out, errCh, nil
}

// Respond runs one round synchronously and returns the complete final
// answer. It is a convenience wrapper around RespondStream.
func (e *Engine) Respond(ctx context.Context, c *crew.Crew, conversationID, userMsg string) (string, error) {
	_, out, errCh, err := e.RespondStream(ctx, c, conversationID, userMsg)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range out {
		sb.WriteString(chunk.Text)
	}
	if err := <-errCh; err != nil {
		return "", err
	}

	return sb.String(), nil
}

// StopRound cancels an in-flight round by run id. The round closes with a
// failure record; already-dispatched tasks observe cancellation through
// their contexts.
func (e *Engine) StopRound(runID string) error {
	e.roundsMu.Lock()
	cancel, ok := e.activeRounds[runID]
	e.roundsMu.Unlock()

	if !ok {
		return fmt.Errorf("round %s not found", runID)
	}

	cancel()
	return nil
}

// runRound drives one round end to end. It owns all writes to the
// conversation for the round, keeping message ordering deterministic.
func (e *Engine) runRound(ctx context.Context, c *crew.Crew, supModel model.Model, rec *core.RunRecord, history []core.Message, userMsg string, out chan<- core.AnswerChunk, errCh chan<- error) {
	logger := e.logger
	start := time.Now()

	// Ledger and transcript writes survive round cancellation so a timed-out
	// round still closes its books.
	writeCtx := context.WithoutCancel(ctx)

	fail := func(stage string, err error) {
		logger.Error("Round failed", "run_id", rec.ID, "stage", stage, "error", err)
		e.runs.Record(writeCtx, rec.ID, core.TransitionRunFailed, err.Error())
		rec.Failure = err.Error()
		if cerr := e.runs.CloseRun(writeCtx, rec); cerr != nil {
			logger.Warn("Run record close failed", "run_id", rec.ID, "error", cerr)
		}
		errCh <- err
	}

	// Plan.
	pb := planner.NewBuilder(supModel, func(o *planner.Options) { o.Logger = logger })
	plan, err := pb.BuildPlan(ctx, history, userMsg, c.Workers())
	if err != nil {
		fail("plan", err)
		return
	}
	rec.Plan = plan
	e.runs.Record(writeCtx, rec.ID, core.TransitionPlanDecided, planSummary(plan))

	// Dispatch.
	profiles := map[string]crew.AgentProfile{}
	for _, w := range c.Workers() {
		profiles[w.ID] = w
	}
	roundHistory := append(append([]core.Message{}, history...), core.NewMessage(core.RoleUser, userMsg))

	outcomes := e.coordinator.RunRound(ctx, plan, dispatch.Round{
		Profiles: profiles,
		History:  roundHistory,
		Notify: func(t core.TransitionType, detail string) {
			e.runs.Record(writeCtx, rec.ID, t, detail)
		},
	})
	rec.Outcomes = outcomes

	// Worker results enter the transcript in plan declaration order.
	for _, o := range outcomes {
		if o.Status != core.OutcomeCompleted {
			continue
		}
		msg := core.NewWorkerMessage(o.Worker, o.TaskID, o.Result)
		if err := e.conversations.AppendMessage(writeCtx, rec.ConversationID, msg); err != nil {
			logger.Warn("Worker message write failed", "run_id", rec.ID, "task_id", o.TaskID, "error", err)
		}
	}

	// Synthesize.
	sz := synth.NewSynthesizer(supModel, func(o *synth.Options) { o.Logger = logger })
	chunks, synthErrCh := sz.Synthesize(ctx, history, userMsg, plan, outcomes)

	var answer strings.Builder
	for chunk := range chunks {
		if chunk.Text != "" {
			answer.WriteString(chunk.Text)
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			fail("stream", ctx.Err())
			return
		}
	}
	if err := <-synthErrCh; err != nil {
		fail("synthesize", err)
		return
	}

	// Persist the final answer and close the books.
	final := core.NewMessage(core.RoleSupervisor, answer.String())
	if err := e.conversations.AppendMessage(writeCtx, rec.ConversationID, final); err != nil {
		logger.Warn("Final answer write failed", "run_id", rec.ID, "error", err)
	}

	rec.FinalAnswer = answer.String()
	e.runs.Record(writeCtx, rec.ID, core.TransitionAnswerEmitted, "")
	if err := e.runs.CloseRun(writeCtx, rec); err != nil {
		logger.Warn("Run record close failed", "run_id", rec.ID, "error", err)
	}

	logger.Info("Round completed",
		"run_id", rec.ID,
		"conversation_id", rec.ConversationID,
		"plan_kind", plan.Kind,
		"tasks", len(plan.Tasks),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func planSummary(plan *core.Plan) string {
	if plan.IsDirect() {
		return "direct"
	}
	workers := make([]string, len(plan.Tasks))
	for i, t := range plan.Tasks {
		workers[i] = t.Worker
	}
	return fmt.Sprintf("delegate to %s", strings.Join(workers, ", "))
}
