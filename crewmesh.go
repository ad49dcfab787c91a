// Package crewmesh provides a high-level façade over the core Engine and its
// supporting services (model resolution, tool invocation, conversation and
// run persistence). Most applications interact with this package by:
//  1. Creating a CrewMesh via New() (optionally overriding default in-memory services)
//  2. Registering model providers and tool servers
//  3. Defining a crew and responding to user turns (Respond / RespondStream)
//
// The façade delegates orchestration to engine.Engine while keeping setup and
// usage ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply the SQLite-backed store
// and a structured logger.
package crewmesh

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/crewmesh/config"
	"github.com/hupe1980/crewmesh/core"
	"github.com/hupe1980/crewmesh/crew"
	"github.com/hupe1980/crewmesh/engine"
	"github.com/hupe1980/crewmesh/logging"
	"github.com/hupe1980/crewmesh/model"
	"github.com/hupe1980/crewmesh/store"
	"github.com/hupe1980/crewmesh/tool"
	"github.com/hupe1980/crewmesh/tool/mcp"
)

// Options configures the CrewMesh instance.
type Options struct {
	// Engine configuration (round timeout, concurrency, step budget).
	EngineConfig engine.Config

	// ToolTimeout bounds each tool invocation. There is no retry.
	ToolTimeout time.Duration

	// ToolCaller performs the network leg of tool calls. Defaults to an
	// MCP caller over streamable HTTP.
	ToolCaller tool.Caller

	// Stores (default to in-memory implementations if not provided).
	Conversations core.ConversationStore
	Ledger        core.Ledger

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// CrewMesh is the high-level façade aggregating the engine, the model
// registry and the tool server registry.
type CrewMesh struct {
	opts    Options
	models  *model.Registry
	servers *crew.ServerRegistry
	engine  *engine.Engine
}

// New creates a new CrewMesh instance with optional overrides. Any unset
// service is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *CrewMesh {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		ToolTimeout:  30 * time.Second,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.ToolCaller == nil {
		opts.ToolCaller = mcp.NewCaller()
	}

	models := model.NewRegistry()
	servers := crew.NewServerRegistry()
	invoker := tool.NewInvoker(servers, opts.ToolCaller, func(o *tool.Options) {
		o.Timeout = opts.ToolTimeout
		o.Logger = opts.Logger
	})

	eng := engine.New(models, invoker, func(o *engine.Options) {
		o.Config = opts.EngineConfig
		if opts.Conversations != nil {
			o.Conversations = opts.Conversations
		}
		if opts.Ledger != nil {
			o.Ledger = opts.Ledger
		}
		o.Logger = opts.Logger
	})

	return &CrewMesh{opts: opts, models: models, servers: servers, engine: eng}
}

// NewFromConfig builds a CrewMesh from a loaded configuration file: the
// SQLite-backed store for transcripts and the run ledger, a structured slog
// logger, and the configured orchestration and tooling limits.
func NewFromConfig(cfg *config.Config, optFns ...func(o *Options)) (*CrewMesh, error) {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	engineCfg := engine.DefaultConfig
	engineCfg.RoundTimeout = cfg.Orchestration.RoundTimeout
	engineCfg.MaxConcurrentTasks = cfg.Orchestration.MaxConcurrentTasks
	engineCfg.TaskTimeoutMin = cfg.Orchestration.TaskTimeoutMin
	engineCfg.TaskTimeoutMax = cfg.Orchestration.TaskTimeoutMax
	engineCfg.StepBudget = cfg.Orchestration.StepBudget

	base := func(o *Options) {
		o.EngineConfig = engineCfg
		o.ToolTimeout = cfg.Tooling.InvokeTimeout
		o.Conversations = db
		o.Ledger = db
		o.Logger = logging.NewSlogLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format, false)
	}

	return New(append([]func(o *Options){base}, optFns...)...), nil
}

// RegisterProvider adds a model factory for a provider prefix, e.g. "openai".
func (m *CrewMesh) RegisterProvider(provider string, factory func(modelID string) (model.Model, error)) {
	m.models.RegisterProvider(provider, factory)
}

// RegisterModel adds a model instance under an exact selector.
func (m *CrewMesh) RegisterModel(selector string, mdl model.Model) {
	m.models.RegisterModel(selector, mdl)
}

// RegisterServer adds or replaces a tool server profile.
func (m *CrewMesh) RegisterServer(profile crew.ServerProfile) {
	m.servers.Register(profile)
}

// RespondStream starts an asynchronous round returning the run id plus answer
// chunk and error channels.
func (m *CrewMesh) RespondStream(
	ctx context.Context,
	c *crew.Crew,
	conversationID string,
	userMsg string,
) (string, <-chan core.AnswerChunk, <-chan error, error) {
	return m.engine.RespondStream(ctx, c, conversationID, userMsg)
}

// Respond is a synchronous helper that drains the answer stream and returns
// the complete final answer.
func (m *CrewMesh) Respond(ctx context.Context, c *crew.Crew, conversationID, userMsg string) (string, error) {
	return m.engine.Respond(ctx, c, conversationID, userMsg)
}

// StopRound cancels an in-flight round by run id.
func (m *CrewMesh) StopRound(runID string) error {
	return m.engine.StopRound(runID)
}
