package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/crewmesh/crew"
	"github.com/hupe1980/crewmesh/internal/util"
	"github.com/hupe1980/crewmesh/logging"
)

// Caller performs the actual network call to a tool server. Implementations
// must honor context cancellation. A RemoteError return marks calls the
// server received but rejected; any other error is treated as a transport
// failure.
type Caller interface {
	Call(ctx context.Context, endpoint, toolName string, args map[string]any) (any, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, endpoint, toolName string, args map[string]any) (any, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, endpoint, toolName string, args map[string]any) (any, error) {
	return f(ctx, endpoint, toolName, args)
}

// RemoteError marks a call the server received but refused or failed to
// execute, as opposed to a transport failure.
type RemoteError struct {
	Detail string
}

// Error implements the error interface.
func (e *RemoteError) Error() string { return e.Detail }

// Options configure an Invoker.
type Options struct {
	// Timeout bounds each invocation. There is exactly one attempt; the
	// invoker never retries.
	Timeout time.Duration

	// Logger receives invocation telemetry.
	Logger logging.Logger
}

// Invoker validates, routes and executes tool calls on behalf of worker
// agents. Arguments failing schema validation never reach the network.
type Invoker struct {
	registry *crew.ServerRegistry
	caller   Caller
	opts     Options
}

// NewInvoker creates an Invoker routing calls through the given registry and
// caller.
func NewInvoker(registry *crew.ServerRegistry, caller Caller, optFns ...func(o *Options)) *Invoker {
	opts := Options{
		Timeout: 30 * time.Second,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Invoker{registry: registry, caller: caller, opts: opts}
}

// Invoke executes a single tool call. Errors are always *ToolError with a
// categorizing code; a successful call returns the result serialized to a
// string for the model transcript.
func (i *Invoker) Invoke(ctx context.Context, ref crew.ToolReference, args map[string]any) (string, error) {
	if err := util.ValidateArguments(args, ref.InputSchema); err != nil {
		var verr *util.ValidationError
		terr := NewToolError(ref.Name, err.Error(), CodeSchemaValidation)
		if errors.As(err, &verr) {
			terr.Details = verr
		}
		return "", terr
	}

	server, err := i.registry.Resolve(ref.ServerID)
	if err != nil {
		return "", NewToolError(ref.Name, err.Error(), CodeServerNotFound)
	}

	callCtx, cancel := context.WithTimeout(ctx, i.opts.Timeout)
	defer cancel()

	start := time.Now()
	result, err := i.caller.Call(callCtx, server.Endpoint, ref.Name, args)
	dur := time.Since(start)

	if err != nil {
		terr := classify(ref.Name, callCtx, err)
		i.logInvocation(ref.Name, dur, terr)
		return "", terr
	}

	i.logInvocation(ref.Name, dur, nil)

	return stringify(result), nil
}

// classify maps a caller error onto the tool error taxonomy.
func classify(toolName string, callCtx context.Context, err error) *ToolError {
	var remote *RemoteError
	switch {
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return NewToolError(toolName, "invocation timed out", CodeTimeout)
	case errors.As(err, &remote):
		return NewToolError(toolName, remote.Detail, CodeRemoteRejected)
	default:
		return NewToolError(toolName, err.Error(), CodeNetwork)
	}
}

// stringify renders a tool result for the model transcript. Strings pass
// through; everything else is JSON encoded.
func stringify(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}

func (i *Invoker) logInvocation(toolName string, dur time.Duration, terr *ToolError) {
	if terr != nil {
		i.opts.Logger.Error("Tool invocation failed", "tool", toolName, "code", terr.Code, "duration", dur)
		return
	}
	i.opts.Logger.Debug("Tool invocation completed", "tool", toolName, "duration", dur)
}
