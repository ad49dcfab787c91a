// Package tool implements the tool invocation subsystem that lets worker
// agents call remote capabilities with schema validated arguments, a single
// bounded timeout and consistent typed errors.
package tool

import (
	"fmt"

	"github.com/hupe1980/crewmesh/internal/util"
)

// ValidationError represents argument validation errors with detailed information.
type ValidationError = util.ValidationError

// Error codes categorizing tool failures. The executor surfaces these
// verbatim to the model so it can decide whether a retry with different
// arguments makes sense.
const (
	// CodeSchemaValidation marks arguments rejected before any network
	// traffic happened.
	CodeSchemaValidation = "SCHEMA_VALIDATION"
	// CodeServerNotFound marks a tool reference naming an unknown or
	// inactive server.
	CodeServerNotFound = "SERVER_NOT_FOUND"
	// CodeTimeout marks an invocation that exceeded its single timeout.
	CodeTimeout = "TIMEOUT"
	// CodeNetwork marks transport-level failures reaching the server.
	CodeNetwork = "NETWORK"
	// CodeRemoteRejected marks calls the server received but refused or
	// failed to execute.
	CodeRemoteRejected = "REMOTE_REJECTED"
)

// ToolError represents errors that occur during tool invocation.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
