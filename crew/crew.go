// Package crew defines the static configuration of a multi-agent crew: the
// supervisor, its worker agents, the tools each worker may call and the
// servers those tools live on.
package crew

import (
	"errors"
	"fmt"
)

// ToolReference declares a tool a worker agent is allowed to call. The tool
// is hosted on the server identified by ServerID; InputSchema is the JSON
// schema its arguments are validated against before any network traffic.
type ToolReference struct {
	ServerID    string         `json:"server_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// AgentRole distinguishes the supervisor from its workers.
type AgentRole string

const (
	// RoleSupervisor plans, delegates and synthesizes the final answer.
	RoleSupervisor AgentRole = "supervisor"
	// RoleWorker executes delegated tasks, optionally calling tools.
	RoleWorker AgentRole = "worker"
)

// AgentProfile describes one agent in a crew. Model selects the backend via
// the configured model resolver (for example "openai:gpt-4o" or
// "anthropic:claude-sonnet-4-5"). Instructions is the agent's system prompt.
// A zero Temperature defers to the backend adapter's default.
type AgentProfile struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Role         AgentRole       `json:"role"`
	Model        string          `json:"model"`
	Instructions string          `json:"instructions"`
	Temperature  float64         `json:"temperature,omitempty"`
	Tools        []ToolReference `json:"tools,omitempty"`
}

// CrewStatus gates whether a crew may serve conversation rounds.
type CrewStatus string

const (
	// StatusActive crews serve rounds normally.
	StatusActive CrewStatus = "active"
	// StatusInactive crews are retained but refuse new rounds.
	StatusInactive CrewStatus = "inactive"
	// StatusMaintenance crews refuse new rounds while being edited.
	StatusMaintenance CrewStatus = "maintenance"
)

// Crew is a validated roster of one supervisor and zero or more workers.
// A crew with no workers degenerates to a single-agent assistant: every turn
// is answered directly by the supervisor. An empty Status counts as active.
type Crew struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      CrewStatus     `json:"status,omitempty"`
	Agents      []AgentProfile `json:"agents"`
}

// IsActive reports whether the crew may serve new rounds.
func (c *Crew) IsActive() bool {
	return c.Status == "" || c.Status == StatusActive
}

// Validate checks the roster invariants: exactly one supervisor, non-empty
// unique agent ids, and worker tool references naming a server.
func (c *Crew) Validate() error {
	if len(c.Agents) == 0 {
		return errors.New("crew has no agents")
	}

	switch c.Status {
	case "", StatusActive, StatusInactive, StatusMaintenance:
	default:
		return fmt.Errorf("unknown crew status %q", c.Status)
	}

	supervisors := 0
	seen := map[string]bool{}

	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent %q has an empty id", a.Name)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true

		switch a.Role {
		case RoleSupervisor:
			supervisors++
		case RoleWorker:
			for _, tr := range a.Tools {
				if tr.ServerID == "" {
					return fmt.Errorf("tool %q of agent %q references no server", tr.Name, a.ID)
				}
			}
		default:
			return fmt.Errorf("agent %q has unknown role %q", a.ID, a.Role)
		}
	}

	if supervisors != 1 {
		return fmt.Errorf("crew must have exactly one supervisor, found %d", supervisors)
	}

	return nil
}

// Supervisor returns the crew's supervisor profile. The crew must have been
// validated first.
func (c *Crew) Supervisor() AgentProfile {
	for _, a := range c.Agents {
		if a.Role == RoleSupervisor {
			return a
		}
	}
	return AgentProfile{}
}

// Workers returns the crew's worker profiles in declaration order.
func (c *Crew) Workers() []AgentProfile {
	var workers []AgentProfile
	for _, a := range c.Agents {
		if a.Role == RoleWorker {
			workers = append(workers, a)
		}
	}
	return workers
}

// Worker looks up a worker profile by id.
func (c *Crew) Worker(id string) (AgentProfile, bool) {
	for _, a := range c.Agents {
		if a.Role == RoleWorker && a.ID == id {
			return a, true
		}
	}
	return AgentProfile{}, false
}
