package crew

import (
	"fmt"
	"sync"
)

// ServerProfile describes a tool server reachable over HTTP. Inactive servers
// stay registered but reject resolution, so a crew can be edited without
// deleting history that references the server. Tools is the server's
// advertised catalog; agent profiles copy the references they are granted.
type ServerProfile struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Endpoint string          `json:"endpoint"`
	Active   bool            `json:"active"`
	Tools    []ToolReference `json:"tools,omitempty"`
}

// ServerRegistry holds the tool servers known to an engine instance. It is
// safe for concurrent use.
type ServerRegistry struct {
	mu      sync.RWMutex
	servers map[string]ServerProfile
}

// NewServerRegistry creates an empty registry.
func NewServerRegistry() *ServerRegistry {
	return &ServerRegistry{servers: map[string]ServerProfile{}}
}

// Register adds or replaces a server profile.
func (r *ServerRegistry) Register(s ServerProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[s.ID] = s
}

// Deactivate marks a server inactive without removing it.
func (r *ServerRegistry) Deactivate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.servers[id]; ok {
		s.Active = false
		r.servers[id] = s
	}
}

// Resolve returns the active server for the given id. Unknown and inactive
// servers both resolve to an error so callers treat them uniformly as
// unavailable.
func (r *ServerRegistry) Resolve(id string) (ServerProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.servers[id]
	if !ok {
		return ServerProfile{}, fmt.Errorf("server %q is not registered", id)
	}
	if !s.Active {
		return ServerProfile{}, fmt.Errorf("server %q is inactive", id)
	}

	return s, nil
}

// List returns a snapshot of all registered servers.
func (r *ServerRegistry) List() []ServerProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerProfile, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	return out
}
