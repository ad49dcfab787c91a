// Package mcp implements tool.Caller on top of the Model Context Protocol,
// connecting to tool servers over streamable HTTP and caching one session per
// endpoint.
package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hupe1980/crewmesh/tool"
)

// Options configure the MCP caller.
type Options struct {
	// ClientName and ClientVersion identify this client during the MCP
	// handshake.
	ClientName    string
	ClientVersion string
}

// Caller calls tools on MCP servers. Sessions are established lazily on
// first use of an endpoint and reused afterwards. Safe for concurrent use.
type Caller struct {
	client *sdk.Client

	mu       sync.Mutex
	sessions map[string]*sdk.ClientSession
}

// NewCaller creates a caller with a fresh MCP client.
func NewCaller(optFns ...func(o *Options)) *Caller {
	opts := Options{
		ClientName:    "crewmesh",
		ClientVersion: "0.1.0",
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	client := sdk.NewClient(&sdk.Implementation{
		Name:    opts.ClientName,
		Version: opts.ClientVersion,
	}, nil)

	return &Caller{
		client:   client,
		sessions: map[string]*sdk.ClientSession{},
	}
}

// session returns the cached session for an endpoint, dialing if necessary.
func (c *Caller) session(ctx context.Context, endpoint string) (*sdk.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[endpoint]; ok {
		return s, nil
	}

	transport := &sdk.StreamableClientTransport{Endpoint: endpoint}
	s, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", endpoint, err)
	}
	c.sessions[endpoint] = s

	return s, nil
}

// Call implements tool.Caller. Server-side tool failures surface as
// tool.RemoteError so the invoker can categorize them.
func (c *Caller) Call(ctx context.Context, endpoint, toolName string, args map[string]any) (any, error) {
	s, err := c.session(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	result, err := s.CallTool(ctx, &sdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		// A broken session must not poison later calls to the endpoint.
		c.evict(endpoint, s)
		return nil, err
	}

	text := flattenContent(result)
	if result.IsError {
		return nil, &tool.RemoteError{Detail: text}
	}

	return text, nil
}

// Close terminates all cached sessions.
func (c *Caller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for endpoint, s := range c.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.sessions, endpoint)
	}
	return firstErr
}

func (c *Caller) evict(endpoint string, s *sdk.ClientSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[endpoint] == s {
		delete(c.sessions, endpoint)
		_ = s.Close()
	}
}

// flattenContent joins the textual content blocks of a tool result.
func flattenContent(result *sdk.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*sdk.TextContent); ok && tc.Text != "" {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
