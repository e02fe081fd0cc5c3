package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// mcpServerConfig describes one MCP server connection.
//
// Example JSON:
//
//	{
//	  "name": "filesystem",
//	  "transport": "stdio",
//	  "command": "npx",
//	  "args": ["-y", "@modelcontextprotocol/server-filesystem", "/allowed/path"],
//	  "env": {"SOME_VAR": "value"}
//	}
type mcpServerConfig struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Env       map[string]string `json:"env"`
	Url       string            `json:"url"`
}

func (c *mcpServerConfig) validate() error {
	if c.Name == "" {
		return errors.New("mcp: server name is required")
	}
	if c.Transport == "" {
		c.Transport = "stdio"
	}
	switch strings.ToLower(c.Transport) {
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("mcp: server %s: stdio transport requires command", c.Name)
		}
	case "sse":
		if c.Url == "" {
			return fmt.Errorf("mcp: server %s: sse transport requires url", c.Name)
		}
	default:
		return fmt.Errorf("mcp: server %s: unknown transport %q", c.Name, c.Transport)
	}
	return nil
}

// parseMcpServerConfigs accepts either a bare array or an object with a
// "servers" array.
func parseMcpServerConfigs(raw string) ([]mcpServerConfig, error) {
	var configs []mcpServerConfig
	if err := json.Unmarshal([]byte(raw), &configs); err != nil {
		var wrapper struct {
			Servers []mcpServerConfig `json:"servers"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapper); err != nil || wrapper.Servers == nil {
			return nil, errors.New(`mcp: invalid config: expected array or {"servers": [...]}`)
		}
		configs = wrapper.Servers
	}
	for i := range configs {
		if err := configs[i].validate(); err != nil {
			return nil, err
		}
	}
	return configs, nil
}

// mcpSession is the slice of the SDK client the manager and adapters drive.
type mcpSession interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// mcpCaller is what a tool adapter needs to execute one call.
type mcpCaller interface {
	callTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// mcpConnection binds a session to its per-call timeout.
type mcpConnection struct {
	serverName string
	session    mcpSession
	timeout    time.Duration
}

func (c *mcpConnection) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := c.session.CallTool(ctx, req)
	if err != nil {
		return "", err
	}
	return formatMcpResult(result), nil
}

// formatMcpResult flattens a tool result into model-readable text.
func formatMcpResult(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var sb strings.Builder
	for _, content := range result.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			sb.WriteString(c.Text)
		case mcp.ImageContent:
			fmt.Fprintf(&sb, "[Image: %s]", c.MIMEType)
		default:
			sb.WriteString("[non-text content]")
		}
		sb.WriteString("\n")
	}
	text := strings.TrimSpace(sb.String())
	if result.IsError {
		return "Tool error: " + text
	}
	return text
}

// mcpTool adapts one discovered MCP tool to the local tool interface. Names
// are namespaced mcp_<server>_<tool> so servers cannot shadow each other or
// the built-in tools.
type mcpTool struct {
	serverName  string
	toolName    string
	description string
	schema      map[string]any
	caller      mcpCaller
}

func newMcpTool(serverName string, discovered mcp.Tool, caller mcpCaller) *mcpTool {
	return &mcpTool{
		serverName:  serverName,
		toolName:    discovered.Name,
		description: discovered.Description,
		schema:      mcpInputSchema(discovered.InputSchema),
		caller:      caller,
	}
}

func (t *mcpTool) name() string {
	return "mcp_" + t.serverName + "_" + t.toolName
}

func (t *mcpTool) definition() map[string]any {
	return map[string]any{
		"name":        t.name(),
		"description": fmt.Sprintf("[MCP:%s] %s", t.serverName, t.description),
		"parameters":  t.schema,
	}
}

func (t *mcpTool) invoke(ctx context.Context, arguments string) (string, error) {
	args := map[string]any{}
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("parse arguments: %w", err)
		}
	}
	return t.caller.callTool(ctx, t.toolName, args)
}

// mcpInputSchema converts a discovered input schema to the OpenAI function
// parameter shape. MCP schemas are already JSON Schema; only the envelope
// is normalized.
func mcpInputSchema(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
	if schema.Properties != nil {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}

// mcpManager owns the MCP server connections and registers every discovered
// tool with the tool registry. Connection failures are logged and skipped;
// one bad server must not take the gateway down.
type mcpManager struct {
	timeout  time.Duration
	sessions map[string]mcpSession
}

func newMcpManager(timeout time.Duration) *mcpManager {
	return &mcpManager{
		timeout:  timeout,
		sessions: make(map[string]mcpSession),
	}
}

// connectAll dials every configured server and registers its tools.
func (m *mcpManager) connectAll(ctx context.Context, configs []mcpServerConfig, registry *toolRegistry) {
	for _, cfg := range configs {
		session, err := m.connect(ctx, cfg)
		if err != nil {
			log.Printf("mcp: failed to connect to server %s: %v", cfg.Name, err)
			continue
		}
		count, err := m.registerTools(ctx, cfg.Name, session, registry)
		if err != nil {
			log.Printf("mcp: failed to list tools from server %s: %v", cfg.Name, err)
			_ = session.Close()
			continue
		}
		m.sessions[cfg.Name] = session
		log.Printf("mcp: server %s connected, %d tools registered", cfg.Name, count)
	}
}

// connect dials one server over its configured transport and runs the
// initialize handshake.
func (m *mcpManager) connect(ctx context.Context, cfg mcpServerConfig) (mcpSession, error) {
	var session mcpSession
	switch strings.ToLower(cfg.Transport) {
	case "sse":
		c, err := mcpclient.NewSSEMCPClient(cfg.Url)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		session = c
	default:
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		c, err := mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
		if err != nil {
			return nil, err
		}
		session = c
	}

	initCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "teegate", Version: "1.0.0"}
	if _, err := session.Initialize(initCtx, initReq); err != nil {
		_ = session.Close()
		return nil, err
	}
	return session, nil
}

// registerTools discovers the server's tools and installs adapters for them.
func (m *mcpManager) registerTools(ctx context.Context, serverName string, session mcpSession, registry *toolRegistry) (int, error) {
	listCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	result, err := session.ListTools(listCtx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, err
	}
	caller := &mcpConnection{serverName: serverName, session: session, timeout: m.timeout}
	for _, discovered := range result.Tools {
		registry.register(newMcpTool(serverName, discovered, caller))
	}
	return len(result.Tools), nil
}

// close shuts every session down.
func (m *mcpManager) close() {
	for name, session := range m.sessions {
		if err := session.Close(); err != nil {
			log.Printf("mcp: error closing server %s: %v", name, err)
		}
	}
	m.sessions = make(map[string]mcpSession)
}
