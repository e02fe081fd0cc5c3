package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// Largest number of urls a single page_fetch call may name.
const maxFetchUrls = 20

// tool is a server-side function the model can call during a chat
// completion. Results feed back into the conversation as tool messages.
type tool interface {
	name() string

	// definition returns the OpenAI function definition advertised to the
	// model.
	definition() map[string]any

	// invoke runs the tool with the model-supplied JSON arguments and
	// returns the result text for the model context. Errors are reported
	// to the model as text, not to the client.
	invoke(ctx context.Context, arguments string) (string, error)
}

// toolRegistry holds the tools offered on chat completions. Installed at
// startup, read-only afterwards.
type toolRegistry struct {
	tools map[string]tool
}

func newToolRegistry(tools ...tool) *toolRegistry {
	r := &toolRegistry{tools: make(map[string]tool)}
	for _, t := range tools {
		r.register(t)
	}
	return r
}

// register installs a tool; later registrations win on name collision.
func (r *toolRegistry) register(t tool) {
	r.tools[t.name()] = t
}

func (r *toolRegistry) get(name string) (tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// definitions lists every tool in the wire shape chat completions expect.
func (r *toolRegistry) definitions() []map[string]any {
	defs := make([]map[string]any, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, map[string]any{
			"type":     "function",
			"function": t.definition(),
		})
	}
	return defs
}

// run executes one tool call and formats failures as model-readable text.
func (r *toolRegistry) run(ctx context.Context, name, arguments string) string {
	t, ok := r.get(name)
	if !ok {
		return fmt.Sprintf("Unknown tool: %s", name)
	}
	result, err := t.invoke(ctx, arguments)
	if err != nil {
		log.Printf("tool %s failed: %v", name, err)
		return fmt.Sprintf("Error executing %s: %v", name, err)
	}
	return result
}

// webSearchTool searches the web through Tavily.
type webSearchTool struct {
	tavily *tavilyClient
}

func (t *webSearchTool) name() string { return "web_search" }

func (t *webSearchTool) definition() map[string]any {
	return map[string]any{
		"name":        t.name(),
		"description": "Search the web for current information, news, facts, or any information not in your training data. Use this when the user asks for current events, recent information, or facts you don't know.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (t *webSearchTool) invoke(ctx context.Context, arguments string) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	if args.Query == "" {
		return "", fmt.Errorf("query is required")
	}

	resp, err := t.tavily.search(ctx, args.Query, 5)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(map[string]any{
		"query":   resp.Query,
		"results": resp.Results,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// pageFetchTool extracts the content of specific pages through Tavily.
type pageFetchTool struct {
	tavily *tavilyClient
}

func (t *pageFetchTool) name() string { return "page_fetch" }

func (t *pageFetchTool) definition() map[string]any {
	return map[string]any{
		"name":        t.name(),
		"description": "Fetch and extract the full content from one or more webpage URLs (max 20). Use this when you need to read the detailed content of specific pages that were found in search results or mentioned by the user.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"urls": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "The URLs of the webpages to fetch and extract content from (maximum 20 URLs)",
					"maxItems":    maxFetchUrls,
				},
			},
			"required": []string{"urls"},
		},
	}
}

func (t *pageFetchTool) invoke(ctx context.Context, arguments string) (string, error) {
	var args struct {
		Urls []string `json:"urls"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	if len(args.Urls) == 0 {
		return "", fmt.Errorf("urls is required")
	}
	if len(args.Urls) > maxFetchUrls {
		args.Urls = args.Urls[:maxFetchUrls]
	}

	resp, err := t.tavily.extract(ctx, args.Urls)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(map[string]any{"results": resp.Results})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
