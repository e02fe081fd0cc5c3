package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/teegate/teegate/protocol"
)

// Upper bound on a buffered (non-streaming) chat completion body.
const maxChatResponseBytes = 16 << 20

const wrapUpPrompt = "[System: You have used all available tool calls. Please provide your final response to the user now based on the information you have gathered. Do not attempt to use any tools.]"

// chatHandler forwards chat completion requests to an OpenAI-compatible
// upstream. With stream:true the upstream SSE body is passed through as a
// streaming response; otherwise the completion runs buffered, with
// server-side tools resolved in a bounded loop before the final answer.
type chatHandler struct {
	upstream          string
	apiKey            string
	tools             *toolRegistry
	maxToolIterations int
	client            *http.Client
}

func newChatHandler(upstream, apiKey string, tools *toolRegistry, maxToolIterations int, client *http.Client) *chatHandler {
	if client == nil {
		client = http.DefaultClient
	}
	if maxToolIterations <= 0 {
		maxToolIterations = defaultMaxToolIterations
	}
	return &chatHandler{
		upstream:          upstream,
		apiKey:            apiKey,
		tools:             tools,
		maxToolIterations: maxToolIterations,
		client:            client,
	}
}

// chatMessage is the slice of a completion message the gateway inspects.
type chatMessage struct {
	Content   string         `json:"content"`
	ToolCalls []chatToolCall `json:"tool_calls"`
}

type chatToolCall struct {
	Id       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatCompletion struct {
	Choices []struct {
		Message json.RawMessage `json:"message"`
	} `json:"choices"`
}

func (h *chatHandler) Handle(ctx context.Context, req *protocol.Request, registry *streamRegistry) (handlerResponse, error) {
	if len(req.Body) == 0 {
		return nil, statusErrorf(400, "Request body is required")
	}

	var body map[string]any
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, statusErrorf(400, "Invalid chat request body")
	}
	model, _ := body["model"].(string)
	if model == "" {
		return nil, statusErrorf(400, "model is required")
	}

	if stream, _ := body["stream"].(bool); stream {
		return h.handleStreaming(ctx, req.Body)
	}

	content, err := h.complete(ctx, body)
	if err != nil {
		return nil, err
	}
	return singleResponse{status: 200, body: content}, nil
}

// handleStreaming passes the upstream SSE body through unmodified.
func (h *chatHandler) handleStreaming(ctx context.Context, payload []byte) (handlerResponse, error) {
	resp, err := h.post(ctx, payload)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		headers["Content-Type"] = ct
	}
	return streamingResponse{
		headers: headers,
		stream: func(w io.Writer) error {
			defer resp.Body.Close()
			if _, err := io.Copy(w, resp.Body); err != nil {
				return statusErrorf(500, "Chat stream interrupted")
			}
			return nil
		},
	}, nil
}

// complete runs the buffered completion, resolving server-side tool calls
// until the model answers or the iteration bound is hit. The final
// iteration withholds the tool definitions and asks the model to wrap up.
func (h *chatHandler) complete(ctx context.Context, body map[string]any) (string, error) {
	messages, _ := body["messages"].([]any)
	payload := make(map[string]any, len(body)+1)
	for k, v := range body {
		payload[k] = v
	}
	payload["stream"] = false

	for iteration := 0; iteration < h.maxToolIterations; iteration++ {
		last := iteration == h.maxToolIterations-1
		if h.tools != nil && !last {
			payload["tools"] = h.tools.definitions()
		} else {
			delete(payload, "tools")
		}
		if last && iteration > 0 {
			messages = append(messages, map[string]any{"role": "user", "content": wrapUpPrompt})
		}
		payload["messages"] = messages

		raw, err := json.Marshal(payload)
		if err != nil {
			return "", statusErrorf(400, "Invalid chat request body")
		}
		resp, err := h.post(ctx, raw)
		if err != nil {
			return "", err
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxChatResponseBytes))
		resp.Body.Close()
		if err != nil {
			return "", statusErrorf(502, "Chat upstream read failed")
		}

		var completion chatCompletion
		if err := json.Unmarshal(data, &completion); err != nil || len(completion.Choices) == 0 {
			return "", statusErrorf(502, "Invalid chat upstream response")
		}
		var message chatMessage
		if err := json.Unmarshal(completion.Choices[0].Message, &message); err != nil {
			return "", statusErrorf(502, "Invalid chat upstream response")
		}

		if h.tools == nil || len(message.ToolCalls) == 0 {
			return message.Content, nil
		}

		messages = append(messages, json.RawMessage(completion.Choices[0].Message))
		for _, call := range message.ToolCalls {
			messages = append(messages, map[string]any{
				"role":         "tool",
				"tool_call_id": call.Id,
				"content":      h.tools.run(ctx, call.Function.Name, call.Function.Arguments),
			})
		}
	}
	return "", statusErrorf(500, "Tool iteration limit exceeded")
}

// post sends one completion request; non-200 answers map onto their
// status, transport failures onto 502.
func (h *chatHandler) post(ctx context.Context, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.upstream+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, statusErrorf(400, "Invalid chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, statusErrorf(502, "Chat upstream unavailable")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, statusErrorf(resp.StatusCode, "Chat upstream returned %d", resp.StatusCode)
	}
	return resp, nil
}
