package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/teegate/teegate/protocol"
)

func chatRequestEnvelope(body string) *protocol.Request {
	return &protocol.Request{Id: 1, Verb: "POST", Path: "/v1/chat/completions", Body: []byte(body)}
}

// TestChatHandlerNonStreaming verifies the buffered completion path and the
// forwarded headers.
func TestChatHandlerNonStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), `"model":"test-model"`)

		w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	t.Cleanup(upstream.Close)

	h := newChatHandler(upstream.URL, "sk-test", nil, 0, upstream.Client())
	resp, err := h.Handle(context.Background(), chatRequestEnvelope(`{"model":"test-model","stream":false}`), newStreamRegistry(defaultStreamLimits()))
	require.NoError(t, err)

	single, ok := resp.(singleResponse)
	require.True(t, ok)
	require.Equal(t, 200, single.status)
	require.Contains(t, single.body, "hi")
}

// TestChatHandlerStreaming verifies the SSE pass-through path.
func TestChatHandlerStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"delta\":\"a\"}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	t.Cleanup(upstream.Close)

	h := newChatHandler(upstream.URL, "", nil, 0, upstream.Client())
	resp, err := h.Handle(context.Background(), chatRequestEnvelope(`{"model":"m","stream":true}`), newStreamRegistry(defaultStreamLimits()))
	require.NoError(t, err)

	streaming, ok := resp.(streamingResponse)
	require.True(t, ok)
	require.Equal(t, "text/event-stream", streaming.headers["Content-Type"])

	var buf bytes.Buffer
	require.NoError(t, streaming.stream(&buf))
	require.Contains(t, buf.String(), "[DONE]")
}

// TestChatHandlerBadRequests verifies the 400-class rejections before any
// upstream call.
func TestChatHandlerBadRequests(t *testing.T) {
	h := newChatHandler("http://unused.invalid", "", nil, 0, nil)
	registry := newStreamRegistry(defaultStreamLimits())

	cases := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "invalid json", body: "{nope"},
		{name: "missing model", body: `{"stream":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.Handle(context.Background(), chatRequestEnvelope(tc.body), registry)
			var se *statusError
			require.ErrorAs(t, err, &se)
			require.Equal(t, 400, se.status)
		})
	}
}

// TestChatHandlerUpstreamStatus verifies that a failing upstream maps onto
// its status.
func TestChatHandlerUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(upstream.Close)

	h := newChatHandler(upstream.URL, "", nil, 0, upstream.Client())
	_, err := h.Handle(context.Background(), chatRequestEnvelope(`{"model":"m"}`), newStreamRegistry(defaultStreamLimits()))

	var se *statusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusServiceUnavailable, se.status)
}

// TestChatHandlerUpstreamUnreachable verifies the 502 mapping for transport
// failures.
func TestChatHandlerUpstreamUnreachable(t *testing.T) {
	h := newChatHandler("http://127.0.0.1:1", "", nil, 0, nil)
	_, err := h.Handle(context.Background(), chatRequestEnvelope(`{"model":"m"}`), newStreamRegistry(defaultStreamLimits()))

	var se *statusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 502, se.status)
}
