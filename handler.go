package main

import (
	"context"
	"fmt"
	"io"

	"github.com/teegate/teegate/protocol"
)

// handler processes one decoded request. Each invocation runs on its own
// goroutine; a slow handler never blocks other requests on the session.
// Handlers report results through the returned value and never write to the
// socket themselves. The registry is a borrowed capability for installing
// upload sinks; it outlives the handler and is owned by the session.
type handler interface {
	Handle(ctx context.Context, req *protocol.Request, registry *streamRegistry) (handlerResponse, error)
}

// handlerFunc adapts a function to the handler interface.
type handlerFunc func(ctx context.Context, req *protocol.Request, registry *streamRegistry) (handlerResponse, error)

func (f handlerFunc) Handle(ctx context.Context, req *protocol.Request, registry *streamRegistry) (handlerResponse, error) {
	return f(ctx, req, registry)
}

// handlerResponse is either a singleResponse or a streamingResponse.
type handlerResponse interface {
	handlerResponse()
}

// singleResponse answers the request with one envelope.
type singleResponse struct {
	status int
	body   string
}

func (singleResponse) handlerResponse() {}

// streamingResponse answers the request with a sequence of 200 envelopes.
// stream is called once with a sink whose every Write emits one envelope;
// headers ride on the first envelope only.
type streamingResponse struct {
	headers map[string]string
	stream  func(w io.Writer) error
}

func (streamingResponse) handlerResponse() {}

// statusError is a handler failure that maps onto a specific response
// status. Any other error becomes a generic 500.
type statusError struct {
	status  int
	message string
}

func (e *statusError) Error() string { return e.message }

func statusErrorf(status int, format string, args ...any) *statusError {
	return &statusError{status: status, message: fmt.Sprintf(format, args...)}
}
