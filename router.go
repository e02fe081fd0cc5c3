package main

import (
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teegate/teegate/protocol"
)

// route identifies a handler by exact verb and path. No path parameters and
// no prefix matching.
type route struct {
	verb string
	path string
}

// routeTable maps routes to handlers. Installed once at startup, read-only
// afterwards.
type routeTable map[route]handler

// handleRequest processes one complete application message. It always runs
// on its own goroutine, so a blocked handler never stalls the reader or
// other requests on the same session.
func (s *session) handleRequest(data []byte) {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		// A client that cannot form a legal envelope is broken; drop the
		// whole session rather than answering the id.
		log.Printf("session %s: %v", s.id, err)
		s.fail(websocket.CloseUnsupportedData, "invalid request envelope")
		return
	}

	if req.Continuation() {
		s.handleStreamChunk(req)
		return
	}

	if !s.subscribed && !s.tokenExpiry.IsZero() && time.Now().After(s.tokenExpiry) {
		s.sendError(req.Id, 402, "Payment required")
		return
	}

	h, ok := s.routes[route{verb: req.Verb, path: req.Path}]
	if !ok {
		log.Printf("session %s: no handler for %s %s", s.id, req.Verb, req.Path)
		s.sendError(req.Id, 404, "Route not found")
		return
	}

	resp, err := h.Handle(s.ctx, req, s.registry)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			log.Printf("session %s: request %d rejected: %v", s.id, req.Id, err)
			s.sendError(req.Id, se.status, se.message)
		} else {
			log.Printf("session %s: request %d handler error: %v", s.id, req.Id, err)
			s.sendError(req.Id, 500, "Internal Server Error")
		}
		return
	}
	s.sendHandlerResponse(req.Id, resp)
}

// handleStreamChunk forwards a continuation fragment into the registry and
// reports any failure on the same id. Bound violations cancel the stream
// but leave the session and its other streams alone.
func (s *session) handleStreamChunk(req *protocol.Request) {
	chunk := req.Chunk
	err := s.registry.handleChunk(req.Id, chunk.Data, chunk.Seq, chunk.Final)
	switch {
	case err == nil:
	case errors.Is(err, errStreamClosed):
		s.sendError(req.Id, 400, "Stream already completed")
	case errors.Is(err, errTooManyPendingChunks),
		errors.Is(err, errTooManyOutOfOrder),
		errors.Is(err, errStreamTooLarge):
		s.registry.cancelStream(req.Id)
		s.sendError(req.Id, 400, err.Error())
	default:
		log.Printf("session %s: chunk write failed for request %d: %v", s.id, req.Id, err)
		s.registry.cancelStream(req.Id)
		s.sendError(req.Id, 400, "Stream write failed")
	}
}

// sendHandlerResponse translates a handler outcome into response envelopes.
func (s *session) sendHandlerResponse(requestId uint64, resp handlerResponse) {
	switch r := resp.(type) {
	case singleResponse:
		err := s.sendEnvelope(&protocol.Response{Id: requestId, Status: uint32(r.status), Body: []byte(r.body)})
		if err != nil {
			log.Printf("session %s: failed to send response for request %d: %v", s.id, requestId, err)
		}
	case streamingResponse:
		w := &responseWriter{session: s, requestId: requestId, headers: r.headers}
		if err := r.stream(w); err != nil {
			status, message := 500, "Streaming failed"
			var se *statusError
			if errors.As(err, &se) {
				status, message = se.status, se.message
			}
			log.Printf("session %s: streaming response for request %d failed: %v", s.id, requestId, err)
			s.sendError(requestId, status, message)
			return
		}
		// Zero-length terminator marks end-of-stream. When the handler never
		// wrote, the terminator is the first envelope and carries the headers.
		terminator := &protocol.Response{Id: requestId, Status: 200}
		if !w.wroteHeaders {
			terminator.Headers = r.headers
		}
		err := s.sendEnvelope(terminator)
		if err != nil {
			log.Printf("session %s: failed to terminate stream for request %d: %v", s.id, requestId, err)
		}
	default:
		log.Printf("session %s: handler for request %d returned no response", s.id, requestId)
		s.sendError(requestId, 500, "Internal Server Error")
	}
}

// responseWriter adapts the outbound envelope path into the sink handed to
// streaming handlers. Every Write emits exactly one 200 envelope; headers
// ride on the first envelope only. Writes never block on peer consumption.
type responseWriter struct {
	session      *session
	requestId    uint64
	headers      map[string]string
	wroteHeaders bool
}

func (w *responseWriter) Write(p []byte) (int, error) {
	resp := &protocol.Response{Id: w.requestId, Status: 200, Body: p}
	if !w.wroteHeaders {
		resp.Headers = w.headers
		w.wroteHeaders = true
	}
	if err := w.session.sendEnvelope(resp); err != nil {
		return 0, err
	}
	return len(p), nil
}
