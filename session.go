package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/teegate/teegate/protocol"
)

var errHandshakeTooLarge = errors.New("session: handshake message too large")

type sessionPhase int32

const (
	phaseHandshake sessionPhase = iota
	phaseEstablished
	phaseFailed
	phaseClosed
)

// session owns the per-connection state: the Noise ciphers, the frame
// assembler, the stream registry, and the authorization snapshot taken from
// the upgrade token. The route table is borrowed and read-only.
//
// One goroutine (run) reads the socket and owns the receive cipher and the
// assembler. Each complete request is dispatched on its own goroutine. The
// outbound path is serialized by sendMu, which also guards the send cipher.
type session struct {
	id        string
	conn      *websocket.Conn
	routes    routeTable
	registry  *streamRegistry
	assembler *frameAssembler
	noise     *noiseSession

	subscribed  bool
	tokenExpiry time.Time

	ctx    context.Context
	cancel context.CancelFunc

	sendMu sync.Mutex
	phase  atomic.Int32

	teardownOnce sync.Once
}

func newSession(conn *websocket.Conn, routes routeTable, ns *noiseSession, subscribed bool, tokenExpiry time.Time, limits streamLimits) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:          uuid.NewString(),
		conn:        conn,
		routes:      routes,
		registry:    newStreamRegistry(limits),
		assembler:   newFrameAssembler(),
		noise:       ns,
		subscribed:  subscribed,
		tokenExpiry: tokenExpiry,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *session) currentPhase() sessionPhase {
	return sessionPhase(s.phase.Load())
}

// run is the inbound reader loop. It returns when the socket closes or the
// session fails, and tears everything down on the way out.
func (s *session) run() {
	log.Printf("session %s: connection opened", s.id)
	defer s.teardown()

	s.conn.SetReadLimit(maxNoiseMessageSize + 1024)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			log.Printf("session %s: connection closed: %v", s.id, err)
			return
		}
		if messageType != websocket.BinaryMessage {
			s.fail(websocket.CloseUnsupportedData, "binary messages only")
			return
		}
		if len(data) > maxNoiseMessageSize {
			s.fail(websocket.CloseUnsupportedData, "message too large")
			return
		}

		switch s.currentPhase() {
		case phaseHandshake:
			if err := s.handleHandshakeMessage(data); err != nil {
				log.Printf("session %s: handshake failed: %v", s.id, err)
				return
			}
		case phaseEstablished:
			if err := s.handleEncryptedMessage(data); err != nil {
				log.Printf("session %s: %v", s.id, err)
				return
			}
		default:
			return
		}
	}
}

// handleHandshakeMessage advances the Noise handshake by one inbound
// message, sending whatever the pattern calls for in response.
func (s *session) handleHandshakeMessage(data []byte) error {
	if len(data) > maxHandshakeMessageSize {
		s.fail(websocket.CloseUnsupportedData, "handshake message too large")
		return errHandshakeTooLarge
	}

	out, err := s.noise.readHandshakeMessage(data)
	if err != nil {
		s.fail(websocket.CloseInternalServerErr, "handshake failed")
		return err
	}

	s.sendMu.Lock()
	for _, msg := range out {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			s.sendMu.Unlock()
			s.fail(websocket.CloseInternalServerErr, "handshake write failed")
			return err
		}
	}
	s.sendMu.Unlock()

	if s.noise.established() {
		s.phase.Store(int32(phaseEstablished))
		log.Printf("session %s: established", s.id)
	}
	return nil
}

// handleEncryptedMessage decrypts one transport message, folds the frame
// into the assembler, and dispatches the request once the message is whole.
func (s *session) handleEncryptedMessage(data []byte) error {
	frameBytes, err := s.noise.decrypt(data)
	if err != nil {
		s.fail(websocket.CloseInternalServerErr, "decryption failed")
		return err
	}

	frame, err := protocol.DecodeFrame(frameBytes)
	if err != nil {
		s.fail(websocket.CloseUnsupportedData, "frame decode failed")
		return err
	}

	message, complete, err := s.assembler.process(frame)
	if err != nil {
		s.fail(websocket.CloseUnsupportedData, "inconsistent frame")
		return err
	}
	if complete {
		go s.handleRequest(message)
	}
	return nil
}

// sendMessage frames, encrypts, and writes one application message. The
// whole serialize-encrypt-write path runs under sendMu so concurrent
// handlers cannot interleave ciphertexts.
func (s *session) sendMessage(message []byte) error {
	frames, err := encodeFrames(message)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.currentPhase() != phaseEstablished {
		return errNotEstablished
	}
	for _, frame := range frames {
		ciphertext, err := s.noise.encrypt(frame)
		if err != nil {
			log.Printf("session %s: outbound encryption failed: %v", s.id, err)
			s.phase.Store(int32(phaseFailed))
			s.closeWithCode(websocket.CloseInternalServerErr, "encryption failed")
			return err
		}
		if err := s.conn.WriteMessage(websocket.BinaryMessage, ciphertext); err != nil {
			return err
		}
	}
	return nil
}

// sendEnvelope serializes and sends one response envelope.
func (s *session) sendEnvelope(resp *protocol.Response) error {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return s.sendMessage(data)
}

// sendError sends a single error envelope for the given request id.
func (s *session) sendError(requestId uint64, status int, message string) {
	err := s.sendEnvelope(&protocol.Response{Id: requestId, Status: uint32(status), Body: []byte(message)})
	if err != nil {
		log.Printf("session %s: failed to send %d response for request %d: %v", s.id, status, requestId, err)
	}
}

// fail transitions the session to FAILED and closes the socket with the
// given close code.
func (s *session) fail(code int, reason string) {
	s.phase.Store(int32(phaseFailed))
	s.closeWithCode(code, reason)
}

func (s *session) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	_ = s.conn.Close()
}

// teardown cancels every in-flight request and stream and releases the
// ciphers. Safe to call more than once.
func (s *session) teardown() {
	s.teardownOnce.Do(func() {
		if s.currentPhase() != phaseFailed {
			s.phase.Store(int32(phaseClosed))
		}
		s.cancel()
		s.registry.cancelAll()
		s.assembler.reset()
		s.noise.destroy()
		_ = s.conn.Close()
		log.Printf("session %s: closed", s.id)
	})
}
