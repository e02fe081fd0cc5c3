package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/flynn/noise"
	"github.com/gorilla/websocket"

	"github.com/teegate/teegate/attest"
	"github.com/teegate/teegate/protocol"
)

// tunnelClient is the initiator side of the tunnel: it upgrades the
// websocket, runs the Noise-XX handshake, captures the attestation document
// carried in the second handshake message, and then speaks the framed
// envelope protocol. Sends are serialized; Call reads envelopes until the
// matching request id answers.
type tunnelClient struct {
	conn        *websocket.Conn
	attestation attest.Response

	sendMu sync.Mutex
	send   *noise.CipherState

	recvMu    sync.Mutex
	recv      *noise.CipherState
	assembler *frameAssembler

	idMu   sync.Mutex
	nextId uint64
}

// dialTunnel connects to a gateway websocket endpoint with the given bearer
// token and completes the handshake.
func dialTunnel(ctx context.Context, endpoint, token string) (*tunnelClient, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("client: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("client: upgrade rejected with status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &tunnelClient{conn: conn, assembler: newFrameAssembler(), nextId: 1}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// handshake runs the initiator half of Noise-XX and records the attestation
// payload for the caller to verify out of band.
func (c *tunnelClient) handshake() error {
	keypair, err := noiseSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return fmt.Errorf("client: generate static key: %w", err)
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noiseSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: keypair,
	})
	if err != nil {
		return fmt.Errorf("client: init handshake: %w", err)
	}

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("client: handshake write: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return err
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("client: handshake read: %w", err)
	}
	payload, _, _, err := hs.ReadMessage(nil, data)
	if err != nil {
		return fmt.Errorf("client: handshake read: %w", err)
	}
	if err := json.Unmarshal(payload, &c.attestation); err != nil {
		return fmt.Errorf("client: attestation payload: %w", err)
	}

	msg, sendCS, recvCS, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("client: handshake write: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return err
	}
	if sendCS == nil || recvCS == nil {
		return fmt.Errorf("client: handshake did not complete")
	}
	c.send, c.recv = sendCS, recvCS
	return nil
}

// allocId hands out the next request id. Ids start at 1; 0 means absent on
// the wire.
func (c *tunnelClient) allocId() uint64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := c.nextId
	c.nextId++
	return id
}

// sendRequest frames, encrypts, and writes one request envelope.
func (c *tunnelClient) sendRequest(req *protocol.Request) error {
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	frames, err := encodeFrames(data)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for _, frame := range frames {
		ciphertext, err := c.send.Encrypt(nil, nil, frame)
		if err != nil {
			return err
		}
		if err := c.conn.WriteMessage(websocket.BinaryMessage, ciphertext); err != nil {
			return err
		}
	}
	return nil
}

// readEnvelope blocks for the next complete response envelope.
func (c *tunnelClient) readEnvelope() (*protocol.Response, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		plaintext, err := c.recv.Decrypt(nil, nil, data)
		if err != nil {
			return nil, err
		}
		frame, err := protocol.DecodeFrame(plaintext)
		if err != nil {
			return nil, err
		}
		message, complete, err := c.assembler.process(frame)
		if err != nil {
			return nil, err
		}
		if !complete {
			continue
		}
		return protocol.DecodeResponse(message)
	}
}

// Call issues one request against an endpoint that answers with a single
// envelope and returns it. Envelopes for other ids are skipped.
func (c *tunnelClient) Call(verb, path string, body []byte) (*protocol.Response, error) {
	id := c.allocId()
	if err := c.sendRequest(&protocol.Request{Id: id, Verb: verb, Path: path, Body: body}); err != nil {
		return nil, err
	}
	for {
		resp, err := c.readEnvelope()
		if err != nil {
			return nil, err
		}
		if resp.Id == id {
			return resp, nil
		}
	}
}

// CallStream issues one request against a streaming endpoint, writing every
// body slice to w until the zero-length terminator. It returns the headers
// of the first envelope, or the error envelope if the request failed.
func (c *tunnelClient) CallStream(verb, path string, body []byte, w io.Writer) (map[string]string, error) {
	id := c.allocId()
	if err := c.sendRequest(&protocol.Request{Id: id, Verb: verb, Path: path, Body: body}); err != nil {
		return nil, err
	}

	var headers map[string]string
	first := true
	for {
		resp, err := c.readEnvelope()
		if err != nil {
			return nil, err
		}
		if resp.Id != id {
			continue
		}
		if resp.Status != 200 {
			return headers, fmt.Errorf("client: %s %s returned %d: %s", verb, path, resp.Status, resp.Body)
		}
		if first {
			headers = resp.Headers
			first = false
		}
		if len(resp.Body) == 0 && !first {
			return headers, nil
		}
		if _, err := w.Write(resp.Body); err != nil {
			return headers, err
		}
	}
}

// Ping round-trips a liveness probe.
func (c *tunnelClient) Ping() (string, error) {
	resp, err := c.Call("GET", "/ping", nil)
	if err != nil {
		return "", err
	}
	if resp.Status != 200 {
		return "", fmt.Errorf("client: ping returned %d: %s", resp.Status, resp.Body)
	}
	return string(resp.Body), nil
}

// Attestation returns the document captured during the handshake.
func (c *tunnelClient) Attestation() attest.Response {
	return c.attestation
}

// Close tears the connection down.
func (c *tunnelClient) Close() error {
	return c.conn.Close()
}
