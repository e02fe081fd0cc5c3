package protocol

import (
	"errors"
	"fmt"

	"github.com/golang/protobuf/proto"
)

var (
	// ErrMalformedFrame reports transport bytes that do not decode into a frame.
	ErrMalformedFrame = errors.New("protocol: malformed transport frame")

	// ErrBadEnvelope reports an application envelope that violates the shape
	// rules documented on Request.
	ErrBadEnvelope = errors.New("protocol: invalid request envelope")
)

// EncodeFrame serializes a transport frame.
func EncodeFrame(f *TransportFrame) ([]byte, error) {
	return proto.Marshal(f)
}

// DecodeFrame parses transport bytes into a frame.
func DecodeFrame(b []byte) (*TransportFrame, error) {
	f := &TransportFrame{}
	if err := proto.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// EncodeRequest serializes a request envelope.
func EncodeRequest(r *Request) ([]byte, error) {
	return proto.Marshal(r)
}

// DecodeRequest parses and validates a request envelope. Exactly two shapes
// are legal: an initiating request carrying both verb and path (chunk
// optional), or a continuation carrying a chunk and neither verb nor path.
func DecodeRequest(b []byte) (*Request, error) {
	r := &Request{}
	if err := proto.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if r.Id == 0 {
		return nil, fmt.Errorf("%w: missing id", ErrBadEnvelope)
	}
	hasVerb := r.Verb != ""
	hasPath := r.Path != ""
	if hasVerb != hasPath {
		return nil, fmt.Errorf("%w: verb and path must both be present or both absent", ErrBadEnvelope)
	}
	if !hasVerb && r.Chunk == nil {
		return nil, fmt.Errorf("%w: request must carry verb/path or a chunk", ErrBadEnvelope)
	}
	return r, nil
}

// EncodeResponse serializes a response envelope.
func EncodeResponse(r *Response) ([]byte, error) {
	return proto.Marshal(r)
}

// DecodeResponse parses a response envelope.
func DecodeResponse(b []byte) (*Response, error) {
	r := &Response{}
	if err := proto.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return r, nil
}
