package main

const (
	// Largest websocket message accepted in either phase. A Noise transport
	// message never exceeds 65535 bytes including the 16-byte tag.
	maxNoiseMessageSize = 65535

	// Handshake messages are short; anything larger aborts the session.
	maxHandshakeMessageSize = 4096

	// Size of the Noise AEAD authentication tag.
	noiseTagSize = 16

	// Largest plaintext a single Noise transport message can carry.
	maxNoisePayload = maxNoiseMessageSize - noiseTagSize

	// Serialization overhead of a TransportFrame around its payload
	// (chunk id, indices, and field framing).
	frameOverhead = 30

	// maxChunkPayload is the per-frame payload budget: a full frame plus the
	// AEAD tag must still fit in one Noise message.
	maxChunkPayload = maxNoisePayload - frameOverhead
)

const (
	// Per-connection streaming upload bounds. All of them are carried by
	// streamLimits so tests and deployments can tighten or relax them.
	defaultMaxActiveStreams    = 10
	defaultMaxPendingStreams   = 16
	defaultMaxPendingChunks    = 256
	defaultMaxOutOfOrderChunks = 64
	defaultMaxStreamBytes      = 50 << 20
)

const (
	// Issuer expected on every bearer token.
	tokenIssuer = "kerf"
)

const (
	// How many completion rounds a buffered chat request may run. Every
	// round but the last offers the tools; the last withholds them and
	// tells the model to wrap up.
	defaultMaxToolIterations = 5

	// Per-request timeout for MCP initialize/list/call operations.
	defaultMcpTimeoutSeconds = 30
)
