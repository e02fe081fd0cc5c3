package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// config collects everything the gateway reads from the environment. A
// .env file in the working directory is honored when present.
type config struct {
	listenAddr string
	jwtSecret  string

	// Hex-encoded 32-byte X25519 static key; empty generates a fresh key
	// at startup.
	noiseKeyHex string

	platform       string
	attestation    string
	manifest       string
	manifestBundle string

	chatUpstream    string
	chatAPIKey      string
	extractUpstream string

	tavilyAPIKey      string
	maxToolIterations int

	// JSON list of MCP server connections whose tools join the chat tool
	// registry; empty disables MCP.
	mcpServers        string
	mcpTimeoutSeconds int

	limits streamLimits
}

// loadConfig reads the TEEGATE_* environment variables.
func loadConfig() (*config, error) {
	cfg := &config{
		listenAddr:      envOr("TEEGATE_LISTEN", ":8443"),
		jwtSecret:       os.Getenv("TEEGATE_JWT_SECRET"),
		noiseKeyHex:     os.Getenv("TEEGATE_NOISE_KEY"),
		platform:        envOr("TEEGATE_PLATFORM", "TDX"),
		attestation:     os.Getenv("TEEGATE_ATTESTATION"),
		manifest:        os.Getenv("TEEGATE_MANIFEST"),
		manifestBundle:  os.Getenv("TEEGATE_MANIFEST_BUNDLE"),
		chatUpstream:      os.Getenv("TEEGATE_CHAT_UPSTREAM"),
		chatAPIKey:        os.Getenv("TEEGATE_CHAT_API_KEY"),
		extractUpstream:   os.Getenv("TEEGATE_EXTRACT_UPSTREAM"),
		tavilyAPIKey:      os.Getenv("TEEGATE_TAVILY_API_KEY"),
		maxToolIterations: defaultMaxToolIterations,
		mcpServers:        os.Getenv("TEEGATE_MCP_SERVERS"),
		mcpTimeoutSeconds: defaultMcpTimeoutSeconds,
		limits:            defaultStreamLimits(),
	}

	if cfg.jwtSecret == "" {
		return nil, errors.New("TEEGATE_JWT_SECRET is required")
	}

	var err error
	if cfg.maxToolIterations, err = envInt("TEEGATE_MAX_TOOL_ITERATIONS", cfg.maxToolIterations); err != nil {
		return nil, err
	}
	if cfg.mcpTimeoutSeconds, err = envInt("TEEGATE_MCP_TIMEOUT_SECONDS", cfg.mcpTimeoutSeconds); err != nil {
		return nil, err
	}
	if cfg.limits.maxActiveStreams, err = envInt("TEEGATE_MAX_ACTIVE_STREAMS", cfg.limits.maxActiveStreams); err != nil {
		return nil, err
	}
	if cfg.limits.maxPendingStreams, err = envInt("TEEGATE_MAX_PENDING_STREAMS", cfg.limits.maxPendingStreams); err != nil {
		return nil, err
	}
	if cfg.limits.maxPendingChunks, err = envInt("TEEGATE_MAX_PENDING_CHUNKS", cfg.limits.maxPendingChunks); err != nil {
		return nil, err
	}
	if cfg.limits.maxOutOfOrderChunks, err = envInt("TEEGATE_MAX_OUT_OF_ORDER_CHUNKS", cfg.limits.maxOutOfOrderChunks); err != nil {
		return nil, err
	}
	return cfg, nil
}

// noiseKey decodes the configured static key, or returns nil when a fresh
// key should be generated.
func (c *config) noiseKey() ([]byte, error) {
	if c.noiseKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.noiseKeyHex)
	if err != nil {
		return nil, fmt.Errorf("TEEGATE_NOISE_KEY is not valid hex: %w", err)
	}
	return key, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}
