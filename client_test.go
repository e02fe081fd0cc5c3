package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/teegate/teegate/protocol"
)

func startTestGateway(t *testing.T, g *gateway) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(g.handleWebsocket))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/websocket"
}

// TestTunnelClientPing verifies the full client path: dial, handshake,
// attestation capture, and a single-envelope call.
func TestTunnelClientPing(t *testing.T) {
	g := newTestGateway(t)
	endpoint := startTestGateway(t, g)

	c, err := dialTunnel(context.Background(), endpoint, testToken(t, time.Minute, false))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.Equal(t, "TDX", c.Attestation().Platform)

	body, err := c.Ping()
	require.NoError(t, err)
	require.Equal(t, "PONG", body)
}

// TestTunnelClientRejectedToken verifies the pre-upgrade rejection surface.
func TestTunnelClientRejectedToken(t *testing.T) {
	g := newTestGateway(t)
	endpoint := startTestGateway(t, g)

	_, err := dialTunnel(context.Background(), endpoint, "not-a-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}

// TestTunnelClientCallStream verifies streaming collection up to the
// terminator.
func TestTunnelClientCallStream(t *testing.T) {
	g := newTestGateway(t)
	g.routes[route{verb: "GET", path: "/stream"}] = handlerFunc(func(ctx context.Context, req *protocol.Request, registry *streamRegistry) (handlerResponse, error) {
		return streamingResponse{
			headers: map[string]string{"Content-Type": "text/plain"},
			stream: func(w io.Writer) error {
				for _, part := range []string{"alpha", "beta", "gamma"} {
					if _, err := w.Write([]byte(part)); err != nil {
						return err
					}
				}
				return nil
			},
		}, nil
	})
	endpoint := startTestGateway(t, g)

	c, err := dialTunnel(context.Background(), endpoint, testToken(t, time.Minute, false))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	var buf bytes.Buffer
	headers, err := c.CallStream("GET", "/stream", nil, &buf)
	require.NoError(t, err)
	require.Equal(t, "text/plain", headers["Content-Type"])
	require.Equal(t, "alphabetagamma", buf.String())
}

// TestTunnelClientCallStreamError verifies the error envelope surface.
func TestTunnelClientCallStreamError(t *testing.T) {
	g := newTestGateway(t)
	endpoint := startTestGateway(t, g)

	c, err := dialTunnel(context.Background(), endpoint, testToken(t, time.Minute, false))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	var buf bytes.Buffer
	_, err = c.CallStream("GET", "/missing", nil, &buf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}
