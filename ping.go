package main

import (
	"context"

	"github.com/teegate/teegate/protocol"
)

// pingHandler answers liveness probes over the tunnel.
var pingHandler = handlerFunc(func(ctx context.Context, req *protocol.Request, registry *streamRegistry) (handlerResponse, error) {
	return singleResponse{status: 200, body: "PONG"}, nil
})
