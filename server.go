package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teegate/teegate/attest"
)

// gateway ties the HTTP surface together: token verification at upgrade
// time, the route table, and per-connection session setup.
type gateway struct {
	cfg      *config
	provider attest.Provider
	routes   routeTable
	mcp      *mcpManager
	upgrader websocket.Upgrader
}

func newGateway(cfg *config, provider attest.Provider) *gateway {
	g := &gateway{
		cfg:      cfg,
		provider: provider,
		routes:   make(routeTable),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The tunnel carries its own authentication; browser origin
			// checks do not apply to it.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	g.routes[route{verb: "GET", path: "/ping"}] = pingHandler
	if cfg.chatUpstream != "" {
		var tools *toolRegistry
		if cfg.tavilyAPIKey != "" {
			tavily := newTavilyClient(cfg.tavilyAPIKey, nil)
			tools = newToolRegistry(&webSearchTool{tavily: tavily}, &pageFetchTool{tavily: tavily})
		}
		if cfg.mcpServers != "" {
			configs, err := parseMcpServerConfigs(cfg.mcpServers)
			if err != nil {
				log.Printf("%v", err)
			} else {
				if tools == nil {
					tools = newToolRegistry()
				}
				g.mcp = newMcpManager(time.Duration(cfg.mcpTimeoutSeconds) * time.Second)
				g.mcp.connectAll(context.Background(), configs, tools)
			}
		}
		g.routes[route{verb: "POST", path: "/v1/chat/completions"}] = newChatHandler(cfg.chatUpstream, cfg.chatAPIKey, tools, cfg.maxToolIterations, nil)
	}
	if cfg.extractUpstream != "" {
		g.routes[route{verb: "POST", path: "/v1/document/extract"}] = newExtractHandler(cfg.extractUpstream, nil)
	}
	return g
}

// handleWebsocket authenticates the upgrade request and runs the session.
// Invalid tokens are rejected before any websocket bytes are exchanged.
func (g *gateway) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	subscribed, tokenExpiry, err := verifyToken(g.cfg.jwtSecret, token)
	if err != nil {
		log.Printf("rejecting upgrade: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	attestation, err := g.provider.SignedAttestation()
	if err != nil {
		log.Printf("attestation unavailable: %v", err)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	payload, err := json.Marshal(attestation)
	if err != nil {
		log.Printf("attestation serialization failed: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	ns, err := newNoiseSession(g.provider.PrivateKey(), payload)
	if err != nil {
		log.Printf("noise init failed: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}

	newSession(conn, g.routes, ns, subscribed, tokenExpiry, g.cfg.limits).run()
}

// run serves the websocket endpoint until the listener fails.
func (g *gateway) run(addr string) error {
	if g.mcp != nil {
		defer g.mcp.close()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", g.handleWebsocket)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("listening on %s", addr)
	return srv.ListenAndServe()
}
