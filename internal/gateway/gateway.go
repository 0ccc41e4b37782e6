// ABOUTME: Gateway orchestrator that wires the registries, router and tracker
// ABOUTME: to the WebSocket/HTTP server and manages startup/shutdown lifecycle.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hearthside/hearth-gateway/internal/agent"
	"github.com/hearthside/hearth-gateway/internal/auth"
	"github.com/hearthside/hearth-gateway/internal/config"
	"github.com/hearthside/hearth-gateway/internal/discovery"
	"github.com/hearthside/hearth-gateway/internal/group"
	"github.com/hearthside/hearth-gateway/internal/heartbeat"
	"github.com/hearthside/hearth-gateway/internal/node"
	"github.com/hearthside/hearth-gateway/internal/session"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Gateway orchestrates the hearth-gateway server components. It owns the
// node, group and session registries, the request tracker, and the single
// HTTP server that carries both the WebSocket endpoint and health checks.
type Gateway struct {
	config   *config.Config
	logger   *slog.Logger
	guard    *auth.Guard
	nodes    *node.Registry
	groups   *group.Registry
	sessions *session.Router
	tracker  *agent.Tracker
	monitor  *heartbeat.Monitor
	store    session.Store
	server   *http.Server

	// publisher is nil when discovery is disabled or failed to start
	publisher *discovery.Publisher

	// serverID identifies this gateway instance
	serverID string
}

// New creates a gateway from config, dispatching agent requests through
// invoker. The store is opened here when a database path is configured.
func New(cfg *config.Config, invoker agent.Invoker, logger *slog.Logger) (*Gateway, error) {
	guard, err := auth.New(auth.Mode(cfg.Auth.Mode), authSecret(cfg))
	if err != nil {
		return nil, fmt.Errorf("configuring auth: %w", err)
	}

	var store session.Store
	if cfg.Database.Path != "" {
		store, err = session.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening session store: %w", err)
		}
	}

	nodes := node.NewRegistry(logger.With("component", "nodes"))
	sessions := session.NewRouter(nodes, store, logger.With("component", "sessions"))

	g := &Gateway{
		config:   cfg,
		logger:   logger,
		guard:    guard,
		nodes:    nodes,
		groups:   group.NewRegistry(nodes, logger.With("component", "groups")),
		sessions: sessions,
		tracker:  agent.NewTracker(invoker, sessions, logger.With("component", "tracker")),
		store:    store,
		serverID: generateServerID(),
	}
	g.monitor = heartbeat.NewMonitor(
		nodes,
		cfg.Heartbeat.Interval,
		cfg.Heartbeat.Timeout,
		g.disconnectNode,
		logger.With("component", "heartbeat"),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/status", g.handleStatus)
	g.server = &http.Server{Handler: mux}

	return g, nil
}

// authSecret picks the secret matching the configured mode.
func authSecret(cfg *config.Config) string {
	switch auth.Mode(cfg.Auth.Mode) {
	case auth.ModeToken:
		return cfg.Auth.Token
	case auth.ModePassword:
		return cfg.Auth.Password
	}
	return ""
}

// Handler exposes the HTTP handler for tests.
func (g *Gateway) Handler() http.Handler {
	return g.server.Handler
}

// Run starts the server, heartbeat monitor and mDNS advertisement, then
// blocks until ctx is cancelled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.Addr, err)
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go g.monitor.Run(monitorCtx)

	g.startDiscovery(ln)

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopMonitor()
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startDiscovery publishes the mDNS advertisement when enabled. Failure is
// logged, not fatal.
func (g *Gateway) startDiscovery(ln net.Listener) {
	if !g.config.Discovery.Enabled {
		return
	}
	port := 0
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	name := g.config.Discovery.Name
	if name == "" {
		name = g.serverID
	}
	pub, err := discovery.Publish(discovery.Announcement{
		Name:         name,
		Version:      Version,
		Port:         port,
		AuthRequired: g.guard.Required(),
		Transport:    "websocket",
		Capabilities: []string{"groups", "sessions", "agent"},
	}, g.logger.With("component", "discovery"))
	if err != nil {
		g.logger.Warn("mDNS advertisement failed, continuing without discovery", "error", err)
		return
	}
	g.publisher = pub
}

func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("server listening", "addr", ln.Addr().String(), "server_id", g.serverID)
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown withdraws the advertisement, cancels in-flight requests, closes
// every node and stops the HTTP server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	if g.publisher != nil {
		g.publisher.Shutdown()
	}

	g.tracker.CancelAll()

	for _, n := range g.nodes.All() {
		g.disconnectNode(n.ID, "gateway shutting down")
	}

	var errs []error
	if err := g.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// disconnectNode is the single teardown path for a node, used by the read
// loop, heartbeat eviction and shutdown alike. Group membership and session
// subscriptions are removed; requests the node submitted keep running.
func (g *Gateway) disconnectNode(nodeID, reason string) {
	g.groups.DropNode(nodeID)
	g.sessions.DropNode(nodeID)
	n := g.nodes.Unregister(nodeID)
	if n == nil {
		return
	}
	n.Close(reason)
}

// handleHealth returns a JSON liveness status.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStatus returns a JSON snapshot of connected nodes and live groups.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"serverId": g.serverID,
		"version":  Version,
		"nodes":    g.nodes.List(),
		"groups":   g.groups.List(),
		"pending":  g.tracker.Pending(),
	})
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("hearth-gateway-%d", time.Now().UnixNano()%1000000)
}
