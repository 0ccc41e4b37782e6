// Package gateway orchestrates the hearth-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the hearth-gateway
// server. It owns the node, group and session registries, the request
// tracker, the heartbeat monitor, the mDNS publisher and the HTTP server
// that carries the WebSocket endpoint.
//
// # Wire Protocol
//
// Clients connect over WebSocket to /ws and exchange JSON envelopes
// (see the protocol package). The first frame must be a connect; the
// gateway answers with a correlated res and, on success, a registered
// frame carrying the minted node id. Every later frame is dispatched by
// type:
//
//   - join_group / leave_group - group membership, ack replies
//   - broadcast - group fan-out, ack carries the delivered count
//   - direct - single-target delivery
//   - ping / pong - liveness probes in both directions
//   - session_subscribe / session_unsubscribe - session observation
//   - req:agent / req:agent:cancel - agent request lifecycle
//
// Malformed or unknown frames get a structured error without closing the
// connection; only handshake failures are terminal.
//
// # HTTP Endpoints
//
//   - GET /ws - WebSocket upgrade
//   - GET /health - liveness check
//   - GET /status - JSON snapshot of nodes, groups and pending requests
//
// # Disconnect Semantics
//
// A disconnect (client close, read error or heartbeat eviction) runs one
// teardown path: the node leaves every group, loses every session
// subscription and is unregistered. Requests it submitted keep running;
// their events still reach the session's remaining observers.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, invoker, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
package gateway
