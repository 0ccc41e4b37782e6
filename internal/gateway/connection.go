// ABOUTME: WebSocket accept path: handshake gating, frame dispatch, teardown.
// ABOUTME: Every frame before a successful connect is answered with an error.

package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hearthside/hearth-gateway/internal/agent"
	"github.com/hearthside/hearth-gateway/internal/auth"
	"github.com/hearthside/hearth-gateway/internal/node"
	"github.com/hearthside/hearth-gateway/internal/protocol"
)

// handshakeTimeout bounds how long a fresh connection may sit silent
// before its first connect frame.
const handshakeTimeout = 10 * time.Second

// wsTransport adapts a websocket connection to the node Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteEnvelope(ctx context.Context, env protocol.Envelope) error {
	return wsjson.Write(ctx, t.conn, env)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// handleWS upgrades the connection, runs the handshake and then the frame
// dispatch loop until the peer disconnects or is evicted.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Debug("websocket accept failed", "error", err)
		return
	}

	n, err := g.handshake(r.Context(), conn)
	if err != nil {
		g.logger.Info("handshake rejected", "remote", r.RemoteAddr, "reason", err)
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	g.readLoop(r.Context(), conn, n)
	g.disconnectNode(n.ID, "connection closed")
}

// handshake reads the first frame, which must be a connect, validates
// credentials and registers the node. The correlated res frame and the
// registered notification are written before any other traffic.
func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn) (*node.Node, error) {
	readCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	// Frames before registration get a structured error and are otherwise
	// ignored; the deadline bounds how long we wait for the connect.
	var env protocol.Envelope
	for {
		if err := wsjson.Read(readCtx, conn, &env); err != nil {
			return nil, errors.New("no connect frame received")
		}
		if env.Type == protocol.TypeConnect {
			break
		}
		errEnv := protocol.MustNew(protocol.TypeError, env.ID, protocol.ErrorPayload{
			Code:    "not_registered",
			Message: "connect handshake required first",
		})
		_ = wsjson.Write(readCtx, conn, errEnv)
	}

	var p protocol.ConnectPayload
	if err := env.DecodePayload(&p); err != nil {
		g.writeRes(ctx, conn, env.ID, "malformed connect payload")
		return nil, err
	}

	role, err := protocol.ParseRole(p.Role)
	if err != nil {
		g.writeRes(ctx, conn, env.ID, "unknown role")
		return nil, err
	}

	if err := g.guard.Authenticate(auth.Credentials{Token: p.Token, Password: p.Password}); err != nil {
		g.writeRes(ctx, conn, env.ID, err.Error())
		return nil, err
	}

	// The positive res goes out before the writer goroutine exists, so it
	// always precedes the registered frame.
	res := protocol.MustNew(protocol.TypeRes, env.ID, protocol.ResPayload{OK: true})
	if err := wsjson.Write(ctx, conn, res); err != nil {
		return nil, err
	}

	n := g.nodes.Register(node.RegisterParams{
		Name:         p.Name,
		Role:         role,
		Version:      p.Version,
		Capabilities: p.Capabilities,
		Transport:    &wsTransport{conn: conn},
	})
	n.Deliver(protocol.MustNew(protocol.TypeRegistered, "", protocol.RegisteredPayload{
		NodeID:      n.ID,
		DisplayName: n.Name,
	}))
	return n, nil
}

// writeRes sends a correlated rejection before the connection is dropped.
func (g *Gateway) writeRes(ctx context.Context, conn *websocket.Conn, correlationID, reason string) {
	env := protocol.MustNew(protocol.TypeRes, correlationID, protocol.ResPayload{OK: false, Reason: reason})
	writeCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	_ = wsjson.Write(writeCtx, conn, env)
}

// readLoop dispatches frames from a registered node until the connection
// errors out. Any frame counts as liveness.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, n *node.Node) {
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			g.logger.Debug("read loop ended", "node_id", n.ID, "error", err)
			return
		}
		g.nodes.RecordActivity(n.ID)
		g.dispatch(ctx, n, env)
	}
}

// dispatch routes one inbound frame from a registered node.
func (g *Gateway) dispatch(ctx context.Context, n *node.Node, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeJoinGroup:
		g.handleJoinGroup(n, env)
	case protocol.TypeLeaveGroup:
		g.handleLeaveGroup(n, env)
	case protocol.TypeBroadcast:
		g.handleBroadcast(ctx, n, env)
	case protocol.TypeDirect:
		g.handleDirect(n, env)
	case protocol.TypePing:
		n.Deliver(protocol.MustNew(protocol.TypePong, env.ID, nil))
	case protocol.TypePong:
		// Activity already recorded; nothing else to do.
	case protocol.TypeSessionSubscribe:
		g.handleSessionSubscribe(n, env)
	case protocol.TypeSessionUnsubscribe:
		g.handleSessionUnsubscribe(n, env)
	case protocol.TypeAgentRequest:
		g.handleAgentRequest(n, env)
	case protocol.TypeAgentCancel:
		g.handleAgentCancel(n, env)
	case protocol.TypeConnect:
		g.replyErr(n, env.ID, "already_registered", "connection is already registered")
	default:
		g.replyErr(n, env.ID, "unknown_type", "unrecognized message type: "+env.Type)
	}
}

func (g *Gateway) handleJoinGroup(n *node.Node, env protocol.Envelope) {
	var p protocol.JoinGroupPayload
	if err := env.DecodePayload(&p); err != nil {
		g.replyErr(n, env.ID, "bad_payload", err.Error())
		return
	}
	m, err := g.groups.Join(n.ID, p.Group, p.CreateIfMissing, p.Description)
	if err != nil {
		g.replyErr(n, env.ID, "group_not_found", err.Error())
		return
	}
	n.Deliver(protocol.MustNew(protocol.TypeAck, env.ID, protocol.AckPayload{
		Action:    "join_group",
		GroupID:   m.GroupID,
		GroupName: m.GroupName,
	}))
}

func (g *Gateway) handleLeaveGroup(n *node.Node, env protocol.Envelope) {
	var p protocol.LeaveGroupPayload
	if err := env.DecodePayload(&p); err != nil {
		g.replyErr(n, env.ID, "bad_payload", err.Error())
		return
	}
	if err := g.groups.Leave(n.ID, p.GroupID); err != nil {
		g.replyErr(n, env.ID, "group_not_found", err.Error())
		return
	}
	n.Deliver(protocol.MustNew(protocol.TypeAck, env.ID, protocol.AckPayload{
		Action:  "leave_group",
		GroupID: p.GroupID,
	}))
}

func (g *Gateway) handleBroadcast(ctx context.Context, n *node.Node, env protocol.Envelope) {
	if env.Group == "" {
		g.replyErr(n, env.ID, "bad_payload", "broadcast requires a group id")
		return
	}
	var p protocol.BroadcastPayload
	if err := env.DecodePayload(&p); err != nil {
		g.replyErr(n, env.ID, "bad_payload", err.Error())
		return
	}
	delivered, err := g.groups.Broadcast(ctx, env.Group, p.Payload, n.ID)
	if err != nil {
		g.replyErr(n, env.ID, "group_not_found", err.Error())
		return
	}
	n.Deliver(protocol.MustNew(protocol.TypeAck, env.ID, protocol.AckPayload{
		Action:    "broadcast",
		GroupID:   env.Group,
		Delivered: &delivered,
	}))
}

func (g *Gateway) handleDirect(n *node.Node, env protocol.Envelope) {
	target, ok := g.nodes.Get(env.To)
	if !ok {
		g.replyErr(n, env.ID, "unknown_target", "no node with id "+env.To)
		return
	}
	out := env
	out.From = n.ID
	delivered := 0
	if target.Deliver(out) {
		delivered = 1
	}
	n.Deliver(protocol.MustNew(protocol.TypeAck, env.ID, protocol.AckPayload{
		Action:    "direct",
		Delivered: &delivered,
	}))
}

func (g *Gateway) handleSessionSubscribe(n *node.Node, env protocol.Envelope) {
	var p protocol.SessionPayload
	if err := env.DecodePayload(&p); err != nil {
		g.replyErr(n, env.ID, "bad_payload", err.Error())
		return
	}
	if err := g.sessions.Subscribe(n.ID, p.SessionID); err != nil {
		g.replyErr(n, env.ID, "subscribe_failed", err.Error())
		return
	}
	n.Deliver(protocol.MustNew(protocol.TypeAck, env.ID, protocol.AckPayload{
		Action:    "session_subscribe",
		SessionID: p.SessionID,
	}))
}

func (g *Gateway) handleSessionUnsubscribe(n *node.Node, env protocol.Envelope) {
	var p protocol.SessionPayload
	if err := env.DecodePayload(&p); err != nil {
		g.replyErr(n, env.ID, "bad_payload", err.Error())
		return
	}
	g.sessions.Unsubscribe(n.ID, p.SessionID)
	n.Deliver(protocol.MustNew(protocol.TypeAck, env.ID, protocol.AckPayload{
		Action:    "session_unsubscribe",
		SessionID: p.SessionID,
	}))
}

func (g *Gateway) handleAgentRequest(n *node.Node, env protocol.Envelope) {
	var p protocol.AgentRequestPayload
	if err := env.DecodePayload(&p); err != nil {
		g.replyErr(n, env.ID, "bad_payload", err.Error())
		return
	}
	if p.RequestID == "" || p.SessionID == "" {
		g.replyErr(n, env.ID, "bad_payload", "requestId and sessionId are required")
		return
	}
	agentID := p.AgentID
	if agentID == "" {
		agentID = g.config.Agent.DefaultID
	}

	// Echo the prompt to every session observer before dispatching, so all
	// surfaces see the submitted message regardless of the outcome.
	g.sessions.RouteUserMessage(agentID, p.SessionID, p.Content)

	err := g.tracker.Submit(agent.InvokeRequest{
		RequestID: p.RequestID,
		AgentID:   agentID,
		SessionID: p.SessionID,
		NodeID:    n.ID,
		Content:   p.Content,
	})
	if err != nil {
		g.replyErr(n, env.ID, "duplicate_request", err.Error())
		return
	}
	n.Deliver(protocol.MustNew(protocol.TypeAck, env.ID, protocol.AckPayload{
		Action:    "agent_request",
		RequestID: p.RequestID,
		SessionID: p.SessionID,
		Status:    "accepted",
	}))
}

func (g *Gateway) handleAgentCancel(n *node.Node, env protocol.Envelope) {
	var p protocol.AgentCancelPayload
	if err := env.DecodePayload(&p); err != nil {
		g.replyErr(n, env.ID, "bad_payload", err.Error())
		return
	}
	outcome := g.tracker.Cancel(p.RequestID)
	n.Deliver(protocol.MustNew(protocol.TypeAck, env.ID, protocol.AckPayload{
		Action:    "agent_cancel",
		RequestID: p.RequestID,
		Status:    outcome,
	}))
}

// replyErr sends a structured error without closing the connection.
func (g *Gateway) replyErr(n *node.Node, correlationID, code, message string) {
	n.Deliver(protocol.MustNew(protocol.TypeError, correlationID, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	}))
}
