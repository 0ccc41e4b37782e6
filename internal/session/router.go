// ABOUTME: Routes session-scoped execution events to explicit and implicit subscribers.
// ABOUTME: UI-facing roles observe every session; others subscribe per session id.

package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthside/hearth-gateway/internal/agent"
	"github.com/hearthside/hearth-gateway/internal/node"
	"github.com/hearthside/hearth-gateway/internal/protocol"
)

// persistTimeout bounds best-effort history writes so a slow store never
// stalls event routing.
const persistTimeout = 5 * time.Second

// Router maps session ids to subscriber sets and delivers execution
// events. The delivery set for a session is its explicit subscribers plus
// every connected node whose role is in the always-listen set.
type Router struct {
	mu     sync.RWMutex
	subs   map[string]map[string]struct{} // session id -> node id set
	nodes  *node.Registry
	store  Store // optional; nil disables history persistence
	logger *slog.Logger
}

// NewRouter creates a session router backed by the node registry. store
// may be nil when history persistence is not wanted.
func NewRouter(nodes *node.Registry, store Store, logger *slog.Logger) *Router {
	return &Router{
		subs:   make(map[string]map[string]struct{}),
		nodes:  nodes,
		store:  store,
		logger: logger,
	}
}

// Subscribe registers a node as an explicit subscriber of a session.
// Entries are created lazily on first subscribe.
func (r *Router) Subscribe(nodeID, sessionID string) error {
	if _, ok := r.nodes.Get(nodeID); !ok {
		return node.ErrNodeNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[sessionID]
	if !ok {
		set = make(map[string]struct{})
		r.subs[sessionID] = set
	}
	set[nodeID] = struct{}{}
	r.logger.Debug("session subscribed", "session_id", sessionID, "node_id", nodeID)
	return nil
}

// Unsubscribe removes an explicit subscription. Unknown pairs are a no-op;
// emptied entries are pruned.
func (r *Router) Unsubscribe(nodeID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[sessionID]
	if !ok {
		return
	}
	delete(set, nodeID)
	if len(set) == 0 {
		delete(r.subs, sessionID)
	}
}

// DropNode removes a disconnecting node from every session subscription.
func (r *Router) DropNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sessionID, set := range r.subs {
		delete(set, nodeID)
		if len(set) == 0 {
			delete(r.subs, sessionID)
		}
	}
}

// Subscribers returns the current explicit subscriber count for a session.
func (r *Router) Subscribers(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[sessionID])
}

// RouteEvent delivers an envelope to every observer of the session and
// returns the count of nodes reached. Observers are the explicit
// subscribers plus all connected always-listen-role nodes, deduplicated.
func (r *Router) RouteEvent(sessionID string, env protocol.Envelope) int {
	targets := make(map[string]*node.Node)

	r.mu.RLock()
	for id := range r.subs[sessionID] {
		if n, ok := r.nodes.Get(id); ok {
			targets[id] = n
		}
	}
	r.mu.RUnlock()

	for _, n := range r.nodes.AlwaysListeners() {
		targets[n.ID] = n
	}

	delivered := 0
	for _, n := range targets {
		if n.Deliver(env) {
			delivered++
		}
	}
	r.logger.Debug("session event routed",
		"session_id", sessionID, "type", env.Type, "delivered", delivered)
	return delivered
}

// RouteAgentEvent converts an execution event into an event:agent frame
// and delivers it to the session's observers. Implements agent.Sink.
func (r *Router) RouteAgentEvent(ev agent.Event) int {
	env := protocol.MustNew(protocol.TypeAgentEvent, "", protocol.AgentEventPayload{
		Tag:       ev.Tag,
		SessionID: ev.SessionID,
		AgentID:   ev.AgentID,
		RequestID: ev.RequestID,
		Payload:   ev.Payload,
	})
	r.persistEvent(ev)
	return r.RouteEvent(ev.SessionID, env)
}

// RouteUserMessage echoes a freshly submitted prompt to every observer of
// its session, including the submitter's own other connected surfaces, and
// appends it to the session history.
func (r *Router) RouteUserMessage(agentID, sessionID, content string) int {
	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		r.logger.Error("marshaling user message", "error", err)
		return 0
	}
	return r.RouteAgentEvent(agent.Event{
		Tag:       agent.TagSessionMessage,
		AgentID:   agentID,
		SessionID: sessionID,
		Payload:   payload,
	})
}

// persistEvent appends history entries for the events worth keeping:
// submitted prompts and terminal outcomes. Best-effort; routing never
// fails on store errors.
func (r *Router) persistEvent(ev agent.Event) {
	if r.store == nil {
		return
	}

	var role, content string
	switch ev.Tag {
	case agent.TagSessionMessage:
		role, content = "user", textFromPayload(ev.Payload)
	case agent.TagStream:
		role, content = "agent", textFromPayload(ev.Payload)
	case agent.TagError:
		role, content = "error", textFromPayload(ev.Payload)
	case agent.TagCancelled:
		role, content = "system", "request cancelled"
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := r.store.UpsertSession(ctx, ev.AgentID, ev.SessionID); err != nil {
		r.logger.Warn("session upsert failed", "session_id", ev.SessionID, "error", err)
		return
	}
	msg := Message{
		SessionID: ev.SessionID,
		AgentID:   ev.AgentID,
		Role:      role,
		Content:   content,
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		r.logger.Warn("history append failed", "session_id", ev.SessionID, "error", err)
	}
}

// textFromPayload pulls the human-readable text out of an event payload.
func textFromPayload(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var fields struct {
		Content string `json:"content"`
		Text    string `json:"text"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return string(raw)
	}
	switch {
	case fields.Content != "":
		return fields.Content
	case fields.Text != "":
		return fields.Text
	case fields.Error != "":
		return fields.Error
	}
	return string(raw)
}
