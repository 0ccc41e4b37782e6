// ABOUTME: Tests for session event routing: explicit subscriptions, always-listen
// ABOUTME: roles, deduplication, isolation between sessions and node cleanup.

package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthside/hearth-gateway/internal/agent"
	"github.com/hearthside/hearth-gateway/internal/node"
	"github.com/hearthside/hearth-gateway/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	mu     sync.Mutex
	frames []protocol.Envelope
}

func (f *fakeTransport) WriteEnvelope(_ context.Context, env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, env)
	return nil
}

func (f *fakeTransport) Close(_ string) error { return nil }

func (f *fakeTransport) Frames() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, len(f.frames))
	copy(out, f.frames)
	return out
}

type harness struct {
	nodes  *node.Registry
	router *Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	nodes := node.NewRegistry(testLogger())
	return &harness{
		nodes:  nodes,
		router: NewRouter(nodes, nil, testLogger()),
	}
}

func (h *harness) register(t *testing.T, name string, role protocol.Role) (*node.Node, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	n := h.nodes.Register(node.RegisterParams{Name: name, Role: role, Transport: tr})
	t.Cleanup(func() { n.Close("test done") })
	return n, tr
}

func event(sessionID string) protocol.Envelope {
	return protocol.MustNew(protocol.TypeAgentEvent, "", protocol.AgentEventPayload{
		Tag:       agent.TagStream,
		SessionID: sessionID,
	})
}

func TestExplicitSubscriberReceivesEvents(t *testing.T) {
	h := newHarness(t)
	n, tr := h.register(t, "cli", protocol.RoleCLI)

	require.NoError(t, h.router.Subscribe(n.ID, "s-1"))
	delivered := h.router.RouteEvent("s-1", event("s-1"))
	assert.Equal(t, 1, delivered)

	require.Eventually(t, func() bool {
		return len(tr.Frames()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeUnknownNode(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.router.Subscribe("ghost", "s-1"), node.ErrNodeNotFound)
}

func TestAlwaysListenRoleReceivesWithoutSubscribing(t *testing.T) {
	h := newHarness(t)
	_, trDesktop := h.register(t, "desk", protocol.RoleDesktop)
	_, trCLI := h.register(t, "cli", protocol.RoleCLI)

	delivered := h.router.RouteEvent("s-1", event("s-1"))
	assert.Equal(t, 1, delivered)

	require.Eventually(t, func() bool {
		return len(trDesktop.Frames()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, trCLI.Frames(), "non-subscribed cli must not receive session events")
}

func TestSubscribedAlwaysListenerReceivesOnce(t *testing.T) {
	h := newHarness(t)
	n, tr := h.register(t, "desk", protocol.RoleDesktop)

	require.NoError(t, h.router.Subscribe(n.ID, "s-1"))
	delivered := h.router.RouteEvent("s-1", event("s-1"))
	assert.Equal(t, 1, delivered, "explicit plus implicit must deduplicate")

	require.Eventually(t, func() bool {
		return len(tr.Frames()) == 1
	}, time.Second, 5*time.Millisecond)

	// Give the writer a moment; a duplicate would land here.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, tr.Frames(), 1)
}

func TestSessionIsolation(t *testing.T) {
	h := newHarness(t)
	a, trA := h.register(t, "one", protocol.RoleCLI)
	b, trB := h.register(t, "two", protocol.RoleCLI)

	require.NoError(t, h.router.Subscribe(a.ID, "s-1"))
	require.NoError(t, h.router.Subscribe(b.ID, "s-2"))

	h.router.RouteEvent("s-1", event("s-1"))

	require.Eventually(t, func() bool {
		return len(trA.Frames()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, trB.Frames())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newHarness(t)
	n, tr := h.register(t, "cli", protocol.RoleCLI)

	require.NoError(t, h.router.Subscribe(n.ID, "s-1"))
	h.router.Unsubscribe(n.ID, "s-1")
	assert.Equal(t, 0, h.router.Subscribers("s-1"), "emptied session entry is pruned")

	delivered := h.router.RouteEvent("s-1", event("s-1"))
	assert.Equal(t, 0, delivered)
	assert.Empty(t, tr.Frames())

	// Unsubscribing twice is harmless.
	h.router.Unsubscribe(n.ID, "s-1")
}

func TestDropNodeRemovesAllSubscriptions(t *testing.T) {
	h := newHarness(t)
	n, _ := h.register(t, "cli", protocol.RoleCLI)

	require.NoError(t, h.router.Subscribe(n.ID, "s-1"))
	require.NoError(t, h.router.Subscribe(n.ID, "s-2"))

	h.router.DropNode(n.ID)
	assert.Equal(t, 0, h.router.Subscribers("s-1"))
	assert.Equal(t, 0, h.router.Subscribers("s-2"))
}

func TestRouteAgentEventBuildsEnvelope(t *testing.T) {
	h := newHarness(t)
	n, tr := h.register(t, "cli", protocol.RoleCLI)
	require.NoError(t, h.router.Subscribe(n.ID, "s-1"))

	delivered := h.router.RouteAgentEvent(agent.Event{
		Tag:       agent.TagComplete,
		AgentID:   "main",
		SessionID: "s-1",
		RequestID: "r-1",
	})
	assert.Equal(t, 1, delivered)

	require.Eventually(t, func() bool {
		return len(tr.Frames()) == 1
	}, time.Second, 5*time.Millisecond)

	env := tr.Frames()[0]
	assert.Equal(t, protocol.TypeAgentEvent, env.Type)

	var p protocol.AgentEventPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, agent.TagComplete, p.Tag)
	assert.Equal(t, "s-1", p.SessionID)
	assert.Equal(t, "r-1", p.RequestID)
}

func TestRouteUserMessageReachesSubmitterSurfaces(t *testing.T) {
	h := newHarness(t)
	n, tr := h.register(t, "cli", protocol.RoleCLI)
	require.NoError(t, h.router.Subscribe(n.ID, "s-1"))

	delivered := h.router.RouteUserMessage("main", "s-1", "hello there")
	assert.Equal(t, 1, delivered)

	require.Eventually(t, func() bool {
		return len(tr.Frames()) == 1
	}, time.Second, 5*time.Millisecond)

	var p protocol.AgentEventPayload
	require.NoError(t, tr.Frames()[0].DecodePayload(&p))
	assert.Equal(t, agent.TagSessionMessage, p.Tag)

	var inner struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(p.Payload, &inner))
	assert.Equal(t, "hello there", inner.Content)
}

func TestRoutePersistsHistory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	nodes := node.NewRegistry(testLogger())
	router := NewRouter(nodes, store, testLogger())

	router.RouteUserMessage("main", "s-1", "first prompt")
	router.RouteAgentEvent(agent.Event{
		Tag:       agent.TagStream,
		AgentID:   "main",
		SessionID: "s-1",
		Payload:   json.RawMessage(`{"text":"reply"}`),
	})

	msgs, err := store.ListMessages(context.Background(), "s-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "first prompt", msgs[0].Content)
	assert.Equal(t, "agent", msgs[1].Role)
	assert.Equal(t, "reply", msgs[1].Content)
}
