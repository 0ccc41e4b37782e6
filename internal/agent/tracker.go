// ABOUTME: Tracks in-flight agent invocations by request id with cooperative cancel.
// ABOUTME: Guarantees one pending record per id and exactly one terminal event.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Cancel outcomes returned on req:agent:cancel acks.
const (
	CancelOutcomeCancelled = "cancelled"
	CancelOutcomeNotFound  = "not_found"
)

// ErrDuplicateRequest indicates a request id that is already pending.
var ErrDuplicateRequest = errors.New("request id already pending")

type pendingRequest struct {
	requestID string
	agentID   string
	sessionID string
	nodeID    string
	cancel    context.CancelFunc
	startedAt time.Time
}

// Tracker owns the pending-request table. Requests are registered
// synchronously in Submit before the invocation is dispatched, so a cancel
// arriving immediately after an accepted submit is never lost to a race.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	invoker Invoker
	events  Sink
	logger  *slog.Logger
}

// NewTracker creates a tracker that dispatches through invoker and routes
// events through events.
func NewTracker(invoker Invoker, events Sink, logger *slog.Logger) *Tracker {
	return &Tracker{
		pending: make(map[string]*pendingRequest),
		invoker: invoker,
		events:  events,
		logger:  logger,
	}
}

// Submit registers a pending request and dispatches the invocation
// asynchronously. The record exists before this returns.
func (t *Tracker) Submit(req InvokeRequest) error {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if _, exists := t.pending[req.RequestID]; exists {
		t.mu.Unlock()
		cancel()
		return ErrDuplicateRequest
	}
	t.pending[req.RequestID] = &pendingRequest{
		requestID: req.RequestID,
		agentID:   req.AgentID,
		sessionID: req.SessionID,
		nodeID:    req.NodeID,
		cancel:    cancel,
		startedAt: time.Now().UTC(),
	}
	t.mu.Unlock()

	t.logger.Debug("request accepted",
		"request_id", req.RequestID,
		"session_id", req.SessionID,
		"agent_id", req.AgentID,
	)

	go t.run(ctx, req)
	return nil
}

// Cancel signals the cancellation handle for a pending request and replies
// immediately; actual stopping is cooperative. An absent id (already
// completed or unknown) is the expected not_found outcome, not an error.
func (t *Tracker) Cancel(requestID string) string {
	t.mu.Lock()
	p, ok := t.pending[requestID]
	t.mu.Unlock()

	if !ok {
		return CancelOutcomeNotFound
	}
	p.cancel()
	t.logger.Info("request cancellation signalled", "request_id", requestID)
	return CancelOutcomeCancelled
}

// Pending returns the number of in-flight requests.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// CancelAll signals every pending request, used at shutdown.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.pending))
	for _, p := range t.pending {
		cancels = append(cancels, p.cancel)
	}
	t.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// run executes the invocation and emits exactly one terminal event. Only
// this goroutine removes the record, so a cancel racing a natural
// completion cannot double-remove or double-notify.
func (t *Tracker) run(ctx context.Context, req InvokeRequest) {
	err := t.invoker.Invoke(ctx, req, func(ev Event) {
		ev.RequestID = req.RequestID
		ev.SessionID = req.SessionID
		ev.AgentID = req.AgentID
		t.events.RouteAgentEvent(ev)
	})

	if !t.remove(req.RequestID) {
		return
	}

	terminal := Event{
		Tag:       TagComplete,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		RequestID: req.RequestID,
	}
	switch {
	case ctx.Err() != nil:
		// Cancellation wins over whatever error the unwinding produced.
		terminal.Tag = TagCancelled
	case err != nil:
		terminal.Tag = TagError
		terminal.Payload = errorPayload(err)
	}

	t.logger.Info("request finished",
		"request_id", req.RequestID,
		"session_id", req.SessionID,
		"outcome", terminal.Tag,
	)
	t.events.RouteAgentEvent(terminal)
}

// remove deletes the pending record, reporting whether this call was the
// one that removed it.
func (t *Tracker) remove(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[requestID]; !ok {
		return false
	}
	delete(t.pending, requestID)
	return true
}

func errorPayload(err error) json.RawMessage {
	raw, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		return json.RawMessage(`{"error":"invocation failed"}`)
	}
	return raw
}
