// ABOUTME: Contract between the gateway core and the external agent engine.
// ABOUTME: The invoker accepts a prompt plus cancellation and emits session events.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event tags carried on event:agent frames.
const (
	TagSessionMessage = "session-message"
	TagStream         = "agent-stream"
	TagComplete       = "agent-complete"
	TagError          = "agent-error"
	TagCancelled      = "agent-cancelled"
)

// InvokeRequest is one accepted agent request.
type InvokeRequest struct {
	RequestID string
	AgentID   string
	SessionID string
	NodeID    string // submitting node; informational only
	Content   string
}

// Event is one execution event produced by an invocation.
type Event struct {
	Tag       string
	AgentID   string
	SessionID string
	RequestID string
	Payload   json.RawMessage
}

// EmitFunc receives non-terminal events from a running invocation.
type EmitFunc func(Event)

// Invoker is the opaque agent-execution backend. Invoke runs until the
// request reaches a terminal outcome; cancellation is cooperative through
// ctx. Non-terminal progress goes through emit; the terminal session event
// is produced by the Tracker from Invoke's return.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest, emit EmitFunc) error
}

// Sink receives routed agent events. Implemented by the session router.
type Sink interface {
	RouteAgentEvent(ev Event) int
}

// EchoInvoker is a development stand-in that streams the prompt back and
// completes. Used by the serve command when no real backend is wired, and
// by integration tests.
type EchoInvoker struct {
	// Delay before echoing, so cancellation paths are exercisable.
	Delay time.Duration
}

// Invoke implements Invoker.
func (e *EchoInvoker) Invoke(ctx context.Context, req InvokeRequest, emit EmitFunc) error {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.Delay):
		}
	}
	payload, err := json.Marshal(map[string]string{"text": req.Content})
	if err != nil {
		return fmt.Errorf("marshaling echo payload: %w", err)
	}
	emit(Event{Tag: TagStream, Payload: payload})
	return ctx.Err()
}
