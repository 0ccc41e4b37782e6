// ABOUTME: Tests for the request lifecycle tracker: submit, duplicate rejection,
// ABOUTME: cooperative cancel and the exactly-one-terminal-event guarantee.

package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSink records routed events.
type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) RouteAgentEvent(ev Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return 1
}

func (c *captureSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *captureSink) terminals() []Event {
	var out []Event
	for _, ev := range c.Events() {
		switch ev.Tag {
		case TagComplete, TagError, TagCancelled:
			out = append(out, ev)
		}
	}
	return out
}

// blockingInvoker runs until its release channel closes or ctx is
// cancelled.
type blockingInvoker struct {
	release chan struct{}
	result  error
}

func (b *blockingInvoker) Invoke(ctx context.Context, _ InvokeRequest, _ EmitFunc) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.release:
		return b.result
	}
}

func waitTerminal(t *testing.T, sink *captureSink, want int) []Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sink.terminals()) == want
	}, time.Second, 5*time.Millisecond)
	return sink.terminals()
}

func TestSubmitCompletes(t *testing.T) {
	sink := &captureSink{}
	tracker := NewTracker(&EchoInvoker{}, sink, testLogger())

	err := tracker.Submit(InvokeRequest{RequestID: "r-1", AgentID: "main", SessionID: "s-1", Content: "hi"})
	require.NoError(t, err)

	terms := waitTerminal(t, sink, 1)
	assert.Equal(t, TagComplete, terms[0].Tag)
	assert.Equal(t, "r-1", terms[0].RequestID)
	assert.Equal(t, "s-1", terms[0].SessionID)
	assert.Equal(t, 0, tracker.Pending())

	// The echo stream event carries the filled-in ids.
	var sawStream bool
	for _, ev := range sink.Events() {
		if ev.Tag == TagStream {
			sawStream = true
			assert.Equal(t, "r-1", ev.RequestID)
		}
	}
	assert.True(t, sawStream)
}

func TestSubmitDuplicateRejected(t *testing.T) {
	inv := &blockingInvoker{release: make(chan struct{})}
	sink := &captureSink{}
	tracker := NewTracker(inv, sink, testLogger())

	require.NoError(t, tracker.Submit(InvokeRequest{RequestID: "r-1", SessionID: "s-1"}))
	assert.ErrorIs(t, tracker.Submit(InvokeRequest{RequestID: "r-1", SessionID: "s-1"}), ErrDuplicateRequest)
	assert.Equal(t, 1, tracker.Pending())

	close(inv.release)
	waitTerminal(t, sink, 1)

	// The id is reusable once the first request finished.
	require.NoError(t, tracker.Submit(InvokeRequest{RequestID: "r-1", SessionID: "s-1"}))
	waitTerminal(t, sink, 2)
}

func TestCancelPendingRequest(t *testing.T) {
	inv := &blockingInvoker{release: make(chan struct{})}
	sink := &captureSink{}
	tracker := NewTracker(inv, sink, testLogger())

	require.NoError(t, tracker.Submit(InvokeRequest{RequestID: "r-1", SessionID: "s-1"}))

	outcome := tracker.Cancel("r-1")
	assert.Equal(t, CancelOutcomeCancelled, outcome)

	terms := waitTerminal(t, sink, 1)
	assert.Equal(t, TagCancelled, terms[0].Tag)
	assert.Equal(t, 0, tracker.Pending())
}

func TestCancelUnknownRequest(t *testing.T) {
	tracker := NewTracker(&EchoInvoker{}, &captureSink{}, testLogger())
	assert.Equal(t, CancelOutcomeNotFound, tracker.Cancel("never-seen"))
}

func TestCancelAfterCompletionIsNotFound(t *testing.T) {
	sink := &captureSink{}
	tracker := NewTracker(&EchoInvoker{}, sink, testLogger())

	require.NoError(t, tracker.Submit(InvokeRequest{RequestID: "r-1", SessionID: "s-1"}))
	waitTerminal(t, sink, 1)

	assert.Equal(t, CancelOutcomeNotFound, tracker.Cancel("r-1"))
	assert.Len(t, sink.terminals(), 1, "no second terminal event after late cancel")
}

func TestInvokerErrorProducesErrorEvent(t *testing.T) {
	inv := &blockingInvoker{release: make(chan struct{}), result: errors.New("backend exploded")}
	sink := &captureSink{}
	tracker := NewTracker(inv, sink, testLogger())

	require.NoError(t, tracker.Submit(InvokeRequest{RequestID: "r-1", SessionID: "s-1"}))
	close(inv.release)

	terms := waitTerminal(t, sink, 1)
	assert.Equal(t, TagError, terms[0].Tag)
	assert.Contains(t, string(terms[0].Payload), "backend exploded")
}

func TestCancelWinsOverUnwindError(t *testing.T) {
	sink := &captureSink{}
	// EchoInvoker with a delay returns ctx.Err() when cancelled mid-wait.
	tracker := NewTracker(&EchoInvoker{Delay: 10 * time.Second}, sink, testLogger())

	require.NoError(t, tracker.Submit(InvokeRequest{RequestID: "r-1", SessionID: "s-1"}))
	assert.Equal(t, CancelOutcomeCancelled, tracker.Cancel("r-1"))

	terms := waitTerminal(t, sink, 1)
	assert.Equal(t, TagCancelled, terms[0].Tag, "cancelled, not error, when the unwind returns ctx.Err()")
}

func TestConcurrentCancelAndCompletionSingleTerminal(t *testing.T) {
	for i := 0; i < 20; i++ {
		inv := &blockingInvoker{release: make(chan struct{})}
		sink := &captureSink{}
		tracker := NewTracker(inv, sink, testLogger())

		require.NoError(t, tracker.Submit(InvokeRequest{RequestID: "r-1", SessionID: "s-1"}))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			close(inv.release)
		}()
		go func() {
			defer wg.Done()
			tracker.Cancel("r-1")
		}()
		wg.Wait()

		require.Eventually(t, func() bool {
			return tracker.Pending() == 0
		}, time.Second, time.Millisecond)

		terms := waitTerminal(t, sink, 1)
		assert.Len(t, terms, 1, "exactly one terminal event per request")
	}
}

func TestCancelAll(t *testing.T) {
	inv := &blockingInvoker{release: make(chan struct{})}
	sink := &captureSink{}
	tracker := NewTracker(inv, sink, testLogger())

	for _, id := range []string{"r-1", "r-2", "r-3"} {
		require.NoError(t, tracker.Submit(InvokeRequest{RequestID: id, SessionID: "s-1"}))
	}
	tracker.CancelAll()

	terms := waitTerminal(t, sink, 3)
	for _, ev := range terms {
		assert.Equal(t, TagCancelled, ev.Tag)
	}
	assert.Equal(t, 0, tracker.Pending())
}
