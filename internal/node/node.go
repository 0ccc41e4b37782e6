// ABOUTME: Represents one registered connection and owns its outbound write queue.
// ABOUTME: A single writer goroutine preserves per-sender delivery order to this node.

package node

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthside/hearth-gateway/internal/protocol"
)

const (
	// outboundBufferSize is the per-node delivery queue depth. Parallel
	// broadcasts enqueue here without waiting on the transport.
	outboundBufferSize = 64

	// writeTimeout bounds a single transport write so one stalled peer
	// cannot wedge its writer goroutine indefinitely.
	writeTimeout = 10 * time.Second
)

// Delivery errors
var (
	ErrNodeClosed     = errors.New("node closed")
	ErrQueueSaturated = errors.New("outbound queue saturated")
)

// Transport is the minimal surface a node needs from its connection.
// The gateway wires a WebSocket-backed implementation; tests use fakes.
type Transport interface {
	WriteEnvelope(ctx context.Context, env protocol.Envelope) error
	Close(reason string) error
}

// Node is the server-side identity and state of one registered connection.
// It is created by the Registry on successful handshake and mutated only
// through the Registry and its own methods; every other component refers
// to it by ID.
type Node struct {
	ID           string
	Name         string
	Role         protocol.Role
	Version      string
	Capabilities []string
	ConnectedAt  time.Time

	transport Transport
	logger    *slog.Logger

	mu     sync.Mutex
	groups map[string]struct{}

	lastSeen atomic.Int64 // unix nanos
	sent     atomic.Int64 // frames delivered to this node
	received atomic.Int64 // frames received from this node

	outbound  chan outboundItem
	done      chan struct{}
	closeOnce sync.Once
}

type outboundItem struct {
	env  protocol.Envelope
	done chan error
}

func newNode(id string, params RegisterParams, logger *slog.Logger) *Node {
	n := &Node{
		ID:           id,
		Name:         params.Name,
		Role:         params.Role,
		Version:      params.Version,
		Capabilities: params.Capabilities,
		ConnectedAt:  time.Now().UTC(),
		transport:    params.Transport,
		logger:       logger,
		groups:       make(map[string]struct{}),
		outbound:     make(chan outboundItem, outboundBufferSize),
		done:         make(chan struct{}),
	}
	n.lastSeen.Store(time.Now().UnixNano())
	go n.writeLoop()
	return n
}

// writeLoop drains the outbound queue onto the transport, one frame at a
// time. Per-node ordering follows from the single consumer.
func (n *Node) writeLoop() {
	for {
		select {
		case <-n.done:
			return
		case item := <-n.outbound:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := n.transport.WriteEnvelope(ctx, item.env)
			cancel()
			if item.done != nil {
				item.done <- err
			}
			if err != nil {
				n.logger.Debug("write failed", "node_id", n.ID, "type", item.env.Type, "error", err)
				continue
			}
			n.sent.Add(1)
		}
	}
}

// Deliver enqueues an envelope without waiting for the transport write.
// Returns false if the node is closed or its queue is saturated; the
// frame is dropped rather than blocking the caller.
func (n *Node) Deliver(env protocol.Envelope) bool {
	select {
	case <-n.done:
		return false
	default:
	}
	select {
	case n.outbound <- outboundItem{env: env}:
		return true
	default:
		n.logger.Warn("outbound queue full, dropping frame", "node_id", n.ID, "type", env.Type)
		return false
	}
}

// DeliverSync enqueues an envelope and waits until the transport write
// completes (or fails). Used by sequential group broadcast, where each
// send must finish before the next recipient's begins.
func (n *Node) DeliverSync(ctx context.Context, env protocol.Envelope) error {
	done := make(chan error, 1)
	select {
	case <-n.done:
		return ErrNodeClosed
	case <-ctx.Done():
		return ctx.Err()
	case n.outbound <- outboundItem{env: env, done: done}:
	default:
		return ErrQueueSaturated
	}
	select {
	case err := <-done:
		return err
	case <-n.done:
		return ErrNodeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer goroutine and closes the transport. Safe to call
// more than once.
func (n *Node) Close(reason string) {
	n.closeOnce.Do(func() {
		close(n.done)
		if err := n.transport.Close(reason); err != nil {
			n.logger.Debug("transport close", "node_id", n.ID, "error", err)
		}
	})
}

// Closed reports whether Close has been called.
func (n *Node) Closed() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// MarkActivity records inbound traffic (any frame, including pong).
func (n *Node) MarkActivity() {
	n.lastSeen.Store(time.Now().UnixNano())
	n.received.Add(1)
}

// LastSeen returns the time of the most recent inbound frame.
func (n *Node) LastSeen() time.Time {
	return time.Unix(0, n.lastSeen.Load())
}

// Counters returns the frames delivered to and received from this node.
func (n *Node) Counters() (sent, received int64) {
	return n.sent.Load(), n.received.Load()
}

// AddGroup records membership in a group. Called by the group registry
// transactionally with the group's own member update.
func (n *Node) AddGroup(groupID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups[groupID] = struct{}{}
}

// RemoveGroup drops membership in a group.
func (n *Node) RemoveGroup(groupID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.groups, groupID)
}

// Groups returns a snapshot of the node's joined group ids.
func (n *Node) Groups() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.groups))
	for id := range n.groups {
		ids = append(ids, id)
	}
	return ids
}
