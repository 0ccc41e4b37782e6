// ABOUTME: Periodic liveness sweep over registered nodes.
// ABOUTME: Pings quiet nodes and evicts those silent past the timeout.

package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hearthside/hearth-gateway/internal/node"
	"github.com/hearthside/hearth-gateway/internal/protocol"
)

// DisconnectFunc tears down a node that failed the liveness check. The
// gateway supplies its full disconnect path here so eviction cleans up
// groups and sessions the same way a client-initiated close does.
type DisconnectFunc func(nodeID, reason string)

// Monitor sweeps the registry on a fixed interval. Any frame from a node
// counts as liveness; pings are only probes for quiet connections.
type Monitor struct {
	nodes      *node.Registry
	interval   time.Duration
	timeout    time.Duration
	disconnect DisconnectFunc
	logger     *slog.Logger
}

// NewMonitor creates a liveness monitor. timeout should exceed interval
// so a node gets at least one probe before eviction.
func NewMonitor(nodes *node.Registry, interval, timeout time.Duration, disconnect DisconnectFunc, logger *slog.Logger) *Monitor {
	return &Monitor{
		nodes:      nodes,
		interval:   interval,
		timeout:    timeout,
		disconnect: disconnect,
		logger:     logger,
	}
}

// Run sweeps until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("heartbeat monitor started",
		"interval", m.interval, "timeout", m.timeout)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep probes or evicts every registered node based on time since its
// last observed frame.
func (m *Monitor) sweep() {
	now := time.Now()
	for _, n := range m.nodes.All() {
		silent := now.Sub(n.LastSeen())
		if silent > m.timeout {
			m.logger.Warn("node heartbeat timeout",
				"node_id", n.ID, "name", n.Name, "silent", silent)
			m.disconnect(n.ID, "heartbeat timeout")
			continue
		}
		n.Deliver(protocol.MustNew(protocol.TypePing, uuid.New().String(), nil))
	}
}
