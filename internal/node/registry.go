// ABOUTME: Manages registered nodes, handles identity minting and lifecycle cleanup.
// ABOUTME: Central lookup table every other component addresses nodes through.

package node

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthside/hearth-gateway/internal/protocol"
)

// ErrNodeNotFound indicates the specified node is not registered.
var ErrNodeNotFound = errors.New("node not found")

// RegisterParams carries the declared client info accepted at handshake.
type RegisterParams struct {
	Name         string
	Role         protocol.Role
	Version      string
	Capabilities []string
	Transport    Transport
}

// Registry coordinates all registered nodes. Node ids are minted here and
// never reused; lookup is by id only.
type Registry struct {
	nodes  map[string]*Node
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		nodes:  make(map[string]*Node),
		logger: logger,
	}
}

// Register mints a fresh node id for an authenticated connection and adds
// the node to the registry. The node's writer goroutine starts here.
func (r *Registry) Register(params RegisterParams) *Node {
	id := uuid.New().String()
	n := newNode(id, params, r.logger)

	r.mu.Lock()
	r.nodes[id] = n
	total := len(r.nodes)
	r.mu.Unlock()

	r.logger.Info("=== NODE CONNECTED ===",
		"node_id", id,
		"name", n.Name,
		"role", n.Role,
		"capabilities", n.Capabilities,
		"total_nodes", total,
	)
	return n
}

// Unregister removes a node from the registry and returns it, or nil if
// the id is unknown. The caller is responsible for group/session cleanup
// and for closing the node.
func (r *Registry) Unregister(nodeID string) *Node {
	r.mu.Lock()
	n, exists := r.nodes[nodeID]
	if exists {
		delete(r.nodes, nodeID)
	}
	total := len(r.nodes)
	r.mu.Unlock()

	if !exists {
		return nil
	}
	r.logger.Info("=== NODE DISCONNECTED ===",
		"node_id", nodeID,
		"name", n.Name,
		"total_nodes", total,
	)
	return n
}

// Get retrieves a node by id.
func (r *Registry) Get(nodeID string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return n, ok
}

// RecordActivity refreshes the liveness timestamp for a node. Unknown ids
// are ignored: the frame raced with a disconnect.
func (r *Registry) RecordActivity(nodeID string) {
	if n, ok := r.Get(nodeID); ok {
		n.MarkActivity()
	}
}

// Count returns the number of registered nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// All returns a snapshot of every registered node.
func (r *Registry) All() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

// AlwaysListeners returns the connected nodes whose role implicitly
// observes every session.
func (r *Registry) AlwaysListeners() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var nodes []*Node
	for _, n := range r.nodes {
		if n.Role.AlwaysListen() {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Info is a point-in-time public view of a node for status surfaces.
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	Version      string    `json:"version,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Groups       []string  `json:"groups,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastSeen     time.Time `json:"lastSeen"`
	Sent         int64     `json:"sent"`
	Received     int64     `json:"received"`
}

// List returns public info snapshots for all registered nodes.
func (r *Registry) List() []Info {
	nodes := r.All()
	infos := make([]Info, 0, len(nodes))
	for _, n := range nodes {
		sent, received := n.Counters()
		infos = append(infos, Info{
			ID:           n.ID,
			Name:         n.Name,
			Role:         string(n.Role),
			Version:      n.Version,
			Capabilities: n.Capabilities,
			Groups:       n.Groups(),
			ConnectedAt:  n.ConnectedAt,
			LastSeen:     n.LastSeen(),
			Sent:         sent,
			Received:     received,
		})
	}
	return infos
}
