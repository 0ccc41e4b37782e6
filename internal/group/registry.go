// ABOUTME: Group membership and broadcast fan-out built on the node registry.
// ABOUTME: Groups are ephemeral, created on first join and collected when emptied.

package group

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthside/hearth-gateway/internal/node"
	"github.com/hearthside/hearth-gateway/internal/protocol"
)

// Strategy controls how a broadcast reaches group members.
type Strategy string

const (
	// StrategyParallel enqueues to all members without any recipient
	// waiting on another. No cross-recipient ordering guarantee.
	StrategyParallel Strategy = "parallel"

	// StrategySequential delivers in stable join order, each transport
	// send completing before the next begins.
	StrategySequential Strategy = "sequential"
)

// Registry errors
var (
	ErrGroupNotFound = errors.New("group not found")
	ErrNodeNotFound  = errors.New("node not found")
)

// Group is a named, dynamically created set of nodes.
type Group struct {
	ID          string
	Name        string
	Description string
	CreatorID   string
	CreatedAt   time.Time
	Strategy    Strategy
	Metadata    map[string]string

	// members holds node ids in join order; memberSet mirrors it for
	// O(1) membership checks.
	members   []string
	memberSet map[string]struct{}
}

func (g *Group) addMember(nodeID string) {
	if _, ok := g.memberSet[nodeID]; ok {
		return
	}
	g.memberSet[nodeID] = struct{}{}
	g.members = append(g.members, nodeID)
}

func (g *Group) removeMember(nodeID string) bool {
	if _, ok := g.memberSet[nodeID]; !ok {
		return false
	}
	delete(g.memberSet, nodeID)
	for i, id := range g.members {
		if id == nodeID {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	return true
}

// Registry owns the group table. A single mutex guards lookup, creation
// and membership so that concurrent create-if-missing joins for one name
// resolve to exactly one group.
type Registry struct {
	mu     sync.Mutex
	byID   map[string]*Group
	byName map[string]*Group
	nodes  *node.Registry
	logger *slog.Logger
}

// NewRegistry creates a group registry backed by the given node registry.
func NewRegistry(nodes *node.Registry, logger *slog.Logger) *Registry {
	return &Registry{
		byID:   make(map[string]*Group),
		byName: make(map[string]*Group),
		nodes:  nodes,
		logger: logger,
	}
}

// Membership is the join result returned to the client.
type Membership struct {
	GroupID   string
	GroupName string
	Created   bool
}

// Join adds a node to a group, resolving nameOrID by id first, then by
// name. If absent and createIfMissing is set, a group is created with the
// default parallel strategy and the joining node as creator. The node's
// group set and the group's member set are updated under one lock.
func (r *Registry) Join(nodeID, nameOrID string, createIfMissing bool, description string) (Membership, error) {
	n, ok := r.nodes.Get(nodeID)
	if !ok {
		return Membership{}, ErrNodeNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, exists := r.byID[nameOrID]
	if !exists {
		g, exists = r.byName[nameOrID]
	}

	created := false
	if !exists {
		if !createIfMissing {
			return Membership{}, ErrGroupNotFound
		}
		g = &Group{
			ID:          uuid.New().String(),
			Name:        nameOrID,
			Description: description,
			CreatorID:   nodeID,
			CreatedAt:   time.Now().UTC(),
			Strategy:    StrategyParallel,
			Metadata:    make(map[string]string),
			memberSet:   make(map[string]struct{}),
		}
		r.byID[g.ID] = g
		r.byName[g.Name] = g
		created = true
		r.logger.Info("group created", "group_id", g.ID, "name", g.Name, "creator", nodeID)
	}

	g.addMember(nodeID)
	n.AddGroup(g.ID)
	r.logger.Debug("node joined group", "group_id", g.ID, "node_id", nodeID, "members", len(g.members))

	return Membership{GroupID: g.ID, GroupName: g.Name, Created: created}, nil
}

// Leave removes a node from a group. Leaving a group the node never
// joined is a no-op. The group is collected once its member set empties.
func (r *Registry) Leave(nodeID, groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.byID[groupID]
	if !ok {
		return ErrGroupNotFound
	}

	if !g.removeMember(nodeID) {
		return nil
	}
	if n, ok := r.nodes.Get(nodeID); ok {
		n.RemoveGroup(g.ID)
	}
	r.collectIfEmptyLocked(g)
	return nil
}

// DropNode performs the implicit leave from every joined group when a
// node disconnects.
func (r *Registry) DropNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, g := range r.byID {
		if g.removeMember(nodeID) {
			r.collectIfEmptyLocked(g)
		}
	}
}

func (r *Registry) collectIfEmptyLocked(g *Group) {
	if len(g.members) > 0 {
		return
	}
	delete(r.byID, g.ID)
	delete(r.byName, g.Name)
	r.logger.Info("group collected", "group_id", g.ID, "name", g.Name)
}

// Broadcast fans a payload out to every current member except the sender
// and returns the count of members actually reached. Detached or closed
// members are skipped without failing the broadcast; a group with no
// other members yields 0.
func (r *Registry) Broadcast(ctx context.Context, groupID string, payload json.RawMessage, fromNodeID string) (int, error) {
	r.mu.Lock()
	g, ok := r.byID[groupID]
	if !ok {
		r.mu.Unlock()
		return 0, ErrGroupNotFound
	}
	strategy := g.Strategy
	recipients := make([]string, 0, len(g.members))
	for _, id := range g.members {
		if id != fromNodeID {
			recipients = append(recipients, id)
		}
	}
	r.mu.Unlock()

	env := protocol.MustNew(protocol.TypeBroadcast, "", protocol.BroadcastPayload{Payload: payload})
	env.From = fromNodeID
	env.Group = groupID

	delivered := 0
	for _, id := range recipients {
		member, ok := r.nodes.Get(id)
		if !ok || member.Closed() {
			continue
		}
		switch strategy {
		case StrategySequential:
			if err := member.DeliverSync(ctx, env); err != nil {
				r.logger.Debug("sequential delivery skipped member",
					"group_id", groupID, "node_id", id, "error", err)
				continue
			}
		default:
			if !member.Deliver(env) {
				continue
			}
		}
		delivered++
	}
	return delivered, nil
}

// SetStrategy changes a group's fan-out strategy.
func (r *Registry) SetStrategy(groupID string, s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byID[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	g.Strategy = s
	return nil
}

// Count returns the number of live groups.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Info is a point-in-time public view of a group.
type Info struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	CreatorID   string            `json:"creatorId"`
	CreatedAt   time.Time         `json:"createdAt"`
	Strategy    string            `json:"strategy"`
	Members     []string          `json:"members"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// List returns public info snapshots for all live groups.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]Info, 0, len(r.byID))
	for _, g := range r.byID {
		members := make([]string, len(g.members))
		copy(members, g.members)
		infos = append(infos, Info{
			ID:          g.ID,
			Name:        g.Name,
			Description: g.Description,
			CreatorID:   g.CreatorID,
			CreatedAt:   g.CreatedAt,
			Strategy:    string(g.Strategy),
			Members:     members,
			Metadata:    g.Metadata,
		})
	}
	return infos
}
