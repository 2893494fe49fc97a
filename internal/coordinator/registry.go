package coordinator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/grid-engine/pkg/logger"
	"yqhp/grid-engine/pkg/types"
)

// legalTransitions lists every status change the registry accepts.
var legalTransitions = map[types.NodeStatus][]types.NodeStatus{
	types.NodeStatusRegistered: {types.NodeStatusAlive},
	types.NodeStatusAlive:      {types.NodeStatusSuspect},
	types.NodeStatusSuspect:    {types.NodeStatusAlive, types.NodeStatusDead},
}

// CanTransition reports whether from -> to is a legal node transition.
func CanTransition(from, to types.NodeStatus) bool {
	return slice.Contain(legalTransitions[from], to)
}

// NodeFilter selects nodes by capability.
type NodeFilter struct {
	Tags    []string
	Labels  map[string]string
	Exclude []string
}

// Matches reports whether node satisfies the filter.
func (f NodeFilter) Matches(node *types.Node) bool {
	if slice.Contain(f.Exclude, node.ID) {
		return false
	}
	for _, tag := range f.Tags {
		if !node.Capabilities.HasTag(tag) {
			return false
		}
	}
	for k, v := range f.Labels {
		if node.Capabilities.Labels[k] != v {
			return false
		}
	}
	return true
}

// ProbeResult describes what one heartbeat observation did to a node.
type ProbeResult struct {
	From    types.NodeStatus
	To      types.NodeStatus
	Misses  int
	Died    bool
	Expired bool
}

// NodeRegistry is the authoritative map of worker identity to capability
// profile and liveness status.
type NodeRegistry struct {
	mu    sync.RWMutex
	nodes map[string]*types.Node

	subMu       sync.RWMutex
	subscribers []chan types.NodeEvent

	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// NewNodeRegistry creates an empty registry.
func NewNodeRegistry(log *zap.Logger) *NodeRegistry {
	return &NodeRegistry{
		nodes:  make(map[string]*types.Node),
		logger: logger.OrNamed(log, "registry"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Register validates caps and admits a new node under a fresh id. A failed
// validation rejects the request and leaves the registry untouched.
func (r *NodeRegistry) Register(_ context.Context, caps types.Capabilities, address string) (string, error) {
	caps = caps.Clone()
	caps.Tags = normalizeTags(caps.Tags)
	if err := validateCapabilities(caps); err != nil {
		r.logger.Warn("registration rejected", zap.String("address", address), zap.Error(err))
		return "", err
	}

	now := r.now()
	node := &types.Node{
		ID:              r.newID(),
		Address:         address,
		Capabilities:    caps,
		Status:          types.NodeStatusRegistered,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}

	r.mu.Lock()
	r.nodes[node.ID] = node
	snapshot := node.Clone()
	r.mu.Unlock()

	r.logger.Info("node registered",
		zap.String("node_id", node.ID),
		zap.String("address", address),
		zap.Strings("tags", caps.Tags),
		zap.Float64("weight", caps.EffectiveWeight()))
	r.notify(types.NodeEvent{Type: types.NodeEventRegistered, NodeID: node.ID, To: node.Status, Node: snapshot})
	return node.ID, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return slice.Unique(out)
}

func validateCapabilities(caps types.Capabilities) error {
	switch {
	case len(caps.Tags) == 0:
		return newError(ErrCodeRegistrationRejected, "capability profile has no tags")
	case caps.CPUCores < 0:
		return newError(ErrCodeRegistrationRejected, "negative cpu core count %d", caps.CPUCores)
	case caps.MemoryMB < 0:
		return newError(ErrCodeRegistrationRejected, "negative memory %d MB", caps.MemoryMB)
	case caps.Weight < 0:
		return newError(ErrCodeRegistrationRejected, "negative weight %g", caps.Weight)
	}
	return nil
}

// Deregister removes a node. It is the only way a node leaves the registry
// apart from registration expiry.
func (r *NodeRegistry) Deregister(_ context.Context, nodeID string) error {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return newError(ErrCodeNodeNotFound, "node %s not registered", nodeID).withNode(nodeID)
	}
	delete(r.nodes, nodeID)
	r.mu.Unlock()

	r.logger.Info("node deregistered", zap.String("node_id", nodeID), zap.String("status", string(node.Status)))
	r.notify(types.NodeEvent{Type: types.NodeEventDeregistered, NodeID: nodeID, From: node.Status, Node: node})
	return nil
}

// Get returns a copy of the node.
func (r *NodeRegistry) Get(nodeID string) (*types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return nil, false
	}
	return node.Clone(), true
}

// List returns copies of every node, ordered by id.
func (r *NodeRegistry) List() []*types.Node {
	r.mu.RLock()
	out := make([]*types.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, node.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAlive returns a consistent snapshot of alive nodes matching filter,
// ordered by effective weight descending, then id.
func (r *NodeRegistry) ListAlive(filter NodeFilter) []*types.Node {
	r.mu.RLock()
	out := make([]*types.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		if node.Status == types.NodeStatusAlive && filter.Matches(node) {
			out = append(out, node.Clone())
		}
	}
	r.mu.RUnlock()

	sortByWeight(out)
	return out
}

func sortByWeight(nodes []*types.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		wi, wj := nodes[i].Capabilities.EffectiveWeight(), nodes[j].Capabilities.EffectiveWeight()
		if wi != wj {
			return wi > wj
		}
		return nodes[i].ID < nodes[j].ID
	})
}

// Mark moves a node to status. Setting the current status is a no-op;
// any transition outside the legal set is rejected.
func (r *NodeRegistry) Mark(_ context.Context, nodeID string, status types.NodeStatus) error {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return newError(ErrCodeNodeNotFound, "node %s not registered", nodeID).withNode(nodeID)
	}
	from := node.Status
	if from == status {
		r.mu.Unlock()
		return nil
	}
	if !CanTransition(from, status) {
		r.mu.Unlock()
		return newError(ErrCodeIllegalTransition, "%s -> %s", from, status).withNode(nodeID)
	}
	node.Status = status
	if status == types.NodeStatusAlive {
		node.MissedProbes = 0
		node.LastHeartbeatAt = r.now()
	}
	snapshot := node.Clone()
	r.mu.Unlock()

	r.transitioned(snapshot, from)
	return nil
}

// RecordProbe applies one heartbeat observation. A success revives a
// registered or suspect node. A miss moves alive to suspect, and suspect to
// dead once threshold consecutive probes are missed. A registered node that
// never answered threshold probes is dropped.
func (r *NodeRegistry) RecordProbe(nodeID string, ok bool, threshold int) (ProbeResult, error) {
	var steps []types.NodeStatus

	r.mu.Lock()
	node, exists := r.nodes[nodeID]
	if !exists {
		r.mu.Unlock()
		return ProbeResult{}, newError(ErrCodeNodeNotFound, "node %s not registered", nodeID).withNode(nodeID)
	}
	res := ProbeResult{From: node.Status}

	switch {
	case node.Status == types.NodeStatusDead:
		// dead nodes only leave through re-registration
	case ok:
		node.MissedProbes = 0
		node.LastHeartbeatAt = r.now()
		if node.Status != types.NodeStatusAlive {
			steps = append(steps, types.NodeStatusAlive)
		}
	default:
		node.MissedProbes++
		switch node.Status {
		case types.NodeStatusRegistered:
			if node.MissedProbes >= threshold {
				delete(r.nodes, nodeID)
				res.Expired = true
			}
		case types.NodeStatusAlive:
			steps = append(steps, types.NodeStatusSuspect)
			if node.MissedProbes >= threshold {
				steps = append(steps, types.NodeStatusDead)
			}
		case types.NodeStatusSuspect:
			if node.MissedProbes >= threshold {
				steps = append(steps, types.NodeStatusDead)
			}
		}
	}

	type change struct {
		from types.NodeStatus
		node *types.Node
	}
	changes := make([]change, 0, len(steps))
	for _, to := range steps {
		from := node.Status
		node.Status = to
		changes = append(changes, change{from: from, node: node.Clone()})
	}
	res.To = node.Status
	res.Misses = node.MissedProbes
	res.Died = res.To == types.NodeStatusDead && res.From != types.NodeStatusDead
	var expired *types.Node
	if res.Expired {
		expired = node.Clone()
	}
	r.mu.Unlock()

	for _, c := range changes {
		r.transitioned(c.node, c.from)
	}
	if expired != nil {
		r.logger.Warn("registration expired",
			zap.String("node_id", nodeID),
			zap.Int("missed_probes", res.Misses))
		r.notify(types.NodeEvent{Type: types.NodeEventDeregistered, NodeID: nodeID, From: types.NodeStatusRegistered, Node: expired})
	}
	return res, nil
}

func (r *NodeRegistry) transitioned(node *types.Node, from types.NodeStatus) {
	level := zap.InfoLevel
	if node.Status == types.NodeStatusSuspect || node.Status == types.NodeStatusDead {
		level = zap.WarnLevel
	}
	r.logger.Log(level, "node status changed",
		zap.String("node_id", node.ID),
		zap.String("from", string(from)),
		zap.String("to", string(node.Status)),
		zap.Int("missed_probes", node.MissedProbes))
	r.notify(types.NodeEvent{Type: types.NodeEventTransition, NodeID: node.ID, From: from, To: node.Status, Node: node})
}

// Watch streams registry events until ctx ends. Slow watchers lose events.
func (r *NodeRegistry) Watch(ctx context.Context) <-chan types.NodeEvent {
	ch := make(chan types.NodeEvent, 128)

	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	go func() {
		<-ctx.Done()
		r.subMu.Lock()
		for i, sub := range r.subscribers {
			if sub == ch {
				r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
				break
			}
		}
		r.subMu.Unlock()
		close(ch)
	}()
	return ch
}

func (r *NodeRegistry) notify(event types.NodeEvent) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			r.logger.Warn("dropping registry event for slow watcher",
				zap.String("node_id", event.NodeID),
				zap.String("event", string(event.Type)))
		}
	}
}

// Counts returns the number of nodes per status.
func (r *NodeRegistry) Counts() map[types.NodeStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.NodeStatus]int, 4)
	for _, node := range r.nodes {
		out[node.Status]++
	}
	return out
}
