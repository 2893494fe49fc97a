package types

import "time"

// NodeStatus represents the liveness state of a registered worker node.
type NodeStatus string

const (
	// NodeStatusRegistered indicates the node completed the registration handshake
	// but has not answered a heartbeat probe yet.
	NodeStatusRegistered NodeStatus = "registered"
	// NodeStatusAlive indicates the node answers heartbeat probes.
	NodeStatusAlive NodeStatus = "alive"
	// NodeStatusSuspect indicates the node missed at least one probe.
	NodeStatusSuspect NodeStatus = "suspect"
	// NodeStatusDead indicates the node missed the configured number of consecutive probes.
	NodeStatusDead NodeStatus = "dead"
)

// Capabilities is the profile a worker advertises at registration.
type Capabilities struct {
	Tags        []string          `json:"tags" yaml:"tags"`
	CPUCores    int               `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	MemoryMB    int64             `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	Accelerator string            `json:"accelerator,omitempty" yaml:"accelerator,omitempty"`
	Weight      float64           `json:"weight,omitempty" yaml:"weight,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// EffectiveWeight returns the relative capacity used for proportional partitioning.
// An explicit weight wins, then the core count, then 1.
func (c Capabilities) EffectiveWeight() float64 {
	if c.Weight > 0 {
		return c.Weight
	}
	if c.CPUCores > 0 {
		return float64(c.CPUCores)
	}
	return 1
}

// HasTag reports whether the profile advertises the given tag.
func (c Capabilities) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the profile.
func (c Capabilities) Clone() Capabilities {
	out := c
	out.Tags = append([]string(nil), c.Tags...)
	if c.Labels != nil {
		out.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			out.Labels[k] = v
		}
	}
	return out
}

// Node is a registered worker as seen by the coordinator.
type Node struct {
	ID              string       `json:"id"`
	Address         string       `json:"address,omitempty"`
	Capabilities    Capabilities `json:"capabilities"`
	Status          NodeStatus   `json:"status"`
	MissedProbes    int          `json:"missed_probes"`
	RegisteredAt    time.Time    `json:"registered_at"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Capabilities = n.Capabilities.Clone()
	return &out
}

// NodeEventType defines the type of a registry event.
type NodeEventType string

const (
	// NodeEventRegistered indicates a node was registered.
	NodeEventRegistered NodeEventType = "registered"
	// NodeEventDeregistered indicates a node was removed from the registry.
	NodeEventDeregistered NodeEventType = "deregistered"
	// NodeEventTransition indicates a node changed status.
	NodeEventTransition NodeEventType = "transition"
)

// NodeEvent represents a node lifecycle event.
type NodeEvent struct {
	Type   NodeEventType
	NodeID string
	From   NodeStatus
	To     NodeStatus
	Node   *Node
}
