package consensus

import "context"

// Transport moves protocol messages between replicas. Implementations live
// in pkg/network (in-memory simulator), pkg/network/tcp (length-prefixed
// TCP) and pkg/p2p (libp2p).
type Transport interface {
	// SendTo delivers a message to one peer.
	SendTo(ctx context.Context, target NodeID, msg *ProtocolMessage) error

	// Broadcast delivers a message to every connected peer except the
	// local node.
	Broadcast(ctx context.Context, msg *ProtocolMessage) error

	// Receive blocks until a message arrives or the context expires. The
	// returned NodeID is the transport-observed sender, which the engine
	// checks against the message's claimed origin.
	Receive(ctx context.Context) (NodeID, *ProtocolMessage, error)

	// ConnectedNodes returns the peers currently reachable.
	ConnectedNodes() map[NodeID]struct{}

	// Close tears the transport down.
	Close() error
}

// ClusterConfig is the static membership of a run.
type ClusterConfig struct {
	NodeID     NodeID
	AllNodes   map[NodeID]struct{}
	QuorumSize int
}

// NewClusterConfig derives the quorum size, floor(N/2)+1, from the full
// membership.
func NewClusterConfig(nodeID NodeID, allNodes map[NodeID]struct{}) ClusterConfig {
	nodes := make(map[NodeID]struct{}, len(allNodes))
	for id := range allNodes {
		nodes[id] = struct{}{}
	}
	return ClusterConfig{
		NodeID:     nodeID,
		AllNodes:   nodes,
		QuorumSize: len(nodes)/2 + 1,
	}
}

// TotalNodes returns the full membership size.
func (c ClusterConfig) TotalNodes() int {
	return len(c.AllNodes)
}

// HasQuorum reports whether the given reachable set forms a majority.
func (c ClusterConfig) HasQuorum(active map[NodeID]struct{}) bool {
	return len(active) >= c.QuorumSize
}

// NetworkEventKind classifies membership transitions observed by the
// Monitor.
type NetworkEventKind uint8

const (
	EventNodeConnected NetworkEventKind = iota
	EventNodeDisconnected
	EventQuorumLost
	EventQuorumRestored
)

// NetworkEvent is one membership transition.
type NetworkEvent struct {
	Kind NetworkEventKind
	Node NodeID
}

// Monitor derives join/leave and quorum transitions from successive
// snapshots of the reachable-node set.
type Monitor struct {
	config    ClusterConfig
	connected map[NodeID]struct{}
	hasQuorum bool
}

// NewMonitor starts with the full membership considered reachable.
func NewMonitor(config ClusterConfig) *Monitor {
	connected := make(map[NodeID]struct{}, len(config.AllNodes))
	for id := range config.AllNodes {
		connected[id] = struct{}{}
	}
	return &Monitor{
		config:    config,
		connected: connected,
		hasQuorum: config.HasQuorum(connected),
	}
}

// Update ingests a new reachable-node snapshot and returns the transitions
// since the previous one.
func (m *Monitor) Update(nodes map[NodeID]struct{}) []NetworkEvent {
	var events []NetworkEvent

	for id := range nodes {
		if _, ok := m.connected[id]; !ok {
			events = append(events, NetworkEvent{Kind: EventNodeConnected, Node: id})
		}
	}
	for id := range m.connected {
		if _, ok := nodes[id]; !ok {
			events = append(events, NetworkEvent{Kind: EventNodeDisconnected, Node: id})
		}
	}

	hasQuorum := m.config.HasQuorum(nodes)
	if m.hasQuorum && !hasQuorum {
		events = append(events, NetworkEvent{Kind: EventQuorumLost})
	} else if !m.hasQuorum && hasQuorum {
		events = append(events, NetworkEvent{Kind: EventQuorumRestored})
	}

	m.connected = make(map[NodeID]struct{}, len(nodes))
	for id := range nodes {
		m.connected[id] = struct{}{}
	}
	m.hasQuorum = hasQuorum

	return events
}

// HasQuorum reports the monitor's current quorum assessment.
func (m *Monitor) HasQuorum() bool {
	return m.hasQuorum
}

// Connected returns the monitor's current reachable set.
func (m *Monitor) Connected() map[NodeID]struct{} {
	nodes := make(map[NodeID]struct{}, len(m.connected))
	for id := range m.connected {
		nodes[id] = struct{}{}
	}
	return nodes
}
