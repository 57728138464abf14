// Package network provides transport implementations for the consensus
// engine. The in-memory network here simulates a cluster in one process,
// with configurable packet loss and partitions for failure testing; the
// tcp subpackage carries the real wire protocol.
package network

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/rs/zerolog/log"

	"rabia/pkg/consensus"
)

const inboxCapacity = 1024

// Memory is an in-process message hub connecting simulated nodes.
// Delivered messages are shared by pointer; handlers must treat them as
// immutable.
type Memory struct {
	mu       sync.RWMutex
	nodes    map[consensus.NodeID]*MemoryNode
	groups   map[consensus.NodeID]int
	dropRate float64
	rng      *rand.Rand
}

// NewMemory creates an empty hub. seed fixes the packet-loss PRNG for
// reproducible tests; zero is replaced by the fixed seed 1.
func NewMemory(seed int64) *Memory {
	if seed == 0 {
		seed = 1
	}
	return &Memory{
		nodes:  make(map[consensus.NodeID]*MemoryNode),
		groups: make(map[consensus.NodeID]int),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Join attaches a node to the hub and returns its transport endpoint.
func (m *Memory) Join(id consensus.NodeID) *MemoryNode {
	m.mu.Lock()
	defer m.mu.Unlock()

	node := &MemoryNode{
		id:    id,
		hub:   m,
		inbox: make(chan envelope, inboxCapacity),
	}
	m.nodes[id] = node
	m.groups[id] = 0
	return node
}

// SetDropRate makes every delivery fail independently with probability p.
func (m *Memory) SetDropRate(p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropRate = p
}

// Partition splits the cluster: nodes listed in different groups cannot
// reach each other. Unlisted nodes stay in group zero.
func (m *Memory) Partition(groups ...[]consensus.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.groups {
		m.groups[id] = 0
	}
	for i, group := range groups {
		for _, id := range group {
			m.groups[id] = i + 1
		}
	}
	log.Info().Int("groups", len(groups)).Msg("Simulated network partitioned")
}

// Heal removes all partitions.
func (m *Memory) Heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.groups {
		m.groups[id] = 0
	}
	log.Info().Msg("Simulated network healed")
}

func (m *Memory) deliver(from, to consensus.NodeID, msg *consensus.ProtocolMessage) {
	m.mu.RLock()
	target, ok := m.nodes[to]
	reachable := ok && m.groups[from] == m.groups[to]
	dropped := m.dropRate > 0 && m.rng.Float64() < m.dropRate
	m.mu.RUnlock()

	if !reachable || dropped {
		return
	}

	select {
	case target.inbox <- envelope{from: from, msg: msg}:
	default:
		// Inbox overflow models a congested link; consensus tolerates the
		// loss.
	}
}

func (m *Memory) peersOf(id consensus.NodeID) map[consensus.NodeID]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make(map[consensus.NodeID]struct{})
	group := m.groups[id]
	for other := range m.nodes {
		if other != id && m.groups[other] == group {
			peers[other] = struct{}{}
		}
	}
	return peers
}

func (m *Memory) leave(id consensus.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
	delete(m.groups, id)
}

type envelope struct {
	from consensus.NodeID
	msg  *consensus.ProtocolMessage
}

// MemoryNode is one simulated endpoint, implementing consensus.Transport.
type MemoryNode struct {
	id    consensus.NodeID
	hub   *Memory
	inbox chan envelope
}

// SendTo delivers a message to one peer, subject to loss and partitions.
func (n *MemoryNode) SendTo(_ context.Context, target consensus.NodeID, msg *consensus.ProtocolMessage) error {
	n.hub.deliver(n.id, target, msg)
	return nil
}

// Broadcast delivers a message to every reachable peer.
func (n *MemoryNode) Broadcast(_ context.Context, msg *consensus.ProtocolMessage) error {
	n.hub.mu.RLock()
	targets := make([]consensus.NodeID, 0, len(n.hub.nodes))
	for id := range n.hub.nodes {
		if id != n.id {
			targets = append(targets, id)
		}
	}
	n.hub.mu.RUnlock()

	for _, target := range targets {
		n.hub.deliver(n.id, target, msg)
	}
	return nil
}

// Receive blocks for the next message or context expiry.
func (n *MemoryNode) Receive(ctx context.Context) (consensus.NodeID, *consensus.ProtocolMessage, error) {
	select {
	case env := <-n.inbox:
		return env.from, env.msg, nil
	case <-ctx.Done():
		return consensus.NodeID{}, nil, fmt.Errorf("%w: %w", consensus.ErrNoMessages, ctx.Err())
	}
}

// ConnectedNodes returns the peers currently reachable from this node.
func (n *MemoryNode) ConnectedNodes() map[consensus.NodeID]struct{} {
	return n.hub.peersOf(n.id)
}

// Close detaches the node from the hub.
func (n *MemoryNode) Close() error {
	n.hub.leave(n.id)
	return nil
}
