// Package p2p provides a libp2p-backed transport for the consensus
// engine: a host with kad-dht peer discovery and one stream protocol
// carrying JSON-framed protocol messages. It suits dynamic deployments
// where the static peer table of the tcp transport is impractical.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"

	"rabia/pkg/consensus"
)

const (
	// ConsensusProtocolID carries framed protocol messages.
	ConsensusProtocolID = protocol.ID("/rabia/consensus/1.0.0")
	// DiscoveryNamespace advertises cluster members in the DHT.
	DiscoveryNamespace = "rabia"
	discoveryInterval  = time.Second

	streamDeadline = 10 * time.Second
	inboxCapacity  = 1024
)

type envelope struct {
	from consensus.NodeID
	msg  *consensus.ProtocolMessage
}

// Node is a libp2p endpoint implementing consensus.Transport.
type Node struct {
	nodeID consensus.NodeID
	host   host.Host
	dht    *dht.IpfsDHT

	ctx    context.Context
	cancel context.CancelFunc

	// identities maps consensus identities to libp2p peers, learned from
	// inbound messages.
	identMu    sync.RWMutex
	identities map[consensus.NodeID]peer.ID
	reverse    map[peer.ID]consensus.NodeID

	inbox chan envelope
}

// NewNode creates a host listening on the given TCP port and connects to
// any bootstrap peers.
func NewNode(ctx context.Context, nodeID consensus.NodeID, port int, bootstrapPeers []string) (*Node, error) {
	log.Info().Int("port", port).Msg("Creating libp2p node")

	addr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to create multiaddr: %w", err)
	}

	h, err := libp2p.New(
		libp2p.ListenAddrs(addr),
		libp2p.EnableRelay(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}
	if err := kadDHT.Bootstrap(ctx); err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	for _, addrStr := range bootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			log.Warn().Err(err).Str("addr", addrStr).Msg("Invalid bootstrap peer address")
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			log.Warn().Err(err).Str("addr", addrStr).Msg("Failed to parse bootstrap peer")
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			log.Warn().Err(err).Str("peer", info.ID.String()).Msg("Failed to connect to bootstrap peer")
			continue
		}
		log.Info().Str("peer", info.ID.String()).Msg("Connected to bootstrap peer")
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		nodeID:     nodeID,
		host:       h,
		dht:        kadDHT,
		ctx:        nodeCtx,
		cancel:     cancel,
		identities: make(map[consensus.NodeID]peer.ID),
		reverse:    make(map[peer.ID]consensus.NodeID),
		inbox:      make(chan envelope, inboxCapacity),
	}

	h.SetStreamHandler(ConsensusProtocolID, n.handleStream)
	n.setupDiscovery()

	log.Info().Str("id", h.ID().String()).Msg("Node started")
	for _, a := range h.Addrs() {
		log.Info().Str("addr", a.String()+"/p2p/"+h.ID().String()).Msg("Node address")
	}
	return n, nil
}

// Host exposes the underlying libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// Connect dials a peer given its multiaddr.
func (n *Node) Connect(ctx context.Context, peerAddr string) error {
	maddr, err := multiaddr.NewMultiaddr(peerAddr)
	if err != nil {
		return fmt.Errorf("invalid peer address: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("failed to get peer info: %w", err)
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}
	return nil
}

func (n *Node) setupDiscovery() {
	routingDiscovery := routing.NewRoutingDiscovery(n.dht)
	routingDiscovery.Advertise(n.ctx, DiscoveryNamespace)

	go func() {
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(discoveryInterval):
				peers, err := routingDiscovery.FindPeers(n.ctx, DiscoveryNamespace)
				if err != nil {
					log.Warn().Err(err).Msg("Failed to find peers")
					continue
				}
				for info := range peers {
					if info.ID == n.host.ID() {
						continue
					}
					if n.host.Network().Connectedness(info.ID) == network.Connected {
						continue
					}
					if err := n.host.Connect(n.ctx, info); err != nil {
						log.Debug().Err(err).Str("peer", info.ID.String()).
							Msg("Failed to connect to discovered peer")
						continue
					}
					log.Info().Str("peer", info.ID.String()).Msg("Connected to peer")
				}
			}
		}
	}()

	n.host.Network().Notify(&network.NotifyBundle{
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			log.Info().Str("peer", conn.RemotePeer().String()).Msg("Disconnected from peer")
		},
	})
}

// streamMessage is the JSON frame exchanged on consensus streams. The
// sender's consensus identity rides alongside the message so receivers can
// bind it to the libp2p peer.
type streamMessage struct {
	NodeID  consensus.NodeID           `json:"node_id"`
	Message *consensus.ProtocolMessage `json:"message"`
}

func (n *Node) handleStream(s network.Stream) {
	defer s.Close()
	s.SetReadDeadline(time.Now().Add(streamDeadline))

	var frame streamMessage
	if err := json.NewDecoder(s).Decode(&frame); err != nil {
		log.Warn().Err(err).Msg("Error decoding consensus stream")
		s.Reset()
		return
	}
	if frame.Message == nil {
		s.Reset()
		return
	}

	remote := s.Conn().RemotePeer()
	n.bindIdentity(frame.NodeID, remote)

	select {
	case n.inbox <- envelope{from: frame.NodeID, msg: frame.Message}:
	case <-n.ctx.Done():
	}
}

func (n *Node) bindIdentity(id consensus.NodeID, p peer.ID) {
	n.identMu.Lock()
	defer n.identMu.Unlock()
	n.identities[id] = p
	n.reverse[p] = id
}

func (n *Node) lookupPeer(id consensus.NodeID) (peer.ID, bool) {
	n.identMu.RLock()
	defer n.identMu.RUnlock()
	p, ok := n.identities[id]
	return p, ok
}

func (n *Node) send(ctx context.Context, target peer.ID, msg *consensus.ProtocolMessage) error {
	streamCtx, cancel := context.WithTimeout(ctx, streamDeadline)
	defer cancel()

	s, err := n.host.NewStream(streamCtx, target, ConsensusProtocolID)
	if err != nil {
		return fmt.Errorf("failed to open stream to %s: %w", target, err)
	}
	defer s.Close()

	s.SetWriteDeadline(time.Now().Add(streamDeadline))
	frame := streamMessage{NodeID: n.nodeID, Message: msg}
	if err := json.NewEncoder(s).Encode(&frame); err != nil {
		s.Reset()
		return fmt.Errorf("failed to send message to %s: %w", target, err)
	}
	return nil
}

// SendTo delivers a message to the peer bound to the target identity. An
// identity not yet learned falls back to broadcast; receivers other than
// the target simply process it as gossip.
func (n *Node) SendTo(ctx context.Context, target consensus.NodeID, msg *consensus.ProtocolMessage) error {
	if p, ok := n.lookupPeer(target); ok {
		return n.send(ctx, p, msg)
	}
	log.Debug().Str("target", target.String()).Msg("Target identity unknown, broadcasting")
	return n.Broadcast(ctx, msg)
}

// Broadcast delivers a message to every connected peer.
func (n *Node) Broadcast(ctx context.Context, msg *consensus.ProtocolMessage) error {
	peers := n.host.Network().Peers()
	if len(peers) == 0 {
		return nil
	}

	sent := 0
	for _, p := range peers {
		if err := n.send(ctx, p, msg); err != nil {
			log.Warn().Err(err).Str("peer", p.String()).Msg("Failed to send to peer")
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("failed to broadcast to any of %d peers", len(peers))
	}
	return nil
}

// Receive blocks for the next inbound message or context expiry.
func (n *Node) Receive(ctx context.Context) (consensus.NodeID, *consensus.ProtocolMessage, error) {
	select {
	case env := <-n.inbox:
		return env.from, env.msg, nil
	case <-ctx.Done():
		return consensus.NodeID{}, nil, fmt.Errorf("%w: %w", consensus.ErrNoMessages, ctx.Err())
	case <-n.ctx.Done():
		return consensus.NodeID{}, nil, fmt.Errorf("transport closed")
	}
}

// ConnectedNodes returns the consensus identities currently bound to a
// connected libp2p peer.
func (n *Node) ConnectedNodes() map[consensus.NodeID]struct{} {
	connected := make(map[consensus.NodeID]struct{})
	n.identMu.RLock()
	defer n.identMu.RUnlock()
	for _, p := range n.host.Network().Peers() {
		if id, ok := n.reverse[p]; ok {
			connected[id] = struct{}{}
		}
	}
	return connected
}

// Close shuts the discovery loop, DHT and host down.
func (n *Node) Close() error {
	n.cancel()
	if err := n.dht.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing DHT")
	}
	return n.host.Close()
}
