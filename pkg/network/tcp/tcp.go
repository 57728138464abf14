// Package tcp implements the wire protocol over plain TCP: length-prefixed
// frames, a NodeID handshake, and one long-lived connection per peer.
// Connection staleness is observed but never repaired automatically; that
// is a deployment concern.
package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"rabia/pkg/consensus"
	"rabia/pkg/wire"
)

const (
	// maxFrameSize caps a single message payload.
	maxFrameSize = 16 << 20
	// handshake and write deadlines.
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	inboxCapacity    = 1024
)

// Config tunes the TCP transport.
type Config struct {
	// BindAddr is the local listen address.
	BindAddr string
	// Peers maps expected peer identities to their addresses.
	Peers map[consensus.NodeID]string
	// ConnectTimeout bounds each outbound dial.
	ConnectTimeout time.Duration
	// Codec frames messages; nil selects the default binary codec.
	Codec wire.Codec
}

// DefaultConfig returns the transport defaults.
func DefaultConfig(bindAddr string) Config {
	return Config{
		BindAddr:       bindAddr,
		Peers:          make(map[consensus.NodeID]string),
		ConnectTimeout: 10 * time.Second,
	}
}

type envelope struct {
	from consensus.NodeID
	msg  *consensus.ProtocolMessage
}

// Transport is a consensus.Transport over framed TCP connections.
type Transport struct {
	nodeID   consensus.NodeID
	config   Config
	codec    wire.Codec
	listener net.Listener

	mu    sync.RWMutex
	conns map[consensus.NodeID]*peerConn

	inbox  chan envelope
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

type peerConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// New binds the listener, starts the accept loop and dials every
// configured peer once. Peers that cannot be reached at startup are
// logged; their connections arrive inbound when they dial us.
func New(ctx context.Context, nodeID consensus.NodeID, config Config) (*Transport, error) {
	codec := config.Codec
	if codec == nil {
		codec = wire.Default()
	}

	listener, err := net.Listen("tcp", config.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", config.BindAddr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)

	t := &Transport{
		nodeID:   nodeID,
		config:   config,
		codec:    codec,
		listener: listener,
		conns:    make(map[consensus.NodeID]*peerConn),
		inbox:    make(chan envelope, inboxCapacity),
		group:    group,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With().Str("node", nodeID.String()[:8]).Str("transport", "tcp").Logger(),
	}

	t.group.Go(t.acceptLoop)
	for peerID, addr := range config.Peers {
		if peerID == nodeID {
			continue
		}
		peerID, addr := peerID, addr
		t.group.Go(func() error {
			t.dialPeer(peerID, addr)
			return nil
		})
	}

	t.logger.Info().Str("addr", listener.Addr().String()).Int("peers", len(config.Peers)).
		Msg("TCP transport listening")
	return t, nil
}

// Addr returns the bound listen address.
func (t *Transport) Addr() string {
	return t.listener.Addr().String()
}

func (t *Transport) acceptLoop() error {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return nil
			}
			t.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}
		t.group.Go(func() error {
			t.handleInbound(conn)
			return nil
		})
	}
}

func (t *Transport) handleInbound(conn net.Conn) {
	peerID, err := t.inboundHandshake(conn)
	if err != nil {
		t.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).
			Msg("Inbound handshake failed")
		conn.Close()
		return
	}

	if _, known := t.config.Peers[peerID]; !known && len(t.config.Peers) > 0 {
		t.logger.Warn().Str("peer", peerID.String()).Msg("Rejecting connection from unknown peer")
		conn.Close()
		return
	}

	t.register(peerID, conn)
}

// inboundHandshake reads the peer's identity frame and answers with ours.
func (t *Transport) inboundHandshake(conn net.Conn) (consensus.NodeID, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	payload, err := readFrame(conn)
	if err != nil {
		return consensus.NodeID{}, err
	}
	peerID, err := nodeIDFromBytes(payload)
	if err != nil {
		return consensus.NodeID{}, err
	}

	if err := writeFrame(conn, t.nodeID.UUID[:]); err != nil {
		return consensus.NodeID{}, err
	}
	return peerID, nil
}

func (t *Transport) dialPeer(peerID consensus.NodeID, addr string) {
	dialer := net.Dialer{Timeout: t.config.ConnectTimeout}
	conn, err := dialer.DialContext(t.ctx, "tcp", addr)
	if err != nil {
		t.logger.Warn().Err(err).Str("peer", peerID.String()).Str("addr", addr).
			Msg("Failed to dial peer")
		return
	}

	if err := t.outboundHandshake(conn, peerID); err != nil {
		t.logger.Warn().Err(err).Str("peer", peerID.String()).Msg("Outbound handshake failed")
		conn.Close()
		return
	}

	t.register(peerID, conn)
}

// outboundHandshake sends our identity frame and checks the echoed
// identity against the expected peer. A mismatch aborts the connection.
func (t *Transport) outboundHandshake(conn net.Conn, expected consensus.NodeID) error {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if err := writeFrame(conn, t.nodeID.UUID[:]); err != nil {
		return err
	}

	payload, err := readFrame(conn)
	if err != nil {
		return err
	}
	peerID, err := nodeIDFromBytes(payload)
	if err != nil {
		return err
	}
	if peerID != expected {
		return fmt.Errorf("peer identity mismatch: expected %s, got %s", expected, peerID)
	}
	return nil
}

func (t *Transport) register(peerID consensus.NodeID, conn net.Conn) {
	t.mu.Lock()
	if old, ok := t.conns[peerID]; ok {
		old.conn.Close()
	}
	pc := &peerConn{conn: conn}
	t.conns[peerID] = pc
	t.mu.Unlock()

	t.logger.Info().Str("peer", peerID.String()).Str("remote", conn.RemoteAddr().String()).
		Msg("Peer connected")

	t.group.Go(func() error {
		t.readLoop(peerID, pc)
		return nil
	})
}

func (t *Transport) readLoop(peerID consensus.NodeID, pc *peerConn) {
	defer t.unregister(peerID, pc)

	for {
		payload, err := readFrame(pc.conn)
		if err != nil {
			if t.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				t.logger.Warn().Err(err).Str("peer", peerID.String()).Msg("Read failed")
			}
			return
		}

		msg, err := t.codec.Decode(payload)
		if err != nil {
			t.logger.Warn().Err(err).Str("peer", peerID.String()).
				Msg("Dropping undecodable frame")
			continue
		}

		select {
		case t.inbox <- envelope{from: peerID, msg: msg}:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) unregister(peerID consensus.NodeID, pc *peerConn) {
	pc.conn.Close()
	t.mu.Lock()
	if current, ok := t.conns[peerID]; ok && current == pc {
		delete(t.conns, peerID)
	}
	t.mu.Unlock()
	t.logger.Info().Str("peer", peerID.String()).Msg("Peer disconnected")
}

// SendTo frames and writes a message to one peer.
func (t *Transport) SendTo(_ context.Context, target consensus.NodeID, msg *consensus.ProtocolMessage) error {
	t.mu.RLock()
	pc, ok := t.conns[target]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no connection to peer %s", target)
	}
	return t.write(pc, msg)
}

// Broadcast writes a message to every connected peer. It fails only when
// every write fails; with no connected peers it is a no-op.
func (t *Transport) Broadcast(_ context.Context, msg *consensus.ProtocolMessage) error {
	t.mu.RLock()
	conns := make(map[consensus.NodeID]*peerConn, len(t.conns))
	for id, pc := range t.conns {
		conns[id] = pc
	}
	t.mu.RUnlock()

	if len(conns) == 0 {
		return nil
	}

	sent := 0
	for id, pc := range conns {
		if err := t.write(pc, msg); err != nil {
			t.logger.Warn().Err(err).Str("peer", id.String()).Msg("Failed to send to peer")
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("failed to broadcast to any of %d peers", len(conns))
	}
	return nil
}

func (t *Transport) write(pc *peerConn, msg *consensus.ProtocolMessage) error {
	payload, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()

	pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return writeFrame(pc.conn, payload)
}

// Receive blocks for the next inbound message or context expiry.
func (t *Transport) Receive(ctx context.Context) (consensus.NodeID, *consensus.ProtocolMessage, error) {
	select {
	case env := <-t.inbox:
		return env.from, env.msg, nil
	case <-ctx.Done():
		return consensus.NodeID{}, nil, fmt.Errorf("%w: %w", consensus.ErrNoMessages, ctx.Err())
	case <-t.ctx.Done():
		return consensus.NodeID{}, nil, fmt.Errorf("transport closed")
	}
}

// ConnectedNodes returns the peers with a live connection.
func (t *Transport) ConnectedNodes() map[consensus.NodeID]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	nodes := make(map[consensus.NodeID]struct{}, len(t.conns))
	for id := range t.conns {
		nodes[id] = struct{}{}
	}
	return nodes
}

// Close shuts the listener and every connection down and waits for the
// connection goroutines to drain.
func (t *Transport) Close() error {
	t.cancel()
	t.listener.Close()

	t.mu.Lock()
	for _, pc := range t.conns {
		pc.conn.Close()
	}
	t.mu.Unlock()

	return t.group.Wait()
}

// writeFrame writes a 4-byte big-endian length prefix followed by the
// payload.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame, enforcing the size cap.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func nodeIDFromBytes(payload []byte) (consensus.NodeID, error) {
	id, err := uuid.FromBytes(payload)
	if err != nil {
		return consensus.NodeID{}, fmt.Errorf("invalid handshake identity: %w", err)
	}
	return consensus.NodeID{UUID: id}, nil
}
