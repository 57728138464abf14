package p2p

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rabia/pkg/consensus"
)

func init() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.WarnLevel)
}

// TestMessageExchange wires two real libp2p hosts together and pushes a
// consensus message across.
func TestMessageExchange(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping libp2p integration test in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idA := consensus.NodeIDFromUint64(1)
	idB := consensus.NodeIDFromUint64(2)

	a, err := NewNode(ctx, idA, 10100, nil)
	require.NoError(t, err)
	defer a.Close()

	b, err := NewNode(ctx, idB, 10101, nil)
	require.NoError(t, err)
	defer b.Close()

	// Connect the hosts directly rather than waiting for DHT discovery.
	info := peer.AddrInfo{ID: b.Host().ID(), Addrs: b.Host().Addrs()}
	require.NoError(t, a.Host().Connect(ctx, info))

	msg := consensus.NewHeartBeat(idA, &consensus.HeartBeatMessage{
		CurrentPhase:       5,
		LastCommittedPhase: 4,
		Active:             true,
	})
	require.NoError(t, a.Broadcast(ctx, msg))

	recvCtx, recvCancel := context.WithTimeout(ctx, 10*time.Second)
	defer recvCancel()
	from, received, err := b.Receive(recvCtx)
	require.NoError(t, err)
	assert.Equal(t, idA, from)
	require.NotNil(t, received.HeartBeat)
	assert.Equal(t, consensus.PhaseID(5), received.HeartBeat.CurrentPhase)

	// B learned A's identity from the stream and can now unicast back.
	reply := consensus.NewHeartBeat(idB, &consensus.HeartBeatMessage{CurrentPhase: 6})
	require.NoError(t, b.SendTo(ctx, idA, reply))

	recvCtx2, recvCancel2 := context.WithTimeout(ctx, 10*time.Second)
	defer recvCancel2()
	from, received, err = a.Receive(recvCtx2)
	require.NoError(t, err)
	assert.Equal(t, idB, from)
	require.NotNil(t, received.HeartBeat)
}

// TestConnectByMultiaddr exercises the explicit dial path used for
// bootstrap peers.
func TestConnectByMultiaddr(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping libp2p integration test in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := NewNode(ctx, consensus.NodeIDFromUint64(1), 10102, nil)
	require.NoError(t, err)
	defer a.Close()

	b, err := NewNode(ctx, consensus.NodeIDFromUint64(2), 10103, nil)
	require.NoError(t, err)
	defer b.Close()

	addr := fmt.Sprintf("%s/p2p/%s", b.Host().Addrs()[0], b.Host().ID())
	require.NoError(t, a.Connect(ctx, addr))

	require.Eventually(t, func() bool {
		return len(a.Host().Network().Peers()) > 0
	}, 5*time.Second, 50*time.Millisecond)
}
