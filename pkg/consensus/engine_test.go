package consensus_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rabia/pkg/consensus"
	"rabia/pkg/core"
	"rabia/pkg/network"
	"rabia/pkg/persistence"
	"rabia/pkg/statemachine"
)

func init() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.WarnLevel)
}

func testConfig(i int) *core.Config {
	config := core.DefaultConfig()
	config.HeartbeatInterval = 50 * time.Millisecond
	config.PhaseTimeout = 400 * time.Millisecond
	config.SyncTimeout = time.Second
	config.MaxProposeRetries = 20
	config.RandomizationSeed = int64(1000 + i)
	return config
}

// testCluster runs n engines over one in-memory network.
type testCluster struct {
	hub      *network.Memory
	ids      []consensus.NodeID
	engines  []*consensus.Engine
	stores   []*statemachine.KVStore
	persists []*persistence.MemoryStore
	done     []chan error
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func startCluster(t *testing.T, n int, run func(i int) bool) *testCluster {
	t.Helper()

	c := &testCluster{
		hub:      network.NewMemory(42),
		ids:      make([]consensus.NodeID, n),
		engines:  make([]*consensus.Engine, n),
		stores:   make([]*statemachine.KVStore, n),
		persists: make([]*persistence.MemoryStore, n),
		done:     make([]chan error, n),
	}

	allNodes := make(map[consensus.NodeID]struct{}, n)
	for i := range c.ids {
		c.ids[i] = consensus.NodeIDFromUint64(uint64(i + 1))
		allNodes[c.ids[i]] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	for i, id := range c.ids {
		c.stores[i] = statemachine.NewKVStore()
		c.persists[i] = persistence.NewMemoryStore()
		cluster := consensus.NewClusterConfig(id, allNodes)
		c.engines[i] = consensus.NewEngine(testConfig(i), cluster, c.stores[i],
			c.hub.Join(id), c.persists[i])
		c.done[i] = make(chan error, 1)

		if run == nil || run(i) {
			engine, done := c.engines[i], c.done[i]
			go func() {
				done <- engine.Run(ctx)
			}()
		} else {
			close(c.done[i])
		}
	}

	t.Cleanup(func() { c.stop(t) })
	return c
}

func (c *testCluster) stop(t *testing.T) {
	c.stopOnce.Do(func() {
		c.cancel()
		for i := range c.done {
			select {
			case <-c.done[i]:
			case <-time.After(5 * time.Second):
				t.Logf("engine %d did not stop in time", i)
			}
		}
	})
}

func kvBatch(commands ...string) *consensus.CommandBatch {
	cmds := make([]consensus.Command, len(commands))
	for i, c := range commands {
		cmds[i] = consensus.NewCommandString(c)
	}
	return consensus.NewCommandBatch(cmds)
}

// stats fails soft so it can be polled from Eventually conditions.
func stats(t *testing.T, engine *consensus.Engine) consensus.Statistics {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := engine.Statistics(ctx)
	if err != nil {
		return consensus.Statistics{}
	}
	return s
}

func TestHappyPathThreeNodes(t *testing.T) {
	c := startCluster(t, 3, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	results, err := c.engines[0].ProcessBatch(ctx, kvBatch(
		"SET k1 v1", "SET k2 v2", "GET k1"))
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "OK", string(results[0]))
	assert.Equal(t, "OK", string(results[1]))
	assert.Equal(t, "v1", string(results[2]))

	// Every replica converges on the committed batch.
	require.Eventually(t, func() bool {
		for _, engine := range c.engines {
			if stats(t, engine).LastCommittedPhase < 1 {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond)

	c.stop(t)

	for i, store := range c.stores {
		v1, ok := store.Get("k1")
		require.True(t, ok, "node %d missing k1", i)
		assert.Equal(t, "v1", v1)
		v2, ok := store.Get("k2")
		require.True(t, ok, "node %d missing k2", i)
		assert.Equal(t, "v2", v2)
	}

	// Agreement: any two replicas that decided a phase decided it the
	// same way.
	maxPhase := consensus.PhaseID(0)
	for _, engine := range c.engines {
		if p := engine.State().CurrentPhase(); p > maxPhase {
			maxPhase = p
		}
	}
	for phase := consensus.PhaseID(1); phase <= maxPhase; phase++ {
		var decided *consensus.StateValue
		for i, engine := range c.engines {
			data, ok := engine.State().GetPhase(phase)
			if !ok || data.Decision == nil {
				continue
			}
			if decided == nil {
				decided = data.Decision
				continue
			}
			assert.Equal(t, *decided, *data.Decision,
				"node %d disagrees on phase %s", i, phase)
		}
	}
}

func TestSingleNodeClusterCommitsImmediately(t *testing.T) {
	c := startCluster(t, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := c.engines[0].ProcessBatch(ctx, kvBatch("SET solo yes"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "OK", string(results[0]))

	s := stats(t, c.engines[0])
	assert.GreaterOrEqual(t, uint64(s.LastCommittedPhase), uint64(1))

	c.stop(t)
	value, ok := c.stores[0].Get("solo")
	require.True(t, ok)
	assert.Equal(t, "yes", value)
}

func TestQuorumGatingRefusesNewPhases(t *testing.T) {
	// Three-node cluster with only one replica alive: no quorum.
	c := startCluster(t, 3, func(i int) bool { return i == 0 })

	require.Eventually(t, func() bool {
		return !stats(t, c.engines[0]).HasQuorum
	}, 5*time.Second, 25*time.Millisecond, "lonely replica should lose quorum")

	before := stats(t, c.engines[0]).CurrentPhase

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := c.engines[0].ProcessBatch(ctx, kvBatch("SET k v"))
	require.Error(t, err)

	var quorumErr *consensus.QuorumNotAvailableError
	require.ErrorAs(t, err, &quorumErr)
	assert.Equal(t, 2, quorumErr.Required)

	// No new phase was opened while quorum was absent.
	assert.Equal(t, before, stats(t, c.engines[0]).CurrentPhase)
}

func TestDuplicateDecisionAppliesOnce(t *testing.T) {
	hub := network.NewMemory(7)
	ids := []consensus.NodeID{
		consensus.NodeIDFromUint64(1),
		consensus.NodeIDFromUint64(2),
		consensus.NodeIDFromUint64(3),
	}
	allNodes := make(map[consensus.NodeID]struct{})
	for _, id := range ids {
		allNodes[id] = struct{}{}
	}

	counters := make([]*statemachine.Counter, len(ids))
	engines := make([]*consensus.Engine, len(ids))
	done := make([]chan error, len(ids))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, id := range ids {
		counters[i] = statemachine.NewCounter()
		engines[i] = consensus.NewEngine(testConfig(i),
			consensus.NewClusterConfig(id, allNodes), counters[i], hub.Join(id), nil)
		done[i] = make(chan error, 1)
		engine := engines[i]
		d := done[i]
		go func() { d <- engine.Run(ctx) }()
	}

	// Inject the same Decision for phase 7 twice at replica B.
	testerID := consensus.NodeIDFromUint64(99)
	tester := hub.Join(testerID)
	batch := consensus.NewCommandBatch([]consensus.Command{
		consensus.NewCommandString("INCR x"),
	})
	decision := &consensus.DecisionMessage{
		PhaseID:  7,
		BatchID:  batch.ID,
		Decision: consensus.V1,
		Batch:    batch,
	}
	require.NoError(t, tester.SendTo(ctx, ids[1], consensus.NewDecision(testerID, decision)))
	require.NoError(t, tester.SendTo(ctx, ids[1], consensus.NewDecision(testerID, decision)))

	require.Eventually(t, func() bool {
		statsCtx, statsCancel := context.WithTimeout(ctx, time.Second)
		defer statsCancel()
		s, err := engines[1].Statistics(statsCtx)
		return err == nil && s.LastCommittedPhase == 7
	}, 5*time.Second, 25*time.Millisecond)

	// Let any duplicate work settle before stopping.
	time.Sleep(200 * time.Millisecond)
	cancel()
	for i := range done {
		select {
		case <-done[i]:
		case <-time.After(5 * time.Second):
			t.Fatalf("engine %d did not stop", i)
		}
	}

	assert.Equal(t, int64(1), counters[1].Value("x"), "batch must apply exactly once")
}

func TestStaleVoteAfterDecisionHasNoEffect(t *testing.T) {
	c := startCluster(t, 3, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := c.engines[0].ProcessBatch(ctx, kvBatch("SET k v"))
	require.NoError(t, err)

	committed := stats(t, c.engines[0]).LastCommittedPhase
	require.GreaterOrEqual(t, uint64(committed), uint64(1))

	// A committed phase necessarily decided V1; send it a late round-1
	// vote.
	testerID := consensus.NodeIDFromUint64(99)
	tester := c.hub.Join(testerID)
	stale := consensus.NewVoteRound1(testerID, c.ids[0], &consensus.VoteRound1Message{
		PhaseID: committed,
		BatchID: consensus.NewBatchID(),
		Vote:    consensus.V0,
		VoterID: testerID,
	})
	require.NoError(t, tester.SendTo(ctx, c.ids[0], stale))

	time.Sleep(300 * time.Millisecond)

	after := stats(t, c.engines[0])
	assert.GreaterOrEqual(t, after.LastCommittedPhase, committed,
		"commit pointer never regresses")

	c.stop(t)

	phase, ok := c.engines[0].State().GetPhase(committed)
	require.True(t, ok)
	require.NotNil(t, phase.Decision)
	assert.Equal(t, consensus.V1, *phase.Decision, "stale vote must not change the decision")
	_, recorded := phase.Round1Votes[testerID]
	assert.True(t, recorded, "stale vote is recorded without effect")
}

func TestPacketLossEventualConsistency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping lossy-network test in short mode")
	}

	c := startCluster(t, 3, nil)
	c.hub.SetDropRate(0.1)

	keys := []string{"a", "b", "c", "d", "e"}
	for i, key := range keys {
		ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		_, err := c.engines[i%3].ProcessBatch(ctx, kvBatch("SET "+key+" val-"+key))
		cancel()
		if err != nil {
			t.Logf("batch %s did not resolve under loss: %v", key, err)
		}
	}

	// Quiescence: stop dropping and let sync close any gaps.
	c.hub.SetDropRate(0)
	require.Eventually(t, func() bool {
		var low, high uint64
		for i, engine := range c.engines {
			committed := uint64(stats(t, engine).LastCommittedPhase)
			if i == 0 || committed < low {
				low = committed
			}
			if committed > high {
				high = committed
			}
		}
		return high >= 1 && high-low <= 2
	}, 20*time.Second, 100*time.Millisecond, "committed phases converge within ±2")

	c.stop(t)

	// Replicas never hold conflicting values for a key.
	for _, key := range keys {
		seen := ""
		for i, store := range c.stores {
			value, ok := store.Get(key)
			if !ok {
				continue
			}
			if seen == "" {
				seen = value
				continue
			}
			assert.Equal(t, seen, value, "node %d conflicts on key %s", i, key)
		}
	}
}

func TestPartitionMajorityProgressAndSyncCatchup(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping partition test in short mode")
	}

	c := startCluster(t, 5, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Whole cluster commits a first batch.
	_, err := c.engines[0].ProcessBatch(ctx, kvBatch("SET pre partition"))
	require.NoError(t, err)

	// Isolate two replicas.
	c.hub.Partition(
		[]consensus.NodeID{c.ids[0], c.ids[1], c.ids[2]},
		[]consensus.NodeID{c.ids[3], c.ids[4]},
	)

	// The minority notices it lost quorum and refuses new phases.
	require.Eventually(t, func() bool {
		return !stats(t, c.engines[3]).HasQuorum
	}, 5*time.Second, 25*time.Millisecond)

	minorityCtx, minorityCancel := context.WithTimeout(ctx, 2*time.Second)
	_, err = c.engines[3].ProcessBatch(minorityCtx, kvBatch("SET minority no"))
	minorityCancel()
	require.Error(t, err)
	var quorumErr *consensus.QuorumNotAvailableError
	assert.ErrorAs(t, err, &quorumErr)

	// The majority side keeps committing.
	majorityCtx, majorityCancel := context.WithTimeout(ctx, 15*time.Second)
	_, err = c.engines[0].ProcessBatch(majorityCtx, kvBatch("SET during partition"))
	majorityCancel()
	require.NoError(t, err)

	majorityCommitted := stats(t, c.engines[0]).LastCommittedPhase
	require.GreaterOrEqual(t, uint64(majorityCommitted), uint64(2))
	minorityCommitted := stats(t, c.engines[3]).LastCommittedPhase
	assert.Less(t, uint64(minorityCommitted), uint64(majorityCommitted))

	// Heal: the minority catches up via sync.
	c.hub.Heal()
	require.Eventually(t, func() bool {
		return stats(t, c.engines[3]).LastCommittedPhase >= majorityCommitted &&
			stats(t, c.engines[4]).LastCommittedPhase >= majorityCommitted
	}, 15*time.Second, 100*time.Millisecond, "minority catches up after heal")
}

func TestSnapshotRestartPreservesState(t *testing.T) {
	c := startCluster(t, 3, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := c.engines[0].ProcessBatch(ctx, kvBatch("SET k1 v1", "SET k2 v2"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return stats(t, c.engines[2]).LastCommittedPhase >= 1
	}, 10*time.Second, 50*time.Millisecond)

	// Kill replica 2; its shutdown persists the snapshot.
	committedBefore := stats(t, c.engines[2]).LastCommittedPhase
	c.engines[2].Commands() <- consensus.ShutdownCommand{}
	select {
	case err := <-c.done[2]:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine 2 did not shut down")
	}

	// Restart it with a fresh state machine against the same blob.
	allNodes := make(map[consensus.NodeID]struct{})
	for _, id := range c.ids {
		allNodes[id] = struct{}{}
	}
	restartStore := statemachine.NewKVStore()
	restarted := consensus.NewEngine(testConfig(2),
		consensus.NewClusterConfig(c.ids[2], allNodes), restartStore,
		c.hub.Join(c.ids[2]), c.persists[2])

	restartCtx, restartCancel := context.WithCancel(context.Background())
	restartDone := make(chan error, 1)
	go func() { restartDone <- restarted.Run(restartCtx) }()

	require.Eventually(t, func() bool {
		statsCtx, statsCancel := context.WithTimeout(context.Background(), time.Second)
		defer statsCancel()
		s, err := restarted.Statistics(statsCtx)
		return err == nil && s.LastCommittedPhase >= committedBefore
	}, 5*time.Second, 50*time.Millisecond, "restart preserves the commit pointer")

	restartCancel()
	select {
	case <-restartDone:
	case <-time.After(5 * time.Second):
		t.Fatal("restarted engine did not stop")
	}

	value, ok := restartStore.Get("k1")
	require.True(t, ok, "restored state machine must hold committed keys")
	assert.Equal(t, "v1", value)
	value, ok = restartStore.Get("k2")
	require.True(t, ok)
	assert.Equal(t, "v2", value)
}

func TestForcePhaseAdvance(t *testing.T) {
	c := startCluster(t, 1, nil)

	before := stats(t, c.engines[0]).CurrentPhase
	c.engines[0].Commands() <- consensus.ForcePhaseAdvanceCommand{}

	require.Eventually(t, func() bool {
		return stats(t, c.engines[0]).CurrentPhase == before+1
	}, 2*time.Second, 10*time.Millisecond)

	// No batch was bound, so nothing commits.
	assert.Equal(t, consensus.PhaseID(0), stats(t, c.engines[0]).LastCommittedPhase)
}

func TestProcessBatchRejectsInvalidBatch(t *testing.T) {
	c := startCluster(t, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.engines[0].ProcessBatch(ctx, consensus.NewCommandBatch(nil))
	require.Error(t, err)
	var verr *consensus.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}
