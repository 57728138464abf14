package consensus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvancePhaseIsMonotonic(t *testing.T) {
	s := NewEngineState(2, 0)

	assert.Equal(t, PhaseID(1), s.AdvancePhase())
	assert.Equal(t, PhaseID(2), s.AdvancePhase())
	assert.Equal(t, PhaseID(2), s.CurrentPhase())
}

func TestCommitPhaseMonotonic(t *testing.T) {
	s := NewEngineState(2, 0)
	s.AdvancePhase()
	s.AdvancePhase()
	s.AdvancePhase()

	changed, err := s.CommitPhase(2)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, PhaseID(2), s.LastCommittedPhase())

	// Committing backwards is a no-op, never a decrease.
	changed, err = s.CommitPhase(1)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, PhaseID(2), s.LastCommittedPhase())

	changed, err = s.CommitPhase(3)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, PhaseID(3), s.LastCommittedPhase())
}

func TestCommitPhaseBeyondCurrentRejected(t *testing.T) {
	s := NewEngineState(2, 0)
	s.AdvancePhase()

	_, err := s.CommitPhase(5)
	require.Error(t, err)
	var transition *InvalidStateTransitionError
	assert.ErrorAs(t, err, &transition)
	assert.Equal(t, PhaseID(0), s.LastCommittedPhase())
}

func TestAdoptPhaseForwardOnly(t *testing.T) {
	s := NewEngineState(2, 0)
	s.AdvancePhase()
	s.AdvancePhase()

	assert.True(t, s.AdoptPhase(10))
	assert.Equal(t, PhaseID(10), s.CurrentPhase())

	// A backward adoption is a no-op.
	assert.False(t, s.AdoptPhase(4))
	assert.Equal(t, PhaseID(10), s.CurrentPhase())
}

func TestPendingBatchCap(t *testing.T) {
	s := NewEngineState(2, 2)
	origin := NewNodeID()

	_, err := s.AddPendingBatch(NewCommandBatch([]Command{NewCommandString("a")}), origin)
	require.NoError(t, err)
	_, err = s.AddPendingBatch(NewCommandBatch([]Command{NewCommandString("b")}), origin)
	require.NoError(t, err)

	_, err = s.AddPendingBatch(NewCommandBatch([]Command{NewCommandString("c")}), origin)
	assert.True(t, errors.Is(err, ErrPendingBatchesFull))
	assert.Equal(t, 2, s.PendingBatchCount())
}

func TestAddPendingBatchIsIdempotent(t *testing.T) {
	s := NewEngineState(2, 10)
	batch := NewCommandBatch([]Command{NewCommandString("a")})

	first, err := s.AddPendingBatch(batch, NewNodeID())
	require.NoError(t, err)
	second, err := s.AddPendingBatch(batch, NewNodeID())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, s.PendingBatchCount())
}

func TestRemovePendingBatchTwiceIsNoop(t *testing.T) {
	s := NewEngineState(2, 10)
	batch := NewCommandBatch([]Command{NewCommandString("a")})
	_, err := s.AddPendingBatch(batch, NewNodeID())
	require.NoError(t, err)

	assert.NotNil(t, s.RemovePendingBatch(batch.ID))
	assert.Nil(t, s.RemovePendingBatch(batch.ID))
}

func TestMarkAppliedOnce(t *testing.T) {
	s := NewEngineState(2, 0)
	batchID := NewBatchID()

	assert.True(t, s.MarkApplied(batchID, 3))
	assert.False(t, s.MarkApplied(batchID, 4))
	assert.True(t, s.WasApplied(batchID))
}

func TestCleanupOldPhases(t *testing.T) {
	s := NewEngineState(2, 0)
	for i := 0; i < 20; i++ {
		phase := s.AdvancePhase()
		s.GetOrCreatePhase(phase)
	}

	removed := s.CleanupOldPhases(5)
	assert.Equal(t, 15, removed)
	assert.Equal(t, 5, s.PhaseCount())

	// Recent phases survive.
	_, ok := s.GetPhase(20)
	assert.True(t, ok)
	_, ok = s.GetPhase(1)
	assert.False(t, ok)
}

func TestCleanupOldPendingBatches(t *testing.T) {
	s := NewEngineState(2, 0)
	batch := NewCommandBatch([]Command{NewCommandString("a")})
	_, err := s.AddPendingBatch(batch, NewNodeID())
	require.NoError(t, err)

	assert.Equal(t, 0, s.CleanupOldPendingBatches(300))

	pending, ok := s.GetPendingBatch(batch.ID)
	require.True(t, ok)
	pending.ReceivedTimestamp -= 400_000

	assert.Equal(t, 1, s.CleanupOldPendingBatches(300))
	assert.Equal(t, 0, s.PendingBatchCount())
}

func TestUpdateActiveNodesDerivesQuorum(t *testing.T) {
	s := NewEngineState(2, 0)

	nodes := map[NodeID]struct{}{
		NodeIDFromUint64(1): {},
		NodeIDFromUint64(2): {},
	}
	s.UpdateActiveNodes(nodes)
	assert.True(t, s.HasQuorum())
	assert.True(t, s.IsActive())

	s.UpdateActiveNodes(map[NodeID]struct{}{NodeIDFromUint64(1): {}})
	assert.False(t, s.HasQuorum())
	assert.False(t, s.IsActive())
	assert.Equal(t, 1, s.ActiveNodeCount())
}

func TestStateVersionIncrements(t *testing.T) {
	s := NewEngineState(2, 0)
	before := s.StateVersion()

	s.AdvancePhase()
	s.GetOrCreatePhase(1)
	_, err := s.AddPendingBatch(NewCommandBatch([]Command{NewCommandString("a")}), NewNodeID())
	require.NoError(t, err)

	assert.Greater(t, s.StateVersion(), before)
}

func TestSyncResponseAccumulation(t *testing.T) {
	s := NewEngineState(2, 0)

	a, b := NewNodeID(), NewNodeID()
	assert.Equal(t, 1, s.AddSyncResponse(a, &SyncResponseMessage{ResponderPhase: 4}))
	assert.Equal(t, 2, s.AddSyncResponse(b, &SyncResponseMessage{ResponderPhase: 7}))

	// A newer response from the same peer replaces the old one.
	assert.Equal(t, 2, s.AddSyncResponse(a, &SyncResponseMessage{ResponderPhase: 9}))
	responses := s.SyncResponses()
	assert.Equal(t, PhaseID(9), responses[a].ResponderPhase)

	s.ClearSyncResponses()
	assert.Empty(t, s.SyncResponses())
}

func TestRecentCommittedPhases(t *testing.T) {
	s := NewEngineState(2, 0)
	for i := 1; i <= 5; i++ {
		phase := s.AdvancePhase()
		s.UpdatePhase(phase, func(p *PhaseData) {
			p.BatchID = NewBatchID()
			if i%2 == 1 {
				p.SetDecision(V1)
			}
		})
	}

	committed := s.RecentCommittedPhases(10)
	require.Len(t, committed, 3)
	// Ordered most recent first.
	assert.Equal(t, PhaseID(5), committed[0].PhaseID)
	assert.Equal(t, PhaseID(1), committed[2].PhaseID)
}

func TestStatisticsSnapshot(t *testing.T) {
	s := NewEngineState(2, 0)
	s.AdvancePhase()
	s.GetOrCreatePhase(1)

	stats := s.Statistics()
	assert.Equal(t, PhaseID(1), stats.CurrentPhase)
	assert.Equal(t, 1, stats.PhaseCount)
	assert.True(t, stats.HasQuorum)
}
