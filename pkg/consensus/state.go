package consensus

import (
	"sync"
	"sync/atomic"
)

// EngineState is the shared store of a replica: phase records, pending
// batches, sync responses, the active-node view, and the monotonic
// counters that anchor the engine's invariants.
//
// The counters are atomics and remain the source of truth for ordering;
// the maps are guarded by their own mutexes. lastCommittedPhase never
// decreases and never exceeds currentPhase.
type EngineState struct {
	currentPhase       atomic.Uint64
	lastCommittedPhase atomic.Uint64
	stateVersion       atomic.Uint64
	isActive           atomic.Bool
	hasQuorum          atomic.Bool

	phasesMu sync.RWMutex
	phases   map[PhaseID]*PhaseData

	pendingMu      sync.RWMutex
	pendingBatches map[BatchID]*PendingBatch

	syncMu        sync.Mutex
	syncResponses map[NodeID]*SyncResponseMessage

	appliedMu sync.Mutex
	// applied records which batches reached the state machine, keyed to
	// the phase that committed them, so a batch is applied at most once
	// even when it lands in several phases or duplicate decisions.
	applied map[BatchID]PhaseID

	nodesMu     sync.RWMutex
	activeNodes map[NodeID]struct{}

	// QuorumSize is fixed at construction to floor(N/2)+1.
	QuorumSize int

	maxPendingBatches int
}

// NewEngineState creates the store for a cluster whose quorum is
// quorumSize. maxPendingBatches caps the pending queue; zero disables the
// cap.
func NewEngineState(quorumSize, maxPendingBatches int) *EngineState {
	s := &EngineState{
		phases:            make(map[PhaseID]*PhaseData),
		pendingBatches:    make(map[BatchID]*PendingBatch),
		syncResponses:     make(map[NodeID]*SyncResponseMessage),
		applied:           make(map[BatchID]PhaseID),
		activeNodes:       make(map[NodeID]struct{}),
		QuorumSize:        quorumSize,
		maxPendingBatches: maxPendingBatches,
	}
	s.isActive.Store(true)
	s.hasQuorum.Store(true)
	s.stateVersion.Store(1)
	return s
}

// CurrentPhase returns the highest phase this replica has entered.
func (s *EngineState) CurrentPhase() PhaseID {
	return PhaseID(s.currentPhase.Load())
}

// LastCommittedPhase returns the highest phase this replica has committed.
func (s *EngineState) LastCommittedPhase() PhaseID {
	return PhaseID(s.lastCommittedPhase.Load())
}

// AdvancePhase atomically claims and returns a fresh phase id.
func (s *EngineState) AdvancePhase() PhaseID {
	next := s.currentPhase.Add(1)
	s.incrementVersion()
	return PhaseID(next)
}

// AdoptPhase raises currentPhase to at least phaseID. Used by sync; a
// backward adoption is a no-op.
func (s *EngineState) AdoptPhase(phaseID PhaseID) bool {
	target := uint64(phaseID)
	for {
		current := s.currentPhase.Load()
		if current >= target {
			return false
		}
		if s.currentPhase.CompareAndSwap(current, target) {
			s.incrementVersion()
			return true
		}
	}
}

// CommitPhase raises lastCommittedPhase to phaseID. Committing a phase
// beyond currentPhase is an invalid transition; committing at or below the
// current committed phase is a no-op and returns false.
func (s *EngineState) CommitPhase(phaseID PhaseID) (bool, error) {
	target := uint64(phaseID)
	if target > s.currentPhase.Load() {
		return false, &InvalidStateTransitionError{
			From: "current_phase=" + s.CurrentPhase().String(),
			To:   "commit_phase=" + phaseID.String(),
		}
	}

	for {
		current := s.lastCommittedPhase.Load()
		if current >= target {
			return false, nil
		}
		if s.lastCommittedPhase.CompareAndSwap(current, target) {
			s.incrementVersion()
			return true, nil
		}
	}
}

// IsActive reports whether this replica participates in consensus.
func (s *EngineState) IsActive() bool {
	return s.isActive.Load()
}

// SetActive toggles participation.
func (s *EngineState) SetActive(active bool) {
	if s.isActive.Swap(active) != active {
		s.incrementVersion()
	}
}

// HasQuorum reports whether the replica currently sees a majority.
func (s *EngineState) HasQuorum() bool {
	return s.hasQuorum.Load()
}

// SetQuorum toggles the quorum flag.
func (s *EngineState) SetQuorum(hasQuorum bool) {
	if s.hasQuorum.Swap(hasQuorum) != hasQuorum {
		s.incrementVersion()
	}
}

// ActiveNodes returns a copy of the reachable-node set.
func (s *EngineState) ActiveNodes() map[NodeID]struct{} {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	nodes := make(map[NodeID]struct{}, len(s.activeNodes))
	for id := range s.activeNodes {
		nodes[id] = struct{}{}
	}
	return nodes
}

// ActiveNodeCount returns the size of the reachable-node set.
func (s *EngineState) ActiveNodeCount() int {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	return len(s.activeNodes)
}

// UpdateActiveNodes replaces the reachable-node set and rederives the
// quorum and activity flags from it.
func (s *EngineState) UpdateActiveNodes(nodes map[NodeID]struct{}) {
	s.nodesMu.Lock()
	changed := len(nodes) != len(s.activeNodes)
	if !changed {
		for id := range nodes {
			if _, ok := s.activeNodes[id]; !ok {
				changed = true
				break
			}
		}
	}
	if changed {
		s.activeNodes = make(map[NodeID]struct{}, len(nodes))
		for id := range nodes {
			s.activeNodes[id] = struct{}{}
		}
	}
	count := len(s.activeNodes)
	s.nodesMu.Unlock()

	if changed {
		s.incrementVersion()
	}
	hasQuorum := count >= s.QuorumSize
	s.SetQuorum(hasQuorum)
	s.SetActive(hasQuorum)
}

// AddPendingBatch queues a batch awaiting consensus. Beyond the configured
// cap, new batches are rejected with ErrPendingBatchesFull.
func (s *EngineState) AddPendingBatch(batch *CommandBatch, originator NodeID) (BatchID, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if existing, ok := s.pendingBatches[batch.ID]; ok {
		return existing.Batch.ID, nil
	}
	if s.maxPendingBatches > 0 && len(s.pendingBatches) >= s.maxPendingBatches {
		return BatchID{}, ErrPendingBatchesFull
	}

	s.pendingBatches[batch.ID] = NewPendingBatch(batch, originator)
	s.incrementVersion()
	return batch.ID, nil
}

// RemovePendingBatch removes a batch after application. Removing a batch
// twice is a no-op.
func (s *EngineState) RemovePendingBatch(batchID BatchID) *PendingBatch {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	pending, ok := s.pendingBatches[batchID]
	if !ok {
		return nil
	}
	delete(s.pendingBatches, batchID)
	s.incrementVersion()
	return pending
}

// GetPendingBatch looks up a queued batch.
func (s *EngineState) GetPendingBatch(batchID BatchID) (*PendingBatch, bool) {
	s.pendingMu.RLock()
	defer s.pendingMu.RUnlock()
	pending, ok := s.pendingBatches[batchID]
	return pending, ok
}

// PendingBatchCount returns the queue depth.
func (s *EngineState) PendingBatchCount() int {
	s.pendingMu.RLock()
	defer s.pendingMu.RUnlock()
	return len(s.pendingBatches)
}

// PendingBatches returns a snapshot of the queue.
func (s *EngineState) PendingBatches() []*PendingBatch {
	s.pendingMu.RLock()
	defer s.pendingMu.RUnlock()
	batches := make([]*PendingBatch, 0, len(s.pendingBatches))
	for _, pending := range s.pendingBatches {
		batches = append(batches, pending)
	}
	return batches
}

// GetOrCreatePhase returns the record for phaseID, creating it lazily on
// first reference.
func (s *EngineState) GetOrCreatePhase(phaseID PhaseID) *PhaseData {
	s.phasesMu.Lock()
	defer s.phasesMu.Unlock()

	phase, ok := s.phases[phaseID]
	if !ok {
		phase = NewPhaseData(phaseID)
		s.phases[phaseID] = phase
		s.incrementVersion()
	}
	return phase
}

// UpdatePhase applies fn to the record for phaseID under the phase lock,
// creating the record if needed.
func (s *EngineState) UpdatePhase(phaseID PhaseID, fn func(*PhaseData)) {
	s.phasesMu.Lock()
	defer s.phasesMu.Unlock()

	phase, ok := s.phases[phaseID]
	if !ok {
		phase = NewPhaseData(phaseID)
		s.phases[phaseID] = phase
	}
	fn(phase)
	s.incrementVersion()
}

// GetPhase looks up a phase record.
func (s *EngineState) GetPhase(phaseID PhaseID) (*PhaseData, bool) {
	s.phasesMu.RLock()
	defer s.phasesMu.RUnlock()
	phase, ok := s.phases[phaseID]
	return phase, ok
}

// PhaseCount returns the number of retained phase records.
func (s *EngineState) PhaseCount() int {
	s.phasesMu.RLock()
	defer s.phasesMu.RUnlock()
	return len(s.phases)
}

// RecentCommittedPhases returns up to limit committed phases ordered by
// descending phase id, for sync responses.
func (s *EngineState) RecentCommittedPhases(limit int) []CommittedPhase {
	s.phasesMu.RLock()
	defer s.phasesMu.RUnlock()

	committed := make([]CommittedPhase, 0, limit)
	for id := s.CurrentPhase(); id > 0 && len(committed) < limit; id-- {
		phase, ok := s.phases[id]
		if !ok || !phase.IsCommitted || phase.Decision == nil {
			continue
		}
		committed = append(committed, CommittedPhase{
			PhaseID:  phase.PhaseID,
			BatchID:  phase.BatchID,
			Decision: *phase.Decision,
		})
	}
	return committed
}

// MarkApplied records that a batch reached the state machine in the given
// phase. It returns false when the batch was already applied.
func (s *EngineState) MarkApplied(batchID BatchID, phaseID PhaseID) bool {
	s.appliedMu.Lock()
	defer s.appliedMu.Unlock()
	if _, done := s.applied[batchID]; done {
		return false
	}
	s.applied[batchID] = phaseID
	return true
}

// WasApplied reports whether a batch already reached the state machine.
func (s *EngineState) WasApplied(batchID BatchID) bool {
	s.appliedMu.Lock()
	defer s.appliedMu.Unlock()
	_, done := s.applied[batchID]
	return done
}

// CleanupOldPhases drops phase records older than the retained history
// window and returns how many were removed.
func (s *EngineState) CleanupOldPhases(maxPhaseHistory int) int {
	current := uint64(s.CurrentPhase())
	var cutoff uint64
	if current > uint64(maxPhaseHistory) {
		cutoff = current - uint64(maxPhaseHistory) + 1
	}

	s.phasesMu.Lock()
	removed := 0
	for id := range s.phases {
		if uint64(id) < cutoff {
			delete(s.phases, id)
			removed++
		}
	}
	if removed > 0 {
		s.incrementVersion()
	}
	s.phasesMu.Unlock()

	s.appliedMu.Lock()
	for id, phase := range s.applied {
		if uint64(phase) < cutoff {
			delete(s.applied, id)
		}
	}
	s.appliedMu.Unlock()

	return removed
}

// CleanupOldPendingBatches ages out batches pending longer than maxAge
// seconds and returns how many were removed.
func (s *EngineState) CleanupOldPendingBatches(maxAgeSeconds uint64) int {
	cutoff := maxAgeSeconds * 1000

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	removed := 0
	for id, pending := range s.pendingBatches {
		if pending.AgeMillis() > cutoff {
			delete(s.pendingBatches, id)
			removed++
		}
	}
	if removed > 0 {
		s.incrementVersion()
	}
	return removed
}

// StateVersion returns the mutation counter used by sync to detect
// staleness.
func (s *EngineState) StateVersion() uint64 {
	return s.stateVersion.Load()
}

func (s *EngineState) incrementVersion() {
	s.stateVersion.Add(1)
}

// AddSyncResponse stores the latest response from a peer.
func (s *EngineState) AddSyncResponse(from NodeID, response *SyncResponseMessage) int {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.syncResponses[from] = response
	return len(s.syncResponses)
}

// SyncResponses returns a copy of the accumulated responses.
func (s *EngineState) SyncResponses() map[NodeID]*SyncResponseMessage {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	responses := make(map[NodeID]*SyncResponseMessage, len(s.syncResponses))
	for id, response := range s.syncResponses {
		responses[id] = response
	}
	return responses
}

// ClearSyncResponses drops all accumulated responses after resolution.
func (s *EngineState) ClearSyncResponses() {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	clear(s.syncResponses)
}

// Statistics is a point-in-time snapshot of engine counters and map
// sizes.
type Statistics struct {
	CurrentPhase       PhaseID
	LastCommittedPhase PhaseID
	PendingBatchCount  int
	PhaseCount         int
	ActiveNodeCount    int
	HasQuorum          bool
	IsActive           bool
	StateVersion       uint64
}

// Statistics captures the current counters and map sizes.
func (s *EngineState) Statistics() Statistics {
	return Statistics{
		CurrentPhase:       s.CurrentPhase(),
		LastCommittedPhase: s.LastCommittedPhase(),
		PendingBatchCount:  s.PendingBatchCount(),
		PhaseCount:         s.PhaseCount(),
		ActiveNodeCount:    s.ActiveNodeCount(),
		HasQuorum:          s.HasQuorum(),
		IsActive:           s.IsActive(),
		StateVersion:       s.StateVersion(),
	}
}

// BatchResult resolves a ProcessBatch request: per-command result bytes on
// a V1 decision, or the error that ended the attempt.
type BatchResult struct {
	Results [][]byte
	Err     error
}

// EngineCommand is a client request consumed by the engine loop.
type EngineCommand interface {
	isEngineCommand()
}

// ProcessBatchCommand submits a batch for consensus. The response channel
// receives exactly one BatchResult; a dropped receiver cancels the waiter
// without rolling back consensus in flight.
type ProcessBatchCommand struct {
	Batch    *CommandBatch
	Response chan BatchResult
}

// ShutdownCommand requests a graceful loop exit.
type ShutdownCommand struct{}

// ForcePhaseAdvanceCommand administratively increments the current phase
// without proposing.
type ForcePhaseAdvanceCommand struct{}

// TriggerSyncCommand broadcasts a SyncRequest.
type TriggerSyncCommand struct{}

// GetStatisticsCommand requests a statistics snapshot on Reply.
type GetStatisticsCommand struct {
	Reply chan Statistics
}

func (ProcessBatchCommand) isEngineCommand()      {}
func (ShutdownCommand) isEngineCommand()          {}
func (ForcePhaseAdvanceCommand) isEngineCommand() {}
func (TriggerSyncCommand) isEngineCommand()       {}
func (GetStatisticsCommand) isEngineCommand()     {}
