package consensus

import (
	"context"
	"errors"
	"hash/crc32"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rabia/pkg/core"
)

const (
	// maxInboundPerTick bounds how many messages one loop iteration drains
	// so client commands and timers are not starved.
	maxInboundPerTick = 16
	// receiveTimeout is how long a tick waits for the first inbound
	// message.
	receiveTimeout = 10 * time.Millisecond
	// syncResponseLimit caps the committed-phase and pending-batch
	// prefixes attached to a sync response.
	syncResponseLimit = 64
)

// Engine runs the Rabia protocol for one replica: a single event loop
// multiplexing inbound messages, client commands and timers over the
// shared EngineState.
type Engine struct {
	nodeID    NodeID
	config    *core.Config
	cluster   ClusterConfig
	state     *EngineState
	validator *Validator
	transport Transport

	sm   StateMachine
	smMu sync.Mutex

	persistence PersistenceStore

	commands chan EngineCommand
	rng      *rand.Rand
	metrics  *Metrics
	logger   zerolog.Logger

	// waiters maps a submitted batch to its client response channel. Only
	// the loop goroutine touches it.
	waiters map[BatchID]chan BatchResult

	// lastSeen tracks the most recent heartbeat per peer, driving the
	// active-node view.
	lastSeen map[NodeID]time.Time

	lastSyncAt time.Time
	monitor    *Monitor
}

// NewEngine assembles a replica. The persistence store may be nil, in
// which case nothing is saved or restored.
func NewEngine(
	config *core.Config,
	cluster ClusterConfig,
	sm StateMachine,
	transport Transport,
	persistence PersistenceStore,
) *Engine {
	seed := config.RandomizationSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	validation := DefaultValidationConfig()
	validation.MaxBatchSize = config.MaxBatchSize
	validation.MaxCommandSize = config.MaxCommandSize
	validation.MaxClockSkewMillis = uint64(config.MaxClockSkew.Milliseconds())

	return &Engine{
		nodeID:      cluster.NodeID,
		config:      config,
		cluster:     cluster,
		state:       NewEngineState(cluster.QuorumSize, config.MaxPendingBatches),
		validator:   NewValidator(validation),
		transport:   transport,
		sm:          sm,
		persistence: persistence,
		commands:    make(chan EngineCommand, 64),
		rng:         rand.New(rand.NewSource(seed)),
		metrics:     NewMetrics(nil),
		logger:      log.With().Str("node", cluster.NodeID.String()[:8]).Logger(),
		waiters:     make(map[BatchID]chan BatchResult),
		lastSeen:    make(map[NodeID]time.Time),
		monitor:     NewMonitor(cluster),
	}
}

// SetMetrics replaces the engine's metrics sink. Must be called before
// Run.
func (e *Engine) SetMetrics(m *Metrics) {
	e.metrics = m
}

// Commands returns the channel clients submit EngineCommands on.
func (e *Engine) Commands() chan<- EngineCommand {
	return e.commands
}

// State exposes the shared engine state for observers and tests.
func (e *Engine) State() *EngineState {
	return e.state
}

// NodeID returns the replica's identity.
func (e *Engine) NodeID() NodeID {
	return e.nodeID
}

// ProcessBatch submits a batch and blocks until consensus resolves it or
// the context expires.
func (e *Engine) ProcessBatch(ctx context.Context, batch *CommandBatch) ([][]byte, error) {
	response := make(chan BatchResult, 1)
	select {
	case e.commands <- ProcessBatchCommand{Batch: batch, Response: response}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case result := <-response:
		return result.Results, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Statistics requests a counter snapshot from the loop.
func (e *Engine) Statistics(ctx context.Context) (Statistics, error) {
	reply := make(chan Statistics, 1)
	select {
	case e.commands <- GetStatisticsCommand{Reply: reply}:
	case <-ctx.Done():
		return Statistics{}, ctx.Err()
	}
	select {
	case stats := <-reply:
		return stats, nil
	case <-ctx.Done():
		return Statistics{}, ctx.Err()
	}
}

// Run executes the event loop until Shutdown is requested or the context
// is cancelled. Persisted state is restored on entry and saved on exit.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Int("quorum", e.cluster.QuorumSize).Int("cluster", e.cluster.TotalNodes()).
		Msg("Starting Rabia consensus engine")

	if err := e.initialize(ctx); err != nil {
		return err
	}

	cleanup := time.NewTicker(e.config.CleanupInterval)
	defer cleanup.Stop()
	heartbeat := time.NewTicker(e.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		e.drainInbound(ctx)

		select {
		case cmd := <-e.commands:
			if err := e.handleCommand(ctx, cmd); err != nil {
				if errors.Is(err, ErrShutdown) {
					return e.shutdown(ctx)
				}
				e.logger.Error().Err(err).Msg("Error handling command")
			}

		case <-cleanup.C:
			e.cleanupOldState()

		case <-heartbeat.C:
			e.refreshMembership(ctx)
			if err := e.sendHeartbeat(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to send heartbeat")
			}
			e.retryStalledBatches(ctx)

		case <-ctx.Done():
			return e.shutdown(context.WithoutCancel(ctx))

		case <-time.After(time.Millisecond):
			// Idle bound; prevents busy spinning when nothing is queued.
		}
	}
}

func (e *Engine) initialize(ctx context.Context) error {
	if e.persistence != nil {
		blob, err := e.persistence.Load(ctx)
		if err != nil {
			return err
		}
		if blob != nil {
			persisted, err := DecodePersistedState(blob)
			if err != nil {
				return err
			}
			e.logger.Info().
				Stringer("current_phase", persisted.CurrentPhase).
				Stringer("last_committed", persisted.LastCommittedPhase).
				Msg("Restoring state from persistence")

			e.state.AdoptPhase(persisted.CurrentPhase)
			if _, err := e.state.CommitPhase(persisted.LastCommittedPhase); err != nil {
				return err
			}
			if persisted.Snapshot != nil {
				if err := e.restoreSnapshot(ctx, persisted.Snapshot); err != nil {
					return err
				}
			}
		}
	}

	// Assume the static membership is up until heartbeats say otherwise.
	now := time.Now()
	for id := range e.cluster.AllNodes {
		if id != e.nodeID {
			e.lastSeen[id] = now
		}
	}
	e.state.UpdateActiveNodes(e.cluster.AllNodes)

	e.logger.Info().Msg("Engine initialized")
	return nil
}

func (e *Engine) shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down consensus engine")
	if e.persistence == nil {
		return nil
	}

	e.smMu.Lock()
	snapshot, err := e.sm.CreateSnapshot(ctx)
	e.smMu.Unlock()
	if err != nil {
		return err
	}

	persisted := &PersistedState{
		CurrentPhase:       e.state.CurrentPhase(),
		LastCommittedPhase: e.state.LastCommittedPhase(),
		Snapshot:           snapshot,
	}
	blob, err := persisted.Encode()
	if err != nil {
		return err
	}
	return e.persistence.Save(ctx, blob)
}

func (e *Engine) handleCommand(ctx context.Context, cmd EngineCommand) error {
	switch c := cmd.(type) {
	case ProcessBatchCommand:
		return e.processBatchRequest(ctx, c)
	case ShutdownCommand:
		return ErrShutdown
	case ForcePhaseAdvanceCommand:
		phase := e.state.AdvancePhase()
		e.logger.Info().Stringer("phase", phase).Msg("Advanced to phase")
		return nil
	case TriggerSyncCommand:
		return e.initiateSync(ctx)
	case GetStatisticsCommand:
		select {
		case c.Reply <- e.state.Statistics():
		default:
		}
		return nil
	default:
		return nil
	}
}

func (e *Engine) processBatchRequest(ctx context.Context, req ProcessBatchCommand) error {
	if err := e.validator.ValidateBatch(req.Batch); err != nil {
		e.respond(req.Response, BatchResult{Err: err})
		return nil
	}
	if !e.state.HasQuorum() {
		e.respond(req.Response, BatchResult{Err: &QuorumNotAvailableError{
			Current:  e.state.ActiveNodeCount(),
			Required: e.state.QuorumSize,
		}})
		return nil
	}

	batchID, err := e.state.AddPendingBatch(req.Batch, e.nodeID)
	if err != nil {
		e.respond(req.Response, BatchResult{Err: err})
		return nil
	}

	if req.Response != nil {
		e.waiters[batchID] = req.Response
	}

	// Gossip the batch so peers can re-propose it if this node fails.
	gossip := NewNewBatch(e.nodeID, &NewBatchMessage{Batch: req.Batch, Originator: e.nodeID})
	if err := e.transport.Broadcast(ctx, gossip); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to gossip new batch")
	}

	return e.proposeBatch(ctx, req.Batch)
}

// proposeBatch opens a fresh phase for the batch: flips the initial-value
// coin, records the local round-1 vote, and broadcasts the proposal.
func (e *Engine) proposeBatch(ctx context.Context, batch *CommandBatch) error {
	if !e.state.HasQuorum() {
		return &QuorumNotAvailableError{
			Current:  e.state.ActiveNodeCount(),
			Required: e.state.QuorumSize,
		}
	}

	phaseID := e.state.AdvancePhase()

	initial := V1
	if e.rng.Float64() < 0.5 {
		initial = V0
	}

	e.logger.Debug().Stringer("phase", phaseID).Str("batch", batch.ID.String()).
		Stringer("value", initial).Msg("Proposing batch")

	e.state.UpdatePhase(phaseID, func(phase *PhaseData) {
		phase.BatchID = batch.ID
		phase.ProposedValue = &initial
		phase.Batch = batch
		phase.AddRound1Vote(e.nodeID, initial)
	})
	e.metrics.ObserveState(e.state)

	propose := NewPropose(e.nodeID, &ProposeMessage{
		PhaseID: phaseID,
		BatchID: batch.ID,
		Value:   initial,
		Batch:   batch,
	})
	if err := e.transport.Broadcast(ctx, propose); err != nil {
		return err
	}

	// A single-node cluster already holds a round-1 quorum.
	e.maybeEnterRound2(ctx, phaseID)
	return nil
}

func (e *Engine) drainInbound(ctx context.Context) {
	wait := receiveTimeout
	for i := 0; i < maxInboundPerTick; i++ {
		rctx, cancel := context.WithTimeout(ctx, wait)
		from, msg, err := e.transport.Receive(rctx)
		cancel()
		if err != nil {
			return
		}
		wait = time.Millisecond

		if err := e.handleMessage(ctx, from, msg); err != nil {
			e.logger.Error().Err(err).Stringer("kind", msg.Kind).Msg("Error handling message")
		}
	}
}

func (e *Engine) handleMessage(ctx context.Context, from NodeID, msg *ProtocolMessage) error {
	if err := e.validator.ValidateMessage(msg); err != nil {
		e.logger.Warn().Err(err).Str("from", from.String()).Msg("Dropping invalid message")
		e.metrics.MessageDropped("invalid")
		return nil
	}
	if msg.From != from {
		e.logger.Warn().Str("claimed", msg.From.String()).Str("observed", from.String()).
			Msg("Dropping message with source mismatch")
		e.metrics.MessageDropped("source_mismatch")
		return nil
	}

	// Without quorum only the catch-up path stays open; existing phases
	// may still converge once quorum returns.
	if !e.state.HasQuorum() {
		switch msg.Kind {
		case KindSyncRequest, KindSyncResponse, KindHeartBeat:
		default:
			e.metrics.MessageDropped("no_quorum")
			return nil
		}
	}

	switch msg.Kind {
	case KindPropose:
		return e.handlePropose(ctx, from, msg.Propose)
	case KindVoteRound1:
		return e.handleVoteRound1(ctx, from, msg.VoteRound1)
	case KindVoteRound2:
		return e.handleVoteRound2(ctx, from, msg.VoteRound2)
	case KindDecision:
		return e.handleDecision(ctx, from, msg.Decision)
	case KindSyncRequest:
		return e.handleSyncRequest(ctx, from, msg.SyncRequest)
	case KindSyncResponse:
		return e.handleSyncResponse(ctx, from, msg.SyncResponse)
	case KindNewBatch:
		return e.handleNewBatch(from, msg.NewBatch)
	case KindHeartBeat:
		return e.handleHeartbeat(ctx, from, msg.HeartBeat)
	case KindQuorumNotification:
		return e.handleQuorumNotification(from, msg.QuorumNotification)
	default:
		return nil
	}
}

func (e *Engine) handlePropose(ctx context.Context, from NodeID, propose *ProposeMessage) error {
	e.logger.Debug().Str("from", from.String()).Stringer("phase", propose.PhaseID).
		Msg("Received proposal")

	if propose.Batch != nil {
		if _, err := e.state.AddPendingBatch(propose.Batch, from); err != nil &&
			!errors.Is(err, ErrPendingBatchesFull) {
			return err
		}
	}

	vote := e.round1Vote(propose)

	e.state.UpdatePhase(propose.PhaseID, func(phase *PhaseData) {
		phase.BatchID = propose.BatchID
		if phase.ProposedValue == nil {
			value := propose.Value
			phase.ProposedValue = &value
		}
		if phase.Batch == nil {
			phase.Batch = propose.Batch
		}
		phase.AddRound1Vote(e.nodeID, vote)
	})
	e.state.AdoptPhase(propose.PhaseID)

	voteMsg := NewVoteRound1(e.nodeID, from, &VoteRound1Message{
		PhaseID: propose.PhaseID,
		BatchID: propose.BatchID,
		Vote:    vote,
		VoterID: e.nodeID,
	})
	if err := e.transport.SendTo(ctx, from, voteMsg); err != nil {
		return err
	}

	e.maybeEnterRound2(ctx, propose.PhaseID)
	return nil
}

// round1Vote implements the stage-1 voting rule: agree with a proposal we
// already hold, signal uncertainty on conflict, and vote probabilistically
// on a fresh phase.
func (e *Engine) round1Vote(propose *ProposeMessage) StateValue {
	if phase, ok := e.state.GetPhase(propose.PhaseID); ok && phase.ProposedValue != nil {
		if *phase.ProposedValue == propose.Value {
			return propose.Value
		}
		return VQuestion
	}
	return e.randomizedVote(propose.Value)
}

// randomizedVote biases slightly toward V1 so proposals carrying real work
// tend to commit; VQuestion is the slack that lets replicas signal
// uncertainty without forcing a conflicting commit.
func (e *Engine) randomizedVote(proposed StateValue) StateValue {
	switch proposed {
	case V0:
		if e.rng.Float64() < 0.5 {
			return V0
		}
		return VQuestion
	case V1:
		if e.rng.Float64() < 0.6 {
			return V1
		}
		return VQuestion
	default:
		return VQuestion
	}
}

func (e *Engine) handleVoteRound1(ctx context.Context, from NodeID, vote *VoteRound1Message) error {
	if vote.VoterID != from {
		e.metrics.MessageDropped("voter_mismatch")
		return nil
	}

	e.logger.Debug().Str("from", from.String()).Stringer("phase", vote.PhaseID).
		Stringer("vote", vote.Vote).Msg("Received round-1 vote")

	e.state.UpdatePhase(vote.PhaseID, func(phase *PhaseData) {
		phase.AddRound1Vote(vote.VoterID, vote.Vote)
	})

	e.maybeEnterRound2(ctx, vote.PhaseID)
	return nil
}

// maybeEnterRound2 broadcasts this replica's round-2 vote once the round-1
// tally holds a quorum. At most one round-2 vote is ever sent per phase.
func (e *Engine) maybeEnterRound2(ctx context.Context, phaseID PhaseID) {
	phase, ok := e.state.GetPhase(phaseID)
	if !ok || phase.SentRound2 || phase.Decided() {
		return
	}

	outcome, ok := phase.Round1Majority(e.state.QuorumSize)
	if !ok {
		return
	}

	var round2 StateValue
	switch outcome {
	case V0:
		// Forced for safety: a round-1 majority is never contradicted.
		round2 = V0
	case V1:
		round2 = V1
	default:
		round2 = e.sharedCoinVote(phase.Round1Votes)
	}

	var tally []VoteEntry
	e.state.UpdatePhase(phaseID, func(p *PhaseData) {
		p.SentRound2 = true
		p.AddRound2Vote(e.nodeID, round2)
		tally = VotesToEntries(p.Round1Votes)
	})

	e.logger.Debug().Stringer("phase", phaseID).Stringer("outcome", outcome).
		Stringer("vote", round2).Msg("Entering round 2")

	voteMsg := NewVoteRound2(e.nodeID, &VoteRound2Message{
		PhaseID:     phaseID,
		BatchID:     phase.BatchID,
		Vote:        round2,
		VoterID:     e.nodeID,
		Round1Votes: tally,
	})
	if err := e.transport.Broadcast(ctx, voteMsg); err != nil {
		e.logger.Error().Err(err).Msg("Failed to broadcast round-2 vote")
	}

	e.maybeDecide(ctx, phaseID)
}

// sharedCoinVote is the randomized fallback when round 1 held no concrete
// majority: lean toward whichever concrete value dominated, or toward V1
// on a tie.
func (e *Engine) sharedCoinVote(round1Votes map[NodeID]StateValue) StateValue {
	var v0, v1 int
	for _, vote := range round1Votes {
		switch vote {
		case V0:
			v0++
		case V1:
			v1++
		}
	}

	switch {
	case v1 > v0:
		if e.rng.Float64() < 0.8 {
			return V1
		}
		return V0
	case v0 > v1:
		if e.rng.Float64() < 0.7 {
			return V0
		}
		return V1
	default:
		if e.rng.Float64() < 0.6 {
			return V1
		}
		return V0
	}
}

func (e *Engine) handleVoteRound2(ctx context.Context, from NodeID, vote *VoteRound2Message) error {
	if vote.VoterID != from {
		e.metrics.MessageDropped("voter_mismatch")
		return nil
	}

	e.logger.Debug().Str("from", from.String()).Stringer("phase", vote.PhaseID).
		Stringer("vote", vote.Vote).Msg("Received round-2 vote")

	e.state.UpdatePhase(vote.PhaseID, func(phase *PhaseData) {
		// Merge the voter's round-1 view so replicas that never saw the
		// unicast round-1 votes can reach the same tally. Directly
		// observed votes win over relayed ones.
		for voter, r1 := range EntriesToVotes(vote.Round1Votes) {
			if _, seen := phase.Round1Votes[voter]; !seen {
				phase.AddRound1Vote(voter, r1)
			}
		}
		phase.AddRound2Vote(vote.VoterID, vote.Vote)
		if phase.BatchID.IsZero() {
			phase.BatchID = vote.BatchID
		}
	})

	e.maybeEnterRound2(ctx, vote.PhaseID)
	e.maybeDecide(ctx, vote.PhaseID)
	return nil
}

// maybeDecide applies the majority test to the round-2 tally and fixes the
// phase outcome when a quorum agrees.
func (e *Engine) maybeDecide(ctx context.Context, phaseID PhaseID) {
	phase, ok := e.state.GetPhase(phaseID)
	if !ok || phase.Decided() {
		return
	}

	decision, ok := phase.Round2Majority(e.state.QuorumSize)
	if !ok {
		return
	}

	e.logger.Info().Stringer("phase", phaseID).Stringer("decision", decision).
		Msg("Decision reached")
	e.metrics.DecisionReached(decision)

	e.state.UpdatePhase(phaseID, func(p *PhaseData) {
		p.SetDecision(decision)
	})
	phase, _ = e.state.GetPhase(phaseID)

	switch decision {
	case V1:
		if phase.Batch != nil {
			if err := e.commitBatch(ctx, phaseID, phase.Batch); err != nil {
				e.logger.Error().Err(err).Stringer("phase", phaseID).Msg("Failed to commit batch")
			}
		} else {
			e.logger.Error().Stringer("phase", phaseID).Msg("V1 decision without a bound batch")
		}
	case V0:
		// The phase commits as a no-op; the batch goes back for a later
		// phase.
		e.requeueBatch(ctx, phase.BatchID)
	case VQuestion:
		// Not a decision: the phase is abandoned outright.
		e.requeueBatch(ctx, phase.BatchID)
	}

	decisionMsg := NewDecision(e.nodeID, &DecisionMessage{
		PhaseID:  phaseID,
		BatchID:  phase.BatchID,
		Decision: decision,
		Batch:    phase.Batch,
	})
	if err := e.transport.Broadcast(ctx, decisionMsg); err != nil {
		e.logger.Error().Err(err).Msg("Failed to broadcast decision")
	}
}

// commitBatch drives the commit pipeline: apply under the state-machine
// lock, advance the commit pointer, drop the pending entry exactly once,
// and resolve any waiting client.
func (e *Engine) commitBatch(ctx context.Context, phaseID PhaseID, batch *CommandBatch) error {
	// A batch re-proposed into a second phase, or delivered again in a
	// duplicate decision, must not reach the state machine twice. The
	// phase still commits either way.
	if e.state.MarkApplied(batch.ID, phaseID) {
		results, err := e.applyBatch(ctx, batch)
		if err != nil {
			return err
		}
		e.metrics.BatchCommitted(len(batch.Commands))
		e.resolveWaiter(batch.ID, BatchResult{Results: results})
	}

	// The commit pointer may never pass the phase counter (I1).
	e.state.AdoptPhase(phaseID)
	if _, err := e.state.CommitPhase(phaseID); err != nil {
		return err
	}
	e.metrics.ObserveState(e.state)

	e.state.RemovePendingBatch(batch.ID)
	return nil
}

func (e *Engine) applyBatch(ctx context.Context, batch *CommandBatch) ([][]byte, error) {
	e.logger.Debug().Str("batch", batch.ID.String()).Int("commands", len(batch.Commands)).
		Msg("Applying batch")

	e.smMu.Lock()
	results, err := e.sm.ApplyCommands(ctx, batch.Commands)
	e.smMu.Unlock()
	return results, err
}

// requeueBatch returns an unapplied batch to the pending queue and, when
// this node originated it, re-proposes it in a later phase.
func (e *Engine) requeueBatch(ctx context.Context, batchID BatchID) {
	pending, ok := e.state.GetPendingBatch(batchID)
	if !ok {
		return
	}

	pending.RetryCount++
	pending.ReceivedTimestamp = NowMillis()
	if pending.Originator != e.nodeID {
		return
	}
	if pending.RetryCount > e.config.MaxProposeRetries {
		e.logger.Warn().Str("batch", batchID.String()).Int("retries", pending.RetryCount).
			Msg("Giving up on batch after repeated inconclusive phases")
		e.state.RemovePendingBatch(batchID)
		e.resolveWaiter(batchID, BatchResult{Err: ErrBatchCancelled})
		return
	}

	e.logger.Info().Str("batch", batchID.String()).Int("retry", pending.RetryCount).
		Msg("Re-proposing batch in a later phase")
	if err := e.proposeBatch(ctx, pending.Batch); err != nil {
		e.logger.Error().Err(err).Msg("Failed to re-propose batch")
	}
}

func (e *Engine) handleDecision(ctx context.Context, from NodeID, decision *DecisionMessage) error {
	e.logger.Debug().Str("from", from.String()).Stringer("phase", decision.PhaseID).
		Stringer("decision", decision.Decision).Msg("Received decision")

	alreadyDecided := false
	e.state.UpdatePhase(decision.PhaseID, func(phase *PhaseData) {
		alreadyDecided = phase.Decided()
		if !alreadyDecided {
			phase.SetDecision(decision.Decision)
		}
		if phase.Batch == nil {
			phase.Batch = decision.Batch
		}
		if phase.BatchID.IsZero() {
			phase.BatchID = decision.BatchID
		}
	})
	e.state.AdoptPhase(decision.PhaseID)

	if decision.Decision == V1 && decision.Batch != nil {
		// commitBatch is idempotent per batch, so duplicate decisions and
		// re-deliveries are no-ops.
		if err := e.commitBatch(ctx, decision.PhaseID, decision.Batch); err != nil {
			return err
		}
	}
	if !alreadyDecided && decision.Decision == VQuestion {
		e.requeueBatch(ctx, decision.BatchID)
	}

	return nil
}

func (e *Engine) handleNewBatch(from NodeID, newBatch *NewBatchMessage) error {
	e.logger.Debug().Str("from", from.String()).Msg("Received gossiped batch")
	if _, err := e.state.AddPendingBatch(newBatch.Batch, newBatch.Originator); err != nil {
		if errors.Is(err, ErrPendingBatchesFull) {
			e.metrics.MessageDropped("pending_full")
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) handleHeartbeat(ctx context.Context, from NodeID, hb *HeartBeatMessage) error {
	e.lastSeen[from] = time.Now()

	// Heartbeats double as lag detection for the sync subprotocol.
	behind := hb.LastCommittedPhase > e.state.LastCommittedPhase()
	if behind && time.Since(e.lastSyncAt) > e.config.SyncTimeout {
		e.logger.Info().Stringer("peer_committed", hb.LastCommittedPhase).
			Stringer("local_committed", e.state.LastCommittedPhase()).
			Msg("Detected lag behind peer, requesting sync")
		return e.initiateSync(ctx)
	}
	return nil
}

func (e *Engine) handleQuorumNotification(from NodeID, notification *QuorumNotificationMessage) error {
	// Membership gossip is advisory; the sender's own liveness is the only
	// fact taken from it.
	e.lastSeen[from] = time.Now()
	e.logger.Debug().Str("from", from.String()).Bool("has_quorum", notification.HasQuorum).
		Int("active", len(notification.ActiveNodes)).Msg("Received quorum notification")
	return nil
}

// refreshMembership recomputes the active-node set from heartbeat
// freshness and gossips quorum transitions.
func (e *Engine) refreshMembership(ctx context.Context) {
	stale := 3 * e.config.HeartbeatInterval
	now := time.Now()

	active := map[NodeID]struct{}{e.nodeID: {}}
	for id, seen := range e.lastSeen {
		if now.Sub(seen) <= stale {
			active[id] = struct{}{}
		}
	}

	events := e.monitor.Update(active)
	e.state.UpdateActiveNodes(active)
	e.metrics.ObserveState(e.state)

	for _, event := range events {
		switch event.Kind {
		case EventNodeConnected:
			e.logger.Info().Str("peer", event.Node.String()).Msg("Node joined active set")
		case EventNodeDisconnected:
			e.logger.Warn().Str("peer", event.Node.String()).Msg("Node left active set")
		case EventQuorumLost:
			e.logger.Error().Int("active", len(active)).Int("required", e.cluster.QuorumSize).
				Msg("Quorum lost, refusing new phases")
			e.broadcastQuorumNotification(ctx, false, active)
		case EventQuorumRestored:
			e.logger.Info().Int("active", len(active)).Msg("Quorum restored")
			e.broadcastQuorumNotification(ctx, true, active)
		}
	}
}

func (e *Engine) broadcastQuorumNotification(ctx context.Context, hasQuorum bool, active map[NodeID]struct{}) {
	nodes := make([]NodeID, 0, len(active))
	for id := range active {
		nodes = append(nodes, id)
	}
	msg := NewQuorumNotification(e.nodeID, &QuorumNotificationMessage{
		HasQuorum:   hasQuorum,
		ActiveNodes: nodes,
	})
	if err := e.transport.Broadcast(ctx, msg); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to broadcast quorum notification")
	}
}

// retryStalledBatches re-proposes batches this node originated whose
// phases have gone quiet for longer than the phase timeout. A phase can
// stall when a quorum-exact slice of the cluster fails to agree in round
// 1; re-proposing in a fresh phase restores progress without any view
// change, and the applied-batch guard keeps the state machine exactly
// once.
func (e *Engine) retryStalledBatches(ctx context.Context) {
	if !e.state.HasQuorum() {
		return
	}
	stallAge := uint64(e.config.PhaseTimeout.Milliseconds())

	for _, pending := range e.state.PendingBatches() {
		if pending.Originator != e.nodeID || pending.AgeMillis() < stallAge {
			continue
		}
		if e.state.WasApplied(pending.Batch.ID) {
			e.state.RemovePendingBatch(pending.Batch.ID)
			continue
		}
		if pending.RetryCount >= e.config.MaxProposeRetries {
			continue
		}

		pending.RetryCount++
		pending.ReceivedTimestamp = NowMillis()
		e.logger.Info().Str("batch", pending.Batch.ID.String()).Int("retry", pending.RetryCount).
			Msg("Re-proposing stalled batch")
		if err := e.proposeBatch(ctx, pending.Batch); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to re-propose stalled batch")
		}
	}
}

func (e *Engine) sendHeartbeat(ctx context.Context) error {
	hb := NewHeartBeat(e.nodeID, &HeartBeatMessage{
		CurrentPhase:       e.state.CurrentPhase(),
		LastCommittedPhase: e.state.LastCommittedPhase(),
		Active:             e.state.IsActive(),
	})
	return e.transport.Broadcast(ctx, hb)
}

func (e *Engine) initiateSync(ctx context.Context) error {
	e.lastSyncAt = time.Now()
	e.state.ClearSyncResponses()
	e.metrics.SyncStarted()

	// The request advertises commit progress rather than the raw phase
	// counter: a replica that entered every phase but missed decisions
	// still needs a snapshot.
	request := &SyncRequestMessage{
		RequesterPhase:        e.state.LastCommittedPhase(),
		RequesterStateVersion: e.state.StateVersion(),
	}

	msg := newMessage(e.nodeID, nil, KindSyncRequest)
	msg.SyncRequest = request
	return e.transport.Broadcast(ctx, msg)
}

func (e *Engine) handleSyncRequest(ctx context.Context, from NodeID, request *SyncRequestMessage) error {
	e.logger.Debug().Str("from", from.String()).Stringer("requester_phase", request.RequesterPhase).
		Msg("Received sync request")

	currentPhase := e.state.CurrentPhase()

	// Snapshot only when ahead; an equal or lagging responder has nothing
	// the requester needs.
	var snapshot *Snapshot
	if currentPhase > request.RequesterPhase {
		e.smMu.Lock()
		snap, err := e.sm.CreateSnapshot(ctx)
		e.smMu.Unlock()
		if err != nil {
			return err
		}
		snapshot = snap
	}

	pending := e.state.PendingBatches()
	if len(pending) > syncResponseLimit {
		pending = pending[:syncResponseLimit]
	}
	entries := make([]PendingBatchEntry, 0, len(pending))
	for _, p := range pending {
		entries = append(entries, PendingBatchEntry{BatchID: p.Batch.ID, Batch: p.Batch})
	}

	response := NewSyncResponse(e.nodeID, from, &SyncResponseMessage{
		ResponderPhase:        currentPhase,
		ResponderStateVersion: e.state.StateVersion(),
		Snapshot:              snapshot,
		PendingBatches:        entries,
		CommittedPhases:       e.state.RecentCommittedPhases(syncResponseLimit),
	})
	return e.transport.SendTo(ctx, from, response)
}

func (e *Engine) handleSyncResponse(ctx context.Context, from NodeID, response *SyncResponseMessage) error {
	e.logger.Debug().Str("from", from.String()).Stringer("responder_phase", response.ResponderPhase).
		Msg("Received sync response")

	count := e.state.AddSyncResponse(from, response)
	if count >= e.state.QuorumSize {
		return e.resolveSync(ctx)
	}
	return nil
}

// resolveSync adopts the most advanced quorum response: a forward-only
// phase jump, a checksum-verified snapshot restore, and the responder's
// recent committed phases and pending batches.
func (e *Engine) resolveSync(ctx context.Context) error {
	responses := e.state.SyncResponses()
	defer e.state.ClearSyncResponses()

	var latest *SyncResponseMessage
	for _, response := range responses {
		if latest == nil || response.ResponderPhase > latest.ResponderPhase {
			latest = response
		}
	}
	if latest == nil {
		return nil
	}

	e.logger.Info().Int("responses", len(responses)).
		Stringer("target_phase", latest.ResponderPhase).Msg("Resolving sync")

	if latest.ResponderPhase < e.state.CurrentPhase() && latest.Snapshot == nil {
		// Nobody is ahead; nothing to adopt.
		return nil
	}

	e.state.AdoptPhase(latest.ResponderPhase)

	if latest.Snapshot != nil {
		if err := e.restoreSnapshot(ctx, latest.Snapshot); err != nil {
			return err
		}
	}

	var maxCommitted PhaseID
	for _, committed := range latest.CommittedPhases {
		e.state.UpdatePhase(committed.PhaseID, func(phase *PhaseData) {
			phase.BatchID = committed.BatchID
			if !phase.Decided() {
				phase.SetDecision(committed.Decision)
			}
		})
		if committed.Decision == V1 && committed.PhaseID > maxCommitted {
			maxCommitted = committed.PhaseID
		}
	}
	if latest.Snapshot != nil && maxCommitted > 0 {
		// The adopted snapshot already reflects these commits.
		if _, err := e.state.CommitPhase(maxCommitted); err != nil {
			return err
		}
	}

	for _, entry := range latest.PendingBatches {
		if _, err := e.state.AddPendingBatch(entry.Batch, e.nodeID); err != nil &&
			!errors.Is(err, ErrPendingBatchesFull) {
			return err
		}
	}

	e.metrics.SyncResolved()
	e.metrics.ObserveState(e.state)
	return nil
}

func (e *Engine) restoreSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if !snapshot.VerifyChecksum() {
		return &ChecksumMismatchError{
			Expected: snapshot.Checksum,
			Actual:   crc32.ChecksumIEEE(snapshot.Data),
		}
	}
	e.smMu.Lock()
	defer e.smMu.Unlock()
	return e.sm.RestoreSnapshot(ctx, snapshot)
}

func (e *Engine) cleanupOldState() {
	removedPhases := e.state.CleanupOldPhases(e.config.MaxPhaseHistory)
	removedBatches := e.state.CleanupOldPendingBatches(uint64(e.config.PendingBatchMaxAge.Seconds()))
	if removedPhases > 0 || removedBatches > 0 {
		e.logger.Debug().Int("phases", removedPhases).Int("batches", removedBatches).
			Msg("Cleaned up old state")
	}
}

func (e *Engine) resolveWaiter(batchID BatchID, result BatchResult) {
	waiter, ok := e.waiters[batchID]
	if !ok {
		return
	}
	delete(e.waiters, batchID)
	select {
	case waiter <- result:
	default:
		// Receiver dropped; cancellation does not roll back consensus.
	}
}

func (e *Engine) respond(ch chan BatchResult, result BatchResult) {
	if ch == nil {
		return
	}
	select {
	case ch <- result:
	default:
	}
}
