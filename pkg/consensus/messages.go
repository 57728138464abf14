package consensus

import (
	"sort"

	"github.com/google/uuid"
)

// MessageKind tags the payload carried by a ProtocolMessage.
type MessageKind uint8

const (
	KindPropose MessageKind = iota
	KindVoteRound1
	KindVoteRound2
	KindDecision
	KindSyncRequest
	KindSyncResponse
	KindNewBatch
	KindHeartBeat
	KindQuorumNotification
)

func (k MessageKind) String() string {
	switch k {
	case KindPropose:
		return "Propose"
	case KindVoteRound1:
		return "VoteRound1"
	case KindVoteRound2:
		return "VoteRound2"
	case KindDecision:
		return "Decision"
	case KindSyncRequest:
		return "SyncRequest"
	case KindSyncResponse:
		return "SyncResponse"
	case KindNewBatch:
		return "NewBatch"
	case KindHeartBeat:
		return "HeartBeat"
	case KindQuorumNotification:
		return "QuorumNotification"
	default:
		return "Unknown"
	}
}

// ProtocolMessage is the envelope for every wire message. Exactly one
// payload field is set, selected by Kind. A nil To means broadcast.
type ProtocolMessage struct {
	ID        uuid.UUID   `json:"id"`
	From      NodeID      `json:"from"`
	To        *NodeID     `json:"to,omitempty" rlp:"nil"`
	Timestamp uint64      `json:"timestamp"`
	Kind      MessageKind `json:"kind"`

	Propose            *ProposeMessage            `json:"propose,omitempty" rlp:"nil"`
	VoteRound1         *VoteRound1Message         `json:"vote_round1,omitempty" rlp:"nil"`
	VoteRound2         *VoteRound2Message         `json:"vote_round2,omitempty" rlp:"nil"`
	Decision           *DecisionMessage           `json:"decision,omitempty" rlp:"nil"`
	SyncRequest        *SyncRequestMessage        `json:"sync_request,omitempty" rlp:"nil"`
	SyncResponse       *SyncResponseMessage       `json:"sync_response,omitempty" rlp:"nil"`
	NewBatch           *NewBatchMessage           `json:"new_batch,omitempty" rlp:"nil"`
	HeartBeat          *HeartBeatMessage          `json:"heartbeat,omitempty" rlp:"nil"`
	QuorumNotification *QuorumNotificationMessage `json:"quorum_notification,omitempty" rlp:"nil"`
}

func newMessage(from NodeID, to *NodeID, kind MessageKind) *ProtocolMessage {
	return &ProtocolMessage{
		ID:        uuid.New(),
		From:      from,
		To:        to,
		Timestamp: NowMillis(),
		Kind:      kind,
	}
}

// NewPropose builds a broadcast Propose message.
func NewPropose(from NodeID, propose *ProposeMessage) *ProtocolMessage {
	m := newMessage(from, nil, KindPropose)
	m.Propose = propose
	return m
}

// NewVoteRound1 builds a round-1 vote unicast to the phase proposer.
func NewVoteRound1(from, to NodeID, vote *VoteRound1Message) *ProtocolMessage {
	m := newMessage(from, &to, KindVoteRound1)
	m.VoteRound1 = vote
	return m
}

// NewVoteRound2 builds a broadcast round-2 vote.
func NewVoteRound2(from NodeID, vote *VoteRound2Message) *ProtocolMessage {
	m := newMessage(from, nil, KindVoteRound2)
	m.VoteRound2 = vote
	return m
}

// NewDecision builds a broadcast Decision message.
func NewDecision(from NodeID, decision *DecisionMessage) *ProtocolMessage {
	m := newMessage(from, nil, KindDecision)
	m.Decision = decision
	return m
}

// NewSyncRequest builds a sync request unicast to one peer.
func NewSyncRequest(from, to NodeID, request *SyncRequestMessage) *ProtocolMessage {
	m := newMessage(from, &to, KindSyncRequest)
	m.SyncRequest = request
	return m
}

// NewSyncResponse builds a sync response unicast to the requester.
func NewSyncResponse(from, to NodeID, response *SyncResponseMessage) *ProtocolMessage {
	m := newMessage(from, &to, KindSyncResponse)
	m.SyncResponse = response
	return m
}

// NewNewBatch builds a broadcast batch gossip message.
func NewNewBatch(from NodeID, batch *NewBatchMessage) *ProtocolMessage {
	m := newMessage(from, nil, KindNewBatch)
	m.NewBatch = batch
	return m
}

// NewHeartBeat builds a broadcast liveness signal.
func NewHeartBeat(from NodeID, heartbeat *HeartBeatMessage) *ProtocolMessage {
	m := newMessage(from, nil, KindHeartBeat)
	m.HeartBeat = heartbeat
	return m
}

// NewQuorumNotification builds a broadcast membership gossip message.
func NewQuorumNotification(from NodeID, notification *QuorumNotificationMessage) *ProtocolMessage {
	m := newMessage(from, nil, KindQuorumNotification)
	m.QuorumNotification = notification
	return m
}

// ProposeMessage opens a phase. Batch is attached when the originator
// expects peers may not have seen it yet.
type ProposeMessage struct {
	PhaseID PhaseID       `json:"phase_id"`
	BatchID BatchID       `json:"batch_id"`
	Value   StateValue    `json:"value"`
	Batch   *CommandBatch `json:"batch,omitempty" rlp:"nil"`
}

// VoteRound1Message is a round-1 ballot, unicast to the proposer.
type VoteRound1Message struct {
	PhaseID PhaseID    `json:"phase_id"`
	BatchID BatchID    `json:"batch_id"`
	Vote    StateValue `json:"vote"`
	VoterID NodeID     `json:"voter_id"`
}

// VoteEntry is one (voter, vote) pair in a serialized tally. Tallies travel
// as voter-sorted slices so both wire codecs produce canonical bytes.
type VoteEntry struct {
	Voter NodeID     `json:"voter"`
	Vote  StateValue `json:"vote"`
}

// VotesToEntries converts a tally map to its canonical sorted form.
func VotesToEntries(votes map[NodeID]StateValue) []VoteEntry {
	entries := make([]VoteEntry, 0, len(votes))
	for voter, vote := range votes {
		entries = append(entries, VoteEntry{Voter: voter, Vote: vote})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Voter.Less(entries[j].Voter)
	})
	return entries
}

// EntriesToVotes converts a serialized tally back to a map.
func EntriesToVotes(entries []VoteEntry) map[NodeID]StateValue {
	votes := make(map[NodeID]StateValue, len(entries))
	for _, e := range entries {
		votes[e.Voter] = e.Vote
	}
	return votes
}

// VoteRound2Message is a round-2 ballot, broadcast with the voter's view of
// the round-1 tally. Round1Votes must be non-empty.
type VoteRound2Message struct {
	PhaseID     PhaseID     `json:"phase_id"`
	BatchID     BatchID     `json:"batch_id"`
	Vote        StateValue  `json:"vote"`
	VoterID     NodeID      `json:"voter_id"`
	Round1Votes []VoteEntry `json:"round1_votes"`
}

// DecisionMessage announces the outcome of a phase. The batch is attached
// so replicas that never saw the Propose can commit without re-voting.
type DecisionMessage struct {
	PhaseID  PhaseID       `json:"phase_id"`
	BatchID  BatchID       `json:"batch_id"`
	Decision StateValue    `json:"decision"`
	Batch    *CommandBatch `json:"batch,omitempty" rlp:"nil"`
}

// SyncRequestMessage asks peers for their view of the cluster state.
type SyncRequestMessage struct {
	RequesterPhase        PhaseID `json:"requester_phase"`
	RequesterStateVersion uint64  `json:"requester_state_version"`
}

// CommittedPhase is one (phase, batch, decision) triple in a sync response.
type CommittedPhase struct {
	PhaseID  PhaseID    `json:"phase_id"`
	BatchID  BatchID    `json:"batch_id"`
	Decision StateValue `json:"decision"`
}

// PendingBatchEntry carries one pending batch in a sync response.
type PendingBatchEntry struct {
	BatchID BatchID       `json:"batch_id"`
	Batch   *CommandBatch `json:"batch"`
}

// SyncResponseMessage answers a sync request. Snapshot is set only when the
// responder is ahead of the requester.
type SyncResponseMessage struct {
	ResponderPhase        PhaseID             `json:"responder_phase"`
	ResponderStateVersion uint64              `json:"responder_state_version"`
	Snapshot              *Snapshot           `json:"snapshot,omitempty" rlp:"nil"`
	PendingBatches        []PendingBatchEntry `json:"pending_batches"`
	CommittedPhases       []CommittedPhase    `json:"committed_phases"`
}

// NewBatchMessage gossips a client batch to the rest of the cluster.
type NewBatchMessage struct {
	Batch      *CommandBatch `json:"batch"`
	Originator NodeID        `json:"originator"`
}

// HeartBeatMessage is the periodic liveness signal.
type HeartBeatMessage struct {
	CurrentPhase       PhaseID `json:"current_phase"`
	LastCommittedPhase PhaseID `json:"last_committed_phase"`
	Active             bool    `json:"active"`
}

// QuorumNotificationMessage gossips the sender's membership view.
type QuorumNotificationMessage struct {
	HasQuorum   bool     `json:"has_quorum"`
	ActiveNodes []NodeID `json:"active_nodes"`
}
