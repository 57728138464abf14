package consensus

import (
	"bytes"
	"encoding/json"
	"hash/crc32"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NodeID uniquely identifies a node in the consensus cluster. It is
// generated when the node starts and used for message routing and
// membership tracking.
type NodeID struct {
	uuid.UUID
}

// NewNodeID creates a new random node identifier.
func NewNodeID() NodeID {
	return NodeID{uuid.New()}
}

// NodeIDFromUint64 derives a NodeID from an integer. Useful in tests where
// stable, ordered identities are needed.
func NodeIDFromUint64(id uint64) NodeID {
	var b uuid.UUID
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (56 - 8*i))
	}
	return NodeID{b}
}

// Less provides a total order over node identifiers, used by the leader
// selector to derive a deterministic cluster view.
func (n NodeID) Less(other NodeID) bool {
	return bytes.Compare(n.UUID[:], other.UUID[:]) < 0
}

// IsZero reports whether the identifier is the nil UUID.
func (n NodeID) IsZero() bool {
	return n.UUID == uuid.Nil
}

// BatchID uniquely identifies a command batch through the consensus
// process.
type BatchID struct {
	uuid.UUID
}

// NewBatchID creates a new random batch identifier.
func NewBatchID() BatchID {
	return BatchID{uuid.New()}
}

// IsZero reports whether the identifier is the nil UUID.
func (b BatchID) IsZero() bool {
	return b.UUID == uuid.Nil
}

// PhaseID identifies one instance of the agreement protocol. Phase IDs are
// monotonically increasing; phase 0 is the genesis phase and is committed
// implicitly.
type PhaseID uint64

// Next returns the phase following this one.
func (p PhaseID) Next() PhaseID {
	return p + 1
}

func (p PhaseID) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// StateValue is the three-valued ballot used by the protocol. VQuestion
// encodes "no majority seen" and is never a committable outcome.
type StateValue uint8

const (
	// V0 votes to reject the proposed value.
	V0 StateValue = iota
	// V1 votes to accept the proposed value.
	V1
	// VQuestion is the undecided fallback used in randomization.
	VQuestion
)

func (v StateValue) String() string {
	switch v {
	case V0:
		return "V0"
	case V1:
		return "V1"
	case VQuestion:
		return "V?"
	default:
		return "Unknown"
	}
}

// Command is a single operation to be applied to the replicated state
// machine. The engine treats the payload as opaque bytes.
type Command struct {
	ID   uuid.UUID `json:"id"`
	Data []byte    `json:"data"`
}

// NewCommand creates a command with a fresh identifier.
func NewCommand(data []byte) Command {
	return Command{ID: uuid.New(), Data: data}
}

// NewCommandString creates a command from a textual payload.
func NewCommandString(data string) Command {
	return NewCommand([]byte(data))
}

// CommandBatch groups commands so consensus overhead is amortized across
// them. A batch must be non-empty to be valid.
type CommandBatch struct {
	ID BatchID `json:"id"`
	// Commands in application order.
	Commands []Command `json:"commands"`
	// Timestamp is milliseconds since the Unix epoch at creation.
	Timestamp uint64 `json:"timestamp"`
}

// NewCommandBatch creates a batch with a fresh identifier and the current
// timestamp.
func NewCommandBatch(commands []Command) *CommandBatch {
	return &CommandBatch{
		ID:        NewBatchID(),
		Commands:  commands,
		Timestamp: NowMillis(),
	}
}

// Checksum returns the CRC32 of the batch's canonical JSON serialization.
// It detects accidental corruption only and has no security properties.
func (b *CommandBatch) Checksum() uint32 {
	data, err := json.Marshal(b)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// NowMillis returns the current wall-clock time in milliseconds since the
// Unix epoch, the timestamp unit used on the wire.
func NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// PhaseData is one replica's view of a single protocol phase: the bound
// batch, both vote rounds, and the eventual decision.
type PhaseData struct {
	PhaseID       PhaseID               `json:"phase_id"`
	BatchID       BatchID               `json:"batch_id"`
	ProposedValue *StateValue           `json:"proposed_value,omitempty"`
	Round1Votes   map[NodeID]StateValue `json:"round1_votes"`
	Round2Votes   map[NodeID]StateValue `json:"round2_votes"`
	Decision      *StateValue           `json:"decision,omitempty"`
	Batch         *CommandBatch         `json:"batch,omitempty"`
	Timestamp     uint64                `json:"timestamp"`
	IsCommitted   bool                  `json:"is_committed"`
	SentRound2    bool                  `json:"-"`
}

// NewPhaseData creates an empty phase record.
func NewPhaseData(phaseID PhaseID) *PhaseData {
	return &PhaseData{
		PhaseID:     phaseID,
		Round1Votes: make(map[NodeID]StateValue),
		Round2Votes: make(map[NodeID]StateValue),
		Timestamp:   NowMillis(),
	}
}

// AddRound1Vote records a round-1 vote. A duplicate vote from the same
// voter overwrites; voters are assumed crash-stop and non-equivocating, so
// each voter contributes at most one vote to the tally.
func (p *PhaseData) AddRound1Vote(voter NodeID, vote StateValue) {
	p.Round1Votes[voter] = vote
}

// AddRound2Vote records a round-2 vote with the same overwrite semantics
// as AddRound1Vote.
func (p *PhaseData) AddRound2Vote(voter NodeID, vote StateValue) {
	p.Round2Votes[voter] = vote
}

// Round1Majority returns the value holding at least quorumSize round-1
// votes, or false when no value has reached quorum yet.
func (p *PhaseData) Round1Majority(quorumSize int) (StateValue, bool) {
	return countVotes(p.Round1Votes, quorumSize)
}

// Round2Majority returns the value holding at least quorumSize round-2
// votes, or false when no value has reached quorum yet.
func (p *PhaseData) Round2Majority(quorumSize int) (StateValue, bool) {
	return countVotes(p.Round2Votes, quorumSize)
}

func countVotes(votes map[NodeID]StateValue, quorumSize int) (StateValue, bool) {
	var v0, v1, vq int
	for _, vote := range votes {
		switch vote {
		case V0:
			v0++
		case V1:
			v1++
		case VQuestion:
			vq++
		}
	}

	switch {
	case v0 >= quorumSize:
		return V0, true
	case v1 >= quorumSize:
		return V1, true
	case vq >= quorumSize:
		return VQuestion, true
	default:
		return VQuestion, false
	}
}

// SetDecision records the phase outcome. The phase is committed only for
// concrete values; a VQuestion outcome abandons the phase.
func (p *PhaseData) SetDecision(decision StateValue) {
	d := decision
	p.Decision = &d
	if decision != VQuestion {
		p.IsCommitted = true
	}
}

// Decided reports whether a decision has been recorded for this phase.
func (p *PhaseData) Decided() bool {
	return p.Decision != nil
}

// PendingBatch is a client batch awaiting a V1 decision.
type PendingBatch struct {
	Batch             *CommandBatch `json:"batch"`
	Originator        NodeID        `json:"originator"`
	ReceivedTimestamp uint64        `json:"received_timestamp"`
	RetryCount        int           `json:"retry_count"`
}

// NewPendingBatch wraps a batch received from the given originator.
func NewPendingBatch(batch *CommandBatch, originator NodeID) *PendingBatch {
	return &PendingBatch{
		Batch:             batch,
		Originator:        originator,
		ReceivedTimestamp: NowMillis(),
	}
}

// AgeMillis returns how long the batch has been pending.
func (p *PendingBatch) AgeMillis() uint64 {
	now := NowMillis()
	if now < p.ReceivedTimestamp {
		return 0
	}
	return now - p.ReceivedTimestamp
}
