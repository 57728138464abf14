package consensus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testValidator() *Validator {
	return NewValidator(DefaultValidationConfig())
}

func validBatch() *CommandBatch {
	return NewCommandBatch([]Command{NewCommandString("SET k v")})
}

func TestValidateProposeMessage(t *testing.T) {
	v := testValidator()
	from := NewNodeID()

	msg := NewPropose(from, &ProposeMessage{
		PhaseID: 1,
		BatchID: NewBatchID(),
		Value:   V1,
		Batch:   validBatch(),
	})
	assert.NoError(t, v.ValidateMessage(msg))
}

func TestValidateRejectsEmptyBatch(t *testing.T) {
	v := testValidator()

	err := v.ValidateBatch(&CommandBatch{ID: NewBatchID(), Timestamp: NowMillis()})
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestValidateRejectsOversizedBatch(t *testing.T) {
	config := DefaultValidationConfig()
	config.MaxBatchSize = 2
	v := NewValidator(config)

	batch := NewCommandBatch([]Command{
		NewCommandString("a"),
		NewCommandString("b"),
		NewCommandString("c"),
	})
	assert.Error(t, v.ValidateBatch(batch))
}

func TestValidateRejectsOversizedCommand(t *testing.T) {
	config := DefaultValidationConfig()
	config.MaxCommandSize = 8
	v := NewValidator(config)

	batch := NewCommandBatch([]Command{NewCommandString(strings.Repeat("x", 9))})
	assert.Error(t, v.ValidateBatch(batch))
}

func TestValidateRejectsEmptyCommand(t *testing.T) {
	v := testValidator()
	batch := NewCommandBatch([]Command{{}})
	batch.Commands[0].Data = nil
	assert.Error(t, v.ValidateBatch(batch))
}

func TestValidateRejectsFutureTimestamp(t *testing.T) {
	v := testValidator()
	msg := NewHeartBeat(NewNodeID(), &HeartBeatMessage{CurrentPhase: 1})
	msg.Timestamp = NowMillis() + 120_000
	assert.Error(t, v.ValidateMessage(msg))
}

func TestValidateRejectsAncientTimestamp(t *testing.T) {
	v := testValidator()
	msg := NewHeartBeat(NewNodeID(), &HeartBeatMessage{CurrentPhase: 1})
	msg.Timestamp = NowMillis() - 700_000
	assert.Error(t, v.ValidateMessage(msg))
}

func TestValidateRound2RequiresRound1Votes(t *testing.T) {
	v := testValidator()
	from := NewNodeID()

	msg := NewVoteRound2(from, &VoteRound2Message{
		PhaseID: 1,
		BatchID: NewBatchID(),
		Vote:    V1,
		VoterID: from,
	})
	err := v.ValidateMessage(msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "round-1 votes")

	msg.VoteRound2.Round1Votes = []VoteEntry{{Voter: from, Vote: V1}}
	assert.NoError(t, v.ValidateMessage(msg))
}

func TestValidateHeartbeatMonotonicity(t *testing.T) {
	v := testValidator()
	msg := NewHeartBeat(NewNodeID(), &HeartBeatMessage{
		CurrentPhase:       3,
		LastCommittedPhase: 5,
	})
	assert.Error(t, v.ValidateMessage(msg))
}

func TestValidateRejectsMissingPayload(t *testing.T) {
	v := testValidator()
	msg := newMessage(NewNodeID(), nil, KindPropose)
	assert.Error(t, v.ValidateMessage(msg))
}

func TestValidationErrorsAreNotRetryable(t *testing.T) {
	v := testValidator()
	err := v.ValidateBatch(&CommandBatch{ID: NewBatchID(), Timestamp: NowMillis()})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestQuorumErrorIsRetryable(t *testing.T) {
	err := &QuorumNotAvailableError{Current: 1, Required: 2}
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "1/2")
}
