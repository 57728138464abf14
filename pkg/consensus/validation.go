package consensus

// ValidationConfig bounds the structural and temporal checks applied to
// every inbound message.
type ValidationConfig struct {
	MaxBatchSize   int
	MaxCommandSize int
	// MaxClockSkewMillis bounds how far in the future a timestamp may be.
	// Messages older than ten times this window are also rejected.
	MaxClockSkewMillis uint64
	MaxPhaseID         uint64
}

// DefaultValidationConfig returns the validator defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxBatchSize:       1000,
		MaxCommandSize:     1 << 20,
		MaxClockSkewMillis: 60_000,
		MaxPhaseID:         1<<63 - 1,
	}
}

// Validator applies structural and temporal validation to protocol
// messages. Rejected messages are dropped by the engine and logged; they
// never mutate state.
type Validator struct {
	config ValidationConfig
}

// NewValidator creates a validator with the given bounds.
func NewValidator(config ValidationConfig) *Validator {
	return &Validator{config: config}
}

// ValidateMessage checks the envelope and its payload. The returned error
// is a *ValidationError describing the first violation found.
func (v *Validator) ValidateMessage(msg *ProtocolMessage) error {
	now := NowMillis()
	if msg.Timestamp > now+v.config.MaxClockSkewMillis {
		return validationErrorf("timestamp %d is too far in the future (now %d)", msg.Timestamp, now)
	}
	if now > msg.Timestamp && now-msg.Timestamp > v.config.MaxClockSkewMillis*10 {
		return validationErrorf("timestamp %d is too old (now %d)", msg.Timestamp, now)
	}
	if msg.From.IsZero() {
		return validationErrorf("missing sender id")
	}

	switch msg.Kind {
	case KindPropose:
		p := msg.Propose
		if p == nil {
			return validationErrorf("propose payload missing")
		}
		if err := v.validatePhaseID(p.PhaseID); err != nil {
			return err
		}
		if p.Batch != nil {
			if err := v.ValidateBatch(p.Batch); err != nil {
				return err
			}
		}
	case KindVoteRound1:
		vote := msg.VoteRound1
		if vote == nil {
			return validationErrorf("round-1 vote payload missing")
		}
		if err := v.validatePhaseID(vote.PhaseID); err != nil {
			return err
		}
		if vote.VoterID.IsZero() {
			return validationErrorf("round-1 vote missing voter id")
		}
	case KindVoteRound2:
		vote := msg.VoteRound2
		if vote == nil {
			return validationErrorf("round-2 vote payload missing")
		}
		if err := v.validatePhaseID(vote.PhaseID); err != nil {
			return err
		}
		if vote.VoterID.IsZero() {
			return validationErrorf("round-2 vote missing voter id")
		}
		if len(vote.Round1Votes) == 0 {
			return validationErrorf("round-2 vote must include round-1 votes")
		}
	case KindDecision:
		d := msg.Decision
		if d == nil {
			return validationErrorf("decision payload missing")
		}
		if err := v.validatePhaseID(d.PhaseID); err != nil {
			return err
		}
		if d.Batch != nil {
			if err := v.ValidateBatch(d.Batch); err != nil {
				return err
			}
		}
	case KindSyncRequest:
		r := msg.SyncRequest
		if r == nil {
			return validationErrorf("sync request payload missing")
		}
		if err := v.validatePhaseID(r.RequesterPhase); err != nil {
			return err
		}
	case KindSyncResponse:
		r := msg.SyncResponse
		if r == nil {
			return validationErrorf("sync response payload missing")
		}
		if err := v.validatePhaseID(r.ResponderPhase); err != nil {
			return err
		}
		for _, entry := range r.PendingBatches {
			if entry.Batch == nil {
				return validationErrorf("sync response pending entry missing batch")
			}
			if err := v.ValidateBatch(entry.Batch); err != nil {
				return err
			}
		}
		for _, committed := range r.CommittedPhases {
			if err := v.validatePhaseID(committed.PhaseID); err != nil {
				return err
			}
		}
	case KindNewBatch:
		nb := msg.NewBatch
		if nb == nil {
			return validationErrorf("new batch payload missing")
		}
		if nb.Batch == nil {
			return validationErrorf("new batch message missing batch")
		}
		if nb.Originator.IsZero() {
			return validationErrorf("new batch missing originator")
		}
		if err := v.ValidateBatch(nb.Batch); err != nil {
			return err
		}
	case KindHeartBeat:
		hb := msg.HeartBeat
		if hb == nil {
			return validationErrorf("heartbeat payload missing")
		}
		if err := v.validatePhaseID(hb.CurrentPhase); err != nil {
			return err
		}
		if err := v.validatePhaseID(hb.LastCommittedPhase); err != nil {
			return err
		}
		if hb.LastCommittedPhase > hb.CurrentPhase {
			return validationErrorf("heartbeat committed phase %s ahead of current phase %s",
				hb.LastCommittedPhase, hb.CurrentPhase)
		}
	case KindQuorumNotification:
		qn := msg.QuorumNotification
		if qn == nil {
			return validationErrorf("quorum notification payload missing")
		}
		for _, node := range qn.ActiveNodes {
			if node.IsZero() {
				return validationErrorf("quorum notification lists nil node id")
			}
		}
	default:
		return validationErrorf("unknown message kind %d", msg.Kind)
	}

	return nil
}

// ValidateBatch checks batch emptiness and size bounds.
func (v *Validator) ValidateBatch(batch *CommandBatch) error {
	if len(batch.Commands) == 0 {
		return validationErrorf("batch cannot be empty")
	}
	if len(batch.Commands) > v.config.MaxBatchSize {
		return validationErrorf("batch size %d exceeds maximum %d", len(batch.Commands), v.config.MaxBatchSize)
	}
	for _, cmd := range batch.Commands {
		if len(cmd.Data) == 0 {
			return validationErrorf("command data cannot be empty")
		}
		if len(cmd.Data) > v.config.MaxCommandSize {
			return validationErrorf("command size %d exceeds maximum %d", len(cmd.Data), v.config.MaxCommandSize)
		}
	}
	now := NowMillis()
	if batch.Timestamp > now+v.config.MaxClockSkewMillis {
		return validationErrorf("batch timestamp %d is too far in the future", batch.Timestamp)
	}
	return nil
}

func (v *Validator) validatePhaseID(phaseID PhaseID) error {
	if uint64(phaseID) > v.config.MaxPhaseID {
		return validationErrorf("phase id %d out of range", uint64(phaseID))
	}
	return nil
}
