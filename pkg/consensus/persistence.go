package consensus

import (
	"context"
	"encoding/json"
	"fmt"
)

// PersistedState is the single blob the engine durably keeps: the phase
// pointers and, when one exists, the latest state-machine snapshot. Rabia
// needs no per-phase log; a consistent suffix is always rederivable from
// surviving replicas via sync.
type PersistedState struct {
	CurrentPhase       PhaseID   `json:"current_phase"`
	LastCommittedPhase PhaseID   `json:"last_committed_phase"`
	Snapshot           *Snapshot `json:"snapshot,omitempty"`
}

// Encode serializes the state to its JSON persistence format.
func (p *PersistedState) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode engine state: %w", err)
	}
	return data, nil
}

// DecodePersistedState parses a persisted blob.
func DecodePersistedState(data []byte) (*PersistedState, error) {
	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode engine state: %w", err)
	}
	return &state, nil
}

// PersistenceStore holds one opaque blob. Load returns (nil, nil) on first
// startup when no state exists yet. Implementations live in
// pkg/persistence.
type PersistenceStore interface {
	Save(ctx context.Context, state []byte) error
	Load(ctx context.Context) ([]byte, error)
}
