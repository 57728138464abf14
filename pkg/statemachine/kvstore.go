// Package statemachine provides deterministic state machines that attach
// to the consensus engine: a word-command key-value store and a named
// counter store. Determinism is the one contract the engine imposes:
// identical committed batches must yield byte-identical snapshots.
package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/rs/zerolog/log"

	"rabia/pkg/consensus"
)

// KVStore is an in-memory key-value state machine understanding
// "SET key value", "GET key" and "DEL key" commands.
type KVStore struct {
	state   map[string]string
	version uint64
}

// NewKVStore creates an empty store.
func NewKVStore() *KVStore {
	return &KVStore{state: make(map[string]string)}
}

// ApplyCommand executes one command and returns its textual result.
func (s *KVStore) ApplyCommand(_ context.Context, cmd consensus.Command) ([]byte, error) {
	parts := strings.Fields(string(cmd.Data))
	if len(parts) == 0 {
		return []byte("ERROR: empty command"), nil
	}

	switch parts[0] {
	case "SET":
		if len(parts) != 3 {
			return []byte("ERROR: SET requires key and value"), nil
		}
		s.state[parts[1]] = parts[2]
		s.version++
		return []byte("OK"), nil
	case "GET":
		if len(parts) != 2 {
			return []byte("ERROR: GET requires key"), nil
		}
		value, ok := s.state[parts[1]]
		if !ok {
			return []byte("NOT_FOUND"), nil
		}
		return []byte(value), nil
	case "DEL":
		if len(parts) != 2 {
			return []byte("ERROR: DEL requires key"), nil
		}
		if _, ok := s.state[parts[1]]; !ok {
			return []byte("NOT_FOUND"), nil
		}
		delete(s.state, parts[1])
		s.version++
		return []byte("OK"), nil
	default:
		return []byte("ERROR: invalid command"), nil
	}
}

// ApplyCommands executes a batch in order.
func (s *KVStore) ApplyCommands(ctx context.Context, cmds []consensus.Command) ([][]byte, error) {
	return consensus.ApplyAll(ctx, s, cmds)
}

// CreateSnapshot serializes the store. Map keys are sorted by the JSON
// encoder, so equal states produce equal bytes.
func (s *KVStore) CreateSnapshot(_ context.Context) (*consensus.Snapshot, error) {
	data, err := json.Marshal(s.state)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize kv state: %w", err)
	}
	return consensus.NewSnapshot(s.version, data), nil
}

// RestoreSnapshot replaces the store contents after checksum verification.
func (s *KVStore) RestoreSnapshot(_ context.Context, snapshot *consensus.Snapshot) error {
	if !snapshot.VerifyChecksum() {
		return &consensus.ChecksumMismatchError{
			Expected: snapshot.Checksum,
			Actual:   crc32.ChecksumIEEE(snapshot.Data),
		}
	}

	state := make(map[string]string)
	if err := json.Unmarshal(snapshot.Data, &state); err != nil {
		return fmt.Errorf("failed to restore kv state: %w", err)
	}
	s.state = state
	s.version = snapshot.Version
	log.Debug().Int("keys", len(state)).Uint64("version", snapshot.Version).
		Msg("Restored kv store from snapshot")
	return nil
}

// Get reads one key outside the consensus path, for tests and observers.
func (s *KVStore) Get(key string) (string, bool) {
	value, ok := s.state[key]
	return value, ok
}

// Len returns the number of stored keys.
func (s *KVStore) Len() int {
	return len(s.state)
}
