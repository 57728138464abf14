package consensus

import (
	"context"
	"hash/crc32"
)

// Snapshot is a point-in-time serialization of a state machine, integrity
// checked with CRC32 before restore.
type Snapshot struct {
	Version  uint64 `json:"version"`
	Data     []byte `json:"data"`
	Checksum uint32 `json:"checksum"`
}

// NewSnapshot builds a snapshot over the given data, computing its
// checksum.
func NewSnapshot(version uint64, data []byte) *Snapshot {
	return &Snapshot{
		Version:  version,
		Data:     data,
		Checksum: crc32.ChecksumIEEE(data),
	}
}

// VerifyChecksum recomputes the CRC over the payload and compares it to
// the stored value.
func (s *Snapshot) VerifyChecksum() bool {
	return crc32.ChecksumIEEE(s.Data) == s.Checksum
}

// StateMachine is the application attached to the engine. The single
// correctness contract the engine imposes is determinism: given the same
// sequence of committed batches, two instances must produce byte-identical
// snapshots.
//
// Implementations need not be safe for concurrent use; the engine guards
// every call with a dedicated mutex that is never held across network or
// persistence I/O.
type StateMachine interface {
	// ApplyCommand executes one command and returns its result bytes.
	ApplyCommand(ctx context.Context, cmd Command) ([]byte, error)

	// ApplyCommands executes a batch in order, returning one result per
	// command.
	ApplyCommands(ctx context.Context, cmds []Command) ([][]byte, error)

	// CreateSnapshot serializes the current state.
	CreateSnapshot(ctx context.Context) (*Snapshot, error)

	// RestoreSnapshot replaces the current state with the snapshot
	// contents. Implementations must verify the checksum first.
	RestoreSnapshot(ctx context.Context, snapshot *Snapshot) error
}

// ApplyAll is the default ApplyCommands loop shared by implementations.
func ApplyAll(ctx context.Context, sm StateMachine, cmds []Command) ([][]byte, error) {
	results := make([][]byte, 0, len(cmds))
	for _, cmd := range cmds {
		result, err := sm.ApplyCommand(ctx, cmd)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}
