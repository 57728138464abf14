package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"rabia/pkg/consensus"
)

// Counter is a named-counter state machine understanding
// "INCR name [delta]", "DECR name [delta]" and "GET name" commands.
type Counter struct {
	counters map[string]int64
	version  uint64
}

// NewCounter creates an empty counter store.
func NewCounter() *Counter {
	return &Counter{counters: make(map[string]int64)}
}

// ApplyCommand executes one command and returns the counter's new value,
// formatted in decimal.
func (c *Counter) ApplyCommand(_ context.Context, cmd consensus.Command) ([]byte, error) {
	parts := strings.Fields(string(cmd.Data))
	if len(parts) < 2 {
		return []byte("ERROR: invalid command"), nil
	}

	name := parts[1]
	delta := int64(1)
	if len(parts) == 3 {
		parsed, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return []byte("ERROR: invalid delta"), nil
		}
		delta = parsed
	}

	switch parts[0] {
	case "INCR":
		c.counters[name] += delta
		c.version++
	case "DECR":
		c.counters[name] -= delta
		c.version++
	case "GET":
	default:
		return []byte("ERROR: invalid command"), nil
	}

	return []byte(strconv.FormatInt(c.counters[name], 10)), nil
}

// ApplyCommands executes a batch in order.
func (c *Counter) ApplyCommands(ctx context.Context, cmds []consensus.Command) ([][]byte, error) {
	return consensus.ApplyAll(ctx, c, cmds)
}

// CreateSnapshot serializes the counters.
func (c *Counter) CreateSnapshot(_ context.Context) (*consensus.Snapshot, error) {
	data, err := json.Marshal(c.counters)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize counters: %w", err)
	}
	return consensus.NewSnapshot(c.version, data), nil
}

// RestoreSnapshot replaces the counters after checksum verification.
func (c *Counter) RestoreSnapshot(_ context.Context, snapshot *consensus.Snapshot) error {
	if !snapshot.VerifyChecksum() {
		return &consensus.ChecksumMismatchError{
			Expected: snapshot.Checksum,
			Actual:   crc32.ChecksumIEEE(snapshot.Data),
		}
	}

	counters := make(map[string]int64)
	if err := json.Unmarshal(snapshot.Data, &counters); err != nil {
		return fmt.Errorf("failed to restore counters: %w", err)
	}
	c.counters = counters
	c.version = snapshot.Version
	return nil
}

// Value reads one counter outside the consensus path.
func (c *Counter) Value(name string) int64 {
	return c.counters[name]
}
