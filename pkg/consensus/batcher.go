package consensus

import (
	"time"
)

// BatchConfig tunes the command batcher.
type BatchConfig struct {
	// MaxBatchSize flushes a batch once it holds this many commands.
	MaxBatchSize int
	// MaxBatchDelay is how long a partial batch waits after its first
	// command before FlushIfStale flushes it.
	MaxBatchDelay time.Duration
	// BufferCapacity caps buffered commands; additions beyond it are
	// rejected.
	BufferCapacity int
}

// DefaultBatchConfig returns the batcher defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:   100,
		MaxBatchDelay:  10 * time.Millisecond,
		BufferCapacity: 1000,
	}
}

// BatchStats summarizes batcher throughput.
type BatchStats struct {
	TotalCommands    int
	TotalBatches     int
	AverageBatchSize float64
	CommandsDropped  int
	FlushTimeouts    int
}

func (s *BatchStats) recordBatch(size int) {
	s.TotalCommands += size
	s.TotalBatches++
	s.AverageBatchSize = float64(s.TotalCommands) / float64(s.TotalBatches)
}

// CommandBatcher groups client commands into batches so consensus overhead
// amortizes across them. It is not safe for concurrent use; callers feed
// it from a single goroutine.
type CommandBatcher struct {
	config     BatchConfig
	buffer     []Command
	stats      BatchStats
	firstAdded time.Time
}

// NewCommandBatcher creates a batcher with the given tuning.
func NewCommandBatcher(config BatchConfig) *CommandBatcher {
	return &CommandBatcher{
		config: config,
		buffer: make([]Command, 0, config.BufferCapacity),
	}
}

// Add buffers one command. It returns a full batch when the size threshold
// is reached, or ErrPendingBatchesFull when the buffer is saturated.
func (b *CommandBatcher) Add(cmd Command) (*CommandBatch, error) {
	if len(b.buffer) >= b.config.BufferCapacity {
		b.stats.CommandsDropped++
		return nil, ErrPendingBatchesFull
	}

	if len(b.buffer) == 0 {
		b.firstAdded = time.Now()
	}
	b.buffer = append(b.buffer, cmd)

	if len(b.buffer) >= b.config.MaxBatchSize {
		return b.flush(), nil
	}
	return nil, nil
}

// Flush returns whatever is buffered as a batch, or nil when empty.
func (b *CommandBatcher) Flush() *CommandBatch {
	if len(b.buffer) == 0 {
		return nil
	}
	return b.flush()
}

// FlushIfStale flushes only when the oldest buffered command has waited
// past MaxBatchDelay.
func (b *CommandBatcher) FlushIfStale() *CommandBatch {
	if len(b.buffer) == 0 || time.Since(b.firstAdded) < b.config.MaxBatchDelay {
		return nil
	}
	b.stats.FlushTimeouts++
	return b.flush()
}

// Len returns the buffered command count.
func (b *CommandBatcher) Len() int {
	return len(b.buffer)
}

// Stats returns the accumulated throughput counters.
func (b *CommandBatcher) Stats() BatchStats {
	return b.stats
}

func (b *CommandBatcher) flush() *CommandBatch {
	commands := make([]Command, len(b.buffer))
	copy(commands, b.buffer)
	b.buffer = b.buffer[:0]
	b.stats.recordBatch(len(commands))
	return NewCommandBatch(commands)
}
