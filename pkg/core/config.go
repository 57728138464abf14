package core

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every tunable of a node. Zero values are never used
// directly; construct with DefaultConfig and override.
type Config struct {
	// PhaseTimeout is how long a batch this node originated may stay
	// pending before it is re-proposed in a fresh phase. No view change is
	// ever triggered.
	PhaseTimeout time.Duration
	// SyncTimeout bounds the wait for sync responses.
	SyncTimeout time.Duration
	// MaxBatchSize caps commands per batch at validation.
	MaxBatchSize int
	// MaxCommandSize caps a single command payload in bytes.
	MaxCommandSize int
	// MaxPendingBatches is the backpressure threshold for the pending
	// queue.
	MaxPendingBatches int
	// CleanupInterval is the phase/batch GC cadence.
	CleanupInterval time.Duration
	// MaxPhaseHistory is how many phase records are retained.
	MaxPhaseHistory int
	// PendingBatchMaxAge ages out unapplied pending batches.
	PendingBatchMaxAge time.Duration
	// HeartbeatInterval is the liveness broadcast cadence.
	HeartbeatInterval time.Duration
	// RandomizationSeed makes the vote PRNG deterministic for tests. Zero
	// means seed from entropy.
	RandomizationSeed int64
	// MaxClockSkew bounds accepted message timestamps.
	MaxClockSkew time.Duration
	// MaxProposeRetries bounds re-proposal of a batch whose phases keep
	// being abandoned.
	MaxProposeRetries int

	// ListenAddr is the TCP transport bind address.
	ListenAddr string
	// Peers maps known peer node IDs (uuid strings) to addresses for the
	// TCP transport.
	Peers map[string]string
	// P2PPort is the libp2p transport listen port.
	P2PPort int
	// BootstrapPeers are libp2p multiaddrs dialed at startup.
	BootstrapPeers []string
	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string
	// StatePath is where the persistence blob lives.
	StatePath string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		PhaseTimeout:       5000 * time.Millisecond,
		SyncTimeout:        10000 * time.Millisecond,
		MaxBatchSize:       1000,
		MaxCommandSize:     1 << 20,
		MaxPendingBatches:  100,
		CleanupInterval:    30 * time.Second,
		MaxPhaseHistory:    1000,
		PendingBatchMaxAge: 300 * time.Second,
		HeartbeatInterval:  1000 * time.Millisecond,
		MaxClockSkew:       60 * time.Second,
		MaxProposeRetries:  3,
		ListenAddr:         "127.0.0.1:7700",
		P2PPort:            9000,
		MetricsAddr:        "",
		StatePath:          "./rabia-state.json",
	}
}

// FromEnv overlays environment variables onto the config. Unset or
// malformed values leave the existing setting untouched.
func (c *Config) FromEnv() *Config {
	if addr := os.Getenv("RABIA_LISTEN_ADDR"); addr != "" {
		c.ListenAddr = addr
	}
	if path := os.Getenv("RABIA_STATE_PATH"); path != "" {
		c.StatePath = path
	}
	if addr := os.Getenv("RABIA_METRICS_ADDR"); addr != "" {
		c.MetricsAddr = addr
	}
	if port, err := strconv.Atoi(os.Getenv("RABIA_P2P_PORT")); err == nil {
		c.P2PPort = port
	}
	if peers := os.Getenv("RABIA_BOOTSTRAP_PEERS"); peers != "" {
		c.BootstrapPeers = strings.Split(peers, ",")
	}
	if seed, err := strconv.ParseInt(os.Getenv("RABIA_SEED"), 10, 64); err == nil {
		c.RandomizationSeed = seed
	}
	if interval, err := time.ParseDuration(os.Getenv("RABIA_HEARTBEAT_INTERVAL")); err == nil {
		c.HeartbeatInterval = interval
	}
	if peers := os.Getenv("RABIA_PEERS"); peers != "" {
		// Format: <uuid>=<host:port>,<uuid>=<host:port>
		c.Peers = make(map[string]string)
		for _, pair := range strings.Split(peers, ",") {
			id, addr, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			c.Peers[id] = addr
		}
	}
	return c
}
