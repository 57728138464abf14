// Command cluster runs a three-node Rabia cluster in one process over the
// in-memory network and drives one batch of KV commands through it.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"rabia/pkg/consensus"
	"rabia/pkg/core"
	"rabia/pkg/leader"
	"rabia/pkg/network"
	"rabia/pkg/statemachine"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)

	const clusterSize = 3

	hub := network.NewMemory(0)
	ids := make([]consensus.NodeID, clusterSize)
	allNodes := make(map[consensus.NodeID]struct{}, clusterSize)
	for i := range ids {
		ids[i] = consensus.NewNodeID()
		allNodes[ids[i]] = struct{}{}
	}

	selector := leader.NewSelector()
	selector.Update(allNodes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	engines := make([]*consensus.Engine, clusterSize)
	stores := make([]*statemachine.KVStore, clusterSize)

	for i, id := range ids {
		config := core.DefaultConfig()
		config.HeartbeatInterval = 200 * time.Millisecond
		config.RandomizationSeed = int64(i + 1)

		stores[i] = statemachine.NewKVStore()
		cluster := consensus.NewClusterConfig(id, allNodes)
		engines[i] = consensus.NewEngine(config, cluster, stores[i], hub.Join(id), nil)

		engine := engines[i]
		group.Go(func() error {
			return engine.Run(ctx)
		})
	}

	// Give heartbeats a moment to establish the membership view.
	time.Sleep(500 * time.Millisecond)

	// Client commands funnel through the batcher; the flush becomes the
	// consensus batch.
	batcher := consensus.NewCommandBatcher(consensus.DefaultBatchConfig())
	var batch *consensus.CommandBatch
	for _, command := range []string{"SET color green", "SET shape circle", "GET color"} {
		full, err := batcher.Add(consensus.NewCommandString(command))
		if err != nil {
			log.Fatal().Err(err).Str("command", command).Msg("Failed to buffer command")
		}
		if full != nil {
			batch = full
		}
	}
	if batch == nil {
		batch = batcher.Flush()
	}
	if batch == nil {
		log.Fatal().Msg("Batcher produced no batch")
	}

	submitCtx, submitCancel := context.WithTimeout(ctx, 5*time.Second)
	results, err := engines[0].ProcessBatch(submitCtx, batch)
	submitCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Batch failed")
	}
	log.Info().Int("commands", batcher.Stats().TotalCommands).
		Int("batches", batcher.Stats().TotalBatches).Msg("Submitted batched commands")

	for i, result := range results {
		fmt.Printf("command %d -> %s\n", i, result)
	}

	// Let decisions propagate, then report per-node state.
	time.Sleep(time.Second)
	for i, engine := range engines {
		stats, err := engine.Statistics(ctx)
		if err != nil {
			log.Error().Err(err).Int("node", i).Msg("Failed to read statistics")
			continue
		}
		fmt.Printf("node %d: current=%s committed=%s keys=%d\n",
			i, stats.CurrentPhase, stats.LastCommittedPhase, stores[i].Len())
	}

	if id, ok := selector.Leader(); ok {
		fmt.Printf("informational leader: %s\n", id)
	}

	for _, engine := range engines {
		engine.Commands() <- consensus.ShutdownCommand{}
	}
	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("Cluster exited with error")
	}
}
