package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rabia/pkg/consensus"
	"rabia/pkg/core"
	"rabia/pkg/network/tcp"
	"rabia/pkg/p2p"
	"rabia/pkg/persistence"
	"rabia/pkg/statemachine"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	config := core.DefaultConfig().FromEnv()

	nodeID := consensus.NewNodeID()
	if raw := os.Getenv("RABIA_NODE_ID"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid RABIA_NODE_ID")
		}
		nodeID = consensus.NodeID{UUID: parsed}
	}

	// Static membership: this node plus every configured peer.
	allNodes := map[consensus.NodeID]struct{}{nodeID: {}}
	peerAddrs := make(map[consensus.NodeID]string)
	for raw, addr := range config.Peers {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			log.Fatal().Err(err).Str("peer", raw).Msg("Invalid peer node id")
		}
		id := consensus.NodeID{UUID: parsed}
		allNodes[id] = struct{}{}
		peerAddrs[id] = addr
	}
	cluster := consensus.NewClusterConfig(nodeID, allNodes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var transport consensus.Transport
	switch os.Getenv("RABIA_TRANSPORT") {
	case "p2p":
		node, err := p2p.NewNode(ctx, nodeID, config.P2PPort, config.BootstrapPeers)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create p2p transport")
		}
		transport = node
	default:
		tcpConfig := tcp.DefaultConfig(config.ListenAddr)
		tcpConfig.Peers = peerAddrs
		node, err := tcp.New(ctx, nodeID, tcpConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create tcp transport")
		}
		transport = node
	}

	store, err := persistence.NewFileStore(config.StatePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state store")
	}

	engine := consensus.NewEngine(config, cluster, statemachine.NewKVStore(), transport, store)

	if config.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		engine.SetMetrics(consensus.NewMetrics(registry))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			log.Info().Str("addr", config.MetricsAddr).Msg("Serving metrics")
			if err := http.ListenAndServe(config.MetricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	done := make(chan error, 1)
	go func() {
		done <- engine.Run(ctx)
	}()

	log.Info().Str("node", nodeID.String()).Int("cluster", cluster.TotalNodes()).
		Msg("Rabia node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("Shutdown signal received")
		engine.Commands() <- consensus.ShutdownCommand{}
		select {
		case err := <-done:
			if err != nil {
				log.Error().Err(err).Msg("Engine exited with error")
			}
		case <-time.After(10 * time.Second):
			log.Warn().Msg("Engine did not stop in time")
		}
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("Engine exited with error")
		}
	}

	if err := transport.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing transport")
	}
}
