package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/chuliyu/kvraft/internal/config"
	"github.com/chuliyu/kvraft/internal/leaderless"
	"github.com/chuliyu/kvraft/internal/metrics"
	"github.com/chuliyu/kvraft/internal/protocol"
	"github.com/chuliyu/kvraft/internal/replication"
	"github.com/chuliyu/kvraft/internal/server"
	"github.com/chuliyu/kvraft/internal/state"
)

func buildLeaderlessNodeCommand(configPath *string) *cobra.Command {
	var flags config.LeaderlessNode

	cmd := &cobra.Command{
		Use:   "leaderless-node",
		Short: "Run a leaderless, best-effort-replicated node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.MergeLeaderlessNode(flags, *configPath)
			if err != nil {
				return err
			}
			if cfg.NodeID == "" {
				cfg.NodeID = uuid.NewString()
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runLeaderlessNode(cfg)
		},
	}

	cmd.Flags().StringVar(&flags.NodeID, "node-id", "", "unique identifier for this node (a random UUID when empty)")
	cmd.Flags().IntVar(&flags.KVPort, "kv-port", 7000, "KV port to listen on")
	cmd.Flags().IntVar(&flags.ReplPort, "repl-port", 7100, "replication port to listen on")
	cmd.Flags().IntSliceVar(&flags.PeerReplPorts, "peer-repl-ports", nil, "replication ports of the other cluster members")
	cmd.Flags().StringVar(&flags.DataDir, "data-dir", "./data", "directory for WAL and snapshot files")

	return cmd
}

func runLeaderlessNode(cfg config.LeaderlessNode) error {
	log := slog.Default().With("node_id", cfg.NodeID)

	collector := metrics.NewCollector()
	go func() {
		if err := metrics.StartServer(":9090"); err != nil {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	engine, err := state.New(state.Config{
		WALPath:      filepath.Join(cfg.DataDir, "wal.log"),
		SnapshotPath: filepath.Join(cfg.DataDir, "snapshot.bin"),
		Metrics:      collector,
	})
	if err != nil {
		return fmt.Errorf("kvstore: open state engine: %w", err)
	}
	defer engine.Close()

	if err := engine.Recover(); err != nil {
		return fmt.Errorf("kvstore: recover state: %w", err)
	}

	var controller *leaderless.Controller
	handler := func(from string, msg protocol.ReplMessage) protocol.ReplMessage {
		return controller.HandleReplMessage(from, msg)
	}

	transport, err := replication.NewTransport(fmt.Sprintf(":%d", cfg.ReplPort), cfg.NodeID, cfg.KVPort, handler)
	if err != nil {
		return fmt.Errorf("kvstore: start replication transport: %w", err)
	}
	defer transport.Close()

	peerIDs := make([]string, 0, len(cfg.PeerReplPorts))
	for _, replPort := range cfg.PeerReplPorts {
		peerID := fmt.Sprintf("peer-%d", replPort)
		transport.AddPeer(peerID, fmt.Sprintf("localhost:%d", replPort))
		peerIDs = append(peerIDs, peerID)
	}

	controller = leaderless.New(leaderless.Config{
		SelfID:    cfg.NodeID,
		PeerIDs:   peerIDs,
		Engine:    engine,
		Transport: transport,
		Metrics:   collector,
	})
	controller.Start()
	defer controller.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	replServeErr := make(chan error, 1)
	go func() { replServeErr <- transport.Serve(ctx) }()

	srv, err := server.New(fmt.Sprintf(":%d", cfg.KVPort), server.Config{
		Engine:      engine,
		Coordinator: controller,
		NodeID:      cfg.NodeID,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("kvstore: start server: %w", err)
	}

	kvServeErr := make(chan error, 1)
	go func() { kvServeErr <- srv.Serve(ctx) }()

	log.Info("leaderless node started", "kv_addr", srv.Addr().String(), "repl_addr", transport.Addr().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-kvServeErr:
		if err != nil {
			log.Error("kv server stopped unexpectedly", "error", err)
		}
	case err := <-replServeErr:
		if err != nil {
			log.Error("replication transport stopped unexpectedly", "error", err)
		}
	}

	cancel()
	srv.Close()

	if err := engine.Snapshot(); err != nil {
		log.Error("final snapshot failed", "error", err)
	}

	log.Info("leaderless node stopped")
	return nil
}
