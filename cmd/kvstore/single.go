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
	"github.com/chuliyu/kvraft/internal/index"
	"github.com/chuliyu/kvraft/internal/localmode"
	"github.com/chuliyu/kvraft/internal/metrics"
	"github.com/chuliyu/kvraft/internal/server"
	"github.com/chuliyu/kvraft/internal/state"
)

func buildSingleCommand(configPath *string) *cobra.Command {
	var flags config.Single

	cmd := &cobra.Command{
		Use:   "single",
		Short: "Run a single, non-replicated node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.MergeSingle(flags, *configPath)
			if err != nil {
				return err
			}
			return runSingle(cfg)
		},
	}

	cmd.Flags().IntVar(&flags.Port, "port", 7000, "KV port to listen on")
	cmd.Flags().StringVar(&flags.DataDir, "data-dir", "./data", "directory for WAL and snapshot files")
	cmd.Flags().BoolVar(&flags.EnableIndexes, "enable-indexes", false, "enable full-text and similarity index observers")

	return cmd
}

func runSingle(cfg config.Single) error {
	nodeID := uuid.NewString()
	log := slog.Default().With("node_id", nodeID)

	var fullText *index.FullText
	var similarity *index.Similarity
	if cfg.EnableIndexes {
		fullText = index.NewFullText()
		similarity = index.NewSimilarity()
	}

	collector := metrics.NewCollector()
	go func() {
		if err := metrics.StartServer(":9090"); err != nil {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	engine, err := state.New(state.Config{
		WALPath:      filepath.Join(cfg.DataDir, "wal.log"),
		SnapshotPath: filepath.Join(cfg.DataDir, "snapshot.bin"),
		Observers:    observersOf(fullText, similarity),
		Metrics:      collector,
	})
	if err != nil {
		return fmt.Errorf("kvstore: open state engine: %w", err)
	}
	defer engine.Close()

	if err := engine.Recover(); err != nil {
		return fmt.Errorf("kvstore: recover state: %w", err)
	}

	coordinator := localmode.New(engine)

	srv, err := server.New(fmt.Sprintf(":%d", cfg.Port), server.Config{
		Engine:      engine,
		Coordinator: coordinator,
		NodeID:      nodeID,
		FullText:    fullText,
		Similarity:  similarity,
		IndexesOn:   cfg.EnableIndexes,
	})
	if err != nil {
		return fmt.Errorf("kvstore: start server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	log.Info("single-node kvstore started", "addr", srv.Addr().String(), "data_dir", cfg.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("server stopped unexpectedly", "error", err)
		}
	}

	cancel()
	srv.Close()

	if err := engine.Snapshot(); err != nil {
		log.Error("final snapshot failed", "error", err)
	}

	log.Info("single-node kvstore stopped")
	return nil
}

func observersOf(fullText *index.FullText, similarity *index.Similarity) []index.Observer {
	var out []index.Observer
	if fullText != nil {
		out = append(out, fullText)
	}
	if similarity != nil {
		out = append(out, similarity)
	}
	return out
}
