package main

import (
	"github.com/spf13/cobra"
)

// buildRootCommand assembles the kvstore root command and its three node
// subcommands, matching the CLI surface named in §6: single, cluster-node,
// leaderless-node.
func buildRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "kvstore",
		Short: "kvstore: a durable, replicated key-value store",
		Long: `kvstore is a networked key-value store with WAL-based durability,
count-based snapshotting, and a choice of replication mode:
single-node, primary/secondary (Raft-style elections and majority-ack
writes), or leaderless (best-effort fan-out with last-writer-wins merge).`,
		Version: "1.0.0",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "optional YAML config file")

	root.AddCommand(buildSingleCommand(&configPath))
	root.AddCommand(buildClusterNodeCommand(&configPath))
	root.AddCommand(buildLeaderlessNodeCommand(&configPath))

	return root
}
