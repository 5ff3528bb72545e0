// ============================================================================
// Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: CLI-flags-plus-optional-YAML-file configuration for the three
// node modes: single, cluster-node, leaderless-node.
//
// File fields and flags cover the same ground; a loaded file only supplies
// values a flag left at its zero value, so flags always take precedence.
// ============================================================================

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Single is the configuration for `kvstore single`.
type Single struct {
	Port         int    `yaml:"port"`
	DataDir      string `yaml:"data_dir"`
	EnableIndexes bool   `yaml:"enable_indexes"`
}

// ClusterPeer describes one other node in a primary/secondary cluster.
type ClusterPeer struct {
	ReplAddr string `yaml:"repl_addr"`
	KVAddr   string `yaml:"kv_addr"`
}

// ClusterNode is the configuration for `kvstore cluster-node`.
type ClusterNode struct {
	NodeID              string   `yaml:"node_id"`
	KVPort              int      `yaml:"kv_port"`
	ReplPort            int      `yaml:"repl_port"`
	SecondaryReplPorts  []int    `yaml:"secondary_repl_ports"`
	OtherKVPorts        []int    `yaml:"other_kv_ports"`
	DataDir             string   `yaml:"data_dir"`
}

// LeaderlessNode is the configuration for `kvstore leaderless-node`.
type LeaderlessNode struct {
	NodeID         string `yaml:"node_id"`
	KVPort         int    `yaml:"kv_port"`
	ReplPort       int    `yaml:"repl_port"`
	PeerReplPorts  []int  `yaml:"peer_repl_ports"`
	DataDir        string `yaml:"data_dir"`
}

// fileConfig is the on-disk shape accepted by --config; every subcommand
// reads the same file and picks its own section out of it.
type fileConfig struct {
	Single         Single         `yaml:"single"`
	ClusterNode    ClusterNode    `yaml:"cluster_node"`
	LeaderlessNode LeaderlessNode `yaml:"leaderless_node"`
}

// loadFile reads and parses a YAML config file. A missing path is not an
// error: the caller falls back to flag defaults.
func loadFile(path string) (*fileConfig, error) {
	if path == "" {
		return &fileConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse YAML: %w", err)
	}
	return &cfg, nil
}

// MergeSingle overlays file values onto flag values, wherever the flag was
// left at its zero value.
func MergeSingle(flags Single, configPath string) (Single, error) {
	file, err := loadFile(configPath)
	if err != nil {
		return Single{}, err
	}
	merged := flags
	if merged.Port == 0 {
		merged.Port = file.Single.Port
	}
	if merged.DataDir == "" {
		merged.DataDir = file.Single.DataDir
	}
	if !merged.EnableIndexes {
		merged.EnableIndexes = file.Single.EnableIndexes
	}
	return merged, nil
}

// MergeClusterNode overlays file values onto flag values, wherever the flag
// was left at its zero value.
func MergeClusterNode(flags ClusterNode, configPath string) (ClusterNode, error) {
	file, err := loadFile(configPath)
	if err != nil {
		return ClusterNode{}, err
	}
	merged := flags
	if merged.NodeID == "" {
		merged.NodeID = file.ClusterNode.NodeID
	}
	if merged.KVPort == 0 {
		merged.KVPort = file.ClusterNode.KVPort
	}
	if merged.ReplPort == 0 {
		merged.ReplPort = file.ClusterNode.ReplPort
	}
	if len(merged.SecondaryReplPorts) == 0 {
		merged.SecondaryReplPorts = file.ClusterNode.SecondaryReplPorts
	}
	if len(merged.OtherKVPorts) == 0 {
		merged.OtherKVPorts = file.ClusterNode.OtherKVPorts
	}
	if merged.DataDir == "" {
		merged.DataDir = file.ClusterNode.DataDir
	}
	return merged, nil
}

// MergeLeaderlessNode overlays file values onto flag values, wherever the
// flag was left at its zero value.
func MergeLeaderlessNode(flags LeaderlessNode, configPath string) (LeaderlessNode, error) {
	file, err := loadFile(configPath)
	if err != nil {
		return LeaderlessNode{}, err
	}
	merged := flags
	if merged.NodeID == "" {
		merged.NodeID = file.LeaderlessNode.NodeID
	}
	if merged.KVPort == 0 {
		merged.KVPort = file.LeaderlessNode.KVPort
	}
	if merged.ReplPort == 0 {
		merged.ReplPort = file.LeaderlessNode.ReplPort
	}
	if len(merged.PeerReplPorts) == 0 {
		merged.PeerReplPorts = file.LeaderlessNode.PeerReplPorts
	}
	if merged.DataDir == "" {
		merged.DataDir = file.LeaderlessNode.DataDir
	}
	return merged, nil
}

// Validate reports whether a ClusterNode configuration has matching peer
// slice lengths, since secondary-repl-ports and other-kv-ports must name
// the same set of peers positionally.
func (c ClusterNode) Validate() error {
	if len(c.SecondaryReplPorts) != len(c.OtherKVPorts) {
		return fmt.Errorf("config: secondary-repl-ports (%d) and other-kv-ports (%d) must have the same length",
			len(c.SecondaryReplPorts), len(c.OtherKVPorts))
	}
	if c.NodeID == "" {
		return fmt.Errorf("config: node-id is required")
	}
	return nil
}

// Validate reports whether a LeaderlessNode configuration is usable.
func (c LeaderlessNode) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node-id is required")
	}
	return nil
}
