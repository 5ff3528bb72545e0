// ============================================================================
// kvstore - CLI Entry Point
// ============================================================================
//
// Package: cmd/kvstore
// File: main.go
// Purpose: process entry point. All durability, replication, and protocol
// logic lives in internal/*; this binary only wires flags to those
// packages and handles OS signals.
// ============================================================================

package main

import (
	"fmt"
	"os"
)

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
