// ============================================================================
// Local-mode Controller
// ============================================================================
//
// Package: internal/localmode
// File: controller.go
// Purpose: the `single` subcommand's Coordinator — a single-node node has no
// peers to replicate to, so a write is just WAL-append then apply, with no
// majority wait and no fan-out. This is the trivial third implementation of
// server.Coordinator alongside internal/primarysecondary and
// internal/leaderless (§4.5's mode-specific write path).
// ============================================================================

package localmode

import (
	"context"

	"github.com/chuliyu/kvraft/internal/state"
	"github.com/chuliyu/kvraft/pkg/kv"
)

// Controller commits writes directly to the state engine with no
// replication. It implements server.Coordinator.
type Controller struct {
	engine *state.Engine
}

// New constructs a Controller bound to engine.
func New(engine *state.Engine) *Controller {
	return &Controller{engine: engine}
}

// Write implements server.Coordinator.
func (c *Controller) Write(ctx context.Context, entry kv.LogEntry) error {
	durable, err := c.engine.AppendDurable(entry)
	if err != nil {
		return kv.NewError(kv.IO, err.Error())
	}
	c.engine.ApplyDurable(durable)
	return nil
}

// RoleHint implements server.Coordinator: a single node always accepts
// writes.
func (c *Controller) RoleHint() (bool, string) {
	return true, ""
}
