// ============================================================================
// Leaderless Controller
// ============================================================================
//
// Package: internal/leaderless
// File: controller.go
// Purpose: every node accepts writes; replication is best-effort fan-out
// with bounded per-peer queues and LWW merge on receipt (§4.8, §3 invariant
// 3, §8 scenario 5). Implements server.Coordinator, always reporting itself
// as primary since "every node accepts writes".
//
// Fan-out shape is grounded on distributed-kvstore's Replicator: write
// locally first, then fan the entry out to peers in parallel goroutines —
// but without its quorum bookkeeping, since the client is acked purely on
// local durability (no peer ack is awaited).
// ============================================================================

package leaderless

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chuliyu/kvraft/internal/protocol"
	"github.com/chuliyu/kvraft/internal/replication"
	"github.com/chuliyu/kvraft/internal/state"
	"github.com/chuliyu/kvraft/pkg/kv"
)

// DefaultQueueDepth is the default bound on a peer's outbound queue before
// the oldest queued entry is dropped in favor of the newest (§4.8.4).
const DefaultQueueDepth = 10_000

// DropCounter is notified every time a queued entry is dropped for
// overflow, so internal/metrics can expose `replication_lag_dropped`.
type DropCounter interface {
	IncDropped(peerID string)
}

type noopDropCounter struct{}

func (noopDropCounter) IncDropped(string) {}

// Config configures a Controller.
type Config struct {
	SelfID    string
	PeerIDs   []string
	Engine    *state.Engine
	Transport *replication.Transport
	QueueDepth int
	Metrics    DropCounter
}

// Controller is the leaderless replication coordinator. It implements
// server.Coordinator.
type Controller struct {
	selfID    string
	engine    *state.Engine
	transport *replication.Transport
	metrics   DropCounter

	queueDepth int
	queues     map[string]chan kv.LogEntry

	stopCh chan struct{}
	wg     sync.WaitGroup

	log *slog.Logger
}

// New constructs a Controller with one bounded outbound queue and one
// dedicated sender goroutine per peer.
func New(cfg Config) *Controller {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopDropCounter{}
	}

	c := &Controller{
		selfID:     cfg.SelfID,
		engine:     cfg.Engine,
		transport:  cfg.Transport,
		metrics:    metrics,
		queueDepth: depth,
		queues:     make(map[string]chan kv.LogEntry, len(cfg.PeerIDs)),
		stopCh:     make(chan struct{}),
		log:        slog.With("component", "leaderless", "node_id", cfg.SelfID),
	}
	for _, peerID := range cfg.PeerIDs {
		c.queues[peerID] = make(chan kv.LogEntry, depth)
	}
	return c
}

// Start launches one sender goroutine per peer.
func (c *Controller) Start() {
	for peerID, queue := range c.queues {
		c.wg.Add(1)
		go c.runSender(peerID, queue)
	}
}

// Stop halts every sender goroutine.
func (c *Controller) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Write implements server.Coordinator: WAL-append and apply locally under
// LWW rules, then enqueue a best-effort fan-out to every peer. The client
// is acked after local durability and apply; peer delivery is asynchronous.
func (c *Controller) Write(ctx context.Context, entry kv.LogEntry) error {
	durable, err := c.engine.AppendDurable(entry)
	if err != nil {
		return kv.NewError(kv.IO, err.Error())
	}
	c.engine.ApplyDurable(durable)
	c.enqueue(durable)
	return nil
}

// RoleHint implements server.Coordinator: every node always accepts writes.
func (c *Controller) RoleHint() (bool, string) {
	return true, ""
}

// enqueue offers entry to every peer's outbound queue, dropping the oldest
// queued entry in favor of the newest on overflow (§4.8.4).
func (c *Controller) enqueue(entry kv.LogEntry) {
	for peerID, queue := range c.queues {
		select {
		case queue <- entry:
		default:
			select {
			case <-queue:
				c.metrics.IncDropped(peerID)
				c.log.Warn("replication_lag_dropped", "peer", peerID, "seq", entry.Sequence)
			default:
			}
			select {
			case queue <- entry:
			default:
				// Another sender drained concurrently and refilled first;
				// this entry is simply skipped for this peer this round.
			}
		}
	}
}

// runSender drains queue and best-effort delivers each entry to peerID,
// relying on internal/replication's own backoff for transient failures.
func (c *Controller) runSender(peerID string, queue chan kv.LogEntry) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case entry := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, err := c.transport.Call(ctx, peerID, protocol.ReplMessage{
				Type:  protocol.MsgAppendEntry,
				Entry: entry,
			})
			cancel()
			if err != nil {
				c.log.Debug("replication send failed", "peer", peerID, "seq", entry.Sequence, "err", err)
			}
		}
	}
}

// HandleReplMessage is registered as the replication.Transport's inbound
// Handler. Every received AppendEntry is first appended to this node's own
// WAL under a fresh local sequence number, then applied under LWW via the
// shared state engine's Compute-based conflict rule (§3 invariant 3: LWW
// governs both replay ordering and leaderless merges).
func (c *Controller) HandleReplMessage(from string, msg protocol.ReplMessage) protocol.ReplMessage {
	if msg.Type != protocol.MsgAppendEntry {
		return protocol.ReplMessage{Type: msg.Type, Ack: false}
	}

	durable, err := c.engine.AppendDurable(msg.Entry)
	if err != nil {
		return protocol.ReplMessage{Type: protocol.MsgAppendEntry, Ack: false}
	}
	c.engine.ApplyDurable(durable)

	return protocol.ReplMessage{Type: protocol.MsgAppendEntry, Ack: true, LastSeq: c.engine.LastSeq()}
}
