// ============================================================================
// Primary/Secondary Controller
// ============================================================================
//
// Package: internal/primarysecondary
// File: controller.go
// Purpose: role state machine (Primary/Secondary/Candidate) with terms,
// heartbeats, and elections (§4.7, §3 invariant 5, §8 scenario 4). Implements
// server.Coordinator so the KV server can route writes through it without
// knowing which replication mode is in effect.
//
// Election and heartbeat timers use the monotonic clock (time.Timer,
// time.Since) exclusively; wall-clock time is reserved for record
// timestamps in pkg/kv, never consulted here (§9 design note).
//
// One goroutine watches the election timer, one drives the heartbeat
// ticker, both guarded by a single mutex that is released before any
// remote wait (§5(b)).
// ============================================================================

package primarysecondary

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/chuliyu/kvraft/internal/protocol"
	"github.com/chuliyu/kvraft/internal/replication"
	"github.com/chuliyu/kvraft/internal/state"
	"github.com/chuliyu/kvraft/pkg/kv"
)

const (
	DefaultHeartbeatInterval   = 150 * time.Millisecond
	DefaultElectionTimeoutMin  = 800 * time.Millisecond
	DefaultElectionTimeoutMax  = 1600 * time.Millisecond
	DefaultMajorityWaitTimeout = 500 * time.Millisecond
)

// PeerConfig describes one other node in the cluster.
type PeerConfig struct {
	NodeID   string
	ReplAddr string
	KVAddr   string
}

// Metrics receives election events. internal/metrics.Collector satisfies
// this interface structurally; optional, like state.Metrics.
type Metrics interface {
	RecordTermChange()
	RecordVoteGranted()
	RecordBecomePrimary()
}

type noopMetrics struct{}

func (noopMetrics) RecordTermChange()    {}
func (noopMetrics) RecordVoteGranted()   {}
func (noopMetrics) RecordBecomePrimary() {}

// Config configures a Controller.
type Config struct {
	SelfID     string
	SelfKVAddr string
	Peers      []PeerConfig

	Engine    *state.Engine
	Transport *replication.Transport

	HeartbeatInterval   time.Duration
	ElectionTimeoutMin  time.Duration
	ElectionTimeoutMax  time.Duration
	MajorityWaitTimeout time.Duration

	Metrics Metrics
}

// Controller is the primary/secondary role state machine. It implements
// server.Coordinator.
type Controller struct {
	mu sync.Mutex

	selfID     string
	selfKVAddr string
	peers      map[string]PeerConfig
	clusterSize int

	engine    *state.Engine
	transport *replication.Transport

	heartbeatInterval   time.Duration
	electionTimeoutMin  time.Duration
	electionTimeoutMax  time.Duration
	majorityWaitTimeout time.Duration

	role               kv.Role
	term               uint64
	votedTerm          uint64
	votedFor           string
	knownPrimaryID     string
	knownPrimaryKVAddr string

	electionTimer   *time.Timer
	heartbeatTicker *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup

	rng *rand.Rand

	metrics Metrics
	log     *slog.Logger
}

// New constructs a Controller in the Secondary role with no known primary.
// Call Start to begin the election/heartbeat loops.
func New(cfg Config) *Controller {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	minT := cfg.ElectionTimeoutMin
	if minT <= 0 {
		minT = DefaultElectionTimeoutMin
	}
	maxT := cfg.ElectionTimeoutMax
	if maxT <= 0 {
		maxT = DefaultElectionTimeoutMax
	}
	majorityWait := cfg.MajorityWaitTimeout
	if majorityWait <= 0 {
		majorityWait = DefaultMajorityWaitTimeout
	}

	peers := make(map[string]PeerConfig, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers[p.NodeID] = p
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	c := &Controller{
		selfID:              cfg.SelfID,
		selfKVAddr:          cfg.SelfKVAddr,
		peers:               peers,
		clusterSize:         len(peers) + 1,
		engine:              cfg.Engine,
		transport:           cfg.Transport,
		heartbeatInterval:   heartbeat,
		electionTimeoutMin:  minT,
		electionTimeoutMax:  maxT,
		majorityWaitTimeout: majorityWait,
		role:                kv.RoleSecondary,
		stopCh:              make(chan struct{}),
		rng:                 rand.New(rand.NewSource(time.Now().UnixNano())),
		metrics:             metrics,
		log:                 slog.With("component", "primarysecondary", "node_id", cfg.SelfID),
	}
	c.electionTimer = time.NewTimer(c.randomElectionTimeout())
	c.heartbeatTicker = time.NewTicker(heartbeat)
	return c
}

func (c *Controller) majority() int {
	return c.clusterSize/2 + 1
}

func (c *Controller) randomElectionTimeout() time.Duration {
	span := c.electionTimeoutMax - c.electionTimeoutMin
	if span <= 0 {
		return c.electionTimeoutMin
	}
	return c.electionTimeoutMin + time.Duration(c.rng.Int63n(int64(span)))
}

// Start launches the election and heartbeat loops.
func (c *Controller) Start() {
	c.wg.Add(2)
	go c.runElectionLoop()
	go c.runHeartbeatLoop()
}

// Stop halts both loops.
func (c *Controller) Stop() {
	close(c.stopCh)
	c.electionTimer.Stop()
	c.heartbeatTicker.Stop()
	c.wg.Wait()
}

func (c *Controller) runElectionLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.electionTimer.C:
			c.mu.Lock()
			if c.role != kv.RolePrimary {
				c.startElectionLocked()
			}
			c.resetElectionTimerLocked()
			c.mu.Unlock()
		}
	}
}

func (c *Controller) runHeartbeatLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.heartbeatTicker.C:
			c.mu.Lock()
			isPrimary := c.role == kv.RolePrimary
			c.mu.Unlock()
			if isPrimary {
				c.broadcastHeartbeats()
			}
		}
	}
}

func (c *Controller) resetElectionTimerLocked() {
	if !c.electionTimer.Stop() {
		select {
		case <-c.electionTimer.C:
		default:
		}
	}
	c.electionTimer.Reset(c.randomElectionTimeout())
}

// stepDownLocked reverts to Secondary under a higher observed term.
func (c *Controller) stepDownLocked(term uint64) {
	c.role = kv.RoleSecondary
	c.term = term
	c.votedFor = ""
	c.metrics.RecordTermChange()
	c.resetElectionTimerLocked()
}

func (c *Controller) becomePrimaryLocked() {
	c.role = kv.RolePrimary
	c.knownPrimaryID = c.selfID
	c.knownPrimaryKVAddr = c.selfKVAddr
	c.metrics.RecordBecomePrimary()
	c.log.Info("became primary", "term", c.term)
}

// startElectionLocked transitions to Candidate, increments the term, votes
// for self, and fans out RequestVote to every peer. Caller holds c.mu; the
// actual network calls happen in goroutines after releasing it.
func (c *Controller) startElectionLocked() {
	c.role = kv.RoleCandidate
	c.term++
	c.votedFor = c.selfID
	c.votedTerm = c.term
	electionTerm := c.term
	c.metrics.RecordTermChange()
	lastSeq := c.engine.LastSeq()
	c.log.Info("starting election", "term", electionTerm)

	votes := 1
	var votesMu sync.Mutex

	for peerID := range c.peers {
		go func(peerID string) {
			ctx, cancel := context.WithTimeout(context.Background(), c.electionTimeoutMin/2)
			defer cancel()
			reply, err := c.transport.Call(ctx, peerID, protocol.ReplMessage{
				Type:        protocol.MsgRequestVote,
				Term:        electionTerm,
				CandidateID: c.selfID,
				LastSeq:     lastSeq,
			})
			if err != nil {
				return
			}

			c.mu.Lock()
			defer c.mu.Unlock()
			if reply.Term > c.term {
				c.stepDownLocked(reply.Term)
				return
			}
			if c.role != kv.RoleCandidate || c.term != electionTerm {
				return
			}
			if !reply.Granted {
				return
			}

			votesMu.Lock()
			votes++
			n := votes
			votesMu.Unlock()

			if n >= c.majority() {
				c.becomePrimaryLocked()
				go c.broadcastHeartbeats()
			}
		}(peerID)
	}
}

func (c *Controller) broadcastHeartbeats() {
	c.mu.Lock()
	term := c.term
	selfID := c.selfID
	c.mu.Unlock()

	for peerID := range c.peers {
		go func(peerID string) {
			ctx, cancel := context.WithTimeout(context.Background(), c.heartbeatInterval)
			defer cancel()
			reply, err := c.transport.Call(ctx, peerID, protocol.ReplMessage{
				Type:      protocol.MsgHeartbeat,
				Term:      term,
				PrimaryID: selfID,
				LastSeq:   c.engine.LastSeq(),
			})
			if err != nil {
				return
			}
			if reply.Term > term {
				c.mu.Lock()
				if reply.Term > c.term {
					c.stepDownLocked(reply.Term)
				}
				c.mu.Unlock()
				return
			}
			if reply.LastSeq < c.engine.LastSeq() {
				c.replayGapTo(peerID, reply.LastSeq, term)
			}
		}(peerID)
	}
}

// replayGapTo resends entries the peer is missing, per the heartbeat_ack
// round trip's gap detection: the peer's LastSeq trails the primary's, so
// the primary reads every WAL entry after peerLastSeq and re-sends each one
// as an AppendEntry, in order, over the same persistent connection used for
// heartbeats and writes.
func (c *Controller) replayGapTo(peerID string, peerLastSeq uint64, term uint64) {
	entries, err := c.engine.EntriesAfter(peerLastSeq)
	if err != nil {
		c.log.Error("gap-fill replay: read WAL", "peer", peerID, "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	c.log.Warn("peer lagging behind primary, resending missing entries",
		"peer", peerID, "peer_last_seq", peerLastSeq, "primary_last_seq", c.engine.LastSeq(), "count", len(entries))

	for _, entry := range entries {
		ctx, cancel := context.WithTimeout(context.Background(), c.majorityWaitTimeout)
		reply, err := c.transport.Call(ctx, peerID, protocol.ReplMessage{
			Type:  protocol.MsgAppendEntry,
			Term:  term,
			Entry: entry,
		})
		cancel()
		if err != nil {
			c.log.Warn("gap-fill replay: send entry failed, aborting", "peer", peerID, "seq", entry.Sequence, "error", err)
			return
		}
		if reply.Term > term {
			c.mu.Lock()
			if reply.Term > c.term {
				c.stepDownLocked(reply.Term)
			}
			c.mu.Unlock()
			return
		}
		if !reply.Ack {
			c.log.Warn("gap-fill replay: peer rejected entry, aborting", "peer", peerID, "seq", entry.Sequence)
			return
		}
	}
}

// Write implements server.Coordinator. Only the Primary accepts writes; it
// WAL-appends locally, releases the lock, fans out AppendEntry to peers in
// parallel, and waits for a strict majority of acks (including itself)
// before applying and acking the client.
func (c *Controller) Write(ctx context.Context, entry kv.LogEntry) error {
	c.mu.Lock()
	if c.role != kv.RolePrimary {
		hint := c.knownPrimaryKVAddr
		c.mu.Unlock()
		return kv.NewErrorWithHint(kv.NotPrimary, "not primary", hint)
	}
	term := c.term
	peerIDs := make([]string, 0, len(c.peers))
	for id := range c.peers {
		peerIDs = append(peerIDs, id)
	}
	c.mu.Unlock()

	durable, err := c.engine.AppendDurable(entry)
	if err != nil {
		return kv.NewError(kv.IO, err.Error())
	}

	acks := 1 // self
	ackCh := make(chan bool, len(peerIDs))

	waitCtx, cancel := context.WithTimeout(ctx, c.majorityWaitTimeout)
	defer cancel()

	for _, peerID := range peerIDs {
		go func(peerID string) {
			reply, err := c.transport.Call(waitCtx, peerID, protocol.ReplMessage{
				Type:  protocol.MsgAppendEntry,
				Term:  term,
				Entry: durable,
			})
			if err != nil {
				ackCh <- false
				return
			}
			if reply.Term > term {
				c.mu.Lock()
				if reply.Term > c.term {
					c.stepDownLocked(reply.Term)
				}
				c.mu.Unlock()
				ackCh <- false
				return
			}
			ackCh <- reply.Ack
		}(peerID)
	}

	needed := c.majority()
	if acks >= needed {
		c.engine.ApplyDurable(durable)
		return nil
	}

	for i := 0; i < len(peerIDs); i++ {
		select {
		case granted := <-ackCh:
			if granted {
				acks++
			}
			if acks >= needed {
				c.mu.Lock()
				stillPrimary := c.role == kv.RolePrimary && c.term == term
				c.mu.Unlock()
				if !stillPrimary {
					return kv.NewError(kv.Unavailable, "stepped down during write")
				}
				c.engine.ApplyDurable(durable)
				return nil
			}
		case <-waitCtx.Done():
			return kv.NewError(kv.Unavailable, "majority ack timeout")
		}
	}

	return kv.NewError(kv.Unavailable, "majority ack timeout")
}

// RoleHint implements server.Coordinator.
func (c *Controller) RoleHint() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role == kv.RolePrimary {
		return true, ""
	}
	return false, c.knownPrimaryKVAddr
}

// HandleReplMessage is registered as the replication.Transport's inbound
// Handler. It implements the receiving side of heartbeats, AppendEntry, and
// RequestVote.
func (c *Controller) HandleReplMessage(from string, msg protocol.ReplMessage) protocol.ReplMessage {
	switch msg.Type {
	case protocol.MsgHeartbeat:
		return c.handleHeartbeat(msg)
	case protocol.MsgAppendEntry:
		return c.handleAppendEntry(msg)
	case protocol.MsgRequestVote:
		return c.handleRequestVote(msg)
	default:
		return protocol.ReplMessage{Type: msg.Type, Term: c.currentTerm()}
	}
}

func (c *Controller) currentTerm() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.term
}

func (c *Controller) handleHeartbeat(msg protocol.ReplMessage) protocol.ReplMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Term < c.term {
		return protocol.ReplMessage{Type: protocol.MsgHeartbeatAck, Term: c.term, Ack: false}
	}
	if msg.Term > c.term {
		c.term = msg.Term
		c.role = kv.RoleSecondary
		c.votedFor = ""
		c.metrics.RecordTermChange()
	} else if c.role != kv.RoleSecondary {
		c.role = kv.RoleSecondary
		c.votedFor = ""
	}
	c.knownPrimaryID = msg.PrimaryID
	c.resetElectionTimerLocked()

	return protocol.ReplMessage{
		Type:    protocol.MsgHeartbeatAck,
		Term:    c.term,
		Ack:     true,
		LastSeq: c.engine.LastSeq(),
	}
}

func (c *Controller) handleAppendEntry(msg protocol.ReplMessage) protocol.ReplMessage {
	c.mu.Lock()
	if msg.Term < c.term {
		c.mu.Unlock()
		return protocol.ReplMessage{Type: protocol.MsgAppendEntry, Term: c.term, Ack: false}
	}
	if msg.Term > c.term {
		c.term = msg.Term
		c.role = kv.RoleSecondary
		c.votedFor = ""
		c.metrics.RecordTermChange()
	}
	c.resetElectionTimerLocked()
	term := c.term
	c.mu.Unlock()

	durable, err := c.engine.AppendDurable(msg.Entry)
	if err != nil {
		return protocol.ReplMessage{Type: protocol.MsgAppendEntry, Term: term, Ack: false}
	}
	c.engine.ApplyDurable(durable)

	return protocol.ReplMessage{
		Type:    protocol.MsgAppendEntry,
		Term:    term,
		Ack:     true,
		LastSeq: c.engine.LastSeq(),
	}
}

func (c *Controller) handleRequestVote(msg protocol.ReplMessage) protocol.ReplMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Term < c.term {
		return protocol.ReplMessage{Type: protocol.MsgVote, Term: c.term, Granted: false}
	}
	if msg.Term > c.term {
		c.term = msg.Term
		c.role = kv.RoleSecondary
		c.votedFor = ""
		c.metrics.RecordTermChange()
	}

	alreadyVoted := c.votedTerm == c.term && c.votedFor != "" && c.votedFor != msg.CandidateID
	candidateUpToDate := msg.LastSeq >= c.engine.LastSeq()

	if !alreadyVoted && candidateUpToDate {
		c.votedFor = msg.CandidateID
		c.votedTerm = c.term
		c.metrics.RecordVoteGranted()
		c.resetElectionTimerLocked()
		return protocol.ReplMessage{Type: protocol.MsgVote, Term: c.term, Granted: true}
	}
	return protocol.ReplMessage{Type: protocol.MsgVote, Term: c.term, Granted: false}
}

// State returns the observable role snapshot for status reporting.
func (c *Controller) State() kv.RoleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return kv.RoleState{
		Role:         c.role,
		Term:         c.term,
		KnownPrimary: c.knownPrimaryID,
	}
}
