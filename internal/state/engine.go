// ============================================================================
// State Engine
// ============================================================================
//
// Package: internal/state
// File: engine.go
// Purpose: in-memory key-value map backed by the WAL and snapshot store,
// with last-writer-wins conflict resolution and index-observer fan-out.
//
// Recovery Flow:
//
//	┌─────────────┐
//	│ 1. Load     │ → snapshot store: full map + seq it covers
//	│    Snapshot │
//	└─────────────┘
//	       ↓
//	┌─────────────┐
//	│ 2. Replay   │ → WAL entries with seq > snapshot seq
//	│    WAL      │
//	└─────────────┘
//	       ↓
//	┌─────────────┐
//	│ 3. Serve    │
//	└─────────────┘
//
// Apply is split into AppendDurable (WAL only) and ApplyDurable (mutate map,
// notify observers, maybe snapshot) so that a replication controller can
// interpose a majority-ack wait between the two: durable-but-not-yet-visible
// is a valid intermediate state for a primary waiting on secondaries.
// ============================================================================

package state

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/chuliyu/kvraft/internal/index"
	"github.com/chuliyu/kvraft/internal/storage/snapshot"
	"github.com/chuliyu/kvraft/internal/storage/wal"
	"github.com/chuliyu/kvraft/pkg/kv"
)

var log = slog.Default()

// SnapshotThreshold is the default number of applied entries between
// automatic snapshots, the count-based policy named in §4.3.
const SnapshotThreshold = 1000

// Metrics receives durability events. internal/metrics.Collector satisfies
// this interface structurally; it is optional so tests and single-node
// callers that don't care about observability can leave it nil.
type Metrics interface {
	RecordWALAppend(latencySeconds float64)
	RecordSnapshotWrite()
	RecordSnapshotSkipped()
}

// Config configures an Engine.
type Config struct {
	WALPath           string
	SnapshotPath      string
	WALBufferSize     int
	WALFlushInterval  time.Duration
	SnapshotThreshold int
	Observers         []index.Observer
	Metrics           Metrics
}

// Engine is the durable, concurrent key-value state machine.
type Engine struct {
	data *xsync.MapOf[string, kv.Record]

	wal      *wal.WAL
	snapshot *snapshot.Store

	snapshotThreshold int
	appliedSinceSnap  int64 // atomic

	observers []index.Observer
	metrics   Metrics
}

// New opens the WAL and snapshot store at the configured paths and returns
// an Engine ready for Recover.
func New(cfg Config) (*Engine, error) {
	w, err := wal.NewWAL(cfg.WALPath, cfg.WALBufferSize, cfg.WALFlushInterval)
	if err != nil {
		return nil, fmt.Errorf("state: open WAL: %w", err)
	}

	threshold := cfg.SnapshotThreshold
	if threshold <= 0 {
		threshold = SnapshotThreshold
	}

	return &Engine{
		data:              xsync.NewMapOf[string, kv.Record](),
		wal:               w,
		snapshot:          snapshot.NewStore(cfg.SnapshotPath),
		snapshotThreshold: threshold,
		observers:         cfg.Observers,
		metrics:           cfg.Metrics,
	}, nil
}

// Recover loads the latest snapshot, then replays every WAL entry after the
// snapshot's sequence, rebuilding the in-memory map and every index observer
// from scratch.
func (e *Engine) Recover() error {
	records, seq, err := e.snapshot.Load()
	if err != nil {
		return fmt.Errorf("state: load snapshot: %w", err)
	}

	for key, rec := range records {
		e.data.Store(key, rec)
	}

	replayed := 0
	err = e.wal.Replay(seq, func(entry kv.LogEntry) error {
		e.applyEntryLocked(entry)
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("state: replay WAL: %w", err)
	}

	e.data.Range(func(key string, rec kv.Record) bool {
		e.notifyObservers(rec)
		return true
	})

	log.Info("state recovered", "snapshot_seq", seq, "replayed_entries", replayed, "keys", e.data.Size())
	return nil
}

// AppendDurable assigns the entry a sequence number and durably writes it to
// the WAL, without applying it to the map yet.
func (e *Engine) AppendDurable(entry kv.LogEntry) (kv.LogEntry, error) {
	start := time.Now()
	seq, err := e.wal.Append(entry)
	if err != nil {
		return entry, &kv.Error{Kind: kv.IO, Message: err.Error()}
	}
	if e.metrics != nil {
		e.metrics.RecordWALAppend(time.Since(start).Seconds())
	}
	entry.Sequence = seq
	return entry, nil
}

// ApplyDurable applies an already-durable entry to the in-memory map under
// the last-writer-wins rule, notifies index observers, and triggers a
// snapshot if the count-based policy is due.
func (e *Engine) ApplyDurable(entry kv.LogEntry) {
	e.applyEntryLocked(entry)
	if atomic.AddInt64(&e.appliedSinceSnap, 1) >= int64(e.snapshotThreshold) {
		if err := e.snapshotIfDue(); err != nil {
			log.Error("snapshot failed", "error", err)
		}
	}
}

// applyEntryLocked applies entry's pairs to the map; "locked" names the
// logical invariant (apply happens under the single-writer serialization
// upheld by the caller), not a mutex — the map itself is lock-free.
func (e *Engine) applyEntryLocked(entry kv.LogEntry) {
	for _, pair := range entry.Pairs {
		candidate := kv.Record{
			Key:          pair.Key,
			Timestamp:    entry.OriginTimestamp,
			OriginNodeID: entry.OriginNodeID,
		}
		if pair.Value != nil {
			candidate.Value = *pair.Value
		} else {
			candidate.Tombstone = true
		}

		applied := false
		e.data.Compute(pair.Key, func(old kv.Record, loaded bool) (kv.Record, bool) {
			if loaded && !old.Less(candidate) {
				// old is newer, or an exact (timestamp, origin) replay of the
				// same write: keep what's there.
				return old, false
			}
			applied = true
			return candidate, false
		})

		if applied {
			e.notifyObservers(candidate)
		}
	}
}

func (e *Engine) notifyObservers(rec kv.Record) {
	var value *string
	if !rec.Tombstone {
		v := rec.Value
		value = &v
	}
	for _, obs := range e.observers {
		obs.Apply(rec.Key, value)
	}
}

// Get reads the current record for key without going through the
// single-writer path — the map is safe for unsynchronized concurrent reads.
func (e *Engine) Get(key string) (kv.Record, bool) {
	rec, ok := e.data.Load(key)
	if !ok || rec.Tombstone {
		return kv.Record{}, false
	}
	return rec, true
}

// snapshotIfDue takes a full snapshot and truncates the WAL up to the
// sequence it covers, resetting the applied-since-snapshot counter.
func (e *Engine) snapshotIfDue() error {
	records := make(map[string]kv.Record)
	var seq uint64
	e.data.Range(func(key string, rec kv.Record) bool {
		records[key] = rec
		return true
	})
	seq = e.wal.GetLastSeq()

	if err := e.snapshot.Write(records, seq); err != nil {
		if e.metrics != nil && errors.Is(err, snapshot.ErrSimulatedFailure) {
			e.metrics.RecordSnapshotSkipped()
		}
		return fmt.Errorf("state: write snapshot: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RecordSnapshotWrite()
	}
	if err := e.wal.TruncateThrough(seq); err != nil {
		return fmt.Errorf("state: truncate WAL: %w", err)
	}
	atomic.StoreInt64(&e.appliedSinceSnap, 0)
	return nil
}

// Snapshot forces an immediate snapshot regardless of the count-based
// threshold, for use on graceful shutdown (§4.3's second snapshot trigger).
func (e *Engine) Snapshot() error {
	return e.snapshotIfDue()
}

// LastSeq returns the most recently assigned WAL sequence number.
func (e *Engine) LastSeq() uint64 {
	return e.wal.GetLastSeq()
}

// EntriesAfter returns every WAL entry with sequence greater than afterSeq,
// in order, without touching the in-memory map. A replication controller
// uses this to resend the entries a lagging peer is missing.
func (e *Engine) EntriesAfter(afterSeq uint64) ([]kv.LogEntry, error) {
	var entries []kv.LogEntry
	err := e.wal.Replay(afterSeq, func(entry kv.LogEntry) error {
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("state: replay WAL: %w", err)
	}
	return entries, nil
}

// Close flushes and closes the underlying WAL.
func (e *Engine) Close() error {
	return e.wal.Close()
}
