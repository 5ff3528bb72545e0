// ============================================================================
// Snapshot Store - point-in-time state persistence
// ============================================================================
//
// Package: internal/storage/snapshot
// File: snapshot.go
// Purpose: periodic full-state saves that bound WAL replay time on recovery.
//
// Recovery uses snapshot + WAL together:
//
//	Timeline:
//	├─ Snapshot 1 (seq 0)
//	├─ WAL entry 1, 2, 3
//	├─ Snapshot 2 (seq 3)   ← latest snapshot
//	├─ WAL entry 4, 5       ← only these need replay
//
// On-disk envelope (§6): u64 seq | u32 crc32 | serialized map, written via
// write-temp-then-rename for atomicity:
//  1. Write the full envelope to path+".tmp"
//  2. fsync the temp file
//  3. os.Rename(tmp, path) — atomic on POSIX filesystems
//  4. fsync the containing directory, so the rename itself survives a crash
//
// simulate_fail is a debug fault (disabled by default) that aborts Write
// after step 1 but before the rename, so callers can exercise the "crash
// mid-snapshot" recovery path in tests without a real crash.
//
// A missing or corrupt snapshot file (truncated header, bad checksum,
// undecodable payload) is treated as no snapshot at all: Load returns an
// empty map and seq 0, so recovery falls back to replaying the WAL from
// the beginning instead of failing.
// ============================================================================

package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/chuliyu/kvraft/pkg/kv"
)

// ErrSimulatedFailure is returned when the simulate_fail fault fires,
// letting callers (e.g. metrics) distinguish a deliberately injected
// fault from a genuine I/O error.
var ErrSimulatedFailure = errors.New("snapshot: simulated failure before rename")

const envelopeHeaderSize = 8 + 4 // u64 seq | u32 crc32

// Store persists and loads full-state snapshots.
type Store struct {
	path string
	mu   sync.Mutex

	// SimulateFail, when true, makes the next Write call fail with
	// probability FailProbability after the temp file is durably written but
	// before the atomic rename — reproducing a crash between steps 2 and 3
	// above. The switch disarms itself after that one call, whether or not
	// the fault fired.
	SimulateFail    bool
	FailProbability float64
}

// NewStore creates a snapshot store rooted at path.
func NewStore(path string) *Store {
	return &Store{path: path, FailProbability: 0.5}
}

// Write atomically persists records and seq as the new snapshot, replacing
// whatever was there before.
func (s *Store) Write(records map[string]kv.Record, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("snapshot: marshal records: %w", err)
	}

	envelope := make([]byte, envelopeHeaderSize+len(payload))
	binary.BigEndian.PutUint64(envelope[0:8], seq)
	binary.BigEndian.PutUint32(envelope[8:12], crc32Of(payload))
	copy(envelope[envelopeHeaderSize:], payload)

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("snapshot: create directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("snapshot: open temp file: %w", err)
	}
	if _, err := tmpFile.Write(envelope); err != nil {
		tmpFile.Close()
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("snapshot: sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("snapshot: close temp file: %w", err)
	}

	if s.shouldSimulateFail() {
		return ErrSimulatedFailure
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename temp file: %w", err)
	}

	if err := syncDir(dir); err != nil {
		return fmt.Errorf("snapshot: sync directory: %w", err)
	}

	return nil
}

func (s *Store) shouldSimulateFail() bool {
	if !s.SimulateFail {
		return false
	}
	fire := rand.Float64() < s.FailProbability
	s.SimulateFail = false
	return fire
}

// syncDir fsyncs a directory so a preceding rename within it is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Load reads the current snapshot. A missing file is not an error: it
// returns an empty map and seq 0, the correct starting state for a node
// that has never taken a snapshot. A corrupt file (truncated header,
// checksum mismatch, or undecodable payload) is treated the same way —
// as absent — so recovery falls back to replaying the WAL from the
// beginning instead of failing hard.
func (s *Store) Load() (map[string]kv.Record, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	envelope, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]kv.Record), 0, nil
		}
		return nil, 0, fmt.Errorf("snapshot: read file: %w", err)
	}

	if len(envelope) < envelopeHeaderSize {
		return make(map[string]kv.Record), 0, nil
	}

	seq := binary.BigEndian.Uint64(envelope[0:8])
	wantCRC := binary.BigEndian.Uint32(envelope[8:12])
	payload := envelope[envelopeHeaderSize:]

	if crc32Of(payload) != wantCRC {
		return make(map[string]kv.Record), 0, nil
	}

	records := make(map[string]kv.Record)
	if err := json.Unmarshal(payload, &records); err != nil {
		return make(map[string]kv.Record), 0, nil
	}

	return records, seq, nil
}

// Exists reports whether a snapshot file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the snapshot file path.
func (s *Store) Path() string {
	return s.path
}
