package state

// ============================================================================
// State Engine test file
// Purpose: verify apply/LWW resolution, BulkSet atomicity, recovery from
// snapshot+WAL, and index-observer fan-out.
// ============================================================================

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuliyu/kvraft/internal/index"
	"github.com/chuliyu/kvraft/pkg/kv"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := New(Config{
		WALPath:           filepath.Join(dir, "wal.log"),
		SnapshotPath:      filepath.Join(dir, "snap.bin"),
		WALBufferSize:     10,
		WALFlushInterval:  5 * time.Millisecond,
		SnapshotThreshold: SnapshotThreshold,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func strPtr(s string) *string { return &s }

func TestApplySetThenGet(t *testing.T) {
	e := newTestEngine(t)

	entry := kv.LogEntry{
		Kind:            kv.EntrySet,
		OriginNodeID:    "n1",
		OriginTimestamp: 100,
		Pairs:           []kv.Pair{{Key: "foo", Value: strPtr("bar")}},
	}
	durable, err := e.AppendDurable(entry)
	require.NoError(t, err)
	e.ApplyDurable(durable)

	rec, ok := e.Get("foo")
	require.True(t, ok)
	assert.Equal(t, "bar", rec.Value)
}

func TestLastWriterWinsByTimestamp(t *testing.T) {
	e := newTestEngine(t)

	older := kv.LogEntry{OriginNodeID: "n1", OriginTimestamp: 100, Pairs: []kv.Pair{{Key: "k", Value: strPtr("old")}}}
	newer := kv.LogEntry{OriginNodeID: "n1", OriginTimestamp: 200, Pairs: []kv.Pair{{Key: "k", Value: strPtr("new")}}}

	e.ApplyDurable(older)
	e.ApplyDurable(newer)
	e.ApplyDurable(older) // stale replay must not win

	rec, ok := e.Get("k")
	require.True(t, ok)
	assert.Equal(t, "new", rec.Value)
}

func TestLastWriterWinsTieBreaksOnOriginNodeID(t *testing.T) {
	e := newTestEngine(t)

	fromA := kv.LogEntry{OriginNodeID: "node-a", OriginTimestamp: 100, Pairs: []kv.Pair{{Key: "k", Value: strPtr("from-a")}}}
	fromB := kv.LogEntry{OriginNodeID: "node-b", OriginTimestamp: 100, Pairs: []kv.Pair{{Key: "k", Value: strPtr("from-b")}}}

	e.ApplyDurable(fromA)
	e.ApplyDurable(fromB)

	rec, ok := e.Get("k")
	require.True(t, ok)
	assert.Equal(t, "from-b", rec.Value) // "node-b" > "node-a" lexicographically
}

func TestDeleteMarksTombstoneAndHidesFromGet(t *testing.T) {
	e := newTestEngine(t)

	e.ApplyDurable(kv.LogEntry{OriginNodeID: "n1", OriginTimestamp: 100, Pairs: []kv.Pair{{Key: "k", Value: strPtr("v")}}})
	e.ApplyDurable(kv.LogEntry{Kind: kv.EntryDelete, OriginNodeID: "n1", OriginTimestamp: 200, Pairs: []kv.Pair{{Key: "k", Value: nil}}})

	_, ok := e.Get("k")
	assert.False(t, ok)
}

func TestBulkSetAppliesAllPairsTogether(t *testing.T) {
	e := newTestEngine(t)

	entry := kv.LogEntry{
		Kind:            kv.EntryBulkSet,
		OriginNodeID:    "n1",
		OriginTimestamp: 100,
		Pairs: []kv.Pair{
			{Key: "a", Value: strPtr("1")},
			{Key: "b", Value: strPtr("2")},
			{Key: "c", Value: strPtr("3")},
		},
	}
	durable, err := e.AppendDurable(entry)
	require.NoError(t, err)
	e.ApplyDurable(durable)

	for key, want := range map[string]string{"a": "1", "b": "2", "c": "3"} {
		rec, ok := e.Get(key)
		require.True(t, ok)
		assert.Equal(t, want, rec.Value)
	}
}

func TestRecoverReplaysWALAfterSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		WALPath:          filepath.Join(dir, "wal.log"),
		SnapshotPath:     filepath.Join(dir, "snap.bin"),
		WALBufferSize:    10,
		WALFlushInterval: 5 * time.Millisecond,
	}

	e1, err := New(cfg)
	require.NoError(t, err)

	durable, err := e1.AppendDurable(kv.LogEntry{OriginNodeID: "n1", OriginTimestamp: 100, Pairs: []kv.Pair{{Key: "k1", Value: strPtr("v1")}}})
	require.NoError(t, err)
	e1.ApplyDurable(durable)

	durable2, err := e1.AppendDurable(kv.LogEntry{OriginNodeID: "n1", OriginTimestamp: 200, Pairs: []kv.Pair{{Key: "k2", Value: strPtr("v2")}}})
	require.NoError(t, err)
	e1.ApplyDurable(durable2)
	require.NoError(t, e1.Close())

	e2, err := New(cfg)
	require.NoError(t, err)
	defer e2.Close()
	require.NoError(t, e2.Recover())

	rec1, ok := e2.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", rec1.Value)

	rec2, ok := e2.Get("k2")
	require.True(t, ok)
	assert.Equal(t, "v2", rec2.Value)
}

func TestEntriesAfterReturnsOnlyLaterEntries(t *testing.T) {
	e := newTestEngine(t)

	for i, ts := range []int64{100, 200, 300} {
		_, err := e.AppendDurable(kv.LogEntry{
			OriginNodeID:    "n1",
			OriginTimestamp: ts,
			Pairs:           []kv.Pair{{Key: fmt.Sprintf("k%d", i), Value: strPtr("v")}},
		})
		require.NoError(t, err)
	}

	entries, err := e.EntriesAfter(1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[0].Sequence)
	assert.Equal(t, uint64(3), entries[1].Sequence)

	entries, err = e.EntriesAfter(e.LastSeq())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type recordingObserver struct {
	applied []string
}

func (r *recordingObserver) Apply(key string, value *string) {
	r.applied = append(r.applied, key)
}

func TestApplyDurableNotifiesObserversInOrder(t *testing.T) {
	dir := t.TempDir()
	obs := &recordingObserver{}
	e, err := New(Config{
		WALPath:          filepath.Join(dir, "wal.log"),
		SnapshotPath:     filepath.Join(dir, "snap.bin"),
		WALBufferSize:    10,
		WALFlushInterval: 5 * time.Millisecond,
		Observers:        []index.Observer{obs},
	})
	require.NoError(t, err)
	defer e.Close()

	e.ApplyDurable(kv.LogEntry{OriginNodeID: "n1", OriginTimestamp: 100, Pairs: []kv.Pair{{Key: "a", Value: strPtr("1")}}})
	e.ApplyDurable(kv.LogEntry{OriginNodeID: "n1", OriginTimestamp: 101, Pairs: []kv.Pair{{Key: "b", Value: strPtr("2")}}})

	assert.Equal(t, []string{"a", "b"}, obs.applied)
}
