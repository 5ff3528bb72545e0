// ============================================================================
// Write-Ahead Log Implementation
// ============================================================================
//
// Package: internal/storage/wal
// File: wal.go
// Purpose: durable append-only log of kv.LogEntry records, with async
// batch-commit writes and crash-consistent replay.
//
// WAL Concept:
//   1. Before any state modification, append the entry to the WAL.
//   2. Only apply the entry to in-memory state after the append is durable.
//   3. Recover state by replaying the WAL (after the last snapshot) on
//      startup.
//
// On-disk Frame Layout (§6):
//   u32 length | u64 seq | u32 crc32 | payload bytes
//   length and crc32 cover payload only. payload is the goccy/go-json
//   encoding of a kv.LogEntry.
//
// Batch Write Optimization:
//   Concurrent Append() calls are coalesced by a background batch writer:
//   events accumulate until bufferSize is reached or flushInterval elapses,
//   then the whole batch is written and fsync'd once. This trades a small
//   amount of added latency for a large reduction in fsync calls under
//   concurrent load.
//
// Data Integrity:
//   - Each frame carries its own CRC32 checksum.
//   - Replay stops cleanly (without error) at the first short read or
//     checksum mismatch — a torn write at the tail, the only form of
//     corruption a crash can produce when appends are append-only.
// ============================================================================

package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/chuliyu/kvraft/pkg/kv"
)

// FileInterface defines the methods required for file operations; allows
// mocking file operations in tests.
type FileInterface interface {
	io.Writer
	Sync() error
	Close() error
}

// batchRequest is a single pending Append, queued for the batch writer.
type batchRequest struct {
	entry kv.LogEntry
	frame []byte
	resCh chan appendResult
}

type appendResult struct {
	seq uint64
	err error
}

// WAL is a durable, append-only log of kv.LogEntry records.
type WAL struct {
	mu   sync.Mutex
	file FileInterface
	path string
	seq  uint64

	batchChan     chan batchRequest
	bufferSize    int
	flushInterval time.Duration
	closeCh       chan struct{}
	wg            sync.WaitGroup
	closed        bool
}

// NewWAL opens (or creates) the WAL at path and starts its background batch
// writer.
//
//   - bufferSize: max entries coalesced into one fsync (default 100)
//   - flushInterval: max time a partial batch waits before flushing (default 10ms)
func NewWAL(path string, bufferSize int, flushInterval time.Duration) (*WAL, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open file: %w", err)
	}

	seq, err := lastSeq(path)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: scan for last seq: %w", err)
	}

	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}

	w := &WAL{
		file:          file,
		path:          path,
		seq:           seq,
		batchChan:     make(chan batchRequest, bufferSize*2),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		closeCh:       make(chan struct{}),
	}

	w.wg.Add(1)
	go w.batchWriter()

	return w, nil
}

// lastSeq scans the WAL file to find the sequence number of the last
// well-formed frame, stopping cleanly at a torn tail.
func lastSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var last uint64
	r := bufio.NewReader(f)
	for {
		_, seq, _, err := readFrame(r)
		if err != nil {
			break
		}
		last = seq
	}
	return last, nil
}

// Append assigns the next sequence number to entry, durably writes it via
// the batch writer, and returns once the batch containing it has been
// fsync'd (or returns the batch's flush error).
func (w *WAL) Append(entry kv.LogEntry) (uint64, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, ErrWALClosed
	}
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	entry.Sequence = seq
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal entry: %w", err)
	}

	frame := encodeFrame(seq, payload)
	resCh := make(chan appendResult, 1)

	select {
	case w.batchChan <- batchRequest{entry: entry, frame: frame, resCh: resCh}:
	case <-w.closeCh:
		return 0, ErrWALClosed
	}

	res := <-resCh
	return res.seq, res.err
}

// encodeFrame builds one on-disk frame: u32 length | u64 seq | u32 crc32 | payload.
func encodeFrame(seq uint64, payload []byte) []byte {
	crc := calculateChecksum(payload)
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(frame[4:12], seq)
	binary.BigEndian.PutUint32(frame[12:16], crc)
	copy(frame[headerSize:], payload)
	return frame
}

// readFrame reads and validates one frame from r, returning its payload,
// seq, and the checksum recorded in the header. io.EOF or io.ErrUnexpectedEOF
// means a clean or torn end of file; ChecksumError means the payload present
// does not match its header.
func readFrame(r io.Reader) (payload []byte, seq uint64, crc uint32, err error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, 0, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	seq = binary.BigEndian.Uint64(header[4:12])
	crc = binary.BigEndian.Uint32(header[12:16])

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, 0, io.ErrUnexpectedEOF
	}

	if !verifyChecksum(payload, crc) {
		return nil, 0, 0, &ChecksumError{Seq: seq, Expected: crc, Actual: calculateChecksum(payload)}
	}

	return payload, seq, crc, nil
}

// Replay reads every frame with seq > afterSeq, in order, and calls handler
// with the decoded kv.LogEntry. Replay stops without error at the first
// short read or checksum mismatch, since that can only be a torn write left
// by a crash mid-append (§4.1, §8) — everything decoded before that point is
// still handed to handler.
func (w *WAL) Replay(afterSeq uint64, handler ReplayHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: open for replay: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		payload, seq, _, err := readFrame(r)
		if err != nil {
			// io.EOF/io.ErrUnexpectedEOF is a clean or torn end of file;
			// a *ChecksumError means the last frame's payload was only
			// partially flushed before a crash. Both are a torn tail, not
			// a replay failure: stop here and keep everything read so far.
			return nil
		}

		if seq <= afterSeq {
			continue
		}

		var entry kv.LogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			// A payload that fails to unmarshal despite a valid checksum is
			// not a torn write — it is a genuine bug or bit rot the
			// checksum didn't catch. Surface it.
			return &CorruptionError{Cause: err}
		}

		if err := handler(entry); err != nil {
			return err
		}
	}
}

// Rotate closes the current file, renames it aside, and starts a fresh
// empty WAL. Callers must hold a durable snapshot covering everything in
// the rotated-away file before calling this (see TruncateThrough).
func (w *WAL) Rotate() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWALClosed
	}
	w.closed = true
	w.mu.Unlock()

	close(w.closeCh)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close before rotate: %w", err)
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(w.path, backupPath); err != nil {
		return fmt.Errorf("wal: rename for rotate: %w", err)
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("wal: create fresh file: %w", err)
	}

	w.file = newFile
	w.closeCh = make(chan struct{})
	w.closed = false

	w.wg.Add(1)
	go w.batchWriter()

	return nil
}

// TruncateThrough rotates the WAL away, discarding everything up to and
// including snapshotSeq. Only called by a component already holding a
// snapshot durable at or beyond snapshotSeq.
func (w *WAL) TruncateThrough(snapshotSeq uint64) error {
	return w.Rotate()
}

// batchWriter coalesces concurrent Append calls into single fsyncs.
func (w *WAL) batchWriter() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]batchRequest, 0, w.bufferSize)

	for {
		select {
		case req := <-w.batchChan:
			batch = append(batch, req)
			if len(batch) >= w.bufferSize {
				w.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(batch)
				batch = batch[:0]
			}

		case <-w.closeCh:
			if len(batch) > 0 {
				w.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch writes every frame in batch and fsyncs once.
func (w *WAL) flushBatch(batch []batchRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var flushErr error
	for i := range batch {
		if _, err := w.file.Write(batch[i].frame); err != nil {
			flushErr = fmt.Errorf("wal: write frame: %w", err)
			break
		}
	}

	if flushErr == nil {
		if err := w.file.Sync(); err != nil {
			flushErr = fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}

	for i := range batch {
		seq := batch[i].entry.Sequence
		if flushErr != nil {
			seq = 0
		}
		batch[i].resCh <- appendResult{seq: seq, err: flushErr}
		close(batch[i].resCh)
	}
}

// Close flushes any pending batch and closes the underlying file. The WAL
// must not be used after Close.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.closeCh)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// GetLastSeq returns the sequence number most recently assigned, 0 if the
// WAL is empty.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}
