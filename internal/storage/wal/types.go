package wal

import "github.com/chuliyu/kvraft/pkg/kv"

// ============================================================================
// WAL Type Definitions
// Responsibility: on-disk frame layout and the replay handler type
// ============================================================================

// Frame layout: u32 length | u64 seq | u32 crc32 | payload bytes.
// length and crc32 cover payload only; seq is duplicated in the payload's
// JSON for convenience but the frame's seq field is authoritative for replay
// bookkeeping (a torn write can leave a payload with no seq at all).
const (
	lengthFieldSize = 4
	seqFieldSize    = 8
	crcFieldSize    = 4
	headerSize      = lengthFieldSize + seqFieldSize + crcFieldSize
)

// ReplayHandler processes one recovered LogEntry during WAL replay.
type ReplayHandler func(entry kv.LogEntry) error
