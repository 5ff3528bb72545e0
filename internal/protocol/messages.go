// ============================================================================
// Protocol Messages
// ============================================================================
//
// Package: internal/protocol
// File: messages.go
// Purpose: wire types for both the KV port and the replication port (§6).
// Both ports share the same line-delimited framing (messages.go defines the
// shapes; codec.go defines the framing), so a single package serves both
// internal/server and internal/replication.
// ============================================================================

package protocol

import "github.com/chuliyu/kvraft/pkg/kv"

// Op identifies a KV request's operation.
type Op string

const (
	OpGet           Op = "get"
	OpSet           Op = "set"
	OpDelete        Op = "delete"
	OpBulkSet       Op = "bulkset"
	OpSearch        Op = "search"
	OpSearchSimilar Op = "search_similar"
)

// Request is one KV-port request line.
type Request struct {
	Op                Op         `json:"op"`
	Key               string     `json:"key,omitempty"`
	Value             string     `json:"value,omitempty"`
	Pairs             [][2]string `json:"pairs,omitempty"`
	Query             string     `json:"query,omitempty"`
	TopK              int        `json:"top_k,omitempty"`
	DebugSimulateFail bool       `json:"debug_simulate_fail,omitempty"`
}

// Response is one KV-port response line.
type Response struct {
	OK    bool          `json:"ok"`
	Value string        `json:"value,omitempty"`
	Found *bool         `json:"found,omitempty"`
	Hits  []SearchHit   `json:"hits,omitempty"`
	Error kv.ErrorKind  `json:"error,omitempty"`
	Hint  string        `json:"hint,omitempty"`
}

// SearchHit is one match returned by search/search_similar.
type SearchHit struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// found builds a *bool for Response.Found, since encoding/json (and
// goccy/go-json) only omit a pointer, not a bare bool, on its zero value.
func found(b bool) *bool {
	return &b
}

// NotFoundResponse is the canned "ok, but nothing there" get response.
func NotFoundResponse() Response {
	return Response{OK: true, Found: found(false)}
}

// ValueResponse is the canned "here's the value" get response.
func ValueResponse(value string) Response {
	return Response{OK: true, Found: found(true), Value: value}
}

// OKResponse is the canned success response for mutations.
func OKResponse() Response {
	return Response{OK: true}
}

// ErrorResponse converts a *kv.Error into its wire shape.
func ErrorResponse(err *kv.Error) Response {
	return Response{OK: false, Error: err.Kind, Hint: err.Hint}
}

// ReplMsgType identifies a replication-port message's kind.
type ReplMsgType string

const (
	MsgHello        ReplMsgType = "hello"
	MsgAppendEntry  ReplMsgType = "append_entry"
	MsgHeartbeat    ReplMsgType = "heartbeat"
	MsgHeartbeatAck ReplMsgType = "heartbeat_ack"
	MsgRequestVote  ReplMsgType = "request_vote"
	MsgVote         ReplMsgType = "vote"
)

// ReplMessage is one replication-port frame. Only the fields relevant to
// Type are populated; this mirrors a tagged union using a flat JSON object,
// the same encoding style the KV Request/Response types use.
type ReplMessage struct {
	Type ReplMsgType `json:"type"`

	// hello: peer introduces itself. The receiving transport uses only
	// NodeID; KVPort is sent but not recorded.
	NodeID string `json:"node_id,omitempty"`
	KVPort int    `json:"kv_port,omitempty"`

	// append_entry
	Entry kv.LogEntry `json:"entry,omitempty"`

	// heartbeat / request_vote / vote common fields
	Term      uint64 `json:"term,omitempty"`
	PrimaryID string `json:"primary_id,omitempty"`
	LastSeq   uint64 `json:"last_seq,omitempty"`

	// request_vote
	CandidateID string `json:"candidate_id,omitempty"`

	// vote
	Granted bool `json:"granted,omitempty"`

	// append_entry ack (used by both modes to confirm durability)
	Ack bool `json:"ack,omitempty"`
}
