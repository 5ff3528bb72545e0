// ============================================================================
// KV Server
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: accept TCP connections on the KV port, dispatch requests to the
// state engine, coordinating replication before acknowledging writes (§4.5).
//
// Dispatch per request:
//  1. Parse; malformed input → `error: protocol`, close connection.
//  2. Reads (Get/Search) consult the state engine/index directly.
//  3. Writes (Set/Delete/BulkSet) go through the Coordinator, which is
//     mode-specific (single-node, primary/secondary, or leaderless) — this
//     narrow interface is what decouples the server from replication mode
//     (§9 design note on breaking the server/controller cyclic reference).
//
// Per-connection request order is preserved: each connection is served by
// one goroutine that reads, dispatches, and writes the response before
// reading the next line. Multiple connections run concurrently.
// ============================================================================

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/chuliyu/kvraft/internal/index"
	"github.com/chuliyu/kvraft/internal/protocol"
	"github.com/chuliyu/kvraft/internal/state"
	"github.com/chuliyu/kvraft/pkg/kv"
)

var log = slog.Default()

// Coordinator decouples the server from the replication mode in effect:
// single-node, primary/secondary, or leaderless all satisfy it differently.
type Coordinator interface {
	// Write durably commits entry according to the mode's write path and
	// returns once the client may be safely acked (or an error if not).
	Write(ctx context.Context, entry kv.LogEntry) error

	// RoleHint reports whether this node currently accepts client writes,
	// and if not, a kv-port hint for where to retry.
	RoleHint() (isPrimary bool, primaryKVHint string)
}

// Server accepts client connections and dispatches KV requests.
type Server struct {
	listener net.Listener

	engine      *state.Engine
	coordinator Coordinator
	fullText    *index.FullText
	similarity  *index.Similarity
	indexesOn   bool
	nodeID      string

	writeTimeout time.Duration
}

// Config configures a Server.
type Config struct {
	Engine       *state.Engine
	Coordinator  Coordinator
	FullText     *index.FullText
	Similarity   *index.Similarity
	IndexesOn    bool
	NodeID       string
	WriteTimeout time.Duration
}

// New creates a Server bound to addr but does not start accepting yet.
func New(addr string, cfg Config) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 500 * time.Millisecond
	}
	return &Server{
		listener:     listener,
		engine:       cfg.Engine,
		coordinator:  cfg.Coordinator,
		fullText:     cfg.FullText,
		similarity:   cfg.Similarity,
		indexesOn:    cfg.IndexesOn,
		nodeID:       cfg.NodeID,
		writeTimeout: writeTimeout,
	}, nil
}

// Addr returns the server's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until the listener is closed or ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, netConn net.Conn) {
	conn := protocol.NewConn(netConn)
	defer conn.Close()

	for {
		var req protocol.Request
		if err := conn.ReadMessage(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				// Malformed or oversized line: answer before closing.
				_ = conn.WriteMessage(protocol.ErrorResponse(kv.NewError(kv.Protocol, "malformed request")))
			}
			return
		}

		resp := s.dispatch(ctx, req)
		if err := conn.WriteMessage(resp); err != nil {
			return
		}

		if resp.Error == kv.Protocol {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Op {
	case protocol.OpGet:
		return s.handleGet(req)
	case protocol.OpSet:
		return s.handleSet(ctx, req)
	case protocol.OpDelete:
		return s.handleDelete(ctx, req)
	case protocol.OpBulkSet:
		return s.handleBulkSet(ctx, req)
	case protocol.OpSearch:
		return s.handleSearch(req)
	case protocol.OpSearchSimilar:
		return s.handleSearchSimilar(req)
	default:
		return protocol.ErrorResponse(kv.NewError(kv.Protocol, "unknown op"))
	}
}

func (s *Server) handleGet(req protocol.Request) protocol.Response {
	if req.Key == "" {
		return protocol.ErrorResponse(kv.NewError(kv.Protocol, "empty key"))
	}
	rec, ok := s.engine.Get(req.Key)
	if !ok {
		return protocol.NotFoundResponse()
	}
	return protocol.ValueResponse(rec.Value)
}

func (s *Server) handleSet(ctx context.Context, req protocol.Request) protocol.Response {
	if req.Key == "" {
		return protocol.ErrorResponse(kv.NewError(kv.Protocol, "empty key"))
	}

	value := req.Value
	entry := kv.LogEntry{
		Kind:            kv.EntrySet,
		OriginNodeID:    s.nodeID,
		OriginTimestamp: time.Now().UnixNano(),
		Pairs:           []kv.Pair{{Key: req.Key, Value: &value}},
	}
	return s.commit(ctx, entry)
}

func (s *Server) handleDelete(ctx context.Context, req protocol.Request) protocol.Response {
	if req.Key == "" {
		return protocol.ErrorResponse(kv.NewError(kv.Protocol, "empty key"))
	}

	entry := kv.LogEntry{
		Kind:            kv.EntryDelete,
		OriginNodeID:    s.nodeID,
		OriginTimestamp: time.Now().UnixNano(),
		Pairs:           []kv.Pair{{Key: req.Key, Value: nil}},
	}
	return s.commit(ctx, entry)
}

func (s *Server) handleBulkSet(ctx context.Context, req protocol.Request) protocol.Response {
	if len(req.Pairs) == 0 {
		return protocol.ErrorResponse(kv.NewError(kv.Protocol, "empty pairs"))
	}

	pairs := make([]kv.Pair, len(req.Pairs))
	for i, kvPair := range req.Pairs {
		if kvPair[0] == "" {
			return protocol.ErrorResponse(kv.NewError(kv.Protocol, "empty key in bulkset"))
		}
		value := kvPair[1]
		pairs[i] = kv.Pair{Key: kvPair[0], Value: &value}
	}

	entry := kv.LogEntry{
		Kind:            kv.EntryBulkSet,
		OriginNodeID:    s.nodeID,
		OriginTimestamp: time.Now().UnixNano(),
		Pairs:           pairs,
	}
	return s.commit(ctx, entry)
}

// commit routes an entry, already stamped with the node's origin by its
// handler, through the replication-mode-specific write path.
func (s *Server) commit(ctx context.Context, entry kv.LogEntry) protocol.Response {
	isPrimary, hint := s.coordinator.RoleHint()
	if !isPrimary {
		return protocol.ErrorResponse(kv.NewErrorWithHint(kv.NotPrimary, "not primary", hint))
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	if err := s.coordinator.Write(writeCtx, entry); err != nil {
		if kvErr, ok := err.(*kv.Error); ok {
			return protocol.ErrorResponse(kvErr)
		}
		return protocol.ErrorResponse(kv.NewError(kv.IO, err.Error()))
	}
	return protocol.OKResponse()
}

func (s *Server) handleSearch(req protocol.Request) protocol.Response {
	if !s.indexesOn || s.fullText == nil {
		return protocol.ErrorResponse(kv.NewError(kv.IndexesDisabled, "full-text index not enabled"))
	}
	hits := s.fullText.Search(req.Query)
	return protocol.Response{OK: true, Hits: toWireHits(hits)}
}

func (s *Server) handleSearchSimilar(req protocol.Request) protocol.Response {
	if !s.indexesOn || s.similarity == nil {
		return protocol.ErrorResponse(kv.NewError(kv.IndexesDisabled, "similarity index not enabled"))
	}
	hits := s.similarity.SearchSimilar(req.Query)
	topK := req.TopK
	if topK > 0 && topK < len(hits) {
		hits = hits[:topK]
	}
	return protocol.Response{OK: true, Hits: toWireHits(hits)}
}

func toWireHits(hits []index.Hit) []protocol.SearchHit {
	out := make([]protocol.SearchHit, len(hits))
	for i, h := range hits {
		out[i] = protocol.SearchHit{Key: h.Key, Score: h.Score}
	}
	return out
}
