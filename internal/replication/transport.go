// ============================================================================
// Replication Transport
// ============================================================================
//
// Package: internal/replication
// File: transport.go
// Purpose: peer-to-peer channel on the replication port for shipping log
// entries and control messages (§4.6), used by both the primary/secondary
// controller and the leaderless controller.
//
// Each replication connection follows the same one-request-one-reply
// discipline as the KV protocol: a node sends a ReplMessage and reads
// exactly one ReplMessage back, in order, before sending the next on that
// connection. This lets a persistent outbound connection to a peer double as
// a synchronous RPC channel without needing a request-ID correlation scheme.
// Callers can fan out Call concurrently to the same peer (the heartbeat
// loop and the write path both do), so each peerConn's callMu serializes
// the write+read pair across the shared connection; without it two
// concurrent calls would race the connection's reader and could read back
// each other's replies.
//
// A persistent outbound connection is maintained per peer. On dial failure,
// reconnects back off exponentially (100 ms initial, 2 s cap), grounded in
// the same backoff idiom distributed-kvstore's Replicator uses for its
// replicate-request retries.
// ============================================================================

package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/chuliyu/kvraft/internal/protocol"
)

var log = slog.Default()

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

// ErrBackingOff is returned by Call when the peer's last dial attempt failed
// too recently to retry yet.
var ErrBackingOff = errors.New("replication: peer dial backing off")

// Handler processes one inbound ReplMessage and returns the reply to send
// back on the same connection.
type Handler func(from string, msg protocol.ReplMessage) protocol.ReplMessage

// Transport manages outbound connections to peers and accepts inbound
// connections, all framed with internal/protocol's line-delimited codec.
type Transport struct {
	selfID     string
	selfKVPort int
	listener   net.Listener
	handler    Handler

	mu    sync.Mutex
	peers map[string]*peerConn
}

type peerConn struct {
	mu          sync.Mutex
	addr        string
	conn        *protocol.Conn
	backoff     time.Duration
	nextAttempt time.Time

	// callMu serializes the write+read pair of a Call against this peer's
	// shared connection. protocol.Conn has no internal locking and the
	// request/reply discipline depends on exactly one in-flight
	// request per connection at a time, so concurrent callers (e.g. the
	// heartbeat loop and the write path targeting the same peer) must
	// queue here rather than race the same bufio.Reader.
	callMu sync.Mutex
}

// NewTransport binds the replication listener at addr. selfID and
// selfKVPort are advertised in the hello handshake sent on every new
// outbound connection. The receiving side keeps only the hello's node ID
// (passed to the Handler as `from`); the advertised KV port is not recorded
// or exposed, so peers do not learn this node's KV-client port from it.
func NewTransport(addr string, selfID string, selfKVPort int, handler Handler) (*Transport, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Transport{
		selfID:     selfID,
		selfKVPort: selfKVPort,
		listener:   listener,
		handler:    handler,
		peers:      make(map[string]*peerConn),
	}, nil
}

// Addr returns the bound replication listener address.
func (t *Transport) Addr() net.Addr {
	return t.listener.Addr()
}

// AddPeer registers a peer's replication address for outbound dialing.
func (t *Transport) AddPeer(nodeID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[nodeID]; ok {
		return
	}
	t.peers[nodeID] = &peerConn{addr: addr}
}

// Serve accepts inbound connections until ctx is cancelled.
func (t *Transport) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.listener.Close()
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go t.handleInbound(conn)
	}
}

func (t *Transport) handleInbound(netConn net.Conn) {
	conn := protocol.NewConn(netConn)
	defer conn.Close()

	var peerID string
	for {
		var msg protocol.ReplMessage
		if err := conn.ReadMessage(&msg); err != nil {
			return
		}

		if msg.Type == protocol.MsgHello {
			peerID = msg.NodeID
			continue
		}

		reply := t.handler(peerID, msg)
		if err := conn.WriteMessage(reply); err != nil {
			return
		}
	}
}

// Close stops accepting inbound connections and drops every outbound peer
// connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	for _, p := range t.peers {
		p.mu.Lock()
		if p.conn != nil {
			p.conn.Close()
			p.conn = nil
		}
		p.mu.Unlock()
	}
	t.mu.Unlock()
	return t.listener.Close()
}

// Call sends msg to nodeID and waits for its reply, dialing (or redialing)
// the peer's persistent connection as needed. Returns ErrBackingOff without
// attempting a dial if the peer's last failure is still within its backoff
// window.
func (t *Transport) Call(ctx context.Context, nodeID string, msg protocol.ReplMessage) (protocol.ReplMessage, error) {
	t.mu.Lock()
	peer, ok := t.peers[nodeID]
	t.mu.Unlock()
	if !ok {
		return protocol.ReplMessage{}, fmt.Errorf("replication: unknown peer %q", nodeID)
	}

	peer.callMu.Lock()
	defer peer.callMu.Unlock()

	conn, err := t.dial(peer)
	if err != nil {
		return protocol.ReplMessage{}, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.Raw().SetDeadline(deadline)
	} else {
		conn.Raw().SetDeadline(time.Time{})
	}

	if err := conn.WriteMessage(msg); err != nil {
		t.dropConn(peer)
		return protocol.ReplMessage{}, err
	}

	var reply protocol.ReplMessage
	if err := conn.ReadMessage(&reply); err != nil {
		t.dropConn(peer)
		return protocol.ReplMessage{}, err
	}
	return reply, nil
}

func (t *Transport) dial(peer *peerConn) (*protocol.Conn, error) {
	peer.mu.Lock()
	defer peer.mu.Unlock()

	if peer.conn != nil {
		return peer.conn, nil
	}
	if time.Now().Before(peer.nextAttempt) {
		return nil, ErrBackingOff
	}

	netConn, err := net.DialTimeout("tcp", peer.addr, 2*time.Second)
	if err != nil {
		advanceBackoffLocked(peer)
		return nil, fmt.Errorf("replication: dial %s: %w", peer.addr, err)
	}

	conn := protocol.NewConn(netConn)
	if err := conn.WriteMessage(protocol.ReplMessage{Type: protocol.MsgHello, NodeID: t.selfID, KVPort: t.selfKVPort}); err != nil {
		conn.Close()
		advanceBackoffLocked(peer)
		return nil, fmt.Errorf("replication: hello to %s: %w", peer.addr, err)
	}

	peer.conn = conn
	peer.backoff = 0
	return conn, nil
}

func (t *Transport) dropConn(peer *peerConn) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.conn != nil {
		peer.conn.Close()
		peer.conn = nil
	}
	advanceBackoffLocked(peer)
}

// advanceBackoffLocked schedules the next dial attempt, doubling the backoff
// from 100 ms up to a 2 s cap. Caller must hold peer.mu.
func advanceBackoffLocked(peer *peerConn) {
	if peer.backoff == 0 {
		peer.backoff = initialBackoff
	} else {
		peer.backoff *= 2
		if peer.backoff > maxBackoff {
			peer.backoff = maxBackoff
		}
	}
	peer.nextAttempt = time.Now().Add(peer.backoff)
}
