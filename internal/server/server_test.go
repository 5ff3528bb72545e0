package server

// ============================================================================
// Server test file
// Purpose: verify request dispatch, empty-key rejection, not-primary hinting,
// and per-connection ordering.
// ============================================================================

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuliyu/kvraft/internal/protocol"
	"github.com/chuliyu/kvraft/internal/state"
	"github.com/chuliyu/kvraft/pkg/kv"
)

func dialTCP(addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}

// fakeCoordinator is a single-node stand-in: always primary, commits
// directly to the engine via AppendDurable+ApplyDurable.
type fakeCoordinator struct {
	engine     *state.Engine
	isPrimary  bool
	primaryErr error
}

func (f *fakeCoordinator) Write(ctx context.Context, entry kv.LogEntry) error {
	if f.primaryErr != nil {
		return f.primaryErr
	}
	durable, err := f.engine.AppendDurable(entry)
	if err != nil {
		return err
	}
	f.engine.ApplyDurable(durable)
	return nil
}

func (f *fakeCoordinator) RoleHint() (bool, string) {
	if f.isPrimary {
		return true, ""
	}
	return false, "127.0.0.1:7001"
}

func newTestServer(t *testing.T) (*Server, *fakeCoordinator) {
	t.Helper()
	dir := t.TempDir()
	engine, err := state.New(state.Config{
		WALPath:          filepath.Join(dir, "wal.log"),
		SnapshotPath:     filepath.Join(dir, "snap.bin"),
		WALBufferSize:    10,
		WALFlushInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	coord := &fakeCoordinator{engine: engine, isPrimary: true}
	srv, err := New("127.0.0.1:0", Config{Engine: engine, Coordinator: coord})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	return srv, coord
}

func dial(t *testing.T, srv *Server) *protocol.Conn {
	t.Helper()
	netConn, err := dialTCP(srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { netConn.Close() })
	return protocol.NewConn(netConn)
}

func TestSetThenGetRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(protocol.Request{Op: protocol.OpSet, Key: "k", Value: "v"}))
	var setResp protocol.Response
	require.NoError(t, conn.ReadMessage(&setResp))
	assert.True(t, setResp.OK)

	require.NoError(t, conn.WriteMessage(protocol.Request{Op: protocol.OpGet, Key: "k"}))
	var getResp protocol.Response
	require.NoError(t, conn.ReadMessage(&getResp))
	assert.True(t, getResp.OK)
	require.NotNil(t, getResp.Found)
	assert.True(t, *getResp.Found)
	assert.Equal(t, "v", getResp.Value)
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(protocol.Request{Op: protocol.OpGet, Key: "missing"}))
	var resp protocol.Response
	require.NoError(t, conn.ReadMessage(&resp))
	assert.True(t, resp.OK)
	require.NotNil(t, resp.Found)
	assert.False(t, *resp.Found)
}

func TestEmptyKeyIsProtocolError(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(protocol.Request{Op: protocol.OpSet, Key: "", Value: "v"}))
	var resp protocol.Response
	require.NoError(t, conn.ReadMessage(&resp))
	assert.False(t, resp.OK)
	assert.Equal(t, kv.Protocol, resp.Error)
}

func TestNotPrimaryCarriesHint(t *testing.T) {
	srv, coord := newTestServer(t)
	coord.isPrimary = false
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(protocol.Request{Op: protocol.OpSet, Key: "k", Value: "v"}))
	var resp protocol.Response
	require.NoError(t, conn.ReadMessage(&resp))
	assert.False(t, resp.OK)
	assert.Equal(t, kv.NotPrimary, resp.Error)
	assert.Equal(t, "127.0.0.1:7001", resp.Hint)
}

func TestBulkSetRejectsEmptyPairs(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(protocol.Request{Op: protocol.OpBulkSet}))
	var resp protocol.Response
	require.NoError(t, conn.ReadMessage(&resp))
	assert.False(t, resp.OK)
	assert.Equal(t, kv.Protocol, resp.Error)
}

func TestPipelinedRequestsPreserveOrder(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(protocol.Request{Op: protocol.OpSet, Key: "a", Value: "1"}))
	require.NoError(t, conn.WriteMessage(protocol.Request{Op: protocol.OpSet, Key: "b", Value: "2"}))
	require.NoError(t, conn.WriteMessage(protocol.Request{Op: protocol.OpGet, Key: "a"}))

	var r1, r2, r3 protocol.Response
	require.NoError(t, conn.ReadMessage(&r1))
	require.NoError(t, conn.ReadMessage(&r2))
	require.NoError(t, conn.ReadMessage(&r3))

	assert.True(t, r1.OK)
	assert.True(t, r2.OK)
	assert.True(t, r3.OK)
	assert.Equal(t, "1", r3.Value)
}
