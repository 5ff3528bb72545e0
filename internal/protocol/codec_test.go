package protocol

// ============================================================================
// Codec test file
// Purpose: verify line-delimited encode/decode round-trip, malformed-input
// handling, and the max-line-size guard.
// ============================================================================

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func netPipe(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return NewConn(a), NewConn(b)
}

func TestRequestRoundTrip(t *testing.T) {
	client, server := netPipe(t)

	req := Request{Op: OpSet, Key: "k", Value: "v"}
	done := make(chan error, 1)
	go func() { done <- client.WriteMessage(req) }()

	var got Request
	require.NoError(t, server.ReadMessage(&got))
	require.NoError(t, <-done)

	assert.Equal(t, req, got)
}

func TestResponseRoundTripError(t *testing.T) {
	client, server := netPipe(t)

	resp := Response{OK: false, Error: "not_primary", Hint: "127.0.0.1:7001"}
	done := make(chan error, 1)
	go func() { done <- server.WriteMessage(resp) }()

	var got Response
	require.NoError(t, client.ReadMessage(&got))
	require.NoError(t, <-done)

	assert.Equal(t, resp, got)
}

func TestMalformedJSONReturnsDecodeError(t *testing.T) {
	client, server := netPipe(t)

	done := make(chan error, 1)
	go func() {
		_, err := client.Raw().Write([]byte("{not json}\n"))
		done <- err
	}()

	var got Request
	err := server.ReadMessage(&got)
	require.NoError(t, <-done)
	assert.Error(t, err)
}

func TestLineExceedingMaxSizeIsRejected(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	client := NewConnWithLimit(a, 16)
	server := NewConnWithLimit(b, 16)

	huge := Request{Op: OpSet, Key: strings.Repeat("x", 100), Value: "v"}
	done := make(chan error, 1)
	go func() { done <- client.WriteMessage(huge) }()

	var got Request
	err := server.ReadMessage(&got)
	<-done
	require.Error(t, err)
	var tooLong *ErrLineTooLong
	assert.ErrorAs(t, err, &tooLong)
}
