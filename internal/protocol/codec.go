// ============================================================================
// Line-delimited Codec
// ============================================================================
//
// Package: internal/protocol
// File: codec.go
// Purpose: frame one JSON-shaped object per '\n'-terminated line over a
// net.Conn, shared by the KV server and the replication transport (§4.4,
// §4.6). Uses goccy/go-json for the same throughput reason the WAL does.
// ============================================================================

package protocol

import (
	"bufio"
	"fmt"
	"io"
	"net"

	json "github.com/goccy/go-json"
)

// DefaultMaxLineSize is the default maximum line length the reader accepts.
const DefaultMaxLineSize = 4 * 1024 * 1024

// ErrLineTooLong is returned when an incoming line exceeds the Conn's
// maximum line size.
type ErrLineTooLong struct {
	Limit int
}

func (e *ErrLineTooLong) Error() string {
	return fmt.Sprintf("protocol: line exceeds maximum of %d bytes", e.Limit)
}

// Conn wraps a net.Conn with line-delimited JSON encode/decode.
type Conn struct {
	conn        net.Conn
	reader      *bufio.Reader
	maxLineSize int
}

// NewConn wraps conn with the default max line size.
func NewConn(conn net.Conn) *Conn {
	return NewConnWithLimit(conn, DefaultMaxLineSize)
}

// NewConnWithLimit wraps conn with an explicit max line size.
func NewConnWithLimit(conn net.Conn, maxLineSize int) *Conn {
	return &Conn{
		conn:        conn,
		reader:      bufio.NewReaderSize(conn, 4096),
		maxLineSize: maxLineSize,
	}
}

// ReadMessage reads one line and unmarshals it into v.
func (c *Conn) ReadMessage(v any) error {
	line, err := c.readLine()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("protocol: decode message: %w", err)
	}
	return nil
}

// readLine reads up to the next '\n', enforcing maxLineSize.
func (c *Conn) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > c.maxLineSize {
			return nil, &ErrLineTooLong{Limit: c.maxLineSize}
		}
		if !isPrefix {
			return line, nil
		}
	}
}

// WriteMessage marshals v and writes it as one '\n'-terminated line.
func (c *Conn) WriteMessage(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encode message: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("protocol: write message: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Raw exposes the underlying net.Conn for deadline configuration.
func (c *Conn) Raw() net.Conn {
	return c.conn
}

var _ io.Closer = (*Conn)(nil)
