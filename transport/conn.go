// Package transport carries Open API frames between the engine and the
// broker, over a WebSocket or a TLS socket with length-prefixed framing.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MaxFrameSize bounds an inbound frame.
const MaxFrameSize = 10 << 20

var (
	ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")
	ErrNotConnected  = errors.New("transport: not connected")
)

// Conn is one broker connection. Writes are safe for concurrent use; reads
// must come from a single goroutine.
type Conn interface {
	WriteFrame(b []byte) error
	ReadFrame() ([]byte, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dial opens a connection. ws:// and wss:// URLs use a WebSocket with one
// binary message per frame; tls:// and tcp:// use a raw stream where each
// frame is prefixed with its 4-byte big-endian length.
func Dial(ctx context.Context, rawURL string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", rawURL, err)
		}
		return &wsConn{conn: conn}, nil
	case "tls":
		d := tls.Dialer{Config: &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}}
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", u.Host, err)
		}
		return NewStreamConn(conn), nil
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", u.Host, err)
		}
		return NewStreamConn(conn), nil
	default:
		return nil, fmt.Errorf("unsupported transport scheme %q", u.Scheme)
	}
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) WriteFrame(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

func (c *wsConn) Close() error { return c.conn.Close() }

// streamConn frames messages on a byte stream.
type streamConn struct {
	conn    net.Conn
	r       *bufio.Reader
	writeMu sync.Mutex
}

// NewStreamConn wraps a stream connection with length-prefixed framing.
func NewStreamConn(conn net.Conn) Conn {
	return &streamConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *streamConn) WriteFrame(b []byte) error {
	if len(b) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(buf)
	return err
}

func (c *streamConn) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(c.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *streamConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

func (c *streamConn) Close() error { return c.conn.Close() }
