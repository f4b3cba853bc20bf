package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/arifwicaksono2000/botapp-trader/logger"
	"github.com/arifwicaksono2000/botapp-trader/openapi"
)

// Client is one live broker connection.
type Client struct {
	conn       Conn
	pingCancel context.CancelFunc
}

// NewClient wraps an open connection.
func NewClient(conn Conn) *Client {
	return &Client{conn: conn}
}

// Send encodes req and writes it as one frame.
func (c *Client) Send(req openapi.Request, clientMsgID string) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteFrame(openapi.Encode(req, clientMsgID)); err != nil {
		return fmt.Errorf("send payload %d: %w", req.PayloadType(), err)
	}
	return nil
}

// StartPing sends a heartbeat every interval until Close.
func (c *Client) StartPing(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.pingCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Send(openapi.HeartbeatEvent{}, ""); err != nil {
					logger.Warnf("Failed to send heartbeat: %v", err)
					return
				}
			}
		}
	}()
}

// ReadMessage blocks for the next envelope. Frames that are not valid
// envelopes are logged and skipped.
func (c *Client) ReadMessage() (openapi.Envelope, error) {
	for {
		b, err := c.conn.ReadFrame()
		if err != nil {
			return openapi.Envelope{}, err
		}
		env, err := openapi.DecodeEnvelope(b)
		if err != nil {
			logger.Warnf("Dropping malformed frame (%d bytes): %v", len(b), err)
			continue
		}
		return env, nil
	}
}

// Close stops the heartbeat and closes the connection.
func (c *Client) Close() error {
	if c.pingCancel != nil {
		c.pingCancel()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
