package transport

import (
	"context"
	"sync"
	"time"

	"github.com/arifwicaksono2000/botapp-trader/logger"
	"github.com/arifwicaksono2000/botapp-trader/openapi"
)

// Handler receives connection lifecycle and inbound envelopes. Calls come
// from the manager's read goroutine and must not block.
type Handler interface {
	OnConnected()
	Deliver(env openapi.Envelope)
	OnDisconnected(err error)
}

// DialFunc opens a connection.
type DialFunc func(ctx context.Context, url string) (Conn, error)

const (
	minBackoff = 5 * time.Second
	maxBackoff = 60 * time.Second
)

// ConnectionManager keeps one broker connection alive, reconnecting with
// backoff, and implements the engine's gateway.
type ConnectionManager struct {
	url       string
	heartbeat time.Duration
	idle      time.Duration
	handler   Handler
	dial      DialFunc

	mu     sync.Mutex
	client *Client
}

// NewConnectionManager creates a manager. A connection with no inbound
// frame for three heartbeat intervals is considered dead.
func NewConnectionManager(url string, heartbeat time.Duration, handler Handler) *ConnectionManager {
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	return &ConnectionManager{
		url:       url,
		heartbeat: heartbeat,
		idle:      3 * heartbeat,
		handler:   handler,
		dial:      Dial,
	}
}

// WithDialer replaces the dialer; used by tests.
func (cm *ConnectionManager) WithDialer(dial DialFunc) *ConnectionManager {
	cm.dial = dial
	return cm
}

// Send writes req on the current connection.
func (cm *ConnectionManager) Send(req openapi.Request, clientMsgID string) error {
	cm.mu.Lock()
	c := cm.client
	cm.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.Send(req, clientMsgID)
}

// Connected reports whether a connection is up.
func (cm *ConnectionManager) Connected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.client != nil
}

// Run connects and reads until ctx is done, reconnecting after failures
// with a backoff doubling from 5s to 60s.
func (cm *ConnectionManager) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := cm.dial(ctx, cm.url)
		if err != nil {
			logger.Errorf("Broker connection failed: %v (retrying in %s)", err, backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = minBackoff
		logger.Infof("Connected to %s", cm.url)
		err = cm.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		logger.Warnf("Broker connection lost: %v (reconnecting in %s)", err, backoff)
		if !sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// serve runs one connection until it fails or ctx is done.
func (cm *ConnectionManager) serve(ctx context.Context, conn Conn) error {
	client := NewClient(conn)
	cm.mu.Lock()
	cm.client = client
	cm.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	client.StartPing(cm.heartbeat)
	cm.handler.OnConnected()

	var err error
	for {
		if derr := conn.SetReadDeadline(time.Now().Add(cm.idle)); derr != nil {
			err = derr
			break
		}
		var env openapi.Envelope
		env, err = client.ReadMessage()
		if err != nil {
			break
		}
		if env.PayloadType == openapi.PayloadHeartbeatEvent {
			continue
		}
		cm.handler.Deliver(env)
	}

	cm.mu.Lock()
	cm.client = nil
	cm.mu.Unlock()
	client.Close()
	cm.handler.OnDisconnected(err)
	return err
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
