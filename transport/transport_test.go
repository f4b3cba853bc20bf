package transport

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arifwicaksono2000/botapp-trader/openapi"
)

func TestStreamConnFraming(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	a, b := NewStreamConn(c1), NewStreamConn(c2)

	go func() {
		_ = a.WriteFrame([]byte("hello"))
		_ = a.WriteFrame([]byte{})
	}()

	got, err := b.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got, err = b.ReadFrame()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStreamConnRejectsOversizedFrame(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	go func() {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
		_, _ = c1.Write(hdr[:])
	}()

	_, err := NewStreamConn(c2).ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

type recordingHandler struct {
	connected    chan struct{}
	delivered    chan openapi.Envelope
	disconnected chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		connected:    make(chan struct{}, 4),
		delivered:    make(chan openapi.Envelope, 4),
		disconnected: make(chan error, 4),
	}
}

func (h *recordingHandler) OnConnected()                 { h.connected <- struct{}{} }
func (h *recordingHandler) Deliver(env openapi.Envelope) { h.delivered <- env }
func (h *recordingHandler) OnDisconnected(err error)     { h.disconnected <- err }

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestConnectionManagerRoundTrip(t *testing.T) {
	servers := make(chan net.Conn, 1)
	h := newRecordingHandler()
	cm := NewConnectionManager("tcp://broker", time.Hour, h).WithDialer(func(ctx context.Context, url string) (Conn, error) {
		client, server := net.Pipe()
		servers <- server
		return NewStreamConn(client), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cm.Run(ctx)

	server := NewStreamConn(wait(t, servers))
	wait(t, h.connected)
	assert.True(t, cm.Connected())

	go func() {
		_ = server.WriteFrame(openapi.Encode(openapi.AccountAuthReq{AccountID: 7}, "m-1"))
	}()
	env := wait(t, h.delivered)
	assert.Equal(t, openapi.PayloadAccountAuthReq, env.PayloadType)
	assert.Equal(t, "m-1", env.ClientMsgID)

	sent := make(chan error, 1)
	go func() { sent <- cm.Send(openapi.ReconcileReq{AccountID: 7}, "m-2") }()
	frame, err := server.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, wait(t, sent))
	out, err := openapi.DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, openapi.PayloadReconcileReq, out.PayloadType)
	assert.Equal(t, "m-2", out.ClientMsgID)

	require.NoError(t, server.Close())
	assert.Error(t, wait(t, h.disconnected))
	assert.False(t, cm.Connected())
	assert.ErrorIs(t, cm.Send(openapi.HeartbeatEvent{}, ""), ErrNotConnected)
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 10*time.Second, nextBackoff(5*time.Second))
	assert.Equal(t, 60*time.Second, nextBackoff(40*time.Second))
}
