package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arifwicaksono2000/botapp-trader/realtime"
)

type recordingSink struct {
	mu    sync.Mutex
	got   []PositionSnapshot
	fail  bool
	calls atomic.Int32
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, snap PositionSnapshot) error {
	s.calls.Add(1)
	if s.fail {
		return errors.New("boom")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, snap)
	return nil
}

func (s *recordingSink) snapshots() []PositionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PositionSnapshot(nil), s.got...)
}

func TestFanout_DeliversToEverySinkDespiteFailures(t *testing.T) {
	failing := &recordingSink{fail: true}
	ok := &recordingSink{}
	f := NewFanout(failing, nil, ok)
	require.Len(t, f.sinks, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	f.Publish(PositionSnapshot{PositionID: 1, NetPnL: -3.5})
	f.Publish(PositionSnapshot{PositionID: 2})

	require.Eventually(t, func() bool { return len(ok.snapshots()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), failing.calls.Load())
	assert.Equal(t, int64(1), ok.snapshots()[0].PositionID)
}

func TestFanout_PublishNeverBlocks(t *testing.T) {
	f := NewFanout(&recordingSink{})
	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(f.queue)+10; i++ {
			f.Publish(PositionSnapshot{PositionID: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}

func TestHTTPBroadcaster_PostsEnvelope(t *testing.T) {
	var got BroadcastPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewHTTPBroadcaster(srv.URL)
	require.NotNil(t, sink)
	require.NoError(t, sink.Deliver(context.Background(), PositionSnapshot{PositionID: 9, Lot: 0.1, Status: "open"}))

	assert.Equal(t, EventPositionUpdate, got.Type)
	assert.Equal(t, int64(9), got.Data.PositionID)
	assert.Equal(t, 0.1, got.Data.Lot)
}

func TestHTTPBroadcaster_RetriesThenFails(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewHTTPBroadcaster(srv.URL).(*HTTPBroadcaster)
	sink.retryDelay = time.Millisecond

	err := sink.Deliver(context.Background(), PositionSnapshot{PositionID: 1})
	assert.Error(t, err)
	assert.Equal(t, int32(sink.maxRetries), hits.Load())
}

func TestOptionalSinksAreNil(t *testing.T) {
	assert.Nil(t, NewHTTPBroadcaster(""))
	assert.Nil(t, NewRedisSink(nil, "positions"))
	assert.Nil(t, NewBrokerSink(nil))
}

func TestBrokerSink_ReachesSSEClient(t *testing.T) {
	broker := realtime.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broker.Run(ctx)

	srv := httptest.NewServer(broker)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return broker.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	sink := NewBrokerSink(broker)
	require.NoError(t, sink.Deliver(context.Background(), PositionSnapshot{PositionID: 77}))

	buf := make([]byte, 512)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), `"positionId":77`)
	assert.Contains(t, string(buf[:n]), EventPositionUpdate)
}
