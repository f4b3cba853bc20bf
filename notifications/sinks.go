package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arifwicaksono2000/botapp-trader/cache"
	"github.com/arifwicaksono2000/botapp-trader/realtime"
)

// EventPositionUpdate is the event name used by every sink.
const EventPositionUpdate = "position_update"

// StatusClosed marks the final snapshot of a position.
const StatusClosed = "closed"

// ErrDropped is returned when a sink discards a snapshot.
var ErrDropped = errors.New("snapshot dropped")

// RedisSink publishes snapshots on a channel and keeps the latest one per
// position under position:<id>.
type RedisSink struct {
	redis   *cache.RedisClient
	channel string
	ttl     time.Duration
}

// NewRedisSink returns nil when redis is nil so NewFanout skips it.
func NewRedisSink(redis *cache.RedisClient, channel string) Sink {
	if redis == nil {
		return nil
	}
	return &RedisSink{redis: redis, channel: channel, ttl: 10 * time.Minute}
}

func (s *RedisSink) Name() string { return "redis" }

// Deliver publishes snap and refreshes its key. A closed position's key
// is removed.
func (s *RedisSink) Deliver(ctx context.Context, snap PositionSnapshot) error {
	if err := s.redis.Publish(ctx, s.channel, snap); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	key := snapshotKey(snap.PositionID)
	if snap.Status == StatusClosed {
		return s.redis.Delete(ctx, key)
	}
	return s.redis.Set(ctx, key, snap, s.ttl)
}

func snapshotKey(positionID int64) string {
	return fmt.Sprintf("position:%d", positionID)
}

// BrokerSink pushes snapshots to SSE clients.
type BrokerSink struct {
	broker *realtime.Broker
}

func NewBrokerSink(broker *realtime.Broker) Sink {
	if broker == nil {
		return nil
	}
	return &BrokerSink{broker: broker}
}

func (s *BrokerSink) Name() string { return "sse" }

func (s *BrokerSink) Deliver(_ context.Context, snap PositionSnapshot) error {
	if !s.broker.Broadcast(EventPositionUpdate, snap) {
		return ErrDropped
	}
	return nil
}
