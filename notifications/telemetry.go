// Package notifications delivers per-position PnL snapshots to dashboards.
// Delivery is fire-and-forget: Publish never blocks the caller and failures
// are logged and counted, never returned.
package notifications

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arifwicaksono2000/botapp-trader/logger"
	"github.com/arifwicaksono2000/botapp-trader/metrics"
)

// PositionSnapshot is the display state of one position after a PnL tick.
type PositionSnapshot struct {
	PositionID int64     `json:"positionId"`
	TradeID    uint      `json:"tradeId"`
	Side       string    `json:"side"`
	Lot        float64   `json:"lot"`
	EntryPrice float64   `json:"entry_price"`
	NetPnL     float64   `json:"netUnrealisedPnL"`
	GrossPnL   float64   `json:"grossUnrealisedPnL"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}

// Sink is one delivery target.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, snap PositionSnapshot) error
}

// Fanout queues snapshots and delivers each to every sink from its own
// goroutine.
type Fanout struct {
	sinks   []Sink
	queue   chan PositionSnapshot
	timeout time.Duration
}

// NewFanout creates a fan-out over sinks. Nil sinks are skipped.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{
		queue:   make(chan PositionSnapshot, 256),
		timeout: 5 * time.Second,
	}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish queues a snapshot. A full queue drops it.
func (f *Fanout) Publish(snap PositionSnapshot) {
	select {
	case f.queue <- snap:
	default:
		metrics.TelemetryFailures.WithLabelValues("queue").Inc()
		logger.WithField("position_id", snap.PositionID).Debug("Telemetry queue full, snapshot dropped")
	}
}

// Run delivers queued snapshots until ctx is done.
func (f *Fanout) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-f.queue:
			f.deliver(ctx, snap)
		}
	}
}

func (f *Fanout) deliver(ctx context.Context, snap PositionSnapshot) {
	for _, sink := range f.sinks {
		dctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := sink.Deliver(dctx, snap)
		cancel()
		if err != nil {
			metrics.TelemetryFailures.WithLabelValues(sink.Name()).Inc()
			logger.WithFields(logrus.Fields{
				"sink":        sink.Name(),
				"position_id": snap.PositionID,
			}).Warnf("Telemetry delivery failed: %v", err)
		}
	}
}
