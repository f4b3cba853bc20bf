// Package engine is the hedging engine: a single-threaded event loop that
// owns the broker session, the working set of live positions, the order
// lifecycle, the PnL monitor and reconciliation. Blocking ledger and
// credential calls run on a worker pool and report back onto the loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arifwicaksono2000/botapp-trader/database/models"
	"github.com/arifwicaksono2000/botapp-trader/helpers"
	"github.com/arifwicaksono2000/botapp-trader/ladder"
	"github.com/arifwicaksono2000/botapp-trader/ledger"
	"github.com/arifwicaksono2000/botapp-trader/logger"
	"github.com/arifwicaksono2000/botapp-trader/notifications"
	"github.com/arifwicaksono2000/botapp-trader/openapi"
)

// ErrFatal marks faults that must stop the process.
var ErrFatal = errors.New("fatal engine fault")

var errRequestTimeout = errors.New("request timed out")

// Gateway sends requests to the broker.
type Gateway interface {
	Send(req openapi.Request, clientMsgID string) error
}

// Credentials supplies the account access token.
type Credentials interface {
	AccessToken(ctx context.Context) (string, error)

	// Refresh runs the refresh-token grant, persists the new pair and
	// returns the new access token.
	Refresh(ctx context.Context) (string, error)
}

// Telemetry receives position snapshots. Publish must not block.
type Telemetry interface {
	Publish(snap notifications.PositionSnapshot)
}

// Progressor is the progression engine as seen by reconciliation and finalize.
type Progressor interface {
	Advance(ctx context.Context) ([]models.Trade, error)
	EvaluateSegment(ctx context.Context, segmentID uint) (models.SegmentStatus, error)
}

// Config holds broker identity and timing.
type Config struct {
	ClientID     string
	ClientSecret string
	AccountID    int64
	SymbolID     int64

	HoldDuration      time.Duration
	PnLInterval       time.Duration
	ReconcileInterval time.Duration
	ConfirmDelay      time.Duration
	VenueRetryDelay   time.Duration
	RequestTimeout    time.Duration
	PipSize           float64
}

func (c *Config) setDefaults() {
	if c.HoldDuration <= 0 {
		c.HoldDuration = 60 * time.Second
	}
	if c.PnLInterval <= 0 {
		c.PnLInterval = time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Minute
	}
	if c.ConfirmDelay <= 0 {
		c.ConfirmDelay = 2 * time.Second
	}
	if c.VenueRetryDelay <= 0 {
		c.VenueRetryDelay = 30 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PipSize <= 0 {
		c.PipSize = 0.0001
	}
}

// Deps are the engine's collaborators. Telemetry may be nil.
type Deps struct {
	Scheduler   Scheduler
	Gateway     Gateway
	Store       ledger.Store
	Ladder      *ladder.Ladder
	Progression Progressor
	Credentials Credentials
	Telemetry   Telemetry
}

// Quote is the last spot price of the traded symbol.
type Quote struct {
	Bid float64   `json:"bid"`
	Ask float64   `json:"ask"`
	At  time.Time `json:"at"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	State         SessionState `json:"state"`
	Halted        bool         `json:"halted"`
	Refreshing    bool         `json:"refreshing"`
	Reconciling   bool         `json:"reconciling"`
	PendingOrders int          `json:"pending_orders"`
	Spot          Quote        `json:"spot"`
	Positions     []Position   `json:"positions"`
	Trades        []Couple     `json:"trades"`
}

// Engine is driven by the transport through OnConnected, Deliver and
// OnDisconnected. Everything below the exported methods runs on the loop.
type Engine struct {
	cfg         Config
	sched       Scheduler
	gw          Gateway
	store       ledger.Store
	ladder      *ladder.Ladder
	progression Progressor
	creds       Credentials
	telemetry   Telemetry
	now         func() time.Time

	state    SessionState
	ws       *WorkingSet
	orders   *Registry
	requests map[string]func(openapi.Event)
	writes   map[uint]*writeQueue
	touched  map[uint]bool

	timers         map[*trackedTimer]struct{}
	holds          map[int64]Timer
	retries        map[string]Timer
	pnlTimer       Timer
	reconcileTimer Timer

	refreshing   bool
	reconciling  bool
	rerun        bool
	pass         uint64
	halted       bool
	subaccountID uint
	spot         Quote

	shuttingDown atomic.Bool
	loggedOut    chan struct{}
	logoutOnce   sync.Once
	fatal        chan error
}

// New creates an engine in the Disconnected state.
func New(cfg Config, deps Deps) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:         cfg,
		sched:       deps.Scheduler,
		gw:          deps.Gateway,
		store:       deps.Store,
		ladder:      deps.Ladder,
		progression: deps.Progression,
		creds:       deps.Credentials,
		telemetry:   deps.Telemetry,
		now:         func() time.Time { return time.Now().UTC() },
		ws:          NewWorkingSet(),
		orders:      NewRegistry(),
		requests:    make(map[string]func(openapi.Event)),
		writes:      make(map[uint]*writeQueue),
		touched:     make(map[uint]bool),
		timers:      make(map[*trackedTimer]struct{}),
		holds:       make(map[int64]Timer),
		retries:     make(map[string]Timer),
		loggedOut:   make(chan struct{}),
		fatal:       make(chan error, 1),
	}
}

// Fatal delivers the first fatal fault. The process should stop on receipt.
func (e *Engine) Fatal() <-chan error {
	return e.fatal
}

// OnConnected starts the handshake on a fresh connection.
func (e *Engine) OnConnected() {
	e.sched.Post(e.connected)
}

// OnDisconnected reports transport loss.
func (e *Engine) OnDisconnected(err error) {
	e.sched.Post(func() { e.disconnected(err) })
}

// Deliver decodes an inbound message and hands it to the loop.
func (e *Engine) Deliver(env openapi.Envelope) {
	evt, err := openapi.Decode(env)
	if err != nil {
		logger.WithField("payload_type", env.PayloadType).Warnf("Failed to decode message: %v", err)
		return
	}
	e.sched.Post(func() { e.handle(evt, env.ClientMsgID) })
}

// RequestRefresh asks for a proactive token refresh. It is skipped while a
// refresh is already in flight.
func (e *Engine) RequestRefresh() {
	e.sched.Post(func() {
		if e.refreshing {
			logger.Info("Token refresh already in flight, proactive refresh skipped")
			return
		}
		if e.state != StateReady {
			logger.Debugf("Proactive refresh skipped in state %s", e.state)
			return
		}
		e.refresh("proactive")
	})
}

// EmergencyStop closes every open position and stops opening new trades.
// It returns the number of close requests sent.
func (e *Engine) EmergencyStop(ctx context.Context) (int, error) {
	return call(ctx, e.sched, e.emergencyStop)
}

// Status returns a snapshot of the engine.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	return call(ctx, e.sched, e.status)
}

// Shutdown cancels all timers, logs the account out and waits for the
// acknowledgement or ctx. Repeated calls wait for the same logout.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.shuttingDown.CompareAndSwap(false, true) {
		e.sched.Post(e.drain)
	}
	select {
	case <-e.loggedOut:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("logout not acknowledged: %w", ctx.Err())
	}
}

// call runs fn on the loop and waits for its result.
func call[T any](ctx context.Context, s Scheduler, fn func() T) (T, error) {
	ch := make(chan T, 1)
	s.Post(func() { ch <- fn() })
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (e *Engine) handle(evt openapi.Event, clientMsgID string) {
	if clientMsgID != "" {
		if cb, ok := e.requests[clientMsgID]; ok {
			delete(e.requests, clientMsgID)
			cb(evt)
			if er, ok := evt.(openapi.ErrorRes); ok && openapi.IsAuthExpired(er.ErrorCode) {
				e.onAuthExpired(er.ErrorCode)
			}
			return
		}
	}

	switch ev := evt.(type) {
	case openapi.ApplicationAuthRes:
		e.onAppAuth()
	case openapi.AccountAuthRes:
		e.onAccountAuth()
	case openapi.SubscribeSpotsRes:
		e.onSubscribed()
	case openapi.ExecutionEvent:
		e.onExecution(ev)
	case openapi.SpotEvent:
		e.onSpot(ev)
	case openapi.UnrealizedPnLRes:
		e.onUnrealizedPnL(ev)
	case openapi.ReconcileRes:
		logger.Debugf("Uncorrelated reconcile response ignored")
	case openapi.OrderErrorEvent:
		e.onOrderError(ev, clientMsgID)
	case openapi.ErrorRes:
		e.onError(ev, clientMsgID)
	case openapi.Heartbeat:
	case openapi.AccountLogoutRes:
		e.onLoggedOut()
	case openapi.AccountDisconnectEvent:
		e.onAccountDisconnect()
	case openapi.ClientDisconnectEvent:
		logger.Warnf("Server is closing the connection: %s", ev.Reason)
	case openapi.TokenInvalidatedEvent:
		logger.Warnf("Access token invalidated: %s", ev.Reason)
		e.onAuthExpired("TOKEN_INVALIDATED")
	case openapi.Unknown:
		logger.Debugf("Ignoring payload type %d", ev.PayloadType)
	}
}

func (e *Engine) onSpot(ev openapi.SpotEvent) {
	if ev.SymbolID != e.cfg.SymbolID {
		return
	}
	if ev.Bid != 0 {
		e.spot.Bid = float64(ev.Bid) / 100000
	}
	if ev.Ask != 0 {
		e.spot.Ask = float64(ev.Ask) / 100000
	}
	e.spot.At = e.now()
}

// send encodes req with a fresh clientMsgId.
func (e *Engine) send(req openapi.Request) error {
	if err := e.gw.Send(req, helpers.NewMessageID()); err != nil {
		logger.WithField("payload_type", req.PayloadType()).Warnf("Send failed: %v", err)
		return err
	}
	return nil
}

func (e *Engine) fail(err error) {
	logger.WithField("fatal", true).Error(err.Error())
	select {
	case e.fatal <- err:
	default:
	}
}

func (e *Engine) status() Status {
	positions, couples := e.ws.Snapshot()
	return Status{
		State:         e.state,
		Halted:        e.halted,
		Refreshing:    e.refreshing,
		Reconciling:   e.reconciling,
		PendingOrders: e.orders.Len(),
		Spot:          e.spot,
		Positions:     positions,
		Trades:        couples,
	}
}

func (e *Engine) emergencyStop() int {
	e.halted = true
	for key, t := range e.retries {
		t.Stop()
		delete(e.retries, key)
		e.orders.Resolve(key)
	}

	n := 0
	for _, p := range e.ws.OpenPositions() {
		if e.requestClose(p.ID, "emergency_stop") {
			n++
		}
	}
	logger.WithField("closes", n).Warn("Emergency stop: closing all positions, new trades halted")
	return n
}

// trackedTimer is a loop timer registered with the engine so disconnect
// and shutdown can cancel everything at once.
type trackedTimer struct {
	inner Timer
	e     *Engine
}

func (t *trackedTimer) Stop() {
	t.inner.Stop()
	delete(t.e.timers, t)
}

type noopTimer struct{}

func (noopTimer) Stop() {}

// after schedules fn on the loop. No timers are armed once draining.
func (e *Engine) after(d time.Duration, fn func()) Timer {
	if e.state == StateDraining || e.shuttingDown.Load() {
		return noopTimer{}
	}
	tt := &trackedTimer{e: e}
	tt.inner = e.sched.AfterFunc(d, func() {
		delete(e.timers, tt)
		fn()
	})
	e.timers[tt] = struct{}{}
	return tt
}

func (e *Engine) cancelAllTimers() {
	for t := range e.timers {
		t.inner.Stop()
	}
	e.timers = make(map[*trackedTimer]struct{})
	e.holds = make(map[int64]Timer)
	e.retries = make(map[string]Timer)
	e.pnlTimer = nil
	e.reconcileTimer = nil
}

// ledgerOp is one queued ledger write of a trade.
type ledgerOp struct {
	name string
	run  func(ctx context.Context) error
	then func(err error)
}

type writeQueue struct {
	ops     []ledgerOp
	running bool
}

// write queues op behind earlier writes of the same trade, so a leg's close
// never overtakes its creation.
func (e *Engine) write(tradeID uint, op ledgerOp) {
	q, ok := e.writes[tradeID]
	if !ok {
		q = &writeQueue{}
		e.writes[tradeID] = q
	}
	q.ops = append(q.ops, op)
	if !q.running {
		e.runWrite(tradeID, q)
	}
}

func (e *Engine) runWrite(tradeID uint, q *writeQueue) {
	op := q.ops[0]
	q.running = true
	e.sched.Go(func(ctx context.Context) func() {
		err := op.run(ctx)
		return func() {
			q.ops = q.ops[1:]
			q.running = false
			e.touched[tradeID] = true
			if err != nil {
				logger.WithFields(logrus.Fields{
					"trade_id": tradeID,
					"op":       op.name,
				}).Errorf("Ledger write failed: %v", err)
			}
			if op.then != nil {
				op.then(err)
			}
			if len(q.ops) > 0 {
				e.runWrite(tradeID, q)
			} else if e.writes[tradeID] == q {
				delete(e.writes, tradeID)
			}
		}
	})
}

func (e *Engine) writesInFlight(tradeID uint) bool {
	q, ok := e.writes[tradeID]
	return ok && len(q.ops) > 0
}
