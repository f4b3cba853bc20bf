package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arifwicaksono2000/botapp-trader/database/models"
	"github.com/arifwicaksono2000/botapp-trader/ladder"
	"github.com/arifwicaksono2000/botapp-trader/ledger"
	"github.com/arifwicaksono2000/botapp-trader/ledger/memory"
	"github.com/arifwicaksono2000/botapp-trader/notifications"
	"github.com/arifwicaksono2000/botapp-trader/openapi"
	"github.com/arifwicaksono2000/botapp-trader/progression"
)

// manualScheduler runs everything on the test goroutine. Timers fire only
// through Advance; posts and worker tasks run through Drain.
type manualScheduler struct {
	now    time.Duration
	posts  []func()
	tasks  []func(ctx context.Context) func()
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() { t.stopped = true }

func (s *manualScheduler) Post(fn func()) { s.posts = append(s.posts, fn) }

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	t := &manualTimer{at: s.now + d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) Go(task func(ctx context.Context) func()) {
	s.tasks = append(s.tasks, task)
}

// Drain runs posts and worker tasks until both queues are empty.
func (s *manualScheduler) Drain() {
	for len(s.posts) > 0 || len(s.tasks) > 0 {
		if len(s.posts) > 0 {
			fn := s.posts[0]
			s.posts = s.posts[1:]
			fn()
			continue
		}
		task := s.tasks[0]
		s.tasks = s.tasks[1:]
		if cont := task(context.Background()); cont != nil {
			s.posts = append(s.posts, cont)
		}
	}
}

// Advance moves the clock, firing due timers in order and draining after each.
func (s *manualScheduler) Advance(d time.Duration) {
	target := s.now + d
	for {
		var next *manualTimer
		for _, t := range s.timers {
			if t.stopped || t.fired || t.at > target {
				continue
			}
			if next == nil || t.at < next.at {
				next = t
			}
		}
		if next == nil {
			break
		}
		s.now = next.at
		next.fired = true
		next.fn()
		s.Drain()
	}
	s.now = target
}

// Armed counts timers that can still fire.
func (s *manualScheduler) Armed() int {
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type sentMsg struct {
	req openapi.Request
	id  string
}

type recordingGateway struct {
	sent []sentMsg
	err  error
}

func (g *recordingGateway) Send(req openapi.Request, clientMsgID string) error {
	if g.err != nil {
		return g.err
	}
	g.sent = append(g.sent, sentMsg{req: req, id: clientMsgID})
	return nil
}

func sentOf[T openapi.Request](g *recordingGateway) []T {
	var out []T
	for _, m := range g.sent {
		if v, ok := m.req.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// lastID returns the clientMsgId of the last request of type T.
func lastID[T openapi.Request](t *testing.T, g *recordingGateway) string {
	t.Helper()
	for i := len(g.sent) - 1; i >= 0; i-- {
		if _, ok := g.sent[i].req.(T); ok {
			return g.sent[i].id
		}
	}
	t.Fatalf("no %T sent", *new(T))
	return ""
}

type fakeCredentials struct {
	token      string
	refreshed  string
	refreshErr error
	refreshes  int
}

func (c *fakeCredentials) AccessToken(context.Context) (string, error) {
	return c.token, nil
}

func (c *fakeCredentials) Refresh(context.Context) (string, error) {
	c.refreshes++
	if c.refreshErr != nil {
		return "", c.refreshErr
	}
	c.token = c.refreshed
	return c.refreshed, nil
}

type recordingTelemetry struct {
	mu    sync.Mutex
	snaps []notifications.PositionSnapshot
}

func (r *recordingTelemetry) Publish(snap notifications.PositionSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

// faultyStore fails the next n calls of chosen ledger writes.
type faultyStore struct {
	*memory.Store

	mu   sync.Mutex
	fail map[string]int
}

func (f *faultyStore) failNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] += n
}

func (f *faultyStore) fault(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[op] > 0 {
		f.fail[op]--
		return errBoom
	}
	return nil
}

func (f *faultyStore) CreateTradeDetail(ctx context.Context, d *models.TradeDetail) error {
	if err := f.fault("CreateTradeDetail"); err != nil {
		return err
	}
	return f.Store.CreateTradeDetail(ctx, d)
}

func (f *faultyStore) CloseTradeDetail(ctx context.Context, c ledger.DetailClose) error {
	if err := f.fault("CloseTradeDetail"); err != nil {
		return err
	}
	return f.Store.CloseTradeDetail(ctx, c)
}

func (f *faultyStore) FinalizeTrade(ctx context.Context, fin ledger.Finalization) error {
	if err := f.fault("FinalizeTrade"); err != nil {
		return err
	}
	return f.Store.FinalizeTrade(ctx, fin)
}

const (
	testAccountID = 42
	testSymbolID  = 1
	testVolume    = 1_000_000
)

var testMilestones = []models.Milestone{
	{ID: 1, StartingBalance: 500, EndingBalance: 1500, LotSize: 0.1, ProfitGoal: 100, Loss: 100},
	{ID: 2, StartingBalance: 1500, EndingBalance: 3000, LotSize: 0.2, ProfitGoal: 200, Loss: 200},
}

type harness struct {
	t     *testing.T
	e     *Engine
	s     *manualScheduler
	gw    *recordingGateway
	store *memory.Store
	fault *faultyStore
	creds *fakeCredentials
	tel   *recordingTelemetry
	sub   *models.Subaccount
}

func newHarness(t *testing.T, balance float64) *harness {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	sub := &models.Subaccount{AccountID: testAccountID, Balance: balance, IsDefault: true}
	require.NoError(t, store.Seed(ctx, ledger.SeedData{
		Milestones:     testMilestones,
		InitialLevelID: 1,
		Subaccount:     sub,
	}))
	l, err := ladder.New(testMilestones)
	require.NoError(t, err)

	h := &harness{
		t:     t,
		s:     &manualScheduler{},
		gw:    &recordingGateway{},
		store: store,
		fault: &faultyStore{Store: store, fail: make(map[string]int)},
		creds: &fakeCredentials{token: "tok-1", refreshed: "tok-2"},
		tel:   &recordingTelemetry{},
		sub:   sub,
	}
	h.e = New(Config{
		ClientID:          "client",
		ClientSecret:      "secret",
		AccountID:         testAccountID,
		SymbolID:          testSymbolID,
		HoldDuration:      60 * time.Second,
		PnLInterval:       time.Second,
		ReconcileInterval: 24 * time.Hour,
		ConfirmDelay:      2 * time.Second,
		VenueRetryDelay:   30 * time.Minute,
		RequestTimeout:    30 * time.Second,
		PipSize:           0.0001,
	}, Deps{
		Scheduler:   h.s,
		Gateway:     h.gw,
		Store:       h.fault,
		Ladder:      l,
		Progression: progression.New(store, l, progression.Config{AccountID: testAccountID, Pair: "EURUSD"}),
		Credentials: h.creds,
		Telemetry:   h.tel,
	})
	return h
}

// deliver hands an event to the engine as the transport would.
func (h *harness) deliver(evt openapi.Event, clientMsgID string) {
	h.e.handle(evt, clientMsgID)
	h.s.Drain()
}

// handshake drives the session to Ready. The first reconciliation pass is
// left waiting for its exchange snapshot.
func (h *harness) handshake() {
	h.t.Helper()
	h.e.connected()
	h.s.Drain()
	h.deliver(openapi.ApplicationAuthRes{}, "")
	h.deliver(openapi.AccountAuthRes{AccountID: testAccountID}, "")
	h.deliver(openapi.SubscribeSpotsRes{}, "")
	require.Equal(h.t, StateReady, h.e.state)
}

// answerReconcile replies to the last reconcile request.
func (h *harness) answerReconcile(positions ...openapi.Position) {
	h.t.Helper()
	h.deliver(openapi.ReconcileRes{AccountID: testAccountID, Positions: positions}, lastID[openapi.ReconcileReq](h.t, h.gw))
}

// openFirstTrade reaches Ready on a clean account and returns the tokens of
// the two orders the first trade sends.
func (h *harness) openFirstTrade() (long, short string) {
	h.t.Helper()
	h.handshake()
	h.answerReconcile()
	orders := sentOf[openapi.NewOrderReq](h.gw)
	require.Len(h.t, orders, 2)
	return orders[0].ClientOrderID, orders[1].ClientOrderID
}

func (h *harness) fill(token string, positionID int64, price float64) {
	h.deliver(openapi.ExecutionEvent{
		AccountID: testAccountID,
		Type:      openapi.ExecutionOrderFilled,
		Position: &openapi.Position{
			PositionID: positionID,
			TradeData:  openapi.TradeData{SymbolID: testSymbolID, Volume: testVolume, Label: token},
			Status:     openapi.PositionStatusOpen,
			Price:      price,
		},
		Order: &openapi.Order{ClientOrderID: token, ExecutedVolume: testVolume},
		Deal:  &openapi.Deal{PositionID: positionID, ExecutionPrice: price, FilledVolume: testVolume},
	}, "")
}

// closed reports a position closed on the exchange with grossCents of profit.
func (h *harness) closed(positionID int64, exit float64, grossCents int64) {
	h.deliver(openapi.ExecutionEvent{
		AccountID: testAccountID,
		Type:      openapi.ExecutionOrderFilled,
		Position: &openapi.Position{
			PositionID: positionID,
			TradeData:  openapi.TradeData{SymbolID: testSymbolID},
			Status:     openapi.PositionStatusClosed,
		},
		Order: &openapi.Order{ClosingOrder: true},
		Deal: &openapi.Deal{
			PositionID:     positionID,
			ExecutionPrice: exit,
			Close:          &openapi.ClosePositionDetail{GrossProfit: grossCents, MoneyDigits: 2},
		},
	}, "")
}

func (h *harness) closesFor(positionID int64) int {
	n := 0
	for _, c := range sentOf[openapi.ClosePositionReq](h.gw) {
		if c.PositionID == positionID {
			n++
		}
	}
	return n
}

func (h *harness) trade(id uint) models.Trade {
	h.t.Helper()
	t, err := h.store.Trade(context.Background(), id)
	require.NoError(h.t, err)
	return *t
}

func (h *harness) details(tradeID uint) []models.TradeDetail {
	h.t.Helper()
	ds, err := h.store.TradeDetails(context.Background(), ledger.DetailFilter{TradeID: tradeID})
	require.NoError(h.t, err)
	return ds
}

var errBoom = errors.New("boom")
