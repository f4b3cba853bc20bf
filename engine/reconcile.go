package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/arifwicaksono2000/botapp-trader/database/models"
	"github.com/arifwicaksono2000/botapp-trader/helpers"
	"github.com/arifwicaksono2000/botapp-trader/ledger"
	"github.com/arifwicaksono2000/botapp-trader/logger"
	"github.com/arifwicaksono2000/botapp-trader/metrics"
	"github.com/arifwicaksono2000/botapp-trader/openapi"
)

// legState is one side of a running trade as the ledger and the exchange
// see it.
type legState int

const (
	legMissing legState = iota // no ledger row
	legOpen                    // running row, position on the exchange
	legGone                    // running row, position not on the exchange
	legSettled                 // closed row with exit data, or closed in the working set
)

type legRecord struct {
	side   Side
	state  legState
	detail models.TradeDetail
	pos    openapi.Position
}

// healthyTrade is a running trade whose legs are each open on the exchange
// or already settled, with at least one still open.
type healthyTrade struct {
	trade models.Trade
	legs  [2]legRecord
}

// brokenTrade is a running trade with a leg missing or gone from the
// exchange. Lingering holds the legs that are still open.
type brokenTrade struct {
	trade     models.Trade
	lingering []openapi.Position
}

// plan is the outcome of comparing the ledger with the exchange.
type plan struct {
	zombies  []openapi.Position
	healthy  []healthyTrade
	settled  []Couple
	broken   []brokenTrade
	unopened []models.Trade
	stale    []uint
	skipped  []uint
}

// planInput is everything buildPlan looks at. busy, protected and couple
// consult live engine state; everything else is a snapshot.
type planInput struct {
	exchange []openapi.Position
	trades   []models.Trade

	// details holds every row of the running trades plus the running rows
	// of any other trade.
	details []models.TradeDetail

	// busy trades have work in flight and are left for the next pass.
	busy func(tradeID uint) bool

	// protected positions belong to orders or legs the engine is tracking.
	protected func(pos openapi.Position) bool

	couple func(tradeID uint) (Couple, bool)
}

// buildPlan classifies every exchange position and running trade.
func buildPlan(in planInput) plan {
	var p plan

	running := make(map[uint]bool, len(in.trades))
	for _, t := range in.trades {
		running[t.ID] = true
	}

	byTrade := make(map[uint][]models.TradeDetail)
	referenced := make(map[int64]bool)
	for _, d := range in.details {
		if !running[d.TradeID] {
			if d.Status == models.DetailRunning {
				p.stale = append(p.stale, d.ID)
			}
			continue
		}
		byTrade[d.TradeID] = append(byTrade[d.TradeID], d)
		if d.Status == models.DetailRunning && d.PositionID != nil {
			referenced[*d.PositionID] = true
		}
	}

	onExchange := make(map[int64]openapi.Position, len(in.exchange))
	exchange := append([]openapi.Position(nil), in.exchange...)
	sort.Slice(exchange, func(i, j int) bool { return exchange[i].PositionID < exchange[j].PositionID })
	for _, pos := range exchange {
		onExchange[pos.PositionID] = pos
		if referenced[pos.PositionID] || in.protected(pos) {
			continue
		}
		p.zombies = append(p.zombies, pos)
	}

	trades := append([]models.Trade(nil), in.trades...)
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID < trades[j].ID })
	for _, t := range trades {
		if in.busy(t.ID) {
			p.skipped = append(p.skipped, t.ID)
			continue
		}
		rows := byTrade[t.ID]
		sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
		c, tracked := in.couple(t.ID)
		if len(rows) == 0 && (!tracked || (!c.Long.Bound() && !c.Short.Bound())) {
			p.unopened = append(p.unopened, t)
			continue
		}

		var legs [2]legRecord
		for i, side := range []Side{SideLong, SideShort} {
			l, stale := classifyLeg(side, rows, onExchange)
			p.stale = append(p.stale, stale...)
			if tracked && l.state != legMissing && c.Leg(side).Closed {
				l.state = legSettled
			}
			legs[i] = l
		}

		switch {
		case legs[0].state == legSettled && legs[1].state == legSettled:
			p.settled = append(p.settled, settledCouple(t, c, tracked, legs))
		case healthyLeg(legs[0]) && healthyLeg(legs[1]):
			p.healthy = append(p.healthy, healthyTrade{trade: t, legs: legs})
		default:
			p.broken = append(p.broken, brokenTrade{trade: t, lingering: lingering(legs, c, tracked, onExchange)})
		}
	}
	return p
}

// classifyLeg picks the ledger row of one side: the first running row, else
// the last closed row with exit data. Further running rows are stale.
func classifyLeg(side Side, rows []models.TradeDetail, onExchange map[int64]openapi.Position) (legRecord, []uint) {
	l := legRecord{side: side}
	var stale []uint
	for _, d := range rows {
		if d.PositionType != models.PositionType(side) {
			continue
		}
		switch {
		case d.Status == models.DetailRunning && (l.state == legOpen || l.state == legGone):
			stale = append(stale, d.ID)
		case d.Status == models.DetailRunning:
			l.detail = d
			l.state = legGone
			if d.PositionID != nil {
				if pos, ok := onExchange[*d.PositionID]; ok {
					l.pos = pos
					l.state = legOpen
				}
			}
		case d.ExitPrice != nil && (l.state == legMissing || l.state == legSettled):
			l.detail = d
			l.state = legSettled
		}
	}
	return l, stale
}

func healthyLeg(l legRecord) bool {
	return l.state == legOpen || l.state == legSettled
}

// lingering lists the exchange positions of a broken trade: open ledger legs
// and legs the working set bound without a ledger row.
func lingering(legs [2]legRecord, c Couple, tracked bool, onExchange map[int64]openapi.Position) []openapi.Position {
	var out []openapi.Position
	seen := make(map[int64]bool)
	add := func(id int64) {
		if pos, ok := onExchange[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, pos)
		}
	}
	for _, l := range legs {
		if l.state == legOpen {
			add(l.pos.PositionID)
		}
	}
	if tracked {
		for _, leg := range []Leg{c.Long, c.Short} {
			if leg.Bound() && !leg.Closed {
				add(leg.PositionID)
			}
		}
	}
	return out
}

// settledCouple rebuilds the couple of a trade whose legs both closed but
// which was never finalized. Legs closed in the working set win over the
// ledger rows.
func settledCouple(t models.Trade, c Couple, tracked bool, legs [2]legRecord) Couple {
	if !tracked {
		c = Couple{
			TradeID:         t.ID,
			SegmentID:       t.SegmentID,
			LevelID:         t.CurrentLevelID,
			StartingBalance: t.StartingBalance,
			Allocated:       t.StartingBalance,
			Target:          t.TargetBalance(),
			OpenedAt:        t.OpenedAt,
		}
	}
	for _, l := range legs {
		if leg := c.Leg(l.side); !leg.Closed {
			*leg = ledgerLeg(l.detail)
		}
	}
	return c
}

// ledgerLeg rebuilds a closed leg from its ledger row.
func ledgerLeg(d models.TradeDetail) Leg {
	l := Leg{
		Outcome:    outcomeOf(d.Status),
		Closed:     true,
		EntryPrice: d.EntryPrice,
		OpenedAt:   d.OpenedAt,
	}
	if d.PositionID != nil {
		l.PositionID = *d.PositionID
	}
	if d.ExitPrice != nil {
		l.ExitPrice = *d.ExitPrice
	}
	if d.Realized != nil {
		l.Realized = *d.Realized
	}
	if d.ClosedAt != nil {
		l.ClosedAt = *d.ClosedAt
	}
	return l
}

func (e *Engine) busy(tradeID uint) bool {
	if e.touched[tradeID] || e.orders.HasTrade(tradeID) || e.writesInFlight(tradeID) {
		return true
	}
	c, ok := e.ws.Couple(tradeID)
	if !ok {
		return false
	}
	for _, leg := range []Leg{c.Long, c.Short} {
		if !leg.Bound() {
			continue
		}
		if p, ok := e.ws.Position(leg.PositionID); ok && p.Status == PositionClosing {
			return true
		}
	}
	return false
}

func (e *Engine) protected(pos openapi.Position) bool {
	return e.ws.Bound(pos.PositionID) || e.orders.Pending(pos.TradeData.Label)
}

func (e *Engine) scheduleReconcileTick() {
	e.stopReconcileTick()
	e.reconcileTimer = e.after(e.cfg.ReconcileInterval, func() {
		e.reconcileTimer = nil
		e.requestReconcile()
		if e.state == StateReady {
			e.scheduleReconcileTick()
		}
	})
}

func (e *Engine) stopReconcileTick() {
	if e.reconcileTimer != nil {
		e.reconcileTimer.Stop()
		e.reconcileTimer = nil
	}
}

type ledgerView struct {
	subaccountID uint
	trades       []models.Trade
	details      []models.TradeDetail
}

// requestReconcile starts a pass, or queues one if a pass is running.
// The ledger is read before the exchange so positions newer than the
// ledger view are covered by the working set.
func (e *Engine) requestReconcile() {
	if e.state != StateReady || e.shuttingDown.Load() {
		return
	}
	if e.reconciling {
		e.rerun = true
		return
	}
	e.reconciling = true
	e.pass++
	e.touched = make(map[uint]bool)
	pass := e.pass

	async(e.sched, e.loadLedger, func(view ledgerView, err error) {
		if pass != e.pass {
			return
		}
		if err != nil {
			logger.Errorf("Reconciliation: ledger read failed: %v", err)
			e.endReconcile(pass)
			return
		}
		e.subaccountID = view.subaccountID
		e.fetchOpenPositions(func(positions []openapi.Position, err error) {
			if pass != e.pass {
				return
			}
			if err != nil {
				logger.Errorf("Reconciliation: exchange read failed: %v", err)
				e.endReconcile(pass)
				return
			}
			p := buildPlan(planInput{
				exchange:  positions,
				trades:    view.trades,
				details:   view.details,
				busy:      e.busy,
				protected: e.protected,
				couple:    e.ws.Couple,
			})
			e.apply(pass, p)
		})
	})
}

func (e *Engine) loadLedger(ctx context.Context) (ledgerView, error) {
	sub, err := e.store.Subaccount(ctx, e.cfg.AccountID)
	if err != nil {
		return ledgerView{}, fmt.Errorf("subaccount %d: %w", e.cfg.AccountID, err)
	}
	trades, err := e.store.Trades(ctx, ledger.TradeFilter{SubaccountID: sub.ID, Status: models.TradeRunning})
	if err != nil {
		return ledgerView{}, fmt.Errorf("running trades: %w", err)
	}
	details, err := e.store.TradeDetails(ctx, ledger.DetailFilter{SubaccountID: sub.ID, Status: models.DetailRunning})
	if err != nil {
		return ledgerView{}, fmt.Errorf("running trade details: %w", err)
	}
	seen := make(map[uint]bool, len(details))
	for _, d := range details {
		seen[d.ID] = true
	}
	for _, t := range trades {
		rows, err := e.store.TradeDetails(ctx, ledger.DetailFilter{TradeID: t.ID})
		if err != nil {
			return ledgerView{}, fmt.Errorf("details of trade %d: %w", t.ID, err)
		}
		for _, d := range rows {
			if !seen[d.ID] {
				seen[d.ID] = true
				details = append(details, d)
			}
		}
	}
	return ledgerView{subaccountID: sub.ID, trades: trades, details: details}, nil
}

// fetchOpenPositions asks the broker for every open position of the account.
func (e *Engine) fetchOpenPositions(done func([]openapi.Position, error)) {
	id := helpers.NewMessageID()
	var timeout Timer
	e.requests[id] = func(evt openapi.Event) {
		if timeout != nil {
			timeout.Stop()
		}
		switch v := evt.(type) {
		case openapi.ReconcileRes:
			done(v.Positions, nil)
		case openapi.ErrorRes:
			done(nil, fmt.Errorf("reconcile rejected: %s %s", v.ErrorCode, v.Description))
		default:
			done(nil, fmt.Errorf("unexpected reconcile reply %T", evt))
		}
	}
	if err := e.gw.Send(openapi.ReconcileReq{AccountID: e.cfg.AccountID}, id); err != nil {
		delete(e.requests, id)
		done(nil, err)
		return
	}
	timeout = e.after(e.cfg.RequestTimeout, func() {
		if _, ok := e.requests[id]; ok {
			delete(e.requests, id)
			done(nil, errRequestTimeout)
		}
	})
}

// apply carries out a plan: closes zombies and lingering legs, hydrates
// healthy trades, retires broken ones, then opens the next cycle once the
// exchange confirms the closes.
func (e *Engine) apply(pass uint64, p plan) {
	var closing []int64

	for _, z := range p.zombies {
		metrics.ReconcileMismatches.WithLabelValues("zombie").Inc()
		logger.WithFields(logrus.Fields{
			"position_id": z.PositionID,
			"label":       z.TradeData.Label,
		}).Warn("Zombie position on the exchange, closing")
		e.sendClose(z.PositionID, z.TradeData.Volume, "zombie")
		closing = append(closing, z.PositionID)
	}

	for _, h := range p.healthy {
		e.hydrate(h)
	}

	for _, c := range p.settled {
		metrics.ReconcileMismatches.WithLabelValues("unfinalized").Inc()
		logger.WithField("trade_id", c.TradeID).Warn("Closed trade was never finalized, finalizing")
		e.finalize(c)
	}

	for _, b := range p.broken {
		metrics.ReconcileMismatches.WithLabelValues("broken").Inc()
		logger.WithFields(logrus.Fields{
			"trade_id":  b.trade.ID,
			"lingering": len(b.lingering),
		}).Warn("Broken trade, resetting")
		if c, ok := e.ws.Couple(b.trade.ID); ok {
			e.cancelHold(c.Long.PositionID)
			e.cancelHold(c.Short.PositionID)
			e.ws.Release(b.trade.ID)
		}
		for _, pos := range b.lingering {
			e.sendClose(pos.PositionID, pos.TradeData.Volume, "broken")
			closing = append(closing, pos.PositionID)
		}
	}

	if len(p.stale) > 0 {
		metrics.ReconcileMismatches.WithLabelValues("stale").Add(float64(len(p.stale)))
		logger.Warnf("Closing %d stale trade details", len(p.stale))
	}
	if len(p.skipped) > 0 {
		logger.Debugf("Reconciliation skipped busy trades %v", p.skipped)
	}

	broken, stale := p.broken, p.stale
	now := e.now()
	async(e.sched, func(ctx context.Context) ([]models.Trade, error) {
		if len(stale) > 0 {
			if err := e.store.CloseStaleDetails(ctx, stale, now); err != nil {
				logger.Errorf("Closing stale details failed: %v", err)
			}
		}
		var replacements []models.Trade
		for _, b := range broken {
			t := b.trade
			rep := &models.Trade{
				SegmentID:       t.SegmentID,
				CurrentLevelID:  t.CurrentLevelID,
				StartingBalance: t.StartingBalance,
				ProfitGoal:      t.ProfitGoal,
				Status:          models.TradeRunning,
				OpenedAt:        now,
			}
			err := e.store.ResetTrade(ctx, ledger.TradeReset{TradeID: t.ID, ClosedAt: now, Replacement: rep})
			if err != nil {
				logger.WithField("trade_id", t.ID).Errorf("Trade reset failed: %v", err)
				continue
			}
			replacements = append(replacements, *rep)
		}
		return replacements, nil
	}, func(replacements []models.Trade, _ error) {
		if pass != e.pass {
			return
		}
		advance := len(p.settled) == 0
		next := func() { e.openCycle(pass, replacements, p.unopened, advance) }
		if len(closing) == 0 {
			next()
			return
		}
		e.after(e.cfg.ConfirmDelay, func() { e.confirmClosed(pass, closing, next) })
	})
}

// confirmClosed re-reads the exchange after closes were sent. A position
// that survived is re-closed and blocks opening for this pass.
func (e *Engine) confirmClosed(pass uint64, ids []int64, next func()) {
	e.fetchOpenPositions(func(positions []openapi.Position, err error) {
		if pass != e.pass {
			return
		}
		if err != nil {
			logger.Errorf("Reconciliation: close confirmation failed: %v", err)
			e.endReconcile(pass)
			return
		}
		still := make(map[int64]openapi.Position, len(positions))
		for _, pos := range positions {
			still[pos.PositionID] = pos
		}
		persisted := 0
		for _, id := range ids {
			pos, ok := still[id]
			if !ok {
				continue
			}
			persisted++
			metrics.CriticalFaults.Inc()
			logger.WithFields(logrus.Fields{
				"position_id": id,
				"critical":    true,
			}).Error("Position survived its close command, closing again")
			e.sendClose(id, pos.TradeData.Volume, "fallback")
		}
		if persisted > 0 {
			logger.WithField("critical", true).Errorf("%d positions still open, new cycle deferred", persisted)
			e.endReconcile(pass)
			return
		}
		next()
	})
}

// openCycle opens replacements, then trades that never opened, then
// whatever the progression engine produces. Progression waits for pending
// finalizations, which request the next pass themselves.
func (e *Engine) openCycle(pass uint64, replacements, unopened []models.Trade, advance bool) {
	for _, t := range replacements {
		e.openTrade(t, IntentReopen)
	}
	for _, t := range unopened {
		// orders rejected earlier leave an empty couple behind
		if c, ok := e.ws.Couple(t.ID); ok && !c.Long.Bound() && !c.Short.Bound() {
			e.ws.Release(t.ID)
		}
		e.openTrade(t, IntentOpen)
	}
	if !advance || !e.canOpen() {
		e.endReconcile(pass)
		return
	}
	async(e.sched, e.progression.Advance, func(trades []models.Trade, err error) {
		if pass != e.pass {
			return
		}
		if err != nil {
			logger.Errorf("Progression failed: %v", err)
		}
		for _, t := range trades {
			e.openTrade(t, IntentOpen)
		}
		e.endReconcile(pass)
	})
}

func (e *Engine) endReconcile(pass uint64) {
	if pass != e.pass {
		return
	}
	e.reconciling = false
	if e.rerun {
		e.rerun = false
		e.requestReconcile()
	}
}

// hydrate tracks a healthy trade the working set lost. Settled legs are
// restored as closed; open legs resume their hold for the time left, except
// legs reconciliation reopened.
func (e *Engine) hydrate(h healthyTrade) {
	if _, ok := e.ws.Couple(h.trade.ID); ok {
		for _, l := range h.legs {
			if l.state != legOpen {
				continue
			}
			if p, ok := e.ws.Position(l.pos.PositionID); ok {
				p.Volume = l.pos.TradeData.Volume
				e.ws.UpsertPosition(p)
			}
		}
		return
	}

	lot := h.legs[0].detail.LotSize
	if m, ok := e.ladder.ByID(h.trade.CurrentLevelID); ok {
		lot = m.LotSize
	}
	e.ws.TrackTrade(Couple{
		TradeID:         h.trade.ID,
		SegmentID:       h.trade.SegmentID,
		LevelID:         h.trade.CurrentLevelID,
		LotSize:         lot,
		StartingBalance: h.trade.StartingBalance,
		Allocated:       h.trade.StartingBalance,
		Target:          h.trade.TargetBalance(),
		OpenedAt:        h.trade.OpenedAt,
	})

	fields := logrus.Fields{"trade_id": h.trade.ID}
	for _, l := range h.legs {
		if l.state == legSettled {
			leg := ledgerLeg(l.detail)
			if err := e.ws.BindLeg(h.trade.ID, l.side, leg.PositionID, leg.EntryPrice, leg.OpenedAt); err != nil {
				logger.WithFields(fields).Errorf("Hydration failed: %v", err)
				continue
			}
			e.ws.MarkOutcome(h.trade.ID, l.side, leg.Outcome)
			e.ws.MarkClosed(h.trade.ID, l.side, leg.ExitPrice, leg.Realized, leg.ClosedAt)
			continue
		}

		entry := l.detail.EntryPrice
		if entry == 0 {
			entry = l.pos.Price
		}
		if err := e.ws.BindLeg(h.trade.ID, l.side, l.pos.PositionID, entry, l.detail.OpenedAt); err != nil {
			logger.WithFields(fields).Errorf("Hydration failed: %v", err)
			continue
		}
		e.ws.UpsertPosition(Position{
			ID:         l.pos.PositionID,
			TradeID:    h.trade.ID,
			Side:       l.side,
			SymbolID:   l.pos.TradeData.SymbolID,
			Volume:     l.pos.TradeData.Volume,
			EntryPrice: entry,
			Status:     PositionOpen,
			Allocated:  h.trade.StartingBalance,
		})
		if l.detail.Reopened {
			continue
		}
		remaining := e.cfg.HoldDuration - e.now().Sub(l.detail.OpenedAt)
		if remaining < 0 {
			remaining = 0
		}
		e.scheduleHold(l.pos.PositionID, remaining)
	}
	metrics.OpenPositions.Set(float64(len(e.ws.OpenPositions())))
	logger.WithFields(fields).Info("Hydrated running trade from the ledger")
}
