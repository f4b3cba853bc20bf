package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arifwicaksono2000/botapp-trader/database/models"
	"github.com/arifwicaksono2000/botapp-trader/helpers"
	"github.com/arifwicaksono2000/botapp-trader/ledger"
	"github.com/arifwicaksono2000/botapp-trader/logger"
	"github.com/arifwicaksono2000/botapp-trader/metrics"
	"github.com/arifwicaksono2000/botapp-trader/openapi"
)

const orderComment = "hedge"

func (e *Engine) canOpen() bool {
	return e.state == StateReady && !e.halted && !e.shuttingDown.Load()
}

// openTrade tracks t and sends a market order for each leg.
func (e *Engine) openTrade(t models.Trade, intent Intent) {
	fields := logrus.Fields{"trade_id": t.ID, "intent": intent}
	if !e.canOpen() {
		logger.WithFields(fields).Infof("Trade not opened in state %s (halted=%t)", e.state, e.halted)
		return
	}
	m, ok := e.ladder.ByID(t.CurrentLevelID)
	if !ok {
		logger.WithFields(fields).Errorf("Trade references unknown milestone %d", t.CurrentLevelID)
		return
	}
	if !e.ws.TrackTrade(Couple{
		TradeID:         t.ID,
		SegmentID:       t.SegmentID,
		LevelID:         m.ID,
		LotSize:         m.LotSize,
		StartingBalance: t.StartingBalance,
		Allocated:       t.StartingBalance,
		Target:          t.TargetBalance(),
		OpenedAt:        e.now(),
	}) {
		logger.WithFields(fields).Debug("Trade already tracked")
		return
	}

	volume := helpers.LotsToVolume(m.LotSize)
	for _, side := range []Side{SideLong, SideShort} {
		e.placeOrder(Token{TradeID: t.ID, Side: side, Intent: intent}, volume)
	}
	logger.WithFields(fields).Infof("Opening hedge: %.2f lots each side, allocated %s", m.LotSize, helpers.FormatMoney(t.StartingBalance))
}

func (e *Engine) placeOrder(tok Token, volume int64) {
	req := openapi.NewOrderReq{
		AccountID:     e.cfg.AccountID,
		SymbolID:      e.cfg.SymbolID,
		Side:          tok.TradeSide(),
		Volume:        volume,
		ClientOrderID: tok.String(),
		Label:         tok.String(),
		Comment:       orderComment,
	}
	id := e.orders.Register(tok, req)
	if err := e.gw.Send(req, id); err != nil {
		e.orders.Resolve(id)
		logger.WithField("token", id).Errorf("Order not sent: %v", err)
		return
	}
	metrics.OrdersSent.WithLabelValues(string(tok.Side), string(tok.Intent)).Inc()
}

// orderKey is the correlation key of an order: the clientOrderId, or the
// label for fills that lost it.
func orderKey(o *openapi.Order) string {
	if o.ClientOrderID != "" {
		return o.ClientOrderID
	}
	return o.TradeData.Label
}

func (e *Engine) onExecution(ev openapi.ExecutionEvent) {
	switch ev.Type {
	case openapi.ExecutionOrderRejected:
		if ev.Order != nil {
			e.onOrderRejected(orderKey(ev.Order), ev.ErrorCode, "")
		}
		return
	case openapi.ExecutionOrderCancelled, openapi.ExecutionOrderExpired:
		if ev.Order != nil {
			if _, ok := e.orders.Resolve(orderKey(ev.Order)); ok {
				logger.WithField("token", orderKey(ev.Order)).Warn("Order cancelled by the broker, trade left to reconciliation")
			}
		}
		return
	}

	if ev.Position == nil {
		return
	}
	if ev.Position.Status == openapi.PositionStatusClosed {
		e.onPositionClosed(ev)
		return
	}
	fill := ev.Type == openapi.ExecutionOrderFilled || ev.Type == openapi.ExecutionOrderPartialFill
	if fill && ev.Order != nil && !ev.Order.ClosingOrder {
		e.onOpeningFill(ev)
		return
	}

	// swaps and partial closes only move the cached volume
	if p, ok := e.ws.Position(ev.Position.PositionID); ok {
		p.Volume = ev.Position.TradeData.Volume
		e.ws.UpsertPosition(p)
	}
}

func (e *Engine) onOpeningFill(ev openapi.ExecutionEvent) {
	pos := ev.Position
	key := orderKey(ev.Order)
	fields := logrus.Fields{"position_id": pos.PositionID, "token": key}

	if _, _, bound := e.ws.LegOf(pos.PositionID); bound {
		if p, ok := e.ws.Position(pos.PositionID); ok {
			p.Volume = pos.TradeData.Volume
			e.ws.UpsertPosition(p)
		}
		if ev.Type == openapi.ExecutionOrderFilled {
			e.orders.Resolve(key)
		}
		return
	}

	var (
		po pendingOrder
		ok bool
	)
	if ev.Type == openapi.ExecutionOrderPartialFill {
		po, ok = e.orders.Lookup(key)
	} else {
		po, ok = e.orders.Resolve(key)
	}
	if !ok {
		logger.WithFields(fields).Warn("Fill without a pending order, left to reconciliation")
		return
	}
	tok := po.Token
	couple, ok := e.ws.Couple(tok.TradeID)
	if !ok {
		logger.WithFields(fields).Warn("Fill for an untracked trade, left to reconciliation")
		return
	}

	entry := pos.Price
	if entry == 0 && ev.Deal != nil {
		entry = ev.Deal.ExecutionPrice
	}
	now := e.now()
	if err := e.ws.BindLeg(tok.TradeID, tok.Side, pos.PositionID, entry, now); err != nil {
		logger.WithFields(fields).Errorf("Cannot bind fill: %v", err)
		return
	}
	e.ws.UpsertPosition(Position{
		ID:         pos.PositionID,
		TradeID:    tok.TradeID,
		Side:       tok.Side,
		SymbolID:   pos.TradeData.SymbolID,
		Volume:     pos.TradeData.Volume,
		EntryPrice: entry,
		Status:     PositionOpen,
		Allocated:  couple.Allocated,
	})
	e.touched[tok.TradeID] = true
	metrics.OpenPositions.Set(float64(len(e.ws.OpenPositions())))

	pid := pos.PositionID
	detail := models.TradeDetail{
		TradeID:      tok.TradeID,
		SegmentID:    couple.SegmentID,
		PositionID:   &pid,
		PositionType: models.PositionType(tok.Side),
		EntryPrice:   entry,
		LotSize:      couple.LotSize,
		Status:       models.DetailRunning,
		OpenedAt:     now,
		Reopened:     tok.Intent == IntentReopen,
	}
	e.write(tok.TradeID, ledgerOp{
		name: "create trade detail",
		run: func(ctx context.Context) error {
			return e.store.CreateTradeDetail(ctx, &detail)
		},
	})

	// reopened legs run until a threshold is hit
	if tok.Intent == IntentOpen {
		e.scheduleHold(pid, e.cfg.HoldDuration)
	}
	logger.WithFields(fields).Infof("%s leg of trade %d filled at %.5f", tok.Side, tok.TradeID, entry)
}

func (e *Engine) scheduleHold(positionID int64, d time.Duration) {
	e.cancelHold(positionID)
	e.holds[positionID] = e.after(d, func() {
		delete(e.holds, positionID)
		if tradeID, side, ok := e.ws.LegOf(positionID); ok {
			e.ws.MarkOutcome(tradeID, side, OutcomeExpired)
		}
		e.requestClose(positionID, "hold_expired")
	})
}

func (e *Engine) cancelHold(positionID int64) {
	if t, ok := e.holds[positionID]; ok {
		t.Stop()
		delete(e.holds, positionID)
	}
}

// requestClose sends at most one close for a tracked position and reports
// whether it did.
func (e *Engine) requestClose(positionID int64, reason string) bool {
	pos, ok := e.ws.Position(positionID)
	if !ok {
		logger.WithField("position_id", positionID).Info("Close requested for an unknown position, ignored")
		return false
	}
	if !e.ws.MarkClosing(positionID) {
		logger.WithField("position_id", positionID).Debugf("Position already %s, close skipped", pos.Status)
		return false
	}
	e.cancelHold(positionID)
	e.sendClose(positionID, pos.Volume, reason)
	return true
}

// sendClose closes a position regardless of the working set; reconciliation
// uses it for positions it does not track.
func (e *Engine) sendClose(positionID, volume int64, reason string) {
	err := e.send(openapi.ClosePositionReq{
		AccountID:  e.cfg.AccountID,
		PositionID: positionID,
		Volume:     volume,
	})
	if err != nil {
		return
	}
	metrics.PositionCloses.WithLabelValues(reason).Inc()
	logger.WithFields(logrus.Fields{
		"position_id": positionID,
		"reason":      reason,
	}).Info("Close requested")
}

func (e *Engine) onPositionClosed(ev openapi.ExecutionEvent) {
	pid := ev.Position.PositionID
	e.cancelHold(pid)

	tradeID, side, ok := e.ws.LegOf(pid)
	if !ok {
		e.ws.DropPosition(pid)
		logger.WithField("position_id", pid).Debug("Untracked position closed")
		return
	}
	exit, realized := closeFigures(ev)
	now := e.now()
	if !e.ws.MarkClosed(tradeID, side, exit, realized, now) {
		logger.WithField("position_id", pid).Debug("Duplicate close event ignored")
		return
	}
	e.touched[tradeID] = true
	metrics.OpenPositions.Set(float64(len(e.ws.OpenPositions())))
	if pos, ok := e.ws.Position(pid); ok {
		e.publish(pos, realized, realized)
	}

	couple, _ := e.ws.Couple(tradeID)
	dc := e.legClose(couple, side)
	e.write(tradeID, ledgerOp{
		name: "close trade detail",
		run: func(ctx context.Context) error {
			return e.store.CloseTradeDetail(ctx, dc)
		},
	})
	logger.WithFields(logrus.Fields{
		"position_id": pid,
		"trade_id":    tradeID,
		"outcome":     couple.Leg(side).Outcome,
	}).Infof("%s leg closed at %.5f, realized %s", side, exit, helpers.FormatMoney(realized))

	if couple.BothClosed() {
		e.finalize(couple)
	}
}

// closeFigures extracts the exit price and realized money of a closing deal.
func closeFigures(ev openapi.ExecutionEvent) (exit, realized float64) {
	if ev.Deal == nil {
		return ev.Position.Price, 0
	}
	exit = ev.Deal.ExecutionPrice
	if cd := ev.Deal.Close; cd != nil {
		realized = helpers.ScaleMoney(cd.GrossProfit+cd.Swap+cd.Commission, cd.MoneyDigits)
	}
	return exit, realized
}

func (e *Engine) legClose(c Couple, side Side) ledger.DetailClose {
	leg := c.Leg(side)
	return ledger.DetailClose{
		TradeID:    c.TradeID,
		PositionID: leg.PositionID,
		Status:     detailStatus(leg.Outcome),
		ExitPrice:  leg.ExitPrice,
		Pips:       helpers.Pips(leg.EntryPrice, leg.ExitPrice, e.cfg.PipSize, side == SideLong),
		Realized:   leg.Realized,
		ClosedAt:   leg.ClosedAt,
	}
}

// outcomeOf reads a closed leg's outcome back from the ledger.
func outcomeOf(s models.DetailStatus) Outcome {
	switch s {
	case models.DetailSuccessful:
		return OutcomeSuccess
	case models.DetailLiquidated:
		return OutcomeLiquidated
	default:
		return OutcomeExpired
	}
}

func detailStatus(o Outcome) models.DetailStatus {
	switch o {
	case OutcomeSuccess:
		return models.DetailSuccessful
	case OutcomeLiquidated:
		return models.DetailLiquidated
	default:
		return models.DetailClosed
	}
}

// tradeOutcome is liquidated if either leg liquidated, else successful if
// either succeeded. A trade whose legs both expired counts as liquidated.
func tradeOutcome(long, short Outcome) models.TradeStatus {
	switch {
	case long == OutcomeLiquidated || short == OutcomeLiquidated:
		return models.TradeLiquidated
	case long == OutcomeSuccess || short == OutcomeSuccess:
		return models.TradeSuccessful
	default:
		return models.TradeLiquidated
	}
}

// finalize rolls a fully closed trade into the ledger, then lets the
// progression engine judge the segment. A failed write keeps the couple and
// leaves the trade to the next reconciliation pass.
func (e *Engine) finalize(c Couple) {
	status := tradeOutcome(c.Long.Outcome, c.Short.Outcome)
	ending := c.StartingBalance + c.Long.Realized + c.Short.Realized
	achieved := c.LevelID
	if m, err := e.ladder.Lookup(ending); err == nil {
		achieved = m.ID
	}
	fin := ledger.Finalization{
		TradeID:         c.TradeID,
		Status:          status,
		EndingBalance:   ending,
		AchievedLevelID: achieved,
		ClosedAt:        e.now(),
		Legs:            []ledger.DetailClose{e.legClose(c, SideLong), e.legClose(c, SideShort)},
		SegmentID:       c.SegmentID,
		SubaccountID:    e.subaccountID,
		BalanceDelta:    ending - c.StartingBalance,
	}
	fields := logrus.Fields{
		"trade_id":       c.TradeID,
		"status":         status,
		"ending_balance": ending,
	}

	e.write(c.TradeID, ledgerOp{
		name: "finalize trade",
		run: func(ctx context.Context) error {
			return e.store.FinalizeTrade(ctx, fin)
		},
		then: func(err error) {
			if err != nil {
				e.after(e.cfg.ConfirmDelay, e.requestReconcile)
				return
			}
			e.ws.Release(c.TradeID)
			metrics.TradesFinalized.WithLabelValues(string(status)).Inc()
			logger.WithFields(fields).Info("Trade finalized")

			segmentID := c.SegmentID
			async(e.sched, func(ctx context.Context) (models.SegmentStatus, error) {
				return e.progression.EvaluateSegment(ctx, segmentID)
			}, func(st models.SegmentStatus, err error) {
				if err != nil {
					logger.WithField("segment_id", segmentID).Errorf("Segment evaluation failed: %v", err)
				} else if st != models.SegmentRunning {
					logger.WithField("segment_id", segmentID).Infof("Segment closed as %s", st)
				}
				e.requestReconcile()
			})
		},
	})
}

func (e *Engine) onOrderError(ev openapi.OrderErrorEvent, clientMsgID string) {
	if e.orders.Pending(clientMsgID) {
		e.onOrderRejected(clientMsgID, ev.ErrorCode, ev.Description)
		return
	}
	if ev.PositionID != 0 && e.ws.ReopenPosition(ev.PositionID) {
		logger.WithField("position_id", ev.PositionID).Warnf("Close refused (%s): %s", ev.ErrorCode, ev.Description)
		return
	}
	logger.Warnf("Order error %s: %s", ev.ErrorCode, ev.Description)
}

// onOrderRejected retries an order once after VenueRetryDelay when the venue
// is closed. Any other rejection leaves the trade to reconciliation.
func (e *Engine) onOrderRejected(key, code, description string) {
	po, ok := e.orders.Lookup(key)
	fields := logrus.Fields{"token": key, "error_code": code}
	if !ok {
		logger.WithFields(fields).Warn("Rejection for an unknown order")
		return
	}
	if !openapi.IsVenueClosed(code) {
		e.orders.Resolve(key)
		logger.WithFields(fields).Errorf("Order rejected, trade left to reconciliation: %s", description)
		return
	}
	if po.Retried {
		e.orders.Resolve(key)
		logger.WithFields(fields).Warn("Order rejected again after venue retry, trade left to reconciliation")
		return
	}

	e.orders.MarkRetried(key)
	e.retries[key] = e.after(e.cfg.VenueRetryDelay, func() {
		delete(e.retries, key)
		po, ok := e.orders.Lookup(key)
		if !ok {
			return
		}
		if !e.canOpen() {
			e.orders.Resolve(key)
			logger.WithFields(fields).Info("Venue retry dropped")
			return
		}
		if err := e.gw.Send(po.Request, key); err != nil {
			e.orders.Resolve(key)
			logger.WithFields(fields).Errorf("Venue retry not sent: %v", err)
			return
		}
		metrics.OrdersSent.WithLabelValues(string(po.Token.Side), string(po.Token.Intent)).Inc()
		logger.WithFields(fields).Info("Order resent after venue retry delay")
	})
	logger.WithFields(fields).Warnf("Venue closed, retrying order in %s", e.cfg.VenueRetryDelay)
}
