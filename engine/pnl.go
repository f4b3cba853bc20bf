package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/arifwicaksono2000/botapp-trader/helpers"
	"github.com/arifwicaksono2000/botapp-trader/logger"
	"github.com/arifwicaksono2000/botapp-trader/notifications"
	"github.com/arifwicaksono2000/botapp-trader/openapi"
)

func (e *Engine) schedulePnL() {
	e.stopPnL()
	e.pnlTimer = e.after(e.cfg.PnLInterval, e.pnlTick)
}

func (e *Engine) stopPnL() {
	if e.pnlTimer != nil {
		e.pnlTimer.Stop()
		e.pnlTimer = nil
	}
}

// pnlTick polls unrealized PnL while positions are open.
func (e *Engine) pnlTick() {
	e.pnlTimer = nil
	if e.state != StateReady {
		return
	}
	if len(e.ws.OpenPositions()) > 0 {
		e.send(openapi.UnrealizedPnLReq{AccountID: e.cfg.AccountID})
	}
	e.schedulePnL()
}

// evaluate judges a leg: liquidated once equity is gone, success once it
// passes the trade's target, running otherwise.
func evaluate(allocated, pnl, target float64) Outcome {
	equity := allocated + pnl
	switch {
	case equity <= 0:
		return OutcomeLiquidated
	case equity > target:
		return OutcomeSuccess
	default:
		return OutcomeRunning
	}
}

func (e *Engine) onUnrealizedPnL(res openapi.UnrealizedPnLRes) {
	for _, u := range res.Positions {
		pos, ok := e.ws.Position(u.PositionID)
		if !ok {
			continue
		}
		net := helpers.ScaleMoney(u.NetPnL, res.MoneyDigits)
		gross := helpers.ScaleMoney(u.GrossPnL, res.MoneyDigits)
		e.ws.UpdatePnL(pos.ID, net, gross)
		e.publish(pos, net, gross)

		if pos.Status != PositionOpen {
			continue
		}
		tradeID, side, ok := e.ws.LegOf(pos.ID)
		if !ok {
			continue
		}
		c, _ := e.ws.Couple(tradeID)
		outcome := evaluate(c.Allocated, net, c.Target)
		if outcome == OutcomeRunning || !e.ws.MarkOutcome(tradeID, side, outcome) {
			continue
		}
		logger.WithFields(logrus.Fields{
			"position_id": pos.ID,
			"trade_id":    tradeID,
			"net_pnl":     net,
			"target":      c.Target,
		}).Infof("%s leg hit %s threshold", side, outcome)
		e.requestClose(pos.ID, string(outcome))
	}
}

func (e *Engine) publish(pos Position, net, gross float64) {
	if e.telemetry == nil {
		return
	}
	e.telemetry.Publish(notifications.PositionSnapshot{
		PositionID: pos.ID,
		TradeID:    pos.TradeID,
		Side:       string(pos.Side),
		Lot:        helpers.VolumeToLots(pos.Volume),
		EntryPrice: pos.EntryPrice,
		NetPnL:     net,
		GrossPnL:   gross,
		Status:     string(pos.Status),
		At:         e.now(),
	})
}
