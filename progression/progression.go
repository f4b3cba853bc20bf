// Package progression moves segments along the milestone ladder: it keeps a
// pivot segment per subaccount, splits surplus balance into new segments,
// closes segments that leave the ladder and creates the trades to open next.
package progression

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arifwicaksono2000/botapp-trader/database/models"
	"github.com/arifwicaksono2000/botapp-trader/ladder"
	"github.com/arifwicaksono2000/botapp-trader/ledger"
	"github.com/arifwicaksono2000/botapp-trader/logger"
)

// Config selects the subaccount and split policy.
type Config struct {
	AccountID int64
	Pair      string

	// SplitNextSession requires 17:00 UTC of the day after the pivot opened
	// to have passed before a split.
	SplitNextSession bool
}

// Engine is safe for concurrent use; all state lives in the ledger except
// the idle flag.
type Engine struct {
	store  ledger.Store
	ladder *ladder.Ladder
	cfg    Config
	now    func() time.Time
	idle   atomic.Bool
}

// New creates a progression engine.
func New(store ledger.Store, l *ladder.Ladder, cfg Config) *Engine {
	return &Engine{
		store:  store,
		ladder: l,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Idle reports whether the subaccount ran out of segments after a pivot closed.
// An idle engine creates no new pivot.
func (e *Engine) Idle() bool {
	return e.idle.Load()
}

// Advance ensures a pivot exists, splits it when its balance allows, and
// creates a trade for every running segment that has none. It returns the
// trades created, which the caller must open.
func (e *Engine) Advance(ctx context.Context) ([]models.Trade, error) {
	sub, err := e.store.Subaccount(ctx, e.cfg.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load subaccount %d: %w", e.cfg.AccountID, err)
	}

	var created []models.Trade

	pivot, trade, err := e.ensurePivot(ctx, sub)
	if err != nil {
		return nil, err
	}
	if pivot == nil {
		return nil, nil
	}
	if trade != nil {
		created = append(created, *trade)
	}

	split, err := e.maybeSplit(ctx, pivot)
	if err != nil {
		return created, err
	}
	created = append(created, split...)

	running, err := e.store.Segments(ctx, ledger.SegmentFilter{SubaccountID: sub.ID, Status: models.SegmentRunning})
	if err != nil {
		return created, fmt.Errorf("load running segments: %w", err)
	}
	for _, seg := range running {
		trades, err := e.store.Trades(ctx, ledger.TradeFilter{SegmentID: seg.ID, Status: models.TradeRunning})
		if err != nil {
			return created, fmt.Errorf("load trades of segment %d: %w", seg.ID, err)
		}
		if len(trades) > 0 {
			continue
		}
		t := e.newTrade(seg.ID, e.ladder.Clamp(seg.TotalBalance), seg.TotalBalance)
		if err := e.store.CreateTrade(ctx, &t); err != nil {
			return created, fmt.Errorf("create trade for segment %d: %w", seg.ID, err)
		}
		logger.WithFields(logrus.Fields{
			"segment_id": seg.ID,
			"trade_id":   t.ID,
			"level_id":   t.CurrentLevelID,
		}).Info("Created trade for segment")
		created = append(created, t)
	}

	return created, nil
}

// ensurePivot returns the running pivot, promoting or creating one when
// missing. A returned trade was created together with a new pivot.
func (e *Engine) ensurePivot(ctx context.Context, sub *models.Subaccount) (*models.Segment, *models.Trade, error) {
	yes := true
	pivots, err := e.store.Segments(ctx, ledger.SegmentFilter{SubaccountID: sub.ID, Status: models.SegmentRunning, IsPivot: &yes})
	if err != nil {
		return nil, nil, fmt.Errorf("load pivot: %w", err)
	}
	if len(pivots) > 0 {
		return &pivots[0], nil, nil
	}

	running, err := e.store.Segments(ctx, ledger.SegmentFilter{SubaccountID: sub.ID, Status: models.SegmentRunning})
	if err != nil {
		return nil, nil, fmt.Errorf("load running segments: %w", err)
	}
	if len(running) > 0 {
		oldest := running[0]
		if err := e.store.PromotePivot(ctx, oldest.ID); err != nil {
			return nil, nil, fmt.Errorf("promote segment %d: %w", oldest.ID, err)
		}
		oldest.IsPivot = true
		logger.WithField("segment_id", oldest.ID).Info("Promoted oldest running segment to pivot")
		return &oldest, nil, nil
	}

	if e.Idle() {
		logger.Debugf("Progression idle, no pivot created")
		return nil, nil, nil
	}

	m, err := e.ladder.Lookup(sub.Balance)
	if err != nil {
		return nil, nil, fmt.Errorf("no milestone for subaccount balance: %w", err)
	}
	seg := models.Segment{
		SubaccountID: sub.ID,
		TotalBalance: sub.Balance,
		Pair:         e.cfg.Pair,
		IsPivot:      true,
		Status:       models.SegmentRunning,
		OpenedAt:     e.now(),
	}
	t := e.newTrade(0, m, sub.Balance)
	if err := e.store.CreateSegment(ctx, &seg, &t); err != nil {
		return nil, nil, fmt.Errorf("create pivot segment: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"segment_id": seg.ID,
		"trade_id":   t.ID,
		"balance":    seg.TotalBalance,
		"level_id":   m.ID,
	}).Info("Created pivot segment")
	return &seg, &t, nil
}

// maybeSplit spins the pivot's surplus out into a new segment. Only a pivot
// between trades is split.
func (e *Engine) maybeSplit(ctx context.Context, pivot *models.Segment) ([]models.Trade, error) {
	trades, err := e.store.Trades(ctx, ledger.TradeFilter{SegmentID: pivot.ID, Status: models.TradeRunning})
	if err != nil {
		return nil, fmt.Errorf("load pivot trades: %w", err)
	}
	if len(trades) > 0 {
		return nil, nil
	}

	if e.cfg.SplitNextSession && e.now().Before(nextSession(pivot.OpenedAt)) {
		return nil, nil
	}

	base, err := e.baseMilestone(ctx)
	if err != nil {
		return nil, err
	}
	if pivot.TotalBalance < 2*base.StartingBalance {
		return nil, nil
	}

	remainder := pivot.TotalBalance - base.StartingBalance
	pivotTrade := e.newTrade(pivot.ID, base, base.StartingBalance)
	newSeg := models.Segment{
		SubaccountID: pivot.SubaccountID,
		TotalBalance: remainder,
		Pair:         pivot.Pair,
		Status:       models.SegmentRunning,
		OpenedAt:     e.now(),
	}
	newTrade := e.newTrade(0, e.ladder.Clamp(remainder), remainder)

	err = e.store.SplitSegment(ctx, ledger.SegmentSplit{
		PivotID:      pivot.ID,
		PivotBalance: base.StartingBalance,
		PivotTrade:   &pivotTrade,
		NewSegment:   &newSeg,
		NewTrade:     &newTrade,
	})
	if err != nil {
		return nil, fmt.Errorf("split pivot %d: %w", pivot.ID, err)
	}
	pivot.TotalBalance = base.StartingBalance

	logger.WithFields(logrus.Fields{
		"pivot_id":        pivot.ID,
		"pivot_balance":   base.StartingBalance,
		"segment_id":      newSeg.ID,
		"segment_balance": remainder,
	}).Info("Split pivot segment")
	return []models.Trade{pivotTrade, newTrade}, nil
}

// baseMilestone is the tier named by the initial_level constant, or the
// lowest tier when the constant is absent or unusable.
func (e *Engine) baseMilestone(ctx context.Context) (models.Milestone, error) {
	v, err := e.store.Constant(ctx, "initial_level")
	if errors.Is(err, ledger.ErrNotFound) {
		return e.ladder.First(), nil
	}
	if err != nil {
		return models.Milestone{}, fmt.Errorf("load initial_level: %w", err)
	}
	id, err := strconv.ParseUint(v, 10, 0)
	if err != nil {
		logger.Warnf("initial_level %q is not an id, using first milestone", v)
		return e.ladder.First(), nil
	}
	m, ok := e.ladder.ByID(uint(id))
	if !ok {
		logger.Warnf("initial_level %d is not a milestone, using first milestone", id)
		return e.ladder.First(), nil
	}
	return m, nil
}

// EvaluateSegment closes a running segment whose balance left the ladder and
// hands the pivot role on. It returns the segment's resulting status.
func (e *Engine) EvaluateSegment(ctx context.Context, segmentID uint) (models.SegmentStatus, error) {
	seg, err := e.store.Segment(ctx, segmentID)
	if err != nil {
		return "", fmt.Errorf("load segment %d: %w", segmentID, err)
	}
	if seg.Status != models.SegmentRunning {
		return seg.Status, nil
	}

	var status models.SegmentStatus
	switch {
	case seg.TotalBalance >= e.ladder.Terminal():
		status = models.SegmentSuccessful
	case seg.TotalBalance < e.ladder.Floor():
		status = models.SegmentLiquidated
	default:
		return models.SegmentRunning, nil
	}

	if err := e.store.CloseSegment(ctx, seg.ID, status, e.now()); err != nil {
		return "", fmt.Errorf("close segment %d: %w", seg.ID, err)
	}
	logger.WithFields(logrus.Fields{
		"segment_id": seg.ID,
		"balance":    seg.TotalBalance,
		"status":     status,
	}).Info("Segment closed")

	if !seg.IsPivot {
		return status, nil
	}

	running, err := e.store.Segments(ctx, ledger.SegmentFilter{SubaccountID: seg.SubaccountID, Status: models.SegmentRunning})
	if err != nil {
		return status, fmt.Errorf("load running segments: %w", err)
	}
	if len(running) == 0 {
		e.idle.Store(true)
		logger.WithField("segment_id", seg.ID).Warn("Pivot closed with no running segment left, progression idle")
		return status, nil
	}
	if err := e.store.PromotePivot(ctx, running[0].ID); err != nil {
		return status, fmt.Errorf("promote segment %d: %w", running[0].ID, err)
	}
	logger.WithField("segment_id", running[0].ID).Info("Promoted oldest running segment to pivot")
	return status, nil
}

func (e *Engine) newTrade(segmentID uint, m models.Milestone, balance float64) models.Trade {
	return models.Trade{
		SegmentID:       segmentID,
		CurrentLevelID:  m.ID,
		StartingBalance: balance,
		ProfitGoal:      m.ProfitGoal,
		Status:          models.TradeRunning,
		OpenedAt:        e.now(),
	}
}

// nextSession is 17:00 UTC of the day after opened.
func nextSession(opened time.Time) time.Time {
	d := opened.UTC().AddDate(0, 0, 1)
	return time.Date(d.Year(), d.Month(), d.Day(), 17, 0, 0, 0, time.UTC)
}
