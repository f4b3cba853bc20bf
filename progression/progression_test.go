package progression

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arifwicaksono2000/botapp-trader/database/models"
	"github.com/arifwicaksono2000/botapp-trader/ladder"
	"github.com/arifwicaksono2000/botapp-trader/ledger"
	"github.com/arifwicaksono2000/botapp-trader/ledger/memory"
)

var milestones = []models.Milestone{
	{ID: 1, StartingBalance: 500, EndingBalance: 1500, LotSize: 0.1, ProfitGoal: 100, Loss: 100},
	{ID: 2, StartingBalance: 1500, EndingBalance: 3000, LotSize: 0.2, ProfitGoal: 200, Loss: 200},
}

func setup(t *testing.T, balance float64, cfg Config) (*Engine, *memory.Store, *models.Subaccount) {
	t.Helper()
	store := memory.New()
	sub := &models.Subaccount{AccountID: 42, Balance: balance, IsDefault: true}
	require.NoError(t, store.Seed(context.Background(), ledger.SeedData{
		Milestones:     milestones,
		InitialLevelID: 1,
		Subaccount:     sub,
	}))
	l, err := ladder.New(milestones)
	require.NoError(t, err)

	cfg.AccountID = 42
	cfg.Pair = "EURUSD"
	return New(store, l, cfg), store, sub
}

func runningPivots(t *testing.T, store *memory.Store, subID uint) []models.Segment {
	t.Helper()
	yes := true
	segs, err := store.Segments(context.Background(), ledger.SegmentFilter{SubaccountID: subID, Status: models.SegmentRunning, IsPivot: &yes})
	require.NoError(t, err)
	return segs
}

func TestAdvance_CreatesPivotWithFirstTrade(t *testing.T) {
	e, store, sub := setup(t, 800, Config{})
	ctx := context.Background()

	trades, err := e.Advance(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, uint(1), trades[0].CurrentLevelID)
	assert.Equal(t, 800.0, trades[0].StartingBalance)
	assert.Equal(t, 900.0, trades[0].TargetBalance())

	pivots := runningPivots(t, store, sub.ID)
	require.Len(t, pivots, 1)
	assert.Equal(t, 800.0, pivots[0].TotalBalance)

	// a second pass with a running trade creates nothing
	trades, err = e.Advance(ctx)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestAdvance_SplitsPivot(t *testing.T) {
	e, store, sub := setup(t, 1000, Config{})
	ctx := context.Background()

	pivot := &models.Segment{SubaccountID: sub.ID, TotalBalance: 1000, Pair: "EURUSD", IsPivot: true, Status: models.SegmentRunning, OpenedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, store.CreateSegment(ctx, pivot, nil))

	trades, err := e.Advance(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	got, err := store.Segment(ctx, pivot.ID)
	require.NoError(t, err)
	assert.Equal(t, 500.0, got.TotalBalance)
	assert.True(t, got.IsPivot)

	segs, err := store.Segments(ctx, ledger.SegmentFilter{SubaccountID: sub.ID, Status: models.SegmentRunning})
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.False(t, segs[1].IsPivot)
	assert.Equal(t, 500.0, segs[1].TotalBalance)

	for _, seg := range segs {
		running, err := store.Trades(ctx, ledger.TradeFilter{SegmentID: seg.ID, Status: models.TradeRunning})
		require.NoError(t, err)
		assert.Len(t, running, 1, "segment %d", seg.ID)
	}
	assert.Len(t, runningPivots(t, store, sub.ID), 1)
}

func TestAdvance_SplitWaitsForNextSession(t *testing.T) {
	e, store, sub := setup(t, 1000, Config{SplitNextSession: true})
	ctx := context.Background()

	opened := time.Date(2025, 6, 20, 10, 0, 0, 0, time.UTC)
	pivot := &models.Segment{SubaccountID: sub.ID, TotalBalance: 1000, Pair: "EURUSD", IsPivot: true, Status: models.SegmentRunning, OpenedAt: opened}
	require.NoError(t, store.CreateSegment(ctx, pivot, nil))

	e.now = func() time.Time { return time.Date(2025, 6, 21, 16, 59, 0, 0, time.UTC) }
	trades, err := e.Advance(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 1000.0, trades[0].StartingBalance)
}

func TestAdvance_PromotesOldestWhenPivotMissing(t *testing.T) {
	e, store, sub := setup(t, 1000, Config{})
	ctx := context.Background()
	now := time.Now().UTC()

	older := &models.Segment{SubaccountID: sub.ID, TotalBalance: 600, Status: models.SegmentRunning, OpenedAt: now.Add(-2 * time.Hour)}
	newer := &models.Segment{SubaccountID: sub.ID, TotalBalance: 700, Status: models.SegmentRunning, OpenedAt: now.Add(-time.Hour)}
	require.NoError(t, store.CreateSegment(ctx, older, nil))
	require.NoError(t, store.CreateSegment(ctx, newer, nil))

	trades, err := e.Advance(ctx)
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	pivots := runningPivots(t, store, sub.ID)
	require.Len(t, pivots, 1)
	assert.Equal(t, older.ID, pivots[0].ID)
}

func TestEvaluateSegment_LiquidatedPivotGoesIdle(t *testing.T) {
	e, store, sub := setup(t, 1000, Config{})
	ctx := context.Background()

	pivot := &models.Segment{SubaccountID: sub.ID, TotalBalance: 400, IsPivot: true, Status: models.SegmentRunning, OpenedAt: time.Now()}
	require.NoError(t, store.CreateSegment(ctx, pivot, nil))

	status, err := e.EvaluateSegment(ctx, pivot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SegmentLiquidated, status)
	assert.True(t, e.Idle())

	trades, err := e.Advance(ctx)
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Empty(t, runningPivots(t, store, sub.ID))
}

func TestEvaluateSegment_PromotesOnPivotClose(t *testing.T) {
	e, store, sub := setup(t, 1000, Config{})
	ctx := context.Background()
	now := time.Now().UTC()

	pivot := &models.Segment{SubaccountID: sub.ID, TotalBalance: 3200, IsPivot: true, Status: models.SegmentRunning, OpenedAt: now.Add(-time.Hour)}
	other := &models.Segment{SubaccountID: sub.ID, TotalBalance: 700, Status: models.SegmentRunning, OpenedAt: now}
	require.NoError(t, store.CreateSegment(ctx, pivot, nil))
	require.NoError(t, store.CreateSegment(ctx, other, nil))

	status, err := e.EvaluateSegment(ctx, pivot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SegmentSuccessful, status)
	assert.False(t, e.Idle())

	pivots := runningPivots(t, store, sub.ID)
	require.Len(t, pivots, 1)
	assert.Equal(t, other.ID, pivots[0].ID)
}

func TestEvaluateSegment_InsideLadderStaysRunning(t *testing.T) {
	e, store, sub := setup(t, 1000, Config{})
	ctx := context.Background()

	seg := &models.Segment{SubaccountID: sub.ID, TotalBalance: 500, IsPivot: true, Status: models.SegmentRunning, OpenedAt: time.Now()}
	require.NoError(t, store.CreateSegment(ctx, seg, nil))

	status, err := e.EvaluateSegment(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SegmentRunning, status)
}

func TestNextSession(t *testing.T) {
	opened := time.Date(2025, 6, 30, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 7, 1, 17, 0, 0, 0, time.UTC), nextSession(opened))
}
