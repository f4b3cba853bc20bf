package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arifwicaksono2000/botapp-trader/database/models"
	"github.com/arifwicaksono2000/botapp-trader/ledger"
)

// setupRepository starts a Postgres container and returns an initialized repository.
func setupRepository(t *testing.T) *LedgerRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Open(dsn)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	repo := NewLedgerRepository(db)
	require.NoError(t, repo.InitSchema(ctx))
	return repo
}

func seedRepository(t *testing.T, repo *LedgerRepository) *models.Subaccount {
	t.Helper()
	sub := &models.Subaccount{AccountID: 42, Balance: 1000, IsDefault: true}
	require.NoError(t, repo.Seed(context.Background(), ledger.SeedData{
		Milestones: []models.Milestone{
			{ID: 1, StartingBalance: 500, EndingBalance: 1500, LotSize: 0.1, ProfitGoal: 100, Loss: 100},
			{ID: 2, StartingBalance: 1500, EndingBalance: 3000, LotSize: 0.2, ProfitGoal: 200, Loss: 200},
		},
		InitialLevelID: 1,
		Subaccount:     sub,
		Token:          &models.Token{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)},
	}))
	return sub
}

func TestLedgerRepository_Seed(t *testing.T) {
	repo := setupRepository(t)
	sub := seedRepository(t, repo)
	ctx := context.Background()

	ms, err := repo.Milestones(ctx)
	require.NoError(t, err)
	require.Len(t, ms, 2)

	v, err := repo.Constant(ctx, "initial_level")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	got, err := repo.Subaccount(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)

	tok, err := repo.ActiveToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)

	_, err = repo.Subaccount(ctx, 7)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestLedgerRepository_PivotIndex(t *testing.T) {
	repo := setupRepository(t)
	sub := seedRepository(t, repo)
	ctx := context.Background()
	now := time.Now().UTC()

	pivot := &models.Segment{SubaccountID: sub.ID, TotalBalance: 1000, Pair: "EURUSD", IsPivot: true, Status: models.SegmentRunning, OpenedAt: now}
	require.NoError(t, repo.CreateSegment(ctx, pivot, &models.Trade{CurrentLevelID: 1, StartingBalance: 1000, Status: models.TradeRunning, OpenedAt: now}))

	second := &models.Segment{SubaccountID: sub.ID, TotalBalance: 500, Pair: "EURUSD", IsPivot: true, Status: models.SegmentRunning, OpenedAt: now}
	assert.ErrorIs(t, repo.CreateSegment(ctx, second, nil), ledger.ErrPivotExists)
}

func TestLedgerRepository_FinalizeAndLegIndex(t *testing.T) {
	repo := setupRepository(t)
	sub := seedRepository(t, repo)
	ctx := context.Background()
	now := time.Now().UTC()

	seg := &models.Segment{SubaccountID: sub.ID, TotalBalance: 1000, Pair: "EURUSD", IsPivot: true, Status: models.SegmentRunning, OpenedAt: now}
	trade := &models.Trade{CurrentLevelID: 1, StartingBalance: 1000, ProfitGoal: 100, Status: models.TradeRunning, OpenedAt: now}
	require.NoError(t, repo.CreateSegment(ctx, seg, trade))

	long, short := int64(101), int64(102)
	require.NoError(t, repo.CreateTradeDetail(ctx, &models.TradeDetail{TradeID: trade.ID, SegmentID: seg.ID, PositionID: &long, PositionType: models.PositionLong, LotSize: 0.1, Status: models.DetailRunning, OpenedAt: now}))
	require.NoError(t, repo.CreateTradeDetail(ctx, &models.TradeDetail{TradeID: trade.ID, SegmentID: seg.ID, PositionID: &short, PositionType: models.PositionShort, LotSize: 0.1, Status: models.DetailRunning, OpenedAt: now}))

	dup := &models.TradeDetail{TradeID: trade.ID, SegmentID: seg.ID, PositionID: &long, PositionType: models.PositionLong, LotSize: 0.1, Status: models.DetailRunning, OpenedAt: now}
	assert.ErrorIs(t, repo.CreateTradeDetail(ctx, dup), ledger.ErrPositionClaimed)

	require.NoError(t, repo.FinalizeTrade(ctx, ledger.Finalization{
		TradeID:         trade.ID,
		Status:          models.TradeLiquidated,
		EndingBalance:   990,
		AchievedLevelID: 1,
		ClosedAt:        now,
		SegmentID:       seg.ID,
		SubaccountID:    sub.ID,
		BalanceDelta:    -10,
		Legs: []ledger.DetailClose{
			{TradeID: trade.ID, PositionID: long, Status: models.DetailLiquidated, ExitPrice: 1.1, Pips: -5, Realized: -10, ClosedAt: now},
			{TradeID: trade.ID, PositionID: short, Status: models.DetailClosed, ExitPrice: 1.1, Pips: 5, ClosedAt: now},
		},
	}))

	gotSeg, err := repo.Segment(ctx, seg.ID)
	require.NoError(t, err)
	assert.InDelta(t, 990, gotSeg.TotalBalance, 1e-9)

	gotSub, err := repo.Subaccount(ctx, 42)
	require.NoError(t, err)
	assert.InDelta(t, 990, gotSub.Balance, 1e-9)

	running, err := repo.TradeDetails(ctx, ledger.DetailFilter{SubaccountID: sub.ID, Status: models.DetailRunning})
	require.NoError(t, err)
	assert.Empty(t, running)

	legs, err := repo.TradeDetails(ctx, ledger.DetailFilter{TradeID: trade.ID})
	require.NoError(t, err)
	require.Len(t, legs, 2)
	require.NotNil(t, legs[0].Realized)
	assert.InDelta(t, -10, *legs[0].Realized, 1e-9)

	// once closed, the position id may back a new running leg
	require.NoError(t, repo.CreateTradeDetail(ctx, dup))
}

func TestLedgerRepository_ResetTrade(t *testing.T) {
	repo := setupRepository(t)
	sub := seedRepository(t, repo)
	ctx := context.Background()
	now := time.Now().UTC()

	seg := &models.Segment{SubaccountID: sub.ID, TotalBalance: 1000, Pair: "EURUSD", IsPivot: true, Status: models.SegmentRunning, OpenedAt: now}
	trade := &models.Trade{CurrentLevelID: 1, StartingBalance: 1000, Status: models.TradeRunning, OpenedAt: now}
	require.NoError(t, repo.CreateSegment(ctx, seg, trade))

	replacement := &models.Trade{CurrentLevelID: 1, StartingBalance: 1000, Status: models.TradeRunning, OpenedAt: now}
	require.NoError(t, repo.ResetTrade(ctx, ledger.TradeReset{TradeID: trade.ID, ClosedAt: now, Replacement: replacement}))

	running, err := repo.Trades(ctx, ledger.TradeFilter{SubaccountID: sub.ID, Status: models.TradeRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, replacement.ID, running[0].ID)

	old, err := repo.Trade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosed, old.Status)
}
