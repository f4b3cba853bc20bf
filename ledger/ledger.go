// Package ledger defines the durable record store the engine reads and
// writes: segments, trades, trade details, milestones, tokens and subaccounts.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/arifwicaksono2000/botapp-trader/database/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPositionClaimed is returned when a positionId is already bound to
	// another running trade detail.
	ErrPositionClaimed = errors.New("position already claimed by a running trade detail")

	// ErrPivotExists is returned when a second running pivot segment would be
	// created for the same subaccount.
	ErrPivotExists = errors.New("subaccount already has a running pivot segment")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)

// SegmentFilter selects segments. Zero values match everything.
type SegmentFilter struct {
	SubaccountID uint
	Status       models.SegmentStatus
	IsPivot      *bool
}

// TradeFilter selects trades. SubaccountID matches through the owning segment.
type TradeFilter struct {
	SubaccountID uint
	SegmentID    uint
	Status       models.TradeStatus
}

// DetailFilter selects trade details.
type DetailFilter struct {
	SubaccountID uint
	TradeID      uint
	Status       models.DetailStatus
}

// DetailClose records the exit of one leg, located by trade and position.
type DetailClose struct {
	TradeID    uint
	PositionID int64
	Status     models.DetailStatus
	ExitPrice  float64
	Pips       float64
	Realized   float64
	ClosedAt   time.Time
}

// Finalization closes a trade, both of its legs and rolls the realized
// balance into the owning segment and subaccount, atomically.
type Finalization struct {
	TradeID         uint
	Status          models.TradeStatus
	EndingBalance   float64
	AchievedLevelID uint
	ClosedAt        time.Time
	Legs            []DetailClose
	SegmentID       uint
	SubaccountID    uint
	BalanceDelta    float64
}

// TradeReset retires a broken trade and its legs, and creates its
// replacement in the same transaction when Replacement is set.
type TradeReset struct {
	TradeID     uint
	ClosedAt    time.Time
	Replacement *models.Trade
}

// SegmentSplit reduces the pivot to PivotBalance and spins out NewSegment.
// Trades are created for both when set.
type SegmentSplit struct {
	PivotID      uint
	PivotBalance float64
	PivotTrade   *models.Trade
	NewSegment   *models.Segment
	NewTrade     *models.Trade
}

// SeedData bootstraps an empty ledger.
type SeedData struct {
	Milestones     []models.Milestone
	InitialLevelID uint
	Subaccount     *models.Subaccount
	Token          *models.Token
}

// Store is the ledger as consumed by the engine, the progression engine and
// the auth manager. Implementations must be safe for concurrent use.
type Store interface {
	// Milestones returns every ladder tier ordered by starting balance.
	Milestones(ctx context.Context) ([]models.Milestone, error)

	// Constant returns an active constant's value. Returns ErrNotFound if absent.
	Constant(ctx context.Context, variable string) (string, error)

	// Subaccount returns the subaccount for a broker account id. Returns ErrNotFound if absent.
	Subaccount(ctx context.Context, accountID int64) (*models.Subaccount, error)

	// Segment returns one segment. Returns ErrNotFound if absent.
	Segment(ctx context.Context, id uint) (*models.Segment, error)

	// Segments returns matching segments ordered by opened_at, then id.
	Segments(ctx context.Context, f SegmentFilter) ([]models.Segment, error)

	// CreateSegment inserts a segment and optionally its first trade.
	// Returns ErrPivotExists if it would be a second running pivot.
	CreateSegment(ctx context.Context, seg *models.Segment, first *models.Trade) error

	// SplitSegment applies a pivot split atomically.
	SplitSegment(ctx context.Context, split SegmentSplit) error

	// CloseSegment moves a running segment to a terminal status and clears its pivot flag.
	CloseSegment(ctx context.Context, id uint, status models.SegmentStatus, at time.Time) error

	// PromotePivot marks a running segment as the pivot.
	// Returns ErrPivotExists if the subaccount already has a running pivot.
	PromotePivot(ctx context.Context, segmentID uint) error

	// Trade returns one trade. Returns ErrNotFound if absent.
	Trade(ctx context.Context, id uint) (*models.Trade, error)

	// Trades returns matching trades ordered by id.
	Trades(ctx context.Context, f TradeFilter) ([]models.Trade, error)

	// CreateTrade inserts a trade.
	CreateTrade(ctx context.Context, t *models.Trade) error

	// FinalizeTrade applies a Finalization in one transaction.
	FinalizeTrade(ctx context.Context, fin Finalization) error

	// ResetTrade applies a TradeReset in one transaction.
	ResetTrade(ctx context.Context, reset TradeReset) error

	// TradeDetails returns matching details ordered by id.
	TradeDetails(ctx context.Context, f DetailFilter) ([]models.TradeDetail, error)

	// CreateTradeDetail inserts a leg. Returns ErrPositionClaimed if its
	// positionId is referenced by another running detail.
	CreateTradeDetail(ctx context.Context, d *models.TradeDetail) error

	// CloseTradeDetail records a leg exit. Returns ErrNotFound if no such leg.
	CloseTradeDetail(ctx context.Context, c DetailClose) error

	// CloseStaleDetails marks running details closed without exit data.
	CloseStaleDetails(ctx context.Context, ids []uint, at time.Time) error

	// ActiveToken returns the token in use. Returns ErrNotFound if none.
	ActiveToken(ctx context.Context) (*models.Token, error)

	// RotateToken stores t as the token in use and retires the previous one.
	RotateToken(ctx context.Context, t *models.Token) error
}

// Seeder bootstraps reference data.
type Seeder interface {
	Seed(ctx context.Context, data SeedData) error
}
