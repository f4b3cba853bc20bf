// Package models defines the ledger records shared by the store
// implementations and the engine.
package models

import "time"

// SegmentStatus is the lifecycle state of a Segment.
type SegmentStatus string

const (
	SegmentRunning    SegmentStatus = "running"
	SegmentSuccessful SegmentStatus = "successful"
	SegmentLiquidated SegmentStatus = "liquidated"
)

// TradeStatus is the lifecycle state of a Trade. TradeClosed marks a trade
// retired by a reconciliation reset.
type TradeStatus string

const (
	TradeRunning    TradeStatus = "running"
	TradeSuccessful TradeStatus = "successful"
	TradeLiquidated TradeStatus = "liquidated"
	TradeClosed     TradeStatus = "closed"
)

// DetailStatus is the lifecycle state of one leg.
type DetailStatus string

const (
	DetailRunning    DetailStatus = "running"
	DetailClosed     DetailStatus = "closed"
	DetailSuccessful DetailStatus = "successful"
	DetailLiquidated DetailStatus = "liquidated"
)

// PositionType is the direction of a leg.
type PositionType string

const (
	PositionLong  PositionType = "long"
	PositionShort PositionType = "short"
)

// Token is an Open API credential pair. Exactly one row is in use at a time.
type Token struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	AccessToken  string    `gorm:"size:255;not null" json:"-"`
	RefreshToken string    `gorm:"size:255;not null" json:"-"`
	IsUsed       bool      `gorm:"index;not null;default:false" json:"is_used"`
	ExpiresAt    time.Time `gorm:"not null" json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName specifies the table name for Token
func (Token) TableName() string {
	return "tokens"
}

// Subaccount is a broker trading account tracked by the engine.
type Subaccount struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID int64     `gorm:"uniqueIndex;not null" json:"account_id"`
	Balance   float64   `gorm:"type:decimal(15,4);not null" json:"balance"`
	IsDefault bool      `gorm:"not null;default:false" json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for Subaccount
func (Subaccount) TableName() string {
	return "subaccounts"
}

// Milestone is one tier of the balance ladder. Balances in
// [StartingBalance, EndingBalance) trade with LotSize.
type Milestone struct {
	ID              uint    `gorm:"primaryKey" json:"id" yaml:"id"`
	StartingBalance float64 `gorm:"type:decimal(15,4);not null" json:"starting_balance" yaml:"starting_balance"`
	EndingBalance   float64 `gorm:"type:decimal(15,4);not null" json:"ending_balance" yaml:"ending_balance"`
	LotSize         float64 `gorm:"type:decimal(10,4);not null" json:"lot_size" yaml:"lot_size"`
	ProfitGoal      float64 `gorm:"type:decimal(15,4);not null" json:"profit_goal" yaml:"profit_goal"`
	Loss            float64 `gorm:"type:decimal(15,4);not null" json:"loss" yaml:"loss"`
}

// TableName specifies the table name for Milestone
func (Milestone) TableName() string {
	return "milestones"
}

// Constant is a named configuration value stored with the ledger,
// e.g. initial_level.
type Constant struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Variable string `gorm:"size:64;uniqueIndex;not null" json:"variable"`
	Value    string `gorm:"size:255;not null" json:"value"`
	IsActive bool   `gorm:"not null;default:true" json:"is_active"`
}

// TableName specifies the table name for Constant
func (Constant) TableName() string {
	return "constants"
}

// Segment is a slice of subaccount capital progressing through the ladder.
// At most one running Segment per subaccount is the pivot.
type Segment struct {
	ID           uint          `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID         string        `gorm:"size:36;uniqueIndex;not null" json:"uuid"`
	SubaccountID uint          `gorm:"index;not null" json:"subaccount_id"`
	TotalBalance float64       `gorm:"type:decimal(15,4);not null" json:"total_balance"`
	Pair         string        `gorm:"size:16;not null" json:"pair"`
	IsPivot      bool          `gorm:"not null;default:false" json:"is_pivot"`
	Status       SegmentStatus `gorm:"size:16;index;not null" json:"status"`
	OpenedAt     time.Time     `gorm:"not null" json:"opened_at"`
	ClosedAt     *time.Time    `json:"closed_at,omitempty"`
}

// TableName specifies the table name for Segment
func (Segment) TableName() string {
	return "segments"
}

// Trade is one hedge cycle of a Segment: a long and a short leg opened
// together and closed together.
type Trade struct {
	ID              uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID            string      `gorm:"size:36;uniqueIndex;not null" json:"uuid"`
	SegmentID       uint        `gorm:"index;not null" json:"segment_id"`
	CurrentLevelID  uint        `gorm:"not null" json:"current_level_id"`
	AchievedLevelID *uint       `json:"achieved_level_id,omitempty"`
	StartingBalance float64     `gorm:"type:decimal(15,4);not null" json:"starting_balance"`
	ProfitGoal      float64     `gorm:"type:decimal(15,4);not null" json:"profit_goal"`
	EndingBalance   *float64    `gorm:"type:decimal(15,4)" json:"ending_balance,omitempty"`
	Status          TradeStatus `gorm:"size:16;index;not null" json:"status"`
	OpenedAt        time.Time   `gorm:"not null" json:"opened_at"`
	ClosedAt        *time.Time  `json:"closed_at,omitempty"`
}

// TableName specifies the table name for Trade
func (Trade) TableName() string {
	return "trades"
}

// TargetBalance is the balance a leg must exceed to count as a success.
func (t Trade) TargetBalance() float64 {
	return t.StartingBalance + t.ProfitGoal
}

// TradeDetail is one leg of a Trade. PositionID is set once, at the first fill.
// Reopened legs were opened by reconciliation and carry no hold timer.
type TradeDetail struct {
	ID           uint         `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID         string       `gorm:"size:36;uniqueIndex;not null" json:"uuid"`
	TradeID      uint         `gorm:"index;not null" json:"trade_id"`
	SegmentID    uint         `gorm:"index;not null" json:"segment_id"`
	PositionID   *int64       `gorm:"index" json:"position_id,omitempty"`
	PositionType PositionType `gorm:"size:8;not null" json:"position_type"`
	EntryPrice   float64      `gorm:"type:decimal(15,6)" json:"entry_price"`
	ExitPrice    *float64     `gorm:"type:decimal(15,6)" json:"exit_price,omitempty"`
	LotSize      float64      `gorm:"type:decimal(10,4);not null" json:"lot_size"`
	Pips         *float64     `gorm:"type:decimal(10,2)" json:"pips,omitempty"`
	Realized     *float64     `gorm:"type:decimal(15,4)" json:"realized,omitempty"`
	Reopened     bool         `gorm:"not null;default:false" json:"reopened"`
	Status       DetailStatus `gorm:"size:16;index;not null" json:"status"`
	OpenedAt     time.Time    `gorm:"not null" json:"opened_at"`
	ClosedAt     *time.Time   `json:"closed_at,omitempty"`
}

// TableName specifies the table name for TradeDetail
func (TradeDetail) TableName() string {
	return "trade_details"
}
