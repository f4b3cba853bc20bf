package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/arifwicaksono2000/botapp-trader/database/models"
	"github.com/arifwicaksono2000/botapp-trader/ledger"
	"github.com/arifwicaksono2000/botapp-trader/logger"
)

var (
	_ ledger.Store  = (*LedgerRepository)(nil)
	_ ledger.Seeder = (*LedgerRepository)(nil)
)

// LedgerRepository handles database operations for the hedging ledger
type LedgerRepository struct {
	db *Database
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *Database) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// InitSchema performs auto-migration and creates the partial unique indexes
func (r *LedgerRepository) InitSchema(ctx context.Context) error {
	logger.Infof("🔄 Starting database schema initialization...")

	db := r.db.db.WithContext(ctx)
	err := db.AutoMigrate(
		&models.Token{},
		&models.Subaccount{},
		&models.Milestone{},
		&models.Constant{},
		&models.Segment{},
		&models.Trade{},
		&models.TradeDetail{},
	)
	if err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	// At most one running pivot per subaccount
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS ` + idxRunningPivot + `
		ON segments (subaccount_id)
		WHERE is_pivot AND status = 'running'
	`).Error; err != nil {
		return fmt.Errorf("failed to create pivot index: %w", err)
	}

	// A position backs at most one running leg
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS ` + idxRunningPosition + `
		ON trade_details (position_id)
		WHERE status = 'running' AND position_id IS NOT NULL
	`).Error; err != nil {
		return fmt.Errorf("failed to create position index: %w", err)
	}

	logger.Infof("✅ Database schema initialization completed successfully")
	return nil
}

// Seed upserts milestones and the initial_level constant, and creates the
// subaccount and bootstrap token when given.
func (r *LedgerRepository) Seed(ctx context.Context, data ledger.SeedData) error {
	err := r.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(data.Milestones) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&data.Milestones).Error; err != nil {
				return err
			}
		}

		if data.InitialLevelID != 0 {
			c := models.Constant{
				Variable: "initial_level",
				Value:    strconv.FormatUint(uint64(data.InitialLevelID), 10),
				IsActive: true,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "variable"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "is_active"}),
			}).Create(&c).Error; err != nil {
				return err
			}
		}

		if data.Subaccount != nil {
			if err := tx.Where(models.Subaccount{AccountID: data.Subaccount.AccountID}).
				FirstOrCreate(data.Subaccount).Error; err != nil {
				return err
			}
		}

		if data.Token != nil {
			return rotateToken(tx, data.Token)
		}
		return nil
	})
	return WrapDBError("Seed", err)
}

// Milestones returns every ladder tier ordered by starting balance
func (r *LedgerRepository) Milestones(ctx context.Context) ([]models.Milestone, error) {
	var out []models.Milestone
	err := r.db.db.WithContext(ctx).Order("starting_balance ASC").Find(&out).Error
	return out, WrapDBError("Milestones", err)
}

// Constant returns an active constant's value
func (r *LedgerRepository) Constant(ctx context.Context, variable string) (string, error) {
	var c models.Constant
	err := r.db.db.WithContext(ctx).
		Where("variable = ? AND is_active = ?", variable, true).
		First(&c).Error
	if err != nil {
		return "", WrapDBError("Constant", err)
	}
	return c.Value, nil
}

// Subaccount returns the subaccount for a broker account id
func (r *LedgerRepository) Subaccount(ctx context.Context, accountID int64) (*models.Subaccount, error) {
	var sub models.Subaccount
	if err := r.db.db.WithContext(ctx).Where("account_id = ?", accountID).First(&sub).Error; err != nil {
		return nil, WrapDBError("Subaccount", err)
	}
	return &sub, nil
}

// Segment returns one segment
func (r *LedgerRepository) Segment(ctx context.Context, id uint) (*models.Segment, error) {
	var seg models.Segment
	if err := r.db.db.WithContext(ctx).First(&seg, id).Error; err != nil {
		return nil, WrapDBError("Segment", err)
	}
	return &seg, nil
}

// Segments returns matching segments ordered by opened_at, then id
func (r *LedgerRepository) Segments(ctx context.Context, f ledger.SegmentFilter) ([]models.Segment, error) {
	query := r.db.db.WithContext(ctx).Model(&models.Segment{})
	if f.SubaccountID != 0 {
		query = query.Where("subaccount_id = ?", f.SubaccountID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.IsPivot != nil {
		query = query.Where("is_pivot = ?", *f.IsPivot)
	}

	var out []models.Segment
	err := query.Order("opened_at ASC, id ASC").Find(&out).Error
	return out, WrapDBError("Segments", err)
}

func newSegment(tx *gorm.DB, seg *models.Segment) error {
	if seg.UUID == "" {
		seg.UUID = uuid.NewString()
	}
	return tx.Create(seg).Error
}

func newTrade(tx *gorm.DB, t *models.Trade) error {
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	return tx.Create(t).Error
}

// CreateSegment inserts a segment and optionally its first trade
func (r *LedgerRepository) CreateSegment(ctx context.Context, seg *models.Segment, first *models.Trade) error {
	if seg == nil {
		return ledger.ErrInvalidInput
	}
	err := r.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := newSegment(tx, seg); err != nil {
			return err
		}
		if first == nil {
			return nil
		}
		first.SegmentID = seg.ID
		return newTrade(tx, first)
	})
	return WrapDBError("CreateSegment", err)
}

// SplitSegment applies a pivot split atomically
func (r *LedgerRepository) SplitSegment(ctx context.Context, split ledger.SegmentSplit) error {
	if split.NewSegment == nil || split.NewSegment.IsPivot {
		return ledger.ErrInvalidInput
	}
	err := r.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Segment{}).
			Where("id = ?", split.PivotID).
			Update("total_balance", split.PivotBalance)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return NewNotFoundErrorWithID("segment", split.PivotID)
		}

		if err := newSegment(tx, split.NewSegment); err != nil {
			return err
		}
		if split.PivotTrade != nil {
			split.PivotTrade.SegmentID = split.PivotID
			if err := newTrade(tx, split.PivotTrade); err != nil {
				return err
			}
		}
		if split.NewTrade != nil {
			split.NewTrade.SegmentID = split.NewSegment.ID
			if err := newTrade(tx, split.NewTrade); err != nil {
				return err
			}
		}
		return nil
	})
	return WrapDBError("SplitSegment", err)
}

// CloseSegment moves a running segment to a terminal status
func (r *LedgerRepository) CloseSegment(ctx context.Context, id uint, status models.SegmentStatus, at time.Time) error {
	res := r.db.db.WithContext(ctx).Model(&models.Segment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "is_pivot": false, "closed_at": at})
	if res.Error != nil {
		return WrapDBError("CloseSegment", res.Error)
	}
	if res.RowsAffected == 0 {
		return WrapDBError("CloseSegment", NewNotFoundErrorWithID("segment", id))
	}
	return nil
}

// PromotePivot marks a running segment as the pivot
func (r *LedgerRepository) PromotePivot(ctx context.Context, segmentID uint) error {
	res := r.db.db.WithContext(ctx).Model(&models.Segment{}).
		Where("id = ? AND status = ?", segmentID, models.SegmentRunning).
		Update("is_pivot", true)
	if res.Error != nil {
		return WrapDBError("PromotePivot", res.Error)
	}
	if res.RowsAffected == 0 {
		return WrapDBError("PromotePivot", NewNotFoundErrorWithID("running segment", segmentID))
	}
	return nil
}

// Trade returns one trade
func (r *LedgerRepository) Trade(ctx context.Context, id uint) (*models.Trade, error) {
	var t models.Trade
	if err := r.db.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, WrapDBError("Trade", err)
	}
	return &t, nil
}

func (r *LedgerRepository) segmentsOf(db *gorm.DB, subaccountID uint) *gorm.DB {
	return db.Model(&models.Segment{}).Select("id").Where("subaccount_id = ?", subaccountID)
}

// Trades returns matching trades ordered by id
func (r *LedgerRepository) Trades(ctx context.Context, f ledger.TradeFilter) ([]models.Trade, error) {
	db := r.db.db.WithContext(ctx)
	query := db.Model(&models.Trade{})
	if f.SubaccountID != 0 {
		query = query.Where("segment_id IN (?)", r.segmentsOf(db, f.SubaccountID))
	}
	if f.SegmentID != 0 {
		query = query.Where("segment_id = ?", f.SegmentID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	var out []models.Trade
	err := query.Order("id ASC").Find(&out).Error
	return out, WrapDBError("Trades", err)
}

// CreateTrade inserts a trade
func (r *LedgerRepository) CreateTrade(ctx context.Context, t *models.Trade) error {
	if t == nil || t.SegmentID == 0 {
		return ledger.ErrInvalidInput
	}
	return WrapDBError("CreateTrade", newTrade(r.db.db.WithContext(ctx), t))
}

func closeDetail(tx *gorm.DB, c ledger.DetailClose) error {
	res := tx.Model(&models.TradeDetail{}).
		Where("trade_id = ? AND position_id = ?", c.TradeID, c.PositionID).
		Updates(map[string]interface{}{
			"status":     c.Status,
			"exit_price": c.ExitPrice,
			"pips":       c.Pips,
			"realized":   c.Realized,
			"closed_at":  c.ClosedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return NewNotFoundErrorWithID("trade detail", fmt.Sprintf("trade=%d position=%d", c.TradeID, c.PositionID))
	}
	return nil
}

// FinalizeTrade closes the trade, its legs, and rolls the balance into the
// segment and subaccount in one transaction
func (r *LedgerRepository) FinalizeTrade(ctx context.Context, fin ledger.Finalization) error {
	err := r.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, leg := range fin.Legs {
			if err := closeDetail(tx, leg); err != nil {
				return err
			}
		}

		res := tx.Model(&models.Trade{}).
			Where("id = ?", fin.TradeID).
			Updates(map[string]interface{}{
				"status":            fin.Status,
				"ending_balance":    fin.EndingBalance,
				"achieved_level_id": fin.AchievedLevelID,
				"closed_at":         fin.ClosedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return NewNotFoundErrorWithID("trade", fin.TradeID)
		}

		res = tx.Model(&models.Segment{}).
			Where("id = ?", fin.SegmentID).
			Update("total_balance", fin.EndingBalance)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return NewNotFoundErrorWithID("segment", fin.SegmentID)
		}

		if fin.SubaccountID != 0 && fin.BalanceDelta != 0 {
			return tx.Model(&models.Subaccount{}).
				Where("id = ?", fin.SubaccountID).
				Update("balance", gorm.Expr("balance + ?", fin.BalanceDelta)).Error
		}
		return nil
	})
	return WrapDBError("FinalizeTrade", err)
}

// ResetTrade retires a trade and its running legs and creates the replacement
func (r *LedgerRepository) ResetTrade(ctx context.Context, reset ledger.TradeReset) error {
	err := r.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t models.Trade
		if err := tx.First(&t, reset.TradeID).Error; err != nil {
			return err
		}

		if err := tx.Model(&t).Updates(map[string]interface{}{
			"status":    models.TradeClosed,
			"closed_at": reset.ClosedAt,
		}).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.TradeDetail{}).
			Where("trade_id = ? AND status = ?", t.ID, models.DetailRunning).
			Updates(map[string]interface{}{
				"status":    models.DetailClosed,
				"closed_at": reset.ClosedAt,
			}).Error; err != nil {
			return err
		}

		if reset.Replacement == nil {
			return nil
		}
		reset.Replacement.SegmentID = t.SegmentID
		return newTrade(tx, reset.Replacement)
	})
	return WrapDBError("ResetTrade", err)
}

// TradeDetails returns matching details ordered by id
func (r *LedgerRepository) TradeDetails(ctx context.Context, f ledger.DetailFilter) ([]models.TradeDetail, error) {
	db := r.db.db.WithContext(ctx)
	query := db.Model(&models.TradeDetail{})
	if f.SubaccountID != 0 {
		query = query.Where("segment_id IN (?)", r.segmentsOf(db, f.SubaccountID))
	}
	if f.TradeID != 0 {
		query = query.Where("trade_id = ?", f.TradeID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	var out []models.TradeDetail
	err := query.Order("id ASC").Find(&out).Error
	return out, WrapDBError("TradeDetails", err)
}

// CreateTradeDetail inserts a leg
func (r *LedgerRepository) CreateTradeDetail(ctx context.Context, d *models.TradeDetail) error {
	if d == nil || d.TradeID == 0 {
		return ledger.ErrInvalidInput
	}
	if d.UUID == "" {
		d.UUID = uuid.NewString()
	}
	return WrapDBError("CreateTradeDetail", r.db.db.WithContext(ctx).Create(d).Error)
}

// CloseTradeDetail records a leg exit
func (r *LedgerRepository) CloseTradeDetail(ctx context.Context, c ledger.DetailClose) error {
	return WrapDBError("CloseTradeDetail", closeDetail(r.db.db.WithContext(ctx), c))
}

// CloseStaleDetails marks running details closed
func (r *LedgerRepository) CloseStaleDetails(ctx context.Context, ids []uint, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.db.WithContext(ctx).Model(&models.TradeDetail{}).
		Where("id IN ? AND status = ?", ids, models.DetailRunning).
		Updates(map[string]interface{}{"status": models.DetailClosed, "closed_at": at}).Error
	return WrapDBError("CloseStaleDetails", err)
}

// ActiveToken returns the token in use
func (r *LedgerRepository) ActiveToken(ctx context.Context) (*models.Token, error) {
	var t models.Token
	err := r.db.db.WithContext(ctx).
		Where("is_used = ?", true).
		Order("id DESC").
		First(&t).Error
	if err != nil {
		return nil, WrapDBError("ActiveToken", err)
	}
	return &t, nil
}

// RotateToken stores t as the token in use and retires the previous one
func (r *LedgerRepository) RotateToken(ctx context.Context, t *models.Token) error {
	if t == nil || t.AccessToken == "" {
		return ledger.ErrInvalidInput
	}
	err := r.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return rotateToken(tx, t)
	})
	return WrapDBError("RotateToken", err)
}

func rotateToken(tx *gorm.DB, t *models.Token) error {
	if err := tx.Model(&models.Token{}).
		Where("is_used = ?", true).
		Update("is_used", false).Error; err != nil {
		return err
	}
	t.ID = 0
	t.IsUsed = true
	return tx.Create(t).Error
}
