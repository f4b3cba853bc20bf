// Package memory is an in-memory implementation of ledger.Store, used for
// paper runs and tests.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arifwicaksono2000/botapp-trader/database/models"
	"github.com/arifwicaksono2000/botapp-trader/ledger"
)

var (
	_ ledger.Store  = (*Store)(nil)
	_ ledger.Seeder = (*Store)(nil)
)

// Store keeps every table in maps guarded by one mutex, so multi-row
// operations are atomic.
type Store struct {
	mu sync.RWMutex

	milestones  map[uint]models.Milestone
	constants   map[string]models.Constant
	subaccounts map[uint]models.Subaccount
	segments    map[uint]models.Segment
	trades      map[uint]models.Trade
	details     map[uint]models.TradeDetail
	tokens      map[uint]models.Token

	nextID uint
}

// New creates an empty store.
func New() *Store {
	return &Store{
		milestones:  make(map[uint]models.Milestone),
		constants:   make(map[string]models.Constant),
		subaccounts: make(map[uint]models.Subaccount),
		segments:    make(map[uint]models.Segment),
		trades:      make(map[uint]models.Trade),
		details:     make(map[uint]models.TradeDetail),
		tokens:      make(map[uint]models.Token),
	}
}

func (s *Store) id() uint {
	s.nextID++
	return s.nextID
}

// Seed loads reference data. Milestones keep their ids when set.
func (s *Store) Seed(_ context.Context, data ledger.SeedData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range data.Milestones {
		if m.ID == 0 {
			m.ID = s.id()
		} else if m.ID > s.nextID {
			s.nextID = m.ID
		}
		s.milestones[m.ID] = m
	}
	if data.InitialLevelID != 0 {
		s.constants["initial_level"] = models.Constant{
			ID:       s.id(),
			Variable: "initial_level",
			Value:    strconv.FormatUint(uint64(data.InitialLevelID), 10),
			IsActive: true,
		}
	}
	if data.Subaccount != nil {
		sub := *data.Subaccount
		if sub.ID == 0 {
			sub.ID = s.id()
		}
		s.subaccounts[sub.ID] = sub
		data.Subaccount.ID = sub.ID
	}
	if data.Token != nil {
		s.rotateToken(data.Token)
	}
	return nil
}

// Milestones returns every ladder tier ordered by starting balance.
func (s *Store) Milestones(_ context.Context) ([]models.Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Milestone, 0, len(s.milestones))
	for _, m := range s.milestones {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartingBalance < out[j].StartingBalance })
	return out, nil
}

// Constant returns an active constant's value.
func (s *Store) Constant(_ context.Context, variable string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.constants[variable]
	if !ok || !c.IsActive {
		return "", ledger.ErrNotFound
	}
	return c.Value, nil
}

// Subaccount returns the subaccount for a broker account id.
func (s *Store) Subaccount(_ context.Context, accountID int64) (*models.Subaccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subaccounts {
		if sub.AccountID == accountID {
			out := sub
			return &out, nil
		}
	}
	return nil, ledger.ErrNotFound
}

// Segment returns one segment.
func (s *Store) Segment(_ context.Context, id uint) (*models.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, ok := s.segments[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &seg, nil
}

// Segments returns matching segments ordered by opened_at, then id.
func (s *Store) Segments(_ context.Context, f ledger.SegmentFilter) ([]models.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Segment
	for _, seg := range s.segments {
		if f.SubaccountID != 0 && seg.SubaccountID != f.SubaccountID {
			continue
		}
		if f.Status != "" && seg.Status != f.Status {
			continue
		}
		if f.IsPivot != nil && seg.IsPivot != *f.IsPivot {
			continue
		}
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) hasRunningPivot(subaccountID, except uint) bool {
	for _, seg := range s.segments {
		if seg.ID != except && seg.SubaccountID == subaccountID && seg.IsPivot && seg.Status == models.SegmentRunning {
			return true
		}
	}
	return false
}

func (s *Store) insertSegment(seg *models.Segment) {
	seg.ID = s.id()
	if seg.UUID == "" {
		seg.UUID = uuid.NewString()
	}
	s.segments[seg.ID] = *seg
}

func (s *Store) insertTrade(t *models.Trade) {
	t.ID = s.id()
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	s.trades[t.ID] = *t
}

// CreateSegment inserts a segment and optionally its first trade.
func (s *Store) CreateSegment(_ context.Context, seg *models.Segment, first *models.Trade) error {
	if seg == nil {
		return ledger.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if seg.IsPivot && seg.Status == models.SegmentRunning && s.hasRunningPivot(seg.SubaccountID, 0) {
		return ledger.ErrPivotExists
	}
	s.insertSegment(seg)
	if first != nil {
		first.SegmentID = seg.ID
		s.insertTrade(first)
	}
	return nil
}

// SplitSegment applies a pivot split atomically.
func (s *Store) SplitSegment(_ context.Context, split ledger.SegmentSplit) error {
	if split.NewSegment == nil || split.NewSegment.IsPivot {
		return ledger.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pivot, ok := s.segments[split.PivotID]
	if !ok {
		return ledger.ErrNotFound
	}
	pivot.TotalBalance = split.PivotBalance
	s.segments[pivot.ID] = pivot

	s.insertSegment(split.NewSegment)
	if split.PivotTrade != nil {
		split.PivotTrade.SegmentID = pivot.ID
		s.insertTrade(split.PivotTrade)
	}
	if split.NewTrade != nil {
		split.NewTrade.SegmentID = split.NewSegment.ID
		s.insertTrade(split.NewTrade)
	}
	return nil
}

// CloseSegment moves a running segment to a terminal status.
func (s *Store) CloseSegment(_ context.Context, id uint, status models.SegmentStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[id]
	if !ok {
		return ledger.ErrNotFound
	}
	seg.Status = status
	seg.IsPivot = false
	seg.ClosedAt = &at
	s.segments[id] = seg
	return nil
}

// PromotePivot marks a running segment as the pivot.
func (s *Store) PromotePivot(_ context.Context, segmentID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[segmentID]
	if !ok || seg.Status != models.SegmentRunning {
		return ledger.ErrNotFound
	}
	if s.hasRunningPivot(seg.SubaccountID, seg.ID) {
		return ledger.ErrPivotExists
	}
	seg.IsPivot = true
	s.segments[segmentID] = seg
	return nil
}

// Trade returns one trade.
func (s *Store) Trade(_ context.Context, id uint) (*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &t, nil
}

// Trades returns matching trades ordered by id.
func (s *Store) Trades(_ context.Context, f ledger.TradeFilter) ([]models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Trade
	for _, t := range s.trades {
		if f.SegmentID != 0 && t.SegmentID != f.SegmentID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.SubaccountID != 0 && s.segments[t.SegmentID].SubaccountID != f.SubaccountID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateTrade inserts a trade.
func (s *Store) CreateTrade(_ context.Context, t *models.Trade) error {
	if t == nil || t.SegmentID == 0 {
		return ledger.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.segments[t.SegmentID]; !ok {
		return ledger.ErrNotFound
	}
	s.insertTrade(t)
	return nil
}

func (s *Store) closeDetail(c ledger.DetailClose) bool {
	for id, d := range s.details {
		if d.TradeID != c.TradeID || d.PositionID == nil || *d.PositionID != c.PositionID {
			continue
		}
		exit, pips, realized, at := c.ExitPrice, c.Pips, c.Realized, c.ClosedAt
		d.Status = c.Status
		d.ExitPrice = &exit
		d.Pips = &pips
		d.Realized = &realized
		d.ClosedAt = &at
		s.details[id] = d
		return true
	}
	return false
}

// FinalizeTrade applies a Finalization atomically.
func (s *Store) FinalizeTrade(_ context.Context, fin ledger.Finalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[fin.TradeID]
	if !ok {
		return ledger.ErrNotFound
	}
	seg, ok := s.segments[fin.SegmentID]
	if !ok {
		return ledger.ErrNotFound
	}

	for _, leg := range fin.Legs {
		if !s.closeDetail(leg) {
			return ledger.ErrNotFound
		}
	}

	ending, achieved, at := fin.EndingBalance, fin.AchievedLevelID, fin.ClosedAt
	t.Status = fin.Status
	t.EndingBalance = &ending
	t.AchievedLevelID = &achieved
	t.ClosedAt = &at
	s.trades[t.ID] = t

	seg.TotalBalance = fin.EndingBalance
	s.segments[seg.ID] = seg

	if sub, ok := s.subaccounts[fin.SubaccountID]; ok {
		sub.Balance += fin.BalanceDelta
		s.subaccounts[sub.ID] = sub
	}
	return nil
}

// ResetTrade retires a trade and its legs and creates the replacement.
func (s *Store) ResetTrade(_ context.Context, reset ledger.TradeReset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[reset.TradeID]
	if !ok {
		return ledger.ErrNotFound
	}
	at := reset.ClosedAt
	t.Status = models.TradeClosed
	t.ClosedAt = &at
	s.trades[t.ID] = t

	for id, d := range s.details {
		if d.TradeID == t.ID && d.Status == models.DetailRunning {
			d.Status = models.DetailClosed
			d.ClosedAt = &at
			s.details[id] = d
		}
	}

	if reset.Replacement != nil {
		reset.Replacement.SegmentID = t.SegmentID
		s.insertTrade(reset.Replacement)
	}
	return nil
}

// TradeDetails returns matching details ordered by id.
func (s *Store) TradeDetails(_ context.Context, f ledger.DetailFilter) ([]models.TradeDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.TradeDetail
	for _, d := range s.details {
		if f.TradeID != 0 && d.TradeID != f.TradeID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.SubaccountID != 0 && s.segments[d.SegmentID].SubaccountID != f.SubaccountID {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateTradeDetail inserts a leg.
func (s *Store) CreateTradeDetail(_ context.Context, d *models.TradeDetail) error {
	if d == nil || d.TradeID == 0 {
		return ledger.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d.PositionID != nil && d.Status == models.DetailRunning {
		for _, other := range s.details {
			if other.Status == models.DetailRunning && other.PositionID != nil && *other.PositionID == *d.PositionID {
				return ledger.ErrPositionClaimed
			}
		}
	}

	d.ID = s.id()
	if d.UUID == "" {
		d.UUID = uuid.NewString()
	}
	s.details[d.ID] = *d
	return nil
}

// CloseTradeDetail records a leg exit.
func (s *Store) CloseTradeDetail(_ context.Context, c ledger.DetailClose) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closeDetail(c) {
		return ledger.ErrNotFound
	}
	return nil
}

// CloseStaleDetails marks running details closed.
func (s *Store) CloseStaleDetails(_ context.Context, ids []uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		d, ok := s.details[id]
		if !ok || d.Status != models.DetailRunning {
			continue
		}
		d.Status = models.DetailClosed
		d.ClosedAt = &at
		s.details[id] = d
	}
	return nil
}

// ActiveToken returns the token in use.
func (s *Store) ActiveToken(_ context.Context) (*models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.Token
	for _, t := range s.tokens {
		if !t.IsUsed {
			continue
		}
		if best == nil || t.ID > best.ID {
			tok := t
			best = &tok
		}
	}
	if best == nil {
		return nil, ledger.ErrNotFound
	}
	return best, nil
}

// RotateToken stores t as the token in use and retires the previous one.
func (s *Store) RotateToken(_ context.Context, t *models.Token) error {
	if t == nil || t.AccessToken == "" {
		return ledger.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rotateToken(t)
	return nil
}

func (s *Store) rotateToken(t *models.Token) {
	for id, old := range s.tokens {
		if old.IsUsed {
			old.IsUsed = false
			s.tokens[id] = old
		}
	}
	t.ID = s.id()
	t.IsUsed = true
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.tokens[t.ID] = *t
}
