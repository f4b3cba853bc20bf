package engine

import (
	"errors"
	"sort"
	"time"
)

// Side is a leg direction.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Outcome is the in-memory result of a leg.
type Outcome string

const (
	OutcomeRunning    Outcome = "running"
	OutcomeSuccess    Outcome = "success"
	OutcomeLiquidated Outcome = "liquidated"
	OutcomeExpired    Outcome = "expired"
)

// PositionStatus is the lifecycle of a cached position.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

var (
	errUnknownTrade = errors.New("trade not tracked")
	errLegBound     = errors.New("leg already bound to another position")
)

// Position is a cached broker position.
type Position struct {
	ID         int64          `json:"position_id"`
	TradeID    uint           `json:"trade_id"`
	Side       Side           `json:"side"`
	SymbolID   int64          `json:"symbol_id"`
	Volume     int64          `json:"volume"`
	EntryPrice float64        `json:"entry_price"`
	Status     PositionStatus `json:"status"`
	NetPnL     float64        `json:"net_pnl"`
	GrossPnL   float64        `json:"gross_pnl"`

	// Allocated is the trade's balance pinned at open.
	Allocated float64 `json:"allocated"`
}

// Leg is one side of a tracked trade.
type Leg struct {
	PositionID int64     `json:"position_id,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Closed     bool      `json:"closed"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price,omitempty"`
	Realized   float64   `json:"realized"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at,omitempty"`
}

// Bound reports whether the leg has a broker position.
func (l Leg) Bound() bool { return l.PositionID != 0 }

// Couple is a tracked trade and its two legs.
type Couple struct {
	TradeID         uint      `json:"trade_id"`
	SegmentID       uint      `json:"segment_id"`
	LevelID         uint      `json:"level_id"`
	LotSize         float64   `json:"lot_size"`
	StartingBalance float64   `json:"starting_balance"`
	Allocated       float64   `json:"allocated"`
	Target          float64   `json:"target"`
	OpenedAt        time.Time `json:"opened_at"`
	Long            Leg       `json:"long"`
	Short           Leg       `json:"short"`
}

// Leg returns a pointer to the leg on side.
func (c *Couple) Leg(side Side) *Leg {
	if side == SideLong {
		return &c.Long
	}
	return &c.Short
}

// BothClosed reports whether the trade is ready to finalize.
func (c *Couple) BothClosed() bool {
	return c.Long.Closed && c.Short.Closed
}

// WorkingSet is the loop-owned cache of positions and trade couples. It is
// not safe for concurrent use; only the loop touches it.
type WorkingSet struct {
	positions map[int64]*Position
	couples   map[uint]*Couple
}

func NewWorkingSet() *WorkingSet {
	return &WorkingSet{
		positions: make(map[int64]*Position),
		couples:   make(map[uint]*Couple),
	}
}

// TrackTrade starts tracking c unless the trade is already tracked.
func (w *WorkingSet) TrackTrade(c Couple) bool {
	if _, ok := w.couples[c.TradeID]; ok {
		return false
	}
	if c.Long.Outcome == "" {
		c.Long.Outcome = OutcomeRunning
	}
	if c.Short.Outcome == "" {
		c.Short.Outcome = OutcomeRunning
	}
	w.couples[c.TradeID] = &c
	return true
}

// Couple returns a copy of a tracked trade.
func (w *WorkingSet) Couple(tradeID uint) (Couple, bool) {
	c, ok := w.couples[tradeID]
	if !ok {
		return Couple{}, false
	}
	return *c, true
}

// BindLeg records the broker position of a leg. Rebinding the same position
// is a no-op; binding a different one is an error.
func (w *WorkingSet) BindLeg(tradeID uint, side Side, positionID int64, entry float64, at time.Time) error {
	c, ok := w.couples[tradeID]
	if !ok {
		return errUnknownTrade
	}
	leg := c.Leg(side)
	if leg.Bound() {
		if leg.PositionID == positionID {
			return nil
		}
		return errLegBound
	}
	leg.PositionID = positionID
	leg.EntryPrice = entry
	leg.OpenedAt = at
	return nil
}

// LegOf finds the trade and side a position is bound to.
func (w *WorkingSet) LegOf(positionID int64) (uint, Side, bool) {
	for id, c := range w.couples {
		if c.Long.PositionID == positionID {
			return id, SideLong, true
		}
		if c.Short.PositionID == positionID {
			return id, SideShort, true
		}
	}
	return 0, "", false
}

// UpsertPosition stores p, keeping PnL already cached for it.
func (w *WorkingSet) UpsertPosition(p Position) {
	if old, ok := w.positions[p.ID]; ok {
		p.NetPnL = old.NetPnL
		p.GrossPnL = old.GrossPnL
		if old.Status == PositionClosing && p.Status == PositionOpen {
			p.Status = PositionClosing
		}
	}
	if p.Status == "" {
		p.Status = PositionOpen
	}
	w.positions[p.ID] = &p
}

// Position returns a copy of a cached position.
func (w *WorkingSet) Position(id int64) (Position, bool) {
	p, ok := w.positions[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// UpdatePnL caches the latest unrealized PnL.
func (w *WorkingSet) UpdatePnL(id int64, net, gross float64) bool {
	p, ok := w.positions[id]
	if !ok {
		return false
	}
	p.NetPnL = net
	p.GrossPnL = gross
	return true
}

// MarkOutcome records a running leg's outcome. Only the first transition
// out of running succeeds.
func (w *WorkingSet) MarkOutcome(tradeID uint, side Side, o Outcome) bool {
	c, ok := w.couples[tradeID]
	if !ok {
		return false
	}
	leg := c.Leg(side)
	if leg.Outcome != OutcomeRunning || leg.Closed {
		return false
	}
	leg.Outcome = o
	return true
}

// MarkClosing moves an open position to closing. It fails for unknown,
// closing or closed positions.
func (w *WorkingSet) MarkClosing(id int64) bool {
	p, ok := w.positions[id]
	if !ok || p.Status != PositionOpen {
		return false
	}
	p.Status = PositionClosing
	return true
}

// MarkClosed records a leg's exit. It reports true only for the first close.
func (w *WorkingSet) MarkClosed(tradeID uint, side Side, exit, realized float64, at time.Time) bool {
	c, ok := w.couples[tradeID]
	if !ok {
		return false
	}
	leg := c.Leg(side)
	if leg.Closed {
		return false
	}
	leg.Closed = true
	leg.ExitPrice = exit
	leg.Realized = realized
	leg.ClosedAt = at
	if p, ok := w.positions[leg.PositionID]; ok {
		p.Status = PositionClosed
	}
	return true
}

// ReopenPosition moves a closing position back to open after the broker
// refused the close.
func (w *WorkingSet) ReopenPosition(id int64) bool {
	p, ok := w.positions[id]
	if !ok || p.Status != PositionClosing {
		return false
	}
	p.Status = PositionOpen
	return true
}

// DropPosition forgets a position.
func (w *WorkingSet) DropPosition(id int64) {
	delete(w.positions, id)
}

// Release forgets a trade and its positions.
func (w *WorkingSet) Release(tradeID uint) {
	c, ok := w.couples[tradeID]
	if !ok {
		return
	}
	delete(w.positions, c.Long.PositionID)
	delete(w.positions, c.Short.PositionID)
	delete(w.couples, tradeID)
}

// Bound reports whether a position backs a tracked leg.
func (w *WorkingSet) Bound(positionID int64) bool {
	_, _, ok := w.LegOf(positionID)
	return ok
}

// OpenPositions returns open positions ordered by id.
func (w *WorkingSet) OpenPositions() []Position {
	var out []Position
	for _, p := range w.positions {
		if p.Status == PositionOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot copies every position and couple, ordered by id.
func (w *WorkingSet) Snapshot() ([]Position, []Couple) {
	positions := make([]Position, 0, len(w.positions))
	for _, p := range w.positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID < positions[j].ID })

	couples := make([]Couple, 0, len(w.couples))
	for _, c := range w.couples {
		couples = append(couples, *c)
	}
	sort.Slice(couples, func(i, j int) bool { return couples[i].TradeID < couples[j].TradeID })
	return positions, couples
}

// Reset drops everything; used on disconnect.
func (w *WorkingSet) Reset() {
	w.positions = make(map[int64]*Position)
	w.couples = make(map[uint]*Couple)
}
