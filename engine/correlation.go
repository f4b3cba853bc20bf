package engine

import (
	"fmt"

	"github.com/arifwicaksono2000/botapp-trader/openapi"
)

// Intent tells the fill handler whether an order opens a new cycle or
// replaces a reset one.
type Intent string

const (
	IntentOpen   Intent = "open"
	IntentReopen Intent = "reopen"
)

// Token identifies an order before its position exists.
type Token struct {
	TradeID uint
	Side    Side
	Intent  Intent
}

// String is the clientOrderId and label sent with the order.
func (t Token) String() string {
	return fmt.Sprintf("trade_%d_%s_%s", t.TradeID, t.Side, t.Intent)
}

// TradeSide maps a leg to the order side.
func (t Token) TradeSide() openapi.TradeSide {
	if t.Side == SideLong {
		return openapi.TradeSideBuy
	}
	return openapi.TradeSideSell
}

type pendingOrder struct {
	Token   Token
	Request openapi.NewOrderReq
	Retried bool
}

// Registry maps in-flight order ids to their tokens. Entries are added at
// send time and consumed by the fill.
type Registry struct {
	pending map[string]*pendingOrder
}

func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*pendingOrder)}
}

// Register records an order about to be sent.
func (r *Registry) Register(tok Token, req openapi.NewOrderReq) string {
	id := tok.String()
	r.pending[id] = &pendingOrder{Token: tok, Request: req}
	return id
}

// Lookup returns a pending order without consuming it.
func (r *Registry) Lookup(id string) (pendingOrder, bool) {
	po, ok := r.pending[id]
	if !ok {
		return pendingOrder{}, false
	}
	return *po, true
}

// Resolve consumes a pending order.
func (r *Registry) Resolve(id string) (pendingOrder, bool) {
	po, ok := r.pending[id]
	if !ok {
		return pendingOrder{}, false
	}
	delete(r.pending, id)
	return *po, true
}

// MarkRetried flags an order as already retried once.
func (r *Registry) MarkRetried(id string) {
	if po, ok := r.pending[id]; ok {
		po.Retried = true
	}
}

// Pending reports whether id is an in-flight order.
func (r *Registry) Pending(id string) bool {
	_, ok := r.pending[id]
	return ok
}

// HasTrade reports whether any order of a trade is in flight.
func (r *Registry) HasTrade(tradeID uint) bool {
	for _, po := range r.pending {
		if po.Token.TradeID == tradeID {
			return true
		}
	}
	return false
}

// Len returns the number of in-flight orders.
func (r *Registry) Len() int {
	return len(r.pending)
}

// Reset drops every pending order.
func (r *Registry) Reset() {
	r.pending = make(map[string]*pendingOrder)
}
