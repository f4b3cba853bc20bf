package openapi

// Event is the closed set of inbound messages. Only types in this package
// implement it; payload types outside the set decode to Unknown.
type Event interface {
	isEvent()
}

type ApplicationAuthRes struct{}

type AccountAuthRes struct {
	AccountID int64
}

type SubscribeSpotsRes struct {
	AccountID int64
}

// ExecutionEvent reports an order/position/deal change. Any of the three may be nil.
type ExecutionEvent struct {
	AccountID int64
	Type      ExecutionType
	Position  *Position
	Order     *Order
	Deal      *Deal
	ErrorCode string
}

type SpotEvent struct {
	AccountID int64
	SymbolID  int64
	Bid       uint64
	Ask       uint64
}

// UnrealizedPnLRes carries per-position PnL scaled by MoneyDigits.
type UnrealizedPnLRes struct {
	AccountID   int64
	MoneyDigits uint32
	Positions   []PositionPnL
}

type ReconcileRes struct {
	AccountID int64
	Positions []Position
	Orders    []Order
}

type OrderErrorEvent struct {
	AccountID   int64
	ErrorCode   string
	OrderID     int64
	PositionID  int64
	Description string
}

// ErrorRes is either the common ProtoErrorRes or ProtoOAErrorRes.
type ErrorRes struct {
	AccountID   int64
	ErrorCode   string
	Description string
}

type Heartbeat struct{}

type AccountLogoutRes struct {
	AccountID int64
}

type AccountDisconnectEvent struct {
	AccountID int64
}

type ClientDisconnectEvent struct {
	Reason string
}

type TokenInvalidatedEvent struct {
	AccountIDs []int64
	Reason     string
}

// Unknown is a well-formed envelope whose payload type is outside the handled set.
type Unknown struct {
	PayloadType uint32
	Payload     []byte
}

func (ApplicationAuthRes) isEvent()     {}
func (AccountAuthRes) isEvent()         {}
func (SubscribeSpotsRes) isEvent()      {}
func (ExecutionEvent) isEvent()         {}
func (SpotEvent) isEvent()              {}
func (UnrealizedPnLRes) isEvent()       {}
func (ReconcileRes) isEvent()           {}
func (OrderErrorEvent) isEvent()        {}
func (ErrorRes) isEvent()               {}
func (Heartbeat) isEvent()              {}
func (AccountLogoutRes) isEvent()       {}
func (AccountDisconnectEvent) isEvent() {}
func (ClientDisconnectEvent) isEvent()  {}
func (TokenInvalidatedEvent) isEvent()  {}
func (Unknown) isEvent()                {}

// TradeData is ProtoOATradeData.
type TradeData struct {
	SymbolID      int64
	Volume        int64
	Side          TradeSide
	OpenTimestamp int64
	Label         string
	Comment       string
}

// Position is ProtoOAPosition.
type Position struct {
	PositionID  int64
	TradeData   TradeData
	Status      PositionStatus
	Swap        int64
	Price       float64
	Commission  int64
	UpdatedAtMs int64
	MoneyDigits uint32
}

// Order is ProtoOAOrder.
type Order struct {
	OrderID        int64
	TradeData      TradeData
	ExecutionPrice float64
	ExecutedVolume int64
	ClosingOrder   bool
	ClientOrderID  string
	PositionID     int64
}

// ClosePositionDetail is the realized part of a closing deal.
type ClosePositionDetail struct {
	EntryPrice   float64
	GrossProfit  int64
	Swap         int64
	Commission   int64
	Balance      int64
	ClosedVolume int64
	MoneyDigits  uint32
}

// Deal is ProtoOADeal.
type Deal struct {
	DealID         int64
	OrderID        int64
	PositionID     int64
	Volume         int64
	FilledVolume   int64
	ExecutionPrice float64
	Side           TradeSide
	Commission     int64
	MoneyDigits    uint32
	Close          *ClosePositionDetail
}

// PositionPnL is ProtoOAPositionUnrealizedPnL.
type PositionPnL struct {
	PositionID int64
	GrossPnL   int64
	NetPnL     int64
}
