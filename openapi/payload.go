// Package openapi implements the subset of the cTrader Open API message set
// used by the hedging engine. Messages are protobuf (proto2) encoded by hand on
// top of protowire and wrapped in the common ProtoMessage envelope.
package openapi

// Common payload types.
const (
	PayloadProtoMessage   uint32 = 5
	PayloadErrorRes       uint32 = 50
	PayloadHeartbeatEvent uint32 = 51
)

// Open API payload types (ProtoOAPayloadType).
const (
	PayloadApplicationAuthReq     uint32 = 2100
	PayloadApplicationAuthRes     uint32 = 2101
	PayloadAccountAuthReq         uint32 = 2102
	PayloadAccountAuthRes         uint32 = 2103
	PayloadNewOrderReq            uint32 = 2106
	PayloadClosePositionReq       uint32 = 2111
	PayloadReconcileReq           uint32 = 2124
	PayloadReconcileRes           uint32 = 2125
	PayloadExecutionEvent         uint32 = 2126
	PayloadSubscribeSpotsReq      uint32 = 2127
	PayloadSubscribeSpotsRes      uint32 = 2128
	PayloadSpotEvent              uint32 = 2131
	PayloadOrderErrorEvent        uint32 = 2132
	PayloadOAErrorRes             uint32 = 2142
	PayloadTokenInvalidatedEvent  uint32 = 2147
	PayloadClientDisconnectEvent  uint32 = 2148
	PayloadAccountLogoutReq       uint32 = 2162
	PayloadAccountLogoutRes       uint32 = 2163
	PayloadAccountDisconnectEvent uint32 = 2164
	PayloadGetUnrealizedPnLReq    uint32 = 2187
	PayloadGetUnrealizedPnLRes    uint32 = 2188
)

// TradeSide is ProtoOATradeSide.
type TradeSide int32

const (
	TradeSideBuy  TradeSide = 1
	TradeSideSell TradeSide = 2
)

func (s TradeSide) String() string {
	switch s {
	case TradeSideBuy:
		return "BUY"
	case TradeSideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// OrderType is ProtoOAOrderType.
type OrderType int32

const (
	OrderTypeMarket OrderType = 1
)

// PositionStatus is ProtoOAPositionStatus.
type PositionStatus int32

const (
	PositionStatusOpen    PositionStatus = 1
	PositionStatusClosed  PositionStatus = 2
	PositionStatusCreated PositionStatus = 3
	PositionStatusError   PositionStatus = 4
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusOpen:
		return "OPEN"
	case PositionStatusClosed:
		return "CLOSED"
	case PositionStatusCreated:
		return "CREATED"
	case PositionStatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ExecutionType is ProtoOAExecutionType.
type ExecutionType int32

const (
	ExecutionOrderAccepted    ExecutionType = 2
	ExecutionOrderFilled      ExecutionType = 3
	ExecutionOrderReplaced    ExecutionType = 4
	ExecutionOrderCancelled   ExecutionType = 5
	ExecutionOrderExpired     ExecutionType = 6
	ExecutionOrderRejected    ExecutionType = 7
	ExecutionCancelRejected   ExecutionType = 8
	ExecutionSwap             ExecutionType = 9
	ExecutionDepositWithdraw  ExecutionType = 10
	ExecutionOrderPartialFill ExecutionType = 11
)

func (t ExecutionType) String() string {
	switch t {
	case ExecutionOrderAccepted:
		return "ORDER_ACCEPTED"
	case ExecutionOrderFilled:
		return "ORDER_FILLED"
	case ExecutionOrderReplaced:
		return "ORDER_REPLACED"
	case ExecutionOrderCancelled:
		return "ORDER_CANCELLED"
	case ExecutionOrderExpired:
		return "ORDER_EXPIRED"
	case ExecutionOrderRejected:
		return "ORDER_REJECTED"
	case ExecutionCancelRejected:
		return "ORDER_CANCEL_REJECTED"
	case ExecutionSwap:
		return "SWAP"
	case ExecutionDepositWithdraw:
		return "DEPOSIT_WITHDRAW"
	case ExecutionOrderPartialFill:
		return "ORDER_PARTIAL_FILL"
	default:
		return "UNKNOWN"
	}
}

// Error codes the engine reacts to.
const (
	ErrCodeAuthTokenExpired   = "OA_AUTH_TOKEN_EXPIRED"
	ErrCodeAccessTokenInvalid = "CH_ACCESS_TOKEN_INVALID"
	ErrCodeMarketClosed       = "MARKET_CLOSED"
	ErrCodeSymbolHasHoliday   = "SYMBOL_HAS_HOLIDAY"
	ErrCodeAlreadySubscribed  = "ALREADY_SUBSCRIBED"
	ErrCodePositionNotFound   = "POSITION_NOT_FOUND"
)

// IsAuthExpired reports whether an error code means the access token must be refreshed.
func IsAuthExpired(code string) bool {
	return code == ErrCodeAuthTokenExpired || code == ErrCodeAccessTokenInvalid
}

// IsVenueClosed reports whether an order was rejected because trading is closed.
func IsVenueClosed(code string) bool {
	return code == ErrCodeMarketClosed || code == ErrCodeSymbolHasHoliday
}
