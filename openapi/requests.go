package openapi

// Request is an outbound Open API message.
type Request interface {
	PayloadType() uint32
	appendPayload(b []byte) []byte
}

// ApplicationAuthReq authorizes the application on a fresh connection.
type ApplicationAuthReq struct {
	ClientID     string
	ClientSecret string
}

func (ApplicationAuthReq) PayloadType() uint32 { return PayloadApplicationAuthReq }

func (r ApplicationAuthReq) appendPayload(b []byte) []byte {
	b = appendPayloadType(b, PayloadApplicationAuthReq)
	b = appendString(b, 2, r.ClientID)
	return appendString(b, 3, r.ClientSecret)
}

// AccountAuthReq authorizes a trading account with an access token.
type AccountAuthReq struct {
	AccountID   int64
	AccessToken string
}

func (AccountAuthReq) PayloadType() uint32 { return PayloadAccountAuthReq }

func (r AccountAuthReq) appendPayload(b []byte) []byte {
	b = appendPayloadType(b, PayloadAccountAuthReq)
	b = appendInt64(b, 2, r.AccountID)
	return appendString(b, 3, r.AccessToken)
}

// SubscribeSpotsReq subscribes to spot quotes. Execution events for the
// authorized account are pushed without a subscription.
type SubscribeSpotsReq struct {
	AccountID int64
	SymbolIDs []int64
}

func (SubscribeSpotsReq) PayloadType() uint32 { return PayloadSubscribeSpotsReq }

func (r SubscribeSpotsReq) appendPayload(b []byte) []byte {
	b = appendPayloadType(b, PayloadSubscribeSpotsReq)
	b = appendInt64(b, 2, r.AccountID)
	for _, id := range r.SymbolIDs {
		b = appendInt64(b, 3, id)
	}
	return b
}

// NewOrderReq places a market order. ClientOrderID and Label carry the
// correlation token so fills and reconcile snapshots can be matched.
type NewOrderReq struct {
	AccountID     int64
	SymbolID      int64
	Side          TradeSide
	Volume        int64
	ClientOrderID string
	Label         string
	Comment       string
}

func (NewOrderReq) PayloadType() uint32 { return PayloadNewOrderReq }

func (r NewOrderReq) appendPayload(b []byte) []byte {
	b = appendPayloadType(b, PayloadNewOrderReq)
	b = appendInt64(b, 2, r.AccountID)
	b = appendInt64(b, 3, r.SymbolID)
	b = appendVarint(b, 4, uint64(OrderTypeMarket))
	b = appendVarint(b, 5, uint64(r.Side))
	b = appendInt64(b, 6, r.Volume)
	if r.Comment != "" {
		b = appendString(b, 13, r.Comment)
	}
	if r.Label != "" {
		b = appendString(b, 16, r.Label)
	}
	if r.ClientOrderID != "" {
		b = appendString(b, 18, r.ClientOrderID)
	}
	return b
}

// ClosePositionReq closes volume of an open position.
type ClosePositionReq struct {
	AccountID  int64
	PositionID int64
	Volume     int64
}

func (ClosePositionReq) PayloadType() uint32 { return PayloadClosePositionReq }

func (r ClosePositionReq) appendPayload(b []byte) []byte {
	b = appendPayloadType(b, PayloadClosePositionReq)
	b = appendInt64(b, 2, r.AccountID)
	b = appendInt64(b, 3, r.PositionID)
	return appendInt64(b, 4, r.Volume)
}

// UnrealizedPnLReq requests unrealized PnL for every open position of the account.
type UnrealizedPnLReq struct {
	AccountID int64
}

func (UnrealizedPnLReq) PayloadType() uint32 { return PayloadGetUnrealizedPnLReq }

func (r UnrealizedPnLReq) appendPayload(b []byte) []byte {
	b = appendPayloadType(b, PayloadGetUnrealizedPnLReq)
	return appendInt64(b, 2, r.AccountID)
}

// ReconcileReq lists the account's open positions and pending orders.
type ReconcileReq struct {
	AccountID int64
}

func (ReconcileReq) PayloadType() uint32 { return PayloadReconcileReq }

func (r ReconcileReq) appendPayload(b []byte) []byte {
	b = appendPayloadType(b, PayloadReconcileReq)
	return appendInt64(b, 2, r.AccountID)
}

// AccountLogoutReq logs the account out; the server answers with
// AccountLogoutRes followed by AccountDisconnectEvent.
type AccountLogoutReq struct {
	AccountID int64
}

func (AccountLogoutReq) PayloadType() uint32 { return PayloadAccountLogoutReq }

func (r AccountLogoutReq) appendPayload(b []byte) []byte {
	b = appendPayloadType(b, PayloadAccountLogoutReq)
	return appendInt64(b, 2, r.AccountID)
}

// HeartbeatEvent keeps an idle connection alive.
type HeartbeatEvent struct{}

func (HeartbeatEvent) PayloadType() uint32 { return PayloadHeartbeatEvent }

func (HeartbeatEvent) appendPayload(b []byte) []byte {
	return appendPayloadType(b, PayloadHeartbeatEvent)
}
