package openapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func envelope(payloadType uint32, payload []byte, clientMsgID string) []byte {
	b := appendVarint(nil, 1, uint64(payloadType))
	b = appendBytes(b, 2, payload)
	if clientMsgID != "" {
		b = appendString(b, 3, clientMsgID)
	}
	return b
}

func TestEncodeNewOrderReq(t *testing.T) {
	req := NewOrderReq{
		AccountID:     42,
		SymbolID:      1,
		Side:          TradeSideSell,
		Volume:        1_000_000,
		ClientOrderID: "trade_7_short_open",
		Label:         "trade_7_short_open",
	}

	env, err := DecodeEnvelope(Encode(req, "msg-1"))
	require.NoError(t, err)
	assert.Equal(t, PayloadNewOrderReq, env.PayloadType)
	assert.Equal(t, "msg-1", env.ClientMsgID)

	got := map[protowire.Number]field{}
	require.NoError(t, eachField(env.Payload, func(f field) error {
		got[f.num] = f
		return nil
	}))
	assert.Equal(t, uint64(PayloadNewOrderReq), got[1].value)
	assert.Equal(t, int64(42), got[2].int64())
	assert.Equal(t, int64(1), got[3].int64())
	assert.Equal(t, uint64(OrderTypeMarket), got[4].value)
	assert.Equal(t, uint64(TradeSideSell), got[5].value)
	assert.Equal(t, int64(1_000_000), got[6].int64())
	assert.Equal(t, "trade_7_short_open", got[16].string())
	assert.Equal(t, "trade_7_short_open", got[18].string())
}

func TestDecodeExecutionEvent(t *testing.T) {
	tradeData := appendInt64(nil, 1, 1)
	tradeData = appendInt64(tradeData, 2, 1_000_000)
	tradeData = appendVarint(tradeData, 3, uint64(TradeSideBuy))
	tradeData = appendString(tradeData, 5, "trade_3_long_open")

	position := appendInt64(nil, 1, 9001)
	position = appendBytes(position, 2, tradeData)
	position = appendVarint(position, 3, uint64(PositionStatusOpen))
	position = appendDouble(position, 5, 1.08345)
	position = appendVarint(position, 15, 2)

	order := appendInt64(nil, 1, 55)
	order = appendBytes(order, 2, tradeData)
	order = appendDouble(order, 6, 1.08345)
	order = appendString(order, 16, "trade_3_long_open")
	order = appendInt64(order, 18, 9001)

	closeDetail := appendDouble(nil, 1, 1.08)
	closeDetail = appendInt64(closeDetail, 2, -1234)
	closeDetail = appendVarint(closeDetail, 9, 2)

	deal := appendInt64(nil, 1, 77)
	deal = appendInt64(deal, 3, 9001)
	deal = appendDouble(deal, 10, 1.08345)
	deal = appendBytes(deal, 16, closeDetail)

	payload := appendPayloadType(nil, PayloadExecutionEvent)
	payload = appendInt64(payload, 2, 42)
	payload = appendVarint(payload, 3, uint64(ExecutionOrderFilled))
	payload = appendBytes(payload, 4, position)
	payload = appendBytes(payload, 5, order)
	payload = appendBytes(payload, 6, deal)

	env, err := DecodeEnvelope(envelope(PayloadExecutionEvent, payload, ""))
	require.NoError(t, err)
	evt, err := Decode(env)
	require.NoError(t, err)

	exec, ok := evt.(ExecutionEvent)
	require.True(t, ok)
	assert.Equal(t, ExecutionOrderFilled, exec.Type)
	require.NotNil(t, exec.Position)
	assert.Equal(t, int64(9001), exec.Position.PositionID)
	assert.Equal(t, PositionStatusOpen, exec.Position.Status)
	assert.Equal(t, int64(1_000_000), exec.Position.TradeData.Volume)
	assert.Equal(t, "trade_3_long_open", exec.Position.TradeData.Label)
	assert.InDelta(t, 1.08345, exec.Position.Price, 1e-9)
	require.NotNil(t, exec.Order)
	assert.Equal(t, "trade_3_long_open", exec.Order.ClientOrderID)
	require.NotNil(t, exec.Deal)
	require.NotNil(t, exec.Deal.Close)
	assert.Equal(t, int64(-1234), exec.Deal.Close.GrossProfit)
	assert.Equal(t, uint32(2), exec.Deal.Close.MoneyDigits)
}

func TestDecodeUnrealizedPnL(t *testing.T) {
	pnl := appendInt64(nil, 1, 9001)
	pnl = appendInt64(pnl, 2, -99000)
	pnl = appendInt64(pnl, 3, -100000)

	payload := appendPayloadType(nil, PayloadGetUnrealizedPnLRes)
	payload = appendInt64(payload, 2, 42)
	payload = appendBytes(payload, 3, pnl)
	payload = appendVarint(payload, 4, 2)

	evt, err := Decode(Envelope{PayloadType: PayloadGetUnrealizedPnLRes, Payload: payload})
	require.NoError(t, err)

	res := evt.(UnrealizedPnLRes)
	require.Len(t, res.Positions, 1)
	assert.Equal(t, int64(-100000), res.Positions[0].NetPnL)
	assert.Equal(t, int64(-99000), res.Positions[0].GrossPnL)
	assert.Equal(t, uint32(2), res.MoneyDigits)
}

func TestDecodeErrorEvents(t *testing.T) {
	payload := appendPayloadType(nil, PayloadOrderErrorEvent)
	payload = appendString(payload, 2, ErrCodeMarketClosed)
	payload = appendInt64(payload, 5, 42)

	evt, err := Decode(Envelope{PayloadType: PayloadOrderErrorEvent, Payload: payload, ClientMsgID: "x"})
	require.NoError(t, err)
	orderErr := evt.(OrderErrorEvent)
	assert.True(t, IsVenueClosed(orderErr.ErrorCode))

	payload = appendPayloadType(nil, PayloadOAErrorRes)
	payload = appendInt64(payload, 2, 42)
	payload = appendString(payload, 3, ErrCodeAuthTokenExpired)
	evt, err = Decode(Envelope{PayloadType: PayloadOAErrorRes, Payload: payload})
	require.NoError(t, err)
	assert.True(t, IsAuthExpired(evt.(ErrorRes).ErrorCode))
}

func TestDecodeUnknownPayload(t *testing.T) {
	evt, err := Decode(Envelope{PayloadType: 2120, Payload: appendPayloadType(nil, 2120)})
	require.NoError(t, err)
	unknown, ok := evt.(Unknown)
	require.True(t, ok)
	assert.Equal(t, uint32(2120), unknown.PayloadType)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0x0a, 0xff})
	assert.Error(t, err)

	_, err = DecodeEnvelope(appendString(nil, 3, "only-id"))
	assert.ErrorIs(t, err, ErrEmptyPayload)
}
