package openapi

import (
	"errors"
	"fmt"
)

// ErrEmptyPayload is returned for an envelope without a payload type.
var ErrEmptyPayload = errors.New("openapi: envelope has no payload type")

// Envelope is the ProtoMessage wrapper every frame carries.
type Envelope struct {
	PayloadType uint32
	Payload     []byte
	ClientMsgID string
}

// Encode wraps req in a ProtoMessage envelope.
func Encode(req Request, clientMsgID string) []byte {
	payload := req.appendPayload(nil)

	b := make([]byte, 0, len(payload)+len(clientMsgID)+16)
	b = appendVarint(b, 1, uint64(req.PayloadType()))
	b = appendBytes(b, 2, payload)
	if clientMsgID != "" {
		b = appendString(b, 3, clientMsgID)
	}
	return b
}

// DecodeEnvelope parses a ProtoMessage wrapper.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	err := eachField(b, func(f field) error {
		switch f.num {
		case 1:
			env.PayloadType = f.uint32()
		case 2:
			env.Payload = f.bytes
		case 3:
			env.ClientMsgID = f.string()
		}
		return nil
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.PayloadType == 0 {
		return Envelope{}, ErrEmptyPayload
	}
	return env, nil
}

// Decode turns an envelope into a typed Event.
func Decode(env Envelope) (Event, error) {
	var (
		evt Event
		err error
	)

	switch env.PayloadType {
	case PayloadApplicationAuthRes:
		evt = ApplicationAuthRes{}
	case PayloadAccountAuthRes:
		var e AccountAuthRes
		err = eachField(env.Payload, func(f field) error {
			if f.num == 2 {
				e.AccountID = f.int64()
			}
			return nil
		})
		evt = e
	case PayloadSubscribeSpotsRes:
		var e SubscribeSpotsRes
		err = eachField(env.Payload, func(f field) error {
			if f.num == 2 {
				e.AccountID = f.int64()
			}
			return nil
		})
		evt = e
	case PayloadExecutionEvent:
		evt, err = decodeExecution(env.Payload)
	case PayloadSpotEvent:
		var e SpotEvent
		err = eachField(env.Payload, func(f field) error {
			switch f.num {
			case 2:
				e.AccountID = f.int64()
			case 3:
				e.SymbolID = f.int64()
			case 4:
				e.Bid = f.value
			case 5:
				e.Ask = f.value
			}
			return nil
		})
		evt = e
	case PayloadGetUnrealizedPnLRes:
		evt, err = decodeUnrealizedPnL(env.Payload)
	case PayloadReconcileRes:
		evt, err = decodeReconcile(env.Payload)
	case PayloadOrderErrorEvent:
		var e OrderErrorEvent
		err = eachField(env.Payload, func(f field) error {
			switch f.num {
			case 2:
				e.ErrorCode = f.string()
			case 3:
				e.OrderID = f.int64()
			case 5:
				e.AccountID = f.int64()
			case 6:
				e.PositionID = f.int64()
			case 7:
				e.Description = f.string()
			}
			return nil
		})
		evt = e
	case PayloadOAErrorRes:
		var e ErrorRes
		err = eachField(env.Payload, func(f field) error {
			switch f.num {
			case 2:
				e.AccountID = f.int64()
			case 3:
				e.ErrorCode = f.string()
			case 4:
				e.Description = f.string()
			}
			return nil
		})
		evt = e
	case PayloadErrorRes:
		var e ErrorRes
		err = eachField(env.Payload, func(f field) error {
			switch f.num {
			case 2:
				e.ErrorCode = f.string()
			case 3:
				e.Description = f.string()
			}
			return nil
		})
		evt = e
	case PayloadHeartbeatEvent:
		evt = Heartbeat{}
	case PayloadAccountLogoutRes:
		var e AccountLogoutRes
		err = eachField(env.Payload, func(f field) error {
			if f.num == 2 {
				e.AccountID = f.int64()
			}
			return nil
		})
		evt = e
	case PayloadAccountDisconnectEvent:
		var e AccountDisconnectEvent
		err = eachField(env.Payload, func(f field) error {
			if f.num == 2 {
				e.AccountID = f.int64()
			}
			return nil
		})
		evt = e
	case PayloadClientDisconnectEvent:
		var e ClientDisconnectEvent
		err = eachField(env.Payload, func(f field) error {
			if f.num == 2 {
				e.Reason = f.string()
			}
			return nil
		})
		evt = e
	case PayloadTokenInvalidatedEvent:
		var e TokenInvalidatedEvent
		err = eachField(env.Payload, func(f field) error {
			switch f.num {
			case 2:
				e.AccountIDs = append(e.AccountIDs, f.int64())
			case 3:
				e.Reason = f.string()
			}
			return nil
		})
		evt = e
	default:
		evt = Unknown{PayloadType: env.PayloadType, Payload: env.Payload}
	}

	if err != nil {
		return nil, fmt.Errorf("decode payload %d: %w", env.PayloadType, err)
	}
	return evt, nil
}

func decodeExecution(b []byte) (ExecutionEvent, error) {
	var e ExecutionEvent
	err := eachField(b, func(f field) error {
		switch f.num {
		case 2:
			e.AccountID = f.int64()
		case 3:
			e.Type = ExecutionType(f.value)
		case 4:
			p, err := decodePosition(f.bytes)
			if err != nil {
				return fmt.Errorf("position: %w", err)
			}
			e.Position = &p
		case 5:
			o, err := decodeOrder(f.bytes)
			if err != nil {
				return fmt.Errorf("order: %w", err)
			}
			e.Order = &o
		case 6:
			d, err := decodeDeal(f.bytes)
			if err != nil {
				return fmt.Errorf("deal: %w", err)
			}
			e.Deal = &d
		case 9:
			e.ErrorCode = f.string()
		}
		return nil
	})
	return e, err
}

func decodeUnrealizedPnL(b []byte) (UnrealizedPnLRes, error) {
	var e UnrealizedPnLRes
	err := eachField(b, func(f field) error {
		switch f.num {
		case 2:
			e.AccountID = f.int64()
		case 3:
			var p PositionPnL
			if err := eachField(f.bytes, func(f field) error {
				switch f.num {
				case 1:
					p.PositionID = f.int64()
				case 2:
					p.GrossPnL = f.int64()
				case 3:
					p.NetPnL = f.int64()
				}
				return nil
			}); err != nil {
				return fmt.Errorf("position pnl: %w", err)
			}
			e.Positions = append(e.Positions, p)
		case 4:
			e.MoneyDigits = f.uint32()
		}
		return nil
	})
	return e, err
}

func decodeReconcile(b []byte) (ReconcileRes, error) {
	var e ReconcileRes
	err := eachField(b, func(f field) error {
		switch f.num {
		case 2:
			e.AccountID = f.int64()
		case 3:
			p, err := decodePosition(f.bytes)
			if err != nil {
				return fmt.Errorf("position: %w", err)
			}
			e.Positions = append(e.Positions, p)
		case 4:
			o, err := decodeOrder(f.bytes)
			if err != nil {
				return fmt.Errorf("order: %w", err)
			}
			e.Orders = append(e.Orders, o)
		}
		return nil
	})
	return e, err
}

func decodeTradeData(b []byte) (TradeData, error) {
	var td TradeData
	err := eachField(b, func(f field) error {
		switch f.num {
		case 1:
			td.SymbolID = f.int64()
		case 2:
			td.Volume = f.int64()
		case 3:
			td.Side = TradeSide(f.value)
		case 4:
			td.OpenTimestamp = f.int64()
		case 5:
			td.Label = f.string()
		case 7:
			td.Comment = f.string()
		}
		return nil
	})
	return td, err
}

func decodePosition(b []byte) (Position, error) {
	var p Position
	err := eachField(b, func(f field) error {
		switch f.num {
		case 1:
			p.PositionID = f.int64()
		case 2:
			td, err := decodeTradeData(f.bytes)
			if err != nil {
				return err
			}
			p.TradeData = td
		case 3:
			p.Status = PositionStatus(f.value)
		case 4:
			p.Swap = f.int64()
		case 5:
			p.Price = f.double()
		case 8:
			p.UpdatedAtMs = f.int64()
		case 9:
			p.Commission = f.int64()
		case 15:
			p.MoneyDigits = f.uint32()
		}
		return nil
	})
	return p, err
}

func decodeOrder(b []byte) (Order, error) {
	var o Order
	err := eachField(b, func(f field) error {
		switch f.num {
		case 1:
			o.OrderID = f.int64()
		case 2:
			td, err := decodeTradeData(f.bytes)
			if err != nil {
				return err
			}
			o.TradeData = td
		case 6:
			o.ExecutionPrice = f.double()
		case 7:
			o.ExecutedVolume = f.int64()
		case 11:
			o.ClosingOrder = f.bool()
		case 16:
			o.ClientOrderID = f.string()
		case 18:
			o.PositionID = f.int64()
		}
		return nil
	})
	return o, err
}

func decodeDeal(b []byte) (Deal, error) {
	var d Deal
	err := eachField(b, func(f field) error {
		switch f.num {
		case 1:
			d.DealID = f.int64()
		case 2:
			d.OrderID = f.int64()
		case 3:
			d.PositionID = f.int64()
		case 4:
			d.Volume = f.int64()
		case 5:
			d.FilledVolume = f.int64()
		case 10:
			d.ExecutionPrice = f.double()
		case 11:
			d.Side = TradeSide(f.value)
		case 14:
			d.Commission = f.int64()
		case 16:
			c, err := decodeClosePositionDetail(f.bytes)
			if err != nil {
				return fmt.Errorf("close detail: %w", err)
			}
			d.Close = &c
		case 17:
			d.MoneyDigits = f.uint32()
		}
		return nil
	})
	return d, err
}

func decodeClosePositionDetail(b []byte) (ClosePositionDetail, error) {
	var c ClosePositionDetail
	err := eachField(b, func(f field) error {
		switch f.num {
		case 1:
			c.EntryPrice = f.double()
		case 2:
			c.GrossProfit = f.int64()
		case 3:
			c.Swap = f.int64()
		case 4:
			c.Commission = f.int64()
		case 5:
			c.Balance = f.int64()
		case 7:
			c.ClosedVolume = f.int64()
		case 9:
			c.MoneyDigits = f.uint32()
		}
		return nil
	})
	return c, err
}
