package engine

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// Message types accepted by Handle.
const (
	MsgPlaceOrder      = "place_order"
	MsgCancelOrder     = "cancel_order"
	MsgUpdateMarkPrice = "update_mark_price"
	MsgLiquidationStep = "liquidation_step"
	MsgGetState        = "get_state"
	MsgResetState      = "reset_state"
	MsgDeposit         = "deposit"
	MsgWithdraw        = "withdraw"
	MsgTick            = "tick"
)

// Message is one inbound request. Only the fields of its Type are read.
type Message struct {
	Type        string            `json:"type"`
	UserID      string            `json:"user_id,omitempty"`
	Side        model.Side        `json:"side,omitempty"`
	Size        decimal.Decimal   `json:"size"`
	Price       decimal.Decimal   `json:"price"`
	OrderType   model.OrderKind   `json:"order_type,omitempty"`
	Leverage    decimal.Decimal   `json:"leverage"`
	TimeInForce model.TimeInForce `json:"time_in_force,omitempty"`
	OrderID     string            `json:"order_id,omitempty"`
	Method      string            `json:"method,omitempty"`
	Amount      decimal.Decimal   `json:"amount"`
}

// Response answers a Message. Error carries the validation message
// verbatim when Success is false.
type Response struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Handle dispatches one message. It is the engine's single entry point
// for transports.
func (e *Engine) Handle(msg Message) Response {
	var (
		data any
		err  error
	)
	switch msg.Type {
	case MsgPlaceOrder:
		data, err = e.PlaceOrder(PlaceOrderRequest{
			UserID:      msg.UserID,
			Side:        msg.Side,
			Size:        msg.Size,
			Price:       msg.Price,
			OrderType:   msg.OrderType,
			Leverage:    msg.Leverage,
			TimeInForce: msg.TimeInForce,
		})
	case MsgCancelOrder:
		data, err = e.CancelOrder(msg.OrderID)
	case MsgUpdateMarkPrice:
		data, err = e.UpdateMarkPrice(msg.Price)
	case MsgLiquidationStep:
		data, err = e.LiquidationStep(msg.Method)
	case MsgGetState:
		data = e.Snapshot()
	case MsgResetState:
		e.Reset()
		data = e.Snapshot()
	case MsgDeposit:
		data, err = e.Deposit(msg.UserID, msg.Amount)
	case MsgWithdraw:
		data, err = e.Withdraw(msg.UserID, msg.Amount)
	case MsgTick:
		data = e.Tick()
	default:
		err = ErrUnknownMessage
	}
	if err != nil {
		return Response{Type: msg.Type, Success: false, Error: err.Error()}
	}
	return Response{Type: msg.Type, Success: true, Data: data}
}

// Mutates reports whether a message type can change state.
func Mutates(msgType string) bool {
	return msgType != MsgGetState
}
