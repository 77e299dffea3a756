package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fill is one execution against an order.
type Fill struct {
	TradeID   string          `json:"trade_id"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp time.Time       `json:"timestamp"`
}

// Order is a request to trade. Invariant: Filled + Remaining == Size.
type Order struct {
	ID             string          `json:"id"`
	Owner          Owner           `json:"owner"`
	Side           Side            `json:"side"`
	Kind           OrderKind       `json:"kind"`
	LimitPrice     decimal.Decimal `json:"limit_price"` // zero for market orders
	Size           decimal.Decimal `json:"size"`
	Remaining      decimal.Decimal `json:"remaining_size"`
	Filled         decimal.Decimal `json:"filled_size"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Fills          []Fill          `json:"fills"`
	Leverage       decimal.Decimal `json:"leverage"`
	ReservedMargin decimal.Decimal `json:"reserved_margin"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	Status         OrderStatus     `json:"status"`
	Timestamp      time.Time       `json:"timestamp"`
	Seq            uint64          `json:"seq"`
}

// NewOrder builds an order in the NEW state with Remaining == Size.
func NewOrder(id string, owner Owner, side Side, kind OrderKind, price, size, leverage decimal.Decimal, tif TimeInForce, ts time.Time) *Order {
	if kind == Market {
		price = decimal.Zero
		tif = IOC
	}
	return &Order{
		ID:             id,
		Owner:          owner,
		Side:           side,
		Kind:           kind,
		LimitPrice:     price,
		Size:           size,
		Remaining:      size,
		Filled:         decimal.Zero,
		AvgFillPrice:   decimal.Zero,
		Leverage:       leverage,
		ReservedMargin: decimal.Zero,
		TimeInForce:    tif,
		Status:         StatusNew,
		Timestamp:      ts,
	}
}

// ApplyFill records an execution of size at price.
func (o *Order) ApplyFill(tradeID string, price, size decimal.Decimal, ts time.Time) {
	notional := o.AvgFillPrice.Mul(o.Filled).Add(price.Mul(size))
	o.Filled = o.Filled.Add(size)
	o.Remaining = o.Size.Sub(o.Filled)
	o.AvgFillPrice = notional.Div(o.Filled)
	o.Fills = append(o.Fills, Fill{TradeID: tradeID, Price: price, Size: size, Timestamp: ts})
	if o.Remaining.IsZero() {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
}

// Cancel marks the order cancelled; the unfilled remainder is dropped.
func (o *Order) Cancel() {
	o.Status = StatusCancelled
}

// Active reports whether the order can still trade.
func (o *Order) Active() bool {
	return o.Status == StatusNew || o.Status == StatusPartiallyFilled
}

// Crosses reports whether the order would trade against a resting price.
func (o *Order) Crosses(price decimal.Decimal) bool {
	if o.Kind == Market {
		return true
	}
	if o.Side == Buy {
		return o.LimitPrice.GreaterThanOrEqual(price)
	}
	return o.LimitPrice.LessThanOrEqual(price)
}

// Clone returns a deep copy safe to hand to observers.
func (o *Order) Clone() *Order {
	c := *o
	c.Fills = append([]Fill(nil), o.Fills...)
	return &c
}

// BookLevel is an aggregated price level of the order book.
type BookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
	Orders int             `json:"orders"`
}
