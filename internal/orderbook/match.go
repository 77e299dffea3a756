package orderbook

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// MakerFill pairs a trade with the resting order it executed against.
type MakerFill struct {
	Trade model.Trade
	Maker *model.Order
}

// Result is the outcome of matching one incoming order.
type Result struct {
	Fills []MakerFill
	// Cancelled holds resting orders removed by self-trade prevention.
	Cancelled []*model.Order
	// Rested is true when the remainder of the incoming order joined the book.
	Rested bool
}

// Trades returns the trades of r in execution order.
func (r Result) Trades() []model.Trade {
	out := make([]model.Trade, len(r.Fills))
	for i, f := range r.Fills {
		out[i] = f.Trade
	}
	return out
}

// Match executes o against the book under price-time priority.
//
// A marketable order consumes resting liquidity level by level until either
// side is exhausted. When the resting order belongs to the same owner it is
// cancelled instead of traded and matching continues behind it. A GTC limit
// remainder rests; IOC and market remainders are cancelled.
func (b *Book) Match(o *model.Order, kind model.TradeKind) (Result, error) {
	if err := validate(o); err != nil {
		return Result{}, err
	}
	var res Result
	opposite := b.side(o.Side.Opposite())

	for o.Remaining.IsPositive() {
		lvl, ok := opposite.best()
		if !ok || !o.Crosses(lvl.price) {
			break
		}
		for e := lvl.orders.Front(); e != nil && o.Remaining.IsPositive(); {
			next := e.Next()
			resting := e.Value.(*model.Order)

			if resting.Owner == o.Owner {
				b.remove(b.index[resting.ID])
				delete(b.index, resting.ID)
				resting.Cancel()
				res.Cancelled = append(res.Cancelled, resting)
				e = next
				continue
			}

			qty := decimal.Min(o.Remaining, resting.Remaining)
			trade := newTrade(o, resting, lvl.price, qty, kind)
			resting.ApplyFill(trade.ID, lvl.price, qty, trade.Timestamp)
			o.ApplyFill(trade.ID, lvl.price, qty, trade.Timestamp)
			lvl.size = lvl.size.Sub(qty)

			if resting.Remaining.IsZero() {
				b.remove(b.index[resting.ID])
				delete(b.index, resting.ID)
			}
			res.Fills = append(res.Fills, MakerFill{Trade: trade, Maker: resting})
			e = next
		}
	}

	switch {
	case o.Remaining.IsZero():
		o.Status = model.StatusFilled
	case o.Kind == model.Limit && o.TimeInForce == model.GTC:
		if err := b.Add(o); err != nil {
			return res, err
		}
		res.Rested = true
	default:
		o.Cancel()
	}
	return res, nil
}

func validate(o *model.Order) error {
	if o == nil || o.ID == "" || !o.Side.Valid() || !o.Size.IsPositive() {
		return ErrInvalidOrder
	}
	if !o.Filled.Add(o.Remaining).Equal(o.Size) || !o.Remaining.IsPositive() {
		return ErrInvalidOrder
	}
	switch o.Kind {
	case model.Limit:
		if !o.LimitPrice.IsPositive() {
			return ErrInvalidOrder
		}
	case model.Market:
	default:
		return ErrInvalidOrder
	}
	if !o.Active() {
		return ErrInvalidOrder
	}
	return nil
}

func newTrade(taker, maker *model.Order, price, size decimal.Decimal, kind model.TradeKind) model.Trade {
	t := model.Trade{
		ID:           uuid.NewString(),
		Price:        price,
		Size:         size,
		Kind:         kind,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		Timestamp:    time.Now().UTC(),
	}
	if taker.Side == model.Buy {
		t.Buyer, t.Seller = taker.Owner, maker.Owner
	} else {
		t.Buyer, t.Seller = maker.Owner, taker.Owner
	}
	return t
}
