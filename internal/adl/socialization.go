package adl

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// SocializationPolicy prices ADL trades so that counterparties absorb an
// uncovered loss. side is the side of the liquidation position being
// closed, amount the loss to recover and totalSize the combined size of the
// eligible counterparties.
type SocializationPolicy interface {
	Price(side model.PositionSide, mark, amount, totalSize decimal.Decimal) decimal.Decimal
}

// LinearPolicy spreads the loss evenly per unit: the mark moves by
// amount / totalSize against the counterparties. A long liquidation
// position sells to shorts, so the price rises; a short one buys from
// longs, so it falls.
type LinearPolicy struct{}

// Price implements SocializationPolicy.
func (LinearPolicy) Price(side model.PositionSide, mark, amount, totalSize decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() || !totalSize.IsPositive() {
		return mark
	}
	shift := amount.Div(totalSize)
	if side == model.Long {
		return mark.Add(shift)
	}
	price := mark.Sub(shift)
	if !price.IsPositive() {
		return decimal.Zero
	}
	return price
}

// MarkPolicy never adjusts the price; uncovered losses stay with the fund.
type MarkPolicy struct{}

// Price implements SocializationPolicy.
func (MarkPolicy) Price(_ model.PositionSide, mark, _, _ decimal.Decimal) decimal.Decimal {
	return mark
}
