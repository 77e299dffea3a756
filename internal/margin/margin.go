// Package margin implements the isolated-margin mathematics of the perp
// engine: initial and maintenance margin, liquidation and bankruptcy
// prices, unrealized PnL and margin ratio.
//
// All values use shopspring/decimal, never float64 for money. Every
// function is pure; position state is passed in, not stored.
package margin

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrInvalidRate is returned when the maintenance margin rate is not in (0, 1).
	ErrInvalidRate = errors.New("margin: maintenance margin rate must be in (0, 1)")

	// ErrInvalidLeverage is returned for leverage below 1.
	ErrInvalidLeverage = errors.New("margin: leverage must be at least 1")

	// DefaultMaintenanceRate is 0.5%.
	DefaultMaintenanceRate = decimal.RequireFromString("0.005")

	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Calculator evaluates margin requirements for a fixed maintenance margin rate.
type Calculator struct {
	mmr decimal.Decimal
}

// NewCalculator creates a calculator with maintenance margin rate mmr.
func NewCalculator(mmr decimal.Decimal) (*Calculator, error) {
	if !mmr.IsPositive() || mmr.GreaterThanOrEqual(one) {
		return nil, ErrInvalidRate
	}
	return &Calculator{mmr: mmr}, nil
}

// MaintenanceRate returns the configured rate.
func (c *Calculator) MaintenanceRate() decimal.Decimal {
	return c.mmr
}

// ValidateLeverage rejects leverage below 1.
func ValidateLeverage(leverage decimal.Decimal) error {
	if leverage.LessThan(one) {
		return ErrInvalidLeverage
	}
	return nil
}

// InitialMargin = size × price / leverage.
func (c *Calculator) InitialMargin(size, price, leverage decimal.Decimal) decimal.Decimal {
	return size.Mul(price).Div(leverage)
}

// MaintenanceMargin = size × price × mmr.
func (c *Calculator) MaintenanceMargin(size, price decimal.Decimal) decimal.Decimal {
	return size.Mul(price).Mul(c.mmr)
}

// LiquidationPrice is the mark price at which maintenance margin is breached:
//
//	long:  entry × (1 − 1/leverage + mmr)
//	short: entry × (1 + 1/leverage − mmr)
func (c *Calculator) LiquidationPrice(side model.PositionSide, entry, leverage decimal.Decimal) decimal.Decimal {
	inv := one.Div(leverage)
	if side == model.Long {
		return entry.Mul(one.Sub(inv).Add(c.mmr))
	}
	return entry.Mul(one.Add(inv).Sub(c.mmr))
}

// BankruptcyPrice is the price at which the loss equals the margin actually
// reserved. It uses margin per unit rather than leverage so it stays correct
// after partial reductions.
func (c *Calculator) BankruptcyPrice(side model.PositionSide, entry, initialMargin, size decimal.Decimal) decimal.Decimal {
	if !size.IsPositive() {
		return entry
	}
	perUnit := initialMargin.Div(size)
	if side == model.Long {
		return entry.Sub(perUnit)
	}
	return entry.Add(perUnit)
}

// ShouldLiquidate reports whether mark has reached the liquidation price.
func (c *Calculator) ShouldLiquidate(side model.PositionSide, liquidationPrice, mark decimal.Decimal) bool {
	if side == model.Long {
		return mark.LessThanOrEqual(liquidationPrice)
	}
	return mark.GreaterThanOrEqual(liquidationPrice)
}

// UnrealizedPnL is (mark − entry) × size for longs and the negation for shorts.
func (c *Calculator) UnrealizedPnL(side model.PositionSide, size, entry, mark decimal.Decimal) decimal.Decimal {
	return mark.Sub(entry).Mul(size).Mul(side.Sign())
}

// MarginRatio = equity / maintenanceMargin × 100 with
// equity = availableBalance + unrealizedPnL. Monitoring only; a zero
// maintenance margin yields zero.
func (c *Calculator) MarginRatio(available, unrealized, maintenance decimal.Decimal) decimal.Decimal {
	if !maintenance.IsPositive() {
		return decimal.Zero
	}
	return available.Add(unrealized).Div(maintenance).Mul(hundred)
}

// PositionLiquidationPrice is LiquidationPrice for a stored position.
func (c *Calculator) PositionLiquidationPrice(p *model.Position) decimal.Decimal {
	return c.LiquidationPrice(p.Side, p.AvgEntryPrice, p.Leverage)
}

// PositionBankruptcyPrice is BankruptcyPrice for a stored position.
func (c *Calculator) PositionBankruptcyPrice(p *model.Position) decimal.Decimal {
	return c.BankruptcyPrice(p.Side, p.AvgEntryPrice, p.InitialMargin, p.Size)
}

// PositionPnL is UnrealizedPnL for a stored position.
func (c *Calculator) PositionPnL(p *model.Position, mark decimal.Decimal) decimal.Decimal {
	return c.UnrealizedPnL(p.Side, p.Size, p.AvgEntryPrice, mark)
}

// PositionShouldLiquidate applies ShouldLiquidate to a stored position.
func (c *Calculator) PositionShouldLiquidate(p *model.Position, mark decimal.Decimal) bool {
	return c.ShouldLiquidate(p.Side, c.PositionLiquidationPrice(p), mark)
}
