// Package risk implements the pre-trade risk limits applied to every order
// before the engine mutates any state.
//
// Limits are evaluated against the position the user would hold if the
// order filled completely. Orders that only shrink an existing position are
// exempt from the size and value caps so users can always de-risk.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrOrderTooSmall is returned when the order size is below MinOrderSize.
	ErrOrderTooSmall = errors.New("risk: order size below minimum")

	// ErrLeverageTooHigh is returned when requested leverage exceeds MaxLeverage.
	ErrLeverageTooHigh = errors.New("risk: leverage exceeds maximum")

	// ErrPositionSizeExceeded is returned when the resulting position would
	// exceed MaxPositionSize.
	ErrPositionSizeExceeded = errors.New("risk: position size limit exceeded")

	// ErrPositionValueExceeded is returned when the resulting position
	// notional would exceed MaxPositionValue.
	ErrPositionValueExceeded = errors.New("risk: position value limit exceeded")

	// ErrTooManyPositions is returned when opening a position would exceed
	// MaxUserPositions.
	ErrTooManyPositions = errors.New("risk: too many open positions")
)

// Limits is the risk configuration supplied by the operator.
type Limits struct {
	MaxPositionSize  decimal.Decimal `json:"max_position_size"`
	MaxLeverage      decimal.Decimal `json:"max_leverage"`
	MaxPositionValue decimal.Decimal `json:"max_position_value"`
	MaxUserPositions int             `json:"max_user_positions"`
	MinOrderSize     decimal.Decimal `json:"min_order_size"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSize:  decimal.NewFromInt(100),
		MaxLeverage:      decimal.NewFromInt(100),
		MaxPositionValue: decimal.NewFromInt(10_000_000),
		MaxUserPositions: 1,
		MinOrderSize:     decimal.RequireFromString("0.001"),
	}
}

// OrderCheck describes an order against the user's current exposure.
type OrderCheck struct {
	// Size is the unsigned order size.
	Size decimal.Decimal

	// Delta is the signed change in position if fully filled (+buy / -sell).
	Delta decimal.Decimal

	// Current is the user's signed position size before the order.
	Current decimal.Decimal

	// Leverage requested for the order.
	Leverage decimal.Decimal

	// RefPrice values the resulting position (limit price, or the worst
	// price a market order would sweep to).
	RefPrice decimal.Decimal

	// OpenPositions is how many positions the user already holds.
	OpenPositions int
}

// Limiter enforces Limits.
type Limiter struct {
	limits Limits
}

// NewLimiter creates a limiter. A MaxUserPositions below 1 is raised to 1:
// one-way mode always allows a single position.
func NewLimiter(limits Limits) *Limiter {
	if limits.MaxUserPositions < 1 {
		limits.MaxUserPositions = 1
	}
	return &Limiter{limits: limits}
}

// Limits returns the active configuration.
func (l *Limiter) Limits() Limits {
	return l.limits
}

// CheckOrder validates an order. Returns nil if the order is within limits,
// or the sentinel error describing the first violation.
func (l *Limiter) CheckOrder(c OrderCheck) error {
	// 1. Order-level checks.
	if c.Size.LessThan(l.limits.MinOrderSize) {
		return ErrOrderTooSmall
	}
	if l.limits.MaxLeverage.IsPositive() && c.Leverage.GreaterThan(l.limits.MaxLeverage) {
		return ErrLeverageTooHigh
	}

	// 2. Resulting position checks, only when exposure grows.
	resulting := c.Current.Add(c.Delta).Abs()
	if resulting.LessThanOrEqual(c.Current.Abs()) {
		return nil
	}

	if c.Current.IsZero() && c.OpenPositions+1 > l.limits.MaxUserPositions {
		return ErrTooManyPositions
	}
	if l.limits.MaxPositionSize.IsPositive() && resulting.GreaterThan(l.limits.MaxPositionSize) {
		return ErrPositionSizeExceeded
	}
	if l.limits.MaxPositionValue.IsPositive() && resulting.Mul(c.RefPrice).GreaterThan(l.limits.MaxPositionValue) {
		return ErrPositionValueExceeded
	}

	return nil
}
