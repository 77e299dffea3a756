package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// ZeroSumTolerance is the largest imbalance treated as rounding.
var ZeroSumTolerance = decimal.New(1, -8)

// ZeroSumReport is the result of one zero-sum check over user and
// liquidation positions.
//
// Sizes must net to zero. For P&L, unrealized P&L alone does not net once
// liquidations have forfeited margin and positions have been partly
// closed, so the check is on total P&L: open unrealized plus everything
// realized, by users and by liquidation positions. UnrealizedPnL is
// reported for monitoring.
type ZeroSumReport struct {
	Balanced      bool            `json:"balanced"`
	LongSize      decimal.Decimal `json:"long_size"`
	ShortSize     decimal.Decimal `json:"short_size"`
	SizeImbalance decimal.Decimal `json:"size_imbalance"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	PnLImbalance  decimal.Decimal `json:"pnl_imbalance"`
}

// VerifyZeroSum computes the report at the current mark price. It has no
// side effects.
func (e *Engine) VerifyZeroSum() ZeroSumReport {
	r := ZeroSumReport{
		LongSize:      decimal.Zero,
		ShortSize:     decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		RealizedPnL:   e.leRealized,
	}
	for _, p := range e.positions {
		if p.Side == model.Long {
			r.LongSize = r.LongSize.Add(p.Size)
		} else {
			r.ShortSize = r.ShortSize.Add(p.Size)
		}
		r.UnrealizedPnL = r.UnrealizedPnL.Add(e.calc.PositionPnL(p, e.mark))
	}
	for _, lp := range e.ledger.Positions() {
		if lp.Side == model.Long {
			r.LongSize = r.LongSize.Add(lp.Size)
		} else {
			r.ShortSize = r.ShortSize.Add(lp.Size)
		}
		r.UnrealizedPnL = r.UnrealizedPnL.Add(lp.UnrealizedPnL(e.mark))
	}
	for _, u := range e.users {
		r.RealizedPnL = r.RealizedPnL.Add(u.RealizedPnL)
	}

	r.SizeImbalance = r.LongSize.Sub(r.ShortSize)
	r.PnLImbalance = r.UnrealizedPnL.Add(r.RealizedPnL)
	r.Balanced = r.SizeImbalance.Abs().LessThanOrEqual(ZeroSumTolerance) &&
		r.PnLImbalance.Abs().LessThanOrEqual(ZeroSumTolerance)
	return r
}

// LastZeroSum returns the report from the end of the last operation.
func (e *Engine) LastZeroSum() ZeroSumReport {
	return e.lastSum
}

// verify closes every mutating operation: it publishes pending fund
// entries and checks the zero-sum invariant.
func (e *Engine) verify(op string) {
	e.flushFund()
	r := e.VerifyZeroSum()
	e.lastSum = r
	if r.Balanced {
		return
	}
	e.emit(model.EventInvariantViolation, model.InvariantEvent{
		Operation:     op,
		SizeImbalance: r.SizeImbalance.String(),
		PnLImbalance:  r.PnLImbalance.String(),
	})
	e.log.Error("zero-sum invariant violated",
		"operation", op,
		"size_imbalance", r.SizeImbalance.String(),
		"pnl_imbalance", r.PnLImbalance.String(),
	)
	if e.cfg.StrictInvariants {
		panic(fmt.Sprintf("engine: zero-sum violated after %s: size %s pnl %s", op, r.SizeImbalance, r.PnLImbalance))
	}
}
