// Package liquidation holds the state that backs forced liquidation: the
// insurance fund, the ledger of positions taken over from insolvent users,
// and the bounded retry policy that drives their order-book unwind.
//
// The orchestration itself (trigger scans, transfers, closure attempts)
// lives in the engine, which owns every map; this package only mutates what
// it is handed.
package liquidation

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrNonPositiveAmount is returned when a credit or debit is not > 0.
	ErrNonPositiveAmount = errors.New("liquidation: amount must be positive")
)

// InsuranceFund is an append-only ledger of fee income and bankruptcy
// payouts. The balance never goes negative: a debit larger than the balance
// drains it to zero and reports the unpaid part.
//
// Memo entries (unrecovered_loss, socialization) record amounts that did
// not move the balance; their BalanceAfter equals the balance at the time.
type InsuranceFund struct {
	balance     decimal.Decimal
	unrecovered decimal.Decimal
	history     []model.FundEntry
	clock       func() time.Time
}

// NewInsuranceFund creates a fund seeded with initial. A nil clock uses
// time.Now in UTC.
func NewInsuranceFund(initial decimal.Decimal, clock func() time.Time) *InsuranceFund {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	f := &InsuranceFund{
		balance:     decimal.Zero,
		unrecovered: decimal.Zero,
		clock:       clock,
	}
	if initial.IsPositive() {
		f.balance = initial
		f.append(model.FundInitial, initial, "initial insurance fund")
	}
	return f
}

// Balance returns the current balance.
func (f *InsuranceFund) Balance() decimal.Decimal {
	return f.balance
}

// Unrecovered is the cumulative loss the fund could not cover after a
// liquidation position had already closed.
func (f *InsuranceFund) Unrecovered() decimal.Decimal {
	return f.unrecovered
}

// History returns a copy of every entry, oldest first.
func (f *InsuranceFund) History() []model.FundEntry {
	out := make([]model.FundEntry, len(f.history))
	copy(out, f.history)
	return out
}

// Since returns the entries appended after the first n.
func (f *InsuranceFund) Since(n int) []model.FundEntry {
	if n >= len(f.history) {
		return nil
	}
	out := make([]model.FundEntry, len(f.history)-n)
	copy(out, f.history[n:])
	return out
}

// Len is the number of history entries.
func (f *InsuranceFund) Len() int {
	return len(f.history)
}

// Credit adds amount to the balance.
func (f *InsuranceFund) Credit(kind model.FundEntryKind, amount decimal.Decimal, desc string) (model.FundEntry, error) {
	if !amount.IsPositive() {
		return model.FundEntry{}, ErrNonPositiveAmount
	}
	f.balance = f.balance.Add(amount)
	return f.append(kind, amount, desc), nil
}

// Debit withdraws up to amount and returns what was actually paid. The
// caller owns the difference.
func (f *InsuranceFund) Debit(kind model.FundEntryKind, amount decimal.Decimal, desc string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrNonPositiveAmount
	}
	paid := decimal.Min(amount, f.balance)
	if !paid.IsPositive() {
		return decimal.Zero, nil
	}
	f.balance = f.balance.Sub(paid)
	f.append(kind, paid.Neg(), desc)
	return paid, nil
}

// Note appends a memo entry without moving the balance.
func (f *InsuranceFund) Note(kind model.FundEntryKind, amount decimal.Decimal, desc string) model.FundEntry {
	return f.append(kind, amount, desc)
}

// RecordUnrecovered books a loss nobody will pay.
func (f *InsuranceFund) RecordUnrecovered(amount decimal.Decimal, desc string) {
	if !amount.IsPositive() {
		return
	}
	f.unrecovered = f.unrecovered.Add(amount)
	f.Note(model.FundUnrecoveredLoss, amount.Neg(), desc)
}

// Settlement is how one liquidation close was split between the fund and
// whatever remains unpaid.
type Settlement struct {
	Fee       decimal.Decimal
	Surplus   decimal.Decimal
	Payout    decimal.Decimal
	Shortfall decimal.Decimal
}

// Settle books the realized result of closing part of a liquidation
// position. A gain pays the liquidation fee (notional × feeRate, capped at
// the gain) and credits the rest as surplus. A loss is paid from the
// balance; Shortfall is the part the fund could not cover.
func (f *InsuranceFund) Settle(pnl, notional, feeRate decimal.Decimal, desc string) Settlement {
	s := Settlement{Fee: decimal.Zero, Surplus: decimal.Zero, Payout: decimal.Zero, Shortfall: decimal.Zero}
	switch {
	case pnl.IsPositive():
		// The fee comes out of the gain and never exceeds it, so a close
		// never costs the fund more than the bankruptcy price allows and
		// the books still sum to zero.
		s.Fee = decimal.Min(notional.Mul(feeRate), pnl)
		s.Surplus = pnl.Sub(s.Fee)
		if s.Fee.IsPositive() {
			_, _ = f.Credit(model.FundLiquidationFee, s.Fee, desc)
		}
		if s.Surplus.IsPositive() {
			_, _ = f.Credit(model.FundSurplus, s.Surplus, desc)
		}
	case pnl.IsNegative():
		loss := pnl.Neg()
		s.Payout, _ = f.Debit(model.FundBankruptPayout, loss, desc)
		s.Shortfall = loss.Sub(s.Payout)
	}
	return s
}

func (f *InsuranceFund) append(kind model.FundEntryKind, amount decimal.Decimal, desc string) model.FundEntry {
	e := model.FundEntry{
		Timestamp:    f.clock(),
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: f.balance,
		Description:  desc,
	}
	f.history = append(f.history, e)
	return e
}
