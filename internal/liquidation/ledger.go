package liquidation

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	ErrPositionNotFound = errors.New("liquidation: position not found")
	ErrInvalidReduce    = errors.New("liquidation: reduce size must be in (0, size]")
)

// Ledger holds positions taken over from insolvent users until they are
// unwound. Each entry is created exactly once per liquidated position and
// removed when its size reaches zero.
type Ledger struct {
	positions map[string]*model.LiquidationPosition
	seq       uint64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{positions: make(map[string]*model.LiquidationPosition)}
}

// Transfer takes over p at bankruptcy. The caller removes p from the user
// map in the same step; Transfer never keeps a reference to it.
func (l *Ledger) Transfer(id string, p *model.Position, bankruptcy decimal.Decimal, ts time.Time) *model.LiquidationPosition {
	l.seq++
	lp := &model.LiquidationPosition{
		ID:                    id,
		OriginalUserID:        p.UserID,
		Side:                  p.Side,
		Size:                  p.Size,
		BankruptcyPrice:       bankruptcy,
		ForfeitedMargin:       p.InitialMargin,
		TransferTime:          ts,
		Status:                model.LiquidationPending,
		SocializationRequired: decimal.Zero,
		RealizedPnL:           decimal.Zero,
		Seq:                   l.seq,
	}
	l.positions[id] = lp
	return lp
}

// Get returns a position by id.
func (l *Ledger) Get(id string) (*model.LiquidationPosition, bool) {
	lp, ok := l.positions[id]
	return lp, ok
}

// Len is the number of open positions.
func (l *Ledger) Len() int {
	return len(l.positions)
}

// Reduce closes size of position id at price and returns the P&L realized
// against the bankruptcy-price basis. A position reduced to zero is marked
// completed and removed.
func (l *Ledger) Reduce(id string, size, price decimal.Decimal) (decimal.Decimal, error) {
	lp, ok := l.positions[id]
	if !ok {
		return decimal.Zero, ErrPositionNotFound
	}
	if !size.IsPositive() || size.GreaterThan(lp.Size) {
		return decimal.Zero, ErrInvalidReduce
	}
	pnl := price.Sub(lp.BankruptcyPrice).Mul(size).Mul(lp.Side.Sign())
	lp.Size = lp.Size.Sub(size)
	lp.RealizedPnL = lp.RealizedPnL.Add(pnl)
	if lp.Size.IsZero() {
		lp.Status = model.LiquidationCompleted
		delete(l.positions, id)
	}
	return pnl, nil
}

// Positions returns every open position in transfer order.
func (l *Ledger) Positions() []*model.LiquidationPosition {
	out := make([]*model.LiquidationPosition, 0, len(l.positions))
	for _, lp := range l.positions {
		out = append(out, lp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Pending returns open positions still awaiting an order-book unwind, in
// transfer order.
func (l *Ledger) Pending() []*model.LiquidationPosition {
	var out []*model.LiquidationPosition
	for _, lp := range l.Positions() {
		if lp.Status == model.LiquidationPending {
			out = append(out, lp)
		}
	}
	return out
}

// Due returns pending positions whose next attempt is at or before tick.
func (l *Ledger) Due(tick uint64) []*model.LiquidationPosition {
	var out []*model.LiquidationPosition
	for _, lp := range l.Pending() {
		if lp.NextAttemptTick <= tick {
			out = append(out, lp)
		}
	}
	return out
}

// Failed returns positions whose order-book attempts are exhausted.
func (l *Ledger) Failed() []*model.LiquidationPosition {
	var out []*model.LiquidationPosition
	for _, lp := range l.Positions() {
		if lp.Status == model.LiquidationOrderbookFailed {
			out = append(out, lp)
		}
	}
	return out
}

// Exposure sums signed size and unrealized P&L at mark.
func (l *Ledger) Exposure(mark decimal.Decimal) (size, pnl decimal.Decimal) {
	size, pnl = decimal.Zero, decimal.Zero
	for _, lp := range l.positions {
		size = size.Add(lp.SignedSize())
		pnl = pnl.Add(lp.UnrealizedPnL(mark))
	}
	return size, pnl
}

// ProjectedLoss is the loss the fund would pay if every position closed at
// mark, plus any socialization already owed.
func (l *Ledger) ProjectedLoss(mark decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, lp := range l.positions {
		if upnl := lp.UnrealizedPnL(mark); upnl.IsNegative() {
			total = total.Sub(upnl)
		}
		total = total.Add(lp.SocializationRequired)
	}
	return total
}

// Sufficient reports whether fund covers the projected loss at mark.
func (l *Ledger) Sufficient(mark, fund decimal.Decimal) bool {
	return l.ProjectedLoss(mark).LessThanOrEqual(fund)
}
