package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// Deposit credits amount to a user's available balance, opening the
// account if it does not exist.
func (e *Engine) Deposit(userID string, amount decimal.Decimal) (model.User, error) {
	if userID == "" {
		return model.User{}, ErrUnknownUser
	}
	if !amount.IsPositive() {
		return model.User{}, ErrInvalidAmount
	}
	u, ok := e.users[userID]
	if !ok {
		u = newUser(userID, decimal.Zero)
		e.users[userID] = u
	}
	u.AvailableBalance = u.AvailableBalance.Add(amount)
	e.emit(model.EventBalance, model.BalanceEvent{UserID: userID, Amount: amount.String(), Kind: "deposit"})
	e.verify("deposit")
	return *u, nil
}

// Withdraw debits amount from a user's available balance. Margin in use
// cannot be withdrawn.
func (e *Engine) Withdraw(userID string, amount decimal.Decimal) (model.User, error) {
	u, ok := e.users[userID]
	if !ok {
		return model.User{}, ErrUnknownUser
	}
	if !amount.IsPositive() {
		return model.User{}, ErrInvalidAmount
	}
	if amount.GreaterThan(u.AvailableBalance) {
		return model.User{}, ErrInsufficientBalance
	}
	u.AvailableBalance = u.AvailableBalance.Sub(amount)
	e.emit(model.EventBalance, model.BalanceEvent{UserID: userID, Amount: amount.Neg().String(), Kind: "withdraw"})
	e.verify("withdraw")
	return *u, nil
}

// applyUserFill applies one execution to a user's position. order is the
// user's order when the fill came from the book and nil for ADL or forced
// closes, which only ever reduce. ADL fills release margin without
// realizing; the caller credits the P&L at the socialized price.
func (e *Engine) applyUserFill(userID string, side model.Side, price, size decimal.Decimal, order *model.Order, kind model.TradeKind, ts time.Time) {
	u := e.users[userID]
	fill := side.PositionSide()
	p, ok := e.positions[userID]

	switch {
	case !ok:
		e.openPosition(u, fill, price, size, order, ts)
	case p.Side == fill:
		e.addToPosition(u, p, price, size, order)
	default:
		closing := decimal.Min(size, p.Size)
		e.reducePosition(u, p, price, closing, kind)
		if excess := size.Sub(closing); excess.IsPositive() {
			e.openPosition(u, fill, price, excess, order, ts)
		}
	}
}

func (e *Engine) openPosition(u *model.User, side model.PositionSide, price, size decimal.Decimal, order *model.Order, ts time.Time) {
	leverage := orderLeverage(order)
	im := e.calc.InitialMargin(size, price, leverage)
	locked := e.lockMargin(u, order, im)
	p := &model.Position{
		UserID:            u.ID,
		Side:              side,
		Size:              size,
		AvgEntryPrice:     price,
		Leverage:          leverage,
		InitialMargin:     locked,
		MaintenanceMargin: e.calc.MaintenanceMargin(size, price),
		OpenedAt:          ts,
		Seq:               e.nextSeq(),
	}
	if locked.LessThan(im) && locked.IsPositive() {
		p.Leverage = size.Mul(price).Div(locked)
	}
	e.positions[u.ID] = p
}

func (e *Engine) addToPosition(u *model.User, p *model.Position, price, size decimal.Decimal, order *model.Order) {
	leverage := orderLeverage(order)
	im := e.calc.InitialMargin(size, price, leverage)
	locked := e.lockMargin(u, order, im)

	newSize := p.Size.Add(size)
	p.AvgEntryPrice = p.AvgEntryPrice.Mul(p.Size).Add(price.Mul(size)).Div(newSize)
	p.Size = newSize
	p.InitialMargin = p.InitialMargin.Add(locked)
	p.MaintenanceMargin = e.calc.MaintenanceMargin(p.Size, p.AvgEntryPrice)

	// Effective leverage once the fills no longer share one ratio.
	if (!locked.Equal(im) || !leverage.Equal(p.Leverage)) && p.InitialMargin.IsPositive() {
		p.Leverage = p.Size.Mul(p.AvgEntryPrice).Div(p.InitialMargin)
	}
}

// reducePosition closes size of p at price, releasing the same share of
// initial margin. Non-ADL fills realize P&L proportionally.
func (e *Engine) reducePosition(u *model.User, p *model.Position, price, size decimal.Decimal, kind model.TradeKind) {
	release := p.InitialMargin
	if size.LessThan(p.Size) {
		release = p.InitialMargin.Mul(size).Div(p.Size)
	}
	pnl := e.calc.UnrealizedPnL(p.Side, size, p.AvgEntryPrice, price)

	p.Size = p.Size.Sub(size)
	p.InitialMargin = p.InitialMargin.Sub(release)
	p.MaintenanceMargin = e.calc.MaintenanceMargin(p.Size, p.AvgEntryPrice)
	e.releaseMargin(u, release)

	if kind != model.TradeADL {
		e.realize(u, pnl)
	}
	if !p.Size.IsPositive() {
		delete(e.positions, u.ID)
	}
}

// lockMargin moves im into used margin, drawing first on the order's
// reservation and then on available balance. It never overdraws: the
// amount actually locked is returned.
func (e *Engine) lockMargin(u *model.User, order *model.Order, im decimal.Decimal) decimal.Decimal {
	locked := decimal.Zero
	if order != nil && order.ReservedMargin.IsPositive() {
		take := decimal.Min(im, order.ReservedMargin)
		order.ReservedMargin = order.ReservedMargin.Sub(take)
		locked = take
	}
	if rest := im.Sub(locked); rest.IsPositive() {
		extra := decimal.Min(rest, u.AvailableBalance)
		if extra.IsPositive() {
			u.AvailableBalance = u.AvailableBalance.Sub(extra)
			u.UsedMargin = u.UsedMargin.Add(extra)
			locked = locked.Add(extra)
		}
	}
	return locked
}

func (e *Engine) releaseMargin(u *model.User, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	if amount.GreaterThan(u.UsedMargin) {
		amount = u.UsedMargin
	}
	u.UsedMargin = u.UsedMargin.Sub(amount)
	u.AvailableBalance = u.AvailableBalance.Add(amount)
}

// realize books pnl to the user. A loss deeper than the available balance
// floors it at zero; the insurance fund absorbs the deficit as bad debt.
func (e *Engine) realize(u *model.User, pnl decimal.Decimal) {
	if pnl.IsZero() {
		return
	}
	u.RealizedPnL = u.RealizedPnL.Add(pnl)
	u.AvailableBalance = u.AvailableBalance.Add(pnl)
	if !u.AvailableBalance.IsNegative() {
		return
	}
	deficit := u.AvailableBalance.Neg()
	u.AvailableBalance = decimal.Zero
	desc := fmt.Sprintf("bad debt of %s", u.ID)
	paid, _ := e.fund.Debit(model.FundBadDebt, deficit, desc)
	e.fund.RecordUnrecovered(deficit.Sub(paid), desc)
	e.log.Warn("bad debt absorbed", "user", u.ID, "deficit", deficit.String(), "fund_paid", paid.String())
}

func orderLeverage(o *model.Order) decimal.Decimal {
	if o == nil || o.Leverage.LessThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return o.Leverage
}
