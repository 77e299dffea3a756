package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/orderbook"
	"github.com/atmx/perp-engine/internal/risk"
)

// PlaceOrderRequest is the input of PlaceOrder.
type PlaceOrderRequest struct {
	UserID      string            `json:"user_id"`
	Side        model.Side        `json:"side"`
	Size        decimal.Decimal   `json:"size"`
	Price       decimal.Decimal   `json:"price"`
	OrderType   model.OrderKind   `json:"order_type"`
	Leverage    decimal.Decimal   `json:"leverage"`
	TimeInForce model.TimeInForce `json:"time_in_force,omitempty"`
}

// OrderResult is the outcome of PlaceOrder.
type OrderResult struct {
	Order       *model.Order                `json:"order"`
	Trades      []model.Trade               `json:"trades"`
	Cancelled   []*model.Order              `json:"cancelled"`
	Liquidated  []model.LiquidationPosition `json:"liquidated"`
	Liquidation []model.Trade               `json:"liquidation_trades"`
}

// PlaceOrder validates, reserves margin for and matches a user order, then
// runs the liquidation scan. Validation failures leave state untouched.
func (e *Engine) PlaceOrder(req PlaceOrderRequest) (*OrderResult, error) {
	u, ok := e.users[req.UserID]
	if !ok {
		return nil, ErrUnknownUser
	}
	if !req.Side.Valid() {
		return nil, ErrInvalidSide
	}
	if !req.Size.IsPositive() {
		return nil, ErrInvalidSize
	}
	if req.OrderType == "" {
		req.OrderType = model.Limit
	}
	if req.Leverage.IsZero() {
		req.Leverage = decimal.NewFromInt(1)
	}
	if err := margin.ValidateLeverage(req.Leverage); err != nil {
		return nil, err
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = model.GTC
	}
	if tif != model.GTC && tif != model.IOC {
		return nil, fmt.Errorf("engine: unknown time in force %q", tif)
	}

	owner := model.UserOwner(req.UserID)
	var ref decimal.Decimal
	switch req.OrderType {
	case model.Limit:
		if !req.Price.IsPositive() {
			return nil, ErrInvalidPrice
		}
		ref = req.Price
	case model.Market:
		worst, _, ok := e.book.SweepPrice(req.Side, req.Size, owner)
		if !ok {
			return nil, ErrNoLiquidity
		}
		ref = worst
	default:
		return nil, ErrInvalidOrderType
	}

	current := decimal.Zero
	open := 0
	if p, ok := e.positions[req.UserID]; ok {
		current = p.SignedSize()
		open = 1
	}
	delta := req.Size
	if req.Side == model.Sell {
		delta = delta.Neg()
	}
	err := e.limiter.CheckOrder(risk.OrderCheck{
		Size:          req.Size,
		Delta:         delta,
		Current:       current,
		Leverage:      req.Leverage,
		RefPrice:      ref,
		OpenPositions: open,
	})
	if err != nil {
		return nil, err
	}

	reserve := e.calc.InitialMargin(openingSize(current, delta), ref, req.Leverage)
	if reserve.GreaterThan(u.AvailableBalance) {
		return nil, ErrInsufficientMargin
	}

	now := e.now()
	o := model.NewOrder(uuid.NewString(), owner, req.Side, req.OrderType, req.Price, req.Size, req.Leverage, tif, now)
	o.Seq = e.nextSeq()
	o.ReservedMargin = reserve
	u.AvailableBalance = u.AvailableBalance.Sub(reserve)
	u.UsedMargin = u.UsedMargin.Add(reserve)
	e.emit(model.EventOrderAccepted, o.Clone())

	res, err := e.matchFn(e.book, o, model.TradeNormal)
	if err != nil {
		// Validation above mirrors the matcher's, so this is a bug; undo
		// the reservation and surface it.
		e.releaseReservation(o)
		e.log.Error("order match failed", "order", o.ID, "err", err)
		return nil, fmt.Errorf("engine: match order %s: %w", o.ID, err)
	}

	result := &OrderResult{Trades: res.Trades(), Cancelled: []*model.Order{}}
	for _, c := range res.Cancelled {
		e.releaseReservation(c)
		e.emit(model.EventOrderCancelled, c.Clone())
		result.Cancelled = append(result.Cancelled, c.Clone())
	}
	touched := []string{req.UserID}
	for _, f := range res.Fills {
		e.applyBookFill(o, f)
		touched = append(touched, f.Maker.Owner.ID)
	}
	if !res.Rested {
		e.releaseReservation(o)
	}
	for _, c := range e.reconcileOrders(touched...) {
		result.Cancelled = append(result.Cancelled, c.Clone())
	}
	result.Order = o.Clone()

	scan := e.scan()
	result.Liquidated = scan.Liquidated
	result.Liquidation = scan.Trades
	e.verify("place_order")
	return result, nil
}

// CancelOrder removes a resting order and releases its reservation.
func (e *Engine) CancelOrder(id string) (*model.Order, error) {
	o, err := e.book.Cancel(id)
	if errors.Is(err, orderbook.ErrOrderNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	e.releaseReservation(o)
	e.emit(model.EventOrderCancelled, o.Clone())
	if o.Owner.IsUser() {
		e.reconcileOrders(o.Owner.ID)
	}
	e.verify("cancel_order")
	return o.Clone(), nil
}

// applyBookFill applies a user-to-user fill between taker and maker.
func (e *Engine) applyBookFill(taker *model.Order, f orderbook.MakerFill) {
	t := f.Trade
	e.applyUserFill(taker.Owner.ID, taker.Side, t.Price, t.Size, taker, t.Kind, t.Timestamp)
	e.applyUserFill(f.Maker.Owner.ID, f.Maker.Side, t.Price, t.Size, f.Maker, t.Kind, t.Timestamp)
	if !f.Maker.Active() {
		e.releaseReservation(f.Maker)
	}
	e.recordTrade(t)
}

// cancelUserOrders cancels every resting order of userID.
func (e *Engine) cancelUserOrders(userID string) {
	for _, o := range e.book.OrdersOf(model.UserOwner(userID)) {
		if _, err := e.book.Cancel(o.ID); err != nil {
			continue
		}
		e.releaseReservation(o)
		e.emit(model.EventOrderCancelled, o.Clone())
	}
}

// reconcileOrders re-prices the margin held by the resting orders of each
// user against the position they hold now. Orders that reduce the position
// are covered by it in book priority; any part that would open exposure
// must be reserved in full. Orders the user can no longer fund are
// cancelled and returned.
func (e *Engine) reconcileOrders(userIDs ...string) []*model.Order {
	var cancelled []*model.Order
	seen := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		cancelled = append(cancelled, e.reconcileUser(id)...)
	}
	return cancelled
}

func (e *Engine) reconcileUser(userID string) []*model.Order {
	u, ok := e.users[userID]
	if !ok {
		return nil
	}
	orders := e.book.OrdersOf(model.UserOwner(userID))
	if len(orders) == 0 {
		return nil
	}
	sort.SliceStable(orders, func(i, j int) bool { return bookPriority(orders[i], orders[j]) })

	var reducing model.Side
	cover := decimal.Zero
	if p, ok := e.positions[userID]; ok {
		reducing, cover = p.Side.CloseSide(), p.Size
	}

	var cancelled []*model.Order
	for _, o := range orders {
		covered := decimal.Zero
		if o.Side == reducing {
			covered = decimal.Min(cover, o.Remaining)
		}
		need := e.calc.InitialMargin(o.Remaining.Sub(covered), o.LimitPrice, orderLeverage(o))
		short := need.Sub(o.ReservedMargin)

		switch {
		case short.IsNegative():
			e.releaseMargin(u, short.Neg())
			o.ReservedMargin = need
		case short.Sub(u.AvailableBalance).GreaterThan(ZeroSumTolerance):
			if _, err := e.book.Cancel(o.ID); err != nil {
				continue
			}
			e.releaseReservation(o)
			e.emit(model.EventOrderCancelled, o.Clone())
			e.log.Info("resting order cancelled, margin no longer covers it",
				"order", o.ID, "user", userID, "required", need.String())
			cancelled = append(cancelled, o)
			continue
		case short.IsPositive():
			take := decimal.Min(short, u.AvailableBalance)
			u.AvailableBalance = u.AvailableBalance.Sub(take)
			u.UsedMargin = u.UsedMargin.Add(take)
			o.ReservedMargin = o.ReservedMargin.Add(take)
		}
		cover = cover.Sub(covered)
	}
	return cancelled
}

// bookPriority orders resting orders the way the matcher reaches them:
// best price first, then arrival.
func bookPriority(a, b *model.Order) bool {
	if a.Side != b.Side {
		return a.Side < b.Side
	}
	if !a.LimitPrice.Equal(b.LimitPrice) {
		if a.Side == model.Buy {
			return a.LimitPrice.GreaterThan(b.LimitPrice)
		}
		return a.LimitPrice.LessThan(b.LimitPrice)
	}
	return a.Seq < b.Seq
}

// releaseReservation returns whatever margin an order still holds.
func (e *Engine) releaseReservation(o *model.Order) {
	if !o.ReservedMargin.IsPositive() || !o.Owner.IsUser() {
		return
	}
	if u, ok := e.users[o.Owner.ID]; ok {
		e.releaseMargin(u, o.ReservedMargin)
	}
	o.ReservedMargin = decimal.Zero
}

// openingSize is the part of delta that grows exposure: all of it from
// flat or on the same side, the excess over the current size on a flip.
func openingSize(current, delta decimal.Decimal) decimal.Decimal {
	if current.IsZero() || current.Sign() == delta.Sign() {
		return delta.Abs()
	}
	excess := delta.Abs().Sub(current.Abs())
	if excess.IsPositive() {
		return excess
	}
	return decimal.Zero
}
