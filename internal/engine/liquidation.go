package engine

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/adl"
	"github.com/atmx/perp-engine/internal/model"
)

// Liquidation step methods accepted by LiquidationStep.
const (
	StepOrderBook = "orderbook"
	StepADL       = "adl"
	StepForce     = "force"
)

// ScanResult lists what one trigger scan liquidated.
type ScanResult struct {
	Liquidated []model.LiquidationPosition `json:"liquidated"`
	Trades     []model.Trade               `json:"trades"`
}

// StepResult is the outcome of LiquidationStep or Tick.
type StepResult struct {
	Method     string                      `json:"method"`
	Tick       uint64                      `json:"tick"`
	Processed  int                         `json:"processed"`
	Trades     []model.Trade               `json:"trades"`
	Closed     []string                    `json:"closed"`
	ADL        []model.ADLEvent            `json:"adl,omitempty"`
	Liquidated []model.LiquidationPosition `json:"liquidated"`
	Remaining  []model.LiquidationPosition `json:"remaining"`
}

// MarkResult is the outcome of UpdateMarkPrice.
type MarkResult struct {
	MarkPrice  decimal.Decimal             `json:"mark_price"`
	Liquidated []model.LiquidationPosition `json:"liquidated"`
	Trades     []model.Trade               `json:"trades"`
}

// UpdateMarkPrice sets the mark price and liquidates every position it
// makes insolvent.
func (e *Engine) UpdateMarkPrice(price decimal.Decimal) (*MarkResult, error) {
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}
	e.mark = price
	e.emit(model.EventMarkPrice, price)

	scan := e.scan()
	e.verify("update_mark_price")
	return &MarkResult{MarkPrice: price, Liquidated: scan.Liquidated, Trades: scan.Trades}, nil
}

// LiquidationStep drives one resolution step over every open liquidation
// position with the given method.
func (e *Engine) LiquidationStep(method string) (*StepResult, error) {
	res := &StepResult{Method: method, Tick: e.tick, Trades: []model.Trade{}, Closed: []string{}}
	lps := e.ledger.Positions()

	switch method {
	case StepOrderBook:
		for _, lp := range lps {
			res.Trades = append(res.Trades, e.attemptOrderBook(lp)...)
		}
	case StepADL:
		for _, lp := range lps {
			ev := e.runADL(lp)
			res.Trades = append(res.Trades, ev.Trades...)
			res.ADL = append(res.ADL, ev)
		}
	case StepForce:
		for _, lp := range lps {
			res.Trades = append(res.Trades, e.forceClose(lp)...)
		}
		res.Trades = append(res.Trades, e.netLiquidationPositions()...)
	default:
		return nil, ErrInvalidMethod
	}

	e.finishStep(res, lps)
	e.verify("liquidation_step")
	return res, nil
}

// Tick advances the scheduler clock: due order-book retries run, and
// positions whose retries are exhausted or that owe socialization go to ADL.
func (e *Engine) Tick() *StepResult {
	e.tick++
	res := &StepResult{Method: "tick", Tick: e.tick, Trades: []model.Trade{}, Closed: []string{}}
	lps := e.ledger.Positions()

	for _, lp := range e.ledger.Due(e.tick) {
		res.Trades = append(res.Trades, e.attemptOrderBook(lp)...)
	}
	for _, lp := range e.escalated() {
		ev := e.runADL(lp)
		res.Trades = append(res.Trades, ev.Trades...)
		res.ADL = append(res.ADL, ev)
	}

	e.finishStep(res, lps)
	e.verify("tick")
	return res
}

// escalated lists the positions Tick hands to ADL: those whose book
// attempts are exhausted plus any still owing socialization, in transfer
// order.
func (e *Engine) escalated() []*model.LiquidationPosition {
	out := e.ledger.Failed()
	for _, lp := range e.ledger.Pending() {
		if lp.SocializationRequired.IsPositive() {
			out = append(out, lp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (e *Engine) finishStep(res *StepResult, before []*model.LiquidationPosition) {
	res.Processed = len(before)
	for _, lp := range before {
		if !lp.Open() {
			res.Closed = append(res.Closed, lp.ID)
		}
	}
	scan := e.scan()
	res.Trades = append(res.Trades, scan.Trades...)
	res.Liquidated = scan.Liquidated
	res.Remaining = e.LiquidationPositions()
}

// scan liquidates every insolvent user position at the current mark and
// attempts to unwind each on the book. Unwinds fill resting orders, which
// can open positions already past their liquidation price, so the scan
// repeats until nothing new triggers.
func (e *Engine) scan() ScanResult {
	res := ScanResult{Liquidated: []model.LiquidationPosition{}, Trades: []model.Trade{}}
	for round := 0; round < e.cfg.MaxScanRounds; round++ {
		var transferred []*model.LiquidationPosition
		for _, p := range e.sortedPositions() {
			if e.calc.PositionShouldLiquidate(p, e.mark) {
				transferred = append(transferred, e.transfer(p))
			}
		}
		if len(transferred) == 0 {
			return res
		}
		for _, lp := range transferred {
			res.Liquidated = append(res.Liquidated, *lp)
			res.Trades = append(res.Trades, e.attemptOrderBook(lp)...)
		}
	}
	e.log.Warn("liquidation scan hit round limit", "rounds", e.cfg.MaxScanRounds, "mark", e.mark.String())
	return res
}

// transfer moves p into the liquidation ledger at its bankruptcy price.
// The user forfeits exactly the initial margin reserved for p.
func (e *Engine) transfer(p *model.Position) *model.LiquidationPosition {
	u := e.users[p.UserID]
	e.emit(model.EventLiquidationTriggered, model.LiquidationEvent{
		UserID: p.UserID,
		Stage:  model.StageTriggered,
		Side:   p.Side,
		Size:   p.Size.String(),
		Price:  e.mark.String(),
	})

	e.cancelUserOrders(p.UserID)

	bankruptcy := e.calc.PositionBankruptcyPrice(p)
	lp := e.ledger.Transfer(uuid.NewString(), p, bankruptcy, e.now())
	delete(e.positions, p.UserID)

	u.UsedMargin = u.UsedMargin.Sub(p.InitialMargin)
	if u.UsedMargin.IsNegative() {
		u.UsedMargin = decimal.Zero
	}
	u.RealizedPnL = u.RealizedPnL.Sub(p.InitialMargin)

	e.emit(model.EventPositionTransferred, model.LiquidationEvent{
		PositionID:      lp.ID,
		UserID:          p.UserID,
		Stage:           model.StageTransferred,
		Side:            lp.Side,
		Size:            lp.Size.String(),
		Price:           bankruptcy.String(),
		ForfeitedMargin: p.InitialMargin.String(),
	})
	e.log.Info("position liquidated",
		"user", p.UserID,
		"position", lp.ID,
		"side", string(lp.Side),
		"size", lp.Size.String(),
		"bankruptcy_price", bankruptcy.String(),
		"mark", e.mark.String(),
	)
	return lp
}

// attemptOrderBook sends an IOC market order for the full remaining size.
// A matcher error falls back to closing at the bankruptcy price.
func (e *Engine) attemptOrderBook(lp *model.LiquidationPosition) []model.Trade {
	if !lp.Open() {
		return nil
	}
	escalated := lp.Status == model.LiquidationOrderbookFailed
	o := model.NewOrder(uuid.NewString(), lp.Owner(), lp.Side.CloseSide(), model.Market,
		decimal.Zero, lp.Size, decimal.NewFromInt(1), model.IOC, e.now())
	o.Seq = e.nextSeq()

	res, err := e.matchFn(e.book, o, model.TradeLiquidation)
	if err != nil {
		e.log.Warn("liquidation order failed, closing at bankruptcy price", "position", lp.ID, "err", err)
		return e.closeAtBankruptcy(lp)
	}

	trades := make([]model.Trade, 0, len(res.Fills))
	makers := make([]string, 0, len(res.Fills))
	for _, f := range res.Fills {
		t := f.Trade
		e.applyUserFill(f.Maker.Owner.ID, f.Maker.Side, t.Price, t.Size, f.Maker, t.Kind, t.Timestamp)
		if !f.Maker.Active() {
			e.releaseReservation(f.Maker)
		}
		e.settleLiquidationFill(lp, t.Price, t.Size, e.cfg.LiquidationFeeRate)
		e.recordTrade(t)
		trades = append(trades, t)
		makers = append(makers, f.Maker.Owner.ID)
	}
	e.reconcileOrders(makers...)

	if len(trades) > 0 {
		e.emitReduced(lp, model.MethodMarketOrder, o.AvgFillPrice, o.Filled)
	}
	if !lp.Open() {
		e.emitClosed(lp, model.MethodMarketOrder)
		return trades
	}
	if escalated {
		// Already waiting on ADL; another miss changes nothing.
		return trades
	}
	if e.cfg.Retry.RecordFailure(lp, e.tick) {
		e.emit(model.EventLiquidationReduced, model.LiquidationEvent{
			PositionID:    lp.ID,
			UserID:        lp.OriginalUserID,
			Stage:         model.StagePendingADL,
			Side:          lp.Side,
			Size:          lp.Size.String(),
			RemainingSize: lp.Size.String(),
		})
		e.log.Warn("liquidation escalated to adl", "position", lp.ID, "attempts", lp.Attempts, "remaining", lp.Size.String())
	}
	return trades
}

// closeAtBankruptcy is the matcher-failure fallback: the full size moves
// at the bankruptcy price against opposite positions, a pure transfer
// with no fee and no fund impact.
func (e *Engine) closeAtBankruptcy(lp *model.LiquidationPosition) []model.Trade {
	plan := e.adl.PlanForced(lp, e.sortedPositions(), e.users, e.mark)
	trades := e.executePlan(lp, plan, model.TradeLiquidation, model.MethodBankruptcyPrice)
	if lp.Open() && lp.Status != model.LiquidationOrderbookFailed {
		e.cfg.Retry.RecordFailure(lp, e.tick)
	}
	return trades
}

// forceClose closes lp at its bankruptcy price against any opposite user
// exposure.
func (e *Engine) forceClose(lp *model.LiquidationPosition) []model.Trade {
	if !lp.Open() {
		return nil
	}
	plan := e.adl.PlanForced(lp, e.sortedPositions(), e.users, e.mark)
	return e.executePlan(lp, plan, model.TradeLiquidation, model.MethodForce)
}

// netLiquidationPositions offsets liquidation longs against liquidation
// shorts at the mark price, oldest first.
func (e *Engine) netLiquidationPositions() []model.Trade {
	var longs, shorts []*model.LiquidationPosition
	for _, lp := range e.ledger.Positions() {
		if lp.Side == model.Long {
			longs = append(longs, lp)
		} else {
			shorts = append(shorts, lp)
		}
	}

	var trades []model.Trade
	i, j := 0, 0
	for i < len(longs) && j < len(shorts) {
		long, short := longs[i], shorts[j]
		qty := decimal.Min(long.Size, short.Size)
		t := model.Trade{
			ID:        uuid.NewString(),
			Buyer:     short.Owner(),
			Seller:    long.Owner(),
			Price:     e.mark,
			Size:      qty,
			Kind:      model.TradeLiquidation,
			Timestamp: e.now(),
		}
		e.settleLiquidationFill(long, e.mark, qty, decimal.Zero)
		e.settleLiquidationFill(short, e.mark, qty, decimal.Zero)
		e.recordTrade(t)
		trades = append(trades, t)

		for _, lp := range []*model.LiquidationPosition{long, short} {
			e.emitReduced(lp, model.MethodNetting, e.mark, qty)
			if !lp.Open() {
				e.emitClosed(lp, model.MethodNetting)
			}
		}
		if !long.Open() {
			i++
		}
		if !short.Open() {
			j++
		}
	}
	return trades
}

// executePlan applies planned trades between lp and user counterparties.
// ADL fills realize the counterparty's P&L at the plan price here, after
// the fill released their margin.
func (e *Engine) executePlan(lp *model.LiquidationPosition, plan adl.Plan, kind model.TradeKind, method model.LiquidationMethod) []model.Trade {
	trades := make([]model.Trade, 0, len(plan.Trades))
	counterparties := make([]string, 0, len(plan.Trades))
	filled := decimal.Zero
	for _, t := range plan.Trades {
		t.Kind = kind
		userSide, counterparty := model.Sell, t.Seller
		if t.Buyer.IsUser() {
			userSide, counterparty = model.Buy, t.Buyer
		}
		u := e.users[counterparty.ID]
		p, ok := e.positions[counterparty.ID]
		if u == nil || !ok || p.Side.CloseSide() != userSide {
			continue
		}

		t.Size = decimal.Min(t.Size, p.Size, lp.Size)
		if !t.Size.IsPositive() {
			continue
		}
		pnl := e.calc.UnrealizedPnL(p.Side, t.Size, p.AvgEntryPrice, t.Price)
		e.applyUserFill(counterparty.ID, userSide, t.Price, t.Size, nil, kind, t.Timestamp)
		if kind == model.TradeADL {
			e.realize(u, pnl)
		}
		e.settleLiquidationFill(lp, t.Price, t.Size, decimal.Zero)
		e.recordTrade(t)
		trades = append(trades, t)
		counterparties = append(counterparties, counterparty.ID)
		filled = filled.Add(t.Size)
	}
	e.reconcileOrders(counterparties...)

	if filled.IsPositive() {
		e.emitReduced(lp, method, plan.Price, filled)
	}
	if !lp.Open() {
		e.emitClosed(lp, method)
	}
	return trades
}

// settleLiquidationFill reduces lp by size at price and books the result
// with the insurance fund. Losses the fund cannot pay stay on the position
// as socialization while it is open, and are written off once it closes.
func (e *Engine) settleLiquidationFill(lp *model.LiquidationPosition, price, size, feeRate decimal.Decimal) {
	pnl, err := e.ledger.Reduce(lp.ID, size, price)
	if err != nil {
		e.log.Error("liquidation reduce failed", "position", lp.ID, "size", size.String(), "err", err)
		return
	}
	e.leRealized = e.leRealized.Add(pnl)

	desc := fmt.Sprintf("liquidation %s of %s: %s @ %s", lp.ID, lp.OriginalUserID, size, price)
	s := e.fund.Settle(pnl, size.Mul(price), feeRate, desc)
	if !s.Shortfall.IsPositive() {
		return
	}
	if lp.Open() {
		lp.SocializationRequired = lp.SocializationRequired.Add(s.Shortfall)
		return
	}
	e.fund.RecordUnrecovered(s.Shortfall, desc)
}

func (e *Engine) emitReduced(lp *model.LiquidationPosition, method model.LiquidationMethod, price, size decimal.Decimal) {
	e.emit(model.EventLiquidationReduced, model.LiquidationEvent{
		PositionID:    lp.ID,
		UserID:        lp.OriginalUserID,
		Stage:         model.StageBookClosed,
		Method:        method,
		Side:          lp.Side,
		Size:          size.String(),
		Price:         price.String(),
		RemainingSize: lp.Size.String(),
	})
}

func (e *Engine) emitClosed(lp *model.LiquidationPosition, method model.LiquidationMethod) {
	e.emit(model.EventLiquidationReduced, model.LiquidationEvent{
		PositionID:    lp.ID,
		UserID:        lp.OriginalUserID,
		Stage:         model.StageClosed,
		Method:        method,
		Side:          lp.Side,
		Size:          "0",
		RemainingSize: "0",
	})
	e.log.Info("liquidation position closed", "position", lp.ID, "method", string(method), "realized_pnl", lp.RealizedPnL.String())
}

// sortedPositions returns user positions in opening order.
func (e *Engine) sortedPositions() []*model.Position {
	out := make([]*model.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
