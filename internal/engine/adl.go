package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// runADL closes lp against ranked profitable counterparties. The
// socialized amount is whatever lp already owes plus the loss at mark the
// fund cannot cover. A partial plan is still executed; the remainder stays
// open and, if it had already escalated, goes back to the book.
func (e *Engine) runADL(lp *model.LiquidationPosition) model.ADLEvent {
	if !lp.Open() {
		return model.ADLEvent{PositionID: lp.ID, Success: true, Trades: []model.Trade{}, RemainingSize: "0"}
	}

	socialization := lp.SocializationRequired
	if loss := lp.UnrealizedPnL(e.mark).Neg(); loss.GreaterThan(e.fund.Balance()) {
		socialization = socialization.Add(loss.Sub(e.fund.Balance()))
	}

	previous := lp.Status
	lp.Status = model.LiquidationProcessing
	plan := e.adl.Plan(lp, e.sortedPositions(), e.users, e.mark, socialization)
	trades := e.executePlan(lp, plan, model.TradeADL, model.MethodADL)

	filled := decimal.Zero
	for _, t := range trades {
		filled = filled.Add(t.Size)
	}
	if socialization.IsPositive() && filled.IsPositive() {
		recovered := plan.Price.Sub(e.mark).Abs().Mul(filled)
		e.fund.Note(model.FundSocialization, recovered,
			fmt.Sprintf("adl socialized %s across %d counterparties for %s", recovered, len(trades), lp.ID))
		owed := lp.SocializationRequired.Sub(recovered)
		if owed.IsNegative() {
			owed = decimal.Zero
		}
		lp.SocializationRequired = owed
	}

	if lp.Open() {
		lp.Status = previous
		if previous == model.LiquidationOrderbookFailed {
			e.cfg.Retry.Requeue(lp, e.tick)
		}
		e.log.Warn("adl incomplete",
			"position", lp.ID,
			"remaining", lp.Size.String(),
			"candidates", len(plan.Ranked),
			"next_attempt_tick", lp.NextAttemptTick,
		)
	}

	ev := model.ADLEvent{
		PositionID:    lp.ID,
		Success:       plan.Success && !lp.Open(),
		Price:         plan.Price.String(),
		Socialization: socialization.String(),
		Trades:        trades,
		RemainingSize: lp.Size.String(),
	}
	e.emit(model.EventADL, ev)
	return ev
}
