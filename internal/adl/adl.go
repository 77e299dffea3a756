// Package adl implements auto-deleveraging: when a liquidation position
// cannot be unwound on the order book, it is closed against the most
// profitable, most leveraged positions on the other side.
//
// The package only plans. It reads positions and balances and returns the
// trades to execute; the engine applies them.
package adl

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// Lights is the number of ADL indicator buckets.
const Lights = 5

// Ranked is one counterparty in the ADL queue.
type Ranked struct {
	UserID        string             `json:"user_id"`
	Side          model.PositionSide `json:"side"`
	Size          decimal.Decimal    `json:"size"`
	UnrealizedPnL decimal.Decimal    `json:"unrealized_pnl"`
	Score         decimal.Decimal    `json:"score"`
	Light         int                `json:"light"`
}

// Plan is the outcome of planning one ADL run. Success is false when
// opposite exposure ran out before the position was fully sized; Trades
// then holds the partial plan and Remaining the unmatched size.
type Plan struct {
	Success   bool            `json:"success"`
	Price     decimal.Decimal `json:"price"`
	Trades    []model.Trade   `json:"trades"`
	Ranked    []Ranked        `json:"ranked"`
	Remaining decimal.Decimal `json:"remaining"`
}

// Engine plans ADL runs under a socialization policy.
type Engine struct {
	policy SocializationPolicy
	clock  func() time.Time
}

// New creates an engine. A nil policy uses LinearPolicy; a nil clock uses
// time.Now in UTC.
func New(policy SocializationPolicy, clock func() time.Time) *Engine {
	if policy == nil {
		policy = LinearPolicy{}
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{policy: policy, clock: clock}
}

// Plan ranks the profitable positions opposite lp and matches them, best
// score first, at the socialization price until lp is fully sized.
func (e *Engine) Plan(lp *model.LiquidationPosition, positions []*model.Position, users map[string]*model.User, mark, socialization decimal.Decimal) Plan {
	ranked := Rank(lp.Side.Opposite(), positions, users, mark, true)
	if len(ranked) == 0 {
		return Plan{Success: false, Price: mark, Trades: []model.Trade{}, Ranked: ranked, Remaining: lp.Size}
	}

	total := decimal.Zero
	for _, r := range ranked {
		total = total.Add(r.Size)
	}
	price := e.policy.Price(lp.Side, mark, socialization, total)
	return e.match(lp, ranked, price)
}

// PlanForced closes lp at its bankruptcy price against every opposite
// position, profitable or not. It is the last resort when no profitable
// counterparty exists.
func (e *Engine) PlanForced(lp *model.LiquidationPosition, positions []*model.Position, users map[string]*model.User, mark decimal.Decimal) Plan {
	ranked := Rank(lp.Side.Opposite(), positions, users, mark, false)
	return e.match(lp, ranked, lp.BankruptcyPrice)
}

func (e *Engine) match(lp *model.LiquidationPosition, ranked []Ranked, price decimal.Decimal) Plan {
	plan := Plan{Price: price, Trades: []model.Trade{}, Ranked: ranked, Remaining: lp.Size}
	if !price.IsPositive() {
		return plan
	}
	now := e.clock()
	for _, r := range ranked {
		if !plan.Remaining.IsPositive() {
			break
		}
		qty := decimal.Min(plan.Remaining, r.Size)
		plan.Trades = append(plan.Trades, newTrade(lp, r.UserID, price, qty, now))
		plan.Remaining = plan.Remaining.Sub(qty)
	}
	plan.Success = plan.Remaining.IsZero()
	return plan
}

// Rank orders the positions on side by ADL score, highest first, ties kept
// in input order. With profitableOnly, positions without a positive
// unrealized P&L are dropped. Each entry carries its indicator light.
//
// score = (uPnL / notional) × (notional / (balance + uPnL)), zero when the
// denominator is not positive.
func Rank(side model.PositionSide, positions []*model.Position, users map[string]*model.User, mark decimal.Decimal, profitableOnly bool) []Ranked {
	out := []Ranked{}
	for _, p := range positions {
		if p.Side != side || !p.Size.IsPositive() {
			continue
		}
		upnl := mark.Sub(p.AvgEntryPrice).Mul(p.Size).Mul(p.Side.Sign())
		if profitableOnly && !upnl.IsPositive() {
			continue
		}
		balance := decimal.Zero
		if u, ok := users[p.UserID]; ok {
			balance = u.TotalBalance()
		}
		out = append(out, Ranked{
			UserID:        p.UserID,
			Side:          p.Side,
			Size:          p.Size,
			UnrealizedPnL: upnl,
			Score:         score(upnl, p.Size.Mul(mark), balance),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score.GreaterThan(out[j].Score) })
	for i := range out {
		out[i].Light = Light(i, len(out))
	}
	return out
}

// Indicators returns the ADL light of every profitable position, keyed by
// user. Each side is ranked on its own.
func Indicators(positions []*model.Position, users map[string]*model.User, mark decimal.Decimal) map[string]int {
	out := make(map[string]int)
	for _, side := range []model.PositionSide{model.Long, model.Short} {
		for _, r := range Rank(side, positions, users, mark, true) {
			out[r.UserID] = r.Light
		}
	}
	return out
}

// Light buckets rank i of n into 1..5; the top fifth of the queue is 5.
func Light(i, n int) int {
	if n <= 0 || i < 0 || i >= n {
		return 0
	}
	return Lights - i*Lights/n
}

func score(upnl, notional, balance decimal.Decimal) decimal.Decimal {
	denom := balance.Add(upnl)
	if !notional.IsPositive() || !denom.IsPositive() {
		return decimal.Zero
	}
	return upnl.Div(notional).Mul(notional.Div(denom))
}

func newTrade(lp *model.LiquidationPosition, userID string, price, size decimal.Decimal, ts time.Time) model.Trade {
	t := model.Trade{
		ID:        uuid.NewString(),
		Price:     price,
		Size:      size,
		Kind:      model.TradeADL,
		Timestamp: ts,
	}
	// The liquidation position trades its close side.
	if lp.Side.CloseSide() == model.Buy {
		t.Buyer, t.Seller = lp.Owner(), model.UserOwner(userID)
	} else {
		t.Buyer, t.Seller = model.UserOwner(userID), lp.Owner()
	}
	return t
}
