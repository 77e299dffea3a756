package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/adl"
	"github.com/atmx/perp-engine/internal/model"
)

// UserView is a user ledger with its total balance.
type UserView struct {
	model.User
	TotalBalance decimal.Decimal `json:"total_balance"`
}

// PositionView is a position with its derived values at the mark price.
type PositionView struct {
	model.Position
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	BankruptcyPrice  decimal.Decimal `json:"bankruptcy_price"`
	MarginRatio      decimal.Decimal `json:"margin_ratio"`
	ADLLight         int             `json:"adl_light"`
}

// LiquidationPositionView is a liquidation position with its floating P&L.
type LiquidationPositionView struct {
	model.LiquidationPosition
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// BookView is the aggregated order book.
type BookView struct {
	Bids []model.BookLevel `json:"bids"`
	Asks []model.BookLevel `json:"asks"`
}

// FundView is the insurance fund state.
type FundView struct {
	Balance     decimal.Decimal   `json:"balance"`
	Unrecovered decimal.Decimal   `json:"unrecovered"`
	Sufficient  bool              `json:"sufficient"`
	History     []model.FundEntry `json:"history"`
}

// State is a consistent, detached snapshot of the whole engine.
type State struct {
	MarkPrice            decimal.Decimal           `json:"mark_price"`
	Tick                 uint64                    `json:"tick"`
	Users                []UserView                `json:"users"`
	Positions            []PositionView            `json:"positions"`
	LiquidationPositions []LiquidationPositionView `json:"liquidation_positions"`
	OrderBook            BookView                  `json:"order_book"`
	Orders               []*model.Order            `json:"orders"`
	RecentTrades         []model.Trade             `json:"recent_trades"`
	InsuranceFund        FundView                  `json:"insurance_fund"`
	ZeroSum              ZeroSumReport             `json:"zero_sum"`
}

// Snapshot copies the current state. Everything is sorted so two snapshots
// with no mutation in between are identical.
func (e *Engine) Snapshot() State {
	s := State{
		MarkPrice:            e.mark,
		Tick:                 e.tick,
		Users:                make([]UserView, 0, len(e.users)),
		Positions:            make([]PositionView, 0, len(e.positions)),
		LiquidationPositions: []LiquidationPositionView{},
		Orders:               []*model.Order{},
		RecentTrades:         append([]model.Trade{}, e.trades...),
		ZeroSum:              e.VerifyZeroSum(),
	}

	ids := make([]string, 0, len(e.users))
	for id := range e.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		u := e.users[id]
		s.Users = append(s.Users, UserView{User: *u, TotalBalance: u.TotalBalance()})
	}

	positions := e.sortedPositions()
	lights := adl.Indicators(positions, e.users, e.mark)
	for _, p := range positions {
		upnl := e.calc.PositionPnL(p, e.mark)
		available := decimal.Zero
		if u, ok := e.users[p.UserID]; ok {
			available = u.AvailableBalance
		}
		s.Positions = append(s.Positions, PositionView{
			Position:         *p,
			UnrealizedPnL:    upnl,
			LiquidationPrice: e.calc.PositionLiquidationPrice(p),
			BankruptcyPrice:  e.calc.PositionBankruptcyPrice(p),
			MarginRatio:      e.calc.MarginRatio(available, upnl, p.MaintenanceMargin),
			ADLLight:         lights[p.UserID],
		})
	}
	sort.SliceStable(s.Positions, func(i, j int) bool { return s.Positions[i].UserID < s.Positions[j].UserID })

	for _, lp := range e.ledger.Positions() {
		s.LiquidationPositions = append(s.LiquidationPositions, LiquidationPositionView{
			LiquidationPosition: *lp,
			UnrealizedPnL:       lp.UnrealizedPnL(e.mark),
		})
	}

	s.OrderBook.Bids, s.OrderBook.Asks = e.book.Levels(0)
	for _, o := range e.book.Orders() {
		s.Orders = append(s.Orders, o.Clone())
	}

	s.InsuranceFund = FundView{
		Balance:     e.fund.Balance(),
		Unrecovered: e.fund.Unrecovered(),
		Sufficient:  e.ledger.Sufficient(e.mark, e.fund.Balance()),
		History:     e.fund.History(),
	}
	return s
}
