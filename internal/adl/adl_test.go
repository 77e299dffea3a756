package adl

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func clock() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

func pos(user string, side model.PositionSide, size, entry float64) *model.Position {
	return &model.Position{UserID: user, Side: side, Size: d(size), AvgEntryPrice: d(entry), Leverage: d(10)}
}

func user(id string, balance float64) *model.User {
	return &model.User{ID: id, AvailableBalance: d(balance), UsedMargin: decimal.Zero, RealizedPnL: decimal.Zero}
}

func lpShort(size float64) *model.LiquidationPosition {
	return &model.LiquidationPosition{ID: "lp-1", OriginalUserID: "eve", Side: model.Short, Size: d(size), BankruptcyPrice: d(49500)}
}

func TestPlan_FullCloseAgainstSingleCounterparty(t *testing.T) {
	require := require.New(t)
	e := New(nil, clock)

	positions := []*model.Position{pos("bob", model.Long, 1, 45000)}
	users := map[string]*model.User{"bob": user("bob", 100000)}

	plan := e.Plan(lpShort(1), positions, users, d(50000), decimal.Zero)
	require.True(plan.Success)
	require.True(plan.Price.Equal(d(50000)))
	require.True(plan.Remaining.IsZero())
	require.Len(plan.Trades, 1)

	tr := plan.Trades[0]
	require.Equal(model.TradeADL, tr.Kind)
	require.Equal(model.LiquidationOwner("lp-1"), tr.Buyer)
	require.Equal(model.UserOwner("bob"), tr.Seller)
	require.True(tr.Size.Equal(d(1)))
	require.True(tr.Timestamp.Equal(clock()))
}

func TestPlan_NoCandidatesFailsFast(t *testing.T) {
	require := require.New(t)
	e := New(nil, clock)

	// Same side and losing opposite side are both ineligible.
	positions := []*model.Position{
		pos("a", model.Short, 1, 45000),
		pos("b", model.Long, 1, 51000),
	}
	plan := e.Plan(lpShort(1), positions, map[string]*model.User{}, d(50000), decimal.Zero)
	require.False(plan.Success)
	require.Empty(plan.Trades)
	require.True(plan.Remaining.Equal(d(1)))
}

func TestPlan_PartialWhenExposureShort(t *testing.T) {
	require := require.New(t)
	e := New(nil, clock)

	positions := []*model.Position{pos("bob", model.Long, 0.4, 45000)}
	users := map[string]*model.User{"bob": user("bob", 10000)}

	plan := e.Plan(lpShort(1), positions, users, d(50000), decimal.Zero)
	require.False(plan.Success)
	require.Len(plan.Trades, 1)
	require.True(plan.Trades[0].Size.Equal(d(0.4)))
	require.True(plan.Remaining.Equal(d(0.6)))
}

func TestPlan_RanksByScoreAndMatchesGreedily(t *testing.T) {
	require := require.New(t)
	e := New(nil, clock)

	// Same profit, thinner balance ranks higher (more effective leverage).
	positions := []*model.Position{
		pos("rich", model.Long, 1, 45000),
		pos("thin", model.Long, 1, 45000),
		pos("small", model.Long, 1, 49000),
	}
	users := map[string]*model.User{
		"rich":  user("rich", 100000),
		"thin":  user("thin", 5000),
		"small": user("small", 5000),
	}

	plan := e.Plan(lpShort(1.5), positions, users, d(50000), decimal.Zero)
	require.True(plan.Success)
	require.Equal("thin", plan.Ranked[0].UserID)
	require.Equal("small", plan.Ranked[1].UserID)
	require.Equal("rich", plan.Ranked[2].UserID)

	require.Len(plan.Trades, 2)
	require.Equal(model.UserOwner("thin"), plan.Trades[0].Seller)
	require.True(plan.Trades[0].Size.Equal(d(1)))
	require.Equal(model.UserOwner("small"), plan.Trades[1].Seller)
	require.True(plan.Trades[1].Size.Equal(d(0.5)))
}

func TestPlan_StableTies(t *testing.T) {
	e := New(nil, clock)
	positions := []*model.Position{
		pos("first", model.Long, 1, 45000),
		pos("second", model.Long, 1, 45000),
	}
	users := map[string]*model.User{"first": user("first", 1000), "second": user("second", 1000)}

	plan := e.Plan(lpShort(1), positions, users, d(50000), decimal.Zero)
	require.Equal(t, model.UserOwner("first"), plan.Trades[0].Seller)
}

func TestPlan_SocializationMovesPriceAgainstCounterparties(t *testing.T) {
	require := require.New(t)
	e := New(nil, clock)

	positions := []*model.Position{
		pos("a", model.Long, 1, 45000),
		pos("b", model.Long, 1, 45000),
	}
	users := map[string]*model.User{"a": user("a", 1000), "b": user("b", 1000)}

	// 1000 over 2 units: longs are paid 500 less per unit.
	plan := e.Plan(lpShort(2), positions, users, d(50000), d(1000))
	require.True(plan.Price.Equal(d(49500)))

	long := &model.LiquidationPosition{ID: "lp-2", Side: model.Long, Size: d(1), BankruptcyPrice: d(40500)}
	shorts := []*model.Position{pos("s", model.Short, 2, 45000)}
	plan = e.Plan(long, shorts, map[string]*model.User{"s": user("s", 1000)}, d(40000), d(1000))
	require.True(plan.Price.Equal(d(40500)))
	require.Equal(model.LiquidationOwner("lp-2"), plan.Trades[0].Seller)
}

func TestPlan_CustomPolicy(t *testing.T) {
	e := New(MarkPolicy{}, clock)
	positions := []*model.Position{pos("a", model.Long, 1, 45000)}
	plan := e.Plan(lpShort(1), positions, map[string]*model.User{"a": user("a", 1000)}, d(50000), d(1000))
	require.True(t, plan.Price.Equal(d(50000)))
}

func TestPlanForced_UsesBankruptcyPriceAndLosingPositions(t *testing.T) {
	require := require.New(t)
	e := New(nil, clock)

	positions := []*model.Position{pos("loser", model.Long, 2, 52000)}
	plan := e.PlanForced(lpShort(1), positions, map[string]*model.User{}, d(50000))
	require.True(plan.Success)
	require.True(plan.Price.Equal(d(49500)))
	require.Len(plan.Trades, 1)
}

func TestLight(t *testing.T) {
	require.Equal(t, 5, Light(0, 1))
	got := make([]int, 5)
	for i := range got {
		got[i] = Light(i, 5)
	}
	require.Equal(t, []int{5, 4, 3, 2, 1}, got)
	require.Equal(t, 1, Light(9, 10))
	require.Equal(t, 0, Light(3, 3))
}

func TestIndicators(t *testing.T) {
	positions := []*model.Position{
		pos("l1", model.Long, 1, 45000),
		pos("l2", model.Long, 1, 49000),
		pos("s1", model.Short, 2, 51000),
		pos("s2", model.Short, 1, 49000), // losing at 50000
	}
	users := map[string]*model.User{
		"l1": user("l1", 1000), "l2": user("l2", 1000), "s1": user("s1", 1000), "s2": user("s2", 1000),
	}
	got := Indicators(positions, users, d(50000))
	require.Equal(t, map[string]int{"l1": 5, "l2": 3, "s1": 5}, got)
}
