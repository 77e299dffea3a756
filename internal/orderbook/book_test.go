package orderbook

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/atmx/perp-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var seq uint64

func limit(user string, side model.Side, price, size float64) *model.Order {
	seq++
	o := model.NewOrder(uuid.NewString(), model.UserOwner(user), side, model.Limit, d(price), d(size), d(10), model.GTC, time.Now().UTC())
	o.Seq = seq
	return o
}

func market(user string, side model.Side, size float64) *model.Order {
	seq++
	o := model.NewOrder(uuid.NewString(), model.UserOwner(user), side, model.Market, decimal.Zero, d(size), d(10), model.IOC, time.Now().UTC())
	o.Seq = seq
	return o
}

func rest(t *testing.T, b *Book, o *model.Order) {
	t.Helper()
	res, err := b.Match(o, model.TradeNormal)
	require.NoError(t, err)
	require.Empty(t, res.Fills)
	require.True(t, res.Rested)
}

func TestBestPriceOrdering(t *testing.T) {
	require := require.New(t)
	b := New()

	rest(t, b, limit("a", model.Buy, 44000, 1))
	rest(t, b, limit("a", model.Buy, 44500, 1))
	rest(t, b, limit("b", model.Sell, 46000, 1))
	rest(t, b, limit("b", model.Sell, 45500, 1))

	bid, ok := b.Best(model.Buy)
	require.True(ok)
	require.True(bid.Equal(d(44500)))

	ask, ok := b.Best(model.Sell)
	require.True(ok)
	require.True(ask.Equal(d(45500)))

	bids, asks := b.Levels(0)
	require.Len(bids, 2)
	require.Len(asks, 2)
	require.True(bids[0].Price.Equal(d(44500)))
	require.True(asks[1].Price.Equal(d(46000)))
}

func TestMatch_PriceTimePriority(t *testing.T) {
	require := require.New(t)
	b := New()

	first := limit("m1", model.Sell, 45000, 1)
	second := limit("m2", model.Sell, 45000, 1)
	better := limit("m3", model.Sell, 44900, 1)
	rest(t, b, first)
	rest(t, b, second)
	rest(t, b, better)

	taker := limit("t", model.Buy, 45000, 2.5)
	res, err := b.Match(taker, model.TradeNormal)
	require.NoError(err)
	require.Len(res.Fills, 3)

	require.Equal(better.ID, res.Fills[0].Maker.ID)
	require.True(res.Fills[0].Trade.Price.Equal(d(44900)))
	require.Equal(first.ID, res.Fills[1].Maker.ID)
	require.Equal(second.ID, res.Fills[2].Maker.ID)
	require.True(res.Fills[2].Trade.Size.Equal(d(0.5)))

	require.Equal(model.StatusFilled, taker.Status)
	require.True(taker.AvgFillPrice.Equal(d(44960)))
	require.Equal(model.StatusPartiallyFilled, second.Status)
	require.True(second.Remaining.Equal(d(0.5)))
	require.Equal(1, b.Len())

	_, asks := b.Levels(0)
	require.Len(asks, 1)
	require.True(asks[0].Size.Equal(d(0.5)))
}

func TestMatch_TradeParties(t *testing.T) {
	require := require.New(t)
	b := New()
	maker := limit("eve", model.Sell, 45000, 1)
	rest(t, b, maker)

	res, err := b.Match(limit("bob", model.Buy, 45000, 1), model.TradeNormal)
	require.NoError(err)
	require.Len(res.Fills, 1)
	tr := res.Fills[0].Trade
	require.Equal(model.UserOwner("bob"), tr.Buyer)
	require.Equal(model.UserOwner("eve"), tr.Seller)
	require.Equal(maker.ID, tr.MakerOrderID)
	require.Equal(model.TradeNormal, tr.Kind)
}

func TestMatch_LimitRemainderRests(t *testing.T) {
	require := require.New(t)
	b := New()
	rest(t, b, limit("m", model.Sell, 45000, 1))

	taker := limit("t", model.Buy, 45000, 3)
	res, err := b.Match(taker, model.TradeNormal)
	require.NoError(err)
	require.True(res.Rested)
	require.Equal(model.StatusPartiallyFilled, taker.Status)

	bid, ok := b.Best(model.Buy)
	require.True(ok)
	require.True(bid.Equal(d(45000)))
	got, ok := b.Get(taker.ID)
	require.True(ok)
	require.True(got.Remaining.Equal(d(2)))
}

func TestMatch_MarketRemainderDiscarded(t *testing.T) {
	require := require.New(t)
	b := New()
	rest(t, b, limit("m", model.Sell, 45000, 1))

	taker := market("t", model.Buy, 3)
	res, err := b.Match(taker, model.TradeNormal)
	require.NoError(err)
	require.False(res.Rested)
	require.Len(res.Fills, 1)
	require.Equal(model.StatusCancelled, taker.Status)
	require.True(taker.Filled.Equal(d(1)))
	require.True(taker.Remaining.Equal(d(2)))
	require.Equal(0, b.Len())
}

func TestMatch_IOCLimitDoesNotRest(t *testing.T) {
	require := require.New(t)
	b := New()
	o := limit("t", model.Buy, 45000, 1)
	o.TimeInForce = model.IOC
	res, err := b.Match(o, model.TradeNormal)
	require.NoError(err)
	require.False(res.Rested)
	require.Equal(model.StatusCancelled, o.Status)
	require.Equal(0, b.Len())
}

func TestMatch_NonCrossingLimitRests(t *testing.T) {
	require := require.New(t)
	b := New()
	rest(t, b, limit("m", model.Sell, 46000, 1))
	res, err := b.Match(limit("t", model.Buy, 45000, 1), model.TradeNormal)
	require.NoError(err)
	require.Empty(res.Fills)
	require.True(res.Rested)
	require.Equal(2, b.Len())
}

func TestMatch_SelfTradeCancelsResting(t *testing.T) {
	require := require.New(t)
	b := New()

	own := limit("x", model.Buy, 45000, 1)
	rest(t, b, own)

	ask := limit("x", model.Sell, 45000, 1)
	res, err := b.Match(ask, model.TradeNormal)
	require.NoError(err)
	require.Empty(res.Fills)
	require.Len(res.Cancelled, 1)
	require.Equal(own.ID, res.Cancelled[0].ID)
	require.Equal(model.StatusCancelled, own.Status)

	// The ask found no other liquidity and rests.
	require.True(res.Rested)
	_, ok := b.Get(own.ID)
	require.False(ok)
	askPrice, ok := b.Best(model.Sell)
	require.True(ok)
	require.True(askPrice.Equal(d(45000)))
	_, ok = b.Best(model.Buy)
	require.False(ok)
}

func TestMatch_SelfTradeContinuesBehind(t *testing.T) {
	require := require.New(t)
	b := New()

	own := limit("x", model.Buy, 45000, 1)
	other := limit("y", model.Buy, 45000, 1)
	rest(t, b, own)
	rest(t, b, other)

	res, err := b.Match(limit("x", model.Sell, 45000, 1), model.TradeNormal)
	require.NoError(err)
	require.Len(res.Cancelled, 1)
	require.Len(res.Fills, 1)
	require.Equal(other.ID, res.Fills[0].Maker.ID)
	require.Equal(0, b.Len())
}

func TestCancel(t *testing.T) {
	require := require.New(t)
	b := New()
	o := limit("a", model.Buy, 45000, 1)
	rest(t, b, o)

	got, err := b.Cancel(o.ID)
	require.NoError(err)
	require.Equal(model.StatusCancelled, got.Status)
	require.Equal(0, b.Len())
	bids, _ := b.Levels(0)
	require.Empty(bids)

	_, err = b.Cancel(o.ID)
	require.ErrorIs(err, ErrOrderNotFound)
}

func TestMatch_InvalidOrder(t *testing.T) {
	b := New()
	bad := limit("a", model.Buy, 0, 1)
	_, err := b.Match(bad, model.TradeNormal)
	require.ErrorIs(t, err, ErrInvalidOrder)

	zero := limit("a", model.Buy, 45000, 1)
	zero.Size, zero.Remaining = decimal.Zero, decimal.Zero
	_, err = b.Match(zero, model.TradeNormal)
	require.ErrorIs(t, err, ErrInvalidOrder)
}

func TestOrdersOf(t *testing.T) {
	require := require.New(t)
	b := New()
	a1 := limit("a", model.Buy, 44000, 1)
	rest(t, b, a1)
	rest(t, b, limit("b", model.Buy, 44000, 1))
	a2 := limit("a", model.Sell, 46000, 1)
	rest(t, b, a2)

	got := b.OrdersOf(model.UserOwner("a"))
	require.Len(got, 2)
	require.Equal(a1.ID, got[0].ID)
	require.Equal(a2.ID, got[1].ID)
}

func TestSweepPrice(t *testing.T) {
	require := require.New(t)
	b := New()
	rest(t, b, limit("m", model.Sell, 45000, 1))
	rest(t, b, limit("self", model.Sell, 45100, 5))
	rest(t, b, limit("m", model.Sell, 45200, 1))

	worst, fillable, ok := b.SweepPrice(model.Buy, d(2), model.UserOwner("self"))
	require.True(ok)
	require.True(worst.Equal(d(45200)))
	require.True(fillable.Equal(d(2)))

	worst, fillable, ok = b.SweepPrice(model.Buy, d(10), model.UserOwner("t"))
	require.True(ok)
	require.True(worst.Equal(d(45200)))
	require.True(fillable.Equal(d(7)))

	_, _, ok = b.SweepPrice(model.Sell, d(1), model.UserOwner("t"))
	require.False(ok)
}

func TestProperty_MatchingInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := New()
		users := []string{"a", "b", "c"}
		var all []*model.Order
		traded := decimal.Zero

		n := rapid.IntRange(1, 40).Draw(t, "orders")
		for i := 0; i < n; i++ {
			user := rapid.SampledFrom(users).Draw(t, "user")
			side := rapid.SampledFrom([]model.Side{model.Buy, model.Sell}).Draw(t, "side")
			size := float64(rapid.IntRange(1, 5).Draw(t, "size"))
			var o *model.Order
			if rapid.IntRange(0, 4).Draw(t, "kind") == 0 {
				o = market(user, side, size)
			} else {
				price := float64(rapid.IntRange(44990, 45010).Draw(t, "price"))
				o = limit(user, side, price, size)
			}
			res, err := b.Match(o, model.TradeNormal)
			if err != nil {
				t.Fatalf("match: %v", err)
			}
			for _, f := range res.Fills {
				if f.Trade.Buyer == f.Trade.Seller {
					t.Fatalf("self trade executed: %v", f.Trade)
				}
				traded = traded.Add(f.Trade.Size)
			}
			all = append(all, o)
		}

		filled := decimal.Zero
		for _, o := range all {
			if !o.Filled.Add(o.Remaining).Equal(o.Size) {
				t.Fatalf("order %s: filled+remaining != size", o.ID)
			}
			if o.Remaining.IsZero() && o.Status != model.StatusFilled {
				t.Fatalf("order %s fully filled but status %s", o.ID, o.Status)
			}
			filled = filled.Add(o.Filled)
		}
		// Every trade fills exactly two orders.
		if !filled.Equal(traded.Mul(decimal.NewFromInt(2))) {
			t.Fatalf("filled %s != 2 × traded %s", filled, traded)
		}

		bid, hasBid := b.Best(model.Buy)
		ask, hasAsk := b.Best(model.Sell)
		if hasBid && hasAsk && bid.GreaterThanOrEqual(ask) {
			t.Fatalf("book crossed: bid %s >= ask %s", bid, ask)
		}
	})
}
