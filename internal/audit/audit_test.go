package audit_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/atmx/perp-engine/internal/audit"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func sampleEvents() []model.Event {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []model.Event{
		{Seq: 1, Type: model.EventTrade, Time: now, Data: model.Trade{
			ID:     "t1",
			Buyer:  model.UserOwner("bob"),
			Seller: model.UserOwner("eve"),
			Price:  d(45000),
			Size:   d(1),
			Kind:   model.TradeNormal,
		}},
		{Seq: 2, Type: model.EventInsuranceFund, Time: now, Data: model.FundEvent{
			Entry: model.FundEntry{Kind: model.FundLiquidationFee, Amount: d(245), BalanceAfter: d(1000245)},
		}},
		{Seq: 3, Type: model.EventMarkPrice, Time: now, Data: d(50000)},
	}
}

func TestFanout_DeliversToAllSinks(t *testing.T) {
	var got []string
	record := func(name string) audit.Sink {
		return audit.SinkFunc(func(_ context.Context, events []model.Event) error {
			got = append(got, name)
			return nil
		})
	}
	failing := audit.SinkFunc(func(context.Context, []model.Event) error {
		got = append(got, "failing")
		return errors.New("boom")
	})

	f := audit.NewFanout(discard, record("first"), nil, failing, record("last"))
	err := f.Publish(context.Background(), sampleEvents())

	require.Error(t, err)
	require.Equal(t, []string{"first", "failing", "last"}, got)
}

func TestFanout_EmptyBatchIsNoop(t *testing.T) {
	called := false
	f := audit.NewFanout(discard, audit.SinkFunc(func(context.Context, []model.Event) error {
		called = true
		return nil
	}))
	require.NoError(t, f.Publish(context.Background(), nil))
	require.False(t, called)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	events := append(sampleEvents(), model.Event{
		Seq:  4,
		Type: model.EventInvariantViolation,
		Data: model.InvariantEvent{Operation: "tick", SizeImbalance: "1", PnLImbalance: "0"},
	})
	require.NoError(t, audit.NewLogSink(log).Publish(context.Background(), events))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[0], `"type":"trade"`)
	require.Contains(t, lines[3], `"level":"ERROR"`)
}

func TestMetricsSink(t *testing.T) {
	require.NoError(t, audit.MetricsSink{}.Publish(context.Background(), sampleEvents()))
}

func TestJournal_PersistsTradesAndFund(t *testing.T) {
	ms := store.NewMemoryStore()
	j := audit.NewJournal(ms, 8, discard)

	require.NoError(t, j.Publish(context.Background(), sampleEvents()))
	// Mark price alone has nothing to persist.
	require.NoError(t, j.Publish(context.Background(), sampleEvents()[2:]))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	require.Eventually(t, func() bool {
		trades, _ := ms.ListTrades(context.Background(), 10)
		return len(trades) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	entries, err := ms.ListFundEntries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Amount.Equal(d(245)))
}

func TestJournal_FullQueue(t *testing.T) {
	j := audit.NewJournal(store.NewMemoryStore(), 1, discard)
	require.NoError(t, j.Publish(context.Background(), sampleEvents()))
	require.ErrorIs(t, j.Publish(context.Background(), sampleEvents()), audit.ErrJournalFull)
}

func TestJournal_DrainsOnShutdown(t *testing.T) {
	ms := store.NewMemoryStore()
	j := audit.NewJournal(ms, 4, discard)
	require.NoError(t, j.Publish(context.Background(), sampleEvents()))
	require.NoError(t, j.Publish(context.Background(), sampleEvents()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, j.Run(ctx))

	trades, err := ms.ListTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
}
