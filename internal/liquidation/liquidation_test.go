package liquidation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return epoch }

func shortPosition() *model.Position {
	return &model.Position{
		UserID:        "eve",
		Side:          model.Short,
		Size:          d(1),
		AvgEntryPrice: d(45000),
		Leverage:      d(10),
		InitialMargin: d(4500),
	}
}

// --- InsuranceFund ---

func TestFund_InitialEntry(t *testing.T) {
	f := NewInsuranceFund(d(1000), fixedClock)

	if !f.Balance().Equal(d(1000)) {
		t.Errorf("expected balance 1000, got %s", f.Balance())
	}
	h := f.History()
	if len(h) != 1 || h[0].Kind != model.FundInitial {
		t.Fatalf("expected one initial entry, got %+v", h)
	}
	if !h[0].Timestamp.Equal(epoch) {
		t.Errorf("expected clock timestamp, got %v", h[0].Timestamp)
	}
}

func TestFund_DebitCapsAtBalance(t *testing.T) {
	f := NewInsuranceFund(d(100), fixedClock)

	paid, err := f.Debit(model.FundBankruptPayout, d(250), "loss")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !paid.Equal(d(100)) {
		t.Errorf("expected paid 100, got %s", paid)
	}
	if !f.Balance().IsZero() {
		t.Errorf("expected drained fund, got %s", f.Balance())
	}

	// Empty fund pays nothing and appends nothing.
	n := f.Len()
	paid, _ = f.Debit(model.FundBankruptPayout, d(10), "loss")
	if !paid.IsZero() || f.Len() != n {
		t.Errorf("empty fund should not pay: paid=%s entries=%d", paid, f.Len())
	}
}

func TestFund_RejectsNonPositive(t *testing.T) {
	f := NewInsuranceFund(d(100), fixedClock)
	if _, err := f.Credit(model.FundSurplus, decimal.Zero, ""); err != ErrNonPositiveAmount {
		t.Errorf("expected ErrNonPositiveAmount, got %v", err)
	}
	if _, err := f.Debit(model.FundBankruptPayout, d(-1), ""); err != ErrNonPositiveAmount {
		t.Errorf("expected ErrNonPositiveAmount, got %v", err)
	}
}

func TestFund_SettleGainChargesCappedFee(t *testing.T) {
	f := NewInsuranceFund(d(1000), fixedClock)

	// Notional 50000 × 0.5% = 250 fee, gain 400 → 150 surplus.
	s := f.Settle(d(400), d(50000), d(0.005), "close")
	if !s.Fee.Equal(d(250)) || !s.Surplus.Equal(d(150)) {
		t.Errorf("expected fee 250 surplus 150, got %+v", s)
	}
	if !f.Balance().Equal(d(1400)) {
		t.Errorf("expected balance 1400, got %s", f.Balance())
	}

	// Gain below the fee: the fee takes all of it.
	s = f.Settle(d(100), d(50000), d(0.005), "close")
	if !s.Fee.Equal(d(100)) || !s.Surplus.IsZero() {
		t.Errorf("expected fee capped at 100, got %+v", s)
	}
}

func TestFund_SettleLossReportsShortfall(t *testing.T) {
	f := NewInsuranceFund(d(300), fixedClock)

	s := f.Settle(d(-500), d(50000), d(0.005), "close")
	if !s.Payout.Equal(d(300)) || !s.Shortfall.Equal(d(200)) {
		t.Errorf("expected payout 300 shortfall 200, got %+v", s)
	}
	if !f.Balance().IsZero() {
		t.Errorf("expected balance 0, got %s", f.Balance())
	}
	if s.Fee.IsPositive() {
		t.Error("no fee on a loss")
	}
}

func TestFund_HistoryBalanceAfter(t *testing.T) {
	f := NewInsuranceFund(d(100), fixedClock)
	f.Credit(model.FundLiquidationFee, d(50), "fee")
	f.Debit(model.FundBankruptPayout, d(30), "payout")
	f.RecordUnrecovered(d(5), "gone")

	h := f.History()
	want := []float64{100, 150, 120, 120}
	if len(h) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(h))
	}
	for i, w := range want {
		if !h[i].BalanceAfter.Equal(d(w)) {
			t.Errorf("entry %d: expected balance_after %v, got %s", i, w, h[i].BalanceAfter)
		}
	}
	if !f.Unrecovered().Equal(d(5)) {
		t.Errorf("expected unrecovered 5, got %s", f.Unrecovered())
	}
	if got := f.Since(2); len(got) != 2 || got[0].Kind != model.FundBankruptPayout {
		t.Errorf("Since(2) = %+v", got)
	}
}

// --- Ledger ---

func TestLedger_TransferAtBankruptcy(t *testing.T) {
	l := NewLedger()
	lp := l.Transfer("lp-1", shortPosition(), d(49500), epoch)

	if lp.OriginalUserID != "eve" || lp.Side != model.Short {
		t.Errorf("unexpected position: %+v", lp)
	}
	if !lp.ForfeitedMargin.Equal(d(4500)) {
		t.Errorf("expected forfeited 4500, got %s", lp.ForfeitedMargin)
	}
	if lp.Status != model.LiquidationPending {
		t.Errorf("expected pending, got %s", lp.Status)
	}

	size, pnl := l.Exposure(d(50000))
	if !size.Equal(d(-1)) {
		t.Errorf("expected signed size -1, got %s", size)
	}
	// Short from 49500 marked at 50000 loses 500.
	if !pnl.Equal(d(-500)) {
		t.Errorf("expected pnl -500, got %s", pnl)
	}
}

func TestLedger_ReduceAndRemove(t *testing.T) {
	l := NewLedger()
	l.Transfer("lp-1", shortPosition(), d(49500), epoch)

	pnl, err := l.Reduce("lp-1", d(0.4), d(49000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Short buys back below basis: +500 × 0.4.
	if !pnl.Equal(d(200)) {
		t.Errorf("expected 200, got %s", pnl)
	}

	lp, _ := l.Get("lp-1")
	if !lp.Size.Equal(d(0.6)) {
		t.Errorf("expected remaining 0.6, got %s", lp.Size)
	}

	if _, err := l.Reduce("lp-1", d(1), d(49000)); err != ErrInvalidReduce {
		t.Errorf("expected ErrInvalidReduce, got %v", err)
	}

	pnl, err = l.Reduce("lp-1", d(0.6), d(50000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pnl.Equal(d(-300)) {
		t.Errorf("expected -300, got %s", pnl)
	}
	if lp.Status != model.LiquidationCompleted {
		t.Errorf("expected completed, got %s", lp.Status)
	}
	if l.Len() != 0 {
		t.Errorf("closed position should be removed")
	}
	if _, err := l.Reduce("lp-1", d(1), d(1)); err != ErrPositionNotFound {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestLedger_PendingAndDueInTransferOrder(t *testing.T) {
	l := NewLedger()
	a := l.Transfer("b-id", shortPosition(), d(49500), epoch)
	b := l.Transfer("a-id", shortPosition(), d(49500), epoch)
	b.NextAttemptTick = 5

	pending := l.Pending()
	if len(pending) != 2 || pending[0] != a || pending[1] != b {
		t.Fatalf("expected FIFO order, got %+v", pending)
	}

	due := l.Due(3)
	if len(due) != 1 || due[0] != a {
		t.Errorf("expected only first position due at tick 3, got %d", len(due))
	}

	a.Status = model.LiquidationOrderbookFailed
	if len(l.Failed()) != 1 || len(l.Pending()) != 1 {
		t.Errorf("status filter mismatch")
	}
}

func TestLedger_Sufficient(t *testing.T) {
	l := NewLedger()
	lp := l.Transfer("lp-1", shortPosition(), d(49500), epoch)

	if !l.Sufficient(d(50000), d(500)) {
		t.Error("fund of 500 covers a 500 loss")
	}
	if l.Sufficient(d(50000), d(499)) {
		t.Error("fund of 499 does not cover a 500 loss")
	}

	lp.SocializationRequired = d(100)
	if !l.ProjectedLoss(d(50000)).Equal(d(600)) {
		t.Errorf("expected projected loss 600, got %s", l.ProjectedLoss(d(50000)))
	}
	// A gain at mark offsets nothing: losses only.
	if !l.ProjectedLoss(d(49000)).Equal(d(100)) {
		t.Errorf("expected projected loss 100, got %s", l.ProjectedLoss(d(49000)))
	}
}

// --- RetryPolicy ---

func TestRetry_BackoffDoubles(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BackoffTicks: 2}
	cases := []struct {
		attempts int
		want     uint64
	}{{1, 2}, {2, 4}, {3, 8}, {4, 16}}
	for _, c := range cases {
		if got := p.Backoff(c.attempts); got != c.want {
			t.Errorf("Backoff(%d) = %d, want %d", c.attempts, got, c.want)
		}
	}
}

func TestRetry_EscalatesAfterMaxAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, BackoffTicks: 1}
	lp := &model.LiquidationPosition{Status: model.LiquidationPending}

	if p.RecordFailure(lp, 10) {
		t.Fatal("first failure should not escalate")
	}
	if lp.NextAttemptTick != 11 || lp.Attempts != 1 {
		t.Errorf("expected next tick 11 after 1 attempt, got %d/%d", lp.NextAttemptTick, lp.Attempts)
	}

	if !p.RecordFailure(lp, 11) {
		t.Fatal("second failure should escalate")
	}
	if lp.Status != model.LiquidationOrderbookFailed {
		t.Errorf("expected orderbook_failed, got %s", lp.Status)
	}
}

func TestRetry_RequeueAllowsOneMoreAttempt(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BackoffTicks: 1}
	lp := &model.LiquidationPosition{Status: model.LiquidationOrderbookFailed, Attempts: 3}

	p.Requeue(lp, 7)
	if lp.Status != model.LiquidationPending {
		t.Fatalf("expected pending after requeue, got %s", lp.Status)
	}
	if lp.Attempts != 2 || lp.NextAttemptTick != 9 {
		t.Errorf("expected attempts 2 and next tick 9, got %d/%d", lp.Attempts, lp.NextAttemptTick)
	}
	if !p.RecordFailure(lp, 9) {
		t.Error("the requeued attempt should escalate when it misses")
	}
}
