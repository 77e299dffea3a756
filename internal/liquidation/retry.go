package liquidation

import "github.com/atmx/perp-engine/internal/model"

// RetryPolicy bounds the order-book unwind attempts of one position. Time
// is measured in scheduler ticks so the engine never owns a timer.
type RetryPolicy struct {
	MaxAttempts  int
	BackoffTicks uint64
}

// DefaultRetryPolicy allows three attempts, one tick apart at first.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffTicks: 1}
}

// Backoff is the delay after the given number of failed attempts:
// BackoffTicks × 2^(attempts−1).
func (p RetryPolicy) Backoff(attempts int) uint64 {
	if attempts < 1 || p.BackoffTicks == 0 {
		return p.BackoffTicks
	}
	shift := attempts - 1
	if shift > 16 {
		shift = 16
	}
	return p.BackoffTicks << uint(shift)
}

// Exhausted reports whether no attempts remain.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// RecordFailure counts an attempt that left size open. The position either
// waits for its next tick or, with attempts exhausted, moves to
// orderbook_failed for ADL escalation. Returns true on escalation.
func (p RetryPolicy) RecordFailure(lp *model.LiquidationPosition, tick uint64) bool {
	lp.Attempts++
	if p.Exhausted(lp.Attempts) {
		lp.Status = model.LiquidationOrderbookFailed
		return true
	}
	lp.Status = model.LiquidationPending
	lp.NextAttemptTick = tick + p.Backoff(lp.Attempts)
	return false
}

// Requeue returns an escalated position to the order book after ADL left
// size open. It keeps a single attempt, so the next miss escalates again.
func (p RetryPolicy) Requeue(lp *model.LiquidationPosition, tick uint64) {
	lp.Attempts = p.MaxAttempts - 1
	if lp.Attempts < 0 {
		lp.Attempts = 0
	}
	lp.Status = model.LiquidationPending
	lp.NextAttemptTick = tick + p.Backoff(lp.Attempts)
}
