package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a user's one-way position. Unrealized PnL, liquidation price
// and bankruptcy price are derived from these fields plus the mark price
// and are never stored.
type Position struct {
	UserID            string          `json:"user_id"`
	Side              PositionSide    `json:"side"`
	Size              decimal.Decimal `json:"size"`
	AvgEntryPrice     decimal.Decimal `json:"avg_entry_price"`
	Leverage          decimal.Decimal `json:"leverage"`
	InitialMargin     decimal.Decimal `json:"initial_margin"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
	OpenedAt          time.Time       `json:"opened_at"`
	Seq               uint64          `json:"seq"`
}

// Notional is size × price.
func (p *Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Size.Mul(price)
}

// SignedSize is +size for longs and -size for shorts.
func (p *Position) SignedSize() decimal.Decimal {
	return p.Size.Mul(p.Side.Sign())
}

// LiquidationStatus is the state of a position held by the liquidation engine.
type LiquidationStatus string

const (
	LiquidationPending         LiquidationStatus = "pending"
	LiquidationOrderbookFailed LiquidationStatus = "orderbook_failed"
	LiquidationProcessing      LiquidationStatus = "processing"
	LiquidationCompleted       LiquidationStatus = "completed"
)

// LiquidationStage is a step of the per-position liquidation state machine,
// reported on audit events.
type LiquidationStage string

const (
	StageSolvent     LiquidationStage = "solvent"
	StageTriggered   LiquidationStage = "liquidation_triggered"
	StageTransferred LiquidationStage = "transferred"
	StageBookClosed  LiquidationStage = "orderbook_closed"
	StagePendingADL  LiquidationStage = "pending_adl"
	StageClosed      LiquidationStage = "closed"
)

// LiquidationMethod names how a liquidation-engine position was reduced.
type LiquidationMethod string

const (
	MethodMarketOrder     LiquidationMethod = "market_order"
	MethodBankruptcyPrice LiquidationMethod = "bankruptcy_price"
	MethodADL             LiquidationMethod = "adl"
	MethodForce           LiquidationMethod = "force"
	MethodNetting         LiquidationMethod = "netting"
)

// LiquidationPosition is a position taken over by the liquidation engine.
// BankruptcyPrice acts as its cost basis.
type LiquidationPosition struct {
	ID                    string            `json:"id"`
	OriginalUserID        string            `json:"original_user_id"`
	Side                  PositionSide      `json:"side"`
	Size                  decimal.Decimal   `json:"size"`
	BankruptcyPrice       decimal.Decimal   `json:"bankruptcy_price"`
	ForfeitedMargin       decimal.Decimal   `json:"forfeited_margin"`
	TransferTime          time.Time         `json:"transfer_time"`
	Status                LiquidationStatus `json:"status"`
	SocializationRequired decimal.Decimal   `json:"socialization_required"`
	RealizedPnL           decimal.Decimal   `json:"realized_pnl"`
	Attempts              int               `json:"attempts"`
	NextAttemptTick       uint64            `json:"next_attempt_tick"`
	Seq                   uint64            `json:"seq"`
}

// Owner returns the liquidation-engine owner value for this position.
func (lp *LiquidationPosition) Owner() Owner {
	return LiquidationOwner(lp.ID)
}

// SignedSize is +size for longs and -size for shorts.
func (lp *LiquidationPosition) SignedSize() decimal.Decimal {
	return lp.Size.Mul(lp.Side.Sign())
}

// UnrealizedPnL is the floating result against the bankruptcy-price basis.
func (lp *LiquidationPosition) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	return mark.Sub(lp.BankruptcyPrice).Mul(lp.Size).Mul(lp.Side.Sign())
}

// Open reports whether the position still has size to unwind.
func (lp *LiquidationPosition) Open() bool {
	return lp.Size.IsPositive()
}
