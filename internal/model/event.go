package model

import "time"

// EventType names an audit event emitted by the engine.
type EventType string

const (
	EventOrderAccepted        EventType = "order_accepted"
	EventOrderCancelled       EventType = "order_cancelled"
	EventTrade                EventType = "trade"
	EventMarkPrice            EventType = "mark_price"
	EventLiquidationTriggered EventType = "liquidation_triggered"
	EventPositionTransferred  EventType = "position_transferred"
	EventLiquidationReduced   EventType = "liquidation_reduced"
	EventADL                  EventType = "adl"
	EventInsuranceFund        EventType = "insurance_fund"
	EventBalance              EventType = "balance"
	EventInvariantViolation   EventType = "invariant_violation"
	EventReset                EventType = "reset"
)

// Event is one record of the engine's audit side-channel. Data holds a
// value of the type documented next to each constructor in the engine.
type Event struct {
	Seq  uint64    `json:"seq"`
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// LiquidationEvent describes a transition in the liquidation state machine.
type LiquidationEvent struct {
	PositionID      string            `json:"position_id"`
	UserID          string            `json:"user_id"`
	Stage           LiquidationStage  `json:"stage"`
	Method          LiquidationMethod `json:"method,omitempty"`
	Side            PositionSide      `json:"side"`
	Size            string            `json:"size"`
	Price           string            `json:"price,omitempty"`
	RemainingSize   string            `json:"remaining_size,omitempty"`
	ForfeitedMargin string            `json:"forfeited_margin,omitempty"`
}

// ADLEvent summarises one auto-deleveraging run.
type ADLEvent struct {
	PositionID    string  `json:"position_id"`
	Success       bool    `json:"success"`
	Price         string  `json:"price"`
	Socialization string  `json:"socialization"`
	Trades        []Trade `json:"trades"`
	RemainingSize string  `json:"remaining_size"`
}

// FundEvent carries a new insurance fund entry and the resulting balance.
type FundEvent struct {
	Entry   FundEntry `json:"entry"`
	Balance string    `json:"balance"`
}

// BalanceEvent records a deposit or withdrawal.
type BalanceEvent struct {
	UserID string `json:"user_id"`
	Amount string `json:"amount"`
	Kind   string `json:"kind"`
}

// InvariantEvent reports a failed zero-sum check.
type InvariantEvent struct {
	Operation     string `json:"operation"`
	SizeImbalance string `json:"size_imbalance"`
	PnLImbalance  string `json:"pnl_imbalance"`
}
