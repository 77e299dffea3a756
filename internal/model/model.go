// Package model defines the core domain types shared across the perp engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or trade.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionSide returns the position direction a fill on this side opens.
func (s Side) PositionSide() PositionSide {
	if s == Buy {
		return Long
	}
	return Short
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// Opposite returns the other position direction.
func (p PositionSide) Opposite() PositionSide {
	if p == Long {
		return Short
	}
	return Long
}

// CloseSide is the order side that reduces a position of this direction.
func (p PositionSide) CloseSide() Side {
	if p == Long {
		return Sell
	}
	return Buy
}

// Sign is +1 for long and -1 for short.
func (p PositionSide) Sign() decimal.Decimal {
	if p == Long {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// OrderKind distinguishes limit from market orders.
type OrderKind string

const (
	Limit  OrderKind = "limit"
	Market OrderKind = "market"
)

// TimeInForce controls what happens to an unfilled remainder.
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

// TradeKind records why a trade happened.
type TradeKind string

const (
	TradeNormal      TradeKind = "normal"
	TradeLiquidation TradeKind = "liquidation"
	TradeADL         TradeKind = "adl"
)

// OwnerKind tags the variant held by an Owner.
type OwnerKind uint8

const (
	OwnerUser OwnerKind = iota + 1
	OwnerLiquidationEngine
)

func (k OwnerKind) String() string {
	switch k {
	case OwnerUser:
		return "user"
	case OwnerLiquidationEngine:
		return "liquidation_engine"
	default:
		return "unknown"
	}
}

// Owner identifies who holds an order or position: either a user or a
// position held by the liquidation engine. Comparable with ==.
type Owner struct {
	Kind OwnerKind
	ID   string
}

// UserOwner returns the owner value for a user account.
func UserOwner(userID string) Owner {
	return Owner{Kind: OwnerUser, ID: userID}
}

// LiquidationOwner returns the owner value for a liquidation-engine position.
func LiquidationOwner(positionID string) Owner {
	return Owner{Kind: OwnerLiquidationEngine, ID: positionID}
}

// IsUser reports whether the owner is a user account.
func (o Owner) IsUser() bool { return o.Kind == OwnerUser }

// IsLiquidationEngine reports whether the owner is a liquidation position.
func (o Owner) IsLiquidationEngine() bool { return o.Kind == OwnerLiquidationEngine }

func (o Owner) String() string {
	return o.Kind.String() + ":" + o.ID
}

type ownerJSON struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// MarshalJSON encodes the owner as {"kind": ..., "id": ...}.
func (o Owner) MarshalJSON() ([]byte, error) {
	return json.Marshal(ownerJSON{Kind: o.Kind.String(), ID: o.ID})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (o *Owner) UnmarshalJSON(data []byte) error {
	var raw ownerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case "user":
		o.Kind = OwnerUser
	case "liquidation_engine":
		o.Kind = OwnerLiquidationEngine
	default:
		return fmt.Errorf("model: unknown owner kind %q", raw.Kind)
	}
	o.ID = raw.ID
	return nil
}

// Trade is an immutable record of one match.
// Once created, these are never modified or deleted.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	Buyer        Owner           `json:"buyer"`
	Seller       Owner           `json:"seller"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Size         decimal.Decimal `json:"size" db:"size"`
	Kind         TradeKind       `json:"kind" db:"kind"`
	MakerOrderID string          `json:"maker_order_id,omitempty" db:"maker_order_id"`
	TakerOrderID string          `json:"taker_order_id,omitempty" db:"taker_order_id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// Notional is price × size.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Size)
}

// Involves reports whether the user took either side of the trade.
func (t Trade) Involves(userID string) bool {
	u := UserOwner(userID)
	return t.Buyer == u || t.Seller == u
}

// User is the account ledger of one trader.
// AvailableBalance + UsedMargin is the user's total balance.
type User struct {
	ID               string          `json:"id"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	UsedMargin       decimal.Decimal `json:"used_margin"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
}

// TotalBalance is available plus used margin.
func (u *User) TotalBalance() decimal.Decimal {
	return u.AvailableBalance.Add(u.UsedMargin)
}

// FundEntryKind classifies insurance fund movements.
type FundEntryKind string

const (
	FundInitial         FundEntryKind = "initial"
	FundLiquidationFee  FundEntryKind = "liquidation_fee"
	FundSurplus         FundEntryKind = "liquidation_surplus"
	FundBankruptPayout  FundEntryKind = "bankruptcy_payout"
	FundBadDebt         FundEntryKind = "bad_debt"
	FundSocialization   FundEntryKind = "socialization"
	FundUnrecoveredLoss FundEntryKind = "unrecovered_loss"
)

// FundEntry is one line in the insurance fund history.
type FundEntry struct {
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
	Kind         FundEntryKind   `json:"kind" db:"kind"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	Description  string          `json:"description" db:"description"`
}
