// Package engine is the single owner of all exchange state: users,
// positions, the order book, positions in liquidation and the insurance
// fund. Every mutating operation runs to completion before returning and
// ends with a zero-sum check.
//
// Engine is not safe for concurrent use. Callers serialise access behind
// one writer, the way api.Service does with a mutex.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/adl"
	"github.com/atmx/perp-engine/internal/liquidation"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/orderbook"
	"github.com/atmx/perp-engine/internal/risk"
)

var (
	ErrUnknownUser         = errors.New("engine: unknown user")
	ErrInvalidSide         = errors.New("engine: side must be buy or sell")
	ErrInvalidOrderType    = errors.New("engine: order type must be limit or market")
	ErrInvalidSize         = errors.New("engine: size must be positive")
	ErrInvalidPrice        = errors.New("engine: price must be positive")
	ErrInvalidAmount       = errors.New("engine: amount must be positive")
	ErrInvalidMethod       = errors.New("engine: method must be orderbook, adl or force")
	ErrInsufficientMargin  = errors.New("engine: insufficient available balance for margin")
	ErrInsufficientBalance = errors.New("engine: insufficient available balance")
	ErrNoLiquidity         = errors.New("engine: no liquidity for market order")
	ErrOrderNotFound       = errors.New("engine: order not found")
	ErrUnknownMessage      = errors.New("engine: unknown message type")
)

// Config is the engine's static configuration.
type Config struct {
	MaintenanceMarginRate decimal.Decimal
	LiquidationFeeRate    decimal.Decimal
	InitialMarkPrice      decimal.Decimal
	InsuranceFund         decimal.Decimal
	DefaultBalance        decimal.Decimal
	SeedUsers             []string
	Limits                risk.Limits
	Retry                 liquidation.RetryPolicy

	// MaxScanRounds bounds the trigger-transfer-unwind loop run after each
	// operation; unwinds can open positions that are themselves insolvent.
	MaxScanRounds int

	// RecentTrades is how many trades the snapshot keeps.
	RecentTrades int

	// StrictInvariants panics on a zero-sum violation instead of only
	// reporting it.
	StrictInvariants bool
}

// DefaultConfig mirrors the simulator's demo setup.
func DefaultConfig() Config {
	return Config{
		MaintenanceMarginRate: margin.DefaultMaintenanceRate,
		LiquidationFeeRate:    decimal.RequireFromString("0.005"),
		InitialMarkPrice:      decimal.NewFromInt(45000),
		InsuranceFund:         decimal.NewFromInt(1_000_000),
		DefaultBalance:        decimal.NewFromInt(100_000),
		SeedUsers:             []string{"alice", "bob", "charlie", "diana", "eve"},
		Limits:                risk.DefaultLimits(),
		Retry:                 liquidation.DefaultRetryPolicy(),
		MaxScanRounds:         8,
		RecentTrades:          100,
	}
}

// MatchFunc executes an order against the book. The default is
// (*orderbook.Book).Match.
type MatchFunc func(b *orderbook.Book, o *model.Order, kind model.TradeKind) (orderbook.Result, error)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock sets the time source used for orders, trades and events.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithMatchFunc replaces the matcher, e.g. to inject failures.
func WithMatchFunc(fn MatchFunc) Option {
	return func(e *Engine) { e.matchFn = fn }
}

// WithSocializationPolicy selects how ADL prices recover uncovered losses.
func WithSocializationPolicy(p adl.SocializationPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// Engine is the perpetual exchange state machine.
type Engine struct {
	cfg     Config
	calc    *margin.Calculator
	limiter *risk.Limiter
	matchFn MatchFunc
	policy  adl.SocializationPolicy
	log     *slog.Logger
	clock   func() time.Time

	book       *orderbook.Book
	adl        *adl.Engine
	ledger     *liquidation.Ledger
	fund       *liquidation.InsuranceFund
	users      map[string]*model.User
	positions  map[string]*model.Position
	trades     []model.Trade
	mark       decimal.Decimal
	tick       uint64
	seq        uint64
	leRealized decimal.Decimal

	outbox   []model.Event
	eventSeq uint64
	fundSeen int
	lastSum  ZeroSumReport
}

// New creates an engine in its reset state.
func New(cfg Config, opts ...Option) (*Engine, error) {
	calc, err := margin.NewCalculator(cfg.MaintenanceMarginRate)
	if err != nil {
		return nil, err
	}
	if cfg.LiquidationFeeRate.IsNegative() {
		return nil, fmt.Errorf("engine: negative liquidation fee rate %s", cfg.LiquidationFeeRate)
	}
	if !cfg.InitialMarkPrice.IsPositive() {
		return nil, fmt.Errorf("engine: initial mark price: %w", ErrInvalidPrice)
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.MaxScanRounds < 1 {
		cfg.MaxScanRounds = 1
	}
	if cfg.RecentTrades < 1 {
		cfg.RecentTrades = 100
	}

	e := &Engine{
		cfg:     cfg,
		calc:    calc,
		limiter: risk.NewLimiter(cfg.Limits),
		matchFn: (*orderbook.Book).Match,
		log:     slog.Default(),
		clock:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.adl = adl.New(e.policy, e.clock)
	e.Reset()
	return e, nil
}

// Reset reinitialises every piece of state to the configured defaults.
func (e *Engine) Reset() {
	e.book = orderbook.New()
	e.ledger = liquidation.NewLedger()
	e.fund = liquidation.NewInsuranceFund(e.cfg.InsuranceFund, e.clock)
	e.users = make(map[string]*model.User)
	e.positions = make(map[string]*model.Position)
	e.trades = nil
	e.mark = e.cfg.InitialMarkPrice
	e.tick = 0
	e.seq = 0
	e.leRealized = decimal.Zero
	e.outbox = nil
	e.fundSeen = 0

	for _, id := range e.cfg.SeedUsers {
		e.users[id] = newUser(id, e.cfg.DefaultBalance)
	}
	e.emit(model.EventReset, map[string]int{"users": len(e.users)})
	e.verify("reset_state")
}

// Calculator exposes the margin calculator in use.
func (e *Engine) Calculator() *margin.Calculator { return e.calc }

// MarkPrice returns the current mark price.
func (e *Engine) MarkPrice() decimal.Decimal { return e.mark }

// CurrentTick returns the scheduler tick count.
func (e *Engine) CurrentTick() uint64 { return e.tick }

// User returns a copy of a user's ledger.
func (e *Engine) User(id string) (model.User, bool) {
	u, ok := e.users[id]
	if !ok {
		return model.User{}, false
	}
	return *u, true
}

// Position returns a copy of a user's open position.
func (e *Engine) Position(userID string) (model.Position, bool) {
	p, ok := e.positions[userID]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// LiquidationPositions returns copies of the open liquidation positions.
func (e *Engine) LiquidationPositions() []model.LiquidationPosition {
	lps := e.ledger.Positions()
	out := make([]model.LiquidationPosition, len(lps))
	for i, lp := range lps {
		out[i] = *lp
	}
	return out
}

// FundBalance returns the insurance fund balance.
func (e *Engine) FundBalance() decimal.Decimal { return e.fund.Balance() }

// Drain returns and clears the queued audit events.
func (e *Engine) Drain() []model.Event {
	out := e.outbox
	e.outbox = nil
	return out
}

func (e *Engine) now() time.Time { return e.clock() }

func (e *Engine) nextSeq() uint64 {
	e.seq++
	return e.seq
}

func (e *Engine) emit(t model.EventType, data any) {
	e.eventSeq++
	e.outbox = append(e.outbox, model.Event{Seq: e.eventSeq, Type: t, Time: e.now(), Data: data})
}

// flushFund turns fund entries appended since the last flush into events.
func (e *Engine) flushFund() {
	for _, entry := range e.fund.Since(e.fundSeen) {
		e.emit(model.EventInsuranceFund, model.FundEvent{Entry: entry, Balance: entry.BalanceAfter.String()})
	}
	e.fundSeen = e.fund.Len()
}

func (e *Engine) recordTrade(t model.Trade) {
	e.trades = append(e.trades, t)
	if n := len(e.trades); n > e.cfg.RecentTrades {
		e.trades = append([]model.Trade(nil), e.trades[n-e.cfg.RecentTrades:]...)
	}
	e.emit(model.EventTrade, t)
}

func newUser(id string, balance decimal.Decimal) *model.User {
	return &model.User{
		ID:               id,
		AvailableBalance: balance,
		UsedMargin:       decimal.Zero,
		RealizedPnL:      decimal.Zero,
	}
}
