// Package config reads the server configuration from environment
// variables. Every variable is optional.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/engine"
)

// Config is the full server configuration.
type Config struct {
	Port         string
	DatabaseURL  string
	RedisURL     string
	CacheTTL     time.Duration
	TickInterval time.Duration
	Engine       engine.Config
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv. Unset variables keep
// their defaults; malformed ones are errors.
func LoadFrom(getenv func(string) string) (Config, error) {
	cfg := Config{
		Port:         "8080",
		CacheTTL:     30 * time.Second,
		TickInterval: time.Second,
		Engine:       engine.DefaultConfig(),
	}
	p := parser{getenv: getenv}

	p.str("PORT", &cfg.Port)
	p.str("DATABASE_URL", &cfg.DatabaseURL)
	p.str("REDIS_URL", &cfg.RedisURL)
	p.duration("CACHE_TTL", &cfg.CacheTTL)
	p.duration("TICK_INTERVAL", &cfg.TickInterval)

	e := &cfg.Engine
	p.dec("MMR", &e.MaintenanceMarginRate)
	p.dec("LIQUIDATION_FEE_RATE", &e.LiquidationFeeRate)
	p.dec("INITIAL_MARK_PRICE", &e.InitialMarkPrice)
	p.dec("INSURANCE_FUND", &e.InsuranceFund)
	p.dec("DEFAULT_BALANCE", &e.DefaultBalance)
	p.dec("MAX_POSITION_SIZE", &e.Limits.MaxPositionSize)
	p.dec("MAX_LEVERAGE", &e.Limits.MaxLeverage)
	p.dec("MAX_POSITION_VALUE", &e.Limits.MaxPositionValue)
	p.dec("MIN_ORDER_SIZE", &e.Limits.MinOrderSize)
	p.integer("LIQUIDATION_MAX_ATTEMPTS", &e.Retry.MaxAttempts)
	p.ticks("LIQUIDATION_BACKOFF_TICKS", &e.Retry.BackoffTicks)
	p.boolean("STRICT_INVARIANTS", &e.StrictInvariants)

	if v := getenv("SEED_USERS"); v != "" {
		e.SeedUsers = nil
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				e.SeedUsers = append(e.SeedUsers, id)
			}
		}
	}

	if p.err != nil {
		return Config{}, p.err
	}
	if cfg.TickInterval < 0 {
		return Config{}, fmt.Errorf("config: TICK_INTERVAL must not be negative")
	}
	return cfg, nil
}

// parser keeps the first error so Load reads like a list of fields.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) lookup(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v := strings.TrimSpace(p.getenv(key))
	return v, v != ""
}

func (p *parser) fail(key, v string, err error) {
	p.err = fmt.Errorf("config: %s=%q: %w", key, v, err)
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.lookup(key); ok {
		*dst = v
	}
}

func (p *parser) dec(key string, dst *decimal.Decimal) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = d
}

func (p *parser) integer(key string, dst *int) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = n
}

func (p *parser) ticks(key string, dst *uint64) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = n
}

func (p *parser) boolean(key string, dst *bool) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = b
}

// duration accepts Go durations ("500ms") or whole seconds ("30").
func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = d
}
