package margin

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newCalc(t *testing.T) *Calculator {
	t.Helper()
	c, err := NewCalculator(DefaultMaintenanceRate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func TestNewCalculator_InvalidRate(t *testing.T) {
	for _, rate := range []float64{0, -0.01, 1, 1.5} {
		if _, err := NewCalculator(d(rate)); err != ErrInvalidRate {
			t.Errorf("rate %v: expected ErrInvalidRate, got %v", rate, err)
		}
	}
}

func TestValidateLeverage(t *testing.T) {
	if err := ValidateLeverage(d(0.5)); err != ErrInvalidLeverage {
		t.Errorf("expected ErrInvalidLeverage, got %v", err)
	}
	if err := ValidateLeverage(d(1)); err != nil {
		t.Errorf("leverage 1 should be valid, got %v", err)
	}
}

func TestInitialMargin(t *testing.T) {
	c := newCalc(t)
	im := c.InitialMargin(d(1), d(45000), d(10))
	if !im.Equal(d(4500)) {
		t.Errorf("expected 4500, got %s", im)
	}
}

func TestMaintenanceMargin(t *testing.T) {
	c := newCalc(t)
	mm := c.MaintenanceMargin(d(2), d(45000))
	if !mm.Equal(d(450)) {
		t.Errorf("expected 450, got %s", mm)
	}
}

func TestLiquidationPrice(t *testing.T) {
	c := newCalc(t)

	tests := []struct {
		side model.PositionSide
		want float64
	}{
		{model.Long, 40725},  // 45000 × (1 − 0.1 + 0.005)
		{model.Short, 49275}, // 45000 × (1 + 0.1 − 0.005)
	}
	for _, tt := range tests {
		got := c.LiquidationPrice(tt.side, d(45000), d(10))
		if !got.Equal(d(tt.want)) {
			t.Errorf("%s: expected %v, got %s", tt.side, tt.want, got)
		}
	}
}

func TestLiquidationPriceInsideBankruptcy(t *testing.T) {
	c := newCalc(t)
	for _, lev := range []float64{2, 5, 10, 20, 50} {
		im := c.InitialMargin(d(1), d(45000), d(lev))

		longLiq := c.LiquidationPrice(model.Long, d(45000), d(lev))
		longBk := c.BankruptcyPrice(model.Long, d(45000), im, d(1))
		if !longLiq.GreaterThan(longBk) {
			t.Errorf("lev %v: long liquidation %s should be above bankruptcy %s", lev, longLiq, longBk)
		}

		shortLiq := c.LiquidationPrice(model.Short, d(45000), d(lev))
		shortBk := c.BankruptcyPrice(model.Short, d(45000), im, d(1))
		if !shortLiq.LessThan(shortBk) {
			t.Errorf("lev %v: short liquidation %s should be below bankruptcy %s", lev, shortLiq, shortBk)
		}
	}
}

func TestBankruptcyPrice(t *testing.T) {
	c := newCalc(t)
	if got := c.BankruptcyPrice(model.Long, d(45000), d(4500), d(1)); !got.Equal(d(40500)) {
		t.Errorf("long: expected 40500, got %s", got)
	}
	if got := c.BankruptcyPrice(model.Short, d(45000), d(4500), d(1)); !got.Equal(d(49500)) {
		t.Errorf("short: expected 49500, got %s", got)
	}
}

func TestBankruptcyPrice_UsesMarginPerUnit(t *testing.T) {
	c := newCalc(t)
	// 2 units at 10x carry 9000 margin; after closing 1 unit half is released.
	full := c.BankruptcyPrice(model.Long, d(45000), d(9000), d(2))
	half := c.BankruptcyPrice(model.Long, d(45000), d(4500), d(1))
	if !full.Equal(half) {
		t.Errorf("proportional reduction should keep bankruptcy price: %s vs %s", full, half)
	}

	// Topped-up margin moves the bankruptcy price further away.
	topped := c.BankruptcyPrice(model.Long, d(45000), d(6000), d(1))
	if !topped.Equal(d(39000)) {
		t.Errorf("expected 39000, got %s", topped)
	}
}

func TestShouldLiquidate(t *testing.T) {
	c := newCalc(t)
	liq := d(40725)
	if !c.ShouldLiquidate(model.Long, liq, d(40725)) {
		t.Error("long should liquidate at the liquidation price")
	}
	if c.ShouldLiquidate(model.Long, liq, d(40726)) {
		t.Error("long should not liquidate above the liquidation price")
	}
	if !c.ShouldLiquidate(model.Short, d(49275), d(50000)) {
		t.Error("short should liquidate above the liquidation price")
	}
	if c.ShouldLiquidate(model.Short, d(49275), d(49274)) {
		t.Error("short should not liquidate below the liquidation price")
	}
}

func TestUnrealizedPnL(t *testing.T) {
	c := newCalc(t)
	if got := c.UnrealizedPnL(model.Long, d(2), d(45000), d(46000)); !got.Equal(d(2000)) {
		t.Errorf("long: expected 2000, got %s", got)
	}
	if got := c.UnrealizedPnL(model.Short, d(2), d(45000), d(46000)); !got.Equal(d(-2000)) {
		t.Errorf("short: expected -2000, got %s", got)
	}
}

func TestMarginRatio(t *testing.T) {
	c := newCalc(t)
	got := c.MarginRatio(d(1000), d(-500), d(250))
	if !got.Equal(d(200)) {
		t.Errorf("expected 200, got %s", got)
	}
	if got := c.MarginRatio(d(1000), d(0), decimal.Zero); !got.IsZero() {
		t.Errorf("zero maintenance margin should give 0, got %s", got)
	}
}

func TestPositionHelpers(t *testing.T) {
	c := newCalc(t)
	p := &model.Position{
		UserID:        "bob",
		Side:          model.Long,
		Size:          d(1),
		AvgEntryPrice: d(45000),
		Leverage:      d(10),
		InitialMargin: d(4500),
	}
	if !c.PositionBankruptcyPrice(p).Equal(d(40500)) {
		t.Errorf("unexpected bankruptcy price %s", c.PositionBankruptcyPrice(p))
	}
	if !c.PositionLiquidationPrice(p).Equal(d(40725)) {
		t.Errorf("unexpected liquidation price %s", c.PositionLiquidationPrice(p))
	}
	if c.PositionShouldLiquidate(p, d(45000)) {
		t.Error("position at entry should not liquidate")
	}
	if !c.PositionShouldLiquidate(p, d(40000)) {
		t.Error("position below liquidation price should liquidate")
	}
}
