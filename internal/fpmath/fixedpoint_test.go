package fpmath_test

import (
	"testing"

	"OutcomePerp/internal/fpmath"
)

func TestMulDiv_RoundDown(t *testing.T) {
	cases := []struct {
		a, b, denom int64
		want        int64
	}{
		{7, 3, 2, 10},   // 21/2 = 10.5 -> 10
		{-7, 3, 2, -10}, // -10.5 -> -10 (towards zero)
		{100, 100, 1, 10_000},
		{1, 1, 3, 0},
		{fpmath.Unit, fpmath.Unit, fpmath.Unit, fpmath.Unit},
	}
	for _, c := range cases {
		got := fpmath.MulDiv(c.a, c.b, c.denom, fpmath.RoundDown)
		if got != c.want {
			t.Errorf("MulDiv(%d, %d, %d) = %d, want %d", c.a, c.b, c.denom, got, c.want)
		}
	}
}

func TestMulDiv_RoundUp(t *testing.T) {
	if got := fpmath.MulDiv(7, 3, 2, fpmath.RoundUp); got != 11 {
		t.Errorf("got %d, want 11", got)
	}
	if got := fpmath.MulDiv(-7, 3, 2, fpmath.RoundUp); got != -11 {
		t.Errorf("got %d, want -11", got)
	}
	if got := fpmath.MulDiv(6, 2, 2, fpmath.RoundUp); got != 6 {
		t.Errorf("exact division should not round, got %d, want 6", got)
	}
}

func TestMulDiv_RoundHalfEven(t *testing.T) {
	cases := []struct {
		a, b, denom int64
		want        int64
	}{
		{5, 1, 2, 2}, // 2.5 -> 2 (even)
		{7, 1, 2, 4}, // 3.5 -> 4 (even)
		{3, 1, 2, 2}, // 1.5 -> 2
		{5, 1, 4, 1}, // 1.25 -> 1
		{7, 1, 4, 2}, // 1.75 -> 2
	}
	for _, c := range cases {
		got := fpmath.MulDiv(c.a, c.b, c.denom, fpmath.RoundHalfEven)
		if got != c.want {
			t.Errorf("MulDiv(%d, %d, %d) = %d, want %d", c.a, c.b, c.denom, got, c.want)
		}
	}
}

func TestMulDiv_LargeIntermediates(t *testing.T) {
	// 5e12 * 4e6 overflows int64; the 128-bit intermediate must not.
	got := fpmath.MulDiv(5_000_000_000_000, 4_000_000, 2_000_000, fpmath.RoundDown)
	if got != 10_000_000_000_000 {
		t.Errorf("got %d, want 10000000000000", got)
	}
}

func TestMulDivRem(t *testing.T) {
	cases := []struct {
		a, b, denom int64
		quo, rem    int64
	}{
		{1_150, 300, 70, 4_928, 40},
		{21, 1, 2, 10, 1},
		{6, 2, 3, 4, 0},
	}
	for _, c := range cases {
		quo, rem := fpmath.MulDivRem(c.a, c.b, c.denom)
		if quo != c.quo || rem != c.rem {
			t.Errorf("MulDivRem(%d, %d, %d) = (%d, %d), want (%d, %d)",
				c.a, c.b, c.denom, quo, rem, c.quo, c.rem)
		}
	}

	// Agrees with the truncating MulDiv, and the remainder stays in range.
	quo, rem := fpmath.MulDivRem(5_000_000_000_000, 4_000_001, 3_000_000)
	if want := fpmath.MulDiv(5_000_000_000_000, 4_000_001, 3_000_000, fpmath.RoundDown); quo != want {
		t.Errorf("quo = %d, want %d", quo, want)
	}
	if rem < 0 || rem >= 3_000_000 {
		t.Errorf("rem %d outside [0, denom)", rem)
	}
}

func TestWeightedEntryPrice(t *testing.T) {
	// 100 @ 0.50 + 100 @ 0.60 -> 0.55
	got := fpmath.WeightedEntryPrice(100, 500_000, 100, 600_000)
	if got != 550_000 {
		t.Errorf("got %d, want 550000", got)
	}

	// Adding to a flat position takes the new price.
	if got := fpmath.WeightedEntryPrice(0, 0, 50, 420_000); got != 420_000 {
		t.Errorf("got %d, want 420000", got)
	}

	// 300 @ 0.40 + 100 @ 0.80 -> 0.50
	if got := fpmath.WeightedEntryPrice(300, 400_000, 100, 800_000); got != 500_000 {
		t.Errorf("got %d, want 500000", got)
	}
}

func TestPnL(t *testing.T) {
	// Long 100, price up 0.50 -> 0.60: +10 units.
	if got := fpmath.PnL(100_000, 500_000, 600_000); got != 10_000_000_000 {
		t.Errorf("long pnl = %d, want 10000000000", got)
	}
	// Short 100k contracts profits on the same move's inverse.
	if got := fpmath.PnL(-100_000, 500_000, 400_000); got != 10_000_000_000 {
		t.Errorf("short pnl = %d, want 10000000000", got)
	}
	// Long losing.
	if got := fpmath.PnL(100, 500_000, 450_000); got != -5_000_000 {
		t.Errorf("losing pnl = %d, want -5000000", got)
	}
	if got := fpmath.PnL(0, 500_000, 900_000); got != 0 {
		t.Errorf("flat pnl = %d, want 0", got)
	}
}

func TestNotional(t *testing.T) {
	if got := fpmath.Notional(100_000, 500_000); got != 50_000_000_000 {
		t.Errorf("got %d, want 50000000000", got)
	}
	if got := fpmath.Notional(-100_000, 500_000); got != 50_000_000_000 {
		t.Errorf("short notional should be positive, got %d", got)
	}
}

func TestBpsOf(t *testing.T) {
	if got := fpmath.BpsOf(50_000_000_000, 1_000); got != 5_000_000_000 {
		t.Errorf("got %d, want 5000000000", got)
	}
	if got := fpmath.BpsOf(10_000, 1); got != 1 {
		t.Errorf("got %d, want 1", got)
	}
	if got := fpmath.BpsOf(9_999, 1); got != 0 {
		t.Errorf("truncation, got %d, want 0", got)
	}
}

func TestSignAbsMin(t *testing.T) {
	if fpmath.Sign(-5) != -1 || fpmath.Sign(5) != 1 || fpmath.Sign(0) != 0 {
		t.Error("Sign misbehaves")
	}
	if fpmath.Abs(-7) != 7 || fpmath.Abs(7) != 7 {
		t.Error("Abs misbehaves")
	}
	if fpmath.Min(3, 4) != 3 || fpmath.Min(4, 3) != 3 {
		t.Error("Min misbehaves")
	}
}
