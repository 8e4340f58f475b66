package math_test

import (
	"math"
	"testing"

	fpmath "EscrowLedger/internal/math"
)

// ============================================================================
// Test: ScaleByQuantity
// ============================================================================

func TestScaleByQuantity_Basic(t *testing.T) {
	got, err := fpmath.ScaleByQuantity(1_000_000, 3)
	if err != nil {
		t.Fatalf("ScaleByQuantity failed: %v", err)
	}
	if got != 3_000_000 {
		t.Errorf("got %d, want 3_000_000", got)
	}
}

func TestScaleByQuantity_QuantityOne_Identity(t *testing.T) {
	got, err := fpmath.ScaleByQuantity(123_456, 1)
	if err != nil {
		t.Fatalf("ScaleByQuantity failed: %v", err)
	}
	if got != 123_456 {
		t.Errorf("got %d, want 123_456", got)
	}
}

func TestScaleByQuantity_Overflow_Fails(t *testing.T) {
	_, err := fpmath.ScaleByQuantity(math.MaxInt64, 2)
	if err == nil {
		t.Fatal("expected overflow error")
	}
}

func TestScaleByQuantity_MaxInt64_NoOverflow(t *testing.T) {
	got, err := fpmath.ScaleByQuantity(math.MaxInt64, 1)
	if err != nil {
		t.Fatalf("ScaleByQuantity failed: %v", err)
	}
	if got != math.MaxInt64 {
		t.Errorf("got %d, want MaxInt64", got)
	}
}

// ============================================================================
// Test: ComputeFee
// ============================================================================

func TestComputeFee_Basic(t *testing.T) {
	// 50 bps of 1_000_000 = 5_000
	fee := fpmath.ComputeFee(1_000_000, 50)
	if fee != 5_000 {
		t.Errorf("got %d, want 5_000", fee)
	}
}

func TestComputeFee_ZeroBps(t *testing.T) {
	if fee := fpmath.ComputeFee(1_000_000, 0); fee != 0 {
		t.Errorf("got %d, want 0", fee)
	}
}

func TestComputeFee_ZeroAmount(t *testing.T) {
	if fee := fpmath.ComputeFee(0, 50); fee != 0 {
		t.Errorf("got %d, want 0", fee)
	}
}

func TestComputeFee_BankersRounding(t *testing.T) {
	// 2_500 * 50 / 10_000 = 12.5 — half rounds to even quotient 12
	if fee := fpmath.ComputeFee(2_500, 50); fee != 12 {
		t.Errorf("half-to-even down: got %d, want 12", fee)
	}
	// 3_500 * 50 / 10_000 = 17.5 — half rounds to even quotient 18
	if fee := fpmath.ComputeFee(3_500, 50); fee != 18 {
		t.Errorf("half-to-even up: got %d, want 18", fee)
	}
	// 3_100 * 50 / 10_000 = 15.5 — half rounds to even quotient 16
	if fee := fpmath.ComputeFee(3_100, 50); fee != 16 {
		t.Errorf("half-to-even up: got %d, want 16", fee)
	}
}

func TestComputeFee_FullRate_NeverExceedsAmount(t *testing.T) {
	fee := fpmath.ComputeFee(777, 10_000)
	if fee != 777 {
		t.Errorf("got %d, want 777", fee)
	}
}

func TestComputeFee_TinyAmount_RoundsDown(t *testing.T) {
	// 1 * 50 / 10_000 = 0.005 — well below half, rounds to 0
	if fee := fpmath.ComputeFee(1, 50); fee != 0 {
		t.Errorf("got %d, want 0", fee)
	}
}

// ============================================================================
// Test: DivideInt128
// ============================================================================

func TestDivideInt128_RoundHalfEven(t *testing.T) {
	cases := []struct {
		a, b, denom int64
		want        int64
	}{
		{7, 1, 2, 4},  // 3.5 rounds to 4 (even)
		{5, 1, 2, 2},  // 2.5 rounds to 2 (even)
		{9, 1, 4, 2},  // 2.25 rounds down
		{11, 1, 4, 3}, // 2.75 rounds up
	}
	for _, c := range cases {
		num := fpmath.MultiplyInt128(c.a, c.b)
		got := fpmath.DivideInt128(num, c.denom, fpmath.RoundHalfEven)
		if got != c.want {
			t.Errorf("%d*%d/%d: got %d, want %d", c.a, c.b, c.denom, got, c.want)
		}
	}
}
