package math

import (
	"fmt"
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// AmountConfig governs all custodial amounts (decimal_precision=6).
	AmountConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
)

// FeeDenominator is the basis-point denominator for fee fractions.
const FeeDenominator = 10_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	// Apply rounding
	result := quotient.Int64()

	if roundingMode == RoundHalfEven {
		// Banker's rounding: if remainder == denominator/2, round to even
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			// remainder > half: round up
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			// remainder == half and even denominator: round to even
			if result%2 != 0 {
				result++
			}
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// ScaleByQuantity computes amount * quantity with int128 intermediates.
// Quantity is a plain unit count, not fixed-point. Returns an error if the
// result does not fit in int64.
func ScaleByQuantity(amount, quantity int64) (int64, error) {
	if quantity == 1 {
		return amount, nil
	}
	product := MultiplyInt128(amount, quantity)
	defer putInt128(product)

	if !product.IsInt64() {
		return 0, fmt.Errorf("scaled amount overflows int64: %d * %d", amount, quantity)
	}
	return product.Int64(), nil
}

// ComputeFee computes amount * feeBps / 10_000 with banker's rounding.
// The fee is deducted from the settlement amount credited to the recipient.
func ComputeFee(amount int64, feeBps int64) int64 {
	if feeBps <= 0 || amount <= 0 {
		return 0
	}
	numerator := MultiplyInt128(amount, feeBps)
	fee := DivideInt128(numerator, FeeDenominator, RoundHalfEven)
	putInt128(numerator)

	// The fee can never exceed the settlement amount even at 10_000 bps
	// with rounding applied.
	if fee > amount {
		fee = amount
	}
	return fee
}
