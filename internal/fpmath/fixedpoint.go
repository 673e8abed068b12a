package fpmath

import (
	"math/big"
	"sync"
)

// Unit is the fixed-point scale shared by probabilities and collateral
// amounts: 1_000_000 represents 1.0 (probability certainty / one unit of
// collateral). Position sizes are plain contract counts, unscaled, so
// size * price yields a Unit-scaled collateral amount directly.
const (
	Unit        = int64(1_000_000)
	BpsScale    = int64(10_000)
	SecondsYear = int64(31_536_000)
)

type RoundingMode int

const (
	// RoundDown truncates towards zero. This is the engine default for
	// every price/margin/funding divide.
	RoundDown RoundingMode = iota
	RoundUp
	RoundHalfEven
)

// int128Pool recycles big.Ints used for overflow-safe intermediates.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MulDiv computes a*b/denom through a 128-bit intermediate.
func MulDiv(a, b, denom int64, mode RoundingMode) int64 {
	num := getInt128()
	num.Mul(big.NewInt(a), big.NewInt(b))
	result := Divide(num, denom, mode)
	putInt128(num)
	return result
}

// MulDivRem computes a*b/denom truncated towards zero through a 128-bit
// intermediate, also returning the remainder a*b - quo*denom.
func MulDivRem(a, b, denom int64) (quo, rem int64) {
	num := getInt128()
	num.Mul(big.NewInt(a), big.NewInt(b))
	quotient := getInt128()
	remainder := getInt128()
	quotient.QuoRem(num, big.NewInt(denom), remainder)
	quo, rem = quotient.Int64(), remainder.Int64()
	putInt128(num)
	putInt128(quotient)
	putInt128(remainder)
	return quo, rem
}

// Divide computes numerator/denominator with the given rounding mode.
// big.Int.QuoRem truncates towards zero, which is exactly RoundDown for
// both signs.
func Divide(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.QuoRem(numerator, denom, remainder)
	result := quotient.Int64()
	rem := remainder.Int64()

	switch mode {
	case RoundUp:
		if rem != 0 {
			if (rem > 0) == (denominator > 0) {
				result++
			} else {
				result--
			}
		}
	case RoundHalfEven:
		absRem := rem
		if absRem < 0 {
			absRem = -absRem
		}
		absDenom := denominator
		if absDenom < 0 {
			absDenom = -absDenom
		}
		twice := 2 * absRem
		if twice > absDenom || (twice == absDenom && result%2 != 0) {
			if (rem > 0) == (denominator > 0) {
				result++
			} else {
				result--
			}
		}
	}

	putInt128(quotient)
	putInt128(remainder)
	return result
}

// Abs returns |v|.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Sign returns +1, -1 or 0.
func Sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// Min returns the smaller of a and b.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// WeightedEntryPrice returns the OI-weighted average entry price after
// adding addSize contracts at addPrice to an existing position of oldSize
// contracts at oldEntry. Sizes are magnitudes.
func WeightedEntryPrice(oldSize, oldEntry, addSize, addPrice int64) int64 {
	if oldSize == 0 {
		return addPrice
	}

	term1 := getInt128()
	term1.Mul(big.NewInt(oldSize), big.NewInt(oldEntry))
	term2 := getInt128()
	term2.Mul(big.NewInt(addSize), big.NewInt(addPrice))

	num := getInt128()
	num.Add(term1, term2)

	result := Divide(num, oldSize+addSize, RoundDown)

	putInt128(term1)
	putInt128(term2)
	putInt128(num)
	return result
}

// PnL computes size * (currentPrice - entryPrice). Size carries its sign,
// so shorts profit on price decreases. Result is Unit-scaled collateral.
func PnL(size, entryPrice, currentPrice int64) int64 {
	num := getInt128()
	num.Mul(big.NewInt(size), big.NewInt(currentPrice-entryPrice))
	result := num.Int64()
	putInt128(num)
	return result
}

// Notional computes |size| * price, a Unit-scaled collateral amount.
func Notional(size, price int64) int64 {
	num := getInt128()
	num.Mul(big.NewInt(Abs(size)), big.NewInt(price))
	result := num.Int64()
	putInt128(num)
	return result
}

// BpsOf computes amount * bps / 10_000, rounding towards zero.
func BpsOf(amount, bps int64) int64 {
	return MulDiv(amount, bps, BpsScale, RoundDown)
}
