package amm

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every amount is carried at.
const Scale int32 = 18

var (
	// Unit is the smallest representable amount, 1e-18.
	Unit = decimal.New(1, -Scale)
	// MinReserve is the floor neither reserve may fall below.
	MinReserve = decimal.NewFromInt(1)

	one  = decimal.NewFromInt(1)
	two  = decimal.NewFromInt(2)
	four = decimal.NewFromInt(4)
)

// MulUp returns a*b rounded toward +inf at Scale.
func MulUp(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).RoundCeil(Scale)
}

// MulDown returns a*b rounded toward -inf at Scale.
func MulDown(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).RoundFloor(Scale)
}

// DivUp returns a/b rounded toward +inf at Scale. a must be >= 0 and b > 0.
func DivUp(a, b decimal.Decimal) decimal.Decimal {
	q, r := a.QuoRem(b, Scale)
	if r.Sign() > 0 {
		q = q.Add(Unit)
	}
	return q
}

// DivDown returns a/b truncated at Scale. a must be >= 0 and b > 0.
func DivDown(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, Scale)
	return q
}

// SqrtUp returns the square root of x at Scale, never smaller than the exact
// root. Non-positive inputs yield zero.
func SqrtUp(x decimal.Decimal) decimal.Decimal {
	if x.Sign() <= 0 {
		return decimal.Zero
	}
	// x * 10^36 rounded up keeps the root at Scale fractional digits.
	n := x.Shift(2 * Scale).Ceil().BigInt()
	root := new(big.Int).Sqrt(n)
	if new(big.Int).Mul(root, root).Cmp(n) < 0 {
		root.Add(root, big.NewInt(1))
	}
	return decimal.NewFromBigInt(root, -Scale)
}
