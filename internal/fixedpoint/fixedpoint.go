// Package fixedpoint implements the integer square-root and Q64.96
// square-root-price conversions shared by all numeric operations in the
// protection engine.
//
// AMM pools encode price as sqrt(price) * 2^96 to avoid precision loss;
// converting back to a usable ratio requires squaring a value that can span
// well over 128 bits, so every intermediate product here is widened to at
// least twice the input width before the final scale-down division. Division
// always floors — callers must not assume rounding to nearest.
//
// Prices leave this package scaled to 18 decimals (the X18 convention),
// matching typical token precision.
package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidPrice is returned for zero or negative price inputs.
	ErrInvalidPrice = errors.New("fixedpoint: price input must be positive")

	// ErrValueOutOfRange is returned when a value does not fit in 256 bits.
	ErrValueOutOfRange = errors.New("fixedpoint: value does not fit in 256 bits")
)

// PriceDecimals is the fixed-point scale of prices produced by this package.
const PriceDecimals = 18

var (
	oneX18   = uint256.NewInt(1e18)
	big1e18  = big.NewInt(1e18)
	bigOne   = big.NewInt(1)
	maxBig   = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 256), bigOne)
)

// OneX18 returns the fixed-point representation of 1 (10^18).
func OneX18() *uint256.Int {
	return oneX18.Clone()
}

// Sqrt computes the integer square root of x via the Babylonian method:
// seed with x itself and iterate next = (prev + x/prev) / 2 until
// next >= prev. Exact for perfect squares, floor otherwise. The iteration
// count is bounded by the bit width of x (the estimate at least halves its
// error each round).
func Sqrt(x *uint256.Int) *uint256.Int {
	if x == nil || x.IsZero() {
		return uint256.NewInt(0)
	}
	prev := x.Clone()
	next := new(uint256.Int).Div(x, prev)
	next.Add(next, prev)
	next.Rsh(next, 1)
	for next.Lt(prev) {
		prev.Set(next)
		next.Div(x, prev)
		next.Add(next, prev)
		next.Rsh(next, 1)
	}
	return prev
}

// PriceFromSqrtX96 converts a Q64.96 square-root price into an X18 price:
//
//	price = sqrtPriceX96^2 / 2^192, scaled by 10^18
//
// The square is computed in a widened (arbitrary-precision) intermediate so
// no input in the 256-bit domain can overflow before the scale-down.
// Returns ErrInvalidPrice for a zero input.
func PriceFromSqrtX96(sqrtPriceX96 *uint256.Int) (*uint256.Int, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.IsZero() {
		return nil, ErrInvalidPrice
	}
	s := sqrtPriceX96.ToBig()
	p := new(big.Int).Mul(s, s)
	p.Mul(p, big1e18)
	p.Rsh(p, 192)
	out, overflow := uint256.FromBig(p)
	if overflow {
		return nil, ErrValueOutOfRange
	}
	return out, nil
}

// SqrtPriceX96FromPrice reconstructs a Q64.96 square-root price from an X18
// price: sqrt(priceX18 * 2^192 / 10^18), floored. Inverse of
// PriceFromSqrtX96 up to flooring error.
func SqrtPriceX96FromPrice(priceX18 *uint256.Int) (*uint256.Int, error) {
	if priceX18 == nil || priceX18.IsZero() {
		return nil, ErrInvalidPrice
	}
	p := priceX18.ToBig()
	p.Lsh(p, 192)
	p.Div(p, big1e18)
	p.Sqrt(p)
	out, overflow := uint256.FromBig(p)
	if overflow {
		return nil, ErrValueOutOfRange
	}
	return out, nil
}

// FromDecimal converts an exact non-negative integer decimal (as stored in
// the ledger for sqrt prices and X18 amounts) into a uint256.
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.Sign() < 0 {
		return nil, ErrValueOutOfRange
	}
	b := d.BigInt() // truncates any fractional part; ledger values are integral
	if b.Cmp(maxBig) > 0 {
		return nil, ErrValueOutOfRange
	}
	out, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrValueOutOfRange
	}
	return out, nil
}

// ToDecimal renders x as a decimal with the given fixed-point scale
// (scale 18 turns an X18 value back into a plain ratio).
func ToDecimal(x *uint256.Int, scale int32) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -scale)
}
