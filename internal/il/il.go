// Package il implements the impermanent-loss calculation for protected LP
// positions.
//
// For a constant-product pool, the value of a liquidity position relative to
// simply holding the deposited tokens is
//
//	V_pool / V_hold = 2*sqrt(r) / (1 + r)
//
// where r is the price ratio since deposit. The loss ratio
//
//	il = 2*sqrt(r)/(1+r) - 1
//
// is maximised at r == 1 (il == 0) and approaches, but never reaches, -1 as
// r diverges; by AM-GM it is never positive. All arithmetic is integer
// fixed point at 18 decimals so the result is deterministic and monotone in
// |log(r)| across at least six orders of magnitude of divergence.
package il

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/ilshield/protection-engine/internal/fixedpoint"
)

var (
	// ErrArithmeticOverflow is returned when a fixed-point operation would
	// wrap or lose precision instead of silently doing either.
	ErrArithmeticOverflow = errors.New("il: fixed-point operation overflows")

	// ErrInvalidThreshold is returned for loss thresholds outside (0, 1].
	ErrInvalidThreshold = errors.New("il: threshold must lie in (0, 1]")
)

// BpsPerUnit is the basis-point scale used when IL magnitudes and thresholds
// cross into the encrypted comparison domain.
const BpsPerUnit = 10000

var (
	big1e18 = big.NewInt(1e18)

	// ratioCapX18 caps the X18 price ratio at 1e38, far outside the supported
	// 1e-6..1e6 divergence range but still small enough that every later
	// intermediate fits in 256 bits. Below the floor of 1 (an X18 ratio under
	// 1e-18) the loss is already indistinguishable from -100%.
	ratioCapX18 = uint256.MustFromDecimal("100000000000000000000000000000000000000")

	bpsFactor = decimal.NewFromInt(BpsPerUnit)
)

// Calculate returns the signed IL ratio for a position entered at
// entrySqrtPriceX96 and observed at currentSqrtPriceX96, both Q64.96.
// The result is always <= 0 and exactly 0 when the price is unchanged.
// Rejects zero inputs with fixedpoint.ErrInvalidPrice.
func Calculate(entrySqrtPriceX96, currentSqrtPriceX96 *uint256.Int) (decimal.Decimal, error) {
	if entrySqrtPriceX96 == nil || entrySqrtPriceX96.IsZero() ||
		currentSqrtPriceX96 == nil || currentSqrtPriceX96.IsZero() {
		return decimal.Zero, fixedpoint.ErrInvalidPrice
	}

	// r_x18 = current^2 * 1e18 / entry^2, widened so squaring cannot wrap.
	c := currentSqrtPriceX96.ToBig()
	e := entrySqrtPriceX96.ToBig()
	num := new(big.Int).Mul(c, c)
	num.Mul(num, big1e18)
	den := new(big.Int).Mul(e, e)
	rBig := num.Div(num, den)

	ratio, overflow := uint256.FromBig(rBig)
	if overflow || ratio.Gt(ratioCapX18) {
		ratio = ratioCapX18.Clone()
	}
	if ratio.IsZero() {
		ratio = uint256.NewInt(1)
	}

	// sqrt(r) in X18: isqrt(r_x18 * 1e18). After the cap the radicand is at
	// most 1e56, comfortably inside 256 bits.
	radicand := new(uint256.Int).Mul(ratio, fixedpoint.OneX18())
	sqrtRatio := fixedpoint.Sqrt(radicand)

	// frac = 2*sqrt(r)*1e18 / (1e18 + r); frac <= 1e18 by AM-GM, and the
	// floored sqrt only pulls it further down, so the magnitude below never
	// underflows.
	numer := new(uint256.Int).Lsh(sqrtRatio, 1)
	numer.Mul(numer, fixedpoint.OneX18())
	denom := new(uint256.Int).Add(fixedpoint.OneX18(), ratio)
	frac := numer.Div(numer, denom)

	magnitude := new(uint256.Int).Sub(fixedpoint.OneX18(), frac)
	return fixedpoint.ToDecimal(magnitude, fixedpoint.PriceDecimals).Neg(), nil
}

// MagnitudeBps converts a signed IL ratio into its magnitude in basis
// points, floored. Flooring under-reports the loss by strictly less than one
// basis point and therefore never produces a spurious breach.
func MagnitudeBps(ilRatio decimal.Decimal) uint64 {
	bps := ilRatio.Abs().Mul(bpsFactor).Floor().IntPart()
	if bps < 0 {
		return 0
	}
	return uint64(bps)
}

// PositionValue computes token0Amount*price0 + token1Amount*price1 with
// overflow-checked fixed-point multiplication. Prices and amounts are plain
// decimals; internally each term is evaluated in X18 uint256 arithmetic and
// fails with ErrArithmeticOverflow rather than wrapping.
func PositionValue(token0Amount, token1Amount, price0, price1 decimal.Decimal) (decimal.Decimal, error) {
	t0, err := mulX18(token0Amount, price0)
	if err != nil {
		return decimal.Zero, err
	}
	t1, err := mulX18(token1Amount, price1)
	if err != nil {
		return decimal.Zero, err
	}
	sum, carry := new(uint256.Int).AddOverflow(t0, t1)
	if carry {
		return decimal.Zero, ErrArithmeticOverflow
	}
	return fixedpoint.ToDecimal(sum, fixedpoint.PriceDecimals), nil
}

// mulX18 multiplies two non-negative decimals in X18 fixed point, returning
// the X18-scaled product.
func mulX18(a, b decimal.Decimal) (*uint256.Int, error) {
	ax, err := toX18(a)
	if err != nil {
		return nil, err
	}
	bx, err := toX18(b)
	if err != nil {
		return nil, err
	}
	prod, overflow := new(uint256.Int).MulOverflow(ax, bx)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return prod.Div(prod, fixedpoint.OneX18()), nil
}

func toX18(d decimal.Decimal) (*uint256.Int, error) {
	x, err := fixedpoint.FromDecimal(d.Shift(fixedpoint.PriceDecimals))
	if err != nil {
		return nil, ErrArithmeticOverflow
	}
	return x, nil
}

// ValidateThreshold enforces that a loss threshold (expressed as a fraction)
// lies in (0, 1]. Enforced at position creation, never at evaluation time.
func ValidateThreshold(threshold decimal.Decimal) error {
	if threshold.Sign() <= 0 || threshold.GreaterThan(decimal.NewFromInt(1)) {
		return ErrInvalidThreshold
	}
	return nil
}

// ThresholdBps converts a validated threshold fraction into basis points,
// ceiled. Ceiling pairs with the floored IL magnitude: rounding can only make
// a breach harder to trigger, so a position evaluated at its own entry price
// (IL == 0) can never breach a positive threshold.
func ThresholdBps(threshold decimal.Decimal) (uint64, error) {
	if err := ValidateThreshold(threshold); err != nil {
		return 0, err
	}
	return uint64(threshold.Mul(bpsFactor).Ceil().IntPart()), nil
}
