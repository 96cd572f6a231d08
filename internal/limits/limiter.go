// Package limits implements per-owner exposure limits that account for
// correlation between pools sharing a base asset.
//
// An LP protecting positions in WETH-USDC, WETH-USDT and WETH-DAI holds one
// correlated bet on WETH. This package groups pools by their token0 symbol
// and enforces an aggregate entry-value limit per group on top of the
// per-pool limit.
package limits

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerPoolLimitExceeded is returned when a new position would push an
	// owner's exposure in a single pool beyond the per-pool maximum.
	ErrPerPoolLimitExceeded = errors.New("limits: per-pool exposure limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a new position would push
	// an owner's aggregate exposure across pools sharing a base asset beyond
	// the correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("limits: correlated exposure limit exceeded")
)

// ExposureLimiter enforces entry-value limits with base-asset correlation
// awareness. Exposures are token1-denominated entry values, so amounts are
// comparable within a correlated group.
type ExposureLimiter struct {
	// MaxPerPool is the maximum protected entry value in any single pool.
	MaxPerPool decimal.Decimal

	// MaxCorrelated is the maximum aggregate protected entry value across
	// all pools sharing the same base asset.
	MaxCorrelated decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given per-pool and
// correlated exposure limits.
func NewExposureLimiter(maxPerPool, maxCorrelated decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerPool:    maxPerPool,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether a new position respects exposure limits.
//
// Parameters:
//   - targetPool: pool ID of the position being created
//   - entryValue: token1-denominated entry value of the new position
//   - existingExposures: map of pool ID → current protected entry value for
//     this owner
//
// Returns nil if the position is within limits, or an error describing the
// violation.
func (l *ExposureLimiter) CheckLimit(
	targetPool string,
	entryValue decimal.Decimal,
	existingExposures map[string]decimal.Decimal,
) error {
	newInPool := existingExposures[targetPool].Add(entryValue)
	if newInPool.GreaterThan(l.MaxPerPool) {
		return ErrPerPoolLimitExceeded
	}

	// Correlated exposure: sum across pools sharing the base asset.
	targetBase := baseAsset(targetPool)
	totalCorrelated := newInPool

	for poolID, exposure := range existingExposures {
		if poolID == targetPool {
			continue // already counted via newInPool above
		}
		if baseAsset(poolID) == targetBase {
			totalCorrelated = totalCorrelated.Add(exposure)
		}
	}

	if totalCorrelated.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}

	return nil
}

// baseAsset returns the token0 symbol of a pool ID, or the whole ID when it
// has no separator.
func baseAsset(poolID string) string {
	if i := strings.IndexByte(poolID, '-'); i > 0 {
		return poolID[:i]
	}
	return poolID
}
