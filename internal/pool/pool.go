// Package pool handles AMM pool identifier parsing and validation.
package pool

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Fee tiers supported by the exchange, in hundredths of a basis point
// following the usual concentrated-liquidity convention (500 = 0.05%).
var validFeeTiers = map[uint32]bool{
	100:   true,
	500:   true,
	3000:  true,
	10000: true,
}

// idRegex matches: {TOKEN0}-{TOKEN1}-{feeTier}
// Example: WETH-USDC-3000
var idRegex = regexp.MustCompile(
	`^([A-Z0-9]{2,10})-([A-Z0-9]{2,10})-([0-9]+)$`,
)

var (
	ErrInvalidPoolID = errors.New("pool: invalid pool id format")
	ErrInvalidFee    = errors.New("pool: unsupported fee tier")
)

// Pool represents a parsed pool identifier.
type Pool struct {
	ID      string `json:"id"`
	Token0  string `json:"token0"`
	Token1  string `json:"token1"`
	FeeTier uint32 `json:"fee_tier"`
}

// ParseID parses and validates a pool identifier string.
// Format: {TOKEN0}-{TOKEN1}-{feeTier}
func ParseID(id string) (*Pool, error) {
	matches := idRegex.FindStringSubmatch(id)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {TOKEN0}-{TOKEN1}-{fee})",
			ErrInvalidPoolID, id)
	}

	token0 := matches[1]
	token1 := matches[2]
	if token0 == token1 {
		return nil, fmt.Errorf("%w: identical tokens %s", ErrInvalidPoolID, token0)
	}

	fee, err := strconv.ParseUint(matches[3], 10, 32)
	if err != nil || !validFeeTiers[uint32(fee)] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFee, matches[3])
	}

	return &Pool{
		ID:      id,
		Token0:  token0,
		Token1:  token1,
		FeeTier: uint32(fee),
	}, nil
}
