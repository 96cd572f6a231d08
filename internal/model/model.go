// Package model defines the core domain types shared across the protection engine.
// All value amounts use shopspring/decimal — never float64 for money. Square-root
// prices are Q64.96 integers carried as exact decimals and converted to uint256
// at the math boundary.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a protected position.
// The only legal transition is StatusActive → StatusClosed.
type PositionStatus string

const (
	StatusActive PositionStatus = "active"
	StatusClosed PositionStatus = "closed"
)

// PoolEventKind classifies inbound pool events from the exchange collaborator.
type PoolEventKind string

const (
	LiquidityAdded   PoolEventKind = "liquidity_added"
	LiquidityRemoved PoolEventKind = "liquidity_removed"
	Swap             PoolEventKind = "swap"
)

// ValidEventKind reports whether k is one of the three pool event kinds.
func ValidEventKind(k PoolEventKind) bool {
	switch k {
	case LiquidityAdded, LiquidityRemoved, Swap:
		return true
	}
	return false
}

// Position is one LP's protected stake in one pool.
//
// EntrySqrtPriceX96 and EncryptedThreshold are set exactly once at creation
// and never mutated; only Status changes afterwards.
type Position struct {
	ID                 uint64          `json:"id" db:"id"`
	Owner              string          `json:"owner" db:"owner"`
	PoolID             string          `json:"pool_id" db:"pool_id"`
	EntrySqrtPriceX96  decimal.Decimal `json:"entry_sqrt_price_x96" db:"entry_sqrt_price_x96"`
	Token0Amount       decimal.Decimal `json:"token0_amount" db:"token0_amount"`
	Token1Amount       decimal.Decimal `json:"token1_amount" db:"token1_amount"`
	EncryptedThreshold []byte          `json:"encrypted_threshold" db:"encrypted_threshold"` // sealed ciphertext, opaque
	EntryValue         decimal.Decimal `json:"entry_value" db:"entry_value"`                 // token1-denominated value at entry
	DepositedAt        time.Time       `json:"deposited_at" db:"deposited_at"`
	Status             PositionStatus  `json:"status" db:"status"`
}

// PoolAggregate is the per-pool rollup over active positions.
// TotalProtectedLiquidity always equals the sum of EntryValue over the pool's
// active positions; it is updated atomically with every status change.
type PoolAggregate struct {
	PoolID                  string          `json:"pool_id" db:"pool_id"`
	TotalProtectedLiquidity decimal.Decimal `json:"total_protected_liquidity" db:"total_protected_liquidity"`
	ActivePositionIDs       []uint64        `json:"active_position_ids"`
}

// ProtectionEvent is the outcome of one evaluation. Derived state: it is
// appended to an observability trail and broadcast, never read back into
// protection decisions.
type ProtectionEvent struct {
	ID         string          `json:"id" db:"id"`
	PositionID uint64          `json:"position_id" db:"position_id"`
	PoolID     string          `json:"pool_id" db:"pool_id"`
	ComputedIL decimal.Decimal `json:"computed_il" db:"computed_il"` // signed ratio, always <= 0
	Breached   bool            `json:"breached" db:"breached"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// PoolEvent is delivered by the external pool collaborator on every
// position-affecting change. PositionID is nil for price-moving events that
// concern every active position in the pool (e.g. swaps).
type PoolEvent struct {
	ID                  string          `json:"id"`
	PoolID              string          `json:"pool_id"`
	PositionID          *uint64         `json:"position_id,omitempty"`
	CurrentSqrtPriceX96 decimal.Decimal `json:"current_sqrt_price_x96"`
	Kind                PoolEventKind   `json:"kind"`
	Timestamp           time.Time       `json:"timestamp"`
}

// WithdrawalInstruction is handed to the external settlement collaborator
// when a breached position is withdrawn.
type WithdrawalInstruction struct {
	PositionID   uint64          `json:"position_id"`
	Owner        string          `json:"owner"`
	Token0Amount decimal.Decimal `json:"token0_amount"`
	Token1Amount decimal.Decimal `json:"token1_amount"`
}
