// Package ledger defines the persistence interface for protected positions.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/ilshield/protection-engine/internal/model"
)

var (
	// ErrPositionNotFound is returned when no position exists for an ID.
	ErrPositionNotFound = errors.New("ledger: position not found")

	// ErrPositionAlreadyClosed is returned when closing a closed position.
	// The ledger is left untouched: closing is not idempotent.
	ErrPositionAlreadyClosed = errors.New("ledger: position already closed")

	// ErrInvalidAmount is returned when a position is created with a zero or
	// negative token amount.
	ErrInvalidAmount = errors.New("ledger: token amounts must be positive")
)

// Store is the persistence interface. Position IDs are assigned by the store
// and strictly increase in creation order; pool aggregates are updated in the
// same atomic step as the position change they reflect.
type Store interface {
	// --- Position lifecycle ---

	// CreatePosition validates and persists a new position, assigns its ID,
	// and adds its entry value to the pool aggregate.
	CreatePosition(ctx context.Context, p *model.Position) (uint64, error)

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id uint64) (*model.Position, error)

	// ClosePosition transitions an active position to closed and removes its
	// entry value from the pool aggregate. Returns the closed position.
	ClosePosition(ctx context.Context, id uint64) (*model.Position, error)

	// --- Queries ---

	// PositionsForOwner returns all of an owner's positions in creation order.
	PositionsForOwner(ctx context.Context, owner string) ([]model.Position, error)

	// ActivePositionIDsForPool returns the IDs of active positions in a pool.
	ActivePositionIDsForPool(ctx context.Context, poolID string) ([]uint64, error)

	// GetPoolAggregate returns the rollup for a pool. A pool with no
	// positions yields an empty aggregate, not an error.
	GetPoolAggregate(ctx context.Context, poolID string) (*model.PoolAggregate, error)

	// OwnerPoolExposures returns active protected entry value per pool for an
	// owner, for exposure-limit checks.
	OwnerPoolExposures(ctx context.Context, owner string) (map[string]decimal.Decimal, error)

	// --- Protection event trail ---

	// AppendProtectionEvent appends an immutable evaluation record.
	AppendProtectionEvent(ctx context.Context, ev *model.ProtectionEvent) error

	// ProtectionEventsForPosition returns a position's evaluation trail in
	// append order.
	ProtectionEventsForPosition(ctx context.Context, positionID uint64) ([]model.ProtectionEvent, error)
}

// validateNew checks the creation-time invariants shared by all Store
// implementations.
func validateNew(p *model.Position) error {
	if p.Token0Amount.Sign() <= 0 || p.Token1Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
