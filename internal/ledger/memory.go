package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ilshield/protection-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	nextID     uint64
	positions  map[uint64]*model.Position
	order      []uint64
	aggregates map[string]*model.PoolAggregate
	events     []model.ProtectionEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:     1,
		positions:  make(map[uint64]*model.Position),
		aggregates: make(map[string]*model.PoolAggregate),
	}
}

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) (uint64, error) {
	if err := validateNew(p); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *p
	stored.ID = s.nextID
	stored.Status = model.StatusActive
	if stored.DepositedAt.IsZero() {
		stored.DepositedAt = time.Now().UTC()
	}
	s.nextID++

	s.positions[stored.ID] = &stored
	s.order = append(s.order, stored.ID)

	agg := s.aggregateLocked(stored.PoolID)
	agg.TotalProtectedLiquidity = agg.TotalProtectedLiquidity.Add(stored.EntryValue)
	agg.ActivePositionIDs = append(agg.ActivePositionIDs, stored.ID)

	p.ID = stored.ID
	return stored.ID, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id uint64) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	out := *p
	return &out, nil
}

func (s *MemoryStore) ClosePosition(_ context.Context, id uint64) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	if p.Status == model.StatusClosed {
		return nil, ErrPositionAlreadyClosed
	}
	p.Status = model.StatusClosed

	agg := s.aggregateLocked(p.PoolID)
	agg.TotalProtectedLiquidity = agg.TotalProtectedLiquidity.Sub(p.EntryValue)
	for i, aid := range agg.ActivePositionIDs {
		if aid == id {
			agg.ActivePositionIDs = append(agg.ActivePositionIDs[:i], agg.ActivePositionIDs[i+1:]...)
			break
		}
	}

	out := *p
	return &out, nil
}

func (s *MemoryStore) PositionsForOwner(_ context.Context, owner string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, id := range s.order {
		if p := s.positions[id]; p.Owner == owner {
			result = append(result, *p)
		}
	}
	return result, nil
}

func (s *MemoryStore) ActivePositionIDsForPool(_ context.Context, poolID string) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.aggregates[poolID]
	if !ok {
		return nil, nil
	}
	ids := make([]uint64, len(agg.ActivePositionIDs))
	copy(ids, agg.ActivePositionIDs)
	return ids, nil
}

func (s *MemoryStore) GetPoolAggregate(_ context.Context, poolID string) (*model.PoolAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.aggregates[poolID]
	if !ok {
		return &model.PoolAggregate{PoolID: poolID}, nil
	}
	out := model.PoolAggregate{
		PoolID:                  agg.PoolID,
		TotalProtectedLiquidity: agg.TotalProtectedLiquidity,
		ActivePositionIDs:       make([]uint64, len(agg.ActivePositionIDs)),
	}
	copy(out.ActivePositionIDs, agg.ActivePositionIDs)
	return &out, nil
}

func (s *MemoryStore) OwnerPoolExposures(_ context.Context, owner string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exposures := make(map[string]decimal.Decimal)
	for _, p := range s.positions {
		if p.Owner == owner && p.Status == model.StatusActive {
			exposures[p.PoolID] = exposures[p.PoolID].Add(p.EntryValue)
		}
	}
	return exposures, nil
}

func (s *MemoryStore) AppendProtectionEvent(_ context.Context, ev *model.ProtectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryStore) ProtectionEventsForPosition(_ context.Context, positionID uint64) ([]model.ProtectionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ProtectionEvent
	for _, ev := range s.events {
		if ev.PositionID == positionID {
			result = append(result, ev)
		}
	}
	return result, nil
}

// aggregateLocked returns the aggregate for poolID, creating it if needed.
// Caller must hold the write lock.
func (s *MemoryStore) aggregateLocked(poolID string) *model.PoolAggregate {
	agg, ok := s.aggregates[poolID]
	if !ok {
		agg = &model.PoolAggregate{PoolID: poolID}
		s.aggregates[poolID] = agg
	}
	return agg
}
