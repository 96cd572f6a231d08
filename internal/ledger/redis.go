package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ilshield/protection-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position) (uint64, error) {
	id, err := s.primary.CreatePosition(ctx, p)
	if err != nil {
		return 0, err
	}
	s.cachePosition(ctx, p)
	s.rdb.Del(ctx, aggregateKey(p.PoolID))
	return id, nil
}

func (s *CachedStore) ClosePosition(ctx context.Context, id uint64) (*model.Position, error) {
	p, err := s.primary.ClosePosition(ctx, id)
	if err != nil {
		return nil, err
	}
	// Invalidate both the position and its pool rollup; next read re-populates.
	s.rdb.Del(ctx, positionKey(id), aggregateKey(p.PoolID))
	return p, nil
}

func (s *CachedStore) AppendProtectionEvent(ctx context.Context, ev *model.ProtectionEvent) error {
	return s.primary.AppendProtectionEvent(ctx, ev)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, id uint64) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(id)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cachePosition(ctx, p)
	return p, nil
}

func (s *CachedStore) GetPoolAggregate(ctx context.Context, poolID string) (*model.PoolAggregate, error) {
	data, err := s.rdb.Get(ctx, aggregateKey(poolID)).Bytes()
	if err == nil {
		var agg model.PoolAggregate
		if json.Unmarshal(data, &agg) == nil {
			return &agg, nil
		}
	}

	// Cache miss.
	agg, err := s.primary.GetPoolAggregate(ctx, poolID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(agg); err == nil {
		s.rdb.Set(ctx, aggregateKey(poolID), data, s.ttl)
	}
	return agg, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) PositionsForOwner(ctx context.Context, owner string) ([]model.Position, error) {
	return s.primary.PositionsForOwner(ctx, owner)
}

func (s *CachedStore) ActivePositionIDsForPool(ctx context.Context, poolID string) ([]uint64, error) {
	return s.primary.ActivePositionIDsForPool(ctx, poolID)
}

func (s *CachedStore) OwnerPoolExposures(ctx context.Context, owner string) (map[string]decimal.Decimal, error) {
	return s.primary.OwnerPoolExposures(ctx, owner)
}

func (s *CachedStore) ProtectionEventsForPosition(ctx context.Context, positionID uint64) ([]model.ProtectionEvent, error) {
	return s.primary.ProtectionEventsForPosition(ctx, positionID)
}

// --- Cache helpers ---

func (s *CachedStore) cachePosition(ctx context.Context, p *model.Position) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(p.ID), data, s.ttl)
	}
}

func positionKey(id uint64) string      { return fmt.Sprintf("position:%d", id) }
func aggregateKey(poolID string) string { return fmt.Sprintf("pool_agg:%s", poolID) }
