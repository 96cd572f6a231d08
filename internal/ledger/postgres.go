package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ilshield/protection-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values and sqrt prices are stored as NUMERIC for exact
// precision. Position IDs come from a BIGSERIAL, so they are monotonic
// across restarts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) (uint64, error) {
	if err := validateNew(p); err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id uint64
	err = tx.QueryRow(ctx,
		`INSERT INTO positions (owner, pool_id, entry_sqrt_price_x96, token0_amount, token1_amount,
		                        encrypted_threshold, entry_value, deposited_at, status)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9)
		 RETURNING id`,
		p.Owner, p.PoolID, p.EntrySqrtPriceX96.String(),
		p.Token0Amount.String(), p.Token1Amount.String(),
		p.EncryptedThreshold, p.EntryValue.String(),
		p.DepositedAt, model.StatusActive,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create position: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO pool_aggregates (pool_id, total_protected_liquidity)
		 VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (pool_id)
		 DO UPDATE SET total_protected_liquidity = pool_aggregates.total_protected_liquidity + EXCLUDED.total_protected_liquidity`,
		p.PoolID, p.EntryValue.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("update pool aggregate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	p.ID = id
	p.Status = model.StatusActive
	return id, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id uint64) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, positionSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("get position %d: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ClosePosition(ctx context.Context, id uint64) (*model.Position, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := scanPosition(tx.QueryRow(ctx, positionSelect+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("close position %d: %w", id, err)
	}
	if p.Status == model.StatusClosed {
		return nil, ErrPositionAlreadyClosed
	}

	if _, err := tx.Exec(ctx,
		`UPDATE positions SET status = $2 WHERE id = $1`,
		id, model.StatusClosed,
	); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE pool_aggregates
		 SET total_protected_liquidity = total_protected_liquidity - $2::NUMERIC
		 WHERE pool_id = $1`,
		p.PoolID, p.EntryValue.String(),
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	p.Status = model.StatusClosed
	return p, nil
}

func (s *PostgresStore) PositionsForOwner(ctx context.Context, owner string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, positionSelect+` WHERE owner = $1 ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ActivePositionIDsForPool(ctx context.Context, poolID string) ([]uint64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM positions WHERE pool_id = $1 AND status = $2 ORDER BY id`,
		poolID, model.StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetPoolAggregate(ctx context.Context, poolID string) (*model.PoolAggregate, error) {
	var totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT total_protected_liquidity::TEXT FROM pool_aggregates WHERE pool_id = $1`,
		poolID).Scan(&totalS)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.PoolAggregate{PoolID: poolID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pool aggregate %s: %w", poolID, err)
	}

	agg := &model.PoolAggregate{PoolID: poolID}
	agg.TotalProtectedLiquidity, _ = decimal.NewFromString(totalS)
	agg.ActivePositionIDs, err = s.ActivePositionIDsForPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func (s *PostgresStore) OwnerPoolExposures(ctx context.Context, owner string) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pool_id, COALESCE(SUM(entry_value), 0)::TEXT
		 FROM positions
		 WHERE owner = $1 AND status = $2
		 GROUP BY pool_id`,
		owner, model.StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exposures := make(map[string]decimal.Decimal)
	for rows.Next() {
		var poolID, valueS string
		if err := rows.Scan(&poolID, &valueS); err != nil {
			return nil, err
		}
		exposures[poolID], _ = decimal.NewFromString(valueS)
	}
	return exposures, rows.Err()
}

func (s *PostgresStore) AppendProtectionEvent(ctx context.Context, ev *model.ProtectionEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO protection_events (id, position_id, pool_id, computed_il, breached, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		ev.ID, ev.PositionID, ev.PoolID, ev.ComputedIL.String(), ev.Breached, ev.Timestamp,
	)
	return err
}

func (s *PostgresStore) ProtectionEventsForPosition(ctx context.Context, positionID uint64) ([]model.ProtectionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, pool_id, computed_il::TEXT, breached, timestamp
		 FROM protection_events WHERE position_id = $1 ORDER BY timestamp`,
		positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.ProtectionEvent
	for rows.Next() {
		var ev model.ProtectionEvent
		var ilS string
		if err := rows.Scan(&ev.ID, &ev.PositionID, &ev.PoolID, &ilS, &ev.Breached, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.ComputedIL, _ = decimal.NewFromString(ilS)
		events = append(events, ev)
	}
	return events, rows.Err()
}

const positionSelect = `SELECT id, owner, pool_id,
       entry_sqrt_price_x96::TEXT, token0_amount::TEXT, token1_amount::TEXT,
       encrypted_threshold, entry_value::TEXT, deposited_at, status
  FROM positions`

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var sqrtS, t0S, t1S, valueS string

	if err := row.Scan(&p.ID, &p.Owner, &p.PoolID,
		&sqrtS, &t0S, &t1S,
		&p.EncryptedThreshold, &valueS, &p.DepositedAt, &p.Status); err != nil {
		return nil, err
	}

	p.EntrySqrtPriceX96, _ = decimal.NewFromString(sqrtS)
	p.Token0Amount, _ = decimal.NewFromString(t0S)
	p.Token1Amount, _ = decimal.NewFromString(t1S)
	p.EntryValue, _ = decimal.NewFromString(valueS)

	return &p, nil
}
