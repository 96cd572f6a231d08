// Package protection evaluates pool events against encrypted loss thresholds
// and triggers protective withdrawals.
package protection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/ilshield/protection-engine/internal/confidential"
	"github.com/ilshield/protection-engine/internal/fixedpoint"
	"github.com/ilshield/protection-engine/internal/il"
	"github.com/ilshield/protection-engine/internal/ledger"
	"github.com/ilshield/protection-engine/internal/metrics"
	"github.com/ilshield/protection-engine/internal/model"
)

var (
	// ErrEvaluationIncomplete is returned when the encrypted comparison does
	// not finish within the evaluation timeout. The position is left active;
	// the evaluation is safe to retry on the next pool event.
	ErrEvaluationIncomplete = errors.New("protection: evaluation did not complete in time")

	// ErrInvalidPoolEvent is returned for pool events with an unknown kind or
	// a non-positive sqrt price.
	ErrInvalidPoolEvent = errors.New("protection: invalid pool event")
)

// Settlement executes protective withdrawals against the exchange.
type Settlement interface {
	Withdraw(ctx context.Context, instr model.WithdrawalInstruction) error
}

// LogSettlement records withdrawal instructions without executing them.
// Stands in for the exchange adapter in development and tests.
type LogSettlement struct{}

func (LogSettlement) Withdraw(_ context.Context, instr model.WithdrawalInstruction) error {
	slog.Info("withdrawal instruction issued",
		"position_id", instr.PositionID,
		"owner", instr.Owner,
		"token0", instr.Token0Amount.String(),
		"token1", instr.Token1Amount.String(),
	)
	return nil
}

// Result is the outcome of evaluating one position against one pool event.
type Result struct {
	PositionID uint64                 `json:"position_id"`
	Skipped    bool                   `json:"skipped"`
	Event      *model.ProtectionEvent `json:"event,omitempty"`
	Err        error                  `json:"-"`
}

// Controller runs protection evaluations. Evaluations for distinct positions
// proceed in parallel; a per-position lock serialises concurrent evaluations
// of the same position so close-and-withdraw happens at most once.
type Controller struct {
	store       ledger.Store
	capability  confidential.Capability
	settlement  Settlement
	hub         *EventHub // optional
	evalTimeout time.Duration

	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

// NewController creates a protection controller.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewController(st ledger.Store, capability confidential.Capability, settlement Settlement, hub *EventHub, evalTimeout time.Duration) *Controller {
	if evalTimeout <= 0 {
		evalTimeout = 5 * time.Second
	}
	return &Controller{
		store:       st,
		capability:  capability,
		settlement:  settlement,
		hub:         hub,
		evalTimeout: evalTimeout,
		locks:       make(map[uint64]*sync.Mutex),
	}
}

// HandlePoolEvent evaluates every position the event concerns: the single
// position named by the event, or all active positions in the pool for
// price-moving events. Evaluations run concurrently; the returned results
// are ordered by position ID resolution order.
func (c *Controller) HandlePoolEvent(ctx context.Context, ev *model.PoolEvent) ([]Result, error) {
	if !model.ValidEventKind(ev.Kind) {
		return nil, ErrInvalidPoolEvent
	}
	currentSqrt, err := fixedpoint.FromDecimal(ev.CurrentSqrtPriceX96)
	if err != nil || currentSqrt.IsZero() {
		return nil, ErrInvalidPoolEvent
	}

	var ids []uint64
	if ev.PositionID != nil {
		ids = []uint64{*ev.PositionID}
	} else {
		ids, err = c.store.ActivePositionIDsForPool(ctx, ev.PoolID)
		if err != nil {
			return nil, err
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	results := make([]Result, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id uint64) {
			defer wg.Done()
			results[i] = c.evaluate(ctx, id, currentSqrt)
		}(i, id)
	}
	wg.Wait()
	return results, nil
}

// evaluate runs the full protection check for one position at the given
// current sqrt price.
func (c *Controller) evaluate(ctx context.Context, id uint64, currentSqrt *uint256.Int) Result {
	start := time.Now()
	defer func() { metrics.EvaluationLatency.Observe(time.Since(start).Seconds()) }()

	lock := c.positionLock(id)
	lock.Lock()
	defer lock.Unlock()

	p, err := c.store.GetPosition(ctx, id)
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		return Result{PositionID: id, Err: err}
	}
	if p.Status == model.StatusClosed {
		return Result{PositionID: id, Skipped: true}
	}

	entrySqrt, err := fixedpoint.FromDecimal(p.EntrySqrtPriceX96)
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		return Result{PositionID: id, Err: err}
	}
	ilRatio, err := il.Calculate(entrySqrt, currentSqrt)
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		return Result{PositionID: id, Err: err}
	}

	threshold, err := confidential.ParseCiphertext(p.EncryptedThreshold)
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		return Result{PositionID: id, Err: err}
	}

	cmpCtx, cancel := context.WithTimeout(ctx, c.evalTimeout)
	defer cancel()
	verdict, err := c.capability.CompareExceeds(cmpCtx, threshold, il.MagnitudeBps(ilRatio))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.EvaluationsTotal.WithLabelValues("incomplete").Inc()
			slog.Warn("evaluation timed out, position stays active",
				"position_id", id, "timeout", c.evalTimeout)
			return Result{PositionID: id, Err: ErrEvaluationIncomplete}
		}
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		return Result{PositionID: id, Err: err}
	}
	breached, err := c.capability.Reveal(ctx, verdict)
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		return Result{PositionID: id, Err: err}
	}

	event := &model.ProtectionEvent{
		ID:         uuid.New().String(),
		PositionID: id,
		PoolID:     p.PoolID,
		ComputedIL: ilRatio,
		Breached:   breached,
		Timestamp:  time.Now().UTC(),
	}

	if breached {
		closed, err := c.store.ClosePosition(ctx, id)
		if err != nil {
			// Lost the race with another close; nothing left to protect.
			if errors.Is(err, ledger.ErrPositionAlreadyClosed) {
				return Result{PositionID: id, Skipped: true}
			}
			metrics.EvaluationsTotal.WithLabelValues("error").Inc()
			return Result{PositionID: id, Err: err}
		}
		metrics.ActivePositions.Dec()

		instr := model.WithdrawalInstruction{
			PositionID:   closed.ID,
			Owner:        closed.Owner,
			Token0Amount: closed.Token0Amount,
			Token1Amount: closed.Token1Amount,
		}
		if err := c.settlement.Withdraw(ctx, instr); err != nil {
			slog.Error("settlement withdraw failed", "position_id", id, "err", err)
		}
		metrics.WithdrawalsTotal.Inc()
		metrics.EvaluationsTotal.WithLabelValues("breach").Inc()

		slog.Info("protection triggered",
			"position_id", id,
			"pool", p.PoolID,
			"il", ilRatio.String(),
		)
	} else {
		metrics.EvaluationsTotal.WithLabelValues("ok").Inc()
	}

	if err := c.store.AppendProtectionEvent(ctx, event); err != nil {
		slog.Error("failed to record protection event", "position_id", id, "err", err)
	}
	if c.hub != nil {
		c.hub.BroadcastEvent(*event)
	}

	return Result{PositionID: id, Event: event}
}

// positionLock returns the serialisation lock for a position, creating it on
// first use.
func (c *Controller) positionLock(id uint64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[id] = lock
	}
	return lock
}
