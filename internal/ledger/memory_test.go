package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ilshield/protection-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedPosition(t *testing.T, s Store, owner, poolID, entryValue string) uint64 {
	t.Helper()
	id, err := s.CreatePosition(context.Background(), &model.Position{
		Owner:             owner,
		PoolID:            poolID,
		EntrySqrtPriceX96: d("79228162514264337593543950336"),
		Token0Amount:      d("10"),
		Token1Amount:      d("10"),
		EntryValue:        d(entryValue),
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
	return id
}

func TestCreatePosition_AssignsMonotonicIDs(t *testing.T) {
	s := NewMemoryStore()
	var prev uint64
	for i := 0; i < 5; i++ {
		id := seedPosition(t, s, "lp-1", "WETH-USDC-3000", "100")
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestCreatePosition_RejectsNonPositiveAmounts(t *testing.T) {
	s := NewMemoryStore()
	for _, amounts := range [][2]string{
		{"0", "10"},
		{"10", "0"},
		{"-1", "10"},
		{"10", "-1"},
	} {
		_, err := s.CreatePosition(context.Background(), &model.Position{
			Owner:        "lp-1",
			PoolID:       "WETH-USDC-3000",
			Token0Amount: d(amounts[0]),
			Token1Amount: d(amounts[1]),
			EntryValue:   d("100"),
		})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amounts %v: expected ErrInvalidAmount, got %v", amounts, err)
		}
	}
}

func TestGetPosition_NotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetPosition(context.Background(), 42); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestClosePosition_Lifecycle(t *testing.T) {
	s := NewMemoryStore()
	id := seedPosition(t, s, "lp-1", "WETH-USDC-3000", "100")

	closed, err := s.ClosePosition(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed.Status != model.StatusClosed {
		t.Errorf("status = %s, want closed", closed.Status)
	}

	// Closing again fails and must not disturb the aggregate.
	if _, err := s.ClosePosition(context.Background(), id); !errors.Is(err, ErrPositionAlreadyClosed) {
		t.Errorf("expected ErrPositionAlreadyClosed, got %v", err)
	}
	agg, err := s.GetPoolAggregate(context.Background(), "WETH-USDC-3000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !agg.TotalProtectedLiquidity.IsZero() {
		t.Errorf("aggregate after double close = %s, want 0", agg.TotalProtectedLiquidity)
	}
}

func TestPoolAggregate_TracksActivePositions(t *testing.T) {
	s := NewMemoryStore()
	id1 := seedPosition(t, s, "lp-1", "WETH-USDC-3000", "100")
	id2 := seedPosition(t, s, "lp-2", "WETH-USDC-3000", "250")
	seedPosition(t, s, "lp-1", "WBTC-USDC-500", "999")

	agg, err := s.GetPoolAggregate(context.Background(), "WETH-USDC-3000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !agg.TotalProtectedLiquidity.Equal(d("350")) {
		t.Errorf("total = %s, want 350", agg.TotalProtectedLiquidity)
	}
	if len(agg.ActivePositionIDs) != 2 || agg.ActivePositionIDs[0] != id1 || agg.ActivePositionIDs[1] != id2 {
		t.Errorf("active ids = %v, want [%d %d]", agg.ActivePositionIDs, id1, id2)
	}

	if _, err := s.ClosePosition(context.Background(), id1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	agg, _ = s.GetPoolAggregate(context.Background(), "WETH-USDC-3000")
	if !agg.TotalProtectedLiquidity.Equal(d("250")) {
		t.Errorf("total after close = %s, want 250", agg.TotalProtectedLiquidity)
	}
	if len(agg.ActivePositionIDs) != 1 || agg.ActivePositionIDs[0] != id2 {
		t.Errorf("active ids after close = %v, want [%d]", agg.ActivePositionIDs, id2)
	}
}

func TestPoolAggregate_EmptyPool(t *testing.T) {
	s := NewMemoryStore()
	agg, err := s.GetPoolAggregate(context.Background(), "WETH-USDC-3000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !agg.TotalProtectedLiquidity.IsZero() || len(agg.ActivePositionIDs) != 0 {
		t.Errorf("empty pool aggregate = %+v, want zero", agg)
	}
}

func TestPositionsForOwner_CreationOrder(t *testing.T) {
	s := NewMemoryStore()
	id1 := seedPosition(t, s, "lp-1", "WETH-USDC-3000", "100")
	seedPosition(t, s, "lp-2", "WETH-USDC-3000", "200")
	id3 := seedPosition(t, s, "lp-1", "WBTC-USDC-500", "300")

	positions, err := s.PositionsForOwner(context.Background(), "lp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 2 || positions[0].ID != id1 || positions[1].ID != id3 {
		t.Fatalf("positions = %+v, want ids [%d %d] in order", positions, id1, id3)
	}
}

func TestOwnerPoolExposures_ActiveOnly(t *testing.T) {
	s := NewMemoryStore()
	seedPosition(t, s, "lp-1", "WETH-USDC-3000", "100")
	id := seedPosition(t, s, "lp-1", "WETH-USDC-3000", "200")
	seedPosition(t, s, "lp-1", "WBTC-USDC-500", "50")

	if _, err := s.ClosePosition(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exposures, err := s.OwnerPoolExposures(context.Background(), "lp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exposures["WETH-USDC-3000"].Equal(d("100")) {
		t.Errorf("WETH exposure = %s, want 100 (closed position excluded)", exposures["WETH-USDC-3000"])
	}
	if !exposures["WBTC-USDC-500"].Equal(d("50")) {
		t.Errorf("WBTC exposure = %s, want 50", exposures["WBTC-USDC-500"])
	}
}

func TestProtectionEvents_AppendOrder(t *testing.T) {
	s := NewMemoryStore()
	id := seedPosition(t, s, "lp-1", "WETH-USDC-3000", "100")

	for i, il := range []string{"-0.01", "-0.03", "-0.06"} {
		err := s.AppendProtectionEvent(context.Background(), &model.ProtectionEvent{
			ID:         string(rune('a' + i)),
			PositionID: id,
			PoolID:     "WETH-USDC-3000",
			ComputedIL: d(il),
			Breached:   il == "-0.06",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	events, err := s.ProtectionEventsForPosition(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if !events[0].ComputedIL.Equal(d("-0.01")) || !events[2].Breached {
		t.Errorf("events out of order: %+v", events)
	}
}

func TestConcurrentCreates_AggregateStaysConsistent(t *testing.T) {
	s := NewMemoryStore()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreatePosition(context.Background(), &model.Position{
				Owner:        "lp-1",
				PoolID:       "WETH-USDC-3000",
				Token0Amount: d("1"),
				Token1Amount: d("1"),
				EntryValue:   d("10"),
			})
			if err != nil {
				t.Errorf("create: %v", err)
			}
		}()
	}
	wg.Wait()

	agg, err := s.GetPoolAggregate(context.Background(), "WETH-USDC-3000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !agg.TotalProtectedLiquidity.Equal(d("500")) {
		t.Errorf("total = %s, want 500", agg.TotalProtectedLiquidity)
	}
	if len(agg.ActivePositionIDs) != n {
		t.Errorf("active count = %d, want %d", len(agg.ActivePositionIDs), n)
	}
}
