package protection_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ilshield/protection-engine/internal/confidential"
	"github.com/ilshield/protection-engine/internal/ledger"
	"github.com/ilshield/protection-engine/internal/limits"
	"github.com/ilshield/protection-engine/internal/model"
	"github.com/ilshield/protection-engine/internal/protection"
)

// newTestEnv creates a test Service with in-memory store, plaintext
// capability, and synchronous event handling.
func newTestEnv(t *testing.T) (*ledger.MemoryStore, chi.Router) {
	t.Helper()
	ms := ledger.NewMemoryStore()
	capability := confidential.NewPlaintext()
	ctrl := protection.NewController(ms, capability, &captureSettlement{}, nil, time.Second)
	limiter := limits.NewExposureLimiter(decimal.NewFromInt(100000), decimal.NewFromInt(500000))
	svc := protection.NewService(ms, capability, ctrl, limiter, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/positions", svc.CreatePosition)
	r.Get("/api/v1/positions/{positionID}", svc.GetPosition)
	r.Get("/api/v1/positions/{positionID}/events", svc.PositionEvents)
	r.Get("/api/v1/owners/{owner}/positions", svc.OwnerPositions)
	r.Get("/api/v1/pools/{poolID}/aggregate", svc.PoolAggregate)
	r.Post("/api/v1/events", svc.IngestPoolEvent)

	return ms, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createPosition(t *testing.T, router chi.Router, owner, poolID, threshold string) model.Position {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/positions", map[string]interface{}{
		"owner":                owner,
		"pool_id":              poolID,
		"entry_sqrt_price_x96": sqrtOne,
		"token0_amount":        "100",
		"token1_amount":        "100",
		"il_threshold":         threshold,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var p model.Position
	json.Unmarshal(w.Body.Bytes(), &p)
	return p
}

// --- Position creation tests ---

func TestCreatePosition_ServerSideEncryption(t *testing.T) {
	_, router := newTestEnv(t)
	p := createPosition(t, router, "lp-1", "WETH-USDC-3000", "0.05")

	if p.ID == 0 {
		t.Error("expected assigned position id")
	}
	if p.Status != model.StatusActive {
		t.Errorf("status = %s, want active", p.Status)
	}
	if len(p.EncryptedThreshold) == 0 {
		t.Error("expected sealed threshold on response")
	}
	// Entry price is 1 (sqrt = 2^96), so entry value = 100*1 + 100.
	if !p.EntryValue.Equal(decimal.NewFromInt(200)) {
		t.Errorf("entry value = %s, want 200", p.EntryValue)
	}

	w := doJSON(t, router, "GET", "/api/v1/positions/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCreatePosition_ClientSealedThreshold(t *testing.T) {
	_, router := newTestEnv(t)

	ct, err := confidential.NewPlaintext().EncryptThreshold(context.Background(), 500)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	w := doJSON(t, router, "POST", "/api/v1/positions", map[string]interface{}{
		"owner":                "lp-1",
		"pool_id":              "WETH-USDC-3000",
		"entry_sqrt_price_x96": sqrtOne,
		"token0_amount":        "100",
		"token1_amount":        "100",
		"encrypted_threshold":  base64.StdEncoding.EncodeToString(ct.Bytes()),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreatePosition_Validation(t *testing.T) {
	_, router := newTestEnv(t)

	base := func() map[string]interface{} {
		return map[string]interface{}{
			"owner":                "lp-1",
			"pool_id":              "WETH-USDC-3000",
			"entry_sqrt_price_x96": sqrtOne,
			"token0_amount":        "100",
			"token1_amount":        "100",
			"il_threshold":         "0.05",
		}
	}

	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"missing owner", func(m map[string]interface{}) { m["owner"] = "" }},
		{"bad pool id", func(m map[string]interface{}) { m["pool_id"] = "not-a-pool" }},
		{"zero token0", func(m map[string]interface{}) { m["token0_amount"] = "0" }},
		{"negative token1", func(m map[string]interface{}) { m["token1_amount"] = "-5" }},
		{"zero entry price", func(m map[string]interface{}) { m["entry_sqrt_price_x96"] = "0" }},
		{"threshold above one", func(m map[string]interface{}) { m["il_threshold"] = "1.5" }},
		{"no threshold", func(m map[string]interface{}) { delete(m, "il_threshold") }},
		{"both thresholds", func(m map[string]interface{}) { m["encrypted_threshold"] = "AAAA" }},
		{"garbage ciphertext", func(m map[string]interface{}) {
			delete(m, "il_threshold")
			m["encrypted_threshold"] = base64.StdEncoding.EncodeToString([]byte("junk"))
		}},
	}
	for _, tt := range tests {
		body := base()
		tt.mutate(body)
		w := doJSON(t, router, "POST", "/api/v1/positions", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d: %s", tt.name, w.Code, w.Body.String())
		}
	}
}

func TestCreatePosition_ExposureLimitRejected(t *testing.T) {
	ms := ledger.NewMemoryStore()
	capability := confidential.NewPlaintext()
	ctrl := protection.NewController(ms, capability, &captureSettlement{}, nil, time.Second)
	limiter := limits.NewExposureLimiter(decimal.NewFromInt(300), decimal.NewFromInt(300))
	svc := protection.NewService(ms, capability, ctrl, limiter, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/positions", svc.CreatePosition)

	createPosition(t, r, "lp-1", "WETH-USDC-3000", "0.05")
	w := doJSON(t, r, "POST", "/api/v1/positions", map[string]interface{}{
		"owner":                "lp-1",
		"pool_id":              "WETH-USDC-3000",
		"entry_sqrt_price_x96": sqrtOne,
		"token0_amount":        "100",
		"token1_amount":        "100",
		"il_threshold":         "0.05",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Query tests ---

func TestGetPosition_NotFound(t *testing.T) {
	_, router := newTestEnv(t)
	if w := doJSON(t, router, "GET", "/api/v1/positions/99", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := doJSON(t, router, "GET", "/api/v1/positions/abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric id, got %d", w.Code)
	}
}

func TestOwnerPositions_Endpoint(t *testing.T) {
	_, router := newTestEnv(t)
	createPosition(t, router, "lp-1", "WETH-USDC-3000", "0.05")
	createPosition(t, router, "lp-2", "WETH-USDC-3000", "0.05")
	createPosition(t, router, "lp-1", "WBTC-USDC-500", "0.03")

	w := doJSON(t, router, "GET", "/api/v1/owners/lp-1/positions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var positions []model.Position
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 2 {
		t.Fatalf("got %d positions, want 2", len(positions))
	}
	if positions[0].ID >= positions[1].ID {
		t.Errorf("positions not in creation order: %d, %d", positions[0].ID, positions[1].ID)
	}
}

func TestPoolAggregate_Endpoint(t *testing.T) {
	_, router := newTestEnv(t)
	createPosition(t, router, "lp-1", "WETH-USDC-3000", "0.05")
	createPosition(t, router, "lp-2", "WETH-USDC-3000", "0.05")

	w := doJSON(t, router, "GET", "/api/v1/pools/WETH-USDC-3000/aggregate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var agg model.PoolAggregate
	json.Unmarshal(w.Body.Bytes(), &agg)
	if !agg.TotalProtectedLiquidity.Equal(decimal.NewFromInt(400)) {
		t.Errorf("total = %s, want 400", agg.TotalProtectedLiquidity)
	}
	if len(agg.ActivePositionIDs) != 2 {
		t.Errorf("active ids = %v, want 2", agg.ActivePositionIDs)
	}
}

// --- Pool event ingestion tests ---

func TestIngestPoolEvent_SynchronousBreach(t *testing.T) {
	_, router := newTestEnv(t)
	p := createPosition(t, router, "lp-1", "WETH-USDC-3000", "0.05")

	halved := sqrtAtRatio(t, "500000000000000000")
	w := doJSON(t, router, "POST", "/api/v1/events", map[string]interface{}{
		"pool_id":                "WETH-USDC-3000",
		"current_sqrt_price_x96": halved,
		"kind":                   "swap",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp protection.PoolEventResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Results) != 1 {
		t.Fatalf("results = %+v, want 1", resp.Results)
	}
	if !resp.Results[0].Event.Breached {
		t.Error("expected breach at halved price against 5% threshold")
	}

	// Position is closed and its evaluation trail recorded.
	var got model.Position
	w = doJSON(t, router, "GET", "/api/v1/positions/1", nil)
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Status != model.StatusClosed {
		t.Errorf("status = %s, want closed", got.Status)
	}

	var events []model.ProtectionEvent
	w = doJSON(t, router, "GET", "/api/v1/positions/1/events", nil)
	json.Unmarshal(w.Body.Bytes(), &events)
	if len(events) != 1 || events[0].PositionID != p.ID {
		t.Errorf("events = %+v, want one for position %d", events, p.ID)
	}
}

func TestIngestPoolEvent_Validation(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/events", map[string]interface{}{
		"pool_id":                "WETH-USDC-3000",
		"current_sqrt_price_x96": sqrtOne,
		"kind":                   "price_checked",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown kind: expected 400, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/events", map[string]interface{}{
		"pool_id":                "WETH-USDC-3000",
		"current_sqrt_price_x96": "0",
		"kind":                   "swap",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero price: expected 400, got %d", w.Code)
	}
}

func TestIngestPoolEvent_AsyncDispatch(t *testing.T) {
	ms := ledger.NewMemoryStore()
	capability := confidential.NewPlaintext()
	ctrl := protection.NewController(ms, capability, &captureSettlement{}, nil, time.Second)
	dispatcher := protection.NewDispatcher(ctrl, 16)
	defer dispatcher.Close()
	limiter := limits.NewExposureLimiter(decimal.NewFromInt(100000), decimal.NewFromInt(500000))
	svc := protection.NewService(ms, capability, ctrl, limiter, dispatcher)

	r := chi.NewRouter()
	r.Post("/api/v1/positions", svc.CreatePosition)
	r.Post("/api/v1/events", svc.IngestPoolEvent)

	createPosition(t, r, "lp-1", "WETH-USDC-3000", "0.05")

	halved := sqrtAtRatio(t, "500000000000000000")
	w := doJSON(t, r, "POST", "/api/v1/events", map[string]interface{}{
		"pool_id":                "WETH-USDC-3000",
		"current_sqrt_price_x96": halved,
		"kind":                   "swap",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	// The per-pool worker processes the event shortly after.
	deadline := time.After(2 * time.Second)
	for {
		p, err := ms.GetPosition(context.Background(), 1)
		if err == nil && p.Status == model.StatusClosed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("position not closed after async dispatch")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
