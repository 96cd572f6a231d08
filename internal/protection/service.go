// Package protection — HTTP handlers for creating protected positions,
// ingesting pool events, and querying positions and pool aggregates.
//
// All monetary values use shopspring/decimal — never float64 for money.
package protection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ilshield/protection-engine/internal/confidential"
	"github.com/ilshield/protection-engine/internal/fixedpoint"
	"github.com/ilshield/protection-engine/internal/il"
	"github.com/ilshield/protection-engine/internal/ledger"
	"github.com/ilshield/protection-engine/internal/limits"
	"github.com/ilshield/protection-engine/internal/metrics"
	"github.com/ilshield/protection-engine/internal/model"
	"github.com/ilshield/protection-engine/internal/pool"
)

// Service handles position and pool event operations.
type Service struct {
	store      ledger.Store
	capability confidential.Capability
	controller *Controller
	limiter    *limits.ExposureLimiter
	dispatcher *Dispatcher // optional; nil means synchronous event handling
}

// NewService creates a new protection service.
// Pass nil for dispatcher to process pool events synchronously.
func NewService(st ledger.Store, capability confidential.Capability, controller *Controller, limiter *limits.ExposureLimiter, dispatcher *Dispatcher) *Service {
	return &Service{
		store:      st,
		capability: capability,
		controller: controller,
		limiter:    limiter,
		dispatcher: dispatcher,
	}
}

// --- Request/Response types ---

// CreatePositionRequest is the JSON body for position creation. Exactly one
// of ILThreshold and EncryptedThreshold must be set: ILThreshold is a
// fraction in (0, 1] that the engine encrypts server-side;
// EncryptedThreshold is a base64 sealed ciphertext produced by the client.
type CreatePositionRequest struct {
	Owner              string          `json:"owner"`
	PoolID             string          `json:"pool_id"`
	EntrySqrtPriceX96  decimal.Decimal `json:"entry_sqrt_price_x96"`
	Token0Amount       decimal.Decimal `json:"token0_amount"`
	Token1Amount       decimal.Decimal `json:"token1_amount"`
	ILThreshold        decimal.Decimal `json:"il_threshold"`
	EncryptedThreshold string          `json:"encrypted_threshold"`
}

// PoolEventResponse is returned from synchronous pool event ingestion.
type PoolEventResponse struct {
	EventID string       `json:"event_id"`
	Results []ResultView `json:"results"`
}

// ResultView is the JSON rendering of one evaluation result.
type ResultView struct {
	PositionID uint64                 `json:"position_id"`
	Skipped    bool                   `json:"skipped"`
	Event      *model.ProtectionEvent `json:"event,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// --- HTTP Handlers ---

// CreatePosition handles POST /api/v1/positions
func (s *Service) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req CreatePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Owner == "" {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}
	if _, err := pool.ParseID(req.PoolID); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Token0Amount.Sign() <= 0 || req.Token1Amount.Sign() <= 0 {
		writeError(w, "token amounts must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Entry price and token1-denominated entry value.
	entrySqrt, err := fixedpoint.FromDecimal(req.EntrySqrtPriceX96)
	if err != nil || entrySqrt.IsZero() {
		writeError(w, "entry_sqrt_price_x96 must be a positive integer", http.StatusBadRequest)
		return
	}
	priceX18, err := fixedpoint.PriceFromSqrtX96(entrySqrt)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	price := fixedpoint.ToDecimal(priceX18, fixedpoint.PriceDecimals)
	entryValue, err := il.PositionValue(req.Token0Amount, req.Token1Amount, price, decimal.NewFromInt(1))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Threshold: client-sealed ciphertext or server-side encryption.
	sealed, err := s.resolveThreshold(ctx, &req)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Exposure limits.
	exposures, err := s.store.OwnerPoolExposures(ctx, req.Owner)
	if err != nil {
		writeError(w, "failed to check exposure limits", http.StatusInternalServerError)
		return
	}
	if err := s.limiter.CheckLimit(req.PoolID, entryValue, exposures); err != nil {
		metrics.ExposureLimitRejections.Inc()
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	position := &model.Position{
		Owner:              req.Owner,
		PoolID:             req.PoolID,
		EntrySqrtPriceX96:  req.EntrySqrtPriceX96,
		Token0Amount:       req.Token0Amount,
		Token1Amount:       req.Token1Amount,
		EncryptedThreshold: sealed,
		EntryValue:         entryValue,
		DepositedAt:        time.Now().UTC(),
		Status:             model.StatusActive,
	}

	id, err := s.store.CreatePosition(ctx, position)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, "failed to create position", http.StatusInternalServerError)
		return
	}
	metrics.ActivePositions.Inc()

	slog.Info("position created",
		"id", id,
		"owner", req.Owner,
		"pool", req.PoolID,
		"entry_value", entryValue.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(position)
}

// resolveThreshold produces the sealed threshold for a create request,
// enforcing that exactly one of the two threshold fields is set.
func (s *Service) resolveThreshold(ctx context.Context, req *CreatePositionRequest) ([]byte, error) {
	hasPlain := !req.ILThreshold.IsZero()
	hasSealed := req.EncryptedThreshold != ""
	if hasPlain == hasSealed {
		return nil, errors.New("exactly one of il_threshold and encrypted_threshold is required")
	}

	if hasSealed {
		blob, err := base64.StdEncoding.DecodeString(req.EncryptedThreshold)
		if err != nil {
			return nil, confidential.ErrMalformedCiphertext
		}
		ct, err := confidential.ParseCiphertext(blob)
		if err != nil {
			return nil, err
		}
		if ct.Backend() != s.capability.Backend() {
			return nil, confidential.ErrMalformedCiphertext
		}
		return ct.Bytes(), nil
	}

	bps, err := il.ThresholdBps(req.ILThreshold)
	if err != nil {
		return nil, err
	}
	ct, err := s.capability.EncryptThreshold(ctx, bps)
	if err != nil {
		return nil, err
	}
	return ct.Bytes(), nil
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "positionID"), 10, 64)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}

	position, err := s.store.GetPosition(r.Context(), id)
	if err != nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(position)
}

// OwnerPositions handles GET /api/v1/owners/{owner}/positions
func (s *Service) OwnerPositions(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	positions, err := s.store.PositionsForOwner(r.Context(), owner)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// PoolAggregate handles GET /api/v1/pools/{poolID}/aggregate
func (s *Service) PoolAggregate(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")

	agg, err := s.store.GetPoolAggregate(r.Context(), poolID)
	if err != nil {
		writeError(w, "failed to load pool aggregate", http.StatusInternalServerError)
		return
	}
	if agg.ActivePositionIDs == nil {
		agg.ActivePositionIDs = []uint64{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(agg)
}

// PositionEvents handles GET /api/v1/positions/{positionID}/events
func (s *Service) PositionEvents(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "positionID"), 10, 64)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}

	events, err := s.store.ProtectionEventsForPosition(r.Context(), id)
	if err != nil {
		writeError(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.ProtectionEvent{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

// IngestPoolEvent handles POST /api/v1/events
// With a dispatcher the event is queued per pool and 202 returned; without
// one it is evaluated synchronously and the results are returned.
func (s *Service) IngestPoolEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.PoolEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !model.ValidEventKind(ev.Kind) {
		writeError(w, "kind must be liquidity_added, liquidity_removed, or swap", http.StatusBadRequest)
		return
	}
	if ev.CurrentSqrtPriceX96.Sign() <= 0 {
		writeError(w, "current_sqrt_price_x96 must be positive", http.StatusBadRequest)
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Enqueue(&ev); err != nil {
			writeError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"event_id": ev.ID})
		return
	}

	results, err := s.controller.HandlePoolEvent(r.Context(), &ev)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := PoolEventResponse{EventID: ev.ID, Results: make([]ResultView, 0, len(results))}
	for _, res := range results {
		view := ResultView{PositionID: res.PositionID, Skipped: res.Skipped, Event: res.Event}
		if res.Err != nil {
			view.Error = res.Err.Error()
		}
		resp.Results = append(resp.Results, view)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
