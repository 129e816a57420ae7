package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/trogers1052/autotrade/internal/ledger"
	"github.com/trogers1052/autotrade/internal/models"
)

const defaultListLimit = 100

// Pinger reports whether a backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// OrderCanceler withdraws a working broker order and settles what filled
type OrderCanceler interface {
	CancelOrder(ctx context.Context, orderID string) (*models.OrderIntent, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	ledger   ledger.Ledger
	health   Pinger
	canceler OrderCanceler
}

// NewHandler creates a new Handler. health may be nil.
func NewHandler(l ledger.Ledger, health Pinger) *Handler {
	return &Handler{
		ledger: l,
		health: health,
	}
}

// WithCanceler enables POST /orders/{order_id}/cancel
func (h *Handler) WithCanceler(c OrderCanceler) *Handler {
	h.canceler = c
	return h
}

// ListStrategies handles GET /strategies
func (h *Handler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	strategies, err := h.ledger.ListStrategies(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, strategies)
}

// GetStrategy handles GET /strategies/{id}
func (h *Handler) GetStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	s, err := h.ledger.GetStrategy(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, s)
}

// CreateStrategy handles POST /strategies
func (h *Handler) CreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		TimeFrame     int    `json:"time_frame"`
		Symbol        string `json:"symbol"`
		OrderType     string `json:"order_type"`
		LookbackDays  int    `json:"lookback_days"`
		ExtendedHours bool   `json:"extended_hours"`
		Active        *bool  `json:"active"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s := &models.Strategy{
		Name:          req.Name,
		TimeFrame:     req.TimeFrame,
		Symbol:        req.Symbol,
		OrderType:     req.OrderType,
		LookbackDays:  req.LookbackDays,
		ExtendedHours: req.ExtendedHours,
		Active:        req.Active != nil && *req.Active,
	}
	if err := h.ledger.CreateStrategy(r.Context(), s); err != nil {
		respondError(w, err)
		return
	}

	logrus.WithFields(logrus.Fields{"strategy": s.Name, "id": s.ID}).Info("Strategy created")
	respondJSON(w, http.StatusCreated, s)
}

// DeleteStrategy handles DELETE /strategies/{id}
func (h *Handler) DeleteStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.ledger.DeleteStrategy(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}

	logrus.WithField("id", id).Info("Strategy deleted with its positions and trades")
	w.WriteHeader(http.StatusNoContent)
}

// ActivateStrategy handles POST /strategies/{id}/activate
func (h *Handler) ActivateStrategy(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// DeactivateStrategy handles POST /strategies/{id}/deactivate
func (h *Handler) DeactivateStrategy(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	s, err := h.ledger.SetStrategyActive(r.Context(), id, active)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, s)
}

// ListPositions handles GET /positions
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.ledger.ListPositions(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, positions)
}

// DeletePosition handles DELETE /positions/{id}
func (h *Handler) DeletePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.ledger.DeletePosition(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}

	logrus.WithField("id", id).Warn("Position deleted by operator")
	w.WriteHeader(http.StatusNoContent)
}

// ListPositionTrades handles GET /positions/{id}/trades
func (h *Handler) ListPositionTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	trades, err := h.ledger.ListTradesByPosition(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, trades)
}

// ListTrades handles GET /trades?limit=&strategy_id=
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", defaultListLimit)
	if !ok {
		return
	}
	strategyID, ok := queryInt(w, r, "strategy_id", 0)
	if !ok {
		return
	}

	var (
		trades []*models.TradeView
		err    error
	)
	if strategyID > 0 {
		trades, err = h.ledger.ListTradesByStrategy(r.Context(), strategyID, limit)
	} else {
		trades, err = h.ledger.ListTrades(r.Context(), limit)
	}
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, trades)
}

// ListIntents handles GET /intents?status=&limit=
func (h *Handler) ListIntents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", defaultListLimit)
	if !ok {
		return
	}

	intents, err := h.ledger.ListIntents(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, intents)
}

// CancelOrder handles POST /orders/{order_id}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if h.canceler == nil {
		http.Error(w, "order cancel is not enabled", http.StatusNotImplemented)
		return
	}

	intent, err := h.canceler.CancelOrder(r.Context(), mux.Vars(r)["order_id"])
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, intent)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		http.Error(w, "invalid "+key, http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrDuplicateKey):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logrus.WithError(err).Error("Request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}
