// Package api exposes the perp engine over HTTP and WebSocket.
//
// All monetary values use shopspring/decimal and travel as JSON strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/audit"
	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Service serialises access to the engine. Every message runs under one
// mutex, and its events are published before the lock is released so
// subscribers see them in engine order.
type Service struct {
	engine *engine.Engine
	store  store.Store
	sink   audit.Sink
	mu     sync.Mutex
}

// NewService creates a service. sink may be nil.
func NewService(eng *engine.Engine, st store.Store, sink audit.Sink) *Service {
	return &Service{engine: eng, store: st, sink: sink}
}

// Handle runs one engine message.
func (s *Service) Handle(ctx context.Context, msg engine.Message) engine.Response {
	start := time.Now()

	s.mu.Lock()
	resp := s.engine.Handle(msg)
	if engine.Mutates(msg.Type) {
		s.publish(ctx, msg.Type)
	}
	s.mu.Unlock()

	metrics.MessageLatency.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
	if !resp.Success && msg.Type == engine.MsgPlaceOrder {
		metrics.RiskRejections.WithLabelValues(resp.Error).Inc()
	}
	return resp
}

// publish forwards the events buffered by the last message to the sink.
// Callers hold s.mu.
func (s *Service) publish(ctx context.Context, msgType string) {
	events := s.engine.Drain()
	if s.sink == nil || len(events) == 0 {
		return
	}
	if err := s.sink.Publish(ctx, events); err != nil {
		slog.Warn("event publish failed", "type", msgType, "events", len(events), "err", err)
	}
}

// RunScheduler sends a tick message every interval until ctx is done. A
// zero interval disables ticking.
func (s *Service) RunScheduler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if resp := s.Handle(ctx, engine.Message{Type: engine.MsgTick}); !resp.Success {
				slog.Error("scheduled tick failed", "err", resp.Error)
			}
		}
	}
}

// Routes mounts the HTTP API on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/messages", s.PostMessage)
	r.Post("/orders", s.PlaceOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)
	r.Post("/mark-price", s.UpdateMarkPrice)
	r.Post("/liquidations/step", s.LiquidationStep)
	r.Post("/tick", s.Tick)
	r.Get("/state", s.GetState)
	r.Post("/reset", s.ResetState)
	r.Post("/users/{userID}/deposit", s.Deposit)
	r.Post("/users/{userID}/withdraw", s.Withdraw)
	r.Get("/users/{userID}/trades", s.ListUserTrades)
	r.Get("/trades", s.ListTrades)
	r.Get("/insurance-fund/history", s.ListFundHistory)
}

// --- Request types ---

// MarkPriceRequest is the JSON body for POST /mark-price.
type MarkPriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// StepRequest is the JSON body for POST /liquidations/step.
type StepRequest struct {
	Method string `json:"method"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// --- HTTP Handlers ---

// PostMessage handles POST /api/v1/messages with any engine message.
func (s *Service) PostMessage(w http.ResponseWriter, r *http.Request) {
	var msg engine.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.respond(w, r, msg)
}

// PlaceOrder handles POST /api/v1/orders
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req engine.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.respond(w, r, engine.Message{
		Type:        engine.MsgPlaceOrder,
		UserID:      req.UserID,
		Side:        req.Side,
		Size:        req.Size,
		Price:       req.Price,
		OrderType:   req.OrderType,
		Leverage:    req.Leverage,
		TimeInForce: req.TimeInForce,
	})
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, engine.Message{Type: engine.MsgCancelOrder, OrderID: chi.URLParam(r, "orderID")})
}

// UpdateMarkPrice handles POST /api/v1/mark-price
func (s *Service) UpdateMarkPrice(w http.ResponseWriter, r *http.Request) {
	var req MarkPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.respond(w, r, engine.Message{Type: engine.MsgUpdateMarkPrice, Price: req.Price})
}

// LiquidationStep handles POST /api/v1/liquidations/step
func (s *Service) LiquidationStep(w http.ResponseWriter, r *http.Request) {
	var req StepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.respond(w, r, engine.Message{Type: engine.MsgLiquidationStep, Method: req.Method})
}

// Tick handles POST /api/v1/tick
func (s *Service) Tick(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, engine.Message{Type: engine.MsgTick})
}

// GetState handles GET /api/v1/state
func (s *Service) GetState(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, engine.Message{Type: engine.MsgGetState})
}

// ResetState handles POST /api/v1/reset
func (s *Service) ResetState(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, engine.Message{Type: engine.MsgResetState})
}

// Deposit handles POST /api/v1/users/{userID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.balance(w, r, engine.MsgDeposit)
}

// Withdraw handles POST /api/v1/users/{userID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.balance(w, r, engine.MsgWithdraw)
}

func (s *Service) balance(w http.ResponseWriter, r *http.Request, msgType string) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.respond(w, r, engine.Message{Type: msgType, UserID: chi.URLParam(r, "userID"), Amount: req.Amount})
}

// ListTrades handles GET /api/v1/trades?limit=N
// Reads the persisted journal, newest first.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	trades, err := s.store.ListTrades(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListUserTrades handles GET /api/v1/users/{userID}/trades?limit=N
func (s *Service) ListUserTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	trades, err := s.store.ListTradesByUser(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListFundHistory handles GET /api/v1/insurance-fund/history?limit=N
func (s *Service) ListFundHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.store.ListFundEntries(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to list insurance fund history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.FundEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// respond runs msg and writes the engine response. Failed messages keep the
// engine's error text verbatim.
func (s *Service) respond(w http.ResponseWriter, r *http.Request, msg engine.Message) {
	resp := s.Handle(r.Context(), msg)
	status := http.StatusOK
	if !resp.Success {
		status = statusFor(resp.Error)
	}
	writeJSON(w, status, resp)
}

var notFound = []error{engine.ErrUnknownUser, engine.ErrOrderNotFound}

func statusFor(msg string) int {
	for _, err := range notFound {
		if msg == err.Error() {
			return http.StatusNotFound
		}
	}
	if msg == engine.ErrUnknownMessage.Error() {
		return http.StatusBadRequest
	}
	return http.StatusUnprocessableEntity
}

func listLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return min(n, maxListLimit), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		slog.Warn("response encode failed", "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
