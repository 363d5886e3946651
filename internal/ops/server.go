// Package ops serves the operational HTTP surface: health probes,
// Prometheus metrics, and the order placement API.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/propshift/riskengine/internal/config"
	"github.com/propshift/riskengine/internal/domain"
	"github.com/propshift/riskengine/internal/orders"
	"github.com/propshift/riskengine/internal/store"
)

// Pinger reports reachability of one backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OrderService is the order API surface the server exposes.
type OrderService interface {
	PlaceOrder(ctx context.Context, req orders.TradeCreationRequest) (*domain.Trade, error)
	CancelOrder(ctx context.Context, tradeID string) (*domain.Trade, error)
}

// Server exposes /health, /metrics, and /orders.
type Server struct {
	srv     *http.Server
	hot     Pinger
	db      Pinger
	orders  OrderService
	started time.Time
}

type healthResponse struct {
	Status    string            `json:"status"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewServer builds the ops server. Nil dependencies skip their routes or
// checks.
func NewServer(cfg config.OpsConfig, hot, db Pinger, orderSvc OrderService) *Server {
	s := &Server{hot: hot, db: db, orders: orderSvc, started: time.Now()}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if orderSvc != nil {
		r.HandleFunc("/orders", s.handlePlaceOrder).Methods(http.MethodPost)
		r.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods(http.MethodDelete)
	}

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("Ops server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Ops server failed")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "healthy",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Checks:    make(map[string]string),
		Timestamp: time.Now().UTC(),
	}

	check := func(name string, p Pinger) {
		if p == nil {
			resp.Checks[name] = "skipped"
			return
		}
		if err := p.Ping(ctx); err != nil {
			resp.Checks[name] = "unreachable: " + err.Error()
			resp.Status = "degraded"
			return
		}
		resp.Checks[name] = "ok"
	}
	check("hot_store", s.hot)
	check("database", s.db)

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.TradeCreationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	trade, err := s.orders.PlaceOrder(r.Context(), req)
	if err != nil {
		writeError(w, orderErrorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	tradeID := mux.Vars(r)["id"]

	trade, err := s.orders.CancelOrder(r.Context(), tradeID)
	if err != nil {
		writeError(w, orderErrorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

func orderErrorCode(err error) int {
	switch {
	case errors.Is(err, orders.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrInsufficientMargin), errors.Is(err, orders.ErrAccountNotTradable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrAccountNotFound), errors.Is(err, store.ErrTradeNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
