// Package api exposes the settlement engine over HTTP and WebSocket.
//
// All monetary values use shopspring/decimal; amounts travel as JSON strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/settlement-engine/internal/auth"
	"github.com/atmx/settlement-engine/internal/binary"
	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/copytrade"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/market"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/p2p"
	"github.com/atmx/settlement-engine/internal/staking"
)

// Deps are the collaborators the HTTP layer dispatches to.
type Deps struct {
	Ledger  *ledger.Ledger
	Binary  *binary.Engine
	P2P     *p2p.Engine
	Staking *staking.Engine
	Copy    *copytrade.Engine
	Oracle  market.PriceOracle
	Clock   clock.Clock
	Hub     *WSHub
	Auth    *auth.Authenticator
	Limiter *RateLimiter // nil disables rate limiting

	CORSOrigins []string
	Logger      *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	ledger  *ledger.Ledger
	binary  *binary.Engine
	p2p     *p2p.Engine
	staking *staking.Engine
	copy    *copytrade.Engine
	oracle  market.PriceOracle
	clock   clock.Clock
	hub     *WSHub
	auth    *auth.Authenticator
	limiter *RateLimiter
	origins []string
	logger  *slog.Logger
}

// NewServer creates the HTTP layer.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Hub == nil {
		d.Hub = NewWSHub(d.Logger)
	}
	if d.Auth == nil {
		d.Auth = auth.New("", d.Logger)
	}
	if len(d.CORSOrigins) == 0 {
		d.CORSOrigins = []string{"*"}
	}
	return &Server{
		ledger:  d.Ledger,
		binary:  d.Binary,
		p2p:     d.P2P,
		staking: d.Staking,
		copy:    d.Copy,
		oracle:  d.Oracle,
		clock:   d.Clock,
		hub:     d.Hub,
		auth:    d.Auth,
		limiter: d.Limiter,
		origins: d.CORSOrigins,
		logger:  d.Logger.With("component", "api"),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "settlement-engine"})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// The upgrade needs the raw writer, so /ws skips the metrics and
	// timeout middlewares.
	r.With(s.auth.Middleware).Get("/api/v1/ws", s.hub.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(metrics.Middleware)
		r.Use(s.auth.Middleware)
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}

		// Ledger.
		r.Get("/balances", s.GetBalances)
		r.Get("/transactions", s.GetTransactions)
		r.Post("/deposits", s.Deposit)
		r.Post("/withdrawals", s.Withdraw)
		r.Post("/pocket-transfers", s.MoveBetweenPockets)
		r.Post("/transfers", s.TransferToAccount)

		// Binary options.
		r.Get("/binary/positions", s.GetBinaryPositions)
		r.Post("/binary/positions", s.OpenBinary)
		r.Get("/binary/pending", s.GetBinaryPending)
		r.Post("/binary/pending", s.PlacePending)
		r.Delete("/binary/pending/{id}", s.CancelPending)

		// P2P escrow.
		r.Get("/p2p/offers", s.GetOffers)
		r.Get("/p2p/orders", s.GetOrders)
		r.Post("/p2p/orders", s.CreateOrder)
		r.Put("/p2p/orders/{id}/status", s.UpdateOrderStatus)
		r.Delete("/p2p/orders/{id}", s.CancelOrder)
		r.Post("/p2p/orders/{id}/messages", s.AddChatMessage)

		// Fixed-term staking.
		r.Get("/staking/plans", s.GetPlans)
		r.Get("/staking/investments", s.GetInvestments)
		r.Post("/staking/investments", s.Invest)

		// Copy trading.
		r.Get("/copy/traders", s.GetTraders)
		r.Get("/copy/positions", s.GetCopyPositions)
		r.Post("/copy/positions", s.CopyTrader)
		r.Delete("/copy/positions/{id}", s.CloseCopy)

		// Market data.
		r.Get("/prices/{symbol}", s.GetPrice)
		r.Get("/prices/{symbol}/history", s.GetPriceHistory)
	})
	return r
}

// cors allows cross-origin requests from the configured origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, o := range s.origins {
			if o == "*" || strings.EqualFold(o, origin) {
				w.Header().Set("Access-Control-Allow-Origin", o)
				break
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.HeaderAccountID)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// identity returns the caller set by the auth middleware.
func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, model.ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, model.ErrOrderExpired):
		return http.StatusConflict, "order_expired"
	case errors.Is(err, model.ErrCapacityExceeded):
		return http.StatusConflict, "capacity_exceeded"
	case errors.Is(err, market.ErrPriceUnavailable):
		return http.StatusServiceUnavailable, "price_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

// fail reports a rejected command or query.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, kind := statusFor(err)
	metrics.CommandRejections.WithLabelValues(op, kind).Inc()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", "op", op, "account", identity(r).AccountID, "error", err)
		writeError(w, "internal error", status)
		return
	}
	s.logger.Debug("request rejected", "op", op, "account", identity(r).AccountID, "kind", kind, "error", err)
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
