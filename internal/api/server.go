// Package api exposes the credit ledger and its workflows as a JSON API.
// Adapters translate engine errors into HTTP responses; the engine itself
// carries no presentation concerns.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nordvang/kantine/internal/workflows"
	"github.com/nordvang/kantine/pkg/ledger"
	"go.uber.org/zap"
)

// Server holds the handler dependencies.
type Server struct {
	logger    *zap.Logger
	engine    *ledger.Service
	lunch     *workflows.Lunch
	purchases *workflows.Purchases
	gateway   *workflows.Gateway
	admin     *workflows.Admin
	jwtSecret []byte
}

// NewServer wires the HTTP surface.
func NewServer(logger *zap.Logger, engine *ledger.Service, lunch *workflows.Lunch, purchases *workflows.Purchases, gateway *workflows.Gateway, admin *workflows.Admin, jwtSecret []byte) *Server {
	return &Server{
		logger:    logger,
		engine:    engine,
		lunch:     lunch,
		purchases: purchases,
		gateway:   gateway,
		admin:     admin,
		jwtSecret: jwtSecret,
	}
}

// Router registers all API endpoints.
func (server *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(server.requestLogger)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	router.Route("/api", func(router chi.Router) {
		router.Use(server.sessionAuth)

		router.Get("/balance", server.handleBalance)
		router.Get("/ledger", server.handleLedger)
		router.Post("/lunch/registrations", server.handleLunchRegister)
		router.Delete("/lunch/registrations/{date}", server.handleLunchCancel)
		router.Post("/purchases", server.handleCouponPurchase)
		router.Post("/payments", server.handlePaymentInitiate)
		router.Get("/payments/{reference}", server.handlePaymentStatus)

		router.Route("/admin", func(router chi.Router) {
			router.Use(server.requireAdmin)
			router.Get("/debtors", server.handleDebtors)
			router.Post("/users/{userID}/mark-paid", server.handleMarkPaid)
			router.Post("/users/{userID}/adjustments", server.handleAdjustment)
		})
	})

	return router
}

// HTTPServer wraps the router in an http.Server with sane timeouts.
func (server *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (server *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		server.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, code string, message string) {
	respondJSON(w, status, errorResponse{Error: code, Message: message})
}

// respondLedgerError maps domain errors onto HTTP statuses. Transient lock
// timeouts advertise themselves as retryable.
func respondLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredit):
		respondError(w, http.StatusConflict, "insufficient_credit", "not enough clips for this operation")
	case errors.Is(err, ledger.ErrDebtCeilingExceeded):
		respondError(w, http.StatusConflict, "debt_ceiling_exceeded", "outstanding debt blocks this purchase")
	case errors.Is(err, ledger.ErrPurchaseGranted):
		respondError(w, http.StatusConflict, "purchase_granted", "purchase already granted credit and cannot be canceled")
	case errors.Is(err, ledger.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "lock_timeout", "account busy, retry shortly")
	case errors.Is(err, ledger.ErrUnknownAccount):
		respondError(w, http.StatusNotFound, "unknown_account", "no such user account")
	case errors.Is(err, ledger.ErrUnknownTransaction):
		respondError(w, http.StatusNotFound, "unknown_transaction", "no such transaction")
	case errors.Is(err, ledger.ErrZeroDelta), errors.Is(err, ledger.ErrInvalidDraft),
		errors.Is(err, ledger.ErrInvalidKind), errors.Is(err, ledger.ErrInvalidStatus),
		errors.Is(err, workflows.ErrInvalidClipCount):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", "unexpected failure")
	}
}
