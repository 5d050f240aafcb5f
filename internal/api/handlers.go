package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nordvang/kantine/pkg/ledger"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

type balanceResponse struct {
	Credit       int `json:"credit"`
	PendingDelta int `json:"pending_delta"`
	OwesDKK      int `json:"owes_dkk"`
}

func (server *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	claims := sessionFrom(r.Context())
	balance, err := server.engine.Balance(r.Context(), claims.UserID)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, balanceResponse{
		Credit:       balance.Credit,
		PendingDelta: balance.PendingDelta,
		OwesDKK:      balance.Owes,
	})
}

type transactionResponse struct {
	ID        int64      `json:"id"`
	Delta     int        `json:"delta"`
	Kind      string     `json:"kind"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	PostedAt  *time.Time `json:"posted_at,omitempty"`
	AmountOre *int64     `json:"amount_ore,omitempty"`
	Source    string     `json:"source,omitempty"`
	Note      string     `json:"note,omitempty"`
}

type ledgerResponse struct {
	Items   []transactionResponse `json:"items"`
	Total   int64                 `json:"total"`
	Page    int                   `json:"page"`
	PerPage int                   `json:"per_page"`
}

func (server *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	claims := sessionFrom(r.Context())
	filter, err := parseLedgerFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	page := parsePage(r)
	records, total, err := server.engine.ListTransactions(r.Context(), claims.UserID, filter, page)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	items := make([]transactionResponse, 0, len(records))
	for _, record := range records {
		items = append(items, mapTransactionResponse(record))
	}
	respondJSON(w, http.StatusOK, ledgerResponse{
		Items:   items,
		Total:   total,
		Page:    page.Number,
		PerPage: page.PerPage,
	})
}

type lunchRequest struct {
	Date string `json:"date"`
}

func (server *Server) handleLunchRegister(w http.ResponseWriter, r *http.Request) {
	claims := sessionFrom(r.Context())
	var request lunchRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "expected JSON body with date")
		return
	}
	day, err := time.Parse(dateLayout, request.Date)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}
	record, err := server.lunch.Register(r.Context(), claims.UserID, day, claims.UserID)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, mapTransactionResponse(record))
}

func (server *Server) handleLunchCancel(w http.ResponseWriter, r *http.Request) {
	claims := sessionFrom(r.Context())
	day, err := time.Parse(dateLayout, chi.URLParam(r, "date"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}
	record, err := server.lunch.CancelRegistration(r.Context(), claims.UserID, day, claims.UserID)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mapTransactionResponse(record))
}

type purchaseRequest struct {
	Clips int `json:"clips"`
}

func (server *Server) handleCouponPurchase(w http.ResponseWriter, r *http.Request) {
	claims := sessionFrom(r.Context())
	var request purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "expected JSON body with clips")
		return
	}
	record, err := server.purchases.Buy(r.Context(), claims.UserID, request.Clips)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, mapTransactionResponse(record))
}

type paymentInitiateResponse struct {
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirect_url"`
}

func (server *Server) handlePaymentInitiate(w http.ResponseWriter, r *http.Request) {
	if server.gateway == nil {
		respondError(w, http.StatusServiceUnavailable, "payments_disabled", "payment gateway is not configured")
		return
	}
	claims := sessionFrom(r.Context())
	var request purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "expected JSON body with clips")
		return
	}
	redirectURL, reference, err := server.gateway.Initiate(r.Context(), claims.UserID, request.Clips)
	if err != nil {
		server.logger.Warn("payment initiate failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, paymentInitiateResponse{
		Reference:   reference,
		RedirectURL: redirectURL,
	})
}

type paymentStatusResponse struct {
	State        string `json:"state"`
	ClipsGranted int    `json:"clips_granted"`
	Outcome      string `json:"outcome,omitempty"`
}

func (server *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	if server.gateway == nil {
		respondError(w, http.StatusServiceUnavailable, "payments_disabled", "payment gateway is not configured")
		return
	}
	claims := sessionFrom(r.Context())
	result, err := server.gateway.Status(r.Context(), claims.UserID, chi.URLParam(r, "reference"))
	if err != nil {
		server.logger.Warn("payment status failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, paymentStatusResponse{
		State:        string(result.State),
		ClipsGranted: result.ClipsGranted,
		Outcome:      string(result.Outcome),
	})
}

type debtorResponse struct {
	UserID  int64 `json:"user_id"`
	Credit  int   `json:"credit"`
	OwesDKK int   `json:"owes_dkk"`
}

func (server *Server) handleDebtors(w http.ResponseWriter, r *http.Request) {
	accounts, err := server.admin.Debtors(r.Context())
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	debtors := make([]debtorResponse, 0, len(accounts))
	for _, account := range accounts {
		debtors = append(debtors, debtorResponse{
			UserID:  account.UserID,
			Credit:  account.Credit,
			OwesDKK: account.Owes,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"debtors": debtors})
}

type markPaidResponse struct {
	PurchasesPosted int `json:"purchases_posted"`
}

func (server *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	claims := sessionFrom(r.Context())
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_user", "user id must be a positive integer")
		return
	}
	posted, err := server.admin.MarkPaid(r.Context(), userID, claims.UserID)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, markPaidResponse{PurchasesPosted: posted})
}

type adjustmentRequest struct {
	Delta int    `json:"delta"`
	Note  string `json:"note"`
}

func (server *Server) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	claims := sessionFrom(r.Context())
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_user", "user id must be a positive integer")
		return
	}
	var request adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "expected JSON body with delta")
		return
	}
	record, err := server.admin.Adjust(r.Context(), userID, request.Delta, request.Note, claims.UserID)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, mapTransactionResponse(record))
}

func mapTransactionResponse(record ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:        record.ID,
		Delta:     record.Delta,
		Kind:      record.Kind.String(),
		Status:    record.Status.String(),
		CreatedAt: record.CreatedAt,
		PostedAt:  record.PostedAt,
		AmountOre: record.AmountOre,
		Source:    record.Source,
		Note:      record.Note,
	}
}

func parseLedgerFilter(r *http.Request) (ledger.Filter, error) {
	var filter ledger.Filter
	if raw := r.URL.Query().Get("kind"); raw != "" {
		kind, err := ledger.ParseKind(raw)
		if err != nil {
			return ledger.Filter{}, err
		}
		filter.Kind = &kind
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := ledger.ParseStatus(raw)
		if err != nil {
			return ledger.Filter{}, err
		}
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err := time.Parse(dateLayout, raw)
		if err != nil {
			return ledger.Filter{}, err
		}
		filter.From = &from
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		to, err := time.Parse(dateLayout, raw)
		if err != nil {
			return ledger.Filter{}, err
		}
		endOfDay := to.Add(24*time.Hour - time.Nanosecond)
		filter.To = &endOfDay
	}
	filter.Query = r.URL.Query().Get("q")
	return filter, nil
}

func parsePage(r *http.Request) ledger.Page {
	page := ledger.Page{Number: 1, PerPage: 20}
	if raw := r.URL.Query().Get("page"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			page.Number = parsed
		}
	}
	if raw := r.URL.Query().Get("per_page"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			page.PerPage = parsed
		}
	}
	return page
}
