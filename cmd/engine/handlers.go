package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bankcore/internal/engine"
	"bankcore/internal/idempotency"
	"bankcore/internal/ledger"
	"bankcore/internal/money"
	"bankcore/internal/rates"
)

const idempotencyKeyHeader = "Idempotency-Key"

// api is the thin HTTP surface the host service integrates against. The
// public wire API with authentication lives in the host; this one carries
// account administration, the engine operations, and diagnostics.
type api struct {
	engine *engine.Engine
	ledger ledger.Store
	logger *slog.Logger
}

func newAPI(eng *engine.Engine, store ledger.Store, logger *slog.Logger) *api {
	return &api{engine: eng, ledger: store, logger: logger}
}

func (a *api) routes(registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Route("/v1", func(r chi.Router) {
		r.Post("/accounts", a.createAccount)
		r.Get("/accounts/{accountID}", a.getAccount)
		r.Post("/accounts/{accountID}/close", a.closeAccount)
		r.Post("/accounts/{accountID}/deposit", a.deposit)
		r.Post("/accounts/{accountID}/withdraw", a.withdraw)
		r.Post("/transfers", a.transfer)
	})
	return r
}

type createAccountRequest struct {
	ID             string `json:"id"`
	Currency       string `json:"currency"`
	OpeningBalance string `json:"opening_balance"`
}

func (a *api) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || req.Currency == "" {
		writeError(w, http.StatusBadRequest, "id and currency are required")
		return
	}
	opening := int64(0)
	if req.OpeningBalance != "" {
		parsed, err := money.ParseMinor(req.OpeningBalance, req.Currency)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid opening balance")
			return
		}
		opening = parsed
	}
	acct, err := a.ledger.Create(r.Context(), req.ID, req.Currency, opening)
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountResponse(acct))
}

func (a *api) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := a.ledger.Get(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse(acct))
}

func (a *api) closeAccount(w http.ResponseWriter, r *http.Request) {
	if err := a.ledger.Close(r.Context(), chi.URLParam(r, "accountID")); err != nil {
		a.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (a *api) deposit(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	amount, acct, ok := a.parseAmount(w, r, accountID)
	if !ok {
		return
	}
	res, err := a.engine.Deposit(r.Context(), engine.DepositRequest{
		AccountID:      accountID,
		AmountMinor:    amount,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_id": res.TransactionID,
		"new_balance":    money.FormatMinor(res.NewBalance, acct.Currency),
	})
}

func (a *api) withdraw(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	amount, acct, ok := a.parseAmount(w, r, accountID)
	if !ok {
		return
	}
	res, err := a.engine.Withdraw(r.Context(), engine.WithdrawRequest{
		AccountID:      accountID,
		AmountMinor:    amount,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_id": res.TransactionID,
		"new_balance":    money.FormatMinor(res.NewBalance, acct.Currency),
	})
}

type transferRequest struct {
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        string `json:"amount"`
}

func (a *api) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	source, err := a.ledger.Get(r.Context(), req.FromAccountID)
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}
	dest, err := a.ledger.Get(r.Context(), req.ToAccountID)
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}
	amount, err := money.ParseMinor(req.Amount, source.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	res, err := a.engine.Transfer(r.Context(), engine.TransferRequest{
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		AmountMinor:    amount,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_id": res.TransactionID,
		"source_balance": money.FormatMinor(res.SourceBalance, source.Currency),
		"dest_balance":   money.FormatMinor(res.DestBalance, dest.Currency),
		"applied_rate":   res.AppliedRate.String(),
		"rate_source":    res.RateSource,
	})
}

func (a *api) parseAmount(w http.ResponseWriter, r *http.Request, accountID string) (int64, ledger.Account, bool) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return 0, ledger.Account{}, false
	}
	acct, err := a.ledger.Get(r.Context(), accountID)
	if err != nil {
		a.writeLedgerError(w, err)
		return 0, ledger.Account{}, false
	}
	amount, err := money.ParseMinor(req.Amount, acct.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return 0, ledger.Account{}, false
	}
	return amount, acct, true
}

func (a *api) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, ledger.ErrAccountExists):
		writeError(w, http.StatusConflict, "account already exists")
	case errors.Is(err, ledger.ErrAccountClosed):
		writeError(w, http.StatusConflict, "account closed")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, "insufficient funds")
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, engine.ErrInvalidTransfer):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rates.ErrRateUnavailable):
		writeError(w, http.StatusBadGateway, "exchange rate unavailable")
	case errors.Is(err, idempotency.ErrInFlight):
		writeError(w, http.StatusConflict, "duplicate request currently processing")
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "concurrent modification, retry the request")
	default:
		a.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func accountResponse(acct ledger.Account) map[string]any {
	return map[string]any{
		"id":       acct.ID,
		"currency": acct.Currency,
		"balance":  money.FormatMinor(acct.Balance, acct.Currency),
		"version":  acct.Version,
		"closed":   acct.Closed,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
