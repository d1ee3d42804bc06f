// Package engine orchestrates deposits, withdrawals, and transfers on top of
// the account ledger, the exchange rate provider, the idempotency store, and
// the audit log. Exchange rates are always resolved before any account lock
// is taken; holding a lock across a network call would serialize unrelated
// transfers behind a slow upstream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bankcore/internal/audit"
	"bankcore/internal/events"
	"bankcore/internal/idempotency"
	"bankcore/internal/ledger"
	"bankcore/internal/metrics"
	"bankcore/internal/money"
	"bankcore/internal/rates"
)

// Transfer lifecycle stages. A transaction is COMMITTED or FAILED, never
// partially visible.
const (
	StatusPending      = "PENDING"
	StatusRateResolved = "RATE_RESOLVED"
	StatusLocked       = "LOCKED"
	StatusCommitted    = "COMMITTED"
	StatusFailed       = "FAILED"
)

const (
	KindDeposit    = "deposit"
	KindWithdrawal = "withdrawal"
	KindTransfer   = "transfer"
)

var (
	// ErrInvalidTransfer covers non-positive amounts, self-transfers, and
	// amounts too small to convert.
	ErrInvalidTransfer = errors.New("invalid transfer")

	// ErrAuditWriteFailure means the audit record could not be written; the
	// ledger mutation is rolled back rather than left unaudited.
	ErrAuditWriteFailure = errors.New("audit write failed")
)

// RateProvider resolves a directional exchange rate.
type RateProvider interface {
	GetRate(ctx context.Context, from, to string) (rates.Rate, error)
}

type Engine struct {
	ledger    ledger.Store
	rates     RateProvider
	idem      idempotency.Store
	auditLog  audit.Log
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(store ledger.Store, provider RateProvider, idem idempotency.Store, auditLog audit.Log, publisher events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		ledger:    store,
		rates:     provider,
		idem:      idem,
		auditLog:  auditLog,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

type DepositRequest struct {
	AccountID      string
	AmountMinor    int64
	IdempotencyKey string
}

type DepositResult struct {
	TransactionID string
	NewBalance    int64
}

type WithdrawRequest struct {
	AccountID      string
	AmountMinor    int64
	IdempotencyKey string
}

type WithdrawResult struct {
	TransactionID string
	NewBalance    int64
}

type TransferRequest struct {
	FromAccountID  string
	ToAccountID    string
	AmountMinor    int64
	IdempotencyKey string
}

type TransferResult struct {
	TransactionID string
	SourceBalance int64
	DestBalance   int64
	DebitMinor    int64
	CreditMinor   int64
	AppliedRate   decimal.Decimal
	RateSource    string
}

func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (DepositResult, error) {
	start := time.Now()
	txID := uuid.NewString()
	rec := audit.Record{
		TransactionID:  txID,
		Kind:           KindDeposit,
		ToAccountID:    req.AccountID,
		CreditMinor:    req.AmountMinor,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.AmountMinor <= 0 {
		// Rejected before the key is reserved, so there is nothing to release.
		return DepositResult{}, e.fail(ctx, rec, "", ledger.ErrInvalidAmount)
	}
	if req.IdempotencyKey != "" {
		prior, err := e.idem.Begin(ctx, req.IdempotencyKey)
		if err != nil {
			return DepositResult{}, err
		}
		if prior != nil {
			e.countReplay(KindDeposit)
			return DepositResult{TransactionID: prior.TransactionID, NewBalance: prior.Balances[req.AccountID]}, nil
		}
	}

	after, err := e.ledger.Deposit(ctx, req.AccountID, req.AmountMinor, func(tx ledger.Execer, acct ledger.Account) error {
		committed := rec
		committed.ID = uuid.NewString()
		committed.Status = StatusCommitted
		committed.Stage = StatusLocked
		committed.Currency = acct.Currency
		committed.ToBalanceAfter = acct.Balance
		committed.CreatedAt = time.Now().UTC()
		if err := e.auditLog.Append(ctx, tx, committed); err != nil {
			return fmt.Errorf("%w: %v", ErrAuditWriteFailure, err)
		}
		return nil
	})
	if err != nil {
		return DepositResult{}, e.fail(ctx, rec, req.IdempotencyKey, err)
	}

	e.commitKey(ctx, req.IdempotencyKey, idempotency.Result{
		TransactionID: txID,
		Kind:          KindDeposit,
		Balances:      map[string]int64{req.AccountID: after.Balance},
		CreditMinor:   req.AmountMinor,
	})
	e.publish(ctx, events.TransactionEvent{
		TransactionID: txID,
		Kind:          KindDeposit,
		Status:        StatusCommitted,
		ToAccountID:   req.AccountID,
		CreditMinor:   req.AmountMinor,
		Currency:      after.Currency,
		OccurredAt:    time.Now().UTC(),
	})
	e.countCommit(KindDeposit, start)
	return DepositResult{TransactionID: txID, NewBalance: after.Balance}, nil
}

func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (WithdrawResult, error) {
	start := time.Now()
	txID := uuid.NewString()
	rec := audit.Record{
		TransactionID:  txID,
		Kind:           KindWithdrawal,
		FromAccountID:  req.AccountID,
		DebitMinor:     req.AmountMinor,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.AmountMinor <= 0 {
		return WithdrawResult{}, e.fail(ctx, rec, "", ledger.ErrInvalidAmount)
	}
	if req.IdempotencyKey != "" {
		prior, err := e.idem.Begin(ctx, req.IdempotencyKey)
		if err != nil {
			return WithdrawResult{}, err
		}
		if prior != nil {
			e.countReplay(KindWithdrawal)
			return WithdrawResult{TransactionID: prior.TransactionID, NewBalance: prior.Balances[req.AccountID]}, nil
		}
	}

	after, err := e.ledger.Withdraw(ctx, req.AccountID, req.AmountMinor, func(tx ledger.Execer, acct ledger.Account) error {
		committed := rec
		committed.ID = uuid.NewString()
		committed.Status = StatusCommitted
		committed.Stage = StatusLocked
		committed.Currency = acct.Currency
		committed.FromBalanceAfter = acct.Balance
		committed.CreatedAt = time.Now().UTC()
		if err := e.auditLog.Append(ctx, tx, committed); err != nil {
			return fmt.Errorf("%w: %v", ErrAuditWriteFailure, err)
		}
		return nil
	})
	if err != nil {
		return WithdrawResult{}, e.fail(ctx, rec, req.IdempotencyKey, err)
	}

	e.commitKey(ctx, req.IdempotencyKey, idempotency.Result{
		TransactionID: txID,
		Kind:          KindWithdrawal,
		Balances:      map[string]int64{req.AccountID: after.Balance},
		DebitMinor:    req.AmountMinor,
	})
	e.publish(ctx, events.TransactionEvent{
		TransactionID: txID,
		Kind:          KindWithdrawal,
		Status:        StatusCommitted,
		FromAccountID: req.AccountID,
		DebitMinor:    req.AmountMinor,
		Currency:      after.Currency,
		OccurredAt:    time.Now().UTC(),
	})
	e.countCommit(KindWithdrawal, start)
	return WithdrawResult{TransactionID: txID, NewBalance: after.Balance}, nil
}

func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	start := time.Now()
	txID := uuid.NewString()
	stage := StatusPending
	rec := audit.Record{
		TransactionID:  txID,
		Kind:           KindTransfer,
		Stage:          StatusPending,
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		DebitMinor:     req.AmountMinor,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.AmountMinor <= 0 {
		return TransferResult{}, e.fail(ctx, rec, "", fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer))
	}
	if req.FromAccountID == req.ToAccountID {
		return TransferResult{}, e.fail(ctx, rec, "", fmt.Errorf("%w: source and destination are the same account", ErrInvalidTransfer))
	}
	if req.IdempotencyKey != "" {
		prior, err := e.idem.Begin(ctx, req.IdempotencyKey)
		if err != nil {
			return TransferResult{}, err
		}
		if prior != nil {
			e.countReplay(KindTransfer)
			return replayTransfer(req, prior), nil
		}
	}

	failWith := func(err error) (TransferResult, error) {
		rec.Stage = stage
		return TransferResult{}, e.fail(ctx, rec, req.IdempotencyKey, err)
	}

	fromAcct, err := e.ledger.Get(ctx, req.FromAccountID)
	if err != nil {
		return failWith(err)
	}
	toAcct, err := e.ledger.Get(ctx, req.ToAccountID)
	if err != nil {
		return failWith(err)
	}
	if fromAcct.Closed || toAcct.Closed {
		return failWith(ledger.ErrAccountClosed)
	}
	rec.Currency = fromAcct.Currency
	rec.CounterCurrency = toAcct.Currency

	// Rate resolution happens before locks; it may suspend on network I/O.
	applied, err := e.rates.GetRate(ctx, fromAcct.Currency, toAcct.Currency)
	if err != nil {
		return failWith(err)
	}
	stage = StatusRateResolved
	rec.Rate = applied.Value.StringFixedBank(money.RatePrecision)
	rec.RateSource = applied.Source

	debit := req.AmountMinor
	credit := debit
	if fromAcct.Currency != toAcct.Currency {
		credit = money.Convert(debit, applied.Value, fromAcct.Currency, toAcct.Currency)
		if credit <= 0 {
			return failWith(fmt.Errorf("%w: amount converts to zero %s", ErrInvalidTransfer, toAcct.Currency))
		}
	}
	rec.CreditMinor = credit

	// A request cancelled before locks are acquired is simply abandoned.
	// Once the locked mutation begins it runs to completion.
	if err := ctx.Err(); err != nil {
		return failWith(err)
	}
	stage = StatusLocked

	from, to, err := e.ledger.Transfer(ctx, req.FromAccountID, req.ToAccountID, debit, credit, func(tx ledger.Execer, fromAfter, toAfter ledger.Account) error {
		committed := rec
		committed.ID = uuid.NewString()
		committed.Status = StatusCommitted
		committed.Stage = StatusLocked
		committed.FromBalanceAfter = fromAfter.Balance
		committed.ToBalanceAfter = toAfter.Balance
		committed.CreatedAt = time.Now().UTC()
		if err := e.auditLog.Append(ctx, tx, committed); err != nil {
			return fmt.Errorf("%w: %v", ErrAuditWriteFailure, err)
		}
		return nil
	})
	if err != nil {
		return failWith(err)
	}

	e.commitKey(ctx, req.IdempotencyKey, idempotency.Result{
		TransactionID: txID,
		Kind:          KindTransfer,
		Balances: map[string]int64{
			req.FromAccountID: from.Balance,
			req.ToAccountID:   to.Balance,
		},
		DebitMinor:  debit,
		CreditMinor: credit,
		Rate:        rec.Rate,
		RateSource:  applied.Source,
	})
	e.publish(ctx, events.TransactionEvent{
		TransactionID:   txID,
		Kind:            KindTransfer,
		Status:          StatusCommitted,
		FromAccountID:   req.FromAccountID,
		ToAccountID:     req.ToAccountID,
		DebitMinor:      debit,
		CreditMinor:     credit,
		Currency:        fromAcct.Currency,
		CounterCurrency: toAcct.Currency,
		Rate:            rec.Rate,
		OccurredAt:      time.Now().UTC(),
	})
	e.countCommit(KindTransfer, start)
	return TransferResult{
		TransactionID: txID,
		SourceBalance: from.Balance,
		DestBalance:   to.Balance,
		DebitMinor:    debit,
		CreditMinor:   credit,
		AppliedRate:   applied.Value,
		RateSource:    applied.Source,
	}, nil
}

func replayTransfer(req TransferRequest, prior *idempotency.Result) TransferResult {
	applied, err := decimal.NewFromString(prior.Rate)
	if err != nil {
		applied = decimal.Zero
	}
	return TransferResult{
		TransactionID: prior.TransactionID,
		SourceBalance: prior.Balances[req.FromAccountID],
		DestBalance:   prior.Balances[req.ToAccountID],
		DebitMinor:    prior.DebitMinor,
		CreditMinor:   prior.CreditMinor,
		AppliedRate:   applied,
		RateSource:    prior.RateSource,
	}
}

// fail records the FAILED outcome, releases the idempotency reservation so a
// retry can run, and hands the cause back to the caller.
func (e *Engine) fail(ctx context.Context, rec audit.Record, key string, cause error) error {
	rec.ID = uuid.NewString()
	rec.Status = StatusFailed
	rec.FailureReason = cause.Error()
	rec.CreatedAt = time.Now().UTC()
	if err := e.auditLog.Append(ctx, nil, rec); err != nil {
		e.logger.Error("failed to audit rejected transaction",
			"transaction_id", rec.TransactionID, "kind", rec.Kind, "error", err)
	}
	if key != "" {
		if err := e.idem.Release(ctx, key); err != nil {
			e.logger.Error("failed to release idempotency key",
				"transaction_id", rec.TransactionID, "error", err)
		}
	}
	e.countFailure(rec.Kind, cause)
	e.logger.Warn("transaction failed",
		"transaction_id", rec.TransactionID,
		"kind", rec.Kind,
		"stage", rec.Stage,
		"from", rec.FromAccountID,
		"to", rec.ToAccountID,
		"debit_minor", rec.DebitMinor,
		"error", cause)
	return cause
}

func (e *Engine) commitKey(ctx context.Context, key string, res idempotency.Result) {
	if key == "" {
		return
	}
	if err := e.idem.Commit(ctx, key, res); err != nil {
		e.logger.Error("failed to store idempotent result",
			"transaction_id", res.TransactionID, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, event events.TransactionEvent) {
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Error("failed to publish transaction event",
			"transaction_id", event.TransactionID, "error", err)
	}
}

func (e *Engine) countCommit(kind string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.TransactionsCommitted.WithLabelValues(kind).Inc()
	e.metrics.TransactionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

func (e *Engine) countFailure(kind string, cause error) {
	if e.metrics == nil {
		return
	}
	e.metrics.TransactionsFailed.WithLabelValues(kind, reasonLabel(cause)).Inc()
}

func (e *Engine) countReplay(kind string) {
	if e.metrics == nil {
		return
	}
	e.metrics.IdempotentReplays.WithLabelValues(kind).Inc()
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ledger.ErrAccountClosed):
		return "account_closed"
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ErrInvalidTransfer):
		return "invalid"
	case errors.Is(err, rates.ErrRateUnavailable):
		return "rate_unavailable"
	case errors.Is(err, ErrAuditWriteFailure):
		return "audit_write"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
