// Package audit records every committed or failed transaction with enough
// detail to reconstruct the balance change it caused. For committed
// mutations the record is written before the account locks are released;
// a failed write aborts the mutation.
package audit

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Execer is the write surface an append goes through. When the caller is
// inside a ledger transaction it passes the transaction here so the record
// commits and rolls back with the balance mutation; nil appends outside any
// transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Record struct {
	ID            string
	TransactionID string
	Kind          string
	Status        string

	FromAccountID string
	ToAccountID   string
	DebitMinor    int64
	CreditMinor   int64

	// Currency is the debit-side currency; CounterCurrency the credit side.
	Currency        string
	CounterCurrency string
	Rate            string
	RateSource      string

	FromBalanceAfter int64
	ToBalanceAfter   int64

	// Stage is the furthest engine stage reached before the outcome.
	Stage          string
	FailureReason  string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Log is an append-only sink. Records are never updated or deleted.
type Log interface {
	Append(ctx context.Context, tx Execer, rec Record) error
}

// MemoryLog keeps records in order of append. Records exposes a copy for
// reconciliation and tests.
type MemoryLog struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, _ Execer, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *MemoryLog) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}
