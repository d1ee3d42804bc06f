// Package ledger owns per-account balance state. Every read-modify-write of
// a balance happens under that account's exclusive lock, and dual-account
// transfers take both locks in ascending account-ID order so that
// opposite-direction transfers cannot deadlock.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrAccountClosed     = errors.New("account closed")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSameAccount       = errors.New("source and destination are the same account")

	// ErrConcurrencyConflict means the store could not serialize the mutation
	// against concurrent writers within its retry budget.
	ErrConcurrencyConflict = errors.New("concurrent modification conflict")
)

// Account is a balance snapshot. Balance is in minor units of Currency and
// is never negative. Version increments on every committed mutation, letting
// callers outside the lock path detect stale reads.
type Account struct {
	ID        string
	Currency  string
	Balance   int64
	Version   uint64
	Closed    bool
	CreatedAt time.Time
}

// Execer is the transactional write surface handed to commit callbacks.
// Writes issued through it commit and roll back with the balance mutation.
// Stores without transactions pass nil.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CommitFunc runs while the account lock is held, after the new balance is
// computed but before it becomes observable. Returning an error aborts the
// mutation; nothing is applied.
type CommitFunc func(tx Execer, after Account) error

// TransferCommitFunc is the dual-account variant, called with both
// post-mutation snapshots while both locks are held.
type TransferCommitFunc func(tx Execer, from, to Account) error

// Store is the durable key-addressable account store the engine runs on.
type Store interface {
	Create(ctx context.Context, id, currency string, openingMinor int64) (Account, error)
	Get(ctx context.Context, id string) (Account, error)
	// Close freezes the balance. Closed accounts reject every mutation.
	Close(ctx context.Context, id string) error
	Deposit(ctx context.Context, id string, amount int64, commit CommitFunc) (Account, error)
	Withdraw(ctx context.Context, id string, amount int64, commit CommitFunc) (Account, error)
	// Transfer debits the source by debit and credits the destination by
	// credit, all-or-nothing, re-checking the source balance under lock.
	Transfer(ctx context.Context, fromID, toID string, debit, credit int64, commit TransferCommitFunc) (from, to Account, err error)
}
