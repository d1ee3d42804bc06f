package ledger

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const accountsSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	currency   TEXT NOT NULL,
	balance    BIGINT NOT NULL CHECK (balance >= 0),
	version    BIGINT NOT NULL,
	closed     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

type accountRow struct {
	ID        string    `db:"id"`
	Currency  string    `db:"currency"`
	Balance   int64     `db:"balance"`
	Version   uint64    `db:"version"`
	Closed    bool      `db:"closed"`
	CreatedAt time.Time `db:"created_at"`
}

func (r accountRow) account() Account {
	return Account{
		ID:        r.ID,
		Currency:  r.Currency,
		Balance:   r.Balance,
		Version:   r.Version,
		Closed:    r.Closed,
		CreatedAt: r.CreatedAt,
	}
}

// PostgresStore implements Store on a Postgres accounts table. Exclusive
// per-account access comes from SELECT ... FOR UPDATE inside serializable
// transactions, acquired in ascending-ID order like the in-memory store.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, accountsSchema)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, id, currency string, openingMinor int64) (Account, error) {
	if openingMinor < 0 {
		return Account{}, ErrInvalidAmount
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, currency, balance, version, closed, created_at)
		VALUES ($1, $2, $3, 1, FALSE, $4)
	`, id, currency, openingMinor, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return Account{}, ErrAccountExists
		}
		return Account{}, err
	}
	return Account{ID: id, Currency: currency, Balance: openingMinor, Version: 1, CreatedAt: now}, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, currency, balance, version, closed, created_at
		FROM accounts
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return row.account(), nil
}

func (s *PostgresStore) Close(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) (bool, error) {
		row, err := lockRow(ctx, tx, id)
		if err != nil {
			return false, err
		}
		if row.Closed {
			return false, ErrAccountClosed
		}
		return false, bumpAccount(ctx, tx, id, row.Balance, true)
	})
}

func (s *PostgresStore) Deposit(ctx context.Context, id string, amount int64, commit CommitFunc) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	var after Account
	err := s.withTx(ctx, func(tx *sqlx.Tx) (bool, error) {
		row, err := lockRow(ctx, tx, id)
		if err != nil {
			return false, err
		}
		if row.Closed {
			return false, ErrAccountClosed
		}
		after = row.account()
		after.Balance += amount
		after.Version++
		if err := bumpAccount(ctx, tx, id, after.Balance, false); err != nil {
			return false, err
		}
		if commit != nil {
			if err := commit(tx, after); err != nil {
				return true, err
			}
		}
		return true, nil
	})
	if err != nil {
		return Account{}, err
	}
	return after, nil
}

func (s *PostgresStore) Withdraw(ctx context.Context, id string, amount int64, commit CommitFunc) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	var after Account
	err := s.withTx(ctx, func(tx *sqlx.Tx) (bool, error) {
		row, err := lockRow(ctx, tx, id)
		if err != nil {
			return false, err
		}
		if row.Closed {
			return false, ErrAccountClosed
		}
		if row.Balance < amount {
			return false, ErrInsufficientFunds
		}
		after = row.account()
		after.Balance -= amount
		after.Version++
		if err := bumpAccount(ctx, tx, id, after.Balance, false); err != nil {
			return false, err
		}
		if commit != nil {
			if err := commit(tx, after); err != nil {
				return true, err
			}
		}
		return true, nil
	})
	if err != nil {
		return Account{}, err
	}
	return after, nil
}

func (s *PostgresStore) Transfer(ctx context.Context, fromID, toID string, debit, credit int64, commit TransferCommitFunc) (Account, Account, error) {
	if debit < 0 || credit < 0 {
		return Account{}, Account{}, ErrInvalidAmount
	}
	if fromID == toID {
		return Account{}, Account{}, ErrSameAccount
	}
	var from, to Account
	err := s.withTx(ctx, func(tx *sqlx.Tx) (bool, error) {
		firstID, secondID := fromID, toID
		if toID < fromID {
			firstID, secondID = toID, fromID
		}
		first, err := lockRow(ctx, tx, firstID)
		if err != nil {
			return false, err
		}
		second, err := lockRow(ctx, tx, secondID)
		if err != nil {
			return false, err
		}
		fromRow, toRow := first, second
		if firstID != fromID {
			fromRow, toRow = second, first
		}
		if fromRow.Closed || toRow.Closed {
			return false, ErrAccountClosed
		}
		if fromRow.Balance < debit {
			return false, ErrInsufficientFunds
		}
		from = fromRow.account()
		from.Balance -= debit
		from.Version++
		to = toRow.account()
		to.Balance += credit
		to.Version++
		if err := bumpAccount(ctx, tx, fromID, from.Balance, false); err != nil {
			return false, err
		}
		if err := bumpAccount(ctx, tx, toID, to.Balance, false); err != nil {
			return false, err
		}
		if commit != nil {
			if err := commit(tx, from, to); err != nil {
				return true, err
			}
		}
		return true, nil
	})
	if err != nil {
		return Account{}, Account{}, err
	}
	return from, to, nil
}

// withTx runs fn in a serializable transaction with bounded retry on
// serialization failures and deadlocks. fn reports whether the commit
// callback already ran; once it has, the attempt is never retried so the
// callback's side effects stay exactly-once.
func (s *PostgresStore) withTx(ctx context.Context, fn func(*sqlx.Tx) (bool, error)) error {
	const maxAttempts = 5
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		committed, err := fn(tx)
		if err != nil {
			_ = tx.Rollback()
			if !committed && isRetryablePGError(err) {
				if attempt < maxAttempts {
					sleepWithBackoff(attempt)
					continue
				}
				return ErrConcurrencyConflict
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if !committed && isRetryablePGError(err) {
				if attempt < maxAttempts {
					sleepWithBackoff(attempt)
					continue
				}
				return ErrConcurrencyConflict
			}
			return err
		}
		return nil
	}
	return ErrConcurrencyConflict
}

func lockRow(ctx context.Context, tx *sqlx.Tx, id string) (accountRow, error) {
	var row accountRow
	err := tx.GetContext(ctx, &row, `
		SELECT id, currency, balance, version, closed, created_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return accountRow{}, ErrAccountNotFound
	}
	if err != nil {
		return accountRow{}, err
	}
	return row, nil
}

func bumpAccount(ctx context.Context, tx *sqlx.Tx, id string, balance int64, closed bool) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, closed = closed OR $2, version = version + 1
		WHERE id = $3
	`, balance, closed, id)
	return err
}

func isRetryablePGError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func sleepWithBackoff(attempt int) {
	base := 20 * time.Millisecond
	backoff := time.Duration(attempt*attempt) * base
	jitter := time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
	time.Sleep(backoff + jitter)
}
