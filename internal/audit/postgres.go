package audit

import (
	"context"

	"github.com/google/uuid"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id                 TEXT PRIMARY KEY,
	transaction_id     TEXT NOT NULL,
	kind               TEXT NOT NULL,
	status             TEXT NOT NULL,
	from_account_id    TEXT,
	to_account_id      TEXT,
	debit_minor        BIGINT NOT NULL,
	credit_minor       BIGINT NOT NULL,
	currency           TEXT,
	counter_currency   TEXT,
	rate               TEXT,
	rate_source        TEXT,
	from_balance_after BIGINT NOT NULL,
	to_balance_after   BIGINT NOT NULL,
	stage              TEXT,
	failure_reason     TEXT,
	idempotency_key    TEXT,
	created_at         TIMESTAMPTZ NOT NULL
)`

// PostgresLog appends audit records to an audit_records table.
type PostgresLog struct {
	db Execer
}

func NewPostgresLog(db Execer) *PostgresLog {
	return &PostgresLog{db: db}
}

func (l *PostgresLog) EnsureSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, auditSchema)
	return err
}

// Append writes the record through tx when one is supplied so a committed
// mutation and its audit record are a single atomic unit.
func (l *PostgresLog) Append(ctx context.Context, tx Execer, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	target := l.db
	if tx != nil {
		target = tx
	}
	_, err := target.ExecContext(ctx, `
		INSERT INTO audit_records (
			id, transaction_id, kind, status,
			from_account_id, to_account_id, debit_minor, credit_minor,
			currency, counter_currency, rate, rate_source,
			from_balance_after, to_balance_after,
			stage, failure_reason, idempotency_key, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		rec.ID, rec.TransactionID, rec.Kind, rec.Status,
		rec.FromAccountID, rec.ToAccountID, rec.DebitMinor, rec.CreditMinor,
		rec.Currency, rec.CounterCurrency, rec.Rate, rec.RateSource,
		rec.FromBalanceAfter, rec.ToBalanceAfter,
		rec.Stage, rec.FailureReason, rec.IdempotencyKey, rec.CreatedAt,
	)
	return err
}
