package ledger

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type fakeTxState struct {
	begins      int64
	commitCalls int64
	failCommits int64
	failCode    string
	rollbacks   int64
}

type fakeDriver struct {
	state *fakeTxState
}

func (d *fakeDriver) Open(name string) (driver.Conn, error) {
	return &fakeConn{state: d.state}, nil
}

type fakeConn struct {
	state *fakeTxState
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{}, nil
}

func (c *fakeConn) Close() error {
	return nil
}

func (c *fakeConn) Begin() (driver.Tx, error) {
	atomic.AddInt64(&c.state.begins, 1)
	return &fakeTx{state: c.state}, nil
}

func (c *fakeConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	atomic.AddInt64(&c.state.begins, 1)
	return &fakeTx{state: c.state}, nil
}

type fakeTx struct {
	state *fakeTxState
}

func (t *fakeTx) Commit() error {
	call := atomic.AddInt64(&t.state.commitCalls, 1)
	if call <= t.state.failCommits {
		code := t.state.failCode
		if code == "" {
			code = "40001"
		}
		return &pq.Error{Code: pq.ErrorCode(code)}
	}
	return nil
}

func (t *fakeTx) Rollback() error {
	atomic.AddInt64(&t.state.rollbacks, 1)
	return nil
}

type fakeStmt struct{}

func (s *fakeStmt) Close() error {
	return nil
}

func (s *fakeStmt) NumInput() int {
	return -1
}

func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return nil, nil
}

func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	return nil, nil
}

var fakeDriverCounter uint64

func newFakeStore(t *testing.T, state *fakeTxState) *PostgresStore {
	t.Helper()
	name := fmt.Sprintf("ledger-fake-%d", atomic.AddUint64(&fakeDriverCounter, 1))
	sql.Register(name, &fakeDriver{state: state})
	sqlDB, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open fake db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewPostgresStore(sqlx.NewDb(sqlDB, name))
}

func TestWithTxRetriesSerializationFailure(t *testing.T) {
	state := &fakeTxState{failCommits: 2}
	s := newFakeStore(t, state)
	err := s.withTx(context.Background(), func(*sqlx.Tx) (bool, error) { return false, nil })
	if err != nil {
		t.Fatalf("withTx: %v", err)
	}
	if state.commitCalls != 3 {
		t.Fatalf("commit calls = %d, want 3", state.commitCalls)
	}
}

func TestWithTxRetryExhaustionIsConcurrencyConflict(t *testing.T) {
	state := &fakeTxState{failCommits: 100}
	s := newFakeStore(t, state)
	err := s.withTx(context.Background(), func(*sqlx.Tx) (bool, error) { return false, nil })
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("error = %v, want ErrConcurrencyConflict", err)
	}
	if state.commitCalls != 5 {
		t.Fatalf("commit calls = %d, want 5", state.commitCalls)
	}
}

func TestWithTxDeadlockCodeAlsoRetried(t *testing.T) {
	state := &fakeTxState{failCommits: 1, failCode: "40P01"}
	s := newFakeStore(t, state)
	if err := s.withTx(context.Background(), func(*sqlx.Tx) (bool, error) { return false, nil }); err != nil {
		t.Fatalf("withTx: %v", err)
	}
	if state.commitCalls != 2 {
		t.Fatalf("commit calls = %d, want 2", state.commitCalls)
	}
}

func TestWithTxNoRetryOnceCallbackRan(t *testing.T) {
	state := &fakeTxState{}
	s := newFakeStore(t, state)
	serialization := &pq.Error{Code: "40001"}
	err := s.withTx(context.Background(), func(*sqlx.Tx) (bool, error) { return true, serialization })
	if !errors.Is(err, serialization) {
		t.Fatalf("error = %v, want the serialization failure surfaced", err)
	}
	// The callback's side effects are exactly-once, so the attempt must not
	// be repeated even for a retryable code.
	if state.begins != 1 {
		t.Fatalf("begins = %d, want 1", state.begins)
	}
	if state.rollbacks != 1 {
		t.Fatalf("rollbacks = %d, want 1", state.rollbacks)
	}
}

func TestWithTxCallbackErrorRollsBack(t *testing.T) {
	state := &fakeTxState{}
	s := newFakeStore(t, state)
	boom := errors.New("audit sink down")
	err := s.withTx(context.Background(), func(*sqlx.Tx) (bool, error) { return false, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if state.commitCalls != 0 {
		t.Fatalf("commit calls = %d, want 0", state.commitCalls)
	}
	if state.rollbacks != 1 {
		t.Fatalf("rollbacks = %d, want 1", state.rollbacks)
	}
}
