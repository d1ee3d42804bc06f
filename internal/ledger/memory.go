package ledger

import (
	"context"
	"sync"
	"time"
)

type memoryAccount struct {
	mu   sync.Mutex
	acct Account
}

// MemoryStore keeps accounts in process memory with a mutex per account.
// The outer RWMutex guards only the map; balance mutations serialize on the
// per-account locks so unrelated accounts never contend.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memoryAccount
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*memoryAccount)}
}

func (s *MemoryStore) Create(_ context.Context, id, currency string, openingMinor int64) (Account, error) {
	if openingMinor < 0 {
		return Account{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[id]; exists {
		return Account{}, ErrAccountExists
	}
	acct := Account{
		ID:        id,
		Currency:  currency,
		Balance:   openingMinor,
		Version:   1,
		CreatedAt: time.Now().UTC(),
	}
	s.accounts[id] = &memoryAccount{acct: acct}
	return acct, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Account, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return Account{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.acct, nil
}

func (s *MemoryStore) Close(_ context.Context, id string) error {
	entry, err := s.lookup(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.acct.Closed {
		return ErrAccountClosed
	}
	entry.acct.Closed = true
	entry.acct.Version++
	return nil
}

func (s *MemoryStore) Deposit(_ context.Context, id string, amount int64, commit CommitFunc) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	entry, err := s.lookup(id)
	if err != nil {
		return Account{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.acct.Closed {
		return Account{}, ErrAccountClosed
	}
	next := entry.acct
	next.Balance += amount
	next.Version++
	if commit != nil {
		if err := commit(nil, next); err != nil {
			return Account{}, err
		}
	}
	entry.acct = next
	return next, nil
}

func (s *MemoryStore) Withdraw(_ context.Context, id string, amount int64, commit CommitFunc) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}
	entry, err := s.lookup(id)
	if err != nil {
		return Account{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.acct.Closed {
		return Account{}, ErrAccountClosed
	}
	if entry.acct.Balance < amount {
		return Account{}, ErrInsufficientFunds
	}
	next := entry.acct
	next.Balance -= amount
	next.Version++
	if commit != nil {
		if err := commit(nil, next); err != nil {
			return Account{}, err
		}
	}
	entry.acct = next
	return next, nil
}

func (s *MemoryStore) Transfer(_ context.Context, fromID, toID string, debit, credit int64, commit TransferCommitFunc) (Account, Account, error) {
	if debit < 0 || credit < 0 {
		return Account{}, Account{}, ErrInvalidAmount
	}
	if fromID == toID {
		return Account{}, Account{}, ErrSameAccount
	}
	fromEntry, err := s.lookup(fromID)
	if err != nil {
		return Account{}, Account{}, err
	}
	toEntry, err := s.lookup(toID)
	if err != nil {
		return Account{}, Account{}, err
	}

	// Fixed global lock order: ascending account ID, never request order.
	first, second := fromEntry, toEntry
	if toID < fromID {
		first, second = toEntry, fromEntry
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if fromEntry.acct.Closed || toEntry.acct.Closed {
		return Account{}, Account{}, ErrAccountClosed
	}
	if fromEntry.acct.Balance < debit {
		return Account{}, Account{}, ErrInsufficientFunds
	}

	nextFrom := fromEntry.acct
	nextFrom.Balance -= debit
	nextFrom.Version++
	nextTo := toEntry.acct
	nextTo.Balance += credit
	nextTo.Version++
	if commit != nil {
		if err := commit(nil, nextFrom, nextTo); err != nil {
			return Account{}, Account{}, err
		}
	}
	fromEntry.acct = nextFrom
	toEntry.acct = nextTo
	return nextFrom, nextTo, nil
}

func (s *MemoryStore) lookup(id string) (*memoryAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return entry, nil
}
