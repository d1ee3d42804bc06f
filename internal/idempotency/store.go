// Package idempotency stores the result committed under a client-supplied
// idempotency key so a retried request replays the prior result instead of
// mutating balances twice.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInFlight means another request holding the same key has not finished.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

// Result is everything needed to re-answer a replayed request.
type Result struct {
	TransactionID string           `json:"transaction_id"`
	Kind          string           `json:"kind"`
	Balances      map[string]int64 `json:"balances"`
	DebitMinor    int64            `json:"debit_minor,omitempty"`
	CreditMinor   int64            `json:"credit_minor,omitempty"`
	Rate          string           `json:"rate,omitempty"`
	RateSource    string           `json:"rate_source,omitempty"`
}

// Store reserves keys and records committed results.
type Store interface {
	// Begin returns the prior committed result for key, or reserves the key
	// and returns nil. A live reservation held elsewhere yields ErrInFlight.
	Begin(ctx context.Context, key string) (*Result, error)
	// Commit replaces the reservation with the committed result.
	Commit(ctx context.Context, key string, res Result) error
	// Release drops the reservation so a retry can run. Called on failure.
	Release(ctx context.Context, key string) error
}

type memoryEntry struct {
	result  *Result
	expires time.Time
}

// MemoryStore is the in-process Store used in tests and single-node runs.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Begin(_ context.Context, key string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if ok && time.Now().Before(entry.expires) {
		if entry.result != nil {
			return entry.result, nil
		}
		return nil, ErrInFlight
	}
	s.entries[key] = memoryEntry{expires: time.Now().Add(s.ttl)}
	return nil, nil
}

func (s *MemoryStore) Commit(_ context.Context, key string, res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{result: &res, expires: time.Now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
