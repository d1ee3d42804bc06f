// Package rates resolves directional exchange rates from external HTTP
// sources, with a primary/fallback pair, a short-lived cache, and
// single-flight coalescing so a burst of lookups for one currency pair
// costs at most one upstream call.
package rates

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrRateUnavailable means every source failed; the enclosing transfer
	// must fail rather than guess a rate.
	ErrRateUnavailable = errors.New("exchange rate unavailable")

	// ErrPairNotQuoted is returned by a Source that quotes only the
	// opposite direction of the requested pair.
	ErrPairNotQuoted = errors.New("currency pair not quoted")

	ErrInvalidRate = errors.New("invalid exchange rate")
)

// SourceIdentity tags the rate used for same-currency pairs.
const SourceIdentity = "identity"

// Rate is a resolved directional rate. It is ephemeral; the audit record of
// the committed transfer is the durable record of the rate actually applied.
type Rate struct {
	From      string
	To        string
	Value     decimal.Decimal
	Source    string
	FetchedAt time.Time
}

// Source supplies a directional rate for one currency pair.
type Source interface {
	Name() string
	Fetch(ctx context.Context, from, to string) (decimal.Decimal, error)
}
