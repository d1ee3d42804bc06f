package rates

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// StaticSource serves a fixed rate table. Used for local runs and tests.
type StaticSource struct {
	name  string
	table map[string]decimal.Decimal
}

// NewStaticSource builds a source from a map keyed "FROM/TO", e.g.
// {"USD/EUR": "0.92"}.
func NewStaticSource(name string, table map[string]string) (*StaticSource, error) {
	parsed := make(map[string]decimal.Decimal, len(table))
	for pair, raw := range table {
		value, err := decimal.NewFromString(raw)
		if err != nil || !value.IsPositive() {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidRate, pair, raw)
		}
		parsed[pair] = value
	}
	return &StaticSource{name: name, table: parsed}, nil
}

// DefaultStaticRates is the development rate table.
func DefaultStaticRates() map[string]string {
	return map[string]string{
		"PEN/USD": "0.27",
		"USD/PEN": "3.70",
		"EUR/USD": "1.08",
		"USD/EUR": "0.92",
		"PEN/EUR": "0.25",
		"EUR/PEN": "4.00",
	}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(_ context.Context, from, to string) (decimal.Decimal, error) {
	if value, ok := s.table[from+"/"+to]; ok {
		return value, nil
	}
	if _, ok := s.table[to+"/"+from]; ok {
		return decimal.Zero, ErrPairNotQuoted
	}
	return decimal.Zero, fmt.Errorf("%s has no rate for %s/%s", s.name, from, to)
}
