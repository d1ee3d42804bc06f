package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"bankcore/internal/metrics"
	"bankcore/internal/money"
)

type cachedRate struct {
	rate    Rate
	expires time.Time
}

// Provider resolves rates through a primary and an optional fallback source.
// Successful rates are cached for a short window; expired entries are never
// served, even when both sources are down.
type Provider struct {
	primary  Source
	fallback Source
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cachedRate
}

func NewProvider(primary, fallback Source, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *Provider {
	return &Provider{
		primary:  primary,
		fallback: fallback,
		ttl:      ttl,
		logger:   logger,
		metrics:  m,
		cache:    make(map[string]cachedRate),
	}
}

// GetRate resolves the directional rate from one currency to another.
// Same-currency pairs are exactly 1 with no lookup and no cache entry.
func (p *Provider) GetRate(ctx context.Context, from, to string) (Rate, error) {
	if from == to {
		return Rate{From: from, To: to, Value: decimal.NewFromInt(1), Source: SourceIdentity, FetchedAt: time.Now().UTC()}, nil
	}
	key := from + "/" + to
	if rate, ok := p.cached(key); ok {
		if p.metrics != nil {
			p.metrics.RateCacheHits.Inc()
		}
		return rate, nil
	}
	value, err, _ := p.group.Do(key, func() (any, error) {
		// A coalesced waiter may arrive just after the flight that
		// populated the cache finished.
		if rate, ok := p.cached(key); ok {
			return rate, nil
		}
		rate, err := p.fetch(ctx, from, to)
		if err != nil {
			return nil, err
		}
		p.store(key, rate)
		return rate, nil
	})
	if err != nil {
		return Rate{}, err
	}
	return value.(Rate), nil
}

func (p *Provider) fetch(ctx context.Context, from, to string) (Rate, error) {
	value, err := p.fetchDirectional(ctx, p.primary, from, to)
	if err == nil {
		p.countFetch(p.primary.Name(), "ok")
		return Rate{From: from, To: to, Value: value, Source: p.primary.Name(), FetchedAt: time.Now().UTC()}, nil
	}
	p.countFetch(p.primary.Name(), "error")
	primaryErr := err

	if p.fallback != nil {
		value, err = p.fetchDirectional(ctx, p.fallback, from, to)
		if err == nil {
			p.countFetch(p.fallback.Name(), "ok")
			p.logger.Warn("using fallback exchange source",
				"primary", p.primary.Name(),
				"fallback", p.fallback.Name(),
				"pair", from+"/"+to,
				"primary_error", primaryErr)
			return Rate{From: from, To: to, Value: value, Source: p.fallback.Name(), FetchedAt: time.Now().UTC()}, nil
		}
		p.countFetch(p.fallback.Name(), "error")
	}
	return Rate{}, fmt.Errorf("%w for %s/%s: %v", ErrRateUnavailable, from, to, err)
}

// fetchDirectional asks a source for from->to, deriving the exact reciprocal
// when only the opposite direction is quoted.
func (p *Provider) fetchDirectional(ctx context.Context, src Source, from, to string) (decimal.Decimal, error) {
	value, err := src.Fetch(ctx, from, to)
	if errors.Is(err, ErrPairNotQuoted) {
		reverse, rerr := src.Fetch(ctx, to, from)
		if rerr != nil {
			return decimal.Zero, err
		}
		if !reverse.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: reverse rate %s", ErrInvalidRate, reverse)
		}
		return money.Reciprocal(reverse), nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	if !value.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidRate, value)
	}
	return value, nil
}

func (p *Provider) cached(key string) (Rate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.cache[key]
	if !ok || time.Now().After(entry.expires) {
		return Rate{}, false
	}
	return entry.rate, true
}

func (p *Provider) store(key string, rate Rate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[key] = cachedRate{rate: rate, expires: time.Now().Add(p.ttl)}
}

func (p *Provider) countFetch(source, outcome string) {
	if p.metrics != nil {
		p.metrics.RateFetches.WithLabelValues(source, outcome).Inc()
	}
}
