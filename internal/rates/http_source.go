package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

type ratePayload struct {
	Rate      json.Number `json:"rate"`
	Timestamp int64       `json:"timestamp"`
}

// HTTPSource fetches rates from GET {base}/rate?from=X&to=Y, expecting a
// JSON body like {"rate": "1.08", "timestamp": 1717000000}.
type HTTPSource struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewHTTPSource(name, baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Fetch(ctx context.Context, from, to string) (decimal.Decimal, error) {
	query := url.Values{"from": {from}, "to": {to}}
	endpoint := fmt.Sprintf("%s/rate?%s", s.baseURL, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build rate request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch rate from %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return decimal.Zero, ErrPairNotQuoted
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%s returned status %d", s.name, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read %s response: %w", s.name, err)
	}
	var payload ratePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("parse %s response: %w", s.name, err)
	}
	value, err := decimal.NewFromString(payload.Rate.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q from %s", ErrInvalidRate, payload.Rate, s.name)
	}
	if !value.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s from %s", ErrInvalidRate, value, s.name)
	}
	return value, nil
}
