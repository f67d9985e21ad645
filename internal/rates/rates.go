package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const cacheKey = "rates:fiat_per_crypto"

// ErrRateUnavailable means no authoritative rate could be obtained. Money
// paths must fail on this; only display surfaces may fall back.
var ErrRateUnavailable = errors.New("rates: no authoritative rate available")

// Source provides the current fiat-per-crypto rate.
type Source interface {
	FetchRate(ctx context.Context) (decimal.Decimal, error)
}

// HTTPSource pulls the rate from a configured endpoint returning
// {"rate": "3.5"}.
type HTTPSource struct {
	url        string
	httpClient *http.Client
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	if s.url == "" {
		return decimal.Zero, fmt.Errorf("rate source url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate source unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return decimal.Zero, fmt.Errorf("rate source returned %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Rate string `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, err
	}

	rate, err := decimal.NewFromString(strings.TrimSpace(out.Rate))
	if err != nil || rate.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("rate source returned bad rate %q", out.Rate)
	}
	return rate, nil
}

// Service is a bounded-TTL read-through cache over a rate source, with an
// explicit invalidation hook for configuration updates. A settlement fetches
// the rate once per request and carries the snapshot through, so a single
// settlement never mixes two rates.
type Service struct {
	src      Source
	rdb      *redis.Client
	ttl      time.Duration
	fallback decimal.Decimal
	log      *zap.Logger
}

func NewService(src Source, rdb *redis.Client, ttl time.Duration, displayFallback decimal.Decimal, log *zap.Logger) *Service {
	return &Service{src: src, rdb: rdb, ttl: ttl, fallback: displayFallback, log: log}
}

// SettlementRate returns the authoritative rate for money-moving paths.
// Cache hit within TTL is served as is; on miss the source is consulted and
// the cache refreshed. There is no silent fallback here.
func (s *Service) SettlementRate(ctx context.Context) (decimal.Decimal, error) {
	if cached, err := s.rdb.Get(ctx, cacheKey).Result(); err == nil && cached != "" {
		if rate, err := decimal.NewFromString(cached); err == nil && rate.Sign() > 0 {
			return rate, nil
		}
	}

	rate, err := s.src.FetchRate(ctx)
	if err != nil {
		s.log.Error("rate fetch failed", zap.Error(err))
		return decimal.Zero, fmt.Errorf("%w: %s", ErrRateUnavailable, err)
	}

	if err := s.rdb.Set(ctx, cacheKey, rate.String(), s.ttl).Err(); err != nil {
		s.log.Warn("failed to cache rate", zap.Error(err))
	}
	return rate, nil
}

// DisplayRate is for cosmetic surfaces only. It falls back silently to the
// configured display rate when no authoritative rate is available.
func (s *Service) DisplayRate(ctx context.Context) decimal.Decimal {
	rate, err := s.SettlementRate(ctx)
	if err != nil {
		return s.fallback
	}
	return rate
}

// Invalidate drops the cached rate. Wired to admin rate/fee updates so a
// configuration change takes effect immediately instead of after TTL.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.rdb.Del(ctx, cacheKey).Err()
}
