// Package pricing converts between fiat amounts and satoshis.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrNoRate          = errors.New("no exchange rate available")
)

var satsPerBTC = decimal.NewFromInt(100_000_000)

// Rate is the price of one bitcoin in Currency.
type Rate struct {
	Currency  string          `json:"currency"`
	PerBTC    decimal.Decimal `json:"per_btc"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// SatsPerUnit is how many satoshis one unit of the currency buys.
func (r Rate) SatsPerUnit() decimal.Decimal {
	if r.PerBTC.IsZero() {
		return decimal.Zero
	}
	return satsPerBTC.Div(r.PerBTC)
}

type Provider interface {
	Name() string
	Rate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Cache misses return (nil, nil).
type Cache interface {
	Get(ctx context.Context, currency string) (*Rate, error)
	Set(ctx context.Context, rate *Rate, ttl time.Duration) error
}

type Config struct {
	FixedRates map[string]float64
	CacheTTL   time.Duration
}

type Service struct {
	fixed    map[string]decimal.Decimal
	provider Provider
	cache    Cache
	ttl      time.Duration
	group    singleflight.Group
	log      *zap.Logger
	now      func() time.Time
}

// New builds a rate service. provider and cache may be nil; fixed rates win
// over the provider.
func New(cfg Config, provider Provider, cache Cache, log *zap.Logger) *Service {
	fixed := make(map[string]decimal.Decimal, len(cfg.FixedRates))
	for code, v := range cfg.FixedRates {
		fixed[normalize(code)] = decimal.NewFromFloat(v)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		fixed:    fixed,
		provider: provider,
		cache:    cache,
		ttl:      ttl,
		log:      log,
		now:      time.Now,
	}
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *Service) Rate(ctx context.Context, currency string) (Rate, error) {
	code := normalize(currency)
	if code == "" {
		return Rate{}, ErrUnknownCurrency
	}
	if v, ok := s.fixed[code]; ok {
		return Rate{Currency: code, PerBTC: v, Source: "fixed", FetchedAt: s.now()}, nil
	}
	if s.provider == nil {
		return Rate{}, fmt.Errorf("%w: %s", ErrUnknownCurrency, code)
	}

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, code)
		if err != nil {
			s.log.Warn("rate cache get failed", zap.String("currency", code), zap.Error(err))
		} else if cached != nil {
			return *cached, nil
		}
	}

	// concurrent misses for the same currency share one upstream call
	v, err, _ := s.group.Do(code, func() (any, error) {
		perBTC, err := s.provider.Rate(ctx, code)
		if err != nil {
			return nil, err
		}
		if !perBTC.IsPositive() {
			return nil, fmt.Errorf("%w: %s", ErrNoRate, code)
		}
		rate := &Rate{Currency: code, PerBTC: perBTC, Source: s.provider.Name(), FetchedAt: s.now()}
		if s.cache != nil {
			if err := s.cache.Set(ctx, rate, s.ttl); err != nil {
				s.log.Warn("rate cache set failed", zap.String("currency", code), zap.Error(err))
			}
		}
		return rate, nil
	})
	if err != nil {
		return Rate{}, fmt.Errorf("fetch %s rate: %w", code, err)
	}
	return *v.(*Rate), nil
}

// FiatToSat rounds to the nearest satoshi.
func (s *Service) FiatToSat(ctx context.Context, amount float64, currency string) (int64, error) {
	rate, err := s.Rate(ctx, currency)
	if err != nil {
		return 0, err
	}
	sats := decimal.NewFromFloat(amount).Mul(rate.SatsPerUnit()).Round(0)
	return sats.IntPart(), nil
}

func (s *Service) SatToFiat(ctx context.Context, sats int64, currency string) (float64, error) {
	rate, err := s.Rate(ctx, currency)
	if err != nil {
		return 0, err
	}
	v, _ := decimal.NewFromInt(sats).Mul(rate.PerBTC).Div(satsPerBTC).Round(8).Float64()
	return v, nil
}

// Snapshot is the fiat context recorded into a payment's extra.
type Snapshot struct {
	Currency string
	Amount   float64
	Rate     float64
}

func (s Snapshot) Fields() map[string]any {
	return map[string]any{
		"fiat_currency": s.Currency,
		"fiat_amount":   s.Amount,
		"fiat_rate":     s.Rate,
	}
}

// Snapshot prices amountSat in currency. Rate is expressed in sats per unit.
func (s *Service) Snapshot(ctx context.Context, amountSat int64, currency string) (Snapshot, error) {
	rate, err := s.Rate(ctx, currency)
	if err != nil {
		return Snapshot{}, err
	}
	amount, _ := decimal.NewFromInt(amountSat).Mul(rate.PerBTC).Div(satsPerBTC).Round(3).Float64()
	perUnit, _ := rate.SatsPerUnit().Round(8).Float64()
	return Snapshot{Currency: rate.Currency, Amount: amount, Rate: perUnit}, nil
}
