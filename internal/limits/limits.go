package limits

import (
	"context"
	"fmt"
	"time"

	"LNCustody/internal/store"
)

type Config struct {
	// MaxBalanceSats caps a wallet's balance after an incoming invoice; 0 disables.
	MaxBalanceSats int64
	// SecsBetweenTrans is the minimum gap between two outgoing payments; 0 disables.
	SecsBetweenTrans int64
	// DailyMaxWithdrawSats caps outgoing volume over 24h. 0 disables, negative
	// disables payments entirely.
	DailyMaxWithdrawSats int64
}

type StatsSource interface {
	Balance(ctx context.Context, walletID string) (int64, error)
	OutgoingStats(ctx context.Context, walletID string, since time.Time) (store.OutgoingStats, error)
}

// Violation is returned when a policy rejects an operation. Other errors come
// from the stats source.
type Violation struct {
	Message string
}

func (v *Violation) Error() string { return v.Message }

type Limiter struct {
	cfg   Config
	stats StatsSource
	now   func() time.Time
}

func New(cfg Config, stats StatsSource) *Limiter {
	return &Limiter{cfg: cfg, stats: stats, now: time.Now}
}

func (l *Limiter) Config() Config { return l.cfg }

// CheckOutgoing runs the per-wallet throughput and daily withdrawal policies
// for a payment of amountMsat.
func (l *Limiter) CheckOutgoing(ctx context.Context, walletID string, amountMsat int64) error {
	if l.cfg.DailyMaxWithdrawSats < 0 {
		return &Violation{Message: "Payments are disabled."}
	}
	now := l.now()

	if l.cfg.SecsBetweenTrans > 0 {
		window := time.Duration(l.cfg.SecsBetweenTrans) * time.Second
		stats, err := l.stats.OutgoingStats(ctx, walletID, now.Add(-window))
		if err != nil {
			return fmt.Errorf("outgoing stats: %w", err)
		}
		if stats.Count > 0 {
			return &Violation{Message: fmt.Sprintf(
				"The time limit of %d seconds between payments has been reached.", l.cfg.SecsBetweenTrans)}
		}
	}

	if l.cfg.DailyMaxWithdrawSats > 0 {
		stats, err := l.stats.OutgoingStats(ctx, walletID, now.Add(-24*time.Hour))
		if err != nil {
			return fmt.Errorf("outgoing stats: %w", err)
		}
		if abs(amountMsat)+stats.SumMsat > l.cfg.DailyMaxWithdrawSats*1000 {
			return &Violation{Message: fmt.Sprintf(
				"Daily withdrawal limit of %d sats reached.", l.cfg.DailyMaxWithdrawSats)}
		}
	}
	return nil
}

func (l *Limiter) CheckMaxBalance(ctx context.Context, walletID string, amountMsat int64) error {
	if l.cfg.MaxBalanceSats <= 0 {
		return nil
	}
	balance, err := l.stats.Balance(ctx, walletID)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	if balance/1000+amountMsat/1000 > l.cfg.MaxBalanceSats {
		return &Violation{Message: fmt.Sprintf(
			"Wallet balance cannot exceed %d sats.", l.cfg.MaxBalanceSats)}
	}
	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
