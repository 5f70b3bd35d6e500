// Package worker reconciles pending payments with the funding source.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"LNCustody/internal/funding"
	"LNCustody/internal/models"
	"LNCustody/internal/payments"
	"LNCustody/internal/store"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval   = time.Minute
	DefaultExpiryInterval = 10 * time.Minute
	DefaultStreamBackoff  = 5 * time.Second
	DefaultInvoiceMaxAge  = 30 * 24 * time.Hour
)

type Config struct {
	PollInterval   time.Duration
	ExpiryInterval time.Duration
	StreamBackoff  time.Duration
	InvoiceMaxAge  time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = DefaultExpiryInterval
	}
	if c.StreamBackoff <= 0 {
		c.StreamBackoff = DefaultStreamBackoff
	}
	if c.InvoiceMaxAge <= 0 {
		c.InvoiceMaxAge = DefaultInvoiceMaxAge
	}
}

type Worker struct {
	cfg     Config
	engine  *payments.Service
	ledger  store.Ledger
	funding *funding.Holder
	log     *zap.Logger
	now     func() time.Time
}

func New(cfg Config, engine *payments.Service, ledger store.Ledger, holder *funding.Holder, log *zap.Logger) *Worker {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		cfg:     cfg,
		engine:  engine,
		ledger:  ledger,
		funding: holder,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run performs a recovery pass, then keeps the stream consumer, the internal
// queue drain and the periodic jobs going until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.Recover(ctx)

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"pending-poller", w.cfg.PollInterval, w.pollJob},
		{"invoice-expiry", w.cfg.ExpiryInterval, w.expiryJob},
	}
	for _, job := range jobs {
		run := job.run
		_, err := sched.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(func() { run(ctx) }),
			gocron.WithName(job.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}
	sched.Start()
	w.log.Info("reconciler started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.String("source", w.funding.Get().Name()),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.RunStream(ctx)
	}()
	go func() {
		defer wg.Done()
		w.DrainInternal(ctx)
	}()

	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		w.log.Warn("scheduler shutdown", zap.Error(err))
	}
	wg.Wait()
	w.log.Info("reconciler stopped")
	return nil
}

// Recover repairs whatever a previous run left behind.
func (w *Worker) Recover(ctx context.Context) {
	report, err := w.PollOnce(ctx)
	if err != nil {
		w.log.Error("recovery poll failed", zap.Error(err))
	} else {
		w.log.Info("recovery pass done",
			zap.Int("pending", report.Checked),
			zap.Int("settled", report.Settled),
			zap.Int("repaired", report.Repaired),
		)
	}
	w.expiryJob(ctx)
}

func (w *Worker) pollJob(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := w.PollOnce(ctx)
	if err != nil {
		w.log.Error("poll pending payments", zap.Error(err))
		return
	}
	if report.Settled > 0 || report.Repaired > 0 {
		w.log.Info("poll pending payments",
			zap.Int("pending", report.Checked),
			zap.Int("settled", report.Settled),
			zap.Int("repaired", report.Repaired),
		)
	}
}

func (w *Worker) expiryJob(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	deleted, err := w.ExpireOnce(ctx)
	if err != nil {
		w.log.Error("expire invoices", zap.Error(err))
		return
	}
	if deleted > 0 {
		w.log.Info("expired invoices deleted", zap.Int64("count", deleted))
	}
}

type PollReport struct {
	Checked  int
	Settled  int
	Repaired int
}

// PollOnce walks every pending row once. Errors on a single row are logged
// and retried on the next cycle.
func (w *Worker) PollOnce(ctx context.Context) (PollReport, error) {
	var report PollReport
	rows, err := w.ledger.ListPendingPayments(ctx)
	if err != nil {
		return report, fmt.Errorf("list pending payments: %w", err)
	}
	for _, p := range rows {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		log := w.log.With(zap.String("wallet_id", p.WalletID), zap.String("checking_id", p.CheckingID))

		if p.IsIn() {
			repaired, err := w.engine.RepairInternal(ctx, p)
			if err != nil {
				log.Warn("repair internal settlement", zap.Error(err))
				continue
			}
			if repaired {
				report.Repaired++
				continue
			}
		}
		// internal and fiat rows have nothing to ask the node about
		if p.Kind != models.KindLightning {
			continue
		}

		status, err := w.engine.SourceStatus(ctx, p)
		if err != nil {
			log.Debug("status check failed", zap.Error(err))
			continue
		}
		settled, err := w.engine.Settle(ctx, p, status)
		if err != nil {
			log.Warn("settle payment", zap.Error(err))
			continue
		}
		if settled {
			report.Settled++
		}
	}
	return report, nil
}

// ExpireOnce deletes unpaid invoices past their expiry or older than the
// configured maximum age.
func (w *Worker) ExpireOnce(ctx context.Context) (int64, error) {
	return w.ledger.DeleteExpiredInvoices(ctx, w.now(), w.cfg.InvoiceMaxAge)
}

// HandlePaid settles the incoming row behind an id yielded by the paid
// stream, after confirming with the backend.
func (w *Worker) HandlePaid(ctx context.Context, id string) error {
	p, err := w.lookupIncoming(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		w.log.Debug("paid id not found", zap.String("checking_id", id))
		return nil
	}
	if err != nil {
		return err
	}
	if p.Status.Terminal() || !p.IsIn() {
		return nil
	}

	status, err := w.engine.SourceStatus(ctx, p)
	if err != nil {
		return fmt.Errorf("invoice status %s: %w", p.CheckingID, err)
	}
	if status.Pending() {
		w.log.Debug("stream reported paid but backend says pending", zap.String("checking_id", p.CheckingID))
		return nil
	}
	_, err = w.engine.Settle(ctx, p, status)
	return err
}

// lookupIncoming prefers a checking id match and falls back to the payment
// hash.
func (w *Worker) lookupIncoming(ctx context.Context, id string) (*models.Payment, error) {
	p, err := w.ledger.GetPaymentByCheckingID(ctx, id)
	if err == nil && !p.Status.Terminal() {
		return p, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	pending, perr := w.ledger.GetPendingIncomingByHash(ctx, id)
	if perr == nil {
		return pending, nil
	}
	if p != nil {
		return p, nil
	}
	return nil, perr
}
