// Package app wires the custody service together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"LNCustody/internal/config"
	"LNCustody/internal/db"
	"LNCustody/internal/fees"
	"LNCustody/internal/fiat"
	"LNCustody/internal/funding"
	internalhttp "LNCustody/internal/http"
	"LNCustody/internal/limits"
	"LNCustody/internal/models"
	"LNCustody/internal/notify"
	"LNCustody/internal/payments"
	"LNCustody/internal/pricing"
	"LNCustody/internal/services"
	"LNCustody/internal/store"
	"LNCustody/internal/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const internalNodeSecret = "lncustody-internal"

// MemoryDSN selects the in-memory ledger instead of Postgres.
const MemoryDSN = "memory://"

// App holds every long-lived component. Fields are exported for the admin
// commands that need a single piece of it.
type App struct {
	Config   *config.Config
	Log      *zap.Logger
	Pool     *db.Pool
	Ledger   store.Ledger
	Funding  *funding.Holder
	Internal *funding.Fake
	Pricing  *pricing.Service
	Notifier *notify.Notifier
	Engine   *payments.Service
	Worker   *worker.Worker
	Fiat     *fiat.Gateway
	Accounts services.AccountService

	rateCache pricing.Cache
}

// New connects to the database, applies pending migrations and builds the
// components. Nothing is started yet. A memory:// DSN skips the database.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if strings.HasPrefix(cfg.DB.DSN, MemoryDSN) {
		log.Warn("using in-memory ledger, balances are lost on exit")
		return Build(cfg, store.NewMemory(), log)
	}
	pool, err := db.Connect(ctx, cfg.DB.DSN, db.Options{MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	applied, err := db.Migrate(ctx, pool, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		log.Info("migrations applied", zap.Int("count", applied))
	}

	a, err := Build(cfg, store.New(pool), log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.Pool = pool
	return a, nil
}

// Build assembles the components on top of an existing ledger.
func Build(cfg *config.Config, ledger store.Ledger, log *zap.Logger) (*App, error) {
	source, err := funding.New(fundingConfig(cfg), log.Named("funding"))
	if err != nil {
		return nil, fmt.Errorf("funding source: %w", err)
	}

	a := &App{
		Config:   cfg,
		Log:      log,
		Ledger:   ledger,
		Funding:  funding.NewHolder(source),
		Internal: funding.NewFake(funding.FakeConfig{Secret: internalNodeSecret + ":" + cfg.Funding.Fake.Secret}),
		Notifier: notify.New(cfg.Notify.Buffer, log.Named("notify")),
		Accounts: services.AccountService{Store: ledger},
	}
	a.Pricing = a.buildPricing()

	a.Engine = payments.New(payments.Config{
		InvoiceExpiry: cfg.InvoiceExpiry(),
		QueueSize:     cfg.Invoices.QueueSize,
	}, payments.Deps{
		Ledger:   ledger,
		Funding:  a.Funding,
		Internal: a.Internal,
		Fees: fees.Policy{
			ReserveMinMsat:     cfg.Fees.ReserveMinMsat,
			ReservePercent:     cfg.Fees.ReservePercent,
			ServiceFeePercent:  cfg.Fees.ServiceFeePercent,
			ServiceFeeMaxSats:  cfg.Fees.ServiceFeeMaxSats,
			ServiceFeeWalletID: cfg.Fees.ServiceFeeWalletID,
			IgnoreInternal:     cfg.Fees.ServiceFeeIgnoreInt,
		},
		Limits: limits.New(limits.Config{
			MaxBalanceSats:       cfg.Limits.MaxBalanceSats,
			SecsBetweenTrans:     cfg.Limits.SecsBetweenTrans,
			DailyMaxWithdrawSats: cfg.Limits.DailyMaxWithdrawSats,
		}, ledger),
		Pricing:  a.Pricing,
		Notifier: a.Notifier,
		Webhooks: notify.NewDispatcher(ledger, log.Named("webhook")),
		Log:      log.Named("payments"),
	})

	a.Worker = worker.New(worker.Config{
		PollInterval:   time.Duration(cfg.Worker.PollSeconds) * time.Second,
		ExpiryInterval: time.Duration(cfg.Worker.ExpirySweepSeconds) * time.Second,
		StreamBackoff:  time.Duration(cfg.Worker.StreamBackoffSeconds) * time.Second,
		InvoiceMaxAge:  time.Duration(cfg.Worker.InvoiceMaxAgeDays) * 24 * time.Hour,
	}, a.Engine, ledger, a.Funding, log.Named("worker"))

	var providers []fiat.Provider
	if cfg.Stripe.APIKey != "" {
		providers = append(providers, fiat.NewStripe(fiat.StripeConfig{
			APIKey:        cfg.Stripe.APIKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			SuccessURL:    cfg.Stripe.SuccessURL,
			CancelURL:     cfg.Stripe.CancelURL,
			APIBase:       cfg.Stripe.APIBase,
		}))
	}
	a.Fiat = fiat.NewGateway(ledger, a.Engine, a.Pricing, log.Named("fiat"), providers...)
	return a, nil
}

func fundingConfig(cfg *config.Config) funding.Config {
	return funding.Config{
		Class: cfg.Funding.Class,
		Fake: funding.FakeConfig{
			Secret:  cfg.Funding.Fake.Secret,
			Network: cfg.Funding.Fake.Network,
		},
		LNbits: funding.LNbitsConfig{
			Endpoints:         cfg.Funding.LNbits.Endpoints,
			AdminKey:          cfg.Funding.LNbits.AdminKey,
			InvoiceKey:        cfg.Funding.LNbits.InvoiceKey,
			FailoverThreshold: cfg.Funding.LNbits.FailoverThreshold,
		},
		LndRest: funding.LndRestConfig{
			Endpoint: cfg.Funding.LndRest.Endpoint,
			Macaroon: cfg.Funding.LndRest.Macaroon,
			CertPath: cfg.Funding.LndRest.CertPath,
			Insecure: cfg.Funding.LndRest.Insecure,
		},
	}
}

// SwapFunding replaces the active backend with the one described by cfg.
// The paid stream reconnects to the new backend on its own; the swap is
// recorded in the audit log.
func (a *App) SwapFunding(ctx context.Context, cfg *config.Config) error {
	source, err := funding.New(fundingConfig(cfg), a.Log.Named("funding"))
	if err != nil {
		return fmt.Errorf("funding source: %w", err)
	}
	previous := a.Funding.Get().Name()
	if err := a.Funding.Set(source); err != nil {
		a.Log.Warn("close previous funding source", zap.String("class", previous), zap.Error(err))
	}
	a.Config.Funding = cfg.Funding

	entry := &models.AuditEntry{
		Component: "funding",
		Action:    "swap_funding_source",
		Detail:    models.Extra{"from": previous, "to": source.Name()},
	}
	if err := a.Ledger.InsertAudit(ctx, entry); err != nil {
		a.Log.Error("write audit entry", zap.Error(err))
	}
	a.Log.Info("funding source swapped", zap.String("from", previous), zap.String("to", source.Name()))
	return nil
}

func (a *App) buildPricing() *pricing.Service {
	var provider pricing.Provider
	if a.Config.Pricing.ProviderURL != "" {
		provider = pricing.NewHTTPProvider(a.Config.Pricing.ProviderURL)
	}
	var cache pricing.Cache = pricing.NewMemoryCache()
	if a.Config.Pricing.RedisAddr != "" {
		rc := pricing.NewRedisCache(&redis.Options{
			Addr:     a.Config.Pricing.RedisAddr,
			Password: a.Config.Pricing.RedisPassword,
			DB:       a.Config.Pricing.RedisDB,
		}, "lncustody:rates:")
		a.rateCache = rc
		cache = rc
	}
	return pricing.New(pricing.Config{
		FixedRates: a.Config.Pricing.FixedRates,
		CacheTTL:   time.Duration(a.Config.Pricing.CacheTTLSeconds) * time.Second,
	}, provider, cache, a.Log.Named("pricing"))
}

func (a *App) Handler() http.Handler {
	return internalhttp.NewServer(&internalhttp.Handler{
		Accounts: a.Accounts,
		Payments: a.Engine,
		Fiat:     a.Fiat,
		Notifier: a.Notifier,
		Funding:  a.Funding,
		Log:      a.Log.Named("http"),
	})
}

// Run starts the reconciler and the HTTP server and blocks until ctx is
// done. The server stops first, then the reconciler.
func (a *App) Run(ctx context.Context) error {
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Worker.Run(workerCtx); err != nil {
			a.Log.Error("reconciler stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.Log.Info("api listening", zap.String("addr", a.Config.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn("http shutdown", zap.Error(err))
	}
	stopWorker()
	wg.Wait()
	return runErr
}

// Close releases the funding source, the rate cache and the database pool.
func (a *App) Close() {
	if err := a.Funding.Get().Close(); err != nil {
		a.Log.Warn("close funding source", zap.Error(err))
	}
	if err := a.Internal.Close(); err != nil {
		a.Log.Warn("close internal node", zap.Error(err))
	}
	if c, ok := a.rateCache.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	a.Notifier.Close()
	_ = a.Log.Sync()
}
