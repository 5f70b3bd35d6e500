// Package fiat settles wallet top-ups paid through a card processor.
package fiat

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"LNCustody/internal/funding"
	"LNCustody/internal/models"
	"LNCustody/internal/payments"
	"LNCustody/internal/pricing"
	"LNCustody/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownProvider  = errors.New("unknown fiat provider")
	ErrNotConfigured    = errors.New("fiat payments are not configured")
)

// Event types the gateway settles on.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventInvoicePaid       = "invoice.paid"
)

type CheckoutRequest struct {
	// AmountMinor is in the currency's minor unit (cents).
	AmountMinor int64
	Currency    string
	Description string
	PaymentHash string
	WalletID    string
}

type Checkout struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// Event is a verified provider notification. PaymentHash is empty when the
// object carried no link back to a payment.
type Event struct {
	ID          string
	Type        string
	PaymentHash string
	Paid        bool
}

// Provider is a hosted checkout backend.
type Provider interface {
	Name() string
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	// CheckoutPaid reports whether the checkout with the given id was paid.
	CheckoutPaid(ctx context.Context, id string) (bool, error)
	// ParseEvent verifies the signature header and decodes the payload.
	ParseEvent(payload []byte, signature string) (*Event, error)
}

type Gateway struct {
	ledger    store.Ledger
	engine    *payments.Service
	pricing   *pricing.Service
	providers map[string]Provider
	log       *zap.Logger
}

func NewGateway(ledger store.Ledger, engine *payments.Service, rates *pricing.Service, log *zap.Logger, providers ...Provider) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		ledger:    ledger,
		engine:    engine,
		pricing:   rates,
		providers: make(map[string]Provider, len(providers)),
		log:       log,
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
	}
	return g
}

func (g *Gateway) Enabled() bool { return len(g.providers) > 0 && g.pricing != nil }

func (g *Gateway) provider(name string) (Provider, error) {
	if !g.Enabled() {
		return nil, ErrNotConfigured
	}
	p, ok := g.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

type CreateInvoiceRequest struct {
	WalletID string
	Provider string
	Amount   float64
	Currency string
	Memo     string
	Webhook  string
	Extra    models.Extra
}

type Invoice struct {
	Payment     *models.Payment
	CheckoutURL string
}

// CreateInvoice opens a hosted checkout for a fiat amount and books the
// matching incoming row as pending.
func (g *Gateway) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error) {
	provider, err := g.provider(req.Provider)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, &payments.InvoiceError{Message: "Amount must be positive.", Status: models.PaymentFailed}
	}
	wallet, err := g.ledger.GetWallet(ctx, req.WalletID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &payments.InvoiceError{Message: "Wallet not found.", Status: models.PaymentFailed}
		}
		return nil, fmt.Errorf("load wallet: %w", err)
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	sats, err := g.pricing.FiatToSat(ctx, req.Amount, currency)
	if err != nil {
		return nil, &payments.InvoiceError{
			Message: fmt.Sprintf("Could not convert %s to sats.", currency),
			Status:  models.PaymentFailed,
		}
	}
	if sats <= 0 {
		return nil, &payments.InvoiceError{Message: "Amount must be positive.", Status: models.PaymentFailed}
	}

	preimage, hash, err := newPreimage()
	if err != nil {
		return nil, err
	}
	checkout, err := provider.CreateCheckout(ctx, CheckoutRequest{
		AmountMinor: decimal.NewFromFloat(req.Amount).Shift(2).Round(0).IntPart(),
		Currency:    strings.ToLower(currency),
		Description: req.Memo,
		PaymentHash: hash,
		WalletID:    wallet.ID,
	})
	if err != nil {
		g.log.Warn("create checkout failed", zap.String("provider", provider.Name()), zap.String("wallet_id", wallet.ID), zap.Error(err))
		return nil, &payments.InvoiceError{
			Message: fmt.Sprintf("Failed to create invoice: %v", err),
			Status:  models.PaymentFailed,
		}
	}

	extra := req.Extra.Clone()
	if extra == nil {
		extra = models.Extra{}
	}
	extra["fiat_provider"] = provider.Name()
	extra["fiat_checkout_id"] = checkout.ID
	extra["fiat_payment_request"] = checkout.URL
	if snap, err := g.pricing.Snapshot(ctx, sats, currency); err == nil {
		snap.Amount = req.Amount
		for k, v := range snap.Fields() {
			extra[k] = v
		}
	}

	payment := &models.Payment{
		CheckingID:  CheckingID(provider.Name(), checkout.ID),
		PaymentHash: hash,
		WalletID:    wallet.ID,
		Kind:        models.KindFiat,
		AmountMsat:  sats * 1000,
		Status:      models.PaymentPending,
		Memo:        req.Memo,
		Preimage:    &preimage,
		Extra:       extra,
	}
	if !checkout.ExpiresAt.IsZero() {
		expiry := checkout.ExpiresAt.UTC()
		payment.Expiry = &expiry
	}
	if req.Webhook != "" {
		webhook := req.Webhook
		payment.Webhook = &webhook
	}
	if err := g.ledger.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("persist fiat invoice: %w", err)
	}
	g.log.Info("fiat invoice created",
		zap.String("wallet_id", wallet.ID),
		zap.String("checking_id", payment.CheckingID),
		zap.String("currency", currency),
		zap.Int64("amount_msat", payment.AmountMsat),
	)
	return &Invoice{Payment: payment, CheckoutURL: checkout.URL}, nil
}

func CheckingID(provider, checkoutID string) string {
	return models.FiatPrefix + provider + "_" + checkoutID
}

// HandleWebhook verifies an inbound notification and settles the payment it
// points at. Each provider event id is processed once.
func (g *Gateway) HandleWebhook(ctx context.Context, providerName string, payload []byte, signature string) error {
	provider, err := g.provider(providerName)
	if err != nil {
		return err
	}
	event, err := provider.ParseEvent(payload, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	log := g.log.With(
		zap.String("provider", provider.Name()),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)
	if event.Type != EventCheckoutCompleted && event.Type != EventInvoicePaid {
		log.Debug("fiat event ignored")
		return nil
	}

	if !event.Paid || event.PaymentHash == "" {
		log.Info("fiat event carries no paid payment")
		return g.recordEvent(ctx, log, provider.Name(), event.ID)
	}

	// the event id is recorded only after the settlement is stored
	p, err := g.pendingByHash(ctx, event.PaymentHash)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fresh, err := g.ledger.RecordFiatEvent(ctx, provider.Name(), event.ID)
		if err != nil {
			return fmt.Errorf("record fiat event: %w", err)
		}
		if fresh {
			log.Warn("no pending fiat payment for event", zap.String("payment_hash", event.PaymentHash))
		} else {
			log.Info("duplicate fiat event")
		}
		return nil
	case err != nil:
		return err
	}
	if err := g.settle(context.WithoutCancel(ctx), p); err != nil {
		return err
	}
	return g.recordEvent(context.WithoutCancel(ctx), log, provider.Name(), event.ID)
}

func (g *Gateway) recordEvent(ctx context.Context, log *zap.Logger, provider, eventID string) error {
	fresh, err := g.ledger.RecordFiatEvent(ctx, provider, eventID)
	if err != nil {
		return fmt.Errorf("record fiat event: %w", err)
	}
	if !fresh {
		log.Info("duplicate fiat event")
	}
	return nil
}

// Check asks the provider about a pending fiat row, for callers polling a
// payment whose webhook never arrived.
func (g *Gateway) Check(ctx context.Context, p *models.Payment) (*models.Payment, error) {
	if p.Kind != models.KindFiat || p.Status != models.PaymentPending {
		return p, nil
	}
	name, checkoutID, ok := splitCheckingID(p.CheckingID)
	if !ok {
		return p, nil
	}
	provider, err := g.provider(name)
	if err != nil {
		return nil, err
	}
	paid, err := provider.CheckoutPaid(ctx, checkoutID)
	if err != nil {
		return nil, fmt.Errorf("check checkout %s: %w", checkoutID, err)
	}
	if !paid {
		return p, nil
	}
	if err := g.settle(ctx, p); err != nil {
		return nil, err
	}
	return g.ledger.GetPayment(ctx, p.WalletID, p.CheckingID)
}

func (g *Gateway) settle(ctx context.Context, p *models.Payment) error {
	preimage := ""
	if p.Preimage != nil {
		preimage = *p.Preimage
	}
	settled, err := g.engine.Settle(ctx, p, funding.StatusPaid(0, preimage))
	if err != nil {
		return fmt.Errorf("settle fiat payment: %w", err)
	}
	if settled {
		g.log.Info("fiat payment settled",
			zap.String("wallet_id", p.WalletID),
			zap.String("checking_id", p.CheckingID),
			zap.Int64("amount_msat", p.AmountMsat),
		)
	}
	return nil
}

func (g *Gateway) pendingByHash(ctx context.Context, hash string) (*models.Payment, error) {
	rows, err := g.ledger.GetPaymentsByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Kind == models.KindFiat && row.IsIn() && row.Status == models.PaymentPending {
			return row, nil
		}
	}
	return nil, store.ErrNotFound
}

func splitCheckingID(checkingID string) (provider, checkoutID string, ok bool) {
	rest, found := strings.CutPrefix(checkingID, models.FiatPrefix)
	if !found {
		return "", "", false
	}
	return strings.Cut(rest, "_")
}

func newPreimage() (preimage, hash string, err error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", "", fmt.Errorf("generate preimage: %w", err)
	}
	sum := sha256.Sum256(buf[:])
	return hex.EncodeToString(buf[:]), hex.EncodeToString(sum[:]), nil
}
