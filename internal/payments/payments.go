// Package payments is the payment engine: invoice creation, payment
// submission and the settlement side effects shared with the reconciler.
package payments

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"LNCustody/internal/bolt11"
	"LNCustody/internal/fees"
	"LNCustody/internal/funding"
	"LNCustody/internal/limits"
	"LNCustody/internal/models"
	"LNCustody/internal/notify"
	"LNCustody/internal/pricing"
	"LNCustody/internal/store"

	"go.uber.org/zap"
)

const (
	DefaultInvoiceExpiry = time.Hour
	DefaultQueueSize     = 256

	statusTimeout = 10 * time.Second
	unitSat       = "sat"
)

type Config struct {
	// InvoiceExpiry is used when a create request carries none.
	InvoiceExpiry time.Duration
	QueueSize     int
}

// Deps are the collaborators of the engine. Pricing, Notifier and Webhooks
// may be nil.
type Deps struct {
	Ledger   store.Ledger
	Funding  *funding.Holder
	Internal funding.Source
	Fees     fees.Policy
	Limits   *limits.Limiter
	Pricing  *pricing.Service
	Notifier *notify.Notifier
	Webhooks *notify.Dispatcher
	Log      *zap.Logger
}

// InternalSettlement identifies a payee row settled by the internal fast
// path whose hash subscribers and webhook are still owed.
type InternalSettlement struct {
	WalletID   string
	CheckingID string
}

type Service struct {
	ledger   store.Ledger
	funding  *funding.Holder
	internal funding.Source
	fees     fees.Policy
	limits   *limits.Limiter
	pricing  *pricing.Service
	notifier *notify.Notifier
	webhooks *notify.Dispatcher
	log      *zap.Logger

	expiry time.Duration
	queue  chan InternalSettlement
	now    func() time.Time
}

func New(cfg Config, deps Deps) *Service {
	if cfg.InvoiceExpiry <= 0 {
		cfg.InvoiceExpiry = DefaultInvoiceExpiry
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	holder := deps.Funding
	if holder == nil {
		holder = funding.NewHolder(nil)
	}
	lim := deps.Limits
	if lim == nil {
		lim = limits.New(limits.Config{}, deps.Ledger)
	}
	return &Service{
		ledger:   deps.Ledger,
		funding:  holder,
		internal: deps.Internal,
		fees:     deps.Fees,
		limits:   lim,
		pricing:  deps.Pricing,
		notifier: deps.Notifier,
		webhooks: deps.Webhooks,
		log:      log,
		expiry:   cfg.InvoiceExpiry,
		queue:    make(chan InternalSettlement, cfg.QueueSize),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// InternalQueue is drained by the reconciler.
func (s *Service) InternalQueue() <-chan InternalSettlement { return s.queue }

func (s *Service) Fees() fees.Policy { return s.fees }

type CreateInvoiceRequest struct {
	WalletID string
	Amount   float64
	// Unit is "sat" (or empty) or a fiat currency code.
	Unit                string
	Memo                string
	DescriptionHash     []byte
	UnhashedDescription []byte
	Expiry              time.Duration
	Webhook             string
	Extra               models.Extra
	// Internal invoices are issued by the in-process node and can only be
	// paid from another wallet on this instance.
	Internal bool
}

func (s *Service) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*models.Payment, error) {
	wallet, err := s.ledger.GetWallet(ctx, req.WalletID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, invoiceError(msgWalletNotFound)
		}
		return nil, fmt.Errorf("load wallet: %w", err)
	}

	extra := req.Extra.Clone()
	if extra == nil {
		extra = models.Extra{}
	}
	amountSat, err := s.resolveAmount(ctx, req.Amount, req.Unit, extra)
	if err != nil {
		return nil, err
	}
	if amountSat <= 0 {
		return nil, invoiceError(msgAmountNotPositive)
	}
	s.recordWalletFiat(ctx, wallet, amountSat, extra)

	if err := s.limits.CheckMaxBalance(ctx, wallet.ID, amountSat*1000); err != nil {
		var v *limits.Violation
		if errors.As(err, &v) {
			return nil, invoiceError(v.Message)
		}
		return nil, err
	}

	source := s.funding.Get()
	kind := models.KindLightning
	if req.Internal {
		if s.internal == nil {
			return nil, invoiceError("Internal invoices are not available.")
		}
		source = s.internal
		kind = models.KindInternal
	}

	expiry := req.Expiry
	if expiry <= 0 {
		expiry = s.expiry
	}
	resp, err := source.CreateInvoice(ctx, funding.InvoiceRequest{
		AmountMsat:          amountSat * 1000,
		Memo:                req.Memo,
		DescriptionHash:     req.DescriptionHash,
		UnhashedDescription: req.UnhashedDescription,
		Expiry:              expiry,
	})
	if err != nil {
		s.log.Warn("create invoice failed", zap.String("wallet_id", wallet.ID), zap.String("source", source.Name()), zap.Error(err))
		return nil, invoiceError(fmt.Sprintf("Failed to create invoice: %v", err))
	}
	if resp.CheckingID == "" || resp.PaymentRequest == "" {
		return nil, invoiceError("Unexpected backend error.")
	}

	payment := &models.Payment{
		CheckingID:  resp.CheckingID,
		PaymentHash: resp.PaymentHash,
		WalletID:    wallet.ID,
		Kind:        kind,
		AmountMsat:  amountSat * 1000,
		Status:      models.PaymentPending,
		Bolt11:      resp.PaymentRequest,
		Memo:        req.Memo,
		Extra:       extra,
	}
	expiresAt := s.now().Add(expiry)
	if inv, err := bolt11.Decode(resp.PaymentRequest); err == nil {
		payment.PaymentHash = inv.PaymentHash
		expiresAt = inv.ExpiresAt()
	} else if payment.PaymentHash == "" {
		return nil, invoiceError(msgDecodeFailed)
	}
	payment.Expiry = &expiresAt
	if resp.Preimage != "" {
		preimage := resp.Preimage
		payment.Preimage = &preimage
	}
	if req.Webhook != "" {
		webhook := req.Webhook
		payment.Webhook = &webhook
	}

	if err := s.ledger.CreatePayment(ctx, payment); err != nil {
		if errors.Is(err, store.ErrDuplicatePayment) {
			return nil, invoiceError(msgInvoiceExists)
		}
		return nil, fmt.Errorf("persist invoice: %w", err)
	}
	s.log.Info("invoice created",
		zap.String("wallet_id", wallet.ID),
		zap.String("checking_id", payment.CheckingID),
		zap.String("payment_hash", payment.PaymentHash),
		zap.Int64("amount_msat", payment.AmountMsat),
	)
	return payment, nil
}

// resolveAmount converts the requested amount to sats, recording the fiat
// context into extra when the unit is a currency.
func (s *Service) resolveAmount(ctx context.Context, amount float64, unit string, extra models.Extra) (int64, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, invoiceError(msgAmountNotPositive)
	}
	unit = strings.TrimSpace(unit)
	if unit == "" || strings.EqualFold(unit, unitSat) {
		return int64(math.Round(amount)), nil
	}
	if s.pricing == nil {
		return 0, invoiceError(fmt.Sprintf("Unsupported unit %s.", unit))
	}
	sats, err := s.pricing.FiatToSat(ctx, amount, unit)
	if err != nil {
		s.log.Warn("fiat conversion failed", zap.String("unit", unit), zap.Error(err))
		return 0, invoiceError(fmt.Sprintf("Could not convert %s to sats.", strings.ToUpper(unit)))
	}
	snap, err := s.pricing.Snapshot(ctx, sats, unit)
	if err == nil {
		snap.Amount = amount
		for k, v := range snap.Fields() {
			extra[k] = v
		}
	}
	return sats, nil
}

// recordWalletFiat prices the amount in the wallet's display currency. A
// missing rate is not fatal.
func (s *Service) recordWalletFiat(ctx context.Context, wallet *models.Wallet, amountSat int64, extra models.Extra) {
	if s.pricing == nil || wallet.Currency == "" {
		return
	}
	snap, err := s.pricing.Snapshot(ctx, amountSat, wallet.Currency)
	if err != nil {
		s.log.Debug("wallet fiat snapshot skipped", zap.String("wallet_id", wallet.ID), zap.Error(err))
		return
	}
	for k, v := range snap.Fields() {
		extra["wallet_"+k] = v
	}
}

func (s *Service) GetPayment(ctx context.Context, walletID, checkingID string) (*models.Payment, error) {
	p, err := s.ledger.GetPayment(ctx, walletID, checkingID)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return p, err
	}
	// callers often only know the payment hash
	if _, decodeErr := hex.DecodeString(checkingID); decodeErr != nil || len(checkingID) != 64 {
		return nil, err
	}
	rows, err := s.ledger.GetPaymentsByHash(ctx, checkingID)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.WalletID == walletID {
			return row, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Service) ListPayments(ctx context.Context, filter store.PaymentFilter) ([]*models.Payment, error) {
	if filter.WalletID == "" {
		return nil, errors.New("wallet id is required")
	}
	return s.ledger.ListPayments(ctx, filter)
}

// CheckPayment asks the funding source about a pending row and settles it
// the way the reconciler would.
func (s *Service) CheckPayment(ctx context.Context, walletID, checkingID string) (*models.Payment, error) {
	p, err := s.GetPayment(ctx, walletID, checkingID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentPending {
		return p, nil
	}
	if p.Kind == models.KindFiat {
		return p, nil
	}
	if p.Kind == models.KindInternal && p.IsIn() {
		if _, err := s.RepairInternal(ctx, p); err != nil {
			return nil, err
		}
		return s.ledger.GetPayment(ctx, p.WalletID, p.CheckingID)
	}

	status, err := s.SourceStatus(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("check payment: %w", err)
	}
	if _, err := s.Settle(ctx, p, status); err != nil {
		return nil, err
	}
	return s.ledger.GetPayment(ctx, p.WalletID, p.CheckingID)
}

// SourceStatus queries the active funding source for p with a short timeout.
func (s *Service) SourceStatus(ctx context.Context, p *models.Payment) (funding.PaymentStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	source := s.funding.Get()
	if p.IsOut() {
		return source.GetPaymentStatus(ctx, p.CheckingID)
	}
	return source.GetInvoiceStatus(ctx, p.CheckingID)
}
