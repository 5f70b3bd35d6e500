package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"LNCustody/internal/bolt11"
	"LNCustody/internal/limits"
	"LNCustody/internal/models"
	"LNCustody/internal/store"

	"go.uber.org/zap"
)

type PayInvoiceRequest struct {
	WalletID       string
	PaymentRequest string
	// MaxSat rejects invoices above this amount when positive.
	MaxSat      int64
	Description string
	Tag         string
	Webhook     string
	Extra       models.Extra
}

// PayInvoice pays a BOLT11 invoice from a wallet. The returned row may still
// be pending when the backend has not decided yet.
func (s *Service) PayInvoice(ctx context.Context, req PayInvoiceRequest) (*models.Payment, error) {
	inv, err := bolt11.Decode(req.PaymentRequest)
	if err != nil {
		return nil, paymentError(msgDecodeFailed, models.PaymentFailed)
	}
	if inv.AmountMsat <= 0 {
		return nil, paymentError(msgAmountless, models.PaymentFailed)
	}
	if req.MaxSat > 0 && inv.AmountMsat > req.MaxSat*1000 {
		return nil, paymentError(msgAmountTooHigh, models.PaymentFailed)
	}
	if inv.Expired(s.now()) {
		return nil, paymentError(msgInvoiceExpired, models.PaymentFailed)
	}

	wallet, err := s.ledger.GetWallet(ctx, req.WalletID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, paymentError(msgWalletNotFound, models.PaymentFailed)
		}
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	if err := s.limits.CheckOutgoing(ctx, wallet.ID, inv.AmountMsat); err != nil {
		var v *limits.Violation
		if errors.As(err, &v) {
			return nil, paymentError(v.Message, models.PaymentFailed)
		}
		return nil, err
	}

	previous, err := s.ledger.GetPaymentsByHash(ctx, inv.PaymentHash)
	if err != nil {
		return nil, fmt.Errorf("load payments by hash: %w", err)
	}
	if perr := replayError(previous, wallet.ID); perr != nil {
		return nil, perr
	}

	extra := req.Extra.Clone()
	if extra == nil {
		extra = models.Extra{}
	}
	if req.Tag != "" {
		extra["tag"] = req.Tag
	}
	s.recordWalletFiat(ctx, wallet, inv.AmountMsat/1000, extra)

	memo := req.Description
	if memo == "" {
		memo = inv.Description
	}
	expiresAt := inv.ExpiresAt()
	payment := &models.Payment{
		PaymentHash: inv.PaymentHash,
		WalletID:    wallet.ID,
		AmountMsat:  -inv.AmountMsat,
		Bolt11:      req.PaymentRequest,
		Memo:        memo,
		Expiry:      &expiresAt,
		Extra:       extra,
	}
	if req.Webhook != "" {
		webhook := req.Webhook
		payment.Webhook = &webhook
	}
	log := s.log.With(
		zap.String("wallet_id", wallet.ID),
		zap.String("payment_hash", inv.PaymentHash),
		zap.Int64("amount_msat", inv.AmountMsat),
	)

	counterpart, err := s.ledger.GetPendingIncomingByHash(ctx, inv.PaymentHash)
	switch {
	case err == nil:
		return s.payInternal(ctx, payment, counterpart, log)
	case errors.Is(err, store.ErrNotFound):
		return s.payExternal(ctx, payment, previous, log)
	default:
		return nil, fmt.Errorf("look up internal invoice: %w", err)
	}
}

// replayError rejects invoices this instance has already seen settled.
func replayError(previous []*models.Payment, walletID string) *PaymentError {
	for _, p := range previous {
		if p.Status != models.PaymentSuccess {
			continue
		}
		if p.IsIn() && !strings.HasPrefix(p.CheckingID, models.ServiceFeePrefix) {
			return paymentError(msgInternalPaid, models.PaymentSuccess)
		}
		if p.IsOut() && p.WalletID == walletID {
			if p.Kind == models.KindInternal {
				return paymentError(msgInternalPaid, models.PaymentSuccess)
			}
			return paymentError(msgAlreadyPaid, models.PaymentSuccess)
		}
	}
	return nil
}

// payInternal settles against a pending invoice of this instance without
// touching the funding source. The payer debit and the payee flip commit
// together, so a payer that loses a race for the invoice books nothing.
func (s *Service) payInternal(ctx context.Context, payment, counterpart *models.Payment, log *zap.Logger) (*models.Payment, error) {
	if counterpart.AmountMsat != -payment.AmountMsat || !models.SameBolt11(counterpart.Bolt11, payment.Bolt11) {
		log.Warn("internal invoice mismatch", zap.String("counterpart_wallet", counterpart.WalletID))
		return nil, paymentError(msgBolt11Changed, models.PaymentFailed)
	}

	amount := -payment.AmountMsat
	serviceFee := s.fees.ServiceFee(amount, true)
	payment.CheckingID = models.InternalPrefix + payment.PaymentHash
	payment.Kind = models.KindInternal
	payment.FeeMsat = -s.fees.ReserveTotal(amount, true)
	payment.Status = models.PaymentSuccess
	payment.Preimage = counterpart.Preimage

	if err := s.ledger.SettleInternal(ctx, payment, counterpart); err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientBalance):
			return nil, paymentError(msgInsufficient, models.PaymentFailed)
		case errors.Is(err, store.ErrAlreadySettled), errors.Is(err, store.ErrDuplicatePayment):
			log.Info("internal invoice settled by another payer", zap.String("checking_id", counterpart.CheckingID))
			return nil, paymentError(msgInternalPaid, models.PaymentSuccess)
		case errors.Is(err, store.ErrNotFound):
			return nil, paymentError(msgInvoiceExpired, models.PaymentFailed)
		default:
			return nil, fmt.Errorf("settle internal payment: %w", err)
		}
	}
	log.Info("internal payment settled", zap.String("payee_wallet", counterpart.WalletID))

	ctx = context.WithoutCancel(ctx)
	s.notifyWallet(ctx, payment)
	s.dispatchWebhook(ctx, payment)
	s.notifyWallet(ctx, counterpart)
	s.enqueueInternal(ctx, InternalSettlement{WalletID: counterpart.WalletID, CheckingID: counterpart.CheckingID})
	s.creditServiceFee(ctx, payment, serviceFee)
	return payment, nil
}

func (s *Service) payExternal(ctx context.Context, payment *models.Payment, previous []*models.Payment, log *zap.Logger) (*models.Payment, error) {
	amount := -payment.AmountMsat
	reserve := s.fees.FeeReserve(amount, false)
	serviceFee := s.fees.ServiceFee(amount, false)

	if prior := priorAttempt(previous, payment.WalletID); prior != nil {
		return s.verifyPrior(ctx, prior, serviceFee, log)
	}

	balance, err := s.ledger.Balance(ctx, payment.WalletID)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	if balance < amount+reserve+serviceFee {
		return nil, paymentError(msgInsufficient, models.PaymentFailed)
	}

	payment.CheckingID = payment.PaymentHash
	payment.Kind = models.KindLightning
	payment.FeeMsat = -(reserve + serviceFee)
	payment.Status = models.PaymentPending
	if err := s.ledger.CreateOutgoingPayment(ctx, payment); err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientBalance):
			return nil, paymentError(msgInsufficient, models.PaymentFailed)
		case errors.Is(err, store.ErrDuplicatePayment):
			prior, lookupErr := s.ledger.GetPayment(ctx, payment.WalletID, payment.CheckingID)
			if lookupErr != nil {
				return nil, fmt.Errorf("load prior payment: %w", lookupErr)
			}
			return s.verifyPrior(ctx, prior, serviceFee, log)
		default:
			return nil, fmt.Errorf("insert payment: %w", err)
		}
	}

	// the row is ours now; a caller going away must not abort the payment
	ctx = context.WithoutCancel(ctx)
	source := s.funding.Get()
	resp := source.PayInvoice(ctx, payment.Bolt11, reserve)

	switch {
	case resp.Success():
		payment.Status = models.PaymentSuccess
		payment.FeeMsat = -(abs(resp.FeeMsat) + serviceFee)
		if resp.Preimage != "" {
			preimage := resp.Preimage
			payment.Preimage = &preimage
		}
		won, err := s.ledger.UpdatePayment(ctx, payment, resp.CheckingID)
		if err != nil {
			return nil, fmt.Errorf("settle payment: %w", err)
		}
		if !won {
			return s.ledger.GetPayment(ctx, payment.WalletID, payment.CheckingID)
		}
		log.Info("payment succeeded", zap.String("checking_id", payment.CheckingID), zap.Int64("fee_msat", payment.FeeMsat))
		s.notifyWallet(ctx, payment)
		s.dispatchWebhook(ctx, payment)
		s.creditServiceFee(ctx, payment, serviceFee)
		return payment, nil

	case resp.Failed():
		payment.Status = models.PaymentFailed
		if _, err := s.ledger.UpdatePayment(ctx, payment, ""); err != nil {
			return nil, fmt.Errorf("fail payment: %w", err)
		}
		message := msgNoBackendMessage
		if resp.ErrorMessage != "" {
			message = "Payment failed: " + resp.ErrorMessage
		}
		log.Info("payment failed", zap.String("reason", resp.ErrorMessage))
		s.notifyWallet(ctx, payment)
		return nil, paymentError(message, models.PaymentFailed)

	case resp.CheckingID != "":
		if resp.CheckingID != payment.CheckingID {
			if _, err := s.ledger.UpdatePayment(ctx, payment, resp.CheckingID); err != nil {
				log.Error("record backend checking id", zap.String("checking_id", resp.CheckingID), zap.Error(err))
			}
		}
		log.Info("payment pending", zap.String("checking_id", payment.CheckingID))
		return payment, nil

	default:
		log.Warn("payment outcome unclear, leaving it to the reconciler", zap.String("reason", resp.ErrorMessage))
		return payment, nil
	}
}

// priorAttempt finds an earlier external attempt of this wallet on the same
// invoice.
func priorAttempt(previous []*models.Payment, walletID string) *models.Payment {
	for _, p := range previous {
		if p.WalletID == walletID && p.IsOut() && p.Kind == models.KindLightning {
			return p
		}
	}
	return nil
}

// verifyPrior decides what a repeated submission means without paying twice.
func (s *Service) verifyPrior(ctx context.Context, prior *models.Payment, serviceFee int64, log *zap.Logger) (*models.Payment, error) {
	switch prior.Status {
	case models.PaymentPending:
		return nil, paymentError(msgPaymentPending, models.PaymentPending)
	case models.PaymentSuccess:
		return nil, paymentError(msgAlreadyPaid, models.PaymentSuccess)
	}

	status, err := s.SourceStatus(ctx, prior)
	if err != nil {
		return nil, fmt.Errorf("check prior payment: %w", err)
	}
	switch {
	case status.Success():
		prior.Status = models.PaymentSuccess
		prior.FeeMsat = -(abs(status.FeeMsat) + serviceFee)
		if status.Preimage != "" {
			preimage := status.Preimage
			prior.Preimage = &preimage
		}
		revived, err := s.ledger.ReviveFailedPayment(ctx, prior)
		if err != nil {
			return nil, fmt.Errorf("revive payment: %w", err)
		}
		if revived {
			log.Warn("failed payment succeeded on the funding source", zap.String("checking_id", prior.CheckingID))
			s.audit(ctx, "revive_failed_payment", prior, models.Extra{
				"fee_msat": prior.FeeMsat,
				"source":   s.funding.Get().Name(),
			})
			s.notifyWallet(ctx, prior)
			s.creditServiceFee(ctx, prior, serviceFee)
		}
		return nil, paymentError(msgPaidOnSource, models.PaymentSuccess)
	case status.Failed():
		return nil, paymentError(msgFailedNoRetry, models.PaymentFailed)
	default:
		return prior, nil
	}
}

func (s *Service) audit(ctx context.Context, action string, p *models.Payment, detail models.Extra) {
	walletID, checkingID := p.WalletID, p.CheckingID
	entry := &models.AuditEntry{
		Component:  "payments",
		Action:     action,
		WalletID:   &walletID,
		CheckingID: &checkingID,
		Detail:     detail,
	}
	if err := s.ledger.InsertAudit(ctx, entry); err != nil {
		s.log.Error("write audit entry", zap.String("action", action), zap.Error(err))
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
