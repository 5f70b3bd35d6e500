package payments

import (
	"context"
	"errors"
	"fmt"

	"LNCustody/internal/funding"
	"LNCustody/internal/models"
	"LNCustody/internal/store"

	"go.uber.org/zap"
)

// Settle applies a funding-source verdict to a pending row. Only the caller
// whose write moves the row out of pending runs the side effects, so the
// engine and the reconciler can race on the same payment.
func (s *Service) Settle(ctx context.Context, p *models.Payment, status funding.PaymentStatus) (bool, error) {
	if status.Pending() || p.Status != models.PaymentPending {
		return false, nil
	}
	serviceFee := int64(0)
	if status.Success() {
		p.Status = models.PaymentSuccess
		if p.IsOut() {
			serviceFee = s.fees.ServiceFee(-p.AmountMsat, p.Kind == models.KindInternal)
			p.FeeMsat = -(abs(status.FeeMsat) + serviceFee)
		}
		if status.Preimage != "" {
			preimage := status.Preimage
			p.Preimage = &preimage
		}
	} else {
		p.Status = models.PaymentFailed
	}

	won, err := s.ledger.UpdatePayment(ctx, p, "")
	if err != nil {
		return false, fmt.Errorf("settle %s: %w", p.CheckingID, err)
	}
	if !won {
		return false, nil
	}
	s.log.Info("payment settled",
		zap.String("wallet_id", p.WalletID),
		zap.String("checking_id", p.CheckingID),
		zap.String("status", string(p.Status)),
	)
	s.afterSettle(ctx, p)
	if p.Status == models.PaymentSuccess && p.IsOut() {
		s.creditServiceFee(ctx, p, serviceFee)
	}
	return true, nil
}

// FinishInternal delivers what the fast path leaves to the reconciler: the
// hash subscribers and the payee's webhook.
func (s *Service) FinishInternal(ctx context.Context, ref InternalSettlement) error {
	p, err := s.ledger.GetPayment(ctx, ref.WalletID, ref.CheckingID)
	if err != nil {
		return fmt.Errorf("load internal payee %s: %w", ref.CheckingID, err)
	}
	if p.Status != models.PaymentSuccess {
		return nil
	}
	if s.notifier != nil {
		s.notifier.PublishHash(p.PaymentHash, p.Status)
	}
	s.dispatchWebhook(ctx, p)
	return nil
}

// RepairInternal flips an incoming pending row whose hash already has an
// internal outgoing success, as left behind by a debit booked without its
// payee flip.
func (s *Service) RepairInternal(ctx context.Context, p *models.Payment) (bool, error) {
	if !p.IsIn() || p.Status != models.PaymentPending {
		return false, nil
	}
	rows, err := s.ledger.GetPaymentsByHash(ctx, p.PaymentHash)
	if err != nil {
		return false, err
	}
	var payer *models.Payment
	for _, row := range rows {
		if row.IsOut() && row.Kind == models.KindInternal && row.Status == models.PaymentSuccess &&
			row.AmountMsat == -p.AmountMsat {
			payer = row
			break
		}
	}
	if payer == nil {
		return false, nil
	}
	p.Status = models.PaymentSuccess
	if p.Preimage == nil {
		p.Preimage = payer.Preimage
	}
	won, err := s.ledger.UpdatePayment(ctx, p, "")
	if err != nil || !won {
		return false, err
	}
	s.log.Warn("repaired interrupted internal settlement",
		zap.String("wallet_id", p.WalletID),
		zap.String("checking_id", p.CheckingID),
		zap.String("payer_wallet", payer.WalletID),
	)
	s.afterSettle(ctx, p)
	return true, nil
}

func (s *Service) afterSettle(ctx context.Context, p *models.Payment) {
	s.notifyWallet(ctx, p)
	if p.Status != models.PaymentSuccess {
		return
	}
	if s.notifier != nil && p.IsIn() {
		s.notifier.PublishHash(p.PaymentHash, p.Status)
	}
	s.dispatchWebhook(ctx, p)
}

// dispatchWebhook runs at most once per row: only the settlement winner
// reaches it.
func (s *Service) dispatchWebhook(ctx context.Context, p *models.Payment) {
	if s.webhooks == nil || p.Status != models.PaymentSuccess {
		return
	}
	s.webhooks.Dispatch(ctx, p)
}

// notifyWallet publishes p with the wallet's balance read after the commit.
func (s *Service) notifyWallet(ctx context.Context, p *models.Payment) {
	if s.notifier == nil {
		return
	}
	wallet, err := s.ledger.GetWallet(ctx, p.WalletID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("notify: load wallet", zap.String("wallet_id", p.WalletID), zap.Error(err))
		}
		return
	}
	balance, err := s.ledger.Balance(ctx, p.WalletID)
	if err != nil {
		s.log.Warn("notify: load balance", zap.String("wallet_id", p.WalletID), zap.Error(err))
		return
	}
	s.notifier.PublishPayment(wallet.InvoiceKey, balance, p)
}

// enqueueInternal hands a payee row to the reconciler. When the queue is
// full the work runs on its own goroutine instead.
func (s *Service) enqueueInternal(ctx context.Context, ref InternalSettlement) {
	select {
	case s.queue <- ref:
	default:
		s.log.Warn("internal settlement queue full", zap.String("checking_id", ref.CheckingID))
		go func() {
			if err := s.FinishInternal(context.WithoutCancel(ctx), ref); err != nil {
				s.log.Error("finish internal settlement", zap.Error(err))
			}
		}()
	}
}

// creditServiceFee books the commission of a successful outgoing payment on
// the configured service wallet.
func (s *Service) creditServiceFee(ctx context.Context, outgoing *models.Payment, amountMsat int64) {
	walletID := s.fees.ServiceFeeWalletID
	if amountMsat <= 0 || walletID == "" {
		return
	}
	credit := &models.Payment{
		CheckingID:  models.ServiceFeeCheckingID(outgoing.WalletID, outgoing.PaymentHash),
		PaymentHash: outgoing.PaymentHash,
		WalletID:    walletID,
		Kind:        models.KindInternal,
		AmountMsat:  amountMsat,
		Status:      models.PaymentSuccess,
		Memo:        "Service fee",
		Extra: models.Extra{
			"source_wallet_id":   outgoing.WalletID,
			"source_checking_id": outgoing.CheckingID,
		},
	}
	if err := s.ledger.CreatePayment(ctx, credit); err != nil {
		s.log.Error("credit service fee",
			zap.String("wallet_id", walletID),
			zap.String("payment_hash", outgoing.PaymentHash),
			zap.Error(err),
		)
		return
	}
	s.notifyWallet(ctx, credit)
}
