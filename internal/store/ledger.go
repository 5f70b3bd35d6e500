package store

import (
	"context"
	"errors"
	"time"

	"LNCustody/internal/models"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicatePayment    = errors.New("payment already exists")
	ErrDuplicateKey        = errors.New("duplicate key")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid payment amount")
	ErrAlreadySettled      = errors.New("payment already settled")
)

// Ledger is the persistence contract the payment engine relies on.
type Ledger interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*models.Account, error)
	DeleteAccount(ctx context.Context, id string) error

	CreateWallet(ctx context.Context, wallet *models.Wallet) error
	GetWallet(ctx context.Context, id string) (*models.Wallet, error)
	GetWalletByKey(ctx context.Context, key string) (*models.Wallet, error)
	ListWallets(ctx context.Context, accountID string) ([]*models.Wallet, error)
	DeleteWallet(ctx context.Context, id string) error
	Balance(ctx context.Context, walletID string) (int64, error)

	// CreatePayment inserts a row without touching the balance view checks.
	CreatePayment(ctx context.Context, payment *models.Payment) error
	// CreateOutgoingPayment inserts a debit after re-reading the wallet
	// balance in the same transaction.
	CreateOutgoingPayment(ctx context.Context, payment *models.Payment) error
	// SettleInternal books an internal payment atomically: the debit is
	// inserted under the same solvency check as CreateOutgoingPayment and the
	// payee's invoice flips to success, or neither happens. ErrAlreadySettled
	// means the invoice left pending before the payer got to it.
	SettleInternal(ctx context.Context, outgoing, counterpart *models.Payment) error
	GetPayment(ctx context.Context, walletID, checkingID string) (*models.Payment, error)
	GetPaymentByCheckingID(ctx context.Context, checkingID string) (*models.Payment, error)
	GetPaymentsByHash(ctx context.Context, paymentHash string) ([]*models.Payment, error)
	GetPendingIncomingByHash(ctx context.Context, paymentHash string) (*models.Payment, error)
	// UpdatePayment moves a PENDING row; a row already out of PENDING is left
	// untouched and false is returned.
	UpdatePayment(ctx context.Context, payment *models.Payment, newCheckingID string) (bool, error)
	ReviveFailedPayment(ctx context.Context, payment *models.Payment) (bool, error)
	SetWebhookStatus(ctx context.Context, walletID, checkingID string, status int) error
	ListPayments(ctx context.Context, filter PaymentFilter) ([]*models.Payment, error)
	ListPendingPayments(ctx context.Context) ([]*models.Payment, error)
	DeleteExpiredInvoices(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error)
	OutgoingStats(ctx context.Context, walletID string, since time.Time) (OutgoingStats, error)

	RecordFiatEvent(ctx context.Context, provider, eventID string) (bool, error)
	InsertAudit(ctx context.Context, entry *models.AuditEntry) error
}

type PaymentFilter struct {
	WalletID string
	Status   models.PaymentStatus
	Incoming *bool
	Limit    int
	Offset   int
}

func (f PaymentFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 50
	}
	return f.Limit
}

// OutgoingStats summarises non-failed debits of a wallet since a point in time.
type OutgoingStats struct {
	Count   int64
	SumMsat int64
	LastAt  *time.Time
}

func validatePayment(p *models.Payment) error {
	switch {
	case p.AmountMsat > 0:
		if p.FeeMsat != 0 {
			return ErrInvalidAmount
		}
	case p.AmountMsat < 0:
		if p.FeeMsat > 0 {
			return ErrInvalidAmount
		}
	default:
		return ErrInvalidAmount
	}
	if p.WalletID == "" || p.CheckingID == "" || p.PaymentHash == "" {
		return ErrInvalidAmount
	}
	if p.Kind == "" {
		p.Kind = models.KindLightning
	}
	if p.Status == "" {
		p.Status = models.PaymentPending
	}
	return nil
}
