package services

import (
	"context"
	"testing"

	"LNCustody/internal/models"
	"LNCustody/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newService() AccountService {
	return AccountService{Store: store.NewMemory(), BcryptCost: bcrypt.MinCost}
}

func TestCreateUserAndAuthenticate(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	account, wallet, err := svc.CreateUser(ctx, "alice", "correct horse", "")
	require.NoError(t, err)
	require.NotNil(t, account.PasswordHash)
	assert.NotEqual(t, "correct horse", *account.PasswordHash)
	assert.Len(t, account.ID, 32)
	assert.Equal(t, DefaultWalletName, wallet.Name)
	assert.NotEqual(t, wallet.AdminKey, wallet.InvoiceKey)

	got, err := svc.Authenticate(ctx, " alice ", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)

	_, err = svc.Authenticate(ctx, "alice", "wrong password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "bob", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.CreateAccount(ctx, "alice", "another password")
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestCreateAccountValidation(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "al", "long enough")
	assert.ErrorIs(t, err, ErrInvalidUsername)
	_, err = svc.CreateAccount(ctx, "alice", "short")
	assert.ErrorIs(t, err, ErrWeakPassword)

	anon, err := svc.CreateAccount(ctx, "", "")
	require.NoError(t, err)
	assert.Nil(t, anon.Username)
	_, err = svc.CreateWallet(ctx, "", "w", "")
	assert.ErrorIs(t, err, ErrMissingAccountID)
}

func TestWalletByKey(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, "", "")
	require.NoError(t, err)
	wallet, err := svc.CreateWallet(ctx, account.ID, "savings", "eur")
	require.NoError(t, err)
	assert.Equal(t, "EUR", wallet.Currency)

	got, kind, err := svc.WalletByKey(ctx, wallet.AdminKey)
	require.NoError(t, err)
	assert.Equal(t, wallet.ID, got.ID)
	assert.Equal(t, KeyAdmin, kind)

	_, kind, err = svc.WalletByKey(ctx, wallet.InvoiceKey)
	require.NoError(t, err)
	assert.Equal(t, KeyInvoice, kind)
	assert.Equal(t, "invoice", kind.String())

	_, _, err = svc.WalletByKey(ctx, "unknown")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, _, err = svc.WalletByKey(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	require.NoError(t, svc.DeleteWallet(ctx, wallet.ID))
	_, _, err = svc.WalletByKey(ctx, wallet.AdminKey)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSummary(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	_, wallet, err := svc.CreateUser(ctx, "", "", "main")
	require.NoError(t, err)
	require.NoError(t, svc.Store.CreatePayment(ctx, &models.Payment{
		CheckingID:  "topup",
		PaymentHash: "topup",
		WalletID:    wallet.ID,
		AmountMsat:  5_000,
		Status:      models.PaymentSuccess,
	}))

	sum, err := svc.Summary(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), sum.BalanceMsat)
	assert.Equal(t, "main", sum.Wallet.Name)

	wallets, err := svc.Wallets(ctx, wallet.AccountID)
	require.NoError(t, err)
	assert.Len(t, wallets, 1)
}
