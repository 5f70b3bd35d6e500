package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"LNCustody/internal/models"
	"LNCustody/internal/store"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingAccountID   = errors.New("missing account id")
	ErrInvalidUsername    = errors.New("username must be 3 to 64 characters")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidKey         = errors.New("invalid api key")
)

const DefaultWalletName = "LNCustody wallet"

// KeyType is the permission an API key grants on its wallet.
type KeyType int

const (
	KeyInvoice KeyType = iota
	KeyAdmin
)

func (k KeyType) String() string {
	if k == KeyAdmin {
		return "admin"
	}
	return "invoice"
}

// AccountService manages accounts, their wallets and the API keys those
// wallets are reached with.
type AccountService struct {
	Store      store.Ledger
	BcryptCost int
}

func (s AccountService) cost() int {
	if s.BcryptCost == 0 {
		return bcrypt.DefaultCost
	}
	return s.BcryptCost
}

// CreateAccount registers a user. An empty username yields an anonymous
// account reachable only through its wallet keys.
func (s AccountService) CreateAccount(ctx context.Context, username, password string) (*models.Account, error) {
	account := &models.Account{ID: newID()}
	username = strings.TrimSpace(username)
	if username != "" {
		if len(username) < 3 || len(username) > 64 {
			return nil, ErrInvalidUsername
		}
		if len(password) < 8 {
			return nil, ErrWeakPassword
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost())
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		hashed := string(hash)
		account.Username = &username
		account.PasswordHash = &hashed
	}
	if err := s.Store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func (s AccountService) Authenticate(ctx context.Context, username, password string) (*models.Account, error) {
	account, err := s.Store.GetAccountByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if account.PasswordHash == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*account.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return account, nil
}

func (s AccountService) CreateWallet(ctx context.Context, accountID, name, currency string) (*models.Wallet, error) {
	if accountID == "" {
		return nil, ErrMissingAccountID
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultWalletName
	}
	wallet := &models.Wallet{
		ID:         newID(),
		AccountID:  accountID,
		Name:       name,
		AdminKey:   newID(),
		InvoiceKey: newID(),
		Currency:   strings.ToUpper(strings.TrimSpace(currency)),
	}
	if err := s.Store.CreateWallet(ctx, wallet); err != nil {
		return nil, err
	}
	return wallet, nil
}

// CreateUser makes an account with a first wallet in one go.
func (s AccountService) CreateUser(ctx context.Context, username, password, walletName string) (*models.Account, *models.Wallet, error) {
	account, err := s.CreateAccount(ctx, username, password)
	if err != nil {
		return nil, nil, err
	}
	wallet, err := s.CreateWallet(ctx, account.ID, walletName, "")
	if err != nil {
		return nil, nil, err
	}
	return account, wallet, nil
}

func (s AccountService) Wallets(ctx context.Context, accountID string) ([]*models.Wallet, error) {
	if accountID == "" {
		return nil, ErrMissingAccountID
	}
	return s.Store.ListWallets(ctx, accountID)
}

// WalletByKey resolves an API key and reports which of the wallet's keys it
// was.
func (s AccountService) WalletByKey(ctx context.Context, key string) (*models.Wallet, KeyType, error) {
	if key == "" {
		return nil, KeyInvoice, ErrInvalidKey
	}
	wallet, err := s.Store.GetWalletByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, KeyInvoice, ErrInvalidKey
	}
	if err != nil {
		return nil, KeyInvoice, err
	}
	if wallet.AdminKey == key {
		return wallet, KeyAdmin, nil
	}
	return wallet, KeyInvoice, nil
}

type WalletSummary struct {
	Wallet      *models.Wallet
	BalanceMsat int64
}

func (s AccountService) Summary(ctx context.Context, walletID string) (*WalletSummary, error) {
	wallet, err := s.Store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	balance, err := s.Store.Balance(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return &WalletSummary{Wallet: wallet, BalanceMsat: balance}, nil
}

func (s AccountService) DeleteWallet(ctx context.Context, walletID string) error {
	return s.Store.DeleteWallet(ctx, walletID)
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
