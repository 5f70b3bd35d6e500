package funding

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"LNCustody/internal/bolt11"

	"github.com/btcsuite/btcd/btcec/v2"
)

const defaultFakeSecret = "ToTheMoon1"

type FakeConfig struct {
	// Secret seeds the node key so issued invoices survive restarts.
	Secret  string
	Network string
}

type fakeInvoice struct {
	bolt11     string
	preimage   string
	amountMsat int64
	expiresAt  time.Time
	paid       bool
}

// Fake is an in-process node. It signs real invoices and can only pay the
// ones it issued itself.
type Fake struct {
	key     *btcec.PrivateKey
	network string

	mu          sync.Mutex
	invoices    map[string]*fakeInvoice
	payments    map[string]string
	subscribers map[chan string]struct{}
	now         func() time.Time
}

func NewFake(cfg FakeConfig) *Fake {
	secret := cfg.Secret
	if secret == "" {
		secret = defaultFakeSecret
	}
	seed := sha256.Sum256([]byte(secret))
	key, _ := btcec.PrivKeyFromBytes(seed[:])
	network := cfg.Network
	if network == "" {
		network = "bc"
	}
	return &Fake{
		key:         key,
		network:     network,
		invoices:    map[string]*fakeInvoice{},
		payments:    map[string]string{},
		subscribers: map[chan string]struct{}{},
		now:         time.Now,
	}
}

func (f *Fake) Name() string { return ClassFake }

// NodeID is the compressed public key that signs every invoice.
func (f *Fake) NodeID() string {
	return hex.EncodeToString(f.key.PubKey().SerializeCompressed())
}

func (f *Fake) Status(ctx context.Context) (StatusResponse, error) {
	return StatusResponse{BalanceMsat: 0}, nil
}

func (f *Fake) CreateInvoice(ctx context.Context, req InvoiceRequest) (InvoiceResponse, error) {
	if req.AmountMsat <= 0 {
		return InvoiceResponse{}, errors.New("amount must be positive")
	}
	preimage := req.Preimage
	if len(preimage) == 0 {
		preimage = make([]byte, 32)
		if _, err := rand.Read(preimage); err != nil {
			return InvoiceResponse{}, err
		}
	}
	if len(preimage) != 32 {
		return InvoiceResponse{}, errors.New("preimage must be 32 bytes")
	}
	hash := sha256.Sum256(preimage)
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return InvoiceResponse{}, err
	}

	expiry := req.Expiry
	if expiry <= 0 {
		expiry = bolt11.DefaultExpiry
	}
	inv := &bolt11.Invoice{
		Network:       f.network,
		AmountMsat:    req.AmountMsat,
		Timestamp:     f.now(),
		PaymentHash:   hex.EncodeToString(hash[:]),
		PaymentSecret: hex.EncodeToString(secret),
		Expiry:        expiry,
	}
	switch {
	case len(req.DescriptionHash) > 0:
		inv.DescriptionHash = hex.EncodeToString(req.DescriptionHash)
	case len(req.UnhashedDescription) > 0:
		dh := sha256.Sum256(req.UnhashedDescription)
		inv.DescriptionHash = hex.EncodeToString(dh[:])
	default:
		inv.Description = req.Memo
	}

	encoded, err := bolt11.Encode(inv, f.key)
	if err != nil {
		return InvoiceResponse{}, fmt.Errorf("encode invoice: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.invoices[inv.PaymentHash]; exists {
		return InvoiceResponse{}, errors.New("invoice with this preimage already exists")
	}
	f.invoices[inv.PaymentHash] = &fakeInvoice{
		bolt11:     encoded,
		preimage:   hex.EncodeToString(preimage),
		amountMsat: req.AmountMsat,
		expiresAt:  inv.ExpiresAt(),
	}
	return InvoiceResponse{
		CheckingID:     inv.PaymentHash,
		PaymentRequest: encoded,
		PaymentHash:    inv.PaymentHash,
		Preimage:       hex.EncodeToString(preimage),
	}, nil
}

func (f *Fake) PayInvoice(ctx context.Context, raw string, feeLimitMsat int64) PaymentResponse {
	inv, err := bolt11.Decode(raw)
	if err != nil {
		return PaymentFailed(err.Error())
	}
	if inv.Payee != f.NodeID() {
		return PaymentFailed("Only internal invoices can be used!")
	}

	f.mu.Lock()
	issued, ok := f.invoices[inv.PaymentHash]
	if !ok {
		f.mu.Unlock()
		return PaymentFailed("invoice not found")
	}
	if issued.paid {
		f.mu.Unlock()
		return PaymentFailed("invoice already paid")
	}
	if f.now().After(issued.expiresAt) {
		f.mu.Unlock()
		return PaymentFailed("invoice expired")
	}
	issued.paid = true
	f.payments[inv.PaymentHash] = issued.preimage
	preimage := issued.preimage
	f.mu.Unlock()

	f.publish(inv.PaymentHash)
	return PaymentSucceeded(inv.PaymentHash, 0, preimage)
}

// MarkPaid settles an issued invoice as if an outside payer had paid it.
func (f *Fake) MarkPaid(paymentHash string) error {
	f.mu.Lock()
	issued, ok := f.invoices[paymentHash]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("unknown invoice %s", paymentHash)
	}
	issued.paid = true
	f.mu.Unlock()

	f.publish(paymentHash)
	return nil
}

func (f *Fake) GetInvoiceStatus(ctx context.Context, checkingID string) (PaymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issued, ok := f.invoices[checkingID]
	switch {
	case !ok:
		return StatusPending(), nil
	case issued.paid:
		return StatusPaid(0, issued.preimage), nil
	case f.now().After(issued.expiresAt):
		return StatusFailed(), nil
	default:
		return StatusPending(), nil
	}
}

func (f *Fake) GetPaymentStatus(ctx context.Context, checkingID string) (PaymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if preimage, ok := f.payments[checkingID]; ok {
		return StatusPaid(0, preimage), nil
	}
	return StatusPending(), nil
}

func (f *Fake) PaidInvoicesStream(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 64)
	f.mu.Lock()
	f.subscribers[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		if _, ok := f.subscribers[ch]; ok {
			delete(f.subscribers, ch)
			close(ch)
		}
		f.mu.Unlock()
	}()
	return ch, nil
}

func (f *Fake) publish(paymentHash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subscribers {
		select {
		case ch <- paymentHash:
		default:
			// the reconciler's poller picks up anything dropped here
		}
	}
}

// Close ends every open stream.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subscribers {
		delete(f.subscribers, ch)
		close(ch)
	}
	return nil
}
