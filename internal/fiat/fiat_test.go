package fiat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"LNCustody/internal/models"
	"LNCustody/internal/notify"
	"LNCustody/internal/payments"
	"LNCustody/internal/pricing"
	"LNCustody/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const testSecret = "whsec_test_secret"

// stubProvider delegates event parsing to the real Stripe verifier so the
// gateway tests exercise signature handling end to end.
type stubProvider struct {
	mock.Mock
	verifier *Stripe
}

func (p *stubProvider) Name() string { return StripeName }

func (p *stubProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	args := p.Called(ctx, req)
	if c, ok := args.Get(0).(*Checkout); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

func (p *stubProvider) CheckoutPaid(ctx context.Context, id string) (bool, error) {
	args := p.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (p *stubProvider) ParseEvent(payload []byte, signature string) (*Event, error) {
	return p.verifier.ParseEvent(payload, signature)
}

type fixture struct {
	gateway  *Gateway
	ledger   *store.Memory
	provider *stubProvider
	notifier *notify.Notifier
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil)
}

// newFixtureWith lets a test put a wrapper between the gateway and the
// memory ledger.
func newFixtureWith(t *testing.T, wrap func(*store.Memory) store.Ledger) *fixture {
	t.Helper()
	ledger := store.NewMemory()
	var engineLedger store.Ledger = ledger
	if wrap != nil {
		engineLedger = wrap(ledger)
	}
	rates := pricing.New(pricing.Config{FixedRates: map[string]float64{"usd": 50_000}}, nil, nil, nil)
	notifier := notify.New(8, zap.NewNop())
	engine := payments.New(payments.Config{}, payments.Deps{
		Ledger:   engineLedger,
		Pricing:  rates,
		Notifier: notifier,
		Webhooks: notify.NewDispatcher(ledger, zap.NewNop()),
		Log:      zap.NewNop(),
	})
	provider := &stubProvider{verifier: NewStripe(StripeConfig{WebhookSecret: testSecret})}
	t.Cleanup(func() { provider.AssertExpectations(t) })

	ctx := context.Background()
	require.NoError(t, ledger.CreateAccount(ctx, &models.Account{ID: "acc"}))
	require.NoError(t, ledger.CreateWallet(ctx, &models.Wallet{ID: "w1", AccountID: "acc", AdminKey: "adm", InvoiceKey: "inv"}))

	return &fixture{
		gateway:  NewGateway(engineLedger, engine, rates, zap.NewNop(), provider),
		ledger:   ledger,
		provider: provider,
		notifier: notifier,
	}
}

func (f *fixture) createInvoice(t *testing.T, sessionID string) *Invoice {
	t.Helper()
	f.provider.On("CreateCheckout", mock.Anything, mock.MatchedBy(func(req CheckoutRequest) bool {
		return req.AmountMinor == 1050 && req.Currency == "usd" && req.WalletID == "w1" && len(req.PaymentHash) == 64
	})).Return(&Checkout{ID: sessionID, URL: "https://checkout.example/" + sessionID}, nil).Once()

	inv, err := f.gateway.CreateInvoice(context.Background(), CreateInvoiceRequest{
		WalletID: "w1",
		Provider: "Stripe",
		Amount:   10.50,
		Currency: "usd",
		Memo:     "top-up",
	})
	require.NoError(t, err)
	return inv
}

func checkoutCompleted(eventID, hash, paymentStatus string) []byte {
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "type": "checkout.session.completed",
  "data": {"object": {"id": "cs_test_1", "object": "checkout.session", "payment_status": %q, "metadata": {"payment_hash": %q}}}
}`, eventID, paymentStatus, hash))
}

func sign(payload []byte, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: at,
	})
	return signed.Header
}

func TestCreateInvoiceBooksPendingFiatRow(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(t, "cs_test_1")

	p := inv.Payment
	assert.Equal(t, "https://checkout.example/cs_test_1", inv.CheckoutURL)
	assert.Equal(t, "fiat_stripe_cs_test_1", p.CheckingID)
	assert.Equal(t, models.KindFiat, p.Kind)
	assert.Equal(t, models.PaymentPending, p.Status)
	// 10.50 USD at 50k USD/BTC
	assert.Equal(t, int64(21_000_000), p.AmountMsat)
	assert.Equal(t, "USD", p.Extra["fiat_currency"])
	assert.Equal(t, 10.50, p.Extra["fiat_amount"])
	assert.Equal(t, "stripe", p.Extra["fiat_provider"])

	balance, err := f.ledger.Balance(context.Background(), "w1")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestCreateInvoiceRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gateway.CreateInvoice(ctx, CreateInvoiceRequest{WalletID: "w1", Provider: "paypal", Amount: 1, Currency: "usd"})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = f.gateway.CreateInvoice(ctx, CreateInvoiceRequest{WalletID: "nope", Provider: "stripe", Amount: 1, Currency: "usd"})
	var invErr *payments.InvoiceError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "Wallet not found.", invErr.Message)

	_, err = f.gateway.CreateInvoice(ctx, CreateInvoiceRequest{WalletID: "w1", Provider: "stripe", Amount: 1, Currency: "xyz"})
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "Could not convert XYZ to sats.", invErr.Message)

	f.provider.On("CreateCheckout", mock.Anything, mock.Anything).Return(nil, errors.New("card processor down")).Once()
	_, err = f.gateway.CreateInvoice(ctx, CreateInvoiceRequest{WalletID: "w1", Provider: "stripe", Amount: 1, Currency: "usd"})
	require.ErrorAs(t, err, &invErr)
	assert.Contains(t, invErr.Message, "card processor down")

	rows, err := f.ledger.ListPayments(ctx, store.PaymentFilter{WalletID: "w1"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestGatewayWithoutProvidersIsDisabled(t *testing.T) {
	g := NewGateway(store.NewMemory(), nil, nil, nil)
	assert.False(t, g.Enabled())
	_, err := g.CreateInvoice(context.Background(), CreateInvoiceRequest{Provider: "stripe"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestWebhookSignature(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(t, "cs_test_1")
	body := checkoutCompleted("evt_1", inv.Payment.PaymentHash, "paid")
	ctx := context.Background()

	t.Run("stale timestamp", func(t *testing.T) {
		err := f.gateway.HandleWebhook(ctx, "stripe", body, sign(body, time.Now().Add(-600*time.Second)))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("tampered body", func(t *testing.T) {
		header := sign(body, time.Now())
		tampered := checkoutCompleted("evt_1", inv.Payment.PaymentHash, "unpaid")
		err := f.gateway.HandleWebhook(ctx, "stripe", tampered, header)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("missing header", func(t *testing.T) {
		err := f.gateway.HandleWebhook(ctx, "stripe", body, "")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	p, err := f.ledger.GetPayment(ctx, "w1", inv.Payment.CheckingID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, p.Status, "rejected events must not settle")

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, f.gateway.HandleWebhook(ctx, "stripe", body, sign(body, time.Now())))
		p, err := f.ledger.GetPayment(ctx, "w1", inv.Payment.CheckingID)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentSuccess, p.Status)
	})
}

func TestWebhookSettlesOnceAndNotifies(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(t, "cs_test_1")
	ctx := context.Background()

	walletSub := f.notifier.SubscribeWallet("inv")
	defer walletSub.Close()
	hashSub := f.notifier.SubscribeHash(inv.Payment.PaymentHash)
	defer hashSub.Close()

	body := checkoutCompleted("evt_1", inv.Payment.PaymentHash, "paid")
	require.NoError(t, f.gateway.HandleWebhook(ctx, "stripe", body, sign(body, time.Now())))
	// provider retries deliver the same event id again
	require.NoError(t, f.gateway.HandleWebhook(ctx, "stripe", body, sign(body, time.Now())))

	balance, err := f.ledger.Balance(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(21_000_000), balance)

	require.Len(t, walletSub.C(), 1)
	var msg notify.WalletMessage
	require.NoError(t, json.Unmarshal(<-walletSub.C(), &msg))
	assert.Equal(t, int64(21_000_000), msg.WalletBalance)
	assert.Equal(t, inv.Payment.CheckingID, msg.Payment.CheckingID)
	assert.Len(t, hashSub.C(), 1)
}

// failingLedger rejects the next failures settlement writes.
type failingLedger struct {
	*store.Memory
	failures atomic.Int32
}

func (l *failingLedger) UpdatePayment(ctx context.Context, p *models.Payment, newCheckingID string) (bool, error) {
	if l.failures.Add(-1) >= 0 {
		return false, errors.New("connection reset")
	}
	return l.Memory.UpdatePayment(ctx, p, newCheckingID)
}

func TestWebhookRedeliveryAfterFailedSettle(t *testing.T) {
	flaky := &failingLedger{}
	flaky.failures.Store(1)
	f := newFixtureWith(t, func(m *store.Memory) store.Ledger {
		flaky.Memory = m
		return flaky
	})
	inv := f.createInvoice(t, "cs_test_1")
	ctx := context.Background()

	body := checkoutCompleted("evt_1", inv.Payment.PaymentHash, "paid")
	err := f.gateway.HandleWebhook(ctx, "stripe", body, sign(body, time.Now()))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidSignature)

	p, err := f.ledger.GetPayment(ctx, "w1", inv.Payment.CheckingID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, p.Status)

	// the provider redelivers the same event after a non-2xx answer
	require.NoError(t, f.gateway.HandleWebhook(ctx, "stripe", body, sign(body, time.Now())))
	p, err = f.ledger.GetPayment(ctx, "w1", inv.Payment.CheckingID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSuccess, p.Status)

	balance, err := f.ledger.Balance(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(21_000_000), balance)

	fresh, err := f.ledger.RecordFiatEvent(ctx, StripeName, "evt_1")
	require.NoError(t, err)
	assert.False(t, fresh, "event is recorded once settled")
}

func TestWebhookIgnoresUnpaidAndUnknownEvents(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(t, "cs_test_1")
	ctx := context.Background()

	unpaid := checkoutCompleted("evt_unpaid", inv.Payment.PaymentHash, "unpaid")
	require.NoError(t, f.gateway.HandleWebhook(ctx, "stripe", unpaid, sign(unpaid, time.Now())))

	other := []byte(`{"id":"evt_other","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`)
	require.NoError(t, f.gateway.HandleWebhook(ctx, "stripe", other, sign(other, time.Now())))

	orphan := checkoutCompleted("evt_orphan", "ab"+inv.Payment.PaymentHash[2:], "paid")
	require.NoError(t, f.gateway.HandleWebhook(ctx, "stripe", orphan, sign(orphan, time.Now())))

	p, err := f.ledger.GetPayment(ctx, "w1", inv.Payment.CheckingID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, p.Status)
}

func TestInvoicePaidEvent(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(t, "cs_test_1")
	ctx := context.Background()

	body := []byte(fmt.Sprintf(`{"id":"evt_inv","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1","object":"invoice","metadata":{"payment_hash":%q}}}}`, inv.Payment.PaymentHash))
	require.NoError(t, f.gateway.HandleWebhook(ctx, "stripe", body, sign(body, time.Now())))

	p, err := f.ledger.GetPayment(ctx, "w1", inv.Payment.CheckingID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSuccess, p.Status)
}

func TestCheckPollsProvider(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(t, "cs_test_1")
	ctx := context.Background()

	f.provider.On("CheckoutPaid", mock.Anything, "cs_test_1").Return(false, nil).Once()
	p, err := f.gateway.Check(ctx, inv.Payment)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, p.Status)

	f.provider.On("CheckoutPaid", mock.Anything, "cs_test_1").Return(true, nil).Once()
	p, err = f.gateway.Check(ctx, inv.Payment)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSuccess, p.Status)
}

func TestStripeCreateCheckout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "deadbeef", r.PostForm.Get("metadata[payment_hash]"))
		assert.Equal(t, "1050", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "usd", r.PostForm.Get("line_items[0][price_data][currency]"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_9","object":"checkout.session","url":"https://checkout.stripe.com/c/cs_test_9","expires_at":1700000000}`))
	}))
	defer srv.Close()

	s := NewStripe(StripeConfig{
		APIKey:     "sk_test_123",
		SuccessURL: "https://example.com/ok",
		CancelURL:  "https://example.com/cancel",
		APIBase:    srv.URL,
	})
	checkout, err := s.CreateCheckout(context.Background(), CheckoutRequest{
		AmountMinor: 1050,
		Currency:    "usd",
		PaymentHash: "deadbeef",
		WalletID:    "w1",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_9", checkout.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_test_9", checkout.URL)
	assert.Equal(t, time.Unix(1700000000, 0), checkout.ExpiresAt)
}

func TestStripeParseEventRequiresSecret(t *testing.T) {
	s := NewStripe(StripeConfig{})
	body := checkoutCompleted("evt_1", "00", "paid")
	_, err := s.ParseEvent(body, sign(body, time.Now()))
	assert.Error(t, err)
}
