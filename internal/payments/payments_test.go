package payments

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"LNCustody/internal/bolt11"
	"LNCustody/internal/fees"
	"LNCustody/internal/funding"
	"LNCustody/internal/limits"
	"LNCustody/internal/models"
	"LNCustody/internal/notify"
	"LNCustody/internal/pricing"
	"LNCustody/internal/store"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Name() string { return "mock" }

func (m *mockSource) Status(ctx context.Context) (funding.StatusResponse, error) {
	args := m.Called(ctx)
	return args.Get(0).(funding.StatusResponse), args.Error(1)
}

func (m *mockSource) CreateInvoice(ctx context.Context, req funding.InvoiceRequest) (funding.InvoiceResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(funding.InvoiceResponse), args.Error(1)
}

func (m *mockSource) PayInvoice(ctx context.Context, bolt11 string, feeLimitMsat int64) funding.PaymentResponse {
	args := m.Called(ctx, bolt11, feeLimitMsat)
	return args.Get(0).(funding.PaymentResponse)
}

func (m *mockSource) GetInvoiceStatus(ctx context.Context, checkingID string) (funding.PaymentStatus, error) {
	args := m.Called(ctx, checkingID)
	return args.Get(0).(funding.PaymentStatus), args.Error(1)
}

func (m *mockSource) GetPaymentStatus(ctx context.Context, checkingID string) (funding.PaymentStatus, error) {
	args := m.Called(ctx, checkingID)
	return args.Get(0).(funding.PaymentStatus), args.Error(1)
}

func (m *mockSource) PaidInvoicesStream(ctx context.Context) (<-chan string, error) {
	return nil, errors.New("not streaming")
}

func (m *mockSource) Close() error { return nil }

type fixture struct {
	svc      *Service
	ledger   *store.Memory
	source   *mockSource
	fake     *funding.Fake
	notifier *notify.Notifier
}

type options struct {
	fees    fees.Policy
	limits  limits.Config
	pricing *pricing.Service
	source  funding.Source
	// wrap lets a test interpose on the ledger the engine sees.
	wrap func(*store.Memory) store.Ledger
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	ledger := store.NewMemory()
	src := &mockSource{}
	fake := funding.NewFake(funding.FakeConfig{Secret: "payments-test"})
	var active funding.Source = src
	if opts.source != nil {
		active = opts.source
	}
	var engineLedger store.Ledger = ledger
	if opts.wrap != nil {
		engineLedger = opts.wrap(ledger)
	}
	notifier := notify.New(8, zap.NewNop())
	svc := New(Config{}, Deps{
		Ledger:   engineLedger,
		Funding:  funding.NewHolder(active),
		Internal: fake,
		Fees:     opts.fees,
		Limits:   limits.New(opts.limits, engineLedger),
		Pricing:  opts.pricing,
		Notifier: notifier,
		Webhooks: notify.NewDispatcher(ledger, zap.NewNop()),
		Log:      zap.NewNop(),
	})
	require.NoError(t, ledger.CreateAccount(context.Background(), &models.Account{ID: "acc"}))
	t.Cleanup(func() { src.AssertExpectations(t) })
	return &fixture{svc: svc, ledger: ledger, source: src, fake: fake, notifier: notifier}
}

func (f *fixture) wallet(t *testing.T, id string, balanceMsat int64) *models.Wallet {
	t.Helper()
	w := &models.Wallet{ID: id, AccountID: "acc", Name: id, AdminKey: "admin-" + id, InvoiceKey: "invoice-" + id}
	require.NoError(t, f.ledger.CreateWallet(context.Background(), w))
	if balanceMsat > 0 {
		require.NoError(t, f.ledger.CreatePayment(context.Background(), &models.Payment{
			CheckingID:  "topup-" + id,
			PaymentHash: hashOf("topup-" + id),
			WalletID:    id,
			AmountMsat:  balanceMsat,
			Status:      models.PaymentSuccess,
		}))
	}
	return w
}

func (f *fixture) balance(t *testing.T, walletID string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), walletID)
	require.NoError(t, err)
	return b
}

func (f *fixture) internalInvoice(t *testing.T, walletID string, sats int64) *models.Payment {
	t.Helper()
	p, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceRequest{
		WalletID: walletID,
		Amount:   float64(sats),
		Memo:     "internal",
		Internal: true,
	})
	require.NoError(t, err)
	return p
}

func hashOf(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// foreignInvoice is signed by a node this instance does not run.
func foreignInvoice(t *testing.T, amountMsat int64) (string, string) {
	t.Helper()
	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x07}, 32))
	preimage := make([]byte, 32)
	_, err := rand.Read(preimage)
	require.NoError(t, err)
	hash := sha256.Sum256(preimage)
	inv := &bolt11.Invoice{
		Network:       "bc",
		AmountMsat:    amountMsat,
		Timestamp:     time.Now(),
		PaymentHash:   hex.EncodeToString(hash[:]),
		PaymentSecret: hashOf("secret"),
		Description:   "coffee",
		Expiry:        time.Hour,
	}
	raw, err := bolt11.Encode(inv, key)
	require.NoError(t, err)
	return raw, inv.PaymentHash
}

func requirePaymentError(t *testing.T, err error, message string, status models.PaymentStatus) {
	t.Helper()
	var perr *PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, message, perr.Message)
	assert.Equal(t, status, perr.Status)
}

func TestCreateInvoicePersistsPendingRow(t *testing.T) {
	fake := funding.NewFake(funding.FakeConfig{Secret: "backend"})
	f := newFixture(t, options{source: fake})
	f.wallet(t, "b", 0)

	p, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceRequest{
		WalletID: "b",
		Amount:   1000,
		Memo:     "coffee",
		Webhook:  "https://example.com/hook",
	})
	require.NoError(t, err)

	inv, err := bolt11.Decode(p.Bolt11)
	require.NoError(t, err)
	assert.Equal(t, inv.PaymentHash, p.PaymentHash)
	assert.Equal(t, int64(1_000_000), p.AmountMsat)
	assert.Equal(t, models.PaymentPending, p.Status)
	assert.Equal(t, models.KindLightning, p.Kind)
	require.NotNil(t, p.Expiry)
	assert.WithinDuration(t, inv.ExpiresAt(), *p.Expiry, time.Second)

	stored, err := f.ledger.GetPayment(context.Background(), "b", p.CheckingID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook", *stored.Webhook)
	assert.Zero(t, f.balance(t, "b"))
}

func TestCreateInvoiceRejections(t *testing.T) {
	tests := []struct {
		name    string
		opts    options
		req     CreateInvoiceRequest
		message string
	}{
		{
			name:    "unknown wallet",
			req:     CreateInvoiceRequest{WalletID: "missing", Amount: 10},
			message: msgWalletNotFound,
		},
		{
			name:    "zero amount",
			req:     CreateInvoiceRequest{WalletID: "b", Amount: 0},
			message: msgAmountNotPositive,
		},
		{
			name:    "max balance",
			opts:    options{limits: limits.Config{MaxBalanceSats: 1500}},
			req:     CreateInvoiceRequest{WalletID: "b", Amount: 1000},
			message: "Wallet balance cannot exceed 1500 sats.",
		},
		{
			name:    "backend not configured",
			opts:    options{source: funding.Void{}},
			req:     CreateInvoiceRequest{WalletID: "b", Amount: 10},
			message: "Failed to create invoice: funding source not configured",
		},
		{
			name:    "fiat unit without rates",
			req:     CreateInvoiceRequest{WalletID: "b", Amount: 10, Unit: "USD"},
			message: "Unsupported unit USD.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts)
			f.wallet(t, "b", 1_000_000)

			_, err := f.svc.CreateInvoice(context.Background(), tt.req)
			var ierr *InvoiceError
			require.ErrorAs(t, err, &ierr)
			assert.Equal(t, tt.message, ierr.Message)

			rows, err := f.ledger.ListPayments(context.Background(), store.PaymentFilter{WalletID: "b"})
			require.NoError(t, err)
			assert.Len(t, rows, 1, "only the top-up row exists")
		})
	}
}

func TestCreateInvoiceRecordsFiatAmounts(t *testing.T) {
	rates := pricing.New(pricing.Config{FixedRates: map[string]float64{"USD": 50_000, "EUR": 40_000}}, nil, nil, nil)
	f := newFixture(t, options{pricing: rates, source: funding.NewFake(funding.FakeConfig{})})
	w := &models.Wallet{ID: "eur", AccountID: "acc", AdminKey: "a-eur", InvoiceKey: "i-eur", Currency: "EUR"}
	require.NoError(t, f.ledger.CreateWallet(context.Background(), w))

	p, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceRequest{WalletID: "eur", Amount: 10, Unit: "usd"})
	require.NoError(t, err)

	assert.Equal(t, int64(20_000_000), p.AmountMsat)
	assert.Equal(t, "USD", p.Extra["fiat_currency"])
	assert.Equal(t, 10.0, p.Extra["fiat_amount"])
	assert.Equal(t, 2000.0, p.Extra["fiat_rate"])
	assert.Equal(t, "EUR", p.Extra["wallet_fiat_currency"])
	assert.Equal(t, 8.0, p.Extra["wallet_fiat_amount"])
}

func TestInternalSettlement(t *testing.T) {
	f := newFixture(t, options{fees: fees.DefaultPolicy()})
	f.wallet(t, "a", 10_000_000)
	f.wallet(t, "b", 0)
	payerSub := f.notifier.SubscribeWallet("invoice-a")
	payeeSub := f.notifier.SubscribeWallet("invoice-b")
	defer payerSub.Close()
	defer payeeSub.Close()

	invoice := f.internalInvoice(t, "b", 2000)
	out, err := f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: invoice.Bolt11})
	require.NoError(t, err)

	assert.Equal(t, models.PaymentSuccess, out.Status)
	assert.Equal(t, models.KindInternal, out.Kind)
	assert.Equal(t, models.InternalPrefix+invoice.PaymentHash, out.CheckingID)
	assert.Equal(t, int64(8_000_000), f.balance(t, "a"))
	assert.Equal(t, int64(2_000_000), f.balance(t, "b"))

	in, err := f.ledger.GetPayment(context.Background(), "b", invoice.CheckingID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSuccess, in.Status)
	assert.Equal(t, in.PaymentHash, out.PaymentHash)
	assert.Equal(t, -in.AmountMsat, out.AmountMsat)

	assert.Len(t, payerSub.C(), 1)
	assert.Len(t, payeeSub.C(), 1)
	select {
	case ref := <-f.svc.InternalQueue():
		assert.Equal(t, InternalSettlement{WalletID: "b", CheckingID: invoice.CheckingID}, ref)
	default:
		t.Fatal("payee settlement was not queued")
	}
}

func TestInternalSettlementChargesServiceFee(t *testing.T) {
	policy := fees.DefaultPolicy()
	policy.ServiceFeePercent = 1
	policy.ServiceFeeWalletID = "fees"
	f := newFixture(t, options{fees: policy})
	f.wallet(t, "a", 10_000_000)
	f.wallet(t, "b", 0)
	f.wallet(t, "fees", 0)

	invoice := f.internalInvoice(t, "b", 2000)
	before := f.balance(t, "a")
	out, err := f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: invoice.Bolt11})
	require.NoError(t, err)

	assert.Equal(t, int64(-20_000), out.FeeMsat)
	assert.Equal(t, abs(out.AmountMsat)+abs(out.FeeMsat), before-f.balance(t, "a"))
	assert.Equal(t, int64(20_000), f.balance(t, "fees"))
	assert.Equal(t, int64(2_000_000), f.balance(t, "b"))
}

func TestInternalInsufficientBalance(t *testing.T) {
	f := newFixture(t, options{fees: fees.DefaultPolicy()})
	f.wallet(t, "a", 500_000)
	f.wallet(t, "b", 0)

	invoice := f.internalInvoice(t, "b", 2000)
	_, err := f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: invoice.Bolt11})
	requirePaymentError(t, err, msgInsufficient, models.PaymentFailed)

	assert.Equal(t, int64(500_000), f.balance(t, "a"))
	outgoing := false
	rows, err := f.ledger.ListPayments(context.Background(), store.PaymentFilter{WalletID: "a", Incoming: &outgoing})
	require.NoError(t, err)
	assert.Empty(t, rows)
	in, err := f.ledger.GetPayment(context.Background(), "b", invoice.CheckingID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, in.Status)
}

func TestPayRejectsBeforeAnyRow(t *testing.T) {
	f := newFixture(t, options{fees: fees.DefaultPolicy()})
	f.wallet(t, "a", 10_000_000)

	amountless, _ := foreignInvoice(t, 0)
	_, err := f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: amountless})
	requirePaymentError(t, err, msgAmountless, models.PaymentFailed)

	tooBig, _ := foreignInvoice(t, 5_000_000)
	_, err = f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: tooBig, MaxSat: 4000})
	requirePaymentError(t, err, msgAmountTooHigh, models.PaymentFailed)

	_, err = f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: "lnbc1garbage"})
	requirePaymentError(t, err, msgDecodeFailed, models.PaymentFailed)

	assert.Equal(t, int64(10_000_000), f.balance(t, "a"))
}

func TestInternalReplayIsRejected(t *testing.T) {
	f := newFixture(t, options{fees: fees.DefaultPolicy()})
	f.wallet(t, "a", 10_000_000)
	f.wallet(t, "b", 0)

	invoice := f.internalInvoice(t, "b", 2000)
	_, err := f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: invoice.Bolt11})
	require.NoError(t, err)
	balance := f.balance(t, "a")

	_, err = f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: invoice.Bolt11})
	requirePaymentError(t, err, msgInternalPaid, models.PaymentSuccess)
	assert.Equal(t, balance, f.balance(t, "a"))
}

func TestExternalPaymentSucceeds(t *testing.T) {
	policy := fees.DefaultPolicy()
	policy.ServiceFeePercent = 0.5
	policy.ServiceFeeWalletID = "fees"
	f := newFixture(t, options{fees: policy})
	f.wallet(t, "a", 10_000_000)
	f.wallet(t, "fees", 0)

	raw, hash := foreignInvoice(t, 1_000_000)
	f.source.On("PayInvoice", mock.Anything, raw, int64(10_000)).
		Return(funding.PaymentSucceeded("node-"+hash, 2_500, hashOf("preimage"))).Once()

	out, err := f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: raw})
	require.NoError(t, err)

	assert.Equal(t, models.PaymentSuccess, out.Status)
	assert.Equal(t, "node-"+hash, out.CheckingID)
	assert.Equal(t, int64(-(2_500 + 5_000)), out.FeeMsat)
	assert.Equal(t, hashOf("preimage"), *out.Preimage)
	assert.Equal(t, int64(10_000_000-1_000_000-7_500), f.balance(t, "a"))
	assert.Equal(t, int64(5_000), f.balance(t, "fees"))

	// a second attempt never reaches the backend
	_, err = f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: raw})
	requirePaymentError(t, err, msgAlreadyPaid, models.PaymentSuccess)
}

func TestServiceFeeCreditedPerPayer(t *testing.T) {
	policy := fees.DefaultPolicy()
	policy.ServiceFeePercent = 0.5
	policy.ServiceFeeWalletID = "fees"
	f := newFixture(t, options{fees: policy})
	f.wallet(t, "a", 10_000_000)
	f.wallet(t, "c", 10_000_000)
	f.wallet(t, "fees", 0)

	// the same invoice paid from two wallets of this instance
	raw, hash := foreignInvoice(t, 1_000_000)
	f.source.On("PayInvoice", mock.Anything, raw, int64(10_000)).
		Return(funding.PaymentSucceeded("node-"+hash, 0, hashOf("preimage"))).Twice()

	for _, payer := range []string{"a", "c"} {
		_, err := f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: payer, PaymentRequest: raw})
		require.NoError(t, err)
	}

	assert.Equal(t, int64(10_000), f.balance(t, "fees"))
	for _, payer := range []string{"a", "c"} {
		credit, err := f.ledger.GetPayment(context.Background(), "fees", models.ServiceFeeCheckingID(payer, hash))
		require.NoError(t, err)
		assert.Equal(t, int64(5_000), credit.AmountMsat)
		assert.Equal(t, payer, credit.Extra["source_wallet_id"])
	}
}

func TestExternalInsufficientForReserve(t *testing.T) {
	f := newFixture(t, options{fees: fees.DefaultPolicy()})
	f.wallet(t, "a", 1_000_000)

	raw, _ := foreignInvoice(t, 1_000_000)
	_, err := f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: raw})
	requirePaymentError(t, err, msgInsufficient, models.PaymentFailed)
	assert.Equal(t, int64(1_000_000), f.balance(t, "a"))
}

func TestExternalPaymentFailureReleasesReserve(t *testing.T) {
	f := newFixture(t, options{fees: fees.DefaultPolicy()})
	f.wallet(t, "a", 10_000_000)

	raw, hash := foreignInvoice(t, 1_000_000)
	f.source.On("PayInvoice", mock.Anything, raw, int64(10_000)).Return(funding.PaymentFailed("no route")).Once()

	_, err := f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: raw})
	requirePaymentError(t, err, "Payment failed: no route", models.PaymentFailed)

	row, err := f.ledger.GetPayment(context.Background(), "a", hash)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, row.Status)
	assert.Equal(t, int64(10_000_000), f.balance(t, "a"))

	// retrying a failed payment asks the backend instead of paying again
	f.source.On("GetPaymentStatus", mock.Anything, hash).Return(funding.StatusFailed(), nil).Once()
	_, err = f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: raw})
	requirePaymentError(t, err, msgFailedNoRetry, models.PaymentFailed)
}

func TestFailedPaymentRevivedWhenBackendPaid(t *testing.T) {
	f := newFixture(t, options{fees: fees.DefaultPolicy()})
	f.wallet(t, "a", 10_000_000)

	raw, hash := foreignInvoice(t, 1_000_000)
	f.source.On("PayInvoice", mock.Anything, raw, int64(10_000)).Return(funding.PaymentFailed("")).Once()
	_, err := f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: raw})
	requirePaymentError(t, err, msgNoBackendMessage, models.PaymentFailed)

	f.source.On("GetPaymentStatus", mock.Anything, hash).Return(funding.StatusPaid(1_200, hashOf("late")), nil).Once()
	_, err = f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: raw})
	requirePaymentError(t, err, msgPaidOnSource, models.PaymentSuccess)

	row, err := f.ledger.GetPayment(context.Background(), "a", hash)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSuccess, row.Status)
	assert.Equal(t, int64(-1_200), row.FeeMsat)
	assert.Equal(t, int64(10_000_000-1_001_200), f.balance(t, "a"))

	entries := f.ledger.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "revive_failed_payment", entries[0].Action)
	assert.Equal(t, hash, *entries[0].CheckingID)
}

func TestPendingPaymentSettledOnce(t *testing.T) {
	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer hook.Close()

	f := newFixture(t, options{fees: fees.DefaultPolicy()})
	f.wallet(t, "a", 10_000_000)

	raw, _ := foreignInvoice(t, 1_000_000)
	f.source.On("PayInvoice", mock.Anything, raw, int64(10_000)).Return(funding.PaymentPending("node-id")).Once()

	out, err := f.svc.PayInvoice(context.Background(), PayInvoiceRequest{
		WalletID:       "a",
		PaymentRequest: raw,
		Webhook:        hook.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, out.Status)
	assert.Equal(t, "node-id", out.CheckingID)
	assert.Equal(t, int64(10_000_000-1_010_000), f.balance(t, "a"), "reserve is held while pending")

	// a repeated submission while in flight is refused
	_, err = f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: raw})
	requirePaymentError(t, err, msgPaymentPending, models.PaymentPending)

	f.source.On("GetPaymentStatus", mock.Anything, "node-id").Return(funding.StatusPaid(400, hashOf("p")), nil).Once()
	settled, err := f.svc.CheckPayment(context.Background(), "a", "node-id")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSuccess, settled.Status)
	assert.Equal(t, int64(-400), settled.FeeMsat)
	assert.Equal(t, int64(10_000_000-1_000_400), f.balance(t, "a"))

	again, err := f.svc.Settle(context.Background(), settled, funding.StatusPaid(400, ""))
	require.NoError(t, err)
	assert.False(t, again)
	assert.Equal(t, int32(1), hits.Load())
	require.NotNil(t, settled.WebhookStatus)
}

func TestUnclearOutcomeStaysPending(t *testing.T) {
	f := newFixture(t, options{fees: fees.DefaultPolicy()})
	f.wallet(t, "a", 10_000_000)

	raw, hash := foreignInvoice(t, 1_000_000)
	f.source.On("PayInvoice", mock.Anything, raw, int64(10_000)).
		Return(funding.PaymentResponse{ErrorMessage: "connection reset"}).Once()

	out, err := f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: raw})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, out.Status)
	assert.Equal(t, hash, out.CheckingID)
}

func TestCallerCancellationDoesNotAbortPayment(t *testing.T) {
	f := newFixture(t, options{fees: fees.DefaultPolicy()})
	f.wallet(t, "a", 10_000_000)

	ctx, cancel := context.WithCancel(context.Background())
	raw, _ := foreignInvoice(t, 1_000_000)
	notCanceled := mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil })
	f.source.On("PayInvoice", notCanceled, raw, int64(10_000)).
		Return(funding.PaymentSucceeded("", 0, "")).Once()

	cancel()
	out, err := f.svc.PayInvoice(ctx, PayInvoiceRequest{WalletID: "a", PaymentRequest: raw})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSuccess, out.Status)
}

func TestRateLimitBetweenPayments(t *testing.T) {
	f := newFixture(t, options{fees: fees.DefaultPolicy(), limits: limits.Config{SecsBetweenTrans: 60}})
	f.wallet(t, "a", 10_000_000)
	f.wallet(t, "b", 0)

	first := f.internalInvoice(t, "b", 1000)
	_, err := f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: first.Bolt11})
	require.NoError(t, err)

	second := f.internalInvoice(t, "b", 1000)
	_, err = f.svc.PayInvoice(context.Background(), PayInvoiceRequest{WalletID: "a", PaymentRequest: second.Bolt11})
	requirePaymentError(t, err, "The time limit of 60 seconds between payments has been reached.", models.PaymentFailed)

	outgoing := false
	rows, err := f.ledger.ListPayments(context.Background(), store.PaymentFilter{WalletID: "a", Incoming: &outgoing})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRepairInternalFlipsInterruptedSettlement(t *testing.T) {
	f := newFixture(t, options{fees: fees.DefaultPolicy()})
	f.wallet(t, "a", 10_000_000)
	f.wallet(t, "b", 0)

	invoice := f.internalInvoice(t, "b", 2000)
	// the payer row made it to disk, the payee flip did not
	require.NoError(t, f.ledger.CreateOutgoingPayment(context.Background(), &models.Payment{
		CheckingID:  models.InternalPrefix + invoice.PaymentHash,
		PaymentHash: invoice.PaymentHash,
		WalletID:    "a",
		Kind:        models.KindInternal,
		AmountMsat:  -invoice.AmountMsat,
		Status:      models.PaymentSuccess,
	}))

	repaired, err := f.svc.RepairInternal(context.Background(), invoice)
	require.NoError(t, err)
	assert.True(t, repaired)
	assert.Equal(t, int64(2_000_000), f.balance(t, "b"))

	repaired, err = f.svc.RepairInternal(context.Background(), invoice)
	require.NoError(t, err)
	assert.False(t, repaired)
}

func TestGetPaymentByHash(t *testing.T) {
	f := newFixture(t, options{})
	f.wallet(t, "b", 0)
	invoice := f.internalInvoice(t, "b", 10)

	got, err := f.svc.GetPayment(context.Background(), "b", invoice.PaymentHash)
	require.NoError(t, err)
	assert.Equal(t, invoice.CheckingID, got.CheckingID)

	_, err = f.svc.GetPayment(context.Background(), "other", invoice.PaymentHash)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.GetPayment(context.Background(), "b", fmt.Sprintf("%064d", 1))
	assert.ErrorIs(t, err, store.ErrNotFound)
}
