package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"LNCustody/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T, walletIDs ...string) *Memory {
	t.Helper()
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateAccount(ctx, &models.Account{ID: "acct"}))
	for _, id := range walletIDs {
		require.NoError(t, m.CreateWallet(ctx, &models.Wallet{
			ID: id, AccountID: "acct", Name: id, AdminKey: id + "-adm", InvoiceKey: id + "-inv",
		}))
	}
	return m
}

func row(wallet, checkingID string, amount, fee int64, status models.PaymentStatus) *models.Payment {
	return &models.Payment{
		CheckingID:  checkingID,
		PaymentHash: "hash_" + checkingID,
		WalletID:    wallet,
		AmountMsat:  amount,
		FeeMsat:     fee,
		Status:      status,
	}
}

func TestMemoryBalance(t *testing.T) {
	m := newLedger(t, "w1")
	ctx := context.Background()

	require.NoError(t, m.CreatePayment(ctx, row("w1", "in-ok", 10_000, 0, models.PaymentSuccess)))
	require.NoError(t, m.CreatePayment(ctx, row("w1", "in-pending", 5_000, 0, models.PaymentPending)))
	require.NoError(t, m.CreatePayment(ctx, row("w1", "out-pending", -2_000, -100, models.PaymentPending)))
	require.NoError(t, m.CreatePayment(ctx, row("w1", "out-failed", -3_000, 0, models.PaymentFailed)))

	balance, err := m.Balance(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(7_900), balance, "pending credits and failed debits do not count")
}

func TestMemoryPaymentValidation(t *testing.T) {
	m := newLedger(t, "w1")
	ctx := context.Background()

	assert.ErrorIs(t, m.CreatePayment(ctx, row("w1", "a", 1_000, -1, models.PaymentPending)), ErrInvalidAmount)
	assert.ErrorIs(t, m.CreatePayment(ctx, row("w1", "b", -1_000, 5, models.PaymentPending)), ErrInvalidAmount)
	assert.ErrorIs(t, m.CreatePayment(ctx, row("w1", "c", 0, 0, models.PaymentPending)), ErrInvalidAmount)

	p := row("w1", "d", 1_000, 0, "")
	require.NoError(t, m.CreatePayment(ctx, p))
	assert.Equal(t, models.PaymentPending, p.Status)
	assert.Equal(t, models.KindLightning, p.Kind)
}

func TestMemoryUniqueness(t *testing.T) {
	m := newLedger(t, "w1", "w2")
	ctx := context.Background()

	require.NoError(t, m.CreatePayment(ctx, row("w1", "x", 1_000, 0, models.PaymentPending)))
	assert.ErrorIs(t, m.CreatePayment(ctx, row("w1", "x", 2_000, 0, models.PaymentPending)), ErrDuplicatePayment)
	require.NoError(t, m.CreatePayment(ctx, row("w2", "x", 1_000, 0, models.PaymentPending)), "ids are unique per wallet")

	again := row("w1", "y", 1_000, 0, models.PaymentPending)
	again.PaymentHash = "hash_x"
	assert.ErrorIs(t, m.CreatePayment(ctx, again), ErrDuplicatePayment, "one pending invoice per hash and wallet")
}

func TestMemoryOutgoingSolvency(t *testing.T) {
	m := newLedger(t, "w1")
	ctx := context.Background()
	require.NoError(t, m.CreatePayment(ctx, row("w1", "fund", 10_000, 0, models.PaymentSuccess)))

	assert.ErrorIs(t, m.CreateOutgoingPayment(ctx, row("w1", "big", -9_950, -100, models.PaymentPending)), ErrInsufficientBalance)
	assert.ErrorIs(t, m.CreateOutgoingPayment(ctx, row("nope", "o", -1, 0, models.PaymentPending)), ErrNotFound)
	assert.ErrorIs(t, m.CreateOutgoingPayment(ctx, row("w1", "in", 1, 0, models.PaymentPending)), ErrInvalidAmount)

	require.NoError(t, m.CreateOutgoingPayment(ctx, row("w1", "fits", -9_900, -100, models.PaymentPending)))
	balance, err := m.Balance(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestMemoryUpdateOnlyFromPending(t *testing.T) {
	m := newLedger(t, "w1")
	ctx := context.Background()
	require.NoError(t, m.CreatePayment(ctx, row("w1", "temp_1", -1_000, -10, models.PaymentPending)))

	done := row("w1", "temp_1", -1_000, -4, models.PaymentSuccess)
	ok, err := m.UpdatePayment(ctx, done, "final_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "final_1", done.CheckingID)

	_, err = m.GetPayment(ctx, "w1", "temp_1")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := m.GetPayment(ctx, "w1", "final_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSuccess, got.Status)
	assert.Equal(t, int64(-4), got.FeeMsat)

	regress := row("w1", "final_1", -1_000, 0, models.PaymentFailed)
	ok, err = m.UpdatePayment(ctx, regress, "")
	require.NoError(t, err)
	assert.False(t, ok, "a settled row never moves again")

	_, err = m.UpdatePayment(ctx, row("w1", "missing", -1, 0, models.PaymentFailed), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryReviveFailedPayment(t *testing.T) {
	m := newLedger(t, "w1")
	ctx := context.Background()
	require.NoError(t, m.CreatePayment(ctx, row("w1", "f", -1_000, 0, models.PaymentFailed)))

	preimage := "00"
	late := row("w1", "f", -1_000, -3, models.PaymentSuccess)
	late.Preimage = &preimage
	ok, err := m.ReviveFailedPayment(ctx, late)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.ReviveFailedPayment(ctx, late)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := m.GetPayment(ctx, "w1", "f")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSuccess, got.Status)
	assert.Equal(t, int64(-3), got.FeeMsat)
}

func TestMemoryDeleteExpiredInvoices(t *testing.T) {
	m := newLedger(t, "w1")
	ctx := context.Background()
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now.Add(-time.Hour) }

	past, future := now.Add(-time.Minute), now.Add(time.Hour)
	expired := row("w1", "expired", 1_000, 0, models.PaymentPending)
	expired.Expiry = &past
	live := row("w1", "live", 1_000, 0, models.PaymentPending)
	live.Expiry = &future
	ancient := row("w1", "ancient", 1_000, 0, models.PaymentPending)
	ancient.Time = now.Add(-40 * 24 * time.Hour)
	paid := row("w1", "paid", 1_000, 0, models.PaymentSuccess)
	paid.Expiry = &past
	for _, p := range []*models.Payment{expired, live, ancient, paid} {
		require.NoError(t, m.CreatePayment(ctx, p))
	}

	deleted, err := m.DeleteExpiredInvoices(ctx, now, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	pending, err := m.ListPendingPayments(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "live", pending[0].CheckingID)
}

func TestMemoryOutgoingStats(t *testing.T) {
	m := newLedger(t, "w1")
	ctx := context.Background()
	require.NoError(t, m.CreatePayment(ctx, row("w1", "fund", 100_000, 0, models.PaymentSuccess)))
	require.NoError(t, m.CreatePayment(ctx, row("w1", "o1", -1_000, 0, models.PaymentSuccess)))
	require.NoError(t, m.CreatePayment(ctx, row("w1", "o2", -2_000, 0, models.PaymentPending)))
	require.NoError(t, m.CreatePayment(ctx, row("w1", "o3", -4_000, 0, models.PaymentFailed)))

	stats, err := m.OutgoingStats(ctx, "w1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Count)
	assert.Equal(t, int64(3_000), stats.SumMsat)
	require.NotNil(t, stats.LastAt)
}

func TestMemoryRecordFiatEvent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.RecordFiatEvent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.True(t, first)
	again, err := m.RecordFiatEvent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.False(t, again)
	other, err := m.RecordFiatEvent(ctx, "paypal", "evt_1")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestMemorySettleInternal(t *testing.T) {
	m := newLedger(t, "payer", "payee")
	ctx := context.Background()
	require.NoError(t, m.CreatePayment(ctx, row("payer", "fund", 5_000, 0, models.PaymentSuccess)))
	preimage := "aa"
	invoice := row("payee", "inv", 3_000, 0, models.PaymentPending)
	invoice.Preimage = &preimage
	require.NoError(t, m.CreatePayment(ctx, invoice))

	tooBig := row("payer", "internal_big", -6_000, 0, models.PaymentSuccess)
	assert.ErrorIs(t, m.SettleInternal(ctx, tooBig, invoice), ErrInsufficientBalance)
	got, err := m.GetPayment(ctx, "payee", "inv")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, got.Status, "a rejected debit leaves the invoice open")

	debit := row("payer", "internal_inv", -3_000, 0, models.PaymentSuccess)
	require.NoError(t, m.SettleInternal(ctx, debit, invoice))
	assert.Equal(t, models.PaymentSuccess, invoice.Status)

	payee, err := m.Balance(ctx, "payee")
	require.NoError(t, err)
	assert.Equal(t, int64(3_000), payee)
	payer, err := m.Balance(ctx, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(2_000), payer)

	again := row("payer", "internal_inv2", -3_000, 0, models.PaymentSuccess)
	assert.ErrorIs(t, m.SettleInternal(ctx, again, invoice), ErrAlreadySettled)
	missing := row("payee", "gone", 1, 0, models.PaymentPending)
	assert.ErrorIs(t, m.SettleInternal(ctx, row("payer", "internal_x", -1, 0, models.PaymentSuccess), missing), ErrNotFound)
}

func TestMemorySettleInternalSingleWinner(t *testing.T) {
	const payers = 6
	ids := []string{"payee"}
	for i := 0; i < payers; i++ {
		ids = append(ids, fmt.Sprintf("payer%d", i))
	}
	m := newLedger(t, ids...)
	ctx := context.Background()
	for _, id := range ids[1:] {
		require.NoError(t, m.CreatePayment(ctx, row(id, "fund", 10_000, 0, models.PaymentSuccess)))
	}
	invoice := row("payee", "inv", 4_000, 0, models.PaymentPending)
	require.NoError(t, m.CreatePayment(ctx, invoice))

	errs := make([]error, payers)
	var wg sync.WaitGroup
	for i, id := range ids[1:] {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			counterpart := invoice.Clone()
			debit := row(id, "internal_inv", -4_000, 0, models.PaymentSuccess)
			debit.PaymentHash = invoice.PaymentHash
			errs[i] = m.SettleInternal(ctx, debit, counterpart)
		}(i, id)
	}
	wg.Wait()

	wins := 0
	var total int64
	for i, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrAlreadySettled)
		}
		b, berr := m.Balance(ctx, ids[i+1])
		require.NoError(t, berr)
		total += b
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, int64(payers*10_000-4_000), total)
}
