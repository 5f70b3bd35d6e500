package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"LNCustody/internal/models"

	"github.com/google/uuid"
)

// Memory keeps the whole ledger in process memory. A single mutex stands in
// for the serializable transactions of the Postgres store.
type Memory struct {
	mu         sync.Mutex
	accounts   map[string]*models.Account
	wallets    map[string]*models.Wallet
	payments   []*models.Payment
	fiatEvents map[string]struct{}
	audit      []*models.AuditEntry
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts:   map[string]*models.Account{},
		wallets:    map[string]*models.Wallet{},
		fiatEvents: map[string]struct{}{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.ID]; ok {
		return ErrDuplicateKey
	}
	for _, a := range m.accounts {
		if account.Username != nil && a.Username != nil && *a.Username == *account.Username {
			return ErrDuplicateKey
		}
	}
	now := m.now()
	account.CreatedAt, account.UpdatedAt = now, now
	c := *account
	m.accounts[account.ID] = &c
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *Memory) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Username != nil && *a.Username == username {
			c := *a
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) DeleteAccount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(m.accounts, id)
	removed := map[string]struct{}{}
	for wid, w := range m.wallets {
		if w.AccountID == id {
			removed[wid] = struct{}{}
			delete(m.wallets, wid)
		}
	}
	kept := m.payments[:0]
	for _, p := range m.payments {
		if _, gone := removed[p.WalletID]; !gone {
			kept = append(kept, p)
		}
	}
	m.payments = kept
	return nil
}

func (m *Memory) CreateWallet(ctx context.Context, wallet *models.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[wallet.AccountID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.wallets[wallet.ID]; ok {
		return ErrDuplicateKey
	}
	for _, w := range m.wallets {
		if w.AdminKey == wallet.AdminKey || w.InvoiceKey == wallet.InvoiceKey {
			return ErrDuplicateKey
		}
	}
	now := m.now()
	wallet.CreatedAt, wallet.UpdatedAt = now, now
	c := *wallet
	m.wallets[wallet.ID] = &c
	return nil
}

func (m *Memory) GetWallet(ctx context.Context, id string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok || w.Deleted {
		return nil, ErrNotFound
	}
	c := *w
	return &c, nil
}

func (m *Memory) GetWalletByKey(ctx context.Context, key string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.wallets {
		if w.Deleted {
			continue
		}
		if w.AdminKey == key || w.InvoiceKey == key {
			c := *w
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListWallets(ctx context.Context, accountID string) ([]*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Wallet
	for _, w := range m.wallets {
		if w.AccountID == accountID && !w.Deleted {
			c := *w
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteWallet(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok || w.Deleted {
		return ErrNotFound
	}
	w.Deleted = true
	w.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Balance(ctx context.Context, walletID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(walletID), nil
}

func (m *Memory) balanceLocked(walletID string) int64 {
	var total int64
	for _, p := range m.payments {
		if p.WalletID == walletID {
			total += p.BalanceDelta()
		}
	}
	return total
}

func (m *Memory) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if err := validatePayment(payment); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(payment)
}

func (m *Memory) CreateOutgoingPayment(ctx context.Context, payment *models.Payment) error {
	if err := validatePayment(payment); err != nil {
		return err
	}
	if !payment.IsOut() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wallets[payment.WalletID]; !ok || w.Deleted {
		return ErrNotFound
	}
	if m.balanceLocked(payment.WalletID) < payment.Debit() {
		return ErrInsufficientBalance
	}
	return m.insertLocked(payment)
}

func (m *Memory) SettleInternal(ctx context.Context, outgoing, counterpart *models.Payment) error {
	if err := validatePayment(outgoing); err != nil {
		return err
	}
	if !outgoing.IsOut() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wallets[outgoing.WalletID]; !ok || w.Deleted {
		return ErrNotFound
	}
	payee := m.findLocked(counterpart.WalletID, counterpart.CheckingID)
	if payee == nil {
		return ErrNotFound
	}
	if payee.Status != models.PaymentPending {
		return ErrAlreadySettled
	}
	if m.balanceLocked(outgoing.WalletID) < outgoing.Debit() {
		return ErrInsufficientBalance
	}
	if err := m.insertLocked(outgoing); err != nil {
		return err
	}
	payee.Status = models.PaymentSuccess
	if payee.Preimage == nil && outgoing.Preimage != nil {
		v := *outgoing.Preimage
		payee.Preimage = &v
	}
	payee.UpdatedAt = m.now()
	counterpart.Status = payee.Status
	counterpart.Preimage = payee.Preimage
	counterpart.UpdatedAt = payee.UpdatedAt
	return nil
}

func (m *Memory) insertLocked(payment *models.Payment) error {
	for _, p := range m.payments {
		if p.WalletID != payment.WalletID {
			continue
		}
		if p.CheckingID == payment.CheckingID {
			return ErrDuplicatePayment
		}
		if payment.IsIn() && payment.Status == models.PaymentPending &&
			p.IsIn() && p.Status == models.PaymentPending && p.PaymentHash == payment.PaymentHash {
			return ErrDuplicatePayment
		}
	}
	now := m.now()
	if payment.Time.IsZero() {
		payment.Time = now
	}
	payment.CreatedAt, payment.UpdatedAt = now, now
	m.payments = append(m.payments, payment.Clone())
	return nil
}

func (m *Memory) findLocked(walletID, checkingID string) *models.Payment {
	for _, p := range m.payments {
		if p.WalletID == walletID && p.CheckingID == checkingID {
			return p
		}
	}
	return nil
}

func (m *Memory) GetPayment(ctx context.Context, walletID, checkingID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.findLocked(walletID, checkingID)
	if p == nil {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) GetPaymentByCheckingID(ctx context.Context, checkingID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Payment
	for _, p := range m.payments {
		if p.CheckingID != checkingID {
			continue
		}
		// prefer the unsettled row when several wallets share an id
		if found == nil || (found.Status.Terminal() && !p.Status.Terminal()) {
			found = p
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

func (m *Memory) GetPaymentsByHash(ctx context.Context, paymentHash string) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.payments {
		if p.PaymentHash == paymentHash {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (m *Memory) GetPendingIncomingByHash(ctx context.Context, paymentHash string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.PaymentHash == paymentHash && p.IsIn() && p.Status == models.PaymentPending {
			return p.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdatePayment(ctx context.Context, payment *models.Payment, newCheckingID string) (bool, error) {
	if payment.IsOut() && payment.FeeMsat > 0 {
		return false, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.findLocked(payment.WalletID, payment.CheckingID)
	if p == nil {
		return false, ErrNotFound
	}
	if p.Status != models.PaymentPending {
		return false, nil
	}
	if newCheckingID != "" && newCheckingID != p.CheckingID {
		if m.findLocked(p.WalletID, newCheckingID) != nil {
			return false, ErrDuplicatePayment
		}
		p.CheckingID = newCheckingID
		payment.CheckingID = newCheckingID
	}
	p.Status = payment.Status
	p.FeeMsat = payment.FeeMsat
	p.Preimage = payment.Preimage
	if payment.Extra != nil {
		p.Extra = payment.Extra.Clone()
	}
	p.UpdatedAt = m.now()
	payment.UpdatedAt = p.UpdatedAt
	return true, nil
}

func (m *Memory) ReviveFailedPayment(ctx context.Context, payment *models.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.findLocked(payment.WalletID, payment.CheckingID)
	if p == nil {
		return false, ErrNotFound
	}
	if p.Status != models.PaymentFailed {
		return false, nil
	}
	p.Status = models.PaymentSuccess
	p.FeeMsat = payment.FeeMsat
	p.Preimage = payment.Preimage
	p.UpdatedAt = m.now()
	return true, nil
}

func (m *Memory) SetWebhookStatus(ctx context.Context, walletID, checkingID string, status int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.findLocked(walletID, checkingID)
	if p == nil {
		return ErrNotFound
	}
	p.WebhookStatus = &status
	return nil
}

func (m *Memory) ListPayments(ctx context.Context, filter PaymentFilter) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*models.Payment
	for _, p := range m.payments {
		if filter.WalletID != "" && p.WalletID != filter.WalletID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.Incoming != nil && p.IsIn() != *filter.Incoming {
			continue
		}
		matched = append(matched, p)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Time.After(matched[j].Time) })
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.limit() {
		matched = matched[:filter.limit()]
	}
	out := make([]*models.Payment, 0, len(matched))
	for _, p := range matched {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (m *Memory) ListPendingPayments(ctx context.Context) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.payments {
		if p.Status == models.PaymentPending {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (m *Memory) DeleteExpiredInvoices(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-maxAge)
	var deleted int64
	kept := m.payments[:0]
	for _, p := range m.payments {
		if p.IsIn() && p.Status == models.PaymentPending && (p.Time.Before(cutoff) || p.Expired(now)) {
			deleted++
			continue
		}
		kept = append(kept, p)
	}
	m.payments = kept
	return deleted, nil
}

func (m *Memory) OutgoingStats(ctx context.Context, walletID string, since time.Time) (OutgoingStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats OutgoingStats
	for _, p := range m.payments {
		if p.WalletID != walletID || !p.IsOut() || p.Status == models.PaymentFailed {
			continue
		}
		if p.Time.Before(since) {
			continue
		}
		stats.Count++
		stats.SumMsat += -p.AmountMsat
		if stats.LastAt == nil || p.Time.After(*stats.LastAt) {
			t := p.Time
			stats.LastAt = &t
		}
	}
	return stats, nil
}

func (m *Memory) RecordFiatEvent(ctx context.Context, provider, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := provider + ":" + eventID
	if _, seen := m.fiatEvents[key]; seen {
		return false, nil
	}
	m.fiatEvents[key] = struct{}{}
	return true, nil
}

func (m *Memory) InsertAudit(ctx context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = m.now()
	c := *entry
	m.audit = append(m.audit, &c)
	return nil
}

// AuditEntries returns a copy of the audit log.
func (m *Memory) AuditEntries() []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditEntry, 0, len(m.audit))
	for _, e := range m.audit {
		out = append(out, *e)
	}
	return out
}
