package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"LNCustody/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const paymentColumns = `
	checking_id, payment_hash, wallet_id, kind, amount, fee, status,
	bolt11, memo, preimage, expiry, webhook, webhook_status, extra,
	time, created_at, updated_at`

const walletColumns = `id, "user", name, adminkey, inkey, currency, deleted, created_at, updated_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) CreateAccount(ctx context.Context, account *models.Account) error {
	extra, err := account.Extra.Marshal()
	if err != nil {
		return err
	}
	err = s.Pool.QueryRow(ctx, `
		INSERT INTO accounts (id, username, pubkey, email, password_hash, extra)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at
	`, account.ID, account.Username, account.Pubkey, account.Email, account.PasswordHash, extra,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	return mapErr(err, ErrDuplicateKey)
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return s.scanAccount(s.Pool.QueryRow(ctx, `
		SELECT id, username, pubkey, email, password_hash, extra, created_at, updated_at
		FROM accounts WHERE id=$1
	`, id))
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	return s.scanAccount(s.Pool.QueryRow(ctx, `
		SELECT id, username, pubkey, email, password_hash, extra, created_at, updated_at
		FROM accounts WHERE username=$1
	`, username))
}

func (s *Store) scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	var username, pubkey, email, hash sql.NullString
	var extra []byte
	if err := row.Scan(&a.ID, &username, &pubkey, &email, &hash, &extra, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, mapErr(err, nil)
	}
	a.Username = nullString(username)
	a.Pubkey = nullString(pubkey)
	a.Email = nullString(email)
	a.PasswordHash = nullString(hash)
	parsed, err := models.ParseExtra(extra)
	if err != nil {
		return nil, err
	}
	a.Extra = parsed
	return &a, nil
}

// DeleteAccount relies on ON DELETE CASCADE for wallets and payments.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.Pool.Exec(ctx, `DELETE FROM accounts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreateWallet(ctx context.Context, wallet *models.Wallet) error {
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO wallets (id, "user", name, adminkey, inkey, currency)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''))
		RETURNING created_at, updated_at
	`, wallet.ID, wallet.AccountID, wallet.Name, wallet.AdminKey, wallet.InvoiceKey, wallet.Currency,
	).Scan(&wallet.CreatedAt, &wallet.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrNotFound
	}
	return mapErr(err, ErrDuplicateKey)
}

func (s *Store) GetWallet(ctx context.Context, id string) (*models.Wallet, error) {
	return scanWallet(s.Pool.QueryRow(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE id=$1 AND NOT deleted
	`, id))
}

func (s *Store) GetWalletByKey(ctx context.Context, key string) (*models.Wallet, error) {
	return scanWallet(s.Pool.QueryRow(ctx, `
		SELECT `+walletColumns+` FROM wallets
		WHERE (adminkey=$1 OR inkey=$1) AND NOT deleted
	`, key))
}

func (s *Store) ListWallets(ctx context.Context, accountID string) ([]*models.Wallet, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+walletColumns+` FROM wallets
		WHERE "user"=$1 AND NOT deleted
		ORDER BY created_at
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []*models.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	var currency sql.NullString
	if err := row.Scan(&w.ID, &w.AccountID, &w.Name, &w.AdminKey, &w.InvoiceKey, &currency,
		&w.Deleted, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, mapErr(err, nil)
	}
	w.Currency = currency.String
	return &w, nil
}

func (s *Store) DeleteWallet(ctx context.Context, id string) error {
	res, err := s.Pool.Exec(ctx, `
		UPDATE wallets SET deleted=true, updated_at=now()
		WHERE id=$1 AND NOT deleted
	`, id)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Balance(ctx context.Context, walletID string) (int64, error) {
	return balance(ctx, s.Pool, walletID)
}

func balance(ctx context.Context, q querier, walletID string) (int64, error) {
	var bal int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE((SELECT balance FROM balances WHERE wallet_id=$1), 0)
	`, walletID).Scan(&bal)
	return bal, err
}

func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if err := validatePayment(payment); err != nil {
		return err
	}
	return insertPayment(ctx, s.Pool, payment)
}

func (s *Store) CreateOutgoingPayment(ctx context.Context, payment *models.Payment) error {
	if err := validatePayment(payment); err != nil {
		return err
	}
	if !payment.IsOut() {
		return ErrInvalidAmount
	}

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Locking the wallet row serialises concurrent debits of the same wallet.
	var locked string
	if err := tx.QueryRow(ctx, `
		SELECT id FROM wallets WHERE id=$1 AND NOT deleted FOR UPDATE
	`, payment.WalletID).Scan(&locked); err != nil {
		return mapErr(err, nil)
	}

	bal, err := balance(ctx, tx, payment.WalletID)
	if err != nil {
		return err
	}
	if bal < payment.Debit() {
		return ErrInsufficientBalance
	}
	if err := insertPayment(ctx, tx, payment); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) SettleInternal(ctx context.Context, outgoing, counterpart *models.Payment) error {
	if err := validatePayment(outgoing); err != nil {
		return err
	}
	if !outgoing.IsOut() {
		return ErrInvalidAmount
	}

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked string
	if err := tx.QueryRow(ctx, `
		SELECT id FROM wallets WHERE id=$1 AND NOT deleted FOR UPDATE
	`, outgoing.WalletID).Scan(&locked); err != nil {
		return mapErr(err, nil)
	}

	// a second payer blocks here until the first commits, then reads the
	// flipped status
	var status models.PaymentStatus
	if err := tx.QueryRow(ctx, `
		SELECT status FROM apipayments
		WHERE wallet_id=$1 AND checking_id=$2 FOR UPDATE
	`, counterpart.WalletID, counterpart.CheckingID).Scan(&status); err != nil {
		return mapErr(err, nil)
	}
	if status != models.PaymentPending {
		return ErrAlreadySettled
	}

	bal, err := balance(ctx, tx, outgoing.WalletID)
	if err != nil {
		return err
	}
	if bal < outgoing.Debit() {
		return ErrInsufficientBalance
	}
	if err := insertPayment(ctx, tx, outgoing); err != nil {
		return err
	}
	var preimage sql.NullString
	if err := tx.QueryRow(ctx, `
		UPDATE apipayments
		SET status='success', preimage=COALESCE(preimage, $3), updated_at=now()
		WHERE wallet_id=$1 AND checking_id=$2 AND status='pending'
		RETURNING preimage, updated_at
	`, counterpart.WalletID, counterpart.CheckingID, outgoing.Preimage).Scan(&preimage, &counterpart.UpdatedAt); err != nil {
		return mapErr(err, nil)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	counterpart.Status = models.PaymentSuccess
	counterpart.Preimage = nullString(preimage)
	return nil
}

func insertPayment(ctx context.Context, q querier, p *models.Payment) error {
	extra, err := p.Extra.Marshal()
	if err != nil {
		return err
	}
	if p.Time.IsZero() {
		p.Time = time.Now().UTC()
	}
	err = q.QueryRow(ctx, `
		INSERT INTO apipayments (
			checking_id, payment_hash, wallet_id, kind, amount, fee, status,
			bolt11, memo, preimage, expiry, webhook, extra, time
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at
	`,
		p.CheckingID,
		p.PaymentHash,
		p.WalletID,
		p.Kind,
		p.AmountMsat,
		p.FeeMsat,
		p.Status,
		p.Bolt11,
		p.Memo,
		p.Preimage,
		p.Expiry,
		p.Webhook,
		extra,
		p.Time,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return mapErr(err, ErrDuplicatePayment)
}

func (s *Store) GetPayment(ctx context.Context, walletID, checkingID string) (*models.Payment, error) {
	return scanPayment(s.Pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM apipayments
		WHERE wallet_id=$1 AND checking_id=$2
	`, walletID, checkingID))
}

func (s *Store) GetPaymentByCheckingID(ctx context.Context, checkingID string) (*models.Payment, error) {
	return scanPayment(s.Pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM apipayments
		WHERE checking_id=$1
		ORDER BY (status='pending') DESC, time DESC
		LIMIT 1
	`, checkingID))
}

func (s *Store) GetPaymentsByHash(ctx context.Context, paymentHash string) ([]*models.Payment, error) {
	return s.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM apipayments
		WHERE payment_hash=$1
		ORDER BY time
	`, paymentHash)
}

func (s *Store) GetPendingIncomingByHash(ctx context.Context, paymentHash string) (*models.Payment, error) {
	return scanPayment(s.Pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM apipayments
		WHERE payment_hash=$1 AND amount > 0 AND status='pending'
		ORDER BY time
		LIMIT 1
	`, paymentHash))
}

func (s *Store) UpdatePayment(ctx context.Context, payment *models.Payment, newCheckingID string) (bool, error) {
	if payment.IsOut() && payment.FeeMsat > 0 {
		return false, ErrInvalidAmount
	}
	target := payment.CheckingID
	if newCheckingID != "" {
		target = newCheckingID
	}
	var extra []byte
	if payment.Extra != nil {
		raw, err := payment.Extra.Marshal()
		if err != nil {
			return false, err
		}
		extra = raw
	}
	res, err := s.Pool.Exec(ctx, `
		UPDATE apipayments
		SET status=$3, fee=$4, preimage=$5, checking_id=$6,
			extra=COALESCE($7, extra), updated_at=now()
		WHERE wallet_id=$1 AND checking_id=$2 AND status='pending'
	`, payment.WalletID, payment.CheckingID, payment.Status, payment.FeeMsat, payment.Preimage, target, extra)
	if err != nil {
		return false, mapErr(err, ErrDuplicatePayment)
	}
	if res.RowsAffected() == 0 {
		if _, err := s.GetPayment(ctx, payment.WalletID, payment.CheckingID); err != nil {
			return false, err
		}
		return false, nil
	}
	payment.CheckingID = target
	return true, nil
}

func (s *Store) ReviveFailedPayment(ctx context.Context, payment *models.Payment) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE apipayments
		SET status='success', fee=$3, preimage=$4, updated_at=now()
		WHERE wallet_id=$1 AND checking_id=$2 AND status='failed'
	`, payment.WalletID, payment.CheckingID, payment.FeeMsat, payment.Preimage)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) SetWebhookStatus(ctx context.Context, walletID, checkingID string, status int) error {
	res, err := s.Pool.Exec(ctx, `
		UPDATE apipayments SET webhook_status=$3, updated_at=now()
		WHERE wallet_id=$1 AND checking_id=$2
	`, walletID, checkingID, status)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListPayments(ctx context.Context, filter PaymentFilter) ([]*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM apipayments WHERE true`
	var args []any
	if filter.WalletID != "" {
		args = append(args, filter.WalletID)
		query += fmt.Sprintf(" AND wallet_id=$%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if filter.Incoming != nil {
		if *filter.Incoming {
			query += " AND amount > 0"
		} else {
			query += " AND amount < 0"
		}
	}
	args = append(args, filter.limit(), filter.Offset)
	query += fmt.Sprintf(" ORDER BY time DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return s.queryPayments(ctx, query, args...)
}

func (s *Store) ListPendingPayments(ctx context.Context) ([]*models.Payment, error) {
	return s.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM apipayments
		WHERE status='pending'
		ORDER BY time
	`)
}

func (s *Store) DeleteExpiredInvoices(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		DELETE FROM apipayments
		WHERE status='pending' AND amount > 0
			AND (time < $2 OR (expiry IS NOT NULL AND expiry < $1))
	`, now, now.Add(-maxAge))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) OutgoingStats(ctx context.Context, walletID string, since time.Time) (OutgoingStats, error) {
	var stats OutgoingStats
	var last sql.NullTime
	err := s.Pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(-amount), 0), MAX(time)
		FROM apipayments
		WHERE wallet_id=$1 AND amount < 0 AND status <> 'failed' AND time >= $2
	`, walletID, since).Scan(&stats.Count, &stats.SumMsat, &last)
	if err != nil {
		return stats, err
	}
	if last.Valid {
		stats.LastAt = &last.Time
	}
	return stats, nil
}

func (s *Store) RecordFiatEvent(ctx context.Context, provider, eventID string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		INSERT INTO fiat_events (provider, event_id) VALUES ($1,$2)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) InsertAudit(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	detail, err := entry.Detail.Marshal()
	if err != nil {
		return err
	}
	return s.Pool.QueryRow(ctx, `
		INSERT INTO audit (id, component, action, wallet_id, checking_id, detail)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at
	`, entry.ID, entry.Component, entry.Action, entry.WalletID, entry.CheckingID, detail,
	).Scan(&entry.CreatedAt)
}

func (s *Store) queryPayments(ctx context.Context, query string, args ...any) ([]*models.Payment, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	var bolt11, memo, preimage, webhook sql.NullString
	var expiry sql.NullTime
	var webhookStatus sql.NullInt32
	var extra []byte

	err := row.Scan(
		&p.CheckingID,
		&p.PaymentHash,
		&p.WalletID,
		&p.Kind,
		&p.AmountMsat,
		&p.FeeMsat,
		&p.Status,
		&bolt11,
		&memo,
		&preimage,
		&expiry,
		&webhook,
		&webhookStatus,
		&extra,
		&p.Time,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err, nil)
	}

	p.Bolt11 = bolt11.String
	p.Memo = memo.String
	p.Preimage = nullString(preimage)
	p.Webhook = nullString(webhook)
	if expiry.Valid {
		p.Expiry = &expiry.Time
	}
	if webhookStatus.Valid {
		v := int(webhookStatus.Int32)
		p.WebhookStatus = &v
	}
	parsed, err := models.ParseExtra(extra)
	if err != nil {
		return nil, err
	}
	p.Extra = parsed
	return &p, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// mapErr translates driver errors into the package sentinels.
func mapErr(err error, onUnique error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if onUnique != nil {
				return onUnique
			}
		case "23514":
			return ErrInvalidAmount
		}
	}
	return err
}
