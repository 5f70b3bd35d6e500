package models

import (
	"encoding/json"
	"strings"
	"time"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentSuccess || s == PaymentFailed
}

// PaymentKind records how a row settles. Checking-id prefixes are still
// written but nothing branches on them.
type PaymentKind string

const (
	KindLightning PaymentKind = "lightning"
	KindInternal  PaymentKind = "internal"
	KindFiat      PaymentKind = "fiat"
)

const (
	InternalPrefix   = "internal_"
	ServiceFeePrefix = "service_fee_"
	FiatPrefix       = "fiat_"
)

// ServiceFeeCheckingID names the commission row of one payer's settlement.
// Several wallets may settle the same hash, so the payer is part of the id.
func ServiceFeeCheckingID(payerWalletID, paymentHash string) string {
	return ServiceFeePrefix + payerWalletID + "_" + paymentHash
}

type Account struct {
	ID           string
	Username     *string
	Pubkey       *string
	Email        *string
	PasswordHash *string
	Extra        Extra
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Wallet struct {
	ID         string
	AccountID  string
	Name       string
	AdminKey   string
	InvoiceKey string
	Currency   string
	Deleted    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Payment struct {
	CheckingID    string
	PaymentHash   string
	WalletID      string
	Kind          PaymentKind
	AmountMsat    int64
	FeeMsat       int64
	Status        PaymentStatus
	Bolt11        string
	Memo          string
	Preimage      *string
	Expiry        *time.Time
	Webhook       *string
	WebhookStatus *int
	Extra         Extra
	Time          time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (p *Payment) IsIn() bool  { return p.AmountMsat > 0 }
func (p *Payment) IsOut() bool { return p.AmountMsat < 0 }

// Debit is what the row takes from the wallet balance (positive for outgoing).
func (p *Payment) Debit() int64 {
	return -p.AmountMsat + abs(p.FeeMsat)
}

// BalanceDelta is the row's contribution to the balance view.
func (p *Payment) BalanceDelta() int64 {
	if p.Status == PaymentSuccess || (p.Status == PaymentPending && p.AmountMsat < 0) {
		return p.AmountMsat - abs(p.FeeMsat)
	}
	return 0
}

func (p *Payment) Expired(now time.Time) bool {
	return p.Expiry != nil && now.After(*p.Expiry)
}

func (p *Payment) Clone() *Payment {
	c := *p
	c.Extra = p.Extra.Clone()
	if p.Preimage != nil {
		v := *p.Preimage
		c.Preimage = &v
	}
	if p.Expiry != nil {
		v := *p.Expiry
		c.Expiry = &v
	}
	if p.Webhook != nil {
		v := *p.Webhook
		c.Webhook = &v
	}
	if p.WebhookStatus != nil {
		v := *p.WebhookStatus
		c.WebhookStatus = &v
	}
	return &c
}

// PublicPayment is the JSON shape sent to webhooks and subscribers.
type PublicPayment struct {
	CheckingID  string        `json:"checking_id"`
	PaymentHash string        `json:"payment_hash"`
	WalletID    string        `json:"wallet_id"`
	Amount      int64         `json:"amount"`
	Fee         int64         `json:"fee"`
	Status      PaymentStatus `json:"status"`
	Bolt11      string        `json:"bolt11"`
	Memo        string        `json:"memo"`
	Preimage    *string       `json:"preimage"`
	Expiry      *time.Time    `json:"expiry"`
	Time        time.Time     `json:"time"`
	Extra       Extra         `json:"extra"`
}

func (p *Payment) Public() PublicPayment {
	extra := p.Extra
	if extra == nil {
		extra = Extra{}
	}
	return PublicPayment{
		CheckingID:  p.CheckingID,
		PaymentHash: p.PaymentHash,
		WalletID:    p.WalletID,
		Amount:      p.AmountMsat,
		Fee:         p.FeeMsat,
		Status:      p.Status,
		Bolt11:      p.Bolt11,
		Memo:        p.Memo,
		Preimage:    p.Preimage,
		Expiry:      p.Expiry,
		Time:        p.Time,
		Extra:       extra,
	}
}

// Extra is the caller-supplied metadata envelope stored as JSON.
type Extra map[string]any

func (e Extra) Clone() Extra {
	if e == nil {
		return nil
	}
	out := make(Extra, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

func (e Extra) String(key string) string {
	if v, ok := e[key].(string); ok {
		return v
	}
	return ""
}

func (e Extra) Marshal() ([]byte, error) {
	if e == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e)
}

func ParseExtra(raw []byte) (Extra, error) {
	if len(raw) == 0 {
		return Extra{}, nil
	}
	var e Extra
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e == nil {
		e = Extra{}
	}
	return e, nil
}

type DbVersion struct {
	DB      string
	Version int
}

type AuditEntry struct {
	ID         string
	Component  string
	Action     string
	WalletID   *string
	CheckingID *string
	Detail     Extra
	CreatedAt  time.Time
}

// SameBolt11 compares payment requests case-insensitively.
func SameBolt11(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
