package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"LNCustody/internal/models"

	"go.uber.org/zap"
)

const WebhookTimeout = 40 * time.Second

// WebhookStatusUnreachable is recorded when no HTTP answer came back.
const WebhookStatusUnreachable = -1

type WebhookStore interface {
	SetWebhookStatus(ctx context.Context, walletID, checkingID string, status int) error
}

// Dispatcher POSTs settled payments to their webhook once. There is no
// retry; a restarted reconciler is what re-delivers.
type Dispatcher struct {
	client *http.Client
	store  WebhookStore
	log    *zap.Logger
}

func NewDispatcher(store WebhookStore, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		client: &http.Client{Timeout: WebhookTimeout},
		store:  store,
		log:    log,
	}
}

// Dispatch returns the recorded status, or 0 when p has no webhook.
func (d *Dispatcher) Dispatch(ctx context.Context, p *models.Payment) int {
	if p.Webhook == nil || *p.Webhook == "" {
		return 0
	}
	log := d.log.With(
		zap.String("wallet_id", p.WalletID),
		zap.String("checking_id", p.CheckingID),
		zap.String("payment_hash", p.PaymentHash),
	)

	status := d.post(ctx, *p.Webhook, p.Public())
	if status < 200 || status >= 300 {
		log.Warn("webhook not accepted", zap.Int("status", status))
	} else {
		log.Debug("webhook delivered", zap.Int("status", status))
	}

	if err := d.store.SetWebhookStatus(context.WithoutCancel(ctx), p.WalletID, p.CheckingID, status); err != nil {
		log.Error("record webhook status", zap.Error(err))
	}
	return status
}

func (d *Dispatcher) post(ctx context.Context, url string, body models.PublicPayment) int {
	raw, err := json.Marshal(body)
	if err != nil {
		return WebhookStatusUnreachable
	}
	ctx, cancel := context.WithTimeout(ctx, WebhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return WebhookStatusUnreachable
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Debug("webhook post failed", zap.String("url", url), zap.Error(err))
		return WebhookStatusUnreachable
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode
}
