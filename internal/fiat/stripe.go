package fiat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	StripeName = "stripe"

	DefaultSignatureTolerance = 300 * time.Second
)

type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	// APIBase overrides the Stripe API endpoint (stripe-mock, tests).
	APIBase   string
	Tolerance time.Duration
}

type Stripe struct {
	client *stripe.Client
	cfg    StripeConfig
}

func NewStripe(cfg StripeConfig) *Stripe {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultSignatureTolerance
	}
	var opts []stripe.ClientOption
	if cfg.APIBase != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:           stripe.String(cfg.APIBase),
			LeveledLogger: &stripe.LeveledLogger{Level: stripe.LevelError},
		})
		opts = append(opts, stripe.WithBackends(&stripe.Backends{API: backend, Connect: backend, Uploads: backend}))
	}
	return &Stripe{client: stripe.NewClient(cfg.APIKey, opts...), cfg: cfg}
}

func (s *Stripe) Name() string { return StripeName }

func (s *Stripe) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	metadata := map[string]string{
		"payment_hash": req.PaymentHash,
		"wallet_id":    req.WalletID,
	}
	description := req.Description
	if description == "" {
		description = "Wallet top-up"
	}
	params := &stripe.CheckoutSessionCreateParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(s.cfg.SuccessURL),
		CancelURL:  stripe.String(s.cfg.CancelURL),
		Metadata:   metadata,
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: metadata,
		},
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{{
			PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
				Currency: stripe.String(req.Currency),
				ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
					Name: stripe.String(description),
				},
				UnitAmount: stripe.Int64(req.AmountMinor),
			},
			Quantity: stripe.Int64(1),
		}},
	}
	session, err := s.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	checkout := &Checkout{ID: session.ID, URL: session.URL}
	if session.ExpiresAt > 0 {
		checkout.ExpiresAt = time.Unix(session.ExpiresAt, 0)
	}
	return checkout, nil
}

func (s *Stripe) CheckoutPaid(ctx context.Context, id string) (bool, error) {
	session, err := s.client.V1CheckoutSessions.Retrieve(ctx, id, nil)
	if err != nil {
		return false, fmt.Errorf("retrieve checkout session: %w", err)
	}
	return session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid, nil
}

// ParseEvent checks the Stripe-Signature header against the raw body before
// decoding anything.
func (s *Stripe) ParseEvent(payload []byte, signature string) (*Event, error) {
	if s.cfg.WebhookSecret == "" {
		return nil, errors.New("webhook signing secret not configured")
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signature, s.cfg.WebhookSecret, s.cfg.Tolerance); err != nil {
		return nil, err
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	out := &Event{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return out, nil
	}

	switch out.Type {
	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("parse checkout session: %w", err)
		}
		out.PaymentHash = session.Metadata["payment_hash"]
		out.Paid = session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
	case EventInvoicePaid:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("parse invoice: %w", err)
		}
		out.PaymentHash = invoice.Metadata["payment_hash"]
		out.Paid = true
	}
	return out, nil
}
