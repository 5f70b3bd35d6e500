// Package funding abstracts the Lightning node that backs every wallet.
package funding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotConfigured = errors.New("funding source not configured")
	ErrUnknownClass  = errors.New("unknown funding source class")
)

type StatusResponse struct {
	BalanceMsat  int64
	ErrorMessage string
}

type InvoiceRequest struct {
	AmountMsat          int64
	Memo                string
	DescriptionHash     []byte
	UnhashedDescription []byte
	Expiry              time.Duration
	Preimage            []byte
}

type InvoiceResponse struct {
	CheckingID     string
	PaymentRequest string
	PaymentHash    string
	Preimage       string
}

// PaymentResponse is the outcome of a pay attempt. Ok is nil while the
// outcome is unknown; a nil Ok with an empty CheckingID means the backend
// gave no usable answer at all.
type PaymentResponse struct {
	Ok           *bool
	CheckingID   string
	FeeMsat      int64
	Preimage     string
	ErrorMessage string
}

func (r PaymentResponse) Success() bool { return r.Ok != nil && *r.Ok }
func (r PaymentResponse) Failed() bool  { return r.Ok != nil && !*r.Ok }
func (r PaymentResponse) Pending() bool { return r.Ok == nil }

func PaymentSucceeded(checkingID string, feeMsat int64, preimage string) PaymentResponse {
	ok := true
	return PaymentResponse{Ok: &ok, CheckingID: checkingID, FeeMsat: feeMsat, Preimage: preimage}
}

func PaymentFailed(message string) PaymentResponse {
	ok := false
	return PaymentResponse{Ok: &ok, ErrorMessage: message}
}

func PaymentPending(checkingID string) PaymentResponse {
	return PaymentResponse{CheckingID: checkingID}
}

// PaymentStatus is the backend's view of an invoice or payment; Paid is nil
// while it is still in flight.
type PaymentStatus struct {
	Paid     *bool
	FeeMsat  int64
	Preimage string
}

func (s PaymentStatus) Success() bool { return s.Paid != nil && *s.Paid }
func (s PaymentStatus) Failed() bool  { return s.Paid != nil && !*s.Paid }
func (s PaymentStatus) Pending() bool { return s.Paid == nil }

func (s PaymentStatus) String() string {
	switch {
	case s.Success():
		return "success"
	case s.Failed():
		return "failed"
	default:
		return "pending"
	}
}

func StatusPaid(feeMsat int64, preimage string) PaymentStatus {
	paid := true
	return PaymentStatus{Paid: &paid, FeeMsat: feeMsat, Preimage: preimage}
}

func StatusFailed() PaymentStatus {
	paid := false
	return PaymentStatus{Paid: &paid}
}

func StatusPending() PaymentStatus {
	return PaymentStatus{}
}

// Source is one Lightning backend. Implementations translate their own
// transport errors into plain errors or failed/pending outcomes.
type Source interface {
	Name() string
	Status(ctx context.Context) (StatusResponse, error)
	CreateInvoice(ctx context.Context, req InvoiceRequest) (InvoiceResponse, error)
	// PayInvoice must not be bounded by a client timeout.
	PayInvoice(ctx context.Context, bolt11 string, feeLimitMsat int64) PaymentResponse
	GetInvoiceStatus(ctx context.Context, checkingID string) (PaymentStatus, error)
	GetPaymentStatus(ctx context.Context, checkingID string) (PaymentStatus, error)
	// PaidInvoicesStream yields checking ids (or payment hashes) of settled
	// incoming invoices. The channel closes when the stream drops.
	PaidInvoicesStream(ctx context.Context) (<-chan string, error)
	Close() error
}

const (
	ClassFake    = "fake"
	ClassVoid    = "void"
	ClassLNbits  = "lnbits"
	ClassLndRest = "lndrest"
)

type Config struct {
	Class   string
	Fake    FakeConfig
	LNbits  LNbitsConfig
	LndRest LndRestConfig
}

// New is the tagged constructor selecting a backend by class.
func New(cfg Config, log *zap.Logger) (Source, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Class {
	case ClassFake:
		return NewFake(cfg.Fake), nil
	case ClassVoid, "":
		return Void{}, nil
	case ClassLNbits:
		return NewLNbits(cfg.LNbits, log.Named("lnbits"))
	case ClassLndRest:
		return NewLndRest(cfg.LndRest, log.Named("lndrest"))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, cfg.Class)
	}
}
