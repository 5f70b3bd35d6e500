package funding

import "context"

// Void is used when no backend is configured. Every operation fails.
type Void struct{}

func (Void) Name() string { return ClassVoid }

func (Void) Status(ctx context.Context) (StatusResponse, error) {
	return StatusResponse{ErrorMessage: ErrNotConfigured.Error()}, ErrNotConfigured
}

func (Void) CreateInvoice(ctx context.Context, req InvoiceRequest) (InvoiceResponse, error) {
	return InvoiceResponse{}, ErrNotConfigured
}

func (Void) PayInvoice(ctx context.Context, bolt11 string, feeLimitMsat int64) PaymentResponse {
	return PaymentFailed(ErrNotConfigured.Error())
}

func (Void) GetInvoiceStatus(ctx context.Context, checkingID string) (PaymentStatus, error) {
	return StatusPending(), ErrNotConfigured
}

func (Void) GetPaymentStatus(ctx context.Context, checkingID string) (PaymentStatus, error) {
	return StatusPending(), ErrNotConfigured
}

func (Void) PaidInvoicesStream(ctx context.Context) (<-chan string, error) {
	return nil, ErrNotConfigured
}

func (Void) Close() error { return nil }
