package payments

import (
	"LNCustody/internal/models"
)

// InvoiceError is a create-side failure. No row is ever persisted when one
// is returned.
type InvoiceError struct {
	Message string
	Status  models.PaymentStatus
}

func (e *InvoiceError) Error() string { return e.Message }

func invoiceError(message string) *InvoiceError {
	return &InvoiceError{Message: message, Status: models.PaymentFailed}
}

// PaymentError is a pay-side failure. Status tells the caller whether funds
// may still move: pending means a row exists that the reconciler owns.
type PaymentError struct {
	Message string
	Status  models.PaymentStatus
}

func (e *PaymentError) Error() string { return e.Message }

func paymentError(message string, status models.PaymentStatus) *PaymentError {
	return &PaymentError{Message: message, Status: status}
}

const (
	msgAmountless        = "Amountless invoices not supported."
	msgAmountTooHigh     = "Amount in invoice is too high."
	msgDecodeFailed      = "Bolt11 decoding failed."
	msgInvoiceExpired    = "Invoice expired."
	msgWalletNotFound    = "Wallet not found."
	msgInternalPaid      = "Internal invoice already paid."
	msgAlreadyPaid       = "Payment already paid."
	msgPaymentPending    = "Payment is pending."
	msgBolt11Changed     = "Invalid invoice. Bolt11 changed."
	msgInsufficient      = "Insufficient balance."
	msgPaidOnSource      = "Failed payment was already paid on the funding source."
	msgFailedNoRetry     = "Payment is failed node, retrying is not possible."
	msgNoBackendMessage  = "Payment failed, but backend didn't give us an error message."
	msgAmountNotPositive = "Amount must be positive."
	msgInvoiceExists     = "Invoice already exists."
)
