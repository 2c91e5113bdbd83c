package billing

import "errors"

// Validation failures. Reported to the caller synchronously, nothing
// is written.
var (
	ErrNonPositiveAmount    = errors.New("payment amount must be strictly positive")
	ErrInvalidPaymentMethod = errors.New("unknown payment method")
	ErrInvalidQuantity      = errors.New("service quantity must be positive")
	ErrDuplicateInvoice     = errors.New("appointment already has an invoice")
	ErrDuplicateServiceLine = errors.New("service already attached to appointment")
	ErrInvoiceCancelled     = errors.New("invoice is cancelled")
	ErrInvoiceAlreadyIssued = errors.New("appointment is already invoiced")
)

// Missing references.
var (
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrServiceNotFound     = errors.New("service not found")
	ErrServiceLineNotFound = errors.New("service line not found")
	ErrPatientNotFound     = errors.New("patient not found")
)

// Transient conflicts. Callers are expected to retry with backoff; the
// engine never retries on its own.
var (
	ErrInvoiceBusy = errors.New("invoice is currently being reconciled, please retry")
	ErrTxConflict  = errors.New("transaction conflict on invoice")
)

// ErrLedgerInconsistent means reconciliation could not find the invoice
// it was updating, or the stored balance contradicts the journal. This
// is fatal and must never be swallowed.
var ErrLedgerInconsistent = errors.New("ledger inconsistency detected")

// IsValidation reports whether err is a client input problem.
func IsValidation(err error) bool {
	return errors.Is(err, ErrNonPositiveAmount) ||
		errors.Is(err, ErrInvalidPaymentMethod) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrDuplicateInvoice) ||
		errors.Is(err, ErrDuplicateServiceLine) ||
		errors.Is(err, ErrInvoiceCancelled) ||
		errors.Is(err, ErrInvoiceAlreadyIssued)
}

// IsNotFound reports whether err indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrAppointmentNotFound) ||
		errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrServiceLineNotFound) ||
		errors.Is(err, ErrPatientNotFound)
}

// IsRetryable reports whether the operation might succeed if the caller
// tries again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInvoiceBusy) || errors.Is(err, ErrTxConflict)
}
