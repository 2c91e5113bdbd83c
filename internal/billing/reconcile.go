package billing

import "github.com/shopspring/decimal"

// Reconcile derives an invoice's due balance and status from its fixed
// total and the sum of its current payments.
//
// The balance clamps at zero: an overpayment settles the invoice and
// the surplus is discarded, not tracked as credit. Cancelled invoices
// must never reach this function; callers check for the terminal state
// first so a cancelled invoice is not resurrected to pending/paid.
func Reconcile(totalAmount, paidTotal decimal.Decimal) (amountDue decimal.Decimal, status InvoiceStatus) {
	amountDue = totalAmount.Sub(paidTotal)
	if amountDue.Sign() < 0 {
		amountDue = decimal.Zero
	}

	switch {
	case amountDue.Sign() == 0:
		status = StatusPaid
	case amountDue.Equal(totalAmount):
		status = StatusPending
	default:
		status = StatusPartial
	}

	return amountDue, status
}

// LineTotal sums quantity × price snapshot over an appointment's lines.
// An appointment with no lines invoices to a zero total, which is paid
// by construction.
func LineTotal(lines []ServiceLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount())
	}
	return total
}
