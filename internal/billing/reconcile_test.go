package billing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/clinicore/clinic-billing/internal/billing"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestReconcile_NoPayments_Pending(t *testing.T) {
	due, status := billing.Reconcile(dec("2000"), decimal.Zero)

	assert.True(t, due.Equal(dec("2000")))
	assert.Equal(t, billing.StatusPending, status)
}

func TestReconcile_PartialPayment(t *testing.T) {
	due, status := billing.Reconcile(dec("2000"), dec("1000"))

	assert.True(t, due.Equal(dec("1000")))
	assert.Equal(t, billing.StatusPartial, status)
}

func TestReconcile_ExactPayment_Paid(t *testing.T) {
	due, status := billing.Reconcile(dec("2000"), dec("2000"))

	assert.True(t, due.IsZero())
	assert.Equal(t, billing.StatusPaid, status)
}

func TestReconcile_Overpayment_ClampsToZero(t *testing.T) {
	// Overpayment settles the invoice; the surplus is discarded, not
	// tracked as credit.
	due, status := billing.Reconcile(dec("1000"), dec("1500"))

	assert.True(t, due.IsZero())
	assert.Equal(t, billing.StatusPaid, status)
}

func TestReconcile_ZeroTotal_PaidWithoutPayments(t *testing.T) {
	due, status := billing.Reconcile(decimal.Zero, decimal.Zero)

	assert.True(t, due.IsZero())
	assert.Equal(t, billing.StatusPaid, status)
}

func TestReconcile_FractionalAmounts(t *testing.T) {
	due, status := billing.Reconcile(dec("450.50"), dec("450.49"))

	assert.True(t, due.Equal(dec("0.01")))
	assert.Equal(t, billing.StatusPartial, status)
}

func TestReconcile_Idempotent(t *testing.T) {
	// Re-running on an unchanged payment set yields identical results.
	total, paid := dec("750.25"), dec("300.10")

	due1, status1 := billing.Reconcile(total, paid)
	due2, status2 := billing.Reconcile(total, paid)

	assert.True(t, due1.Equal(due2))
	assert.Equal(t, status1, status2)
}

func TestLineTotal_SumsQuantityTimesSnapshot(t *testing.T) {
	lines := []billing.ServiceLine{
		{Quantity: 2, PriceAtTime: dec("450.00")},
		{Quantity: 1, PriceAtTime: dec("280.00")},
		{Quantity: 3, PriceAtTime: dec("150.00")},
	}

	assert.True(t, billing.LineTotal(lines).Equal(dec("1630.00")))
}

func TestLineTotal_NoLines_Zero(t *testing.T) {
	assert.True(t, billing.LineTotal(nil).IsZero())
}
