package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/clinic-billing/internal/billing"
)

// localLocker satisfies the Locker interface with in-process mutexes.
// Unlike the Redis locker it blocks instead of failing fast, so
// concurrent tests exercise serialization rather than lock contention.
type localLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newLocalLocker() *localLocker {
	return &localLocker{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *localLocker) WithInvoiceLock(ctx context.Context, invoiceID uuid.UUID, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[invoiceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[invoiceID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

func newTestService(t *testing.T) (*billing.Service, *billing.MemoryRepository) {
	t.Helper()
	repo := billing.NewMemoryRepository()
	return billing.NewService(repo, newLocalLocker()), repo
}

// seedAppointment registers a patient and an appointment, returning the
// appointment ID.
func seedAppointment(repo *billing.MemoryRepository) uuid.UUID {
	patientID := uuid.New()
	repo.SeedPatient(billing.Patient{ID: patientID, Name: "Ada Brown"})

	apptID := uuid.New()
	repo.SeedAppointment(billing.Appointment{
		ID:          apptID,
		PatientID:   patientID,
		DoctorID:    uuid.New(),
		ScheduledAt: time.Now(),
	})
	return apptID
}

func seedCatalogService(repo *billing.MemoryRepository, code, price string) uuid.UUID {
	id := uuid.New()
	repo.SeedService(billing.CatalogService{
		ID:    id,
		Code:  code,
		Name:  code,
		Price: dec(price),
	})
	return id
}

// invoiceWithTotal attaches enough lines to reach the given total and
// creates the invoice.
func invoiceWithTotal(t *testing.T, svc *billing.Service, repo *billing.MemoryRepository, total string) *billing.Invoice {
	t.Helper()
	ctx := context.Background()

	apptID := seedAppointment(repo)
	serviceID := seedCatalogService(repo, "CONSULT-"+uuid.NewString()[:8], total)

	_, err := svc.AttachService(ctx, apptID, serviceID, 1)
	require.NoError(t, err)

	inv, err := svc.CreateInvoice(ctx, apptID)
	require.NoError(t, err)
	return inv
}

// Invoice creation

func TestCreateInvoice_SumsLineSnapshots(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	apptID := seedAppointment(repo)
	consultID := seedCatalogService(repo, "CONSULT-GP", "450.00")
	labID := seedCatalogService(repo, "LAB-CBC", "280.00")

	_, err := svc.AttachService(ctx, apptID, consultID, 2)
	require.NoError(t, err)
	_, err = svc.AttachService(ctx, apptID, labID, 1)
	require.NoError(t, err)

	inv, err := svc.CreateInvoice(ctx, apptID)
	require.NoError(t, err)

	assert.True(t, inv.TotalAmount.Equal(dec("1180.00")))
	assert.True(t, inv.AmountDue.Equal(dec("1180.00")))
	assert.Equal(t, billing.StatusPending, inv.Status)
}

func TestCreateInvoice_PriceSnapshotSurvivesCatalogChange(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	apptID := seedAppointment(repo)
	serviceID := seedCatalogService(repo, "XRAY-CHEST", "650.00")

	_, err := svc.AttachService(ctx, apptID, serviceID, 1)
	require.NoError(t, err)

	// Catalog price changes upstream after the line was attached.
	repo.SeedService(billing.CatalogService{ID: serviceID, Code: "XRAY-CHEST", Name: "XRAY-CHEST", Price: dec("999.00")})

	inv, err := svc.CreateInvoice(ctx, apptID)
	require.NoError(t, err)

	assert.True(t, inv.TotalAmount.Equal(dec("650.00")), "invoice must use the price captured at attach time")
}

func TestCreateInvoice_NoLines_ZeroTotalPaid(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	apptID := seedAppointment(repo)

	inv, err := svc.CreateInvoice(ctx, apptID)
	require.NoError(t, err)

	assert.True(t, inv.TotalAmount.IsZero())
	assert.True(t, inv.AmountDue.IsZero())
	assert.Equal(t, billing.StatusPaid, inv.Status)
}

func TestCreateInvoice_Duplicate_Rejected(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	apptID := seedAppointment(repo)

	_, err := svc.CreateInvoice(ctx, apptID)
	require.NoError(t, err)

	_, err = svc.CreateInvoice(ctx, apptID)
	assert.ErrorIs(t, err, billing.ErrDuplicateInvoice)
}

func TestCreateInvoice_UnknownAppointment(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateInvoice(context.Background(), uuid.New())
	assert.ErrorIs(t, err, billing.ErrAppointmentNotFound)
}

// Service lines

func TestAttachService_InvalidQuantity(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	apptID := seedAppointment(repo)
	serviceID := seedCatalogService(repo, "ECG", "520.00")

	_, err := svc.AttachService(ctx, apptID, serviceID, 0)
	assert.ErrorIs(t, err, billing.ErrInvalidQuantity)

	_, err = svc.AttachService(ctx, apptID, serviceID, -1)
	assert.ErrorIs(t, err, billing.ErrInvalidQuantity)
}

func TestAttachService_DuplicateLine_Rejected(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	apptID := seedAppointment(repo)
	serviceID := seedCatalogService(repo, "ECG", "520.00")

	_, err := svc.AttachService(ctx, apptID, serviceID, 1)
	require.NoError(t, err)

	_, err = svc.AttachService(ctx, apptID, serviceID, 2)
	assert.ErrorIs(t, err, billing.ErrDuplicateServiceLine)
}

func TestDetachService_AfterInvoicing_Rejected(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	apptID := seedAppointment(repo)
	serviceID := seedCatalogService(repo, "PHYSIO", "600.00")

	_, err := svc.AttachService(ctx, apptID, serviceID, 1)
	require.NoError(t, err)

	_, err = svc.CreateInvoice(ctx, apptID)
	require.NoError(t, err)

	err = svc.DetachService(ctx, apptID, serviceID)
	assert.ErrorIs(t, err, billing.ErrInvoiceAlreadyIssued)
}

func TestDetachService_BeforeInvoicing_RemovesLine(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	apptID := seedAppointment(repo)
	serviceID := seedCatalogService(repo, "DRESSING", "150.00")

	_, err := svc.AttachService(ctx, apptID, serviceID, 1)
	require.NoError(t, err)

	require.NoError(t, svc.DetachService(ctx, apptID, serviceID))

	inv, err := svc.CreateInvoice(ctx, apptID)
	require.NoError(t, err)
	assert.True(t, inv.TotalAmount.IsZero())
}

// Payment application

func TestApplyPayment_StatusBoundaries(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	inv := invoiceWithTotal(t, svc, repo, "2000.00")

	// First payment of 1000 -> partial, 1000 due
	updated, _, err := svc.ApplyPayment(ctx, inv.ID, dec("1000.00"), billing.MethodCash, nil)
	require.NoError(t, err)
	assert.True(t, updated.AmountDue.Equal(dec("1000.00")))
	assert.Equal(t, billing.StatusPartial, updated.Status)

	// Second payment of 1000 -> paid, 0 due
	updated, second, err := svc.ApplyPayment(ctx, inv.ID, dec("1000.00"), billing.MethodCard, nil)
	require.NoError(t, err)
	assert.True(t, updated.AmountDue.IsZero())
	assert.Equal(t, billing.StatusPaid, updated.Status)

	// Reversing the second payment -> partial again
	updated, err = svc.ReversePayment(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, updated.AmountDue.Equal(dec("1000.00")))
	assert.Equal(t, billing.StatusPartial, updated.Status)
}

func TestApplyPayment_NonPositiveAmount_Rejected(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	inv := invoiceWithTotal(t, svc, repo, "500.00")

	_, _, err := svc.ApplyPayment(ctx, inv.ID, decimal.Zero, billing.MethodCash, nil)
	assert.ErrorIs(t, err, billing.ErrNonPositiveAmount)

	_, _, err = svc.ApplyPayment(ctx, inv.ID, dec("-10.00"), billing.MethodCash, nil)
	assert.ErrorIs(t, err, billing.ErrNonPositiveAmount)

	// Nothing was recorded.
	detail, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Empty(t, detail.Payments)
	assert.Equal(t, billing.StatusPending, detail.Status)
}

func TestApplyPayment_UnknownMethod_Rejected(t *testing.T) {
	svc, repo := newTestService(t)

	inv := invoiceWithTotal(t, svc, repo, "500.00")

	_, _, err := svc.ApplyPayment(context.Background(), inv.ID, dec("100.00"), billing.PaymentMethod("crypto"), nil)
	assert.ErrorIs(t, err, billing.ErrInvalidPaymentMethod)
}

func TestApplyPayment_UnknownInvoice(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, err := svc.ApplyPayment(context.Background(), uuid.New(), dec("100.00"), billing.MethodCash, nil)
	assert.ErrorIs(t, err, billing.ErrInvoiceNotFound)
}

func TestApplyPayment_CancelledInvoice_Rejected(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	inv := invoiceWithTotal(t, svc, repo, "500.00")

	_, err := svc.CancelInvoice(ctx, inv.ID)
	require.NoError(t, err)

	_, _, err = svc.ApplyPayment(ctx, inv.ID, dec("100.00"), billing.MethodCash, nil)
	assert.ErrorIs(t, err, billing.ErrInvoiceCancelled)

	// The rejected payment must not appear in the journal.
	detail, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Empty(t, detail.Payments)
}

func TestApplyPayment_Overpayment_ClampsToZero(t *testing.T) {
	svc, repo := newTestService(t)

	inv := invoiceWithTotal(t, svc, repo, "1000.00")

	updated, _, err := svc.ApplyPayment(context.Background(), inv.ID, dec("1500.00"), billing.MethodInsurance, nil)
	require.NoError(t, err)

	assert.True(t, updated.AmountDue.IsZero())
	assert.Equal(t, billing.StatusPaid, updated.Status)
}

// Payment reversal

func TestReversePayment_InverseOfApply(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	inv := invoiceWithTotal(t, svc, repo, "800.00")

	_, first, err := svc.ApplyPayment(ctx, inv.ID, dec("300.00"), billing.MethodCash, nil)
	require.NoError(t, err)

	before, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)

	_, second, err := svc.ApplyPayment(ctx, inv.ID, dec("250.00"), billing.MethodCard, nil)
	require.NoError(t, err)

	after, err := svc.ReversePayment(ctx, second.ID)
	require.NoError(t, err)

	// Applying then reversing returns the invoice to its exact prior state.
	assert.True(t, after.AmountDue.Equal(before.AmountDue))
	assert.Equal(t, before.Status, after.Status)

	detail, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, detail.Payments, 1)
	assert.Equal(t, first.ID, detail.Payments[0].ID)
}

func TestReversePayment_LastPayment_RevertsToPending(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	inv := invoiceWithTotal(t, svc, repo, "600.00")

	_, p, err := svc.ApplyPayment(ctx, inv.ID, dec("600.00"), billing.MethodCash, nil)
	require.NoError(t, err)

	updated, err := svc.ReversePayment(ctx, p.ID)
	require.NoError(t, err)

	assert.True(t, updated.AmountDue.Equal(dec("600.00")))
	assert.Equal(t, billing.StatusPending, updated.Status)
}

func TestReversePayment_Unknown(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ReversePayment(context.Background(), uuid.New())
	assert.ErrorIs(t, err, billing.ErrPaymentNotFound)
}

func TestReversePayment_OnCancelledInvoice_RemovesEntryOnly(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	inv := invoiceWithTotal(t, svc, repo, "400.00")

	_, p, err := svc.ApplyPayment(ctx, inv.ID, dec("100.00"), billing.MethodCash, nil)
	require.NoError(t, err)

	cancelled, err := svc.CancelInvoice(ctx, inv.ID)
	require.NoError(t, err)

	updated, err := svc.ReversePayment(ctx, p.ID)
	require.NoError(t, err)

	// Terminal state untouched, journal entry gone.
	assert.Equal(t, billing.StatusCancelled, updated.Status)
	assert.True(t, updated.AmountDue.Equal(cancelled.AmountDue))

	detail, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Empty(t, detail.Payments)
}

// Cancellation

func TestCancelInvoice_Terminal(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	inv := invoiceWithTotal(t, svc, repo, "300.00")

	cancelled, err := svc.CancelInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)

	_, err = svc.CancelInvoice(ctx, inv.ID)
	assert.ErrorIs(t, err, billing.ErrInvoiceCancelled)
}

func TestCancelInvoice_Unknown(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CancelInvoice(context.Background(), uuid.New())
	assert.ErrorIs(t, err, billing.ErrInvoiceNotFound)
}

// Concurrency

func TestApplyPayment_ConcurrentApplies_NoLostUpdate(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	inv := invoiceWithTotal(t, svc, repo, "1000.00")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = svc.ApplyPayment(ctx, inv.ID, dec("500.00"), billing.MethodCash, nil)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	detail, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)

	assert.True(t, detail.AmountDue.IsZero(), "both payments must be observed, no lost update")
	assert.Equal(t, billing.StatusPaid, detail.Status)
	assert.Len(t, detail.Payments, 2)
}

func TestApplyPayment_ConcurrentAcrossInvoices(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	const n = 8
	invoices := make([]*billing.Invoice, n)
	for i := range invoices {
		invoices[i] = invoiceWithTotal(t, svc, repo, "100.00")
	}

	var wg sync.WaitGroup
	for _, inv := range invoices {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, _, err := svc.ApplyPayment(ctx, id, dec("100.00"), billing.MethodCard, nil)
			assert.NoError(t, err)
		}(inv.ID)
	}
	wg.Wait()

	for _, inv := range invoices {
		detail, err := svc.GetInvoice(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPaid, detail.Status)
	}
}

// Audit

func TestAuditInvoices_HealthyLedger_NoViolations(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	inv := invoiceWithTotal(t, svc, repo, "900.00")
	_, _, err := svc.ApplyPayment(ctx, inv.ID, dec("400.00"), billing.MethodCash, nil)
	require.NoError(t, err)

	violations, err := svc.AuditInvoices(ctx, time.Time{}, 100)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestAuditInvoices_DetectsStaleBalance(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	inv := invoiceWithTotal(t, svc, repo, "900.00")

	// Sneak a payment into the journal without reconciling, the way a
	// buggy write path would.
	err := repo.InLedgerTx(ctx, func(tx billing.LedgerTx) error {
		_, err := tx.InsertPayment(ctx, billing.Payment{
			ID:            uuid.New(),
			InvoiceID:     inv.ID,
			PaidAmount:    dec("400.00"),
			PaymentMethod: billing.MethodCash,
			PaymentDate:   time.Now(),
		})
		return err
	})
	require.NoError(t, err)

	violations, err := svc.AuditInvoices(ctx, time.Time{}, 100)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{inv.ID}, violations)
}

// Events

func TestPaymentLifecycle_EmitsAuditTrail(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	inv := invoiceWithTotal(t, svc, repo, "500.00")

	_, p, err := svc.ApplyPayment(ctx, inv.ID, dec("500.00"), billing.MethodBankTransfer, nil)
	require.NoError(t, err)

	_, err = svc.ReversePayment(ctx, p.ID)
	require.NoError(t, err)

	var types []string
	for _, ev := range repo.Events() {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{
		billing.EventInvoiceCreated,
		billing.EventPaymentApplied,
		billing.EventPaymentReversed,
	}, types)
}
