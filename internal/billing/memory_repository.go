package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepository is an in-memory Repository used by tests and local
// development. A single mutex serializes ledger transactions, which is
// a stricter discipline than the per-invoice row lock the Postgres
// implementation uses, so anything correct here is correct there too.
type MemoryRepository struct {
	mu sync.RWMutex

	patients      map[uuid.UUID]Patient
	appointments  map[uuid.UUID]Appointment
	services      map[uuid.UUID]CatalogService
	lines         map[uuid.UUID][]ServiceLine
	invoices      map[uuid.UUID]Invoice
	invoiceByAppt map[uuid.UUID]uuid.UUID
	payments      map[uuid.UUID]Payment
	events        []EventLog
	nextEventID   int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients:      make(map[uuid.UUID]Patient),
		appointments:  make(map[uuid.UUID]Appointment),
		services:      make(map[uuid.UUID]CatalogService),
		lines:         make(map[uuid.UUID][]ServiceLine),
		invoices:      make(map[uuid.UUID]Invoice),
		invoiceByAppt: make(map[uuid.UUID]uuid.UUID),
		payments:      make(map[uuid.UUID]Payment),
	}
}

// Seed helpers

func (r *MemoryRepository) SeedPatient(p Patient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[p.ID] = p
}

func (r *MemoryRepository) SeedAppointment(a Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appointments[a.ID] = a
}

func (r *MemoryRepository) SeedService(s CatalogService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[s.ID] = s
}

// Events returns a copy of the audit trail, oldest first.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EventLog, len(r.events))
	copy(out, r.events)
	return out
}

// Interface methods

func (r *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) GetServiceByID(_ context.Context, id uuid.UUID) (*CatalogService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) GetServiceByCode(_ context.Context, code string) (*CatalogService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.services {
		if s.Code == code {
			out := s
			return &out, nil
		}
	}
	return nil, ErrServiceNotFound
}

func (r *MemoryRepository) ListServices(_ context.Context) ([]CatalogService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]CatalogService, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *MemoryRepository) InsertServiceLine(_ context.Context, line ServiceLine) (*ServiceLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.lines[line.AppointmentID] {
		if existing.ServiceID == line.ServiceID {
			return nil, ErrDuplicateServiceLine
		}
	}

	line.CreatedAt = time.Now()
	r.lines[line.AppointmentID] = append(r.lines[line.AppointmentID], line)
	return &line, nil
}

func (r *MemoryRepository) DeleteServiceLine(_ context.Context, appointmentID, serviceID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines := r.lines[appointmentID]
	for i, l := range lines {
		if l.ServiceID == serviceID {
			r.lines[appointmentID] = append(lines[:i], lines[i+1:]...)
			return nil
		}
	}
	return ErrServiceLineNotFound
}

func (r *MemoryRepository) ListServiceLines(_ context.Context, appointmentID uuid.UUID) ([]ServiceLine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lines := r.lines[appointmentID]
	out := make([]ServiceLine, len(lines))
	copy(out, lines)
	return out, nil
}

func (r *MemoryRepository) InsertInvoice(_ context.Context, inv Invoice) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.invoiceByAppt[inv.AppointmentID]; exists {
		return nil, ErrDuplicateInvoice
	}

	now := time.Now()
	inv.IssuedAt = now
	inv.UpdatedAt = now
	r.invoices[inv.ID] = inv
	r.invoiceByAppt[inv.AppointmentID] = inv.ID
	return &inv, nil
}

func (r *MemoryRepository) GetInvoiceByID(_ context.Context, id uuid.UUID) (*Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, ok := r.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return &inv, nil
}

func (r *MemoryRepository) GetInvoiceByAppointment(_ context.Context, appointmentID uuid.UUID) (*Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.invoiceByAppt[appointmentID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	inv := r.invoices[id]
	return &inv, nil
}

func (r *MemoryRepository) CancelInvoice(_ context.Context, id uuid.UUID) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	if inv.Status == StatusCancelled {
		return nil, ErrInvoiceCancelled
	}

	now := time.Now()
	inv.Status = StatusCancelled
	inv.CancelledAt = &now
	inv.UpdatedAt = now
	r.invoices[id] = inv
	return &inv, nil
}

func (r *MemoryRepository) ListInvoicesByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []Invoice
	for _, inv := range r.invoices {
		if inv.PatientID == patientID {
			all = append(all, inv)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].IssuedAt.After(all[j].IssuedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (r *MemoryRepository) ListInvoicesUpdatedSince(_ context.Context, since time.Time, limit int) ([]Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []Invoice
	for _, inv := range r.invoices {
		if !inv.UpdatedAt.Before(since) {
			all = append(all, inv)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.Before(all[j].UpdatedAt) })

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryRepository) GetPaymentByID(_ context.Context, id uuid.UUID) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) ListPaymentsByInvoice(_ context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.paymentsForInvoiceLocked(invoiceID), nil
}

func (r *MemoryRepository) paymentsForInvoiceLocked(invoiceID uuid.UUID) []Payment {
	var out []Payment
	for _, p := range r.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// InLedgerTx serializes all ledger transactions behind the store mutex
// and restores a snapshot of invoices and payments if fn fails, so a
// failed apply/reverse leaves no partial state, same as a rolled back
// database transaction.
func (r *MemoryRepository) InLedgerTx(_ context.Context, fn func(tx LedgerTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	invoicesBefore := make(map[uuid.UUID]Invoice, len(r.invoices))
	for k, v := range r.invoices {
		invoicesBefore[k] = v
	}
	paymentsBefore := make(map[uuid.UUID]Payment, len(r.payments))
	for k, v := range r.payments {
		paymentsBefore[k] = v
	}

	if err := fn(&memLedgerTx{repo: r}); err != nil {
		r.invoices = invoicesBefore
		r.payments = paymentsBefore
		return err
	}

	return nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextEventID++
	ev.ID = r.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.events = append(r.events, ev)
	return nil
}

// memLedgerTx runs with the repository mutex already held by InLedgerTx.
type memLedgerTx struct {
	repo *MemoryRepository
}

func (t *memLedgerTx) InvoiceForUpdate(_ context.Context, id uuid.UUID) (*Invoice, error) {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return &inv, nil
}

func (t *memLedgerTx) InsertPayment(_ context.Context, p Payment) (*Payment, error) {
	p.CreatedAt = time.Now()
	t.repo.payments[p.ID] = p
	return &p, nil
}

func (t *memLedgerTx) DeletePayment(_ context.Context, id uuid.UUID) (*Payment, error) {
	p, ok := t.repo.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	delete(t.repo.payments, id)
	return &p, nil
}

func (t *memLedgerTx) PaidTotal(_ context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, p := range t.repo.paymentsForInvoiceLocked(invoiceID) {
		total = total.Add(p.PaidAmount)
	}
	return total, nil
}

func (t *memLedgerTx) SaveReconciliation(_ context.Context, invoiceID uuid.UUID, amountDue decimal.Decimal, status InvoiceStatus) (*Invoice, error) {
	inv, ok := t.repo.invoices[invoiceID]
	if !ok {
		return nil, fmt.Errorf("%w: invoice %s vanished during reconciliation", ErrLedgerInconsistent, invoiceID)
	}

	inv.AmountDue = amountDue
	inv.Status = status
	inv.UpdatedAt = time.Now()
	t.repo.invoices[invoiceID] = inv
	return &inv, nil
}
