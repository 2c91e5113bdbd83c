package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	redisclient "github.com/clinicore/clinic-billing/internal/redis"
)

const (
	EventInvoiceCreated   = "INVOICE_CREATED"
	EventInvoiceCancelled = "INVOICE_CANCELLED"
	EventPaymentApplied   = "PAYMENT_APPLIED"
	EventPaymentReversed  = "PAYMENT_REVERSED"
)

type Service struct {
	repo   Repository
	locker redisclient.Locker
}

func NewService(repo Repository, locker redisclient.Locker) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
	}
}

// AttachService records a service line against an appointment, capturing
// the catalog price at attach time. Later catalog price changes never
// touch the snapshot.
func (s *Service) AttachService(ctx context.Context, appointmentID, serviceID uuid.UUID, quantity int) (*ServiceLine, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	if _, err := s.repo.GetAppointmentByID(ctx, appointmentID); err != nil {
		return nil, err
	}

	svc, err := s.repo.GetServiceByID(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	line, err := s.repo.InsertServiceLine(ctx, ServiceLine{
		AppointmentID: appointmentID,
		ServiceID:     serviceID,
		Quantity:      quantity,
		PriceAtTime:   svc.Price,
	})
	if err != nil {
		return nil, fmt.Errorf("insert service line: %w", err)
	}

	return line, nil
}

// DetachService removes a line from an appointment. Corrections are
// modeled as detach + re-attach and are only possible before the
// appointment has been invoiced; an invoice total is a snapshot and is
// never recomputed.
func (s *Service) DetachService(ctx context.Context, appointmentID, serviceID uuid.UUID) error {
	_, err := s.repo.GetInvoiceByAppointment(ctx, appointmentID)
	if err == nil {
		return ErrInvoiceAlreadyIssued
	}
	if !errors.Is(err, ErrInvoiceNotFound) {
		return fmt.Errorf("check invoice: %w", err)
	}

	return s.repo.DeleteServiceLine(ctx, appointmentID, serviceID)
}

// CreateInvoice materializes the invoice for an appointment exactly
// once. The total is the sum of quantity × price snapshot over the
// appointment's current lines; an appointment with no lines produces a
// zero-total invoice that is paid from the start.
func (s *Service) CreateInvoice(ctx context.Context, appointmentID uuid.UUID) (*Invoice, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.GetInvoiceByAppointment(ctx, appointmentID); err == nil {
		return nil, ErrDuplicateInvoice
	} else if !errors.Is(err, ErrInvoiceNotFound) {
		return nil, fmt.Errorf("check existing invoice: %w", err)
	}

	lines, err := s.repo.ListServiceLines(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("load service lines: %w", err)
	}

	total := LineTotal(lines)
	status := StatusPending
	if total.Sign() == 0 {
		status = StatusPaid
	}

	inv, err := s.repo.InsertInvoice(ctx, Invoice{
		ID:            uuid.New(),
		AppointmentID: appointmentID,
		PatientID:     appt.PatientID,
		TotalAmount:   total,
		AmountDue:     total,
		Status:        status,
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, inv.ID, EventInvoiceCreated, map[string]any{
		"appointment_id": appointmentID.String(),
		"total_amount":   total.String(),
	})

	return inv, nil
}

// ApplyPayment appends a journal entry and reconciles the invoice in
// the same transaction. Concurrent applies against one invoice are
// serialized: the advisory lock keeps writers from piling up, and the
// row lock inside the transaction is what guarantees the aggregate in
// the reconciliation reflects every committed payment.
func (s *Service) ApplyPayment(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal, method PaymentMethod, reference *string) (*Invoice, *Payment, error) {
	if !amount.IsPositive() {
		return nil, nil, ErrNonPositiveAmount
	}
	if _, err := ParsePaymentMethod(string(method)); err != nil {
		return nil, nil, err
	}

	var (
		updated *Invoice
		applied *Payment
	)

	err := s.locker.WithInvoiceLock(ctx, invoiceID, func(lockCtx context.Context) error {
		return s.repo.InLedgerTx(lockCtx, func(tx LedgerTx) error {
			inv, err := tx.InvoiceForUpdate(lockCtx, invoiceID)
			if err != nil {
				return err
			}
			if inv.Status == StatusCancelled {
				return ErrInvoiceCancelled
			}

			p, err := tx.InsertPayment(lockCtx, Payment{
				ID:            uuid.New(),
				InvoiceID:     invoiceID,
				PaidAmount:    amount,
				PaymentMethod: method,
				PaymentDate:   time.Now(),
				Reference:     reference,
			})
			if err != nil {
				return fmt.Errorf("insert payment: %w", err)
			}

			paidTotal, err := tx.PaidTotal(lockCtx, invoiceID)
			if err != nil {
				return fmt.Errorf("sum payments: %w", err)
			}

			due, status := Reconcile(inv.TotalAmount, paidTotal)
			reconciled, err := tx.SaveReconciliation(lockCtx, invoiceID, due, status)
			if err != nil {
				return err
			}

			updated = reconciled
			applied = p
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, nil, ErrInvoiceBusy
		}
		return nil, nil, err
	}

	s.logEvent(ctx, invoiceID, EventPaymentApplied, map[string]any{
		"payment_id":  applied.ID.String(),
		"paid_amount": applied.PaidAmount.String(),
		"method":      string(applied.PaymentMethod),
		"amount_due":  updated.AmountDue.String(),
		"status":      string(updated.Status),
	})

	return updated, applied, nil
}

// ReversePayment removes a journal entry and reconciles the invoice it
// belonged to. Reversal on a since-cancelled invoice still removes the
// entry but leaves the terminal status untouched; recomputing would
// resurrect the invoice.
func (s *Service) ReversePayment(ctx context.Context, paymentID uuid.UUID) (*Invoice, error) {
	p, err := s.repo.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	var updated *Invoice

	err = s.locker.WithInvoiceLock(ctx, p.InvoiceID, func(lockCtx context.Context) error {
		return s.repo.InLedgerTx(lockCtx, func(tx LedgerTx) error {
			inv, err := tx.InvoiceForUpdate(lockCtx, p.InvoiceID)
			if err != nil {
				if errors.Is(err, ErrInvoiceNotFound) {
					return fmt.Errorf("%w: payment %s references missing invoice %s",
						ErrLedgerInconsistent, paymentID, p.InvoiceID)
				}
				return err
			}

			removed, err := tx.DeletePayment(lockCtx, paymentID)
			if err != nil {
				return err
			}

			if inv.Status == StatusCancelled {
				updated = inv
				return nil
			}

			paidTotal, err := tx.PaidTotal(lockCtx, removed.InvoiceID)
			if err != nil {
				return fmt.Errorf("sum payments: %w", err)
			}

			due, status := Reconcile(inv.TotalAmount, paidTotal)
			reconciled, err := tx.SaveReconciliation(lockCtx, removed.InvoiceID, due, status)
			if err != nil {
				return err
			}

			updated = reconciled
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrInvoiceBusy
		}
		return nil, err
	}

	s.logEvent(ctx, p.InvoiceID, EventPaymentReversed, map[string]any{
		"payment_id":  paymentID.String(),
		"paid_amount": p.PaidAmount.String(),
		"amount_due":  updated.AmountDue.String(),
		"status":      string(updated.Status),
	})

	return updated, nil
}

// CancelInvoice is the administrative terminal transition. It is the
// only status write that does not go through reconciliation.
func (s *Service) CancelInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := s.repo.CancelInvoice(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, inv.ID, EventInvoiceCancelled, map[string]any{
		"amount_due_at_cancel": inv.AmountDue.String(),
	})

	return inv, nil
}

// GetInvoice retrieves an invoice hydrated with its payment journal.
func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*InvoiceDetail, error) {
	inv, err := s.repo.GetInvoiceByID(ctx, id)
	if err != nil {
		return nil, err
	}

	payments, err := s.repo.ListPaymentsByInvoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load payments: %w", err)
	}

	return &InvoiceDetail{Invoice: *inv, Payments: payments}, nil
}

// ListInvoicesByPatient retrieves invoices for a specific patient
func (s *Service) ListInvoicesByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Invoice, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	invoices, err := s.repo.ListInvoicesByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list invoices by patient: %w", err)
	}
	return invoices, nil
}

// ListServices returns the price catalog.
func (s *Service) ListServices(ctx context.Context) ([]CatalogService, error) {
	return s.repo.ListServices(ctx)
}

// AuditInvoices is intended to be called by the worker periodically. It
// recomputes every recently touched invoice's balance from the journal
// and reports invoices whose stored state contradicts it.
func (s *Service) AuditInvoices(ctx context.Context, since time.Time, limit int) ([]uuid.UUID, error) {
	invoices, err := s.repo.ListInvoicesUpdatedSince(ctx, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list invoices for audit: %w", err)
	}

	var violations []uuid.UUID
	for _, inv := range invoices {
		if inv.Status == StatusCancelled {
			continue
		}

		payments, err := s.repo.ListPaymentsByInvoice(ctx, inv.ID)
		if err != nil {
			log.Printf("audit: failed to load payments for invoice %s: %v", inv.ID, err)
			continue
		}

		paidTotal := decimal.Zero
		for _, p := range payments {
			paidTotal = paidTotal.Add(p.PaidAmount)
		}

		due, status := Reconcile(inv.TotalAmount, paidTotal)
		if !due.Equal(inv.AmountDue) || status != inv.Status {
			log.Printf("audit: %v: invoice %s stored due=%s status=%s, journal says due=%s status=%s",
				ErrLedgerInconsistent, inv.ID, inv.AmountDue, inv.Status, due, status)
			violations = append(violations, inv.ID)
		}
	}

	return violations, nil
}

func (s *Service) logEvent(ctx context.Context, invoiceID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal event payload for %s: %v", eventType, err)
		data = nil
	}

	invID := invoiceID

	ev := EventLog{
		EventType: eventType,
		InvoiceID: &invID,
		Payload:   data,
		CreatedAt: time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		log.Printf("failed to insert event log %s for invoice %s: %v", eventType, invoiceID, err)
	}
}
