package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinic-billing/internal/billing"
)

type AttachServiceRequest struct {
	ServiceID string `json:"service_id"`
	Quantity  int    `json:"quantity"`
}

type CreateInvoiceRequest struct {
	AppointmentID string `json:"appointment_id"`
}

type ApplyPaymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Reference *string         `json:"reference,omitempty"`
}

type ServiceLineResponse struct {
	AppointmentID uuid.UUID       `json:"appointment_id"`
	ServiceID     uuid.UUID       `json:"service_id"`
	Quantity      int             `json:"quantity"`
	PriceAtTime   decimal.Decimal `json:"price_at_time"`
}

type InvoiceResponse struct {
	ID            uuid.UUID       `json:"id"`
	AppointmentID uuid.UUID       `json:"appointment_id"`
	PatientID     uuid.UUID       `json:"patient_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AmountDue     decimal.Decimal `json:"amount_due"`
	Status        string          `json:"status"`
	IssuedAt      time.Time       `json:"issued_at"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
}

type PaymentResponse struct {
	ID          uuid.UUID       `json:"id"`
	InvoiceID   uuid.UUID       `json:"invoice_id"`
	PaidAmount  decimal.Decimal `json:"paid_amount"`
	Method      string          `json:"method"`
	PaymentDate time.Time       `json:"payment_date"`
	Reference   *string         `json:"reference,omitempty"`
}

type InvoiceDetailResponse struct {
	InvoiceResponse
	Payments []PaymentResponse `json:"payments"`
}

type ApplyPaymentResponse struct {
	Invoice InvoiceResponse `json:"invoice"`
	Payment PaymentResponse `json:"payment"`
}

type CatalogServiceResponse struct {
	ID              uuid.UUID       `json:"id"`
	Code            string          `json:"code"`
	Name            string          `json:"name"`
	Price           decimal.Decimal `json:"price"`
	DurationMinutes int             `json:"duration_minutes"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toInvoiceResponse(inv *billing.Invoice) InvoiceResponse {
	return InvoiceResponse{
		ID:            inv.ID,
		AppointmentID: inv.AppointmentID,
		PatientID:     inv.PatientID,
		TotalAmount:   inv.TotalAmount,
		AmountDue:     inv.AmountDue,
		Status:        string(inv.Status),
		IssuedAt:      inv.IssuedAt,
		CancelledAt:   inv.CancelledAt,
	}
}

func toPaymentResponse(p *billing.Payment) PaymentResponse {
	return PaymentResponse{
		ID:          p.ID,
		InvoiceID:   p.InvoiceID,
		PaidAmount:  p.PaidAmount,
		Method:      string(p.PaymentMethod),
		PaymentDate: p.PaymentDate,
		Reference:   p.Reference,
	}
}
