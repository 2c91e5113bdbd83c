package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinicore/clinic-billing/internal/billing"
)

func attachServiceHandler(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req AttachServiceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		serviceID, err := uuid.Parse(req.ServiceID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_service_id", "service_id must be a valid UUID")
			return
		}

		line, err := svc.AttachService(r.Context(), appointmentID, serviceID, req.Quantity)
		if err != nil {
			handleBillingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, ServiceLineResponse{
			AppointmentID: line.AppointmentID,
			ServiceID:     line.ServiceID,
			Quantity:      line.Quantity,
			PriceAtTime:   line.PriceAtTime,
		})
	}
}

func detachServiceHandler(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		serviceID, err := uuid.Parse(chi.URLParam(r, "serviceID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_service_id", "serviceID must be a valid UUID")
			return
		}

		if err := svc.DetachService(r.Context(), appointmentID, serviceID); err != nil {
			handleBillingError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func createInvoiceHandler(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateInvoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appointmentID, err := uuid.Parse(req.AppointmentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
			return
		}

		inv, err := svc.CreateInvoice(r.Context(), appointmentID)
		if err != nil {
			handleBillingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toInvoiceResponse(inv))
	}
}

func getInvoiceHandler(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_invoice_id", "id must be a valid UUID")
			return
		}

		detail, err := svc.GetInvoice(r.Context(), id)
		if err != nil {
			handleBillingError(w, err)
			return
		}

		resp := InvoiceDetailResponse{
			InvoiceResponse: toInvoiceResponse(&detail.Invoice),
			Payments:        make([]PaymentResponse, 0, len(detail.Payments)),
		}
		for i := range detail.Payments {
			resp.Payments = append(resp.Payments, toPaymentResponse(&detail.Payments[i]))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func listInvoicesHandler(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, err := uuid.Parse(r.URL.Query().Get("patient_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		invoices, err := svc.ListInvoicesByPatient(r.Context(), patientID, limit, offset)
		if err != nil {
			handleBillingError(w, err)
			return
		}

		resp := make([]InvoiceResponse, 0, len(invoices))
		for i := range invoices {
			resp = append(resp, toInvoiceResponse(&invoices[i]))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func applyPaymentHandler(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		invoiceID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_invoice_id", "id must be a valid UUID")
			return
		}

		var req ApplyPaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		method, err := billing.ParsePaymentMethod(req.Method)
		if err != nil {
			handleBillingError(w, err)
			return
		}

		inv, payment, err := svc.ApplyPayment(r.Context(), invoiceID, req.Amount, method, req.Reference)
		if err != nil {
			handleBillingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, ApplyPaymentResponse{
			Invoice: toInvoiceResponse(inv),
			Payment: toPaymentResponse(payment),
		})
	}
}

func reversePaymentHandler(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paymentID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payment_id", "id must be a valid UUID")
			return
		}

		inv, err := svc.ReversePayment(r.Context(), paymentID)
		if err != nil {
			handleBillingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
	}
}

func cancelInvoiceHandler(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_invoice_id", "id must be a valid UUID")
			return
		}

		inv, err := svc.CancelInvoice(r.Context(), id)
		if err != nil {
			handleBillingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
	}
}

func listServicesHandler(svc *billing.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services, err := svc.ListServices(r.Context())
		if err != nil {
			handleBillingError(w, err)
			return
		}

		resp := make([]CatalogServiceResponse, 0, len(services))
		for _, s := range services {
			resp = append(resp, CatalogServiceResponse{
				ID:              s.ID,
				Code:            s.Code,
				Name:            s.Name,
				Price:           s.Price,
				DurationMinutes: s.DurationMinutes,
			})
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func handleBillingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrNonPositiveAmount):
		writeError(w, http.StatusBadRequest, "non_positive_amount", err.Error())
	case errors.Is(err, billing.ErrInvalidPaymentMethod):
		writeError(w, http.StatusBadRequest, "invalid_payment_method", err.Error())
	case errors.Is(err, billing.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, "invalid_quantity", err.Error())
	case errors.Is(err, billing.ErrDuplicateInvoice):
		writeError(w, http.StatusConflict, "invoice_already_exists", err.Error())
	case errors.Is(err, billing.ErrDuplicateServiceLine):
		writeError(w, http.StatusConflict, "service_already_attached", err.Error())
	case errors.Is(err, billing.ErrInvoiceCancelled):
		writeError(w, http.StatusConflict, "invoice_cancelled", err.Error())
	case errors.Is(err, billing.ErrInvoiceAlreadyIssued):
		writeError(w, http.StatusConflict, "appointment_already_invoiced", err.Error())
	case errors.Is(err, billing.ErrInvoiceBusy), errors.Is(err, billing.ErrTxConflict):
		writeError(w, http.StatusConflict, "invoice_busy", "invoice is currently being reconciled, please retry shortly")
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, billing.ErrLedgerInconsistent):
		writeError(w, http.StatusInternalServerError, "ledger_inconsistent", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
