package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/clinicore/clinic-billing/internal/billing"
)

type RouterConfig struct {
	Service *billing.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Catalog
	r.Get("/services", listServicesHandler(cfg.Service))

	// Appointment service lines
	r.Post("/appointments/{id}/services", attachServiceHandler(cfg.Service))
	r.Delete("/appointments/{id}/services/{serviceID}", detachServiceHandler(cfg.Service))

	// Invoices
	r.Post("/invoices", createInvoiceHandler(cfg.Service))
	r.Get("/invoices", listInvoicesHandler(cfg.Service))
	r.Get("/invoices/{id}", getInvoiceHandler(cfg.Service))
	r.Post("/invoices/{id}/cancel", cancelInvoiceHandler(cfg.Service))

	// Payment journal
	r.Post("/invoices/{id}/payments", applyPaymentHandler(cfg.Service))
	r.Delete("/payments/{id}", reversePaymentHandler(cfg.Service))

	return r
}
