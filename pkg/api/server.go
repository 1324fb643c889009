// Package api exposes the billing service over HTTP: credential management,
// subscription lifecycle, payment history, and the gateway webhook.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/commentable/billingd/pkg/billing"
	"github.com/commentable/billingd/pkg/httputil"
	"github.com/commentable/billingd/pkg/middleware"
	"github.com/commentable/billingd/pkg/observability"
)

// Server wires the billing services into an HTTP router.
type Server struct {
	credentials *billing.CredentialService
	lifecycle   *billing.LifecycleService
	reconciler  *billing.Reconciler
	store       billing.Store
	log         *observability.Logger
	metrics     *observability.Metrics
}

// NewServer creates an API server.
func NewServer(
	credentials *billing.CredentialService,
	lifecycle *billing.LifecycleService,
	reconciler *billing.Reconciler,
	store billing.Store,
	log *observability.Logger,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		credentials: credentials,
		lifecycle:   lifecycle,
		reconciler:  reconciler,
		store:       store,
		log:         log.WithField("component", "api"),
		metrics:     metrics,
	}
}

// Router builds the full route table with middleware applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	register := func(path, method string, h http.HandlerFunc) {
		var handler http.Handler = h
		if s.metrics != nil {
			handler = s.metrics.InstrumentHandler(path, handler)
		}
		r.Handle(path, handler).Methods(method)
	}

	// Credentials
	register("/v1/tenants/{id}/credential", http.MethodPost, s.IssueCredential)
	register("/v1/tenants/{id}/credential", http.MethodGet, s.GetCredential)
	register("/v1/tenants/{id}/credential", http.MethodDelete, s.DeleteCredential)
	register("/v1/tenants/{id}/credential/validate", http.MethodPost, s.ValidateCredential)

	// Subscriptions
	register("/v1/tenants/{id}/subscription", http.MethodPost, s.StartSubscription)
	register("/v1/tenants/{id}/subscription", http.MethodGet, s.GetSubscription)
	register("/v1/tenants/{id}/subscription/cancel", http.MethodPost, s.CancelSubscription)
	register("/v1/tenants/{id}/subscription/plan", http.MethodPut, s.ChangePlan)
	register("/v1/tenants/{id}/subscription/reactivate", http.MethodPost, s.ReactivateSubscription)

	// Payments
	register("/v1/tenants/{id}/payments", http.MethodGet, s.ListPayments)
	register("/v1/payments/{transaction_id}/retry", http.MethodPost, s.RetryPayment)

	// Plans
	register("/v1/plans", http.MethodGet, s.ListPlans)

	// Webhook, rate limited separately from the tenant-facing routes.
	webhookLimiter := middleware.NewRateLimiter(middleware.WebhookRateLimitConfig())
	var webhook http.Handler = http.HandlerFunc(s.HandleWebhook)
	if s.metrics != nil {
		webhook = s.metrics.InstrumentHandler("/v1/billing/webhook", webhook)
	}
	r.Handle("/v1/billing/webhook", webhookLimiter.Handler(webhook)).Methods(http.MethodPost)

	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.log),
		httputil.RecoveryMiddleware(s.log),
		httputil.MaxBytesMiddleware(1<<20),
	)
	return chain(r)
}
