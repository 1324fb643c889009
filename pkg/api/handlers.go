package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/commentable/billingd/pkg/billing"
	"github.com/commentable/billingd/pkg/gateway"
	"github.com/commentable/billingd/pkg/httputil"
)

// writeBillingError maps service errors onto HTTP status codes.
func writeBillingError(w http.ResponseWriter, err error) {
	var precondition *billing.PreconditionError
	var gatewayErr *billing.GatewayError
	switch {
	case errors.As(err, &precondition):
		httputil.WriteConflict(w, precondition.Msg)
	case billing.IsNotFound(err):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.As(err, &gatewayErr):
		httputil.WriteErrorMessage(w, http.StatusPaymentRequired, gatewayErr.Error())
	case billing.IsTransient(err):
		httputil.WriteErrorMessage(w, http.StatusGatewayTimeout, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}

// IssueCredential tokenizes card details and stores the credential.
func (s *Server) IssueCredential(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var card gateway.CardDetails
	if !httputil.ParseJSONOrError(w, r, &card) {
		return
	}
	if card.Number == "" {
		httputil.WriteBadRequest(w, "card number is required")
		return
	}

	cred, err := s.credentials.Issue(r.Context(), tenantID, card)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteCreated(w, cred)
}

// GetCredential returns the tenant's active credential.
func (s *Server) GetCredential(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	cred, err := s.credentials.Get(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, cred)
}

// DeleteCredential retires the tenant's active credential.
func (s *Server) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	deleted, err := s.credentials.Delete(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	if !deleted {
		httputil.WriteNotFoundError(w, "no active credential")
		return
	}
	httputil.WriteNoContent(w)
}

// ValidateCredential round-trips to the gateway to confirm the credential is
// usable.
func (s *Server) ValidateCredential(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	valid, err := s.credentials.Validate(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"valid": valid})
}

type startSubscriptionRequest struct {
	Plan  billing.PlanID       `json:"plan"`
	Cycle billing.BillingCycle `json:"cycle"`
}

// StartSubscription begins a paid subscription with an immediate first
// charge.
func (s *Server) StartSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req startSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Plan == "" {
		httputil.WriteBadRequest(w, "plan is required")
		return
	}
	if req.Cycle == "" {
		req.Cycle = billing.CycleMonthly
	}

	sub, err := s.lifecycle.Start(r.Context(), tenantID, req.Plan, req.Cycle)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteCreated(w, sub)
}

// GetSubscription returns the tenant's most recent subscription.
func (s *Server) GetSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	sub, err := s.store.SubscriptionByTenant(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// CancelSubscription cancels the tenant's active subscription. Idempotent;
// a second call returns cancelled=false.
func (s *Server) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	cancelled, err := s.lifecycle.Cancel(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"cancelled": cancelled})
}

type changePlanRequest struct {
	Plan billing.PlanID `json:"plan"`
}

// ChangePlan moves the subscription to a new plan, charging any prorated
// upgrade difference.
func (s *Server) ChangePlan(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req changePlanRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Plan == "" {
		httputil.WriteBadRequest(w, "plan is required")
		return
	}

	sub, err := s.lifecycle.ChangePlan(r.Context(), tenantID, req.Plan)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// ReactivateSubscription restarts a cancelled or past-due subscription.
func (s *Server) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	sub, err := s.lifecycle.Reactivate(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// ListPayments returns the tenant's payment history, newest first.
func (s *Server) ListPayments(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil || limit <= 0 || limit > 500 {
		httputil.WriteBadRequest(w, "limit must be between 1 and 500")
		return
	}

	payments, err := s.store.ListPayments(r.Context(), tenantID, limit)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	if payments == nil {
		payments = []*billing.Payment{}
	}
	httputil.WriteSuccess(w, payments)
}

// RetryPayment re-fetches gateway state for one transaction, recovering from
// lost webhooks.
func (s *Server) RetryPayment(w http.ResponseWriter, r *http.Request) {
	transactionID, ok := httputil.ParsePathStringOrError(w, r, "transaction_id")
	if !ok {
		return
	}

	payment, err := s.reconciler.Retry(r.Context(), transactionID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, payment)
}

// ListPlans returns the plan catalog.
func (s *Server) ListPlans(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, billing.AllPlans)
}

// webhookSignatureHeader carries the gateway's HMAC signature.
const webhookSignatureHeader = "X-Webhook-Signature"

// HandleWebhook processes a gateway payment notification. Replays and
// notifications for unknown payments are acknowledged with 200 so the
// gateway stops redelivering; signature failures get 401 and malformed
// payloads 400.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	err = s.reconciler.ProcessNotification(r.Context(), body, r.Header.Get(webhookSignatureHeader))
	if err != nil {
		var security *billing.SecurityError
		switch {
		case errors.As(err, &security):
			httputil.WriteUnauthorized(w, security.Msg)
		case errors.Is(err, billing.ErrMalformedNotification):
			httputil.WriteBadRequest(w, err.Error())
		default:
			// Reconciliation failed midway; a non-2xx answer makes the
			// gateway redeliver, which is what we want.
			httputil.WriteInternalError(w, err)
		}
		return
	}
	httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}
