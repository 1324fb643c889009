package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/commentable/billingd/pkg/gateway"
	"github.com/commentable/billingd/pkg/observability"
)

// ErrMalformedNotification reports an unparseable or incomplete webhook
// payload.
var ErrMalformedNotification = errors.New("malformed payment notification")

const terminalCacheSize = 4096

// Notification is the webhook payload the gateway posts on payment state
// changes. It is treated as a trigger only: the status field is advisory and
// the authoritative state is always re-fetched from the gateway.
type Notification struct {
	TransactionID string `json:"transaction_id"`
	MerchantRef   string `json:"merchant_ref"`
	Status        string `json:"status"`
}

// ReconcilerConfig controls webhook verification and the suspension policy.
type ReconcilerConfig struct {
	// Secret is the shared HMAC key for webhook signatures.
	Secret string
	// VerifySignatures disables signature checks when false, for local
	// development only.
	VerifySignatures bool
	// SuspendThreshold is the number of FAILED payments within SuspendWindow
	// that suspends a tenant's billing.
	SuspendThreshold int
	// SuspendWindow is the trailing window for counting failures.
	SuspendWindow time.Duration
}

// Reconciler resolves payment state from gateway notifications and manual
// retries. Processing is idempotent: replayed notifications for payments
// already in a terminal state are dropped before any cascade runs.
type Reconciler struct {
	store   Store
	gw      gateway.Gateway
	locks   *TenantLocks
	log     *observability.Logger
	metrics *observability.Metrics
	cfg     ReconcilerConfig
	now     func() time.Time

	// terminal caches transaction ids already resolved to a terminal state,
	// short-circuiting webhook replays without a database read.
	terminal *lru.Cache[string, struct{}]
}

// NewReconciler creates a Reconciler.
func NewReconciler(store Store, gw gateway.Gateway, locks *TenantLocks, log *observability.Logger, metrics *observability.Metrics, cfg ReconcilerConfig) *Reconciler {
	cache, _ := lru.New[string, struct{}](terminalCacheSize)
	return &Reconciler{
		store:    store,
		gw:       gw,
		locks:    locks,
		log:      log.WithField("component", "reconciler"),
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
		terminal: cache,
	}
}

// VerifySignature checks the webhook HMAC-SHA256 signature header against
// the raw body. The expected format is "sha256=<hex digest>".
func (r *Reconciler) VerifySignature(body []byte, signature string) error {
	if !r.cfg.VerifySignatures {
		return nil
	}
	if signature == "" {
		return &SecurityError{Msg: "missing webhook signature"}
	}
	mac := hmac.New(sha256.New, []byte(r.cfg.Secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return &SecurityError{Msg: "invalid webhook signature"}
	}
	return nil
}

// ProcessNotification handles one webhook delivery. Unknown payments and
// replays are silent no-ops so the gateway stops redelivering; malformed
// payloads and bad signatures are surfaced for rejection.
func (r *Reconciler) ProcessNotification(ctx context.Context, body []byte, signature string) error {
	if err := r.VerifySignature(body, signature); err != nil {
		r.count("rejected_signature")
		return err
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		r.count("malformed")
		return fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if n.MerchantRef == "" && n.TransactionID == "" {
		r.count("malformed")
		return fmt.Errorf("%w: no merchant_ref or transaction_id", ErrMalformedNotification)
	}

	if n.TransactionID != "" && r.terminal.Contains(n.TransactionID) {
		r.count("replay")
		return nil
	}

	payment, err := r.lookup(ctx, n)
	if err != nil {
		if IsNotFound(err) {
			// Not ours, or the write that created it raced the webhook.
			// Acknowledge so the gateway stops retrying.
			r.log.WithFields(map[string]interface{}{
				"merchant_ref":   n.MerchantRef,
				"transaction_id": n.TransactionID,
			}).Warn("notification for unknown payment dropped")
			r.count("unknown")
			return nil
		}
		return err
	}

	return r.reconcile(ctx, payment, n.TransactionID)
}

// Retry re-fetches gateway state for a transaction on demand, typically for
// a payment stuck PENDING after a timeout. Unlike webhook processing, an
// unknown transaction is an error the caller sees.
func (r *Reconciler) Retry(ctx context.Context, transactionID string) (*Payment, error) {
	payment, err := r.store.PaymentByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := r.reconcile(ctx, payment, transactionID); err != nil {
		return nil, err
	}
	return r.store.PaymentByTransactionID(ctx, transactionID)
}

func (r *Reconciler) lookup(ctx context.Context, n Notification) (*Payment, error) {
	if n.MerchantRef != "" {
		p, err := r.store.PaymentByMerchantRef(ctx, n.MerchantRef)
		if err == nil || !IsNotFound(err) {
			return p, err
		}
	}
	if n.TransactionID != "" {
		return r.store.PaymentByTransactionID(ctx, n.TransactionID)
	}
	return nil, &NotFoundError{Resource: "payment", Ref: n.MerchantRef}
}

// reconcile re-reads the payment under the tenant lock, fetches the
// authoritative gateway status, and applies the status plus any cascades.
func (r *Reconciler) reconcile(ctx context.Context, payment *Payment, hintTransactionID string) error {
	release := r.locks.Acquire(payment.TenantID)
	defer release()

	// Fresh read; another notification may have settled this payment while
	// we waited on the lock.
	payment, err := r.store.PaymentByMerchantRef(ctx, payment.MerchantRef)
	if err != nil {
		return err
	}
	if payment.Status.Terminal() {
		if payment.TransactionID != "" {
			r.terminal.Add(payment.TransactionID, struct{}{})
		}
		r.count("replay")
		return nil
	}

	txID := payment.TransactionID
	if txID == "" {
		txID = hintTransactionID
	}
	if txID == "" {
		// A PENDING payment with no transaction id cannot be resolved yet.
		r.count("unresolvable")
		return nil
	}

	status, err := r.gw.GetPaymentStatus(ctx, txID)
	if err != nil {
		r.count("gateway_error")
		return &GatewayError{Op: "get payment status", Err: err}
	}

	log := r.log.WithTenant(payment.TenantID).WithFields(map[string]interface{}{
		"merchant_ref":   payment.MerchantRef,
		"transaction_id": txID,
		"status":         status.Status,
	})

	payment.TransactionID = txID
	switch status.Status {
	case gateway.StatusPaid:
		payment.Status = PaymentStatusPaid
		if status.PaidAt != nil {
			payment.PaidAt = status.PaidAt
		} else {
			now := r.now()
			payment.PaidAt = &now
		}
	case gateway.StatusFailed:
		payment.Status = PaymentStatusFailed
		payment.FailureReason = status.FailReason
	case gateway.StatusCancelled:
		payment.Status = PaymentStatusCanceled
	case gateway.StatusPartialCancelled:
		payment.Status = PaymentStatusPartialCanceled
	default:
		// Still pending at the gateway; nothing to settle.
		log.Debug("payment still pending at gateway")
		r.count("pending")
		return nil
	}

	if err := r.store.UpdatePayment(ctx, payment); err != nil {
		return err
	}
	r.terminal.Add(txID, struct{}{})

	switch payment.Status {
	case PaymentStatusPaid:
		if err := r.cascadePaid(ctx, payment); err != nil {
			return err
		}
		r.count("paid")
		log.Info("payment reconciled as paid")
	case PaymentStatusFailed:
		if err := r.cascadeFailed(ctx, payment); err != nil {
			return err
		}
		r.count("failed")
		log.Info("payment reconciled as failed")
	default:
		r.count("cancelled")
		log.Info("payment reconciled as cancelled")
	}
	return nil
}

// cascadePaid restores billing state after a confirmed payment: a PAST_DUE
// subscription becomes ACTIVE again and the schedule records the charge.
func (r *Reconciler) cascadePaid(ctx context.Context, payment *Payment) error {
	sub, err := r.store.SubscriptionByTenant(ctx, payment.TenantID)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if sub.Status == SubscriptionStatusPastDue {
		sub.Status = SubscriptionStatusActive
		if err := r.store.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		r.log.WithTenant(payment.TenantID).Info("subscription restored to active")
	}

	if payment.ScheduleID == nil {
		return nil
	}
	sched, err := r.store.ScheduleByID(ctx, *payment.ScheduleID)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	paidAt := payment.PaidAt
	if paidAt == nil {
		now := r.now()
		paidAt = &now
	}
	sched.LastChargeAt = paidAt
	return r.store.UpdateSchedule(ctx, sched)
}

// cascadeFailed applies the suspension policy: enough failures inside the
// trailing window move the subscription to PAST_DUE and suspend its
// schedule so the sweep stops retrying a dead card.
func (r *Reconciler) cascadeFailed(ctx context.Context, payment *Payment) error {
	if r.cfg.SuspendThreshold <= 0 {
		return nil
	}
	since := r.now().Add(-r.cfg.SuspendWindow)
	failures, err := r.store.CountFailedPayments(ctx, payment.TenantID, since)
	if err != nil {
		return err
	}
	if failures < r.cfg.SuspendThreshold {
		return nil
	}

	sub, err := r.store.ActiveSubscription(ctx, payment.TenantID)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	sub.Status = SubscriptionStatusPastDue
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	if sched, err := r.store.ScheduleBySubscription(ctx, sub.ID); err == nil {
		sched.Status = ScheduleStatusSuspended
		if err := r.store.UpdateSchedule(ctx, sched); err != nil {
			return err
		}
	} else if !IsNotFound(err) {
		return err
	}

	if r.metrics != nil {
		r.metrics.SuspensionsTotal.Inc()
	}
	r.log.WithTenant(payment.TenantID).WithField("failures", failures).
		Warn("subscription suspended after repeated payment failures")
	return nil
}

func (r *Reconciler) count(outcome string) {
	if r.metrics != nil {
		r.metrics.WebhookEventsTotal.WithLabelValues(outcome).Inc()
	}
}
