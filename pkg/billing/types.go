package billing

import "time"

// CredentialStatus represents the status of a stored billing credential.
type CredentialStatus string

const (
	CredentialStatusActive  CredentialStatus = "ACTIVE"
	CredentialStatusDeleted CredentialStatus = "DELETED"
	CredentialStatusExpired CredentialStatus = "EXPIRED"
)

// Credential is a gateway-tokenized reference to a tenant's stored payment
// instrument. Raw card data is never persisted locally; GatewayRef is the
// opaque handle issued by the gateway. At most one credential per tenant is
// ACTIVE at any time.
type Credential struct {
	ID         int64            `json:"id"`
	TenantID   int64            `json:"tenant_id"`
	GatewayRef string           `json:"gateway_ref"`
	CardBrand  string           `json:"card_brand,omitempty"`
	CardLast4  string           `json:"card_last4,omitempty"`
	Status     CredentialStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	DeletedAt  *time.Time       `json:"deleted_at,omitempty"`
}

// SubscriptionStatus represents the status of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionStatusPastDue   SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusExpired   SubscriptionStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionStatusCancelled || s == SubscriptionStatusExpired
}

// BillingCycle is the recurring charge cadence.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "MONTHLY"
	CycleYearly  BillingCycle = "YEARLY"
)

// Advance returns the date one cycle after from. The result is anchored to
// from, not to the current time, so late sweeps do not drift the schedule.
func (c BillingCycle) Advance(from time.Time) time.Time {
	if c == CycleYearly {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

// Subscription is a tenant's plan subscription. At most one subscription per
// tenant is ACTIVE at any time.
type Subscription struct {
	ID            int64              `json:"id"`
	TenantID      int64              `json:"tenant_id"`
	Plan          PlanID             `json:"plan"`
	Status        SubscriptionStatus `json:"status"`
	Cycle         BillingCycle       `json:"cycle"`
	AutoRenew     bool               `json:"auto_renew"`
	StartedAt     time.Time          `json:"started_at"`
	NextBillingAt time.Time          `json:"next_billing_at"`
	EndedAt       *time.Time         `json:"ended_at,omitempty"`
	CommentCount  int64              `json:"comment_count"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// ScheduleStatus represents the status of a billing schedule.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "SCHEDULED"
	ScheduleStatusActive    ScheduleStatus = "ACTIVE"
	ScheduleStatusPaused    ScheduleStatus = "PAUSED"
	ScheduleStatusSuspended ScheduleStatus = "SUSPENDED"
	ScheduleStatusCanceled  ScheduleStatus = "CANCELED"
	ScheduleStatusCompleted ScheduleStatus = "COMPLETED"
)

// Schedule tracks the recurring charges for one subscription. Its status is
// independent from the subscription's so billing cadence can be suspended
// without cancelling the subscription outright.
type Schedule struct {
	ID             int64          `json:"id"`
	TenantID       int64          `json:"tenant_id"`
	SubscriptionID int64          `json:"subscription_id"`
	CredentialID   int64          `json:"credential_id"`
	Plan           PlanID         `json:"plan"`
	AmountCents    int64          `json:"amount_cents"`
	Cycle          BillingCycle   `json:"cycle"`
	NextChargeAt   time.Time      `json:"next_charge_at"`
	LastChargeAt   *time.Time     `json:"last_charge_at,omitempty"`
	Status         ScheduleStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// PaymentStatus represents the status of a payment attempt.
type PaymentStatus string

const (
	PaymentStatusPending         PaymentStatus = "PENDING"
	PaymentStatusPaid            PaymentStatus = "PAID"
	PaymentStatusFailed          PaymentStatus = "FAILED"
	PaymentStatusCanceled        PaymentStatus = "CANCELED"
	PaymentStatusPartialCanceled PaymentStatus = "PARTIAL_CANCELED"
)

// Terminal reports whether the payment has reached a final state.
func (s PaymentStatus) Terminal() bool {
	return s != PaymentStatusPending
}

// Payment is one charge attempt. MerchantRef is the caller-generated
// idempotency key used to correlate gateway notifications back to this row.
// Payment rows are append/update only; they form the audit trail for
// proration and suspension decisions.
type Payment struct {
	ID            int64         `json:"id"`
	TenantID      int64         `json:"tenant_id"`
	MerchantRef   string        `json:"merchant_ref"`
	TransactionID string        `json:"transaction_id,omitempty"`
	AmountCents   int64         `json:"amount_cents"`
	Status        PaymentStatus `json:"status"`
	ScheduleID    *int64        `json:"schedule_id,omitempty"`
	AttemptedAt   time.Time     `json:"attempted_at"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
}
