package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/commentable/billingd/pkg/gateway"
	"github.com/commentable/billingd/pkg/observability"
)

// LifecycleService owns the subscription state machine: start, cancel,
// change plan, and reactivate. Suspension (ACTIVE -> PAST_DUE) is driven
// exclusively by the webhook reconciler.
type LifecycleService struct {
	store Store
	gw    gateway.Gateway
	locks *TenantLocks
	log   *observability.Logger
	now   func() time.Time
}

// NewLifecycleService creates a LifecycleService.
func NewLifecycleService(store Store, gw gateway.Gateway, locks *TenantLocks, log *observability.Logger) *LifecycleService {
	return &LifecycleService{
		store: store,
		gw:    gw,
		locks: locks,
		log:   log.WithField("component", "lifecycle"),
		now:   time.Now,
	}
}

// Start begins a paid subscription for the tenant, charging the first period
// immediately. A failed first charge aborts the whole operation: no
// subscription or schedule row is created, but the failed payment remains
// for audit. Any pre-existing ACTIVE subscription is cancelled first.
func (s *LifecycleService) Start(ctx context.Context, tenantID int64, planID PlanID, cycle BillingCycle) (*Subscription, error) {
	release := s.locks.Acquire(tenantID)
	defer release()

	plan := PlanByID(planID)
	if plan == nil {
		return nil, &PreconditionError{Msg: fmt.Sprintf("unknown plan: %s", planID)}
	}
	amount := plan.Price(cycle)
	if amount <= 0 {
		return nil, &PreconditionError{Msg: "plan has no charge amount; the free tier needs no subscription"}
	}

	cred, err := s.store.ActiveCredential(ctx, tenantID)
	if err != nil {
		if IsNotFound(err) {
			return nil, &PreconditionError{Msg: "no active billing credential"}
		}
		return nil, err
	}

	if existing, err := s.store.ActiveSubscription(ctx, tenantID); err == nil {
		if err := s.cancelLocked(ctx, existing); err != nil {
			return nil, err
		}
	} else if !IsNotFound(err) {
		return nil, err
	}

	now := s.now()
	payment := &Payment{
		TenantID:    tenantID,
		MerchantRef: newMerchantRef(),
		AmountCents: amount,
		Status:      PaymentStatusPending,
		AttemptedAt: now,
	}
	description := fmt.Sprintf("%s subscription (%s)", plan.Name, cycle)

	result, err := s.gw.Charge(ctx, cred.GatewayRef, payment.MerchantRef, amount, description)
	if err != nil {
		if errors.Is(err, gateway.ErrTimeout) {
			// Outcome unknown; leave the payment PENDING for reconciliation
			// but surface the failure to the caller.
			s.recordPayment(ctx, payment)
			return nil, &TransientIOError{Err: err}
		}
		payment.Status = PaymentStatusFailed
		payment.FailureReason = err.Error()
		s.recordPayment(ctx, payment)
		return nil, &GatewayError{Op: "first charge", Err: err}
	}

	payment.TransactionID = result.TransactionID
	if result.Status != gateway.StatusPaid {
		payment.Status = PaymentStatusFailed
		payment.FailureReason = fmt.Sprintf("first charge returned %s", result.Status)
		s.recordPayment(ctx, payment)
		return nil, &GatewayError{Op: "first charge", Err: fmt.Errorf("gateway returned %s", result.Status)}
	}

	payment.Status = PaymentStatusPaid
	payment.PaidAt = &now

	nextBilling := cycle.Advance(now)
	sub := &Subscription{
		TenantID:      tenantID,
		Plan:          planID,
		Status:        SubscriptionStatusActive,
		Cycle:         cycle,
		AutoRenew:     true,
		StartedAt:     now,
		NextBillingAt: nextBilling,
	}
	sched := &Schedule{
		TenantID:     tenantID,
		CredentialID: cred.ID,
		Plan:         planID,
		AmountCents:  amount,
		Cycle:        cycle,
		NextChargeAt: nextBilling,
		Status:       ScheduleStatusScheduled,
	}

	if err := s.store.CreateSubscription(ctx, sub, sched, payment); err != nil {
		return nil, err
	}

	s.log.WithTenant(tenantID).WithFields(map[string]interface{}{
		"plan":   planID,
		"cycle":  cycle,
		"amount": amount,
	}).Info("subscription started")
	return sub, nil
}

// Cancel ends the tenant's ACTIVE subscription and its schedule. Returns
// false when there is nothing to cancel; calling it twice is a no-op.
func (s *LifecycleService) Cancel(ctx context.Context, tenantID int64) (bool, error) {
	release := s.locks.Acquire(tenantID)
	defer release()

	sub, err := s.store.ActiveSubscription(ctx, tenantID)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	if err := s.cancelLocked(ctx, sub); err != nil {
		return false, err
	}

	s.log.WithTenant(tenantID).Info("subscription cancelled")
	return true, nil
}

// cancelLocked cancels a subscription and its schedule. Callers must hold
// the tenant lock.
func (s *LifecycleService) cancelLocked(ctx context.Context, sub *Subscription) error {
	now := s.now()
	sub.Status = SubscriptionStatusCancelled
	sub.EndedAt = &now
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	sched, err := s.store.ScheduleBySubscription(ctx, sub.ID)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	sched.Status = ScheduleStatusCanceled
	return s.store.UpdateSchedule(ctx, sched)
}

// ChangePlan moves the tenant's ACTIVE subscription to a new plan in place.
// Upgrades charge the prorated difference for the remaining days of the
// cycle immediately; a failed proration charge does not roll back the plan
// change and is left for reconciliation. Downgrades issue no refund.
func (s *LifecycleService) ChangePlan(ctx context.Context, tenantID int64, newPlanID PlanID) (*Subscription, error) {
	release := s.locks.Acquire(tenantID)
	defer release()

	newPlan := PlanByID(newPlanID)
	if newPlan == nil {
		return nil, &PreconditionError{Msg: fmt.Sprintf("unknown plan: %s", newPlanID)}
	}

	sub, err := s.store.ActiveSubscription(ctx, tenantID)
	if err != nil {
		if IsNotFound(err) {
			return nil, &PreconditionError{Msg: "no active subscription"}
		}
		return nil, err
	}
	if sub.Plan == newPlanID {
		return sub, nil
	}

	cred, err := s.store.ActiveCredential(ctx, tenantID)
	if err != nil {
		if IsNotFound(err) {
			return nil, &PreconditionError{Msg: "no active billing credential"}
		}
		return nil, err
	}

	oldPlan := PlanByID(sub.Plan)
	oldAmount := int64(0)
	if oldPlan != nil {
		oldAmount = oldPlan.Price(sub.Cycle)
	}
	newAmount := newPlan.Price(sub.Cycle)

	now := s.now()
	cycleStart := retreat(sub.NextBillingAt, sub.Cycle)
	totalDays := daysBetween(cycleStart, sub.NextBillingAt)
	remainingDays := daysBetween(now, sub.NextBillingAt)
	prorated := Prorate(oldAmount, newAmount, remainingDays, totalDays)

	sub.Plan = newPlanID
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	sched, err := s.store.ScheduleBySubscription(ctx, sub.ID)
	if err == nil {
		sched.Plan = newPlanID
		sched.AmountCents = newAmount
		if err := s.store.UpdateSchedule(ctx, sched); err != nil {
			return nil, err
		}
	} else if !IsNotFound(err) {
		return nil, err
	}

	log := s.log.WithTenant(tenantID).WithFields(map[string]interface{}{
		"old_plan": oldPlan.ID,
		"new_plan": newPlanID,
		"prorated": prorated,
	})

	if prorated <= 0 {
		// Downgrades are not refunded; no credit ledger exists.
		log.Info("plan changed without immediate charge")
		return sub, nil
	}

	payment := &Payment{
		TenantID:    tenantID,
		MerchantRef: newMerchantRef(),
		AmountCents: prorated,
		Status:      PaymentStatusPending,
		AttemptedAt: now,
	}
	description := fmt.Sprintf("plan change to %s, prorated %d/%d days", newPlan.Name, remainingDays, totalDays)

	result, err := s.gw.Charge(ctx, cred.GatewayRef, payment.MerchantRef, prorated, description)
	switch {
	case errors.Is(err, gateway.ErrTimeout):
		s.recordPayment(ctx, payment)
		log.Warn("prorated charge timed out; pending reconciliation")
	case err != nil:
		payment.Status = PaymentStatusFailed
		payment.FailureReason = err.Error()
		s.recordPayment(ctx, payment)
		log.WithError(err).Warn("prorated charge failed; plan change kept")
	default:
		payment.TransactionID = result.TransactionID
		if result.Status == gateway.StatusPaid {
			payment.Status = PaymentStatusPaid
			payment.PaidAt = &now
		} else {
			payment.Status = PaymentStatusFailed
			payment.FailureReason = fmt.Sprintf("prorated charge returned %s", result.Status)
		}
		s.recordPayment(ctx, payment)
		log.WithField("status", payment.Status).Info("plan changed with prorated charge")
	}

	return sub, nil
}

// Reactivate restarts a CANCELLED or PAST_DUE subscription with a fresh
// charge, following the same semantics as Start: a failed charge leaves the
// subscription untouched.
func (s *LifecycleService) Reactivate(ctx context.Context, tenantID int64) (*Subscription, error) {
	release := s.locks.Acquire(tenantID)
	defer release()

	sub, err := s.store.SubscriptionByTenant(ctx, tenantID)
	if err != nil {
		if IsNotFound(err) {
			return nil, &PreconditionError{Msg: "no subscription to reactivate"}
		}
		return nil, err
	}
	if sub.Status == SubscriptionStatusActive {
		return sub, nil
	}
	if sub.Status != SubscriptionStatusCancelled && sub.Status != SubscriptionStatusPastDue {
		return nil, &PreconditionError{Msg: fmt.Sprintf("subscription in %s cannot be reactivated", sub.Status)}
	}

	plan := PlanByID(sub.Plan)
	if plan == nil {
		return nil, &PreconditionError{Msg: fmt.Sprintf("unknown plan: %s", sub.Plan)}
	}
	amount := plan.Price(sub.Cycle)

	cred, err := s.store.ActiveCredential(ctx, tenantID)
	if err != nil {
		if IsNotFound(err) {
			return nil, &PreconditionError{Msg: "no active billing credential"}
		}
		return nil, err
	}

	now := s.now()
	payment := &Payment{
		TenantID:    tenantID,
		MerchantRef: newMerchantRef(),
		AmountCents: amount,
		Status:      PaymentStatusPending,
		AttemptedAt: now,
	}

	result, err := s.gw.Charge(ctx, cred.GatewayRef, payment.MerchantRef, amount, fmt.Sprintf("%s subscription reactivation", plan.Name))
	if err != nil {
		if errors.Is(err, gateway.ErrTimeout) {
			s.recordPayment(ctx, payment)
			return nil, &TransientIOError{Err: err}
		}
		payment.Status = PaymentStatusFailed
		payment.FailureReason = err.Error()
		s.recordPayment(ctx, payment)
		return nil, &GatewayError{Op: "reactivation charge", Err: err}
	}

	payment.TransactionID = result.TransactionID
	if result.Status != gateway.StatusPaid {
		payment.Status = PaymentStatusFailed
		payment.FailureReason = fmt.Sprintf("reactivation charge returned %s", result.Status)
		s.recordPayment(ctx, payment)
		return nil, &GatewayError{Op: "reactivation charge", Err: fmt.Errorf("gateway returned %s", result.Status)}
	}

	payment.Status = PaymentStatusPaid
	payment.PaidAt = &now
	s.recordPayment(ctx, payment)

	sub.Status = SubscriptionStatusActive
	sub.EndedAt = nil
	sub.NextBillingAt = sub.Cycle.Advance(now)
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	if sched, err := s.store.ScheduleBySubscription(ctx, sub.ID); err == nil {
		sched.Status = ScheduleStatusScheduled
		sched.CredentialID = cred.ID
		sched.NextChargeAt = sub.NextBillingAt
		sched.LastChargeAt = &now
		if err := s.store.UpdateSchedule(ctx, sched); err != nil {
			return nil, err
		}
	} else if !IsNotFound(err) {
		return nil, err
	}

	s.log.WithTenant(tenantID).WithField("plan", sub.Plan).Info("subscription reactivated")
	return sub, nil
}

// recordPayment persists a payment attempt, logging rather than failing the
// caller when the audit write itself errors.
func (s *LifecycleService) recordPayment(ctx context.Context, p *Payment) {
	if err := s.store.InsertPayment(ctx, p); err != nil {
		s.log.WithTenant(p.TenantID).WithError(err).Error("failed to record payment attempt")
	}
}

// retreat returns the date one cycle before from.
func retreat(from time.Time, cycle BillingCycle) time.Time {
	if cycle == CycleYearly {
		return from.AddDate(-1, 0, 0)
	}
	return from.AddDate(0, -1, 0)
}

// daysBetween returns whole days from a to b, negative when b is before a.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

func newMerchantRef() string {
	return "pay_" + uuid.NewString()
}
