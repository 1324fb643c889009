package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/commentable/billingd/pkg/gateway"
	"github.com/commentable/billingd/pkg/observability"
)

// Scheduler runs the periodic due-charge sweep. Each due schedule is
// processed in isolation: one tenant's failure never blocks another's
// renewal, and there is no sweep-wide transaction.
type Scheduler struct {
	store   Store
	gw      gateway.Gateway
	locks   *TenantLocks
	log     *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewScheduler creates a Scheduler.
func NewScheduler(store Store, gw gateway.Gateway, locks *TenantLocks, log *observability.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		store:   store,
		gw:      gw,
		locks:   locks,
		log:     log.WithField("component", "scheduler"),
		metrics: metrics,
		now:     time.Now,
	}
}

// RunDueCharges charges every SCHEDULED schedule whose next charge date has
// arrived. Outcomes are recorded per schedule; the sweep itself only errors
// when the due list cannot be loaded.
func (s *Scheduler) RunDueCharges(ctx context.Context) error {
	start := s.now()
	due, err := s.store.DueSchedules(ctx, start)
	if err != nil {
		return fmt.Errorf("failed to load due schedules: %w", err)
	}

	for _, sched := range due {
		outcome := s.processSchedule(ctx, sched.ID)
		if s.metrics != nil {
			s.metrics.SweepSchedulesTotal.WithLabelValues(outcome).Inc()
		}
	}

	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	s.log.WithFields(map[string]interface{}{
		"schedules": len(due),
		"elapsed":   time.Since(start).String(),
	}).Info("due-charge sweep finished")
	return nil
}

// processSchedule charges one schedule under the tenant lock and returns the
// outcome label. A panic in one schedule is contained here.
func (s *Scheduler) processSchedule(ctx context.Context, scheduleID int64) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("schedule_id", scheduleID).
				WithField("panic", fmt.Sprint(r)).
				Error("panic while processing schedule")
			outcome = "panic"
		}
	}()

	// Re-read under the lock; the due list snapshot may be stale by the time
	// this schedule's turn comes.
	sched, err := s.store.ScheduleByID(ctx, scheduleID)
	if err != nil {
		s.log.WithField("schedule_id", scheduleID).WithError(err).Error("failed to reload schedule")
		return "error"
	}

	release := s.locks.Acquire(sched.TenantID)
	defer release()

	sched, err = s.store.ScheduleByID(ctx, sched.ID)
	if err != nil {
		s.log.WithField("schedule_id", scheduleID).WithError(err).Error("failed to reload schedule")
		return "error"
	}
	if sched.Status != ScheduleStatusScheduled || sched.NextChargeAt.After(s.now()) {
		return "stale"
	}

	log := s.log.WithTenant(sched.TenantID).WithField("schedule_id", sched.ID)

	// The tenant's current ACTIVE credential, not the one the schedule was
	// created with: re-issuing a card retires the old row, and renewals must
	// follow the replacement.
	cred, err := s.store.ActiveCredential(ctx, sched.TenantID)
	if err != nil {
		// No usable credential. The charge date is not advanced, so the
		// schedule is retried on the next sweep once a credential exists.
		log.Warn("skipping schedule without an active credential")
		return "no_credential"
	}
	sched.CredentialID = cred.ID

	plan := PlanByID(sched.Plan)
	description := string(sched.Plan)
	if plan != nil {
		description = fmt.Sprintf("%s subscription renewal (%s)", plan.Name, sched.Cycle)
	}

	now := s.now()
	payment := &Payment{
		TenantID:    sched.TenantID,
		MerchantRef: newMerchantRef(),
		AmountCents: sched.AmountCents,
		Status:      PaymentStatusPending,
		ScheduleID:  &sched.ID,
		AttemptedAt: now,
	}

	result, err := s.gw.Charge(ctx, cred.GatewayRef, payment.MerchantRef, sched.AmountCents, description)
	switch {
	case errors.Is(err, gateway.ErrTimeout):
		// Outcome unknown. The payment stays PENDING and reconciliation
		// settles it; the schedule still advances so the period is not
		// double-charged.
		outcome = "timeout"
		log.Warn("renewal charge timed out; pending reconciliation")
	case err != nil:
		payment.Status = PaymentStatusFailed
		payment.FailureReason = err.Error()
		outcome = "failed"
		log.WithError(err).Warn("renewal charge failed")
	default:
		payment.TransactionID = result.TransactionID
		if result.Status == gateway.StatusPaid {
			payment.Status = PaymentStatusPaid
			payment.PaidAt = &now
			outcome = "charged"
		} else {
			payment.Status = PaymentStatusFailed
			payment.FailureReason = fmt.Sprintf("renewal charge returned %s", result.Status)
			outcome = "failed"
			log.WithField("status", result.Status).Warn("renewal charge not paid")
		}
	}

	if err := s.store.InsertPayment(ctx, payment); err != nil {
		log.WithError(err).Error("failed to record renewal payment")
		return "error"
	}
	if s.metrics != nil {
		s.metrics.ChargesTotal.WithLabelValues(outcome).Inc()
		if payment.Status == PaymentStatusPaid {
			s.metrics.ChargeAmountCents.WithLabelValues("paid").Add(float64(payment.AmountCents))
		}
	}

	// Advance from the previous scheduled date, never from wall clock, so a
	// late sweep does not shift future charge dates. The attempt itself is
	// stamped whatever the outcome.
	sched.NextChargeAt = sched.Cycle.Advance(sched.NextChargeAt)
	sched.LastChargeAt = &now
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		log.WithError(err).Error("failed to advance schedule")
		return "error"
	}

	if sub, err := s.store.SubscriptionByTenant(ctx, sched.TenantID); err == nil && sub.ID == sched.SubscriptionID {
		sub.NextBillingAt = sched.NextChargeAt
		if err := s.store.UpdateSubscription(ctx, sub); err != nil {
			log.WithError(err).Error("failed to advance subscription billing date")
		}
	}

	return outcome
}
