package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commentable/billingd/pkg/gateway"
	"github.com/commentable/billingd/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func newLifecycleFixture(t *testing.T) (*LifecycleService, *memStore, *gateway.MockGateway) {
	t.Helper()
	store := newMemStore()
	gw := gateway.NewMockGateway()
	svc := NewLifecycleService(store, gw, NewTenantLocks(), testLogger())
	return svc, store, gw
}

func TestStartHappyPath(t *testing.T) {
	svc, store, _ := newLifecycleFixture(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	store.seedCredential(42, "cred_1")

	sub, err := svc.Start(context.Background(), 42, PlanPro, CycleMonthly)
	require.NoError(t, err)

	assert.Equal(t, SubscriptionStatusActive, sub.Status)
	assert.Equal(t, PlanPro, sub.Plan)
	assert.Equal(t, now.AddDate(0, 1, 0), sub.NextBillingAt)

	sched, err := store.ScheduleBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, ScheduleStatusScheduled, sched.Status)
	assert.Equal(t, int64(3000), sched.AmountCents)
	assert.Equal(t, now.AddDate(0, 1, 0), sched.NextChargeAt)

	payments := store.allPayments()
	require.Len(t, payments, 1)
	assert.Equal(t, PaymentStatusPaid, payments[0].Status)
	assert.Equal(t, int64(3000), payments[0].AmountCents)
	assert.NotEmpty(t, payments[0].TransactionID)
}

func TestStartFirstChargeFailureAborts(t *testing.T) {
	svc, store, gw := newLifecycleFixture(t)
	store.seedCredential(42, "cred_1")
	gw.ChargeFn = func(ctx context.Context, credentialRef, merchantRef string, amountCents int64, description string) (*gateway.ChargeResult, error) {
		return &gateway.ChargeResult{TransactionID: "tx_1", Status: gateway.StatusFailed}, nil
	}

	_, err := svc.Start(context.Background(), 42, PlanPro, CycleMonthly)
	require.Error(t, err)
	var gwErr *GatewayError
	assert.True(t, errors.As(err, &gwErr))

	// No subscription or schedule rows, but the failed payment stays for audit.
	assert.Equal(t, 0, store.subscriptionCount())
	payments := store.allPayments()
	require.Len(t, payments, 1)
	assert.Equal(t, PaymentStatusFailed, payments[0].Status)
}

func TestStartWithoutCredential(t *testing.T) {
	svc, store, _ := newLifecycleFixture(t)

	_, err := svc.Start(context.Background(), 42, PlanPro, CycleMonthly)
	var precondition *PreconditionError
	require.True(t, errors.As(err, &precondition))
	assert.Equal(t, 0, store.subscriptionCount())
	assert.Empty(t, store.allPayments())
}

func TestStartFreePlanRejected(t *testing.T) {
	svc, store, _ := newLifecycleFixture(t)
	store.seedCredential(42, "cred_1")

	_, err := svc.Start(context.Background(), 42, PlanFree, CycleMonthly)
	var precondition *PreconditionError
	require.True(t, errors.As(err, &precondition))
}

func TestStartCancelsExistingSubscription(t *testing.T) {
	svc, store, _ := newLifecycleFixture(t)
	store.seedCredential(42, "cred_1")

	first, err := svc.Start(context.Background(), 42, PlanStarter, CycleMonthly)
	require.NoError(t, err)

	second, err := svc.Start(context.Background(), 42, PlanPro, CycleMonthly)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	store.mu.Lock()
	firstSub := store.subscriptions[first.ID]
	store.mu.Unlock()
	assert.Equal(t, SubscriptionStatusCancelled, firstSub.Status)

	active, err := store.ActiveSubscription(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestStartChargeTimeout(t *testing.T) {
	svc, store, gw := newLifecycleFixture(t)
	store.seedCredential(42, "cred_1")
	gw.ChargeFn = func(ctx context.Context, credentialRef, merchantRef string, amountCents int64, description string) (*gateway.ChargeResult, error) {
		return nil, fmt.Errorf("POST /v1/payments: %w", gateway.ErrTimeout)
	}

	_, err := svc.Start(context.Background(), 42, PlanPro, CycleMonthly)
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	// The payment stays PENDING for reconciliation; no subscription exists.
	assert.Equal(t, 0, store.subscriptionCount())
	payments := store.allPayments()
	require.Len(t, payments, 1)
	assert.Equal(t, PaymentStatusPending, payments[0].Status)
}

func TestCancelIdempotent(t *testing.T) {
	svc, store, _ := newLifecycleFixture(t)
	store.seedCredential(42, "cred_1")

	sub, err := svc.Start(context.Background(), 42, PlanPro, CycleMonthly)
	require.NoError(t, err)

	cancelled, err := svc.Cancel(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, cancelled)

	got, err := store.SubscriptionByTenant(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionStatusCancelled, got.Status)
	assert.NotNil(t, got.EndedAt)

	sched, err := store.ScheduleBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, ScheduleStatusCanceled, sched.Status)

	// Second cancel is a no-op.
	cancelled, err = svc.Cancel(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestChangePlanUpgradeChargesProration(t *testing.T) {
	svc, store, gw := newLifecycleFixture(t)
	store.seedCredential(42, "cred_1")

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }
	_, err := svc.Start(context.Background(), 42, PlanStarter, CycleMonthly)
	require.NoError(t, err)

	// Halfway through a 30-day June cycle: 15 of 30 days remain.
	mid := time.Date(2026, 6, 16, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return mid }

	sub, err := svc.ChangePlan(context.Background(), 42, PlanPro)
	require.NoError(t, err)
	assert.Equal(t, PlanPro, sub.Plan)

	// (3000 - 1000) * 15 / 30 = 1000.
	last := gw.Charges[len(gw.Charges)-1]
	assert.Equal(t, int64(1000), last.AmountCents)

	sched, err := store.ScheduleBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, PlanPro, sched.Plan)
	assert.Equal(t, int64(3000), sched.AmountCents)
}

func TestChangePlanDowngradeNoCharge(t *testing.T) {
	svc, store, gw := newLifecycleFixture(t)
	store.seedCredential(42, "cred_1")

	_, err := svc.Start(context.Background(), 42, PlanPro, CycleMonthly)
	require.NoError(t, err)
	chargesBefore := len(gw.Charges)

	sub, err := svc.ChangePlan(context.Background(), 42, PlanStarter)
	require.NoError(t, err)
	assert.Equal(t, PlanStarter, sub.Plan)

	// No refund and no new charge for downgrades.
	assert.Len(t, gw.Charges, chargesBefore)

	sched, err := store.ScheduleBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), sched.AmountCents)
}

func TestChangePlanChargeFailureKeepsPlanChange(t *testing.T) {
	svc, store, gw := newLifecycleFixture(t)
	store.seedCredential(42, "cred_1")

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }
	_, err := svc.Start(context.Background(), 42, PlanStarter, CycleMonthly)
	require.NoError(t, err)

	mid := time.Date(2026, 6, 16, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return mid }
	gw.ChargeFn = func(ctx context.Context, credentialRef, merchantRef string, amountCents int64, description string) (*gateway.ChargeResult, error) {
		return nil, errors.New("card declined")
	}

	sub, err := svc.ChangePlan(context.Background(), 42, PlanPro)
	require.NoError(t, err)
	assert.Equal(t, PlanPro, sub.Plan)

	payments := store.allPayments()
	last := payments[len(payments)-1]
	assert.Equal(t, PaymentStatusFailed, last.Status)
	assert.Equal(t, "card declined", last.FailureReason)
}

func TestChangePlanSamePlanNoOp(t *testing.T) {
	svc, store, gw := newLifecycleFixture(t)
	store.seedCredential(42, "cred_1")

	_, err := svc.Start(context.Background(), 42, PlanPro, CycleMonthly)
	require.NoError(t, err)
	chargesBefore := len(gw.Charges)

	sub, err := svc.ChangePlan(context.Background(), 42, PlanPro)
	require.NoError(t, err)
	assert.Equal(t, PlanPro, sub.Plan)
	assert.Len(t, gw.Charges, chargesBefore)
}

func TestChangePlanWithoutSubscription(t *testing.T) {
	svc, store, _ := newLifecycleFixture(t)
	store.seedCredential(42, "cred_1")

	_, err := svc.ChangePlan(context.Background(), 42, PlanPro)
	var precondition *PreconditionError
	require.True(t, errors.As(err, &precondition))
}

func TestReactivateCancelledSubscription(t *testing.T) {
	svc, store, _ := newLifecycleFixture(t)
	store.seedCredential(42, "cred_1")

	sub, err := svc.Start(context.Background(), 42, PlanPro, CycleMonthly)
	require.NoError(t, err)
	_, err = svc.Cancel(context.Background(), 42)
	require.NoError(t, err)

	now := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	revived, err := svc.Reactivate(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, revived.ID)
	assert.Equal(t, SubscriptionStatusActive, revived.Status)
	assert.Nil(t, revived.EndedAt)
	assert.Equal(t, now.AddDate(0, 1, 0), revived.NextBillingAt)

	sched, err := store.ScheduleBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, ScheduleStatusScheduled, sched.Status)
	assert.Equal(t, now.AddDate(0, 1, 0), sched.NextChargeAt)
}

func TestReactivateChargeFailureLeavesStateUntouched(t *testing.T) {
	svc, store, gw := newLifecycleFixture(t)
	store.seedCredential(42, "cred_1")

	_, err := svc.Start(context.Background(), 42, PlanPro, CycleMonthly)
	require.NoError(t, err)
	_, err = svc.Cancel(context.Background(), 42)
	require.NoError(t, err)

	gw.ChargeFn = func(ctx context.Context, credentialRef, merchantRef string, amountCents int64, description string) (*gateway.ChargeResult, error) {
		return &gateway.ChargeResult{TransactionID: "tx_x", Status: gateway.StatusFailed}, nil
	}

	_, err = svc.Reactivate(context.Background(), 42)
	require.Error(t, err)

	got, err := store.SubscriptionByTenant(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionStatusCancelled, got.Status)
}
