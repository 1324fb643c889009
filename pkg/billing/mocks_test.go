package billing

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// memStore is an in-memory Store used by the service tests. It mirrors the
// behavior of PostgresStore, including NotFoundError on misses.
type memStore struct {
	mu sync.Mutex

	credentials   map[int64]*Credential
	subscriptions map[int64]*Subscription
	schedules     map[int64]*Schedule
	payments      map[int64]*Payment

	nextID int64
}

func newMemStore() *memStore {
	return &memStore{
		credentials:   make(map[int64]*Credential),
		subscriptions: make(map[int64]*Subscription),
		schedules:     make(map[int64]*Schedule),
		payments:      make(map[int64]*Payment),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func notFound(resource string, ref int64) error {
	return &NotFoundError{Resource: resource, Ref: strconv.FormatInt(ref, 10)}
}

func (m *memStore) ActiveCredential(_ context.Context, tenantID int64) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.credentials {
		if c.TenantID == tenantID && c.Status == CredentialStatusActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, notFound("credential", tenantID)
}

func (m *memStore) CredentialByID(_ context.Context, id int64) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok {
		return nil, notFound("credential", id)
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) InsertCredential(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.id()
	c.CreatedAt = time.Now()
	cp := *c
	m.credentials[c.ID] = &cp
	return nil
}

func (m *memStore) RetireCredential(_ context.Context, id int64, status CredentialStatus, deletedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok {
		return notFound("credential", id)
	}
	c.Status = status
	c.DeletedAt = &deletedAt
	return nil
}

func (m *memStore) ActiveSubscription(_ context.Context, tenantID int64) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subscriptions {
		if s.TenantID == tenantID && s.Status == SubscriptionStatusActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, notFound("subscription", tenantID)
}

func (m *memStore) SubscriptionByTenant(_ context.Context, tenantID int64) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Subscription
	for _, s := range m.subscriptions {
		if s.TenantID != tenantID {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) || (s.CreatedAt.Equal(latest.CreatedAt) && s.ID > latest.ID) {
			latest = s
		}
	}
	if latest == nil {
		return nil, notFound("subscription", tenantID)
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) UpdateSubscription(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[s.ID]; !ok {
		return notFound("subscription", s.ID)
	}
	s.UpdatedAt = time.Now()
	cp := *s
	m.subscriptions[s.ID] = &cp
	return nil
}

func (m *memStore) CreateSubscription(_ context.Context, s *Subscription, sched *Schedule, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	s.ID = m.id()
	s.CreatedAt = now
	s.UpdatedAt = now
	subCopy := *s
	m.subscriptions[s.ID] = &subCopy

	sched.ID = m.id()
	sched.SubscriptionID = s.ID
	sched.CreatedAt = now
	sched.UpdatedAt = now
	schedCopy := *sched
	m.schedules[sched.ID] = &schedCopy

	p.ID = m.id()
	payCopy := *p
	m.payments[p.ID] = &payCopy
	return nil
}

func (m *memStore) DueSchedules(_ context.Context, now time.Time) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Schedule
	for _, s := range m.schedules {
		if s.Status == ScheduleStatusScheduled && !s.NextChargeAt.After(now) {
			cp := *s
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextChargeAt.Before(due[j].NextChargeAt) })
	return due, nil
}

func (m *memStore) ScheduleByID(_ context.Context, id int64) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, notFound("schedule", id)
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ScheduleBySubscription(_ context.Context, subscriptionID int64) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Schedule
	for _, s := range m.schedules {
		if s.SubscriptionID != subscriptionID {
			continue
		}
		if latest == nil || s.ID > latest.ID {
			latest = s
		}
	}
	if latest == nil {
		return nil, notFound("schedule", subscriptionID)
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) UpdateSchedule(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return notFound("schedule", s.ID)
	}
	s.UpdatedAt = time.Now()
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *memStore) InsertPayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *memStore) PaymentByMerchantRef(_ context.Context, ref string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.MerchantRef == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, &NotFoundError{Resource: "payment", Ref: ref}
}

func (m *memStore) PaymentByTransactionID(_ context.Context, transactionID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.TransactionID == transactionID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, &NotFoundError{Resource: "payment", Ref: transactionID}
}

func (m *memStore) UpdatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return notFound("payment", p.ID)
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *memStore) CountFailedPayments(_ context.Context, tenantID int64, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.payments {
		if p.TenantID == tenantID && p.Status == PaymentStatusFailed && !p.AttemptedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) ListPayments(_ context.Context, tenantID int64, limit int) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.TenantID == tenantID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptedAt.After(out[j].AttemptedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// payment helpers for assertions

func (m *memStore) allPayments() []*Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Payment, 0, len(m.payments))
	for _, p := range m.payments {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) subscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscriptions)
}

// seedCredential inserts an ACTIVE credential for the tenant.
func (m *memStore) seedCredential(tenantID int64, gatewayRef string) *Credential {
	c := &Credential{
		TenantID:   tenantID,
		GatewayRef: gatewayRef,
		CardBrand:  "visa",
		CardLast4:  "4242",
		Status:     CredentialStatusActive,
	}
	_ = m.InsertCredential(context.Background(), c)
	return c
}
