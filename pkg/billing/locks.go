package billing

import "sync"

// TenantLocks serializes read-modify-write sequences on a per-tenant basis.
// The lifecycle manager and webhook reconciler share one instance so a manual
// cancel racing a webhook for the same tenant cannot interleave. Mutexes are
// retained for the life of the process; the tenant population is bounded.
type TenantLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewTenantLocks creates an empty lock table.
func NewTenantLocks() *TenantLocks {
	return &TenantLocks{locks: make(map[int64]*sync.Mutex)}
}

// Acquire locks the tenant's mutex and returns the release function.
func (t *TenantLocks) Acquire(tenantID int64) func() {
	t.mu.Lock()
	l, ok := t.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[tenantID] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}
