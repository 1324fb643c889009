package billing

import (
	"context"
	"strconv"
	"time"

	"github.com/commentable/billingd/pkg/gateway"
	"github.com/commentable/billingd/pkg/observability"
)

// CredentialService manages stored billing credentials. It enforces the
// invariant that at most one credential per tenant is ACTIVE: issuing a new
// credential retires the old one first, at the gateway and locally.
type CredentialService struct {
	store Store
	gw    gateway.Gateway
	locks *TenantLocks
	log   *observability.Logger
	now   func() time.Time
}

// NewCredentialService creates a CredentialService.
func NewCredentialService(store Store, gw gateway.Gateway, locks *TenantLocks, log *observability.Logger) *CredentialService {
	return &CredentialService{
		store: store,
		gw:    gw,
		locks: locks,
		log:   log.WithField("component", "credentials"),
		now:   time.Now,
	}
}

// Issue tokenizes card details at the gateway and stores the result as the
// tenant's ACTIVE credential. Any existing ACTIVE credential is retired
// first, so a gateway issuance failure leaves no credential ACTIVE rather
// than two.
func (s *CredentialService) Issue(ctx context.Context, tenantID int64, card gateway.CardDetails) (*Credential, error) {
	release := s.locks.Acquire(tenantID)
	defer release()

	existing, err := s.store.ActiveCredential(ctx, tenantID)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	if existing != nil {
		if err := s.gw.DeleteCredential(ctx, existing.GatewayRef); err != nil {
			// The gateway may keep an orphaned token; the local invariant
			// takes precedence.
			s.log.WithTenant(tenantID).WithError(err).Warn("gateway delete of retired credential failed")
		}
		if err := s.store.RetireCredential(ctx, existing.ID, CredentialStatusDeleted, s.now()); err != nil {
			return nil, err
		}
	}

	info, err := s.gw.IssueCredential(ctx, tenantRef(tenantID), card)
	if err != nil {
		return nil, &GatewayError{Op: "issue credential", Err: err}
	}

	cred := &Credential{
		TenantID:   tenantID,
		GatewayRef: info.Ref,
		CardBrand:  info.CardBrand,
		CardLast4:  info.CardLast4,
		Status:     CredentialStatusActive,
	}
	if err := s.store.InsertCredential(ctx, cred); err != nil {
		return nil, err
	}

	s.log.WithTenant(tenantID).WithField("card_last4", cred.CardLast4).Info("billing credential issued")
	return cred, nil
}

// Get returns the tenant's ACTIVE credential, or a NotFoundError.
func (s *CredentialService) Get(ctx context.Context, tenantID int64) (*Credential, error) {
	return s.store.ActiveCredential(ctx, tenantID)
}

// Delete retires the tenant's ACTIVE credential at the gateway and locally.
// Returns false when there is no active credential or the gateway rejects
// the deletion.
func (s *CredentialService) Delete(ctx context.Context, tenantID int64) (bool, error) {
	release := s.locks.Acquire(tenantID)
	defer release()

	cred, err := s.store.ActiveCredential(ctx, tenantID)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	if err := s.gw.DeleteCredential(ctx, cred.GatewayRef); err != nil {
		return false, &GatewayError{Op: "delete credential", Err: err}
	}

	if err := s.store.RetireCredential(ctx, cred.ID, CredentialStatusDeleted, s.now()); err != nil {
		return false, err
	}

	s.log.WithTenant(tenantID).Info("billing credential deleted")
	return true, nil
}

// Validate round-trips to the gateway to confirm the tenant's credential is
// still usable. Exposed for UI validation; scheduled charges never block on
// it, since charge failures are handled by reconciliation.
func (s *CredentialService) Validate(ctx context.Context, tenantID int64) (bool, error) {
	cred, err := s.store.ActiveCredential(ctx, tenantID)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	if _, err := s.gw.GetCredentialInfo(ctx, cred.GatewayRef); err != nil {
		s.log.WithTenant(tenantID).WithError(err).Debug("credential validation failed")
		return false, nil
	}
	return true, nil
}

func tenantRef(tenantID int64) string {
	return "tenant-" + strconv.FormatInt(tenantID, 10)
}
