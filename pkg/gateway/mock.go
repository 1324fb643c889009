package gateway

import (
	"context"
	"fmt"
	"sync"
)

// MockGateway is a test double that records calls and returns configurable
// results. Func fields override the default behavior per call.
type MockGateway struct {
	mu sync.Mutex

	// Credentials maps credential ref -> info.
	Credentials map[string]*CredentialInfo
	// Charges collects charge attempts in call order.
	Charges []ChargeCall
	// Statuses maps transaction id -> status returned by GetPaymentStatus.
	Statuses map[string]*PaymentStatus
	// Cancellations collects cancel calls.
	Cancellations []CancelCall

	IssueCredentialFn  func(ctx context.Context, tenantRef string, card CardDetails) (*CredentialInfo, error)
	DeleteCredentialFn func(ctx context.Context, ref string) error
	ChargeFn           func(ctx context.Context, credentialRef, merchantRef string, amountCents int64, description string) (*ChargeResult, error)
	GetPaymentStatusFn func(ctx context.Context, transactionID string) (*PaymentStatus, error)

	nextCredSeq int
	nextTxSeq   int
}

// ChargeCall records a single charge attempt.
type ChargeCall struct {
	CredentialRef string
	MerchantRef   string
	AmountCents   int64
	Description   string
}

// CancelCall records a single cancellation.
type CancelCall struct {
	TransactionID string
	AmountCents   int64
	Reason        string
}

// NewMockGateway creates a MockGateway ready for use.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		Credentials: make(map[string]*CredentialInfo),
		Statuses:    make(map[string]*PaymentStatus),
	}
}

// IssueCredential issues a mock credential.
func (m *MockGateway) IssueCredential(ctx context.Context, tenantRef string, card CardDetails) (*CredentialInfo, error) {
	if m.IssueCredentialFn != nil {
		return m.IssueCredentialFn(ctx, tenantRef, card)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextCredSeq++
	last4 := card.Number
	if len(last4) > 4 {
		last4 = last4[len(last4)-4:]
	}
	info := &CredentialInfo{
		Ref:       fmt.Sprintf("cred_mock_%d", m.nextCredSeq),
		CardBrand: "visa",
		CardLast4: last4,
	}
	m.Credentials[info.Ref] = info
	return info, nil
}

// DeleteCredential deletes a mock credential.
func (m *MockGateway) DeleteCredential(ctx context.Context, ref string) error {
	if m.DeleteCredentialFn != nil {
		return m.DeleteCredentialFn(ctx, ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.Credentials[ref]; !ok {
		return fmt.Errorf("gateway: unknown credential %s", ref)
	}
	delete(m.Credentials, ref)
	return nil
}

// GetCredentialInfo returns the mock credential record.
func (m *MockGateway) GetCredentialInfo(_ context.Context, ref string) (*CredentialInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.Credentials[ref]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown credential %s", ref)
	}
	return info, nil
}

// Charge records the attempt and returns a paid result by default.
func (m *MockGateway) Charge(ctx context.Context, credentialRef, merchantRef string, amountCents int64, description string) (*ChargeResult, error) {
	if m.ChargeFn != nil {
		return m.ChargeFn(ctx, credentialRef, merchantRef, amountCents, description)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Charges = append(m.Charges, ChargeCall{
		CredentialRef: credentialRef,
		MerchantRef:   merchantRef,
		AmountCents:   amountCents,
		Description:   description,
	})
	m.nextTxSeq++
	return &ChargeResult{
		TransactionID: fmt.Sprintf("tx_mock_%d", m.nextTxSeq),
		Status:        StatusPaid,
	}, nil
}

// GetPaymentStatus returns the configured status for a transaction.
func (m *MockGateway) GetPaymentStatus(ctx context.Context, transactionID string) (*PaymentStatus, error) {
	if m.GetPaymentStatusFn != nil {
		return m.GetPaymentStatusFn(ctx, transactionID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.Statuses[transactionID]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown transaction %s", transactionID)
	}
	return status, nil
}

// CancelPayment records the cancellation.
func (m *MockGateway) CancelPayment(_ context.Context, transactionID string, amountCents int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Cancellations = append(m.Cancellations, CancelCall{
		TransactionID: transactionID,
		AmountCents:   amountCents,
		Reason:        reason,
	})
	return nil
}
