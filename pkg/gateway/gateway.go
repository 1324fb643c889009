// Package gateway abstracts the external payment gateway: credential
// issuance, charging, status lookup, and cancellation. The billing core
// depends only on the Gateway interface; the HTTP client and the test mock
// both implement it.
package gateway

import (
	"context"
	"time"
)

// Gateway-reported payment states.
const (
	StatusPaid             = "paid"
	StatusFailed           = "failed"
	StatusCancelled        = "cancelled"
	StatusPartialCancelled = "partial_cancelled"
	StatusPending          = "pending"
)

// CardDetails carries raw card input for credential issuance. It is passed
// through to the gateway and never persisted.
type CardDetails struct {
	Number      string `json:"number"`
	ExpiryMonth int    `json:"expiry_month"`
	ExpiryYear  int    `json:"expiry_year"`
	CVC         string `json:"cvc"`
	HolderName  string `json:"holder_name,omitempty"`
}

// CredentialInfo is the gateway's view of a stored credential.
type CredentialInfo struct {
	Ref       string `json:"ref"`
	CardBrand string `json:"card_brand,omitempty"`
	CardLast4 string `json:"card_last4,omitempty"`
}

// ChargeResult is the synchronous outcome of a charge attempt. The
// authoritative terminal state arrives later via webhook or status fetch.
type ChargeResult struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// PaymentStatus is the gateway's authoritative record for one transaction.
type PaymentStatus struct {
	TransactionID string     `json:"transaction_id"`
	Status        string     `json:"status"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	FailReason    string     `json:"fail_reason,omitempty"`
}

// Gateway is the payment gateway capability interface.
type Gateway interface {
	// IssueCredential tokenizes card details into a reusable credential.
	IssueCredential(ctx context.Context, tenantRef string, card CardDetails) (*CredentialInfo, error)
	// DeleteCredential retires a stored credential at the gateway.
	DeleteCredential(ctx context.Context, ref string) error
	// GetCredentialInfo fetches the gateway's record for a credential,
	// confirming it is still usable.
	GetCredentialInfo(ctx context.Context, ref string) (*CredentialInfo, error)
	// Charge bills the credential. merchantRef is the caller-generated
	// idempotency key; the gateway deduplicates retries on it.
	Charge(ctx context.Context, credentialRef, merchantRef string, amountCents int64, description string) (*ChargeResult, error)
	// GetPaymentStatus fetches the authoritative status for a transaction.
	GetPaymentStatus(ctx context.Context, transactionID string) (*PaymentStatus, error)
	// CancelPayment cancels a paid transaction, fully or partially.
	CancelPayment(ctx context.Context, transactionID string, amountCents int64, reason string) error
}
