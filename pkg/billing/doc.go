// Package billing implements the subscription billing core: stored payment
// credentials, subscription lifecycle, recurring-charge scheduling, and
// webhook-driven reconciliation against the payment gateway.
package billing
