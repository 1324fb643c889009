package billing

import (
	"errors"
	"fmt"
)

// PreconditionError reports a user-correctable precondition failure, such as
// starting a subscription without an active credential.
type PreconditionError struct {
	Msg string
}

func (e *PreconditionError) Error() string { return e.Msg }

// GatewayError reports that the payment gateway rejected or failed an
// operation.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string { return fmt.Sprintf("gateway %s: %v", e.Op, e.Err) }
func (e *GatewayError) Unwrap() error { return e.Err }

// SecurityError reports a failed webhook signature check. Requests carrying
// it are rejected outright.
type SecurityError struct {
	Msg string
}

func (e *SecurityError) Error() string { return e.Msg }

// NotFoundError reports a missing tenant, payment, schedule, or credential.
type NotFoundError struct {
	Resource string
	Ref      string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Resource, e.Ref) }

// TransientIOError reports a timed-out gateway call whose true outcome is
// unknown until reconciliation resolves it.
type TransientIOError struct {
	Err error
}

func (e *TransientIOError) Error() string { return fmt.Sprintf("transient gateway error: %v", e.Err) }
func (e *TransientIOError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransient reports whether err is a TransientIOError.
func IsTransient(err error) bool {
	var te *TransientIOError
	return errors.As(err, &te)
}
