package billing

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Store is the persistence interface for the four billing tables:
// credentials, subscriptions, schedules, and payments.
type Store interface {
	// Credentials
	ActiveCredential(ctx context.Context, tenantID int64) (*Credential, error)
	CredentialByID(ctx context.Context, id int64) (*Credential, error)
	InsertCredential(ctx context.Context, c *Credential) error
	RetireCredential(ctx context.Context, id int64, status CredentialStatus, deletedAt time.Time) error

	// Subscriptions
	ActiveSubscription(ctx context.Context, tenantID int64) (*Subscription, error)
	SubscriptionByTenant(ctx context.Context, tenantID int64) (*Subscription, error)
	UpdateSubscription(ctx context.Context, s *Subscription) error
	// CreateSubscription persists the subscription, its schedule, and the
	// first payment in a single transaction.
	CreateSubscription(ctx context.Context, s *Subscription, sched *Schedule, p *Payment) error

	// Schedules
	DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)
	ScheduleByID(ctx context.Context, id int64) (*Schedule, error)
	ScheduleBySubscription(ctx context.Context, subscriptionID int64) (*Schedule, error)
	UpdateSchedule(ctx context.Context, s *Schedule) error

	// Payments
	InsertPayment(ctx context.Context, p *Payment) error
	PaymentByMerchantRef(ctx context.Context, ref string) (*Payment, error)
	PaymentByTransactionID(ctx context.Context, transactionID string) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	CountFailedPayments(ctx context.Context, tenantID int64, since time.Time) (int, error)
	ListPayments(ctx context.Context, tenantID int64, limit int) ([]*Payment, error)
}

// PostgresStore implements Store over PostgreSQL.
//
// Expected schema:
//
//	credentials(id, tenant_id, gateway_ref, card_brand, card_last4, status,
//	            created_at, deleted_at)
//	  with a partial unique index on tenant_id where status = 'ACTIVE'
//	subscriptions(id, tenant_id, plan, status, cycle, auto_renew, started_at,
//	              next_billing_at, ended_at, comment_count, created_at, updated_at)
//	  with a partial unique index on tenant_id where status = 'ACTIVE'
//	schedules(id, tenant_id, subscription_id, credential_id, plan, amount_cents,
//	          cycle, next_charge_at, last_charge_at, status, created_at, updated_at)
//	payments(id, tenant_id, merchant_ref UNIQUE, transaction_id, amount_cents,
//	         status, schedule_id, attempted_at, paid_at, failure_reason)
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const credentialColumns = `id, tenant_id, gateway_ref, card_brand, card_last4, status, created_at, deleted_at`

func scanCredential(row interface{ Scan(...interface{}) error }) (*Credential, error) {
	c := &Credential{}
	var brand, last4 sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&c.ID, &c.TenantID, &c.GatewayRef, &brand, &last4, &c.Status, &c.CreatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	c.CardBrand = brand.String
	c.CardLast4 = last4.String
	if deletedAt.Valid {
		c.DeletedAt = &deletedAt.Time
	}
	return c, nil
}

// ActiveCredential returns the tenant's ACTIVE credential.
func (s *PostgresStore) ActiveCredential(ctx context.Context, tenantID int64) (*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE tenant_id = $1 AND status = $2`
	c, err := scanCredential(s.db.QueryRowContext(ctx, query, tenantID, CredentialStatusActive))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "credential", Ref: strconv.FormatInt(tenantID, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, nil
}

// CredentialByID returns a credential by primary key.
func (s *PostgresStore) CredentialByID(ctx context.Context, id int64) (*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = $1`
	c, err := scanCredential(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "credential", Ref: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, nil
}

// InsertCredential persists a new credential and fills its id.
func (s *PostgresStore) InsertCredential(ctx context.Context, c *Credential) error {
	query := `
		INSERT INTO credentials (tenant_id, gateway_ref, card_brand, card_last4, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query, c.TenantID, c.GatewayRef, c.CardBrand, c.CardLast4, c.Status).
		Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

// RetireCredential soft-deletes a credential. Rows are never removed.
func (s *PostgresStore) RetireCredential(ctx context.Context, id int64, status CredentialStatus, deletedAt time.Time) error {
	query := `UPDATE credentials SET status = $1, deleted_at = $2 WHERE id = $3`
	result, err := s.db.ExecContext(ctx, query, status, deletedAt, id)
	if err != nil {
		return fmt.Errorf("failed to retire credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &NotFoundError{Resource: "credential", Ref: strconv.FormatInt(id, 10)}
	}
	return nil
}

const subscriptionColumns = `id, tenant_id, plan, status, cycle, auto_renew, started_at, next_billing_at, ended_at, comment_count, created_at, updated_at`

func scanSubscription(row interface{ Scan(...interface{}) error }) (*Subscription, error) {
	sub := &Subscription{}
	var endedAt sql.NullTime
	err := row.Scan(&sub.ID, &sub.TenantID, &sub.Plan, &sub.Status, &sub.Cycle, &sub.AutoRenew,
		&sub.StartedAt, &sub.NextBillingAt, &endedAt, &sub.CommentCount, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		sub.EndedAt = &endedAt.Time
	}
	return sub, nil
}

// ActiveSubscription returns the tenant's ACTIVE subscription.
func (s *PostgresStore) ActiveSubscription(ctx context.Context, tenantID int64) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE tenant_id = $1 AND status = $2`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, tenantID, SubscriptionStatusActive))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "subscription", Ref: strconv.FormatInt(tenantID, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// SubscriptionByTenant returns the tenant's most recent subscription in any
// state.
func (s *PostgresStore) SubscriptionByTenant(ctx context.Context, tenantID int64) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT 1`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, tenantID))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "subscription", Ref: strconv.FormatInt(tenantID, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// UpdateSubscription persists subscription state changes.
func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		UPDATE subscriptions
		SET plan = $1, status = $2, cycle = $3, auto_renew = $4,
		    next_billing_at = $5, ended_at = $6, comment_count = $7, updated_at = NOW()
		WHERE id = $8
	`
	result, err := s.db.ExecContext(ctx, query, sub.Plan, sub.Status, sub.Cycle, sub.AutoRenew,
		sub.NextBillingAt, sub.EndedAt, sub.CommentCount, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &NotFoundError{Resource: "subscription", Ref: strconv.FormatInt(sub.ID, 10)}
	}
	return nil
}

// CreateSubscription persists the subscription, its schedule, and the first
// payment atomically. The payment row is expected to carry its terminal
// status from the synchronous charge.
func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription, sched *Schedule, p *Payment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	subQuery := `
		INSERT INTO subscriptions (tenant_id, plan, status, cycle, auto_renew, started_at, next_billing_at, comment_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, subQuery, sub.TenantID, sub.Plan, sub.Status, sub.Cycle,
		sub.AutoRenew, sub.StartedAt, sub.NextBillingAt, sub.CommentCount).
		Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}

	sched.SubscriptionID = sub.ID
	schedQuery := `
		INSERT INTO schedules (tenant_id, subscription_id, credential_id, plan, amount_cents, cycle, next_charge_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, schedQuery, sched.TenantID, sched.SubscriptionID, sched.CredentialID,
		sched.Plan, sched.AmountCents, sched.Cycle, sched.NextChargeAt, sched.Status).
		Scan(&sched.ID, &sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}

	payQuery := `
		INSERT INTO payments (tenant_id, merchant_ref, transaction_id, amount_cents, status, schedule_id, attempted_at, paid_at, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err = tx.QueryRowContext(ctx, payQuery, p.TenantID, p.MerchantRef, nullString(p.TransactionID),
		p.AmountCents, p.Status, p.ScheduleID, p.AttemptedAt, p.PaidAt, nullString(p.FailureReason)).
		Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	return tx.Commit()
}

const scheduleColumns = `id, tenant_id, subscription_id, credential_id, plan, amount_cents, cycle, next_charge_at, last_charge_at, status, created_at, updated_at`

func scanSchedule(row interface{ Scan(...interface{}) error }) (*Schedule, error) {
	sched := &Schedule{}
	var lastChargeAt sql.NullTime
	err := row.Scan(&sched.ID, &sched.TenantID, &sched.SubscriptionID, &sched.CredentialID,
		&sched.Plan, &sched.AmountCents, &sched.Cycle, &sched.NextChargeAt, &lastChargeAt,
		&sched.Status, &sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastChargeAt.Valid {
		sched.LastChargeAt = &lastChargeAt.Time
	}
	return sched, nil
}

// DueSchedules returns all SCHEDULED schedules whose next charge date has
// arrived. The filter is stable and monotonic, so re-running a sweep after a
// crash is safe.
func (s *PostgresStore) DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE status = $1 AND next_charge_at <= $2 ORDER BY next_charge_at`
	rows, err := s.db.QueryContext(ctx, query, ScheduleStatusScheduled, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// ScheduleByID returns a schedule by primary key.
func (s *PostgresStore) ScheduleByID(ctx context.Context, id int64) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`
	sched, err := scanSchedule(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "schedule", Ref: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return sched, nil
}

// ScheduleBySubscription returns the schedule attached to a subscription.
func (s *PostgresStore) ScheduleBySubscription(ctx context.Context, subscriptionID int64) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE subscription_id = $1 ORDER BY created_at DESC LIMIT 1`
	sched, err := scanSchedule(s.db.QueryRowContext(ctx, query, subscriptionID))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "schedule", Ref: strconv.FormatInt(subscriptionID, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return sched, nil
}

// UpdateSchedule persists schedule state changes.
func (s *PostgresStore) UpdateSchedule(ctx context.Context, sched *Schedule) error {
	query := `
		UPDATE schedules
		SET credential_id = $1, plan = $2, amount_cents = $3, cycle = $4,
		    next_charge_at = $5, last_charge_at = $6, status = $7, updated_at = NOW()
		WHERE id = $8
	`
	result, err := s.db.ExecContext(ctx, query, sched.CredentialID, sched.Plan, sched.AmountCents,
		sched.Cycle, sched.NextChargeAt, sched.LastChargeAt, sched.Status, sched.ID)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &NotFoundError{Resource: "schedule", Ref: strconv.FormatInt(sched.ID, 10)}
	}
	return nil
}

const paymentColumns = `id, tenant_id, merchant_ref, transaction_id, amount_cents, status, schedule_id, attempted_at, paid_at, failure_reason`

func scanPayment(row interface{ Scan(...interface{}) error }) (*Payment, error) {
	p := &Payment{}
	var txID, failureReason sql.NullString
	var scheduleID sql.NullInt64
	var paidAt sql.NullTime
	err := row.Scan(&p.ID, &p.TenantID, &p.MerchantRef, &txID, &p.AmountCents, &p.Status,
		&scheduleID, &p.AttemptedAt, &paidAt, &failureReason)
	if err != nil {
		return nil, err
	}
	p.TransactionID = txID.String
	p.FailureReason = failureReason.String
	if scheduleID.Valid {
		p.ScheduleID = &scheduleID.Int64
	}
	if paidAt.Valid {
		p.PaidAt = &paidAt.Time
	}
	return p, nil
}

// InsertPayment persists a charge attempt and fills its id.
func (s *PostgresStore) InsertPayment(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (tenant_id, merchant_ref, transaction_id, amount_cents, status, schedule_id, attempted_at, paid_at, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query, p.TenantID, p.MerchantRef, nullString(p.TransactionID),
		p.AmountCents, p.Status, p.ScheduleID, p.AttemptedAt, p.PaidAt, nullString(p.FailureReason)).
		Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// PaymentByMerchantRef returns the payment carrying the idempotency key.
func (s *PostgresStore) PaymentByMerchantRef(ctx context.Context, ref string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE merchant_ref = $1`
	p, err := scanPayment(s.db.QueryRowContext(ctx, query, ref))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "payment", Ref: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// PaymentByTransactionID returns the payment for a gateway transaction.
func (s *PostgresStore) PaymentByTransactionID(ctx context.Context, transactionID string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_id = $1`
	p, err := scanPayment(s.db.QueryRowContext(ctx, query, transactionID))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "payment", Ref: transactionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// UpdatePayment persists payment state changes.
func (s *PostgresStore) UpdatePayment(ctx context.Context, p *Payment) error {
	query := `
		UPDATE payments
		SET transaction_id = $1, status = $2, paid_at = $3, failure_reason = $4
		WHERE id = $5
	`
	result, err := s.db.ExecContext(ctx, query, nullString(p.TransactionID), p.Status, p.PaidAt,
		nullString(p.FailureReason), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &NotFoundError{Resource: "payment", Ref: strconv.FormatInt(p.ID, 10)}
	}
	return nil
}

// CountFailedPayments counts FAILED payments for a tenant since the given
// time. The reconciler uses it for the suspension policy.
func (s *PostgresStore) CountFailedPayments(ctx context.Context, tenantID int64, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM payments WHERE tenant_id = $1 AND status = $2 AND attempted_at >= $3`
	var count int
	if err := s.db.QueryRowContext(ctx, query, tenantID, PaymentStatusFailed, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count failed payments: %w", err)
	}
	return count, nil
}

// ListPayments returns a tenant's payment history, newest first.
func (s *PostgresStore) ListPayments(ctx context.Context, tenantID int64, limit int) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE tenant_id = $1 ORDER BY attempted_at DESC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
