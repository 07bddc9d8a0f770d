package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Pending payment repository methods. The status = 'pending' guard on every
// transition is what makes completion, expiry and cancellation race-safe.

const pendingPaymentColumns = `id, user_id, package_id, credits, base_price, tag_cents,
	total_amount, status, created_at, expires_at, paid_at, event_id`

// CreatePendingPayment inserts a new pending payment
func (r *Repository) CreatePendingPayment(ctx context.Context, p *PendingPayment) error {
	query := `
		INSERT INTO pending_payments (
			id, user_id, package_id, credits, base_price, tag_cents,
			total_amount, status, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`

	return r.db.Pool.QueryRow(ctx, query,
		p.ID, p.UserID, p.PackageID, p.Credits, p.BasePrice, p.TagCents,
		p.TotalAmount, p.Status, p.ExpiresAt,
	).Scan(&p.CreatedAt)
}

// GetLivePendingPayment returns the user's unexpired pending payment, or nil
func (r *Repository) GetLivePendingPayment(ctx context.Context, userID string, now time.Time) (*PendingPayment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM pending_payments
		WHERE user_id = $1 AND status = 'pending' AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1`, pendingPaymentColumns)

	p, err := scanPendingPayment(r.db.Pool.QueryRow(ctx, query, userID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// CountRecentPaymentsWithTag counts pending or completed payments created
// since the given time that carry the candidate tag. Queried across all
// users: the tag makes total_amount globally unique within the window.
func (r *Repository) CountRecentPaymentsWithTag(ctx context.Context, tagCents int, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM pending_payments
		WHERE tag_cents = $1 AND created_at >= $2 AND status IN ('pending', 'completed')`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, tagCents, since).Scan(&count)
	return count, err
}

// FindMatchCandidates returns unexpired pending payments whose total amount
// exactly equals the event amount, oldest first
func (r *Repository) FindMatchCandidates(ctx context.Context, amount decimal.Decimal, now time.Time) ([]PendingPayment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM pending_payments
		WHERE status = 'pending' AND expires_at > $2 AND total_amount = $1
		ORDER BY created_at`, pendingPaymentColumns)

	rows, err := r.db.Pool.Query(ctx, query, amount, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []PendingPayment
	for rows.Next() {
		p, err := scanPendingPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// CompletePaymentAndCredit marks a payment completed and appends the ledger
// credit in one transaction. Returns false if the payment already left
// 'pending' (expired, cancelled, or matched by another event). Either both
// the status change and the credit commit, or neither does: a failed credit
// leaves the payment pending so a webhook retry can match it again.
func (r *Repository) CompletePaymentAndCredit(ctx context.Context, id, userID string, credits int64, paidAt time.Time, eventID string) (bool, int64, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("failed to begin completion tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE pending_payments
		SET status = 'completed', paid_at = $2, event_id = $3
		WHERE id = $1 AND status = 'pending'`,
		id, paidAt, eventID)
	if err != nil {
		return false, 0, err
	}
	if tag.RowsAffected() != 1 {
		return false, 0, nil
	}

	paymentID := id
	balance, _, err := applyLedgerDeltaTx(ctx, tx, userID, credits, ReasonPurchase, &paymentID)
	if err != nil {
		return false, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("failed to commit completion tx: %w", err)
	}
	return true, balance, nil
}

// FindPaymentByEventID returns the payment completed by the given event, if
// any. Used when a replayed event finds its durable record in 'processing':
// the earlier delivery may have committed the match before it died.
func (r *Repository) FindPaymentByEventID(ctx context.Context, eventID string) (*PendingPayment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM pending_payments
		WHERE event_id = $1 AND status = 'completed'
		LIMIT 1`, pendingPaymentColumns)

	p, err := scanPendingPayment(r.db.Pool.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// ExpireStalePayments bulk-expires pending payments past their deadline and
// returns them so locks can be released and users notified
func (r *Repository) ExpireStalePayments(ctx context.Context, now time.Time) ([]PendingPayment, error) {
	query := fmt.Sprintf(`
		UPDATE pending_payments
		SET status = 'expired'
		WHERE status = 'pending' AND expires_at <= $1
		RETURNING %s`, pendingPaymentColumns)

	rows, err := r.db.Pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []PendingPayment
	for rows.Next() {
		p, err := scanPendingPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// CancelPendingPayment cancels the user's pending payment, returning it if
// one was cancelled
func (r *Repository) CancelPendingPayment(ctx context.Context, userID string) (*PendingPayment, error) {
	query := fmt.Sprintf(`
		UPDATE pending_payments
		SET status = 'cancelled'
		WHERE user_id = $1 AND status = 'pending'
		RETURNING %s`, pendingPaymentColumns)

	p, err := scanPendingPayment(r.db.Pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// RecordPaymentEvent inserts the processed-event record. Returns false when
// the event id was already recorded by an earlier delivery.
func (r *Repository) RecordPaymentEvent(ctx context.Context, eventID string, amount decimal.Decimal) (bool, error) {
	query := `
		INSERT INTO payment_events (event_id, amount)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`

	tag, err := r.db.Pool.Exec(ctx, query, eventID, amount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetPaymentEventOutcome returns the recorded outcome of an event.
// 'processing' means an earlier delivery never reached a terminal outcome;
// the caller may take the event over.
func (r *Repository) GetPaymentEventOutcome(ctx context.Context, eventID string) (string, error) {
	var outcome string
	err := r.db.Pool.QueryRow(ctx,
		`SELECT outcome FROM payment_events WHERE event_id = $1`,
		eventID,
	).Scan(&outcome)
	return outcome, err
}

// UpdatePaymentEventOutcome records how an event was resolved
func (r *Repository) UpdatePaymentEventOutcome(ctx context.Context, eventID, outcome string, txTime *time.Time, matchedPaymentID *string) error {
	query := `
		UPDATE payment_events
		SET outcome = $2, tx_time = $3, matched_payment_id = $4, processed_at = NOW()
		WHERE event_id = $1`

	_, err := r.db.Pool.Exec(ctx, query, eventID, outcome, txTime, matchedPaymentID)
	return err
}

func scanPendingPayment(row pgx.Row) (*PendingPayment, error) {
	var p PendingPayment
	err := row.Scan(
		&p.ID, &p.UserID, &p.PackageID, &p.Credits, &p.BasePrice, &p.TagCents,
		&p.TotalAmount, &p.Status, &p.CreatedAt, &p.ExpiresAt, &p.PaidAt, &p.EventID,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
