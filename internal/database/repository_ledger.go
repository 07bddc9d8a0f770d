package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Ledger repository methods. Balance and entries move together inside one
// transaction; the applied (clamped) delta is what the entry records, so
// sum(entries) == balance holds at all times.

// ApplyLedgerDelta credits or debits an account. A debit that would take the
// balance below zero is clamped so only the available amount is deducted.
// Returns the new balance and the delta actually applied.
func (r *Repository) ApplyLedgerDelta(ctx context.Context, userID string, delta int64, reason string, paymentID *string) (int64, int64, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	newBalance, applied, err := applyLedgerDeltaTx(ctx, tx, userID, delta, reason, paymentID)
	if err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to commit ledger tx: %w", err)
	}

	return newBalance, applied, nil
}

// applyLedgerDeltaTx is the balance-and-entry write running inside the
// caller's transaction, so the delta can commit or roll back together with
// whatever state change earned it.
func applyLedgerDeltaTx(ctx context.Context, tx pgx.Tx, userID string, delta int64, reason string, paymentID *string) (int64, int64, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	); err != nil {
		return 0, 0, fmt.Errorf("failed to ensure ledger account: %w", err)
	}

	var balance int64
	if err := tx.QueryRow(ctx,
		`SELECT balance FROM ledger_accounts WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&balance); err != nil {
		return 0, 0, fmt.Errorf("failed to lock ledger account: %w", err)
	}

	applied := delta
	if balance+delta < 0 {
		applied = -balance
	}
	newBalance := balance + applied

	if _, err := tx.Exec(ctx,
		`UPDATE ledger_accounts SET balance = $2, updated_at = NOW() WHERE user_id = $1`,
		userID, newBalance,
	); err != nil {
		return 0, 0, fmt.Errorf("failed to update balance: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, delta, reason, payment_id) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), userID, applied, reason, paymentID,
	); err != nil {
		return 0, 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return newBalance, applied, nil
}

// GetLedgerBalance returns the account balance, zero for unknown accounts
func (r *Repository) GetLedgerBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT balance FROM ledger_accounts WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// GetLedgerEntries returns a user's most recent entries
func (r *Repository) GetLedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	query := `
		SELECT id, user_id, delta, reason, payment_id, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Reason, &e.PaymentID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
