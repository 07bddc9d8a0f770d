// Package ledger owns the credit ledger: a running balance per user plus an
// immutable entry log. Debits are clamped so a balance never goes negative.
package ledger

import (
	"context"
	"fmt"

	"candle-signal-bot/internal/database"
	"candle-signal-bot/internal/logging"
)

// Store is the persistence surface the ledger needs
type Store interface {
	ApplyLedgerDelta(ctx context.Context, userID string, delta int64, reason string, paymentID *string) (int64, int64, error)
	GetLedgerBalance(ctx context.Context, userID string) (int64, error)
	GetLedgerEntries(ctx context.Context, userID string, limit int) ([]database.LedgerEntry, error)
}

var validReasons = map[string]bool{
	database.ReasonInitial:  true,
	database.ReasonUse:      true,
	database.ReasonReferral: true,
	database.ReasonReferred: true,
	database.ReasonPurchase: true,
}

// Service exposes credit and balance operations
type Service struct {
	store Store
	log   *logging.Logger
}

// NewService creates a ledger service
func NewService(store Store, log *logging.Logger) *Service {
	return &Service{
		store: store,
		log:   log.WithComponent("ledger"),
	}
}

// Credit applies a signed delta to the account. Negative deltas are debits
// and are clamped at zero balance. Returns the new balance.
func (s *Service) Credit(ctx context.Context, userID string, delta int64, reason string, paymentID *string) (int64, error) {
	if !validReasons[reason] {
		return 0, fmt.Errorf("unknown ledger reason %q", reason)
	}
	if delta == 0 {
		return s.store.GetLedgerBalance(ctx, userID)
	}

	newBalance, applied, err := s.store.ApplyLedgerDelta(ctx, userID, delta, reason, paymentID)
	if err != nil {
		return 0, fmt.Errorf("ledger delta failed: %w", err)
	}

	if applied != delta {
		s.log.Warn("debit clamped to available balance",
			"user_id", userID, "requested", delta, "applied", applied)
	}
	s.log.Info("ledger entry applied",
		"user_id", userID, "delta", applied, "reason", reason, "balance", newBalance)

	return newBalance, nil
}

// Balance returns the current credit balance
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.store.GetLedgerBalance(ctx, userID)
}

// Entries returns the most recent ledger entries for a user
func (s *Service) Entries(ctx context.Context, userID string, limit int) ([]database.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.GetLedgerEntries(ctx, userID, limit)
}
