package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Tracking session repository methods. All state transitions are guarded on
// status = 'tracking' so terminal sessions are never mutated.

const trackingSessionColumns = `id, user_id, symbol, provider_symbol, prediction, entry_time,
	round, max_rounds, status, rounds, quote_attempts, next_check_at,
	last_activity_at, created_at, updated_at`

// CreateTrackingSession inserts a new session
func (r *Repository) CreateTrackingSession(ctx context.Context, s *TrackingSession) error {
	roundsJSON, err := json.Marshal(s.Rounds)
	if err != nil {
		return fmt.Errorf("failed to marshal rounds: %w", err)
	}

	query := `
		INSERT INTO tracking_sessions (
			id, user_id, symbol, provider_symbol, prediction, entry_time,
			round, max_rounds, status, rounds, next_check_at, last_activity_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		RETURNING created_at, updated_at, last_activity_at`

	return r.db.Pool.QueryRow(ctx, query,
		s.ID, s.UserID, s.Symbol, s.ProviderSymbol, s.Prediction, s.EntryTime,
		s.Round, s.MaxRounds, s.Status, roundsJSON, s.NextCheckAt,
	).Scan(&s.CreatedAt, &s.UpdatedAt, &s.LastActivityAt)
}

// GetTrackingSession retrieves a session by id
func (r *Repository) GetTrackingSession(ctx context.Context, id string) (*TrackingSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM tracking_sessions WHERE id = $1`, trackingSessionColumns)

	s, err := scanTrackingSession(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// GetActiveSessionByUser returns the user's live session, or nil
func (r *Repository) GetActiveSessionByUser(ctx context.Context, userID string) (*TrackingSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tracking_sessions
		WHERE user_id = $1 AND status = 'tracking'
		ORDER BY created_at DESC
		LIMIT 1`, trackingSessionColumns)

	s, err := scanTrackingSession(r.db.Pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// ClaimDueSessions atomically claims sessions whose check is due. Claiming
// pushes next_check_at forward by reclaimAfter, so a worker that dies
// mid-check loses the claim rather than the round.
func (r *Repository) ClaimDueSessions(ctx context.Context, now time.Time, reclaimAfter time.Duration, limit int) ([]TrackingSession, error) {
	query := fmt.Sprintf(`
		UPDATE tracking_sessions
		SET next_check_at = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM tracking_sessions
			WHERE status = 'tracking' AND next_check_at IS NOT NULL AND next_check_at <= $2
			ORDER BY next_check_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, trackingSessionColumns)

	rows, err := r.db.Pool.Query(ctx, query, now.Add(reclaimAfter), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []TrackingSession
	for rows.Next() {
		s, err := scanTrackingSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// AdvanceSessionRound persists the result of a completed round and schedules
// the next one. No-ops (returns false) if the session left 'tracking'.
func (r *Repository) AdvanceSessionRound(ctx context.Context, id string, round int, rounds []RoundResult, nextCheckAt time.Time) (bool, error) {
	roundsJSON, err := json.Marshal(rounds)
	if err != nil {
		return false, fmt.Errorf("failed to marshal rounds: %w", err)
	}

	query := `
		UPDATE tracking_sessions
		SET round = $2, rounds = $3, quote_attempts = 0, next_check_at = $4,
			last_activity_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'tracking'`

	tag, err := r.db.Pool.Exec(ctx, query, id, round, roundsJSON, nextCheckAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordQuoteFailure bumps the retry counter and reschedules the same round
func (r *Repository) RecordQuoteFailure(ctx context.Context, id string, attempts int, retryAt time.Time) (bool, error) {
	query := `
		UPDATE tracking_sessions
		SET quote_attempts = $2, next_check_at = $3, last_activity_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'tracking'`

	tag, err := r.db.Pool.Exec(ctx, query, id, attempts, retryAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FinishSession moves a session to a terminal status. The status = 'tracking'
// guard makes the transition atomic against cancellation and concurrent
// checks; callers must treat false as "someone else got there first".
func (r *Repository) FinishSession(ctx context.Context, id, status string, rounds []RoundResult) (bool, error) {
	roundsJSON, err := json.Marshal(rounds)
	if err != nil {
		return false, fmt.Errorf("failed to marshal rounds: %w", err)
	}

	query := `
		UPDATE tracking_sessions
		SET status = $2, rounds = $3, next_check_at = NULL,
			last_activity_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'tracking'`

	tag, err := r.db.Pool.Exec(ctx, query, id, status, roundsJSON)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CancelActiveSession cancels the user's live session, returning it if one
// was cancelled
func (r *Repository) CancelActiveSession(ctx context.Context, userID string) (*TrackingSession, error) {
	query := fmt.Sprintf(`
		UPDATE tracking_sessions
		SET status = 'cancelled', next_check_at = NULL,
			last_activity_at = NOW(), updated_at = NOW()
		WHERE user_id = $1 AND status = 'tracking'
		RETURNING %s`, trackingSessionColumns)

	s, err := scanTrackingSession(r.db.Pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// ForceErrorIdleSessions terminates sessions with no activity since cutoff.
// Recovery sweep for leaked sessions and their advisory locks.
func (r *Repository) ForceErrorIdleSessions(ctx context.Context, cutoff time.Time) ([]TrackingSession, error) {
	query := fmt.Sprintf(`
		UPDATE tracking_sessions
		SET status = 'error', next_check_at = NULL, updated_at = NOW()
		WHERE status = 'tracking' AND last_activity_at < $1
		RETURNING %s`, trackingSessionColumns)

	rows, err := r.db.Pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []TrackingSession
	for rows.Next() {
		s, err := scanTrackingSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// GetSessionHistory returns a user's most recent sessions
func (r *Repository) GetSessionHistory(ctx context.Context, userID string, limit int) ([]TrackingSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tracking_sessions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, trackingSessionColumns)

	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []TrackingSession
	for rows.Next() {
		s, err := scanTrackingSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func scanTrackingSession(row pgx.Row) (*TrackingSession, error) {
	var s TrackingSession
	var roundsJSON []byte

	err := row.Scan(
		&s.ID, &s.UserID, &s.Symbol, &s.ProviderSymbol, &s.Prediction, &s.EntryTime,
		&s.Round, &s.MaxRounds, &s.Status, &roundsJSON, &s.QuoteAttempts, &s.NextCheckAt,
		&s.LastActivityAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(roundsJSON) > 0 {
		if err := json.Unmarshal(roundsJSON, &s.Rounds); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rounds: %w", err)
		}
	}
	return &s, nil
}
