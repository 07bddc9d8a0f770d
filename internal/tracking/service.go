// Package tracking owns the outcome tracking engine: a per-user session state
// machine that evaluates an UP/DOWN call against 5-minute candles for up to
// maxRounds rounds and reports the outcome through the messaging gateway.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"candle-signal-bot/config"
	"candle-signal-bot/internal/database"
	"candle-signal-bot/internal/events"
	"candle-signal-bot/internal/logging"
	"candle-signal-bot/internal/metrics"
	"candle-signal-bot/internal/notify"
	"candle-signal-bot/internal/quote"
)

var (
	// ErrSessionAlreadyActive is returned when the user already has a live session
	ErrSessionAlreadyActive = errors.New("tracking session already active")

	// ErrInvalidInstrument is returned for symbols outside the supported set
	ErrInvalidInstrument = errors.New("unsupported instrument")

	// ErrInvalidPrediction is returned for directions other than UP/DOWN
	ErrInvalidPrediction = errors.New("prediction must be UP or DOWN")
)

// Store is the persistence surface the engine needs
type Store interface {
	CreateTrackingSession(ctx context.Context, s *database.TrackingSession) error
	GetActiveSessionByUser(ctx context.Context, userID string) (*database.TrackingSession, error)
	AdvanceSessionRound(ctx context.Context, id string, round int, rounds []database.RoundResult, nextCheckAt time.Time) (bool, error)
	RecordQuoteFailure(ctx context.Context, id string, attempts int, retryAt time.Time) (bool, error)
	FinishSession(ctx context.Context, id, status string, rounds []database.RoundResult) (bool, error)
	CancelActiveSession(ctx context.Context, userID string) (*database.TrackingSession, error)
}

// Quotes fetches candles from the quote source
type Quotes interface {
	GetCandle(ctx context.Context, symbol string, atTime time.Time) (*quote.Candle, error)
}

// Locks is the per-user advisory lock surface
type Locks interface {
	AcquireTrackingLock(ctx context.Context, userID string, ttl time.Duration) (bool, error)
	ReleaseTrackingLock(ctx context.Context, userID string)
}

// Service drives tracking session lifecycle
type Service struct {
	store   Store
	quotes  Quotes
	gateway notify.Gateway
	locks   Locks
	symbols *quote.Registry
	bus     *events.EventBus
	cfg     config.TrackingConfig
	log     *logging.Logger

	now func() time.Time
}

// NewService creates the tracking engine
func NewService(store Store, quotes Quotes, gateway notify.Gateway, locks Locks, symbols *quote.Registry, bus *events.EventBus, cfg config.TrackingConfig, log *logging.Logger) *Service {
	return &Service{
		store:   store,
		quotes:  quotes,
		gateway: gateway,
		locks:   locks,
		symbols: symbols,
		bus:     bus,
		cfg:     cfg,
		log:     log.WithComponent("tracking"),
		now:     time.Now,
	}
}

// Start creates a tracking session for the user's prediction and schedules
// the first round check. At most one live session per user.
func (s *Service) Start(ctx context.Context, userID, symbol, prediction string) (*database.TrackingSession, error) {
	if prediction != database.PredictionUp && prediction != database.PredictionDown {
		return nil, ErrInvalidPrediction
	}

	providerSymbol, ok := s.symbols.Resolve(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInstrument, symbol)
	}

	active, err := s.store.GetActiveSessionByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active session: %w", err)
	}
	if active != nil {
		return nil, ErrSessionAlreadyActive
	}

	acquired, err := s.locks.AcquireTrackingLock(ctx, userID, s.cfg.IdleCeiling)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire tracking lock: %w", err)
	}
	if !acquired {
		return nil, ErrSessionAlreadyActive
	}

	now := s.now().UTC()
	firstCheck := s.nextCheckTime(now, 1, now)
	session := &database.TrackingSession{
		ID:             uuid.New().String(),
		UserID:         userID,
		Symbol:         symbol,
		ProviderSymbol: providerSymbol,
		Prediction:     prediction,
		EntryTime:      now,
		Round:          1,
		MaxRounds:      s.cfg.MaxRounds,
		Status:         database.SessionTracking,
		Rounds:         []database.RoundResult{},
		NextCheckAt:    &firstCheck,
	}

	if err := s.store.CreateTrackingSession(ctx, session); err != nil {
		s.locks.ReleaseTrackingLock(ctx, userID)
		if database.IsUniqueViolation(err) {
			// Another request slipped past the lock; the partial unique
			// index on live sessions is the backstop.
			return nil, ErrSessionAlreadyActive
		}
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	metrics.SessionsStarted.Inc()
	metrics.ActiveSessions.Inc()
	s.log.Info("session started",
		"session_id", session.ID, "user_id", userID, "symbol", symbol, "prediction", prediction)

	s.notify(ctx, userID, fmt.Sprintf(
		"📊 Tracking started: %s %s\nFirst check in %d minutes. You get up to %d rounds.",
		symbol, prediction, int(s.cfg.RoundInterval.Minutes()), s.cfg.MaxRounds))

	s.bus.Publish(events.EventSessionStarted, map[string]interface{}{
		"session_id": session.ID,
		"user_id":    userID,
		"symbol":     symbol,
		"prediction": prediction,
	})

	return session, nil
}

// CheckRound evaluates one due round for a claimed session. Safe to call on
// sessions that terminated in the meantime: every transition is guarded on
// the session still being live, so a stale check is an idempotent no-op.
func (s *Service) CheckRound(ctx context.Context, session *database.TrackingSession) {
	if session.Status != database.SessionTracking {
		return
	}

	now := s.now().UTC()
	dueTime := session.EntryTime.Add(time.Duration(session.Round) * s.cfg.RoundInterval)

	candle, err := s.quotes.GetCandle(ctx, session.ProviderSymbol, dueTime)
	if err != nil {
		s.handleQuoteFailure(ctx, session, now, err)
		return
	}

	isCorrect := (session.Prediction == database.PredictionUp && candle.Color == quote.ColorUp) ||
		(session.Prediction == database.PredictionDown && candle.Color == quote.ColorDown)

	result := database.RoundResult{
		Round:       session.Round,
		CheckedAt:   now,
		CandleColor: candle.Color,
		Open:        candle.Open,
		Close:       candle.Close,
		IsCorrect:   isCorrect,
	}
	rounds := append(session.Rounds, result)

	if isCorrect {
		metrics.RoundsChecked.WithLabelValues("correct").Inc()
		s.finish(ctx, session, database.SessionWon, rounds,
			fmt.Sprintf("✅ Round %d: %s closed %s — you called it!\nSend a new prediction to trade again.",
				session.Round, session.Symbol, candle.Color))
		return
	}

	metrics.RoundsChecked.WithLabelValues("incorrect").Inc()

	if session.Round >= session.MaxRounds {
		s.finish(ctx, session, database.SessionLost, rounds,
			fmt.Sprintf("❌ Round %d/%d: %s closed %s.\n%s\nSend a new prediction to trade again.",
				session.Round, session.MaxRounds, session.Symbol, candle.Color, formatHistory(rounds)))
		return
	}

	nextRound := session.Round + 1
	nextCheck := s.nextCheckTime(session.EntryTime, nextRound, now)
	ok, err := s.store.AdvanceSessionRound(ctx, session.ID, nextRound, rounds, nextCheck)
	if err != nil {
		s.log.Error("failed to advance round", "session_id", session.ID, "error", err)
		return
	}
	if !ok {
		// Session was cancelled or terminated while we were checking.
		return
	}

	s.notify(ctx, session.UserID, fmt.Sprintf(
		"🔁 Round %d/%d: %s closed %s — not yet. Next check in %d minutes.",
		session.Round, session.MaxRounds, session.Symbol, candle.Color,
		int(s.cfg.RoundInterval.Minutes())))

	s.bus.Publish(events.EventRoundResult, map[string]interface{}{
		"session_id": session.ID,
		"user_id":    session.UserID,
		"round":      session.Round,
		"color":      candle.Color,
		"correct":    false,
	})
}

// Cancel terminates the user's live session. Returns false when there is
// nothing to cancel.
func (s *Service) Cancel(ctx context.Context, userID string) (bool, error) {
	session, err := s.store.CancelActiveSession(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel session: %w", err)
	}
	if session == nil {
		return false, nil
	}

	s.locks.ReleaseTrackingLock(ctx, userID)
	metrics.SessionsFinished.WithLabelValues(database.SessionCancelled).Inc()
	metrics.ActiveSessions.Dec()
	s.log.Info("session cancelled", "session_id", session.ID, "user_id", userID)

	s.notify(ctx, userID, fmt.Sprintf("🚫 Tracking for %s %s cancelled.", session.Symbol, session.Prediction))
	s.bus.Publish(events.EventSessionCancelled, map[string]interface{}{
		"session_id": session.ID,
		"user_id":    userID,
	})
	return true, nil
}

// Instruments returns the supported instrument symbols
func (s *Service) Instruments() []string {
	return s.symbols.Instruments()
}

// ActiveSession returns the user's live session, or nil
func (s *Service) ActiveSession(ctx context.Context, userID string) (*database.TrackingSession, error) {
	return s.store.GetActiveSessionByUser(ctx, userID)
}

func (s *Service) handleQuoteFailure(ctx context.Context, session *database.TrackingSession, now time.Time, cause error) {
	metrics.QuoteErrors.Inc()
	attempts := session.QuoteAttempts + 1
	s.log.Warn("quote fetch failed",
		"session_id", session.ID, "round", session.Round, "attempt", attempts, "error", cause)

	if attempts >= s.cfg.MaxQuoteRetries {
		s.finish(ctx, session, database.SessionError, session.Rounds,
			fmt.Sprintf("⚠️ Could not fetch prices for %s after repeated attempts. Tracking stopped — your prediction was not counted.",
				session.Symbol))
		return
	}

	ok, err := s.store.RecordQuoteFailure(ctx, session.ID, attempts, now.Add(s.cfg.RetryBackoff))
	if err != nil {
		s.log.Error("failed to record quote failure", "session_id", session.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	s.notify(ctx, session.UserID, fmt.Sprintf(
		"⚠️ Price check for %s hit a temporary error, retrying in %d seconds.",
		session.Symbol, int(s.cfg.RetryBackoff.Seconds())))
}

// finish moves the session to a terminal state, releases the per-user lock
// and notifies. A false from FinishSession means another transition won the
// race; nothing is sent in that case.
func (s *Service) finish(ctx context.Context, session *database.TrackingSession, status string, rounds []database.RoundResult, message string) {
	ok, err := s.store.FinishSession(ctx, session.ID, status, rounds)
	if err != nil {
		s.log.Error("failed to finish session", "session_id", session.ID, "status", status, "error", err)
		return
	}
	if !ok {
		return
	}

	s.locks.ReleaseTrackingLock(ctx, session.UserID)
	metrics.SessionsFinished.WithLabelValues(status).Inc()
	metrics.ActiveSessions.Dec()
	s.log.Info("session finished",
		"session_id", session.ID, "user_id", session.UserID, "status", status, "rounds", len(rounds))

	s.notify(ctx, session.UserID, message)

	eventType := map[string]events.EventType{
		database.SessionWon:   events.EventSessionWon,
		database.SessionLost:  events.EventSessionLost,
		database.SessionError: events.EventSessionError,
	}[status]
	s.bus.Publish(eventType, map[string]interface{}{
		"session_id": session.ID,
		"user_id":    session.UserID,
		"status":     status,
		"rounds":     len(rounds),
	})
}

// nextCheckTime computes when round is due: entryTime + round * interval.
// Overdue schedules (restart catch-up, clock drift) and schedules beyond the
// sanity ceiling both fall back to a short grace delay instead of firing
// immediately or being trusted.
func (s *Service) nextCheckTime(entryTime time.Time, round int, now time.Time) time.Time {
	due := entryTime.Add(time.Duration(round) * s.cfg.RoundInterval)
	delay := due.Sub(now)
	if delay <= 0 || delay > s.cfg.SanityCeiling {
		return now.Add(s.cfg.GraceDelay)
	}
	return due
}

// notify is fire-and-forget: gateway failures are logged and dropped
func (s *Service) notify(ctx context.Context, userID, text string) {
	if err := s.gateway.Notify(ctx, userID, text); err != nil {
		s.log.Warn("notification failed", "user_id", userID, "error", err)
	}
}

func formatHistory(rounds []database.RoundResult) string {
	out := "Round history:"
	for _, r := range rounds {
		mark := "❌"
		if r.IsCorrect {
			mark = "✅"
		}
		out += fmt.Sprintf("\n%s R%d: %s (%.4f → %.4f)", mark, r.Round, r.CandleColor, r.Open, r.Close)
	}
	return out
}
