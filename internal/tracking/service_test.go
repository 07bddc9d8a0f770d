package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"candle-signal-bot/config"
	"candle-signal-bot/internal/database"
	"candle-signal-bot/internal/events"
	"candle-signal-bot/internal/logging"
	"candle-signal-bot/internal/quote"
)

// ============================================================================
// Mocks
// ============================================================================

type mockStore struct {
	active   *database.TrackingSession
	created  []*database.TrackingSession
	createErr error

	advanceCalls []advanceCall
	advanceOK    bool

	failureCalls []failureCall
	failureOK    bool

	finishCalls []finishCall
	finishOK    bool

	cancelled *database.TrackingSession
}

type advanceCall struct {
	id          string
	round       int
	rounds      []database.RoundResult
	nextCheckAt time.Time
}

type failureCall struct {
	id       string
	attempts int
	retryAt  time.Time
}

type finishCall struct {
	id     string
	status string
	rounds []database.RoundResult
}

func newMockStore() *mockStore {
	return &mockStore{advanceOK: true, failureOK: true, finishOK: true}
}

func (m *mockStore) CreateTrackingSession(ctx context.Context, s *database.TrackingSession) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, s)
	return nil
}

func (m *mockStore) GetActiveSessionByUser(ctx context.Context, userID string) (*database.TrackingSession, error) {
	return m.active, nil
}

func (m *mockStore) AdvanceSessionRound(ctx context.Context, id string, round int, rounds []database.RoundResult, nextCheckAt time.Time) (bool, error) {
	m.advanceCalls = append(m.advanceCalls, advanceCall{id, round, rounds, nextCheckAt})
	return m.advanceOK, nil
}

func (m *mockStore) RecordQuoteFailure(ctx context.Context, id string, attempts int, retryAt time.Time) (bool, error) {
	m.failureCalls = append(m.failureCalls, failureCall{id, attempts, retryAt})
	return m.failureOK, nil
}

func (m *mockStore) FinishSession(ctx context.Context, id, status string, rounds []database.RoundResult) (bool, error) {
	m.finishCalls = append(m.finishCalls, finishCall{id, status, rounds})
	return m.finishOK, nil
}

func (m *mockStore) CancelActiveSession(ctx context.Context, userID string) (*database.TrackingSession, error) {
	out := m.cancelled
	m.cancelled = nil
	return out, nil
}

type mockQuotes struct {
	candles map[int]*quote.Candle // keyed by call number
	err     error
	calls   int
}

func (m *mockQuotes) GetCandle(ctx context.Context, symbol string, atTime time.Time) (*quote.Candle, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if c, ok := m.candles[m.calls]; ok {
		return c, nil
	}
	return &quote.Candle{Color: quote.ColorFlat, Open: 100, Close: 100}, nil
}

type mockLocks struct {
	acquired map[string]bool
	denied   bool
}

func newMockLocks() *mockLocks {
	return &mockLocks{acquired: make(map[string]bool)}
}

func (m *mockLocks) AcquireTrackingLock(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	if m.denied {
		return false, nil
	}
	m.acquired[userID] = true
	return true, nil
}

func (m *mockLocks) ReleaseTrackingLock(ctx context.Context, userID string) {
	delete(m.acquired, userID)
}

type mockGateway struct {
	messages []string
}

func (m *mockGateway) Notify(ctx context.Context, userID, text string) error {
	m.messages = append(m.messages, text)
	return nil
}

func testConfig() config.TrackingConfig {
	return config.TrackingConfig{
		RoundInterval:   5 * time.Minute,
		MaxRounds:       7,
		GraceDelay:      10 * time.Second,
		SanityCeiling:   time.Hour,
		RetryBackoff:    30 * time.Second,
		MaxQuoteRetries: 5,
		SweepInterval:   5 * time.Second,
		ClaimReclaim:    90 * time.Second,
		IdleCeiling:     2 * time.Hour,
		MaxConcurrent:   10,
	}
}

func newTestService(store *mockStore, quotes Quotes, locks *mockLocks, gateway *mockGateway) *Service {
	log := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
	svc := NewService(store, quotes, gateway, locks, quote.DefaultRegistry(), events.NewEventBus(), testConfig(), log)
	return svc
}

// ============================================================================
// TEST: Session creation
// ============================================================================

func TestStart_CreatesSessionWithFirstCheckScheduled(t *testing.T) {
	store := newMockStore()
	locks := newMockLocks()
	gateway := &mockGateway{}
	svc := newTestService(store, &mockQuotes{}, locks, gateway)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	session, err := svc.Start(context.Background(), "user-1", "BTC", database.PredictionUp)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if session.Round != 1 {
		t.Errorf("Expected round 1, got %d", session.Round)
	}
	if session.ProviderSymbol != "BTCUSDT" {
		t.Errorf("Expected provider symbol BTCUSDT, got %s", session.ProviderSymbol)
	}
	if session.NextCheckAt == nil {
		t.Fatal("Expected first check to be scheduled")
	}
	if want := base.Add(5 * time.Minute); !session.NextCheckAt.Equal(want) {
		t.Errorf("Expected first check at %v, got %v", want, *session.NextCheckAt)
	}
	if len(store.created) != 1 {
		t.Fatalf("Expected 1 persisted session, got %d", len(store.created))
	}
	if !locks.acquired["user-1"] {
		t.Error("Expected tracking lock to be held")
	}
}

func TestStart_RejectsSecondLiveSession(t *testing.T) {
	store := newMockStore()
	store.active = &database.TrackingSession{ID: "existing", UserID: "user-1", Status: database.SessionTracking}
	svc := newTestService(store, &mockQuotes{}, newMockLocks(), &mockGateway{})

	_, err := svc.Start(context.Background(), "user-1", "BTC", database.PredictionUp)
	if !errors.Is(err, ErrSessionAlreadyActive) {
		t.Fatalf("Expected ErrSessionAlreadyActive, got %v", err)
	}
}

func TestStart_RejectsWhenLockHeld(t *testing.T) {
	locks := newMockLocks()
	locks.denied = true
	svc := newTestService(newMockStore(), &mockQuotes{}, locks, &mockGateway{})

	_, err := svc.Start(context.Background(), "user-1", "BTC", database.PredictionUp)
	if !errors.Is(err, ErrSessionAlreadyActive) {
		t.Fatalf("Expected ErrSessionAlreadyActive, got %v", err)
	}
}

func TestStart_ValidatesInput(t *testing.T) {
	svc := newTestService(newMockStore(), &mockQuotes{}, newMockLocks(), &mockGateway{})

	if _, err := svc.Start(context.Background(), "user-1", "SHIB", database.PredictionUp); !errors.Is(err, ErrInvalidInstrument) {
		t.Errorf("Expected ErrInvalidInstrument, got %v", err)
	}
	if _, err := svc.Start(context.Background(), "user-1", "BTC", "SIDEWAYS"); !errors.Is(err, ErrInvalidPrediction) {
		t.Errorf("Expected ErrInvalidPrediction, got %v", err)
	}
}

func TestStart_ReleasesLockWhenPersistFails(t *testing.T) {
	store := newMockStore()
	store.createErr = errors.New("db down")
	locks := newMockLocks()
	svc := newTestService(store, &mockQuotes{}, locks, &mockGateway{})

	if _, err := svc.Start(context.Background(), "user-1", "BTC", database.PredictionUp); err == nil {
		t.Fatal("Expected error")
	}
	if locks.acquired["user-1"] {
		t.Error("Expected lock to be released after persist failure")
	}
}

func TestStart_DuplicateInsertMapsToActiveSession(t *testing.T) {
	store := newMockStore()
	// The partial unique index on live sessions rejects the insert when a
	// concurrent request won the race.
	store.createErr = &pgconn.PgError{Code: "23505", ConstraintName: "uniq_tracking_sessions_live"}
	locks := newMockLocks()
	svc := newTestService(store, &mockQuotes{}, locks, &mockGateway{})

	_, err := svc.Start(context.Background(), "user-1", "BTC", database.PredictionUp)
	if !errors.Is(err, ErrSessionAlreadyActive) {
		t.Fatalf("Expected ErrSessionAlreadyActive, got %v", err)
	}
	if locks.acquired["user-1"] {
		t.Error("Expected lock to be released")
	}
}

// ============================================================================
// TEST: Round evaluation — win, advance, loss
// ============================================================================

func liveSession(entry time.Time, round int, prediction string) *database.TrackingSession {
	return &database.TrackingSession{
		ID:             "sess-1",
		UserID:         "user-1",
		Symbol:         "BTC",
		ProviderSymbol: "BTCUSDT",
		Prediction:     prediction,
		EntryTime:      entry,
		Round:          round,
		MaxRounds:      7,
		Status:         database.SessionTracking,
		Rounds:         []database.RoundResult{},
	}
}

func TestCheckRound_CorrectCallWins(t *testing.T) {
	store := newMockStore()
	quotes := &mockQuotes{candles: map[int]*quote.Candle{
		1: {Color: quote.ColorUp, Open: 100, Close: 105},
	}}
	locks := newMockLocks()
	locks.acquired["user-1"] = true
	gateway := &mockGateway{}
	svc := newTestService(store, quotes, locks, gateway)

	entry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return entry.Add(5 * time.Minute) }

	svc.CheckRound(context.Background(), liveSession(entry, 1, database.PredictionUp))

	if len(store.finishCalls) != 1 {
		t.Fatalf("Expected 1 finish call, got %d", len(store.finishCalls))
	}
	if store.finishCalls[0].status != database.SessionWon {
		t.Errorf("Expected won, got %s", store.finishCalls[0].status)
	}
	if len(store.finishCalls[0].rounds) != 1 || !store.finishCalls[0].rounds[0].IsCorrect {
		t.Error("Expected one correct round result recorded")
	}
	if locks.acquired["user-1"] {
		t.Error("Expected lock released on terminal state")
	}
}

func TestCheckRound_WinOnSecondRound(t *testing.T) {
	store := newMockStore()
	quotes := &mockQuotes{candles: map[int]*quote.Candle{
		1: {Color: quote.ColorDown, Open: 100, Close: 95},
		2: {Color: quote.ColorUp, Open: 95, Close: 99},
	}}
	locks := newMockLocks()
	locks.acquired["user-1"] = true
	svc := newTestService(store, quotes, locks, &mockGateway{})

	entry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	session := liveSession(entry, 1, database.PredictionUp)

	// Round 1: wrong direction, session advances
	svc.now = func() time.Time { return entry.Add(5 * time.Minute) }
	svc.CheckRound(context.Background(), session)

	if len(store.advanceCalls) != 1 {
		t.Fatalf("Expected advance after incorrect round, got %d calls", len(store.advanceCalls))
	}
	adv := store.advanceCalls[0]
	if adv.round != 2 {
		t.Errorf("Expected advance to round 2, got %d", adv.round)
	}
	if want := entry.Add(10 * time.Minute); !adv.nextCheckAt.Equal(want) {
		t.Errorf("Expected next check at %v, got %v", want, adv.nextCheckAt)
	}

	// Round 2: correct
	session.Round = 2
	session.Rounds = adv.rounds
	svc.now = func() time.Time { return entry.Add(10 * time.Minute) }
	svc.CheckRound(context.Background(), session)

	if len(store.finishCalls) != 1 || store.finishCalls[0].status != database.SessionWon {
		t.Fatalf("Expected session won on round 2, finish calls: %+v", store.finishCalls)
	}
	if len(store.finishCalls[0].rounds) != 2 {
		t.Errorf("Expected 2 round results, got %d", len(store.finishCalls[0].rounds))
	}
}

func TestCheckRound_AllRoundsIncorrectLoses(t *testing.T) {
	store := newMockStore()
	quotes := &mockQuotes{candles: map[int]*quote.Candle{}}
	for i := 1; i <= 7; i++ {
		quotes.candles[i] = &quote.Candle{Color: quote.ColorDown, Open: 100, Close: 95}
	}
	locks := newMockLocks()
	locks.acquired["user-1"] = true
	gateway := &mockGateway{}
	svc := newTestService(store, quotes, locks, gateway)

	entry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	session := liveSession(entry, 1, database.PredictionUp)

	for round := 1; round <= 7; round++ {
		session.Round = round
		svc.now = func() time.Time { return entry.Add(time.Duration(round) * 5 * time.Minute) }
		svc.CheckRound(context.Background(), session)
		if round < 7 {
			session.Rounds = store.advanceCalls[len(store.advanceCalls)-1].rounds
		}
	}

	if len(store.advanceCalls) != 6 {
		t.Errorf("Expected 6 advances, got %d", len(store.advanceCalls))
	}
	if len(store.finishCalls) != 1 {
		t.Fatalf("Expected 1 finish call, got %d", len(store.finishCalls))
	}
	fin := store.finishCalls[0]
	if fin.status != database.SessionLost {
		t.Errorf("Expected lost, got %s", fin.status)
	}
	if len(fin.rounds) != 7 {
		t.Errorf("Expected 7 round results, got %d", len(fin.rounds))
	}

	// The loss message carries the full round history
	last := gateway.messages[len(gateway.messages)-1]
	if !strings.Contains(last, "Round history") {
		t.Errorf("Expected round history in final message, got %q", last)
	}
}

func TestCheckRound_FlatCandleIsIncorrectForBothDirections(t *testing.T) {
	for _, prediction := range []string{database.PredictionUp, database.PredictionDown} {
		store := newMockStore()
		quotes := &mockQuotes{candles: map[int]*quote.Candle{
			1: {Color: quote.ColorFlat, Open: 100, Close: 100},
		}}
		svc := newTestService(store, quotes, newMockLocks(), &mockGateway{})

		entry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		svc.now = func() time.Time { return entry.Add(5 * time.Minute) }
		svc.CheckRound(context.Background(), liveSession(entry, 1, prediction))

		if len(store.finishCalls) != 0 {
			t.Errorf("%s: flat candle must not finish the session", prediction)
		}
		if len(store.advanceCalls) != 1 {
			t.Errorf("%s: expected advance on flat candle", prediction)
		}
	}
}

func TestCheckRound_SkipsTerminatedSession(t *testing.T) {
	store := newMockStore()
	quotes := &mockQuotes{}
	svc := newTestService(store, quotes, newMockLocks(), &mockGateway{})

	session := liveSession(time.Now().UTC(), 1, database.PredictionUp)
	session.Status = database.SessionCancelled
	svc.CheckRound(context.Background(), session)

	if quotes.calls != 0 {
		t.Error("Expected no quote fetch for a terminated session")
	}
}

func TestCheckRound_LostRaceProducesNoNotification(t *testing.T) {
	store := newMockStore()
	store.finishOK = false // another transition won
	quotes := &mockQuotes{candles: map[int]*quote.Candle{
		1: {Color: quote.ColorUp, Open: 100, Close: 105},
	}}
	gateway := &mockGateway{}
	svc := newTestService(store, quotes, newMockLocks(), gateway)

	entry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return entry.Add(5 * time.Minute) }
	svc.CheckRound(context.Background(), liveSession(entry, 1, database.PredictionUp))

	if len(gateway.messages) != 0 {
		t.Errorf("Expected no messages after losing the finish race, got %v", gateway.messages)
	}
}

// ============================================================================
// TEST: Quote failure handling and retry cap
// ============================================================================

func TestCheckRound_QuoteFailureSchedulesRetry(t *testing.T) {
	store := newMockStore()
	quotes := &mockQuotes{err: errors.New("upstream 500")}
	svc := newTestService(store, quotes, newMockLocks(), &mockGateway{})

	entry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := entry.Add(5 * time.Minute)
	svc.now = func() time.Time { return now }

	session := liveSession(entry, 1, database.PredictionUp)
	svc.CheckRound(context.Background(), session)

	if len(store.failureCalls) != 1 {
		t.Fatalf("Expected 1 failure record, got %d", len(store.failureCalls))
	}
	fc := store.failureCalls[0]
	if fc.attempts != 1 {
		t.Errorf("Expected attempt 1, got %d", fc.attempts)
	}
	if want := now.Add(30 * time.Second); !fc.retryAt.Equal(want) {
		t.Errorf("Expected retry at %v, got %v", want, fc.retryAt)
	}
	if len(store.finishCalls) != 0 {
		t.Error("Session must stay live below the retry cap")
	}
}

func TestCheckRound_RetryCapTerminatesWithError(t *testing.T) {
	store := newMockStore()
	quotes := &mockQuotes{err: errors.New("upstream 500")}
	locks := newMockLocks()
	locks.acquired["user-1"] = true
	svc := newTestService(store, quotes, locks, &mockGateway{})

	entry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return entry.Add(5 * time.Minute) }

	session := liveSession(entry, 1, database.PredictionUp)
	session.QuoteAttempts = 4 // this attempt is the fifth

	svc.CheckRound(context.Background(), session)

	if len(store.finishCalls) != 1 {
		t.Fatalf("Expected terminal error state, got %d finish calls", len(store.finishCalls))
	}
	if store.finishCalls[0].status != database.SessionError {
		t.Errorf("Expected error status, got %s", store.finishCalls[0].status)
	}
	if locks.acquired["user-1"] {
		t.Error("Expected lock released on error termination")
	}
}

// ============================================================================
// TEST: Schedule drift rules
// ============================================================================

func TestNextCheckTime_DriftRules(t *testing.T) {
	svc := newTestService(newMockStore(), &mockQuotes{}, newMockLocks(), &mockGateway{})
	entry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name  string
		round int
		now   time.Time
		want  time.Time
	}{
		{
			name:  "on schedule, fires at the fixed offset",
			round: 2,
			now:   entry.Add(5*time.Minute + 3*time.Second),
			want:  entry.Add(10 * time.Minute),
		},
		{
			name:  "overdue after restart, grace delay instead of firing immediately",
			round: 2,
			now:   entry.Add(30 * time.Minute),
			want:  entry.Add(30*time.Minute + 10*time.Second),
		},
		{
			name:  "exactly due counts as overdue",
			round: 3,
			now:   entry.Add(15 * time.Minute),
			want:  entry.Add(15*time.Minute + 10*time.Second),
		},
		{
			name:  "implausibly distant schedule falls back to grace delay",
			round: 100,
			now:   entry,
			want:  entry.Add(10 * time.Second),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := svc.nextCheckTime(entry, tc.round, tc.now)
			if !got.Equal(tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

// ============================================================================
// TEST: Cancellation
// ============================================================================

func TestCancel_ReleasesLockAndReportsOnce(t *testing.T) {
	store := newMockStore()
	store.cancelled = &database.TrackingSession{
		ID: "sess-1", UserID: "user-1", Symbol: "BTC", Prediction: database.PredictionUp,
	}
	locks := newMockLocks()
	locks.acquired["user-1"] = true
	svc := newTestService(store, &mockQuotes{}, locks, &mockGateway{})

	cancelled, err := svc.Cancel(context.Background(), "user-1")
	if err != nil || !cancelled {
		t.Fatalf("Expected cancellation, got (%v, %v)", cancelled, err)
	}
	if locks.acquired["user-1"] {
		t.Error("Expected lock released")
	}

	// Second cancel is a no-op
	cancelled, err = svc.Cancel(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Second cancel errored: %v", err)
	}
	if cancelled {
		t.Error("Expected second cancel to report nothing to do")
	}
}

// ============================================================================
// TEST: Round due times use fixed offsets from entry
// ============================================================================

func TestCheckRound_QuoteRequestTargetsFixedRoundBucket(t *testing.T) {
	var fetchedAt time.Time
	store := newMockStore()
	quotes := &capturingQuotes{at: &fetchedAt}
	svc := newTestService(store, quotes, newMockLocks(), &mockGateway{})

	entry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Check fires late; the quote is still asked for at round 3's due time,
	// the moment its candle closed.
	svc.now = func() time.Time { return entry.Add(16*time.Minute + 40*time.Second) }

	session := liveSession(entry, 3, database.PredictionUp)
	svc.CheckRound(context.Background(), session)

	if want := entry.Add(15 * time.Minute); !fetchedAt.Equal(want) {
		t.Errorf("Expected candle fetch for %v, got %v", want, fetchedAt)
	}
}

type capturingQuotes struct {
	at *time.Time
}

func (c *capturingQuotes) GetCandle(ctx context.Context, symbol string, atTime time.Time) (*quote.Candle, error) {
	*c.at = atTime
	return nil, fmt.Errorf("stop here")
}
