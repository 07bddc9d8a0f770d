package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"candle-signal-bot/config"
	"candle-signal-bot/internal/database"
	"candle-signal-bot/internal/events"
	"candle-signal-bot/internal/logging"
)

// ============================================================================
// Mocks
// ============================================================================

type mockStore struct {
	payments map[string]*database.PendingPayment // by id
	events   map[string]*database.PaymentEvent   // by event id

	credits []creditCall
	balance int64

	completeCalls    int
	createErr        error
	failCompletes    int // next N completion transactions abort
	failRecordEvents int // next N event inserts fail
	failOutcomes     int // next N outcome writes fail
}

type creditCall struct {
	userID    string
	delta     int64
	reason    string
	paymentID *string
}

func newMockStore() *mockStore {
	return &mockStore{
		payments: make(map[string]*database.PendingPayment),
		events:   make(map[string]*database.PaymentEvent),
	}
}

func (m *mockStore) CreatePendingPayment(ctx context.Context, p *database.PendingPayment) error {
	if m.createErr != nil {
		return m.createErr
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *mockStore) GetLivePendingPayment(ctx context.Context, userID string, now time.Time) (*database.PendingPayment, error) {
	for _, p := range m.payments {
		if p.UserID == userID && p.Status == database.PaymentPending && p.ExpiresAt.After(now) {
			return p, nil
		}
	}
	return nil, nil
}

func (m *mockStore) CountRecentPaymentsWithTag(ctx context.Context, tagCents int, since time.Time) (int, error) {
	count := 0
	for _, p := range m.payments {
		if p.TagCents != tagCents {
			continue
		}
		if p.Status != database.PaymentPending && p.Status != database.PaymentCompleted {
			continue
		}
		if p.CreatedAt.Before(since) {
			continue
		}
		count++
	}
	return count, nil
}

func (m *mockStore) FindMatchCandidates(ctx context.Context, amount decimal.Decimal, now time.Time) ([]database.PendingPayment, error) {
	var out []database.PendingPayment
	for _, p := range m.payments {
		if p.Status == database.PaymentPending && p.TotalAmount.Equal(amount) && p.ExpiresAt.After(now) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *mockStore) CompletePaymentAndCredit(ctx context.Context, id, userID string, credits int64, paidAt time.Time, eventID string) (bool, int64, error) {
	m.completeCalls++
	p, ok := m.payments[id]
	if !ok || p.Status != database.PaymentPending {
		return false, 0, nil
	}
	if m.failCompletes > 0 {
		// The whole transaction rolls back: no status change, no credit.
		m.failCompletes--
		return false, 0, errors.New("completion tx aborted")
	}
	p.Status = database.PaymentCompleted
	p.PaidAt = &paidAt
	p.EventID = &eventID
	paymentID := id
	m.credits = append(m.credits, creditCall{userID, credits, database.ReasonPurchase, &paymentID})
	m.balance += credits
	return true, m.balance, nil
}

func (m *mockStore) FindPaymentByEventID(ctx context.Context, eventID string) (*database.PendingPayment, error) {
	for _, p := range m.payments {
		if p.Status == database.PaymentCompleted && p.EventID != nil && *p.EventID == eventID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) ExpireStalePayments(ctx context.Context, now time.Time) ([]database.PendingPayment, error) {
	var out []database.PendingPayment
	for _, p := range m.payments {
		if p.Status == database.PaymentPending && !p.ExpiresAt.After(now) {
			p.Status = database.PaymentExpired
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *mockStore) CancelPendingPayment(ctx context.Context, userID string) (*database.PendingPayment, error) {
	for _, p := range m.payments {
		if p.UserID == userID && p.Status == database.PaymentPending {
			p.Status = database.PaymentCancelled
			return p, nil
		}
	}
	return nil, nil
}

func (m *mockStore) RecordPaymentEvent(ctx context.Context, eventID string, amount decimal.Decimal) (bool, error) {
	if m.failRecordEvents > 0 {
		m.failRecordEvents--
		return false, errors.New("event insert failed")
	}
	if _, exists := m.events[eventID]; exists {
		return false, nil
	}
	m.events[eventID] = &database.PaymentEvent{
		EventID: eventID,
		Amount:  amount,
		Outcome: database.EventOutcomeProcessing,
	}
	return true, nil
}

func (m *mockStore) GetPaymentEventOutcome(ctx context.Context, eventID string) (string, error) {
	ev, ok := m.events[eventID]
	if !ok {
		return "", errors.New("unknown event")
	}
	return ev.Outcome, nil
}

func (m *mockStore) UpdatePaymentEventOutcome(ctx context.Context, eventID, outcome string, txTime *time.Time, matchedPaymentID *string) error {
	if m.failOutcomes > 0 {
		m.failOutcomes--
		return errors.New("outcome write failed")
	}
	ev, ok := m.events[eventID]
	if !ok {
		return errors.New("unknown event")
	}
	ev.Outcome = outcome
	ev.TxTime = txTime
	ev.MatchedPaymentID = matchedPaymentID
	return nil
}

type mockLocks struct {
	held map[string]bool
	seen map[string]bool
}

func newMockLocks() *mockLocks {
	return &mockLocks{held: make(map[string]bool), seen: make(map[string]bool)}
}

func (m *mockLocks) AcquirePaymentLock(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	if m.held[userID] {
		return false, nil
	}
	m.held[userID] = true
	return true, nil
}

func (m *mockLocks) ReleasePaymentLock(ctx context.Context, userID string) {
	delete(m.held, userID)
}

func (m *mockLocks) EventSeen(ctx context.Context, eventID string) (bool, error) {
	return m.seen[eventID], nil
}

func (m *mockLocks) MarkEventSeen(ctx context.Context, eventID string) {
	m.seen[eventID] = true
}

type mockGateway struct {
	messages []string
}

func (m *mockGateway) Notify(ctx context.Context, userID, text string) error {
	m.messages = append(m.messages, text)
	return nil
}

func testConfig() config.PaymentConfig {
	return config.PaymentConfig{
		TTL:            10 * time.Minute,
		MatchWindow:    10 * time.Minute,
		TagWindow:      10 * time.Minute,
		TagMaxAttempts: 25,
		BankTimezone:   "Asia/Seoul",
		SweepInterval:  30 * time.Second,
	}
}

func newTestService(t *testing.T, store *mockStore, locks *mockLocks, gateway *mockGateway) *Service {
	t.Helper()
	log := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
	svc, err := NewService(store, gateway, locks, DefaultCatalogue(), events.NewEventBus(), testConfig(), log)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

// ============================================================================
// TEST: Pending payment creation and tag uniqueness
// ============================================================================

func TestCreatePendingPayment_TagsTotalAmount(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, newMockLocks(), &mockGateway{})
	svc.randTag = func() int { return 14 }

	p, err := svc.CreatePendingPayment(context.Background(), "user-1", "starter")
	if err != nil {
		t.Fatalf("CreatePendingPayment failed: %v", err)
	}

	if p.TagCents != 14 {
		t.Errorf("Expected tag 14, got %d", p.TagCents)
	}
	if want := decimal.RequireFromString("100.14"); !p.TotalAmount.Equal(want) {
		t.Errorf("Expected total 100.14, got %s", p.TotalAmount)
	}
	if p.Credits != 10 {
		t.Errorf("Expected 10 credits, got %d", p.Credits)
	}
	if p.Status != database.PaymentPending {
		t.Errorf("Expected pending status, got %s", p.Status)
	}
	if got := p.ExpiresAt.Sub(p.CreatedAt); p.CreatedAt.IsZero() || got < 0 {
		t.Errorf("Unexpected expiry layout: created %v expires %v", p.CreatedAt, p.ExpiresAt)
	}
}

func TestCreatePendingPayment_ConcurrentRequestsGetDistinctTags(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, newMockLocks(), &mockGateway{})

	// Deterministic drawer that cycles: first request lands on 14, the
	// second collides on 14 once and falls through to 52.
	draws := []int{14, 14, 52}
	i := 0
	svc.randTag = func() int {
		v := draws[i%len(draws)]
		i++
		return v
	}

	p1, err := svc.CreatePendingPayment(context.Background(), "user-1", "starter")
	if err != nil {
		t.Fatalf("First request failed: %v", err)
	}
	p2, err := svc.CreatePendingPayment(context.Background(), "user-2", "starter")
	if err != nil {
		t.Fatalf("Second request failed: %v", err)
	}

	if p1.TagCents == p2.TagCents {
		t.Fatalf("Expected distinct tags, both got %d", p1.TagCents)
	}
	if !p1.TotalAmount.Equal(decimal.RequireFromString("100.14")) ||
		!p2.TotalAmount.Equal(decimal.RequireFromString("100.52")) {
		t.Errorf("Expected totals 100.14 and 100.52, got %s and %s", p1.TotalAmount, p2.TotalAmount)
	}
}

func TestCreatePendingPayment_RejectsUnknownPackage(t *testing.T) {
	svc := newTestService(t, newMockStore(), newMockLocks(), &mockGateway{})

	_, err := svc.CreatePendingPayment(context.Background(), "user-1", "mega")
	if !errors.Is(err, ErrInvalidPackage) {
		t.Fatalf("Expected ErrInvalidPackage, got %v", err)
	}
}

func TestCreatePendingPayment_RejectsSecondLivePayment(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, newMockLocks(), &mockGateway{})
	svc.randTag = func() int { return 7 }

	if _, err := svc.CreatePendingPayment(context.Background(), "user-1", "starter"); err != nil {
		t.Fatalf("First request failed: %v", err)
	}

	_, err := svc.CreatePendingPayment(context.Background(), "user-1", "plus")
	if !errors.Is(err, ErrPaymentAlreadyPending) {
		t.Fatalf("Expected ErrPaymentAlreadyPending, got %v", err)
	}
}

func TestCreatePendingPayment_TagExhaustion(t *testing.T) {
	store := newMockStore()
	locks := newMockLocks()
	svc := newTestService(t, store, locks, &mockGateway{})
	svc.randTag = func() int { return 33 } // every draw collides

	if _, err := svc.CreatePendingPayment(context.Background(), "user-1", "starter"); err != nil {
		t.Fatalf("Seed request failed: %v", err)
	}

	_, err := svc.CreatePendingPayment(context.Background(), "user-2", "starter")
	if !errors.Is(err, ErrTagExhausted) {
		t.Fatalf("Expected ErrTagExhausted, got %v", err)
	}
	if locks.held["user-2"] {
		t.Error("Expected lock released after tag exhaustion")
	}
}

func TestCreatePendingPayment_DuplicateInsertMapsToPending(t *testing.T) {
	store := newMockStore()
	// The partial unique index on live payments rejects the insert when a
	// concurrent request won the race.
	store.createErr = &pgconn.PgError{Code: "23505", ConstraintName: "uniq_pending_payments_live"}
	locks := newMockLocks()
	svc := newTestService(t, store, locks, &mockGateway{})
	svc.randTag = func() int { return 11 }

	_, err := svc.CreatePendingPayment(context.Background(), "user-1", "starter")
	if !errors.Is(err, ErrPaymentAlreadyPending) {
		t.Fatalf("Expected ErrPaymentAlreadyPending, got %v", err)
	}
	if locks.held["user-1"] {
		t.Error("Expected lock released")
	}
}

func TestCreatePendingPayment_ExpiredTagIsReusable(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, newMockLocks(), &mockGateway{})
	svc.randTag = func() int { return 21 }

	p, err := svc.CreatePendingPayment(context.Background(), "user-1", "starter")
	if err != nil {
		t.Fatalf("Seed request failed: %v", err)
	}
	// First payment expired well outside the tag window
	old := store.payments[p.ID]
	old.Status = database.PaymentExpired
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)

	p2, err := svc.CreatePendingPayment(context.Background(), "user-2", "starter")
	if err != nil {
		t.Fatalf("Expected reuse of freed tag, got %v", err)
	}
	if p2.TagCents != 21 {
		t.Errorf("Expected tag 21 reused, got %d", p2.TagCents)
	}
}

// ============================================================================
// TEST: Cancellation
// ============================================================================

func TestCancel_PendingPayment(t *testing.T) {
	store := newMockStore()
	locks := newMockLocks()
	svc := newTestService(t, store, locks, &mockGateway{})
	svc.randTag = func() int { return 9 }

	p, err := svc.CreatePendingPayment(context.Background(), "user-1", "starter")
	if err != nil {
		t.Fatalf("CreatePendingPayment failed: %v", err)
	}

	cancelled, err := svc.Cancel(context.Background(), "user-1")
	if err != nil || !cancelled {
		t.Fatalf("Expected cancellation, got (%v, %v)", cancelled, err)
	}
	if store.payments[p.ID].Status != database.PaymentCancelled {
		t.Errorf("Expected cancelled status, got %s", store.payments[p.ID].Status)
	}
	if locks.held["user-1"] {
		t.Error("Expected lock released")
	}

	cancelled, err = svc.Cancel(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Second cancel errored: %v", err)
	}
	if cancelled {
		t.Error("Expected second cancel to report nothing to do")
	}
}

// ============================================================================
// TEST: Expiry sweep
// ============================================================================

func TestSweeper_ExpiresStalePayments(t *testing.T) {
	store := newMockStore()
	locks := newMockLocks()
	gateway := &mockGateway{}
	svc := newTestService(t, store, locks, gateway)
	svc.randTag = func() int { return 5 }

	p, err := svc.CreatePendingPayment(context.Background(), "user-1", "starter")
	if err != nil {
		t.Fatalf("CreatePendingPayment failed: %v", err)
	}

	// Push time past the expiry
	svc.now = func() time.Time { return p.ExpiresAt.Add(time.Second) }

	log := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
	sweeper := NewSweeper(svc, log)
	sweeper.sweepExpired()

	if store.payments[p.ID].Status != database.PaymentExpired {
		t.Errorf("Expected expired status, got %s", store.payments[p.ID].Status)
	}
	if locks.held["user-1"] {
		t.Error("Expected lock released on expiry")
	}
	if len(gateway.messages) != 1 {
		t.Errorf("Expected one expiry notification, got %v", gateway.messages)
	}
}
