package ledger

import (
	"context"
	"testing"

	"candle-signal-bot/internal/database"
	"candle-signal-bot/internal/logging"
)

// mockStore applies deltas in memory with the same clamp-at-zero rule the
// SQL implementation enforces.
type mockStore struct {
	balances map[string]int64
	entries  []database.LedgerEntry
}

func newMockStore() *mockStore {
	return &mockStore{balances: make(map[string]int64)}
}

func (m *mockStore) ApplyLedgerDelta(ctx context.Context, userID string, delta int64, reason string, paymentID *string) (int64, int64, error) {
	balance := m.balances[userID]
	applied := delta
	if balance+delta < 0 {
		applied = -balance
	}
	balance += applied
	m.balances[userID] = balance
	m.entries = append(m.entries, database.LedgerEntry{
		UserID: userID, Delta: applied, Reason: reason, PaymentID: paymentID,
	})
	return balance, applied, nil
}

func (m *mockStore) GetLedgerBalance(ctx context.Context, userID string) (int64, error) {
	return m.balances[userID], nil
}

func (m *mockStore) GetLedgerEntries(ctx context.Context, userID string, limit int) ([]database.LedgerEntry, error) {
	var out []database.LedgerEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID == userID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func newTestService(store *mockStore) *Service {
	return NewService(store, logging.New(&logging.Config{Level: "ERROR", Output: "stderr"}))
}

// ============================================================================
// TEST: Credit and debit behavior
// ============================================================================

func TestCredit_AccumulatesBalance(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store)

	balance, err := svc.Credit(context.Background(), "user-1", 10, database.ReasonInitial, nil)
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if balance != 10 {
		t.Errorf("Expected balance 10, got %d", balance)
	}

	balance, err = svc.Credit(context.Background(), "user-1", 30, database.ReasonPurchase, nil)
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if balance != 40 {
		t.Errorf("Expected balance 40, got %d", balance)
	}
}

func TestCredit_DebitClampsAtZero(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store)

	if _, err := svc.Credit(context.Background(), "user-1", 5, database.ReasonInitial, nil); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	balance, err := svc.Credit(context.Background(), "user-1", -8, database.ReasonUse, nil)
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("Expected clamped balance 0, got %d", balance)
	}

	// The recorded entry carries the applied delta, so entries sum to balance
	var sum int64
	for _, e := range store.entries {
		sum += e.Delta
	}
	if sum != balance {
		t.Errorf("Entries sum to %d but balance is %d", sum, balance)
	}
}

func TestCredit_RejectsUnknownReason(t *testing.T) {
	svc := newTestService(newMockStore())

	if _, err := svc.Credit(context.Background(), "user-1", 10, "bonus", nil); err == nil {
		t.Fatal("Expected error for unknown reason")
	}
}

func TestCredit_ZeroDeltaWritesNothing(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store)

	balance, err := svc.Credit(context.Background(), "user-1", 0, database.ReasonUse, nil)
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("Expected balance 0, got %d", balance)
	}
	if len(store.entries) != 0 {
		t.Errorf("Expected no entries for zero delta, got %d", len(store.entries))
	}
}

func TestBalance_UnknownUserIsZero(t *testing.T) {
	svc := newTestService(newMockStore())

	balance, err := svc.Balance(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("Expected 0 for unknown user, got %d", balance)
	}
}

func TestEntries_LimitIsBounded(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store)

	for i := 0; i < 5; i++ {
		if _, err := svc.Credit(context.Background(), "user-1", 1, database.ReasonReferral, nil); err != nil {
			t.Fatalf("Credit failed: %v", err)
		}
	}

	entries, err := svc.Entries(context.Background(), "user-1", 3)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Expected 3 entries, got %d", len(entries))
	}

	// Out-of-range limits fall back to the default
	entries, err = svc.Entries(context.Background(), "user-1", -1)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("Expected all 5 entries under the default limit, got %d", len(entries))
	}
}
