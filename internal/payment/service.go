// Package payment owns the payment reconciliation engine: pending purchase
// requests tagged with a collision-avoiding fractional amount, matched
// against inbound bank-transfer notifications, credited exactly once.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"candle-signal-bot/config"
	"candle-signal-bot/internal/database"
	"candle-signal-bot/internal/events"
	"candle-signal-bot/internal/logging"
	"candle-signal-bot/internal/metrics"
	"candle-signal-bot/internal/notify"
)

var (
	// ErrInvalidPackage is returned for unknown package ids
	ErrInvalidPackage = errors.New("unknown credit package")

	// ErrPaymentAlreadyPending is returned when the user has a live pending payment
	ErrPaymentAlreadyPending = errors.New("payment already pending")

	// ErrTagExhausted is returned when no unique fractional tag could be drawn.
	// Retryable by the user: tags free up as the window slides.
	ErrTagExhausted = errors.New("no unique payment tag available, try again shortly")

	// ErrUnparseableTimestamp marks an inbound event whose timestamp could not
	// be parsed. The event is recorded as permanently unmatched, never retried.
	ErrUnparseableTimestamp = errors.New("unparseable event timestamp")
)

// Store is the persistence surface the engine needs. Completion and the
// ledger credit are one operation so a failed credit cannot strand a
// completed payment.
type Store interface {
	CreatePendingPayment(ctx context.Context, p *database.PendingPayment) error
	GetLivePendingPayment(ctx context.Context, userID string, now time.Time) (*database.PendingPayment, error)
	CountRecentPaymentsWithTag(ctx context.Context, tagCents int, since time.Time) (int, error)
	FindMatchCandidates(ctx context.Context, amount decimal.Decimal, now time.Time) ([]database.PendingPayment, error)
	CompletePaymentAndCredit(ctx context.Context, id, userID string, credits int64, paidAt time.Time, eventID string) (bool, int64, error)
	FindPaymentByEventID(ctx context.Context, eventID string) (*database.PendingPayment, error)
	ExpireStalePayments(ctx context.Context, now time.Time) ([]database.PendingPayment, error)
	CancelPendingPayment(ctx context.Context, userID string) (*database.PendingPayment, error)
	RecordPaymentEvent(ctx context.Context, eventID string, amount decimal.Decimal) (bool, error)
	GetPaymentEventOutcome(ctx context.Context, eventID string) (string, error)
	UpdatePaymentEventOutcome(ctx context.Context, eventID, outcome string, txTime *time.Time, matchedPaymentID *string) error
}

// Locks is the per-user advisory lock surface
type Locks interface {
	AcquirePaymentLock(ctx context.Context, userID string, ttl time.Duration) (bool, error)
	ReleasePaymentLock(ctx context.Context, userID string)
	EventSeen(ctx context.Context, eventID string) (bool, error)
	MarkEventSeen(ctx context.Context, eventID string)
}

// Service drives pending payment lifecycle and reconciliation
type Service struct {
	store     Store
	gateway   notify.Gateway
	locks     Locks
	catalogue *Catalogue
	bus       *events.EventBus
	cfg       config.PaymentConfig
	log       *logging.Logger

	bankLoc *time.Location
	now     func() time.Time
	randTag func() int
}

// NewService creates the payment engine. The bank timezone must be a valid
// IANA zone name; the bank reports wall-clock times without zone info.
func NewService(store Store, gateway notify.Gateway, locks Locks, catalogue *Catalogue, bus *events.EventBus, cfg config.PaymentConfig, log *logging.Logger) (*Service, error) {
	loc, err := time.LoadLocation(cfg.BankTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid bank timezone %q: %w", cfg.BankTimezone, err)
	}

	return &Service{
		store:     store,
		gateway:   gateway,
		locks:     locks,
		catalogue: catalogue,
		bus:       bus,
		cfg:       cfg,
		log:       log.WithComponent("payment"),
		bankLoc:   loc,
		now:       time.Now,
		randTag:   func() int { return rand.Intn(99) + 1 },
	}, nil
}

// CreatePendingPayment opens a purchase request for the given package. The
// fractional tag makes the total amount unique among all payments created in
// the tag window, so the matching bank transfer is unambiguous.
func (s *Service) CreatePendingPayment(ctx context.Context, userID, packageID string) (*database.PendingPayment, error) {
	pkg, ok := s.catalogue.Get(packageID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPackage, packageID)
	}

	now := s.now().UTC()
	live, err := s.store.GetLivePendingPayment(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending payment: %w", err)
	}
	if live != nil {
		return nil, ErrPaymentAlreadyPending
	}

	acquired, err := s.locks.AcquirePaymentLock(ctx, userID, s.cfg.TTL+time.Minute)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire payment lock: %w", err)
	}
	if !acquired {
		return nil, ErrPaymentAlreadyPending
	}

	tagCents, err := s.drawTag(ctx, now)
	if err != nil {
		s.locks.ReleasePaymentLock(ctx, userID)
		return nil, err
	}

	p := &database.PendingPayment{
		ID:          uuid.New().String(),
		UserID:      userID,
		PackageID:   pkg.ID,
		Credits:     pkg.Credits,
		BasePrice:   pkg.BasePrice,
		TagCents:    tagCents,
		TotalAmount: pkg.BasePrice.Add(decimal.New(int64(tagCents), -2)),
		Status:      database.PaymentPending,
		ExpiresAt:   now.Add(s.cfg.TTL),
	}

	if err := s.store.CreatePendingPayment(ctx, p); err != nil {
		s.locks.ReleasePaymentLock(ctx, userID)
		if database.IsUniqueViolation(err) {
			// Another request slipped past the lock; the partial unique
			// index on live payments is the backstop.
			return nil, ErrPaymentAlreadyPending
		}
		return nil, fmt.Errorf("failed to persist pending payment: %w", err)
	}

	metrics.PaymentsCreated.Inc()
	s.log.Info("pending payment created",
		"payment_id", p.ID, "user_id", userID, "package", pkg.ID,
		"amount", p.TotalAmount.String(), "expires_at", p.ExpiresAt)

	s.bus.Publish(events.EventPaymentCreated, map[string]interface{}{
		"payment_id": p.ID,
		"user_id":    userID,
		"amount":     p.TotalAmount.String(),
	})

	return p, nil
}

// drawTag draws a fractional tag in [0.01, 0.99] not used by any pending or
// completed payment inside the tag window. Bounded attempts; exhaustion is a
// user-retryable condition, not a hang.
func (s *Service) drawTag(ctx context.Context, now time.Time) (int, error) {
	since := now.Add(-s.cfg.TagWindow)

	for attempt := 0; attempt < s.cfg.TagMaxAttempts; attempt++ {
		candidate := s.randTag()

		count, err := s.store.CountRecentPaymentsWithTag(ctx, candidate, since)
		if err != nil {
			return 0, fmt.Errorf("failed to check tag collision: %w", err)
		}
		if count == 0 {
			return candidate, nil
		}
	}

	return 0, ErrTagExhausted
}

// Cancel cancels the user's pending payment. Returns false when there is
// nothing to cancel.
func (s *Service) Cancel(ctx context.Context, userID string) (bool, error) {
	p, err := s.store.CancelPendingPayment(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel payment: %w", err)
	}
	if p == nil {
		return false, nil
	}

	s.locks.ReleasePaymentLock(ctx, userID)
	metrics.PaymentsResolved.WithLabelValues(database.PaymentCancelled).Inc()
	s.log.Info("payment cancelled", "payment_id", p.ID, "user_id", userID)

	s.notify(ctx, userID, "🚫 Your credit purchase was cancelled.")
	s.bus.Publish(events.EventPaymentCancelled, map[string]interface{}{
		"payment_id": p.ID,
		"user_id":    userID,
	})
	return true, nil
}

// LivePending returns the user's unexpired pending payment, or nil
func (s *Service) LivePending(ctx context.Context, userID string) (*database.PendingPayment, error) {
	return s.store.GetLivePendingPayment(ctx, userID, s.now().UTC())
}

// Packages returns the purchasable package list
func (s *Service) Packages() []Package {
	return s.catalogue.List()
}

// notify is fire-and-forget: gateway failures are logged and dropped
func (s *Service) notify(ctx context.Context, userID, text string) {
	if err := s.gateway.Notify(ctx, userID, text); err != nil {
		s.log.Warn("notification failed", "user_id", userID, "error", err)
	}
}
