package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"candle-signal-bot/internal/database"
	"candle-signal-bot/internal/events"
	"candle-signal-bot/internal/metrics"
)

// bankTimeLayout is the wall-clock format the bank gateway reports,
// with no zone information attached.
const bankTimeLayout = "2006-01-02 15:04:05"

// InboundEvent is a bank-transfer notification as delivered by the webhook
type InboundEvent struct {
	EventID   string `json:"event_id"`
	Direction string `json:"direction"`
	Amount    string `json:"amount"`
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender,omitempty"`
}

// DirectionIncoming is the only direction that can complete a payment
const DirectionIncoming = "incoming"

// ReconcileEvent processes one inbound bank event. Duplicate events are
// dropped, outgoing transfers are recorded and ignored, and a match credits
// the buyer exactly once.
//
// A replay of an event whose earlier delivery died mid-way is taken over and
// driven to a terminal outcome: the completion transaction is atomic, so
// either the payment is still pending and can be matched again, or it
// carries this event id and only the outcome record needs repair. The cache
// fast path is marked last, after the terminal outcome is durable.
func (s *Service) ReconcileEvent(ctx context.Context, ev InboundEvent) error {
	amount, err := decimal.NewFromString(ev.Amount)
	if err != nil {
		return fmt.Errorf("invalid event amount %q: %w", ev.Amount, err)
	}

	if seen, err := s.locks.EventSeen(ctx, ev.EventID); err == nil && seen {
		s.log.Debug("duplicate event dropped (cache)", "event_id", ev.EventID)
		return nil
	}

	inserted, err := s.store.RecordPaymentEvent(ctx, ev.EventID, amount)
	if err != nil {
		return fmt.Errorf("failed to record payment event: %w", err)
	}

	resumed := false
	if !inserted {
		outcome, err := s.store.GetPaymentEventOutcome(ctx, ev.EventID)
		if err != nil {
			return fmt.Errorf("failed to read event outcome: %w", err)
		}
		if outcome != database.EventOutcomeProcessing {
			s.locks.MarkEventSeen(ctx, ev.EventID)
			s.log.Debug("duplicate event dropped", "event_id", ev.EventID, "outcome", outcome)
			return nil
		}
		resumed = true
		s.log.Warn("resuming event that never reached a terminal outcome", "event_id", ev.EventID)
	}

	if ev.Direction != DirectionIncoming {
		s.log.Debug("ignoring non-incoming event", "event_id", ev.EventID, "direction", ev.Direction)
		return s.recordOutcome(ctx, ev.EventID, database.EventOutcomeIgnored, nil, nil)
	}

	evTime, err := time.ParseInLocation(bankTimeLayout, ev.Timestamp, s.bankLoc)
	if err != nil {
		s.log.Warn("event timestamp unparseable", "event_id", ev.EventID, "timestamp", ev.Timestamp)
		if rerr := s.recordOutcome(ctx, ev.EventID, database.EventOutcomeUnparseable, nil, nil); rerr != nil {
			return rerr
		}
		return ErrUnparseableTimestamp
	}
	evTimeUTC := evTime.UTC()

	if resumed {
		// The earlier delivery may have committed the match and died before
		// recording the outcome. The completed payment carries the event id.
		p, err := s.store.FindPaymentByEventID(ctx, ev.EventID)
		if err != nil {
			return fmt.Errorf("failed to look up payment by event: %w", err)
		}
		if p != nil {
			paymentID := p.ID
			s.log.Info("repaired outcome for already-matched event", "event_id", ev.EventID, "payment_id", p.ID)
			return s.recordOutcome(ctx, ev.EventID, database.EventOutcomeMatched, &evTimeUTC, &paymentID)
		}
	}

	now := s.now().UTC()
	candidates, err := s.store.FindMatchCandidates(ctx, amount, now)
	if err != nil {
		return fmt.Errorf("failed to find match candidates: %w", err)
	}

	for i := range candidates {
		p := &candidates[i]

		gap := evTimeUTC.Sub(p.CreatedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap > s.cfg.MatchWindow {
			continue
		}

		completed, balance, err := s.store.CompletePaymentAndCredit(ctx, p.ID, p.UserID, int64(p.Credits), evTimeUTC, ev.EventID)
		if err != nil {
			// The transaction rolled back: the payment is still pending and
			// the webhook retry will match it again.
			return fmt.Errorf("failed to complete payment %s: %w", p.ID, err)
		}
		if !completed {
			// lost the race to another resolver, keep scanning
			continue
		}

		paymentID := p.ID
		s.locks.ReleasePaymentLock(ctx, p.UserID)
		metrics.PaymentsResolved.WithLabelValues(database.PaymentCompleted).Inc()
		metrics.CreditsGranted.Add(float64(p.Credits))

		s.log.Info("payment matched",
			"payment_id", p.ID, "user_id", p.UserID, "event_id", ev.EventID,
			"amount", amount.String(), "credits", p.Credits, "balance", balance)

		s.notify(ctx, p.UserID, fmt.Sprintf("✅ Payment received! %d credits added. New balance: %d", p.Credits, balance))
		s.bus.Publish(events.EventPaymentCompleted, map[string]interface{}{
			"payment_id": p.ID,
			"user_id":    p.UserID,
			"credits":    p.Credits,
			"balance":    balance,
		})
		s.bus.Publish(events.EventBalanceUpdate, map[string]interface{}{
			"user_id": p.UserID,
			"balance": balance,
		})

		return s.recordOutcome(ctx, ev.EventID, database.EventOutcomeMatched, &evTimeUTC, &paymentID)
	}

	s.log.Info("no payment matched event", "event_id", ev.EventID, "amount", amount.String())
	return s.recordOutcome(ctx, ev.EventID, database.EventOutcomeNoMatch, &evTimeUTC, nil)
}

// recordOutcome writes the terminal outcome and, only once that is durable,
// marks the event id on the cache fast path.
func (s *Service) recordOutcome(ctx context.Context, eventID, outcome string, txTime *time.Time, matchedPaymentID *string) error {
	if err := s.store.UpdatePaymentEventOutcome(ctx, eventID, outcome, txTime, matchedPaymentID); err != nil {
		return fmt.Errorf("failed to record event outcome: %w", err)
	}
	metrics.EventsProcessed.WithLabelValues(outcome).Inc()
	s.locks.MarkEventSeen(ctx, eventID)
	return nil
}
