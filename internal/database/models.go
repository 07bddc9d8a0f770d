package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session statuses. Transitions are monotonic: tracking is the only live
// state, everything else is terminal.
const (
	SessionTracking  = "tracking"
	SessionWon       = "won"
	SessionLost      = "lost"
	SessionCancelled = "cancelled"
	SessionError     = "error"
)

// Prediction directions
const (
	PredictionUp   = "UP"
	PredictionDown = "DOWN"
)

// Payment statuses. Exactly one terminal status is ever set per payment.
const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentExpired   = "expired"
	PaymentCancelled = "cancelled"
)

// Ledger entry reasons
const (
	ReasonInitial  = "initial"
	ReasonUse      = "use"
	ReasonReferral = "referral"
	ReasonReferred = "referred"
	ReasonPurchase = "purchase"
)

// Payment event outcomes
const (
	EventOutcomeProcessing  = "processing"
	EventOutcomeMatched     = "matched"
	EventOutcomeNoMatch     = "no_match"
	EventOutcomeUnparseable = "unparseable"
	EventOutcomeIgnored     = "ignored"
)

// RoundResult records one evaluated checkpoint of a tracking session
type RoundResult struct {
	Round       int       `json:"round"`
	CheckedAt   time.Time `json:"checked_at"`
	CandleColor string    `json:"candle_color"` // up, down, flat
	Open        float64   `json:"open"`
	Close       float64   `json:"close"`
	IsCorrect   bool      `json:"is_correct"`
}

// TrackingSession is a per-user prediction being tracked round by round
type TrackingSession struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	Symbol         string        `json:"symbol"`
	ProviderSymbol string        `json:"provider_symbol"`
	Prediction     string        `json:"prediction"`
	EntryTime      time.Time     `json:"entry_time"`
	Round          int           `json:"round"`
	MaxRounds      int           `json:"max_rounds"`
	Status         string        `json:"status"`
	Rounds         []RoundResult `json:"rounds"`
	QuoteAttempts  int           `json:"quote_attempts"`
	NextCheckAt    *time.Time    `json:"next_check_at,omitempty"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// PendingPayment is a purchase request awaiting a bank transfer
type PendingPayment struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	PackageID   string          `json:"package_id"`
	Credits     int             `json:"credits"`
	BasePrice   decimal.Decimal `json:"base_price"`
	TagCents    int             `json:"tag_cents"` // 1..99, the fractional disambiguation tag
	TotalAmount decimal.Decimal `json:"total_amount"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	PaidAt      *time.Time      `json:"paid_at,omitempty"`
	EventID     *string         `json:"event_id,omitempty"`
}

// LedgerEntry is an immutable credit movement
type LedgerEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Delta     int64     `json:"delta"` // Applied delta; debits are clamped so balance never goes negative
	Reason    string    `json:"reason"`
	PaymentID *string   `json:"payment_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PaymentEvent is the processed-events record for inbound bank notifications
type PaymentEvent struct {
	EventID          string          `json:"event_id"`
	Amount           decimal.Decimal `json:"amount"`
	TxTime           *time.Time      `json:"tx_time,omitempty"`
	Outcome          string          `json:"outcome"`
	MatchedPaymentID *string         `json:"matched_payment_id,omitempty"`
	ProcessedAt      time.Time       `json:"processed_at"`
}
