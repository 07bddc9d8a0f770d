package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"candle-signal-bot/internal/logging"
)

// Gateway delivers outbound messages to users. Engines treat delivery as
// fire-and-forget: failures are logged, never retried.
type Gateway interface {
	Notify(ctx context.Context, userID, text string) error
}

// TelegramGateway sends messages via the Telegram bot API. User ids are the
// chat ids assigned by the messaging transport.
type TelegramGateway struct {
	botToken string
	client   *http.Client
}

// NewTelegramGateway creates a Telegram gateway
func NewTelegramGateway(botToken string) *TelegramGateway {
	return &TelegramGateway{
		botToken: botToken,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify sends a text message to the user's chat
func (t *TelegramGateway) Notify(ctx context.Context, userID, text string) error {
	payload := map[string]interface{}{
		"chat_id":    userID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// LogGateway writes notifications to the log. Used when no transport is
// configured and in development.
type LogGateway struct {
	log *logging.Logger
}

// NewLogGateway creates a log-only gateway
func NewLogGateway(log *logging.Logger) *LogGateway {
	return &LogGateway{log: log.WithComponent("notify")}
}

// Notify logs the outbound message
func (l *LogGateway) Notify(_ context.Context, userID, text string) error {
	l.log.Info("notification", "user_id", userID, "text", text)
	return nil
}
