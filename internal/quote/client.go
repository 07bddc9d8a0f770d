package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Candle colors as reported by the quote source
const (
	ColorUp   = "up"
	ColorDown = "down"
	ColorFlat = "flat"
)

// Candle is one 5-minute candle classified by direction
type Candle struct {
	Color string  `json:"color"`
	Open  float64 `json:"open"`
	Close float64 `json:"close"`
}

// bucketSize is the candle interval the provider is queried at
const bucketSize = 5 * time.Minute

// Client fetches candles from the quote provider's klines endpoint
type Client struct {
	baseURL    string
	interval   string
	httpClient *http.Client
}

// NewClient creates a quote client. timeout bounds every candle fetch.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		interval:   "5m",
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetCandle fetches the most recent candle that closed at or before atTime
// for the given provider symbol. The bucket containing atTime is still
// forming and is never judged.
func (c *Client) GetCandle(ctx context.Context, symbol string, atTime time.Time) (*Candle, error) {
	bucket := atTime.Add(-bucketSize).Truncate(bucketSize)

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", c.interval)
	params.Set("startTime", strconv.FormatInt(bucket.UnixMilli(), 10))
	params.Set("limit", "1")

	endpoint := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching candle: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	if len(rawKlines) == 0 {
		return nil, fmt.Errorf("no candle for %s at %s", symbol, bucket.Format(time.RFC3339))
	}

	raw := rawKlines[0]
	if len(raw) < 5 {
		return nil, fmt.Errorf("malformed kline for %s", symbol)
	}

	open := parseFloat(raw[1])
	close := parseFloat(raw[4])

	return &Candle{
		Color: Classify(open, close),
		Open:  open,
		Close: close,
	}, nil
}

// Classify derives the candle color from open and close prices
func Classify(open, close float64) string {
	switch {
	case close > open:
		return ColorUp
	case close < open:
		return ColorDown
	default:
		return ColorFlat
	}
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
