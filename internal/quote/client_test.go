package quote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

// ============================================================================
// TEST: Candle classification
// ============================================================================

func TestClassify(t *testing.T) {
	testCases := []struct {
		name  string
		open  float64
		close float64
		want  string
	}{
		{"close above open is up", 100.0, 100.01, ColorUp},
		{"close below open is down", 100.0, 99.99, ColorDown},
		{"equal open and close is flat", 100.0, 100.0, ColorFlat},
		{"large move up", 50000.0, 51250.5, ColorUp},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.open, tc.close); got != tc.want {
				t.Errorf("Classify(%v, %v) = %s, want %s", tc.open, tc.close, got, tc.want)
			}
		})
	}
}

// ============================================================================
// TEST: Candle fetch against the klines endpoint
// ============================================================================

func TestGetCandle_ParsesKlineAndRequestsClosedBucket(t *testing.T) {
	var gotSymbol, gotInterval, gotStart string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSymbol = r.URL.Query().Get("symbol")
		gotInterval = r.URL.Query().Get("interval")
		gotStart = r.URL.Query().Get("startTime")

		// openTime, open, high, low, close, volume
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[[1700000000000, "42000.10", "42100.00", "41900.00", "42050.55", "12.5"]]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)

	// A check due at 12:05 judges the 12:00-12:05 candle, the one that
	// closed at the due time, never the 12:05 candle that just opened.
	atTime := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	candle, err := client.GetCandle(context.Background(), "BTCUSDT", atTime)
	if err != nil {
		t.Fatalf("GetCandle failed: %v", err)
	}

	if gotSymbol != "BTCUSDT" {
		t.Errorf("Expected symbol BTCUSDT, got %s", gotSymbol)
	}
	if gotInterval != "5m" {
		t.Errorf("Expected interval 5m, got %s", gotInterval)
	}
	wantStart := strconv.FormatInt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(), 10)
	if gotStart != wantStart {
		t.Errorf("Expected startTime %s (closed bucket), got %s", wantStart, gotStart)
	}

	if candle.Open != 42000.10 {
		t.Errorf("Expected open 42000.10, got %v", candle.Open)
	}
	if candle.Close != 42050.55 {
		t.Errorf("Expected close 42050.55, got %v", candle.Close)
	}
	if candle.Color != ColorUp {
		t.Errorf("Expected up candle, got %s", candle.Color)
	}
}

func TestGetCandle_UnalignedTimeSkipsFormingBucket(t *testing.T) {
	var gotStart string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStart = r.URL.Query().Get("startTime")
		w.Write([]byte(`[[1700000000000, "42000.10", "42100.00", "41900.00", "42050.55", "12.5"]]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)

	// At 12:03:40 the 12:00 bucket is still forming; the last closed candle
	// is 11:55-12:00.
	atTime := time.Date(2026, 3, 1, 12, 3, 40, 0, time.UTC)
	if _, err := client.GetCandle(context.Background(), "BTCUSDT", atTime); err != nil {
		t.Fatalf("GetCandle failed: %v", err)
	}

	wantStart := strconv.FormatInt(time.Date(2026, 3, 1, 11, 55, 0, 0, time.UTC).UnixMilli(), 10)
	if gotStart != wantStart {
		t.Errorf("Expected startTime %s, got %s", wantStart, gotStart)
	}
}

func TestGetCandle_EmptyResponseIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	if _, err := client.GetCandle(context.Background(), "BTCUSDT", time.Now()); err == nil {
		t.Fatal("Expected error for empty kline response")
	}
}

func TestGetCandle_UpstreamErrorIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	if _, err := client.GetCandle(context.Background(), "NOPEUSDT", time.Now()); err == nil {
		t.Fatal("Expected error for upstream 400")
	}
}

// ============================================================================
// TEST: Instrument registry
// ============================================================================

func TestRegistry_ResolvesSupportedInstruments(t *testing.T) {
	reg := DefaultRegistry()

	provider, ok := reg.Resolve("BTC")
	if !ok || provider != "BTCUSDT" {
		t.Errorf("Expected BTC -> BTCUSDT, got (%s, %v)", provider, ok)
	}

	if _, ok := reg.Resolve("SHIB"); ok {
		t.Error("Expected unsupported instrument to fail resolution")
	}

	if len(reg.Instruments()) == 0 {
		t.Error("Expected a non-empty instrument list")
	}
}
