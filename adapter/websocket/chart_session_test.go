package websocket

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bjoelf/tradingview-adapter/adapter/websocket/mocktesting"
)

func testOptions(mock *mocktesting.MockTradingViewServer) Options {
	return Options{
		URL:              mock.URL(),
		HTTPClient:       mock.HTTPClient(),
		ReadTimeout:      2 * time.Second,
		AuthProbeTimeout: 100 * time.Millisecond,
	}
}

func staticToken(token string) func() (string, error) {
	return func() (string, error) { return token, nil }
}

func TestFetchSeries_HappyPath(t *testing.T) {
	mock := mocktesting.NewMockTradingViewServer()
	defer mock.Close()
	mock.SetDefaultBars([][]any{
		{1700000000, 10.0, 11.0, 9.5, 10.5, 1000},
		{1700086400, 10.5, 11.5, 10.0, 11.0, 1100},
		{1700172800, 11.0, 12.0, 10.5, 11.5, 1200},
	})

	session := NewChartSession(staticToken("valid-token"), nil, testOptions(mock))
	result, err := session.FetchSeries(context.Background(), SeriesRequest{
		Symbol:   "NASDAQ:AAPL",
		Interval: "1D",
		NumBars:  10,
	})
	if err != nil {
		t.Fatalf("FetchSeries failed: %v", err)
	}
	if len(result.Bars) != 3 {
		t.Fatalf("Expected 3 bars, got %d", len(result.Bars))
	}
	if result.Bars[0].Close != 10.5 {
		t.Errorf("Expected first close 10.5, got %v", result.Bars[0].Close)
	}

	tokens := mock.AuthTokens()
	if len(tokens) != 1 || tokens[0] != "valid-token" {
		t.Errorf("Expected single auth token, got %v", tokens)
	}

	expected := []string{
		"set_auth_token",
		"chart_create_session",
		"quote_create_session",
		"quote_set_fields",
		"quote_add_symbols",
		"quote_fast_symbols",
		"resolve_symbol",
		"create_series",
		"switch_timezone",
	}
	methods := mock.Methods()
	if len(methods) != len(expected) {
		t.Fatalf("Expected %d methods, got %v", len(expected), methods)
	}
	for i, method := range expected {
		if methods[i] != method {
			t.Errorf("Method %d: expected %s, got %s", i, method, methods[i])
		}
	}
}

func TestFetchSeries_RangeMode(t *testing.T) {
	mock := mocktesting.NewMockTradingViewServer()
	defer mock.Close()
	mock.SetDefaultBars([][]any{
		{1700000000, 10.0, 11.0, 9.5, 10.5},
	})

	session := NewChartSession(staticToken("valid-token"), nil, testOptions(mock))
	result, err := session.FetchSeries(context.Background(), SeriesRequest{
		Symbol:   "CBOT:ZC1!",
		Interval: "1D",
		MaxBars:  5000,
		Range:    "r,1577836800000:1609459200000",
	})
	if err != nil {
		t.Fatalf("FetchSeries failed: %v", err)
	}
	if len(result.Bars) != 1 {
		t.Fatalf("Expected 1 bar, got %d", len(result.Bars))
	}
}

func TestFetchSeries_EmptyChunk(t *testing.T) {
	mock := mocktesting.NewMockTradingViewServer()
	defer mock.Close()
	mock.QueueSeries(mocktesting.SeriesScript{Empty: true})

	session := NewChartSession(staticToken("valid-token"), nil, testOptions(mock))
	result, err := session.FetchSeries(context.Background(), SeriesRequest{
		Symbol:   "NASDAQ:AAPL",
		Interval: "1",
		NumBars:  10,
	})
	if err != nil {
		t.Fatalf("FetchSeries failed: %v", err)
	}
	if len(result.Bars) != 0 {
		t.Errorf("Expected no bars, got %d", len(result.Bars))
	}
}

func TestFetchSeries_AuthRejectedWithoutRecovery(t *testing.T) {
	mock := mocktesting.NewMockTradingViewServer()
	defer mock.Close()
	mock.RejectToken("expired-token")

	session := NewChartSession(staticToken("expired-token"), nil, testOptions(mock))
	_, err := session.FetchSeries(context.Background(), SeriesRequest{
		Symbol:   "NASDAQ:AAPL",
		Interval: "1D",
		NumBars:  10,
	})
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Expected ErrAuthRejected, got %v", err)
	}
}

func TestFetchSeries_AuthRecovery(t *testing.T) {
	mock := mocktesting.NewMockTradingViewServer()
	defer mock.Close()
	mock.RejectToken("expired-token")
	mock.SetDefaultBars([][]any{
		{1700000000, 10.0, 11.0, 9.5, 10.5},
	})

	recoverCalls := 0
	recover := func(ctx context.Context) (string, bool) {
		recoverCalls++
		return "fresh-token", true
	}
	session := NewChartSession(staticToken("expired-token"), recover, testOptions(mock))
	result, err := session.FetchSeries(context.Background(), SeriesRequest{
		Symbol:   "NASDAQ:AAPL",
		Interval: "1D",
		NumBars:  10,
	})
	if err != nil {
		t.Fatalf("FetchSeries failed after recovery: %v", err)
	}
	if len(result.Bars) != 1 {
		t.Fatalf("Expected 1 bar, got %d", len(result.Bars))
	}
	if recoverCalls != 1 {
		t.Errorf("Expected one recovery call, got %d", recoverCalls)
	}

	tokens := mock.AuthTokens()
	if len(tokens) != 2 || tokens[0] != "expired-token" || tokens[1] != "fresh-token" {
		t.Errorf("Expected [expired-token fresh-token], got %v", tokens)
	}

	// The retry uses a fresh session identity on a fresh connection.
	sessions := mock.ChartSessions()
	if len(sessions) != 1 || !strings.HasPrefix(sessions[0], "cs_") {
		t.Errorf("Expected one cs_ session from the retry, got %v", sessions)
	}
}

func TestFetchSeries_RecoveryReturnsSameToken(t *testing.T) {
	mock := mocktesting.NewMockTradingViewServer()
	defer mock.Close()
	mock.RejectToken("expired-token")

	recover := func(ctx context.Context) (string, bool) {
		return "expired-token", true
	}
	session := NewChartSession(staticToken("expired-token"), recover, testOptions(mock))
	_, err := session.FetchSeries(context.Background(), SeriesRequest{
		Symbol:   "NASDAQ:AAPL",
		Interval: "1D",
		NumBars:  10,
	})
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Expected ErrAuthRejected, got %v", err)
	}
	if tokens := mock.AuthTokens(); len(tokens) != 1 {
		t.Errorf("Expected no second auth attempt, got %v", tokens)
	}
}

func TestFetchSeries_BothTokensRejected(t *testing.T) {
	mock := mocktesting.NewMockTradingViewServer()
	defer mock.Close()
	mock.RejectToken("expired-token")
	mock.RejectToken("still-bad-token")

	recover := func(ctx context.Context) (string, bool) {
		return "still-bad-token", true
	}
	session := NewChartSession(staticToken("expired-token"), recover, testOptions(mock))
	_, err := session.FetchSeries(context.Background(), SeriesRequest{
		Symbol:   "NASDAQ:AAPL",
		Interval: "1D",
		NumBars:  10,
	})
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Expected ErrAuthRejected, got %v", err)
	}
	if tokens := mock.AuthTokens(); len(tokens) != 2 {
		t.Errorf("Expected exactly two auth attempts, got %v", tokens)
	}
}

func TestFetchSeries_SymbolError(t *testing.T) {
	mock := mocktesting.NewMockTradingViewServer()
	defer mock.Close()
	mock.QueueSeries(mocktesting.SeriesScript{SymbolError: true})

	session := NewChartSession(staticToken("valid-token"), nil, testOptions(mock))
	result, err := session.FetchSeries(context.Background(), SeriesRequest{
		Symbol:   "NASDAQ:NOSUCH",
		Interval: "1D",
		NumBars:  10,
	})
	if !errors.Is(err, ErrSymbolInvalid) {
		t.Fatalf("Expected ErrSymbolInvalid, got %v", err)
	}
	if result == nil {
		t.Fatal("Expected partial result alongside the error")
	}
	if len(result.Bars) != 0 {
		t.Errorf("Expected no bars, got %d", len(result.Bars))
	}
}

func TestFetchSeries_ReaderStopsAfterLateUpdates(t *testing.T) {
	mock := mocktesting.NewMockTradingViewServer()
	defer mock.Close()
	// Far more trailing updates than the frame buffer holds, sent after
	// the client has stopped consuming.
	mock.QueueSeries(mocktesting.SeriesScript{
		Bars:           [][]any{{1700000000, 10.0, 11.0, 9.5, 10.5}},
		TrailingFrames: 300,
	})

	before := runtime.NumGoroutine()

	session := NewChartSession(staticToken("valid-token"), nil, testOptions(mock))
	result, err := session.FetchSeries(context.Background(), SeriesRequest{
		Symbol:   "NASDAQ:AAPL",
		Interval: "1D",
		NumBars:  10,
	})
	if err != nil {
		t.Fatalf("FetchSeries failed: %v", err)
	}
	if len(result.Bars) != 1 {
		t.Fatalf("Expected 1 bar, got %d", len(result.Bars))
	}

	// The connection reader must wind down once the session closes, even
	// with unread frames still queued.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && runtime.NumGoroutine() > before {
		time.Sleep(10 * time.Millisecond)
	}
	if got := runtime.NumGoroutine(); got > before {
		t.Errorf("Goroutines did not return to baseline: %d > %d", got, before)
	}
}

func TestFetchSeries_CancelledContext(t *testing.T) {
	mock := mocktesting.NewMockTradingViewServer()
	defer mock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := NewChartSession(staticToken("valid-token"), nil, testOptions(mock))
	_, err := session.FetchSeries(ctx, SeriesRequest{
		Symbol:   "NASDAQ:AAPL",
		Interval: "1D",
		NumBars:  10,
	})
	if err == nil {
		t.Fatal("Expected dial failure with cancelled context")
	}
}

func TestFetchQuote_MergedValues(t *testing.T) {
	mock := mocktesting.NewMockTradingViewServer()
	defer mock.Close()
	mock.SetQuoteValues(map[string]any{
		"lp":          123.45,
		"description": "Mock Instrument",
		"exchange":    "NASDAQ",
		"pointvalue":  1.0,
	})

	session := NewChartSession(staticToken("valid-token"), nil, testOptions(mock))
	values, err := session.FetchQuote(context.Background(), "NASDAQ:MOCK")
	if err != nil {
		t.Fatalf("FetchQuote failed: %v", err)
	}
	if values["description"] != "Mock Instrument" {
		t.Errorf("Expected description, got %v", values["description"])
	}
	if lp, ok := values["lp"].(float64); !ok || lp != 123.45 {
		t.Errorf("Expected lp 123.45, got %v", values["lp"])
	}

	methods := mock.Methods()
	for _, forbidden := range []string{"chart_create_session", "create_series"} {
		for _, m := range methods {
			if m == forbidden {
				t.Errorf("Quote session should not send %s", forbidden)
			}
		}
	}
}
