package tradingview

import (
	"errors"
	"testing"
)

func TestFormatSymbol_PlainEquity(t *testing.T) {
	got, err := FormatSymbol("AAPL", "NASDAQ", 0)
	if err != nil {
		t.Fatalf("FormatSymbol failed: %v", err)
	}
	if got != "NASDAQ:AAPL" {
		t.Errorf("Expected NASDAQ:AAPL, got %s", got)
	}
}

func TestFormatSymbol_FuturesContract(t *testing.T) {
	got, err := FormatSymbol("ZC", "CBOT", 1)
	if err != nil {
		t.Fatalf("FormatSymbol failed: %v", err)
	}
	if got != "CBOT:ZC1!" {
		t.Errorf("Expected CBOT:ZC1!, got %s", got)
	}

	got, err = FormatSymbol("ES", "CME_MINI", 2)
	if err != nil {
		t.Fatalf("FormatSymbol failed: %v", err)
	}
	if got != "CME_MINI:ES2!" {
		t.Errorf("Expected CME_MINI:ES2!, got %s", got)
	}
}

func TestFormatSymbol_Idempotent(t *testing.T) {
	once, err := FormatSymbol("ZC", "CBOT", 1)
	if err != nil {
		t.Fatalf("FormatSymbol failed: %v", err)
	}
	// A qualified symbol passes through regardless of the other arguments.
	twice, err := FormatSymbol(once, "IGNORED", 5)
	if err != nil {
		t.Fatalf("FormatSymbol failed: %v", err)
	}
	if twice != once {
		t.Errorf("Expected %s unchanged, got %s", once, twice)
	}
}

func TestFormatSymbol_NegativeContract(t *testing.T) {
	_, err := FormatSymbol("ZC", "CBOT", -1)
	if !errors.Is(err, ErrInvalidContract) {
		t.Fatalf("Expected ErrInvalidContract, got %v", err)
	}
}

func TestSecurityKey(t *testing.T) {
	cases := []struct {
		qualified string
		want      string
	}{
		{"CBOT:ZC1!", "ZC1_CBOT"},
		{"NASDAQ:AAPL", "AAPL_NASDAQ"},
		{"CME_MINI:ES2!", "ES2_CME_MINI"},
	}
	for _, tc := range cases {
		if got := securityKey(tc.qualified); got != tc.want {
			t.Errorf("%s: expected key %s, got %s", tc.qualified, tc.want, got)
		}
	}
}
