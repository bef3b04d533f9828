package websocket

import (
	"strings"
	"testing"
)

func TestNewSessionPair_Format(t *testing.T) {
	quoteSession, chartSession := NewSessionPair()

	if !strings.HasPrefix(quoteSession, "qs_") {
		t.Errorf("Expected qs_ prefix, got %q", quoteSession)
	}
	if !strings.HasPrefix(chartSession, "cs_") {
		t.Errorf("Expected cs_ prefix, got %q", chartSession)
	}
	if len(quoteSession) != 3+sessionIDLength {
		t.Errorf("Expected quote session length %d, got %d", 3+sessionIDLength, len(quoteSession))
	}
	if len(chartSession) != 3+sessionIDLength {
		t.Errorf("Expected chart session length %d, got %d", 3+sessionIDLength, len(chartSession))
	}

	for _, id := range []string{quoteSession[3:], chartSession[3:]} {
		for _, r := range id {
			if r < 'a' || r > 'z' {
				t.Errorf("Expected lowercase letters only, got %q in %q", r, id)
			}
		}
	}
}

func TestNewSessionPair_FreshPerCall(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		quoteSession, chartSession := NewSessionPair()
		if quoteSession[3:] == chartSession[3:] {
			t.Errorf("Quote and chart session share an id: %q", quoteSession)
		}
		if seen[quoteSession] || seen[chartSession] {
			t.Fatalf("Session id repeated across calls: %q / %q", quoteSession, chartSession)
		}
		seen[quoteSession] = true
		seen[chartSession] = true
	}
}
