package websocket

import (
	"math/rand/v2"
	"strings"
)

const sessionIDLength = 12

const sessionIDLetters = "abcdefghijklmnopqrstuvwxyz"

// newSessionID returns prefix plus 12 random lowercase letters, matching
// the identifiers the TradingView web client generates. These are session
// handles, not secrets, so math/rand is sufficient.
func newSessionID(prefix string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for i := 0; i < sessionIDLength; i++ {
		b.WriteByte(sessionIDLetters[rand.IntN(len(sessionIDLetters))])
	}
	return b.String()
}

// NewSessionPair returns a fresh quote session ("qs_...") and chart session
// ("cs_...") identifier pair. Each connection attempt gets its own pair.
func NewSessionPair() (quoteSession, chartSession string) {
	return newSessionID("qs_"), newSessionID("cs_")
}
