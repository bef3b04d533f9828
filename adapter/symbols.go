package tradingview

import (
	"fmt"
	"strings"
)

// FormatSymbol builds the fully qualified EXCHANGE:SYMBOL identifier the
// gateway resolves. A symbol that already contains ":" passes through
// untouched, so the function is idempotent. Futures roll by contract index:
// contract 1 is the front month and renders as EXCHANGE:SYMBOL1!. Contract 0
// means no contract qualifier; negative values are rejected.
func FormatSymbol(symbol, exchange string, contract int) (string, error) {
	if strings.Contains(symbol, ":") {
		return symbol, nil
	}
	switch {
	case contract < 0:
		return "", fmt.Errorf("%w: %d", ErrInvalidContract, contract)
	case contract == 0:
		return fmt.Sprintf("%s:%s", exchange, symbol), nil
	default:
		return fmt.Sprintf("%s:%s%d!", exchange, symbol, contract), nil
	}
}

// securityKey derives the cache key for instrument metadata from the
// qualified symbol: SYMBOL_EXCHANGE with the futures "!" marker stripped,
// e.g. "CBOT:ZC1!" -> "ZC1_CBOT".
func securityKey(qualified string) string {
	exchange, symbol, found := strings.Cut(qualified, ":")
	if !found {
		symbol, exchange = qualified, ""
	}
	symbol = strings.TrimSuffix(symbol, "!")
	return symbol + "_" + exchange
}
