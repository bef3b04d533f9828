// Package websocket implements the TradingView chart websocket protocol:
// ~m~ framed JSON messages over a single socket.io endpoint. It covers the
// auth handshake, symbol resolution, series streaming and bar extraction.
// Higher-level chunking and credential handling live in the adapter package.
package websocket

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	// DefaultURL is TradingView's public chart data endpoint.
	DefaultURL = "wss://data.tradingview.com/socket.io/websocket"

	// Origin is required by TradingView's websocket gateway; connections
	// without it are refused during the HTTP upgrade.
	Origin = "https://data.tradingview.com"

	// NologinToken is accepted for anonymous access with reduced bar limits.
	NologinToken = "unauthorized_user_token"
)

// Packet is one parsed protocol message. Server and client messages share
// the same shape: {"m": <method>, "p": [<params>...]}.
type Packet struct {
	Method string            `json:"m"`
	Params []json.RawMessage `json:"p"`
}

// Bar is a single OHLCV bar. Time may predate the Unix epoch for long
// histories. OpenInterest is only meaningful when the owning series reports
// HasOpenInterest.
type Bar struct {
	Time         time.Time
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
	OpenInterest float64
}

// SeriesResult holds the bars extracted from one streaming session, in wire
// order (unsorted, possibly with duplicates across sessions).
type SeriesResult struct {
	Bars            []Bar
	HasOpenInterest bool
}

// Sentinel errors for the two terminal protocol outcomes that callers need
// to distinguish from transport noise.
var (
	// ErrAuthRejected means the server answered set_auth_token with a
	// protocol_error packet and recovery (if any) did not help.
	ErrAuthRejected = errors.New("auth token rejected by server")

	// ErrSymbolInvalid means the server reported symbol_error for the
	// requested symbol.
	ErrSymbolInvalid = errors.New("symbol not found on server")
)

// quoteFields is the field set requested for quote sessions. TradingView
// requires quote_set_fields before quote_add_symbols; the list matches what
// the web chart client asks for, plus pointvalue for instrument metadata.
var quoteFields = []string{
	"ch", "chp", "current_session", "description", "local_description",
	"language", "exchange", "fractional", "is_tradable", "lp", "lp_time",
	"minmov", "minmove2", "original_name", "pricescale", "pro_name",
	"short_name", "type", "update_mode", "volume", "currency_code",
	"rchp", "rtc", "pointvalue",
}
