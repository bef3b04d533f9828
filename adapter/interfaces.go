// Package tradingview fetches historical OHLCV bars from the TradingView
// websocket chart gateway. The package is organised around a Client that
// plans chunked range fetches and a websocket subpackage that speaks the
// wire protocol; credentials come from pluggable providers so callers can
// supply a token directly, cache one on disk, or recover one from a local
// browser session.
package tradingview

import (
	"context"
	"errors"

	"github.com/bjoelf/tradingview-adapter/adapter/websocket"
)

// Broker-agnostic aliases so callers work with bars without importing the
// wire-level package.
type (
	Bar          = websocket.Bar
	SeriesResult = websocket.SeriesResult
)

// Re-exported wire-level sentinels alongside the client-level ones, so
// errors.Is works from either package.
var (
	ErrAuthRejected  = websocket.ErrAuthRejected
	ErrSymbolInvalid = websocket.ErrSymbolInvalid

	// ErrInvalidContract reports a negative futures contract index.
	ErrInvalidContract = errors.New("futures contract index must be positive")

	// ErrBadDateRange reports a range request whose start is not before
	// its end.
	ErrBadDateRange = errors.New("start date must be before end date")

	// ErrUnauthenticated reports that no credential source produced a
	// usable token.
	ErrUnauthenticated = errors.New("no tradingview credentials available")
)

// Plan tiers as TradingView reports them; the tier caps how many bars one
// series request may return.
const (
	PlanFree       = ""
	PlanPro        = "pro"
	PlanProPlus    = "pro_plus"
	PlanProPremium = "pro_premium"
)

// Credentials is an auth token plus the plan tier it unlocks.
type Credentials struct {
	Token    string `json:"token"`
	PlanTier string `json:"plan_tier"`
}

// CredentialProvider supplies credentials for the websocket handshake.
// Implementations may hit the network or a local cache; they are consulted
// lazily, once per client until a token is rejected.
type CredentialProvider interface {
	Obtain(ctx context.Context) (Credentials, error)
}

// CredentialInvalidator is implemented by providers that can discard a
// cached credential so the next Obtain produces a fresh one. The client
// uses it for the single recovery attempt after a server-side rejection.
type CredentialInvalidator interface {
	Invalidate() error
}

// TokenStorage persists one credential between runs.
type TokenStorage interface {
	Save(info TokenInfo) error
	Load() (*TokenInfo, error)
	Delete() error
}

// SecurityInfoStore caches instrument metadata between runs. Store is
// first-write-wins: a later store under an existing key must be a no-op.
type SecurityInfoStore interface {
	Load(key string) (*SecurityInfo, bool, error)
	Store(key string, info SecurityInfo) error
}
