package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RecoverTokenFunc is invoked once per session when the server rejects the
// current auth token. It returns a replacement token, or ok=false when no
// recovery is possible.
type RecoverTokenFunc func(ctx context.Context) (token string, ok bool)

// Options configures a ChartSession.
type Options struct {
	// URL overrides the TradingView endpoint. Empty means DefaultURL.
	URL string

	// HTTPClient supplies the TLS configuration for the websocket dial.
	// Test servers with self-signed certificates pass their client here.
	HTTPClient *http.Client

	// ReadTimeout is the per-frame wait while streaming.
	ReadTimeout time.Duration

	// AuthProbeTimeout bounds each wait for the server's verdict on
	// set_auth_token.
	AuthProbeTimeout time.Duration

	// StreamTimeout caps one whole streaming run. Zero means no cap and
	// the run ends on series_completed, symbol_error or a read error.
	StreamTimeout time.Duration

	Logger *slog.Logger
}

// SeriesRequest describes one series fetch. Range selects range mode with
// an "r,<start_ms>:<end_ms>" token and MaxBars as the window size; an empty
// Range selects n-bars mode using NumBars.
type SeriesRequest struct {
	Symbol   string // fully qualified, e.g. "CME_MINI:ES1!"
	Interval string // protocol interval code, e.g. "1D"
	NumBars  int
	MaxBars  int
	Range    string
	Extended bool
}

// ChartSession drives one-shot chart sessions against the TradingView
// websocket gateway. Each fetch dials a fresh connection with a fresh
// session identity; the type itself is stateless apart from configuration
// and safe for concurrent use.
type ChartSession struct {
	url              string
	httpClient       *http.Client
	getToken         func() (string, error)
	recoverToken     RecoverTokenFunc
	logger           *slog.Logger
	readTimeout      time.Duration
	authProbeTimeout time.Duration
	streamTimeout    time.Duration
}

// NewChartSession creates a session runner. getToken supplies the auth
// token per connection attempt; recover (optional) is consulted once when
// the server rejects it.
func NewChartSession(getToken func() (string, error), recover RecoverTokenFunc, opts Options) *ChartSession {
	cs := &ChartSession{
		url:              opts.URL,
		httpClient:       opts.HTTPClient,
		getToken:         getToken,
		recoverToken:     recover,
		logger:           opts.Logger,
		readTimeout:      opts.ReadTimeout,
		authProbeTimeout: opts.AuthProbeTimeout,
		streamTimeout:    opts.StreamTimeout,
	}
	if cs.url == "" {
		cs.url = DefaultURL
	}
	if cs.logger == nil {
		cs.logger = slog.Default()
	}
	if cs.readTimeout <= 0 {
		cs.readTimeout = 30 * time.Second
	}
	if cs.authProbeTimeout <= 0 {
		cs.authProbeTimeout = 2 * time.Second
	}
	return cs
}

// connection pairs a websocket connection with its reader goroutine.
// Reading through a channel lets the auth probe wait with a short timeout
// without poisoning the connection: a deadline-expired ReadMessage on a
// gorilla connection is a permanent error.
type connection struct {
	ws        *websocket.Conn
	frames    <-chan string
	done      chan struct{}
	closeOnce sync.Once
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func newConnection(ws *websocket.Conn) *connection {
	frames := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		defer close(frames)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			// The consumer may have stopped (series already complete);
			// done unparks the send so the goroutine can exit.
			select {
			case frames <- string(data):
			case <-done:
				return
			}
		}
	}()
	return &connection{ws: ws, frames: frames, done: done}
}

// FetchSeries runs one complete chart session: dial, authenticate, resolve,
// stream until the series completes, then extract bars. Transport errors
// during streaming end the run quietly and whatever arrived is returned.
// ErrSymbolInvalid and ErrAuthRejected are the only terminal errors callers
// should branch on.
func (cs *ChartSession) FetchSeries(ctx context.Context, req SeriesRequest) (*SeriesResult, error) {
	conn, quoteSession, chartSession, err := cs.connectAuthenticated(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.close()

	if err := cs.sendHandshake(conn, quoteSession, chartSession, req.Symbol, req.Extended); err != nil {
		return nil, err
	}
	var createSeries []any
	if req.Range != "" {
		createSeries = []any{chartSession, "s1", "s1", "symbol_1", req.Interval, req.MaxBars, req.Range}
	} else {
		createSeries = []any{chartSession, "s1", "s1", "symbol_1", req.Interval, req.NumBars}
	}
	if err := cs.send(conn, "create_series", createSeries); err != nil {
		return nil, err
	}
	if err := cs.send(conn, "switch_timezone", []any{chartSession, "exchange"}); err != nil {
		return nil, err
	}

	cs.logger.Debug("streaming series",
		"symbol", req.Symbol,
		"interval", req.Interval,
		"range", req.Range,
		"n_bars", req.NumBars)

	raw, symbolInvalid := cs.stream(ctx, conn)
	result := ExtractBars(SplitFrames(raw), cs.logger)
	if symbolInvalid {
		cs.logger.Error("invalid symbol, check exchange and symbol name",
			"symbol", req.Symbol)
		return &result, ErrSymbolInvalid
	}
	return &result, nil
}

// FetchQuote runs a quote-only session and returns the merged field values
// from all qsd packets received for the symbol.
func (cs *ChartSession) FetchQuote(ctx context.Context, symbol string) (map[string]any, error) {
	conn, quoteSession, _, err := cs.connectAuthenticated(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.close()

	if err := cs.sendQuoteSetup(conn, quoteSession, symbol); err != nil {
		return nil, err
	}

	var sb strings.Builder
	symbolInvalid := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case frame, ok := <-conn.frames:
			if !ok {
				cs.logger.Debug("quote stream ended")
				break loop
			}
			sb.WriteString(frame)
			sb.WriteByte('\n')
			if strings.Contains(frame, "quote_completed") {
				break loop
			}
			if strings.Contains(frame, "symbol_error") {
				symbolInvalid = true
				break loop
			}
		case <-time.After(cs.readTimeout):
			cs.logger.Debug("quote stream timed out")
			break loop
		}
	}

	values := make(map[string]any)
	for _, pkt := range SplitFrames(sb.String()) {
		if pkt.Method != "qsd" || len(pkt.Params) < 2 {
			continue
		}
		var update struct {
			Name   string         `json:"n"`
			Status string         `json:"s"`
			Values map[string]any `json:"v"`
		}
		if err := json.Unmarshal(pkt.Params[1], &update); err != nil {
			continue
		}
		if update.Status == "error" {
			symbolInvalid = true
			continue
		}
		for k, v := range update.Values {
			values[k] = v
		}
	}
	if symbolInvalid {
		return nil, ErrSymbolInvalid
	}
	return values, nil
}

// connectAuthenticated dials and performs the auth handshake, retrying
// exactly once with a recovered token and a fresh session identity when the
// server rejects the first attempt.
func (cs *ChartSession) connectAuthenticated(ctx context.Context) (*connection, string, string, error) {
	token, err := cs.getToken()
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to get auth token: %w", err)
	}

	conn, err := cs.dial(ctx)
	if err != nil {
		return nil, "", "", err
	}
	quoteSession, chartSession := NewSessionPair()

	rejected, err := cs.checkAuth(conn, token)
	if err != nil {
		conn.close()
		return nil, "", "", err
	}
	if !rejected {
		return conn, quoteSession, chartSession, nil
	}

	conn.close()
	if cs.recoverToken == nil {
		return nil, "", "", ErrAuthRejected
	}
	newToken, ok := cs.recoverToken(ctx)
	if !ok || newToken == "" || newToken == token {
		return nil, "", "", ErrAuthRejected
	}
	cs.logger.Info("retrying auth with recovered token")

	conn, err = cs.dial(ctx)
	if err != nil {
		return nil, "", "", err
	}
	quoteSession, chartSession = NewSessionPair()
	rejected, err = cs.checkAuth(conn, newToken)
	if err != nil || rejected {
		conn.close()
		if err != nil {
			return nil, "", "", err
		}
		return nil, "", "", ErrAuthRejected
	}
	return conn, quoteSession, chartSession, nil
}

// checkAuth sends set_auth_token and probes a few frames for the server's
// protocol_error verdict. Silence within the probe window means accepted.
func (cs *ChartSession) checkAuth(conn *connection, token string) (rejected bool, err error) {
	if err := cs.send(conn, "set_auth_token", []any{token}); err != nil {
		return false, err
	}
	for i := 0; i < 3; i++ {
		select {
		case frame, ok := <-conn.frames:
			if !ok {
				// Server hung up right after the rejection packet was
				// consumed, or without one at all. Treat silence as
				// acceptance; a dead connection surfaces on the next send.
				return false, nil
			}
			if !strings.Contains(frame, "protocol_error") {
				continue
			}
			for _, pkt := range SplitFrames(frame) {
				if pkt.Method != "protocol_error" {
					continue
				}
				reason := ""
				if len(pkt.Params) > 0 {
					json.Unmarshal(pkt.Params[0], &reason)
				}
				cs.logger.Error("auth token rejected", "reason", reason)
				return true, nil
			}
		case <-time.After(cs.authProbeTimeout):
			// No rejection within the window means the token stood.
			return false, nil
		}
	}
	return false, nil
}

func (cs *ChartSession) dial(ctx context.Context) (*connection, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	// Use the HTTP client's TLS config if available, so test servers with
	// self-signed certificates work.
	if cs.httpClient != nil {
		if transport, ok := cs.httpClient.Transport.(*http.Transport); ok && transport.TLSClientConfig != nil {
			dialer.TLSClientConfig = transport.TLSClientConfig
		}
	}

	headers := http.Header{}
	headers.Set("Origin", Origin)

	ws, resp, err := dialer.DialContext(ctx, cs.url, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", cs.url, err)
	}
	return newConnection(ws), nil
}

func (cs *ChartSession) sendHandshake(conn *connection, quoteSession, chartSession, symbol string, extended bool) error {
	steps := []struct {
		method string
		params []any
	}{
		{"chart_create_session", []any{chartSession, ""}},
		{"quote_create_session", []any{quoteSession}},
		{"quote_set_fields", quoteFieldParams(quoteSession)},
		{"quote_add_symbols", []any{quoteSession, symbol, map[string]any{"flags": []string{"force_permission"}}}},
		{"quote_fast_symbols", []any{quoteSession, symbol}},
		{"resolve_symbol", []any{chartSession, "symbol_1", symbolSpec(symbol, extended)}},
	}
	for _, step := range steps {
		if err := cs.send(conn, step.method, step.params); err != nil {
			return err
		}
	}
	return nil
}

func (cs *ChartSession) sendQuoteSetup(conn *connection, quoteSession, symbol string) error {
	steps := []struct {
		method string
		params []any
	}{
		{"quote_create_session", []any{quoteSession}},
		{"quote_set_fields", quoteFieldParams(quoteSession)},
		{"quote_add_symbols", []any{quoteSession, symbol, map[string]any{"flags": []string{"force_permission"}}}},
		{"quote_fast_symbols", []any{quoteSession, symbol}},
	}
	for _, step := range steps {
		if err := cs.send(conn, step.method, step.params); err != nil {
			return err
		}
	}
	return nil
}

// stream accumulates raw frames until the series completes or the line goes
// quiet. The bool result reports a symbol_error marker.
func (cs *ChartSession) stream(ctx context.Context, conn *connection) (string, bool) {
	var sb strings.Builder
	var hardDeadline <-chan time.Time
	if cs.streamTimeout > 0 {
		timer := time.NewTimer(cs.streamTimeout)
		defer timer.Stop()
		hardDeadline = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return sb.String(), false
		case <-hardDeadline:
			cs.logger.Warn("stream deadline exceeded, keeping partial data")
			return sb.String(), false
		case frame, ok := <-conn.frames:
			if !ok {
				cs.logger.Debug("stream ended, connection closed")
				return sb.String(), false
			}
			sb.WriteString(frame)
			sb.WriteByte('\n')
			if strings.Contains(frame, "series_completed") {
				return sb.String(), false
			}
			if strings.Contains(frame, "symbol_error") {
				return sb.String(), true
			}
		case <-time.After(cs.readTimeout):
			cs.logger.Debug("stream went quiet, keeping partial data")
			return sb.String(), false
		}
	}
}

func (cs *ChartSession) send(conn *connection, method string, params []any) error {
	frame, err := EncodeFrame(method, params)
	if err != nil {
		return err
	}
	conn.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}
	return nil
}

func quoteFieldParams(quoteSession string) []any {
	params := make([]any, 0, len(quoteFields)+1)
	params = append(params, quoteSession)
	for _, f := range quoteFields {
		params = append(params, f)
	}
	return params
}

// symbolSpec builds the resolve_symbol parameter: a JSON object prefixed
// with "=" selecting split adjustment and the trading session.
func symbolSpec(symbol string, extended bool) string {
	session := "regular"
	if extended {
		session = "extended"
	}
	spec, _ := json.Marshal(map[string]string{
		"symbol":     symbol,
		"adjustment": "splits",
		"session":    session,
	})
	return "=" + string(spec)
}
