// Package mocktesting provides a test WebSocket server that mimics the
// TradingView chart gateway: text frames with ~m~<len>~m~ headers carrying
// compact JSON {"m":...,"p":[...]} payloads.
package mocktesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

var frameSplitter = regexp.MustCompile(`~m~\d+~m~`)

// SeriesScript describes the server's reaction to one create_series
// request. Scripts are consumed in order; when the queue is empty the
// server falls back to the default bars.
type SeriesScript struct {
	// Bars are raw value arrays: [ts, o, h, l, c, vol?, oi?].
	Bars [][]any
	// Empty makes the server complete the series without sending bars.
	Empty bool
	// SymbolError makes the server answer with symbol_error instead.
	SymbolError bool
	// TrailingFrames sends that many extra du packets after the series
	// completes, mimicking a gateway that keeps streaming updates the
	// client no longer reads.
	TrailingFrames int
}

// MockTradingViewServer is a scriptable stand-in for the TradingView chart
// websocket gateway, backed by an httptest TLS server.
type MockTradingViewServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu             sync.Mutex
	rejectedTokens map[string]bool
	defaultBars    [][]any
	scripts        []SeriesScript
	quoteValues    map[string]any

	authTokens    []string
	chartSessions []string
	methods       []string
}

// NewMockTradingViewServer starts a TLS test server with a single websocket
// endpoint at /socket.io/websocket.
func NewMockTradingViewServer() *MockTradingViewServer {
	mock := &MockTradingViewServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rejectedTokens: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/socket.io/websocket", mock.handleWebSocket)
	mock.server = httptest.NewTLSServer(mux)
	return mock
}

// URL returns the wss:// endpoint clients should dial.
func (m *MockTradingViewServer) URL() string {
	return strings.Replace(m.server.URL, "https://", "wss://", 1) + "/socket.io/websocket"
}

// HTTPClient returns a client that trusts the test server's certificate.
// Its transport TLS config is what the dialer picks up.
func (m *MockTradingViewServer) HTTPClient() *http.Client {
	return m.server.Client()
}

// Close shuts the server down.
func (m *MockTradingViewServer) Close() {
	m.server.Close()
}

// RejectToken makes the server answer set_auth_token for the given token
// with a protocol_error packet.
func (m *MockTradingViewServer) RejectToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectedTokens[token] = true
}

// SetDefaultBars sets the bars served when no script is queued.
func (m *MockTradingViewServer) SetDefaultBars(bars [][]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultBars = bars
}

// QueueSeries appends scripted reactions consumed one per create_series.
func (m *MockTradingViewServer) QueueSeries(scripts ...SeriesScript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, scripts...)
}

// SetQuoteValues sets the qsd field values sent after quote_add_symbols.
func (m *MockTradingViewServer) SetQuoteValues(values map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quoteValues = values
}

// AuthTokens returns every token received via set_auth_token, in order.
func (m *MockTradingViewServer) AuthTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.authTokens...)
}

// ChartSessions returns every chart session id seen in chart_create_session.
func (m *MockTradingViewServer) ChartSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.chartSessions...)
}

// Methods returns every client method received, in order.
func (m *MockTradingViewServer) Methods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.methods...)
}

func (m *MockTradingViewServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, payload := range frameSplitter.Split(string(data), -1) {
			if payload == "" || strings.HasPrefix(payload, "~h~") {
				continue
			}
			var msg struct {
				M string            `json:"m"`
				P []json.RawMessage `json:"p"`
			}
			if err := json.Unmarshal([]byte(payload), &msg); err != nil {
				continue
			}
			if done := m.handleMessage(conn, msg.M, msg.P); done {
				return
			}
		}
	}
}

// handleMessage reacts to one client packet. Returning true closes the
// connection (after an auth rejection the real gateway does the same).
func (m *MockTradingViewServer) handleMessage(conn *websocket.Conn, method string, params []json.RawMessage) bool {
	m.mu.Lock()
	m.methods = append(m.methods, method)
	m.mu.Unlock()

	switch method {
	case "set_auth_token":
		var token string
		if len(params) > 0 {
			json.Unmarshal(params[0], &token)
		}
		m.mu.Lock()
		m.authTokens = append(m.authTokens, token)
		rejected := m.rejectedTokens[token]
		m.mu.Unlock()
		if rejected {
			m.writePacket(conn, "protocol_error", []any{"auth_failed"})
			return true
		}
		// Real gateway greets every connection before any client message;
		// sending it here keeps the client's auth probe fast.
		m.writeRaw(conn, `{"session_id":"mock","timestamp":1}`)

	case "chart_create_session":
		var cs string
		if len(params) > 0 {
			json.Unmarshal(params[0], &cs)
		}
		m.mu.Lock()
		m.chartSessions = append(m.chartSessions, cs)
		m.mu.Unlock()

	case "quote_add_symbols":
		m.mu.Lock()
		values := m.quoteValues
		m.mu.Unlock()
		if values != nil {
			m.writePacket(conn, "qsd", []any{
				"qs_mock",
				map[string]any{"n": "MOCK", "s": "ok", "v": values},
			})
			m.writePacket(conn, "quote_completed", []any{"qs_mock", "MOCK"})
		}

	case "create_series":
		var cs string
		if len(params) > 0 {
			json.Unmarshal(params[0], &cs)
		}
		script := m.nextScript()
		if script.SymbolError {
			m.writePacket(conn, "symbol_error", []any{cs, "symbol_1"})
			return false
		}
		if !script.Empty && len(script.Bars) > 0 {
			entries := make([]any, 0, len(script.Bars))
			for _, v := range script.Bars {
				entries = append(entries, map[string]any{"v": v})
			}
			m.writePacket(conn, "timescale_update", []any{
				cs,
				map[string]any{"s1": map[string]any{"s": entries}},
			})
		}
		m.writePacket(conn, "series_completed", []any{cs, "s1", "streaming"})
		for i := 0; i < script.TrailingFrames; i++ {
			m.writePacket(conn, "du", []any{
				cs,
				map[string]any{"s1": map[string]any{"s": []any{
					map[string]any{"v": []any{1700000000 + i, 1.0, 1.0, 1.0, 1.0}},
				}}},
			})
		}
	}
	return false
}

func (m *MockTradingViewServer) nextScript() SeriesScript {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.scripts) > 0 {
		script := m.scripts[0]
		m.scripts = m.scripts[1:]
		return script
	}
	return SeriesScript{Bars: m.defaultBars}
}

func (m *MockTradingViewServer) writePacket(conn *websocket.Conn, method string, params []any) {
	payload, err := json.Marshal(map[string]any{"m": method, "p": params})
	if err != nil {
		return
	}
	m.writeRaw(conn, string(payload))
}

func (m *MockTradingViewServer) writeRaw(conn *websocket.Conn, payload string) {
	frame := fmt.Sprintf("~m~%d~m~%s", len(payload), payload)
	conn.WriteMessage(websocket.TextMessage, []byte(frame))
}
