package tradingview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bjoelf/tradingview-adapter/adapter/websocket"
)

const (
	defaultStartYear    = 2000
	defaultNBars        = 10
	defaultSleepSeconds = 2.0
	maxChunkAttempts    = 3
	maxConsecutiveFails = 3
)

// HistoryRequest describes one historical fetch. When StartDate and
// EndDate are both zero the request runs in n-bars mode and returns the
// most recent NBars; otherwise the date range is fetched in chunks sized
// to the plan's bar budget.
type HistoryRequest struct {
	Symbol   string
	Exchange string
	Interval Interval

	// NBars applies in n-bars mode (default 10).
	NBars int

	// StartDate/EndDate select range mode. A zero StartDate defaults to
	// 2000-01-01; EndDate is clamped to now.
	StartDate time.Time
	EndDate   time.Time

	// FutContract rolls futures by contract index: 1 = front month.
	// 0 means no contract qualifier.
	FutContract int

	// ExtendedSession includes pre/post market bars.
	ExtendedSession bool

	// ChunkDays and SleepSeconds override the config for this request.
	ChunkDays    int
	SleepSeconds float64
}

// SeriesData is the assembled result of a history fetch.
type SeriesData struct {
	Symbol          string
	Bars            []Bar
	HasOpenInterest bool
}

// Client fetches historical bars over the TradingView websocket gateway.
// Credentials are obtained lazily from the provider and recovered once
// when the server rejects them; if recovery also fails the client latches
// into an unauthenticated state and later calls return empty series
// without touching the network.
type Client struct {
	provider CredentialProvider
	cfg      Config
	logger   *slog.Logger
	secStore SecurityInfoStore

	// HTTPClient supplies TLS configuration for the websocket dial; tests
	// point it at their mock server's client. Set before first use.
	HTTPClient *http.Client

	// authProbeTimeout shortens the auth verdict wait in tests.
	authProbeTimeout time.Duration

	mu         sync.Mutex
	creds      *Credentials
	authFailed bool
}

// NewClient creates a client. provider may be nil, in which case the
// config token (or anonymous access) is used; logger nil means
// slog.Default().
func NewClient(provider CredentialProvider, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = StaticTokenProvider{Token: cfg.Token, PlanTier: cfg.PlanTier}
	}
	return &Client{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		secStore: NewTOMLSecurityStore(cfg.SecurityInfoPath),
	}
}

// GetHistory fetches bars for one instrument. Invalid caller input
// (contract index, date range, interval) returns an error; auth failure
// returns an empty series after latching; transient transport problems
// surface as missing chunks, never as errors.
func (c *Client) GetHistory(ctx context.Context, req HistoryRequest) (*SeriesData, error) {
	qualified, err := FormatSymbol(req.Symbol, req.Exchange, req.FutContract)
	if err != nil {
		return nil, err
	}
	interval := req.Interval
	if interval == "" {
		interval = Interval1Day
	}
	if !interval.Valid() {
		return nil, fmt.Errorf("unknown interval %q", string(interval))
	}

	if c.isAuthFailed() {
		c.logger.Warn("authentication previously failed, returning empty series",
			"symbol", qualified)
		return &SeriesData{Symbol: qualified}, nil
	}

	if req.StartDate.IsZero() && req.EndDate.IsZero() {
		return c.fetchRecent(ctx, qualified, interval, req)
	}
	return c.fetchRange(ctx, qualified, interval, req)
}

// fetchRecent runs one session in n-bars mode.
func (c *Client) fetchRecent(ctx context.Context, qualified string, interval Interval, req HistoryRequest) (*SeriesData, error) {
	nBars := req.NBars
	if nBars <= 0 {
		nBars = defaultNBars
	}

	result, err := c.chartSession().FetchSeries(ctx, websocket.SeriesRequest{
		Symbol:   qualified,
		Interval: string(interval),
		NumBars:  nBars,
		Extended: req.ExtendedSession,
	})
	if errors.Is(err, websocket.ErrAuthRejected) {
		c.latchAuthFailure()
		return &SeriesData{Symbol: qualified}, nil
	}
	if err != nil {
		if errors.Is(err, websocket.ErrSymbolInvalid) {
			return &SeriesData{Symbol: qualified}, err
		}
		return &SeriesData{Symbol: qualified}, nil
	}
	return &SeriesData{
		Symbol:          qualified,
		Bars:            result.Bars,
		HasOpenInterest: result.HasOpenInterest,
	}, nil
}

// fetchRange fetches [StartDate, EndDate] in contiguous chunks and merges
// the results.
func (c *Client) fetchRange(ctx context.Context, qualified string, interval Interval, req HistoryRequest) (*SeriesData, error) {
	start, end, err := c.normalizeRange(interval, req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}

	// Resolve credentials up front: the plan tier sizes the chunks.
	c.token()
	tier := c.planTier()

	spanDays := req.ChunkDays
	if spanDays == 0 {
		spanDays = c.cfg.ChunkDays
	}
	if spanDays == 0 {
		spanDays, err = chunkSpanDays(interval, safeBarLimit(tier))
		if err != nil {
			return nil, err
		}
	}

	sleepSeconds := req.SleepSeconds
	if sleepSeconds == 0 {
		sleepSeconds = c.cfg.SleepSeconds
	}
	if sleepSeconds == 0 {
		sleepSeconds = defaultSleepSeconds
	}
	pause := time.Duration(sleepSeconds * float64(time.Second))

	chunks := buildChunks(start, end, spanDays)
	c.logger.Info("fetching range in chunks",
		"symbol", qualified,
		"interval", string(interval),
		"start", start,
		"end", end,
		"chunks", len(chunks),
		"chunk_days", spanDays)

	session := c.chartSession()
	maxBars := planBarLimit(tier)
	var collected []Bar
	hasOpenInterest := false
	consecutiveFails := 0

chunkLoop:
	for i, ck := range chunks {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && !c.wait(ctx, pause) {
			break
		}

		chunkBars, result, err := c.fetchChunk(ctx, session, websocket.SeriesRequest{
			Symbol:   qualified,
			Interval: string(interval),
			MaxBars:  maxBars,
			Range:    rangeToken(ck, interval.Intraday()),
			Extended: req.ExtendedSession,
		}, pause)
		switch {
		case errors.Is(err, websocket.ErrAuthRejected):
			c.latchAuthFailure()
			return &SeriesData{Symbol: qualified}, nil
		case errors.Is(err, websocket.ErrSymbolInvalid):
			// No point requesting further chunks for a symbol the server
			// does not know.
			return &SeriesData{Symbol: qualified}, err
		case err != nil:
			consecutiveFails++
			c.logger.Warn("chunk failed",
				"chunk", i+1,
				"of", len(chunks),
				"from", ck.from,
				"to", ck.to,
				"consecutive_failures", consecutiveFails)
			if consecutiveFails >= maxConsecutiveFails {
				c.logger.Error("aborting range fetch after repeated chunk failures",
					"symbol", qualified,
					"failed_chunks", consecutiveFails)
				break chunkLoop
			}
		default:
			consecutiveFails = 0
			collected = append(collected, chunkBars...)
			if result.HasOpenInterest {
				hasOpenInterest = true
			}
			c.logger.Debug("chunk complete",
				"chunk", i+1,
				"of", len(chunks),
				"bars", len(chunkBars))
		}
	}

	merged := mergeBars(collected, start, end)
	logCoverage(c.logger, interval, start, end, len(merged))
	data := &SeriesData{
		Symbol:          qualified,
		Bars:            merged,
		HasOpenInterest: hasOpenInterest,
	}
	if ctx.Err() != nil {
		return data, ctx.Err()
	}
	return data, nil
}

// fetchChunk runs one chunk with bounded retries. Empty results and
// transport failures count as transient and back off linearly; an error
// return means the chunk yielded nothing after all attempts.
func (c *Client) fetchChunk(ctx context.Context, session *websocket.ChartSession, req websocket.SeriesRequest, pause time.Duration) ([]Bar, *SeriesResult, error) {
	for attempt := 1; attempt <= maxChunkAttempts; attempt++ {
		result, err := session.FetchSeries(ctx, req)
		if err != nil {
			if errors.Is(err, websocket.ErrAuthRejected) || errors.Is(err, websocket.ErrSymbolInvalid) {
				return nil, nil, err
			}
			c.logger.Debug("chunk attempt failed",
				"attempt", attempt,
				"error", err)
		} else if len(result.Bars) > 0 {
			return result.Bars, result, nil
		} else {
			c.logger.Debug("chunk attempt returned no bars", "attempt", attempt)
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if attempt < maxChunkAttempts {
			if !c.wait(ctx, pause*time.Duration(attempt)) {
				return nil, nil, ctx.Err()
			}
		}
	}
	return nil, nil, fmt.Errorf("chunk %s produced no bars after %d attempts", req.Range, maxChunkAttempts)
}

// GetSecurityInfo resolves instrument metadata via a quote session,
// serving and populating the TOML cache.
func (c *Client) GetSecurityInfo(ctx context.Context, symbol, exchange string, contract int) (*SecurityInfo, error) {
	qualified, err := FormatSymbol(symbol, exchange, contract)
	if err != nil {
		return nil, err
	}
	key := securityKey(qualified)

	if c.secStore != nil {
		if info, ok, err := c.secStore.Load(key); err == nil && ok {
			return info, nil
		}
	}

	if c.isAuthFailed() {
		return nil, ErrAuthRejected
	}

	values, err := c.chartSession().FetchQuote(ctx, qualified)
	if err != nil {
		if errors.Is(err, websocket.ErrAuthRejected) {
			c.latchAuthFailure()
		}
		return nil, err
	}

	info := securityInfoFromQuote(qualified, values)
	if c.secStore != nil {
		if err := c.secStore.Store(key, info); err != nil {
			c.logger.Warn("failed to cache security info", "key", key, "error", err)
		}
	}
	return &info, nil
}

// normalizeRange applies defaults, clamps the window to what the server
// keeps for the interval, and rejects inverted ranges.
func (c *Client) normalizeRange(interval Interval, start, end time.Time) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	if start.IsZero() {
		start = time.Date(defaultStartYear, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if end.IsZero() || end.After(now) {
		end = now
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s >= %s",
			ErrBadDateRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	if maxDays := interval.MaxHistoryDays(); maxDays > 0 {
		oldest := now.AddDate(0, 0, -maxDays)
		if start.Before(oldest) {
			c.logger.Warn("start date beyond server history depth, clamping",
				"interval", string(interval),
				"requested_start", start,
				"clamped_start", oldest,
				"max_days", maxDays)
			start = oldest
		}
	}
	return start, end, nil
}

// chartSession builds the wire-level session runner with the client's
// token plumbing attached.
func (c *Client) chartSession() *websocket.ChartSession {
	return websocket.NewChartSession(c.token, c.recoverToken, websocket.Options{
		URL:              c.cfg.URL,
		HTTPClient:       c.HTTPClient,
		ReadTimeout:      time.Duration(c.cfg.ReadTimeoutSeconds) * time.Second,
		StreamTimeout:    time.Duration(c.cfg.StreamTimeoutSeconds) * time.Second,
		AuthProbeTimeout: c.authProbeTimeout,
		Logger:           c.logger,
	})
}

// token returns the current auth token, obtaining credentials on first
// use. Missing credentials degrade to anonymous access with a warning.
func (c *Client) token() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds != nil {
		return c.creds.Token, nil
	}

	creds, err := c.provider.Obtain(context.Background())
	if err != nil || creds.Token == "" {
		c.logger.Warn("no credentials available, using anonymous access with reduced history",
			"error", err)
		creds = Credentials{Token: websocket.NologinToken, PlanTier: PlanFree}
	}
	c.creds = &creds
	return creds.Token, nil
}

// recoverToken handles a server-side rejection: invalidate the cached
// credential and obtain a fresh one, once.
func (c *Client) recoverToken(ctx context.Context) (string, bool) {
	invalidator, ok := c.provider.(CredentialInvalidator)
	if !ok {
		return "", false
	}
	if err := invalidator.Invalidate(); err != nil {
		c.logger.Warn("failed to invalidate cached credentials", "error", err)
	}

	creds, err := c.provider.Obtain(ctx)
	if err != nil || creds.Token == "" {
		c.logger.Error("credential recovery failed", "error", err)
		return "", false
	}

	c.mu.Lock()
	c.creds = &creds
	c.mu.Unlock()
	return creds.Token, true
}

func (c *Client) planTier() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == nil {
		return PlanFree
	}
	return c.creds.PlanTier
}

func (c *Client) latchAuthFailure() {
	c.mu.Lock()
	c.authFailed = true
	c.mu.Unlock()
	c.logger.Error("authentication failed permanently, further requests return empty series")
}

func (c *Client) isAuthFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authFailed
}

// wait sleeps unless the context ends first.
func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
