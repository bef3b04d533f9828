package tradingview

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// StaticTokenProvider wraps a caller-supplied JWT, e.g. from configuration
// or the TV_TOKEN environment variable.
type StaticTokenProvider struct {
	Token    string
	PlanTier string
}

func (p StaticTokenProvider) Obtain(ctx context.Context) (Credentials, error) {
	if p.Token == "" {
		return Credentials{}, ErrUnauthenticated
	}
	return Credentials{Token: p.Token, PlanTier: p.PlanTier}, nil
}

// CookieStoreProvider recovers credentials from a local TradingView
// session: it looks for sessionid/sessionid_sign cookies in the TradingView
// desktop app's cookie database and in Firefox profiles, then exchanges
// them for a JWT by loading tradingview.com and scraping the embedded
// auth_token and pro_plan fields. Encrypted browser cookie stores (Chrome,
// Edge, Safari) need OS keychain access and are not read; log in with the
// desktop app or Firefox, or supply a token directly.
//
// Recovered credentials are cached through the optional TokenStorage so
// later runs skip the scrape.
type CookieStoreProvider struct {
	storage    TokenStorage
	httpClient *http.Client
	logger     *slog.Logger

	// homeDir overrides the search root in tests.
	homeDir string
	// loginURL overrides the scrape target in tests.
	loginURL string
}

// NewCookieStoreProvider creates a provider. storage may be nil to disable
// persistence; logger nil means slog.Default().
func NewCookieStoreProvider(storage TokenStorage, logger *slog.Logger) *CookieStoreProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &CookieStoreProvider{
		storage:    storage,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		loginURL:   "https://www.tradingview.com/",
	}
}

// Obtain returns the cached credential when one is stored, otherwise
// searches the local cookie stores and exchanges the session cookies for a
// fresh JWT.
func (p *CookieStoreProvider) Obtain(ctx context.Context) (Credentials, error) {
	if p.storage != nil {
		if info, err := p.storage.Load(); err == nil && info.Token != "" {
			p.logger.Debug("using cached auth token", "saved_at", info.SavedAt)
			return Credentials{Token: info.Token, PlanTier: info.PlanTier}, nil
		}
	}

	cookies, ok := p.readSessionCookies()
	if !ok {
		return Credentials{}, fmt.Errorf("no tradingview session found in desktop app or firefox cookie stores: %w", ErrUnauthenticated)
	}

	creds, err := p.cookiesToJWT(ctx, cookies)
	if err != nil {
		return Credentials{}, err
	}

	if p.storage != nil {
		info := TokenInfo{Token: creds.Token, PlanTier: creds.PlanTier, SavedAt: time.Now()}
		if err := p.storage.Save(info); err != nil {
			p.logger.Warn("failed to cache recovered token", "error", err)
		}
	}
	return creds, nil
}

// Invalidate drops the cached credential so the next Obtain recovers a
// fresh one.
func (p *CookieStoreProvider) Invalidate() error {
	if p.storage == nil {
		return nil
	}
	return p.storage.Delete()
}

// sessionCookies are the two cookies TradingView ties a web session to.
type sessionCookies struct {
	sessionID     string
	sessionIDSign string
}

var (
	authTokenPattern = regexp.MustCompile(`"auth_token":"([^"]+)"`)
	proPlanPattern   = regexp.MustCompile(`"pro_plan":"([^"]*)"`)
)

// cookiesToJWT loads the TradingView front page with the session cookies
// attached and scrapes the JWT and plan tier the page embeds.
func (p *CookieStoreProvider) cookiesToJWT(ctx context.Context, cookies sessionCookies) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.loginURL, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to build token exchange request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.AddCookie(&http.Cookie{Name: "sessionid", Value: cookies.sessionID})
	if cookies.sessionIDSign != "" {
		req.AddCookie(&http.Cookie{Name: "sessionid_sign", Value: cookies.sessionIDSign})
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read token exchange response: %w", err)
	}

	jwtMatch := authTokenPattern.FindSubmatch(body)
	if jwtMatch == nil {
		return Credentials{}, fmt.Errorf("session cookies no longer valid: %w", ErrUnauthenticated)
	}
	planTier := ""
	if planMatch := proPlanPattern.FindSubmatch(body); planMatch != nil {
		planTier = string(planMatch[1])
	}
	return Credentials{Token: string(jwtMatch[1]), PlanTier: planTier}, nil
}

// readSessionCookies searches the local cookie stores in priority order:
// the desktop app first (always plaintext), then Firefox profiles, newest
// first.
func (p *CookieStoreProvider) readSessionCookies() (sessionCookies, bool) {
	if path := p.desktopCookiePath(); path != "" {
		if cookies, err := readCookieDB(path, "cookies", "host_key"); err == nil {
			p.logger.Debug("found session in desktop app cookie store")
			return cookies, true
		} else {
			p.logger.Debug("desktop cookie store unreadable", "path", path, "error", err)
		}
	}

	for _, path := range p.firefoxCookiePaths() {
		cookies, err := p.readLockedCookieDB(path, "moz_cookies", "host")
		if err != nil {
			p.logger.Debug("firefox cookie store unreadable", "path", path, "error", err)
			continue
		}
		p.logger.Debug("found session in firefox cookie store", "path", path)
		return cookies, true
	}
	return sessionCookies{}, false
}

func (p *CookieStoreProvider) home() string {
	if p.homeDir != "" {
		return p.homeDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func (p *CookieStoreProvider) desktopCookiePath() string {
	home := p.home()
	if home == "" {
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "TradingView", "Cookies")
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "TradingView", "Cookies")
	default:
		return filepath.Join(home, ".config", "TradingView", "Cookies")
	}
}

func (p *CookieStoreProvider) firefoxCookiePaths() []string {
	home := p.home()
	if home == "" {
		return nil
	}
	var pattern string
	switch runtime.GOOS {
	case "darwin":
		pattern = filepath.Join(home, "Library", "Application Support", "Firefox", "Profiles", "*", "cookies.sqlite")
	case "windows":
		pattern = filepath.Join(home, "AppData", "Roaming", "Mozilla", "Firefox", "Profiles", "*", "cookies.sqlite")
	default:
		pattern = filepath.Join(home, ".mozilla", "firefox", "*", "cookies.sqlite")
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	// Newest profile first
	sort.Slice(matches, func(i, j int) bool {
		fi, errI := os.Stat(matches[i])
		fj, errJ := os.Stat(matches[j])
		if errI != nil || errJ != nil {
			return false
		}
		return fi.ModTime().After(fj.ModTime())
	})
	return matches
}

// readLockedCookieDB snapshots the database before reading. Firefox keeps
// its cookie database locked while running; SQLite reads the copy cleanly.
func (p *CookieStoreProvider) readLockedCookieDB(path, table, hostColumn string) (sessionCookies, error) {
	tmpPath := filepath.Join(os.TempDir(), "tvcookies-"+uuid.NewString()+".sqlite")
	if err := copyFile(path, tmpPath); err != nil {
		return sessionCookies{}, err
	}
	defer os.Remove(tmpPath)
	return readCookieDB(tmpPath, table, hostColumn)
}

func readCookieDB(path, table, hostColumn string) (sessionCookies, error) {
	if _, err := os.Stat(path); err != nil {
		return sessionCookies{}, err
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return sessionCookies{}, fmt.Errorf("failed to open cookie database: %w", err)
	}
	defer db.Close()

	query := fmt.Sprintf(
		"SELECT name, value FROM %s WHERE %s LIKE '%%tradingview.com' AND name IN ('sessionid', 'sessionid_sign')",
		table, hostColumn)
	rows, err := db.Query(query)
	if err != nil {
		return sessionCookies{}, fmt.Errorf("failed to query cookie database: %w", err)
	}
	defer rows.Close()

	var cookies sessionCookies
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return sessionCookies{}, fmt.Errorf("failed to scan cookie row: %w", err)
		}
		switch name {
		case "sessionid":
			cookies.sessionID = value
		case "sessionid_sign":
			cookies.sessionIDSign = value
		}
	}
	if err := rows.Err(); err != nil {
		return sessionCookies{}, err
	}
	if cookies.sessionID == "" {
		return sessionCookies{}, fmt.Errorf("no tradingview session cookie in %s", path)
	}
	return cookies, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
