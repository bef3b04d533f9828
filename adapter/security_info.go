package tradingview

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// SecurityInfo is per-instrument metadata resolved from a quote session.
// TickSize is derived from the server's minmov/pricescale pair.
type SecurityInfo struct {
	Symbol       string  `toml:"symbol"`
	Description  string  `toml:"description"`
	Exchange     string  `toml:"exchange"`
	Type         string  `toml:"type"`
	CurrencyCode string  `toml:"currency_code"`
	TickSize     float64 `toml:"tick_size"`
	PointValue   float64 `toml:"point_value"`
}

// DefaultSecurityInfoPath returns ~/.tvdatafeed/security_info.toml.
func DefaultSecurityInfoPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".tvdatafeed", "security_info.toml")
	}
	return filepath.Join(home, ".tvdatafeed", "security_info.toml")
}

// TOMLSecurityStore implements SecurityInfoStore on a TOML file with one
// section per instrument key ("ZC1_CBOT", "AAPL_NASDAQ"). Stores are
// first-write-wins so a cached instrument is never rewritten.
type TOMLSecurityStore struct {
	path string
	mu   sync.Mutex
}

// NewTOMLSecurityStore creates a store at the given path; empty means
// DefaultSecurityInfoPath.
func NewTOMLSecurityStore(path string) *TOMLSecurityStore {
	if path == "" {
		path = DefaultSecurityInfoPath()
	}
	return &TOMLSecurityStore{path: path}
}

// Load returns the cached entry for key, reporting whether one exists.
func (s *TOMLSecurityStore) Load(key string) (*SecurityInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sections, err := s.read()
	if err != nil {
		return nil, false, err
	}
	info, ok := sections[key]
	if !ok {
		return nil, false, nil
	}
	return &info, true, nil
}

// Store writes the entry unless the key already exists.
func (s *TOMLSecurityStore) Store(key string, info SecurityInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sections, err := s.read()
	if err != nil {
		return err
	}
	if _, exists := sections[key]; exists {
		return nil
	}
	sections[key] = info

	data, err := toml.Marshal(sections)
	if err != nil {
		return fmt.Errorf("failed to marshal security info: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create security info directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write security info file: %w", err)
	}
	return nil
}

func (s *TOMLSecurityStore) read() (map[string]SecurityInfo, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]SecurityInfo), nil
		}
		return nil, fmt.Errorf("failed to read security info file: %w", err)
	}
	sections := make(map[string]SecurityInfo)
	if err := toml.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("failed to parse security info file: %w", err)
	}
	return sections, nil
}

// securityInfoFromQuote maps merged qsd field values onto SecurityInfo.
func securityInfoFromQuote(qualified string, values map[string]any) SecurityInfo {
	info := SecurityInfo{
		Symbol:       qualified,
		Description:  quoteString(values, "description"),
		Exchange:     quoteString(values, "exchange"),
		Type:         quoteString(values, "type"),
		CurrencyCode: quoteString(values, "currency_code"),
		PointValue:   quoteFloat(values, "pointvalue"),
	}
	if proName := quoteString(values, "pro_name"); proName != "" {
		info.Symbol = proName
	}
	minMov := quoteFloat(values, "minmov")
	priceScale := quoteFloat(values, "pricescale")
	if priceScale > 0 {
		info.TickSize = minMov / priceScale
	}
	return info
}

func quoteString(values map[string]any, key string) string {
	s, _ := values[key].(string)
	return s
}

func quoteFloat(values map[string]any, key string) float64 {
	f, _ := values[key].(float64)
	return f
}
