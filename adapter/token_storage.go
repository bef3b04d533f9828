package tradingview

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TokenInfo is the persisted credential record.
type TokenInfo struct {
	Token    string    `json:"token"`
	PlanTier string    `json:"plan_tier"`
	SavedAt  time.Time `json:"saved_at"`
}

// FileTokenStorage implements TokenStorage with a single JSON file, written
// with owner-only permissions.
type FileTokenStorage struct {
	path string
}

// DefaultTokenPath returns ~/.tvdatafeed/token.json, the location shared
// with other tvdatafeed tooling.
func DefaultTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".tvdatafeed", "token.json")
	}
	return filepath.Join(home, ".tvdatafeed", "token.json")
}

// NewFileTokenStorage creates a storage at the given path; empty means
// DefaultTokenPath.
func NewFileTokenStorage(path string) *FileTokenStorage {
	if path == "" {
		path = DefaultTokenPath()
	}
	return &FileTokenStorage{path: path}
}

// Save writes the token file, creating its directory if needed.
func (f *FileTokenStorage) Save(info TokenInfo) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	// Write with restricted permissions (owner only)
	if err := os.WriteFile(f.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// Load reads the token file. A missing file is an error the caller can
// treat as a cache miss.
func (f *FileTokenStorage) Load() (*TokenInfo, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("token file not found: %s", f.path)
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var info TokenInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &info, nil
}

// Delete removes the token file; a missing file is not an error.
func (f *FileTokenStorage) Delete() error {
	if err := os.Remove(f.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete token file: %w", err)
	}
	return nil
}
