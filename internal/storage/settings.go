package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	anonymousIDKey  = "anonymous_id"
	integrationsKey = "integrations"
)

// Settings persists small pieces of pipeline state that must survive a
// restart: the anonymous install identifier and the last known routing flags.
//
// Settings is safe for concurrent use by multiple goroutines.
type Settings struct {
	db *DB

	mu          sync.RWMutex
	anonymousID string
}

// NewSettings creates a Settings store backed by db.
func NewSettings(db *DB) *Settings {
	return &Settings{db: db}
}

// AnonymousID returns the install identifier, generating and persisting a
// UUID on first use. If the write fails the generated ID is still returned
// and cached for this process.
func (s *Settings) AnonymousID() (string, error) {
	s.mu.RLock()
	if s.anonymousID != "" {
		id := s.anonymousID
		s.mu.RUnlock()
		return id, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring the write lock.
	if s.anonymousID != "" {
		return s.anonymousID, nil
	}

	id, found, err := s.get(anonymousIDKey)
	if err == nil && found && id != "" {
		s.anonymousID = id
		return id, nil
	}

	s.anonymousID = uuid.New().String()
	if err := s.set(anonymousIDKey, s.anonymousID); err != nil {
		return s.anonymousID, err
	}
	return s.anonymousID, nil
}

// ResetAnonymousID replaces the install identifier with a new UUID.
func (s *Settings) ResetAnonymousID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.anonymousID = uuid.New().String()
	return s.anonymousID, s.set(anonymousIDKey, s.anonymousID)
}

// Integrations returns the cached routing flags, or an empty map if none
// have been saved.
func (s *Settings) Integrations() (map[string]any, error) {
	raw, found, err := s.get(integrationsKey)
	if err != nil {
		return nil, err
	}

	flags := make(map[string]any)
	if !found {
		return flags, nil
	}
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return nil, fmt.Errorf("decode integrations: %w", err)
	}
	return flags, nil
}

// SaveIntegrations replaces the cached routing flags.
func (s *Settings) SaveIntegrations(flags map[string]any) error {
	raw, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("encode integrations: %w", err)
	}
	return s.set(integrationsKey, string(raw))
}

func (s *Settings) get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Settings) set(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?, ?, ?)",
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}
