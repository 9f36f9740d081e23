package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sally/internal/domain"
)

// Session is the persisted sign-in of the single local user.
type Session struct {
	Token      string          `json:"token"`
	UserID     string          `json:"user_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Provider   domain.Provider `json:"provider,omitempty"`
	SignedInAt time.Time       `json:"signed_in_at"`
}

// FileStore keeps the session on disk with owner-only permissions.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns nil without error when nobody is signed in.
func (f *FileStore) Load() (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if s.Token == "" {
		return nil, nil
	}
	return &s, nil
}

func (f *FileStore) Save(s *Session) error {
	if s == nil || s.Token == "" {
		return fmt.Errorf("invalid session")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing session: %w", err)
	}
	return nil
}

// Token returns the bearer token, or domain.ErrNoAuthToken when signed out.
func (f *FileStore) Token(_ context.Context) (string, error) {
	s, err := f.Load()
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", domain.ErrNoAuthToken
	}
	return s.Token, nil
}
