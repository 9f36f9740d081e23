package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"sally/internal/domain"
)

// FileJournal persists debits the server has not confirmed. Auth tokens are
// never written; replays use the token of the session doing the replay.
type FileJournal struct {
	path string
	mu   sync.Mutex
}

func NewFileJournal(path string) *FileJournal {
	return &FileJournal{path: path}
}

func (j *FileJournal) Append(req domain.CreditDebitRequest) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.readLocked()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IdempotencyKey == req.IdempotencyKey {
			return nil
		}
	}
	return j.writeLocked(append(entries, req))
}

func (j *FileJournal) Pending() ([]domain.CreditDebitRequest, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readLocked()
}

func (j *FileJournal) Remove(idempotencyKey string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.readLocked()
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.IdempotencyKey != idempotencyKey {
			kept = append(kept, e)
		}
	}
	return j.writeLocked(kept)
}

func (j *FileJournal) readLocked() ([]domain.CreditDebitRequest, error) {
	b, err := os.ReadFile(j.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	if len(b) == 0 {
		return nil, nil
	}

	var entries []domain.CreditDebitRequest
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("decoding journal: %w", err)
	}
	return entries, nil
}

func (j *FileJournal) writeLocked(entries []domain.CreditDebitRequest) error {
	if err := os.MkdirAll(filepath.Dir(j.path), 0o700); err != nil {
		return fmt.Errorf("creating journal dir: %w", err)
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding journal: %w", err)
	}

	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("writing journal: %w", err)
	}
	return os.Rename(tmp, j.path)
}
