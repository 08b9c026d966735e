package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hgrams/gmail-to-group/model"
)

// Store is the durable record of migration progress for one account.
// Identifiers recorded as migrated are never re-attempted; failures are
// append-only and do not block a later retry.
type Store interface {
	AlreadyMigrated(id string) bool
	RecordSuccess(id string)
	RecordFailure(id string, errText string)
	Persist() error
	Snapshot() Snapshot
	MigratedIDs() []string
	Failures() []model.Failure
}

type Snapshot struct {
	Migrated int
	Failed   int
}

// record is the on-disk layout, compatible with the progress files the
// original tooling produced.
type record struct {
	Migrated    []string        `json:"migrated"`
	Failed      []model.Failure `json:"failed"`
	LastUpdated time.Time       `json:"last_updated"`
}

// MemoryStore keeps progress in memory only. It backs FileStore and is
// useful on its own for tests and dry runs.
type MemoryStore struct {
	migrated map[string]struct{}
	order    []string
	failed   []model.Failure
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		migrated: make(map[string]struct{}),
		now:      time.Now,
	}
}

func (m *MemoryStore) AlreadyMigrated(id string) bool {
	if id == "" {
		return false
	}
	_, ok := m.migrated[id]
	return ok
}

func (m *MemoryStore) RecordSuccess(id string) {
	if id == "" {
		return
	}
	if _, exists := m.migrated[id]; exists {
		return
	}
	m.migrated[id] = struct{}{}
	m.order = append(m.order, id)
}

func (m *MemoryStore) RecordFailure(id string, errText string) {
	m.failed = append(m.failed, model.Failure{
		ID:        id,
		Error:     errText,
		Timestamp: m.now(),
	})
}

func (m *MemoryStore) Persist() error {
	return nil
}

func (m *MemoryStore) Snapshot() Snapshot {
	return Snapshot{Migrated: len(m.order), Failed: len(m.failed)}
}

func (m *MemoryStore) MigratedIDs() []string {
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	return ids
}

func (m *MemoryStore) Failures() []model.Failure {
	failures := make([]model.Failure, len(m.failed))
	copy(failures, m.failed)
	return failures
}

// FileStore persists the progress record to a single JSON file per account
// so interrupted runs can resume. Writes go through a temp file and rename,
// so a reader never observes a partially written record.
type FileStore struct {
	*MemoryStore
	path   string
	logger *slog.Logger
}

func NewFileStore(stateDir, account string, logger *slog.Logger) (*FileStore, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	store := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        filepath.Join(stateDir, Key(account)+"_migration_progress.json"),
		logger:      logger,
	}
	store.load()
	return store, nil
}

// load reads prior progress. A missing file means a fresh account; a
// corrupt file is logged and treated as empty rather than failing the run.
func (f *FileStore) load() {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		f.warn("could not read progress file", err)
		return
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		f.warn("could not parse progress file", err)
		return
	}

	for _, id := range rec.Migrated {
		f.MemoryStore.RecordSuccess(id)
	}
	f.MemoryStore.failed = rec.Failed

	if f.logger != nil {
		f.logger.Info("loaded progress", "path", f.path, "migrated", len(f.order), "failed", len(f.failed))
	}
}

func (f *FileStore) Persist() error {
	rec := record{
		Migrated:    f.MigratedIDs(),
		Failed:      f.Failures(),
		LastUpdated: f.now(),
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress record: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write progress file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace progress file: %w", err)
	}
	return nil
}

func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) warn(msg string, err error) {
	if f.logger != nil {
		f.logger.Warn(msg+", starting with empty progress", "path", f.path, "err", err)
	}
}

// Key derives the per-account state key from the account address, the
// local part of the address.
func Key(account string) string {
	key := account
	if idx := strings.IndexByte(key, '@'); idx >= 0 {
		key = key[:idx]
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "unknown"
	}
	return key
}
