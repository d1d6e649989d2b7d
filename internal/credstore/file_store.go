package credstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"qbmcp/internal/broker"
	"qbmcp/pkg/logging"
)

// DefaultStorageDir is the default directory for credential files, relative to
// the user's home directory.
const DefaultStorageDir = ".config/qbmcp/tokens"

const (
	recordExt  = ".json"
	tempPrefix = ".qbo-"
	tempSuffix = ".tmp"
)

// FileStoreConfig configures the file store.
type FileStoreConfig struct {
	// Dir is the directory holding one file per realm.
	// Defaults to ~/.config/qbmcp/tokens
	Dir string

	// Now overrides the clock used for created/updated timestamps.
	Now func() time.Time
}

// FileStore keeps one JSON file per realm.
//
// SECURITY:
//   - Files are created with 0600 permissions (owner read/write only)
//   - The directory is created with 0700 permissions (owner only)
//   - Writes go to a temp file that is fsynced and renamed over the target
//   - Token values are NEVER logged
type FileStore struct {
	dir   string
	locks *broker.TenantLocks
	now   func() time.Time

	// clearMu excludes Clear("") from concurrent saves.
	clearMu sync.RWMutex

	// own maps a record path to the sha256 of the content this store last
	// wrote there, or "" after removing it.
	ownMu sync.Mutex
	own   map[string]string
}

// NewFileStore creates the storage directory if needed and returns the store.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	dir := cfg.Dir
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, DefaultStorageDir)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential storage directory: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &FileStore{
		dir:   dir,
		locks: broker.NewTenantLocks(),
		now:   now,
		own:   make(map[string]string),
	}, nil
}

// Dir returns the storage directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Save writes the record atomically, preserving the original CreatedAt.
func (s *FileStore) Save(ctx context.Context, record broker.TokenRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.clearMu.RLock()
	defer s.clearMu.RUnlock()
	unlock := s.locks.Lock(record.RealmID)
	defer unlock()

	path := s.pathFor(record.RealmID)
	if existing, err := readRecordFile(path); err == nil && !existing.CreatedAt.IsZero() {
		record.CreatedAt = existing.CreatedAt
	}
	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}

	if err := s.writeAtomic(path, record); err != nil {
		logging.Audit(logging.AuditEvent{
			Event:   "token_store_failed",
			Message: "OAuth token storage failed",
			Tenant:  record.RealmID,
			Err:     err,
		})
		return fmt.Errorf("failed to persist credentials for realm %s: %w", record.RealmID, err)
	}

	logging.Audit(logging.AuditEvent{
		Event:   "token_stored",
		Message: "OAuth token stored",
		Tenant:  record.RealmID,
	})
	return nil
}

// Load resolves key to a record.
func (s *FileStore) Load(ctx context.Context, key string) (broker.TokenRecord, error) {
	if err := ctx.Err(); err != nil {
		return broker.TokenRecord{}, err
	}

	// Fast path: key is a realm id.
	if rec, err := readRecordFile(s.pathFor(key)); err == nil && rec.RealmID == key {
		return rec, nil
	}

	records, err := s.readAll()
	if err != nil {
		return broker.TokenRecord{}, err
	}
	rec, ok := resolve(records, key)
	if !ok {
		return broker.TokenRecord{}, broker.NotFound(key)
	}
	return rec, nil
}

// ListCompanies returns all tenants, most recently updated first.
func (s *FileStore) ListCompanies(ctx context.Context) ([]broker.Company, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := s.readAll()
	if err != nil {
		return nil, err
	}
	return companiesOf(records), nil
}

// Clear removes one record, or all records when key is empty.
func (s *FileStore) Clear(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if strings.TrimSpace(key) == "" {
		s.clearMu.Lock()
		defer s.clearMu.Unlock()

		records, err := s.readAll()
		if err != nil {
			return err
		}
		for _, r := range records {
			if err := s.remove(s.pathFor(r.RealmID)); err != nil {
				return err
			}
		}
		logging.Audit(logging.AuditEvent{
			Event:   "tokens_cleared",
			Message: "All OAuth tokens cleared",
		})
		return nil
	}

	rec, err := s.Load(ctx, key)
	if broker.IsKind(err, broker.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	s.clearMu.RLock()
	defer s.clearMu.RUnlock()
	unlock := s.locks.Lock(rec.RealmID)
	defer unlock()

	if err := s.remove(s.pathFor(rec.RealmID)); err != nil {
		logging.Audit(logging.AuditEvent{
			Event:   "token_delete_failed",
			Message: "OAuth token deletion failed",
			Tenant:  rec.RealmID,
			Err:     err,
		})
		return err
	}

	logging.Audit(logging.AuditEvent{
		Event:   "token_deleted",
		Message: "OAuth token deleted",
		Tenant:  rec.RealmID,
	})
	return nil
}

// HasAny reports whether any readable record exists.
func (s *FileStore) HasAny(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read credential directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isRecordFile(entry.Name()) {
			continue
		}
		if _, err := readRecordFile(filepath.Join(s.dir, entry.Name())); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// OwnsChange reports whether the current state of path is the result of
// this store's last write or removal. Watchers use it to skip events caused
// by the own process.
func (s *FileStore) OwnsChange(path string) bool {
	path = filepath.Clean(path)

	s.ownMu.Lock()
	want, ok := s.own[path]
	s.ownMu.Unlock()
	if !ok {
		return false
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return want == ""
	}
	if err != nil {
		return false
	}
	return want != "" && want == contentHash(data)
}

func (s *FileStore) markOwn(path, hash string) {
	s.ownMu.Lock()
	s.own[path] = hash
	s.ownMu.Unlock()
}

func (s *FileStore) forgetOwn(path string) {
	s.ownMu.Lock()
	delete(s.own, path)
	s.ownMu.Unlock()
}

func (s *FileStore) remove(path string) error {
	s.markOwn(path, "")
	if err := removeIfExists(path); err != nil {
		s.forgetOwn(path)
		return err
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

// pathFor maps a realm id to a filesystem-safe file name.
func (s *FileStore) pathFor(realmID string) string {
	hash := sha256.Sum256([]byte(realmID))
	return filepath.Join(s.dir, hex.EncodeToString(hash[:16])+recordExt)
}

func (s *FileStore) writeAtomic(path string, record broker.TokenRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*"+tempSuffix)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	// Marked before the rename so the watcher never sees an unmarked write.
	s.markOwn(path, contentHash(data))
	if err := os.Rename(tmpName, path); err != nil {
		s.forgetOwn(path)
		cleanup()
		return err
	}
	return nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// readAll loads every readable record. Corrupt files are skipped with a warning.
func (s *FileStore) readAll() ([]broker.TokenRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credential directory: %w", err)
	}

	var records []broker.TokenRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isRecordFile(name) {
			continue
		}
		rec, err := readRecordFile(filepath.Join(s.dir, name))
		if err != nil {
			logging.Warn("CredStore", "Skipping unreadable credential file %s: %v", name, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func isRecordFile(name string) bool {
	return strings.HasSuffix(name, recordExt) && !strings.HasPrefix(name, tempPrefix)
}

func readRecordFile(path string) (broker.TokenRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return broker.TokenRecord{}, err
	}
	var rec broker.TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return broker.TokenRecord{}, fmt.Errorf("failed to parse credential file: %w", err)
	}
	if rec.RealmID == "" {
		return broker.TokenRecord{}, errors.New("credential file has no realm id")
	}
	return rec, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credential file: %w", err)
	}
	return nil
}
