package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"qbmcp/internal/broker"
	"qbmcp/pkg/logging"
)

// DefaultSQLiteFile is the database file name used inside the storage dir.
const DefaultSQLiteFile = "tokens.db"

type tokenRow struct {
	bun.BaseModel `bun:"table:qbo_tokens,alias:qt"`

	RealmID               string    `bun:"realm_id,pk"`
	CompanyName           string    `bun:"company_name,notnull,default:''"`
	AccessToken           string    `bun:"access_token,notnull,default:''"`
	RefreshToken          string    `bun:"refresh_token,notnull"`
	ExpiresAt             time.Time `bun:"expires_at,nullzero"`
	RefreshTokenExpiresAt time.Time `bun:"refresh_token_expires_at,nullzero"`
	Environment           string    `bun:"environment,notnull,default:''"`
	CreatedAt             time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt             time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func newTokenRow(r broker.TokenRecord) *tokenRow {
	return &tokenRow{
		RealmID:               r.RealmID,
		CompanyName:           r.CompanyName,
		AccessToken:           r.AccessToken,
		RefreshToken:          r.RefreshToken,
		ExpiresAt:             r.ExpiresAt,
		RefreshTokenExpiresAt: r.RefreshTokenExpiresAt,
		Environment:           r.Environment,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}
}

func (r *tokenRow) toRecord() broker.TokenRecord {
	return broker.TokenRecord{
		RealmID:               r.RealmID,
		CompanyName:           r.CompanyName,
		AccessToken:           r.AccessToken,
		RefreshToken:          r.RefreshToken,
		ExpiresAt:             r.ExpiresAt.UTC(),
		RefreshTokenExpiresAt: r.RefreshTokenExpiresAt.UTC(),
		Environment:           r.Environment,
		CreatedAt:             r.CreatedAt.UTC(),
		UpdatedAt:             r.UpdatedAt.UTC(),
	}
}

// SQLStoreConfig configures the SQLite store.
type SQLStoreConfig struct {
	// DSN is passed to the sqlite3 driver, e.g. a file path or
	// "file:x?mode=memory&cache=shared".
	DSN string

	Now func() time.Time
}

// SQLStore keeps one row per realm in SQLite through bun.
type SQLStore struct {
	db  *bun.DB
	now func() time.Time
}

// NewSQLStore opens the database and creates the schema if needed.
func NewSQLStore(ctx context.Context, cfg SQLStoreConfig) (*SQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, broker.NewValidationError("dsn", "sqlite dsn is required")
	}

	sqlDB, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY between our own goroutines.
	sqlDB.SetMaxOpenConns(1)

	db := bun.NewDB(sqlDB, sqlitedialect.New())
	if _, err := db.NewCreateTable().Model((*tokenRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create qbo_tokens table: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &SQLStore{db: db, now: now}, nil
}

// Save upserts the record inside a transaction, preserving created_at.
func (s *SQLStore) Save(ctx context.Context, record broker.TokenRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	now := s.now().UTC()
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().
			Model(newTokenRow(record)).
			On("CONFLICT (realm_id) DO UPDATE").
			Set("company_name = EXCLUDED.company_name").
			Set("access_token = EXCLUDED.access_token").
			Set("refresh_token = EXCLUDED.refresh_token").
			Set("expires_at = EXCLUDED.expires_at").
			Set("refresh_token_expires_at = EXCLUDED.refresh_token_expires_at").
			Set("environment = EXCLUDED.environment").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	})
	if err != nil {
		logging.Audit(logging.AuditEvent{
			Event:   "token_store_failed",
			Message: "OAuth token storage failed",
			Tenant:  record.RealmID,
			Err:     err,
		})
		return fmt.Errorf("sqlstore: save realm %s: %w", record.RealmID, err)
	}

	logging.Audit(logging.AuditEvent{
		Event:   "token_stored",
		Message: "OAuth token stored",
		Tenant:  record.RealmID,
	})
	return nil
}

// Load resolves key as realm id, then company name.
func (s *SQLStore) Load(ctx context.Context, key string) (broker.TokenRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return broker.TokenRecord{}, broker.NotFound(key)
	}

	row := new(tokenRow)
	err := s.db.NewSelect().Model(row).Where("realm_id = ?", key).Limit(1).Scan(ctx)
	if err == nil {
		return row.toRecord(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return broker.TokenRecord{}, fmt.Errorf("sqlstore: load %s: %w", key, err)
	}

	records, err := s.all(ctx)
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
func (s *SQLStore) ListCompanies(ctx context.Context) ([]broker.Company, error) {
	records, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	return companiesOf(records), nil
}

// Clear removes one record, or all records when key is empty.
func (s *SQLStore) Clear(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		if _, err := s.db.NewDelete().Model((*tokenRow)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return fmt.Errorf("sqlstore: clear all: %w", err)
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

	if _, err := s.db.NewDelete().Model((*tokenRow)(nil)).Where("realm_id = ?", rec.RealmID).Exec(ctx); err != nil {
		logging.Audit(logging.AuditEvent{
			Event:   "token_delete_failed",
			Message: "OAuth token deletion failed",
			Tenant:  rec.RealmID,
			Err:     err,
		})
		return fmt.Errorf("sqlstore: clear %s: %w", rec.RealmID, err)
	}

	logging.Audit(logging.AuditEvent{
		Event:   "token_deleted",
		Message: "OAuth token deleted",
		Tenant:  rec.RealmID,
	})
	return nil
}

// HasAny reports whether any row exists.
func (s *SQLStore) HasAny(ctx context.Context) (bool, error) {
	exists, err := s.db.NewSelect().Model((*tokenRow)(nil)).Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("sqlstore: has any: %w", err)
	}
	return exists, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) all(ctx context.Context) ([]broker.TokenRecord, error) {
	var rows []tokenRow
	if err := s.db.NewSelect().Model(&rows).OrderExpr("updated_at DESC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore: list: %w", err)
	}
	records := make([]broker.TokenRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toRecord())
	}
	return records, nil
}
