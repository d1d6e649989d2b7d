// Package credstore persists per-realm OAuth credentials.
//
// Two backends implement Store: FileStore keeps one JSON file per realm and is
// the default for local installs, SQLStore keeps one row per realm in SQLite.
// Both reject invalid records before touching disk and replace records
// atomically, so a crash never leaves a half-written credential behind.
package credstore

import (
	"context"
	"sort"
	"strings"

	"qbmcp/internal/broker"
)

// Store is durable keyed persistence for TokenRecords.
//
// SECURITY: implementations hold refresh tokens. They must never log token
// values and must restrict on-disk permissions to the owner.
type Store interface {
	// Save upserts the record keyed by RealmID.
	Save(ctx context.Context, record broker.TokenRecord) error

	// Load resolves key as a realm id first, then as a company name.
	// Returns a broker.KindNotFound error when nothing matches.
	Load(ctx context.Context, key string) (broker.TokenRecord, error)

	// ListCompanies returns all tenants ordered by most recently updated first.
	ListCompanies(ctx context.Context) ([]broker.Company, error)

	// Clear removes the record for key, or every record when key is empty.
	// Clearing an absent key is not an error.
	Clear(ctx context.Context, key string) error

	// HasAny reports whether at least one record exists.
	HasAny(ctx context.Context) (bool, error)

	// Close releases the persistence handle.
	Close() error
}

// resolve picks the record key refers to: an exact realm id, then an exact
// company name, then a case-insensitive company name. Ties on name go to the
// most recently updated record.
func resolve(records []broker.TokenRecord, key string) (broker.TokenRecord, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return broker.TokenRecord{}, false
	}

	for _, r := range records {
		if r.RealmID == key {
			return r, true
		}
	}

	sortByUpdated(records)
	for _, r := range records {
		if r.CompanyName != "" && r.CompanyName == key {
			return r, true
		}
	}
	for _, r := range records {
		if r.CompanyName != "" && strings.EqualFold(r.CompanyName, key) {
			return r, true
		}
	}
	return broker.TokenRecord{}, false
}

func sortByUpdated(records []broker.TokenRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
}

func companiesOf(records []broker.TokenRecord) []broker.Company {
	sortByUpdated(records)
	out := make([]broker.Company, 0, len(records))
	for i := range records {
		out = append(out, records[i].Company())
	}
	return out
}
