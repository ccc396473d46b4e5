package store

import (
	"context"
	"database/sql"
	"fmt"
)

// userTables lists every table keyed by app_user_id.
var userTables = []string{
	"entitlement_cache",
	"catalog_cache",
	"sent_tokens",
	"attribution_fingerprints",
	"subscriber_attributes",
}

// ClearUser deletes every cached row for a user in one transaction.
// Used on identity reset and sign-out.
func (s *Store) ClearUser(ctx context.Context, appUserID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear user: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range userTables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE app_user_id = ?", table), appUserID); err != nil {
			return fmt.Errorf("clear user: %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clear user: commit: %w", err)
	}
	return nil
}

// Inspect summarizes the cached state for a user.
func (s *Store) Inspect(ctx context.Context, appUserID string) (Stats, error) {
	stats := Stats{AppUserID: appUserID}

	ent, found, err := s.ReadEntitlements(ctx, appUserID)
	if err != nil {
		return Stats{}, err
	}
	if found {
		stats.HasEntitlements = true
		stats.EntitlementsFetchedAt = ent.FetchedAt
		stats.EntitlementRequestDate = ent.Snapshot.RequestDate
	}

	cat, found, err := s.ReadCatalog(ctx, appUserID)
	if err != nil {
		return Stats{}, err
	}
	if found {
		stats.HasCatalog = true
		stats.CatalogFetchedAt = cat.FetchedAt
	}

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM sent_tokens WHERE app_user_id = ?", &stats.SentTokens},
		{"SELECT COUNT(*) FROM subscriber_attributes WHERE app_user_id = ? AND synced = 0", &stats.UnsyncedAttributes},
		{"SELECT COUNT(*) FROM attribution_fingerprints WHERE app_user_id = ?", &stats.AttributionNetworks},
	}
	for _, c := range counts {
		var n sql.NullInt64
		if err := s.db.QueryRowContext(ctx, c.query, appUserID).Scan(&n); err != nil {
			return Stats{}, fmt.Errorf("inspect: %w", err)
		}
		*c.dest = int(n.Int64)
	}

	return stats, nil
}
