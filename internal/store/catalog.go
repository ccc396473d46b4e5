package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/receipts/internal/ir"
)

// ReadCatalog returns the cached catalog snapshot for a user.
func (s *Store) ReadCatalog(ctx context.Context, appUserID string) (CachedCatalog, bool, error) {
	var (
		raw       []byte
		fetchedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot, fetched_at FROM catalog_cache WHERE app_user_id = ?
	`, appUserID).Scan(&raw, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedCatalog{}, false, nil
	}
	if err != nil {
		return CachedCatalog{}, false, fmt.Errorf("read catalog: %w", err)
	}
	return CachedCatalog{
		Snapshot:  ir.CatalogSnapshot{AppUserID: appUserID, Raw: raw},
		FetchedAt: fromNullableMillis(fetchedAt),
	}, true, nil
}

// WriteCatalog replaces the user's catalog snapshot.
func (s *Store) WriteCatalog(ctx context.Context, snap ir.CatalogSnapshot, fetchedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog_cache (app_user_id, snapshot, fetched_at)
		VALUES (?, ?, ?)
		ON CONFLICT(app_user_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			fetched_at = excluded.fetched_at
	`, snap.AppUserID, []byte(snap.Raw), nullableMillis(fetchedAt))
	if err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	return nil
}

// InvalidateCatalog clears the catalog freshness timestamp.
func (s *Store) InvalidateCatalog(ctx context.Context, appUserID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE catalog_cache SET fetched_at = NULL WHERE app_user_id = ?
	`, appUserID)
	if err != nil {
		return fmt.Errorf("invalidate catalog: %w", err)
	}
	return nil
}
