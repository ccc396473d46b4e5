package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/receipts/internal/ir"
)

// ReadEntitlements returns the cached entitlement snapshot for a user.
// found is false when no snapshot was ever written for the user.
func (s *Store) ReadEntitlements(ctx context.Context, appUserID string) (CachedEntitlements, bool, error) {
	var (
		raw         []byte
		requestDate int64
		fetchedAt   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot, request_date, fetched_at
		FROM entitlement_cache
		WHERE app_user_id = ?
	`, appUserID).Scan(&raw, &requestDate, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedEntitlements{}, false, nil
	}
	if err != nil {
		return CachedEntitlements{}, false, fmt.Errorf("read entitlements: %w", err)
	}

	return CachedEntitlements{
		Snapshot: ir.EntitlementSnapshot{
			AppUserID:   appUserID,
			RequestDate: fromMillis(requestDate),
			Raw:         raw,
		},
		FetchedAt: fromNullableMillis(fetchedAt),
	}, true, nil
}

// WriteEntitlements stores snap as the user's snapshot, fetched at fetchedAt.
//
// The snapshot body is only replaced when snap is strictly newer than the
// stored one. An equally old response still refreshes the freshness
// timestamp; an older response is ignored entirely. replaced reports whether
// the stored snapshot body changed.
func (s *Store) WriteEntitlements(ctx context.Context, snap ir.EntitlementSnapshot, fetchedAt time.Time) (replaced bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("write entitlements: begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `
		SELECT request_date FROM entitlement_cache WHERE app_user_id = ?
	`, snap.AppUserID).Scan(&existing)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entitlement_cache (app_user_id, snapshot, request_date, fetched_at)
			VALUES (?, ?, ?, ?)
		`, snap.AppUserID, []byte(snap.Raw), toMillis(snap.RequestDate), nullableMillis(fetchedAt))
		if err != nil {
			return false, fmt.Errorf("write entitlements: insert: %w", err)
		}
		replaced = true

	case err != nil:
		return false, fmt.Errorf("write entitlements: select existing: %w", err)

	case toMillis(snap.RequestDate) > existing:
		_, err = tx.ExecContext(ctx, `
			UPDATE entitlement_cache
			SET snapshot = ?, request_date = ?, fetched_at = ?
			WHERE app_user_id = ?
		`, []byte(snap.Raw), toMillis(snap.RequestDate), nullableMillis(fetchedAt), snap.AppUserID)
		if err != nil {
			return false, fmt.Errorf("write entitlements: update: %w", err)
		}
		replaced = true

	case toMillis(snap.RequestDate) == existing:
		_, err = tx.ExecContext(ctx, `
			UPDATE entitlement_cache SET fetched_at = ? WHERE app_user_id = ?
		`, nullableMillis(fetchedAt), snap.AppUserID)
		if err != nil {
			return false, fmt.Errorf("write entitlements: touch: %w", err)
		}

	default:
		// Older response: the stored snapshot already reflects a later state.
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("write entitlements: commit: %w", err)
	}
	return replaced, nil
}

// InvalidateEntitlements clears the freshness timestamp so the next read
// re-fetches. The snapshot itself stays available.
func (s *Store) InvalidateEntitlements(ctx context.Context, appUserID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE entitlement_cache SET fetched_at = NULL WHERE app_user_id = ?
	`, appUserID)
	if err != nil {
		return fmt.Errorf("invalidate entitlements: %w", err)
	}
	return nil
}
