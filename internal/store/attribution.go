package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AttributionFingerprint returns the last fingerprint sent for (network, user).
func (s *Store) AttributionFingerprint(ctx context.Context, appUserID, network string) (string, bool, error) {
	var fp string
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint FROM attribution_fingerprints
		WHERE app_user_id = ? AND network = ?
	`, appUserID, network).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read attribution fingerprint: %w", err)
	}
	return fp, true, nil
}

// SetAttributionFingerprint records the fingerprint last sent for (network, user).
func (s *Store) SetAttributionFingerprint(ctx context.Context, appUserID, network, fingerprint string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attribution_fingerprints (app_user_id, network, fingerprint, sent_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(app_user_id, network) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			sent_at = excluded.sent_at
	`, appUserID, network, fingerprint, toMillis(sentAt))
	if err != nil {
		return fmt.Errorf("write attribution fingerprint: %w", err)
	}
	return nil
}
