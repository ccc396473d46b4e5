package store

import (
	"context"
	"fmt"
	"time"
)

// SentTokens returns the set of confirmed token hashes for a user.
// Returns an empty (non-nil) set when the user has none.
func (s *Store) SentTokens(ctx context.Context, appUserID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_hash FROM sent_tokens
		WHERE app_user_id = ?
		ORDER BY token_hash COLLATE BINARY ASC
	`, appUserID)
	if err != nil {
		return nil, fmt.Errorf("query sent tokens: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan sent token: %w", err)
		}
		set[hash] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sent tokens: %w", err)
	}
	return set, nil
}

// AddSentToken records hash as confirmed.
// Uses ON CONFLICT DO NOTHING - re-adding a hash keeps the first confirmation time.
func (s *Store) AddSentToken(ctx context.Context, appUserID, hash string, confirmedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sent_tokens (app_user_id, token_hash, confirmed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(app_user_id, token_hash) DO NOTHING
	`, appUserID, hash, toMillis(confirmedAt))
	if err != nil {
		return fmt.Errorf("add sent token: %w", err)
	}
	return nil
}

// PruneSentTokens removes every hash for the user that is not in keep and
// was confirmed before confirmedBefore. Later confirmations always survive.
// Returns the number of removed hashes.
func (s *Store) PruneSentTokens(ctx context.Context, appUserID string, keep map[string]struct{}, confirmedBefore time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune sent tokens: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT token_hash FROM sent_tokens
		WHERE app_user_id = ? AND confirmed_at < ?
	`, appUserID, toMillis(confirmedBefore))
	if err != nil {
		return 0, fmt.Errorf("prune sent tokens: select: %w", err)
	}
	var stale []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			rows.Close()
			return 0, fmt.Errorf("prune sent tokens: scan: %w", err)
		}
		if _, ok := keep[hash]; !ok {
			stale = append(stale, hash)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("prune sent tokens: iterate: %w", err)
	}
	rows.Close()

	for _, hash := range stale {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM sent_tokens WHERE app_user_id = ? AND token_hash = ?
		`, appUserID, hash); err != nil {
			return 0, fmt.Errorf("prune sent tokens: delete: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune sent tokens: commit: %w", err)
	}
	return len(stale), nil
}
