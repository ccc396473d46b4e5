package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/receipts/internal/ir"
)

// SetAttributes writes attribute values for a user and flags them unsynced.
// Writing a value equal to the stored one is a no-op, so an already synced
// attribute is not re-sent.
func (s *Store) SetAttributes(ctx context.Context, appUserID string, values map[string]string, setAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set attributes: begin tx: %w", err)
	}
	defer tx.Rollback()

	for key, value := range values {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO subscriber_attributes (app_user_id, key, value, set_at, synced)
			VALUES (?, ?, ?, ?, 0)
			ON CONFLICT(app_user_id, key) DO UPDATE SET
				value = excluded.value,
				set_at = excluded.set_at,
				synced = 0
			WHERE subscriber_attributes.value != excluded.value
		`, appUserID, key, value, toMillis(setAt))
		if err != nil {
			return fmt.Errorf("set attributes: upsert %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set attributes: commit: %w", err)
	}
	return nil
}

// UnsyncedAttributes returns the user's attributes that have not been synced.
func (s *Store) UnsyncedAttributes(ctx context.Context, appUserID string) (ir.AttributeSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, set_at FROM subscriber_attributes
		WHERE app_user_id = ? AND synced = 0
		ORDER BY key COLLATE BINARY ASC
	`, appUserID)
	if err != nil {
		return nil, fmt.Errorf("query unsynced attributes: %w", err)
	}
	defer rows.Close()

	set := make(ir.AttributeSet)
	for rows.Next() {
		var (
			attr  ir.SubscriberAttribute
			setAt int64
		)
		if err := rows.Scan(&attr.Key, &attr.Value, &setAt); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		attr.SetAt = fromMillis(setAt)
		set[attr.Key] = attr
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attributes: %w", err)
	}
	return set, nil
}

// MarkAttributesSynced marks each sent attribute synced, but only while the
// stored value still equals the value that was sent. A value written after
// the post keeps its unsynced flag. Returns the number of rows marked.
func (s *Store) MarkAttributesSynced(ctx context.Context, appUserID string, sent ir.AttributeSet) (int, error) {
	if len(sent) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mark attributes synced: begin tx: %w", err)
	}
	defer tx.Rollback()

	marked := 0
	for key, attr := range sent {
		result, err := tx.ExecContext(ctx, `
			UPDATE subscriber_attributes SET synced = 1
			WHERE app_user_id = ? AND key = ? AND value = ?
		`, appUserID, key, attr.Value)
		if err != nil {
			return 0, fmt.Errorf("mark attributes synced: update %q: %w", key, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("mark attributes synced: rows affected: %w", err)
		}
		marked += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mark attributes synced: commit: %w", err)
	}
	return marked, nil
}
