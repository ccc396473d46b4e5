package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/receipts/internal/ir"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testSnapshot creates an entitlement snapshot issued at requestDate.
func testSnapshot(user string, requestDate time.Time, body string) ir.EntitlementSnapshot {
	return ir.EntitlementSnapshot{
		AppUserID:   user,
		RequestDate: requestDate,
		Raw:         []byte(body),
	}
}

var (
	testCtx = context.Background()
	t0      = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
)

// catalogSnapshot creates a catalog snapshot with the given body.
func catalogSnapshot(user, body string) ir.CatalogSnapshot {
	return ir.CatalogSnapshot{AppUserID: user, Raw: []byte(body)}
}
