package engine

import (
	"context"
	"time"

	"github.com/roach88/receipts/internal/ir"
	"github.com/roach88/receipts/internal/store"
)

// Cache is the Local State Cache the engine owns. Implemented by
// store.Store (SQLite) and redisstore.Store (Redis). Every method is keyed
// by app user id.
type Cache interface {
	ReadEntitlements(ctx context.Context, appUserID string) (store.CachedEntitlements, bool, error)
	WriteEntitlements(ctx context.Context, snap ir.EntitlementSnapshot, fetchedAt time.Time) (bool, error)
	InvalidateEntitlements(ctx context.Context, appUserID string) error

	ReadCatalog(ctx context.Context, appUserID string) (store.CachedCatalog, bool, error)
	WriteCatalog(ctx context.Context, snap ir.CatalogSnapshot, fetchedAt time.Time) error
	InvalidateCatalog(ctx context.Context, appUserID string) error

	SentTokens(ctx context.Context, appUserID string) (map[string]struct{}, error)
	AddSentToken(ctx context.Context, appUserID, hash string, confirmedAt time.Time) error
	PruneSentTokens(ctx context.Context, appUserID string, keep map[string]struct{}, confirmedBefore time.Time) (int, error)

	AttributionFingerprint(ctx context.Context, appUserID, network string) (string, bool, error)
	SetAttributionFingerprint(ctx context.Context, appUserID, network, fingerprint string, sentAt time.Time) error

	SetAttributes(ctx context.Context, appUserID string, values map[string]string, setAt time.Time) error
	UnsyncedAttributes(ctx context.Context, appUserID string) (ir.AttributeSet, error)
	MarkAttributesSynced(ctx context.Context, appUserID string, sent ir.AttributeSet) (int, error)

	ClearUser(ctx context.Context, appUserID string) error
	Inspect(ctx context.Context, appUserID string) (store.Stats, error)
}

var _ Cache = (*store.Store)(nil)
