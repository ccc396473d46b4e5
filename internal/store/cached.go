package store

import (
	"time"

	"github.com/roach88/receipts/internal/ir"
)

// Cache freshness windows. The background window is long because a
// backgrounded process should not wake the backend just to re-read state.
const (
	ForegroundTTL = 5 * time.Minute
	BackgroundTTL = 25 * time.Hour
)

// TTL returns the freshness window for the given foreground state.
func TTL(inBackground bool) time.Duration {
	if inBackground {
		return BackgroundTTL
	}
	return ForegroundTTL
}

// CachedEntitlements wraps a cached snapshot with its freshness timestamp.
// A zero FetchedAt means the entry was invalidated and must be re-fetched,
// but Snapshot stays readable.
type CachedEntitlements struct {
	Snapshot  ir.EntitlementSnapshot
	FetchedAt time.Time
}

// IsStale reports whether the entry must be refreshed at now.
func (c CachedEntitlements) IsStale(now time.Time, ttl time.Duration) bool {
	return isStale(c.FetchedAt, now, ttl)
}

// CachedCatalog wraps a cached catalog with its freshness timestamp.
type CachedCatalog struct {
	Snapshot  ir.CatalogSnapshot
	FetchedAt time.Time
}

// IsStale reports whether the entry must be refreshed at now.
func (c CachedCatalog) IsStale(now time.Time, ttl time.Duration) bool {
	return isStale(c.FetchedAt, now, ttl)
}

func isStale(fetchedAt, now time.Time, ttl time.Duration) bool {
	if fetchedAt.IsZero() {
		return true
	}
	return now.Sub(fetchedAt) >= ttl
}

// Stats summarizes one user's cached state for inspection.
type Stats struct {
	AppUserID              string    `json:"app_user_id"`
	HasEntitlements        bool      `json:"has_entitlements"`
	EntitlementsFetchedAt  time.Time `json:"entitlements_fetched_at"`
	EntitlementRequestDate time.Time `json:"entitlement_request_date"`
	HasCatalog             bool      `json:"has_catalog"`
	CatalogFetchedAt       time.Time `json:"catalog_fetched_at"`
	SentTokens             int       `json:"sent_tokens"`
	UnsyncedAttributes     int       `json:"unsynced_attributes"`
	AttributionNetworks    int       `json:"attribution_networks"`
}
