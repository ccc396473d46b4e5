package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/receipts/internal/backend/backendtest"
	"github.com/roach88/receipts/internal/catalog"
	"github.com/roach88/receipts/internal/ir"
	"github.com/roach88/receipts/internal/store"
)

func getEntitlements(t *testing.T, e *Engine, force bool) Result[ir.EntitlementSnapshot] {
	t.Helper()
	return await(t, func(h Handler[ir.EntitlementSnapshot]) {
		e.GetEntitlements(force, h)
	})
}

func TestGetEntitlements_FetchesThenServesFreshCacheSynchronously(t *testing.T) {
	f := newFixture(t)

	first := getEntitlements(t, f.engine, false)
	require.True(t, first.OK())
	assert.Len(t, f.poster.EntitlementFetches(), 1)

	var got Result[ir.EntitlementSnapshot]
	called := false
	f.engine.GetEntitlements(false, func(r Result[ir.EntitlementSnapshot]) {
		got = r
		called = true
	})

	require.True(t, called, "fresh cache must be served before GetEntitlements returns")
	assert.Equal(t, first.Value().Raw, got.Value().Raw)
	assert.Len(t, f.poster.EntitlementFetches(), 1)
}

func TestGetEntitlements_RefetchesWhenStale(t *testing.T) {
	f := newFixture(t)
	require.True(t, getEntitlements(t, f.engine, false).OK())

	f.clock.Advance(store.ForegroundTTL)
	require.True(t, getEntitlements(t, f.engine, false).OK())

	assert.Len(t, f.poster.EntitlementFetches(), 2)
}

func TestGetEntitlements_BackgroundUsesLongerTTL(t *testing.T) {
	lc := NewLifecycle()
	f := newFixture(t, WithLifecycle(lc))
	require.True(t, getEntitlements(t, f.engine, false).OK())

	lc.Background()
	f.clock.Advance(time.Hour)
	require.True(t, getEntitlements(t, f.engine, false).OK())
	assert.Len(t, f.poster.EntitlementFetches(), 1)

	f.clock.Advance(store.BackgroundTTL)
	require.True(t, getEntitlements(t, f.engine, false).OK())
	assert.Len(t, f.poster.EntitlementFetches(), 2)
}

func TestGetEntitlements_ForceAlwaysFetches(t *testing.T) {
	f := newFixture(t)

	require.True(t, getEntitlements(t, f.engine, false).OK())
	require.True(t, getEntitlements(t, f.engine, true).OK())

	assert.Len(t, f.poster.EntitlementFetches(), 2)
}

func TestGetEntitlements_StaleButAvailable(t *testing.T) {
	f := newFixture(t)
	good := getEntitlements(t, f.engine, false)
	require.True(t, good.OK())

	f.poster.QueueEntitlementErrors(backendtest.Unavailable())
	forced := getEntitlements(t, f.engine, true)
	require.False(t, forced.OK())
	assert.Equal(t, ErrCodeBackendProblem, forced.Err().Code)

	stats, err := f.engine.Inspect(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.HasEntitlements, "snapshot survives a failed refresh")
	assert.True(t, stats.EntitlementsFetchedAt.IsZero(), "freshness is invalidated")

	f.poster.QueueEntitlementErrors(backendtest.Unavailable())
	fallback := getEntitlements(t, f.engine, false)
	require.True(t, fallback.OK())
	assert.Equal(t, good.Value().Raw, fallback.Value().Raw)
	require.Eventually(t, func() bool { return len(f.poster.EntitlementFetches()) == 3 }, waitTimeout, waitTick,
		"the fallback read refreshes in the background")
}

func TestGetEntitlements_StarterGetsErrorJoinersGetCache(t *testing.T) {
	f := newStoppedFixture(t)
	cached := ir.EntitlementSnapshot{AppUserID: testUser, RequestDate: f.clock.Now(), Raw: []byte(`{"products":["pro"]}`)}
	_, err := f.cache.WriteEntitlements(context.Background(), cached, f.clock.Now())
	require.NoError(t, err)
	f.clock.Advance(store.ForegroundTTL)
	f.poster.QueueEntitlementErrors(backendtest.Unavailable())

	var chans []<-chan Result[ir.EntitlementSnapshot]
	for i := 0; i < 3; i++ {
		h, ch := callback[ir.EntitlementSnapshot]()
		f.engine.GetEntitlements(false, h)
		chans = append(chans, ch)
	}
	f.start()

	starter := receive(t, chans[0])
	require.False(t, starter.OK())
	assert.Equal(t, ErrCodeBackendProblem, starter.Err().Code)
	for _, ch := range chans[1:] {
		r := receive(t, ch)
		require.True(t, r.OK())
		assert.JSONEq(t, string(cached.Raw), string(r.Value().Raw))
	}
	assert.Len(t, f.poster.EntitlementFetches(), 1)
}

func TestGetEntitlements_BackgroundRefreshRecovers(t *testing.T) {
	f := newFixture(t)
	require.True(t, getEntitlements(t, f.engine, false).OK())

	f.clock.Advance(store.ForegroundTTL)
	f.poster.QueueEntitlementErrors(backendtest.Unavailable())
	require.False(t, getEntitlements(t, f.engine, false).OK())

	require.True(t, getEntitlements(t, f.engine, false).OK(), "served from cache")
	require.Eventually(t, func() bool {
		stats, err := f.engine.Inspect(context.Background())
		return err == nil && !stats.EntitlementsFetchedAt.IsZero()
	}, waitTimeout, waitTick)
	f.settle()

	called := false
	f.engine.GetEntitlements(false, func(Result[ir.EntitlementSnapshot]) { called = true })
	assert.True(t, called, "a recovered cache is fresh again")
	assert.Len(t, f.poster.EntitlementFetches(), 3)
}

func TestInvalidateEntitlementsCache_EndsFallback(t *testing.T) {
	f := newFixture(t)
	require.True(t, getEntitlements(t, f.engine, false).OK())
	f.poster.QueueEntitlementErrors(backendtest.Unavailable())
	require.False(t, getEntitlements(t, f.engine, true).OK())

	f.engine.InvalidateEntitlementsCache()
	f.poster.QueueEntitlementErrors(backendtest.Unavailable())

	r := getEntitlements(t, f.engine, false)
	require.False(t, r.OK(), "an explicit invalidation waits for the backend")
}

func TestGetEntitlements_FailureWithoutCache(t *testing.T) {
	f := newFixture(t)
	f.poster.QueueEntitlementErrors(backendtest.Unavailable())

	r := getEntitlements(t, f.engine, false)

	require.False(t, r.OK())
	assert.Equal(t, ErrCodeBackendProblem, r.Err().Code)
}

func TestGetEntitlements_CoalescesConcurrentFetches(t *testing.T) {
	f := newStoppedFixture(t)
	var chans []<-chan Result[ir.EntitlementSnapshot]
	for i := 0; i < 3; i++ {
		h, ch := callback[ir.EntitlementSnapshot]()
		f.engine.GetEntitlements(false, h)
		chans = append(chans, ch)
	}

	f.start()

	var raws []string
	for _, ch := range chans {
		r := receive(t, ch)
		require.True(t, r.OK())
		raws = append(raws, string(r.Value().Raw))
	}
	assert.Len(t, f.poster.EntitlementFetches(), 1)
	assert.Equal(t, raws[0], raws[1])
	assert.Equal(t, raws[0], raws[2])
}

func TestInvalidateEntitlementsCache(t *testing.T) {
	f := newFixture(t)
	require.True(t, getEntitlements(t, f.engine, false).OK())

	f.engine.InvalidateEntitlementsCache()
	require.True(t, getEntitlements(t, f.engine, false).OK())

	assert.Len(t, f.poster.EntitlementFetches(), 2)
}

const testCatalog = `{
	"current_offering_id": "default",
	"offerings": [
		{
			"identifier": "default",
			"packages": [
				{"identifier": "$rc_monthly", "platform_product_identifier": "sub_monthly", "product_type": "subscription"},
				{"identifier": "coins", "platform_product_identifier": "coins_100"}
			]
		},
		{
			"identifier": "unknown",
			"packages": [
				{"identifier": "ghost", "platform_product_identifier": "missing_product"}
			]
		}
	]
}`

func getCatalog(t *testing.T, e *Engine, force bool) Result[catalog.Offerings] {
	t.Helper()
	return await(t, func(h Handler[catalog.Offerings]) {
		e.GetCatalog(force, h)
	})
}

func TestGetCatalog_JoinsStoreProducts(t *testing.T) {
	f := newFixture(t)
	f.poster.SetCatalog(testCatalog)
	f.billing.AddProduct(ir.ProductInfo{ProductID: "sub_monthly", Type: ir.PurchaseTypeSubscription, PriceMicros: 4990000})
	f.billing.AddProduct(ir.ProductInfo{ProductID: "coins_100", Type: ir.PurchaseTypeConsumable, PriceMicros: 990000})

	r := getCatalog(t, f.engine, false)

	require.True(t, r.OK(), "catalog failed: %v", r.Err())
	offerings := r.Value()
	require.Len(t, offerings.Offerings, 1, "offering without resolvable products is dropped")
	current, ok := offerings.Current()
	require.True(t, ok)
	assert.Equal(t, "default", current.Identifier)
	require.Len(t, current.Packages, 2)
	for _, p := range current.Packages {
		assert.Equal(t, "default", p.Product.OfferingID)
	}
}

func TestGetCatalog_ServesFreshCacheSynchronously(t *testing.T) {
	f := newFixture(t)
	f.poster.SetCatalog(testCatalog)
	f.billing.AddProduct(ir.ProductInfo{ProductID: "coins_100", Type: ir.PurchaseTypeConsumable})
	first := getCatalog(t, f.engine, false)
	require.True(t, first.OK())

	called := false
	var got Result[catalog.Offerings]
	f.engine.GetCatalog(false, func(r Result[catalog.Offerings]) {
		got = r
		called = true
	})

	require.True(t, called)
	assert.Equal(t, first.Value(), got.Value())
	assert.Len(t, f.poster.CatalogFetches(), 1)
}

func TestGetCatalog_InvalidDefinition(t *testing.T) {
	f := newFixture(t)
	f.poster.SetCatalog(`{"offerings": [{"packages": []}]}`)

	r := getCatalog(t, f.engine, true)

	require.False(t, r.OK())
	assert.Equal(t, ErrCodeUnexpectedBackendResponse, r.Err().Code)
}

func TestGetCatalog_FallsBackToCacheAfterFailedRefresh(t *testing.T) {
	f := newFixture(t)
	f.poster.SetCatalog(testCatalog)
	f.billing.AddProduct(ir.ProductInfo{ProductID: "coins_100", Type: ir.PurchaseTypeConsumable})
	first := getCatalog(t, f.engine, false)
	require.True(t, first.OK())

	f.clock.Advance(store.ForegroundTTL)
	f.poster.FailCatalog(backendtest.Unavailable())

	failed := getCatalog(t, f.engine, false)
	require.False(t, failed.OK(), "the read that ran the refresh gets its error")
	assert.Equal(t, ErrCodeBackendProblem, failed.Err().Code)

	stale := getCatalog(t, f.engine, false)
	require.True(t, stale.OK())
	assert.Equal(t, first.Value(), stale.Value())
	require.Eventually(t, func() bool { return len(f.poster.CatalogFetches()) == 3 }, waitTimeout, waitTick)

	forced := getCatalog(t, f.engine, true)
	require.False(t, forced.OK())
	assert.Equal(t, ErrCodeBackendProblem, forced.Err().Code)
}
