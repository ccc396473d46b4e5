package engine

import (
	"context"
	"encoding/json"

	"github.com/roach88/receipts/internal/catalog"
	"github.com/roach88/receipts/internal/ir"
)

// entitlementWaiter is a handler waiting on a coalesced backend fetch.
// The waiter that started the fetch has started set.
type entitlementWaiter struct {
	force   bool
	started bool
	h       Handler[ir.EntitlementSnapshot]
}

// GetEntitlements delivers the current user's entitlement snapshot.
//
// A fresh cached snapshot is handed to h synchronously, on the calling
// goroutine, unless force is set. Otherwise the snapshot is fetched from
// the backend; concurrent fetches for one user share a single call.
//
// When a fetch fails, the caller that started it and every forced caller
// get the error. Unforced callers that joined it get the cached snapshot if
// there is one. Until a refresh succeeds again, unforced reads are served
// the cached snapshot while the engine refreshes in the background.
func (e *Engine) GetEntitlements(force bool, h Handler[ir.EntitlementSnapshot]) {
	if !force && !e.entitlementsDirty.Load() {
		cached, ok, err := e.cache.ReadEntitlements(context.Background(), e.AppUserID())
		if err == nil && ok && !cached.IsStale(e.clock.Now(), e.ttl()) {
			callSync(h, Ok(cached.Snapshot))
			return
		}
	}
	e.enqueue(func(ctx context.Context) {
		e.fetchEntitlements(ctx, force, h)
	}, deliverClosed(e, h))
}

// fetchEntitlements joins or starts the backend fetch for the current user.
//
// Runs on the task loop.
func (e *Engine) fetchEntitlements(ctx context.Context, force bool, h Handler[ir.EntitlementSnapshot]) {
	appUserID := e.AppUserID()

	if !force {
		cached, ok, err := e.cache.ReadEntitlements(ctx, appUserID)
		if err == nil && ok {
			if !cached.IsStale(e.clock.Now(), e.ttl()) {
				deliver(e, h, Ok(cached.Snapshot))
				return
			}
			if e.entitlementsFailed[appUserID] {
				deliver(e, h, Ok(cached.Snapshot))
				e.startEntitlementsFetch(appUserID, entitlementWaiter{})
				return
			}
		}
	}
	e.startEntitlementsFetch(appUserID, entitlementWaiter{force: force, h: h})
}

// startEntitlementsFetch adds w to the user's in-flight fetch, or starts
// one with w as its starter. A waiter without a handler only makes sure a
// fetch is running.
//
// Runs on the task loop.
func (e *Engine) startEntitlementsFetch(appUserID string, w entitlementWaiter) {
	waiters, inFlight := e.fetches[appUserID]
	if inFlight {
		if w.h != nil {
			e.fetches[appUserID] = append(waiters, w)
			e.logger.Debug("entitlement fetch joined", "app_user_id", appUserID, "waiters", len(waiters)+1)
		}
		return
	}

	w.started = true
	if w.h != nil {
		e.fetches[appUserID] = []entitlementWaiter{w}
	} else {
		e.fetches[appUserID] = []entitlementWaiter{}
		e.logger.Debug("entitlement background refresh", "app_user_id", appUserID)
	}
	e.async(func(ctx context.Context) task {
		snap, err := e.poster.GetEntitlements(ctx, appUserID)
		return func(ctx context.Context) {
			e.onEntitlementsFetched(ctx, appUserID, snap, err)
		}
	}, nil)
}

// onEntitlementsFetched resolves every waiter of a fetch.
//
// Runs on the task loop.
func (e *Engine) onEntitlementsFetched(ctx context.Context, appUserID string, snap ir.EntitlementSnapshot, err error) {
	waiters := e.fetches[appUserID]
	delete(e.fetches, appUserID)

	if err == nil {
		delete(e.entitlementsFailed, appUserID)
		snap = e.storeEntitlements(ctx, snap)
		for _, w := range waiters {
			deliver(e, w.h, Ok(snap))
		}
		return
	}

	pe := fromBackend(err)
	e.logger.Warn("entitlement fetch failed", "app_user_id", appUserID, "error", err)
	if e.isCurrentUser(appUserID) {
		e.entitlementsFailed[appUserID] = true
	}
	if ierr := e.cache.InvalidateEntitlements(ctx, appUserID); ierr != nil {
		e.logger.Warn("invalidate entitlements failed", "app_user_id", appUserID, "error", ierr)
	}

	cached, hasCached, rerr := e.cache.ReadEntitlements(ctx, appUserID)
	if rerr != nil {
		hasCached = false
	}
	for _, w := range waiters {
		if !w.force && !w.started && hasCached {
			deliver(e, w.h, Ok(cached.Snapshot))
			continue
		}
		deliver(e, w.h, Fail[ir.EntitlementSnapshot](pe))
	}
}

// InvalidateEntitlementsCache makes the next GetEntitlements fetch from the
// backend. The cached snapshot stays available as a fallback.
func (e *Engine) InvalidateEntitlementsCache() {
	e.entitlementsDirty.Store(true)
	e.enqueue(func(ctx context.Context) {
		appUserID := e.AppUserID()
		delete(e.entitlementsFailed, appUserID)
		if err := e.cache.InvalidateEntitlements(ctx, appUserID); err != nil {
			e.logger.Warn("invalidate entitlements failed", "app_user_id", appUserID, "error", err)
			return
		}
		e.entitlementsDirty.Store(false)
	}, nil)
}

// GetCatalog delivers the current user's joined offerings, following the
// same freshness and failure rules as GetEntitlements. Products the store
// cannot describe are left out.
func (e *Engine) GetCatalog(force bool, h Handler[catalog.Offerings]) {
	appUserID := e.AppUserID()
	if !force {
		if offerings, ok := e.freshCatalog(context.Background(), appUserID); ok {
			callSync(h, Ok(offerings))
			return
		}
	}
	e.enqueue(func(ctx context.Context) {
		if !force && e.catalogFailed[appUserID] {
			if offerings, ok := e.cachedCatalog(ctx, appUserID); ok {
				deliver(e, h, Ok(offerings))
				e.startCatalogFetch(appUserID, nil)
				return
			}
		}
		e.startCatalogFetch(appUserID, h)
	}, deliverClosed(e, h))
}

// startCatalogFetch fetches the catalog off the task loop. A nil h asks for
// a background refresh; at most one runs per user.
//
// Runs on the task loop.
func (e *Engine) startCatalogFetch(appUserID string, h Handler[catalog.Offerings]) {
	if h == nil {
		if e.catalogRefreshing[appUserID] {
			return
		}
		e.catalogRefreshing[appUserID] = true
	}
	e.async(func(ctx context.Context) task {
		offerings, err := e.fetchCatalog(ctx, appUserID)
		return func(ctx context.Context) {
			e.onCatalogFetched(ctx, appUserID, offerings, err, h)
		}
	}, deliverClosed(e, h))
}

func (e *Engine) freshCatalog(ctx context.Context, appUserID string) (catalog.Offerings, bool) {
	cached, ok, err := e.cache.ReadCatalog(ctx, appUserID)
	if err != nil || !ok || cached.IsStale(e.clock.Now(), e.ttl()) {
		return catalog.Offerings{}, false
	}
	return e.decodeCatalog(appUserID, cached.Snapshot.Raw)
}

// cachedCatalog returns the cached catalog regardless of freshness.
func (e *Engine) cachedCatalog(ctx context.Context, appUserID string) (catalog.Offerings, bool) {
	cached, ok, err := e.cache.ReadCatalog(ctx, appUserID)
	if err != nil || !ok {
		return catalog.Offerings{}, false
	}
	return e.decodeCatalog(appUserID, cached.Snapshot.Raw)
}

func (e *Engine) decodeCatalog(appUserID string, raw []byte) (catalog.Offerings, bool) {
	var offerings catalog.Offerings
	if err := json.Unmarshal(raw, &offerings); err != nil {
		e.logger.Warn("cached catalog unreadable", "app_user_id", appUserID, "error", err)
		return catalog.Offerings{}, false
	}
	return offerings, true
}

// fetchCatalog fetches offering definitions and joins them with store
// product details. Runs off the task loop.
func (e *Engine) fetchCatalog(ctx context.Context, appUserID string) (catalog.Offerings, *PurchaseError) {
	raw, err := e.poster.GetCatalog(ctx, appUserID)
	if err != nil {
		return catalog.Offerings{}, fromBackend(err)
	}
	def, err := catalog.Parse(raw)
	if err != nil {
		return catalog.Offerings{}, NewPurchaseError(ErrCodeUnexpectedBackendResponse, "catalog definition rejected", err)
	}

	products := make(map[string]ir.ProductInfo)
	for t, ids := range def.ProductIDs() {
		if len(ids) == 0 {
			continue
		}
		infos, err := e.store.QueryProductDetails(ctx, t, ids)
		if err != nil {
			e.logger.Warn("product details query failed, omitting products",
				"type", t,
				"products", len(ids),
				"error", err,
			)
			continue
		}
		for _, info := range infos {
			if info.Type == "" {
				info.Type = t
			}
			products[info.ProductID] = info
		}
	}
	return catalog.Join(def, products), nil
}

// onCatalogFetched caches a fetched catalog, or records the failure so
// later unforced reads fall back to the cached one.
//
// Runs on the task loop.
func (e *Engine) onCatalogFetched(ctx context.Context, appUserID string, offerings catalog.Offerings, perr *PurchaseError, h Handler[catalog.Offerings]) {
	if h == nil {
		delete(e.catalogRefreshing, appUserID)
	}
	if perr == nil {
		delete(e.catalogFailed, appUserID)
		if e.isCurrentUser(appUserID) {
			raw, err := ir.MarshalCanonical(offerings)
			if err == nil {
				err = e.cache.WriteCatalog(ctx, ir.CatalogSnapshot{AppUserID: appUserID, Raw: raw}, e.clock.Now())
			}
			if err != nil {
				e.logger.Warn("cache catalog failed", "app_user_id", appUserID, "error", err)
			}
		}
		deliver(e, h, Ok(offerings))
		return
	}

	e.logger.Warn("catalog fetch failed", "app_user_id", appUserID, "error", perr)
	if e.isCurrentUser(appUserID) {
		e.catalogFailed[appUserID] = true
	}
	if err := e.cache.InvalidateCatalog(ctx, appUserID); err != nil {
		e.logger.Warn("invalidate catalog failed", "app_user_id", appUserID, "error", err)
	}
	deliver(e, h, Fail[catalog.Offerings](perr))
}
