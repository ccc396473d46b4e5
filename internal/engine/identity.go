package engine

import (
	"context"
	"strings"
)

// Identify switches to appUserID, clearing the previous user's cached
// state. Unresolved purchases are kept. h receives the new id.
func (e *Engine) Identify(appUserID string, h Handler[string]) {
	if strings.TrimSpace(appUserID) == "" {
		callSync(h, Fail[string](NewPurchaseError(ErrCodeInvalidArgument, "app user id is required", nil)))
		return
	}
	e.enqueue(func(ctx context.Context) {
		e.switchUser(ctx, appUserID, h)
	}, deliverClosed(e, h))
}

// Reset clears the current user's cached state and switches to a new
// anonymous id. h receives the new id.
func (e *Engine) Reset(h Handler[string]) {
	e.enqueue(func(ctx context.Context) {
		e.switchUser(ctx, e.newAnonymousID(), h)
	}, deliverClosed(e, h))
}

// IsAnonymous reports whether the current user id was generated.
func (e *Engine) IsAnonymous() bool {
	return strings.HasPrefix(e.AppUserID(), AnonymousPrefix)
}

// switchUser runs on the task loop.
func (e *Engine) switchUser(ctx context.Context, next string, h Handler[string]) {
	prev := e.AppUserID()
	if prev == next {
		deliver(e, h, Ok(next))
		return
	}
	if err := e.cache.ClearUser(ctx, prev); err != nil {
		e.logger.Warn("clear previous user failed", "app_user_id", prev, "error", err)
		deliver(e, h, Fail[string](NewPurchaseError(ErrCodeStoreProblem, "clear cached user state", err)))
		return
	}
	delete(e.entitlementsFailed, prev)
	delete(e.catalogFailed, prev)
	e.setAppUserID(next)
	e.entitlementsDirty.Store(false)
	e.logger.Info("app user changed", "previous", prev, "current", next)
	deliver(e, h, Ok(next))
}

func (e *Engine) closed() bool {
	return e.queue.isClosed()
}
