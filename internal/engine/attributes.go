package engine

import (
	"context"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/receipts/internal/ir"
)

// SetAttributes stores subscriber attributes for the current user. They
// ride along with the next receipt post. Keys are NFC-normalized; an empty
// value clears an attribute on the backend. h receives the number of
// attributes written.
func (e *Engine) SetAttributes(values map[string]string, h Handler[int]) {
	normalized := make(map[string]string, len(values))
	for k, v := range values {
		key := norm.NFC.String(k)
		if key == "" {
			callSync(h, Fail[int](NewPurchaseError(ErrCodeInvalidArgument, "attribute key is empty", nil)))
			return
		}
		normalized[key] = v
	}
	if len(normalized) == 0 {
		callSync(h, Ok(0))
		return
	}

	e.enqueue(func(ctx context.Context) {
		appUserID := e.AppUserID()
		if err := e.cache.SetAttributes(ctx, appUserID, normalized, e.clock.Now()); err != nil {
			e.logger.Warn("store attributes failed", "app_user_id", appUserID, "error", err)
			deliver(e, h, Fail[int](NewPurchaseError(ErrCodeStoreProblem, "store attributes", err)))
			return
		}
		e.logger.Debug("attributes stored", "app_user_id", appUserID, "count", len(normalized))
		deliver(e, h, Ok(len(normalized)))
	}, deliverClosed(e, h))
}

// PostAttribution forwards attribution data for network. Data identical to
// the last successful post for the same network and user is not re-sent.
// h receives true when the data was posted, false when it was skipped.
func (e *Engine) PostAttribution(network string, data map[string]any, h Handler[bool]) {
	if network == "" {
		callSync(h, Fail[bool](NewPurchaseError(ErrCodeInvalidArgument, "attribution network is required", nil)))
		return
	}
	fingerprint, err := ir.AttributionFingerprint(network, data)
	if err != nil {
		callSync(h, Fail[bool](NewPurchaseError(ErrCodeInvalidArgument, "attribution data is not canonical JSON", err)))
		return
	}

	e.enqueue(func(ctx context.Context) {
		appUserID := e.AppUserID()
		last, ok, err := e.cache.AttributionFingerprint(ctx, appUserID, network)
		if err != nil {
			e.logger.Warn("read attribution fingerprint failed", "network", network, "error", err)
		}
		if ok && last == fingerprint {
			e.logger.Debug("attribution unchanged, skipping", "network", network)
			deliver(e, h, Ok(false))
			return
		}

		e.async(func(ctx context.Context) task {
			err := e.poster.PostAttribution(ctx, appUserID, network, data)
			return func(ctx context.Context) {
				e.onAttributionPosted(ctx, appUserID, network, fingerprint, err, h)
			}
		}, deliverClosed(e, h))
	}, deliverClosed(e, h))
}

// onAttributionPosted runs on the task loop.
func (e *Engine) onAttributionPosted(ctx context.Context, appUserID, network, fingerprint string, err error, h Handler[bool]) {
	if err != nil {
		e.logger.Warn("post attribution failed", "network", network, "error", err)
		deliver(e, h, Fail[bool](fromBackend(err)))
		return
	}
	if e.isCurrentUser(appUserID) {
		if err := e.cache.SetAttributionFingerprint(ctx, appUserID, network, fingerprint, e.clock.Now()); err != nil {
			e.logger.Warn("cache attribution fingerprint failed", "network", network, "error", err)
		}
	}
	deliver(e, h, Ok(true))
}
