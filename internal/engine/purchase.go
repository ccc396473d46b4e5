package engine

import (
	"context"

	"github.com/roach88/receipts/internal/billing"
	"github.com/roach88/receipts/internal/ir"
	"github.com/roach88/receipts/internal/policy"
)

// Purchase launches the store purchase flow for product. h is resolved by
// the store event that settles the purchase: a successful pipeline, a
// failed flow, or a user cancellation.
//
// While a purchase of the same product is unresolved, h is called
// synchronously with OPERATION_ALREADY_IN_PROGRESS and the running purchase
// is unaffected. An empty product id fails synchronously with
// INVALID_ARGUMENT.
func (e *Engine) Purchase(product ir.ProductInfo, h Handler[PurchaseOutcome]) {
	if product.ProductID == "" {
		callSync(h, Fail[PurchaseOutcome](NewPurchaseError(ErrCodeInvalidArgument, "product id is required", nil)))
		return
	}
	if e.closed() {
		callSync(h, Fail[PurchaseOutcome](errEngineClosed))
		return
	}
	if !e.addIntent(product.ProductID, h) {
		e.logger.Info("purchase rejected, already in progress", "product_id", product.ProductID)
		callSync(h, Fail[PurchaseOutcome](NewPurchaseError(
			ErrCodeOperationAlreadyInProgress,
			"a purchase of "+product.ProductID+" is already in progress",
			nil,
		)))
		return
	}
	if e.closed() {
		// Close may have swept intents before ours landed.
		e.failIntents(product.ProductID, errEngineClosed)
		return
	}

	appUserID := e.AppUserID()
	e.logger.Info("purchase started", "product_id", product.ProductID, "type", product.Type)

	e.async(func(ctx context.Context) task {
		err := e.store.LaunchPurchaseFlow(ctx, appUserID, product)
		if err == nil {
			return nil
		}
		return func(context.Context) {
			e.logger.Warn("launch purchase flow failed", "product_id", product.ProductID, "error", err)
			e.failIntents(product.ProductID, fromBillingError("launch purchase flow", err))
		}
	}, nil)
}

func callSync[T any](h Handler[T], r Result[T]) {
	if h != nil {
		h(r)
	}
}

// addIntent registers h as the only intent for productID. It returns
// false if an intent already exists.
func (e *Engine) addIntent(productID string, h Handler[PurchaseOutcome]) bool {
	e.intentsMu.Lock()
	defer e.intentsMu.Unlock()

	if len(e.intents[productID]) > 0 {
		return false
	}
	e.intents[productID] = append(e.intents[productID], h)
	return true
}

// takeIntents removes and returns the intents for productID.
func (e *Engine) takeIntents(productID string) []Handler[PurchaseOutcome] {
	e.intentsMu.Lock()
	defer e.intentsMu.Unlock()

	hs := e.intents[productID]
	delete(e.intents, productID)
	return hs
}

// takeAllIntents removes and returns every intent.
func (e *Engine) takeAllIntents() []Handler[PurchaseOutcome] {
	e.intentsMu.Lock()
	defer e.intentsMu.Unlock()

	var hs []Handler[PurchaseOutcome]
	for productID, list := range e.intents {
		hs = append(hs, list...)
		delete(e.intents, productID)
	}
	return hs
}

// HasIntent reports whether a purchase of productID is unresolved.
func (e *Engine) HasIntent(productID string) bool {
	e.intentsMu.Lock()
	defer e.intentsMu.Unlock()
	return len(e.intents[productID]) > 0
}

func (e *Engine) failIntents(productID string, err *PurchaseError) {
	for _, h := range e.takeIntents(productID) {
		deliver(e, h, Fail[PurchaseOutcome](err))
	}
}

// resolveIntents hands a pipeline outcome to the product's intents.
func (e *Engine) resolveIntents(productID string, out pipelineOutcome) {
	hs := e.takeIntents(productID)
	if len(hs) == 0 {
		return
	}
	r := Ok(PurchaseOutcome{Snapshot: out.snapshot, Record: out.record})
	if out.err != nil {
		r = Fail[PurchaseOutcome](out.err)
	}
	for _, h := range hs {
		deliver(e, h, r)
	}
}

// handlePurchasesUpdated runs a pipeline for every settled record.
// Pending records are left for a later store event or sweep.
//
// Runs on the task loop.
func (e *Engine) handlePurchasesUpdated(_ context.Context, records []ir.PurchaseRecord) {
	for _, r := range records {
		if !policy.Postable(r) {
			e.logger.Info("purchase not settled, ignoring",
				"token_hash", ir.ShortHash(r.Hash()),
				"product_id", r.ProductID,
				"state", r.State,
			)
			continue
		}
		e.startPipeline(r, false, nil)
	}
}

// handlePurchasesFailed resolves the intents of the failed records, or all
// intents when the store did not say which purchase failed.
//
// Runs on the task loop.
func (e *Engine) handlePurchasesFailed(_ context.Context, records []ir.PurchaseRecord, code billing.ResponseCode, message string) {
	pe := fromBillingFailure(code, message)

	var hs []Handler[PurchaseOutcome]
	if len(records) == 0 {
		hs = e.takeAllIntents()
	} else {
		for _, r := range records {
			hs = append(hs, e.takeIntents(r.ProductID)...)
		}
	}

	if pe.UserCancelled {
		e.logger.Info("purchase cancelled by user", "resolved", len(hs))
	} else {
		e.logger.Warn("purchase flow failed",
			"code", code.String(),
			"message", message,
			"resolved", len(hs),
		)
	}
	for _, h := range hs {
		deliver(e, h, Fail[PurchaseOutcome](pe))
	}

	if code == billing.CodeItemAlreadyOwned {
		e.triggerSweep("item already owned")
	}
}
