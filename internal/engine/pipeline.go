package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/receipts/internal/backend"
	"github.com/roach88/receipts/internal/ir"
	"github.com/roach88/receipts/internal/policy"
)

// pipelineOutcome is the terminal state of one pipeline run.
type pipelineOutcome struct {
	record ir.PurchaseRecord

	// snapshot is valid when hasSnapshot is set.
	snapshot    ir.EntitlementSnapshot
	hasSnapshot bool

	// received is set once the backend durably processed the receipt.
	received bool

	// confirmed is set once the token hash is in the sent token set.
	confirmed bool

	err *PurchaseError
}

// pipeline carries one record through post, finalize and confirm. Fields
// are only touched by the task loop, or by the single goroutine holding
// the pipeline between tasks.
type pipeline struct {
	id        string
	seq       int64
	record    ir.PurchaseRecord
	hash      string
	isRestore bool
	appUserID string
	logger    *slog.Logger

	product ir.ProductInfo
	sent    ir.AttributeSet
	out     pipelineOutcome
}

// startPipeline runs the per-purchase pipeline for record. done, if not
// nil, is called exactly once with the outcome. A record whose token is
// already being processed joins the running pipeline instead of posting
// again. Non-restore outcomes also resolve the product's purchase intents.
//
// Runs on the task loop.
func (e *Engine) startPipeline(record ir.PurchaseRecord, isRestore bool, done func(pipelineOutcome)) {
	if !isRestore {
		inner := done
		productID := record.ProductID
		done = func(out pipelineOutcome) {
			if inner != nil {
				inner(out)
			}
			e.resolveIntents(productID, out)
		}
	}

	hash := record.Hash()
	if dones, ok := e.processing[hash]; ok {
		e.processing[hash] = append(dones, done)
		e.logger.Debug("pipeline joined",
			"token_hash", ir.ShortHash(hash),
			"product_id", record.ProductID,
		)
		return
	}
	e.processing[hash] = []func(pipelineOutcome){done}

	p := &pipeline{
		id:        e.ids.Generate(),
		seq:       e.seq.Next(),
		record:    record,
		hash:      hash,
		isRestore: isRestore,
		appUserID: e.AppUserID(),
	}
	p.logger = e.logger.With(
		"pipeline_id", p.id,
		"seq", p.seq,
		"token_hash", ir.ShortHash(hash),
		"product_id", record.ProductID,
	)
	p.out.record = record

	p.logger.Debug("pipeline started",
		"type", record.Type,
		"is_restore", isRestore,
	)

	// Pipelines abandoned by shutdown stay in e.processing; Close fails them.
	e.async(func(ctx context.Context) task {
		product := e.lookupProduct(ctx, p)
		return func(ctx context.Context) {
			p.product = product
			e.postReceipt(ctx, p)
		}
	}, nil)
}

// lookupProduct asks the store for the record's product details. Any
// failure degrades to the identity fields of the record.
func (e *Engine) lookupProduct(ctx context.Context, p *pipeline) ir.ProductInfo {
	fallback := ir.ProductInfoFor(p.record)

	products, err := e.store.QueryProductDetails(ctx, p.record.Type, []string{p.record.ProductID})
	if err != nil {
		p.logger.Warn("product lookup failed, posting without catalog data", "error", err)
		return fallback
	}
	for _, info := range products {
		if info.ProductID != p.record.ProductID {
			continue
		}
		if info.Type == "" {
			info.Type = p.record.Type
		}
		return info.WithOffering(p.record.OfferingID)
	}
	p.logger.Debug("product not in store catalog")
	return fallback
}

// postReceipt bundles unsynced attributes and posts the receipt.
//
// Runs on the task loop.
func (e *Engine) postReceipt(ctx context.Context, p *pipeline) {
	attrs, err := e.cache.UnsyncedAttributes(ctx, p.appUserID)
	if err != nil {
		p.logger.Warn("read unsynced attributes failed", "error", err)
		attrs = nil
	}
	p.sent = attrs

	req := backend.ReceiptRequest{
		Token:        p.record.Token,
		AppUserID:    p.appUserID,
		IsRestore:    p.isRestore,
		ObserverMode: !e.finishTransactions,
		Attributes:   attrs,
		Product:      p.product,
	}
	e.async(func(ctx context.Context) task {
		res, err := e.poster.PostReceipt(ctx, req)
		return func(ctx context.Context) {
			e.onPosted(ctx, p, res, err)
		}
	}, nil)
}

// onPosted applies the backend response and the finalization policy.
//
// Runs on the task loop.
func (e *Engine) onPosted(ctx context.Context, p *pipeline, res backend.PostResult, err error) {
	if err != nil {
		p.out.err = fromBackend(err)
		if !backend.WasReceived(err) {
			e.metrics.post(ctx, outcomeFailed)
			p.logger.Warn("receipt post failed, token left for next sweep", "error", err)
			e.finishPipeline(p)
			return
		}
		e.metrics.post(ctx, outcomeReceived)
		p.logger.Warn("backend received receipt but returned an error", "error", err)
		var attrErrs []ir.AttributeError
		if be, ok := backend.AsError(err); ok {
			attrErrs = be.AttributeErrors
		}
		e.markSynced(ctx, p, attrErrs)
	} else {
		e.metrics.post(ctx, outcomeSuccess)
		p.out.snapshot = e.storeEntitlements(ctx, res.Snapshot)
		p.out.hasSnapshot = true
		e.markSynced(ctx, p, res.AttributeErrors)
	}
	p.out.received = true

	decision := policy.Decide(p.record, e.finishTransactions)
	p.logger.Debug("receipt posted", "decision", decision.String())

	if !decision.Finalizes() {
		e.confirmToken(ctx, p)
		e.finishPipeline(p)
		return
	}
	e.finalize(p, decision)
}

// markSynced marks the attributes bundled with the post as synced.
// Rejected keys are marked too; resending them would fail the same way.
func (e *Engine) markSynced(ctx context.Context, p *pipeline, attrErrs []ir.AttributeError) {
	for _, ae := range attrErrs {
		p.logger.Warn("backend rejected subscriber attribute",
			"key", ae.Key,
			"message", ae.Message,
		)
	}
	if len(p.sent) == 0 {
		return
	}
	if !e.isCurrentUser(p.appUserID) {
		return
	}
	n, err := e.cache.MarkAttributesSynced(ctx, p.appUserID, p.sent)
	if err != nil {
		p.logger.Warn("mark attributes synced failed", "error", err)
		return
	}
	p.logger.Debug("attributes synced", "sent", len(p.sent), "marked", n)
}

// confirmToken adds the pipeline's token hash to the sent token set.
func (e *Engine) confirmToken(ctx context.Context, p *pipeline) {
	if !e.isCurrentUser(p.appUserID) {
		p.logger.Info("user changed during pipeline, token not confirmed")
		return
	}
	if err := e.cache.AddSentToken(ctx, p.appUserID, p.hash, e.clock.Now()); err != nil {
		p.logger.Warn("confirm token failed", "error", err)
		return
	}
	p.out.confirmed = true
}

// finishPipeline hands the outcome to every joined caller.
func (e *Engine) finishPipeline(p *pipeline) {
	dones := e.processing[p.hash]
	delete(e.processing, p.hash)

	p.logger.Debug("pipeline finished",
		"received", p.out.received,
		"confirmed", p.out.confirmed,
		"failed", p.out.err != nil,
	)
	for _, done := range dones {
		if done != nil {
			done(p.out)
		}
	}
}

// storeEntitlements caches snap and returns whichever snapshot is now the
// newest for the user.
func (e *Engine) storeEntitlements(ctx context.Context, snap ir.EntitlementSnapshot) ir.EntitlementSnapshot {
	if !e.isCurrentUser(snap.AppUserID) {
		return snap
	}
	replaced, err := e.cache.WriteEntitlements(ctx, snap, e.clock.Now())
	if err != nil {
		e.logger.Warn("cache entitlements failed", "app_user_id", snap.AppUserID, "error", err)
		return snap
	}
	if replaced {
		return snap
	}
	cached, ok, err := e.cache.ReadEntitlements(ctx, snap.AppUserID)
	if err != nil || !ok {
		return snap
	}
	if cached.Snapshot.NewerThan(snap) {
		return cached.Snapshot
	}
	return snap
}

func (e *Engine) isCurrentUser(appUserID string) bool {
	return appUserID == e.AppUserID()
}
