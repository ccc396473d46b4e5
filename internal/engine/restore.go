package engine

import (
	"context"

	"github.com/roach88/receipts/internal/ir"
	"github.com/roach88/receipts/internal/policy"
)

// Restore replays the store's purchase history through the pipeline as
// restores. h receives the newest entitlement snapshot, or the first
// pipeline error. With no settled purchases in the history the snapshot is
// fetched from the backend instead.
func (e *Engine) Restore(h Handler[ir.EntitlementSnapshot]) {
	if e.closed() {
		deliver(e, h, Fail[ir.EntitlementSnapshot](errEngineClosed))
		return
	}
	e.async(func(ctx context.Context) task {
		records, err := e.store.QueryPurchaseHistory(ctx)
		return func(ctx context.Context) {
			if err != nil {
				e.logger.Warn("restore failed, history query failed", "error", err)
				deliver(e, h, Fail[ir.EntitlementSnapshot](fromBillingError("query purchase history", err)))
				return
			}
			e.restoreRecords(ctx, records, h)
		}
	}, deliverClosed(e, h))
}

// restoreRecords runs a restore pipeline per settled record.
//
// Runs on the task loop.
func (e *Engine) restoreRecords(ctx context.Context, records []ir.PurchaseRecord, h Handler[ir.EntitlementSnapshot]) {
	var todo []ir.PurchaseRecord
	for _, r := range records {
		if policy.Postable(r) {
			todo = append(todo, r)
		}
	}
	e.logger.Info("restoring purchases", "history", len(records), "settled", len(todo))

	if len(todo) == 0 {
		e.fetchEntitlements(ctx, true, h)
		return
	}

	var (
		firstErr    *PurchaseError
		newest      ir.EntitlementSnapshot
		hasSnapshot bool
		remaining   = len(todo)
	)
	for _, r := range todo {
		e.startPipeline(r, true, func(out pipelineOutcome) {
			switch {
			case out.err != nil:
				if firstErr == nil {
					firstErr = out.err
				}
			case out.hasSnapshot:
				if !hasSnapshot || out.snapshot.NewerThan(newest) {
					newest = out.snapshot
					hasSnapshot = true
				}
			}
			remaining--
			if remaining > 0 {
				return
			}
			switch {
			case firstErr != nil:
				deliver(e, h, Fail[ir.EntitlementSnapshot](firstErr))
			case hasSnapshot:
				deliver(e, h, Ok(newest))
			default:
				e.fetchEntitlements(ctx, true, h)
			}
		})
	}
}
