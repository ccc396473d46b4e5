package engine

import (
	"context"
	"sort"
	"time"

	"github.com/roach88/receipts/internal/ir"
	"github.com/roach88/receipts/internal/policy"
)

// Sweep reconciles the store's active purchases against the sent token
// set and re-runs the pipeline, as a restore, for every settled purchase
// not yet confirmed. h receives the report once every pipeline finished.
//
// A sweep whose store queries fail is aborted without touching the cache;
// the report has Aborted set and no error is delivered.
func (e *Engine) Sweep(h Handler[SweepReport]) {
	if e.closed() {
		deliver(e, h, Fail[SweepReport](errEngineClosed))
		return
	}
	e.startSweep("requested", h)
}

// triggerSweep starts a sweep nobody waits for.
func (e *Engine) triggerSweep(trigger string) {
	if e.closed() {
		return
	}
	e.startSweep(trigger, nil)
}

func (e *Engine) startSweep(trigger string, h Handler[SweepReport]) {
	e.logger.Debug("sweep started", "trigger", trigger)
	e.sweeps.Add(1)
	// Tokens confirmed after this instant are not covered by the queries
	// below and must survive the prune.
	started := e.clock.Now()

	e.async(func(ctx context.Context) task {
		active := make(map[string]ir.PurchaseRecord)
		for _, t := range ir.PurchaseTypes {
			code, records, err := e.store.QueryActivePurchases(ctx, t)
			if err != nil || !code.OK() {
				return func(ctx context.Context) {
					e.logger.Warn("sweep aborted, store query failed",
						"trigger", trigger,
						"type", t,
						"code", code.String(),
						"error", err,
					)
					e.finishSweep(ctx, trigger, SweepReport{
						Aborted: true,
						Reason:  "query " + string(t) + " purchases: " + code.String(),
					}, h)
				}
			}
			for _, r := range records {
				active[r.Hash()] = r
			}
		}
		return func(ctx context.Context) {
			e.applySweep(ctx, trigger, active, started, h)
		}
	}, func() {
		e.sweeps.Add(-1)
		deliverClosed(e, h)()
	})
}

// applySweep prunes the sent token set to the active purchases and starts
// a pipeline for every unconfirmed one. Only tokens confirmed before started
// are pruned.
//
// Runs on the task loop.
func (e *Engine) applySweep(ctx context.Context, trigger string, active map[string]ir.PurchaseRecord, started time.Time, h Handler[SweepReport]) {
	appUserID := e.AppUserID()

	keep := make(map[string]struct{}, len(active))
	for hash := range active {
		keep[hash] = struct{}{}
	}
	pruned, err := e.cache.PruneSentTokens(ctx, appUserID, keep, started)
	if err != nil {
		e.logger.Warn("sweep aborted, prune failed", "trigger", trigger, "error", err)
		e.finishSweep(ctx, trigger, SweepReport{Aborted: true, Reason: "prune sent tokens"}, h)
		return
	}
	e.metrics.prune(ctx, pruned)

	sent, err := e.cache.SentTokens(ctx, appUserID)
	if err != nil {
		e.logger.Warn("sweep aborted, read sent tokens failed", "trigger", trigger, "error", err)
		e.finishSweep(ctx, trigger, SweepReport{Aborted: true, Reason: "read sent tokens"}, h)
		return
	}

	var todo []ir.PurchaseRecord
	for hash, r := range active {
		if !policy.Postable(r) {
			continue
		}
		if _, ok := sent[hash]; ok {
			continue
		}
		todo = append(todo, r)
	}
	sort.Slice(todo, func(i, j int) bool {
		if todo[i].PurchaseTimeMillis != todo[j].PurchaseTimeMillis {
			return todo[i].PurchaseTimeMillis < todo[j].PurchaseTimeMillis
		}
		return todo[i].Token < todo[j].Token
	})

	report := SweepReport{Active: len(active), Pruned: pruned}
	if len(todo) == 0 {
		e.finishSweep(ctx, trigger, report, h)
		return
	}

	remaining := len(todo)
	for _, r := range todo {
		e.startPipeline(r, true, func(out pipelineOutcome) {
			if out.received {
				report.Posted++
			}
			if out.confirmed {
				report.Confirmed++
			} else {
				report.Failed++
			}
			remaining--
			if remaining == 0 {
				e.finishSweep(ctx, trigger, report, h)
			}
		})
	}
}

func (e *Engine) finishSweep(ctx context.Context, trigger string, report SweepReport, h Handler[SweepReport]) {
	outcome := outcomeSuccess
	switch {
	case report.Aborted:
		outcome = outcomeAborted
	case report.Failed > 0:
		outcome = outcomeFailed
	}
	e.metrics.sweep(ctx, outcome)
	e.sweeps.Add(-1)

	e.logger.Info("sweep finished",
		"trigger", trigger,
		"aborted", report.Aborted,
		"active", report.Active,
		"pruned", report.Pruned,
		"posted", report.Posted,
		"confirmed", report.Confirmed,
		"failed", report.Failed,
	)
	deliver(e, h, Ok(report))
}
