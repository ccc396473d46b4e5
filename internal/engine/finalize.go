package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/roach88/receipts/internal/billing"
	"github.com/roach88/receipts/internal/policy"
)

// finalize consumes or acknowledges the pipeline's token on its own
// goroutine and re-enters the loop with the result.
func (e *Engine) finalize(p *pipeline, d policy.Decision) {
	e.async(func(ctx context.Context) task {
		code, err := e.finalizeWithRetry(ctx, p, d)
		return func(ctx context.Context) {
			e.onFinalized(ctx, p, d, code, err)
		}
	}, nil)
}

// finalizeWithRetry calls the store at most finalizeAttempts times, pacing
// attempts at least finalizeBackoff apart. Only retryable codes and attempt
// timeouts are retried.
func (e *Engine) finalizeWithRetry(ctx context.Context, p *pipeline, d policy.Decision) (billing.ResponseCode, error) {
	limiter := rate.NewLimiter(rate.Every(e.finalizeBackoff), 1)

	var (
		code billing.ResponseCode
		err  error
	)
	for attempt := 1; attempt <= e.finalizeAttempts; attempt++ {
		if werr := limiter.Wait(ctx); werr != nil {
			return billing.CodeError, werr
		}
		code, err = e.finalizeOnce(ctx, p.record.Token, d)
		if err == nil && code.OK() {
			return code, nil
		}
		if !finalizeRetryable(code, err) {
			return code, err
		}
		p.logger.Debug("finalize attempt failed",
			"decision", d.String(),
			"attempt", attempt,
			"code", code.String(),
			"error", err,
		)
	}
	return code, err
}

// finalizeOnce makes one bounded store call. A store that ignores the
// attempt context is abandoned when the timeout fires.
func (e *Engine) finalizeOnce(ctx context.Context, token string, d policy.Decision) (billing.ResponseCode, error) {
	ctx, cancel := context.WithTimeout(ctx, e.finalizeTimeout)
	defer cancel()

	type result struct {
		code billing.ResponseCode
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		var r result
		switch d {
		case policy.Consume:
			r.code, r.err = e.store.Consume(ctx, token)
		case policy.Acknowledge:
			r.code, r.err = e.store.Acknowledge(ctx, token)
		default:
			r.err = fmt.Errorf("decision %s does not finalize", d)
		}
		ch <- r
	}()

	select {
	case r := <-ch:
		return r.code, r.err
	case <-ctx.Done():
		return billing.CodeServiceDisconnected, ctx.Err()
	}
}

func finalizeRetryable(code billing.ResponseCode, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return code.Retryable()
}

// onFinalized confirms the token on store success. A failure leaves the
// token unconfirmed so the next sweep re-runs the pipeline.
//
// Runs on the task loop.
func (e *Engine) onFinalized(ctx context.Context, p *pipeline, d policy.Decision, code billing.ResponseCode, err error) {
	if err == nil && code.OK() {
		e.metrics.finalize(ctx, d.String(), outcomeSuccess)
		p.logger.Debug("finalized", "decision", d.String())
		e.confirmToken(ctx, p)
		e.finishPipeline(p)
		return
	}

	e.metrics.finalize(ctx, d.String(), outcomeFailed)
	p.logger.Warn("finalize failed, token left for next sweep",
		"decision", d.String(),
		"code", code.String(),
		"error", err,
	)
	if p.out.err == nil {
		underlying := err
		if underlying == nil {
			underlying = billing.NewError(code, d.String())
		}
		p.out.err = NewPurchaseError(ErrCodeStoreProblem, d.String()+" failed", underlying)
	}
	e.finishPipeline(p)
}
