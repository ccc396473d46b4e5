package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/receipts/internal/billing"
	"github.com/roach88/receipts/internal/billing/billingtest"
	"github.com/roach88/receipts/internal/ir"
)

func TestSweep_PostsUnconfirmedAsRestore(t *testing.T) {
	f := newFixture(t)
	f.billing.AddPurchase(consumable("t1", "p1"))
	f.billing.AddPurchase(subscription("t2", "s1", false))

	report := f.sweep()

	assert.Equal(t, SweepReport{Active: 2, Posted: 2, Confirmed: 2}, report)
	for _, tok := range []string{"t1", "t2"} {
		posts := f.poster.PostsOf(tok)
		require.Len(t, posts, 1)
		assert.True(t, posts[0].IsRestore)
		assert.True(t, f.isSent(tok))
	}
}

func TestSweep_SkipsConfirmedTokens(t *testing.T) {
	f := newFixture(t)
	f.billing.AddPurchase(consumable("t1", "p1"))
	f.markSent("t1")

	report := f.sweep()

	assert.Equal(t, SweepReport{Active: 1}, report)
	assert.Empty(t, f.poster.Posts())
}

func TestSweep_PrunesTokensNoLongerActive(t *testing.T) {
	f := newFixture(t)
	f.billing.AddPurchase(consumable("t1", "p1"))
	f.markSent("t1", "gone")
	f.clock.Advance(time.Second)

	report := f.sweep()

	assert.Equal(t, 1, report.Pruned)
	assert.True(t, f.isSent("t1"))
	assert.False(t, f.isSent("gone"))
	assert.Equal(t, int64(1), f.counter("receipts.sent_tokens.pruned"))
}

func TestSweep_KeepsTokensConfirmedWhileQuerying(t *testing.T) {
	f := newFixture(t)
	release := f.billing.HoldQueries(ir.PurchaseTypeConsumable)
	t.Cleanup(release)

	h, results := callback[SweepReport]()
	f.engine.Sweep(h)
	// Subscriptions are queried first; the consumable answer is held back
	// with a snapshot that predates s2.
	require.Eventually(t, func() bool {
		return len(f.billing.CallsOf(billingtest.OpQueryActive)) == 2
	}, waitTimeout, waitTick)

	f.clock.Advance(time.Second)
	f.billing.Deliver(subscription("s2", "sub", false))
	require.Eventually(t, func() bool { return f.isSent("s2") }, waitTimeout, waitTick)

	release()
	r := receive(t, results)
	require.True(t, r.OK())
	assert.Equal(t, 0, r.Value().Pruned)
	assert.True(t, f.isSent("s2"), "a token confirmed during the sweep must survive the prune")

	f.sweep()
	assert.Len(t, f.poster.PostsOf("s2"), 1, "s2 must not be posted again")
}

func TestSweep_FailClosedOnNonOKCode(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{
			name: "subscription query not ok",
			setup: func(f *fixture) {
				f.billing.SetQueryCode(ir.PurchaseTypeSubscription, billing.CodeServiceUnavailable)
			},
		},
		{
			name: "consumable query not ok",
			setup: func(f *fixture) {
				f.billing.SetQueryCode(ir.PurchaseTypeConsumable, billing.CodeBillingUnavailable)
			},
		},
		{
			name: "query error",
			setup: func(f *fixture) {
				f.billing.FailQueries(errors.New("disconnected"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.billing.AddPurchase(consumable("t1", "p1"))
			f.markSent("gone")
			tt.setup(f)

			report := f.sweep()

			assert.True(t, report.Aborted)
			assert.NotEmpty(t, report.Reason)
			assert.Empty(t, f.poster.Posts())
			assert.True(t, f.isSent("gone"), "sent set must be untouched")
			assert.Equal(t, int64(1), f.counter("receipts.sweeps", attribute.String("outcome", outcomeAborted)))
		})
	}
}

func TestSweep_IgnoresPendingPurchases(t *testing.T) {
	f := newFixture(t)
	f.billing.AddPurchase(pending(consumable("t1", "p1")))
	f.markSent("t1")

	report := f.sweep()

	assert.Equal(t, 1, report.Active)
	assert.Equal(t, 0, report.Pruned, "pending tokens are still active")
	assert.Empty(t, f.poster.Posts())
}

func TestSweep_CountsFailures(t *testing.T) {
	f := newFixture(t)
	f.billing.AddPurchase(consumable("t1", "p1"))
	f.billing.AddPurchase(consumable("t2", "p2"))
	f.billing.QueueFinalizeCodes(billing.CodeItemUnavailable)

	report := f.sweep()

	assert.Equal(t, 2, report.Posted)
	assert.Equal(t, 1, report.Confirmed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, int64(1), f.counter("receipts.sweeps", attribute.String("outcome", outcomeFailed)))
}

func TestSweep_TriggeredByStoreConnection(t *testing.T) {
	f := newFixture(t)
	f.billing.AddPurchase(consumable("t1", "p1"))

	f.billing.Connect()

	require.Eventually(t, func() bool { return f.isSent("t1") }, waitTimeout, waitTick)
	assert.Len(t, f.poster.PostsOf("t1"), 1)
}

func TestSweep_TriggeredByForeground(t *testing.T) {
	lc := NewLifecycle()
	f := newFixture(t, WithLifecycle(lc))
	f.billing.AddPurchase(subscription("t1", "s1", false))

	lc.Background()
	assert.True(t, f.engine.InBackground())
	lc.Foreground()

	assert.False(t, f.engine.InBackground())
	require.Eventually(t, func() bool { return f.isSent("t1") }, waitTimeout, waitTick)
}
