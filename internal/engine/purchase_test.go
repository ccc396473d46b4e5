package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/receipts/internal/billing"
	"github.com/roach88/receipts/internal/billing/billingtest"
	"github.com/roach88/receipts/internal/ir"
)

func TestPurchase_Success(t *testing.T) {
	f := newFixture(t)
	h, results := callback[PurchaseOutcome]()

	f.engine.Purchase(ir.ProductInfo{ProductID: "p1", Type: ir.PurchaseTypeConsumable}, h)
	require.Eventually(t, func() bool {
		return len(f.billing.CallsOf(billingtest.OpLaunch)) == 1
	}, waitTimeout, waitTick)
	f.billing.Deliver(consumable("t1", "p1"))

	r := receive(t, results)
	require.True(t, r.OK(), "purchase failed: %v", r.Err())
	assert.Equal(t, "t1", r.Value().Record.Token)
	assert.JSONEq(t, `{"app_user_id":"user-1","products":["p1"]}`, string(r.Value().Snapshot.Raw))
	assert.False(t, f.engine.HasIntent("p1"))
}

func TestPurchase_DuplicateRejectedSynchronously(t *testing.T) {
	f := newFixture(t)
	first, results := callback[PurchaseOutcome]()

	f.engine.Purchase(ir.ProductInfo{ProductID: "p1"}, first)

	var second Result[PurchaseOutcome]
	called := false
	f.engine.Purchase(ir.ProductInfo{ProductID: "p1"}, func(r Result[PurchaseOutcome]) {
		second = r
		called = true
	})

	require.True(t, called, "duplicate must be rejected before Purchase returns")
	assert.True(t, IsAlreadyInProgress(second.Err()))
	assert.True(t, f.engine.HasIntent("p1"))

	f.billing.DeliverFailure(billing.CodeUserCanceled, "user backed out", consumable("t1", "p1"))

	r := receive(t, results)
	require.False(t, r.OK())
	assert.Equal(t, ErrCodePurchaseCancelled, r.Err().Code)
	assert.True(t, IsUserCancelled(r.Err()))
	assert.False(t, f.engine.HasIntent("p1"))

	// The guard is cleared: a new purchase of the product is accepted.
	again, againResults := callback[PurchaseOutcome]()
	f.engine.Purchase(ir.ProductInfo{ProductID: "p1"}, again)
	assert.True(t, f.engine.HasIntent("p1"))
	f.billing.Deliver(consumable("t2", "p1"))
	assert.True(t, receive(t, againResults).OK())
}

func TestPurchase_DifferentProductsDoNotConflict(t *testing.T) {
	f := newFixture(t)
	h1, r1 := callback[PurchaseOutcome]()
	h2, r2 := callback[PurchaseOutcome]()

	f.engine.Purchase(ir.ProductInfo{ProductID: "p1"}, h1)
	f.engine.Purchase(ir.ProductInfo{ProductID: "p2"}, h2)
	f.billing.Deliver(consumable("t1", "p1"), consumable("t2", "p2"))

	assert.True(t, receive(t, r1).OK())
	assert.True(t, receive(t, r2).OK())
}

func TestPurchase_EmptyProductID(t *testing.T) {
	f := newFixture(t)

	var got Result[PurchaseOutcome]
	f.engine.Purchase(ir.ProductInfo{}, func(r Result[PurchaseOutcome]) { got = r })

	require.NotNil(t, got.Err())
	assert.Equal(t, ErrCodeInvalidArgument, got.Err().Code)
	assert.Empty(t, f.billing.CallsOf(billingtest.OpLaunch))
}

func TestPurchase_LaunchFailure(t *testing.T) {
	f := newFixture(t)
	f.billing.FailLaunch(billing.NewError(billing.CodeBillingUnavailable, "billing unavailable"))

	r := await(t, func(h Handler[PurchaseOutcome]) {
		f.engine.Purchase(ir.ProductInfo{ProductID: "p1"}, h)
	})

	require.False(t, r.OK())
	assert.Equal(t, ErrCodeStoreProblem, r.Err().Code)
	assert.False(t, f.engine.HasIntent("p1"))
}

func TestPurchase_AlreadyOwnedTriggersSweep(t *testing.T) {
	f := newFixture(t)
	owned := consumable("t1", "p1")
	f.billing.AddPurchase(owned)
	h, results := callback[PurchaseOutcome]()

	f.engine.Purchase(ir.ProductInfo{ProductID: "p1"}, h)
	f.billing.DeliverFailure(billing.CodeItemAlreadyOwned, "already owned", owned)

	r := receive(t, results)
	require.False(t, r.OK())
	assert.Equal(t, ErrCodeProductAlreadyPurchased, r.Err().Code)

	require.Eventually(t, func() bool { return f.isSent("t1") }, waitTimeout, waitTick)
	assert.Len(t, f.poster.PostsOf("t1"), 1)
	assert.True(t, f.poster.PostsOf("t1")[0].IsRestore)
}

func TestPurchase_FailureWithoutRecordsResolvesAllIntents(t *testing.T) {
	f := newFixture(t)
	h1, r1 := callback[PurchaseOutcome]()
	h2, r2 := callback[PurchaseOutcome]()
	f.engine.Purchase(ir.ProductInfo{ProductID: "p1"}, h1)
	f.engine.Purchase(ir.ProductInfo{ProductID: "p2"}, h2)

	f.billing.DeliverFailure(billing.CodeServiceUnavailable, "store unavailable")

	for _, ch := range []<-chan Result[PurchaseOutcome]{r1, r2} {
		r := receive(t, ch)
		require.False(t, r.OK())
		assert.Equal(t, ErrCodeStoreProblem, r.Err().Code)
		assert.False(t, r.Err().UserCancelled)
	}
}

func TestPurchase_PendingKeepsIntent(t *testing.T) {
	f := newFixture(t)
	h, results := callback[PurchaseOutcome]()
	f.engine.Purchase(ir.ProductInfo{ProductID: "p1"}, h)

	f.billing.Deliver(pending(consumable("t1", "p1")))
	f.settle()
	assert.True(t, f.engine.HasIntent("p1"))
	assert.Empty(t, f.poster.Posts())

	f.billing.Deliver(consumable("t1", "p1"))
	assert.True(t, receive(t, results).OK())
}

func TestPurchase_RestorePipelineDoesNotResolveIntent(t *testing.T) {
	f := newFixture(t)
	f.billing.AddPurchase(consumable("t0", "p1"))
	h, results := callback[PurchaseOutcome]()
	f.engine.Purchase(ir.ProductInfo{ProductID: "p1"}, h)

	f.sweep()

	assert.True(t, f.engine.HasIntent("p1"))
	select {
	case r := <-results:
		t.Fatalf("intent resolved by a restore: %+v", r)
	default:
	}
}
