// Package engine implements the purchase receipt reconciliation engine.
//
// The engine takes purchase events from the billing store, posts each
// receipt to the entitlement backend, finalizes the store transaction once
// the backend has recorded it, and keeps the local entitlement cache
// current.
//
// ARCHITECTURE:
//
// Single-Writer Task Loop:
// Every mutation of engine state (cache writes, sent-token bookkeeping,
// in-flight fetch tracking) runs as a task on one FIFO queue drained by
// Run. Collaborator calls (billing store, backend) run on their own
// goroutines and re-enter the queue with their result, so calls for
// different products overlap while state changes stay serialized.
//
// Callback Dispatch:
// Results are delivered to caller handlers from a separate dispatcher
// goroutine, never from the task loop, so a handler may call back into the
// engine without deadlocking it. The only synchronous deliveries are the
// fresh-cache fast path of GetEntitlements/GetCatalog and the rejection of
// a duplicate Purchase.
//
// Per-purchase pipeline:
//  1. Product lookup in the store catalog (degrades to the bare product id)
//  2. Unsynced subscriber attributes are bundled
//  3. Receipt post to the backend
//  4. Entitlement cache update and compare-and-mark of sent attributes
//  5. Finalization per the policy package, with bounded retry
//  6. Token hash added to the sent set once confirmed
//  7. Fan-out to every handler waiting on the product
//
// Sweep:
// Queries the store's active purchases of both types. Any non-OK answer
// aborts the sweep before the sent set is touched. Otherwise the sent set
// is pruned to the active union and every active purchase missing from it
// runs the pipeline with isRestore set.
package engine
