// Package harness runs reconciliation scenarios against the engine.
//
// A scenario wires a real engine to an in-memory billing store
// (billingtest), an in-memory backend (backendtest) and a fresh SQLite
// cache, seeds the fakes, drives engine operations step by step and then
// asserts on the recorded trace and the final cache state.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	app_user_id: user-1
//	finish_transactions: true
//	setup:
//	  - action: billing.add_product
//	    args: { product_id: coins_100, type: consumable }
//	flow:
//	  - invoke: purchase
//	    args: { product_id: coins_100 }
//	  - invoke: deliver
//	    args: { token: t1, product_id: coins_100, type: consumable }
//	  - invoke: await_purchase
//	    args: { product_id: coins_100 }
//	    expect:
//	      case: Success
//	      result: { token: t1 }
//	assertions:
//	  - type: trace_contains
//	    action: billing.consume
//	    args: { token: t1 }
//	  - type: final_state
//	    expect: { sent_tokens: 1 }
//
// # Setup Actions
//
// Setup actions configure the fakes before the engine starts:
//
//   - billing.add_product, billing.add_purchase, billing.set_query_code,
//     billing.fail_queries, billing.fail_launch, billing.queue_finalize_codes
//   - backend.grant, backend.set_catalog, backend.queue_post_errors,
//     backend.queue_entitlement_errors, backend.reject_attributes
//   - cache.mark_sent
//
// # Flow Operations
//
// Flow steps call the engine (purchase, await_purchase, sweep, restore,
// entitlements, catalog, identify, reset, set_attributes, post_attribution,
// invalidate_entitlements) or push store events (deliver, deliver_failure).
// advance_clock moves the fake wall clock. Every step waits until the
// engine has no pipeline or fetch in flight before the next one starts.
//
// # Assertion Types
//
//   - trace_contains: a collaborator call with matching args was made
//   - trace_order: collaborator calls were made in the given order
//   - trace_count: a collaborator call was made exactly N times
//   - final_state: the cached state of the current user matches
//   - store_active: a token's state in the billing store matches
//
// # Deterministic Traces
//
// Collaborator calls made during one step are sorted by action and
// arguments before they are numbered, so concurrent pipelines produce the
// same trace on every run. Traces are compared against golden files with
// RunWithGolden.
package harness
