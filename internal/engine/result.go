package engine

import "github.com/roach88/receipts/internal/ir"

// Result is the outcome delivered to a Handler: either a value or a
// *PurchaseError, never both.
type Result[T any] struct {
	value T
	err   *PurchaseError
}

// Ok builds a successful Result.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Fail builds a failed Result.
func Fail[T any](err *PurchaseError) Result[T] {
	return Result[T]{err: err}
}

// OK reports whether the result carries a value.
func (r Result[T]) OK() bool {
	return r.err == nil
}

// Value returns the carried value. It is the zero value on failure.
func (r Result[T]) Value() T {
	return r.value
}

// Err returns the carried error, or nil on success.
func (r Result[T]) Err() *PurchaseError {
	return r.err
}

// Get returns the result in Go's (value, error) form.
func (r Result[T]) Get() (T, error) {
	if r.err != nil {
		return r.value, r.err
	}
	return r.value, nil
}

// Handler receives one Result. The engine calls every handler exactly once.
type Handler[T any] func(Result[T])

// PurchaseOutcome is the value of a successful purchase.
type PurchaseOutcome struct {
	Snapshot ir.EntitlementSnapshot `json:"snapshot"`
	Record   ir.PurchaseRecord      `json:"record"`
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	// Aborted is set when a store query failed and nothing was touched.
	Aborted bool `json:"aborted"`
	Reason  string `json:"reason,omitempty"`

	Active    int `json:"active"`
	Pruned    int `json:"pruned"`
	Posted    int `json:"posted"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
}
