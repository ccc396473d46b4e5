// Package policy decides how a reconciled purchase is finalized at the store.
//
// Decide is a pure function: it reads nothing but its arguments and has no
// side effects. The engine calls it after the backend has recorded a receipt
// (or reported that it received it despite an error).
package policy

import "github.com/roach88/receipts/internal/ir"

// Decision is the finalization action for one purchase.
type Decision int

const (
	// Skip leaves the transaction untouched at the store.
	Skip Decision = iota
	// Consume releases a single-use product so it can be bought again.
	Consume
	// Acknowledge confirms a subscription so the store does not refund it.
	Acknowledge
)

// String returns the lowercase decision name used in logs and metrics.
func (d Decision) String() string {
	switch d {
	case Consume:
		return "consume"
	case Acknowledge:
		return "acknowledge"
	default:
		return "skip"
	}
}

// Finalizes reports whether the decision calls the store.
func (d Decision) Finalizes() bool {
	return d == Consume || d == Acknowledge
}

// Decide returns the finalization action for record.
//
// Rules are evaluated in order:
//  1. non-purchased state: Skip (pending transactions resolve later)
//  2. finishTransactions disabled: Skip (observer mode)
//  3. consumable: Consume
//  4. unacknowledged subscription: Acknowledge
//  5. acknowledged subscription: Skip
func Decide(record ir.PurchaseRecord, finishTransactions bool) Decision {
	if record.State != ir.PurchaseStatePurchased {
		return Skip
	}
	if !finishTransactions {
		return Skip
	}
	switch record.Type {
	case ir.PurchaseTypeConsumable:
		return Consume
	case ir.PurchaseTypeSubscription:
		if record.Acknowledged {
			return Skip
		}
		return Acknowledge
	default:
		return Skip
	}
}

// Postable reports whether record may be posted to the backend at all.
// Pending and unspecified transactions are never posted.
func Postable(record ir.PurchaseRecord) bool {
	return record.State == ir.PurchaseStatePurchased
}
