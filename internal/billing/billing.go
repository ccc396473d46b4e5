// Package billing defines the contract of the platform billing store.
//
// The billing store owns the purchase flow, reports purchases through a
// push listener, and finalizes transactions on request. Implementations
// live elsewhere: billingtest provides an in-memory fake and natsbridge
// reaches a remote store over NATS.
package billing

import (
	"context"

	"github.com/roach88/receipts/internal/ir"
)

// Store is the billing store collaborator.
//
// All methods may block and must honor ctx. A query that the store answers
// with a non-OK ResponseCode returns that code with a nil error; err is
// reserved for failures to reach the store at all.
type Store interface {
	// SetListener registers the push listener. Passing nil unregisters it.
	SetListener(l PurchasesListener)

	// ClearListener unregisters l if it is still the registered listener.
	// A listener registered after l is left in place.
	ClearListener(l PurchasesListener)

	// QueryActivePurchases returns the store's active purchases of one type,
	// keyed by token hash.
	QueryActivePurchases(ctx context.Context, t ir.PurchaseType) (ResponseCode, map[string]ir.PurchaseRecord, error)

	// QueryPurchaseHistory returns the most recent purchase of every product.
	QueryPurchaseHistory(ctx context.Context) ([]ir.PurchaseRecord, error)

	// Consume finalizes a consumable purchase.
	Consume(ctx context.Context, token string) (ResponseCode, error)

	// Acknowledge finalizes a subscription purchase.
	Acknowledge(ctx context.Context, token string) (ResponseCode, error)

	// QueryProductDetails describes the given products. Products the store
	// does not know are omitted from the result.
	QueryProductDetails(ctx context.Context, t ir.PurchaseType, productIDs []string) ([]ir.ProductInfo, error)

	// LaunchPurchaseFlow starts the store's purchase UI. The outcome arrives
	// later through the listener.
	LaunchPurchaseFlow(ctx context.Context, appUserID string, product ir.ProductInfo) error
}

// PurchasesListener receives push events from the billing store.
// Implementations must not block.
type PurchasesListener interface {
	// OnPurchasesUpdated reports new or changed purchases.
	OnPurchasesUpdated(records []ir.PurchaseRecord)

	// OnPurchasesFailed reports a purchase flow that ended without a
	// purchase. records may be empty when the store cannot tell which
	// products were affected.
	OnPurchasesFailed(records []ir.PurchaseRecord, code ResponseCode, message string)

	// OnStoreConnected reports that the store connection was (re)established.
	OnStoreConnected()
}
