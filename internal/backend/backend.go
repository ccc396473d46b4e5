// Package backend talks to the remote entitlement backend.
//
// Poster is the contract the engine consumes; Client implements it over
// HTTP with resty. Every failure is returned as *Error so callers can tell
// whether the backend durably received a receipt before failing.
package backend

import (
	"context"
	"encoding/json"

	"github.com/roach88/receipts/internal/ir"
)

// ReceiptRequest is one receipt post.
type ReceiptRequest struct {
	Token        string
	AppUserID    string
	IsRestore    bool
	ObserverMode bool
	Attributes   ir.AttributeSet
	Product      ir.ProductInfo
}

// PostResult is a successful receipt post.
type PostResult struct {
	Snapshot        ir.EntitlementSnapshot
	AttributeErrors []ir.AttributeError
}

// Poster is the backend receipt poster collaborator.
type Poster interface {
	// PostReceipt submits a purchase token. Repeat posts of the same token
	// are idempotent on the backend.
	PostReceipt(ctx context.Context, req ReceiptRequest) (PostResult, error)

	// GetEntitlements fetches the user's current entitlement snapshot.
	GetEntitlements(ctx context.Context, appUserID string) (ir.EntitlementSnapshot, error)

	// GetCatalog fetches the user's offering definitions as raw JSON.
	GetCatalog(ctx context.Context, appUserID string) (json.RawMessage, error)

	// PostAttribution forwards attribution network data.
	PostAttribution(ctx context.Context, appUserID, network string, data map[string]any) error
}
