package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// PurchaseType distinguishes single-use products from subscriptions.
type PurchaseType string

const (
	// PurchaseTypeConsumable is a single-use product, finalized by consume.
	PurchaseTypeConsumable PurchaseType = "consumable"
	// PurchaseTypeSubscription is a recurring product, finalized by acknowledge.
	PurchaseTypeSubscription PurchaseType = "subscription"
)

// PurchaseTypes lists every purchase type in query order.
var PurchaseTypes = []PurchaseType{PurchaseTypeSubscription, PurchaseTypeConsumable}

// ParsePurchaseType converts a wire string into a PurchaseType.
func ParsePurchaseType(s string) (PurchaseType, error) {
	switch PurchaseType(s) {
	case PurchaseTypeConsumable, PurchaseTypeSubscription:
		return PurchaseType(s), nil
	case "inapp":
		return PurchaseTypeConsumable, nil
	case "subs":
		return PurchaseTypeSubscription, nil
	default:
		return "", fmt.Errorf("unknown purchase type %q", s)
	}
}

// PurchaseState is the store-reported state of a transaction.
type PurchaseState string

const (
	PurchaseStatePurchased   PurchaseState = "purchased"
	PurchaseStatePending     PurchaseState = "pending"
	PurchaseStateUnspecified PurchaseState = "unspecified"
)

// PurchaseRecord is one store transaction as reported by the billing store.
type PurchaseRecord struct {
	Token              string        `json:"token"`
	ProductID          string        `json:"product_id"`
	Type               PurchaseType  `json:"type"`
	PurchaseTimeMillis int64         `json:"purchase_time_millis"`
	State              PurchaseState `json:"state"`
	Acknowledged       bool          `json:"acknowledged"`
	OfferingID         string        `json:"offering_id,omitempty"`
}

// Hash returns the cache key for the record's token.
func (r PurchaseRecord) Hash() string {
	return TokenHash(r.Token)
}

// PurchaseTime returns the purchase time as a time.Time.
func (r PurchaseRecord) PurchaseTime() time.Time {
	return time.UnixMilli(r.PurchaseTimeMillis).UTC()
}

// ProductInfo is what the backend learns about the product behind a receipt.
// Only ProductID is guaranteed; catalog fields stay empty when the store
// could not describe the product.
type ProductInfo struct {
	ProductID          string       `json:"product_id"`
	Type               PurchaseType `json:"type,omitempty"`
	OfferingID         string       `json:"offering_id,omitempty"`
	Title              string       `json:"title,omitempty"`
	PriceMicros        int64        `json:"price_micros,omitempty"`
	Currency           string       `json:"currency,omitempty"`
	SubscriptionPeriod string       `json:"subscription_period,omitempty"`
	IntroPeriod        string       `json:"intro_period,omitempty"`
	TrialPeriod        string       `json:"trial_period,omitempty"`
}

// ProductInfoFor builds the minimal ProductInfo for a record.
func ProductInfoFor(r PurchaseRecord) ProductInfo {
	return ProductInfo{
		ProductID:  r.ProductID,
		Type:       r.Type,
		OfferingID: r.OfferingID,
	}
}

// WithOffering copies catalog data onto the record's product identity.
// The record's offering wins over whatever the catalog carries.
func (p ProductInfo) WithOffering(offeringID string) ProductInfo {
	if offeringID != "" {
		p.OfferingID = offeringID
	}
	return p
}

// EntitlementSnapshot is the backend's view of a user's entitlements.
// Raw is handed back to callers untouched. RequestDate is the backend's
// response timestamp and orders snapshots for monotonic replacement.
type EntitlementSnapshot struct {
	AppUserID   string          `json:"app_user_id"`
	RequestDate time.Time       `json:"request_date"`
	Raw         json.RawMessage `json:"raw"`
}

// NewerThan reports whether s was issued strictly after other.
func (s EntitlementSnapshot) NewerThan(other EntitlementSnapshot) bool {
	return s.RequestDate.After(other.RequestDate)
}

// CatalogSnapshot is the joined offering hierarchy served to callers.
type CatalogSnapshot struct {
	AppUserID string          `json:"app_user_id"`
	Raw       json.RawMessage `json:"raw"`
}

// SubscriberAttribute is a locally written user attribute awaiting sync.
type SubscriberAttribute struct {
	Key    string    `json:"key"`
	Value  string    `json:"value"`
	SetAt  time.Time `json:"set_at"`
	Synced bool      `json:"synced"`
}

// AttributeError is a per-key rejection reported by the backend.
type AttributeError struct {
	Key     string `json:"key_name"`
	Message string `json:"message"`
}

// AttributeSet is a snapshot of attributes keyed by attribute key.
type AttributeSet map[string]SubscriberAttribute

// Values returns the key/value pairs of the set.
func (a AttributeSet) Values() map[string]string {
	out := make(map[string]string, len(a))
	for k, attr := range a {
		out[k] = attr.Value
	}
	return out
}
