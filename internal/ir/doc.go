// Package ir provides the domain types shared by every receipts package.
//
// This package contains type definitions and identity helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - PurchaseRecord is immutable once observed from the billing store
//   - Raw purchase tokens never leave the pipeline; persisted state and logs
//     refer to a token by TokenHash
//   - EntitlementSnapshot and CatalogSnapshot are opaque backend payloads
//   - All JSON tags use snake_case
package ir
