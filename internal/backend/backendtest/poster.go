// Package backendtest provides an in-memory backend.Poster for tests and
// simulations.
//
// The fake records every receipt it accepts and answers with an entitlement
// snapshot listing the products the user has posted. Each response carries a
// strictly later request date than the one before, like a real backend
// clock. Failures are injected per call kind, either persistently or for the
// next N calls.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/roach88/receipts/internal/backend"
	"github.com/roach88/receipts/internal/ir"
)

// Epoch is the request date of the first response.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// PostHook runs before a receipt post is answered. A non-nil error fails
// the post with it.
type PostHook func(ctx context.Context, req backend.ReceiptRequest) error

// Attribution is one recorded attribution post.
type Attribution struct {
	AppUserID string
	Network   string
	Data      map[string]any
}

// Poster is an in-memory backend.Poster. The zero value is not usable;
// call New.
type Poster struct {
	mu sync.Mutex

	requestDate time.Time
	owned       map[string]map[string]struct{} // app user id -> product ids
	catalog     json.RawMessage

	postErrs        []error
	postErr         error
	postHook        PostHook
	entitlementErrs []error
	catalogErr      error
	attributionErr  error

	posts          []backend.ReceiptRequest
	fetches        []string
	catalogFetches []string
	attributions   []Attribution
	attrErrors     []ir.AttributeError
}

var _ backend.Poster = (*Poster)(nil)

// New creates a fake backend with an empty catalog.
func New() *Poster {
	return &Poster{
		requestDate: Epoch,
		owned:       make(map[string]map[string]struct{}),
		catalog:     json.RawMessage(`{"offerings":[]}`),
	}
}

// Unavailable is a transient failure the backend never saw.
func Unavailable() error {
	return &backend.Error{
		Kind:    backend.KindBackendProblem,
		Status:  http.StatusServiceUnavailable,
		Message: "service unavailable",
	}
}

// Rejected is a failure the backend durably received.
func Rejected(kind backend.ErrorKind, code int) error {
	return &backend.Error{
		Kind:        kind,
		Status:      http.StatusBadRequest,
		Code:        code,
		Message:     "receipt rejected",
		WasReceived: true,
	}
}

// FailPosts makes every receipt post fail with err until cleared with nil.
func (p *Poster) FailPosts(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.postErr = err
}

// QueuePostErrors fails the next receipt posts with errs, in order. A nil
// entry lets that post succeed.
func (p *Poster) QueuePostErrors(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.postErrs = append(p.postErrs, errs...)
}

// SetPostHook installs fn ahead of every receipt post.
func (p *Poster) SetPostHook(fn PostHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.postHook = fn
}

// RejectAttributes makes successful posts report errs.
func (p *Poster) RejectAttributes(errs ...ir.AttributeError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attrErrors = errs
}

// QueueEntitlementErrors fails the next entitlement fetches with errs.
func (p *Poster) QueueEntitlementErrors(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entitlementErrs = append(p.entitlementErrs, errs...)
}

// SetCatalog replaces the catalog definition served by GetCatalog.
func (p *Poster) SetCatalog(raw string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.catalog = json.RawMessage(raw)
}

// FailCatalog makes GetCatalog fail with err until cleared with nil.
func (p *Poster) FailCatalog(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.catalogErr = err
}

// FailAttribution makes PostAttribution fail with err until cleared with nil.
func (p *Poster) FailAttribution(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attributionErr = err
}

// Grant gives appUserID a product without a receipt, as a backend-side
// promotional grant would.
func (p *Poster) Grant(appUserID, productID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grantLocked(appUserID, productID)
}

func (p *Poster) grantLocked(appUserID, productID string) {
	if p.owned[appUserID] == nil {
		p.owned[appUserID] = make(map[string]struct{})
	}
	p.owned[appUserID][productID] = struct{}{}
}

// Posts returns every receipt post attempt in order, failed ones included.
func (p *Poster) Posts() []backend.ReceiptRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]backend.ReceiptRequest(nil), p.posts...)
}

// PostsOf returns the receipt post attempts for token.
func (p *Poster) PostsOf(token string) []backend.ReceiptRequest {
	var out []backend.ReceiptRequest
	for _, req := range p.Posts() {
		if req.Token == token {
			out = append(out, req)
		}
	}
	return out
}

// EntitlementFetches returns the app user ids of every entitlement fetch.
func (p *Poster) EntitlementFetches() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.fetches...)
}

// CatalogFetches returns the app user ids of every catalog fetch.
func (p *Poster) CatalogFetches() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.catalogFetches...)
}

// Attributions returns every attribution post attempt in order.
func (p *Poster) Attributions() []Attribution {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Attribution(nil), p.attributions...)
}

// PostReceipt implements backend.Poster.
func (p *Poster) PostReceipt(ctx context.Context, req backend.ReceiptRequest) (backend.PostResult, error) {
	p.mu.Lock()
	p.posts = append(p.posts, req)
	hook := p.postHook
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return backend.PostResult{}, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.postErr
	if err == nil && len(p.postErrs) > 0 {
		err = p.postErrs[0]
		p.postErrs = p.postErrs[1:]
	}
	if err != nil {
		if be, ok := backend.AsError(err); ok && be.WasReceived {
			p.grantLocked(req.AppUserID, req.Product.ProductID)
		}
		return backend.PostResult{}, err
	}

	p.grantLocked(req.AppUserID, req.Product.ProductID)
	snap, err := p.snapshotLocked(req.AppUserID)
	if err != nil {
		return backend.PostResult{}, err
	}
	return backend.PostResult{
		Snapshot:        snap,
		AttributeErrors: append([]ir.AttributeError(nil), p.attrErrors...),
	}, nil
}

// GetEntitlements implements backend.Poster.
func (p *Poster) GetEntitlements(ctx context.Context, appUserID string) (ir.EntitlementSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches = append(p.fetches, appUserID)

	if err := ctx.Err(); err != nil {
		return ir.EntitlementSnapshot{}, err
	}
	if len(p.entitlementErrs) > 0 {
		err := p.entitlementErrs[0]
		p.entitlementErrs = p.entitlementErrs[1:]
		if err != nil {
			return ir.EntitlementSnapshot{}, err
		}
	}
	return p.snapshotLocked(appUserID)
}

// GetCatalog implements backend.Poster.
func (p *Poster) GetCatalog(ctx context.Context, appUserID string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.catalogFetches = append(p.catalogFetches, appUserID)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.catalogErr != nil {
		return nil, p.catalogErr
	}
	return append(json.RawMessage(nil), p.catalog...), nil
}

// PostAttribution implements backend.Poster.
func (p *Poster) PostAttribution(ctx context.Context, appUserID, network string, data map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attributions = append(p.attributions, Attribution{AppUserID: appUserID, Network: network, Data: data})

	if err := ctx.Err(); err != nil {
		return err
	}
	return p.attributionErr
}

// snapshotLocked issues a snapshot one second after the previous one.
func (p *Poster) snapshotLocked(appUserID string) (ir.EntitlementSnapshot, error) {
	p.requestDate = p.requestDate.Add(time.Second)

	products := make([]string, 0, len(p.owned[appUserID]))
	for id := range p.owned[appUserID] {
		products = append(products, id)
	}
	sort.Strings(products)

	raw, err := ir.MarshalCanonical(map[string]any{
		"app_user_id": appUserID,
		"products":    products,
	})
	if err != nil {
		return ir.EntitlementSnapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}
	return ir.EntitlementSnapshot{
		AppUserID:   appUserID,
		RequestDate: p.requestDate,
		Raw:         raw,
	}, nil
}
