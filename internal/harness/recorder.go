package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"

	"github.com/roach88/receipts/internal/backend"
	"github.com/roach88/receipts/internal/billing"
	"github.com/roach88/receipts/internal/ir"
)

// call is one recorded collaborator call.
type call struct {
	action string
	args   map[string]any
	key    string
}

// recorder collects collaborator calls between two drains.
//
// Thread-safety: All methods are safe for concurrent use; the engine calls
// collaborators from many goroutines.
type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) record(action string, args map[string]any) {
	args, _ = normalize(args).(map[string]any)
	key := ""
	if len(args) > 0 {
		b, _ := ir.MarshalCanonical(args)
		key = string(b)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{action: action, args: args, key: key})
}

// drain returns the calls recorded since the last drain, sorted by action
// and arguments.
func (r *recorder) drain() []call {
	r.mu.Lock()
	out := r.calls
	r.calls = nil
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].action != out[j].action {
			return out[i].action < out[j].action
		}
		return out[i].key < out[j].key
	})
	return out
}

// seen reports whether an undrained call matches action and args.
func (r *recorder) seen(action string, args map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.action == action && matchArgs(c.args, args) {
			return true
		}
	}
	return false
}

// recordingStore records every billing.Store call before forwarding it.
type recordingStore struct {
	billing.Store
	rec *recorder
}

var _ billing.Store = (*recordingStore)(nil)

func (s *recordingStore) QueryActivePurchases(ctx context.Context, t ir.PurchaseType) (billing.ResponseCode, map[string]ir.PurchaseRecord, error) {
	s.rec.record("billing.query_active", map[string]any{"type": string(t)})
	return s.Store.QueryActivePurchases(ctx, t)
}

func (s *recordingStore) QueryPurchaseHistory(ctx context.Context) ([]ir.PurchaseRecord, error) {
	s.rec.record("billing.query_history", nil)
	return s.Store.QueryPurchaseHistory(ctx)
}

func (s *recordingStore) Consume(ctx context.Context, token string) (billing.ResponseCode, error) {
	s.rec.record("billing.consume", map[string]any{"token": token})
	return s.Store.Consume(ctx, token)
}

func (s *recordingStore) Acknowledge(ctx context.Context, token string) (billing.ResponseCode, error) {
	s.rec.record("billing.acknowledge", map[string]any{"token": token})
	return s.Store.Acknowledge(ctx, token)
}

func (s *recordingStore) QueryProductDetails(ctx context.Context, t ir.PurchaseType, productIDs []string) ([]ir.ProductInfo, error) {
	s.rec.record("billing.query_products", map[string]any{
		"type":        string(t),
		"product_ids": productIDs,
	})
	return s.Store.QueryProductDetails(ctx, t, productIDs)
}

func (s *recordingStore) LaunchPurchaseFlow(ctx context.Context, appUserID string, product ir.ProductInfo) error {
	s.rec.record("billing.launch", map[string]any{
		"app_user_id": appUserID,
		"product_id":  product.ProductID,
	})
	return s.Store.LaunchPurchaseFlow(ctx, appUserID, product)
}

// recordingPoster records every backend.Poster call before forwarding it.
type recordingPoster struct {
	backend.Poster
	rec *recorder
}

var _ backend.Poster = (*recordingPoster)(nil)

func (p *recordingPoster) PostReceipt(ctx context.Context, req backend.ReceiptRequest) (backend.PostResult, error) {
	keys := make([]string, 0, len(req.Attributes))
	for k := range req.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := map[string]any{
		"token":         req.Token,
		"app_user_id":   req.AppUserID,
		"product_id":    req.Product.ProductID,
		"type":          string(req.Product.Type),
		"is_restore":    req.IsRestore,
		"observer_mode": req.ObserverMode,
		"attributes":    keys,
	}
	if req.Product.OfferingID != "" {
		args["offering_id"] = req.Product.OfferingID
	}
	p.rec.record("backend.post_receipt", args)
	return p.Poster.PostReceipt(ctx, req)
}

func (p *recordingPoster) GetEntitlements(ctx context.Context, appUserID string) (ir.EntitlementSnapshot, error) {
	p.rec.record("backend.get_entitlements", map[string]any{"app_user_id": appUserID})
	return p.Poster.GetEntitlements(ctx, appUserID)
}

func (p *recordingPoster) GetCatalog(ctx context.Context, appUserID string) (json.RawMessage, error) {
	p.rec.record("backend.get_catalog", map[string]any{"app_user_id": appUserID})
	return p.Poster.GetCatalog(ctx, appUserID)
}

func (p *recordingPoster) PostAttribution(ctx context.Context, appUserID, network string, data map[string]any) error {
	p.rec.record("backend.post_attribution", map[string]any{
		"app_user_id": appUserID,
		"network":     network,
	})
	return p.Poster.PostAttribution(ctx, appUserID, network, data)
}

// normalize maps numbers onto int64 (or float64 when fractional) and typed
// slices and maps onto []any and map[string]any, so values decoded from
// YAML compare equal to values recorded from Go.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return normalize(f)
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out
	case map[string]any:
		if x == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	default:
		return v
	}
}

// toMap encodes v as JSON and decodes it back into normalized form.
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return rawToMap(raw)
}

func rawToMap(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	out, _ := normalize(m).(map[string]any)
	return out, nil
}
