// Package billingtest provides an in-memory billing.Store for tests and
// simulations.
//
// The fake behaves like a well-mannered platform store: delivered purchases
// become active, consumed purchases leave the active list and acknowledged
// subscriptions stay active with Acknowledged set. Every collaborator call is
// recorded so tests can assert on what the engine asked for.
package billingtest

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/receipts/internal/billing"
	"github.com/roach88/receipts/internal/ir"
)

// Op names a recorded call.
type Op string

const (
	OpQueryActive   Op = "query_active"
	OpQueryHistory  Op = "query_history"
	OpQueryProducts Op = "query_products"
	OpConsume       Op = "consume"
	OpAcknowledge   Op = "acknowledge"
	OpLaunch        Op = "launch"
)

// Call is one recorded collaborator call.
type Call struct {
	Op        Op
	Token     string
	ProductID string
	Type      ir.PurchaseType
}

// FinalizeFunc overrides the outcome of Consume and Acknowledge.
type FinalizeFunc func(ctx context.Context, op Op, token string) (billing.ResponseCode, error)

// Store is an in-memory billing.Store. The zero value is not usable; call New.
type Store struct {
	mu            sync.Mutex
	listener      billing.PurchasesListener
	active        map[string]ir.PurchaseRecord // token -> record
	history       map[string]ir.PurchaseRecord // product id -> latest record
	products      map[string]ir.ProductInfo
	queryCodes    map[ir.PurchaseType]billing.ResponseCode
	queryErr      error
	productsErr   error
	launchErr     error
	finalizeCodes []billing.ResponseCode
	finalizeHook  FinalizeFunc
	queryHolds    map[ir.PurchaseType]chan struct{}
	calls         []Call
}

var _ billing.Store = (*Store)(nil)

// New creates an empty fake store.
func New() *Store {
	return &Store{
		active:     make(map[string]ir.PurchaseRecord),
		history:    make(map[string]ir.PurchaseRecord),
		products:   make(map[string]ir.ProductInfo),
		queryCodes: make(map[ir.PurchaseType]billing.ResponseCode),
		queryHolds: make(map[ir.PurchaseType]chan struct{}),
	}
}

// SetListener implements billing.Store.
func (s *Store) SetListener(l billing.PurchasesListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// ClearListener implements billing.Store.
func (s *Store) ClearListener(l billing.PurchasesListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == l {
		s.listener = nil
	}
}

// Listener returns the registered listener, or nil.
func (s *Store) Listener() billing.PurchasesListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

// AddPurchase makes r an active purchase and the latest history entry for
// its product.
func (s *Store) AddPurchase(r ir.PurchaseRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(r)
}

func (s *Store) addLocked(r ir.PurchaseRecord) {
	s.active[r.Token] = r
	if prev, ok := s.history[r.ProductID]; !ok || r.PurchaseTimeMillis >= prev.PurchaseTimeMillis {
		s.history[r.ProductID] = r
	}
}

// RemovePurchase drops a token from the active list. History is kept.
func (s *Store) RemovePurchase(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, token)
}

// AddProduct registers catalog details for a product.
func (s *Store) AddProduct(p ir.ProductInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ProductID] = p
}

// SetQueryCode makes QueryActivePurchases for t answer with code.
func (s *Store) SetQueryCode(t ir.PurchaseType, code billing.ResponseCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryCodes[t] = code
}

// FailQueries makes every query return err.
func (s *Store) FailQueries(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryErr = err
}

// FailProductQueries makes QueryProductDetails return err.
func (s *Store) FailProductQueries(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.productsErr = err
}

// FailLaunch makes LaunchPurchaseFlow return err.
func (s *Store) FailLaunch(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launchErr = err
}

// HoldQueries makes QueryActivePurchases for t take its snapshot of the
// active purchases, then wait before answering until release is called or
// the query's context ends. release is safe to call more than once.
func (s *Store) HoldQueries(t ir.PurchaseType) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.queryHolds[t] = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.queryHolds[t] == gate {
				delete(s.queryHolds, t)
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// QueueFinalizeCodes sets the codes returned by the next finalize calls, in
// order. Once drained, finalize calls succeed.
func (s *Store) QueueFinalizeCodes(codes ...billing.ResponseCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeCodes = append(s.finalizeCodes, codes...)
}

// SetFinalizeHook replaces the finalize outcome with fn. A hook takes
// precedence over queued codes.
func (s *Store) SetFinalizeHook(fn FinalizeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeHook = fn
}

// Deliver makes records active and pushes them to the listener.
func (s *Store) Deliver(records ...ir.PurchaseRecord) {
	s.mu.Lock()
	for _, r := range records {
		s.addLocked(r)
	}
	l := s.listener
	s.mu.Unlock()

	if l != nil {
		l.OnPurchasesUpdated(records)
	}
}

// DeliverFailure pushes a failed purchase flow to the listener.
func (s *Store) DeliverFailure(code billing.ResponseCode, message string, records ...ir.PurchaseRecord) {
	if l := s.Listener(); l != nil {
		l.OnPurchasesFailed(records, code, message)
	}
}

// Connect reports a (re)established connection to the listener.
func (s *Store) Connect() {
	if l := s.Listener(); l != nil {
		l.OnStoreConnected()
	}
}

// Calls returns every recorded call in order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsOf returns the recorded calls with the given op.
func (s *Store) CallsOf(op Op) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Active returns the active purchase for token.
func (s *Store) Active(token string) (ir.PurchaseRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.active[token]
	return r, ok
}

func (s *Store) record(c Call) {
	s.calls = append(s.calls, c)
}

// QueryActivePurchases implements billing.Store.
func (s *Store) QueryActivePurchases(ctx context.Context, t ir.PurchaseType) (billing.ResponseCode, map[string]ir.PurchaseRecord, error) {
	s.mu.Lock()
	s.record(Call{Op: OpQueryActive, Type: t})
	code, out, err := s.activeLocked(ctx, t)
	gate := s.queryHolds[t]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return billing.CodeServiceDisconnected, nil, ctx.Err()
		}
	}
	return code, out, err
}

func (s *Store) activeLocked(ctx context.Context, t ir.PurchaseType) (billing.ResponseCode, map[string]ir.PurchaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return billing.CodeServiceDisconnected, nil, err
	}
	if s.queryErr != nil {
		return billing.CodeServiceDisconnected, nil, s.queryErr
	}
	if code := s.queryCodes[t]; !code.OK() {
		return code, nil, nil
	}
	out := make(map[string]ir.PurchaseRecord)
	for _, r := range s.active {
		if r.Type == t {
			out[r.Hash()] = r
		}
	}
	return billing.CodeOK, out, nil
}

// QueryPurchaseHistory implements billing.Store.
func (s *Store) QueryPurchaseHistory(ctx context.Context) ([]ir.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Op: OpQueryHistory})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	out := make([]ir.PurchaseRecord, 0, len(s.history))
	for _, r := range s.history {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PurchaseTimeMillis != out[j].PurchaseTimeMillis {
			return out[i].PurchaseTimeMillis < out[j].PurchaseTimeMillis
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out, nil
}

// Consume implements billing.Store.
func (s *Store) Consume(ctx context.Context, token string) (billing.ResponseCode, error) {
	return s.finalize(ctx, OpConsume, token)
}

// Acknowledge implements billing.Store.
func (s *Store) Acknowledge(ctx context.Context, token string) (billing.ResponseCode, error) {
	return s.finalize(ctx, OpAcknowledge, token)
}

func (s *Store) finalize(ctx context.Context, op Op, token string) (billing.ResponseCode, error) {
	s.mu.Lock()
	s.record(Call{Op: op, Token: token})
	hook := s.finalizeHook
	code := billing.CodeOK
	if hook == nil && len(s.finalizeCodes) > 0 {
		code = s.finalizeCodes[0]
		s.finalizeCodes = s.finalizeCodes[1:]
	}
	s.mu.Unlock()

	var err error
	if hook != nil {
		code, err = hook(ctx, op, token)
	}
	if err != nil || !code.OK() {
		return code, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.active[token]
	if !ok {
		return billing.CodeItemNotOwned, nil
	}
	if op == OpConsume {
		delete(s.active, token)
	} else {
		r.Acknowledged = true
		s.active[token] = r
		if h, ok := s.history[r.ProductID]; ok && h.Token == token {
			s.history[r.ProductID] = r
		}
	}
	return billing.CodeOK, nil
}

// QueryProductDetails implements billing.Store.
func (s *Store) QueryProductDetails(ctx context.Context, t ir.PurchaseType, productIDs []string) ([]ir.ProductInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range productIDs {
		s.record(Call{Op: OpQueryProducts, ProductID: id, Type: t})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.productsErr != nil {
		return nil, s.productsErr
	}
	var out []ir.ProductInfo
	for _, id := range productIDs {
		p, ok := s.products[id]
		if !ok || (p.Type != "" && p.Type != t) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// LaunchPurchaseFlow implements billing.Store. The flow never completes on
// its own; tests resolve it with Deliver or DeliverFailure.
func (s *Store) LaunchPurchaseFlow(ctx context.Context, appUserID string, product ir.ProductInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Op: OpLaunch, ProductID: product.ProductID, Type: product.Type})
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.launchErr
}
