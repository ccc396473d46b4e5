// Package natsbridge carries the billing store contract over NATS.
//
// Store is a billing.Store whose calls are NATS requests; Server answers
// those requests from any local billing.Store and publishes its push events.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/roach88/receipts/internal/billing"
	"github.com/roach88/receipts/internal/ir"
)

// DefaultRequestTimeout bounds requests whose context carries no deadline.
const DefaultRequestTimeout = 10 * time.Second

// Store is a billing.Store backed by a remote store over NATS.
type Store struct {
	nc     *nats.Conn
	owned  bool
	prefix string

	mu       sync.Mutex
	listener billing.PurchasesListener
	subs     []*nats.Subscription
}

var _ billing.Store = (*Store)(nil)

// Connect dials url and returns a Store that owns the connection.
// A NATS reconnect is reported to the listener as a store connection.
func Connect(url, prefix string) (*Store, error) {
	s := &Store{owned: true, prefix: prefixOrDefault(prefix)}
	nc, err := nats.Connect(url,
		nats.Name("receipts"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("billing bridge disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("billing bridge reconnected", "url", nc.ConnectedUrl())
			s.notifyConnected()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	s.nc = nc
	if err := s.subscribe(); err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. The caller keeps ownership of nc.
func New(nc *nats.Conn, prefix string) (*Store, error) {
	s := &Store{nc: nc, prefix: prefixOrDefault(prefix)}
	if err := s.subscribe(); err != nil {
		return nil, err
	}
	return s, nil
}

func prefixOrDefault(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}

func (s *Store) subscribe() error {
	handlers := map[string]nats.MsgHandler{
		subjectUpdated:   s.handleUpdated,
		subjectFailed:    s.handleFailed,
		subjectConnected: func(*nats.Msg) { s.notifyConnected() },
	}
	for suffix, h := range handlers {
		sub, err := s.nc.Subscribe(subject(s.prefix, suffix), h)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", suffix, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Store) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

// Close unsubscribes from push events and closes an owned connection.
func (s *Store) Close() error {
	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()

	s.unsubscribe()
	if s.owned {
		s.nc.Close()
	}
	return nil
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

func (s *Store) currentListener() billing.PurchasesListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *Store) notifyConnected() {
	if l := s.currentListener(); l != nil {
		l.OnStoreConnected()
	}
}

func (s *Store) handleUpdated(msg *nats.Msg) {
	var ev event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		slog.Warn("discarding malformed purchases update", "error", err)
		return
	}
	if l := s.currentListener(); l != nil {
		l.OnPurchasesUpdated(ev.Purchases)
	}
}

func (s *Store) handleFailed(msg *nats.Msg) {
	var ev event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		slog.Warn("discarding malformed purchases failure", "error", err)
		return
	}
	if l := s.currentListener(); l != nil {
		l.OnPurchasesFailed(ev.Purchases, ev.Code, ev.Message)
	}
}

func (s *Store) call(ctx context.Context, suffix string, req request) (response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("encode %s request: %w", suffix, err)
	}
	msg, err := s.nc.RequestWithContext(ctx, subject(s.prefix, suffix), data)
	if err != nil {
		return response{}, fmt.Errorf("%s request: %w", suffix, err)
	}
	var resp response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return response{}, fmt.Errorf("decode %s response: %w", suffix, err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("%s: remote store: %s", suffix, resp.Error)
	}
	return resp, nil
}

// QueryActivePurchases implements billing.Store.
func (s *Store) QueryActivePurchases(ctx context.Context, t ir.PurchaseType) (billing.ResponseCode, map[string]ir.PurchaseRecord, error) {
	resp, err := s.call(ctx, subjectQueryActive, request{Type: t})
	if err != nil {
		return billing.CodeServiceDisconnected, nil, err
	}
	if resp.Purchases == nil && resp.Code.OK() {
		resp.Purchases = map[string]ir.PurchaseRecord{}
	}
	return resp.Code, resp.Purchases, nil
}

// QueryPurchaseHistory implements billing.Store.
func (s *Store) QueryPurchaseHistory(ctx context.Context) ([]ir.PurchaseRecord, error) {
	resp, err := s.call(ctx, subjectQueryHistory, request{})
	if err != nil {
		return nil, err
	}
	if !resp.Code.OK() {
		return nil, billing.NewError(resp.Code, "query purchase history")
	}
	return resp.History, nil
}

// Consume implements billing.Store.
func (s *Store) Consume(ctx context.Context, token string) (billing.ResponseCode, error) {
	return s.finalize(ctx, subjectConsume, token)
}

// Acknowledge implements billing.Store.
func (s *Store) Acknowledge(ctx context.Context, token string) (billing.ResponseCode, error) {
	return s.finalize(ctx, subjectAcknowledge, token)
}

func (s *Store) finalize(ctx context.Context, suffix, token string) (billing.ResponseCode, error) {
	resp, err := s.call(ctx, suffix, request{Token: token})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return billing.CodeServiceDisconnected, err
		}
		return billing.CodeError, err
	}
	return resp.Code, nil
}

// QueryProductDetails implements billing.Store.
func (s *Store) QueryProductDetails(ctx context.Context, t ir.PurchaseType, productIDs []string) ([]ir.ProductInfo, error) {
	resp, err := s.call(ctx, subjectQueryProducts, request{Type: t, ProductIDs: productIDs})
	if err != nil {
		return nil, err
	}
	if !resp.Code.OK() {
		return nil, billing.NewError(resp.Code, "query product details")
	}
	return resp.Products, nil
}

// LaunchPurchaseFlow implements billing.Store.
func (s *Store) LaunchPurchaseFlow(ctx context.Context, appUserID string, product ir.ProductInfo) error {
	resp, err := s.call(ctx, subjectLaunch, request{AppUserID: appUserID, Product: &product})
	if err != nil {
		return err
	}
	if !resp.Code.OK() {
		return billing.NewError(resp.Code, "launch purchase flow")
	}
	return nil
}
