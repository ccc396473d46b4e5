package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/roach88/receipts/internal/billing"
	"github.com/roach88/receipts/internal/ir"
)

// Server answers bridge requests from a local billing.Store and publishes
// its push events.
type Server struct {
	nc      *nats.Conn
	prefix  string
	store   billing.Store
	timeout time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

var _ billing.PurchasesListener = (*Server)(nil)

// Serve registers request handlers for store on nc and installs itself as
// the store's listener.
func Serve(nc *nats.Conn, prefix string, store billing.Store) (*Server, error) {
	srv := &Server{
		nc:      nc,
		prefix:  prefixOrDefault(prefix),
		store:   store,
		timeout: DefaultRequestTimeout,
	}
	handlers := map[string]func(context.Context, request) response{
		subjectQueryActive:   srv.queryActive,
		subjectQueryHistory:  srv.queryHistory,
		subjectQueryProducts: srv.queryProducts,
		subjectConsume:       srv.consume,
		subjectAcknowledge:   srv.acknowledge,
		subjectLaunch:        srv.launch,
	}
	for suffix, h := range handlers {
		sub, err := nc.Subscribe(subject(srv.prefix, suffix), srv.handler(suffix, h))
		if err != nil {
			srv.Close()
			return nil, fmt.Errorf("subscribe %s: %w", suffix, err)
		}
		srv.subs = append(srv.subs, sub)
	}
	store.SetListener(srv)
	return srv, nil
}

// Close stops answering requests and detaches from the store.
func (srv *Server) Close() {
	srv.store.ClearListener(srv)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, sub := range srv.subs {
		_ = sub.Unsubscribe()
	}
	srv.subs = nil
}

func (srv *Server) handler(suffix string, h func(context.Context, request) response) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var resp response
		var req request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			resp = response{Code: billing.CodeDeveloperError, Error: fmt.Sprintf("decode request: %v", err)}
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), srv.timeout)
			resp = h(ctx, req)
			cancel()
		}
		data, err := json.Marshal(resp)
		if err != nil {
			slog.Error("encode bridge response", "subject", suffix, "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Warn("respond to bridge request", "subject", suffix, "error", err)
		}
	}
}

func errorResponse(code billing.ResponseCode, err error) response {
	if bc, ok := billing.CodeOf(err); ok {
		return response{Code: bc}
	}
	return response{Code: code, Error: err.Error()}
}

func (srv *Server) queryActive(ctx context.Context, req request) response {
	code, purchases, err := srv.store.QueryActivePurchases(ctx, req.Type)
	if err != nil {
		return errorResponse(code, err)
	}
	return response{Code: code, Purchases: purchases}
}

func (srv *Server) queryHistory(ctx context.Context, _ request) response {
	history, err := srv.store.QueryPurchaseHistory(ctx)
	if err != nil {
		return errorResponse(billing.CodeError, err)
	}
	return response{Code: billing.CodeOK, History: history}
}

func (srv *Server) queryProducts(ctx context.Context, req request) response {
	products, err := srv.store.QueryProductDetails(ctx, req.Type, req.ProductIDs)
	if err != nil {
		return errorResponse(billing.CodeError, err)
	}
	return response{Code: billing.CodeOK, Products: products}
}

func (srv *Server) consume(ctx context.Context, req request) response {
	code, err := srv.store.Consume(ctx, req.Token)
	if err != nil {
		return errorResponse(code, err)
	}
	return response{Code: code}
}

func (srv *Server) acknowledge(ctx context.Context, req request) response {
	code, err := srv.store.Acknowledge(ctx, req.Token)
	if err != nil {
		return errorResponse(code, err)
	}
	return response{Code: code}
}

func (srv *Server) launch(ctx context.Context, req request) response {
	if req.Product == nil {
		return response{Code: billing.CodeDeveloperError, Error: "launch request missing product"}
	}
	if err := srv.store.LaunchPurchaseFlow(ctx, req.AppUserID, *req.Product); err != nil {
		return errorResponse(billing.CodeError, err)
	}
	return response{Code: billing.CodeOK}
}

func (srv *Server) publish(suffix string, ev event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("encode bridge event", "subject", suffix, "error", err)
		return
	}
	if err := srv.nc.Publish(subject(srv.prefix, suffix), data); err != nil {
		slog.Warn("publish bridge event", "subject", suffix, "error", err)
	}
}

// OnPurchasesUpdated implements billing.PurchasesListener.
func (srv *Server) OnPurchasesUpdated(records []ir.PurchaseRecord) {
	srv.publish(subjectUpdated, event{Purchases: records, Code: billing.CodeOK})
}

// OnPurchasesFailed implements billing.PurchasesListener.
func (srv *Server) OnPurchasesFailed(records []ir.PurchaseRecord, code billing.ResponseCode, message string) {
	srv.publish(subjectFailed, event{Purchases: records, Code: code, Message: message})
}

// OnStoreConnected implements billing.PurchasesListener.
func (srv *Server) OnStoreConnected() {
	srv.publish(subjectConnected, event{Code: billing.CodeOK})
}
