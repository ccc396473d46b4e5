package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/roach88/receipts/internal/backend/backendtest"
	"github.com/roach88/receipts/internal/billing/billingtest"
	"github.com/roach88/receipts/internal/ir"
	"github.com/roach88/receipts/internal/store"
	"github.com/roach88/receipts/internal/testutil"
)

const (
	testUser    = "user-1"
	waitTimeout = 5 * time.Second
	waitTick    = 5 * time.Millisecond
	purchasedAt = int64(1_700_000_000_000)
)

type fixture struct {
	t       *testing.T
	engine  *Engine
	cache   *store.Store
	billing *billingtest.Store
	poster  *backendtest.Poster
	clock   *testutil.FakeClock
	reader  *sdkmetric.ManualReader
	runErr  chan error
}

// newFixture builds an engine over a fresh SQLite cache and in-memory
// collaborators, and starts Run.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := newStoppedFixture(t, opts...)
	f.start()
	return f
}

// newStoppedFixture builds the engine without starting Run, so tests can
// queue work before the loop drains it.
func newStoppedFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	cache, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)

	f := &fixture{
		t:       t,
		cache:   cache,
		billing: billingtest.New(),
		poster:  backendtest.New(),
		clock:   testutil.NewFakeClock(time.Time{}),
		reader:  sdkmetric.NewManualReader(),
	}

	base := []Option{
		WithClock(f.clock),
		WithIDGenerator(NewSequentialGenerator("test")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(f.reader))),
		WithFinalizeRetry(3, time.Second, 0),
	}
	f.engine, err = New(cache, f.billing, f.poster, testUser, append(base, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, f.engine.Close())
		if f.runErr != nil {
			select {
			case <-f.runErr:
			case <-time.After(waitTimeout):
				t.Error("Run did not return after Close")
			}
		}
		cache.Close()
	})
	return f
}

func (f *fixture) start() {
	f.runErr = make(chan error, 1)
	go func() {
		f.runErr <- f.engine.Run(context.Background())
	}()
}

// settle waits until no pipeline or entitlement fetch is in flight.
func (f *fixture) settle() {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		ch := make(chan int, 1)
		f.engine.enqueue(func(context.Context) {
			ch <- len(f.engine.processing) + len(f.engine.fetches)
		}, func() { ch <- 0 })
		return <-ch == 0
	}, waitTimeout, waitTick)
}

func (f *fixture) sent() map[string]struct{} {
	f.t.Helper()
	sent, err := f.cache.SentTokens(context.Background(), f.engine.AppUserID())
	require.NoError(f.t, err)
	return sent
}

func (f *fixture) isSent(token string) bool {
	_, ok := f.sent()[ir.TokenHash(token)]
	return ok
}

func (f *fixture) markSent(tokens ...string) {
	f.t.Helper()
	for _, tok := range tokens {
		require.NoError(f.t, f.cache.AddSentToken(context.Background(), f.engine.AppUserID(), ir.TokenHash(tok), f.clock.Now()))
	}
}

func (f *fixture) sweep() SweepReport {
	f.t.Helper()
	r := await(f.t, f.engine.Sweep)
	require.True(f.t, r.OK(), "sweep failed: %v", r.Err())
	return r.Value()
}

// counter sums the data points of an int64 counter matching attrs.
func (f *fixture) counter(name string, attrs ...attribute.KeyValue) int64 {
	f.t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(f.t, f.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(f.t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if hasAttributes(dp.Attributes, attrs) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func hasAttributes(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		v, ok := set.Value(kv.Key)
		if !ok || v.Emit() != kv.Value.Emit() {
			return false
		}
	}
	return true
}

// await calls call with a handler and waits for its single result.
func await[T any](t *testing.T, call func(Handler[T])) Result[T] {
	t.Helper()
	ch := make(chan Result[T], 1)
	call(func(r Result[T]) { ch <- r })
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("handler was not called")
		return Result[T]{}
	}
}

// callback returns a handler feeding a buffered channel.
func callback[T any]() (Handler[T], <-chan Result[T]) {
	ch := make(chan Result[T], 1)
	return func(r Result[T]) { ch <- r }, ch
}

func receive[T any](t *testing.T, ch <-chan Result[T]) Result[T] {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("handler was not called")
		return Result[T]{}
	}
}

func consumable(token, productID string) ir.PurchaseRecord {
	return ir.PurchaseRecord{
		Token:              token,
		ProductID:          productID,
		Type:               ir.PurchaseTypeConsumable,
		PurchaseTimeMillis: purchasedAt,
		State:              ir.PurchaseStatePurchased,
	}
}

func subscription(token, productID string, acknowledged bool) ir.PurchaseRecord {
	return ir.PurchaseRecord{
		Token:              token,
		ProductID:          productID,
		Type:               ir.PurchaseTypeSubscription,
		PurchaseTimeMillis: purchasedAt,
		State:              ir.PurchaseStatePurchased,
		Acknowledged:       acknowledged,
	}
}

func pending(r ir.PurchaseRecord) ir.PurchaseRecord {
	r.State = ir.PurchaseStatePending
	return r
}
