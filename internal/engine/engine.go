package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/receipts/internal/backend"
	"github.com/roach88/receipts/internal/billing"
	"github.com/roach88/receipts/internal/ir"
	"github.com/roach88/receipts/internal/store"
)

// Finalize retry defaults.
const (
	DefaultFinalizeAttempts = 3
	DefaultFinalizeTimeout  = 30 * time.Second
	DefaultFinalizeBackoff  = time.Second
)

// AnonymousPrefix starts every generated app user id.
const AnonymousPrefix = "$Anonymous:"

// Engine is the reconciliation orchestrator.
//
// Thread-safety model:
//   - every exported method is safe from any goroutine and never blocks on
//     a collaborator
//   - Run must be called from exactly one goroutine
//   - handlers run on the dispatcher goroutine, except the synchronous
//     cases documented on Purchase, GetEntitlements and GetCatalog
type Engine struct {
	cache   Cache
	store   billing.Store
	poster  backend.Poster
	clock   Clock
	ids     IDGenerator
	logger  *slog.Logger
	metrics *metrics
	seq     sequence

	finishTransactions bool
	finalizeAttempts   int
	finalizeTimeout    time.Duration
	finalizeBackoff    time.Duration
	sweepInterval      time.Duration
	meterProvider      metric.MeterProvider
	lifecycle          *Lifecycle

	queue     *taskQueue
	callbacks *taskQueue
	opCtx     context.Context
	running   atomic.Bool
	runDone   chan struct{}
	closeOnce sync.Once

	attachMu  sync.Mutex
	listener  *storeListener
	unobserve func()

	userMu    sync.RWMutex
	appUserID string

	intentsMu sync.Mutex
	intents   map[string][]Handler[PurchaseOutcome]

	inBackground      atomic.Bool
	entitlementsDirty atomic.Bool
	sweeps            atomic.Int64

	// Owned by the task loop.
	fetches    map[string][]entitlementWaiter
	processing map[string][]func(pipelineOutcome)
	// Users whose last refresh failed. Unforced reads for them are served
	// the cached snapshot while a background refresh runs.
	entitlementsFailed map[string]bool
	catalogFailed      map[string]bool
	catalogRefreshing  map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithFinishTransactions sets whether the engine finalizes transactions.
// Disabling it runs the engine in observer mode. Default: true.
func WithFinishTransactions(finish bool) Option {
	return func(e *Engine) {
		e.finishTransactions = finish
	}
}

// WithFinalizeRetry bounds finalize calls: each attempt gets timeout, at
// most attempts calls are made, spaced at least backoff apart.
func WithFinalizeRetry(attempts int, timeout, backoff time.Duration) Option {
	return func(e *Engine) {
		e.finalizeAttempts = attempts
		e.finalizeTimeout = timeout
		e.finalizeBackoff = backoff
	}
}

// WithSweepInterval enables periodic sweeps while Run is active.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.sweepInterval = d
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator replaces the pipeline and anonymous id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger replaces slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMeterProvider replaces the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		e.meterProvider = mp
	}
}

// WithLifecycle subscribes the engine to foreground/background transitions.
func WithLifecycle(l *Lifecycle) Option {
	return func(e *Engine) {
		e.lifecycle = l
	}
}

// New creates an Engine for appUserID and registers it as the billing
// store's listener. An empty appUserID starts an anonymous user.
//
// The engine does nothing until Run is called.
func New(cache Cache, billingStore billing.Store, poster backend.Poster, appUserID string, opts ...Option) (*Engine, error) {
	e := &Engine{
		cache:              cache,
		store:              billingStore,
		poster:             poster,
		clock:              SystemClock{},
		ids:                UUIDv7Generator{},
		logger:             slog.Default(),
		finishTransactions: true,
		finalizeAttempts:   DefaultFinalizeAttempts,
		finalizeTimeout:    DefaultFinalizeTimeout,
		finalizeBackoff:    DefaultFinalizeBackoff,
		queue:              newTaskQueue(),
		callbacks:          newTaskQueue(),
		opCtx:              context.Background(),
		runDone:            make(chan struct{}),
		intents:            make(map[string][]Handler[PurchaseOutcome]),
		fetches:            make(map[string][]entitlementWaiter),
		processing:         make(map[string][]func(pipelineOutcome)),
		entitlementsFailed: make(map[string]bool),
		catalogFailed:      make(map[string]bool),
		catalogRefreshing:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.finalizeAttempts < 1 {
		return nil, fmt.Errorf("finalize attempts must be at least 1, got %d", e.finalizeAttempts)
	}

	m, err := newMetrics(e.meterProvider)
	if err != nil {
		return nil, err
	}
	e.metrics = m

	if appUserID == "" {
		appUserID = e.newAnonymousID()
	}
	e.appUserID = appUserID
	e.listener = &storeListener{e: e}

	go func() {
		_ = e.callbacks.drain(context.Background())
	}()

	e.attach()
	return e, nil
}

// attach registers the store listener and lifecycle observer.
func (e *Engine) attach() {
	e.attachMu.Lock()
	defer e.attachMu.Unlock()

	if e.closed() {
		return
	}
	e.store.SetListener(e.listener)
	if e.lifecycle != nil && e.unobserve == nil {
		e.unobserve = e.lifecycle.Observe(lifecycleObserver{e: e})
	}
}

// detach unregisters the store listener and lifecycle observer.
func (e *Engine) detach() {
	e.attachMu.Lock()
	defer e.attachMu.Unlock()

	e.listener.detach()
	e.store.ClearListener(e.listener)
	if e.unobserve != nil {
		e.unobserve()
		e.unobserve = nil
	}
}

var errAlreadyRunning = errors.New("engine: Run already called")

// Run drains the task loop until ctx is cancelled or Close is called.
//
// Must be called from exactly ONE goroutine. All cache writes happen here.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	defer close(e.runDone)

	e.logger.Info("engine starting",
		"app_user_id", e.AppUserID(),
		"finish_transactions", e.finishTransactions,
		"sweep_interval", e.sweepInterval,
	)

	if e.sweepInterval > 0 {
		go e.periodicSweeps(ctx, e.sweepInterval)
	}

	err := e.queue.drain(ctx)
	e.queue.Close()
	if err != nil {
		e.logger.Info("engine stopping: context cancelled")
		// Run the tasks that were queued before cancellation.
		_ = e.queue.drain(context.Background())
		return err
	}
	e.logger.Info("engine stopping: queue closed")
	return nil
}

// Close detaches the engine from its collaborators, waits for Run to
// finish queued work, and fails every handler still waiting with
// ENGINE_CLOSED. Receipt posts already issued run to completion but their
// results are dropped.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.detach()
		e.queue.Close()

		if e.running.CompareAndSwap(false, true) {
			// Run never started; drain here so queued handlers still resolve.
			_ = e.queue.drain(context.Background())
			close(e.runDone)
		}
		<-e.runDone

		e.failPending()
		e.callbacks.Close()
		e.logger.Info("engine closed", "app_user_id", e.AppUserID())
	})
	return nil
}

// failPending resolves every handler still tracked by the engine.
// Called only after the task loop has exited.
func (e *Engine) failPending() {
	for user, waiters := range e.fetches {
		for _, w := range waiters {
			deliver(e, w.h, Fail[ir.EntitlementSnapshot](errEngineClosed))
		}
		delete(e.fetches, user)
	}
	for hash, dones := range e.processing {
		delete(e.processing, hash)
		for _, done := range dones {
			if done != nil {
				done(pipelineOutcome{err: errEngineClosed})
			}
		}
	}
	for _, h := range e.takeAllIntents() {
		deliver(e, h, Fail[PurchaseOutcome](errEngineClosed))
	}
}

// enqueue schedules t on the task loop, or runs closed if the engine is
// shut down.
func (e *Engine) enqueue(t task, closed func()) {
	if !e.queue.Enqueue(t) && closed != nil {
		closed()
	}
}

// async runs call on its own goroutine and schedules the task it returns.
// A nil task ends the chain. If the loop has shut down by then, abandon
// runs instead.
func (e *Engine) async(call func(ctx context.Context) task, abandon func()) {
	go func() {
		next := call(e.opCtx)
		if next == nil {
			return
		}
		if !e.queue.Enqueue(next) && abandon != nil {
			abandon()
		}
	}()
}

// deliver hands r to h on the dispatcher goroutine. Once the dispatcher is
// closed, h runs on the calling goroutine.
func deliver[T any](e *Engine, h Handler[T], r Result[T]) {
	if h == nil {
		return
	}
	if !e.callbacks.Enqueue(func(context.Context) { h(r) }) {
		h(r)
	}
}

// deliverClosed returns a func that fails h with ENGINE_CLOSED.
func deliverClosed[T any](e *Engine, h Handler[T]) func() {
	return func() {
		deliver(e, h, Fail[T](errEngineClosed))
	}
}

// AppUserID returns the current app user id.
func (e *Engine) AppUserID() string {
	e.userMu.RLock()
	defer e.userMu.RUnlock()
	return e.appUserID
}

func (e *Engine) setAppUserID(id string) {
	e.userMu.Lock()
	defer e.userMu.Unlock()
	e.appUserID = id
}

func (e *Engine) newAnonymousID() string {
	return AnonymousPrefix + e.ids.Generate()
}

// InBackground reports whether the engine uses the background cache TTL.
func (e *Engine) InBackground() bool {
	return e.inBackground.Load()
}

func (e *Engine) ttl() time.Duration {
	return store.TTL(e.inBackground.Load())
}

// Inspect summarizes the cached state of the current user.
func (e *Engine) Inspect(ctx context.Context) (store.Stats, error) {
	return e.cache.Inspect(ctx, e.AppUserID())
}

// Pending reports how many sweeps, purchase pipelines and entitlement
// fetches are in flight once the tasks queued before the call have run.
func (e *Engine) Pending(h Handler[int]) {
	e.enqueue(func(context.Context) {
		n := int(e.sweeps.Load()) + len(e.processing) + len(e.fetches)
		deliver(e, h, Ok(n))
	}, deliverClosed(e, h))
}

func (e *Engine) periodicSweeps(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.runDone:
			return
		case <-ticker.C:
			e.triggerSweep("interval")
		}
	}
}

// storeListener adapts billing push events onto the task loop. It stays
// silent once detached so a replaced engine never sees another engine's
// events.
type storeListener struct {
	e        *Engine
	detached atomic.Bool
}

var _ billing.PurchasesListener = (*storeListener)(nil)

func (l *storeListener) detach() {
	l.detached.Store(true)
}

func (l *storeListener) OnPurchasesUpdated(records []ir.PurchaseRecord) {
	if l.detached.Load() {
		return
	}
	records = append([]ir.PurchaseRecord(nil), records...)
	l.e.enqueue(func(ctx context.Context) {
		l.e.handlePurchasesUpdated(ctx, records)
	}, nil)
}

func (l *storeListener) OnPurchasesFailed(records []ir.PurchaseRecord, code billing.ResponseCode, message string) {
	if l.detached.Load() {
		return
	}
	records = append([]ir.PurchaseRecord(nil), records...)
	l.e.enqueue(func(ctx context.Context) {
		l.e.handlePurchasesFailed(ctx, records, code, message)
	}, nil)
}

func (l *storeListener) OnStoreConnected() {
	if l.detached.Load() {
		return
	}
	l.e.triggerSweep("store connected")
}
