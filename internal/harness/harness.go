package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/receipts/internal/backend"
	"github.com/roach88/receipts/internal/backend/backendtest"
	"github.com/roach88/receipts/internal/billing"
	"github.com/roach88/receipts/internal/billing/billingtest"
	"github.com/roach88/receipts/internal/catalog"
	"github.com/roach88/receipts/internal/engine"
	"github.com/roach88/receipts/internal/ir"
	"github.com/roach88/receipts/internal/store"
	"github.com/roach88/receipts/internal/testutil"
)

// Step timing.
const (
	stepTimeout  = 5 * time.Second
	pollInterval = 2 * time.Millisecond
)

// Output cases that are not error codes.
const (
	CaseSuccess = "Success"
	CasePending = "Pending"
)

// scenarioID seeds anonymous app user ids, so an anonymous scenario always
// runs as "$Anonymous:scenario".
const scenarioID = "scenario"

// Harness drives one scenario against a real engine.
type Harness struct {
	engine  *engine.Engine
	cache   *store.Store
	billing *billingtest.Store
	poster  *backendtest.Poster
	clock   *testutil.FakeClock
	rec     *recorder
	logger  *slog.Logger

	purchases map[string]chan engine.Result[engine.PurchaseOutcome]
	seq       int64
}

// Option configures Run.
type Option func(*runOptions)

type runOptions struct {
	logger *slog.Logger
}

// WithLogger routes engine logs to l. By default they are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) {
		o.logger = l
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs with a fresh in-memory cache, fresh fakes, a fake
// clock and a fixed id generator. A returned error means the scenario could
// not be executed; failed expectations are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	cache, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer cache.Close()

	h := &Harness{
		cache:     cache,
		billing:   billingtest.New(),
		poster:    backendtest.New(),
		clock:     testutil.NewFakeClock(time.Time{}),
		rec:       &recorder{},
		logger:    o.logger,
		purchases: make(map[string]chan engine.Result[engine.PurchaseOutcome]),
	}

	attempts := scenario.FinalizeAttempts
	if attempts == 0 {
		attempts = engine.DefaultFinalizeAttempts
	}
	engineOpts := []engine.Option{
		engine.WithClock(h.clock),
		engine.WithIDGenerator(testutil.NewFixedIDGenerator(scenarioID)),
		engine.WithLogger(o.logger),
		engine.WithFinalizeRetry(attempts, stepTimeout, 0),
	}
	if scenario.FinishTransactions != nil {
		engineOpts = append(engineOpts, engine.WithFinishTransactions(*scenario.FinishTransactions))
	}

	eng, err := engine.New(cache,
		&recordingStore{Store: h.billing, rec: h.rec},
		&recordingPoster{Poster: h.poster, rec: h.rec},
		scenario.AppUserID,
		engineOpts...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	h.engine = eng

	if err := h.executeSetup(ctx, scenario.Setup); err != nil {
		eng.Close()
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(runCtx)
	}()
	defer func() {
		eng.Close()
		cancel()
		<-runDone
	}()

	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	stats, err := eng.Inspect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect cache: %w", err)
	}
	if result.State, err = toMap(stats); err != nil {
		return nil, fmt.Errorf("failed to encode cache state: %w", err)
	}

	actx := &AssertionContext{Billing: h.billing}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) nextSeq() int64 {
	h.seq++
	return h.seq
}

// setupActions configure the fakes. They run before the engine starts.
var setupActions = map[string]func(ctx context.Context, h *Harness, args map[string]any) error{
	"billing.add_product": func(_ context.Context, h *Harness, args map[string]any) error {
		t, err := purchaseTypeArg(args, "type")
		if err != nil {
			return err
		}
		h.billing.AddProduct(ir.ProductInfo{
			ProductID:   stringArg(args, "product_id"),
			Type:        t,
			Title:       stringArg(args, "title"),
			PriceMicros: intArg(args, "price_micros"),
			Currency:    stringArg(args, "currency"),
		})
		return nil
	},
	"billing.add_purchase": func(_ context.Context, h *Harness, args map[string]any) error {
		r, err := recordArg(args)
		if err != nil {
			return err
		}
		h.billing.AddPurchase(r)
		return nil
	},
	"billing.set_query_code": func(_ context.Context, h *Harness, args map[string]any) error {
		t, err := purchaseTypeArg(args, "type")
		if err != nil {
			return err
		}
		code, err := billing.ParseResponseCode(stringArg(args, "code"))
		if err != nil {
			return err
		}
		h.billing.SetQueryCode(t, code)
		return nil
	},
	"billing.fail_queries": func(_ context.Context, h *Harness, args map[string]any) error {
		h.billing.FailQueries(billing.NewError(billing.CodeServiceDisconnected, stringArg(args, "message")))
		return nil
	},
	"billing.fail_launch": func(_ context.Context, h *Harness, args map[string]any) error {
		code, err := billing.ParseResponseCode(stringArg(args, "code"))
		if err != nil {
			return err
		}
		h.billing.FailLaunch(billing.NewError(code, "launch failed"))
		return nil
	},
	"billing.queue_finalize_codes": func(_ context.Context, h *Harness, args map[string]any) error {
		var codes []billing.ResponseCode
		for _, name := range stringsArg(args, "codes") {
			code, err := billing.ParseResponseCode(name)
			if err != nil {
				return err
			}
			codes = append(codes, code)
		}
		h.billing.QueueFinalizeCodes(codes...)
		return nil
	},
	"backend.grant": func(_ context.Context, h *Harness, args map[string]any) error {
		user := stringArg(args, "app_user_id")
		if user == "" {
			user = h.engine.AppUserID()
		}
		h.poster.Grant(user, stringArg(args, "product_id"))
		return nil
	},
	"backend.set_catalog": func(_ context.Context, h *Harness, args map[string]any) error {
		h.poster.SetCatalog(stringArg(args, "json"))
		return nil
	},
	"backend.queue_post_errors": func(_ context.Context, h *Harness, args map[string]any) error {
		errs, err := backendErrors(stringsArg(args, "errors"))
		if err != nil {
			return err
		}
		h.poster.QueuePostErrors(errs...)
		return nil
	},
	"backend.queue_entitlement_errors": func(_ context.Context, h *Harness, args map[string]any) error {
		errs, err := backendErrors(stringsArg(args, "errors"))
		if err != nil {
			return err
		}
		h.poster.QueueEntitlementErrors(errs...)
		return nil
	},
	"backend.reject_attributes": func(_ context.Context, h *Harness, args map[string]any) error {
		var attrErrs []ir.AttributeError
		for _, key := range stringsArg(args, "keys") {
			attrErrs = append(attrErrs, ir.AttributeError{Key: key, Message: "invalid value"})
		}
		h.poster.RejectAttributes(attrErrs...)
		return nil
	},
	"cache.mark_sent": func(ctx context.Context, h *Harness, args map[string]any) error {
		token := stringArg(args, "token")
		if token == "" {
			return errors.New("token is required")
		}
		return h.cache.AddSentToken(ctx, h.engine.AppUserID(), ir.TokenHash(token), h.clock.Now())
	},
}

// stepOutcome is what a flow step reports for the trace and expect check.
type stepOutcome struct {
	Case   string
	Result map[string]any
}

func success(result map[string]any) stepOutcome {
	return stepOutcome{Case: CaseSuccess, Result: result}
}

// flowOps drive the engine or push store events.
var flowOps = map[string]func(h *Harness, ctx context.Context, args map[string]any) (stepOutcome, error){
	"purchase":                (*Harness).purchase,
	"await_purchase":          (*Harness).awaitPurchase,
	"deliver":                 (*Harness).deliver,
	"deliver_failure":         (*Harness).deliverFailure,
	"sweep":                   (*Harness).sweep,
	"restore":                 (*Harness).restore,
	"entitlements":            (*Harness).entitlements,
	"invalidate_entitlements": (*Harness).invalidateEntitlements,
	"catalog":                 (*Harness).catalog,
	"identify":                (*Harness).identify,
	"reset":                   (*Harness).reset,
	"set_attributes":          (*Harness).setAttributes,
	"post_attribution":        (*Harness).postAttribution,
	"advance_clock":           (*Harness).advanceClock,
}

func (h *Harness) executeSetup(ctx context.Context, setup []ActionStep) error {
	for i, step := range setup {
		action, ok := setupActions[step.Action]
		if !ok {
			return fmt.Errorf("setup step %d: unknown action %q", i, step.Action)
		}
		args, _ := normalize(step.Args).(map[string]any)
		if err := action(ctx, h, args); err != nil {
			return fmt.Errorf("setup step %d (%s): %w", i, step.Action, err)
		}
		h.logger.Debug("setup step completed", "step", i, "action", step.Action)
	}
	return nil
}

// executeFlow runs each step, waits for the engine to go idle, then traces
// the collaborator calls the step caused followed by the step completion.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		op, ok := flowOps[step.Invoke]
		if !ok {
			return fmt.Errorf("flow step %d: unknown operation %q", i, step.Invoke)
		}
		args, _ := normalize(step.Args).(map[string]any)

		out, err := op(h, ctx, args)
		if err != nil {
			return fmt.Errorf("flow step %d (%s): %w", i, step.Invoke, err)
		}
		if err := h.settle(ctx); err != nil {
			return fmt.Errorf("flow step %d (%s): %w", i, step.Invoke, err)
		}

		for _, c := range h.rec.drain() {
			result.AddCallTrace(i, c.action, c.args, h.nextSeq())
		}
		result.AddCompletionTrace(i, step.Invoke, out.Case, out.Result, h.nextSeq())

		if step.Expect != nil {
			if msg := checkExpect(out, step.Expect); msg != "" {
				result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Invoke, msg))
			}
		}
		h.logger.Debug("flow step completed", "step", i, "action", step.Invoke, "case", out.Case)
	}
	return nil
}

// settle waits until the engine has nothing in flight.
func (h *Harness) settle(ctx context.Context) error {
	deadline := time.Now().Add(stepTimeout)
	for {
		r, err := wait(ctx, h.engine.Pending)
		if err != nil {
			return err
		}
		if !r.OK() || r.Value() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("engine did not settle: %d operations in flight", r.Value())
		}
		time.Sleep(pollInterval)
	}
}

// wait calls op and blocks for its handler.
func wait[T any](ctx context.Context, op func(engine.Handler[T])) (engine.Result[T], error) {
	ch := make(chan engine.Result[T], 1)
	op(func(r engine.Result[T]) { ch <- r })
	return receive(ctx, ch)
}

func receive[T any](ctx context.Context, ch <-chan engine.Result[T]) (engine.Result[T], error) {
	timer := time.NewTimer(stepTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r, nil
	case <-timer.C:
		return engine.Result[T]{}, errors.New("handler was not called")
	case <-ctx.Done():
		return engine.Result[T]{}, ctx.Err()
	}
}

// failure turns a failed result into an outcome.
func failure[T any](r engine.Result[T]) stepOutcome {
	pe := r.Err()
	out := stepOutcome{Case: string(pe.Code)}
	if pe.UserCancelled {
		out.Result = map[string]any{"user_cancelled": true}
	}
	return out
}

func (h *Harness) purchase(ctx context.Context, args map[string]any) (stepOutcome, error) {
	t, err := optionalPurchaseType(args)
	if err != nil {
		return stepOutcome{}, err
	}
	product := ir.ProductInfo{
		ProductID:  stringArg(args, "product_id"),
		Type:       t,
		OfferingID: stringArg(args, "offering_id"),
	}

	// Rejections are delivered before Purchase returns; anything later
	// belongs to await_purchase.
	var (
		mu       sync.Mutex
		returned bool
		rejected *engine.Result[engine.PurchaseOutcome]
	)
	ch := make(chan engine.Result[engine.PurchaseOutcome], 1)
	h.engine.Purchase(product, func(r engine.Result[engine.PurchaseOutcome]) {
		mu.Lock()
		defer mu.Unlock()
		if !returned {
			rejected = &r
			return
		}
		ch <- r
	})
	mu.Lock()
	returned = true
	mu.Unlock()

	if rejected != nil {
		return purchaseOutcome(*rejected), nil
	}
	h.purchases[product.ProductID] = ch

	// The launch runs on its own goroutine; wait for it so its call lands
	// in this step.
	deadline := time.Now().Add(stepTimeout)
	for !h.rec.seen("billing.launch", map[string]any{"product_id": product.ProductID}) {
		if time.Now().After(deadline) {
			return stepOutcome{}, errors.New("purchase flow was not launched")
		}
		if err := ctx.Err(); err != nil {
			return stepOutcome{}, err
		}
		time.Sleep(pollInterval)
	}
	return stepOutcome{Case: CasePending}, nil
}

func (h *Harness) awaitPurchase(ctx context.Context, args map[string]any) (stepOutcome, error) {
	productID := stringArg(args, "product_id")
	ch, ok := h.purchases[productID]
	if !ok {
		return stepOutcome{}, fmt.Errorf("no pending purchase of %q", productID)
	}
	delete(h.purchases, productID)

	r, err := receive(ctx, ch)
	if err != nil {
		return stepOutcome{}, err
	}
	return purchaseOutcome(r), nil
}

func purchaseOutcome(r engine.Result[engine.PurchaseOutcome]) stepOutcome {
	if !r.OK() {
		return failure(r)
	}
	v := r.Value()
	result := snapshotResult(v.Snapshot)
	result["token"] = v.Record.Token
	result["product_id"] = v.Record.ProductID
	return success(result)
}

func (h *Harness) deliver(_ context.Context, args map[string]any) (stepOutcome, error) {
	r, err := recordArg(args)
	if err != nil {
		return stepOutcome{}, err
	}
	h.billing.Deliver(r)
	return success(nil), nil
}

func (h *Harness) deliverFailure(_ context.Context, args map[string]any) (stepOutcome, error) {
	code, err := billing.ParseResponseCode(stringArg(args, "code"))
	if err != nil {
		return stepOutcome{}, err
	}
	var records []ir.PurchaseRecord
	if stringArg(args, "product_id") != "" {
		r, err := recordArg(args)
		if err != nil {
			return stepOutcome{}, err
		}
		records = append(records, r)
	}
	h.billing.DeliverFailure(code, stringArg(args, "message"), records...)
	return success(nil), nil
}

func (h *Harness) sweep(ctx context.Context, _ map[string]any) (stepOutcome, error) {
	r, err := wait(ctx, h.engine.Sweep)
	if err != nil {
		return stepOutcome{}, err
	}
	if !r.OK() {
		return failure(r), nil
	}
	report, err := toMap(r.Value())
	if err != nil {
		return stepOutcome{}, err
	}
	return success(report), nil
}

func (h *Harness) restore(ctx context.Context, _ map[string]any) (stepOutcome, error) {
	r, err := wait(ctx, h.engine.Restore)
	if err != nil {
		return stepOutcome{}, err
	}
	return snapshotOutcome(r), nil
}

func (h *Harness) entitlements(ctx context.Context, args map[string]any) (stepOutcome, error) {
	force := boolArg(args, "force")
	r, err := wait(ctx, func(cb engine.Handler[ir.EntitlementSnapshot]) {
		h.engine.GetEntitlements(force, cb)
	})
	if err != nil {
		return stepOutcome{}, err
	}
	return snapshotOutcome(r), nil
}

func (h *Harness) invalidateEntitlements(_ context.Context, _ map[string]any) (stepOutcome, error) {
	h.engine.InvalidateEntitlementsCache()
	return success(nil), nil
}

func snapshotOutcome(r engine.Result[ir.EntitlementSnapshot]) stepOutcome {
	if !r.OK() {
		return failure(r)
	}
	return success(snapshotResult(r.Value()))
}

// snapshotResult decodes the snapshot body. Request dates are left out;
// they only order snapshots.
func snapshotResult(snap ir.EntitlementSnapshot) map[string]any {
	result := map[string]any{"app_user_id": snap.AppUserID}
	if len(snap.Raw) == 0 {
		return result
	}
	body, err := rawToMap(snap.Raw)
	if err != nil {
		result["raw"] = string(snap.Raw)
		return result
	}
	for k, v := range body {
		result[k] = v
	}
	return result
}

func (h *Harness) catalog(ctx context.Context, args map[string]any) (stepOutcome, error) {
	force := boolArg(args, "force")
	r, err := wait(ctx, func(cb engine.Handler[catalog.Offerings]) {
		h.engine.GetCatalog(force, cb)
	})
	if err != nil {
		return stepOutcome{}, err
	}
	if !r.OK() {
		return failure(r), nil
	}

	offerings := r.Value()
	ids := make([]any, 0, len(offerings.Offerings))
	var products []string
	for _, o := range offerings.Offerings {
		ids = append(ids, o.Identifier)
		for _, p := range o.Packages {
			products = append(products, p.Product.ProductID)
		}
	}
	sort.Strings(products)
	return success(map[string]any{
		"current_offering_id": offerings.CurrentOfferingID,
		"offerings":           ids,
		"products":            normalize(products),
	}), nil
}

func (h *Harness) identify(ctx context.Context, args map[string]any) (stepOutcome, error) {
	id := stringArg(args, "app_user_id")
	r, err := wait(ctx, func(cb engine.Handler[string]) {
		h.engine.Identify(id, cb)
	})
	if err != nil {
		return stepOutcome{}, err
	}
	return userOutcome(r), nil
}

func (h *Harness) reset(ctx context.Context, _ map[string]any) (stepOutcome, error) {
	r, err := wait(ctx, h.engine.Reset)
	if err != nil {
		return stepOutcome{}, err
	}
	return userOutcome(r), nil
}

func userOutcome(r engine.Result[string]) stepOutcome {
	if !r.OK() {
		return failure(r)
	}
	return success(map[string]any{"app_user_id": r.Value()})
}

func (h *Harness) setAttributes(ctx context.Context, args map[string]any) (stepOutcome, error) {
	values := make(map[string]string)
	if raw, ok := args["values"].(map[string]any); ok {
		for k, v := range raw {
			values[k] = fmt.Sprint(v)
		}
	}
	r, err := wait(ctx, func(cb engine.Handler[int]) {
		h.engine.SetAttributes(values, cb)
	})
	if err != nil {
		return stepOutcome{}, err
	}
	if !r.OK() {
		return failure(r), nil
	}
	return success(map[string]any{"count": int64(r.Value())}), nil
}

func (h *Harness) postAttribution(ctx context.Context, args map[string]any) (stepOutcome, error) {
	network := stringArg(args, "network")
	data, _ := args["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	r, err := wait(ctx, func(cb engine.Handler[bool]) {
		h.engine.PostAttribution(network, data, cb)
	})
	if err != nil {
		return stepOutcome{}, err
	}
	if !r.OK() {
		return failure(r), nil
	}
	return success(map[string]any{"posted": r.Value()}), nil
}

func (h *Harness) advanceClock(_ context.Context, args map[string]any) (stepOutcome, error) {
	d, err := time.ParseDuration(stringArg(args, "by"))
	if err != nil {
		return stepOutcome{}, fmt.Errorf("advance_clock: %w", err)
	}
	now := h.clock.Advance(d)
	return success(map[string]any{"now": now.Format(time.RFC3339)}), nil
}

// checkExpect compares an outcome against an expect clause. It returns an
// empty string on match.
func checkExpect(out stepOutcome, expect *ExpectClause) string {
	if out.Case != expect.Case {
		return fmt.Sprintf("expected case %s, got %s", expect.Case, out.Case)
	}
	want, _ := normalize(expect.Result).(map[string]any)
	if !matchArgs(out.Result, want) {
		return fmt.Sprintf("expected result %v, got %v", want, out.Result)
	}
	return ""
}

// Argument helpers. Args are normalized, so integers arrive as int64.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func intArg(args map[string]any, key string) int64 {
	n, _ := args[key].(int64)
	return n
}

func stringsArg(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if v == nil {
			out = append(out, "")
			continue
		}
		out = append(out, fmt.Sprint(v))
	}
	return out
}

func purchaseTypeArg(args map[string]any, key string) (ir.PurchaseType, error) {
	return ir.ParsePurchaseType(stringArg(args, key))
}

func optionalPurchaseType(args map[string]any) (ir.PurchaseType, error) {
	if stringArg(args, "type") == "" {
		return "", nil
	}
	return purchaseTypeArg(args, "type")
}

// recordArg builds a purchase record. Type defaults to consumable, state
// to purchased and the purchase time to the fake clock's epoch.
func recordArg(args map[string]any) (ir.PurchaseRecord, error) {
	r := ir.PurchaseRecord{
		Token:              stringArg(args, "token"),
		ProductID:          stringArg(args, "product_id"),
		Type:               ir.PurchaseTypeConsumable,
		PurchaseTimeMillis: testutil.Epoch.UnixMilli() + intArg(args, "time_offset_ms"),
		State:              ir.PurchaseStatePurchased,
		Acknowledged:       boolArg(args, "acknowledged"),
		OfferingID:         stringArg(args, "offering_id"),
	}
	if r.Token == "" || r.ProductID == "" {
		return ir.PurchaseRecord{}, errors.New("token and product_id are required")
	}
	if stringArg(args, "type") != "" {
		t, err := purchaseTypeArg(args, "type")
		if err != nil {
			return ir.PurchaseRecord{}, err
		}
		r.Type = t
	}
	switch state := stringArg(args, "state"); state {
	case "":
	case string(ir.PurchaseStatePurchased), string(ir.PurchaseStatePending), string(ir.PurchaseStateUnspecified):
		r.State = ir.PurchaseState(state)
	default:
		return ir.PurchaseRecord{}, fmt.Errorf("unknown purchase state %q", state)
	}
	return r, nil
}

// backendErrors maps names onto injected backend failures. "ok" lets the
// call succeed.
func backendErrors(names []string) ([]error, error) {
	errs := make([]error, 0, len(names))
	for _, name := range names {
		switch name {
		case "ok":
			errs = append(errs, nil)
		case "unavailable":
			errs = append(errs, backendtest.Unavailable())
		case "invalid_credentials":
			errs = append(errs, backendtest.Rejected(backend.KindInvalidCredentials, 7225))
		case "purchase_invalid":
			errs = append(errs, backendtest.Rejected(backend.KindPurchaseInvalid, 7101))
		case "unexpected_response":
			errs = append(errs, backendtest.Rejected(backend.KindUnexpectedResponse, 0))
		default:
			return nil, fmt.Errorf("unknown backend error %q", name)
		}
	}
	return errs, nil
}
