package harness

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/receipts/internal/billing/billingtest"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			if event.Type == EventCall {
				fmt.Fprintf(&buf, "  [%d] step %d %s %v\n", event.Seq, event.Step, event.Action, event.Args)
			}
		}
	}
	return buf.String()
}

// assertTraceContains checks that a call matching the action and args
// (subset match) was made.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	want, _ := normalize(assertion.Args).(map[string]any)
	for _, event := range trace {
		if event.Type == EventCall && event.Action == assertion.Action && matchArgs(event.Args, want) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("call %s with args %v", assertion.Action, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first call of each action appears in the
// given order. Other calls may sit in between.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if event.Type != EventCall {
			continue
		}
		if _, ok := positions[event.Action]; !ok {
			positions[event.Action] = i + 1
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all calls present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing call: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev := assertion.Actions[i-1]
		curr := assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("calls in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks the number of calls matching the action and args.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	want, _ := normalize(assertion.Args).(map[string]any)
	count := 0
	for _, event := range trace {
		if event.Type == EventCall && event.Action == assertion.Action && matchArgs(event.Args, want) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d calls of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d calls", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks the cache summary of the current user
// (subset match).
func assertFinalState(state map[string]any, assertion Assertion) error {
	return assertFields(AssertFinalState, "cache", state, assertion.Expect)
}

// assertStoreActive checks whether a token is still active in the billing
// store and its acknowledgement flag. Keys: active, acknowledged.
func assertStoreActive(store *billingtest.Store, assertion Assertion) error {
	actual := map[string]any{"active": false, "acknowledged": false}
	if r, ok := store.Active(assertion.Token); ok {
		actual["active"] = true
		actual["acknowledged"] = r.Acknowledged
	}
	return assertFields(AssertStoreActive, "token "+assertion.Token, actual, assertion.Expect)
}

func assertFields(kind, subject string, actual, expect map[string]any) error {
	want, _ := normalize(expect).(map[string]any)

	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		got, exists := actual[key]
		if !exists {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s field %q to exist", subject, key),
				Actual:   fmt.Sprintf("fields present: %v", sortedKeys(actual)),
			}
		}
		if !valuesEqual(got, want[key]) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s field %q = %v", subject, key, want[key]),
				Actual:   fmt.Sprintf("%s field %q = %v", subject, key, got),
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// matchArgs checks if actual contains all expected keys with equal values
// (subset match). Extra keys in actual are ignored.
func matchArgs(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, exists := actual[key]
		if !exists || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares two normalized values.
func valuesEqual(actual, expected any) bool {
	return reflect.DeepEqual(normalize(actual), normalize(expected))
}

// AssertionContext provides the fakes assertions inspect.
type AssertionContext struct {
	Billing *billingtest.Store
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			err = assertFinalState(result.State, assertion)
		case AssertStoreActive:
			if actx == nil || actx.Billing == nil {
				err = fmt.Errorf("assertion[%d]: store_active requires a billing store", i)
			} else {
				err = assertStoreActive(actx.Billing, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
