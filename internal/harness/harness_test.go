package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CheckedInScenarios(t *testing.T) {
	files, err := ExpandPaths([]string{"testdata/scenarios"})
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(context.Background(), scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
		})
	}
}

func TestRun_TraceEndsEachStepWithCompletion(t *testing.T) {
	scenario := &Scenario{
		Name:        "sweep_then_entitlements",
		Description: "Two steps",
		AppUserID:   "user-1",
		Flow: []FlowStep{
			{Invoke: "sweep", Args: map[string]any{}},
			{Invoke: "entitlements", Args: map[string]any{"force": true}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Action: "backend.get_entitlements", Count: 1},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	var completions []TraceEvent
	for i, event := range result.Trace {
		assert.Equal(t, int64(i+1), event.Seq)
		if event.Type == EventCompletion {
			completions = append(completions, event)
		}
	}
	require.Len(t, completions, 2)
	assert.Equal(t, "sweep", completions[0].Action)
	assert.Equal(t, "entitlements", completions[1].Action)
	assert.Equal(t, EventCompletion, result.Trace[len(result.Trace)-1].Type)

	assert.Equal(t, "user-1", result.State["app_user_id"])
	assert.Equal(t, true, result.State["has_entitlements"])
}

func TestRun_ExpectMismatchFailsScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_expectation",
		Description: "Sweep reports nothing to post",
		AppUserID:   "user-1",
		Flow: []FlowStep{
			{
				Invoke: "sweep",
				Args:   map[string]any{},
				Expect: &ExpectClause{Case: CaseSuccess, Result: map[string]any{"posted": 1}},
			},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Action: "billing.launch", Count: 0},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "flow[0] sweep: expected result")
}

func TestRun_FailedAssertionFailsScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "failed_assertion",
		Description: "Nothing is posted by an empty sweep",
		AppUserID:   "user-1",
		Flow:        []FlowStep{{Invoke: "sweep", Args: map[string]any{}}},
		Assertions: []Assertion{
			{Type: AssertTraceContains, Action: "backend.post_receipt"},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Assertion failed: trace_contains")
}

func TestRun_SetupErrorIsReturned(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_setup",
		Description: "Unknown response code",
		Setup: []ActionStep{
			{Action: "billing.fail_launch", Args: map[string]any{"code": "TEAPOT"}},
		},
		Flow:       []FlowStep{{Invoke: "sweep"}},
		Assertions: []Assertion{{Type: AssertTraceCount, Action: "billing.launch", Count: 0}},
	}

	_, err := Run(context.Background(), scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute setup")
}

func TestRun_LaunchFailureResolvesPurchase(t *testing.T) {
	scenario := &Scenario{
		Name:        "launch_failure",
		Description: "The store refuses to show the purchase sheet",
		AppUserID:   "user-1",
		Setup: []ActionStep{
			{Action: "billing.fail_launch", Args: map[string]any{"code": "BILLING_UNAVAILABLE"}},
		},
		Flow: []FlowStep{
			{Invoke: "purchase", Args: map[string]any{"product_id": "coins_100"}},
			{
				Invoke: "await_purchase",
				Args:   map[string]any{"product_id": "coins_100"},
				Expect: &ExpectClause{Case: "STORE_PROBLEM"},
			},
		},
		Assertions: []Assertion{{Type: AssertTraceCount, Action: "billing.launch", Count: 1}},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_BackendOutageLeavesTokenForSweep(t *testing.T) {
	scenario := &Scenario{
		Name:        "backend_outage",
		Description: "A failed post is retried by the next sweep",
		AppUserID:   "user-1",
		Setup: []ActionStep{
			{Action: "backend.queue_post_errors", Args: map[string]any{"errors": []any{"unavailable"}}},
		},
		Flow: []FlowStep{
			{Invoke: "deliver", Args: map[string]any{"token": "c1", "product_id": "coins_100"}},
			{
				Invoke: "sweep",
				Args:   map[string]any{},
				Expect: &ExpectClause{Case: CaseSuccess, Result: map[string]any{"posted": 1, "confirmed": 1}},
			},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Action: "backend.post_receipt", Count: 2},
			{Type: AssertTraceCount, Action: "billing.consume", Count: 1},
			{Type: AssertFinalState, Expect: map[string]any{"sent_tokens": 1}},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunSuite(t *testing.T) {
	result, err := RunSuite(context.Background(), []string{"testdata/scenarios"})
	require.NoError(t, err)

	assert.Positive(t, result.Total)
	assert.Equal(t, result.Total, result.Passed)
	assert.Zero(t, result.Failed)
	assert.Empty(t, result.Failures)
}

func TestRunSuite_ReportsLoadFailures(t *testing.T) {
	path := writeScenario(t, "name: broken\n")

	result, err := RunSuite(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0].Error, "failed to load scenario")
}

func TestRunSuite_MissingPath(t *testing.T) {
	_, err := RunSuite(context.Background(), []string{"testdata/nope"})
	require.Error(t, err)

	var notFound *ScenarioNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "testdata/nope", notFound.Path)
}
