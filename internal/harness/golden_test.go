package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Golden files live in testdata/golden. Regenerate with:
//
//	go test ./internal/harness -run TestGolden -update
func TestGolden_SubscriptionPurchase(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/subscription_purchase.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestGolden_SweepPostsUnsent(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/sweep_posts_unsent.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestMarshalSnapshot_IsCanonical(t *testing.T) {
	result := NewResult()
	result.AddCallTrace(0, "billing.consume", map[string]any{"token": "c1"}, 1)
	result.AddCompletionTrace(0, "sweep", CaseSuccess, map[string]any{"posted": int64(1)}, 2)
	result.State = map[string]any{"sent_tokens": int64(1)}

	got, err := MarshalSnapshot("example", result)
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"example","state":{"sent_tokens":1},"trace":[`+
			`{"action":"billing.consume","args":{"token":"c1"},"seq":1,"step":0,"type":"call"},`+
			`{"action":"sweep","case":"Success","result":{"posted":1},"seq":2,"step":0,"type":"completion"}]}`,
		string(got))
}
