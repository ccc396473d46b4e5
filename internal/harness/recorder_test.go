package harness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"int", 3, int64(3)},
		{"integral float", 3.0, int64(3)},
		{"fractional float", 2.5, 2.5},
		{"json integer", json.Number("42"), int64(42)},
		{"json fraction", json.Number("0.5"), 0.5},
		{"string slice", []string{"a", "b"}, []any{"a", "b"}},
		{"nested", map[string]any{"n": 1, "l": []any{2.0}}, map[string]any{"n": int64(1), "l": []any{int64(2)}}},
		{"string map", map[string]string{"k": "v"}, map[string]any{"k": "v"}},
		{"bool", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalize(tt.in))
		})
	}
}

func TestRecorder_DrainSortsByActionThenArgs(t *testing.T) {
	rec := &recorder{}
	rec.record("billing.query_active", map[string]any{"type": "subscription"})
	rec.record("backend.post_receipt", map[string]any{"token": "c2"})
	rec.record("billing.query_active", map[string]any{"type": "consumable"})
	rec.record("backend.post_receipt", map[string]any{"token": "c1"})

	calls := rec.drain()
	require.Len(t, calls, 4)

	got := make([]string, len(calls))
	for i, c := range calls {
		got[i] = c.action + " " + c.key
	}
	assert.Equal(t, []string{
		`backend.post_receipt {"token":"c1"}`,
		`backend.post_receipt {"token":"c2"}`,
		`billing.query_active {"type":"consumable"}`,
		`billing.query_active {"type":"subscription"}`,
	}, got)

	assert.Empty(t, rec.drain())
}

func TestRecorder_Seen(t *testing.T) {
	rec := &recorder{}
	rec.record("billing.launch", map[string]any{"app_user_id": "u", "product_id": "p1"})

	assert.True(t, rec.seen("billing.launch", map[string]any{"product_id": "p1"}))
	assert.False(t, rec.seen("billing.launch", map[string]any{"product_id": "p2"}))

	rec.drain()
	assert.False(t, rec.seen("billing.launch", map[string]any{"product_id": "p1"}))
}

func TestToMap_NormalizesNumbers(t *testing.T) {
	m, err := toMap(struct {
		Count int    `json:"count"`
		Name  string `json:"name"`
	}{Count: 7, Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": int64(7), "name": "x"}, m)
}
