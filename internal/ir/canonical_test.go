package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int", -100, "-100"},
		{"bool", true, "true"},
		{"empty array", []int{}, "[]"},
		{"empty object", map[string]int{}, "{}"},
		{"whole float", 1.0, "1"},
		{"html characters unescaped", "<a&b>", `"<a&b>"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortsStructFields(t *testing.T) {
	v := struct {
		Network string `json:"network"`
		AppUser string `json:"app_user_id"`
	}{"adjust", "user-1"}

	result, err := MarshalCanonical(v)
	require.NoError(t, err)
	assert.Equal(t, `{"app_user_id":"user-1","network":"adjust"}`, string(result))
}

func TestMarshalCanonicalCompactsRawMessages(t *testing.T) {
	raw := json.RawMessage(`{ "z": 1, "a": [1, 2] }`)

	result, err := MarshalCanonical(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2],"z":1}`, string(result))
}

func TestMarshalCanonicalEquivalentInputsMatch(t *testing.T) {
	a, err := MarshalCanonical(json.RawMessage(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := MarshalCanonical(map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestMarshalCanonicalErrors(t *testing.T) {
	_, err := MarshalCanonical(nil)
	assert.Error(t, err)

	_, err = MarshalCanonical(make(chan int))
	assert.ErrorContains(t, err, "canonical pre-marshal")
}
