package billing

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseCode_String(t *testing.T) {
	assert.Equal(t, "OK", CodeOK.String())
	assert.Equal(t, "ITEM_ALREADY_OWNED", CodeItemAlreadyOwned.String())
	assert.Equal(t, "UNKNOWN(99)", ResponseCode(99).String())
}

func TestResponseCode_TextRoundTrip(t *testing.T) {
	for code := range codeNames {
		b, err := json.Marshal(code)
		require.NoError(t, err)

		var got ResponseCode
		require.NoError(t, json.Unmarshal(b, &got))
		assert.Equal(t, code, got)
	}
}

func TestResponseCode_UnmarshalUnknown(t *testing.T) {
	var c ResponseCode
	err := json.Unmarshal([]byte(`"NOPE"`), &c)
	assert.Error(t, err)
}

func TestResponseCode_Retryable(t *testing.T) {
	retryable := map[ResponseCode]bool{
		CodeServiceDisconnected: true,
		CodeServiceUnavailable:  true,
		CodeError:               true,
	}
	for code := range codeNames {
		assert.Equal(t, retryable[code], code.Retryable(), code.String())
	}
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("consume: %w", NewError(CodeItemNotOwned, "gone"))

	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, CodeItemNotOwned, code)
	assert.Contains(t, err.Error(), "ITEM_NOT_OWNED: gone")

	_, ok = CodeOf(fmt.Errorf("plain"))
	assert.False(t, ok)
}
