package xjson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalNumbers(t *testing.T) {
	var m map[string]any
	require.NoError(t, UnmarshalNumbers([]byte(`{"id":9007199254740993,"n":7,"f":1.5,"e":1e3,"list":[18446744073709551616,2],"obj":{"x":-9007199254740993}}`), &m))

	assert.Equal(t, Number("9007199254740993"), m["id"])
	assert.Equal(t, 7.0, m["n"])
	assert.Equal(t, 1.5, m["f"])
	assert.Equal(t, 1000.0, m["e"])
	assert.Equal(t, []any{Number("18446744073709551616"), 2.0}, m["list"])
	assert.Equal(t, map[string]any{"x": Number("-9007199254740993")}, m["obj"])

	out, err := Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"id":9007199254740993`)
	assert.Contains(t, string(out), `18446744073709551616`)
}

func TestUnmarshalNumbersRejectsBadInput(t *testing.T) {
	var m map[string]any
	assert.Error(t, UnmarshalNumbers([]byte(`{"a":1} trailing`), &m))
	assert.Error(t, UnmarshalNumbers([]byte(`{"a":`), &m))
	assert.Error(t, UnmarshalNumbers([]byte(`[1,2]`), &m))
}

func TestUnmarshalNumbersScalar(t *testing.T) {
	var v any
	require.NoError(t, UnmarshalNumbers([]byte(`12345678901234567890`), &v))
	assert.Equal(t, Number("12345678901234567890"), v)

	require.NoError(t, UnmarshalNumbers([]byte(`3`), &v))
	assert.Equal(t, 3.0, v)
}
