package params

import (
	"bytes"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/scriptd/internal/xjson"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []map[string]any{
		{},
		{"greeting": "hi"},
		{"n": 3.5, "ok": true, "none": nil},
		{"list": []any{"a", 1.0, false}, "nested": map[string]any{"k": []any{map[string]any{"x": "y"}}}},
		{"unicode": "héllo 世界", "quote": `"quoted" \ back`},
		{"user_id": xjson.Number("9007199254740993"), "min": xjson.Number("-9223372036854775807")},
		{"big": xjson.Number("123456789012345678901234567890"), "ids": []any{xjson.Number("18446744073709551615"), 2.0}},
	}
	for _, p := range cases {
		blob, err := Encode(p)
		require.NoError(t, err)
		got, err := Decode(blob)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestLargeIntegersSurviveTransport(t *testing.T) {
	const blob = `{"user_id":9007199254740993,"small":42,"ratio":0.25}`
	got, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, xjson.Number("9007199254740993"), got["user_id"])
	assert.Equal(t, 42.0, got["small"])
	assert.Equal(t, 0.25, got["ratio"])

	again, err := Encode(got)
	require.NoError(t, err)
	assert.JSONEq(t, blob, again)
	assert.Contains(t, again, `"user_id":9007199254740993`)
}

func TestEncodeRejectsUnserializable(t *testing.T) {
	_, err := Encode(map[string]any{"ch": make(chan int)})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = Encode(map[string]any{"nan": math.NaN()})
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestEncodeNil(t *testing.T) {
	blob, err := Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", blob)
}

func TestDecodeEdges(t *testing.T) {
	for _, blob := range []string{"", "  ", "null"} {
		got, err := Decode(blob)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	_, err := Decode("[1,2]")
	assert.ErrorIs(t, err, ErrInvalidParameters)
	_, err = Decode("{broken")
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestEnviron(t *testing.T) {
	base := []string{"PATH=/usr/bin", "SCRIPT_NAME=stale", "HOME=/root"}
	env := Environ(base, `{"a":1}`, Invocation{ContextTag: "/reports", ScriptName: "echo", ExecutionID: "e-1"})

	assert.Contains(t, env, "PATH=/usr/bin")
	assert.Contains(t, env, "HOME=/root")
	assert.Contains(t, env, `SCRIPT_PARAMETERS={"a":1}`)
	assert.Contains(t, env, "PAGE_CONTEXT=/reports")
	assert.Contains(t, env, "SCRIPT_NAME=echo")
	assert.Contains(t, env, "EXECUTION_ID=e-1")
	assert.NotContains(t, env, "SCRIPT_NAME=stale")
}

func TestFromEnv(t *testing.T) {
	vars := map[string]string{
		EnvParameters:  `{"greeting":"hi"}`,
		EnvContextTag:  "/home",
		EnvScriptName:  "echo_test",
		EnvExecutionID: "abc",
	}
	inv := FromEnv(lookupIn(vars), nil)
	assert.Equal(t, map[string]any{"greeting": "hi"}, inv.Parameters)
	assert.Equal(t, "/home", inv.ContextTag)
	assert.Equal(t, "echo_test", inv.ScriptName)
	assert.Equal(t, "abc", inv.ExecutionID)
}

func TestFromEnvMalformedDegradesToEmpty(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	inv := FromEnv(lookupIn(map[string]string{EnvParameters: "not json"}), logger)
	assert.NotNil(t, inv.Parameters)
	assert.Empty(t, inv.Parameters)
	assert.True(t, strings.Contains(buf.String(), "ignoring malformed script parameters"))
}

func lookupIn(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}
