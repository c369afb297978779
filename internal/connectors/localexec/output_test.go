package localexec

import (
	"testing"
	"time"

	"github.com/fentz26/scriptd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutput(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("object keeps script fields", func(t *testing.T) {
		res, err := ParseOutput(`{"status":"success","message":"done","script_name":"custom","data":{"rows":3}}`, "", "report", at, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "done", res.Message)
		assert.Equal(t, "custom", res.Data["script_name"])
		assert.Equal(t, "2024-05-01T12:00:00Z", res.Data["execution_time"])
		assert.Equal(t, map[string]any{"rows": 3.0}, res.Data["data"])
		assert.Equal(t, 1.0, res.Metadata.Duration)
	})

	t.Run("surrounding whitespace", func(t *testing.T) {
		res, err := ParseOutput("\n  {\"message\":\"x\"}  \n", "", "report", at, 0)
		require.NoError(t, err)
		assert.Equal(t, "x", res.Message)
		assert.Equal(t, "success", res.Data["status"])
	})

	t.Run("non-object json is text", func(t *testing.T) {
		for _, out := range []string{"[1,2,3]", "42", `"str"`, "null"} {
			res, err := ParseOutput(out, "", "report", at, 0)
			require.NoError(t, err)
			assert.Equal(t, "text", res.Data["type"], out)
			assert.Equal(t, out, res.Data["content"], out)
		}
	})

	t.Run("log lines before json are text", func(t *testing.T) {
		out := "starting\n{\"status\":\"success\"}\n"
		res, err := ParseOutput(out, "", "report", at, 0)
		require.NoError(t, err)
		assert.Equal(t, out, res.Data["content"])
	})

	t.Run("error status", func(t *testing.T) {
		_, err := ParseOutput(`{"status":"error"}`, "trace", "report", at, 0)
		require.Error(t, err)
		assert.Equal(t, models.KindScriptError, models.KindOf(err))
		assert.Contains(t, err.Error(), "script reported an error")
	})

	t.Run("other status passes", func(t *testing.T) {
		res, err := ParseOutput(`{"status":"warning","message":"partial"}`, "", "report", at, 0)
		require.NoError(t, err)
		assert.Equal(t, "success", res.Status)
		assert.Equal(t, "warning", res.Data["status"])
	})
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("abc", 10))
	assert.Equal(t, "bc", tail("abc", 2))
	assert.Equal(t, "abc", tail("abc", 0))
}
