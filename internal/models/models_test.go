package models

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatus(t *testing.T) {
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailure.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRetrying.Terminal())
	assert.True(t, StatusStarted.Valid())
	assert.False(t, ExecutionStatus("DONE").Valid())
}

func TestExecutionErrorKinds(t *testing.T) {
	cause := errors.New("fork: resource temporarily unavailable")
	err := error(WrapExecutionError(KindTransient, cause))

	assert.Equal(t, KindTransient, KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindRunError, KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))

	e := NewExecutionError(KindRunError, "script exited with non-zero status").WithExitCode(2)
	assert.Equal(t, "RunError: script exited with non-zero status (exit code 2)", e.Error())
	assert.Same(t, e, AsExecutionError(e))
	assert.Equal(t, KindRunError, AsExecutionError(errors.New("x")).Kind)
	assert.Nil(t, AsExecutionError(nil))
}

func TestSummaryQuotesStderrTail(t *testing.T) {
	e := NewExecutionError(KindRunError, "script exited with non-zero status").WithExitCode(1)
	assert.Equal(t, e.Error(), e.Summary())

	e.Stderr = strings.Repeat("noise\n", 200) + "ValueError: boom\n"
	s := e.Summary()
	assert.True(t, strings.HasPrefix(s, e.Error()))
	assert.True(t, strings.HasSuffix(s, "ValueError: boom"))
	assert.Less(t, len(s), len(e.Error())+stderrSnippetLen+8)
}

func TestView(t *testing.T) {
	rec := &ExecutionRecord{ID: "e1", TaskHandle: "h1", Status: StatusStarted}
	v := rec.View()
	assert.False(t, v.Ready)
	assert.Nil(t, v.Success)

	rec.Status = StatusFailure
	rec.Error = &ExecutionError{Kind: KindCancelled, Message: "cancelled while running"}
	v = rec.View()
	assert.True(t, v.Ready)
	require.NotNil(t, v.Success)
	assert.False(t, *v.Success)
	assert.Equal(t, KindCancelled, v.ErrorKind)
	assert.Contains(t, *v.Error, "Cancelled")
	assert.Nil(t, v.Result)

	rec.Status = StatusSuccess
	rec.Result = &ExecutionResult{Status: "success", Message: "hi"}
	v = rec.View()
	assert.True(t, *v.Success)
	assert.Nil(t, v.Error, "errors from earlier attempts are hidden once successful")
	assert.Equal(t, "hi", v.Result.Message)
}
