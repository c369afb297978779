package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/params"
	"github.com/fentz26/scriptd/internal/xjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFlags(t *testing.T) {
	t.Helper()
	saved := execFlags
	t.Cleanup(func() { execFlags = saved })
	execFlags.scriptID = 0
	execFlags.scriptPath = ""
	execFlags.paramsJSON = ""
}

func withAPI(t *testing.T, h http.Handler) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	saved := apiAddr
	apiAddr = srv.URL
	t.Cleanup(func() { apiAddr = saved })
}

func TestBuildSubmitRequest(t *testing.T) {
	withFlags(t)
	execFlags.paramsJSON = `{"greeting":"hello","count":1}`

	req, err := buildSubmitRequest([]string{"echo_test", "count=2", "dry_run=true"})
	require.NoError(t, err)
	assert.Equal(t, "echo_test", req.Name)
	assert.Equal(t, map[string]any{"greeting": "hello", "count": float64(2), "dry_run": true}, req.Parameters)
}

func TestBuildSubmitRequestByID(t *testing.T) {
	withFlags(t)
	execFlags.scriptID = 7

	req, err := buildSubmitRequest([]string{"x=1"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), req.ID)
	assert.Empty(t, req.Name)
	assert.Equal(t, float64(1), req.Parameters["x"])
}

func TestBuildSubmitRequestErrors(t *testing.T) {
	withFlags(t)
	_, err := buildSubmitRequest(nil)
	assert.ErrorContains(t, err, "script name, --id or --path is required")

	_, err = buildSubmitRequest([]string{"echo_test", "bare"})
	assert.ErrorIs(t, err, params.ErrInvalidParameters)

	execFlags.paramsJSON = "[1,2]"
	_, err = buildSubmitRequest([]string{"echo_test"})
	assert.ErrorIs(t, err, params.ErrInvalidParameters)
}

func TestAPIErrorDecoding(t *testing.T) {
	withAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"script not found","kind":"NotFound"}`))
	}))

	err := apiGet("/scripts/9999", nil)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "NotFound", apiErr.Kind)
	assert.Equal(t, "NotFound (404): script not found", err.Error())
}

func TestWaitForExecution(t *testing.T) {
	var polls atomic.Int32
	withAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "exec-1", r.URL.Query().Get("execution_id"))
		view := models.StatusView{ExecutionID: "exec-1", Status: models.StatusStarted}
		if polls.Add(1) >= 3 {
			ok := true
			view.Status, view.Ready, view.Success = models.StatusSuccess, true, &ok
		}
		_ = xjson.NewEncoder(w).Encode(view)
	}))

	view, err := waitForExecution(context.Background(), "exec-1", 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, view.Ready)
	assert.Equal(t, int32(3), polls.Load())
}

func TestWaitForExecutionTimeout(t *testing.T) {
	withAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = xjson.NewEncoder(w).Encode(models.StatusView{ExecutionID: "exec-1", Status: models.StatusPending})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	view, err := waitForExecution(ctx, "exec-1", 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, view)
	assert.Equal(t, models.StatusPending, view.Status)
}
