package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/scriptd/internal/models"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	transient := models.NewExecutionError(models.KindTransient, "spawn failed")

	for n := 0; n < 3; n++ {
		d, ok := p.Next(transient, n)
		require.True(t, ok, "retry %d", n+1)
		assert.Equal(t, 60*time.Second, d)
	}
	_, ok := p.Next(transient, 3)
	assert.False(t, ok, "budget spent")
}

func TestRetryPolicyFinalKinds(t *testing.T) {
	p := DefaultRetryPolicy()
	for _, kind := range []models.ErrorKind{
		models.KindRunError,
		models.KindTimeout,
		models.KindCancelled,
		models.KindScriptError,
		models.KindNotFound,
		models.KindInvalidParameters,
		models.KindUnsupportedType,
	} {
		_, ok := p.Next(models.NewExecutionError(kind, "x"), 0)
		assert.False(t, ok, "%s must not retry", kind)
	}
	_, ok := p.Next(errors.New("untyped"), 0)
	assert.False(t, ok)
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(time.Second, 5*time.Second)
	assert.Equal(t, time.Second, b(1))
	assert.Equal(t, 2*time.Second, b(2))
	assert.Equal(t, 4*time.Second, b(3))
	assert.Equal(t, 5*time.Second, b(4))
	assert.Equal(t, 5*time.Second, b(10))
}

func TestNewRetryPolicy(t *testing.T) {
	p, err := NewRetryPolicy(5, StrategyExponential, 100*time.Millisecond, time.Second)
	require.NoError(t, err)
	d, ok := p.Next(models.NewExecutionError(models.KindTransient, "x"), 1)
	require.True(t, ok)
	assert.Equal(t, 200*time.Millisecond, d)

	p, err = NewRetryPolicy(1, "", 30*time.Second, 0)
	require.NoError(t, err)
	d, ok = p.Next(models.NewExecutionError(models.KindTransient, "x"), 0)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	_, err = NewRetryPolicy(1, "fibonacci", time.Second, 0)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := &Config{Workers: 0, MaxJobsPerWorker: -1, LeaseTTL: time.Millisecond}
	err := bad.Validate()
	require.Error(t, err)
	for _, want := range []string{"workers", "max_jobs_per_worker", "poll_interval", "lease_ttl", "watchdog_interval"} {
		assert.Contains(t, err.Error(), want)
	}
	assert.Equal(t, 20*time.Second, DefaultConfig().heartbeat())
}
