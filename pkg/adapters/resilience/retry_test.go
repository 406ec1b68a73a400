package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
)

func fastAdapterRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:      maxRetries,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		MaxElapsedTime:  time.Second,
	}
}

func TestRetry_SucceedsImmediately(t *testing.T) {
	var invocations atomic.Int32
	err := Retry(context.Background(), fastAdapterRetryConfig(3), observability.NewNoopLogger(), func() error {
		invocations.Add(1)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(1), invocations.Load())
}

func TestRetry_TransientFailureRecovered(t *testing.T) {
	var invocations atomic.Int32
	err := Retry(context.Background(), fastAdapterRetryConfig(3), nil, func() error {
		if invocations.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), invocations.Load())
}

func TestRetry_BudgetExhausted(t *testing.T) {
	var invocations atomic.Int32
	opErr := errors.New("upstream still down")
	err := Retry(context.Background(), fastAdapterRetryConfig(2), nil, func() error {
		invocations.Add(1)
		return opErr
	})

	require.Error(t, err)
	// MaxRetries counts retries, not invocations: 1 initial + 2 retries
	assert.Equal(t, int32(3), invocations.Load())
	assert.ErrorIs(t, err, opErr)
}

func TestRetry_RetryIfStopsPermanentFailures(t *testing.T) {
	permanentErr := errors.New("mandate malformed")
	config := fastAdapterRetryConfig(5)
	config.RetryIf = func(err error) bool {
		return !errors.Is(err, permanentErr)
	}

	var invocations atomic.Int32
	err := Retry(context.Background(), config, nil, func() error {
		invocations.Add(1)
		return permanentErr
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, permanentErr)
	assert.Equal(t, int32(1), invocations.Load())
}

func TestRetry_ContextCancellationStopsSchedule(t *testing.T) {
	config := RetryConfig{
		MaxRetries:      10,
		InitialInterval: 100 * time.Millisecond,
		MaxElapsedTime:  time.Minute,
	}

	ctx, cancel := context.WithCancel(context.Background())

	var invocations atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, config, nil, func() error {
			invocations.Add(1)
			return errors.New("transient")
		})
	}()

	require.Eventually(t, func() bool {
		return invocations.Load() >= 1
	}, time.Second, time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
	assert.LessOrEqual(t, invocations.Load(), int32(2))
}

func TestRetryWithResult(t *testing.T) {
	var invocations atomic.Int32
	result, err := RetryWithResult(context.Background(), fastAdapterRetryConfig(3), nil, func() (string, error) {
		if invocations.Add(1) < 2 {
			return "", errors.New("transient")
		}
		return "token-bundle", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "token-bundle", result)
	assert.Equal(t, int32(2), invocations.Load())
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()
	assert.Equal(t, 3, config.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, config.InitialInterval)
	assert.Equal(t, 2.0, config.Multiplier)
}
