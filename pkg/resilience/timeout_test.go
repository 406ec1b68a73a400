package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
)

func newTestTimeout(config TimeoutConfig) *TimeoutGuard {
	return NewTimeoutGuard("test", config, observability.NewNoopLogger(), newMockMetricsClient())
}

func TestNewTimeoutGuard_Defaults(t *testing.T) {
	g := newTestTimeout(TimeoutConfig{})
	assert.Equal(t, 30*time.Second, g.Timeout())

	g = newTestTimeout(TimeoutConfig{Timeout: time.Second, GracePeriod: -1})
	assert.Equal(t, time.Second, g.Timeout())
	assert.Equal(t, time.Duration(0), g.config.GracePeriod)
}

func TestTimeoutGuard_FastOperationPassesThrough(t *testing.T) {
	g := newTestTimeout(TimeoutConfig{Timeout: time.Second})

	result, err := g.Execute(context.Background(), func(context.Context) (interface{}, error) {
		return "verified", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "verified", result)
}

func TestTimeoutGuard_OperationErrorIdentityPreserved(t *testing.T) {
	g := newTestTimeout(TimeoutConfig{Timeout: time.Second})

	sentinel := errors.New("attestation mismatch")
	_, err := g.Execute(context.Background(), func(context.Context) (interface{}, error) {
		return nil, sentinel
	})
	assert.Same(t, sentinel, err)
}

func TestTimeoutGuard_SlowOperationTimesOut(t *testing.T) {
	g := newTestTimeout(TimeoutConfig{Timeout: 30 * time.Millisecond})

	start := time.Now()
	_, err := g.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, "test", timeoutErr.Operation)
	assert.Equal(t, 30*time.Millisecond, timeoutErr.Timeout)
}

func TestTimeoutGuard_GracePeriodAllowsLateResult(t *testing.T) {
	g := newTestTimeout(TimeoutConfig{
		Timeout:     20 * time.Millisecond,
		GracePeriod: 100 * time.Millisecond,
	})

	// Finishes after the deadline but inside the grace period. The operation
	// ignores its context on purpose.
	result, err := g.Execute(context.Background(), func(context.Context) (interface{}, error) {
		time.Sleep(50 * time.Millisecond)
		return "late but accepted", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "late but accepted", result)
}

func TestTimeoutGuard_GracePeriodExpires(t *testing.T) {
	g := newTestTimeout(TimeoutConfig{
		Timeout:     20 * time.Millisecond,
		GracePeriod: 20 * time.Millisecond,
	})

	_, err := g.Execute(context.Background(), func(context.Context) (interface{}, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	})
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestTimeoutGuard_OnTimeoutCallbackFires(t *testing.T) {
	fired := make(chan struct{})
	g := newTestTimeout(TimeoutConfig{
		Timeout: 20 * time.Millisecond,
		OnTimeout: func(name string, timeout time.Duration) {
			assert.Equal(t, "test", name)
			assert.Equal(t, 20*time.Millisecond, timeout)
			close(fired)
		},
	})

	_, err := g.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err)

	select {
	case <-fired:
	default:
		t.Fatal("timeout callback did not fire")
	}
}

func TestTimeoutGuard_OnTimeoutPanicIsolated(t *testing.T) {
	g := newTestTimeout(TimeoutConfig{
		Timeout: 20 * time.Millisecond,
		OnTimeout: func(string, time.Duration) {
			panic("callback bug")
		},
	})

	assert.NotPanics(t, func() {
		_, err := g.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		assert.True(t, errors.Is(err, ErrTimeout))
	})
}

func TestTimeoutGuard_OnTimeoutNotFiredOnSuccess(t *testing.T) {
	g := newTestTimeout(TimeoutConfig{
		Timeout: time.Second,
		OnTimeout: func(string, time.Duration) {
			t.Error("callback must not fire for a completed operation")
		},
	})

	_, err := g.Execute(context.Background(), func(context.Context) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)
}

func TestTimeoutGuard_ParentCancellationIsNotATimeout(t *testing.T) {
	g := newTestTimeout(TimeoutConfig{Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := g.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestTimeoutGuard_ContextAlreadyCanceled(t *testing.T) {
	g := newTestTimeout(TimeoutConfig{Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	invoked := false
	_, err := g.Execute(ctx, func(context.Context) (interface{}, error) {
		invoked = true
		return nil, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, invoked)
}
