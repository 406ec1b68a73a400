package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandate-mesh/mandate-mesh/pkg/resilience"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mandate-mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := LoadFile(writeConfigFile(t, "service:\n  name: mandate-mesh\n"))
	require.NoError(t, err)

	assert.Equal(t, "mandate-mesh", cfg.Service.Name)
	assert.Equal(t, 8086, cfg.Service.Port)
	assert.Equal(t, 30*time.Second, cfg.Service.ShutdownTimeout)
	assert.True(t, cfg.Observability.Metrics.Enabled)

	// Every shipped collaborator gets a tuned profile
	for _, name := range []string{
		CollaboratorIdentityProvider,
		CollaboratorTokenStore,
		CollaboratorRevocationRegistry,
		CollaboratorAuditSink,
		CollaboratorAttestationService,
	} {
		profile, ok := cfg.Resilience.Profiles[name]
		require.True(t, ok, "missing default profile for %s", name)
		assert.True(t, profile.CircuitBreaker.Enabled)
		assert.True(t, profile.Retry.Enabled)
		assert.True(t, profile.Timeout.Enabled)
		assert.True(t, profile.Bulkhead.Enabled)
		assert.True(t, profile.RateLimiter.Enabled)
		assert.Greater(t, profile.Timeout.Timeout, time.Duration(0))
	}

	// Spot-check one tuned value
	attestation := cfg.Resilience.Profiles[CollaboratorAttestationService]
	assert.Equal(t, 30*time.Second, attestation.Timeout.Timeout)
	assert.Equal(t, 10, attestation.Bulkhead.MaxConcurrent)
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	cfg, err := LoadFile(writeConfigFile(t, `
service:
  port: 9999
  log_level: debug
resilience:
  profiles:
    identity_provider:
      circuit_breaker:
        enabled: true
        failure_threshold: 2
        reset_timeout: 5s
      timeout:
        enabled: true
        timeout: 750ms
keyed_limits:
  issuance:
    type: sliding_window
    max_requests: 10
    window: 1m
`))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Service.Port)
	assert.Equal(t, "debug", cfg.Service.LogLevel)

	profile := cfg.Resilience.Profiles[CollaboratorIdentityProvider]
	assert.Equal(t, 2, profile.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 5*time.Second, profile.CircuitBreaker.ResetTimeout)
	assert.Equal(t, 750*time.Millisecond, profile.Timeout.Timeout)

	issuance, ok := cfg.KeyedLimits["issuance"]
	require.True(t, ok)
	assert.Equal(t, "sliding_window", issuance.Type)
	assert.Equal(t, 10, issuance.MaxRequests)
	assert.Equal(t, time.Minute, issuance.Window)
}

func TestLoadFile_EnvOverride(t *testing.T) {
	t.Setenv("MANDATE_MESH_SERVICE_PORT", "7070")

	cfg, err := LoadFile(writeConfigFile(t, "service:\n  name: mandate-mesh\n"))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Service.Port)
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadFile_InvalidPort(t *testing.T) {
	_, err := LoadFile(writeConfigFile(t, "service:\n  port: -1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid service port")
}

func TestLoadFile_UnknownKeyedLimitType(t *testing.T) {
	_, err := LoadFile(writeConfigFile(t, `
keyed_limits:
  issuance:
    type: leaky_bucket
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leaky_bucket")
}

func TestProfile_FallbackForUnknownCollaborator(t *testing.T) {
	cfg := &Config{}
	profile := cfg.Profile("brand-new-upstream")

	assert.True(t, profile.CircuitBreaker.Enabled)
	assert.True(t, profile.Retry.Enabled)
	assert.True(t, profile.Timeout.Enabled)
	assert.True(t, profile.Bulkhead.Enabled)
	assert.True(t, profile.RateLimiter.Enabled)
}

func TestProfileConfig_BuildComposesEnabledGuards(t *testing.T) {
	profile := ProfileConfig{
		CircuitBreaker: CircuitBreakerProfile{Enabled: true, FailureThreshold: 2, ResetTimeout: time.Minute},
		Timeout:        TimeoutProfile{Enabled: true, Timeout: time.Second},
		Bulkhead:       BulkheadProfile{Enabled: true, MaxConcurrent: 4},
	}

	executor := profile.Build("identity_provider", nil, nil)
	defer func() { _ = executor.Close() }()

	assert.NotNil(t, executor.CircuitBreaker())
	assert.NotNil(t, executor.Bulkhead())
	assert.Nil(t, executor.RateLimiter(), "rate limiter was not enabled")

	result, err := executor.Execute(context.Background(), func(context.Context) (interface{}, error) {
		return "verified", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "verified", result)
}

func TestProfileConfig_BuildBreakerTripsAtConfiguredThreshold(t *testing.T) {
	profile := ProfileConfig{
		CircuitBreaker: CircuitBreakerProfile{Enabled: true, FailureThreshold: 2, ResetTimeout: time.Minute},
	}

	executor := profile.Build("revocation_registry", nil, nil)
	defer func() { _ = executor.Close() }()

	opErr := errors.New("registry unreachable")
	for i := 0; i < 2; i++ {
		_, err := executor.Execute(context.Background(), func(context.Context) (interface{}, error) {
			return nil, opErr
		})
		require.ErrorIs(t, err, opErr)
	}

	_, err := executor.Execute(context.Background(), func(context.Context) (interface{}, error) {
		t.Fatal("open breaker must not invoke the operation")
		return nil, nil
	})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestProfileConfig_BuildWithNoGuardsIsPassthrough(t *testing.T) {
	executor := ProfileConfig{}.Build("bare", nil, nil)
	defer func() { _ = executor.Close() }()

	result, err := executor.Execute(context.Background(), func(context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}
