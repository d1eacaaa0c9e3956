package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandbooks/runbox/pkg/hopx"
)

func newTestManager(f *fakeFactory, clk *fakeClock) (*Manager, *Breaker) {
	b := NewBreaker(3, 30*time.Second, clk)
	m := NewManager(f, b, ManagerConfig{
		Template:            "code-interpreter",
		TTL:                 1000 * time.Second,
		HealthCacheDuration: 10 * time.Second,
		ExpiryBuffer:        5 * time.Minute,
	}, clk)
	return m, b
}

func TestAcquireCreatesOnFirstUse(t *testing.T) {
	f := &fakeFactory{}
	m, _ := newTestManager(f, newFakeClock())

	sb, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", sb.ID())
	assert.Equal(t, 1, f.createCalls())

	again, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sb.ID(), again.ID())
	assert.Equal(t, 1, f.createCalls())
}

func TestAcquireRecreatesExpiringSandbox(t *testing.T) {
	f := &fakeFactory{}
	m, _ := newTestManager(f, newFakeClock())

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)

	f.sandbox(0).setExpiry(hopx.ExpiryInfo{IsExpiringSoon: true, TimeToExpiryMs: 60000})

	second, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, 1, f.sandbox(0).killCount())
	assert.Equal(t, 2, f.createCalls())
}

func TestAcquireRecreatesWhenRemainingLifetimeInsideBuffer(t *testing.T) {
	f := &fakeFactory{}
	m, _ := newTestManager(f, newFakeClock())

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	// 4 minutes left, buffer is 5: replace even though the flag is unset.
	f.sandbox(0).setExpiry(hopx.ExpiryInfo{TimeToExpiryMs: (4 * time.Minute).Milliseconds()})

	second, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sbx-2", second.ID())
}

func TestAcquireFallsBackToLocalAgeWhenExpiryUnavailable(t *testing.T) {
	f := &fakeFactory{}
	clk := newFakeClock()
	m, _ := newTestManager(f, clk)

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)
	f.sandbox(0).setExpiryErr(errors.New("expiry endpoint down"))

	// Age 600s of a 1000s TTL with a 300s buffer: still usable.
	clk.Advance(600 * time.Second)
	sb, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", sb.ID())

	// Age 700s crosses TTL minus buffer: replace.
	clk.Advance(100 * time.Second)
	sb, err = m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sbx-2", sb.ID())
}

func TestAcquireSkipsHealthCheckInsideCacheWindow(t *testing.T) {
	f := &fakeFactory{}
	clk := newFakeClock()
	m, _ := newTestManager(f, clk)

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	// A degraded report inside the cache window is not observed.
	f.sandbox(0).setHealth(hopx.Health{Status: "degraded"})
	clk.Advance(5 * time.Second)

	sb, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", sb.ID())
	assert.Equal(t, 1, f.createCalls())
}

func TestAcquireRecreatesUnhealthySandbox(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(sb *fakeSandbox)
	}{
		{
			name: "degraded status",
			mutate: func(sb *fakeSandbox) {
				sb.setHealth(hopx.Health{Status: "degraded", Features: []string{hopx.FeatureRunCode}})
			},
		},
		{
			name: "run code capability missing",
			mutate: func(sb *fakeSandbox) {
				sb.setHealth(hopx.Health{Status: hopx.StatusHealthy, Features: []string{"filesystem"}})
			},
		},
		{
			name: "error rate above half",
			mutate: func(sb *fakeSandbox) {
				sb.setAgent(&hopx.AgentMetrics{RequestsTotal: 10, ErrorCount: 6})
			},
		},
		{
			name: "health endpoint unreachable",
			mutate: func(sb *fakeSandbox) {
				sb.setHealthErr(errors.New("connection refused"))
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeFactory{}
			clk := newFakeClock()
			m, _ := newTestManager(f, clk)

			first, err := m.Acquire(context.Background())
			require.NoError(t, err)

			tc.mutate(f.sandbox(0))
			clk.Advance(11 * time.Second)

			second, err := m.Acquire(context.Background())
			require.NoError(t, err)
			assert.NotEqual(t, first.ID(), second.ID())
			assert.Equal(t, 1, f.sandbox(0).killCount())
		})
	}
}

func TestAcquireToleratedErrorRateBelowHalf(t *testing.T) {
	f := &fakeFactory{}
	clk := newFakeClock()
	m, _ := newTestManager(f, clk)

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	f.sandbox(0).setAgent(&hopx.AgentMetrics{RequestsTotal: 10, ErrorCount: 4})
	clk.Advance(11 * time.Second)

	sb, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", sb.ID())
}

func TestAcquireRefusesWhileBreakerOpen(t *testing.T) {
	boom := &hopx.APIError{Code: "HTTP_500", Message: "create failed", Status: 500}
	f := &fakeFactory{errs: []error{boom, boom, boom}}
	m, _ := newTestManager(f, newFakeClock())

	for range 3 {
		_, err := m.Acquire(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, 3, f.createCalls())

	_, err := m.Acquire(context.Background())
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, 3, f.createCalls(), "an open breaker must not reach the factory")
}

func TestAcquireProbesAfterRecoveryWindow(t *testing.T) {
	boom := &hopx.APIError{Code: "HTTP_500", Message: "create failed", Status: 500}
	f := &fakeFactory{errs: []error{boom, boom, boom}}
	clk := newFakeClock()
	m, b := newTestManager(f, clk)

	for range 3 {
		_, err := m.Acquire(context.Background())
		require.Error(t, err)
	}

	clk.Advance(31 * time.Second)
	sb, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", sb.ID())
	assert.Equal(t, StateClosed, b.Stats().State)
}

func TestAcquireResetsOnceAfterPanic(t *testing.T) {
	f := &fakeFactory{}
	m, _ := newTestManager(f, newFakeClock())

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)

	f.sandbox(0).setExpiryPanics()

	second, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, 1, f.sandbox(0).killCount())
	assert.Equal(t, 2, f.createCalls())
}

func TestRecreateReplacesSandbox(t *testing.T) {
	f := &fakeFactory{}
	m, _ := newTestManager(f, newFakeClock())

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)

	second, err := m.Recreate(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, 1, f.sandbox(0).killCount())
}

func TestRecreateToleratesKillFailure(t *testing.T) {
	f := &fakeFactory{}
	m, _ := newTestManager(f, newFakeClock())

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	f.sandbox(0).setKillErr(errors.New("already gone"))

	second, err := m.Recreate(context.Background())
	require.NoError(t, err, "teardown failure must not block recreation")
	assert.Equal(t, "sbx-2", second.ID())
}

func TestInvalidateForcesFreshCreate(t *testing.T) {
	f := &fakeFactory{}
	m, _ := newTestManager(f, newFakeClock())

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	m.Invalidate(context.Background())
	assert.Equal(t, 1, f.sandbox(0).killCount())

	sb, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sbx-2", sb.ID())
}

func TestCloseIsIdempotent(t *testing.T) {
	f := &fakeFactory{}
	m, _ := newTestManager(f, newFakeClock())

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	m.Close(context.Background())
	m.Close(context.Background())
	assert.Equal(t, 1, f.sandbox(0).killCount())
}

func TestCreateDedicatedDoesNotTouchSharedHandle(t *testing.T) {
	f := &fakeFactory{}
	m, _ := newTestManager(f, newFakeClock())

	shared, err := m.Acquire(context.Background())
	require.NoError(t, err)

	dedicated, err := m.CreateDedicated(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, shared.ID(), dedicated.ID())

	again, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, shared.ID(), again.ID())
}

func TestCreateDedicatedFailuresOpenBreaker(t *testing.T) {
	boom := &hopx.APIError{Code: "HTTP_500", Message: "create failed", Status: 500}
	f := &fakeFactory{errs: []error{boom, boom, boom}}
	m, _ := newTestManager(f, newFakeClock())

	for range 3 {
		_, err := m.CreateDedicated(context.Background())
		require.Error(t, err)
	}

	_, err := m.CreateDedicated(context.Background())
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
}

func TestHealthNeverErrors(t *testing.T) {
	f := &fakeFactory{}
	m, _ := newTestManager(f, newFakeClock())

	report := m.Health(context.Background())
	assert.Equal(t, "absent", report.Status)
	assert.False(t, report.IsHealthy)
	assert.NotEmpty(t, report.Error)
	assert.Equal(t, StateClosed, report.CircuitBreaker.State)

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	report = m.Health(context.Background())
	assert.True(t, report.IsHealthy)
	assert.Equal(t, hopx.StatusHealthy, report.Status)
	assert.Equal(t, "sbx-1", report.SandboxID)

	f.sandbox(0).setHealthErr(errors.New("agent unreachable"))
	report = m.Health(context.Background())
	assert.False(t, report.IsHealthy)
	assert.Equal(t, "unreachable", report.Status)
	assert.Contains(t, report.Error, "agent unreachable")
}
