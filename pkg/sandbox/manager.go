package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sandbooks/runbox/internal/metrics"
	"github.com/sandbooks/runbox/pkg/hopx"
)

var tracer = otel.Tracer("Sandbox")

// errStateCorrupt marks a failure that escaped the normal evaluation paths.
// The manager responds by clearing all state and retrying creation once.
var errStateCorrupt = errors.New("sandbox manager state corrupt")

// ManagerConfig holds the lifecycle knobs for the shared sandbox.
type ManagerConfig struct {
	// Template is the vendor resource template used for every creation.
	Template string
	// TTL is the lifetime requested at creation.
	TTL time.Duration
	// HealthCacheDuration is how long a passing health verdict is trusted
	// before the next acquisition performs an active check again.
	HealthCacheDuration time.Duration
	// ExpiryBuffer is the proactive-recreation window: a sandbox within
	// ExpiryBuffer of its expiry is replaced before it is handed out.
	ExpiryBuffer time.Duration
}

// Manager owns the single shared sandbox: creation, expiry and health
// evaluation, proactive and reactive recreation, and teardown. At most one
// shared sandbox exists per Manager at any time, and no two recreation
// sequences ever interleave their state mutations (all transitions run under
// one mutex).
//
// Expiry is polled from the sandbox's own report on every acquisition, with
// local age math as fallback; the heavier health check is cached.
type Manager struct {
	factory hopx.Factory
	breaker *Breaker
	clock   Clock
	cfg     ManagerConfig

	mu              sync.Mutex
	sb              hopx.Sandbox
	createdAt       time.Time
	lastHealthCheck time.Time
}

// NewManager wires a lifecycle manager around a sandbox factory and breaker.
func NewManager(factory hopx.Factory, breaker *Breaker, cfg ManagerConfig, clock Clock) *Manager {
	if clock == nil {
		clock = SystemClock()
	}
	return &Manager{
		factory: factory,
		breaker: breaker,
		clock:   clock,
		cfg:     cfg,
	}
}

// Acquire returns a healthy shared sandbox, creating or recreating one as
// needed. Returns CircuitOpenError without any remote call while the breaker
// is open.
func (m *Manager) Acquire(ctx context.Context) (hopx.Sandbox, error) {
	ctx, span := tracer.Start(ctx, "Sandbox.Acquire")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.breaker.Allow(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	sb, err := m.tryAcquireLocked(ctx)
	if err != nil && errors.Is(err, errStateCorrupt) {
		slog.Warn("Sandbox state evaluation failed, resetting", slog.Any("error", err))
		metrics.SandboxRecreationsTotal.WithLabelValues("reset").Inc()
		m.clearLocked(ctx)
		sb, err = m.createLocked(ctx)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("sandbox_id", sb.ID()))
	return sb, nil
}

// tryAcquireLocked runs one pass of the acquisition state machine, converting
// panics into errStateCorrupt so Acquire can reset and retry creation once.
func (m *Manager) tryAcquireLocked(ctx context.Context) (sb hopx.Sandbox, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errStateCorrupt, r)
		}
	}()

	// Nothing live: create fresh.
	if m.sb == nil {
		return m.createLocked(ctx)
	}

	// Proactive recreation: replacing an expiring sandbox here saves the
	// user-visible round trip of discovering expiry via a failed execution.
	if m.expiringSoonLocked(ctx) {
		slog.Info("Sandbox expiring soon, recreating proactively", slog.String("sandbox_id", m.sb.ID()))
		metrics.SandboxRecreationsTotal.WithLabelValues("expiring").Inc()
		m.clearLocked(ctx)
		return m.createLocked(ctx)
	}

	// Trust a recent health verdict; health checks are remote calls and must
	// not dominate request latency on the hot path.
	if m.clock.Now().Sub(m.lastHealthCheck) < m.cfg.HealthCacheDuration {
		return m.sb, nil
	}

	if m.checkHealthLocked(ctx) {
		m.lastHealthCheck = m.clock.Now()
		return m.sb, nil
	}

	slog.Warn("Sandbox failed health check, recreating", slog.String("sandbox_id", m.sb.ID()))
	metrics.SandboxRecreationsTotal.WithLabelValues("unhealthy").Inc()
	m.clearLocked(ctx)
	return m.createLocked(ctx)
}

// createLocked provisions a new shared sandbox and records the outcome into
// the breaker. A fresh sandbox counts as health-checked.
func (m *Manager) createLocked(ctx context.Context) (hopx.Sandbox, error) {
	ctx, span := tracer.Start(ctx, "Sandbox.Create")
	defer span.End()

	sb, err := m.factory.Create(ctx, hopx.CreateOpts{
		Template: m.cfg.Template,
		TTL:      m.cfg.TTL,
	})
	if err != nil {
		m.breaker.RecordFailure()
		span.RecordError(err)
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	m.breaker.RecordSuccess()
	m.sb = sb
	m.createdAt = m.clock.Now()
	m.lastHealthCheck = m.createdAt

	slog.Info("Sandbox created",
		slog.String("sandbox_id", sb.ID()),
		slog.String("template", m.cfg.Template),
		slog.Duration("ttl", m.cfg.TTL))
	span.SetAttributes(attribute.String("sandbox_id", sb.ID()))

	return sb, nil
}

// expiringSoonLocked consults the sandbox's own expiry report, falling back
// to local age math when the report is unobtainable.
func (m *Manager) expiringSoonLocked(ctx context.Context) bool {
	info, err := m.sb.ExpiryInfo(ctx)
	if err != nil {
		slog.Debug("Expiry report unavailable, using local age", slog.Any("error", err))
		age := m.clock.Now().Sub(m.createdAt)
		return age >= m.cfg.TTL-m.cfg.ExpiryBuffer
	}

	if info.IsExpired || info.IsExpiringSoon {
		return true
	}
	return time.Duration(info.TimeToExpiryMs)*time.Millisecond <= m.cfg.ExpiryBuffer
}

// checkHealthLocked performs the active health check: reported status must be
// healthy, the run-code capability must be present, and, when agent metrics
// are obtainable, the recent error rate must not exceed 50%.
func (m *Manager) checkHealthLocked(ctx context.Context) bool {
	h, err := m.sb.Health(ctx)
	if err != nil {
		slog.Warn("Sandbox health check failed", slog.String("sandbox_id", m.sb.ID()), slog.Any("error", err))
		metrics.HealthChecksTotal.WithLabelValues("failed").Inc()
		return false
	}

	if h.Status != hopx.StatusHealthy || !slices.Contains(h.Features, hopx.FeatureRunCode) {
		metrics.HealthChecksTotal.WithLabelValues("failed").Inc()
		return false
	}

	if am, err := m.sb.AgentMetrics(ctx); err == nil && am.RequestsTotal > 0 {
		errorRate := float64(am.ErrorCount) / float64(am.RequestsTotal)
		if errorRate > 0.5 {
			slog.Warn("Sandbox error rate too high",
				slog.String("sandbox_id", m.sb.ID()),
				slog.Float64("error_rate", errorRate))
			metrics.HealthChecksTotal.WithLabelValues("failed").Inc()
			return false
		}
	}

	metrics.HealthChecksTotal.WithLabelValues("ok").Inc()
	return true
}

// clearLocked terminates the current sandbox best-effort and always clears
// local state, even when termination fails.
func (m *Manager) clearLocked(ctx context.Context) {
	bestEffortTerminate(ctx, m.sb)
	m.sb = nil
	m.createdAt = time.Time{}
	m.lastHealthCheck = time.Time{}
}

// Invalidate drops the cached sandbox (terminating it best-effort) so the
// next acquisition creates fresh. Used when an execution failure indicts the
// resource rather than the call.
func (m *Manager) Invalidate(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sb == nil {
		return
	}
	slog.Info("Invalidating sandbox", slog.String("sandbox_id", m.sb.ID()))
	m.clearLocked(ctx)
}

// Recreate unconditionally replaces the shared sandbox. Used for explicit
// user-triggered restarts. The breaker still gates it.
func (m *Manager) Recreate(ctx context.Context) (hopx.Sandbox, error) {
	ctx, span := tracer.Start(ctx, "Sandbox.Recreate")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.breaker.Allow(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	metrics.SandboxRecreationsTotal.WithLabelValues("forced").Inc()
	m.clearLocked(ctx)
	return m.createLocked(ctx)
}

// CreateDedicated provisions a sandbox outside the shared handle; terminal
// sessions own these exclusively so state never leaks between users. Breaker
// gating and outcome recording match shared creation.
func (m *Manager) CreateDedicated(ctx context.Context) (hopx.Sandbox, error) {
	if err := m.breaker.Allow(); err != nil {
		return nil, err
	}

	sb, err := m.factory.Create(ctx, hopx.CreateOpts{
		Template: m.cfg.Template,
		TTL:      m.cfg.TTL,
	})
	if err != nil {
		m.breaker.RecordFailure()
		return nil, fmt.Errorf("create dedicated sandbox: %w", err)
	}

	m.breaker.RecordSuccess()
	slog.Info("Dedicated sandbox created", slog.String("sandbox_id", sb.ID()))
	return sb, nil
}

// Close terminates the shared sandbox and clears state. Idempotent; called at
// process shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sb == nil {
		return
	}
	slog.Info("Closing sandbox manager", slog.String("sandbox_id", m.sb.ID()))
	m.clearLocked(ctx)
}

// BreakerStats exposes the breaker snapshot for health reporting.
func (m *Manager) BreakerStats() BreakerStats {
	return m.breaker.Stats()
}

// HealthReport is the never-throws health summary: failures are reported in
// the Error field so dashboards stay renderable during outages.
type HealthReport struct {
	Status         string             `json:"status"`
	IsHealthy      bool               `json:"is_healthy"`
	SandboxID      string             `json:"sandbox_id,omitempty"`
	Features       []string           `json:"features,omitempty"`
	UptimeSeconds  int64              `json:"uptime_seconds,omitempty"`
	Metrics        *hopx.AgentMetrics `json:"metrics,omitempty"`
	Error          string             `json:"error,omitempty"`
	CircuitBreaker BreakerStats       `json:"circuit_breaker"`
}

// Health reports the shared sandbox's health. It never returns an error.
func (m *Manager) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{CircuitBreaker: m.breaker.Stats()}

	m.mu.Lock()
	sb := m.sb
	m.mu.Unlock()

	if sb == nil {
		report.Status = "absent"
		report.Error = "no active sandbox"
		return report
	}
	report.SandboxID = sb.ID()

	h, err := sb.Health(ctx)
	if err != nil {
		report.Status = "unreachable"
		report.Error = err.Error()
		return report
	}

	report.Status = h.Status
	report.Features = h.Features
	report.UptimeSeconds = h.UptimeSeconds
	report.IsHealthy = h.Status == hopx.StatusHealthy && slices.Contains(h.Features, hopx.FeatureRunCode)

	if am, err := sb.AgentMetrics(ctx); err == nil {
		report.Metrics = am
	}

	return report
}

// bestEffortTerminate kills a sandbox and swallows the error: a failed
// teardown must never block progress toward a fresh resource.
func bestEffortTerminate(ctx context.Context, sb hopx.Sandbox) {
	if sb == nil {
		return
	}
	if err := sb.Kill(ctx); err != nil {
		slog.Warn("Best-effort sandbox termination failed",
			slog.String("sandbox_id", sb.ID()),
			slog.Any("error", err))
	}
}
