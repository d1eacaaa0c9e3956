package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sandbooks/runbox/internal/metrics"
	"github.com/sandbooks/runbox/pkg/hopx"
)

// maxAttempts bounds remote run attempts for one Execute call across both
// retry policies combined.
const maxAttempts = 3

// callGrace pads the per-call HTTP deadline past the remote execution budget
// so network overhead does not clip an otherwise successful run.
const callGrace = 30 * time.Second

// ExecutorConfig holds the retry and timeout policy for code execution.
type ExecutorConfig struct {
	// MaxTimeout caps the effective per-call execution timeout.
	MaxTimeout time.Duration
	// RetryDelays are the fixed backoff delays for call-level retries; the
	// slice length is the retry budget.
	RetryDelays []time.Duration
	// ResetRetryDelay is the pause before the single fresh-handle retry.
	ResetRetryDelay time.Duration
}

// ExecRequest is one code-execution request.
type ExecRequest struct {
	Code     string
	Language string
	// Timeout overrides the per-language default when positive.
	Timeout time.Duration
}

// Result is the normalized outcome of a code execution. A non-zero exit code
// is data, not a failure: Error mirrors stderr so callers need not branch on
// exit codes to find the message.
type Result struct {
	Stdout          string            `json:"stdout"`
	Stderr          string            `json:"stderr"`
	ExitCode        int               `json:"exit_code"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	RichOutputs     []hopx.RichOutput `json:"rich_outputs"`
	Error           string            `json:"error,omitempty"`
}

// Executor wraps a single code execution with healthy-handle acquisition, a
// classified retry loop, and an overall deadline.
type Executor struct {
	manager *Manager
	breaker *Breaker
	clock   Clock
	cfg     ExecutorConfig
}

// NewExecutor builds an orchestrator over a lifecycle manager. The breaker
// must be the same instance the manager consults.
func NewExecutor(manager *Manager, breaker *Breaker, cfg ExecutorConfig, clock Clock) *Executor {
	if clock == nil {
		clock = SystemClock()
	}
	return &Executor{
		manager: manager,
		breaker: breaker,
		clock:   clock,
		cfg:     cfg,
	}
}

type attemptOutcome struct {
	res *Result
	err error
}

// Execute runs code in the shared sandbox and returns a normalized result.
// The effective timeout is the caller's value, else a per-language default,
// capped by the configured maximum. On deadline expiry the caller gets a
// TimeoutError; the in-flight remote call is not aborted (the vendor offers
// no cancellation primitive) and its late outcome is discarded.
func (e *Executor) Execute(ctx context.Context, req ExecRequest) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Sandbox.Execute")
	defer span.End()

	lang, err := ParseLanguage(req.Language)
	if err != nil {
		return nil, err
	}

	timeout := e.effectiveTimeout(lang, req.Timeout)
	span.SetAttributes(
		attribute.String("language", string(lang)),
		attribute.Float64("timeout_s", timeout.Seconds()),
	)

	start := time.Now()
	outcomes := make(chan attemptOutcome, 1)

	// The recovery loop must survive the deadline race: the loser writes its
	// outcome into the buffered channel where it is dropped, never delivered
	// twice.
	loopCtx := context.WithoutCancel(ctx)
	go func() {
		res, rerr := e.runWithRecovery(loopCtx, req.Code, lang, timeout)
		outcomes <- attemptOutcome{res: res, err: rerr}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-outcomes:
		if out.err != nil {
			terr := e.translate(out.err, timeout)
			e.observe(lang, start, terr)
			span.RecordError(terr)
			return nil, terr
		}
		e.observe(lang, start, nil)
		return out.res, nil
	case <-timer.C:
		terr := &TimeoutError{Timeout: timeout}
		e.observe(lang, start, terr)
		span.RecordError(terr)
		return nil, terr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// effectiveTimeout resolves the execution budget for one call.
func (e *Executor) effectiveTimeout(lang Language, requested time.Duration) time.Duration {
	t := requested
	if t <= 0 {
		t = lang.defaultTimeout()
	}
	if e.cfg.MaxTimeout > 0 && t > e.cfg.MaxTimeout {
		t = e.cfg.MaxTimeout
	}
	return t
}

// runWithRecovery is the bounded attempt loop. Failures indicting the call
// (transient, network, timeout) retry with fixed backoff against the same
// sandbox; failures indicting the resource (corruption, expired, token,
// unknown) invalidate the sandbox and get exactly one fresh-handle retry.
// Breaker refusals and exhausted budgets propagate.
func (e *Executor) runWithRecovery(ctx context.Context, code string, lang Language, timeout time.Duration) (*Result, error) {
	resetUsed := false
	backoffsUsed := 0

	for attempt := 1; ; attempt++ {
		res, err := e.attempt(ctx, code, lang, timeout)
		if err == nil {
			return res, nil
		}

		var open *CircuitOpenError
		if errors.As(err, &open) {
			return nil, err
		}

		ce := Classify(err)
		slog.WarnContext(ctx, "Execution attempt failed",
			slog.Int("attempt", attempt),
			slog.String("category", string(ce.Category)),
			slog.String("code", ce.Code),
			slog.Any("error", err))

		if attempt >= maxAttempts {
			return nil, err
		}

		switch {
		case ce.resourceRetryable() && !resetUsed:
			resetUsed = true
			metrics.ExecutionRetriesTotal.WithLabelValues(string(ce.Category)).Inc()
			e.manager.Invalidate(ctx)
			if serr := e.clock.Sleep(ctx, e.cfg.ResetRetryDelay); serr != nil {
				return nil, err
			}
		case ce.callRetryable() && backoffsUsed < len(e.cfg.RetryDelays):
			delay := e.cfg.RetryDelays[backoffsUsed]
			backoffsUsed++
			metrics.ExecutionRetriesTotal.WithLabelValues(string(ce.Category)).Inc()
			if serr := e.clock.Sleep(ctx, delay); serr != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

// attempt performs one acquire-and-run round trip. Run outcomes are recorded
// into the breaker; acquisition outcomes are recorded by the manager itself.
func (e *Executor) attempt(ctx context.Context, code string, lang Language, timeout time.Duration) (*Result, error) {
	sb, err := e.manager.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	// Token upkeep must never block execution.
	if terr := sb.EnsureValidToken(ctx); terr != nil {
		slog.DebugContext(ctx, "Token refresh failed, continuing", slog.Any("error", terr))
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout+callGrace)
	defer cancel()

	exec, err := sb.RunCode(callCtx, code, hopx.RunOpts{
		Language: string(lang.Runtime()),
		Timeout:  timeout,
	})
	if err != nil {
		e.breaker.RecordFailure()
		return nil, err
	}

	e.breaker.RecordSuccess()
	return normalizeResult(exec), nil
}

// translate applies the surface error contract: deadline and breaker errors
// pass through unchanged, timeout-category failures collapse into a
// TimeoutError, everything else becomes a ResourceError carrying the
// classification.
func (e *Executor) translate(err error, timeout time.Duration) error {
	var te *TimeoutError
	if errors.As(err, &te) {
		return err
	}
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return err
	}

	ce := Classify(err)
	if ce.Category == CategoryTimeout {
		return &TimeoutError{Timeout: timeout}
	}
	return &ResourceError{
		Category: ce.Category,
		Code:     ce.Code,
		Message:  ce.Message,
		Cause:    err,
	}
}

func (e *Executor) observe(lang Language, start time.Time, err error) {
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())

	status := "ok"
	var te *TimeoutError
	if errors.As(err, &te) {
		status = "timeout"
	} else if err != nil {
		status = "error"
	}
	metrics.ExecutionsTotal.WithLabelValues(string(lang), status).Inc()
}

func normalizeResult(exec *hopx.Execution) *Result {
	res := &Result{
		Stdout:          exec.Stdout,
		Stderr:          exec.Stderr,
		ExitCode:        exec.ExitCode,
		ExecutionTimeMs: exec.ExecutionTimeMs,
		RichOutputs:     exec.RichOutputs,
	}
	if res.RichOutputs == nil {
		res.RichOutputs = []hopx.RichOutput{}
	}
	if res.ExitCode != 0 {
		res.Error = res.Stderr
		if res.Error == "" {
			res.Error = fmt.Sprintf("execution failed with exit code %d", res.ExitCode)
		}
	}
	return res
}
