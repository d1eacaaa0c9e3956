package job

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandbooks/runbox/internal/metrics"
	"github.com/sandbooks/runbox/pkg/sandbox"
)

var tracer = otel.Tracer("JobService")

// maxConcurrent bounds simultaneously running jobs. Executions share one
// sandbox, so a small bound keeps the remote from being swamped.
const maxConcurrent = 4

// Runner executes code. Satisfied by *sandbox.Executor.
type Runner interface {
	Execute(ctx context.Context, req sandbox.ExecRequest) (*sandbox.Result, error)
}

// JobService queues executions and runs them in the background against the
// shared sandbox. Results are retained in the store for the retention
// window and polled by ID.
type JobService struct {
	store  Store
	runner Runner

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewJobService creates a new job service
func NewJobService(store Store, runner Runner) *JobService {
	return &JobService{
		store:  store,
		runner: runner,
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// Submit validates the request, persists a queued job, and starts it in the
// background. The returned job carries the ID to poll.
func (s *JobService) Submit(ctx context.Context, req *SubmitRequest) (*Job, error) {
	if req.Code == "" {
		return nil, fmt.Errorf("code is required")
	}
	lang, err := sandbox.ParseLanguage(req.Language)
	if err != nil {
		return nil, err
	}

	j := &Job{
		ID:        "job_" + uuid.NewString(),
		Status:    StatusQueued,
		Language:  string(lang),
		CreatedAt: time.Now(),
	}
	if err := s.store.Save(ctx, j); err != nil {
		return nil, err
	}
	metrics.JobsTotal.WithLabelValues(string(StatusQueued)).Inc()

	execReq := sandbox.ExecRequest{
		Code:     req.Code,
		Language: req.Language,
		Timeout:  time.Duration(req.TimeoutSeconds) * time.Second,
	}

	s.wg.Add(1)
	go s.run(j.ID, execReq)

	return j, nil
}

// Get returns the job by ID.
func (s *JobService) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// run executes one queued job. It is detached from the submitting request;
// the executor enforces the execution deadline itself.
func (s *JobService) run(id string, req sandbox.ExecRequest) {
	defer s.wg.Done()

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	ctx, span := jobSpan(id)
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", id),
		attribute.String("language", req.Language),
	)

	j, err := s.store.Get(ctx, id)
	if err != nil {
		slog.Error("Queued job vanished before start", slog.String("job_id", id), slog.Any("error", err))
		return
	}

	now := time.Now()
	j.Status = StatusRunning
	j.StartedAt = &now
	s.saveProgress(ctx, j)

	result, err := s.runner.Execute(ctx, req)

	finished := time.Now()
	j.FinishedAt = &finished
	if err != nil {
		j.Status = StatusFailed
		j.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		j.Status = StatusSucceeded
		j.Result = result
	}
	s.saveProgress(ctx, j)
	metrics.JobsTotal.WithLabelValues(string(j.Status)).Inc()

	slog.Info("Async job finished",
		slog.String("job_id", id),
		slog.String("status", string(j.Status)))
}

// jobSpan starts the worker span with a trace ID derived from the job's
// UUID. Traces for async executions can then be looked up by job ID.
func jobSpan(id string) (context.Context, trace.Span) {
	ctx := context.Background()
	if jobUUID, err := uuid.Parse(strings.TrimPrefix(id, "job_")); err == nil {
		var traceIDBytes [16]byte
		copy(traceIDBytes[:], jobUUID[:])
		spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    trace.TraceID(traceIDBytes),
			TraceFlags: trace.FlagsSampled,
		})
		ctx = trace.ContextWithSpanContext(ctx, spanCtx)
	}
	return tracer.Start(ctx, "Job.Run")
}

func (s *JobService) saveProgress(ctx context.Context, j *Job) {
	if err := s.store.Save(ctx, j); err != nil {
		slog.Error("Unable to save job progress", slog.String("job_id", j.ID), slog.Any("error", err))
	}
}

// Shutdown waits for in-flight jobs to finish, up to the context deadline.
func (s *JobService) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Shutdown deadline reached with jobs still running")
	}
}
