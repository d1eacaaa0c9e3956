package sdk

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/sandbooks/runbox/pkg/sandbox"
)

type ExecuteRequest struct {
	Code           string `json:"code"`
	Language       string `json:"language"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// JobStatus is the lifecycle state of an asynchronous execution.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// Job is the server's view of an asynchronous execution.
type Job struct {
	ID         string          `json:"id"`
	Status     JobStatus       `json:"status"`
	Language   string          `json:"language"`
	Result     *sandbox.Result `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Done reports whether the job has reached a terminal state.
func (j *Job) Done() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// Execute runs code synchronously. A non-zero exit code is a normal result,
// not an error.
func (s *SDK) Execute(ctx context.Context, req ExecuteRequest) (*sandbox.Result, error) {
	var out sandbox.Result
	if err := s.do(ctx, http.MethodPost, "/api/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit queues an asynchronous execution and returns the queued job.
func (s *SDK) Submit(ctx context.Context, req ExecuteRequest) (*Job, error) {
	var out Job
	if err := s.do(ctx, http.MethodPost, "/api/executions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Job fetches the current state of an asynchronous execution.
func (s *SDK) Job(ctx context.Context, id string) (*Job, error) {
	var out Job
	if err := s.do(ctx, http.MethodGet, "/api/executions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForJob polls an asynchronous execution until it succeeds or fails.
func (s *SDK) WaitForJob(ctx context.Context, id string, pollInterval time.Duration) (*Job, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		j, err := s.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Done() {
			return j, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
