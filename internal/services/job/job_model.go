package job

import (
	"time"

	"github.com/sandbooks/runbox/pkg/sandbox"
)

// JobStatus is the lifecycle state of an async execution.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// Job is one async execution. Submitted code is not persisted; only the
// identity, progress, and outcome are.
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

// SubmitRequest is the request to queue an async execution.
type SubmitRequest struct {
	Code           string `json:"code" validate:"required"`
	Language       string `json:"language" validate:"required"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}
