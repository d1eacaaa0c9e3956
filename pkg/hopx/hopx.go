// Package hopx wraps the hopx.ai remote code-execution API behind a single
// capability interface. Higher-level code depends only on Factory and Sandbox;
// the HTTP implementation lives in client.go.
package hopx

import (
	"context"
	"fmt"
	"time"
)

// FeatureRunCode is the capability flag a sandbox must report before it is
// considered usable for code execution.
const FeatureRunCode = "run_code"

// StatusHealthy is the vendor's healthy status string.
const StatusHealthy = "healthy"

// Factory creates sandboxes. Implemented by *Client.
type Factory interface {
	// Create provisions a new sandbox from a template with the given TTL.
	Create(ctx context.Context, opts CreateOpts) (Sandbox, error)
}

// Sandbox is the full capability surface of one remote sandbox. Every method
// issues a remote call and honors the context deadline.
type Sandbox interface {
	// ID returns the vendor-assigned sandbox identifier.
	ID() string
	// RunCode executes code inside the sandbox and returns the raw result.
	RunCode(ctx context.Context, code string, opts RunOpts) (*Execution, error)
	// Health returns the sandbox health report.
	Health(ctx context.Context) (*Health, error)
	// AgentMetrics returns execution counters for the sandbox agent.
	AgentMetrics(ctx context.Context) (*AgentMetrics, error)
	// Info returns static sandbox details including expiry timestamps.
	Info(ctx context.Context) (*Info, error)
	// ExpiryInfo returns the sandbox's own view of its remaining lifetime.
	ExpiryInfo(ctx context.Context) (*ExpiryInfo, error)
	// EnsureValidToken refreshes the sandbox access token when it is near
	// expiry. A no-op while the token is still fresh.
	EnsureValidToken(ctx context.Context) error
	// Kill terminates the sandbox. A killed sandbox is never reused.
	Kill(ctx context.Context) error
	// OpenTerminal connects an interactive terminal stream.
	OpenTerminal(ctx context.Context) (Terminal, error)
}

// Terminal is a live bidirectional terminal attached to a sandbox.
type Terminal interface {
	// Send writes input to the terminal.
	Send(ctx context.Context, data string) error
	// Resize changes the pseudo-terminal dimensions.
	Resize(ctx context.Context, cols, rows int) error
	// Output returns the stream of terminal chunks. The channel is closed
	// when the stream ends; a chunk with a non-nil Err reports a stream
	// failure immediately before close.
	Output() <-chan TerminalChunk
	// Close tears down the stream connection.
	Close() error
}

// TerminalChunk is one unit of terminal output.
type TerminalChunk struct {
	Data string
	Err  error
}

// CreateOpts configures sandbox creation.
type CreateOpts struct {
	Template string
	TTL      time.Duration
}

// RunOpts configures a single code execution.
type RunOpts struct {
	// Language is the vendor runtime name ("python", "javascript", ...).
	Language string
	// Timeout is the remote execution time limit.
	Timeout time.Duration
}

// Execution is the raw result of one RunCode call.
type Execution struct {
	Stdout          string       `json:"stdout"`
	Stderr          string       `json:"stderr"`
	ExitCode        int          `json:"exit_code"`
	ExecutionTimeMs int64        `json:"execution_time_ms"`
	RichOutputs     []RichOutput `json:"rich_outputs,omitempty"`
}

// RichOutput is a typed display artifact (image, html, ...) produced by a run.
type RichOutput struct {
	Type     string `json:"type"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Health is the sandbox health report.
type Health struct {
	Status        string   `json:"status"`
	Features      []string `json:"features"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Version       string   `json:"version"`
}

// AgentMetrics are the sandbox agent's request counters.
type AgentMetrics struct {
	UptimeSeconds   int64   `json:"uptime_seconds"`
	TotalExecutions int64   `json:"total_executions"`
	ErrorCount      int64   `json:"error_count"`
	RequestsTotal   int64   `json:"requests_total"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
}

// Info is the static sandbox description.
type Info struct {
	Status    string         `json:"status"`
	Resources map[string]any `json:"resources"`
	ExpiresAt time.Time      `json:"expires_at"`
	CreatedAt time.Time      `json:"created_at"`
}

// ExpiryInfo is the sandbox's own expiry report.
type ExpiryInfo struct {
	ExpiresAt      time.Time `json:"expires_at"`
	TimeToExpiryMs int64     `json:"time_to_expiry_ms"`
	IsExpired      bool      `json:"is_expired"`
	IsExpiringSoon bool      `json:"is_expiring_soon"`
}

// APIError is a structured error response from the hopx API.
type APIError struct {
	Code    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hopx: %s (%s, status=%d)", e.Message, e.Code, e.Status)
}

// SandboxExpiredError is returned when the vendor no longer knows the sandbox.
type SandboxExpiredError struct {
	SandboxID string
}

func (e *SandboxExpiredError) Error() string {
	return fmt.Sprintf("hopx: sandbox %s has expired", e.SandboxID)
}

// TokenExpiredError is returned when the sandbox access token has lapsed.
type TokenExpiredError struct {
	SandboxID string
}

func (e *TokenExpiredError) Error() string {
	return fmt.Sprintf("hopx: access token for sandbox %s has expired", e.SandboxID)
}
