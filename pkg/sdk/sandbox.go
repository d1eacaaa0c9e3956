package sdk

import (
	"context"
	"net/http"

	"github.com/sandbooks/runbox/pkg/sandbox"
)

// SandboxHealth fetches the shared sandbox health report. The call succeeds
// even when the sandbox is down; outage detail is inside the report.
func (s *SDK) SandboxHealth(ctx context.Context) (*sandbox.HealthReport, error) {
	var out sandbox.HealthReport
	if err := s.do(ctx, http.MethodGet, "/api/sandbox/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecreateSandbox forces replacement of the shared sandbox and returns the
// new sandbox id.
func (s *SDK) RecreateSandbox(ctx context.Context) (string, error) {
	var out struct {
		SandboxID string `json:"sandbox_id"`
	}
	if err := s.do(ctx, http.MethodPost, "/api/sandbox/recreate", nil, &out); err != nil {
		return "", err
	}
	return out.SandboxID, nil
}

// DestroySandbox terminates the shared sandbox. The next execution creates a
// fresh one.
func (s *SDK) DestroySandbox(ctx context.Context) error {
	return s.do(ctx, http.MethodDelete, "/api/sandbox", nil, nil)
}
