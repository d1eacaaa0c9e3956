package sandbox

import (
	"context"
	"errors"
	"strings"

	"github.com/sandbooks/runbox/pkg/hopx"
)

// Category labels a remote failure for recovery-policy purposes. Categories
// drive materially different behavior: call-level retries keep the sandbox,
// resource-level retries replace it first.
type Category string

const (
	CategoryTransient  Category = "transient"
	CategoryCorruption Category = "corruption"
	CategoryNetwork    Category = "network"
	CategoryTimeout    Category = "timeout"
	CategoryAuth       Category = "auth"
	CategoryExpired    Category = "expired"
	CategoryToken      Category = "token"
	CategoryUnknown    Category = "unknown"
)

// ClassifiedError is the normalized verdict on a raw remote failure. It is
// derived once and never mutated.
type ClassifiedError struct {
	Code        string
	Message     string
	Category    Category
	Recoverable bool
	Cause       error
}

// callRetryable reports whether the failure indicates an unlucky call rather
// than a suspect sandbox: retry without replacing the resource.
func (c *ClassifiedError) callRetryable() bool {
	switch c.Category {
	case CategoryTransient, CategoryNetwork, CategoryTimeout:
		return true
	}
	return false
}

// resourceRetryable reports whether the failure indicates a suspect sandbox:
// replace the resource before a single retry.
func (c *ClassifiedError) resourceRetryable() bool {
	switch c.Category {
	case CategoryCorruption, CategoryExpired, CategoryToken, CategoryUnknown:
		return true
	}
	return false
}

// Classify maps a raw failure onto a category with a recoverability verdict.
// Typed SDK signals win over code/message heuristics. Unmatched failures are
// unknown and kept recoverable: an ambiguous error gets one fresh-sandbox
// retry instead of failing fast.
func Classify(err error) *ClassifiedError {
	var expired *hopx.SandboxExpiredError
	if errors.As(err, &expired) {
		return &ClassifiedError{
			Code:        "SANDBOX_EXPIRED",
			Message:     expired.Error(),
			Category:    CategoryExpired,
			Recoverable: true,
			Cause:       err,
		}
	}

	var token *hopx.TokenExpiredError
	if errors.As(err, &token) {
		return &ClassifiedError{
			Code:        "TOKEN_EXPIRED",
			Message:     token.Error(),
			Category:    CategoryToken,
			Recoverable: true,
			Cause:       err,
		}
	}

	code := ""
	message := ""
	var apiErr *hopx.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.Code
		message = apiErr.Message
	} else if err != nil {
		message = err.Error()
	}

	category, recoverable := heuristicCategory(err, code, message)

	return &ClassifiedError{
		Code:        code,
		Message:     message,
		Category:    category,
		Recoverable: recoverable,
		Cause:       err,
	}
}

// heuristicCategory applies the legacy code/message table. Order matters:
// ENOTFOUND is a DNS failure (network) and must not fall through to the
// "not found" phrase check (expired).
func heuristicCategory(err error, code, message string) (Category, bool) {
	msg := strings.ToLower(message)

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, true
	}

	switch code {
	case "EXECUTION_TIMEOUT", "TIMEOUT", "ETIMEDOUT", "ESOCKETTIMEDOUT":
		return CategoryTimeout, true
	case "RATE_LIMITED", "TOO_MANY_REQUESTS", "SERVICE_UNAVAILABLE", "EAGAIN", "HTTP_429", "HTTP_503":
		return CategoryTransient, true
	case "ECONNREFUSED", "ECONNRESET", "ENOTFOUND", "EHOSTUNREACH", "EPIPE", "HTTP_502":
		return CategoryNetwork, true
	case "PERMISSION_DENIED", "EACCES", "INTERNAL_ERROR", "EXECUTION_FAILED", "HTTP_500":
		return CategoryCorruption, true
	case "NOT_FOUND", "SANDBOX_NOT_FOUND", "HTTP_404":
		return CategoryExpired, true
	case "UNAUTHORIZED", "FORBIDDEN", "INVALID_API_KEY", "HTTP_401", "HTTP_403":
		return CategoryAuth, false
	}

	switch {
	case strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return CategoryTimeout, true
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return CategoryTransient, true
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "socket hang up") ||
		strings.Contains(msg, "network"):
		return CategoryNetwork, true
	case strings.Contains(msg, "internal server error") || strings.Contains(msg, "execution failed"):
		return CategoryCorruption, true
	case strings.Contains(msg, "not found") ||
		strings.Contains(msg, "expired") ||
		strings.Contains(msg, "invalid sandbox") ||
		strings.Contains(msg, "no longer exists"):
		return CategoryExpired, true
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key"):
		return CategoryAuth, false
	}

	return CategoryUnknown, true
}
