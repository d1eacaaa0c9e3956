package sandbox

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandbooks/runbox/pkg/hopx"
)

func TestClassifyTypedSignalsWinOverHeuristics(t *testing.T) {
	ce := Classify(&hopx.SandboxExpiredError{SandboxID: "sbx-1"})
	assert.Equal(t, CategoryExpired, ce.Category)
	assert.Equal(t, "SANDBOX_EXPIRED", ce.Code)
	assert.True(t, ce.Recoverable)

	ce = Classify(&hopx.TokenExpiredError{SandboxID: "sbx-1"})
	assert.Equal(t, CategoryToken, ce.Category)
	assert.Equal(t, "TOKEN_EXPIRED", ce.Code)
	assert.True(t, ce.Recoverable)

	// Wrapped typed errors still match.
	ce = Classify(fmt.Errorf("run code: %w", &hopx.SandboxExpiredError{SandboxID: "sbx-2"}))
	assert.Equal(t, CategoryExpired, ce.Category)
}

func TestClassifyByCode(t *testing.T) {
	tests := []struct {
		code        string
		category    Category
		recoverable bool
	}{
		{"EXECUTION_TIMEOUT", CategoryTimeout, true},
		{"ETIMEDOUT", CategoryTimeout, true},
		{"RATE_LIMITED", CategoryTransient, true},
		{"SERVICE_UNAVAILABLE", CategoryTransient, true},
		{"HTTP_429", CategoryTransient, true},
		{"ECONNREFUSED", CategoryNetwork, true},
		{"ECONNRESET", CategoryNetwork, true},
		{"HTTP_502", CategoryNetwork, true},
		{"INTERNAL_ERROR", CategoryCorruption, true},
		{"EXECUTION_FAILED", CategoryCorruption, true},
		{"PERMISSION_DENIED", CategoryCorruption, true},
		{"NOT_FOUND", CategoryExpired, true},
		{"SANDBOX_NOT_FOUND", CategoryExpired, true},
		{"UNAUTHORIZED", CategoryAuth, false},
		{"INVALID_API_KEY", CategoryAuth, false},
	}

	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			ce := Classify(&hopx.APIError{Code: tc.code, Message: "remote failure", Status: 500})
			assert.Equal(t, tc.category, ce.Category)
			assert.Equal(t, tc.recoverable, ce.Recoverable)
			assert.Equal(t, tc.code, ce.Code)
		})
	}
}

func TestClassifyByMessage(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		category Category
	}{
		{"timed out", "request timed out after 30s", CategoryTimeout},
		{"rate limited", "rate limit exceeded, slow down", CategoryTransient},
		{"connection refused", "dial tcp: connection refused", CategoryNetwork},
		{"socket hang up", "socket hang up", CategoryNetwork},
		{"internal server error", "internal server error", CategoryCorruption},
		{"sandbox gone", "sandbox sbx-9 no longer exists", CategoryExpired},
		{"expired", "resource expired", CategoryExpired},
		{"unauthorized", "unauthorized request", CategoryAuth},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ce := Classify(errors.New(tc.message))
			assert.Equal(t, tc.category, ce.Category)
		})
	}
}

// ENOTFOUND is a DNS failure and must classify as network, not fall through
// to the "not found" phrase table.
func TestClassifyENOTFOUNDIsNetwork(t *testing.T) {
	ce := Classify(&hopx.APIError{Code: "ENOTFOUND", Message: "getaddrinfo ENOTFOUND api.hopx.ai"})
	assert.Equal(t, CategoryNetwork, ce.Category)
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	ce := Classify(fmt.Errorf("run code: %w", context.DeadlineExceeded))
	assert.Equal(t, CategoryTimeout, ce.Category)
	assert.True(t, ce.Recoverable)
}

// Ambiguous failures stay recoverable: they get one fresh-sandbox retry
// instead of failing fast.
func TestClassifyUnknownIsRecoverable(t *testing.T) {
	ce := Classify(errors.New("something inexplicable happened"))
	require.Equal(t, CategoryUnknown, ce.Category)
	assert.True(t, ce.Recoverable)
	assert.True(t, ce.resourceRetryable())
	assert.False(t, ce.callRetryable())
}

func TestRetryPolicySplit(t *testing.T) {
	callSide := []Category{CategoryTransient, CategoryNetwork, CategoryTimeout}
	for _, cat := range callSide {
		ce := &ClassifiedError{Category: cat}
		assert.True(t, ce.callRetryable(), "category %s", cat)
		assert.False(t, ce.resourceRetryable(), "category %s", cat)
	}

	resourceSide := []Category{CategoryCorruption, CategoryExpired, CategoryToken, CategoryUnknown}
	for _, cat := range resourceSide {
		ce := &ClassifiedError{Category: cat}
		assert.True(t, ce.resourceRetryable(), "category %s", cat)
		assert.False(t, ce.callRetryable(), "category %s", cat)
	}

	auth := &ClassifiedError{Category: CategoryAuth}
	assert.False(t, auth.callRetryable())
	assert.False(t, auth.resourceRetryable())
}
