package controllers

import (
	"context"
	"errors"
	"fmt"

	json "github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel"

	"github.com/sandbooks/runbox/internal/api/response"
	"github.com/sandbooks/runbox/internal/perrors"
	"github.com/sandbooks/runbox/internal/services/job"
	"github.com/sandbooks/runbox/pkg/sandbox"
	"github.com/sandbooks/runbox/pkg/terminal"
)

var tracer = otel.Tracer("Controller")

// requestContext returns a baseline context for handlers. fasthttp does not
// provide a standard context; middleware stores the extracted trace context
// under "traceCtx".
func requestContext(ctx *fasthttp.RequestCtx) context.Context {
	if traceCtx, ok := ctx.UserValue("traceCtx").(context.Context); ok {
		return traceCtx
	}
	return context.Background()
}

func parseBody(ctx *fasthttp.RequestCtx, target any) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		return errors.New("request body is empty")
	}

	return json.Unmarshal(body, target)
}

func writeError(ctx *fasthttp.RequestCtx, stdCtx context.Context, message string, err error) {
	response.NewResponse[any](stdCtx, message, nil).WithError(err).Write(ctx)
}

func writeOK(ctx *fasthttp.RequestCtx, stdCtx context.Context, message string, data any) {
	response.NewResponse(stdCtx, message, data).Write(ctx)
}

func pathParam(ctx *fasthttp.RequestCtx, key string) (string, error) {
	val := ctx.UserValue(key)
	if val == nil {
		return "", fmt.Errorf("%s is required", key)
	}

	return fmt.Sprint(val), nil
}

// writeDomainError maps sandbox/session/job errors onto the typed HTTP
// error envelope and writes it.
func writeDomainError(ctx *fasthttp.RequestCtx, stdCtx context.Context, message string, err error) {
	writeError(ctx, stdCtx, message, perrors.New(codeFor(err), message, err))
}

func codeFor(err error) perrors.ErrCode {
	var (
		timeoutErr   *sandbox.TimeoutError
		circuitErr   *sandbox.CircuitOpenError
		resourceErr  *sandbox.ResourceError
		notFoundErr  *terminal.SessionNotFoundError
		destroyedErr *terminal.SessionDestroyedError
		capErr       *terminal.TooManySessionsError
	)

	switch {
	case errors.As(err, &timeoutErr):
		return perrors.ErrCodeGatewayTimeout
	case errors.As(err, &circuitErr):
		return perrors.ErrCodeUnavailable
	case errors.As(err, &resourceErr):
		return perrors.ErrCodeBadGateway
	case errors.As(err, &notFoundErr), errors.Is(err, job.ErrJobNotFound):
		return perrors.ErrCodeNotFound
	case errors.As(err, &destroyedErr):
		return perrors.ErrCodeGone
	case errors.As(err, &capErr):
		return perrors.ErrCodeTooManyRequests
	case errors.Is(err, sandbox.ErrUnsupportedLanguage):
		return perrors.ErrCodeInvalidRequest
	default:
		return perrors.ErrCodeInternalServer
	}
}
