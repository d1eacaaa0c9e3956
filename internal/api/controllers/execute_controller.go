package controllers

import (
	"errors"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sandbooks/runbox/internal/api/response"
	"github.com/sandbooks/runbox/internal/perrors"
	"github.com/sandbooks/runbox/internal/services"
	"github.com/sandbooks/runbox/internal/services/job"
	"github.com/sandbooks/runbox/pkg/sandbox"
)

type ExecuteRequest struct {
	Code           string `json:"code"`
	Language       string `json:"language"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func RegisterExecuteRoutes(r *router.Router, svc *services.Services) {
	// Synchronous execution. A non-zero exit code is a successful response;
	// only infrastructure failures produce an error envelope.
	r.POST("/api/execute", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)

		var req ExecuteRequest
		if err := parseBody(reqCtx, &req); err != nil {
			writeError(reqCtx, stdCtx, "Invalid request body", perrors.NewErrInvalidRequest("Invalid request body", err))
			return
		}

		if req.Code == "" {
			writeError(reqCtx, stdCtx, "Code is required", perrors.NewErrInvalidRequest("Code is required", errors.New("code is required")))
			return
		}

		ctx, span := tracer.Start(stdCtx, "Controller.Execute")
		defer span.End()
		span.SetAttributes(
			attribute.String("language", req.Language),
			attribute.Int("timeout_seconds", req.TimeoutSeconds),
		)

		result, err := svc.Executor.Execute(ctx, sandbox.ExecRequest{
			Code:     req.Code,
			Language: req.Language,
			Timeout:  time.Duration(req.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			writeDomainError(reqCtx, ctx, "Execution failed", err)
			return
		}

		writeOK(reqCtx, ctx, "Execution completed", result)
	})

	// Submit an asynchronous execution job
	r.POST("/api/executions", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)

		var req job.SubmitRequest
		if err := parseBody(reqCtx, &req); err != nil {
			writeError(reqCtx, stdCtx, "Invalid request body", perrors.NewErrInvalidRequest("Invalid request body", err))
			return
		}

		submitted, err := svc.Job.Submit(stdCtx, &req)
		if err != nil {
			if errors.Is(err, sandbox.ErrUnsupportedLanguage) {
				writeError(reqCtx, stdCtx, "Unsupported language", perrors.NewErrInvalidRequest("Unsupported language", err))
				return
			}
			writeError(reqCtx, stdCtx, "Failed to submit execution", perrors.NewErrInvalidRequest("Failed to submit execution", err))
			return
		}

		response.NewResponse(stdCtx, "Execution submitted", submitted).
			WithStatus(fasthttp.StatusAccepted).
			Write(reqCtx)
	})

	// Poll an asynchronous execution job
	r.GET("/api/executions/{id}", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)

		id, err := pathParam(reqCtx, "id")
		if err != nil {
			writeError(reqCtx, stdCtx, "Execution ID is required", perrors.NewErrInvalidRequest("Execution ID is required", err))
			return
		}

		found, err := svc.Job.Get(stdCtx, id)
		if err != nil {
			if errors.Is(err, job.ErrJobNotFound) {
				writeError(reqCtx, stdCtx, "Execution not found", perrors.NewErrNotFound("Execution not found", err))
				return
			}
			writeError(reqCtx, stdCtx, "Failed to fetch execution", perrors.NewErrInternalServerError("Failed to fetch execution", err))
			return
		}

		writeOK(reqCtx, stdCtx, "Execution retrieved successfully", found)
	})
}
