package controllers

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"

	json "github.com/bytedance/sonic"
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sandbooks/runbox/internal/perrors"
	"github.com/sandbooks/runbox/internal/services"
)

type SessionInputRequest struct {
	Data string `json:"data"`
}

type SessionResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func RegisterSessionRoutes(r *router.Router, svc *services.Services) {
	// Create a terminal session backed by a dedicated sandbox
	r.POST("/api/sessions", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)

		ctx, span := tracer.Start(stdCtx, "Controller.Session.Create")
		defer span.End()

		info, err := svc.Terminal.CreateSession(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			writeDomainError(reqCtx, ctx, "Failed to create session", err)
			return
		}

		span.SetAttributes(attribute.String("session_id", info.ID))
		writeOK(reqCtx, ctx, "Session created successfully", info)
	})

	// Registry-wide counters
	r.GET("/api/sessions/stats", func(reqCtx *fasthttp.RequestCtx) {
		writeOK(reqCtx, requestContext(reqCtx), "Session stats", svc.Terminal.Stats())
	})

	// Trigger an idle sweep outside the background schedule
	r.POST("/api/sessions/cleanup", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)
		writeOK(reqCtx, stdCtx, "Cleanup completed", svc.Terminal.CleanupInactive(stdCtx))
	})

	// Get one session
	r.GET("/api/sessions/{id}", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)

		id, err := pathParam(reqCtx, "id")
		if err != nil {
			writeError(reqCtx, stdCtx, "Session ID is required", perrors.NewErrInvalidRequest("Session ID is required", err))
			return
		}

		info, err := svc.Terminal.GetSession(id)
		if err != nil {
			writeDomainError(reqCtx, stdCtx, "Failed to get session", err)
			return
		}

		writeOK(reqCtx, stdCtx, "Session retrieved successfully", info)
	})

	// Destroy a session
	r.DELETE("/api/sessions/{id}", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)

		id, err := pathParam(reqCtx, "id")
		if err != nil {
			writeError(reqCtx, stdCtx, "Session ID is required", perrors.NewErrInvalidRequest("Session ID is required", err))
			return
		}

		if err := svc.Terminal.DestroySession(stdCtx, id); err != nil {
			writeDomainError(reqCtx, stdCtx, "Failed to destroy session", err)
			return
		}

		writeOK(reqCtx, stdCtx, "Session destroyed successfully", nil)
	})

	// Send input to a session's terminal
	r.POST("/api/sessions/{id}/input", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)

		id, err := pathParam(reqCtx, "id")
		if err != nil {
			writeError(reqCtx, stdCtx, "Session ID is required", perrors.NewErrInvalidRequest("Session ID is required", err))
			return
		}

		var req SessionInputRequest
		if err := parseBody(reqCtx, &req); err != nil {
			writeError(reqCtx, stdCtx, "Invalid request body", perrors.NewErrInvalidRequest("Invalid request body", err))
			return
		}

		if req.Data == "" {
			writeError(reqCtx, stdCtx, "Data is required", perrors.NewErrInvalidRequest("Data is required", errors.New("data is required")))
			return
		}

		if err := svc.Terminal.SendInput(stdCtx, id, req.Data); err != nil {
			writeDomainError(reqCtx, stdCtx, "Failed to send input", err)
			return
		}

		writeOK(reqCtx, stdCtx, "Input sent successfully", nil)
	})

	// Resize a session's pseudo-terminal
	r.POST("/api/sessions/{id}/resize", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)

		id, err := pathParam(reqCtx, "id")
		if err != nil {
			writeError(reqCtx, stdCtx, "Session ID is required", perrors.NewErrInvalidRequest("Session ID is required", err))
			return
		}

		var req SessionResizeRequest
		if err := parseBody(reqCtx, &req); err != nil {
			writeError(reqCtx, stdCtx, "Invalid request body", perrors.NewErrInvalidRequest("Invalid request body", err))
			return
		}

		if req.Cols <= 0 || req.Rows <= 0 {
			writeError(reqCtx, stdCtx, "Cols and rows must be positive", perrors.NewErrInvalidRequest("Cols and rows must be positive", errors.New("cols and rows must be positive")))
			return
		}

		if err := svc.Terminal.Resize(stdCtx, id, req.Cols, req.Rows); err != nil {
			writeDomainError(reqCtx, stdCtx, "Failed to resize session", err)
			return
		}

		writeOK(reqCtx, stdCtx, "Session resized successfully", nil)
	})

	// Stream session events over SSE. The feed carries output, errors,
	// heartbeats, and finally a destroyed event when the session ends.
	r.GET("/api/sessions/{id}/stream", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)

		id, err := pathParam(reqCtx, "id")
		if err != nil {
			writeError(reqCtx, stdCtx, "Session ID is required", perrors.NewErrInvalidRequest("Session ID is required", err))
			return
		}

		sub, err := svc.Terminal.Subscribe(id)
		if err != nil {
			writeDomainError(reqCtx, stdCtx, "Failed to subscribe to session", err)
			return
		}

		reqCtx.Response.Header.Set("Content-Type", "text/event-stream")
		reqCtx.Response.Header.Set("Cache-Control", "no-cache")
		reqCtx.SetStatusCode(fasthttp.StatusOK)

		reqCtx.SetBodyStreamWriter(func(w *bufio.Writer) {
			// Detaching is what lets the session go idle once the last
			// subscriber disconnects.
			defer sub.Close()

			for ev := range sub.Events {
				buf, err := json.Marshal(ev)
				if err != nil {
					slog.Warn("Unable to encode session event",
						slog.String("session_id", id),
						slog.Any("error", err))
					continue
				}

				_, _ = fmt.Fprintf(w, "event: %s\n", ev.Type)
				_, _ = fmt.Fprintf(w, "data: %s\n\n", buf)

				// Flush failure is the only disconnect signal fasthttp
				// gives a stream writer.
				if err := w.Flush(); err != nil {
					slog.Debug("Session stream client gone",
						slog.String("session_id", id),
						slog.Any("error", err))
					return
				}
			}
		})
	})
}
