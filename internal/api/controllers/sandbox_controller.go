package controllers

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel/codes"

	"github.com/sandbooks/runbox/internal/services"
)

func RegisterSandboxRoutes(r *router.Router, svc *services.Services) {
	// Health report. Always 200; outages are reported inside the payload so
	// dashboards keep rendering during incidents.
	r.GET("/api/sandbox/health", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)
		writeOK(reqCtx, stdCtx, "Health report", svc.Manager.Health(stdCtx))
	})

	// Force replacement of the shared sandbox
	r.POST("/api/sandbox/recreate", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)

		ctx, span := tracer.Start(stdCtx, "Controller.Sandbox.Recreate")
		defer span.End()

		sb, err := svc.Manager.Recreate(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			writeDomainError(reqCtx, ctx, "Failed to recreate sandbox", err)
			return
		}

		writeOK(reqCtx, ctx, "Sandbox recreated successfully", map[string]string{
			"sandbox_id": sb.ID(),
		})
	})

	// Destroy the shared sandbox. The next execution creates a fresh one.
	r.DELETE("/api/sandbox", func(reqCtx *fasthttp.RequestCtx) {
		stdCtx := requestContext(reqCtx)
		svc.Manager.Invalidate(stdCtx)
		writeOK(reqCtx, stdCtx, "Sandbox destroyed successfully", nil)
	})
}
