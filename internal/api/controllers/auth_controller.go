package controllers

import (
	"errors"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/sandbooks/runbox/internal/api/authenticator"
	"github.com/sandbooks/runbox/internal/perrors"
	"github.com/sandbooks/runbox/internal/services/apikey"
)

type TokenRequest struct {
	APIKey string `json:"api_key"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func RegisterAuthRoutes(r *router.Router, auth *authenticator.Authenticator) {
	r.GET("/api/auth/enabled", func(ctx *fasthttp.RequestCtx) {
		writeOK(ctx, requestContext(ctx), "success", map[string]any{
			"auth_enabled": auth.AuthEnabled(),
		})
	})

	// Exchange an API key for a short-lived bearer token
	r.POST("/api/auth/token", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)

		var req TokenRequest
		if err := parseBody(ctx, &req); err != nil {
			writeError(ctx, stdCtx, "Invalid request body", perrors.NewErrInvalidRequest("Invalid request body", err))
			return
		}

		if req.APIKey == "" {
			writeError(ctx, stdCtx, "API key is required", perrors.NewErrInvalidRequest("API key is required", errors.New("api_key is required")))
			return
		}

		token, expiresAt, err := auth.IssueToken(stdCtx, req.APIKey)
		if err != nil {
			switch {
			case errors.Is(err, apikey.ErrMalformedKey),
				errors.Is(err, apikey.ErrKeyRejected),
				errors.Is(err, apikey.ErrKeyNotFound):
				writeError(ctx, stdCtx, "Invalid API key", perrors.NewErrUnauthorized("Invalid API key", err))
			default:
				writeError(ctx, stdCtx, "Failed to issue token", perrors.NewErrInternalServerError("Failed to issue token", err))
			}
			return
		}

		writeOK(ctx, stdCtx, "Token issued successfully", TokenResponse{
			Token:     token,
			ExpiresAt: expiresAt,
		})
	})
}
