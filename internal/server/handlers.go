package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/gateway"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/providers"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/pkg/apierr"
)

const (
	xCacheHIT       = "HIT"
	xCacheMISS      = "MISS"
	xCacheCOALESCED = "COALESCED"
)

// handleComplete decodes a providers.Request, runs it through the gateway
// and returns the gateway.Result as JSON.
func (s *Server) handleComplete(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)

	var req providers.Request
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.RequestID == "" {
		req.RequestID = reqID
	}

	// fasthttp recycles ctx once the handler returns, and the gateway may keep
	// using the call context after that.
	callCtx, cancel := context.WithTimeout(s.baseCtx, s.requestTimeout)
	defer cancel()

	res, err := s.gw.Complete(callCtx, &req)
	if err != nil {
		s.log.WarnContext(ctx, "complete_failed",
			slog.String("request_id", req.RequestID),
			slog.String("tier", req.Model),
			slog.String("error", err.Error()),
		)
		s.writeGatewayError(ctx, err)
		return
	}

	switch {
	case res.ServedFromCache:
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	case res.Coalesced:
		ctx.Response.Header.Set("X-Cache", xCacheCOALESCED)
	default:
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	ctx.Response.Header.Set("X-Tier", res.Tier)

	ctx.SetStatusCode(fasthttp.StatusOK)
	writeJSON(ctx, res)
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.gw.Stats(ctx))
}

func (s *Server) handleCacheClear(ctx *fasthttp.RequestCtx) {
	if err := s.gw.ClearCache(ctx); err != nil {
		s.log.ErrorContext(ctx, "cache_clear_failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to clear cache", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]string{"status": "cleared"})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// writeGatewayError maps a Complete failure to an HTTP response.
//
//	invalid request, no provider      → 400
//	throttled (incl. exhausted)       → 429 + Retry-After
//	fatal upstream 4xx                → same status
//	exhausted on attempt timeouts     → 504
//	exhausted / transient             → 502
//	caller deadline                   → 504
func (s *Server) writeGatewayError(ctx *fasthttp.RequestCtx, err error) {
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			apierr.WriteTimeout(ctx)
		case errors.Is(err, context.Canceled):
			apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
				"request canceled", apierr.TypeServerError, apierr.CodeInternalError)
		default:
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		}
		return
	}

	msg := ge.Error()
	switch {
	case errors.Is(ge, gateway.ErrInvalidRequest):
		apierr.WriteInvalidRequest(ctx, msg)

	case errors.Is(ge, gateway.ErrNoProvider):
		apierr.Write(ctx, fasthttp.StatusBadRequest, msg, apierr.TypeInvalidRequest, apierr.CodeNoProvider)

	case ge.Throttled():
		apierr.WriteRateLimit(ctx, s.retryAfter, msg)

	case ge.Kind == gateway.KindFatal:
		var sc providers.StatusCoder
		if errors.As(ge.Err, &sc) {
			apierr.WriteProviderError(ctx, sc.HTTPStatus(), msg)
			return
		}
		apierr.WriteInvalidRequest(ctx, msg)

	case errors.Is(ge.Err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)

	case ge.Kind == gateway.KindExhaustedRetries:
		apierr.WriteExhausted(ctx, msg)

	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway, msg, apierr.TypeProviderError, apierr.CodeProviderError)
	}
}
