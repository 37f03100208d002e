package apierr

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) APIError {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("body is not an error envelope: %v", err)
	}
	return env.Error
}

func TestWrite_Envelope(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, fasthttp.StatusBadRequest, "bad", TypeInvalidRequest, CodeInvalidRequest)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if e := decode(t, ctx); e.Message != "bad" || e.Type != TypeInvalidRequest || e.Code != CodeInvalidRequest {
		t.Errorf("envelope = %+v", e)
	}
}

func TestWriteRateLimit_RetryAfter(t *testing.T) {
	tests := []struct {
		after time.Duration
		want  string
	}{
		{30 * time.Second, "30"},
		{1500 * time.Millisecond, "2"},
		{0, "1"},
	}
	for _, tt := range tests {
		ctx := &fasthttp.RequestCtx{}
		WriteRateLimit(ctx, tt.after, "")
		if got := string(ctx.Response.Header.Peek("Retry-After")); got != tt.want {
			t.Errorf("Retry-After(%s) = %q, want %q", tt.after, got, tt.want)
		}
		if e := decode(t, ctx); e.Message != "rate limit exceeded" {
			t.Errorf("default message = %q", e.Message)
		}
	}
}

func TestWriteProviderError_Mapping(t *testing.T) {
	tests := []struct {
		upstream int
		want     int
		code     string
	}{
		{429, 429, CodeRateLimitExceeded},
		{529, 429, CodeRateLimitExceeded},
		{404, 404, CodeInvalidRequest},
		{500, 502, CodeProviderError},
		{0, 502, CodeProviderError},
	}
	for _, tt := range tests {
		ctx := &fasthttp.RequestCtx{}
		WriteProviderError(ctx, tt.upstream, "upstream said no")
		if ctx.Response.StatusCode() != tt.want {
			t.Errorf("upstream %d: status = %d, want %d", tt.upstream, ctx.Response.StatusCode(), tt.want)
		}
		if e := decode(t, ctx); e.Code != tt.code {
			t.Errorf("upstream %d: code = %q, want %q", tt.upstream, e.Code, tt.code)
		}
	}
}

func TestWriteTimeoutAndExhausted(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteTimeout(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusGatewayTimeout {
		t.Errorf("timeout status = %d", ctx.Response.StatusCode())
	}

	ctx = &fasthttp.RequestCtx{}
	WriteExhausted(ctx, "gave up")
	if ctx.Response.StatusCode() != fasthttp.StatusBadGateway || decode(t, ctx).Code != CodeRetriesExhausted {
		t.Errorf("exhausted = %d %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}
