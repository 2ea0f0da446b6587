package tracing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/accountingproxy/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// MiddlewareOption customizes GinMiddleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	skip       map[string]struct{}
	attributes func(c *gin.Context) []attribute.KeyValue
}

// WithSkippedPaths leaves the given request paths untraced.
func WithSkippedPaths(paths ...string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		for _, p := range paths {
			cfg.skip[p] = struct{}{}
		}
	}
}

// WithSpanAttributes adds attributes computed after the handlers ran.
// Credential-like keys are dropped.
func WithSpanAttributes(fn func(c *gin.Context) []attribute.KeyValue) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.attributes = fn
	}
}

// GinMiddleware starts a server span per request, continuing any propagated trace.
func GinMiddleware(opts ...MiddlewareOption) gin.HandlerFunc {
	cfg := middlewareConfig{skip: map[string]struct{}{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	tracer := otel.Tracer("accountingproxy/http")
	return func(c *gin.Context) {
		if _, ok := cfg.skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		method := strings.ToUpper(c.Request.Method)
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			ctx = withRequestIDBaggage(ctx, requestID)
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + method + " " + route)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		}
		if cfg.attributes != nil {
			attrs = append(attrs, cfg.attributes(c)...)
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				span.RecordError(SafeError(lastErr.Err))
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

func withRequestIDBaggage(ctx context.Context, requestID string) context.Context {
	member, err := baggage.NewMember("request_id", requestID)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
