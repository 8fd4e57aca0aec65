package tracing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/attribution/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Gin context keys a handler sets when a request triggers a run.
const (
	RunIDKey   = "run_id"
	TriggerKey = "trigger"
)

// reportFilters are the query parameters recorded on report reads.
var reportFilters = []string{"from", "to", "currency"}

// GinMiddleware opens a server span per request and tags it with the run a
// request triggered and the filters of a report read.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("attribution/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx = withCorrelationBaggage(ctx)

		ctx, span := tracer.Start(ctx, "HTTP "+strings.ToUpper(c.Request.Method), trace.WithSpanKind(trace.SpanKindServer))
		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		span.SetName("HTTP " + strings.ToUpper(c.Request.Method) + " " + route)
		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		}
		attrs = append(attrs, runAttributes(c)...)
		if c.Request.Method == http.MethodGet {
			attrs = append(attrs, filterAttributes(c)...)
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status := c.Writer.Status(); status >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
		span.End()
	}
}

// withCorrelationBaggage adds the request id to the outgoing baggage,
// keeping any members the caller propagated.
func withCorrelationBaggage(ctx context.Context) context.Context {
	requestID := obscontext.RequestIDFromContext(ctx)
	if requestID == "" {
		return ctx
	}
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

func runAttributes(c *gin.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if runID := strings.TrimSpace(c.GetString(RunIDKey)); runID != "" {
		attrs = append(attrs, attribute.String("attribution.run_id", runID))
	}
	if trigger := strings.TrimSpace(c.GetString(TriggerKey)); trigger != "" {
		attrs = append(attrs, attribute.String("attribution.trigger", trigger))
	}
	return attrs
}

func filterAttributes(c *gin.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, name := range reportFilters {
		if value := strings.TrimSpace(c.Query(name)); value != "" {
			attrs = append(attrs, attribute.String("attribution.filter."+name, value))
		}
	}
	return attrs
}
