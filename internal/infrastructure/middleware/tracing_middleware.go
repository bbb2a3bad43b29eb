package middleware

import (
	"strings"
	"time"

	"beamdrop/pkg/logger"
	"beamdrop/pkg/tracing"
	"beamdrop/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware propagates or assigns a request id.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// TracingMiddleware opens a server span per request. Health and scrape
// endpoints are not traced.
func TracingMiddleware() gin.HandlerFunc {
	untraced := map[string]bool{"/health": true, "/ready": true, "/metrics": true}

	return func(c *gin.Context) {
		route := c.FullPath()
		if untraced[route] {
			c.Next()
			return
		}
		if route == "" {
			route = "unmatched"
		}

		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		span.SetAttributes(attribute.String("http.client_ip", c.ClientIP()))
		if id := logger.RequestID(ctx); id != "" {
			span.SetAttributes(attribute.String("http.request_id", id))
		}
		switch id := c.Param("id"); {
		case id == "":
		case strings.HasPrefix(route, "/api/v1/devices/"):
			span.SetAttributes(tracing.DeviceIDKey.String(id))
		case strings.HasPrefix(route, "/api/v1/files/"):
			span.SetAttributes(tracing.FileIDKey.String(id))
		}
		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = logger.WithTraceID(ctx, sc.TraceID().String())
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Int("http.response_size", c.Writer.Size()),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}

// RequestLoggerMiddleware logs every request with the ids carried by its
// context.
func RequestLoggerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cl.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
