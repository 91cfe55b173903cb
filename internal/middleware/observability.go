package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"waflow/internal/httputil"
	"waflow/internal/metrics"
	"waflow/internal/tracing"
)

// Observability wraps handlers with request correlation, span creation and
// request metrics. Request and response logging stays at the path level;
// bodies never hit the log here.
func Observability(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.WithSpanContext(r.Context(), "http_request")
			defer span.End()

			ctx = tracing.WithRequestID(ctx, tracing.GenerateRequestID())
			ctx = tracing.WithStartTime(ctx, time.Now())
			r = r.WithContext(ctx)

			tracing.AddSpanAttributes(ctx,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path),
				attribute.String("client.address", httputil.ClientIP(r)),
				attribute.String("user_agent.original", r.Header.Get("User-Agent")),
			)

			info := tracing.GetRequestInfo(ctx)
			logger.WithFields(logrus.Fields{
				"request_id": info.RequestID,
				"trace_id":   info.TraceID,
				"method":     r.Method,
				"path":       r.URL.Path,
				"remote_ip":  httputil.ClientIP(r),
			}).Debug("request started")

			metrics.Increment("http_requests_total", map[string]string{
				"method":   r.Method,
				"endpoint": r.URL.Path,
			})

			wrapper := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			duration := tracing.Duration(ctx)

			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", wrapper.status),
				attribute.Int64("http.response.size", wrapper.size),
			)
			if wrapper.status >= 400 {
				tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("HTTP %d", wrapper.status))
			} else {
				tracing.SetSpanStatus(ctx, codes.Ok, "")
			}

			metrics.Observe("http_request_duration", duration, map[string]string{
				"method":   r.Method,
				"endpoint": r.URL.Path,
			})
			metrics.Increment("http_responses_total", map[string]string{
				"method":      r.Method,
				"endpoint":    r.URL.Path,
				"status_code": strconv.Itoa(wrapper.status),
			})

			level := logrus.InfoLevel
			switch {
			case wrapper.status >= 500:
				level = logrus.ErrorLevel
			case wrapper.status >= 400:
				level = logrus.WarnLevel
			}

			logger.WithFields(logrus.Fields{
				"request_id":  info.RequestID,
				"trace_id":    info.TraceID,
				"method":      r.Method,
				"path":        r.URL.Path,
				"status_code": wrapper.status,
				"duration_ms": duration.Milliseconds(),
				"size":        wrapper.size,
			}).Log(level, "request completed")
		})
	}
}

// statusRecorder captures status code and response size.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int64
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(data []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(data)
	sr.size += int64(n)
	return n, err
}
