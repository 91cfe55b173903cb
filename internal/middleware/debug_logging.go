package middleware

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"waflow/internal/tracing"
)

var sensitiveHeaders = map[string]bool{
	"authorization":        true,
	"cookie":               true,
	"set-cookie":           true,
	"x-hub-signature-256":  true,
	"x-auth-token":         true,
}

var debugSkipPaths = []string{"/health", "/metrics"}

// DebugLogging logs request headers at debug level with credential headers
// masked. Bodies are never logged; webhook payloads carry phone numbers.
func DebugLogging(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logger.IsLevelEnabled(logrus.DebugLevel) && !skipDebugPath(r.URL.Path) {
				headers := make(map[string]string, len(r.Header))
				for name, values := range r.Header {
					if sensitiveHeaders[strings.ToLower(name)] {
						headers[name] = "***MASKED***"
					} else {
						headers[name] = strings.Join(values, ", ")
					}
				}

				info := tracing.GetRequestInfo(r.Context())
				logger.WithFields(logrus.Fields{
					"request_id":     info.RequestID,
					"method":         r.Method,
					"url":            r.URL.String(),
					"protocol":       r.Proto,
					"content_length": r.ContentLength,
					"headers":        headers,
				}).Debug("request detail")
			}

			next.ServeHTTP(w, r)
		})
	}
}

func skipDebugPath(path string) bool {
	for _, skip := range debugSkipPaths {
		if strings.HasPrefix(path, skip) {
			return true
		}
	}
	return false
}
