package monitoring

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/dlt-telehealth/pkg/logger"
)

// RequestIDHeader carries the request id in and out of the service
const RequestIDHeader = "X-Request-ID"

// RequestLogging assigns a request id, propagates it through the context and
// logs every completed request
func RequestLogging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			ctx := logger.WithRequestID(r.Context(), requestID)
			if traceID := TraceIDFromContext(ctx); traceID != "" {
				ctx = logger.WithTraceID(ctx, traceID)
			}

			wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			wrapper.Header().Set(RequestIDHeader, requestID)

			next.ServeHTTP(wrapper, r.WithContext(ctx))

			log.HTTPRequest(ctx, r.Method, r.URL.Path, r.RemoteAddr, wrapper.statusCode, time.Since(start).Milliseconds())
		})
	}
}
