package middleware

import (
	"fmt"
	"log"
	"net/http"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorRecoveryMiddleware turns a handler panic into a 500 and records it on
// the request span. It must run inside TracingMiddleware to find the span.
func ErrorRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			stack := debug.Stack()

			span := trace.SpanFromContext(r.Context())
			span.RecordError(fmt.Errorf("panic: %v", rec))
			span.SetStatus(codes.Error, "panic recovered")
			span.SetAttributes(attribute.String("error.stacktrace", string(stack)))

			log.Printf("❌ [%s] panic in %s %s: %v\n%s", GetRequestID(r.Context()), r.Method, r.URL.Path, rec, stack)

			http.Error(w, "internal server error", http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}
