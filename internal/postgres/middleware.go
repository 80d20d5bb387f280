package postgres

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// RequestStats labels queries with the request method and attaches a
// ReqDBStats to the request context. Requests that touched the database get a
// summary log line and span attributes once the handler returns.
func RequestStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := NewReqDBStatsContext(WithHTTPMethod(r.Context(), r.Method))
		next.ServeHTTP(w, r.WithContext(ctx))

		s, _ := ReqDBStatsFromContext(ctx)
		count, total, errs := s.Snapshot()
		if count == 0 {
			return
		}

		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(
				attribute.Int("db.query_count", count),
				attribute.Int64("db.total_ms", total.Milliseconds()),
				attribute.Int("db.error_count", errs),
			)
		}
		log.FromContext(ctx).Info(ctx, "request db stats",
			"db.query_count", count,
			"db.total_ms", float64(total)/float64(time.Millisecond),
			"db.error_count", errs,
		)
	})
}
