package httpmw

import (
	"log/slog"
	"net/http"

	"github.com/cwrk-planet/canvas-sync/internal/logger"
	"github.com/cwrk-planet/canvas-sync/internal/metrics"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Logging opens a server span per request and logs it once it is done.
// Websocket upgrades are logged when the connection ends and are left out
// of the request metrics, their duration being the session length.
func Logging(m *metrics.Collector) func(http.Handler) http.Handler {
	tracer := otel.Tracer("canvas-sync/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
				))
			defer span.End()
			r = r.WithContext(ctx)

			snoop := httpsnoop.CaptureMetrics(next, w, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			span.SetAttributes(attribute.Int("http.status_code", snoop.Code))

			upgrade := websocket.IsWebSocketUpgrade(r)
			if !upgrade {
				m.ObserveHTTP(r.Method, snoop.Code, snoop.Duration)
			}

			lvl := slog.LevelInfo
			if snoop.Code >= http.StatusInternalServerError {
				lvl = slog.LevelError
			}
			logger.FromCtx(ctx).Log(ctx, lvl, "handled",
				"method", r.Method,
				"route", route,
				"status", snoop.Code,
				"bytes", snoop.Written,
				"duration", snoop.Duration,
				"request_id", middleware.GetReqID(ctx),
				"websocket", upgrade)
		})
	}
}
