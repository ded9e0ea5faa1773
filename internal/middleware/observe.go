package middleware

import (
    "strconv"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/rs/zerolog/log"
    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/propagation"
    "go.opentelemetry.io/otel/trace"

    "github.com/iliyamo/storefront-checkout/internal/metrics"
)

// Observe starts a server span for every request, continuing a trace
// propagated by the caller, and puts a zerolog logger carrying the trace
// id into the request context (retrieve it with zerolog's log.Ctx).  When
// the handler returns it records request metrics and writes one access
// log line.
func Observe(serviceName string) echo.MiddlewareFunc {
    tracer := otel.Tracer(serviceName)
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            req := c.Request()
            ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
            route := c.Path()
            ctx, span := tracer.Start(ctx, req.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
            defer span.End()

            logger := log.With().Str("trace_id", span.SpanContext().TraceID().String()).Logger()
            c.SetRequest(req.WithContext(logger.WithContext(ctx)))

            start := time.Now()
            if err := next(c); err != nil {
                // Let Echo write the error now so the status is known.
                c.Error(err)
            }
            elapsed := time.Since(start)
            status := c.Response().Status

            span.SetAttributes(
                attribute.String("http.method", req.Method),
                attribute.String("http.route", route),
                attribute.Int("http.status_code", status),
            )
            metrics.HTTPRequests.WithLabelValues(req.Method, route, strconv.Itoa(status)).Inc()
            metrics.HTTPLatency.WithLabelValues(req.Method, route).Observe(elapsed.Seconds())

            ev := logger.Info()
            if status >= 500 {
                ev = logger.Error()
            }
            ev.Str("method", req.Method).Str("route", route).Int("status", status).
                Dur("latency", elapsed).Str("ip", c.RealIP()).Msg("request")
            return nil
        }
    }
}
