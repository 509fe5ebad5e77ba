package middleware

import (
    "strconv"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/tempandmajor/commonly-sub010/internal/logging"
    "github.com/tempandmajor/commonly-sub010/internal/metrics"
)

// RequestID propagates X-Request-ID, generating one when absent, and
// attaches it to the request context so logging.Ctx picks it up.
func RequestID() echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            id := c.Request().Header.Get(echo.HeaderXRequestID)
            if id == "" {
                id = logging.GenerateRequestID()
            }
            c.Response().Header().Set(echo.HeaderXRequestID, id)
            ctx := logging.ContextWithRequestID(c.Request().Context(), id)
            c.SetRequest(c.Request().WithContext(ctx))
            return next(c)
        }
    }
}

// AccessLog logs every request and records its status and latency.
func AccessLog() echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            start := time.Now()
            err := next(c)
            if err != nil {
                c.Error(err)
            }
            req, res := c.Request(), c.Response()
            route := c.Path()
            if route == "" {
                route = "unmatched"
            }
            elapsed := time.Since(start)
            metrics.RecordHTTPRequest(req.Method, route, strconv.Itoa(res.Status), elapsed)

            ev := logging.Ctx(req.Context()).Info()
            if res.Status >= 500 {
                ev = logging.Ctx(req.Context()).Error().Err(err)
            }
            ev.Str("method", req.Method).
                Str("route", route).
                Int("status", res.Status).
                Dur("latency", elapsed).
                Str("remote_ip", c.RealIP()).
                Msg("request")
            return nil
        }
    }
}
