package router

import (
    "database/sql"

    "github.com/labstack/echo/v4"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/tempandmajor/commonly-sub010/internal/handler"
    "github.com/tempandmajor/commonly-sub010/internal/middleware"
)

// Handlers are the HTTP entry points served by the API.
type Handlers struct {
    Events       *handler.EventHandler
    Reservations *handler.ReservationHandler
    Organizer    *handler.OrganizerHandler
    Webhooks     *handler.WebhookHandler
}

// Options carry the middleware that depends on configuration.
type Options struct {
    JWTSecret     string
    WebhookSecret string
    // ResponseCache fronts the public event listing; RateLimit guards
    // reservation mutations.  Either may be nil.
    ResponseCache echo.MiddlewareFunc
    RateLimit     echo.MiddlewareFunc
}

// Register mounts every route on e.
func Register(e *echo.Echo, db *sql.DB, h Handlers, opts Options) {
    e.Use(middleware.RequestID(), middleware.AccessLog())

    e.GET("/healthz", handler.Health(db))
    e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

    registerPublic(e, h.Events, opts)
    registerOrganizer(e, h.Events, h.Organizer, opts)
    registerCustomer(e, h.Reservations, opts)

    e.POST("/v1/webhooks/pledges", h.Webhooks.Pledges, middleware.VerifySignature(opts.WebhookSecret))
}

// registerPublic mounts the unauthenticated event reads.
func registerPublic(e *echo.Echo, h *handler.EventHandler, opts Options) {
    list := []echo.MiddlewareFunc{}
    if opts.ResponseCache != nil {
        list = append(list, opts.ResponseCache)
    }
    e.GET("/v1/events", h.List, list...)
    e.GET("/v1/events/:id", h.Get)
}
