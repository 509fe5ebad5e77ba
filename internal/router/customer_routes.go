package router

import (
    "github.com/labstack/echo/v4"

    "github.com/tempandmajor/commonly-sub010/internal/handler"
    "github.com/tempandmajor/commonly-sub010/internal/middleware"
)

// registerCustomer mounts the reservation endpoints.  Every route needs a
// valid JWT with the CUSTOMER role; mutations are rate limited per user.
func registerCustomer(e *echo.Echo, h *handler.ReservationHandler, opts Options) {
    g := e.Group("/v1",
        middleware.JWTAuth(opts.JWTSecret),
        middleware.RequireRole(middleware.RoleCustomer),
    )
    var limited []echo.MiddlewareFunc
    if opts.RateLimit != nil {
        limited = append(limited, opts.RateLimit)
    }
    g.POST("/events/:id/reservations", h.Create, limited...)
    g.DELETE("/reservations/:id", h.Cancel, limited...)
    g.GET("/my-reservations", h.ListMine)
    g.GET("/reservations/:id", h.Get)
}
