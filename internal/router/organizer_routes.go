package router

import (
    "github.com/labstack/echo/v4"

    "github.com/tempandmajor/commonly-sub010/internal/handler"
    "github.com/tempandmajor/commonly-sub010/internal/middleware"
)

// registerOrganizer mounts event creation and the pledge listing.  Both
// require a JWT with the ORGANIZER role.
func registerOrganizer(e *echo.Echo, events *handler.EventHandler, org *handler.OrganizerHandler, opts Options) {
    g := e.Group("/v1",
        middleware.JWTAuth(opts.JWTSecret),
        middleware.RequireRole(middleware.RoleOrganizer),
    )
    g.POST("/events", events.Create)
    if org != nil {
        g.GET("/events/:id/reservations", org.ListEventReservations)
    }
}
