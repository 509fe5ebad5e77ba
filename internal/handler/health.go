package handler

import (
    "context"
    "database/sql"
    "net/http"
    "time"

    "github.com/labstack/echo/v4"
)

// Health reports 200 while the database answers a ping and 503
// otherwise.  Load balancers poll it at /healthz.
func Health(db *sql.DB) echo.HandlerFunc {
    return func(c echo.Context) error {
        ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
        defer cancel()
        if err := db.PingContext(ctx); err != nil {
            return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable", "database": "down"})
        }
        return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
    }
}
