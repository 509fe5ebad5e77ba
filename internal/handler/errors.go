package handler

import (
    "errors"
    "net/http"
    "strconv"

    "github.com/labstack/echo/v4"

    "github.com/tempandmajor/commonly-sub010/internal/logging"
    "github.com/tempandmajor/commonly-sub010/internal/model"
    "github.com/tempandmajor/commonly-sub010/internal/validation"
)

// respondError maps domain errors to status codes and safe messages.
// Anything unrecognised is logged and reported as 500.
func respondError(c echo.Context, err error) error {
    var verr *validation.Error
    switch {
    case errors.As(err, &verr):
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "validation failed", "fields": verr.Fields})
    case errors.Is(err, model.ErrValidation):
        return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
    case errors.Is(err, model.ErrNotFound):
        return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
    case errors.Is(err, model.ErrForbidden):
        return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
    case errors.Is(err, model.ErrCapacityExceeded):
        return c.JSON(http.StatusConflict, echo.Map{"error": "not enough tickets left"})
    case errors.Is(err, model.ErrDuplicateReservation):
        return c.JSON(http.StatusConflict, echo.Map{"error": "you already hold a reservation for this event"})
    case errors.Is(err, model.ErrDeadlinePassed):
        return c.JSON(http.StatusConflict, echo.Map{"error": "pledging for this event has closed"})
    case errors.Is(err, model.ErrSettlementInProgress):
        return c.JSON(http.StatusConflict, echo.Map{"error": "event funding already decided"})
    case errors.Is(err, model.ErrConcurrencyConflict):
        return c.JSON(http.StatusConflict, echo.Map{"error": "reservation is busy, retry shortly"})
    case errors.Is(err, model.ErrPaymentAuthorizationFailed):
        return c.JSON(http.StatusPaymentRequired, echo.Map{"error": "payment authorization failed"})
    case errors.Is(err, model.ErrPaymentCancelFailed):
        return c.JSON(http.StatusBadGateway, echo.Map{"error": "payment provider unavailable, retry later"})
    }
    logging.Ctx(c.Request().Context()).Error().Err(err).Str("route", c.Path()).Msg("request failed")
    return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

func unauthorized(c echo.Context) error {
    return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
}

func pathID(c echo.Context, name string) (uint64, bool) {
    id, err := strconv.ParseUint(c.Param(name), 10, 64)
    return id, err == nil && id != 0
}
