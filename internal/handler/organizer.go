package handler

import (
    "net/http"

    "github.com/labstack/echo/v4"

    "github.com/tempandmajor/commonly-sub010/internal/cache"
    "github.com/tempandmajor/commonly-sub010/internal/middleware"
    "github.com/tempandmajor/commonly-sub010/internal/model"
    "github.com/tempandmajor/commonly-sub010/internal/repository"
)

// OrganizerHandler serves the organizer's view of pledges on events they
// own.  Ownership is checked against the event row; other organizers get
// 403.
type OrganizerHandler struct {
    Events       *repository.EventRepo
    Reservations *repository.ReservationRepo
}

// NewOrganizerHandler returns an OrganizerHandler.
func NewOrganizerHandler(events *repository.EventRepo, reservations *repository.ReservationRepo) *OrganizerHandler {
    return &OrganizerHandler{Events: events, Reservations: reservations}
}

type pledgeResp struct {
    UserID uint64 `json:"user_id"`
    reservationResp
}

// ListEventReservations handles GET /v1/events/:id/reservations.  The
// response carries the event summary read from the database, not the
// cache, so counters and pledges match the listed items.
func (h *OrganizerHandler) ListEventReservations(c echo.Context) error {
    organizerID, ok := middleware.UserID(c)
    if !ok {
        return unauthorized(c)
    }
    eventID, ok := pathID(c, "id")
    if !ok {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid event id"})
    }
    ctx := c.Request().Context()
    ev, err := h.Events.GetByID(ctx, nil, eventID)
    if err != nil {
        return respondError(c, err)
    }
    if ev.OrganizerID != organizerID {
        return respondError(c, model.ErrForbidden)
    }
    list, err := h.Reservations.ListByEvent(ctx, eventID)
    if err != nil {
        return respondError(c, err)
    }
    items := make([]pledgeResp, 0, len(list))
    for _, r := range list {
        items = append(items, pledgeResp{UserID: r.UserID, reservationResp: toReservationResp(r)})
    }
    return c.JSON(http.StatusOK, echo.Map{
        "event": cache.SummaryOf(ev),
        "items": items,
        "count": len(items),
    })
}
