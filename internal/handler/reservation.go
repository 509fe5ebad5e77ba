package handler

import (
    "net/http"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/tempandmajor/commonly-sub010/internal/middleware"
    "github.com/tempandmajor/commonly-sub010/internal/model"
    "github.com/tempandmajor/commonly-sub010/internal/reservation"
)

// ReservationHandler exposes the reservation manager to customers.  All
// routes run behind JWTAuth and RequireRole(CUSTOMER).
type ReservationHandler struct {
    Manager *reservation.Manager
}

// NewReservationHandler returns a ReservationHandler.
func NewReservationHandler(m *reservation.Manager) *ReservationHandler {
    return &ReservationHandler{Manager: m}
}

type reservationResp struct {
    ID         uint64                  `json:"id"`
    EventID    uint64                  `json:"event_id"`
    Quantity   uint32                  `json:"quantity"`
    TotalCents int64                   `json:"total_amount_cents"`
    Status     model.ReservationStatus `json:"status"`
    Settling   bool                    `json:"settling"`
    ReservedAt time.Time               `json:"reserved_at"`
    SettledAt  *time.Time              `json:"settled_at,omitempty"`
}

func toReservationResp(r model.Reservation) reservationResp {
    return reservationResp{
        ID:         r.ID,
        EventID:    r.EventID,
        Quantity:   r.Quantity,
        TotalCents: r.TotalCents,
        Status:     r.Status,
        Settling:   r.Phase == model.PhaseSettling || r.Phase == model.PhaseSettlementPending,
        ReservedAt: r.ReservedAt,
        SettledAt:  r.SettledAt,
    }
}

// Create handles POST /v1/events/:id/reservations.
func (h *ReservationHandler) Create(c echo.Context) error {
    userID, ok := middleware.UserID(c)
    if !ok {
        return unauthorized(c)
    }
    eventID, ok := pathID(c, "id")
    if !ok {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid event id"})
    }
    var in reservation.CreateInput
    if err := c.Bind(&in); err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
    }
    in.UserID, in.EventID = userID, eventID

    res, err := h.Manager.Create(c.Request().Context(), in)
    if err != nil {
        return respondError(c, err)
    }
    return c.JSON(http.StatusCreated, toReservationResp(res))
}

// ListMine handles GET /v1/my-reservations.
func (h *ReservationHandler) ListMine(c echo.Context) error {
    userID, ok := middleware.UserID(c)
    if !ok {
        return unauthorized(c)
    }
    list, err := h.Manager.ListByUser(c.Request().Context(), userID)
    if err != nil {
        return respondError(c, err)
    }
    out := make([]reservationResp, 0, len(list))
    for _, r := range list {
        out = append(out, toReservationResp(r))
    }
    return c.JSON(http.StatusOK, echo.Map{"reservations": out})
}

// Get handles GET /v1/reservations/:id.
func (h *ReservationHandler) Get(c echo.Context) error {
    userID, ok := middleware.UserID(c)
    if !ok {
        return unauthorized(c)
    }
    id, ok := pathID(c, "id")
    if !ok {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid reservation id"})
    }
    res, err := h.Manager.Get(c.Request().Context(), id, userID)
    if err != nil {
        return respondError(c, err)
    }
    return c.JSON(http.StatusOK, toReservationResp(res))
}

// Cancel handles DELETE /v1/reservations/:id.  Cancelling an already
// cancelled reservation returns it unchanged.
func (h *ReservationHandler) Cancel(c echo.Context) error {
    userID, ok := middleware.UserID(c)
    if !ok {
        return unauthorized(c)
    }
    id, ok := pathID(c, "id")
    if !ok {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid reservation id"})
    }
    res, err := h.Manager.Cancel(c.Request().Context(), id, userID)
    if err != nil {
        return respondError(c, err)
    }
    return c.JSON(http.StatusOK, toReservationResp(res))
}
