package handler

import (
    "context"
    "net/http"
    "strconv"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/tempandmajor/commonly-sub010/internal/cache"
    "github.com/tempandmajor/commonly-sub010/internal/logging"
    "github.com/tempandmajor/commonly-sub010/internal/middleware"
    "github.com/tempandmajor/commonly-sub010/internal/model"
    "github.com/tempandmajor/commonly-sub010/internal/repository"
    "github.com/tempandmajor/commonly-sub010/internal/validation"
)

// EventHandler serves the public event listing and lets organizers open
// new pledge campaigns.
type EventHandler struct {
    Events *repository.EventRepo
    Cache  *cache.EventCache
    Now    func() time.Time
}

// NewEventHandler returns an EventHandler.  summaries may be a cache
// without a Redis client, which reads straight from the database.
func NewEventHandler(events *repository.EventRepo, summaries *cache.EventCache) *EventHandler {
    return &EventHandler{Events: events, Cache: summaries, Now: time.Now}
}

type createEventReq struct {
    Title            string    `json:"title" validate:"required,max=200"`
    TotalCapacity    uint32    `json:"total_capacity" validate:"required,min=1"`
    TicketPriceCents int64     `json:"ticket_price_cents" validate:"required,min=1"`
    FundingGoalCents int64     `json:"funding_goal_cents" validate:"required,min=1"`
    PledgeDeadline   time.Time `json:"pledge_deadline" validate:"required"`
}

// Create handles POST /v1/events.
func (h *EventHandler) Create(c echo.Context) error {
    organizerID, ok := middleware.UserID(c)
    if !ok {
        return unauthorized(c)
    }
    var req createEventReq
    if err := c.Bind(&req); err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
    }
    if err := validation.Struct(req); err != nil {
        return respondError(c, err)
    }
    now := h.Now().UTC()
    if !req.PledgeDeadline.After(now) {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "pledge_deadline must be in the future"})
    }

    ev := model.Event{
        OrganizerID:      organizerID,
        Title:            req.Title,
        TotalCapacity:    req.TotalCapacity,
        TicketPriceCents: req.TicketPriceCents,
        FundingGoalCents: req.FundingGoalCents,
        PledgeDeadline:   req.PledgeDeadline.UTC(),
    }
    if err := h.Events.Create(c.Request().Context(), &ev, now); err != nil {
        return respondError(c, err)
    }
    logging.Ctx(c.Request().Context()).Info().Uint64("event_id", ev.ID).Uint64("organizer_id", organizerID).
        Msg("event created")
    return c.JSON(http.StatusCreated, cache.SummaryOf(ev))
}

// List handles GET /v1/events: events still accepting pledges, soonest
// deadline first.  ?limit= caps the page size.
func (h *EventHandler) List(c echo.Context) error {
    limit, _ := strconv.Atoi(c.QueryParam("limit"))
    events, err := h.Events.ListOpen(c.Request().Context(), h.Now(), limit)
    if err != nil {
        return respondError(c, err)
    }
    out := make([]cache.Summary, 0, len(events))
    for _, ev := range events {
        out = append(out, cache.SummaryOf(ev))
    }
    return c.JSON(http.StatusOK, echo.Map{"events": out})
}

// Get handles GET /v1/events/:id.
func (h *EventHandler) Get(c echo.Context) error {
    id, ok := pathID(c, "id")
    if !ok {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid event id"})
    }
    s, err := h.Cache.Get(c.Request().Context(), id, func(ctx context.Context, id uint64) (model.Event, error) {
        return h.Events.GetByID(ctx, nil, id)
    })
    if err != nil {
        return respondError(c, err)
    }
    return c.JSON(http.StatusOK, s)
}
