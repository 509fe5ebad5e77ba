package handler

import (
    "net/http"

    "github.com/labstack/echo/v4"

    "github.com/tempandmajor/commonly-sub010/internal/logging"
    "github.com/tempandmajor/commonly-sub010/internal/reservation"
)

// WebhookHandler accepts signed pledge notifications from the payments
// side and turns them into goal checks.  Signatures are verified by
// middleware.VerifySignature before the handler runs.
type WebhookHandler struct {
    Funding reservation.FundingTrigger
}

// NewWebhookHandler returns a WebhookHandler.
func NewWebhookHandler(f reservation.FundingTrigger) *WebhookHandler {
    return &WebhookHandler{Funding: f}
}

type pledgeHook struct {
    EventID uint64 `json:"event_id"`
}

// Pledges handles POST /v1/webhooks/pledges.  Deliveries may repeat; a
// goal check on a decided event does nothing.
func (h *WebhookHandler) Pledges(c echo.Context) error {
    var hook pledgeHook
    if err := c.Bind(&hook); err != nil || hook.EventID == 0 {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "event_id is required"})
    }
    if err := h.Funding.GoalReached(c.Request().Context(), hook.EventID); err != nil {
        return respondError(c, err)
    }
    logging.Ctx(c.Request().Context()).Info().Uint64("event_id", hook.EventID).Msg("pledge webhook processed")
    return c.JSON(http.StatusOK, echo.Map{"status": "processed"})
}
