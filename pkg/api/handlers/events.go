package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	apierrors "github.com/jordanlanch/rewardsledger/pkg/api/errors"
	"github.com/jordanlanch/rewardsledger/pkg/domain"
	"github.com/jordanlanch/rewardsledger/pkg/events"
	"github.com/jordanlanch/rewardsledger/pkg/models"
)

const maxEventBytes = 64 << 10

// EventsHandler accepts booking and account events pushed over HTTP
type EventsHandler struct {
	processor events.Handler
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(processor events.Handler) *EventsHandler {
	return &EventsHandler{processor: processor}
}

// BookingCompleted godoc
// @Summary Ingest a booking completion
// @Description Credits locked commission to the booker's referrers. Redelivery is safe.
// @Tags Events
// @Accept json
// @Produce json
// @Param event body models.BookingCompleted true "Completed booking"
// @Success 202 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 422 {object} models.ErrorResponse "Event was dead-lettered"
// @Failure 503 {object} models.ErrorResponse "Retry later"
// @Security ServiceToken
// @Router /api/v1/events/booking-completed [post]
func (h *EventsHandler) BookingCompleted(c echo.Context) error {
	return h.ingest(c, models.EventBookingCompleted)
}

// BookingCancelled godoc
// @Summary Ingest a booking cancellation or refund
// @Description Forfeits credits of the booking that are still locked
// @Tags Events
// @Accept json
// @Produce json
// @Param event body models.BookingCancelled true "Cancelled booking"
// @Success 202 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse "Retry later"
// @Security ServiceToken
// @Router /api/v1/events/booking-cancelled [post]
func (h *EventsHandler) BookingCancelled(c echo.Context) error {
	return h.ingest(c, models.EventBookingCancelled)
}

// UserRegistered godoc
// @Summary Ingest a user registration
// @Description Creates the user and registers the referral code it signed up with, if any
// @Tags Events
// @Accept json
// @Produce json
// @Param event body models.UserRegistered true "Registered user"
// @Success 202 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse "Retry later"
// @Security ServiceToken
// @Router /api/v1/events/user-registered [post]
func (h *EventsHandler) UserRegistered(c echo.Context) error {
	return h.ingest(c, models.EventUserRegistered)
}

func (h *EventsHandler) ingest(c echo.Context, eventType string) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEventBytes+1))
	if err != nil {
		return apierrors.ValidationError(c, err)
	}
	if len(payload) > maxEventBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, models.ErrorResponse{
			Error:   "payload_too_large",
			Message: "Event payload exceeds 64KB",
		})
	}

	err = h.processor.Process(ctx, eventType, payload)
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, models.SuccessResponse{Success: true})
	case errors.Is(err, events.ErrDeadLettered) && domain.IsValidation(err):
		return apierrors.ValidationError(c, err)
	case errors.Is(err, events.ErrDeadLettered):
		return c.JSON(http.StatusUnprocessableEntity, models.ErrorResponse{
			Error:   "dead_lettered",
			Message: "Event could not be applied and was parked for review",
		})
	default:
		c.Logger().Warnf("event %s not applied: %v", eventType, err)
		return c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
			Error:   "temporarily_unavailable",
			Message: "Event was not applied. Please retry.",
		})
	}
}
