package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanlanch/rewardsledger/pkg/domain"
	"github.com/jordanlanch/rewardsledger/pkg/events"
	"github.com/jordanlanch/rewardsledger/pkg/models"
)

type recordingProcessor struct {
	err       error
	eventType string
	payload   string
}

func (p *recordingProcessor) Process(_ context.Context, eventType string, payload []byte) error {
	p.eventType = eventType
	p.payload = string(payload)
	return p.err
}

func TestEventsHandler_Routing(t *testing.T) {
	body := `{"booking_id":"bk-1"}`
	tests := []struct {
		name     string
		call     func(*EventsHandler) echo.HandlerFunc
		wantType string
	}{
		{"Booking completed", func(h *EventsHandler) echo.HandlerFunc { return h.BookingCompleted }, models.EventBookingCompleted},
		{"Booking cancelled", func(h *EventsHandler) echo.HandlerFunc { return h.BookingCancelled }, models.EventBookingCancelled},
		{"User registered", func(h *EventsHandler) echo.HandlerFunc { return h.UserRegistered }, models.EventUserRegistered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &recordingProcessor{}
			h := NewEventsHandler(proc)

			c, rec := newRequest(http.MethodPost, "/api/v1/events/x", body, "")
			require.NoError(t, tt.call(h)(c))
			assert.Equal(t, http.StatusAccepted, rec.Code)
			assert.Equal(t, tt.wantType, proc.eventType)
			assert.Equal(t, body, proc.payload)
		})
	}
}

func TestEventsHandler_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "Invalid payload",
			err:        fmt.Errorf("%w: %w", events.ErrDeadLettered, domain.NewValidationError("malformed payload")),
			wantStatus: http.StatusBadRequest,
			wantError:  "validation_error",
		},
		{
			name:       "Retries exhausted",
			err:        fmt.Errorf("%w: %w", events.ErrDeadLettered, errors.New("deadlock detected")),
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "dead_lettered",
		},
		{
			name:       "Not applied",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "temporarily_unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewEventsHandler(&recordingProcessor{err: tt.err})

			c, rec := newRequest(http.MethodPost, "/api/v1/events/booking-completed", `{}`, "")
			require.NoError(t, h.BookingCompleted(c))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantError, decodeError(t, rec).Error)
		})
	}
}

func TestEventsHandler_PayloadTooLarge(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewEventsHandler(proc)

	big := `{"pad":"` + strings.Repeat("x", maxEventBytes) + `"}`
	c, rec := newRequest(http.MethodPost, "/api/v1/events/user-registered", big, "")
	require.NoError(t, h.UserRegistered(c))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, proc.eventType)
}
